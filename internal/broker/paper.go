// paper.go implements the in-process paper trading adapter.
//
// The simulator is the reference implementation of the Adapter contract:
// every live adapter must be indistinguishable from it under the contract
// tests. Fills are derived from a mock mark price with the configured
// spread and a uniform slippage, both applied adversely to the trader
// (BUY pays the ask, SELL receives the bid). Market orders fill per the
// configured fill rule; limit orders rest until a mark-price tick crosses
// them, which is how bracket (SL/TP) fills are simulated.
//
// Fill prices are rounded to 5 decimals, sizes to 2.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"forex-exec/internal/config"
	"forex-exec/pkg/types"
)

// partialFillProb is the probability that a market order first fills only
// part of its requested size. The remainder follows one latency later.
const partialFillProb = 0.3

// paperOrder is the venue-side record of an order inside the simulator.
type paperOrder struct {
	id        string
	req       types.OrderRequest
	status    types.OrderStatus
	filled    decimal.Decimal
	dispatch  bool // fill dispatch already scheduled
	createdAt time.Time
}

// PaperAdapter simulates a venue in process. All state is guarded by a
// single mutex; fill dispatch runs on per-order goroutines so latency
// never blocks the caller.
type PaperAdapter struct {
	cfg    config.PaperConfig
	symbol string
	logger *slog.Logger

	mu        sync.Mutex
	connected bool
	stopCh    chan struct{} // closed on Disconnect, aborts pending fills
	rng       *rand.Rand
	mark      decimal.Decimal // current mock mark price
	balance   decimal.Decimal
	realized  decimal.Decimal
	seq       int
	orders    map[string]*paperOrder
	positions map[string]*types.BrokerPosition
	orderPos  map[string]string // broker order id -> broker position id
	tradePos  map[string]string // trade id -> broker position id
	parked    []string          // order ids awaiting the next candle open
	sinks     []chan<- types.ExecutionReport

	wg sync.WaitGroup
}

// NewPaperAdapter creates the simulator. A zero seed seeds the RNG from
// the clock; tests pass a fixed seed for reproducible fills.
func NewPaperAdapter(cfg config.PaperConfig, symbol string, logger *slog.Logger) *PaperAdapter {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &PaperAdapter{
		cfg:       cfg,
		symbol:    symbol,
		logger:    logger.With("component", "paper_broker"),
		rng:       rand.New(rand.NewSource(seed)),
		balance:   decimal.NewFromFloat(cfg.InitialBalance),
		orders:    make(map[string]*paperOrder),
		positions: make(map[string]*types.BrokerPosition),
		orderPos:  make(map[string]string),
		tradePos:  make(map[string]string),
	}
}

// Name returns "paper".
func (pa *PaperAdapter) Name() string { return "paper" }

// Connect simulates session establishment with a bounded delay. Idempotent.
func (pa *PaperAdapter) Connect(ctx context.Context) error {
	pa.mu.Lock()
	if pa.connected {
		pa.mu.Unlock()
		return nil
	}
	pa.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(pa.cfg.Latency):
	}

	pa.mu.Lock()
	pa.connected = true
	pa.stopCh = make(chan struct{})
	pa.mu.Unlock()

	pa.logger.Info("paper session established")
	return nil
}

// Disconnect tears down the session and aborts pending fill dispatches.
func (pa *PaperAdapter) Disconnect(_ context.Context) error {
	pa.mu.Lock()
	if !pa.connected {
		pa.mu.Unlock()
		return nil
	}
	pa.connected = false
	close(pa.stopCh)
	pa.mu.Unlock()

	pa.wg.Wait()
	pa.logger.Info("paper session closed")
	return nil
}

// SubscribeExecutions registers an execution report sink.
func (pa *PaperAdapter) SubscribeExecutions(sink chan<- types.ExecutionReport) {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	pa.sinks = append(pa.sinks, sink)
}

// ValidateAccount returns the simulated account snapshot.
func (pa *PaperAdapter) ValidateAccount(_ context.Context) (*types.AccountInfo, error) {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	if !pa.connected {
		return nil, ErrNotConnected
	}

	return &types.AccountInfo{
		AccountID:   "paper-1",
		Balance:     pa.balance,
		Equity:      pa.balance,
		Margin:      decimal.Zero,
		FreeMargin:  pa.balance,
		MarginLevel: decimal.Zero,
	}, nil
}

// SetMarkPrice moves the mock mark price and fills any resting limit order
// the new price crosses. Bracket fills originate here.
func (pa *PaperAdapter) SetMarkPrice(price decimal.Decimal) {
	pa.mu.Lock()
	pa.mark = price

	var crossed []*paperOrder
	for _, o := range pa.orders {
		if o.status != types.OrderPending || o.dispatch || o.req.Price == nil {
			continue
		}
		level := *o.req.Price
		var hit bool
		switch o.req.Type {
		case types.OrderTypeLimit:
			// Fill at the limit or better.
			hit = (o.req.Side == types.BUY && price.LessThanOrEqual(level)) ||
				(o.req.Side == types.SELL && price.GreaterThanOrEqual(level))
		case types.OrderTypeStop:
			// Trigger on the adverse crossing.
			hit = (o.req.Side == types.BUY && price.GreaterThanOrEqual(level)) ||
				(o.req.Side == types.SELL && price.LessThanOrEqual(level))
		}
		if hit {
			o.dispatch = true
			crossed = append(crossed, o)
		}
	}
	pa.mu.Unlock()

	for _, o := range crossed {
		// Resting orders fill at their level, full remaining size.
		level := *o.req.Price
		pa.scheduleFills(o, level, decimal.Zero, o.req.Size, decimal.Zero)
	}
}

// CandleOpen pushes a new candle-open price. Orders parked under the
// NEXT_CANDLE_OPEN fill rule fill at this open (with the usual adverse
// spread and slippage applied).
func (pa *PaperAdapter) CandleOpen(open decimal.Decimal) {
	pa.mu.Lock()
	ids := pa.parked
	pa.parked = nil
	pa.mark = open
	pa.mu.Unlock()

	for _, id := range ids {
		pa.mu.Lock()
		o, ok := pa.orders[id]
		live := ok && !o.status.Terminal()
		pa.mu.Unlock()
		if !live {
			continue
		}
		fill, slip := pa.adverseFill(o.req.Side, open, o.req.Price)
		first, rest := pa.splitFill(o.req.Size)
		pa.scheduleFills(o, fill, slip, first, rest)
	}
}

// PlaceOrder simulates venue order entry: a Bernoulli rejection roll, a
// latency sleep, then asynchronous fill dispatch per the fill rule.
func (pa *PaperAdapter) PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.OrderResponse, error) {
	pa.mu.Lock()
	if !pa.connected {
		pa.mu.Unlock()
		return nil, ErrNotConnected
	}
	if req.Type != types.OrderTypeMarket && req.Price == nil {
		pa.mu.Unlock()
		return nil, fmt.Errorf("%s order without price", req.Type)
	}
	if !req.Size.IsPositive() {
		pa.mu.Unlock()
		return nil, fmt.Errorf("order size must be positive, got %s", req.Size)
	}

	rejected := pa.rng.Float64() < pa.cfg.RejectionRate
	pa.seq++
	id := fmt.Sprintf("paper-%d", pa.seq)
	pa.mu.Unlock()

	if rejected {
		pa.logger.Warn("order rejected", "side", req.Side, "size", req.Size)
		return &types.OrderResponse{
			BrokerOrderID: id,
			Status:        types.OrderRejected,
			Reason:        "simulated venue rejection",
			Timestamp:     time.Now(),
		}, nil
	}

	// Simulated round-trip to the venue.
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(pa.cfg.Latency):
	}

	order := &paperOrder{
		id:        id,
		req:       req,
		status:    types.OrderPending,
		createdAt: time.Now(),
	}

	pa.mu.Lock()
	pa.orders[id] = order
	base := pa.mark
	if base.IsZero() && req.Price != nil {
		base = *req.Price
	}
	pa.mu.Unlock()

	if req.Type == types.OrderTypeMarket {
		switch pa.cfg.FillRule {
		case types.FillNextCandleOpen:
			pa.mu.Lock()
			pa.parked = append(pa.parked, id)
			pa.mu.Unlock()
		default:
			fill, slip := pa.adverseFill(req.Side, base, req.Price)
			first, rest := pa.splitFill(req.Size)
			pa.scheduleFills(order, fill, slip, first, rest)
		}
	}
	// Limit and stop orders rest until SetMarkPrice crosses them.

	return &types.OrderResponse{
		BrokerOrderID: id,
		Status:        types.OrderPending,
		Timestamp:     time.Now(),
	}, nil
}

// CancelOrder cancels a working order. Terminal orders cannot be cancelled.
func (pa *PaperAdapter) CancelOrder(_ context.Context, brokerOrderID string) error {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	if !pa.connected {
		return ErrNotConnected
	}

	o, ok := pa.orders[brokerOrderID]
	if !ok {
		return ErrOrderNotFound
	}
	if o.status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrOrderTerminal, brokerOrderID, o.status)
	}
	o.status = types.OrderCancelled
	return nil
}

// GetOrderStatus returns the venue-side order status.
func (pa *PaperAdapter) GetOrderStatus(_ context.Context, brokerOrderID string) (types.OrderStatus, error) {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	if !pa.connected {
		return "", ErrNotConnected
	}

	o, ok := pa.orders[brokerOrderID]
	if !ok {
		return "", ErrOrderNotFound
	}
	return o.status, nil
}

// GetOpenPositions returns the simulator's open positions.
func (pa *PaperAdapter) GetOpenPositions(_ context.Context) ([]types.BrokerPosition, error) {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	if !pa.connected {
		return nil, ErrNotConnected
	}

	out := make([]types.BrokerPosition, 0, len(pa.positions))
	for _, p := range pa.positions {
		out = append(out, *p)
	}
	return out, nil
}

// ClosePosition closes a venue position at the current mark, adversely
// adjusted for the closing side, and realizes its P&L into the balance.
func (pa *PaperAdapter) ClosePosition(_ context.Context, brokerPositionID string) (*types.OrderResponse, error) {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	if !pa.connected {
		return nil, ErrNotConnected
	}

	pos, ok := pa.positions[brokerPositionID]
	if !ok {
		return nil, ErrPositionNotFound
	}

	base := pa.mark
	if base.IsZero() {
		base = pos.AvgEntry
	}
	// Closing a BUY position sells (receives the bid) and vice versa.
	closeSide := pos.Side.Opposite()
	price := base
	if pa.cfg.SpreadSimulation {
		half := base.Mul(decimal.NewFromInt(int64(pa.cfg.SpreadBps))).Div(decimal.NewFromInt(20000))
		if closeSide == types.BUY {
			price = price.Add(half)
		} else {
			price = price.Sub(half)
		}
	}
	price = types.RoundPrice(price)

	pnl := price.Sub(pos.AvgEntry).Mul(pos.Size).Mul(pos.Side.Sign())
	pa.realized = pa.realized.Add(pnl)
	pa.balance = pa.balance.Add(pnl)
	delete(pa.positions, brokerPositionID)
	for tradeID, id := range pa.tradePos {
		if id == brokerPositionID {
			delete(pa.tradePos, tradeID)
		}
	}

	size := pos.Size
	pa.logger.Info("position closed",
		"position", brokerPositionID,
		"price", price,
		"pnl", pnl.Round(2),
	)

	return &types.OrderResponse{
		BrokerOrderID: "close-" + brokerPositionID,
		Status:        types.OrderFilled,
		FilledPrice:   &price,
		FilledSize:    &size,
		Timestamp:     time.Now(),
	}, nil
}

// ————————————————————————————————————————————————————————————————————————
// Fill simulation internals
// ————————————————————————————————————————————————————————————————————————

// adverseFill derives a fill price from base: half the configured spread
// plus a uniform slippage in [0, max_slippage_bps * price / 10000], both
// against the trader. Returns the rounded price and the absolute slippage
// relative to the requested price (or base for unpriced market orders).
func (pa *PaperAdapter) adverseFill(side types.Side, base decimal.Decimal, requested *decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	price := base
	if pa.cfg.SpreadSimulation {
		half := base.Mul(decimal.NewFromInt(int64(pa.cfg.SpreadBps))).Div(decimal.NewFromInt(20000))
		if side == types.BUY {
			price = price.Add(half)
		} else {
			price = price.Sub(half)
		}
	}
	if pa.cfg.SlippageEnabled && pa.cfg.MaxSlippageBps > 0 {
		pa.mu.Lock()
		u := pa.rng.Float64()
		pa.mu.Unlock()
		maxSlip := base.Mul(decimal.NewFromInt(int64(pa.cfg.MaxSlippageBps))).Div(decimal.NewFromInt(10000))
		slip := maxSlip.Mul(decimal.NewFromFloat(u))
		if side == types.BUY {
			price = price.Add(slip)
		} else {
			price = price.Sub(slip)
		}
	}
	price = types.RoundPrice(price)

	ref := base
	if requested != nil {
		ref = *requested
	}
	return price, price.Sub(ref).Abs()
}

// splitFill decides whether an order partial-fills first. Returns the first
// fill size and the remainder (zero for single-shot fills).
func (pa *PaperAdapter) splitFill(size decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	if !pa.cfg.PartialFillsEnabled {
		return size, decimal.Zero
	}
	pa.mu.Lock()
	roll := pa.rng.Float64()
	frac := 0.5 + 0.5*pa.rng.Float64()
	pa.mu.Unlock()

	if roll >= partialFillProb {
		return size, decimal.Zero
	}
	first := types.RoundSize(size.Mul(decimal.NewFromFloat(frac)))
	if !first.IsPositive() || first.GreaterThanOrEqual(size) {
		return size, decimal.Zero
	}
	return first, size.Sub(first)
}

// scheduleFills dispatches one or two execution reports for an order on a
// dedicated goroutine, one fill-delay apart, preserving per-order ordering.
func (pa *PaperAdapter) scheduleFills(o *paperOrder, price, slippage, first, rest decimal.Decimal) {
	pa.mu.Lock()
	if !pa.connected {
		pa.mu.Unlock()
		return
	}
	stop := pa.stopCh
	pa.mu.Unlock()

	pa.wg.Add(1)
	go func() {
		defer pa.wg.Done()

		if !pa.sleepFillDelay(stop) {
			return
		}
		if !pa.applyFill(o, price, slippage, first) {
			return
		}
		if rest.IsPositive() {
			if !pa.sleepFillDelay(stop) {
				return
			}
			pa.applyFill(o, price, slippage, rest)
		}
	}()
}

// sleepFillDelay waits the fill dispatch delay for the active fill rule.
// Returns false if the adapter disconnected while waiting.
func (pa *PaperAdapter) sleepFillDelay(stop chan struct{}) bool {
	delay := pa.cfg.Latency
	if pa.cfg.FillRule == types.FillRealisticDelay {
		pa.mu.Lock()
		u := pa.rng.Float64()
		pa.mu.Unlock()
		delay = pa.cfg.Latency + time.Duration(2*u*float64(pa.cfg.Latency))
	}
	select {
	case <-stop:
		return false
	case <-time.After(delay):
		return true
	}
}

// applyFill records a fill against an order, maintains the venue position,
// and dispatches the execution report. Returns false if the order was
// cancelled while the fill was in flight.
func (pa *PaperAdapter) applyFill(o *paperOrder, price, slippage, size decimal.Decimal) bool {
	pa.mu.Lock()
	if o.status == types.OrderCancelled || o.status == types.OrderRejected {
		pa.mu.Unlock()
		return false
	}

	o.filled = o.filled.Add(size)
	if o.filled.GreaterThanOrEqual(o.req.Size) {
		o.status = types.OrderFilled
	} else {
		o.status = types.OrderPartiallyFilled
	}

	// Entry (market) fills build the venue position. Bracket fills close
	// it at the fill price, the way a real venue's TP/SL would.
	if o.req.Type == types.OrderTypeMarket {
		pa.applyToPositionLocked(o, price, size)
	} else {
		pa.closeTradePositionLocked(o.req.TradeID, price)
	}

	report := types.ExecutionReport{
		ExecutionID:   uuid.NewString(),
		BrokerOrderID: o.id,
		TradeID:       o.req.TradeID,
		FilledPrice:   price,
		FilledSize:    size,
		Slippage:      slippage,
		Timestamp:     time.Now(),
	}
	sinks := pa.sinks
	pa.mu.Unlock()

	for _, sink := range sinks {
		select {
		case sink <- report:
		default:
			pa.logger.Warn("execution sink full, dropping report",
				"order", o.id, "execution", report.ExecutionID)
		}
	}
	return true
}

// applyToPositionLocked accumulates a fill into the venue position for the
// order, size-weighting the average entry. Caller holds pa.mu.
func (pa *PaperAdapter) applyToPositionLocked(o *paperOrder, price, size decimal.Decimal) {
	posID, ok := pa.orderPos[o.id]
	if !ok {
		posID = uuid.NewString()
		pa.orderPos[o.id] = posID
		if o.req.TradeID != "" {
			pa.tradePos[o.req.TradeID] = posID
		}
		pa.positions[posID] = &types.BrokerPosition{
			ID:       posID,
			Symbol:   o.req.Symbol,
			Side:     o.req.Side,
			Size:     size,
			AvgEntry: price,
			OpenedAt: time.Now(),
		}
		return
	}

	pos := pa.positions[posID]
	if pos == nil {
		return
	}
	total := pos.Size.Add(size)
	pos.AvgEntry = pos.AvgEntry.Mul(pos.Size).Add(price.Mul(size)).Div(total)
	pos.Size = total
}

// closeTradePositionLocked realizes a bracket fill against the trade's
// venue position. Caller holds pa.mu.
func (pa *PaperAdapter) closeTradePositionLocked(tradeID string, price decimal.Decimal) {
	posID, ok := pa.tradePos[tradeID]
	if !ok {
		return
	}
	pos, ok := pa.positions[posID]
	if !ok {
		return
	}
	pnl := price.Sub(pos.AvgEntry).Mul(pos.Size).Mul(pos.Side.Sign())
	pa.realized = pa.realized.Add(pnl)
	pa.balance = pa.balance.Add(pnl)
	delete(pa.positions, posID)
	delete(pa.tradePos, tradeID)
}

// PositionID exposes the venue position id created for a broker order.
// The SL/TP manager resolves the position to close through this.
func (pa *PaperAdapter) PositionID(brokerOrderID string) (string, bool) {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	id, ok := pa.orderPos[brokerOrderID]
	return id, ok
}
