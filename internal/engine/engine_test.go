package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"forex-exec/internal/broker"
	"forex-exec/internal/config"
	"forex-exec/internal/failure"
	"forex-exec/internal/store"
	"forex-exec/pkg/types"
)

// testEnv is a full engine wired to a deterministic paper adapter: no
// rejections, no partial fills, no spread or slippage, 1ms latency.
type testEnv struct {
	engine *Engine
	paper  *broker.PaperAdapter
	st     *store.Store
	ledger *recordingLedger
}

type recordingLedger struct {
	postings chan decimal.Decimal
}

func (l *recordingLedger) PostRealized(_ string, pnl decimal.Decimal) {
	select {
	case l.postings <- pnl:
	default:
	}
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	cfg := config.Default()
	cfg.Paper = config.PaperConfig{
		SlippageEnabled:     false,
		SpreadSimulation:    false,
		Latency:             time.Millisecond,
		PartialFillsEnabled: false,
		RejectionRate:       0,
		FillRule:            types.FillImmediate,
		InitialBalance:      10_000,
		Seed:                7,
	}
	cfg.Engine.PartialFillTimeout = 2 * time.Second
	cfg.Store.DataDir = "" // no snapshots in tests
	if mutate != nil {
		mutate(&cfg)
	}

	logger := slog.Default()
	paper := broker.NewPaperAdapter(cfg.Paper, cfg.Symbol, logger)
	st := store.New("", logger)
	ledger := &recordingLedger{postings: make(chan decimal.Decimal, 8)}
	eng := New(cfg, paper, st, ledger, logger)

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("engine start: %v", err)
	}
	t.Cleanup(func() { eng.Stop(context.Background()) })

	paper.SetMarkPrice(decimal.NewFromInt(2000))
	return &testEnv{engine: eng, paper: paper, st: st, ledger: ledger}
}

// buySignal: entry 2000, stop 1990, target 2020, 1% risk at 100x.
func buySignal(id string) types.Signal {
	return types.Signal{
		ID:          id,
		Symbol:      "XAUUSD",
		Timeframe:   "H1",
		Direction:   types.BUY,
		EntryPrice:  decimal.NewFromInt(2000),
		StopLoss:    decimal.NewFromInt(1990),
		TakeProfit:  decimal.NewFromInt(2020),
		RiskPercent: decimal.NewFromFloat(0.01),
		Leverage:    100,
	}
}

func waitForStatus(t *testing.T, env *testEnv, tradeID string, want types.TradeStatus) types.ExecutionTrade {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		trade, err := env.st.GetTrade(tradeID)
		if err == nil && trade.Status == want {
			return trade
		}
		select {
		case <-deadline:
			t.Fatalf("trade %s never reached %s (now %s)", tradeID, want, trade.Status)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestProcessSignalOpensProtectedPosition(t *testing.T) {
	env := newTestEnv(t, nil)

	res := env.engine.ProcessSignal(context.Background(), buySignal("sig-open"))
	if !res.Success {
		t.Fatalf("ProcessSignal failed: %s (%s)", res.Error, res.ErrorKind)
	}
	if res.Status != types.TradeOpen {
		t.Fatalf("status = %s, want OPEN", res.Status)
	}

	detail, err := env.engine.TradeDetail(res.TradeID)
	if err != nil {
		t.Fatalf("TradeDetail: %v", err)
	}
	// Entry plus both bracket legs.
	if len(detail.Orders) != 3 {
		t.Fatalf("orders = %d, want 3", len(detail.Orders))
	}
	purposes := map[types.OrderPurpose]types.ExecutionOrder{}
	for _, o := range detail.Orders {
		purposes[o.Purpose] = o
	}
	if purposes[types.PurposeEntry].Status != types.OrderFilled {
		t.Fatalf("entry status = %s, want FILLED", purposes[types.PurposeEntry].Status)
	}
	for _, p := range []types.OrderPurpose{types.PurposeStopLoss, types.PurposeTakeProfit} {
		if purposes[p].Status.Terminal() {
			t.Fatalf("bracket %s should be working, is %s", p, purposes[p].Status)
		}
	}

	if detail.Position == nil {
		t.Fatal("no position recorded")
	}
	// 10000 * 1% / 10 = 10 lots at the 2000 mark.
	if !detail.Position.Size.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("position size = %s, want 10", detail.Position.Size)
	}
	if !detail.Position.AvgEntry.Equal(decimal.NewFromInt(2000)) {
		t.Fatalf("avg entry = %s, want 2000", detail.Position.AvgEntry)
	}

	// Event log shape: CREATED through OPENED, timestamps monotonic.
	wantEvents := []types.EventType{
		types.EventCreated, types.EventValidated, types.EventOrderSent,
		types.EventFilled, types.EventOpened,
	}
	if len(detail.Events) != len(wantEvents) {
		t.Fatalf("events = %d, want %d", len(detail.Events), len(wantEvents))
	}
	for i, want := range wantEvents {
		if detail.Events[i].Type != want {
			t.Errorf("event[%d] = %s, want %s", i, detail.Events[i].Type, want)
		}
	}
}

func TestTakeProfitClosesTradeAndCancelsSibling(t *testing.T) {
	env := newTestEnv(t, nil)

	res := env.engine.ProcessSignal(context.Background(), buySignal("sig-tp"))
	if !res.Success {
		t.Fatalf("ProcessSignal failed: %s", res.Error)
	}

	// Cross the target: the TP limit fills at 2020.
	env.paper.SetMarkPrice(decimal.NewFromInt(2021))
	trade := waitForStatus(t, env, res.TradeID, types.TradeClosed)

	if trade.CloseReason != types.CloseTP {
		t.Fatalf("close reason = %s, want TP", trade.CloseReason)
	}
	// (2020 - 2000) * 10 lots.
	if !trade.RealizedPnL.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("pnl = %s, want 200", trade.RealizedPnL)
	}

	detail, _ := env.engine.TradeDetail(res.TradeID)
	for _, o := range detail.Orders {
		if o.Purpose == types.PurposeStopLoss && o.Status != types.OrderCancelled {
			t.Fatalf("sibling stop status = %s, want CANCELLED", o.Status)
		}
	}
	if detail.Position == nil || detail.Position.Open() {
		t.Fatal("position should be closed")
	}

	hasTPHit := false
	for _, ev := range detail.Events {
		if ev.Type == types.EventTPHit {
			hasTPHit = true
		}
	}
	if !hasTPHit {
		t.Fatal("TP_HIT event missing")
	}

	select {
	case pnl := <-env.ledger.postings:
		if !pnl.Equal(decimal.NewFromInt(200)) {
			t.Fatalf("ledger posting = %s, want 200", pnl)
		}
	case <-time.After(time.Second):
		t.Fatal("realized pnl never posted to the ledger")
	}
}

func TestStopLossClosesTrade(t *testing.T) {
	env := newTestEnv(t, nil)

	res := env.engine.ProcessSignal(context.Background(), buySignal("sig-sl"))
	if !res.Success {
		t.Fatalf("ProcessSignal failed: %s", res.Error)
	}

	env.paper.SetMarkPrice(decimal.NewFromInt(1989))
	trade := waitForStatus(t, env, res.TradeID, types.TradeClosed)

	if trade.CloseReason != types.CloseSL {
		t.Fatalf("close reason = %s, want SL", trade.CloseReason)
	}
	// (1990 - 2000) * 10 lots.
	if !trade.RealizedPnL.Equal(decimal.NewFromInt(-100)) {
		t.Fatalf("pnl = %s, want -100", trade.RealizedPnL)
	}

	detail, _ := env.engine.TradeDetail(res.TradeID)
	hasSLHit := false
	for _, ev := range detail.Events {
		if ev.Type == types.EventSLHit {
			hasSLHit = true
		}
	}
	if !hasSLHit {
		t.Fatal("SL_HIT event missing")
	}
}

func TestSignalIdempotency(t *testing.T) {
	env := newTestEnv(t, nil)

	first := env.engine.ProcessSignal(context.Background(), buySignal("sig-dup"))
	if !first.Success {
		t.Fatalf("first run failed: %s", first.Error)
	}
	second := env.engine.ProcessSignal(context.Background(), buySignal("sig-dup"))
	if second.TradeID != first.TradeID {
		t.Fatalf("replay created new trade %s, want %s", second.TradeID, first.TradeID)
	}
	if len(env.st.ActiveTrades()) != 1 {
		t.Fatalf("active trades = %d, want 1", len(env.st.ActiveTrades()))
	}
}

func TestConcurrentSameSignalSharesTrade(t *testing.T) {
	env := newTestEnv(t, nil)

	var wg sync.WaitGroup
	results := make([]types.ProcessResult, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = env.engine.ProcessSignal(context.Background(), buySignal("sig-race"))
		}(i)
	}
	wg.Wait()

	// Whoever wins the binding, everyone gets the same trade back.
	if results[0].TradeID == "" {
		t.Fatal("no trade id returned")
	}
	for i, res := range results {
		if res.TradeID != results[0].TradeID {
			t.Fatalf("call %d got trade %s, want %s", i, res.TradeID, results[0].TradeID)
		}
	}
	if n := len(env.st.AllTrades()); n != 1 {
		t.Fatalf("trades = %d, want 1", n)
	}
	entries := 0
	for _, o := range env.st.OrdersByTrade(results[0].TradeID) {
		if o.Purpose == types.PurposeEntry {
			entries++
		}
	}
	if entries != 1 {
		t.Fatalf("entry orders = %d, want 1", entries)
	}
}

func TestRejectedEntryLeavesTradeValidated(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Paper.RejectionRate = 1.0
	})

	res := env.engine.ProcessSignal(context.Background(), buySignal("sig-rej"))
	if res.Success {
		t.Fatal("rejected entry must fail the signal")
	}
	if res.ErrorKind != string(failure.KindRejected) {
		t.Fatalf("error kind = %s, want REJECTED", res.ErrorKind)
	}
	if res.Status != types.TradeValidated {
		t.Fatalf("result status = %s, want VALIDATED", res.Status)
	}

	trade, err := env.st.GetTrade(res.TradeID)
	if err != nil {
		t.Fatalf("trade missing: %v", err)
	}
	// A venue rejection is not an engine error: the trade holds at
	// VALIDATED instead of closing with reason ERROR.
	if trade.Status != types.TradeValidated || trade.CloseReason != "" {
		t.Fatalf("trade = %s/%q, want VALIDATED with no close reason", trade.Status, trade.CloseReason)
	}
	orders := env.st.OrdersByTrade(res.TradeID)
	if len(orders) != 1 || orders[0].Status != types.OrderRejected {
		t.Fatalf("orders = %+v, want exactly one REJECTED entry", orders)
	}
	if _, err := env.st.GetPositionByTrade(res.TradeID); !errors.Is(err, store.ErrNotFound) {
		t.Fatal("no position may exist after a venue rejection")
	}
}

func TestValidationFailureNeverReachesVenue(t *testing.T) {
	env := newTestEnv(t, nil)

	sig := buySignal("sig-risk")
	sig.RiskPercent = decimal.NewFromFloat(0.05) // over the 1% cap

	res := env.engine.ProcessSignal(context.Background(), sig)
	if res.Success {
		t.Fatal("over-risk signal must fail")
	}
	if res.ErrorKind != string(failure.KindValidation) {
		t.Fatalf("error kind = %s, want VALIDATION", res.ErrorKind)
	}
	// The rejection offers the size that would fit the cap: 10000 * 0.01 / 10.
	if res.AdjustedSize == nil || !res.AdjustedSize.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("adjusted size = %v, want 10", res.AdjustedSize)
	}

	// A risk rejection persists nothing beyond its audit rows: no trade,
	// no signal binding, nothing at the venue.
	if res.TradeID != "" {
		t.Fatalf("rejection returned trade id %q", res.TradeID)
	}
	if n := len(env.st.AllTrades()); n != 0 {
		t.Fatalf("trades persisted = %d, want 0", n)
	}
	if _, ok := env.st.TradeBySignal("sig-risk"); ok {
		t.Fatal("rejected signal must not be bound to a trade")
	}
	audits := env.st.Audits("sig-risk")
	if len(audits) != 2 {
		t.Fatalf("audits = %d, want account and validate stages", len(audits))
	}
	if last := audits[len(audits)-1]; last.Stage != "validate" || last.OK {
		t.Fatalf("last audit = %+v, want failed validate stage", last)
	}
}

func TestCancelOpenTrade(t *testing.T) {
	env := newTestEnv(t, nil)

	res := env.engine.ProcessSignal(context.Background(), buySignal("sig-cancel"))
	if !res.Success {
		t.Fatalf("ProcessSignal failed: %s", res.Error)
	}

	if err := env.engine.CancelTrade(context.Background(), res.TradeID); err != nil {
		t.Fatalf("CancelTrade: %v", err)
	}
	trade, _ := env.st.GetTrade(res.TradeID)
	if trade.Status != types.TradeClosed || trade.CloseReason != types.CloseManual {
		t.Fatalf("trade = %s/%s, want CLOSED/MANUAL", trade.Status, trade.CloseReason)
	}

	positions, err := env.paper.GetOpenPositions(context.Background())
	if err != nil {
		t.Fatalf("GetOpenPositions: %v", err)
	}
	if len(positions) != 0 {
		t.Fatalf("venue still holds %d positions", len(positions))
	}

	// Cancelling an already-cancelled trade is a no-op that succeeds.
	if err := env.engine.CancelTrade(context.Background(), res.TradeID); err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	trade, _ = env.st.GetTrade(res.TradeID)
	if trade.Status != types.TradeClosed || trade.CloseReason != types.CloseManual {
		t.Fatalf("no-op cancel mutated the trade: %s/%s", trade.Status, trade.CloseReason)
	}
}

func TestUpdateBrackets(t *testing.T) {
	env := newTestEnv(t, nil)

	res := env.engine.ProcessSignal(context.Background(), buySignal("sig-move"))
	if !res.Success {
		t.Fatalf("ProcessSignal failed: %s", res.Error)
	}

	newSL := decimal.NewFromInt(1995)
	newTP := decimal.NewFromInt(2030)
	if err := env.engine.UpdateBrackets(context.Background(), res.TradeID, newSL, newTP); err != nil {
		t.Fatalf("UpdateBrackets: %v", err)
	}

	pos, err := env.st.GetPositionByTrade(res.TradeID)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if !pos.StopLoss.Equal(newSL) || !pos.TakeProfit.Equal(newTP) {
		t.Fatalf("levels = %s/%s, want %s/%s", pos.StopLoss, pos.TakeProfit, newSL, newTP)
	}

	// The new stop fires at its new level.
	env.paper.SetMarkPrice(decimal.NewFromInt(1994))
	trade := waitForStatus(t, env, res.TradeID, types.TradeClosed)
	if trade.CloseReason != types.CloseSL {
		t.Fatalf("close reason = %s, want SL", trade.CloseReason)
	}
	// (1995 - 2000) * 10 lots.
	if !trade.RealizedPnL.Equal(decimal.NewFromInt(-50)) {
		t.Fatalf("pnl = %s, want -50", trade.RealizedPnL)
	}

	// Exactly one working pair existed at the end: old pair cancelled.
	live := 0
	for _, o := range env.st.OrdersByTrade(res.TradeID) {
		if (o.Purpose == types.PurposeStopLoss || o.Purpose == types.PurposeTakeProfit) &&
			o.Status == types.OrderCancelled {
			live++
		}
	}
	if live < 3 { // old SL, old TP, and the sibling of the filled new SL
		t.Fatalf("cancelled bracket legs = %d, want >= 3", live)
	}
}

func TestStats(t *testing.T) {
	env := newTestEnv(t, nil)

	res := env.engine.ProcessSignal(context.Background(), buySignal("sig-stats"))
	if !res.Success {
		t.Fatalf("ProcessSignal failed: %s", res.Error)
	}
	env.paper.SetMarkPrice(decimal.NewFromInt(2021))
	waitForStatus(t, env, res.TradeID, types.TradeClosed)

	s := env.engine.Stats()
	if s.TotalTrades != 1 || s.ClosedTrades != 1 || s.Wins != 1 || s.Losses != 0 {
		t.Fatalf("stats = %+v", s)
	}
	if !s.TotalPnL.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("total pnl = %s, want 200", s.TotalPnL)
	}
	if s.WinRate != 1.0 {
		t.Fatalf("win rate = %f, want 1.0", s.WinRate)
	}
}

func TestFillDeadlineCancelsUnfilledEntry(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		// Park fills behind NEXT_CANDLE_OPEN so the entry never fills and
		// the deadline path runs.
		cfg.Paper.FillRule = types.FillNextCandleOpen
		cfg.Engine.PartialFillTimeout = 100 * time.Millisecond
	})

	res := env.engine.ProcessSignal(context.Background(), buySignal("sig-timeout"))
	if res.Success {
		t.Fatal("unfilled entry must fail at the deadline")
	}
	trade, _ := env.st.GetTrade(res.TradeID)
	if trade.Status != types.TradeClosed || trade.CloseReason != types.CloseError {
		t.Fatalf("trade = %s/%s, want CLOSED/ERROR", trade.Status, trade.CloseReason)
	}

	// The parked entry order was cancelled, not left working.
	for _, o := range env.st.OrdersByTrade(res.TradeID) {
		if o.Purpose == types.PurposeEntry && o.Status != types.OrderCancelled {
			t.Fatalf("entry status = %s, want CANCELLED", o.Status)
		}
	}
}

func TestNextCandleOpenFillsAtOpen(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Paper.FillRule = types.FillNextCandleOpen
	})

	done := make(chan types.ProcessResult, 1)
	go func() {
		done <- env.engine.ProcessSignal(context.Background(), buySignal("sig-candle"))
	}()

	// Give the order time to park, then push the candle open.
	time.Sleep(100 * time.Millisecond)
	env.paper.CandleOpen(decimal.NewFromInt(2002))

	select {
	case res := <-done:
		if !res.Success {
			t.Fatalf("ProcessSignal failed: %s", res.Error)
		}
		pos, err := env.st.GetPositionByTrade(res.TradeID)
		if err != nil {
			t.Fatalf("position: %v", err)
		}
		if !pos.AvgEntry.Equal(decimal.NewFromInt(2002)) {
			t.Fatalf("avg entry = %s, want candle open 2002", pos.AvgEntry)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("ProcessSignal never returned")
	}
}

// scriptedAdapter is a minimal venue double: the entry order's fills are
// scripted exactly, bracket orders rest forever, nothing is random.
type scriptedAdapter struct {
	fills []types.ExecutionReport

	mu     sync.Mutex
	sink   chan<- types.ExecutionReport
	orders int
}

func (a *scriptedAdapter) Name() string                     { return "scripted" }
func (a *scriptedAdapter) Connect(context.Context) error    { return nil }
func (a *scriptedAdapter) Disconnect(context.Context) error { return nil }

func (a *scriptedAdapter) ValidateAccount(context.Context) (*types.AccountInfo, error) {
	bal := decimal.NewFromInt(10_000)
	return &types.AccountInfo{AccountID: "scripted", Balance: bal, Equity: bal, FreeMargin: bal}, nil
}

func (a *scriptedAdapter) PlaceOrder(_ context.Context, req types.OrderRequest) (*types.OrderResponse, error) {
	a.mu.Lock()
	a.orders++
	id := fmt.Sprintf("scripted-%d", a.orders)
	sink := a.sink
	a.mu.Unlock()

	// Only the market entry fills; bracket legs stay working.
	if req.Type == types.OrderTypeMarket {
		go func() {
			for _, f := range a.fills {
				f.BrokerOrderID = id
				f.TradeID = req.TradeID
				f.Timestamp = time.Now()
				sink <- f
			}
		}()
	}
	return &types.OrderResponse{BrokerOrderID: id, Status: types.OrderPending, Timestamp: time.Now()}, nil
}

func (a *scriptedAdapter) CancelOrder(context.Context, string) error { return nil }

func (a *scriptedAdapter) GetOrderStatus(context.Context, string) (types.OrderStatus, error) {
	return types.OrderPending, nil
}

func (a *scriptedAdapter) GetOpenPositions(context.Context) ([]types.BrokerPosition, error) {
	return nil, nil
}

func (a *scriptedAdapter) ClosePosition(context.Context, string) (*types.OrderResponse, error) {
	return &types.OrderResponse{Status: types.OrderFilled, Timestamp: time.Now()}, nil
}

func (a *scriptedAdapter) SubscribeExecutions(sink chan<- types.ExecutionReport) {
	a.mu.Lock()
	a.sink = sink
	a.mu.Unlock()
}

func TestPartialThenFullFillOpensWeightedPosition(t *testing.T) {
	cfg := config.Default()
	cfg.Engine.PartialFillTimeout = 2 * time.Second
	cfg.Store.DataDir = ""

	adapter := &scriptedAdapter{fills: []types.ExecutionReport{
		{ExecutionID: "x1", FilledPrice: decimal.NewFromInt(2000), FilledSize: decimal.NewFromInt(6)},
		{ExecutionID: "x2", FilledPrice: decimal.NewFromInt(2010), FilledSize: decimal.NewFromInt(4)},
	}}
	st := store.New("", slog.Default())
	eng := New(cfg, adapter, st, nil, slog.Default())
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("engine start: %v", err)
	}
	t.Cleanup(func() { eng.Stop(context.Background()) })

	res := eng.ProcessSignal(context.Background(), buySignal("sig-partial"))
	if !res.Success {
		t.Fatalf("ProcessSignal failed: %s (%s)", res.Error, res.ErrorKind)
	}
	if res.Status != types.TradeOpen {
		t.Fatalf("status = %s, want OPEN", res.Status)
	}

	pos, err := st.GetPositionByTrade(res.TradeID)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if !pos.Size.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("position size = %s, want 10", pos.Size)
	}
	// Size-weighted: (6*2000 + 4*2010) / 10.
	if !pos.AvgEntry.Equal(decimal.NewFromInt(2004)) {
		t.Fatalf("avg entry = %s, want 2004", pos.AvgEntry)
	}

	wantEvents := []types.EventType{
		types.EventCreated, types.EventValidated, types.EventOrderSent,
		types.EventPartialFill, types.EventFilled, types.EventOpened,
	}
	events := st.Events(res.TradeID)
	if len(events) != len(wantEvents) {
		t.Fatalf("events = %d, want %d", len(events), len(wantEvents))
	}
	for i, want := range wantEvents {
		if events[i].Type != want {
			t.Errorf("event[%d] = %s, want %s", i, events[i].Type, want)
		}
	}
	// The partial transition passed through PARTIALLY_FILLED.
	for _, ev := range events {
		if ev.Type == types.EventPartialFill && ev.NewStatus != types.TradePartiallyFilled {
			t.Fatalf("partial fill event carries status %s", ev.NewStatus)
		}
	}
}
