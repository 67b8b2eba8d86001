// Package engine executes trade signals end to end: validation, order
// entry, fill tracking, position opening, bracket protection and closure.
//
// Concurrency model: the engine is parallel across trades and serialized
// within a trade. Execution reports are routed by trade id to a per-trade
// reducer goroutine; all state changes for one trade happen on one
// goroutine at a time, so no per-trade locking is needed beyond the store's
// own transactions.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"forex-exec/internal/broker"
	"forex-exec/internal/config"
	"forex-exec/internal/failure"
	"forex-exec/internal/lifecycle"
	"forex-exec/internal/risk"
	"forex-exec/internal/store"
	"forex-exec/pkg/types"
)

// ErrNotCancellable is returned when cancel_trade catches a trade in the
// narrow window between entry fill and position open, where a cancel
// would race the opening. Closed trades cancel as a no-op instead.
var ErrNotCancellable = errors.New("trade is not cancellable")

const (
	snapshotInterval = 30 * time.Second
	reconInterval    = 30 * time.Second
)

// Engine wires the pipeline together and owns its goroutines.
type Engine struct {
	cfg       config.Config
	logger    *slog.Logger
	st        *store.Store
	adapter   broker.Adapter
	validator *risk.Validator
	retry     *failure.Retryer
	breakers  *failure.Breakers

	om *orderManager
	pm *positionManager
	bm *bracketManager
	cs *closeService

	reports chan types.ExecutionReport

	mu       sync.Mutex
	reducers map[string]chan types.ExecutionReport
	waiters  map[string]chan fillProgress

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New assembles an engine. ledger may be nil.
func New(cfg config.Config, adapter broker.Adapter, st *store.Store, ledger RiskLedger, logger *slog.Logger) *Engine {
	log := logger.With("component", "engine")
	retry := failure.NewRetryer(cfg.Retry, logger)
	breakers := failure.NewBreakers(cfg.Breaker, logger)
	om := newOrderManager(st, adapter, retry, breakers, cfg.Broker.CallTimeout, logger)

	e := &Engine{
		cfg:       cfg,
		logger:    log,
		st:        st,
		adapter:   adapter,
		validator: risk.NewValidator(cfg.Risk, logger),
		retry:     retry,
		breakers:  breakers,
		om:        om,
		pm:        newPositionManager(st, logger),
		bm:        newBracketManager(st, om, logger),
		cs:        newCloseService(st, adapter, retry, breakers, ledger, cfg.Broker.CallTimeout, logger),
		reports:   make(chan types.ExecutionReport, cfg.Engine.ReportBuffer),
		reducers:  make(map[string]chan types.ExecutionReport),
		waiters:   make(map[string]chan fillProgress),
	}
	breakers.OnRecover(e.consistencyCheck)
	return e
}

// Start connects the broker and spins up the report dispatcher and
// background workers.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.adapter.Connect(ctx); err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	if _, err := e.account(ctx); err != nil {
		return fmt.Errorf("validate account: %w", err)
	}

	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.adapter.SubscribeExecutions(e.reports)

	e.wg.Add(3)
	go func() { defer e.wg.Done(); e.dispatchLoop() }()
	go func() { defer e.wg.Done(); e.snapshotLoop() }()
	go func() { defer e.wg.Done(); e.reconLoop() }()

	e.logger.Info("engine started",
		"mode", e.cfg.Broker.Mode,
		"symbol", e.cfg.Symbol,
		"broker", e.adapter.Name(),
	)
	return nil
}

// Stop drains the engine: workers first, then the broker session, then a
// final snapshot.
func (e *Engine) Stop(ctx context.Context) error {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()

	e.mu.Lock()
	for _, ch := range e.reducers {
		close(ch)
	}
	e.reducers = make(map[string]chan types.ExecutionReport)
	e.mu.Unlock()

	if err := e.adapter.Disconnect(ctx); err != nil {
		e.logger.Warn("broker disconnect failed", "error", err)
	}
	if err := e.st.Save(); err != nil {
		e.logger.Warn("final snapshot failed", "error", err)
	}
	e.logger.Info("engine stopped")
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Report routing
// ————————————————————————————————————————————————————————————————————————

func (e *Engine) dispatchLoop() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case report := <-e.reports:
			tradeID := report.TradeID
			if tradeID == "" {
				order, err := e.st.GetOrderByBrokerID(report.BrokerOrderID)
				if err != nil {
					e.logger.Warn("report for unknown order",
						"broker_order", report.BrokerOrderID)
					continue
				}
				tradeID = order.TradeID
			}
			select {
			case e.reducer(tradeID) <- report:
			default:
				// Full reducer: drop and rely on order status polling at
				// the partial-fill deadline.
				e.logger.Warn("reducer backlog full, dropping report",
					"trade", tradeID, "execution", report.ExecutionID)
				_ = e.st.Update(func(tx *store.Tx) error {
					tx.AddAlert(store.Alert{
						ID:        uuid.NewString(),
						Severity:  store.AlertMedium,
						TradeID:   tradeID,
						Message:   "execution report dropped: reducer backlog full",
						CreatedAt: time.Now(),
					})
					return nil
				})
			}
		}
	}
}

// reducer returns the trade's serial report channel, creating its
// goroutine on first use.
func (e *Engine) reducer(tradeID string) chan types.ExecutionReport {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ch, ok := e.reducers[tradeID]; ok {
		return ch
	}
	ch := make(chan types.ExecutionReport, e.cfg.Engine.ReportBuffer)
	e.reducers[tradeID] = ch
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case <-e.ctx.Done():
				return
			case report, ok := <-ch:
				if !ok {
					return
				}
				e.handleReport(tradeID, report)
			}
		}
	}()
	return ch
}

// handleReport processes one execution report on the trade's reducer.
func (e *Engine) handleReport(tradeID string, report types.ExecutionReport) {
	// A fast venue can report a fill before the placement response lands
	// and the broker order id is recorded; give the row a moment to appear.
	var (
		prog *fillProgress
		err  error
	)
	for attempt := 0; attempt < 20; attempt++ {
		prog, err = e.om.ApplyExecution(report)
		if !errors.Is(err, store.ErrNotFound) {
			break
		}
		select {
		case <-e.ctx.Done():
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
	if err != nil {
		e.logger.Error("apply execution failed",
			"trade", tradeID, "execution", report.ExecutionID, "error", err)
		return
	}
	if !prog.Inserted {
		return // duplicate report
	}

	switch prog.Order.Purpose {
	case types.PurposeEntry:
		e.mu.Lock()
		w := e.waiters[tradeID]
		e.mu.Unlock()
		if w != nil {
			select {
			case w <- *prog:
			default:
			}
			return
		}
		// Fill landed after the orchestrator moved on (late remainder).
		trade, err := e.st.GetTrade(tradeID)
		if err == nil && trade.Status == types.TradeOpen {
			if err := e.pm.ApplyFill(tradeID, report.FilledPrice, report.FilledSize); err != nil {
				e.logger.Error("late fill not applied", "trade", tradeID, "error", err)
			}
		}

	case types.PurposeTakeProfit, types.PurposeStopLoss:
		if !prog.Complete {
			return // close on the completing fill
		}
		reason := types.CloseTP
		if prog.Order.Purpose == types.PurposeStopLoss {
			reason = types.CloseSL
		}
		e.bm.CancelSibling(e.ctx, tradeID, prog.Order.ID)
		if _, err := e.cs.Close(e.ctx, tradeID, reason, prog.AvgPrice, true); err != nil {
			e.logger.Error("bracket close failed", "trade", tradeID, "error", err)
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Signal processing
// ————————————————————————————————————————————————————————————————————————

// ProcessSignal runs a signal through the full pipeline and returns when
// the trade is OPEN with brackets placed, or has failed. Idempotent on
// signal id: a replayed signal returns the existing trade's state.
func (e *Engine) ProcessSignal(ctx context.Context, sig types.Signal) types.ProcessResult {
	if res, ok := e.replayResult(sig.ID); ok {
		return res
	}
	log := e.logger.With("signal", sig.ID)

	// Account snapshot. Also the session heartbeat for this signal.
	acct, err := e.account(ctx)
	e.auditSignal(sig.ID, "account", err == nil, errDetail(err))
	if err != nil {
		return failResult("", "", "", err)
	}

	// Risk validation and sizing. A rejected signal leaves nothing behind
	// but its audit rows: no trade, no binding, no events.
	sizing, err := e.validator.Validate(sig, acct.Balance)
	e.auditSignal(sig.ID, "validate", err == nil, errDetail(err))
	if err != nil {
		log.Warn("signal rejected", "error", err)
		res := failResult("", "", "", err)
		if sizing != nil {
			adj := sizing.Size
			res.AdjustedSize = &adj
		}
		return res
	}

	trade, err := e.createTrade(sig)
	if err != nil {
		// A concurrent submission of the same signal may have won the
		// binding between the replay check and our insert; hand back the
		// winner's trade instead of a failure.
		if res, ok := e.replayResult(sig.ID); ok {
			return res
		}
		return failResult("", "", "", err)
	}
	log = log.With("trade", trade.ID)

	trade.PositionSize = sizing.Size
	if err := e.transition(&trade, types.TradeValidated, map[string]string{
		"size":   sizing.Size.String(),
		"margin": sizing.Margin.Round(2).String(),
	}); err != nil {
		return e.failTrade(&trade, err)
	}

	// Entry order. The waiter is registered before placement so the first
	// report can never be lost to a race.
	wait := make(chan fillProgress, 8)
	e.mu.Lock()
	e.waiters[trade.ID] = wait
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.waiters, trade.ID)
		e.mu.Unlock()
	}()

	order, err := e.om.PlaceOrder(ctx, trade, types.PurposeEntry,
		trade.Side, types.OrderTypeMarket, trade.EntryPrice, sizing.Size)
	e.audit(trade.ID, "place_entry", err == nil, errDetail(err))
	if err != nil {
		if errors.Is(err, broker.ErrOrderRejected) {
			// The venue said no to this order, not to the session. The
			// order row is already recorded REJECTED; the trade stays
			// VALIDATED for operator review or a corrected resubmission.
			log.Warn("entry rejected by venue", "order", order.ID, "error", err)
			return failResult(trade.ID, order.ID, trade.Status, err)
		}
		return e.failTrade(&trade, err)
	}
	if err := e.transition(&trade, types.TradeOrderPlaced, map[string]string{
		"order_id":     order.ID,
		"broker_order": order.BrokerOrderID,
	}); err != nil {
		return e.failTrade(&trade, err)
	}

	final, err := e.awaitFill(ctx, &trade, order, wait)
	e.audit(trade.ID, "await_fill", err == nil, errDetail(err))
	if err != nil {
		return e.failTrade(&trade, err)
	}
	if err := e.transition(&trade, types.TradeFilled, map[string]string{
		"avg_price": final.AvgPrice.String(),
		"size":      final.CumSize.String(),
	}); err != nil {
		return e.failTrade(&trade, err)
	}

	// Open the position from what actually filled.
	pos, err := e.pm.Open(trade, final.AvgPrice, final.CumSize, e.resolvePositionID(order.BrokerOrderID))
	e.audit(trade.ID, "open_position", err == nil, errDetail(err))
	if err != nil {
		return e.failTrade(&trade, err)
	}
	if err := e.transition(&trade, types.TradeOpen, nil); err != nil {
		return e.failTrade(&trade, err)
	}

	// Protect it. If the pair cannot be placed the position must not sit
	// naked: close it back out and fail the trade.
	err = e.bm.Place(ctx, trade, pos)
	e.audit(trade.ID, "place_brackets", err == nil, errDetail(err))
	if err != nil {
		log.Error("bracket placement failed, emergency close", "error", err)
		if _, closeErr := e.cs.Close(ctx, trade.ID, types.CloseError, final.AvgPrice, false); closeErr != nil {
			log.Error("emergency close failed", "error", closeErr)
		}
		return failResult(trade.ID, order.ID, types.TradeClosed, err)
	}

	if err := e.st.Save(); err != nil {
		log.Warn("snapshot after open failed", "error", err)
	}
	log.Info("signal executed",
		"status", trade.Status,
		"size", final.CumSize,
		"avg_entry", final.AvgPrice,
	)
	return types.ProcessResult{
		Success: true,
		TradeID: trade.ID,
		OrderID: order.ID,
		Status:  trade.Status,
	}
}

// replayResult resolves an already-seen signal to its bound trade's
// current state. Reports false when the signal is unbound.
func (e *Engine) replayResult(signalID string) (types.ProcessResult, bool) {
	tradeID, ok := e.st.TradeBySignal(signalID)
	if !ok {
		return types.ProcessResult{}, false
	}
	trade, err := e.st.GetTrade(tradeID)
	if err != nil {
		return failResult(tradeID, "", "", err), true
	}
	e.logger.Info("signal replayed, returning existing trade",
		"signal", signalID, "trade", tradeID, "status", trade.Status)
	return types.ProcessResult{
		Success: trade.CloseReason != types.CloseError,
		TradeID: tradeID,
		Status:  trade.Status,
	}, true
}

// createTrade inserts the NEW trade, its CREATED event and the signal
// binding in one transaction.
func (e *Engine) createTrade(sig types.Signal) (types.ExecutionTrade, error) {
	now := time.Now()
	trade := types.ExecutionTrade{
		ID:           uuid.NewString(),
		SignalID:     sig.ID,
		Symbol:       sig.Symbol,
		Timeframe:    sig.Timeframe,
		Side:         sig.Direction,
		Status:       types.TradeNew,
		EntryPrice:   sig.EntryPrice,
		StopLoss:     sig.StopLoss,
		TakeProfit:   sig.TakeProfit,
		PositionSize: sig.PositionSize,
		RiskPercent:  sig.RiskPercent,
		Leverage:     sig.Leverage,
		RiskReward:   sig.RiskReward,
		Mode:         e.cfg.Broker.Mode,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if trade.RiskReward.IsZero() {
		stopDist := sig.EntryPrice.Sub(sig.StopLoss).Abs()
		if !stopDist.IsZero() {
			trade.RiskReward = sig.TakeProfit.Sub(sig.EntryPrice).Abs().Div(stopDist).Round(2)
		}
	}
	err := e.st.Update(func(tx *store.Tx) error {
		if boundTo, ok := tx.SignalBound(sig.ID); ok {
			return fmt.Errorf("signal %s already bound to trade %s", sig.ID, boundTo)
		}
		if err := tx.InsertTrade(trade); err != nil {
			return err
		}
		tx.BindSignal(sig.ID, trade.ID)
		tx.AddAudit(store.StageAudit{TradeID: trade.ID, Stage: "create", OK: true, At: now})
		return tx.AppendEvent(types.TradeEvent{
			ID:        uuid.NewString(),
			TradeID:   trade.ID,
			Type:      types.EventCreated,
			NewStatus: types.TradeNew,
			Metadata:  map[string]string{"signal_id": sig.ID},
			CreatedAt: now,
		})
	})
	return trade, err
}

// awaitFill blocks until the entry order fills, handling partial fills and
// the partial-fill deadline. On deadline with partial fills, the remainder
// is cancelled and the trade proceeds with what filled; with nothing
// filled, the order is cancelled and the trade fails.
func (e *Engine) awaitFill(ctx context.Context, trade *types.ExecutionTrade,
	order types.ExecutionOrder, wait <-chan fillProgress) (fillProgress, error) {

	timer := time.NewTimer(e.cfg.Engine.PartialFillTimeout)
	defer timer.Stop()

	var last fillProgress
	sawPartial := false
	for {
		select {
		case prog := <-wait:
			last = prog
			if prog.Complete {
				return prog, nil
			}
			meta := map[string]string{
				"filled": prog.CumSize.String(),
				"of":     order.Size.String(),
			}
			if !sawPartial {
				sawPartial = true
				if err := e.transition(trade, types.TradePartiallyFilled, meta); err != nil {
					return last, err
				}
			} else {
				e.appendEvent(trade.ID, types.EventPartialFill, meta)
			}

		case <-timer.C:
			if cancelErr := e.om.Cancel(ctx, order); cancelErr != nil {
				e.logger.Warn("cancel after fill deadline failed",
					"trade", trade.ID, "error", cancelErr)
			}
			if !sawPartial {
				return last, fmt.Errorf("entry order unfilled after %s", e.cfg.Engine.PartialFillTimeout)
			}
			// Proceed with the partial quantity.
			e.appendEvent(trade.ID, types.EventPartialFill, map[string]string{
				"deadline": "expired",
				"filled":   last.CumSize.String(),
			})
			last.Complete = true
			return last, nil

		case <-ctx.Done():
			if cancelErr := e.om.Cancel(context.Background(), order); cancelErr != nil {
				e.logger.Warn("cancel on context done failed",
					"trade", trade.ID, "error", cancelErr)
			}
			return last, ctx.Err()
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Manual operations
// ————————————————————————————————————————————————————————————————————————

// CancelTrade closes a trade on operator request. Pre-fill trades cancel
// their working orders and close directly; OPEN trades cancel brackets and
// close the position at market.
func (e *Engine) CancelTrade(ctx context.Context, tradeID string) error {
	trade, err := e.st.GetTrade(tradeID)
	if err != nil {
		return err
	}

	switch {
	case lifecycle.Cancellable(trade.Status):
		for _, o := range e.st.OrdersByTrade(tradeID) {
			if !o.Status.Terminal() {
				if err := e.om.Cancel(ctx, o); err != nil {
					return fmt.Errorf("cancel order %s: %w", o.ID, err)
				}
			}
		}
		return e.closeCancelled(trade)

	case trade.Status == types.TradeOpen:
		if err := e.bm.CancelAll(ctx, tradeID); err != nil {
			return err
		}
		_, err := e.cs.Close(ctx, tradeID, types.CloseManual, decimal.Zero, false)
		return err

	case trade.Status == types.TradeClosed:
		// Cancelling an already-closed trade is a no-op.
		return nil

	default:
		return fmt.Errorf("%w: trade %s is %s", ErrNotCancellable, tradeID, trade.Status)
	}
}

// closeCancelled closes a pre-fill trade: no position to unwind, just the
// terminal transition and events.
func (e *Engine) closeCancelled(trade types.ExecutionTrade) error {
	return e.st.Update(func(tx *store.Tx) error {
		now := time.Now()
		prev := trade.Status
		eventType, err := lifecycle.Transition(&trade, types.TradeClosed)
		if err != nil {
			return err
		}
		trade.CloseReason = types.CloseManual
		if err := tx.UpdateTrade(trade); err != nil {
			return err
		}
		if err := tx.AppendEvent(types.TradeEvent{
			ID:        uuid.NewString(),
			TradeID:   trade.ID,
			Type:      types.EventManualClose,
			CreatedAt: now,
		}); err != nil {
			return err
		}
		return tx.AppendEvent(types.TradeEvent{
			ID:         uuid.NewString(),
			TradeID:    trade.ID,
			Type:       eventType,
			PrevStatus: prev,
			NewStatus:  types.TradeClosed,
			CreatedAt:  now,
		})
	})
}

// UpdateBrackets moves an open trade's protective levels.
func (e *Engine) UpdateBrackets(ctx context.Context, tradeID string, newSL, newTP decimal.Decimal) error {
	return e.bm.Update(ctx, tradeID, newSL, newTP)
}

// ————————————————————————————————————————————————————————————————————————
// Helpers and background workers
// ————————————————————————————————————————————————————————————————————————

func (e *Engine) account(ctx context.Context) (*types.AccountInfo, error) {
	var acct *types.AccountInfo
	err := e.retry.Do(ctx, "validate_account", func(ctx context.Context) error {
		return e.breakers.Execute("validate_account", func() error {
			cctx, cancel := context.WithTimeout(ctx, e.cfg.Broker.CallTimeout)
			defer cancel()
			a, err := e.adapter.ValidateAccount(cctx)
			if err != nil {
				return err
			}
			acct = a
			return nil
		})
	})
	return acct, err
}

// transition applies a lifecycle edge and logs its event in one tx.
func (e *Engine) transition(trade *types.ExecutionTrade, to types.TradeStatus, meta map[string]string) error {
	return e.st.Update(func(tx *store.Tx) error {
		prev := trade.Status
		eventType, err := lifecycle.Transition(trade, to)
		if err != nil {
			return err
		}
		if err := tx.UpdateTrade(*trade); err != nil {
			return err
		}
		return tx.AppendEvent(types.TradeEvent{
			ID:         uuid.NewString(),
			TradeID:    trade.ID,
			Type:       eventType,
			PrevStatus: prev,
			NewStatus:  to,
			Metadata:   meta,
			CreatedAt:  time.Now(),
		})
	})
}

func (e *Engine) appendEvent(tradeID string, typ types.EventType, meta map[string]string) {
	err := e.st.Update(func(tx *store.Tx) error {
		return tx.AppendEvent(types.TradeEvent{
			ID:        uuid.NewString(),
			TradeID:   tradeID,
			Type:      typ,
			Metadata:  meta,
			CreatedAt: time.Now(),
		})
	})
	if err != nil {
		e.logger.Error("append event failed", "trade", tradeID, "type", typ, "error", err)
	}
}

func (e *Engine) audit(tradeID, stage string, ok bool, detail string) {
	err := e.st.Update(func(tx *store.Tx) error {
		tx.AddAudit(store.StageAudit{
			TradeID: tradeID,
			Stage:   stage,
			OK:      ok,
			Detail:  detail,
			At:      time.Now(),
		})
		return nil
	})
	if err != nil {
		e.logger.Error("stage audit failed", "trade", tradeID, "stage", stage, "error", err)
	}
}

// auditSignal records a stage audit keyed by signal id, for the stages
// that run before any trade row exists.
func (e *Engine) auditSignal(signalID, stage string, ok bool, detail string) {
	err := e.st.Update(func(tx *store.Tx) error {
		tx.AddAudit(store.StageAudit{
			SignalID: signalID,
			Stage:    stage,
			OK:       ok,
			Detail:   detail,
			At:       time.Now(),
		})
		return nil
	})
	if err != nil {
		e.logger.Error("stage audit failed", "signal", signalID, "stage", stage, "error", err)
	}
}

// failTrade closes a not-yet-open trade with reason ERROR and builds the
// failure result.
func (e *Engine) failTrade(trade *types.ExecutionTrade, cause error) types.ProcessResult {
	if lifecycle.Cancellable(trade.Status) {
		err := e.st.Update(func(tx *store.Tx) error {
			now := time.Now()
			prev := trade.Status
			eventType, err := lifecycle.Transition(trade, types.TradeClosed)
			if err != nil {
				return err
			}
			trade.CloseReason = types.CloseError
			if err := tx.UpdateTrade(*trade); err != nil {
				return err
			}
			if err := tx.AppendEvent(types.TradeEvent{
				ID:        uuid.NewString(),
				TradeID:   trade.ID,
				Type:      types.EventError,
				Metadata:  map[string]string{"error": cause.Error()},
				CreatedAt: now,
			}); err != nil {
				return err
			}
			return tx.AppendEvent(types.TradeEvent{
				ID:         uuid.NewString(),
				TradeID:    trade.ID,
				Type:       eventType,
				PrevStatus: prev,
				NewStatus:  types.TradeClosed,
				CreatedAt:  now,
			})
		})
		if err != nil {
			e.logger.Error("fail-close transition failed", "trade", trade.ID, "error", err)
		}
	}
	e.logger.Warn("signal failed",
		"trade", trade.ID,
		"kind", failure.Classify(cause),
		"error", cause,
	)
	return failResult(trade.ID, "", trade.Status, cause)
}

func failResult(tradeID, orderID string, status types.TradeStatus, err error) types.ProcessResult {
	return types.ProcessResult{
		Success:   false,
		TradeID:   tradeID,
		OrderID:   orderID,
		Status:    status,
		ErrorKind: string(failure.Classify(err)),
		Error:     err.Error(),
	}
}

func errDetail(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// resolvePositionID asks the adapter for the venue position created by an
// entry order. Adapters without a direct mapping fall back to the open
// positions list.
func (e *Engine) resolvePositionID(brokerOrderID string) string {
	if resolver, ok := e.adapter.(interface {
		PositionID(string) (string, bool)
	}); ok {
		if id, found := resolver.PositionID(brokerOrderID); found {
			return id
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Broker.CallTimeout)
	defer cancel()
	positions, err := e.adapter.GetOpenPositions(ctx)
	if err != nil || len(positions) == 0 {
		return ""
	}
	return positions[len(positions)-1].ID
}

// consistencyCheck runs after a circuit breaker recovers: verify that
// every OPEN trade still has an open position and vice versa, and alert on
// divergence instead of trading over corrupt state.
func (e *Engine) consistencyCheck(endpoint string) {
	e.logger.Info("breaker recovered, checking state consistency", "endpoint", endpoint)

	byTrade := make(map[string]bool)
	for _, p := range e.st.OpenPositions() {
		byTrade[p.TradeID] = true
	}
	for _, t := range e.st.ActiveTrades() {
		if t.Status == types.TradeOpen && !byTrade[t.ID] {
			e.divergenceAlert(t.ID, "OPEN trade has no open position")
		}
		delete(byTrade, t.ID)
	}
	for tradeID := range byTrade {
		if t, err := e.st.GetTrade(tradeID); err != nil || t.Status == types.TradeClosed {
			e.divergenceAlert(tradeID, "open position belongs to a closed or missing trade")
		}
	}
}

func (e *Engine) divergenceAlert(tradeID, msg string) {
	e.logger.Error("state divergence", "trade", tradeID, "detail", msg)
	_ = e.st.Update(func(tx *store.Tx) error {
		now := time.Now()
		tx.AddReconTask(store.ReconciliationTask{
			ID:        uuid.NewString(),
			TradeID:   tradeID,
			Reason:    msg,
			CreatedAt: now,
		})
		tx.AddAlert(store.Alert{
			ID:        uuid.NewString(),
			Severity:  store.AlertHigh,
			TradeID:   tradeID,
			Message:   msg,
			CreatedAt: now,
		})
		return nil
	})
}

func (e *Engine) snapshotLoop() {
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if err := e.st.Save(); err != nil {
				e.logger.Warn("periodic snapshot failed", "error", err)
			}
		}
	}
}

// reconLoop retries pending reconciliation tasks: a trade whose venue
// close committed but whose local close did not is re-committed here.
func (e *Engine) reconLoop() {
	ticker := time.NewTicker(reconInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			for _, task := range e.st.PendingReconTasks() {
				trade, err := e.st.GetTrade(task.TradeID)
				if err != nil {
					continue
				}
				if trade.Status == types.TradeClosed {
					e.st.ResolveReconTask(task.ID)
					continue
				}
				// Re-drive the local commit. The venue side is already
				// settled, so close at the last known entry (flat P&L is
				// better than a phantom open position).
				pos, err := e.st.GetPositionByTrade(task.TradeID)
				if err != nil {
					continue
				}
				if _, err := e.cs.Close(e.ctx, task.TradeID, types.CloseError, pos.AvgEntry, true); err != nil {
					e.logger.Warn("reconciliation retry failed", "trade", task.TradeID, "error", err)
					continue
				}
				e.st.ResolveReconTask(task.ID)
				e.logger.Info("reconciliation resolved", "trade", task.TradeID)
			}
		}
	}
}
