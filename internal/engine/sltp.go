package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"forex-exec/internal/store"
	"forex-exec/pkg/types"
)

// bracketManager places and maintains the SL/TP order pair protecting an
// open position. The pair is all-or-nothing: if the second leg cannot be
// placed the first is cancelled, and if even that fails the position is
// flagged for reconciliation rather than left half-protected silently.
type bracketManager struct {
	st     *store.Store
	om     *orderManager
	logger *slog.Logger
}

func newBracketManager(st *store.Store, om *orderManager, logger *slog.Logger) *bracketManager {
	return &bracketManager{st: st, om: om, logger: logger.With("component", "brackets")}
}

// Place submits the bracket pair for an open position. The take-profit is
// a limit order, the stop-loss a stop order, both opposite the entry side
// for the full position size.
func (bm *bracketManager) Place(ctx context.Context, trade types.ExecutionTrade, pos types.Position) error {
	opp := trade.Side.Opposite()

	tp, err := bm.om.PlaceOrder(ctx, trade, types.PurposeTakeProfit,
		opp, types.OrderTypeLimit, pos.TakeProfit, pos.Size)
	if err != nil {
		return fmt.Errorf("place take-profit: %w", err)
	}

	_, err = bm.om.PlaceOrder(ctx, trade, types.PurposeStopLoss,
		opp, types.OrderTypeStop, pos.StopLoss, pos.Size)
	if err == nil {
		return nil
	}

	// Second leg failed: unwind the first so the position is never
	// protected on one side only.
	if cancelErr := bm.om.Cancel(ctx, tp); cancelErr != nil {
		bm.flagOrphan(trade.ID, tp.ID, cancelErr)
	}
	return fmt.Errorf("place stop-loss: %w", err)
}

// flagOrphan records a half-placed bracket that could not be unwound.
func (bm *bracketManager) flagOrphan(tradeID, orderID string, cause error) {
	bm.logger.Error("orphaned bracket leg",
		"trade", tradeID, "order", orderID, "error", cause)
	storeErr := bm.st.Update(func(tx *store.Tx) error {
		now := time.Now()
		tx.AddReconTask(store.ReconciliationTask{
			ID:        uuid.NewString(),
			TradeID:   tradeID,
			Reason:    fmt.Sprintf("orphaned bracket order %s: %v", orderID, cause),
			CreatedAt: now,
		})
		tx.AddAlert(store.Alert{
			ID:        uuid.NewString(),
			Severity:  store.AlertHigh,
			TradeID:   tradeID,
			Message:   "bracket leg could not be placed or unwound; position may be unprotected",
			CreatedAt: now,
		})
		return nil
	})
	if storeErr != nil {
		bm.logger.Error("failed to record orphan flag", "trade", tradeID, "error", storeErr)
	}
}

// brackets returns the trade's live bracket orders.
func (bm *bracketManager) brackets(tradeID string) []types.ExecutionOrder {
	var out []types.ExecutionOrder
	for _, o := range bm.st.OrdersByTrade(tradeID) {
		if (o.Purpose == types.PurposeStopLoss || o.Purpose == types.PurposeTakeProfit) && !o.Status.Terminal() {
			out = append(out, o)
		}
	}
	return out
}

// CancelSibling cancels the other bracket leg after one fills. A sibling
// that is already terminal means both legs raced to fill; the venue's fill
// reports decide, so that is not an error here.
func (bm *bracketManager) CancelSibling(ctx context.Context, tradeID, filledOrderID string) {
	for _, o := range bm.brackets(tradeID) {
		if o.ID == filledOrderID {
			continue
		}
		if err := bm.om.Cancel(ctx, o); err != nil {
			bm.flagOrphan(tradeID, o.ID, err)
		}
	}
}

// CancelAll cancels both bracket legs (manual close path).
func (bm *bracketManager) CancelAll(ctx context.Context, tradeID string) error {
	for _, o := range bm.brackets(tradeID) {
		if err := bm.om.Cancel(ctx, o); err != nil {
			return fmt.Errorf("cancel bracket %s: %w", o.ID, err)
		}
	}
	return nil
}

// Update moves the protective levels: cancel the live pair, place a new
// pair at the new levels, and persist the levels on the position and trade.
func (bm *bracketManager) Update(ctx context.Context, tradeID string, newSL, newTP decimal.Decimal) error {
	trade, err := bm.st.GetTrade(tradeID)
	if err != nil {
		return err
	}
	if trade.Status != types.TradeOpen {
		return fmt.Errorf("trade %s is %s, brackets only move on OPEN trades", tradeID, trade.Status)
	}
	pos, err := bm.st.GetPositionByTrade(tradeID)
	if err != nil {
		return err
	}

	// Same geometry rules as at validation time.
	bad := (trade.Side == types.BUY && (newSL.GreaterThanOrEqual(pos.AvgEntry) || newTP.LessThanOrEqual(pos.AvgEntry))) ||
		(trade.Side == types.SELL && (newSL.LessThanOrEqual(pos.AvgEntry) || newTP.GreaterThanOrEqual(pos.AvgEntry)))
	if bad {
		return fmt.Errorf("bracket levels on the wrong side of entry %s", pos.AvgEntry)
	}

	if err := bm.CancelAll(ctx, tradeID); err != nil {
		return err
	}

	trade.StopLoss = newSL
	trade.TakeProfit = newTP
	pos.StopLoss = newSL
	pos.TakeProfit = newTP
	if err := bm.st.Update(func(tx *store.Tx) error {
		trade.UpdatedAt = time.Now()
		if err := tx.UpdateTrade(trade); err != nil {
			return err
		}
		return tx.UpdatePosition(pos)
	}); err != nil {
		return err
	}

	return bm.Place(ctx, trade, pos)
}
