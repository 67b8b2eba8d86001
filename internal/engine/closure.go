package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"forex-exec/internal/broker"
	"forex-exec/internal/failure"
	"forex-exec/internal/lifecycle"
	"forex-exec/internal/store"
	"forex-exec/pkg/types"
)

// RiskLedger receives realized P&L postings after a trade closes. The
// upstream risk system plugs in here; a nil ledger is skipped.
type RiskLedger interface {
	PostRealized(tradeID string, pnl decimal.Decimal)
}

// closeService finalizes trades. The broker call happens OUTSIDE the
// state transaction: venue actions are not rollback-able, so the order is
// always venue first, then one atomic local commit. If the commit fails
// after the venue already closed, the divergence is queued as a
// reconciliation task and raised as a HIGH alert.
type closeService struct {
	st          *store.Store
	adapter     broker.Adapter
	retry       *failure.Retryer
	breakers    *failure.Breakers
	ledger      RiskLedger
	callTimeout time.Duration
	logger      *slog.Logger
}

func newCloseService(st *store.Store, adapter broker.Adapter, retry *failure.Retryer,
	breakers *failure.Breakers, ledger RiskLedger, callTimeout time.Duration,
	logger *slog.Logger) *closeService {
	return &closeService{
		st:          st,
		adapter:     adapter,
		retry:       retry,
		breakers:    breakers,
		ledger:      ledger,
		callTimeout: callTimeout,
		logger:      logger.With("component", "closure"),
	}
}

// reasonEvent maps a close reason to the event annotating the closure.
func reasonEvent(reason types.CloseReason) types.EventType {
	switch reason {
	case types.CloseTP:
		return types.EventTPHit
	case types.CloseSL:
		return types.EventSLHit
	case types.CloseManual:
		return types.EventManualClose
	default:
		return types.EventError
	}
}

// Close takes an OPEN trade to CLOSED. When venueClosed is true the
// position already closed at the venue (a bracket fill) and closePrice is
// its fill price; otherwise the venue position is closed here first and
// the venue's price wins. Idempotent: closing a CLOSED trade is a no-op.
func (cs *closeService) Close(ctx context.Context, tradeID string, reason types.CloseReason,
	closePrice decimal.Decimal, venueClosed bool) (decimal.Decimal, error) {

	trade, err := cs.st.GetTrade(tradeID)
	if err != nil {
		return decimal.Zero, err
	}
	if trade.Status == types.TradeClosed {
		return trade.RealizedPnL, nil
	}
	pos, err := cs.st.GetPositionByTrade(tradeID)
	if err != nil {
		return decimal.Zero, err
	}

	if !venueClosed {
		resp, err := cs.closeAtVenue(ctx, pos.BrokerPositionID)
		if err != nil {
			return decimal.Zero, fmt.Errorf("close position at venue: %w", err)
		}
		if resp != nil && resp.FilledPrice != nil {
			closePrice = *resp.FilledPrice
		} else if closePrice.IsZero() {
			// Position already gone at the venue and no fill price known:
			// book the close flat rather than against a zero price.
			closePrice = pos.AvgEntry
		}
	}

	pnl, err := cs.commitClose(trade, reason, closePrice)
	if err != nil {
		// The venue close already happened; local state now diverges.
		cs.queueReconciliation(tradeID, err)
		return decimal.Zero, err
	}

	if cs.ledger != nil {
		cs.ledger.PostRealized(tradeID, pnl)
	}
	cs.logger.Info("trade closed",
		"trade", tradeID,
		"reason", reason,
		"close_price", closePrice,
		"pnl", pnl.Round(2),
	)
	return pnl, nil
}

func (cs *closeService) closeAtVenue(ctx context.Context, brokerPositionID string) (*types.OrderResponse, error) {
	var resp *types.OrderResponse
	err := cs.retry.Do(ctx, "close_position", func(ctx context.Context) error {
		return cs.breakers.Execute("close_position", func() error {
			cctx, cancel := context.WithTimeout(ctx, cs.callTimeout)
			defer cancel()
			r, err := cs.adapter.ClosePosition(cctx, brokerPositionID)
			if err != nil {
				// Already gone at the venue: proceed with the local commit.
				if errors.Is(err, broker.ErrPositionNotFound) {
					return nil
				}
				return err
			}
			resp = r
			return nil
		})
	})
	return resp, err
}

// commitClose applies the entire closure in one transaction: position
// stamped closed, trade transitioned, reason event plus CLOSED event
// appended. All or nothing.
func (cs *closeService) commitClose(trade types.ExecutionTrade, reason types.CloseReason,
	closePrice decimal.Decimal) (decimal.Decimal, error) {

	var pnl decimal.Decimal
	err := cs.st.Update(func(tx *store.Tx) error {
		now := time.Now()
		var err error
		pnl, err = closePositionInTx(tx, trade.ID, closePrice, now)
		if err != nil {
			return err
		}

		prev := trade.Status
		eventType, err := lifecycle.Transition(&trade, types.TradeClosed)
		if err != nil {
			return err
		}
		trade.CloseReason = reason
		trade.RealizedPnL = pnl
		if err := tx.UpdateTrade(trade); err != nil {
			return err
		}

		if err := tx.AppendEvent(types.TradeEvent{
			ID:        uuid.NewString(),
			TradeID:   trade.ID,
			Type:      reasonEvent(reason),
			Metadata:  map[string]string{"close_price": closePrice.String(), "pnl": pnl.String()},
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
	return pnl, err
}

// queueReconciliation records the venue/local divergence for the recon
// worker and alerts the operator. This write must not fail silently, so
// it only appends.
func (cs *closeService) queueReconciliation(tradeID string, cause error) {
	now := time.Now()
	err := cs.st.Update(func(tx *store.Tx) error {
		tx.AddReconTask(store.ReconciliationTask{
			ID:        uuid.NewString(),
			TradeID:   tradeID,
			Reason:    fmt.Sprintf("venue closed but local commit failed: %v", cause),
			CreatedAt: now,
		})
		tx.AddAlert(store.Alert{
			ID:        uuid.NewString(),
			Severity:  store.AlertHigh,
			TradeID:   tradeID,
			Message:   "position closed at venue but local state commit failed",
			CreatedAt: now,
		})
		return nil
	})
	if err != nil {
		cs.logger.Error("failed to queue reconciliation", "trade", tradeID, "error", err)
	}
}
