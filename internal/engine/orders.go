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
	"forex-exec/internal/store"
	"forex-exec/pkg/types"
)

// orderManager owns the order table and all order traffic to the venue.
// Every venue call goes through the per-endpoint breaker and the retryer.
type orderManager struct {
	st          *store.Store
	adapter     broker.Adapter
	retry       *failure.Retryer
	breakers    *failure.Breakers
	callTimeout time.Duration
	logger      *slog.Logger
}

func newOrderManager(st *store.Store, adapter broker.Adapter, retry *failure.Retryer,
	breakers *failure.Breakers, callTimeout time.Duration, logger *slog.Logger) *orderManager {
	return &orderManager{
		st:          st,
		adapter:     adapter,
		retry:       retry,
		breakers:    breakers,
		callTimeout: callTimeout,
		logger:      logger.With("component", "orders"),
	}
}

// place runs one guarded venue submission: breaker outside, call timeout
// inside, retry loop around both.
func (om *orderManager) place(ctx context.Context, req types.OrderRequest) (*types.OrderResponse, error) {
	var resp *types.OrderResponse
	err := om.retry.Do(ctx, "place_order", func(ctx context.Context) error {
		return om.breakers.Execute("place_order", func() error {
			cctx, cancel := context.WithTimeout(ctx, om.callTimeout)
			defer cancel()
			r, err := om.adapter.PlaceOrder(cctx, req)
			if err != nil {
				return err
			}
			resp = r
			return nil
		})
	})
	return resp, err
}

// PlaceOrder creates an order row and submits it. The row is inserted
// before the venue call so a crash between the two leaves a PENDING row to
// reconcile, never a venue order with no local record.
func (om *orderManager) PlaceOrder(ctx context.Context, trade types.ExecutionTrade,
	purpose types.OrderPurpose, side types.Side, typ types.OrderType,
	price, size decimal.Decimal) (types.ExecutionOrder, error) {

	now := time.Now()
	order := types.ExecutionOrder{
		ID:        uuid.NewString(),
		TradeID:   trade.ID,
		Side:      side,
		Type:      typ,
		Price:     price,
		Size:      size,
		Status:    types.OrderPending,
		Purpose:   purpose,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := om.st.Update(func(tx *store.Tx) error {
		return tx.InsertOrder(order)
	}); err != nil {
		return order, err
	}

	req := types.OrderRequest{
		Symbol:  trade.Symbol,
		Side:    side,
		Size:    size,
		Type:    typ,
		TradeID: trade.ID,
	}
	if typ != types.OrderTypeMarket {
		p := price
		req.Price = &p
	}

	resp, err := om.place(ctx, req)
	if err != nil {
		om.markStatus(order.ID, types.OrderRejected)
		return order, err
	}
	if resp.Status == types.OrderRejected {
		om.markStatus(order.ID, types.OrderRejected)
		om.logger.Warn("venue rejected order",
			"trade", trade.ID, "purpose", purpose, "reason", resp.Reason)
		return order, fmt.Errorf("%w: %s", broker.ErrOrderRejected, resp.Reason)
	}

	order.BrokerOrderID = resp.BrokerOrderID
	order.UpdatedAt = time.Now()
	if err := om.st.Update(func(tx *store.Tx) error {
		return tx.UpdateOrder(order)
	}); err != nil {
		return order, err
	}

	om.logger.Info("order placed",
		"trade", trade.ID,
		"order", order.ID,
		"broker_order", order.BrokerOrderID,
		"purpose", purpose,
		"side", side,
		"type", typ,
		"size", size,
	)
	return order, nil
}

// fillProgress summarizes an order's fill state after applying a report.
type fillProgress struct {
	Order    types.ExecutionOrder
	CumSize  decimal.Decimal
	AvgPrice decimal.Decimal
	Complete bool
	Inserted bool // false for duplicate reports
}

// ApplyExecution records a fill report against its order. Idempotent on
// execution id: replaying a report returns Inserted == false and changes
// nothing.
func (om *orderManager) ApplyExecution(report types.ExecutionReport) (*fillProgress, error) {
	order, err := om.st.GetOrderByBrokerID(report.BrokerOrderID)
	if err != nil {
		return nil, err
	}

	// Cumulative state from already-recorded fills.
	cum := decimal.Zero
	notional := decimal.Zero
	for _, e := range om.st.ExecutionsByOrder(order.ID) {
		if e.ID == report.ExecutionID {
			return &fillProgress{Order: order, Inserted: false}, nil
		}
		cum = cum.Add(e.FilledSize)
		notional = notional.Add(e.FilledPrice.Mul(e.FilledSize))
	}
	cum = cum.Add(report.FilledSize)
	notional = notional.Add(report.FilledPrice.Mul(report.FilledSize))
	complete := cum.GreaterThanOrEqual(order.Size)

	if complete {
		order.Status = types.OrderFilled
	} else {
		order.Status = types.OrderPartiallyFilled
	}
	order.UpdatedAt = time.Now()

	err = om.st.Update(func(tx *store.Tx) error {
		inserted, err := tx.InsertExecution(types.Execution{
			ID:          report.ExecutionID,
			OrderID:     order.ID,
			TradeID:     order.TradeID,
			FilledPrice: report.FilledPrice,
			FilledSize:  report.FilledSize,
			Slippage:    report.Slippage,
			ExecutedAt:  report.Timestamp,
		})
		if err != nil {
			return err
		}
		if !inserted {
			return nil
		}
		return tx.UpdateOrder(order)
	})
	if err != nil {
		return nil, err
	}

	return &fillProgress{
		Order:    order,
		CumSize:  cum,
		AvgPrice: types.RoundPrice(notional.Div(cum)),
		Complete: complete,
		Inserted: true,
	}, nil
}

// Cancel cancels an order at the venue and marks the row CANCELLED. A
// terminal or unknown order at the venue is treated as already settled:
// the fill race is resolved by whichever report arrives.
func (om *orderManager) Cancel(ctx context.Context, order types.ExecutionOrder) error {
	if order.Status.Terminal() {
		return nil
	}
	if order.BrokerOrderID != "" {
		err := om.retry.Do(ctx, "cancel_order", func(ctx context.Context) error {
			return om.breakers.Execute("cancel_order", func() error {
				cctx, cancel := context.WithTimeout(ctx, om.callTimeout)
				defer cancel()
				return om.adapter.CancelOrder(cctx, order.BrokerOrderID)
			})
		})
		if err != nil &&
			!errors.Is(err, broker.ErrOrderTerminal) &&
			!errors.Is(err, broker.ErrOrderNotFound) {
			return err
		}
	}
	return om.markStatus(order.ID, types.OrderCancelled)
}

func (om *orderManager) markStatus(orderID string, status types.OrderStatus) error {
	return om.st.Update(func(tx *store.Tx) error {
		o, err := tx.GetOrder(orderID)
		if err != nil {
			return err
		}
		if o.Status.Terminal() {
			return nil
		}
		o.Status = status
		o.UpdatedAt = time.Now()
		return tx.UpdateOrder(o)
	})
}
