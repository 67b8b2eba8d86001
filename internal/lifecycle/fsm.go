// Package lifecycle owns the trade status machine. Every status change in
// the system goes through Transition; nothing else mutates a trade's
// status, so an illegal edge can only ever fail here.
//
// The machine:
//
//	NEW -> VALIDATED -> ORDER_PLACED -> PARTIALLY_FILLED -> FILLED -> OPEN -> CLOSED
//	                                 \__________________________/
//
// plus early cancellation: any status before FILLED may jump straight to
// CLOSED (signal rejected, order rejected, manual cancel). CLOSED is
// terminal.
package lifecycle

import (
	"errors"
	"fmt"
	"time"

	"forex-exec/pkg/types"
)

// ErrInvalidTransition is returned for any edge outside the machine.
var ErrInvalidTransition = errors.New("invalid trade transition")

// transitions lists the legal next statuses for each status.
var transitions = map[types.TradeStatus][]types.TradeStatus{
	types.TradeNew:             {types.TradeValidated, types.TradeClosed},
	types.TradeValidated:       {types.TradeOrderPlaced, types.TradeClosed},
	types.TradeOrderPlaced:     {types.TradePartiallyFilled, types.TradeFilled, types.TradeClosed},
	types.TradePartiallyFilled: {types.TradeFilled, types.TradeClosed},
	types.TradeFilled:          {types.TradeOpen},
	types.TradeOpen:            {types.TradeClosed},
	types.TradeClosed:          nil, // terminal
}

// events maps each target status to the event logged for entering it.
var events = map[types.TradeStatus]types.EventType{
	types.TradeValidated:       types.EventValidated,
	types.TradeOrderPlaced:     types.EventOrderSent,
	types.TradePartiallyFilled: types.EventPartialFill,
	types.TradeFilled:          types.EventFilled,
	types.TradeOpen:            types.EventOpened,
	types.TradeClosed:          types.EventClosed,
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to types.TradeStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Cancellable reports whether a trade in the given status may be cancelled
// (closed before it holds a position). Once FILLED the exposure exists and
// the trade must be closed through the closure path instead.
func Cancellable(s types.TradeStatus) bool {
	switch s {
	case types.TradeNew, types.TradeValidated, types.TradeOrderPlaced, types.TradePartiallyFilled:
		return true
	}
	return false
}

// Terminal reports whether the status admits no further transitions.
func Terminal(s types.TradeStatus) bool { return s == types.TradeClosed }

// Transition applies from -> to on the trade, stamps UpdatedAt, and returns
// the event type to log. The trade is not modified on error.
func Transition(trade *types.ExecutionTrade, to types.TradeStatus) (types.EventType, error) {
	if !CanTransition(trade.Status, to) {
		return "", fmt.Errorf("%w: %s -> %s (trade %s)",
			ErrInvalidTransition, trade.Status, to, trade.ID)
	}

	now := time.Now()
	trade.Status = to
	trade.UpdatedAt = now
	switch to {
	case types.TradeOpen:
		trade.OpenedAt = &now
	case types.TradeClosed:
		trade.ClosedAt = &now
	}
	return events[to], nil
}
