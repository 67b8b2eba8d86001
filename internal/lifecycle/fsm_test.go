package lifecycle

import (
	"errors"
	"testing"

	"forex-exec/pkg/types"
)

func TestHappyPath(t *testing.T) {
	t.Parallel()
	trade := &types.ExecutionTrade{ID: "t1", Status: types.TradeNew}

	path := []struct {
		to    types.TradeStatus
		event types.EventType
	}{
		{types.TradeValidated, types.EventValidated},
		{types.TradeOrderPlaced, types.EventOrderSent},
		{types.TradePartiallyFilled, types.EventPartialFill},
		{types.TradeFilled, types.EventFilled},
		{types.TradeOpen, types.EventOpened},
		{types.TradeClosed, types.EventClosed},
	}
	for _, step := range path {
		ev, err := Transition(trade, step.to)
		if err != nil {
			t.Fatalf("transition to %s: %v", step.to, err)
		}
		if ev != step.event {
			t.Fatalf("event for %s = %s, want %s", step.to, ev, step.event)
		}
		if trade.Status != step.to {
			t.Fatalf("status = %s, want %s", trade.Status, step.to)
		}
	}
	if trade.OpenedAt == nil || trade.ClosedAt == nil {
		t.Fatal("OpenedAt / ClosedAt not stamped")
	}
}

func TestFullFillSkipsPartial(t *testing.T) {
	t.Parallel()
	trade := &types.ExecutionTrade{ID: "t1", Status: types.TradeOrderPlaced}
	if _, err := Transition(trade, types.TradeFilled); err != nil {
		t.Fatalf("ORDER_PLACED -> FILLED must be legal: %v", err)
	}
}

func TestIllegalEdgesRejected(t *testing.T) {
	t.Parallel()
	bad := []struct{ from, to types.TradeStatus }{
		{types.TradeNew, types.TradeOrderPlaced},  // skips validation
		{types.TradeNew, types.TradeOpen},         // skips everything
		{types.TradeFilled, types.TradeClosed},    // filled exposure must open first
		{types.TradeOpen, types.TradeFilled},      // no regression
		{types.TradeClosed, types.TradeOpen},      // terminal
		{types.TradeClosed, types.TradeValidated}, // terminal
		{types.TradeValidated, types.TradeFilled}, // skips order placement
		{types.TradeOpen, types.TradeOrderPlaced}, // no regression
	}
	for _, tc := range bad {
		trade := &types.ExecutionTrade{ID: "t1", Status: tc.from}
		_, err := Transition(trade, tc.to)
		if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("%s -> %s: error = %v, want ErrInvalidTransition", tc.from, tc.to, err)
		}
		if trade.Status != tc.from {
			t.Errorf("%s -> %s mutated the trade on failure", tc.from, tc.to)
		}
	}
}

func TestCancellable(t *testing.T) {
	t.Parallel()
	yes := []types.TradeStatus{
		types.TradeNew, types.TradeValidated, types.TradeOrderPlaced, types.TradePartiallyFilled,
	}
	for _, s := range yes {
		if !Cancellable(s) {
			t.Errorf("%s should be cancellable", s)
		}
		trade := &types.ExecutionTrade{ID: "t1", Status: s}
		if _, err := Transition(trade, types.TradeClosed); err != nil {
			t.Errorf("cancel from %s: %v", s, err)
		}
	}

	no := []types.TradeStatus{types.TradeFilled, types.TradeOpen, types.TradeClosed}
	for _, s := range no {
		if Cancellable(s) {
			t.Errorf("%s should not be cancellable", s)
		}
	}
}

func TestTerminal(t *testing.T) {
	t.Parallel()
	if !Terminal(types.TradeClosed) {
		t.Fatal("CLOSED must be terminal")
	}
	if Terminal(types.TradeOpen) {
		t.Fatal("OPEN is not terminal")
	}
}
