package broker

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"forex-exec/internal/config"
	"forex-exec/pkg/types"
)

func testPaperConfig() config.PaperConfig {
	return config.PaperConfig{
		SlippageEnabled:     false,
		SpreadSimulation:    false,
		Latency:             time.Millisecond,
		PartialFillsEnabled: false,
		RejectionRate:       0,
		FillRule:            types.FillImmediate,
		InitialBalance:      10_000,
		Seed:                42,
	}
}

func newTestPaper(t *testing.T, cfg config.PaperConfig) (*PaperAdapter, chan types.ExecutionReport) {
	t.Helper()
	pa := NewPaperAdapter(cfg, "XAUUSD", slog.Default())
	if err := pa.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { pa.Disconnect(context.Background()) })

	sink := make(chan types.ExecutionReport, 16)
	pa.SubscribeExecutions(sink)
	return pa, sink
}

// collectFills drains reports until the cumulative filled size reaches want.
func collectFills(t *testing.T, sink chan types.ExecutionReport, want decimal.Decimal) []types.ExecutionReport {
	t.Helper()
	var (
		got     []types.ExecutionReport
		filled  decimal.Decimal
		timeout = time.After(2 * time.Second)
	)
	for filled.LessThan(want) {
		select {
		case r := <-sink:
			got = append(got, r)
			filled = filled.Add(r.FilledSize)
		case <-timeout:
			t.Fatalf("timed out waiting for fills: have %s, want %s", filled, want)
		}
	}
	if !filled.Equal(want) {
		t.Fatalf("overfilled: got %s, want %s", filled, want)
	}
	return got
}

func marketBuy(size float64) types.OrderRequest {
	return types.OrderRequest{
		Symbol:  "XAUUSD",
		Side:    types.BUY,
		Size:    decimal.NewFromFloat(size),
		Type:    types.OrderTypeMarket,
		TradeID: "trade-1",
	}
}

func TestPaperRequiresConnection(t *testing.T) {
	t.Parallel()
	pa := NewPaperAdapter(testPaperConfig(), "XAUUSD", slog.Default())

	if _, err := pa.PlaceOrder(context.Background(), marketBuy(0.5)); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("PlaceOrder error = %v, want ErrNotConnected", err)
	}
	if _, err := pa.ValidateAccount(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("ValidateAccount error = %v, want ErrNotConnected", err)
	}
}

func TestPaperImmediateMarketFill(t *testing.T) {
	t.Parallel()
	pa, sink := newTestPaper(t, testPaperConfig())
	pa.SetMarkPrice(decimal.NewFromInt(2000))

	resp, err := pa.PlaceOrder(context.Background(), marketBuy(0.50))
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if resp.Status != types.OrderPending {
		t.Fatalf("status = %s, want PENDING", resp.Status)
	}

	fills := collectFills(t, sink, decimal.NewFromFloat(0.50))
	for _, f := range fills {
		if !f.FilledPrice.Equal(decimal.NewFromInt(2000)) {
			t.Errorf("fill price = %s, want 2000", f.FilledPrice)
		}
		if f.TradeID != "trade-1" {
			t.Errorf("trade id = %q, want trade-1", f.TradeID)
		}
		if f.BrokerOrderID != resp.BrokerOrderID {
			t.Errorf("broker order id = %q, want %q", f.BrokerOrderID, resp.BrokerOrderID)
		}
	}

	status, err := pa.GetOrderStatus(context.Background(), resp.BrokerOrderID)
	if err != nil {
		t.Fatalf("GetOrderStatus: %v", err)
	}
	if status != types.OrderFilled {
		t.Fatalf("order status = %s, want FILLED", status)
	}
}

func TestPaperSpreadIsAdverse(t *testing.T) {
	t.Parallel()
	cfg := testPaperConfig()
	cfg.SpreadSimulation = true
	cfg.SpreadBps = 2
	pa, sink := newTestPaper(t, cfg)
	pa.SetMarkPrice(decimal.NewFromInt(2000))

	// BUY pays the ask: 2000 + 2000*2/20000 = 2000.2
	if _, err := pa.PlaceOrder(context.Background(), marketBuy(0.10)); err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	fills := collectFills(t, sink, decimal.NewFromFloat(0.10))
	want := decimal.NewFromFloat(2000.2)
	if !fills[0].FilledPrice.Equal(want) {
		t.Fatalf("BUY fill price = %s, want %s", fills[0].FilledPrice, want)
	}

	sell := marketBuy(0.10)
	sell.Side = types.SELL
	if _, err := pa.PlaceOrder(context.Background(), sell); err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	fills = collectFills(t, sink, decimal.NewFromFloat(0.10))
	want = decimal.NewFromFloat(1999.8)
	if !fills[0].FilledPrice.Equal(want) {
		t.Fatalf("SELL fill price = %s, want %s", fills[0].FilledPrice, want)
	}
}

func TestPaperRejection(t *testing.T) {
	t.Parallel()
	cfg := testPaperConfig()
	cfg.RejectionRate = 1.0
	pa, _ := newTestPaper(t, cfg)

	resp, err := pa.PlaceOrder(context.Background(), marketBuy(0.10))
	if err != nil {
		t.Fatalf("rejection must not be an error, got %v", err)
	}
	if resp.Status != types.OrderRejected {
		t.Fatalf("status = %s, want REJECTED", resp.Status)
	}
	if resp.Reason == "" {
		t.Fatal("rejected response carries no reason")
	}
}

func TestPaperPartialFillsSumToRequested(t *testing.T) {
	t.Parallel()
	cfg := testPaperConfig()
	cfg.PartialFillsEnabled = true
	pa, sink := newTestPaper(t, cfg)
	pa.SetMarkPrice(decimal.NewFromInt(2000))

	// Enough orders that both the partial and the single-shot paths run.
	for i := 0; i < 10; i++ {
		resp, err := pa.PlaceOrder(context.Background(), marketBuy(1.00))
		if err != nil {
			t.Fatalf("PlaceOrder %d: %v", i, err)
		}
		fills := collectFills(t, sink, decimal.NewFromInt(1))
		for _, f := range fills {
			if !f.FilledSize.IsPositive() {
				t.Fatalf("non-positive fill size %s", f.FilledSize)
			}
		}
		status, err := pa.GetOrderStatus(context.Background(), resp.BrokerOrderID)
		if err != nil {
			t.Fatalf("GetOrderStatus: %v", err)
		}
		if status != types.OrderFilled {
			t.Fatalf("order %d status = %s, want FILLED", i, status)
		}
	}
}

func TestPaperLimitRestsUntilCrossed(t *testing.T) {
	t.Parallel()
	pa, sink := newTestPaper(t, testPaperConfig())
	pa.SetMarkPrice(decimal.NewFromInt(2000))

	limit := decimal.NewFromInt(2010)
	req := types.OrderRequest{
		Symbol:  "XAUUSD",
		Side:    types.SELL, // take-profit leg of a BUY trade
		Size:    decimal.NewFromFloat(0.50),
		Type:    types.OrderTypeLimit,
		Price:   &limit,
		TradeID: "trade-1",
	}
	resp, err := pa.PlaceOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	// Below the limit: the order rests.
	pa.SetMarkPrice(decimal.NewFromInt(2005))
	select {
	case r := <-sink:
		t.Fatalf("unexpected fill while resting: %+v", r)
	case <-time.After(20 * time.Millisecond):
	}

	// Cross it: fills at the limit price.
	pa.SetMarkPrice(decimal.NewFromInt(2011))
	fills := collectFills(t, sink, decimal.NewFromFloat(0.50))
	if !fills[0].FilledPrice.Equal(limit) {
		t.Fatalf("fill price = %s, want %s", fills[0].FilledPrice, limit)
	}

	status, err := pa.GetOrderStatus(context.Background(), resp.BrokerOrderID)
	if err != nil {
		t.Fatalf("GetOrderStatus: %v", err)
	}
	if status != types.OrderFilled {
		t.Fatalf("order status = %s, want FILLED", status)
	}
}

func TestPaperNextCandleOpen(t *testing.T) {
	t.Parallel()
	cfg := testPaperConfig()
	cfg.FillRule = types.FillNextCandleOpen
	pa, sink := newTestPaper(t, cfg)
	pa.SetMarkPrice(decimal.NewFromInt(2000))

	if _, err := pa.PlaceOrder(context.Background(), marketBuy(0.25)); err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	// No candle open yet: order stays parked.
	select {
	case r := <-sink:
		t.Fatalf("unexpected fill before candle open: %+v", r)
	case <-time.After(20 * time.Millisecond):
	}

	open := decimal.NewFromInt(2003)
	pa.CandleOpen(open)
	fills := collectFills(t, sink, decimal.NewFromFloat(0.25))
	if !fills[0].FilledPrice.Equal(open) {
		t.Fatalf("fill price = %s, want candle open %s", fills[0].FilledPrice, open)
	}
}

func TestPaperCancel(t *testing.T) {
	t.Parallel()
	pa, sink := newTestPaper(t, testPaperConfig())
	pa.SetMarkPrice(decimal.NewFromInt(2000))

	// A resting limit order cancels cleanly.
	limit := decimal.NewFromInt(1990)
	req := types.OrderRequest{
		Symbol: "XAUUSD",
		Side:   types.BUY,
		Size:   decimal.NewFromFloat(0.10),
		Type:   types.OrderTypeLimit,
		Price:  &limit,
	}
	resp, err := pa.PlaceOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if err := pa.CancelOrder(context.Background(), resp.BrokerOrderID); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	status, _ := pa.GetOrderStatus(context.Background(), resp.BrokerOrderID)
	if status != types.OrderCancelled {
		t.Fatalf("status = %s, want CANCELLED", status)
	}

	// A filled order cannot be cancelled.
	resp, err = pa.PlaceOrder(context.Background(), marketBuy(0.10))
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	collectFills(t, sink, decimal.NewFromFloat(0.10))
	if err := pa.CancelOrder(context.Background(), resp.BrokerOrderID); !errors.Is(err, ErrOrderTerminal) {
		t.Fatalf("CancelOrder error = %v, want ErrOrderTerminal", err)
	}

	if err := pa.CancelOrder(context.Background(), "no-such-order"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("CancelOrder error = %v, want ErrOrderNotFound", err)
	}
}

func TestPaperClosePositionRealizesPnL(t *testing.T) {
	t.Parallel()
	pa, sink := newTestPaper(t, testPaperConfig())
	pa.SetMarkPrice(decimal.NewFromInt(2000))

	resp, err := pa.PlaceOrder(context.Background(), marketBuy(0.50))
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	collectFills(t, sink, decimal.NewFromFloat(0.50))

	posID, ok := pa.PositionID(resp.BrokerOrderID)
	if !ok {
		t.Fatal("no venue position for filled entry order")
	}
	positions, err := pa.GetOpenPositions(context.Background())
	if err != nil {
		t.Fatalf("GetOpenPositions: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("open positions = %d, want 1", len(positions))
	}
	if !positions[0].AvgEntry.Equal(decimal.NewFromInt(2000)) {
		t.Fatalf("avg entry = %s, want 2000", positions[0].AvgEntry)
	}

	pa.SetMarkPrice(decimal.NewFromInt(2010))
	closeResp, err := pa.ClosePosition(context.Background(), posID)
	if err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}
	if closeResp.Status != types.OrderFilled {
		t.Fatalf("close status = %s, want FILLED", closeResp.Status)
	}

	// BUY 0.50 @ 2000 closed @ 2010: +5.00 on the balance.
	acct, err := pa.ValidateAccount(context.Background())
	if err != nil {
		t.Fatalf("ValidateAccount: %v", err)
	}
	want := decimal.NewFromInt(10_005)
	if !acct.Balance.Equal(want) {
		t.Fatalf("balance = %s, want %s", acct.Balance, want)
	}

	if _, err := pa.ClosePosition(context.Background(), posID); !errors.Is(err, ErrPositionNotFound) {
		t.Fatalf("second close error = %v, want ErrPositionNotFound", err)
	}
}
