// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the execution engine: signal
// records, trade/order/position rows, broker wire contracts, and the closed
// enums the lifecycle machine switches over. It has no dependencies on
// internal packages, so it can be imported by any layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of a trade or order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Sign returns +1 for BUY and -1 for SELL, the direction multiplier used in
// every P&L formula: pnl = (close - entry) * size * side.Sign().
func (s Side) Sign() decimal.Decimal {
	if s == SELL {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// Opposite returns the other side. Bracket orders are placed opposite the
// entry side.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// OrderType enumerates supported order kinds at the venue.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	// OrderTypeLimit fills at the limit price or better: a BUY when the
	// market trades at or below it, a SELL at or above. Take-profit legs.
	OrderTypeLimit OrderType = "LIMIT"
	// OrderTypeStop triggers on the adverse crossing: a SELL when the
	// market trades at or below the stop, a BUY at or above. Stop-loss legs.
	OrderTypeStop OrderType = "STOP"
)

// TradeStatus is the lifecycle status of an ExecutionTrade. Transitions
// between statuses are owned by the lifecycle package; nothing else may
// mutate a trade's status.
type TradeStatus string

const (
	TradeNew             TradeStatus = "NEW"
	TradeValidated       TradeStatus = "VALIDATED"
	TradeOrderPlaced     TradeStatus = "ORDER_PLACED"
	TradePartiallyFilled TradeStatus = "PARTIALLY_FILLED"
	TradeFilled          TradeStatus = "FILLED"
	TradeOpen            TradeStatus = "OPEN"
	TradeClosed          TradeStatus = "CLOSED"
)

// OrderStatus is the status of an ExecutionOrder. FILLED, REJECTED and
// CANCELLED are terminal; an order never regresses out of them.
type OrderStatus string

const (
	OrderPending         OrderStatus = "PENDING"
	OrderFilled          OrderStatus = "FILLED"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderRejected        OrderStatus = "REJECTED"
	OrderCancelled       OrderStatus = "CANCELLED"
)

// Terminal reports whether the status admits no further updates.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderRejected, OrderCancelled:
		return true
	}
	return false
}

// EventType labels entries in the append-only trade event log. Each
// lifecycle edge maps to exactly one event type; TP_HIT, SL_HIT,
// MANUAL_CLOSE and ERROR annotate the path into CLOSED.
type EventType string

const (
	EventCreated     EventType = "CREATED"
	EventValidated   EventType = "VALIDATED"
	EventOrderSent   EventType = "ORDER_SENT"
	EventPartialFill EventType = "PARTIAL_FILL"
	EventFilled      EventType = "FILLED"
	EventOpened      EventType = "OPENED"
	EventTPHit       EventType = "TP_HIT"
	EventSLHit       EventType = "SL_HIT"
	EventManualClose EventType = "MANUAL_CLOSE"
	EventError       EventType = "ERROR"
	EventClosed      EventType = "CLOSED"
)

// CloseReason records why a trade left the book.
type CloseReason string

const (
	CloseTP     CloseReason = "TP"
	CloseSL     CloseReason = "SL"
	CloseManual CloseReason = "MANUAL"
	CloseError  CloseReason = "ERROR"
)

// ExecutionMode selects the broker adapter. PAPER is the in-process
// simulator; MT5 and REST are live venues.
type ExecutionMode string

const (
	ModePaper ExecutionMode = "PAPER"
	ModeMT5   ExecutionMode = "MT5"
	ModeREST  ExecutionMode = "REST"
)

// FillRule controls when the paper adapter fills a market order.
type FillRule string

const (
	// FillImmediate fills as soon as the configured latency elapses.
	FillImmediate FillRule = "IMMEDIATE"
	// FillNextCandleOpen parks the order until the next candle-open price
	// is pushed to the adapter, then fills at that open.
	FillNextCandleOpen FillRule = "NEXT_CANDLE_OPEN"
	// FillRealisticDelay fills after a uniform delay in [latency, 3*latency].
	FillRealisticDelay FillRule = "REALISTIC_DELAY"
)

// ————————————————————————————————————————————————————————————————————————
// Precision helpers
// ————————————————————————————————————————————————————————————————————————

const (
	// PriceDecimals is the quote precision for FX/metals (5 decimals).
	PriceDecimals = 5
	// SizeDecimals is the lot-size precision (2 decimals, 0.01 lot floor).
	SizeDecimals = 2
)

// RoundPrice rounds a price to the venue's 5-decimal precision.
func RoundPrice(p decimal.Decimal) decimal.Decimal {
	return p.Round(PriceDecimals)
}

// RoundSize rounds a size down to 2 decimals. Sizing always rounds down so
// a computed size never exceeds the risk budget.
func RoundSize(s decimal.Decimal) decimal.Decimal {
	return s.RoundFloor(SizeDecimals)
}

// ————————————————————————————————————————————————————————————————————————
// Signal (strategy-engine input, read-only)
// ————————————————————————————————————————————————————————————————————————

// Signal is the immutable directive produced by the upstream strategy
// engine. The execution pipeline only ever reads it.
type Signal struct {
	ID          string          `json:"id"`
	DecisionID  string          `json:"decision_id"` // parent strategy decision
	Symbol      string          `json:"symbol"`
	Timeframe   string          `json:"timeframe"`
	Direction   Side            `json:"direction"`
	EntryPrice  decimal.Decimal `json:"entry_price"`
	StopLoss    decimal.Decimal `json:"stop_loss"`
	TakeProfit  decimal.Decimal `json:"take_profit"`
	RiskReward  decimal.Decimal `json:"risk_reward"`
	RiskPercent decimal.Decimal `json:"risk_percent"` // fraction of equity, (0, 0.01]
	Leverage    int             `json:"leverage"`     // [1, 200]
	// PositionSize is the strategy's tentative size; the validator may
	// replace it with an adjusted size.
	PositionSize   decimal.Decimal `json:"position_size"`
	MarginRequired decimal.Decimal `json:"margin_required"`
	CandleTime     time.Time       `json:"candle_time"`
}

// ————————————————————————————————————————————————————————————————————————
// Persistent rows (owned by ExecutionTrade)
// ————————————————————————————————————————————————————————————————————————

// ExecutionTrade is the orchestrator's record of a signal's journey through
// the lifecycle. It owns its orders, executions, position and events.
type ExecutionTrade struct {
	ID           string          `json:"id"`
	SignalID     string          `json:"signal_id"`
	Symbol       string          `json:"symbol"`
	Timeframe    string          `json:"timeframe"`
	Side         Side            `json:"side"`
	Status       TradeStatus     `json:"status"`
	EntryPrice   decimal.Decimal `json:"entry_price"`
	StopLoss     decimal.Decimal `json:"stop_loss"`
	TakeProfit   decimal.Decimal `json:"take_profit"`
	PositionSize decimal.Decimal `json:"position_size"`
	RiskPercent  decimal.Decimal `json:"risk_percent"`
	Leverage     int             `json:"leverage"`
	RiskReward   decimal.Decimal `json:"risk_reward"`
	Mode         ExecutionMode   `json:"mode"`
	OpenedAt     *time.Time      `json:"opened_at,omitempty"`
	ClosedAt     *time.Time      `json:"closed_at,omitempty"`
	CloseReason  CloseReason     `json:"close_reason,omitempty"` // set iff Status == CLOSED
	RealizedPnL  decimal.Decimal `json:"realized_pnl"`           // set at close
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// OrderPurpose tags what role an order plays for its trade.
type OrderPurpose string

const (
	PurposeEntry      OrderPurpose = "ENTRY"
	PurposeStopLoss   OrderPurpose = "STOP_LOSS"
	PurposeTakeProfit OrderPurpose = "TAKE_PROFIT"
)

// ExecutionOrder is a venue-directed request spawned by a trade: the entry
// order or one of the two bracket orders.
type ExecutionOrder struct {
	ID            string          `json:"id"`
	TradeID       string          `json:"trade_id"`
	BrokerOrderID string          `json:"broker_order_id,omitempty"` // empty until acknowledged
	Side          Side            `json:"side"`
	Type          OrderType       `json:"type"`
	Price         decimal.Decimal `json:"price"`
	Size          decimal.Decimal `json:"size"`
	Status        OrderStatus     `json:"status"`
	Purpose       OrderPurpose    `json:"purpose"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Execution is a single fill (or partial fill) of an order.
type Execution struct {
	ID          string          `json:"id"`
	OrderID     string          `json:"order_id"`
	TradeID     string          `json:"trade_id"`
	FilledPrice decimal.Decimal `json:"filled_price"`
	FilledSize  decimal.Decimal `json:"filled_size"`
	Slippage    decimal.Decimal `json:"slippage"` // absolute distance from requested price
	ExecutedAt  time.Time       `json:"executed_at"`
}

// Position is the exposure resulting from a filled entry order. At most one
// open position exists per trade.
type Position struct {
	ID      string `json:"id"`
	TradeID string `json:"trade_id"`

	// BrokerPositionID is the venue's id for this exposure, used to close it.
	BrokerPositionID string `json:"broker_position_id,omitempty"`

	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	Size       decimal.Decimal `json:"size"`
	AvgEntry   decimal.Decimal `json:"avg_entry"`
	StopLoss   decimal.Decimal `json:"stop_loss"`
	TakeProfit decimal.Decimal `json:"take_profit"`
	MarginUsed decimal.Decimal `json:"margin_used"`
	Leverage   int             `json:"leverage"`
	OpenedAt   time.Time       `json:"opened_at"`
	ClosedAt   *time.Time      `json:"closed_at,omitempty"`
}

// Open reports whether the position is still on the book.
func (p Position) Open() bool { return p.ClosedAt == nil }

// TradeEvent is one entry in a trade's append-only event log. Timestamps
// within a trade are monotonic non-decreasing.
type TradeEvent struct {
	ID         string            `json:"id"`
	TradeID    string            `json:"trade_id"`
	Type       EventType         `json:"type"`
	PrevStatus TradeStatus       `json:"prev_status,omitempty"`
	NewStatus  TradeStatus       `json:"new_status,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// ————————————————————————————————————————————————————————————————————————
// Broker adapter wire contract
// ————————————————————————————————————————————————————————————————————————

// OrderRequest is the adapter-level order submission. Sizes carry 2
// decimals, prices 5.
type OrderRequest struct {
	Symbol     string           `json:"symbol"`
	Side       Side             `json:"side"`
	Size       decimal.Decimal  `json:"size"`
	Type       OrderType        `json:"type"`
	Price      *decimal.Decimal `json:"price,omitempty"` // required for LIMIT
	StopLoss   *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit *decimal.Decimal `json:"take_profit,omitempty"`
	// TradeID is echoed back on execution reports so the engine can route
	// fills to the owning trade's reducer.
	TradeID string `json:"trade_id,omitempty"`
}

// OrderResponse is the venue's acknowledgement of an OrderRequest.
type OrderResponse struct {
	BrokerOrderID string           `json:"broker_order_id"`
	Status        OrderStatus      `json:"status"` // PENDING, FILLED or REJECTED
	Reason        string           `json:"reason,omitempty"`
	FilledPrice   *decimal.Decimal `json:"filled_price,omitempty"`
	FilledSize    *decimal.Decimal `json:"filled_size,omitempty"`
	Timestamp     time.Time        `json:"timestamp"`
}

// ExecutionReport is an asynchronous fill notification from the venue.
type ExecutionReport struct {
	ExecutionID   string          `json:"execution_id"`
	BrokerOrderID string          `json:"broker_order_id"`
	TradeID       string          `json:"trade_id"`
	FilledPrice   decimal.Decimal `json:"filled_price"`
	FilledSize    decimal.Decimal `json:"filled_size"`
	Slippage      decimal.Decimal `json:"slippage"`
	Timestamp     time.Time       `json:"timestamp"`
}

// AccountInfo is the venue's account snapshot, also used as a heartbeat.
type AccountInfo struct {
	AccountID   string          `json:"account_id"`
	Balance     decimal.Decimal `json:"balance"`
	Equity      decimal.Decimal `json:"equity"`
	Margin      decimal.Decimal `json:"margin"`
	FreeMargin  decimal.Decimal `json:"free_margin"`
	MarginLevel decimal.Decimal `json:"margin_level"`
}

// BrokerPosition is an open position as reported by the venue.
type BrokerPosition struct {
	ID       string          `json:"id"`
	Symbol   string          `json:"symbol"`
	Side     Side            `json:"side"`
	Size     decimal.Decimal `json:"size"`
	AvgEntry decimal.Decimal `json:"avg_entry"`
	OpenedAt time.Time       `json:"opened_at"`
}

// ————————————————————————————————————————————————————————————————————————
// Orchestrator result
// ————————————————————————————————————————————————————————————————————————

// ProcessResult is the discriminated outcome of process_signal. Errors are
// carried as data across the orchestrator seam, never thrown across it.
type ProcessResult struct {
	Success   bool        `json:"success"`
	TradeID   string      `json:"trade_id,omitempty"`
	OrderID   string      `json:"order_id,omitempty"`
	Status    TradeStatus `json:"status,omitempty"`
	ErrorKind string      `json:"error_kind,omitempty"`
	Error     string      `json:"error,omitempty"`

	// AdjustedSize is set on a risk-cap rejection: the size that would
	// have fit the cap, offered for resubmission.
	AdjustedSize *decimal.Decimal `json:"adjusted_size,omitempty"`
}
