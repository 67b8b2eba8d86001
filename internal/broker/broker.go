// Package broker defines the venue adapter contract and its implementations.
//
// An Adapter connects to a trading venue, places and cancels orders, and
// streams execution reports back to the engine. Two implementations exist:
//
//   - PaperAdapter: in-process fill simulator, the reference implementation
//     every live adapter must match under the contract tests.
//   - RESTAdapter:  generic REST venue client with a WebSocket execution
//     stream (the reserved REST slot).
//
// MT5 is a reserved mode with no adapter yet.
//
// Execution reports are delivered on a typed sink channel registered via
// SubscribeExecutions. Adapters never block on the sink: a full sink drops
// the report and logs, and the engine reconciles via GetOrderStatus.
package broker

import (
	"context"
	"errors"

	"forex-exec/pkg/types"
)

// Common adapter errors. Transport-level failures are returned as wrapped
// errors matchable with errors.Is; venue-level order rejection is carried
// in OrderResponse.Status instead.
var (
	// ErrNotConnected is returned when no session is established.
	ErrNotConnected = errors.New("broker not connected")

	// ErrAuthentication is returned on credential failures. Fatal: never retried.
	ErrAuthentication = errors.New("broker authentication failed")

	// ErrRateLimited is returned when the venue throttles us.
	ErrRateLimited = errors.New("broker rate limited")

	// ErrOrderNotFound is returned when a broker order id is unknown.
	ErrOrderNotFound = errors.New("order not found")

	// ErrOrderTerminal is returned when cancelling an order that is already
	// filled, rejected or cancelled.
	ErrOrderTerminal = errors.New("order already in terminal state")

	// ErrPositionNotFound is returned when a broker position id is unknown.
	ErrPositionNotFound = errors.New("position not found")

	// ErrVenue is returned for 5xx-class venue failures.
	ErrVenue = errors.New("venue error")

	// ErrOrderRejected is how callers surface an OrderResponse.Status of
	// REJECTED as an error. The venue said no to this order, not to the
	// session: never retried.
	ErrOrderRejected = errors.New("order rejected by venue")
)

// Adapter is the capability set every broker integration must provide.
// All calls carry a context deadline; an elapsed deadline is classified as
// a retryable timeout by the failure package.
type Adapter interface {
	// Name returns the adapter name ("paper", "rest").
	Name() string

	// Connect establishes a session. Idempotent: connecting an already
	// connected adapter is a no-op.
	Connect(ctx context.Context) error

	// Disconnect releases session resources. Safe to call on any path.
	Disconnect(ctx context.Context) error

	// ValidateAccount returns the account snapshot. Also used as a heartbeat.
	ValidateAccount(ctx context.Context) (*types.AccountInfo, error)

	// PlaceOrder submits an order. A venue rejection is reported via
	// OrderResponse.Status == REJECTED with a nil error; errors indicate
	// transport or session failures.
	PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.OrderResponse, error)

	// CancelOrder cancels a working order. Fails with ErrOrderTerminal if
	// the order is already filled, rejected or cancelled.
	CancelOrder(ctx context.Context, brokerOrderID string) error

	// GetOrderStatus returns the venue-side status of an order.
	GetOrderStatus(ctx context.Context, brokerOrderID string) (types.OrderStatus, error)

	// GetOpenPositions returns all open positions at the venue.
	GetOpenPositions(ctx context.Context) ([]types.BrokerPosition, error)

	// ClosePosition closes a venue position at market and returns the
	// closing execution details.
	ClosePosition(ctx context.Context, brokerPositionID string) (*types.OrderResponse, error)

	// SubscribeExecutions registers a sink for asynchronous execution
	// reports. Reports for one order are delivered in venue order.
	SubscribeExecutions(sink chan<- types.ExecutionReport)
}
