// rest.go is the generic REST venue adapter: a signed HTTP API for order
// entry and account state, plus a WebSocket stream for execution reports.
// Requests are HMAC-SHA256 signed over timestamp|method|path|body.
//
// Retrying is NOT done here. The failure package owns retry budgets; the
// adapter maps HTTP failures onto the sentinel errors it classifies.
package broker

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"forex-exec/internal/config"
	"forex-exec/pkg/types"
)

// restRequestsPerSec is the client-side throttle, kept under typical venue
// quotas so we hit our own limiter before their 429s.
const (
	restRequestsPerSec = 10
	restBurst          = 20
)

// RESTAdapter talks to a generic REST execution venue.
type RESTAdapter struct {
	cfg     config.BrokerConfig
	client  *resty.Client
	limiter *rateLimiter
	stream  *execStream
	logger  *slog.Logger

	mu        sync.Mutex
	connected bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewRESTAdapter builds the adapter. No network activity until Connect.
func NewRESTAdapter(cfg config.BrokerConfig, logger *slog.Logger) *RESTAdapter {
	log := logger.With("component", "rest_broker")

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.CallTimeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-API-Key", cfg.APIKey)

	a := &RESTAdapter{
		cfg:     cfg,
		client:  client,
		limiter: newRateLimiter(restRequestsPerSec, restBurst),
		logger:  log,
	}

	client.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		a.sign(req)
		return nil
	})

	a.stream = newExecStream(cfg.StreamURL, map[string]string{
		"X-API-Key": cfg.APIKey,
	}, log)
	return a
}

// Name returns "rest".
func (a *RESTAdapter) Name() string { return "rest" }

// sign adds the HMAC-SHA256 request signature headers.
func (a *RESTAdapter) sign(req *resty.Request) {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	body := ""
	switch b := req.Body.(type) {
	case nil:
	case string:
		body = b
	default:
		// Sign the same bytes resty will send.
		if raw, err := json.Marshal(b); err == nil {
			body = string(raw)
		}
	}
	payload := ts + "|" + req.Method + "|" + req.URL + "|" + body

	mac := hmac.New(sha256.New, []byte(a.cfg.APISecret))
	mac.Write([]byte(payload))

	req.SetHeader("X-Timestamp", ts)
	req.SetHeader("X-Signature", hex.EncodeToString(mac.Sum(nil)))
}

// Connect validates credentials with an account call, then starts the
// execution stream. Idempotent.
func (a *RESTAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.connected {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	// Credential check before declaring the session up.
	if _, err := a.fetchAccount(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.connected = true
	a.cancel = cancel
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.stream.run(streamCtx)
	}()

	a.logger.Info("rest session established", "base_url", a.cfg.BaseURL)
	return nil
}

// Disconnect stops the stream. Safe to call on any path.
func (a *RESTAdapter) Disconnect(_ context.Context) error {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return nil
	}
	a.connected = false
	cancel := a.cancel
	a.mu.Unlock()

	cancel()
	a.wg.Wait()
	a.stream.close()
	a.logger.Info("rest session closed")
	return nil
}

// SubscribeExecutions registers a sink on the execution stream.
func (a *RESTAdapter) SubscribeExecutions(sink chan<- types.ExecutionReport) {
	a.stream.subscribe(sink)
}

func (a *RESTAdapter) isConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// mapStatus converts an HTTP status into the adapter's sentinel errors.
// notFound selects which not-found sentinel applies to the endpoint.
func mapStatus(resp *resty.Response, notFound error) error {
	code := resp.StatusCode()
	switch {
	case code < 300:
		return nil
	case code == 401 || code == 403:
		return fmt.Errorf("%w: http %d", ErrAuthentication, code)
	case code == 404:
		return notFound
	case code == 409:
		return ErrOrderTerminal
	case code == 429:
		return fmt.Errorf("%w: http 429", ErrRateLimited)
	case code >= 500:
		return fmt.Errorf("%w: http %d: %s", ErrVenue, code, resp.String())
	default:
		return fmt.Errorf("unexpected http %d: %s", code, resp.String())
	}
}

func (a *RESTAdapter) fetchAccount(ctx context.Context) (*types.AccountInfo, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var acct types.AccountInfo
	resp, err := a.client.R().
		SetContext(ctx).
		SetResult(&acct).
		Get("/v1/accounts/" + a.cfg.AccountID)
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	if err := mapStatus(resp, ErrAuthentication); err != nil {
		return nil, err
	}
	return &acct, nil
}

// ValidateAccount returns the venue account snapshot.
func (a *RESTAdapter) ValidateAccount(ctx context.Context) (*types.AccountInfo, error) {
	if !a.isConnected() {
		return nil, ErrNotConnected
	}
	return a.fetchAccount(ctx)
}

// PlaceOrder submits an order. A 422 from the venue is an order rejection,
// reported via the response status rather than an error.
func (a *RESTAdapter) PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.OrderResponse, error) {
	if !a.isConnected() {
		return nil, ErrNotConnected
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var out types.OrderResponse
	resp, err := a.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post("/v1/orders")
	if err != nil {
		return nil, fmt.Errorf("place order: %w", err)
	}
	if resp.StatusCode() == 422 {
		// Venue rejected the order itself; the session is fine. resty only
		// decodes 2xx bodies, so pull the rejection payload by hand.
		_ = json.Unmarshal(resp.Body(), &out)
		out.Status = types.OrderRejected
		if out.Reason == "" {
			out.Reason = resp.String()
		}
		return &out, nil
	}
	if err := mapStatus(resp, ErrOrderNotFound); err != nil {
		return nil, err
	}

	a.logger.Info("order placed",
		"broker_order_id", out.BrokerOrderID,
		"side", req.Side,
		"size", req.Size,
		"type", req.Type,
	)
	return &out, nil
}

// CancelOrder cancels a working order.
func (a *RESTAdapter) CancelOrder(ctx context.Context, brokerOrderID string) error {
	if !a.isConnected() {
		return ErrNotConnected
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}

	resp, err := a.client.R().
		SetContext(ctx).
		Delete("/v1/orders/" + brokerOrderID)
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	return mapStatus(resp, ErrOrderNotFound)
}

// GetOrderStatus returns the venue-side order status.
func (a *RESTAdapter) GetOrderStatus(ctx context.Context, brokerOrderID string) (types.OrderStatus, error) {
	if !a.isConnected() {
		return "", ErrNotConnected
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return "", err
	}

	var out struct {
		Status types.OrderStatus `json:"status"`
	}
	resp, err := a.client.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/v1/orders/" + brokerOrderID)
	if err != nil {
		return "", fmt.Errorf("get order status: %w", err)
	}
	if err := mapStatus(resp, ErrOrderNotFound); err != nil {
		return "", err
	}
	return out.Status, nil
}

// GetOpenPositions returns all open venue positions.
func (a *RESTAdapter) GetOpenPositions(ctx context.Context) ([]types.BrokerPosition, error) {
	if !a.isConnected() {
		return nil, ErrNotConnected
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var out []types.BrokerPosition
	resp, err := a.client.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/v1/positions")
	if err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}
	if err := mapStatus(resp, ErrPositionNotFound); err != nil {
		return nil, err
	}
	return out, nil
}

// ClosePosition closes a venue position at market.
func (a *RESTAdapter) ClosePosition(ctx context.Context, brokerPositionID string) (*types.OrderResponse, error) {
	if !a.isConnected() {
		return nil, ErrNotConnected
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var out types.OrderResponse
	resp, err := a.client.R().
		SetContext(ctx).
		SetResult(&out).
		Post("/v1/positions/" + brokerPositionID + "/close")
	if err != nil {
		return nil, fmt.Errorf("close position: %w", err)
	}
	if err := mapStatus(resp, ErrPositionNotFound); err != nil {
		return nil, err
	}
	return &out, nil
}
