package failure

import (
	"log/slog"
	"sync"

	"github.com/sony/gobreaker"

	"forex-exec/internal/config"
)

// Breakers is a registry of per-endpoint circuit breakers. Each broker
// endpoint (place_order, cancel_order, close_position, ...) trips
// independently: a broken order-entry path must not block position closes.
type Breakers struct {
	cfg    config.BreakerConfig
	logger *slog.Logger

	// onRecover, when set, runs after a breaker returns to closed. The
	// engine hooks its state consistency check here.
	onRecover func(name string)

	mu sync.Mutex
	m  map[string]*gobreaker.CircuitBreaker
}

func NewBreakers(cfg config.BreakerConfig, logger *slog.Logger) *Breakers {
	return &Breakers{
		cfg:    cfg,
		logger: logger.With("component", "breaker"),
		m:      make(map[string]*gobreaker.CircuitBreaker),
	}
}

// OnRecover registers the post-recovery hook. Must be called before the
// first Execute.
func (b *Breakers) OnRecover(fn func(name string)) { b.onRecover = fn }

func (b *Breakers) get(name string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.m[name]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(b.cfg.HalfOpenMaxRequests),
		Timeout:     b.cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(b.cfg.FailureThreshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn("breaker state change", "endpoint", name, "from", from, "to", to)
			if to == gobreaker.StateClosed && from == gobreaker.StateHalfOpen && b.onRecover != nil {
				b.onRecover(name)
			}
		},
	})
	b.m[name] = cb
	return cb
}

// Execute runs fn through the named endpoint's breaker. An open breaker
// fails fast with gobreaker.ErrOpenState, which classifies as TRANSIENT.
func (b *Breakers) Execute(name string, fn func() error) error {
	_, err := b.get(name).Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

// State returns the current state of an endpoint's breaker for the admin
// surface.
func (b *Breakers) State(name string) gobreaker.State {
	return b.get(name).State()
}
