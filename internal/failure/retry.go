package failure

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"forex-exec/internal/config"
)

// Retryer runs operations under per-category retry budgets with jittered
// exponential backoff. The category is re-classified on every failure, so
// an operation that times out twice and then hits a rate limit switches to
// the rate-limit budget mid-flight.
type Retryer struct {
	cfg    config.RetryConfig
	logger *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

func NewRetryer(cfg config.RetryConfig, logger *slog.Logger) *Retryer {
	return &Retryer{
		cfg:    cfg,
		logger: logger.With("component", "retry"),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// budget returns (max attempts, base delay) for a kind.
func (r *Retryer) budget(k Kind) (int, time.Duration) {
	switch k {
	case KindRateLimit:
		return r.cfg.RateLimitMaxAttempts, r.cfg.RateLimitBaseDelay
	case KindTimeout:
		return r.cfg.TimeoutMaxAttempts, r.cfg.TimeoutBaseDelay
	case KindTransient, KindNetwork:
		return r.cfg.TransientMaxAttempts, r.cfg.TransientBaseDelay
	default:
		return r.cfg.SystemMaxAttempts, r.cfg.SystemBaseDelay
	}
}

// backoff computes the delay before attempt n (1-based): base * 2^(n-1)
// with +-25% jitter so synchronized retries don't stampede the venue.
func (r *Retryer) backoff(base time.Duration, attempt int) time.Duration {
	d := base << uint(attempt-1)
	r.mu.Lock()
	jitter := 0.75 + 0.5*r.rng.Float64()
	r.mu.Unlock()
	return time.Duration(float64(d) * jitter)
}

// Do runs fn until it succeeds, its category's budget is exhausted, the
// error is non-retryable, or the context is done. The returned error is
// always the last error from fn, wrapped when the budget ran out.
func (r *Retryer) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempt := 0
	for {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}

		kind := Classify(err)
		if !kind.Retryable() {
			return err
		}
		maxAttempts, base := r.budget(kind)
		if attempt >= maxAttempts {
			return fmt.Errorf("%s: %s budget exhausted after %d attempts: %w", op, kind, attempt, err)
		}

		delay := r.backoff(base, attempt)
		r.logger.Warn("operation failed, retrying",
			"op", op,
			"kind", kind,
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"delay", delay,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w (last error: %v)", op, ctx.Err(), err)
		case <-time.After(delay):
		}
	}
}
