// Package failure turns errors into decisions: what kind of failure this
// is, whether to retry it, how long to wait, and when to stop calling a
// broken endpoint altogether.
package failure

import (
	"context"
	"errors"
	"net"
	"os"

	"github.com/sony/gobreaker"

	"forex-exec/internal/broker"
	"forex-exec/internal/lifecycle"
	"forex-exec/internal/risk"
	"forex-exec/internal/store"
)

// Kind is the retry category of an error.
type Kind string

const (
	// KindValidation: the input is wrong. Never retried.
	KindValidation Kind = "VALIDATION"
	// KindAuth: credentials are wrong. Never retried; retrying locks accounts.
	KindAuth Kind = "AUTHENTICATION"
	// KindRejected: the venue permanently rejected the order. Never retried.
	KindRejected Kind = "REJECTED"
	// KindRateLimit: the venue throttled us. Retried on a long, patient budget.
	KindRateLimit Kind = "RATE_LIMIT"
	// KindNetwork: the connection itself is down or the breaker is holding
	// it shut. Retried on the transient budget while the breaker recovers.
	KindNetwork Kind = "NETWORK"
	// KindTimeout: a deadline elapsed. Retried a few times, quickly.
	KindTimeout Kind = "TIMEOUT"
	// KindDataValidation: incoming data referenced state we do not hold.
	// Skipped with an alert, never retried.
	KindDataValidation Kind = "DATA_VALIDATION"
	// KindTransient: venue-side failure expected to clear on its own.
	KindTransient Kind = "TRANSIENT"
	// KindSystem: our own invariants broke. Retried once, then surfaced.
	KindSystem Kind = "SYSTEM"
)

// Retryable reports whether the kind has a retry budget at all.
func (k Kind) Retryable() bool {
	switch k {
	case KindValidation, KindAuth, KindRejected, KindDataValidation:
		return false
	}
	return true
}

// Classify maps an error onto its retry category. Unknown errors land in
// KindSystem: the conservative budget, not the patient one.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return ""

	case errors.Is(err, risk.ErrInvalidSignal),
		errors.Is(err, risk.ErrRiskExceeded),
		errors.Is(err, risk.ErrLeverageExceeded),
		errors.Is(err, risk.ErrInsufficientMargin),
		errors.Is(err, risk.ErrSizeTooSmall):
		return KindValidation

	case errors.Is(err, broker.ErrAuthentication):
		return KindAuth

	case errors.Is(err, broker.ErrOrderRejected):
		return KindRejected

	case errors.Is(err, broker.ErrRateLimited):
		return KindRateLimit

	case errors.Is(err, context.DeadlineExceeded), os.IsTimeout(err):
		return KindTimeout

	case errors.Is(err, broker.ErrNotConnected),
		errors.Is(err, gobreaker.ErrOpenState),
		errors.Is(err, gobreaker.ErrTooManyRequests):
		return KindNetwork

	case errors.Is(err, broker.ErrVenue):
		return KindTransient

	case errors.Is(err, store.ErrNotFound):
		return KindDataValidation

	case errors.Is(err, lifecycle.ErrInvalidTransition),
		errors.Is(err, store.ErrMissingTrade),
		errors.Is(err, store.ErrMissingOrder),
		errors.Is(err, store.ErrDuplicatePosition):
		return KindSystem
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}
	return KindSystem
}
