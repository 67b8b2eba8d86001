// Package risk validates signals against the account's hard limits and
// computes the position size actually sent to the venue.
//
// Sizing is conservative in every direction: the adjusted size is the
// smaller of the risk-budget size and the margin-capped size, rounded DOWN
// to 2 decimals, and a size below the venue minimum rejects the signal
// rather than rounding up.
package risk

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"forex-exec/internal/config"
	"forex-exec/pkg/types"
)

// Validation failures. All are fatal for the signal: nothing here is
// retryable, the signal is simply rejected.
var (
	// ErrInvalidSignal covers structural problems: bad prices, bad bracket
	// geometry, unknown direction.
	ErrInvalidSignal = errors.New("invalid signal")

	// ErrRiskExceeded means the signal asks for more risk than the cap.
	ErrRiskExceeded = errors.New("risk per trade exceeded")

	// ErrLeverageExceeded means the requested leverage is out of range.
	ErrLeverageExceeded = errors.New("leverage exceeded")

	// ErrInsufficientMargin means even the adjusted size cannot be margined
	// within the account's usage cap.
	ErrInsufficientMargin = errors.New("insufficient margin")

	// ErrSizeTooSmall means the risk-adjusted size fell below the venue's
	// minimum lot. Rounding up would overshoot the risk budget.
	ErrSizeTooSmall = errors.New("adjusted size below minimum")
)

// Sizing is the validator's output: the size to send and the margin it
// consumes.
type Sizing struct {
	Size     decimal.Decimal
	Margin   decimal.Decimal
	RiskAmt  decimal.Decimal // account currency at risk if the stop is hit
	Adjusted bool            // true when the strategy's tentative size was reduced
}

// Validator checks signals against configured hard limits.
type Validator struct {
	cfg    config.RiskConfig
	logger *slog.Logger
}

func NewValidator(cfg config.RiskConfig, logger *slog.Logger) *Validator {
	return &Validator{cfg: cfg, logger: logger.With("component", "risk")}
}

// Validate verifies the signal and returns the sizing to execute with.
// balance is the current account balance from the broker. When the risk
// cap is the only violated limit, a non-nil Sizing holding the size that
// would fit the cap is returned alongside the error so the caller can
// resubmit within policy. Any other violation offers no adjustment.
func (v *Validator) Validate(sig types.Signal, balance decimal.Decimal) (*Sizing, error) {
	if err := v.checkStructure(sig); err != nil {
		return nil, err
	}
	if !balance.IsPositive() {
		return nil, fmt.Errorf("%w: account balance %s", ErrInsufficientMargin, balance)
	}

	// Hard-cap checks are collected, not short-circuited: the caller sees
	// every violated cap at once.
	var violations []error
	maxRisk := decimal.NewFromFloat(v.cfg.MaxRiskPerTrade)
	overRisk := sig.RiskPercent.GreaterThan(maxRisk)
	if overRisk {
		violations = append(violations, fmt.Errorf("%w: signal wants %s, cap is %s",
			ErrRiskExceeded, sig.RiskPercent, maxRisk))
	}
	if sig.Leverage < 1 || sig.Leverage > v.cfg.MaxLeverage {
		violations = append(violations, fmt.Errorf("%w: %d not in [1, %d]",
			ErrLeverageExceeded, sig.Leverage, v.cfg.MaxLeverage))
	}
	if len(violations) > 0 {
		err := errors.Join(violations...)
		if overRisk && len(violations) == 1 {
			// The adjusted size is only meaningful when every other limit
			// holds: it is computed with the signal's own leverage.
			capped := sig
			capped.RiskPercent = maxRisk
			return v.size(capped, balance), err
		}
		return nil, err
	}

	sizing := v.size(sig, balance)
	if sizing.Size.LessThan(decimal.NewFromFloat(v.cfg.MinPositionSize)) {
		return nil, fmt.Errorf("%w: %s < %.2f lots",
			ErrSizeTooSmall, sizing.Size, v.cfg.MinPositionSize)
	}

	marginCap := balance.Mul(decimal.NewFromFloat(v.cfg.MaxMarginUsage))
	if sizing.Margin.GreaterThan(marginCap) {
		return nil, fmt.Errorf("%w: needs %s, cap %s",
			ErrInsufficientMargin, sizing.Margin.Round(2), marginCap.Round(2))
	}

	if sizing.Adjusted {
		v.logger.Info("position size adjusted",
			"signal", sig.ID,
			"requested", sig.PositionSize,
			"adjusted", sizing.Size,
		)
	}
	return sizing, nil
}

// checkStructure rejects signals whose geometry cannot be executed.
func (v *Validator) checkStructure(sig types.Signal) error {
	if sig.Direction != types.BUY && sig.Direction != types.SELL {
		return fmt.Errorf("%w: direction %q", ErrInvalidSignal, sig.Direction)
	}
	if !sig.EntryPrice.IsPositive() || !sig.StopLoss.IsPositive() || !sig.TakeProfit.IsPositive() {
		return fmt.Errorf("%w: non-positive price levels", ErrInvalidSignal)
	}
	if sig.EntryPrice.Sub(sig.StopLoss).IsZero() {
		return fmt.Errorf("%w: zero stop distance", ErrInvalidSignal)
	}
	if !sig.RiskPercent.IsPositive() {
		return fmt.Errorf("%w: risk percent %s", ErrInvalidSignal, sig.RiskPercent)
	}

	// Bracket geometry: the stop must sit on the losing side of entry and
	// the target on the winning side.
	switch sig.Direction {
	case types.BUY:
		if sig.StopLoss.GreaterThanOrEqual(sig.EntryPrice) {
			return fmt.Errorf("%w: BUY stop %s >= entry %s", ErrInvalidSignal, sig.StopLoss, sig.EntryPrice)
		}
		if sig.TakeProfit.LessThanOrEqual(sig.EntryPrice) {
			return fmt.Errorf("%w: BUY target %s <= entry %s", ErrInvalidSignal, sig.TakeProfit, sig.EntryPrice)
		}
	case types.SELL:
		if sig.StopLoss.LessThanOrEqual(sig.EntryPrice) {
			return fmt.Errorf("%w: SELL stop %s <= entry %s", ErrInvalidSignal, sig.StopLoss, sig.EntryPrice)
		}
		if sig.TakeProfit.GreaterThanOrEqual(sig.EntryPrice) {
			return fmt.Errorf("%w: SELL target %s >= entry %s", ErrInvalidSignal, sig.TakeProfit, sig.EntryPrice)
		}
	}

	// A signal that states its own R:R must agree with its levels to 5%.
	if !sig.RiskReward.IsZero() {
		rr := sig.TakeProfit.Sub(sig.EntryPrice).Abs().Div(sig.EntryPrice.Sub(sig.StopLoss).Abs())
		if sig.RiskReward.Sub(rr).Abs().GreaterThan(rr.Mul(decimal.NewFromFloat(0.05))) {
			return fmt.Errorf("%w: stated R:R %s, levels give %s",
				ErrInvalidSignal, sig.RiskReward, rr.Round(2))
		}
	}
	return nil
}

// size computes the executable size:
//
//	riskSize   = balance * risk% / |entry - stop|
//	marginSize = balance * maxMarginUsage * leverage / entry
//	size       = roundDown2(min(signalSize?, riskSize, marginSize))
//
// The strategy's tentative size only ever shrinks, never grows.
func (v *Validator) size(sig types.Signal, balance decimal.Decimal) *Sizing {
	stopDist := sig.EntryPrice.Sub(sig.StopLoss).Abs()

	riskAmt := balance.Mul(sig.RiskPercent)
	riskSize := riskAmt.Div(stopDist)

	lev := decimal.NewFromInt(int64(sig.Leverage))
	marginSize := balance.
		Mul(decimal.NewFromFloat(v.cfg.MaxMarginUsage)).
		Mul(lev).
		Div(sig.EntryPrice)

	size := decimal.Min(riskSize, marginSize)
	adjusted := false
	if sig.PositionSize.IsPositive() && sig.PositionSize.LessThan(size) {
		size = sig.PositionSize
	} else if sig.PositionSize.IsPositive() && sig.PositionSize.GreaterThan(size) {
		adjusted = true
	}
	size = types.RoundSize(size)

	return &Sizing{
		Size:     size,
		Margin:   size.Mul(sig.EntryPrice).Div(lev),
		RiskAmt:  size.Mul(stopDist),
		Adjusted: adjusted,
	}
}
