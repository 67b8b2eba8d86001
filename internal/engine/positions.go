package engine

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"forex-exec/internal/store"
	"forex-exec/pkg/types"
)

// positionManager owns the position table: one open position per trade,
// size-weighted average entry, P&L arithmetic.
type positionManager struct {
	st     *store.Store
	logger *slog.Logger
}

func newPositionManager(st *store.Store, logger *slog.Logger) *positionManager {
	return &positionManager{st: st, logger: logger.With("component", "positions")}
}

// Open creates the position for a filled entry. avgEntry and size come
// from the accumulated fills, not from the signal.
func (pm *positionManager) Open(trade types.ExecutionTrade, avgEntry, size decimal.Decimal,
	brokerPositionID string) (types.Position, error) {

	lev := decimal.NewFromInt(int64(trade.Leverage))
	pos := types.Position{
		ID:               uuid.NewString(),
		TradeID:          trade.ID,
		BrokerPositionID: brokerPositionID,
		Symbol:           trade.Symbol,
		Side:             trade.Side,
		Size:             size,
		AvgEntry:         avgEntry,
		StopLoss:         trade.StopLoss,
		TakeProfit:       trade.TakeProfit,
		MarginUsed:       size.Mul(avgEntry).Div(lev),
		Leverage:         trade.Leverage,
		OpenedAt:         time.Now(),
	}
	err := pm.st.Update(func(tx *store.Tx) error {
		return tx.InsertPosition(pos)
	})
	if err != nil {
		return types.Position{}, err
	}

	pm.logger.Info("position opened",
		"trade", trade.ID,
		"side", pos.Side,
		"size", pos.Size,
		"avg_entry", pos.AvgEntry,
	)
	return pos, nil
}

// ApplyFill folds a late entry fill into an already-open position,
// size-weighting the average entry.
func (pm *positionManager) ApplyFill(tradeID string, price, size decimal.Decimal) error {
	return pm.st.Update(func(tx *store.Tx) error {
		pos, err := tx.GetPositionByTrade(tradeID)
		if err != nil {
			return err
		}
		total := pos.Size.Add(size)
		pos.AvgEntry = types.RoundPrice(
			pos.AvgEntry.Mul(pos.Size).Add(price.Mul(size)).Div(total))
		pos.Size = total
		pos.MarginUsed = total.Mul(pos.AvgEntry).Div(decimal.NewFromInt(int64(pos.Leverage)))
		return tx.UpdatePosition(pos)
	})
}

// closeInTx stamps the position closed inside an existing transaction and
// returns the realized P&L. The caller owns the surrounding atomicity.
func closePositionInTx(tx *store.Tx, tradeID string, closePrice decimal.Decimal, at time.Time) (decimal.Decimal, error) {
	pos, err := tx.GetPositionByTrade(tradeID)
	if err != nil {
		return decimal.Zero, err
	}
	pos.ClosedAt = &at
	if err := tx.UpdatePosition(pos); err != nil {
		return decimal.Zero, err
	}
	return realizedPnL(pos, closePrice), nil
}

// realizedPnL is (close - entry) * size * sign, in account currency,
// rounded to cents.
func realizedPnL(pos types.Position, closePrice decimal.Decimal) decimal.Decimal {
	return closePrice.Sub(pos.AvgEntry).Mul(pos.Size).Mul(pos.Side.Sign()).Round(2)
}

// UnrealizedPnL marks an open position against a price.
func UnrealizedPnL(pos types.Position, mark decimal.Decimal) decimal.Decimal {
	return realizedPnL(pos, mark)
}
