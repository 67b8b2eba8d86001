package engine

import (
	"github.com/shopspring/decimal"

	"forex-exec/internal/store"
	"forex-exec/pkg/types"
)

// Stats is the aggregate execution summary served by the admin surface.
type Stats struct {
	TotalTrades  int             `json:"total_trades"`
	OpenTrades   int             `json:"open_trades"`
	ClosedTrades int             `json:"closed_trades"`
	Wins         int             `json:"wins"`
	Losses       int             `json:"losses"`
	WinRate      float64         `json:"win_rate"`
	TotalPnL     decimal.Decimal `json:"total_pnl"`
	AvgSlippage  decimal.Decimal `json:"avg_slippage"`
	PendingRecon int             `json:"pending_reconciliations"`
	Alerts       int             `json:"alerts"`
}

// Stats aggregates over all recorded trades and fills.
func (e *Engine) Stats() Stats {
	s := Stats{TotalPnL: decimal.Zero, AvgSlippage: decimal.Zero}

	for _, t := range e.st.AllTrades() {
		s.TotalTrades++
		switch t.Status {
		case types.TradeClosed:
			s.ClosedTrades++
			// Only trades that actually held a position count toward the
			// win/loss record.
			if t.CloseReason != "" && t.OpenedAt != nil {
				s.TotalPnL = s.TotalPnL.Add(t.RealizedPnL)
				if t.RealizedPnL.IsPositive() {
					s.Wins++
				} else {
					s.Losses++
				}
			}
		case types.TradeOpen:
			s.OpenTrades++
		}
	}
	if decided := s.Wins + s.Losses; decided > 0 {
		s.WinRate = float64(s.Wins) / float64(decided)
	}

	execs := e.st.AllExecutions()
	if len(execs) > 0 {
		sum := decimal.Zero
		for _, x := range execs {
			sum = sum.Add(x.Slippage)
		}
		s.AvgSlippage = sum.Div(decimal.NewFromInt(int64(len(execs)))).Round(types.PriceDecimals)
	}

	s.PendingRecon = len(e.st.PendingReconTasks())
	s.Alerts = len(e.st.Alerts())
	return s
}

// TradeDetail is everything recorded about one trade.
type TradeDetail struct {
	Trade      types.ExecutionTrade   `json:"trade"`
	Orders     []types.ExecutionOrder `json:"orders"`
	Executions []types.Execution      `json:"executions"`
	Position   *types.Position        `json:"position,omitempty"`
	Events     []types.TradeEvent     `json:"events"`
	Audits     []store.StageAudit     `json:"audits"`
}

// TradeDetail assembles the full record for get_execution_status.
func (e *Engine) TradeDetail(tradeID string) (*TradeDetail, error) {
	trade, err := e.st.GetTrade(tradeID)
	if err != nil {
		return nil, err
	}

	detail := &TradeDetail{
		Trade:  trade,
		Orders: e.st.OrdersByTrade(tradeID),
		Events: e.st.Events(tradeID),
		Audits: e.st.Audits(tradeID),
	}
	for _, o := range detail.Orders {
		detail.Executions = append(detail.Executions, e.st.ExecutionsByOrder(o.ID)...)
	}
	if pos, err := e.st.GetPositionByTrade(tradeID); err == nil {
		detail.Position = &pos
	}
	return detail, nil
}

// OpenPositions lists all open positions for the admin surface.
func (e *Engine) OpenPositions() []types.Position { return e.st.OpenPositions() }

// Alerts lists recorded operator alerts.
func (e *Engine) Alerts() []store.Alert { return e.st.Alerts() }
