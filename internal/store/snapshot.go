package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"forex-exec/pkg/types"
)

const snapshotFile = "state.json"

// snapshot is the on-disk representation of the full store.
type snapshot struct {
	Signals    map[string]string             `json:"signals"`
	Trades     []types.ExecutionTrade        `json:"trades"`
	Orders     []types.ExecutionOrder        `json:"orders"`
	Executions []types.Execution             `json:"executions"`
	Positions  []types.Position              `json:"positions"`
	Events     map[string][]types.TradeEvent `json:"events"`
	Audits     map[string][]StageAudit       `json:"audits"`
	Recon      []ReconciliationTask          `json:"recon_tasks"`
	Alerts     []Alert                       `json:"alerts"`
}

// Save writes the full state snapshot. Write-then-rename so a crash mid
// write never leaves a truncated snapshot behind.
func (s *Store) Save() error {
	if s.dataDir == "" {
		return nil
	}
	if err := os.MkdirAll(s.dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	s.mu.RLock()
	snap := snapshot{
		Signals: s.signals,
		Events:  s.events,
		Audits:  s.audits,
		Recon:   s.recon,
		Alerts:  s.alerts,
	}
	for _, t := range s.trades {
		snap.Trades = append(snap.Trades, *t)
	}
	for _, o := range s.orders {
		snap.Orders = append(snap.Orders, *o)
	}
	for _, e := range s.execs {
		snap.Executions = append(snap.Executions, *e)
	}
	for _, p := range s.positions {
		snap.Positions = append(snap.Positions, *p)
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	path := filepath.Join(s.dataDir, snapshotFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}
	s.logger.Debug("snapshot saved", "trades", len(snap.Trades))
	return nil
}

// Load restores state from the snapshot file. A missing file is a clean
// start, not an error.
func (s *Store) Load() error {
	if s.dataDir == "" {
		return nil
	}
	data, err := os.ReadFile(filepath.Join(s.dataDir, snapshotFile))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("unmarshal snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.Signals != nil {
		s.signals = snap.Signals
	}
	if snap.Events != nil {
		s.events = snap.Events
	}
	if snap.Audits != nil {
		s.audits = snap.Audits
	}
	s.recon = snap.Recon
	s.alerts = snap.Alerts
	for i := range snap.Trades {
		t := snap.Trades[i]
		s.trades[t.ID] = &t
	}
	for i := range snap.Orders {
		o := snap.Orders[i]
		s.orders[o.ID] = &o
		s.ordersByTr[o.TradeID] = append(s.ordersByTr[o.TradeID], o.ID)
		if o.BrokerOrderID != "" {
			s.ordersByBk[o.BrokerOrderID] = o.ID
		}
	}
	for i := range snap.Executions {
		e := snap.Executions[i]
		s.execs[e.ID] = &e
		s.execsByOrd[e.OrderID] = append(s.execsByOrd[e.OrderID], e.ID)
	}
	for i := range snap.Positions {
		p := snap.Positions[i]
		s.positions[p.ID] = &p
		if p.Open() {
			s.posByTrade[p.TradeID] = p.ID
		}
	}

	s.logger.Info("snapshot restored",
		"trades", len(snap.Trades),
		"open_positions", len(s.posByTrade),
		"pending_recon", len(s.recon),
	)
	return nil
}
