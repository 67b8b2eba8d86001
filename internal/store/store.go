// Package store is the engine's state layer: in-memory tables for trades,
// orders, executions, positions and the append-only event log, with JSON
// snapshots for restart recovery.
//
// Integrity rules are enforced at insert time, not audited after the fact:
//
//   - an order can only be inserted for an existing trade,
//   - an execution only for an existing order,
//   - a position only for an existing trade, at most one open per trade,
//   - events only for an existing trade, with per-trade monotonic
//     non-decreasing timestamps,
//   - execution inserts are idempotent on execution id.
//
// All writes go through Update, which applies the whole mutation set
// atomically: a failed transaction leaves no partial state behind.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"forex-exec/pkg/types"
)

// Integrity violations.
var (
	ErrNotFound          = errors.New("not found")
	ErrTradeExists       = errors.New("trade already exists")
	ErrMissingTrade      = errors.New("referenced trade does not exist")
	ErrMissingOrder      = errors.New("referenced order does not exist")
	ErrDuplicatePosition = errors.New("trade already has an open position")
)

// ReconciliationTask records a known divergence between local state and the
// venue, produced when a close succeeded at the broker but the local commit
// failed. A worker retries these until resolved.
type ReconciliationTask struct {
	ID        string    `json:"id"`
	TradeID   string    `json:"trade_id"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
	Resolved  bool      `json:"resolved"`
}

// AlertSeverity ranks operator alerts.
type AlertSeverity string

const (
	AlertHigh   AlertSeverity = "HIGH"
	AlertMedium AlertSeverity = "MEDIUM"
)

// Alert is an operator-facing notification persisted for the admin surface.
type Alert struct {
	ID        string        `json:"id"`
	Severity  AlertSeverity `json:"severity"`
	TradeID   string        `json:"trade_id,omitempty"`
	Message   string        `json:"message"`
	CreatedAt time.Time     `json:"created_at"`
}

// StageAudit records the outcome of one orchestration stage. Stages that
// run before a trade row exists (account snapshot, risk validation) carry
// only the signal id.
type StageAudit struct {
	TradeID  string    `json:"trade_id,omitempty"`
	SignalID string    `json:"signal_id,omitempty"`
	Stage    string    `json:"stage"`
	OK       bool      `json:"ok"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}

// Store holds all engine state behind one RWMutex.
type Store struct {
	mu      sync.RWMutex
	logger  *slog.Logger
	dataDir string

	signals    map[string]string // signal id -> trade id (idempotency map)
	trades     map[string]*types.ExecutionTrade
	orders     map[string]*types.ExecutionOrder
	ordersByTr map[string][]string
	ordersByBk map[string]string // broker order id -> order id
	execs      map[string]*types.Execution
	execsByOrd map[string][]string
	positions  map[string]*types.Position
	posByTrade map[string]string
	events     map[string][]types.TradeEvent
	audits     map[string][]StageAudit
	recon      []ReconciliationTask
	alerts     []Alert
}

// New creates an empty store. dataDir may be "" to disable snapshots.
func New(dataDir string, logger *slog.Logger) *Store {
	return &Store{
		logger:     logger.With("component", "store"),
		dataDir:    dataDir,
		signals:    make(map[string]string),
		trades:     make(map[string]*types.ExecutionTrade),
		orders:     make(map[string]*types.ExecutionOrder),
		ordersByTr: make(map[string][]string),
		ordersByBk: make(map[string]string),
		execs:      make(map[string]*types.Execution),
		execsByOrd: make(map[string][]string),
		positions:  make(map[string]*types.Position),
		posByTrade: make(map[string]string),
		events:     make(map[string][]types.TradeEvent),
		audits:     make(map[string][]StageAudit),
	}
}

// ————————————————————————————————————————————————————————————————————————
// Transactions
// ————————————————————————————————————————————————————————————————————————

// Tx stages a set of writes against the store. Reads inside the
// transaction see staged writes; nothing touches the base tables until the
// transaction function returns nil.
type Tx struct {
	s *Store

	trades    map[string]*types.ExecutionTrade
	orders    map[string]*types.ExecutionOrder
	execs     map[string]*types.Execution
	positions map[string]*types.Position
	signals   map[string]string
	events    map[string][]types.TradeEvent
	audits    []StageAudit
	recon     []ReconciliationTask
	alerts    []Alert
}

// Update runs fn inside a write transaction. If fn returns an error the
// staged writes are discarded and the error is returned; otherwise all
// writes are applied atomically.
func (s *Store) Update(fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &Tx{
		s:         s,
		trades:    make(map[string]*types.ExecutionTrade),
		orders:    make(map[string]*types.ExecutionOrder),
		execs:     make(map[string]*types.Execution),
		positions: make(map[string]*types.Position),
		signals:   make(map[string]string),
		events:    make(map[string][]types.TradeEvent),
	}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (tx *Tx) commit() {
	s := tx.s
	for id, t := range tx.trades {
		s.trades[id] = t
	}
	for id, o := range tx.orders {
		if _, existed := s.orders[id]; !existed {
			s.ordersByTr[o.TradeID] = append(s.ordersByTr[o.TradeID], id)
		}
		if o.BrokerOrderID != "" {
			s.ordersByBk[o.BrokerOrderID] = id
		}
		s.orders[id] = o
	}
	for id, e := range tx.execs {
		if _, existed := s.execs[id]; !existed {
			s.execsByOrd[e.OrderID] = append(s.execsByOrd[e.OrderID], id)
		}
		s.execs[id] = e
	}
	for id, p := range tx.positions {
		s.positions[id] = p
		if p.Open() {
			s.posByTrade[p.TradeID] = id
		} else {
			delete(s.posByTrade, p.TradeID)
		}
	}
	for sigID, tradeID := range tx.signals {
		s.signals[sigID] = tradeID
	}
	for tradeID, evs := range tx.events {
		s.events[tradeID] = append(s.events[tradeID], evs...)
	}
	for _, a := range tx.audits {
		key := a.TradeID
		if key == "" {
			key = a.SignalID
		}
		s.audits[key] = append(s.audits[key], a)
	}
	s.recon = append(s.recon, tx.recon...)
	s.alerts = append(s.alerts, tx.alerts...)
}

// tradeExists checks staged then base.
func (tx *Tx) tradeExists(id string) bool {
	if _, ok := tx.trades[id]; ok {
		return true
	}
	_, ok := tx.s.trades[id]
	return ok
}

func (tx *Tx) orderLookup(id string) (*types.ExecutionOrder, bool) {
	if o, ok := tx.orders[id]; ok {
		return o, true
	}
	o, ok := tx.s.orders[id]
	return o, ok
}

// InsertTrade adds a new trade row.
func (tx *Tx) InsertTrade(t types.ExecutionTrade) error {
	if tx.tradeExists(t.ID) {
		return fmt.Errorf("%w: %s", ErrTradeExists, t.ID)
	}
	tx.trades[t.ID] = &t
	return nil
}

// UpdateTrade replaces an existing trade row.
func (tx *Tx) UpdateTrade(t types.ExecutionTrade) error {
	if !tx.tradeExists(t.ID) {
		return fmt.Errorf("%w: trade %s", ErrNotFound, t.ID)
	}
	tx.trades[t.ID] = &t
	return nil
}

// GetTrade reads a trade, staged writes first.
func (tx *Tx) GetTrade(id string) (types.ExecutionTrade, error) {
	if t, ok := tx.trades[id]; ok {
		return *t, nil
	}
	if t, ok := tx.s.trades[id]; ok {
		return *t, nil
	}
	return types.ExecutionTrade{}, fmt.Errorf("%w: trade %s", ErrNotFound, id)
}

// InsertOrder adds an order. The owning trade must already exist: orphan
// order rows are rejected at insert, not cleaned up later.
func (tx *Tx) InsertOrder(o types.ExecutionOrder) error {
	if !tx.tradeExists(o.TradeID) {
		return fmt.Errorf("%w: order %s -> trade %s", ErrMissingTrade, o.ID, o.TradeID)
	}
	tx.orders[o.ID] = &o
	return nil
}

// UpdateOrder replaces an existing order row.
func (tx *Tx) UpdateOrder(o types.ExecutionOrder) error {
	if _, ok := tx.orderLookup(o.ID); !ok {
		return fmt.Errorf("%w: order %s", ErrNotFound, o.ID)
	}
	tx.orders[o.ID] = &o
	return nil
}

// GetOrder reads an order, staged writes first.
func (tx *Tx) GetOrder(id string) (types.ExecutionOrder, error) {
	if o, ok := tx.orderLookup(id); ok {
		return *o, nil
	}
	return types.ExecutionOrder{}, fmt.Errorf("%w: order %s", ErrNotFound, id)
}

// InsertExecution records a fill. Idempotent on execution id: a duplicate
// report is a no-op and returns false. The owning order must exist.
func (tx *Tx) InsertExecution(e types.Execution) (bool, error) {
	if _, ok := tx.execs[e.ID]; ok {
		return false, nil
	}
	if _, ok := tx.s.execs[e.ID]; ok {
		return false, nil
	}
	if _, ok := tx.orderLookup(e.OrderID); !ok {
		return false, fmt.Errorf("%w: execution %s -> order %s", ErrMissingOrder, e.ID, e.OrderID)
	}
	tx.execs[e.ID] = &e
	return true, nil
}

// InsertPosition opens a position for a trade. At most one open position
// per trade.
func (tx *Tx) InsertPosition(p types.Position) error {
	if !tx.tradeExists(p.TradeID) {
		return fmt.Errorf("%w: position %s -> trade %s", ErrMissingTrade, p.ID, p.TradeID)
	}
	for _, staged := range tx.positions {
		if staged.TradeID == p.TradeID && staged.Open() {
			return fmt.Errorf("%w: trade %s", ErrDuplicatePosition, p.TradeID)
		}
	}
	if _, ok := tx.s.posByTrade[p.TradeID]; ok {
		return fmt.Errorf("%w: trade %s", ErrDuplicatePosition, p.TradeID)
	}
	tx.positions[p.ID] = &p
	return nil
}

// UpdatePosition replaces an existing position row.
func (tx *Tx) UpdatePosition(p types.Position) error {
	if _, ok := tx.positions[p.ID]; !ok {
		if _, ok := tx.s.positions[p.ID]; !ok {
			return fmt.Errorf("%w: position %s", ErrNotFound, p.ID)
		}
	}
	tx.positions[p.ID] = &p
	return nil
}

// GetPositionByTrade reads the open position for a trade.
func (tx *Tx) GetPositionByTrade(tradeID string) (types.Position, error) {
	for _, p := range tx.positions {
		if p.TradeID == tradeID && p.Open() {
			return *p, nil
		}
	}
	if id, ok := tx.s.posByTrade[tradeID]; ok {
		if p, staged := tx.positions[id]; staged {
			return *p, nil
		}
		return *tx.s.positions[id], nil
	}
	return types.Position{}, fmt.Errorf("%w: open position for trade %s", ErrNotFound, tradeID)
}

// AppendEvent appends to a trade's event log. Timestamps within a trade
// are forced monotonic non-decreasing: an event stamped earlier than the
// log head is clamped to the head's timestamp.
func (tx *Tx) AppendEvent(ev types.TradeEvent) error {
	if !tx.tradeExists(ev.TradeID) {
		return fmt.Errorf("%w: event -> trade %s", ErrMissingTrade, ev.TradeID)
	}

	var last time.Time
	if base := tx.s.events[ev.TradeID]; len(base) > 0 {
		last = base[len(base)-1].CreatedAt
	}
	if staged := tx.events[ev.TradeID]; len(staged) > 0 {
		last = staged[len(staged)-1].CreatedAt
	}
	if ev.CreatedAt.Before(last) {
		ev.CreatedAt = last
	}
	tx.events[ev.TradeID] = append(tx.events[ev.TradeID], ev)
	return nil
}

// BindSignal records the signal -> trade idempotency mapping.
func (tx *Tx) BindSignal(signalID, tradeID string) {
	tx.signals[signalID] = tradeID
}

// SignalBound reports the trade already bound to a signal, staged writes
// first. Used to make trade creation single-flight per signal.
func (tx *Tx) SignalBound(signalID string) (string, bool) {
	if id, ok := tx.signals[signalID]; ok {
		return id, true
	}
	id, ok := tx.s.signals[signalID]
	return id, ok
}

// AddAudit records a stage audit row.
func (tx *Tx) AddAudit(a StageAudit) { tx.audits = append(tx.audits, a) }

// AddReconTask queues a reconciliation task.
func (tx *Tx) AddReconTask(task ReconciliationTask) { tx.recon = append(tx.recon, task) }

// AddAlert records an operator alert.
func (tx *Tx) AddAlert(a Alert) { tx.alerts = append(tx.alerts, a) }

// ————————————————————————————————————————————————————————————————————————
// Reads (outside transactions)
// ————————————————————————————————————————————————————————————————————————

// GetTrade returns a trade by id.
func (s *Store) GetTrade(id string) (types.ExecutionTrade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.trades[id]; ok {
		return *t, nil
	}
	return types.ExecutionTrade{}, fmt.Errorf("%w: trade %s", ErrNotFound, id)
}

// TradeBySignal returns the trade id already bound to a signal, if any.
func (s *Store) TradeBySignal(signalID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.signals[signalID]
	return id, ok
}

// GetOrder returns an order by id.
func (s *Store) GetOrder(id string) (types.ExecutionOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if o, ok := s.orders[id]; ok {
		return *o, nil
	}
	return types.ExecutionOrder{}, fmt.Errorf("%w: order %s", ErrNotFound, id)
}

// GetOrderByBrokerID resolves an order from the venue's order id. This is
// how execution reports are routed back to their trade.
func (s *Store) GetOrderByBrokerID(brokerOrderID string) (types.ExecutionOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id, ok := s.ordersByBk[brokerOrderID]; ok {
		return *s.orders[id], nil
	}
	return types.ExecutionOrder{}, fmt.Errorf("%w: broker order %s", ErrNotFound, brokerOrderID)
}

// OrdersByTrade returns all orders spawned by a trade.
func (s *Store) OrdersByTrade(tradeID string) []types.ExecutionOrder {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.ordersByTr[tradeID]
	out := make([]types.ExecutionOrder, 0, len(ids))
	for _, id := range ids {
		out = append(out, *s.orders[id])
	}
	return out
}

// ExecutionsByOrder returns the fills recorded against an order.
func (s *Store) ExecutionsByOrder(orderID string) []types.Execution {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.execsByOrd[orderID]
	out := make([]types.Execution, 0, len(ids))
	for _, id := range ids {
		out = append(out, *s.execs[id])
	}
	return out
}

// AllExecutions returns every recorded fill.
func (s *Store) AllExecutions() []types.Execution {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Execution, 0, len(s.execs))
	for _, e := range s.execs {
		out = append(out, *e)
	}
	return out
}

// GetPositionByTrade returns the open position for a trade.
func (s *Store) GetPositionByTrade(tradeID string) (types.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id, ok := s.posByTrade[tradeID]; ok {
		return *s.positions[id], nil
	}
	return types.Position{}, fmt.Errorf("%w: open position for trade %s", ErrNotFound, tradeID)
}

// OpenPositions returns every open position.
func (s *Store) OpenPositions() []types.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Position, 0, len(s.posByTrade))
	for _, id := range s.posByTrade {
		out = append(out, *s.positions[id])
	}
	return out
}

// ActiveTrades returns all trades not yet CLOSED.
func (s *Store) ActiveTrades() []types.ExecutionTrade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.ExecutionTrade
	for _, t := range s.trades {
		if t.Status != types.TradeClosed {
			out = append(out, *t)
		}
	}
	return out
}

// AllTrades returns every trade row.
func (s *Store) AllTrades() []types.ExecutionTrade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.ExecutionTrade, 0, len(s.trades))
	for _, t := range s.trades {
		out = append(out, *t)
	}
	return out
}

// Events returns a trade's event log in append order.
func (s *Store) Events(tradeID string) []types.TradeEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	evs := s.events[tradeID]
	out := make([]types.TradeEvent, len(evs))
	copy(out, evs)
	return out
}

// Audits returns the stage audit rows recorded under a trade id, or under
// a signal id for pre-trade stages.
func (s *Store) Audits(key string) []StageAudit {
	s.mu.RLock()
	defer s.mu.RUnlock()
	as := s.audits[key]
	out := make([]StageAudit, len(as))
	copy(out, as)
	return out
}

// PendingReconTasks returns unresolved reconciliation tasks.
func (s *Store) PendingReconTasks() []ReconciliationTask {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ReconciliationTask
	for _, t := range s.recon {
		if !t.Resolved {
			out = append(out, t)
		}
	}
	return out
}

// ResolveReconTask marks a reconciliation task done.
func (s *Store) ResolveReconTask(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.recon {
		if s.recon[i].ID == id {
			s.recon[i].Resolved = true
			return
		}
	}
}

// Alerts returns all recorded alerts.
func (s *Store) Alerts() []Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Alert, len(s.alerts))
	copy(out, s.alerts)
	return out
}
