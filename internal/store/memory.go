package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/trade-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// A single mutex serializes every wallet transaction, which is what makes
// ApplyWalletTx atomic here.
type MemoryStore struct {
	mu        sync.RWMutex
	orders    map[string]*model.Order
	scheduled map[string]*model.ScheduledTrade
	positions map[string]*model.Position
	contracts map[string]*model.ArbitrageContract
	balances  map[string]model.WalletBalance
	locks     map[string]*model.TradeLock // by trade ID
	ledger    []model.LedgerEntry
	txKeys    map[string]struct{}
	outcomes  map[string]*model.UserOutcome
	windows   map[string]*model.TradeWindow
	policies  map[model.TradeType]model.PolicySettings
	audit     []model.AuditEvent
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:    make(map[string]*model.Order),
		scheduled: make(map[string]*model.ScheduledTrade),
		positions: make(map[string]*model.Position),
		contracts: make(map[string]*model.ArbitrageContract),
		balances:  make(map[string]model.WalletBalance),
		locks:     make(map[string]*model.TradeLock),
		txKeys:    make(map[string]struct{}),
		outcomes:  make(map[string]*model.UserOutcome),
		windows:   make(map[string]*model.TradeWindow),
		policies:  make(map[model.TradeType]model.PolicySettings),
	}
}

// --- Orders ---

func (s *MemoryStore) CreateOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[o.ID]; ok {
		return fmt.Errorf("order %s already exists", o.ID)
	}
	// Store a copy to avoid external mutation.
	cp := *o
	s.orders[o.ID] = &cp
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, model.ErrNotFound)
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) ListOrders(_ context.Context, f OrderFilter) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Order
	for _, o := range s.orders {
		if f.UserID != "" && o.UserID != f.UserID {
			continue
		}
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, o.Status) {
			continue
		}
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateOrder(_ context.Context, o *model.Order, from model.OrderStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.orders[o.ID]
	if !ok {
		return fmt.Errorf("order %s: %w", o.ID, model.ErrNotFound)
	}
	if cur.Status != from {
		return fmt.Errorf("order %s is %s, expected %s: %w", o.ID, cur.Status, from, model.ErrConflict)
	}
	cp := *o
	s.orders[o.ID] = &cp
	return nil
}

func containsStatus(set []model.OrderStatus, st model.OrderStatus) bool {
	for _, s := range set {
		if s == st {
			return true
		}
	}
	return false
}

// --- Scheduled trades ---

func (s *MemoryStore) CreateScheduled(_ context.Context, st *model.ScheduledTrade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.scheduled[st.ID]; ok {
		return fmt.Errorf("scheduled trade %s already exists", st.ID)
	}
	cp := *st
	s.scheduled[st.ID] = &cp
	return nil
}

func (s *MemoryStore) GetScheduled(_ context.Context, id string) (*model.ScheduledTrade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.scheduled[id]
	if !ok {
		return nil, fmt.Errorf("scheduled trade %s: %w", id, model.ErrNotFound)
	}
	cp := *st
	return &cp, nil
}

func (s *MemoryStore) ListScheduled(_ context.Context, f ScheduledFilter) ([]model.ScheduledTrade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.ScheduledTrade
	for _, st := range s.scheduled {
		if f.UserID != "" && st.UserID != f.UserID {
			continue
		}
		if f.Status != "" && st.Status != f.Status {
			continue
		}
		if !f.DueBefore.IsZero() && st.ScheduledTime.After(f.DueBefore) {
			continue
		}
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ScheduledTime.Before(out[j].ScheduledTime)
	})
	return out, nil
}

func (s *MemoryStore) UpdateScheduled(_ context.Context, st *model.ScheduledTrade, from model.ScheduledStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.scheduled[st.ID]
	if !ok {
		return fmt.Errorf("scheduled trade %s: %w", st.ID, model.ErrNotFound)
	}
	if cur.Status != from {
		return fmt.Errorf("scheduled trade %s is %s, expected %s: %w", st.ID, cur.Status, from, model.ErrConflict)
	}
	cp := *st
	s.scheduled[st.ID] = &cp
	return nil
}

// --- Positions ---

func (s *MemoryStore) CreatePosition(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.positions[p.ID]; ok {
		return fmt.Errorf("position %s already exists", p.ID)
	}
	cp := *p
	s.positions[p.ID] = &cp
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, id string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id]
	if !ok {
		return nil, fmt.Errorf("position %s: %w", id, model.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, f PositionFilter) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for _, p := range s.positions {
		if f.UserID != "" && p.UserID != f.UserID {
			continue
		}
		if f.Pair != "" && p.Pair != f.Pair {
			continue
		}
		if f.Open != nil && (p.Status == model.PositionOpen) != *f.Open {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].OpenedAt.After(out[j].OpenedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateMark(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.positions[p.ID]
	if !ok {
		return fmt.Errorf("position %s: %w", p.ID, model.ErrNotFound)
	}
	if cur.Status != model.PositionOpen {
		return fmt.Errorf("position %s is %s: %w", p.ID, cur.Status, model.ErrConflict)
	}
	cur.MarkPrice = p.MarkPrice
	cur.UnrealizedPnL = p.UnrealizedPnL
	cur.LastPriceAt = p.LastPriceAt
	return nil
}

func (s *MemoryStore) ClosePosition(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.positions[p.ID]
	if !ok {
		return fmt.Errorf("position %s: %w", p.ID, model.ErrNotFound)
	}
	if cur.Status != model.PositionOpen {
		return fmt.Errorf("position %s is %s: %w", p.ID, cur.Status, model.ErrConflict)
	}
	cp := *p
	s.positions[p.ID] = &cp
	return nil
}

// --- Arbitrage contracts ---

func (s *MemoryStore) CreateContract(_ context.Context, c *model.ArbitrageContract) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.contracts[c.ID]; ok {
		return fmt.Errorf("contract %s already exists", c.ID)
	}
	cp := *c
	s.contracts[c.ID] = &cp
	return nil
}

func (s *MemoryStore) GetContract(_ context.Context, id string) (*model.ArbitrageContract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.contracts[id]
	if !ok {
		return nil, fmt.Errorf("contract %s: %w", id, model.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) ListContracts(_ context.Context, f ContractFilter) ([]model.ArbitrageContract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.ArbitrageContract
	for _, c := range s.contracts {
		if f.UserID != "" && c.UserID != f.UserID {
			continue
		}
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		if !f.MaturesBefore.IsZero() && c.MaturesAt.After(f.MaturesBefore) {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) CloseContract(_ context.Context, c *model.ArbitrageContract) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.contracts[c.ID]
	if !ok {
		return fmt.Errorf("contract %s: %w", c.ID, model.ErrNotFound)
	}
	if cur.Status != model.ContractActive {
		return fmt.Errorf("contract %s is %s: %w", c.ID, cur.Status, model.ErrConflict)
	}
	cur.Status = c.Status
	cur.Profit = c.Profit
	cur.CancelReason = c.CancelReason
	cur.ClosedAt = c.ClosedAt
	return nil
}

// --- Wallet ---

func (s *MemoryStore) ApplyWalletTx(_ context.Context, tx *WalletTx) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, done := s.txKeys[tx.Key]; done {
		return false, nil
	}

	key := balanceKey(tx.UserID, tx.Asset)
	bal, ok := s.balances[key]
	if !ok {
		bal = model.WalletBalance{UserID: tx.UserID, Asset: tx.Asset}
	}

	var release *model.TradeLock
	if tx.Release != nil {
		l, ok := s.locks[tx.Release.TradeID]
		if !ok {
			return false, fmt.Errorf("lock for %s: %w", tx.Release.TradeID, model.ErrNotFound)
		}
		if l.Status != model.LockLocked {
			return false, fmt.Errorf("lock for %s is %s: %w", tx.Release.TradeID, l.Status, model.ErrLockNotActive)
		}
		release = l
	}
	if tx.Create != nil {
		if _, exists := s.locks[tx.Create.TradeID]; exists {
			return false, fmt.Errorf("lock for %s already exists: %w", tx.Create.TradeID, model.ErrConflict)
		}
	}

	for _, e := range tx.Entries {
		bal.Apply(e.Bucket, e.Amount)
	}
	if bal.Negative() {
		return false, model.ErrInsufficientBalance
	}

	// Commit.
	bal.UpdatedAt = tx.At
	s.balances[key] = bal
	s.ledger = append(s.ledger, tx.Entries...)
	if release != nil {
		at := tx.At
		release.Status = tx.Release.Status
		release.Outcome = tx.Release.Outcome
		release.Payout = tx.Release.Payout
		release.ReleasedAt = &at
	}
	if tx.Create != nil {
		cp := *tx.Create
		s.locks[cp.TradeID] = &cp
	}
	s.txKeys[tx.Key] = struct{}{}
	return true, nil
}

func (s *MemoryStore) GetBalance(_ context.Context, userID, asset string) (model.WalletBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bal, ok := s.balances[balanceKey(userID, asset)]
	if !ok {
		return model.WalletBalance{UserID: userID, Asset: asset}, nil
	}
	return bal, nil
}

func (s *MemoryStore) ListBalances(_ context.Context, userID string) ([]model.WalletBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.WalletBalance
	for _, b := range s.balances {
		if b.UserID == userID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out, nil
}

func (s *MemoryStore) ListEntries(_ context.Context, f EntryFilter) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.LedgerEntry
	for _, e := range s.ledger {
		if f.UserID != "" && e.UserID != f.UserID {
			continue
		}
		if f.Asset != "" && e.Asset != f.Asset {
			continue
		}
		if f.Reference != "" && e.Reference != f.Reference {
			continue
		}
		out = append(out, e)
	}
	if f.Limit <= 0 {
		return out, nil
	}
	// Newest first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) GetLock(_ context.Context, tradeID string) (*model.TradeLock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.locks[tradeID]
	if !ok {
		return nil, fmt.Errorf("lock for %s: %w", tradeID, model.ErrNotFound)
	}
	cp := *l
	return &cp, nil
}

func (s *MemoryStore) ListLocks(_ context.Context, f LockFilter) ([]model.TradeLock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.TradeLock
	for _, l := range s.locks {
		if f.UserID != "" && l.UserID != f.UserID {
			continue
		}
		if f.Status != "" && l.Status != f.Status {
			continue
		}
		if !f.ExpiresBefore.IsZero() && !l.ExpiresAt.Before(f.ExpiresBefore) {
			continue
		}
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func balanceKey(userID, asset string) string { return userID + "|" + asset }

// --- Outcome controls ---

func (s *MemoryStore) GetUserOutcome(_ context.Context, userID string) (*model.UserOutcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uo, ok := s.outcomes[userID]
	if !ok {
		return nil, fmt.Errorf("user outcome %s: %w", userID, model.ErrNotFound)
	}
	cp := *uo
	return &cp, nil
}

func (s *MemoryStore) UpsertUserOutcome(_ context.Context, uo *model.UserOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *uo
	s.outcomes[uo.UserID] = &cp
	return nil
}

func (s *MemoryStore) CreateWindow(_ context.Context, w *model.TradeWindow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *w
	s.windows[w.ID] = &cp
	return nil
}

func (s *MemoryStore) DeactivateWindow(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[id]
	if !ok {
		return fmt.Errorf("window %s: %w", id, model.ErrNotFound)
	}
	w.Active = false
	return nil
}

func (s *MemoryStore) ListWindows(_ context.Context, userID string) ([]model.TradeWindow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.TradeWindow
	for _, w := range s.windows {
		if !w.Active {
			continue
		}
		if userID != "" && w.UserID != userID {
			continue
		}
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (s *MemoryStore) ListPolicies(_ context.Context) ([]model.PolicySettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.PolicySettings, 0, len(s.policies))
	for _, t := range model.TradeTypes {
		if p, ok := s.policies[t]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *MemoryStore) SavePolicy(_ context.Context, p model.PolicySettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.policies[p.TradeType] = p
	return nil
}

// --- Audit ---

func (s *MemoryStore) AppendAudit(_ context.Context, e model.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.audit = append(s.audit, e)
	return nil
}

func (s *MemoryStore) ListAudit(_ context.Context, limit int) ([]model.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.AuditEvent, 0, len(s.audit))
	for i := len(s.audit) - 1; i >= 0; i-- {
		out = append(out, s.audit[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)
