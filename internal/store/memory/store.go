package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/iwantamacmini2/macgas/internal/domain/model"
	"github.com/iwantamacmini2/macgas/internal/store"
)

// Store is an in-process ledger backend. Each project carries its own lock,
// so concurrent mutations on one project serialize while different projects
// proceed independently. Used for tests and DB-less dev runs.
type Store struct {
	mu       sync.RWMutex // guards the map, not per-project state
	projects map[string]*projectEntry

	appliedMu sync.Mutex // serializes CreditOnce per process
	applied   map[string]struct{}
}

type projectEntry struct {
	mu      sync.Mutex
	project model.Project
}

var _ store.LedgerStore = (*Store)(nil)

func New() *Store {
	return &Store{
		projects: make(map[string]*projectEntry),
		applied:  make(map[string]struct{}),
	}
}

func (s *Store) Create(_ context.Context, p *model.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.projects[p.ID]; exists {
		return fmt.Errorf("project %s already exists", p.ID)
	}

	cp := cloneProject(p)
	if cp.Balances == nil {
		cp.Balances = make(map[model.Asset]int64)
	}
	now := time.Now().UTC()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.projects[p.ID] = &projectEntry{project: cp}
	return nil
}

func (s *Store) Get(_ context.Context, id string) (*model.Project, error) {
	entry, err := s.lookup(id)
	if err != nil {
		return nil, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	cp := cloneProject(&entry.project)
	return &cp, nil
}

func (s *Store) SetActive(_ context.Context, id string, active bool) error {
	entry, err := s.lookup(id)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.project.Active = active
	entry.project.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) Credit(_ context.Context, id string, asset model.Asset, amount int64, source store.CreditSource, reference string) error {
	if amount < 0 {
		return fmt.Errorf("credit amount must be non-negative, got %d", amount)
	}

	entry, err := s.lookup(id)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	entry.project.Balances[asset] += amount
	snap := &model.EventSnapshot{
		Reference: reference,
		Asset:     asset,
		Amount:    amount,
		At:        time.Now().UTC(),
	}
	switch source {
	case store.CreditSourcePayment:
		entry.project.LastPayment = snap
	default:
		entry.project.LastDeposit = snap
	}
	entry.project.UpdatedAt = snap.At
	return nil
}

// CreditOnce credits at most once per (kind, reference). The reference is
// recorded only after the credit succeeds, so a failed credit leaves the
// reference unburned and the event retryable.
func (s *Store) CreditOnce(ctx context.Context, id string, asset model.Asset, amount int64, source store.CreditSource, kind store.RefKind, reference string) (bool, error) {
	key := string(kind) + "|" + reference

	s.appliedMu.Lock()
	defer s.appliedMu.Unlock()

	if _, seen := s.applied[key]; seen {
		return false, nil
	}
	if err := s.Credit(ctx, id, asset, amount, source, reference); err != nil {
		return false, err
	}
	s.applied[key] = struct{}{}
	return true, nil
}

func (s *Store) Debit(_ context.Context, id string, asset model.Asset, amount int64, reference string) error {
	if amount < 0 {
		return fmt.Errorf("debit amount must be non-negative, got %d", amount)
	}

	entry, err := s.lookup(id)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.project.Balances[asset] < amount {
		return model.ErrInsufficientBalance
	}
	entry.project.Balances[asset] -= amount
	entry.project.TotalTxCount++
	entry.project.LastTx = &model.EventSnapshot{
		Reference: reference,
		Asset:     asset,
		Amount:    amount,
		At:        time.Now().UTC(),
	}
	entry.project.UpdatedAt = entry.project.LastTx.At
	return nil
}

func (s *Store) lookup(id string) (*projectEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.projects[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return entry, nil
}

func cloneProject(p *model.Project) model.Project {
	cp := *p
	cp.Balances = make(map[model.Asset]int64, len(p.Balances))
	for asset, amount := range p.Balances {
		cp.Balances[asset] = amount
	}
	cp.LastDeposit = cloneSnapshot(p.LastDeposit)
	cp.LastPayment = cloneSnapshot(p.LastPayment)
	cp.LastTx = cloneSnapshot(p.LastTx)
	return cp
}

func cloneSnapshot(s *model.EventSnapshot) *model.EventSnapshot {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}

// CursorRepo is the in-memory deposit cursor backend.
type CursorRepo struct {
	mu      sync.Mutex
	cursors map[model.Asset]*model.DepositCursor
}

var _ store.CursorRepository = (*CursorRepo)(nil)

func NewCursorRepo() *CursorRepo {
	return &CursorRepo{cursors: make(map[model.Asset]*model.DepositCursor)}
}

func (r *CursorRepo) Get(_ context.Context, asset model.Asset) (*model.DepositCursor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cursors[asset]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (r *CursorRepo) EnsureExists(_ context.Context, asset model.Asset) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.cursors[asset]; !ok {
		now := time.Now().UTC()
		r.cursors[asset] = &model.DepositCursor{Asset: asset, CreatedAt: now, UpdatedAt: now}
	}
	return nil
}

func (r *CursorRepo) Advance(_ context.Context, asset model.Asset, reference string, itemsProcessed int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cursors[asset]
	if !ok {
		c = &model.DepositCursor{Asset: asset, CreatedAt: time.Now().UTC()}
		r.cursors[asset] = c
	}
	c.LastSeenReference = reference
	c.ItemsProcessed += itemsProcessed
	c.LastPolledAt = time.Now().UTC()
	c.UpdatedAt = c.LastPolledAt
	return nil
}
