package review

import (
	"context"
	"sync"
)

// Storage is the injected backing store for review cases. The default is
// the in-process MemoryStorage below; internal/storage provides a SQLite
// implementation where version doubles as an optimistic-lock column. The
// engine serializes mutations per case, so implementations only need
// whole-case get/put/delete semantics.
type Storage interface {
	// GetCase returns the case with the given ID, or ErrCaseNotFound.
	GetCase(ctx context.Context, caseID string) (*Case, error)

	// PutCase inserts or replaces a case. Implementations with shared
	// backends should reject writes whose version is not exactly one
	// above the stored version with ErrVersionConflict.
	PutCase(ctx context.Context, c *Case) error

	// DeleteCase removes a case. Deleting an unknown ID is a no-op.
	DeleteCase(ctx context.Context, caseID string) error

	// ListUnresolved returns all cases in a non-terminal status, used to
	// re-arm expiry deadlines after a restart.
	ListUnresolved(ctx context.Context) ([]*Case, error)
}

// MemoryStorage is the default map-backed Storage. Cases are deep-copied on
// the way in and out so callers never alias stored state.
type MemoryStorage struct {
	mu    sync.RWMutex
	cases map[string]*Case
}

// Compile-time check.
var _ Storage = (*MemoryStorage)(nil)

// NewMemoryStorage creates an empty in-memory case store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		cases: make(map[string]*Case),
	}
}

// GetCase implements Storage.
func (m *MemoryStorage) GetCase(_ context.Context, caseID string) (*Case,
	error) {

	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.cases[caseID]
	if !ok {
		return nil, ErrCaseNotFound
	}

	return c.Clone(), nil
}

// PutCase implements Storage.
func (m *MemoryStorage) PutCase(_ context.Context, c *Case) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cases[c.CaseID] = c.Clone()

	return nil
}

// DeleteCase implements Storage.
func (m *MemoryStorage) DeleteCase(_ context.Context, caseID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.cases, caseID)

	return nil
}

// ListUnresolved implements Storage.
func (m *MemoryStorage) ListUnresolved(_ context.Context) ([]*Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Case
	for _, c := range m.cases {
		if !c.IsTerminal() {
			out = append(out, c.Clone())
		}
	}

	return out, nil
}

// Len returns the number of stored cases, terminal or not.
func (m *MemoryStorage) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.cases)
}
