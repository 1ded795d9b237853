// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"slices"
	"sort"
	"sync"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu         sync.RWMutex
	dispatches map[string]*DispatchRecord // keyed by dispatch ID

	// SaveErr, when set, is returned by SaveDispatch.
	SaveErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		dispatches: make(map[string]*DispatchRecord),
	}
}

func cloneRecord(rec *DispatchRecord) *DispatchRecord {
	c := *rec
	c.Args = slices.Clone(rec.Args)
	c.Outcomes = slices.Clone(rec.Outcomes)
	return &c
}

// SaveDispatch stores a copy of rec.
func (m *MockStore) SaveDispatch(ctx context.Context, rec *DispatchRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SaveErr != nil {
		return m.SaveErr
	}
	if _, exists := m.dispatches[rec.ID]; exists {
		return ErrDuplicateDispatch
	}
	m.dispatches[rec.ID] = cloneRecord(rec)
	return nil
}

// GetDispatch retrieves a dispatch by ID.
func (m *MockStore) GetDispatch(ctx context.Context, id string) (*DispatchRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.dispatches[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(rec), nil
}

// ListDispatches returns matching dispatches, newest first.
func (m *MockStore) ListDispatches(ctx context.Context, f DispatchFilter) ([]*DispatchRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*DispatchRecord
	for _, rec := range m.dispatches {
		if f.Verb != "" && rec.Verb != f.Verb {
			continue
		}
		if !f.Since.IsZero() && rec.StartedAt.Before(f.Since) {
			continue
		}
		if f.AgentID != "" && !slices.ContainsFunc(rec.Outcomes, func(o OutcomeRecord) bool {
			return o.AgentID == f.AgentID
		}) {
			continue
		}
		out = append(out, cloneRecord(rec))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit := normalizeLimit(f.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

// Ensure both implementations satisfy Store.
var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*MockStore)(nil)
)
