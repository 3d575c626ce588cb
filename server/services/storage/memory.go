package storage

import (
	"cmp"
	"context"
	"fmt"
	"iter"
	"slices"
	"sync"

	errors2 "gitlab.com/shar-workflow/taskflow/server/errors"
)

// MemoryBackend keeps rows in process memory.
type MemoryBackend struct {
	mu     sync.RWMutex
	next   int64
	rows   map[int64]Row
	owners map[int64]map[int64]struct{}
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		rows:   make(map[int64]Row),
		owners: make(map[int64]map[int64]struct{}),
	}
}

// Insert allocates a handle and stores a new row.
func (m *MemoryBackend) Insert(_ context.Context, owner int64, data []byte) (Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	r := Row{Handle: m.next, Owner: owner, Version: 1, Data: slices.Clone(data)}
	m.rows[r.Handle] = r
	idx, ok := m.owners[owner]
	if !ok {
		idx = make(map[int64]struct{})
		m.owners[owner] = idx
	}
	idx[r.Handle] = struct{}{}
	return r, nil
}

// Get returns a stored row.
func (m *MemoryBackend) Get(_ context.Context, handle int64) (Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rows[handle]
	if !ok {
		return Row{}, fmt.Errorf("get row %d: %w", handle, errors2.ErrNotFound)
	}
	return r, nil
}

// Update replaces the data of a stored row.
func (m *MemoryBackend) Update(_ context.Context, handle int64, version uint64, data []byte) (Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[handle]
	if !ok {
		return Row{}, fmt.Errorf("update row %d: %w", handle, errors2.ErrNotFound)
	}
	if version != 0 && version != r.Version {
		return Row{}, fmt.Errorf("update row %d at version %d, stored %d: %w", handle, version, r.Version, errors2.ErrConflict)
	}
	r.Version++
	r.Data = slices.Clone(data)
	m.rows[handle] = r
	return r, nil
}

// Delete removes a row.
func (m *MemoryBackend) Delete(_ context.Context, handle int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[handle]
	if !ok {
		return false, nil
	}
	delete(m.rows, handle)
	delete(m.owners[r.Owner], handle)
	return true, nil
}

// Scan yields a snapshot of the matching rows.
func (m *MemoryBackend) Scan(_ context.Context, owner int64) iter.Seq2[Row, error] {
	m.mu.RLock()
	var rows []Row
	if owner == AnyOwner {
		rows = make([]Row, 0, len(m.rows))
		for _, r := range m.rows {
			rows = append(rows, r)
		}
	} else {
		for h := range m.owners[owner] {
			rows = append(rows, m.rows[h])
		}
	}
	m.mu.RUnlock()
	slices.SortFunc(rows, func(a, b Row) int {
		return cmp.Compare(a.Handle, b.Handle)
	})
	return rowsOf(rows)
}

// Clear removes every row.  The handle sequence is kept.
func (m *MemoryBackend) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = make(map[int64]Row)
	m.owners = make(map[int64]map[int64]struct{})
	return nil
}

// Close is a no-op.
func (m *MemoryBackend) Close() error {
	return nil
}
