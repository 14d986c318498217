// Package store provides the in-memory Store implementation.
package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/warp/txcore/generic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu   sync.RWMutex
	docs map[string]entry
	now  func() time.Time

	// failWith, when set, is returned by every call. Used to simulate an
	// unreachable store.
	failWith error
}

type entry struct {
	version   int64
	data      []byte
	updatedAt time.Time
}

func NewMemory() *Memory {
	return &Memory{
		docs: make(map[string]entry),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// SetUnavailable makes every subsequent call fail with ErrStoreUnavailable
// (or succeed again when down is false).
func (m *Memory) SetUnavailable(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if down {
		m.failWith = generic.Unavailable("memory", context.DeadlineExceeded)
		return
	}
	m.failWith = nil
}

func (m *Memory) Get(_ context.Context, key string) (generic.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failWith != nil {
		return generic.Document{}, m.failWith
	}

	e, ok := m.docs[key]
	if !ok {
		return generic.Document{}, generic.ErrNotFound
	}
	return e.document(key), nil
}

func (m *Memory) Put(_ context.Context, key string, data []byte, expected int64) (generic.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return generic.Document{}, m.failWith
	}

	if m.docs[key].version != expected {
		return generic.Document{}, generic.ErrVersionConflict
	}
	e := entry{version: expected + 1, data: clone(data), updatedAt: m.now()}
	m.docs[key] = e
	return e.document(key), nil
}

// Commit validates every expected version first, then applies all writes
// under the same lock, so either all land or none do.
func (m *Memory) Commit(_ context.Context, writes ...generic.Write) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}

	seen := make(map[string]bool, len(writes))
	for _, w := range writes {
		if seen[w.Key] {
			return generic.ErrVersionConflict
		}
		seen[w.Key] = true
		cur := m.docs[w.Key].version
		if cur != w.ExpectedVersion {
			return generic.ErrVersionConflict
		}
		if w.Delete && cur == 0 {
			return generic.ErrVersionConflict
		}
	}

	now := m.now()
	for _, w := range writes {
		if w.Delete {
			delete(m.docs, w.Key)
			continue
		}
		m.docs[w.Key] = entry{version: w.ExpectedVersion + 1, data: clone(w.Data), updatedAt: now}
	}
	return nil
}

func (m *Memory) List(_ context.Context, prefix string, opts generic.ListOptions) ([]generic.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failWith != nil {
		return nil, m.failWith
	}

	keys := make([]string, 0)
	for k := range m.docs {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if opts.After != "" {
			if !opts.Reverse && k <= opts.After {
				continue
			}
			if opts.Reverse && k >= opts.After {
				continue
			}
		}
		keys = append(keys, k)
	}

	if opts.Reverse {
		sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	} else {
		sort.Strings(keys)
	}
	if opts.Limit > 0 && len(keys) > opts.Limit {
		keys = keys[:opts.Limit]
	}

	result := make([]generic.Document, 0, len(keys))
	for _, k := range keys {
		result = append(result, m.docs[k].document(k))
	}
	return result, nil
}

// Len returns the number of stored documents.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

func (e entry) document(key string) generic.Document {
	return generic.Document{Key: key, Version: e.version, Data: clone(e.data), UpdatedAt: e.updatedAt}
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}
