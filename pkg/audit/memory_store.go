package audit

import (
	"context"
	"sort"
	"sync"

	"github.com/wardenhq/warden/pkg/models"
)

// MemoryStore is an in-memory Store used by tests. It applies the same
// filter semantics as SQLStore.
type MemoryStore struct {
	mu      sync.Mutex
	entries []models.AuditEntry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Head implements Store.
func (m *MemoryStore) Head(_ context.Context) (int64, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) == 0 {
		return 0, "", nil
	}
	last := m.entries[len(m.entries)-1]
	return last.Seq, last.Hash, nil
}

// Insert implements Store.
func (m *MemoryStore) Insert(_ context.Context, e models.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

// Query implements Store.
func (m *MemoryStore) Query(_ context.Context, f Filter) ([]models.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []models.AuditEntry
	for _, e := range m.entries {
		if f.Level != "" && e.Level != f.Level {
			continue
		}
		if f.Event != "" && e.Event != f.Event {
			continue
		}
		if f.UserID != "" && e.UserID != f.UserID {
			continue
		}
		if f.TaskID != "" && e.TaskID != f.TaskID {
			continue
		}
		if f.CorrelationID != "" && e.CorrelationID != f.CorrelationID {
			continue
		}
		if !f.From.IsZero() && e.Timestamp.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && e.Timestamp.After(f.To) {
			continue
		}
		matched = append(matched, e)
	}

	sort.Slice(matched, func(i, j int) bool {
		if f.Ascending {
			return matched[i].Seq < matched[j].Seq
		}
		return matched[i].Seq > matched[j].Seq
	})

	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[f.Offset:]
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, nil
}

// Range implements Store.
func (m *MemoryStore) Range(_ context.Context, fromSeq, toSeq int64) ([]models.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AuditEntry
	for _, e := range m.entries {
		if e.Seq >= fromSeq && e.Seq <= toSeq {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// DeleteThrough implements Store.
func (m *MemoryStore) DeleteThrough(_ context.Context, seq int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []models.AuditEntry
	var deleted int64
	for _, e := range m.entries {
		if e.Seq <= seq {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	m.entries = kept
	return deleted, nil
}

// OldestSeq implements Store.
func (m *MemoryStore) OldestSeq(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) == 0 {
		return 0, nil
	}
	oldest := m.entries[0].Seq
	for _, e := range m.entries {
		if e.Seq < oldest {
			oldest = e.Seq
		}
	}
	return oldest, nil
}

// Stats implements Store.
func (m *MemoryStore) Stats(ctx context.Context) (StoreStats, error) {
	m.mu.Lock()
	byLevel := make(map[string]int64)
	var total int64
	for _, e := range m.entries {
		byLevel[string(e.Level)]++
		total++
	}
	m.mu.Unlock()

	head, _, err := m.Head(ctx)
	if err != nil {
		return StoreStats{}, err
	}
	oldest, err := m.OldestSeq(ctx)
	if err != nil {
		return StoreStats{}, err
	}
	return StoreStats{TotalEntries: total, ByLevel: byLevel, OldestSeq: oldest, HeadSeq: head}, nil
}

// Tamper overwrites the stored entry at seq, for integrity tests.
func (m *MemoryStore) Tamper(seq int64, mutate func(*models.AuditEntry)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.entries {
		if m.entries[i].Seq == seq {
			mutate(&m.entries[i])
			return
		}
	}
}
