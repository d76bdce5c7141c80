// Package source defines where flow records come from.
package source

import (
	"context"
	"sort"
	"sync"

	"github.com/hed1ad/flowguard/pkg/flow"
)

// Source supplies records for training and inference.
type Source interface {
	// FetchTraining returns the full training corpus.
	FetchTraining(ctx context.Context) ([]flow.Record, error)

	// FetchRecent returns at most limit records, newest first.
	FetchRecent(ctx context.Context, limit int) ([]flow.Record, error)
}

// Memory is an in-process Source backed by a slice.
type Memory struct {
	mu      sync.RWMutex
	records []flow.Record
}

// NewMemory creates a Memory source holding a copy of records.
func NewMemory(records []flow.Record) *Memory {
	m := &Memory{}
	m.Append(records...)
	return m
}

// Append adds records to the source.
func (m *Memory) Append(records ...flow.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, records...)
}

// Len returns the number of stored records.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// FetchTraining returns every record in insertion order.
func (m *Memory) FetchTraining(ctx context.Context) ([]flow.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]flow.Record, len(m.records))
	copy(out, m.records)
	return out, nil
}

// FetchRecent returns up to limit records ordered by timestamp descending.
// Records with equal timestamps keep reverse insertion order.
func (m *Memory) FetchRecent(ctx context.Context, limit int) ([]flow.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []flow.Record{}, nil
	}

	m.mu.RLock()
	out := make([]flow.Record, len(m.records))
	for i, r := range m.records {
		out[len(out)-1-i] = r
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})

	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
