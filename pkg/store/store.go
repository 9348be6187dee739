// Package store persists log marks and parallel-run results so separate
// harness invocations can share them.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/newtron-network/labharness/pkg/util"
)

// Result is the recorded outcome of one parallel task.
type Result struct {
	ID       string        `json:"id"`
	OK       bool          `json:"ok"`
	Message  string        `json:"message,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns"`
	Finished time.Time     `json:"finished"`
}

// ResultSink receives task results as they complete.
type ResultSink interface {
	PutResult(ctx context.Context, runID string, r Result) error
}

// MarkStore keeps log positions between a mark and the later check.
type MarkStore interface {
	SaveMark(ctx context.Context, key string, pos int64) error
	// LoadMark returns an error wrapping util.ErrNotFound for unknown keys.
	LoadMark(ctx context.Context, key string) (int64, error)
}

// Store is the full persistence surface.
type Store interface {
	MarkStore
	ResultSink
	Results(ctx context.Context, runID string) (map[string]Result, error)
	Close() error
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu    sync.Mutex
	marks map[string]int64
	runs  map[string]map[string]Result
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		marks: make(map[string]int64),
		runs:  make(map[string]map[string]Result),
	}
}

func (m *MemoryStore) SaveMark(_ context.Context, key string, pos int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marks[key] = pos
	return nil
}

func (m *MemoryStore) LoadMark(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.marks[key]
	if !ok {
		return 0, fmt.Errorf("mark %q: %w", key, util.ErrNotFound)
	}
	return pos, nil
}

func (m *MemoryStore) PutResult(_ context.Context, runID string, r Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		run = make(map[string]Result)
		m.runs[runID] = run
	}
	run[r.ID] = r
	return nil
}

func (m *MemoryStore) Results(_ context.Context, runID string) (map[string]Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Result, len(m.runs[runID]))
	for id, r := range m.runs[runID] {
		out[id] = r
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

// SortedIDs returns the result IDs in lexical order, for stable reporting.
func SortedIDs(results map[string]Result) []string {
	ids := make([]string, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
