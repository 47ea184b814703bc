// Package stats records engine outcome counters. The in-memory store backs
// single-process deployments and tests; the Redis store aggregates across
// worker processes.
package stats

import (
	"context"
	"sync"
	"time"
)

// Event is one published outcome.
type Event struct {
	Status   string
	Kind     string
	Duration time.Duration
	At       time.Time
}

// Counters is a point-in-time snapshot of outcome totals.
type Counters struct {
	Success  int64            `json:"success"`
	Timeout  int64            `json:"timeout"`
	Rejected int64            `json:"rejected"`
	Failed   int64            `json:"failed"`
	ByKind   map[string]int64 `json:"by_kind,omitempty"`
}

// Recorder persists outcome events and serves snapshots.
type Recorder interface {
	Record(ctx context.Context, ev Event) error
	Snapshot(ctx context.Context) (Counters, error)
}

// MemoryStore is a process-local Recorder.
type MemoryStore struct {
	mu     sync.Mutex
	totals Counters
}

// NewMemoryStore creates an empty in-memory recorder.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{totals: Counters{ByKind: make(map[string]int64)}}
}

func (s *MemoryStore) Record(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Status {
	case "success":
		s.totals.Success++
	case "timeout":
		s.totals.Timeout++
	case "rejected":
		s.totals.Rejected++
	default:
		s.totals.Failed++
	}
	if ev.Kind != "" {
		s.totals.ByKind[ev.Kind]++
	}
	return nil
}

func (s *MemoryStore) Snapshot(_ context.Context) (Counters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.totals
	out.ByKind = make(map[string]int64, len(s.totals.ByKind))
	for k, v := range s.totals.ByKind {
		out.ByKind[k] = v
	}
	return out, nil
}
