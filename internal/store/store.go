// Package store persists estimation results. An estimate is stored as a flat
// record keyed by a run ID; writes are first-write-wins so re-running an
// analysis under the same ID never silently overwrites a published result.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/epiforge/epiforge/internal/estimator"
)

// Record is the serialized form of one estimation run.
type Record struct {
	RunID     string             `json:"run_id"`
	Kind      string             `json:"kind"`
	Scale     string             `json:"scale"`
	Dataset   string             `json:"dataset"`
	Values    map[string]float64 `json:"values"`
	Warnings  []string           `json:"warnings,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
}

// NewRecord flattens a CausalEstimate under a fresh run ID.
func NewRecord(dataset string, est *estimator.CausalEstimate) *Record {
	return &Record{
		RunID:     uuid.NewString(),
		Kind:      est.Kind.String(),
		Scale:     est.Scale.String(),
		Dataset:   dataset,
		Values:    est.Flatten(),
		Warnings:  est.Warnings,
		CreatedAt: time.Now().UTC(),
	}
}

// Store is the persistence contract. Save is first-write-wins: saving a run
// ID that already exists is a no-op, not an error.
type Store interface {
	Save(ctx context.Context, rec *Record) error
	Get(ctx context.Context, runID string) (*Record, error)
	List(ctx context.Context, dataset string) ([]*Record, error)
	Close() error
}

// MemoryStore is the in-process store used by tests and one-shot CLI runs.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (m *MemoryStore) Save(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[rec.RunID]; exists {
		return nil
	}
	m.records[rec.RunID] = rec
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, runID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[runID]
	if !ok {
		return nil, nil
	}
	return rec, nil
}

func (m *MemoryStore) List(ctx context.Context, dataset string) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Record
	for _, rec := range m.records {
		if dataset == "" || rec.Dataset == dataset {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
