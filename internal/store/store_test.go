package store

import (
	"context"
	"testing"

	"github.com/epiforge/epiforge/internal/estimator"
)

func sampleEstimate() *estimator.CausalEstimate {
	return &estimator.CausalEstimate{
		Kind:        estimator.AIPTW,
		Scale:       estimator.RiskDifference,
		Point:       0.12,
		Lower:       0.05,
		Upper:       0.19,
		Level:       0.95,
		Diagnostics: map[string]float64{"n": 1000},
		Warnings:    []string{"extreme weights truncated"},
	}
}

func TestNewRecord(t *testing.T) {
	rec := NewRecord("nhanes", sampleEstimate())
	if rec.RunID == "" {
		t.Error("Expected a generated run ID")
	}
	if rec.Kind != "aiptw" || rec.Scale != "risk_difference" {
		t.Errorf("Expected kind aiptw on risk_difference, got %q on %q", rec.Kind, rec.Scale)
	}
	if rec.Dataset != "nhanes" {
		t.Errorf("Expected dataset nhanes, got %q", rec.Dataset)
	}
	if rec.Values["point"] != 0.12 || rec.Values["n"] != 1000 {
		t.Errorf("flattened values wrong: %v", rec.Values)
	}
	if len(rec.Warnings) != 1 {
		t.Errorf("Expected 1 warning, got %v", rec.Warnings)
	}
	if rec.CreatedAt.IsZero() {
		t.Error("Expected a creation timestamp")
	}

	other := NewRecord("nhanes", sampleEstimate())
	if other.RunID == rec.RunID {
		t.Error("Expected distinct run IDs per record")
	}
}

func TestMemoryStoreSaveGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close()

	rec := NewRecord("nhanes", sampleEstimate())
	if err := s.Save(ctx, rec); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := s.Get(ctx, rec.RunID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil || got.RunID != rec.RunID {
		t.Fatalf("Expected the saved record back, got %+v", got)
	}

	missing, err := s.Get(ctx, "no-such-run")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if missing != nil {
		t.Errorf("Expected nil for an unknown run ID, got %+v", missing)
	}
}

func TestMemoryStoreFirstWriteWins(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	first := NewRecord("nhanes", sampleEstimate())
	if err := s.Save(ctx, first); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	dupe := &Record{RunID: first.RunID, Dataset: "overwrite-attempt"}
	if err := s.Save(ctx, dupe); err != nil {
		t.Fatalf("duplicate Save must be a no-op, got %v", err)
	}

	got, err := s.Get(ctx, first.RunID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Dataset != "nhanes" {
		t.Errorf("first write lost: dataset is %q", got.Dataset)
	}
}

func TestMemoryStoreListFiltersByDataset(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for _, ds := range []string{"nhanes", "nhanes", "framingham"} {
		if err := s.Save(ctx, NewRecord(ds, sampleEstimate())); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	nh, err := s.List(ctx, "nhanes")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(nh) != 2 {
		t.Errorf("Expected 2 nhanes records, got %d", len(nh))
	}

	all, err := s.List(ctx, "")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("Expected 3 records in total, got %d", len(all))
	}
}
