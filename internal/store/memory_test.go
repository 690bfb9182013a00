package store_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/datamind/control-plane/internal/store"
	"github.com/datamind/control-plane/pkg/models"
)

// newTestStore creates a fresh in-memory store for tests with no persistence.
func newTestStore(t *testing.T, opts store.Options) *store.MemoryStore {
	t.Helper()
	s := store.NewMemoryStore(opts)
	t.Cleanup(func() { s.Close() })
	return s
}

func outcome(id, tenant string, completed time.Time) *models.Outcome {
	return &models.Outcome{
		RequestID:   id,
		TenantID:    tenant,
		Status:      models.OutcomeAccepted,
		FinalTier:   models.TierLocalSmall,
		CompletedAt: completed,
		Trace:       []models.AttemptTrace{{Attempt: 1, Tier: models.TierLocalSmall}},
	}
}

// ─── Outcome CRUD ───────────────────────────────────────────

func TestRecordAndGetOutcome(t *testing.T) {
	s := newTestStore(t, store.Options{})
	ctx := context.Background()

	o := outcome("req-1", "acme", time.Now())
	o.Provenance = &models.ProvenanceRecord{ID: "prov-1", MerkleRoot: "abc"}
	if err := s.RecordOutcome(ctx, o); err != nil {
		t.Fatalf("RecordOutcome() error = %v", err)
	}

	got, err := s.GetOutcome(ctx, "req-1")
	if err != nil {
		t.Fatalf("GetOutcome() error = %v", err)
	}
	if got.TenantID != "acme" {
		t.Errorf("GetOutcome().TenantID = %q, want %q", got.TenantID, "acme")
	}
	if len(got.Trace) != 1 {
		t.Errorf("GetOutcome().Trace has %d attempts, want 1", len(got.Trace))
	}

	rec, err := s.GetProvenance(ctx, "prov-1")
	if err != nil {
		t.Fatalf("GetProvenance() error = %v", err)
	}
	if rec.MerkleRoot != "abc" {
		t.Errorf("GetProvenance().MerkleRoot = %q, want %q", rec.MerkleRoot, "abc")
	}
}

func TestGetOutcome_NotFound(t *testing.T) {
	s := newTestStore(t, store.Options{})
	_, err := s.GetOutcome(context.Background(), "missing")
	var nf *store.ErrNotFound
	if !errors.As(err, &nf) {
		t.Fatalf("GetOutcome(missing) error = %v, want ErrNotFound", err)
	}
	if nf.Entity != "request" {
		t.Errorf("ErrNotFound.Entity = %q, want %q", nf.Entity, "request")
	}
}

func TestRecordOutcome_Replace(t *testing.T) {
	s := newTestStore(t, store.Options{})
	ctx := context.Background()

	first := outcome("dup", "acme", time.Now())
	first.Provenance = &models.ProvenanceRecord{ID: "old"}
	s.RecordOutcome(ctx, first)

	second := outcome("dup", "acme", time.Now())
	second.Status = models.OutcomeTierExhausted
	s.RecordOutcome(ctx, second)

	if s.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", s.Len())
	}
	got, _ := s.GetOutcome(ctx, "dup")
	if got.Status != models.OutcomeTierExhausted {
		t.Errorf("After replace, Status = %q, want %q", got.Status, models.OutcomeTierExhausted)
	}
	if _, err := s.GetProvenance(ctx, "old"); err == nil {
		t.Error("provenance of a replaced outcome should be gone")
	}
}

func TestListOutcomes(t *testing.T) {
	s := newTestStore(t, store.Options{})
	ctx := context.Background()
	now := time.Now()

	s.RecordOutcome(ctx, outcome("r1", "acme", now))
	s.RecordOutcome(ctx, outcome("r2", "beta", now))
	s.RecordOutcome(ctx, outcome("r3", "acme", now))

	all, _ := s.ListOutcomes(ctx, "", 0)
	if len(all) != 3 {
		t.Fatalf("ListOutcomes(all) = %d, want 3", len(all))
	}
	if all[0].RequestID != "r3" {
		t.Errorf("ListOutcomes()[0] = %q, want newest r3", all[0].RequestID)
	}

	acme, _ := s.ListOutcomes(ctx, "acme", 0)
	if len(acme) != 2 {
		t.Errorf("ListOutcomes(acme) = %d, want 2", len(acme))
	}

	limited, _ := s.ListOutcomes(ctx, "", 1)
	if len(limited) != 1 {
		t.Errorf("ListOutcomes(limit 1) = %d, want 1", len(limited))
	}
}

// ─── Eviction ───────────────────────────────────────────────

func TestMaxEntriesEvictsOldest(t *testing.T) {
	s := newTestStore(t, store.Options{MaxEntries: 3})
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		o := outcome(fmt.Sprintf("r%d", i), "acme", time.Now())
		o.Provenance = &models.ProvenanceRecord{ID: fmt.Sprintf("p%d", i)}
		s.RecordOutcome(ctx, o)
	}

	if s.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", s.Len())
	}
	if _, err := s.GetOutcome(ctx, "r1"); err == nil {
		t.Error("r1 should have been evicted")
	}
	if _, err := s.GetProvenance(ctx, "p2"); err == nil {
		t.Error("p2 should have been evicted with its outcome")
	}
	if _, err := s.GetOutcome(ctx, "r5"); err != nil {
		t.Errorf("r5 should be retained: %v", err)
	}
}

func TestEvictExpired(t *testing.T) {
	s := newTestStore(t, store.Options{TTL: time.Hour, EvictionInterval: time.Hour})
	ctx := context.Background()

	s.RecordOutcome(ctx, outcome("old", "acme", time.Now().Add(-2*time.Hour)))
	s.RecordOutcome(ctx, outcome("fresh", "acme", time.Now()))

	if n := s.EvictExpired(); n != 1 {
		t.Errorf("EvictExpired() = %d, want 1", n)
	}
	if _, err := s.GetOutcome(ctx, "old"); err == nil {
		t.Error("expired outcome should be gone")
	}
	if _, err := s.GetOutcome(ctx, "fresh"); err != nil {
		t.Errorf("fresh outcome should be retained: %v", err)
	}
}

func TestExpiredOutcomesAndDelete(t *testing.T) {
	s := newTestStore(t, store.Options{})
	ctx := context.Background()
	now := time.Now()

	old := outcome("old", "acme", now.Add(-3*time.Hour))
	old.Provenance = &models.ProvenanceRecord{ID: "prov-old"}
	s.RecordOutcome(ctx, old)
	s.RecordOutcome(ctx, outcome("fresh", "acme", now))

	expired, err := s.ExpiredOutcomes(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("ExpiredOutcomes() error = %v", err)
	}
	if len(expired) != 1 || expired[0].RequestID != "old" {
		t.Fatalf("ExpiredOutcomes() = %v, want [old]", expired)
	}

	if err := s.DeleteOutcome(ctx, "old"); err != nil {
		t.Fatalf("DeleteOutcome() error = %v", err)
	}
	if _, err := s.GetProvenance(ctx, "prov-old"); err == nil {
		t.Error("provenance of a deleted outcome should be gone")
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Len())
	}

	var nf *store.ErrNotFound
	if err := s.DeleteOutcome(ctx, "old"); !errors.As(err, &nf) {
		t.Errorf("second DeleteOutcome() error = %v, want ErrNotFound", err)
	}
}

// ─── Persistence ────────────────────────────────────────────

func TestSnapshotSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "outcomes.json")
	ctx := context.Background()

	s1 := store.NewMemoryStore(store.Options{SnapshotPath: path})
	o := outcome("req-1", "acme", time.Now())
	o.Provenance = &models.ProvenanceRecord{ID: "prov-1"}
	if err := s1.RecordOutcome(ctx, o); err != nil {
		t.Fatalf("RecordOutcome() error = %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	s2 := newTestStore(t, store.Options{SnapshotPath: path})
	got, err := s2.GetOutcome(ctx, "req-1")
	if err != nil {
		t.Fatalf("GetOutcome() after restart error = %v", err)
	}
	if got.TenantID != "acme" {
		t.Errorf("restored TenantID = %q, want %q", got.TenantID, "acme")
	}
	if _, err := s2.GetProvenance(ctx, "prov-1"); err != nil {
		t.Errorf("restored provenance missing: %v", err)
	}
}

func TestClose_Idempotent(t *testing.T) {
	s := store.NewMemoryStore(store.Options{})
	if err := s.Close(); err != nil {
		t.Fatalf("first Close() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}
