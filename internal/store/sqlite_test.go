package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/askstream/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "nested", "journal.db"))
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return s
}

func TestUnitLifecycle(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	rec := &domain.UnitRecord{
		ID:             "u1",
		Flow:           "question",
		MessageID:      "m1",
		UserID:         "user-1",
		ConversationID: "conv-1",
		SessionID:      "tab-1",
	}
	if err := s.StartUnit(ctx, rec); err != nil {
		t.Fatalf("StartUnit() error = %v", err)
	}

	units, err := s.ListUnits(ctx, domain.UnitFilter{})
	if err != nil {
		t.Fatalf("ListUnits() error = %v", err)
	}
	if len(units) != 1 {
		t.Fatalf("Expected 1 unit, got %d", len(units))
	}
	if units[0].Status != domain.UnitRunning {
		t.Errorf("Expected running, got %s", units[0].Status)
	}
	if units[0].FinishedAt != nil {
		t.Error("Expected no finish time for a running unit")
	}
	if units[0].SessionID != "tab-1" || units[0].ConversationID != "conv-1" {
		t.Errorf("Unexpected ids: %+v", units[0])
	}

	if err := s.FinishUnit(ctx, "u1", domain.UnitFailed, "backend", "model timeout"); err != nil {
		t.Fatalf("FinishUnit() error = %v", err)
	}

	units, err = s.ListUnits(ctx, domain.UnitFilter{Status: domain.UnitFailed})
	if err != nil {
		t.Fatalf("ListUnits() error = %v", err)
	}
	if len(units) != 1 {
		t.Fatalf("Expected 1 failed unit, got %d", len(units))
	}
	got := units[0]
	if got.ErrorKind != "backend" || got.Detail != "model timeout" {
		t.Errorf("Expected backend/model timeout, got %s/%s", got.ErrorKind, got.Detail)
	}
	if got.FinishedAt == nil {
		t.Error("Expected finish time to be set")
	}

	// A unit finishes once.
	if err := s.FinishUnit(ctx, "u1", domain.UnitCompleted, "", ""); err == nil {
		t.Error("Expected error finishing a unit twice")
	}
}

func TestDropMessage(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	rec := &domain.UnitRecord{ID: "d1", Flow: "ingest", ErrorKind: "decode", Detail: "not json"}
	if err := s.DropMessage(ctx, rec); err != nil {
		t.Fatalf("DropMessage() error = %v", err)
	}

	units, err := s.ListUnits(ctx, domain.UnitFilter{Status: domain.UnitDropped})
	if err != nil {
		t.Fatalf("ListUnits() error = %v", err)
	}
	if len(units) != 1 {
		t.Fatalf("Expected 1 dropped unit, got %d", len(units))
	}
	if units[0].FinishedAt == nil {
		t.Error("Expected dropped unit to be finished")
	}
	if units[0].MessageID != "" {
		t.Errorf("Expected empty message id, got %q", units[0].MessageID)
	}
}

func TestListUnitsFilterAndOrder(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i, flow := range []string{"question", "ingest", "question", "retract"} {
		rec := &domain.UnitRecord{
			ID:        string(rune('a' + i)),
			Flow:      flow,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.StartUnit(ctx, rec); err != nil {
			t.Fatalf("StartUnit() error = %v", err)
		}
	}

	units, err := s.ListUnits(ctx, domain.UnitFilter{Flow: "question"})
	if err != nil {
		t.Fatalf("ListUnits() error = %v", err)
	}
	if len(units) != 2 {
		t.Fatalf("Expected 2 question units, got %d", len(units))
	}
	if units[0].ID != "c" || units[1].ID != "a" {
		t.Errorf("Expected newest first [c a], got [%s %s]", units[0].ID, units[1].ID)
	}

	units, err = s.ListUnits(ctx, domain.UnitFilter{Limit: 1})
	if err != nil {
		t.Fatalf("ListUnits() error = %v", err)
	}
	if len(units) != 1 || units[0].ID != "d" {
		t.Errorf("Expected only d, got %v", units)
	}
}

func TestMarkAbandoned(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"r1", "r2", "done"} {
		if err := s.StartUnit(ctx, &domain.UnitRecord{ID: id, Flow: "question"}); err != nil {
			t.Fatalf("StartUnit() error = %v", err)
		}
	}
	if err := s.FinishUnit(ctx, "done", domain.UnitCompleted, "", ""); err != nil {
		t.Fatalf("FinishUnit() error = %v", err)
	}

	n, err := s.MarkAbandoned(ctx)
	if err != nil {
		t.Fatalf("MarkAbandoned() error = %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 abandoned units, got %d", n)
	}

	lost, err := s.ListUnits(ctx, domain.UnitFilter{Status: domain.UnitLost})
	if err != nil {
		t.Fatalf("ListUnits() error = %v", err)
	}
	if len(lost) != 2 {
		t.Errorf("Expected 2 lost units, got %d", len(lost))
	}
	running, err := s.ListUnits(ctx, domain.UnitFilter{Status: domain.UnitRunning})
	if err != nil {
		t.Fatalf("ListUnits() error = %v", err)
	}
	if len(running) != 0 {
		t.Errorf("Expected no running units, got %d", len(running))
	}
}

func TestDeleteFinishedBefore(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	if err := s.DropMessage(ctx, &domain.UnitRecord{ID: "old", Flow: "question", StartedAt: old, FinishedAt: &old}); err != nil {
		t.Fatalf("DropMessage() error = %v", err)
	}
	if err := s.DropMessage(ctx, &domain.UnitRecord{ID: "new", Flow: "question"}); err != nil {
		t.Fatalf("DropMessage() error = %v", err)
	}
	if err := s.StartUnit(ctx, &domain.UnitRecord{ID: "running", Flow: "question", StartedAt: old}); err != nil {
		t.Fatalf("StartUnit() error = %v", err)
	}

	n, err := s.DeleteFinishedBefore(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteFinishedBefore() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 deleted, got %d", n)
	}

	units, err := s.ListUnits(ctx, domain.UnitFilter{})
	if err != nil {
		t.Fatalf("ListUnits() error = %v", err)
	}
	if len(units) != 2 {
		t.Errorf("Expected running and new units to remain, got %d", len(units))
	}
}

func TestRetentionWorkerPrunes(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	old := time.Now().Add(-48 * time.Hour)
	if err := s.DropMessage(ctx, &domain.UnitRecord{ID: "old", Flow: "question", StartedAt: old, FinishedAt: &old}); err != nil {
		t.Fatalf("DropMessage() error = %v", err)
	}

	startRetentionWorker(ctx, s, 24*time.Hour, 10*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		units, err := s.ListUnits(ctx, domain.UnitFilter{})
		if err != nil {
			t.Fatalf("ListUnits() error = %v", err)
		}
		if len(units) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("Expected retention worker to prune the old unit")
}

func TestPing(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
}
