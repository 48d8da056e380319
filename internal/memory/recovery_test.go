package memory

import (
	"context"
	"testing"

	"conductor/internal/logging"
	"conductor/internal/taxonomy"
)

func newRecoveryFixture(t *testing.T) (*RecoveryStore, *Semantic) {
	t.Helper()
	sem := NewSemantic(NewInMemoryStore(), newFakeClock(), logging.Nop())
	return NewRecoveryStore(sem, logging.Nop()), sem
}

func TestRecoveryRecordAndMatch(t *testing.T) {
	store, _ := newRecoveryFixture(t)
	ctx := context.Background()

	id, err := store.Record(ctx, "u", RecoveryRecord{
		ToolName:           "file_write",
		ErrorKind:          taxonomy.ParameterError,
		OriginalParameters: map[string]any{"path": "/tmp/x"},
		FixedParameters:    map[string]any{"path": "/var/data/x"},
	})
	if err != nil {
		t.Fatalf("record failed: %v", err)
	}

	matchedID, rec, ok := store.Match(ctx, "u", "file_write", taxonomy.ParameterError)
	if !ok {
		t.Fatalf("expected a match")
	}
	if matchedID != id {
		t.Fatalf("unexpected match id: %s", matchedID)
	}
	if rec.FixedParameters["path"] != "/var/data/x" {
		t.Fatalf("unexpected fixed parameters: %+v", rec.FixedParameters)
	}
	if rec.SuccessRate != 1 {
		t.Fatalf("fresh record should have success rate 1, got %f", rec.SuccessRate)
	}
}

func TestRecoveryMatchFiltersToolAndKind(t *testing.T) {
	store, _ := newRecoveryFixture(t)
	ctx := context.Background()

	if _, err := store.Record(ctx, "u", RecoveryRecord{
		ToolName:        "file_write",
		ErrorKind:       taxonomy.ParameterError,
		FixedParameters: map[string]any{"path": "/fixed"},
	}); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	if _, _, ok := store.Match(ctx, "u", "file_write", taxonomy.NetworkError); ok {
		t.Fatalf("should not match a different error kind")
	}
	if _, _, ok := store.Match(ctx, "u", "file_read", taxonomy.ParameterError); ok {
		t.Fatalf("should not match a different tool")
	}
}

func TestRecoveryDemotionBelowThreshold(t *testing.T) {
	store, sem := newRecoveryFixture(t)
	ctx := context.Background()

	id, err := store.Record(ctx, "u", RecoveryRecord{
		ToolName:        "scan",
		ErrorKind:       taxonomy.ParameterError,
		FixedParameters: map[string]any{"depth": 2},
	})
	if err != nil {
		t.Fatalf("record failed: %v", err)
	}

	// Repeated failed reuse drags the rolling success rate below the
	// demotion threshold.
	for i := 0; i < 6; i++ {
		if err := store.MarkOutcome(ctx, "u", id, false); err != nil {
			t.Fatalf("mark outcome failed: %v", err)
		}
	}

	item, err := sem.Get(ctx, "u", id)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !item.NeedsRevision {
		t.Fatalf("expected needs_revision after repeated failures")
	}

	if _, _, ok := store.Match(ctx, "u", "scan", taxonomy.ParameterError); ok {
		t.Fatalf("demoted pattern should not match")
	}
}

func TestRecoveryReuseCountsUp(t *testing.T) {
	store, _ := newRecoveryFixture(t)
	ctx := context.Background()

	id, _ := store.Record(ctx, "u", RecoveryRecord{
		ToolName:        "scan",
		ErrorKind:       taxonomy.TimeoutError,
		FixedParameters: map[string]any{"timeout": 60},
	})

	for i := 0; i < 3; i++ {
		if err := store.MarkOutcome(ctx, "u", id, true); err != nil {
			t.Fatalf("mark outcome failed: %v", err)
		}
	}

	_, rec, ok := store.Match(ctx, "u", "scan", taxonomy.TimeoutError)
	if !ok {
		t.Fatalf("expected match")
	}
	if rec.ReuseCount != 3 {
		t.Fatalf("expected reuse count 3, got %d", rec.ReuseCount)
	}
	if rec.SuccessRate != 1 {
		t.Fatalf("expected success rate 1, got %f", rec.SuccessRate)
	}
}
