package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"conductor/internal/logging"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func TestSemanticAddAndSearch(t *testing.T) {
	clock := newFakeClock()
	sem := NewSemantic(NewInMemoryStore(), clock, logging.Nop())

	id, err := sem.Add(context.Background(), Item{
		Owner:    "user-1",
		Content:  "always run the linter before committing go code",
		Category: CategoryPreference,
		Tags:     []string{"linter", "go"},
	})
	if err != nil {
		t.Fatalf("add returned error: %v", err)
	}
	if id == "" {
		t.Fatalf("expected generated id")
	}

	results, err := sem.Search(context.Background(), "user-1", "go linter rules", SearchOptions{})
	if err != nil {
		t.Fatalf("search returned error: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Item.ID != id {
		t.Fatalf("unexpected item: %+v", results[0].Item)
	}
	if results[0].Item.AccessCount != 1 {
		t.Fatalf("expected access count bump, got %d", results[0].Item.AccessCount)
	}
}

func TestSemanticAddValidation(t *testing.T) {
	sem := NewSemantic(NewInMemoryStore(), newFakeClock(), logging.Nop())

	if _, err := sem.Add(context.Background(), Item{Content: "no owner"}); err == nil {
		t.Fatalf("expected error for missing owner")
	}
	if _, err := sem.Add(context.Background(), Item{Owner: "u", Content: "  "}); err == nil {
		t.Fatalf("expected error for empty content")
	}
}

func TestDecayScoreMonotonicallyDecreases(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	item := Item{CreatedAt: created}

	prev := DecayScore(item, created)
	if prev > 1.0001 || prev < 0.9999 {
		t.Fatalf("fresh item should score ~1, got %f", prev)
	}
	for days := 1; days <= 120; days += 7 {
		now := created.AddDate(0, 0, days)
		score := DecayScore(item, now)
		if score >= prev {
			t.Fatalf("decay not strictly decreasing at day %d: %f >= %f", days, score, prev)
		}
		prev = score
	}
}

func TestFeedbackMonotoneAndClamped(t *testing.T) {
	sem := NewSemantic(NewInMemoryStore(), newFakeClock(), logging.Nop())
	ctx := context.Background()

	id, err := sem.Add(ctx, Item{Owner: "u", Content: "fact", Confidence: 0.95})
	if err != nil {
		t.Fatalf("add returned error: %v", err)
	}

	for i := 0; i < 5; i++ {
		before, _ := sem.Get(ctx, "u", id)
		if err := sem.Feedback(ctx, "u", id, true, "worked"); err != nil {
			t.Fatalf("positive feedback failed: %v", err)
		}
		after, _ := sem.Get(ctx, "u", id)
		if after.Confidence < before.Confidence {
			t.Fatalf("positive feedback decreased confidence: %f -> %f", before.Confidence, after.Confidence)
		}
		if after.Confidence > 1 {
			t.Fatalf("confidence above 1: %f", after.Confidence)
		}
	}

	for i := 0; i < 12; i++ {
		before, _ := sem.Get(ctx, "u", id)
		if err := sem.Feedback(ctx, "u", id, false, "stale"); err != nil {
			t.Fatalf("negative feedback failed: %v", err)
		}
		after, _ := sem.Get(ctx, "u", id)
		if after.Confidence > before.Confidence {
			t.Fatalf("negative feedback increased confidence: %f -> %f", before.Confidence, after.Confidence)
		}
		if after.Confidence < 0 {
			t.Fatalf("confidence below 0: %f", after.Confidence)
		}
	}

	final, _ := sem.Get(ctx, "u", id)
	if !final.NeedsRevision {
		t.Fatalf("expected needs_revision after repeated negative feedback")
	}
}

func TestFlaggedItemsExcludedUnlessNoAlternative(t *testing.T) {
	sem := NewSemantic(NewInMemoryStore(), newFakeClock(), logging.Nop())
	ctx := context.Background()

	flaggedID, _ := sem.Add(ctx, Item{Owner: "u", Content: "deploy with the blue script", Category: CategoryStrategy})
	for i := 0; i < 4; i++ {
		if err := sem.Feedback(ctx, "u", flaggedID, false, "failed again"); err != nil {
			t.Fatalf("feedback failed: %v", err)
		}
	}

	// Only the flagged item matches: it should still be returned.
	results, err := sem.Search(ctx, "u", "deploy script", SearchOptions{})
	if err != nil {
		t.Fatalf("search returned error: %v", err)
	}
	if len(results) != 1 || results[0].Item.ID != flaggedID {
		t.Fatalf("expected flagged fallback, got %+v", results)
	}

	healthyID, _ := sem.Add(ctx, Item{Owner: "u", Content: "deploy with the green script", Category: CategoryStrategy})
	results, err = sem.Search(ctx, "u", "deploy script", SearchOptions{})
	if err != nil {
		t.Fatalf("search returned error: %v", err)
	}
	for _, s := range results {
		if s.Item.ID == flaggedID {
			t.Fatalf("flagged item returned despite healthy alternative %s", healthyID)
		}
	}
}

func TestDecaySweepPrunesStaleItems(t *testing.T) {
	clock := newFakeClock()
	sem := NewSemantic(NewInMemoryStore(), clock, logging.Nop())
	ctx := context.Background()

	staleID, _ := sem.Add(ctx, Item{Owner: "u", Content: "old fact"})
	clock.Advance(200 * 24 * time.Hour)
	freshID, _ := sem.Add(ctx, Item{Owner: "u", Content: "new fact"})

	pruned, err := sem.DecaySweep(ctx, "u", 0.05)
	if err != nil {
		t.Fatalf("sweep returned error: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("expected 1 pruned item, got %d", pruned)
	}
	if _, err := sem.Get(ctx, "u", staleID); err == nil {
		t.Fatalf("stale item should be gone")
	}
	if _, err := sem.Get(ctx, "u", freshID); err != nil {
		t.Fatalf("fresh item should remain: %v", err)
	}
}

func TestSemanticPersistsThroughStore(t *testing.T) {
	store := NewInMemoryStore()
	clock := newFakeClock()
	ctx := context.Background()

	first := NewSemantic(store, clock, logging.Nop())
	id, err := first.Add(ctx, Item{Owner: "u", Content: "persist me please"})
	if err != nil {
		t.Fatalf("add returned error: %v", err)
	}

	second := NewSemantic(store, clock, logging.Nop())
	item, err := second.Get(ctx, "u", id)
	if err != nil {
		t.Fatalf("expected item after reload: %v", err)
	}
	if item.Content != "persist me please" {
		t.Fatalf("unexpected content: %s", item.Content)
	}
}

// gatedStore fails its first Load after signalling that the load began,
// holding the owner lock until released so other callers queue behind it.
type gatedStore struct {
	inner   Store
	mu      sync.Mutex
	loads   int
	began   chan struct{}
	release chan struct{}
}

func (g *gatedStore) Load(ctx context.Context, owner string) (Snapshot, error) {
	g.mu.Lock()
	g.loads++
	first := g.loads == 1
	g.mu.Unlock()
	if first {
		close(g.began)
		<-g.release
		return Snapshot{}, errors.New("store offline")
	}
	return g.inner.Load(ctx, owner)
}

func (g *gatedStore) Save(ctx context.Context, owner string, snapshot Snapshot) error {
	return g.inner.Save(ctx, owner, snapshot)
}

func TestFailedLoadDoesNotDropPersistedItems(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := NewInMemoryStore()

	seeder := NewSemantic(store, clock, logging.Nop())
	seededID, err := seeder.Add(ctx, Item{Owner: "u", Content: "durable fact"})
	if err != nil {
		t.Fatalf("seed add returned error: %v", err)
	}

	gate := &gatedStore{inner: store, began: make(chan struct{}), release: make(chan struct{})}
	sem := NewSemantic(gate, clock, logging.Nop())

	getErr := make(chan error, 1)
	go func() {
		_, err := sem.Get(ctx, "u", seededID)
		getErr <- err
	}()
	<-gate.began

	addErr := make(chan error, 1)
	go func() {
		_, err := sem.Add(ctx, Item{Owner: "u", Content: "late arrival"})
		addErr <- err
	}()
	// Give the add time to queue behind the in-flight load before it fails.
	time.Sleep(50 * time.Millisecond)
	close(gate.release)

	if err := <-getErr; err == nil {
		t.Fatalf("expected the gated load to fail")
	}
	if err := <-addErr; err != nil {
		t.Fatalf("add returned error: %v", err)
	}

	snapshot, err := store.Load(ctx, "u")
	if err != nil {
		t.Fatalf("reload returned error: %v", err)
	}
	if len(snapshot.Items) != 2 {
		t.Fatalf("expected 2 persisted items, got %d", len(snapshot.Items))
	}
	if _, err := sem.Get(ctx, "u", seededID); err != nil {
		t.Fatalf("seeded item lost after failed load: %v", err)
	}
}
