package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"conductor/internal/logging"
)

// Scoring weights and decay parameters. Retrieval score is a weighted sum of
// lexical/tag overlap, confidence, exponential time decay, and
// age-normalized access frequency.
const (
	weightOverlap    = 0.40
	weightConfidence = 0.25
	weightDecay      = 0.20
	weightFrequency  = 0.15

	decayHalfLifeDays = 14.0

	positiveConfidenceStep = 0.10
	negativeConfidenceStep = 0.15
	revisionThreshold      = 0.30

	defaultTopK = 5
)

// Semantic is the durable per-owner memory tier (L2). All mutations for one
// owner are serialized through that owner's lock; different owners never
// contend.
type Semantic struct {
	store  Store
	clock  Clock
	logger logging.Logger

	mu     sync.Mutex
	owners map[string]*ownerState
}

type ownerState struct {
	mu     sync.Mutex
	items  map[string]*Item
	loaded bool
	dirty  bool
}

func NewSemantic(store Store, clock Clock, logger logging.Logger) *Semantic {
	if store == nil {
		store = NewInMemoryStore()
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &Semantic{
		store:  store,
		clock:  clock,
		logger: logging.OrNop(logger),
		owners: make(map[string]*ownerState),
	}
}

// ownerLocked loads (lazily) and locks the state for owner. The returned
// unlock function persists the snapshot when the state was mutated.
func (s *Semantic) ownerLocked(ctx context.Context, owner string) (*ownerState, func(), error) {
	s.mu.Lock()
	state, ok := s.owners[owner]
	if !ok {
		state = &ownerState{items: make(map[string]*Item)}
		s.owners[owner] = state
	}
	s.mu.Unlock()

	state.mu.Lock()
	// loaded is checked under state.mu so a caller queued behind a failed
	// load retries the load instead of trusting an empty map.
	if !state.loaded {
		snapshot, err := s.store.Load(ctx, owner)
		if err != nil {
			state.mu.Unlock()
			return nil, nil, fmt.Errorf("load semantic memory for %s: %w", owner, err)
		}
		for i := range snapshot.Items {
			item := snapshot.Items[i]
			state.items[item.ID] = &item
		}
		state.loaded = true
	}

	unlock := func() {
		if state.dirty {
			state.dirty = false
			snapshot := Snapshot{Owner: owner, SavedAt: s.clock.Now()}
			for _, item := range state.items {
				snapshot.Items = append(snapshot.Items, *item)
			}
			sort.Slice(snapshot.Items, func(i, j int) bool {
				return snapshot.Items[i].CreatedAt.Before(snapshot.Items[j].CreatedAt)
			})
			if err := s.store.Save(ctx, owner, snapshot); err != nil {
				s.logger.Error("persist semantic memory for %s: %v", owner, err)
			}
		}
		state.mu.Unlock()
	}
	return state, unlock, nil
}

// Add stores a new item and returns its id.
func (s *Semantic) Add(ctx context.Context, item Item) (string, error) {
	item.Owner = strings.TrimSpace(item.Owner)
	if item.Owner == "" {
		return "", fmt.Errorf("owner is required")
	}
	if strings.TrimSpace(item.Content) == "" {
		return "", fmt.Errorf("content is required")
	}
	if item.Category == "" {
		item.Category = CategoryKnowledge
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	now := s.clock.Now()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	if item.LastAccessedAt.IsZero() {
		item.LastAccessedAt = item.CreatedAt
	}
	if item.Confidence <= 0 {
		item.Confidence = 0.5
	}
	item.Confidence = clamp01(item.Confidence)

	state, unlock, err := s.ownerLocked(ctx, item.Owner)
	if err != nil {
		return "", err
	}
	defer unlock()

	stored := item
	state.items[item.ID] = &stored
	state.dirty = true
	return item.ID, nil
}

// SearchOptions narrow a search beyond the query text.
type SearchOptions struct {
	Categories []Category
	TopK       int
	// IncludeFlagged forces needs_revision items into consideration even when
	// healthy alternatives exist.
	IncludeFlagged bool
}

// Scored pairs an item with its retrieval score for observability.
type Scored struct {
	Item  Item
	Score float64
}

// Search ranks the owner's items against the query. Flagged items are
// excluded unless nothing else matches. Accessed items get their access
// statistics bumped.
func (s *Semantic) Search(ctx context.Context, owner, query string, opts SearchOptions) ([]Scored, error) {
	state, unlock, err := s.ownerLocked(ctx, owner)
	if err != nil {
		return nil, err
	}
	defer unlock()

	topK := opts.TopK
	if topK <= 0 {
		topK = defaultTopK
	}

	queryTerms := tokenizeTerms(query)
	now := s.clock.Now()

	var healthy, flagged []Scored
	for _, item := range state.items {
		if len(opts.Categories) > 0 && !containsCategory(opts.Categories, item.Category) {
			continue
		}
		score := s.score(*item, queryTerms, now)
		if score <= 0 {
			continue
		}
		entry := Scored{Item: *item, Score: score}
		if item.NeedsRevision {
			flagged = append(flagged, entry)
		} else {
			healthy = append(healthy, entry)
		}
	}

	results := healthy
	if len(results) == 0 || opts.IncludeFlagged {
		results = append(results, flagged...)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		// Ties broken by most recent access.
		return results[i].Item.LastAccessedAt.After(results[j].Item.LastAccessedAt)
	})
	if len(results) > topK {
		results = results[:topK]
	}

	for i := range results {
		stored := state.items[results[i].Item.ID]
		stored.AccessCount++
		stored.LastAccessedAt = now
		state.dirty = true
		results[i].Item = *stored
	}
	return results, nil
}

// score computes the weighted retrieval score for one item at time now.
func (s *Semantic) score(item Item, queryTerms []string, now time.Time) float64 {
	overlap := overlapRatio(queryTerms, tokenizeTerms(append([]string{item.Content, item.Subcategory}, item.Tags...)...))
	if len(queryTerms) > 0 && overlap == 0 {
		return 0
	}

	ageDays := now.Sub(item.CreatedAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	decay := math.Exp(-math.Ln2 * ageDays / decayHalfLifeDays)

	frequency := float64(item.AccessCount) / (ageDays + 1)
	if frequency > 1 {
		frequency = 1
	}

	return weightOverlap*overlap +
		weightConfidence*item.Confidence +
		weightDecay*decay +
		weightFrequency*frequency
}

// DecayScore exposes the time-decay term for a single item; used by the decay
// sweep and by tests asserting monotonicity.
func DecayScore(item Item, now time.Time) float64 {
	ageDays := now.Sub(item.CreatedAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	return math.Exp(-math.Ln2 * ageDays / decayHalfLifeDays)
}

func overlapRatio(query, target []string) float64 {
	if len(query) == 0 {
		// Queryless search ranks purely on confidence/recency.
		return 0.5
	}
	targetSet := make(map[string]bool, len(target))
	for _, term := range target {
		targetSet[term] = true
	}
	matched := 0
	for _, term := range query {
		if targetSet[term] {
			matched++
		}
	}
	return float64(matched) / float64(len(query))
}

// Feedback adjusts an item's confidence and reward. Positive feedback never
// decreases confidence, negative feedback never increases it, and confidence
// stays within [0,1]. Confidence dropping below the revision threshold flags
// the item needs_revision.
func (s *Semantic) Feedback(ctx context.Context, owner, memoryID string, positive bool, reason string) error {
	state, unlock, err := s.ownerLocked(ctx, owner)
	if err != nil {
		return err
	}
	defer unlock()

	item, ok := state.items[memoryID]
	if !ok {
		return fmt.Errorf("memory %s not found for owner %s", memoryID, owner)
	}

	if positive {
		item.Confidence = clamp01(item.Confidence + positiveConfidenceStep)
		item.Reward++
		item.NeedsRevision = false
	} else {
		item.Confidence = clamp01(item.Confidence - negativeConfidenceStep)
		item.Reward--
		if item.Confidence < revisionThreshold {
			item.NeedsRevision = true
		}
	}
	item.LastAccessedAt = s.clock.Now()
	state.dirty = true

	s.logger.Debug("feedback on %s (positive=%v, reason=%q): confidence now %.2f", memoryID, positive, reason, item.Confidence)
	return nil
}

// Get returns a copy of one item.
func (s *Semantic) Get(ctx context.Context, owner, memoryID string) (Item, error) {
	state, unlock, err := s.ownerLocked(ctx, owner)
	if err != nil {
		return Item{}, err
	}
	defer unlock()

	item, ok := state.items[memoryID]
	if !ok {
		return Item{}, fmt.Errorf("memory %s not found for owner %s", memoryID, owner)
	}
	return *item, nil
}

// Update replaces mutable fields of an existing item. Reserved for the
// recovery sub-view; general callers go through Feedback.
func (s *Semantic) Update(ctx context.Context, owner string, item Item) error {
	state, unlock, err := s.ownerLocked(ctx, owner)
	if err != nil {
		return err
	}
	defer unlock()

	if _, ok := state.items[item.ID]; !ok {
		return fmt.Errorf("memory %s not found for owner %s", item.ID, owner)
	}
	stored := item
	state.items[item.ID] = &stored
	state.dirty = true
	return nil
}

// DecaySweep prunes items whose decayed weight fell below floor and which
// carry no positive reward. It returns the number of pruned items.
func (s *Semantic) DecaySweep(ctx context.Context, owner string, floor float64) (int, error) {
	state, unlock, err := s.ownerLocked(ctx, owner)
	if err != nil {
		return 0, err
	}
	defer unlock()

	now := s.clock.Now()
	pruned := 0
	for id, item := range state.items {
		if item.Reward > 0 {
			continue
		}
		if DecayScore(*item, now) < floor {
			delete(state.items, id)
			pruned++
		}
	}
	if pruned > 0 {
		state.dirty = true
		s.logger.Info("decay sweep pruned %d items for %s", pruned, owner)
	}
	return pruned, nil
}

func containsCategory(set []Category, c Category) bool {
	for _, candidate := range set {
		if candidate == c {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
