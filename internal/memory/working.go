package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"conductor/internal/logging"
)

// SlotPriority orders working-memory slots for eviction.
type SlotPriority int

const (
	PriorityLow SlotPriority = iota
	PriorityMedium
	PriorityHigh
)

func (p SlotPriority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	default:
		return "low"
	}
}

// SlotKind tags what a slot records.
type SlotKind string

const (
	SlotDecision SlotKind = "decision"
	SlotToolCall SlotKind = "tool_call"
	SlotError    SlotKind = "error"
	SlotRecovery SlotKind = "recovery"
)

// Slot is one bounded working-memory entry.
type Slot struct {
	Kind      SlotKind
	Content   string
	Priority  SlotPriority
	Timestamp time.Time
}

// DefaultWorkingCapacity follows the 7±2 scratchpad guideline.
const DefaultWorkingCapacity = 7

// Promoter receives items promoted out of working memory at task end.
// *Semantic satisfies it.
type Promoter interface {
	Add(ctx context.Context, item Item) (string, error)
}

// Working is the bounded per-task scratchpad (L1). Each task's slots are
// destroyed when the task ends unless explicitly promoted. Concurrent
// subtasks of one task record through the same space, so access is locked.
type Working struct {
	capacity int
	clock    Clock
	logger   logging.Logger

	mu    sync.Mutex
	tasks map[string]*taskSpace
}

type taskSpace struct {
	mu    sync.Mutex
	owner string
	goal  string
	slots []Slot
	seq   int
}

func NewWorking(capacity int, clock Clock, logger logging.Logger) *Working {
	if capacity <= 0 {
		capacity = DefaultWorkingCapacity
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &Working{
		capacity: capacity,
		clock:    clock,
		logger:   logging.OrNop(logger),
		tasks:    make(map[string]*taskSpace),
	}
}

// Start opens a scratchpad for one task run and returns its id.
func (w *Working) Start(owner, goal string) string {
	taskID := uuid.NewString()
	w.mu.Lock()
	w.tasks[taskID] = &taskSpace{owner: owner, goal: goal}
	w.mu.Unlock()
	return taskID
}

func (w *Working) space(taskID string) (*taskSpace, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	space, ok := w.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("unknown working memory task: %s", taskID)
	}
	return space, nil
}

// Record inserts a slot, evicting the lowest-priority, oldest entry first
// when the scratchpad is full.
func (w *Working) Record(taskID string, kind SlotKind, content string, priority SlotPriority) error {
	space, err := w.space(taskID)
	if err != nil {
		return err
	}

	space.mu.Lock()
	defer space.mu.Unlock()

	if len(space.slots) >= w.capacity {
		evictIdx := 0
		for i, slot := range space.slots {
			current := space.slots[evictIdx]
			if slot.Priority < current.Priority ||
				(slot.Priority == current.Priority && slot.Timestamp.Before(current.Timestamp)) {
				evictIdx = i
			}
		}
		evicted := space.slots[evictIdx]
		space.slots = append(space.slots[:evictIdx], space.slots[evictIdx+1:]...)
		w.logger.Debug("working memory full, evicted %s slot (%s)", evicted.Priority, evicted.Kind)
	}

	// seq breaks timestamp ties on coarse clocks.
	space.seq++
	ts := w.clock.Now().Add(time.Duration(space.seq) * time.Nanosecond)
	space.slots = append(space.slots, Slot{Kind: kind, Content: content, Priority: priority, Timestamp: ts})
	return nil
}

// Slots returns a copy of the task's current slots, oldest first.
func (w *Working) Slots(taskID string) ([]Slot, error) {
	space, err := w.space(taskID)
	if err != nil {
		return nil, err
	}
	space.mu.Lock()
	defer space.mu.Unlock()

	out := append([]Slot(nil), space.slots...)
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// End destroys the task's scratchpad. With promote=true the slot contents are
// first compressed into semantic items (category=strategy for the run digest,
// category=recovery for each recovery slot) and handed to the promoter. With
// promote=false nothing is written anywhere.
func (w *Working) End(ctx context.Context, taskID string, promote bool, promoter Promoter) ([]Item, error) {
	w.mu.Lock()
	space, ok := w.tasks[taskID]
	delete(w.tasks, taskID)
	w.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown working memory task: %s", taskID)
	}

	space.mu.Lock()
	defer space.mu.Unlock()

	if !promote || len(space.slots) == 0 {
		return nil, nil
	}
	if promoter == nil {
		return nil, fmt.Errorf("promote requested without a promoter")
	}

	items := compressSlots(space.owner, space.goal, space.slots)
	for i := range items {
		id, err := promoter.Add(ctx, items[i])
		if err != nil {
			return nil, fmt.Errorf("promote working memory: %w", err)
		}
		items[i].ID = id
	}
	w.logger.Info("promoted %d items from task %s", len(items), taskID)
	return items, nil
}

// compressSlots condenses slots into durable items: one strategy digest for
// the whole run plus one recovery item per recovery slot.
func compressSlots(owner, goal string, slots []Slot) []Item {
	sorted := append([]Slot(nil), slots...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	var digest strings.Builder
	if goal != "" {
		fmt.Fprintf(&digest, "Goal: %s\n", goal)
	}
	var items []Item
	for _, slot := range sorted {
		fmt.Fprintf(&digest, "[%s] %s\n", slot.Kind, slot.Content)
		if slot.Kind == SlotRecovery {
			items = append(items, Item{
				Owner:       owner,
				Content:     slot.Content,
				Category:    CategoryRecovery,
				Subcategory: "promoted",
				Tags:        []string{"recovery", "promoted"},
				Confidence:  0.6,
			})
		}
	}

	items = append(items, Item{
		Owner:       owner,
		Content:     strings.TrimSpace(digest.String()),
		Category:    CategoryStrategy,
		Subcategory: "task_digest",
		Tags:        tokenizeTerms(goal),
		Confidence:  0.5,
	})
	return items
}
