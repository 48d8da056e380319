package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"conductor/internal/logging"
	"conductor/internal/token"
)

// NarrativeEntry is one condensed digest (L3), formatted for direct injection
// into prompts. Entries are append-only; superseded entries stay but rank
// lower by recency.
type NarrativeEntry struct {
	Title       string    `json:"title"`
	Category    Category  `json:"category"`
	Body        string    `json:"body"`
	GeneratedAt time.Time `json:"generated_at"`
}

const narrativeItemBudget = 8

// Narrative generates and holds condensed textual digests derived from
// semantic memory plus working-memory content promoted since the last
// generation.
type Narrative struct {
	semantic *Semantic
	clock    Clock
	logger   logging.Logger

	mu       sync.Mutex
	entries  map[string][]NarrativeEntry
	promoted map[string][]Item
}

func NewNarrative(semantic *Semantic, clock Clock, logger logging.Logger) *Narrative {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Narrative{
		semantic: semantic,
		clock:    clock,
		logger:   logging.OrNop(logger),
		entries:  make(map[string][]NarrativeEntry),
		promoted: make(map[string][]Item),
	}
}

// NotePromoted registers freshly promoted working-memory items so the next
// generation can fold them in.
func (n *Narrative) NotePromoted(owner string, items []Item) {
	if len(items) == 0 {
		return
	}
	n.mu.Lock()
	n.promoted[owner] = append(n.promoted[owner], items...)
	n.mu.Unlock()
}

// Generate synthesizes a markdown digest from the highest-scoring semantic
// items in the category plus any pending promoted content. The entry is
// appended, never replacing earlier ones.
func (n *Narrative) Generate(ctx context.Context, owner, title string, category Category) (NarrativeEntry, error) {
	scored, err := n.semantic.Search(ctx, owner, "", SearchOptions{
		Categories: []Category{category},
		TopK:       narrativeItemBudget,
	})
	if err != nil {
		return NarrativeEntry{}, fmt.Errorf("narrative source query: %w", err)
	}

	n.mu.Lock()
	pending := n.promoted[owner]
	n.promoted[owner] = nil
	n.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "## %s\n", title)
	if len(scored) > 0 {
		fmt.Fprintf(&b, "\n### Established %s\n", category)
		for _, s := range scored {
			fmt.Fprintf(&b, "- %s\n", token.Truncate(s.Item.Content, 60))
		}
	}
	if len(pending) > 0 {
		b.WriteString("\n### Recent activity\n")
		for _, item := range pending {
			fmt.Fprintf(&b, "- (%s) %s\n", item.Category, token.Truncate(item.Content, 60))
		}
	}

	entry := NarrativeEntry{
		Title:       title,
		Category:    category,
		Body:        strings.TrimSpace(b.String()),
		GeneratedAt: n.clock.Now(),
	}

	n.mu.Lock()
	n.entries[owner] = append(n.entries[owner], entry)
	n.mu.Unlock()

	n.logger.Debug("generated narrative %q for %s (%d source items, %d promoted)", title, owner, len(scored), len(pending))
	return entry, nil
}

// Entries returns the owner's digests, newest first. An empty category
// returns all of them.
func (n *Narrative) Entries(owner string, category Category) []NarrativeEntry {
	n.mu.Lock()
	defer n.mu.Unlock()

	all := n.entries[owner]
	out := make([]NarrativeEntry, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		if category != "" && all[i].Category != category {
			continue
		}
		out = append(out, all[i])
	}
	return out
}
