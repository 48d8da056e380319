// Package memory implements the layered memory engine: a bounded per-task
// working tier, a durable scored semantic tier with decay and feedback, an
// append-only narrative tier, and the router that assembles budgeted context
// from all three.
package memory

import (
	"strings"
	"time"
)

// Category classifies a semantic memory item. The router fills its token
// budget in this priority order: preference > strategy > knowledge >
// recovery > feedback.
type Category string

const (
	CategoryPreference Category = "preference"
	CategoryKnowledge  Category = "knowledge"
	CategoryStrategy   Category = "strategy"
	CategoryRecovery   Category = "recovery"
	CategoryFeedback   Category = "feedback"
)

// CategoryPriority lists categories from highest to lowest routing priority.
var CategoryPriority = []Category{
	CategoryPreference,
	CategoryStrategy,
	CategoryKnowledge,
	CategoryRecovery,
	CategoryFeedback,
}

// Item is one durable semantic memory record. Items are owned exclusively by
// the semantic store and mutated only through its feedback and decay
// operations.
type Item struct {
	ID             string    `json:"memory_id"`
	Owner          string    `json:"owner"`
	Content        string    `json:"content"`
	Category       Category  `json:"category"`
	Subcategory    string    `json:"subcategory,omitempty"`
	Tags           []string  `json:"tags,omitempty"`
	Confidence     float64   `json:"confidence"`
	Reward         float64   `json:"reward"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	AccessCount    int       `json:"access_count"`
	NeedsRevision  bool      `json:"needs_revision,omitempty"`
}

// Clock abstracts time for decay and scoring so tests can steer it.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// tokenizeTerms lowercases and splits free text into deduplicated terms used
// for lexical overlap scoring.
func tokenizeTerms(parts ...string) []string {
	seen := make(map[string]bool)
	var terms []string
	for _, part := range parts {
		for _, field := range strings.FieldsFunc(strings.ToLower(part), func(r rune) bool {
			return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
		}) {
			if len(field) < 2 || seen[field] {
				continue
			}
			seen[field] = true
			terms = append(terms, field)
		}
	}
	return terms
}
