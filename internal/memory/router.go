package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"conductor/internal/logging"
	"conductor/internal/oracle"
	"conductor/internal/token"
)

// RoutedContext is the router's answer: prompt-ready text that fits the token
// budget plus the selection trace for observability.
type RoutedContext struct {
	Text     string    `json:"context_text"`
	Selected []Item    `json:"selected_items"`
	Dropped  []Dropped `json:"dropped_items,omitempty"`
	Trace    []string  `json:"debug_trace,omitempty"`
	Tokens   int       `json:"token_count"`
}

// Dropped records why a candidate was left out.
type Dropped struct {
	ID     string `json:"memory_id"`
	Reason string `json:"reason"`
}

// Router decides which memory tiers and categories serve a query and fits the
// results into a token budget.
type Router struct {
	semantic  *Semantic
	narrative *Narrative
	oracle    oracle.Oracle
	logger    logging.Logger
}

func NewRouter(semantic *Semantic, narrative *Narrative, o oracle.Oracle, logger logging.Logger) *Router {
	return &Router{
		semantic:  semantic,
		narrative: narrative,
		oracle:    o,
		logger:    logging.OrNop(logger),
	}
}

var categoryCues = map[Category][]string{
	CategoryPreference: {"prefer", "preference", "like", "style", "convention", "always", "never"},
	CategoryStrategy:   {"strategy", "approach", "plan", "how", "method", "workflow"},
	CategoryKnowledge:  {"fact", "know", "what", "where", "definition", "detail"},
	CategoryRecovery:   {"error", "fail", "fix", "recover", "retry", "broke"},
	CategoryFeedback:   {"feedback", "review", "rating", "opinion"},
}

var reflectionCues = []string{"reflect", "summary", "summarize", "history", "narrative", "so far", "previously"}

// detectIntent maps the query onto a category set via lexical cues. The
// second return reports whether narrative memory should also be consulted.
// Ambiguous queries (no cue hit) fall through to the oracle when available,
// and finally to the full category set.
func (r *Router) detectIntent(ctx context.Context, query string) ([]Category, bool) {
	lower := strings.ToLower(query)

	reflective := false
	for _, cue := range reflectionCues {
		if strings.Contains(lower, cue) {
			reflective = true
			break
		}
	}

	var matched []Category
	for _, cat := range CategoryPriority {
		for _, cue := range categoryCues[cat] {
			if strings.Contains(lower, cue) {
				matched = append(matched, cat)
				break
			}
		}
	}
	if len(matched) > 0 {
		return matched, reflective
	}

	if cats, ok := r.oracleIntent(ctx, query); ok {
		return cats, reflective
	}
	return append([]Category(nil), CategoryPriority...), reflective
}

const intentSystemPrompt = `Classify which memory categories are relevant to the query.
Reply with ONLY a JSON object: {"categories": ["preference","strategy","knowledge","recovery","feedback"]}.
Include only relevant categories.`

func (r *Router) oracleIntent(ctx context.Context, query string) ([]Category, bool) {
	if r.oracle == nil {
		return nil, false
	}
	callCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	resp, err := r.oracle.Complete(callCtx, oracle.Request{
		System:      intentSystemPrompt,
		Prompt:      query,
		Temperature: 0,
		MaxTokens:   100,
	})
	if err != nil {
		r.logger.Debug("oracle intent detection failed: %v", err)
		return nil, false
	}

	var verdict struct {
		Categories []string `json:"categories"`
	}
	if err := oracle.DecodeJSON(resp.Content, &verdict); err != nil {
		r.logger.Debug("unparseable oracle intent: %v", err)
		return nil, false
	}

	var cats []Category
	for _, raw := range verdict.Categories {
		for _, known := range CategoryPriority {
			if strings.EqualFold(strings.TrimSpace(raw), string(known)) {
				cats = append(cats, known)
			}
		}
	}
	if len(cats) == 0 {
		return nil, false
	}
	return cats, true
}

// Route assembles context for the query under tokenBudget. Candidates are
// pulled per category and admitted greedily in fixed priority order
// (preference > strategy > knowledge > recovery > feedback); once the budget
// would be exceeded the remaining lower-priority candidates are dropped and
// reported. The returned context never exceeds the budget.
func (r *Router) Route(ctx context.Context, owner, query string, tokenBudget int) (RoutedContext, error) {
	if tokenBudget <= 0 {
		return RoutedContext{}, fmt.Errorf("token budget must be positive")
	}

	categories, reflective := r.detectIntent(ctx, query)
	result := RoutedContext{
		Trace: []string{fmt.Sprintf("intent: categories=%v reflective=%v", categories, reflective)},
	}

	var sections []string
	remaining := tokenBudget

	if reflective && r.narrative != nil {
		for _, entry := range r.narrative.Entries(owner, "") {
			cost := token.Count(entry.Body) + 1
			if cost > remaining {
				result.Trace = append(result.Trace, fmt.Sprintf("narrative %q dropped: needs %d tokens, %d left", entry.Title, cost, remaining))
				continue
			}
			sections = append(sections, entry.Body)
			remaining -= cost
			result.Trace = append(result.Trace, fmt.Sprintf("narrative %q admitted (%d tokens)", entry.Title, cost))
			break // one digest is enough for reflection context
		}
	}

	for _, cat := range CategoryPriority {
		if !containsCategory(categories, cat) {
			continue
		}
		scored, err := r.semantic.Search(ctx, owner, query, SearchOptions{
			Categories: []Category{cat},
			TopK:       defaultTopK,
		})
		if err != nil {
			return RoutedContext{}, fmt.Errorf("semantic search for %s: %w", cat, err)
		}
		for _, s := range scored {
			line := fmt.Sprintf("- [%s] %s", s.Item.Category, s.Item.Content)
			cost := token.Count(line) + 1
			if cost > remaining {
				result.Dropped = append(result.Dropped, Dropped{
					ID:     s.Item.ID,
					Reason: fmt.Sprintf("budget: needs %d tokens, %d left", cost, remaining),
				})
				continue
			}
			sections = append(sections, line)
			result.Selected = append(result.Selected, s.Item)
			remaining -= cost
		}
	}

	result.Text = strings.Join(sections, "\n")
	result.Tokens = token.Count(result.Text)
	// Per-line accounting over-approximates BPE merges, but guard the hard
	// ceiling anyway: drop the lowest-priority admitted lines until the
	// assembled text fits.
	for result.Tokens > tokenBudget && len(sections) > 0 {
		last := sections[len(sections)-1]
		sections = sections[:len(sections)-1]
		if len(result.Selected) > 0 {
			dropped := result.Selected[len(result.Selected)-1]
			result.Selected = result.Selected[:len(result.Selected)-1]
			result.Dropped = append(result.Dropped, Dropped{ID: dropped.ID, Reason: "final budget guard"})
		}
		result.Trace = append(result.Trace, fmt.Sprintf("final guard evicted %d-token line", token.Count(last)))
		result.Text = strings.Join(sections, "\n")
		result.Tokens = token.Count(result.Text)
	}
	result.Trace = append(result.Trace, fmt.Sprintf("selected=%d dropped=%d tokens=%d/%d", len(result.Selected), len(result.Dropped), result.Tokens, tokenBudget))
	return result, nil
}
