package memory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sergi/go-diff/diffmatchpatch"

	"conductor/internal/logging"
	"conductor/internal/taxonomy"
)

// RecoveryRecord is a persisted (tool, error-kind) -> parameter-fix pattern,
// reused to avoid repeated oracle consultation. Records live inside semantic
// memory as category=recovery items, so they inherit per-owner serialization
// and persistence for free.
type RecoveryRecord struct {
	ToolName           string             `json:"tool_name"`
	ErrorKind          taxonomy.ErrorKind `json:"error_kind"`
	OriginalParameters map[string]any     `json:"original_parameters"`
	FixedParameters    map[string]any     `json:"fixed_parameters"`
	ReuseCount         int                `json:"reuse_count"`
	SuccessRate        float64            `json:"success_rate"`
	// Outcomes is the rolling window the success rate is computed over.
	Outcomes []bool `json:"outcomes,omitempty"`
}

const (
	recoveryWindowSize        = 10
	recoveryDemoteThreshold   = 0.4
	recoverySubcategory       = "parameter_fix"
	recoveryInitialConfidence = 0.7
)

// RecoveryStore is the sub-view of semantic memory holding recovery patterns.
type RecoveryStore struct {
	semantic *Semantic
	logger   logging.Logger
}

func NewRecoveryStore(semantic *Semantic, logger logging.Logger) *RecoveryStore {
	return &RecoveryStore{semantic: semantic, logger: logging.OrNop(logger)}
}

// Record persists a newly successful recovery. Called exactly once per
// first-time successful parameter fix; reuse goes through MarkOutcome.
func (r *RecoveryStore) Record(ctx context.Context, owner string, rec RecoveryRecord) (string, error) {
	if rec.ToolName == "" {
		return "", fmt.Errorf("recovery record needs a tool name")
	}
	rec.Outcomes = []bool{true}
	rec.SuccessRate = 1

	content, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encode recovery record: %w", err)
	}

	r.logger.Info("recording recovery for %s/%s: %s", rec.ToolName, rec.ErrorKind, parameterDiff(rec.OriginalParameters, rec.FixedParameters))

	return r.semantic.Add(ctx, Item{
		Owner:       owner,
		Content:     string(content),
		Category:    CategoryRecovery,
		Subcategory: recoverySubcategory,
		Tags:        []string{rec.ToolName, string(rec.ErrorKind)},
		Confidence:  recoveryInitialConfidence,
	})
}

// Match finds the best stored pattern for a (tool, error kind) pair. Flagged
// records are skipped. Returns the owning memory id so outcomes can be fed
// back.
func (r *RecoveryStore) Match(ctx context.Context, owner, toolName string, kind taxonomy.ErrorKind) (string, RecoveryRecord, bool) {
	results, err := r.semantic.Search(ctx, owner, toolName+" "+string(kind), SearchOptions{
		Categories: []Category{CategoryRecovery},
		TopK:       10,
	})
	if err != nil {
		r.logger.Warn("recovery lookup failed for %s: %v", toolName, err)
		return "", RecoveryRecord{}, false
	}

	for _, scored := range results {
		if scored.Item.Subcategory != recoverySubcategory || scored.Item.NeedsRevision {
			continue
		}
		var rec RecoveryRecord
		if err := json.Unmarshal([]byte(scored.Item.Content), &rec); err != nil {
			continue
		}
		if rec.ToolName == toolName && rec.ErrorKind == kind {
			return scored.Item.ID, rec, true
		}
	}
	return "", RecoveryRecord{}, false
}

// MarkOutcome feeds a reuse result back into the pattern. The success rate is
// recomputed over a rolling window; a pattern whose rate falls below the
// demotion threshold is flagged needs_revision through negative feedback so
// ranking stops preferring it.
func (r *RecoveryStore) MarkOutcome(ctx context.Context, owner, memoryID string, success bool) error {
	item, err := r.semantic.Get(ctx, owner, memoryID)
	if err != nil {
		return err
	}

	var rec RecoveryRecord
	if err := json.Unmarshal([]byte(item.Content), &rec); err != nil {
		return fmt.Errorf("decode recovery record %s: %w", memoryID, err)
	}

	rec.ReuseCount++
	rec.Outcomes = append(rec.Outcomes, success)
	if len(rec.Outcomes) > recoveryWindowSize {
		rec.Outcomes = rec.Outcomes[len(rec.Outcomes)-recoveryWindowSize:]
	}
	successes := 0
	for _, ok := range rec.Outcomes {
		if ok {
			successes++
		}
	}
	rec.SuccessRate = float64(successes) / float64(len(rec.Outcomes))

	content, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode recovery record %s: %w", memoryID, err)
	}
	item.Content = string(content)
	if rec.SuccessRate < recoveryDemoteThreshold {
		item.NeedsRevision = true
		r.logger.Warn("recovery pattern %s demoted, success rate %.2f", memoryID, rec.SuccessRate)
	}
	if err := r.semantic.Update(ctx, owner, item); err != nil {
		return err
	}

	return r.semantic.Feedback(ctx, owner, memoryID, success, "recovery reuse outcome")
}

// parameterDiff renders a compact human-readable diff between the original
// and fixed parameter sets for logs and events.
func parameterDiff(original, fixed map[string]any) string {
	before, err := json.Marshal(original)
	if err != nil {
		return "(unrenderable)"
	}
	after, err := json.Marshal(fixed)
	if err != nil {
		return "(unrenderable)"
	}
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(string(before), string(after), false)
	return dmp.DiffPrettyText(diffs)
}
