package retry

import (
	"context"
	"fmt"

	"conductor/internal/logging"
	"conductor/internal/taxonomy"
)

// StoredFix is a matched recovery pattern: replacement parameters plus the
// identifier of the record they came from.
type StoredFix struct {
	RecordID   string
	Parameters map[string]any
}

// FixLookup resolves a (tool, error kind) pair to a previously successful
// parameter fix. Implemented by the recovery store; nil means no lookup.
type FixLookup func(ctx context.Context, toolName string, kind taxonomy.ErrorKind) (StoredFix, bool)

// Engine applies the taxonomy policy table to classified failures.
type Engine struct {
	lookup FixLookup
	logger logging.Logger
}

func NewEngine(lookup FixLookup, logger logging.Logger) *Engine {
	return &Engine{lookup: lookup, logger: logging.OrNop(logger)}
}

// Decide maps an analysis and attempt count onto a Decision. attempt counts
// completed attempts for the subtask, starting at 0 for the first failure; a
// retry is never granted once attempt reaches cfg.MaxRetries.
func (e *Engine) Decide(ctx context.Context, f taxonomy.Failure, analysis taxonomy.ErrorAnalysis, attempt int, cfg Config) Decision {
	if analysis.Kind == taxonomy.PermissionError {
		return Decision{Action: ActionAbort, Reason: "permission errors are never retried"}
	}

	if cfg.Strategy == StrategyReplanOnly {
		return Decision{Action: ActionReplan, Reason: "replan-only strategy"}
	}

	exhausted := attempt >= cfg.MaxRetries

	switch analysis.Kind {
	case taxonomy.LogicError:
		return Decision{Action: ActionReplan, Reason: "logic errors require a new plan"}

	case taxonomy.ParameterError:
		if exhausted {
			return Decision{Action: ActionReplan, Reason: "parameter fix attempts exhausted"}
		}
		if decision, ok := e.fixDecision(ctx, f, analysis, attempt, cfg); ok {
			return decision
		}
		return Decision{
			Action: ActionRetry,
			Delay:  Backoff(attempt, cfg),
			Reason: "no usable parameter fix, plain retry",
		}

	case taxonomy.NetworkError, taxonomy.ResourceError:
		if exhausted {
			return Decision{Action: ActionReplan, Reason: fmt.Sprintf("%s retries exhausted", analysis.Kind)}
		}
		return Decision{Action: ActionRetry, Delay: Backoff(attempt, cfg)}

	case taxonomy.TimeoutError:
		if exhausted {
			return Decision{Action: ActionReplan, Reason: "timeout retries exhausted"}
		}
		return Decision{Action: ActionRetry, Delay: Backoff(attempt, cfg), IncreaseTimeout: true}

	default:
		// Unknown errors retry up to the configured budget, then abort.
		// Replanning on an unclassified failure would loop on the same
		// unknown cause, so abort is the deterministic terminal policy.
		if exhausted {
			return Decision{Action: ActionAbort, Reason: "unknown error, retries exhausted"}
		}
		return Decision{Action: ActionRetry, Delay: Backoff(attempt, cfg)}
	}
}

// fixDecision builds a FIX_AND_RETRY decision. A stored recovery pattern wins
// over the oracle-suggested diff; the suggested diff is untrusted input and is
// merged only after validation against the original parameter set.
func (e *Engine) fixDecision(ctx context.Context, f taxonomy.Failure, analysis taxonomy.ErrorAnalysis, attempt int, cfg Config) (Decision, bool) {
	if e.lookup != nil && f.Tool.Name != "" {
		if fix, ok := e.lookup(ctx, f.Tool.Name, analysis.Kind); ok && len(fix.Parameters) > 0 {
			e.logger.Info("applying stored recovery pattern %s for tool %s", fix.RecordID, f.Tool.Name)
			return Decision{
				Action:       ActionFixAndRetry,
				Delay:        Backoff(attempt, cfg),
				Parameters:   fix.Parameters,
				FromRecovery: true,
				RecoveryID:   fix.RecordID,
				Reason:       "stored recovery pattern matched",
			}, true
		}
	}

	merged, err := MergeSuggestedChanges(f.Parameters, analysis.SuggestedChanges, f.Tool.Parameters)
	if err != nil {
		e.logger.Warn("rejecting suggested parameter changes for %s: %v", f.Tool.Name, err)
		return Decision{}, false
	}
	if merged == nil {
		return Decision{}, false
	}
	return Decision{
		Action:     ActionFixAndRetry,
		Delay:      Backoff(attempt, cfg),
		Parameters: merged,
		Reason:     "oracle-suggested parameter fix",
	}, true
}

// MergeSuggestedChanges validates an oracle-suggested diff and applies it on
// top of the original parameters. When the tool declares a parameter schema
// with named properties, keys outside that schema are rejected rather than
// silently applied. Returns (nil, nil) when there is nothing to apply.
func MergeSuggestedChanges(original, changes map[string]any, schema map[string]any) (map[string]any, error) {
	if len(changes) == 0 {
		return nil, nil
	}

	allowed := schemaProperties(schema)
	merged := make(map[string]any, len(original)+len(changes))
	for k, v := range original {
		merged[k] = v
	}
	for k, v := range changes {
		if k == "" {
			return nil, fmt.Errorf("suggested change has empty parameter name")
		}
		if allowed != nil {
			if _, ok := allowed[k]; !ok {
				return nil, fmt.Errorf("suggested change targets undeclared parameter %q", k)
			}
		}
		merged[k] = v
	}
	return merged, nil
}

func schemaProperties(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return nil
	}
	return props
}
