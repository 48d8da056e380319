package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"conductor/internal/logging"
	"conductor/internal/oracle"
	"conductor/internal/plan"
	"conductor/internal/taxonomy"
)

// Replanner produces a replacement plan for the unexecuted remainder of a
// failed run.
type Replanner interface {
	Replan(ctx context.Context, remainder *plan.Plan, failures map[string]taxonomy.ErrorAnalysis) (*plan.Plan, error)
}

// OracleReplanner asks the reasoning oracle for a revised plan. Its output is
// untrusted and is validated like any caller-supplied plan before use.
type OracleReplanner struct {
	oracle  oracle.Oracle
	logger  logging.Logger
	timeout time.Duration
}

func NewOracleReplanner(o oracle.Oracle, logger logging.Logger) *OracleReplanner {
	return &OracleReplanner{oracle: o, logger: logging.OrNop(logger), timeout: 60 * time.Second}
}

const replanSystemPrompt = `You revise execution plans after non-recoverable failures.
Given the remaining subtasks and what failed, produce a corrected plan.
Reply with ONLY a JSON object:
{"subtasks": [{"id": "...", "description": "...", "tool": "...", "parameters": {}, "depends_on": []}]}
Keep the same tools unless a different one clearly fixes the failure. Ids must be unique.`

func (r *OracleReplanner) Replan(ctx context.Context, remainder *plan.Plan, failures map[string]taxonomy.ErrorAnalysis) (*plan.Plan, error) {
	if r.oracle == nil {
		return nil, fmt.Errorf("no oracle configured for replanning")
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	resp, err := r.oracle.Complete(callCtx, oracle.Request{
		System:      replanSystemPrompt,
		Prompt:      buildReplanPrompt(remainder, failures),
		Temperature: 0.2,
		MaxTokens:   1200,
	})
	if err != nil {
		return nil, fmt.Errorf("replan oracle call: %w", err)
	}

	var parsed struct {
		Subtasks []plan.Subtask `json:"subtasks"`
	}
	if err := oracle.DecodeJSON(resp.Content, &parsed); err != nil {
		return nil, fmt.Errorf("replan verdict: %w", err)
	}
	if len(parsed.Subtasks) == 0 {
		return nil, fmt.Errorf("replan verdict contained no subtasks")
	}

	revised := &plan.Plan{Intent: remainder.Intent, Subtasks: parsed.Subtasks}
	if err := revised.Validate(); err != nil {
		return nil, fmt.Errorf("replanned plan invalid: %w", err)
	}
	r.logger.Info("replan produced %d subtasks", len(revised.Subtasks))
	return revised, nil
}

func buildReplanPrompt(remainder *plan.Plan, failures map[string]taxonomy.ErrorAnalysis) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Intent: %s\n\nRemaining subtasks:\n", remainder.Intent)
	for _, st := range remainder.Subtasks {
		encoded, _ := json.Marshal(st)
		fmt.Fprintf(&b, "%s\n", encoded)
	}
	if len(failures) > 0 {
		b.WriteString("\nFailures observed:\n")
		for id, analysis := range failures {
			fmt.Fprintf(&b, "- subtask %s: %s (%s, recoverable=%v)\n", id, analysis.RootCause, analysis.Kind, analysis.Recoverable)
		}
	}
	return b.String()
}
