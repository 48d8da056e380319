// Package coordinator turns an execution plan into a dependency-layered,
// concurrently executed schedule with retry, fix-and-retry, replan, and abort
// transitions. Callers always receive an AggregatedResult with whatever
// partial progress was made; only planning-time errors surface as errors.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"conductor/internal/logging"
	"conductor/internal/memory"
	"conductor/internal/plan"
	"conductor/internal/retry"
	"conductor/internal/taxonomy"
	"conductor/internal/tool"
)

// Config carries the per-coordinator knobs. It is explicit configuration
// passed at construction, never a process-wide singleton.
type Config struct {
	Owner          string
	Concurrency    int
	MaxReplans     int
	FailFast       bool
	SubtaskTimeout time.Duration
	Promote        bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig(owner string) Config {
	return Config{
		Owner:          owner,
		Concurrency:    4,
		MaxReplans:     2,
		SubtaskTimeout: 60 * time.Second,
		Promote:        true,
	}
}

// Coordinator drives plan execution. A single coordinating goroutine advances
// layer by layer; subtasks within a layer run under a bounded worker pool.
type Coordinator struct {
	registry   *tool.Registry
	classifier *taxonomy.Classifier
	engine     *retry.Engine
	recovery   *memory.RecoveryStore
	working    *memory.Working
	semantic   *memory.Semantic
	narrative  *memory.Narrative
	replanner  Replanner
	retryCfg   retry.Config
	cfg        Config
	metrics    *Metrics
	logger     logging.Logger
	sleep      func(ctx context.Context, d time.Duration) error

	mu        sync.Mutex
	state     State
	listeners []Listener
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithReplanner installs the replanning strategy.
func WithReplanner(r Replanner) Option {
	return func(c *Coordinator) { c.replanner = r }
}

// WithNarrative routes promoted working memory into narrative generation.
func WithNarrative(n *memory.Narrative) Option {
	return func(c *Coordinator) { c.narrative = n }
}

// WithListener subscribes a lifecycle event listener.
func WithListener(l Listener) Option {
	return func(c *Coordinator) { c.listeners = append(c.listeners, l) }
}

// WithMetrics overrides the shared metrics instance (tests supply a fresh
// registry).
func WithMetrics(m *Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithLogger overrides the component logger.
func WithLogger(l logging.Logger) Option {
	return func(c *Coordinator) { c.logger = logging.OrNop(l) }
}

// WithSleeper overrides backoff waiting (tests skip real delays).
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Coordinator) { c.sleep = sleep }
}

func New(
	registry *tool.Registry,
	classifier *taxonomy.Classifier,
	recovery *memory.RecoveryStore,
	working *memory.Working,
	semantic *memory.Semantic,
	retryCfg retry.Config,
	cfg Config,
	opts ...Option,
) *Coordinator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}

	c := &Coordinator{
		registry:   registry,
		classifier: classifier,
		recovery:   recovery,
		working:    working,
		semantic:   semantic,
		retryCfg:   retryCfg,
		cfg:        cfg,
		logger:     logging.NewComponentLogger("coordinator"),
		sleep:      defaultSleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = defaultMetrics()
	}

	var lookup retry.FixLookup
	if recovery != nil {
		lookup = func(ctx context.Context, toolName string, kind taxonomy.ErrorKind) (retry.StoredFix, bool) {
			id, rec, ok := recovery.Match(ctx, cfg.Owner, toolName, kind)
			if !ok {
				return retry.StoredFix{}, false
			}
			return retry.StoredFix{RecordID: id, Parameters: rec.FixedParameters}, true
		}
	}
	c.engine = retry.NewEngine(lookup, c.logger)
	return c
}

func defaultSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State reports the coordinator's current lifecycle position.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == "" {
		return StatePlanning
	}
	return c.state
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Coordinator) emit(e Event) {
	e.Timestamp = time.Now()
	c.mu.Lock()
	listeners := append([]Listener(nil), c.listeners...)
	c.mu.Unlock()
	for _, l := range listeners {
		l.OnEvent(e)
	}
}

func (c *Coordinator) recordWM(taskID string, kind memory.SlotKind, content string, priority memory.SlotPriority) {
	if c.working == nil {
		return
	}
	if err := c.working.Record(taskID, kind, content, priority); err != nil {
		c.logger.Debug("working memory record failed: %v", err)
	}
}

// Run executes the plan. Planning-time errors (cycle, duplicate id,
// unresolvable tool) fail fast before any subtask executes; every other
// failure mode is absorbed and reported through the AggregatedResult.
func (c *Coordinator) Run(ctx context.Context, p *plan.Plan) (*AggregatedResult, error) {
	c.setState(StatePlanning)
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("planning failed: %w", err)
	}
	if err := c.checkTools(p); err != nil {
		return nil, fmt.Errorf("planning failed: %w", err)
	}

	runID := uuid.NewString()
	started := time.Now()
	c.metrics.runStarted()
	defer c.metrics.runFinished()

	agg := &AggregatedResult{
		RunID:     runID,
		Intent:    p.Intent,
		Results:   make(map[string]SubtaskResult),
		StartedAt: started,
	}

	taskID := ""
	if c.working != nil {
		taskID = c.working.Start(c.cfg.Owner, p.Intent)
	}
	c.emit(Event{Type: EventRunStarted, RunID: runID, Detail: p.Intent})
	c.recordWM(taskID, memory.SlotDecision, fmt.Sprintf("accepted plan with %d subtasks: %s", len(p.Subtasks), p.Intent), memory.PriorityHigh)

	current := p
	executed := make(map[string]bool)
	aborted := false
	var failureReason string

runLoop:
	for {
		c.setState(StateExecuting)
		layers, err := current.Layers()
		if err != nil {
			// Replanned plans are validated before adoption, so this only
			// fires on internal inconsistency.
			failureReason = err.Error()
			break
		}

		needReplan := false
		failures := make(map[string]taxonomy.ErrorAnalysis)

		for layerIdx, layer := range layers {
			pending := pendingSubtasks(layer, executed, agg)
			if len(pending) == 0 {
				continue
			}

			outcome := c.runLayer(ctx, runID, taskID, layerIdx, pending, agg)
			for id := range outcome.succeeded {
				executed[id] = true
			}
			for id, analysis := range outcome.failures {
				failures[id] = analysis
			}

			if outcome.aborted {
				aborted = true
				failureReason = outcome.reason
				c.recordWM(taskID, memory.SlotDecision, "run aborted: "+outcome.reason, memory.PriorityHigh)
				break runLoop
			}
			if outcome.replan {
				needReplan = true
				// Dependencies of later layers are no longer guaranteed;
				// stop scheduling and hand the remainder to the replanner.
				break
			}
			if ctx.Err() != nil {
				aborted = true
				failureReason = "run cancelled: " + ctx.Err().Error()
				break runLoop
			}
		}

		if !needReplan {
			break
		}

		if agg.Replans >= c.cfg.MaxReplans {
			failureReason = fmt.Sprintf("replan budget (%d) exhausted", c.cfg.MaxReplans)
			c.recordWM(taskID, memory.SlotDecision, failureReason, memory.PriorityHigh)
			break
		}

		c.setState(StateReplanning)
		remainder := current.Remainder(executed)
		revised, err := c.replan(ctx, remainder, failures)
		if err != nil {
			failureReason = "replanning failed: " + err.Error()
			c.recordWM(taskID, memory.SlotDecision, failureReason, memory.PriorityHigh)
			break
		}
		agg.Replans++
		c.metrics.countReplan()
		c.recordWM(taskID, memory.SlotDecision, fmt.Sprintf("replanned remainder into %d subtasks", len(revised.Subtasks)), memory.PriorityHigh)
		current = revised
	}

	c.setState(StateAggregating)
	agg.Duration = time.Since(started)
	agg.Status = c.finalStatus(agg, aborted, failureReason)
	agg.FailureReason = failureReason
	if agg.Status == StatusSucceeded {
		c.setState(StateDone)
	} else {
		c.setState(StateFailed)
	}

	c.emit(Event{Type: EventRunCompleted, RunID: runID, Detail: string(agg.Status)})
	c.finishWorkingMemory(ctx, taskID, agg)
	return agg, nil
}

func (c *Coordinator) checkTools(p *plan.Plan) error {
	for _, st := range p.Subtasks {
		if !c.registry.Has(st.Tool) {
			return fmt.Errorf("subtask %s references unknown tool %q", st.ID, st.Tool)
		}
	}
	return nil
}

func (c *Coordinator) finalStatus(agg *AggregatedResult, aborted bool, failureReason string) RunStatus {
	if aborted {
		return StatusAborted
	}
	if failureReason != "" || agg.Failed() > 0 {
		return StatusPartial
	}
	return StatusSucceeded
}

func (c *Coordinator) finishWorkingMemory(ctx context.Context, taskID string, agg *AggregatedResult) {
	if c.working == nil || taskID == "" {
		return
	}
	promote := c.cfg.Promote && c.semantic != nil
	items, err := c.working.End(ctx, taskID, promote, c.semantic)
	if err != nil {
		c.logger.Warn("working memory promotion failed: %v", err)
		return
	}
	if c.narrative != nil && len(items) > 0 {
		c.narrative.NotePromoted(c.cfg.Owner, items)
	}
}

func pendingSubtasks(layer []plan.Subtask, executed map[string]bool, agg *AggregatedResult) []plan.Subtask {
	var pending []plan.Subtask
	for _, st := range layer {
		if executed[st.ID] {
			continue
		}
		if res, ok := agg.Results[st.ID]; ok && res.Success {
			continue
		}
		pending = append(pending, st)
	}
	return pending
}

// layerOutcome aggregates what happened inside one layer.
type layerOutcome struct {
	succeeded map[string]bool
	failures  map[string]taxonomy.ErrorAnalysis
	replan    bool
	aborted   bool
	reason    string
}

// runLayer executes one dependency layer under the bounded worker pool. The
// layer always drains: in-flight subtasks finish even when a failure resolves
// to replan or abort. Under fail-fast, queued subtasks that have not started
// yet are skipped once a terminal decision lands.
func (c *Coordinator) runLayer(ctx context.Context, runID, taskID string, layerIdx int, subtasks []plan.Subtask, agg *AggregatedResult) layerOutcome {
	outcome := layerOutcome{
		succeeded: make(map[string]bool),
		failures:  make(map[string]taxonomy.ErrorAnalysis),
	}

	var mu sync.Mutex
	var stop atomic.Bool
	sem := semaphore.NewWeighted(int64(c.cfg.Concurrency))
	var g errgroup.Group

	for _, st := range subtasks {
		st := st
		g.Go(func() error {
			if err := sem.Acquire(ctx, 1); err != nil {
				return nil
			}
			defer sem.Release(1)

			if c.cfg.FailFast && stop.Load() {
				c.emit(Event{Type: EventSubtaskSkipped, RunID: runID, SubtaskID: st.ID, Tool: st.Tool, Layer: layerIdx})
				return nil
			}

			result, subOutcome := c.executeSubtask(ctx, runID, taskID, layerIdx, st)

			mu.Lock()
			defer mu.Unlock()
			agg.Results[st.ID] = result
			if result.Success {
				outcome.succeeded[st.ID] = true
				return nil
			}
			if result.Error != nil {
				outcome.failures[st.ID] = *result.Error
			}
			switch {
			case subOutcome.abort:
				outcome.aborted = true
				outcome.reason = subOutcome.reason
				stop.Store(true)
			case subOutcome.replan:
				outcome.replan = true
				stop.Store(true)
			}
			return nil
		})
	}
	_ = g.Wait()
	return outcome
}

type subtaskOutcome struct {
	replan bool
	abort  bool
	reason string
}

type appliedFix struct {
	recoveryID string
	original   map[string]any
	fixed      map[string]any
	kind       taxonomy.ErrorKind
}

// executeSubtask runs one subtask through its retry loop until success or a
// terminal decision.
func (c *Coordinator) executeSubtask(ctx context.Context, runID, taskID string, layerIdx int, st plan.Subtask) (SubtaskResult, subtaskOutcome) {
	def := c.toolDefinition(st.Tool)
	params := st.Parameters
	timeout := c.cfg.SubtaskTimeout
	started := time.Now()

	var fix *appliedFix

	c.emit(Event{Type: EventSubtaskStarted, RunID: runID, SubtaskID: st.ID, Tool: st.Tool, Layer: layerIdx})

	for attempt := 0; ; attempt++ {
		output, err := c.invoke(ctx, st.Tool, params, timeout)
		if err == nil {
			c.onSubtaskSuccess(ctx, taskID, st, fix, attempt)
			c.metrics.observeSubtask(st.Tool, "success", time.Since(started))
			c.emit(Event{Type: EventSubtaskComplete, RunID: runID, SubtaskID: st.ID, Tool: st.Tool, Layer: layerIdx, Attempt: attempt})
			return SubtaskResult{
				StepID:   st.ID,
				Success:  true,
				Output:   output,
				Attempts: attempt + 1,
				Duration: time.Since(started),
			}, subtaskOutcome{}
		}

		c.recordWM(taskID, memory.SlotError, fmt.Sprintf("%s attempt %d failed: %v", st.ID, attempt+1, err), memory.PriorityMedium)

		failure := taxonomy.Failure{
			Err:         err,
			Tool:        def,
			Parameters:  params,
			SubtaskID:   st.ID,
			Description: st.Description,
			Attempt:     attempt,
		}
		analysis := c.classifier.Classify(ctx, failure)

		// A stored fix that still fails gets its outcome fed back before the
		// next decision so a broken pattern stops matching.
		if fix != nil && fix.recoveryID != "" && c.recovery != nil {
			if markErr := c.recovery.MarkOutcome(ctx, c.cfg.Owner, fix.recoveryID, false); markErr != nil {
				c.logger.Debug("recovery outcome update failed: %v", markErr)
			}
			fix = nil
		}

		decision := c.engine.Decide(ctx, failure, analysis, attempt, c.retryCfg)

		switch decision.Action {
		case retry.ActionRetry:
			c.setState(StateRetrying)
			c.metrics.countRetry(st.Tool)
			c.emit(Event{Type: EventSubtaskRetried, RunID: runID, SubtaskID: st.ID, Tool: st.Tool, Layer: layerIdx, Attempt: attempt + 1, Detail: string(analysis.Kind)})
			if decision.IncreaseTimeout && timeout > 0 {
				timeout *= 2
			}
			if sleepErr := c.sleep(ctx, decision.Delay); sleepErr != nil {
				return c.failedResult(st, analysis, attempt, started), subtaskOutcome{abort: true, reason: "cancelled during backoff"}
			}

		case retry.ActionFixAndRetry:
			c.metrics.countRetry(st.Tool)
			fix = &appliedFix{
				recoveryID: decision.RecoveryID,
				original:   params,
				fixed:      decision.Parameters,
				kind:       analysis.Kind,
			}
			params = decision.Parameters
			c.recordWM(taskID, memory.SlotDecision, fmt.Sprintf("%s: applying parameter fix (%s)", st.ID, decision.Reason), memory.PriorityHigh)
			c.emit(Event{Type: EventSubtaskFixed, RunID: runID, SubtaskID: st.ID, Tool: st.Tool, Layer: layerIdx, Attempt: attempt + 1, Detail: decision.Reason})
			if sleepErr := c.sleep(ctx, decision.Delay); sleepErr != nil {
				return c.failedResult(st, analysis, attempt, started), subtaskOutcome{abort: true, reason: "cancelled during backoff"}
			}

		case retry.ActionReplan:
			c.metrics.observeSubtask(st.Tool, "replan", time.Since(started))
			c.emit(Event{Type: EventSubtaskReplan, RunID: runID, SubtaskID: st.ID, Tool: st.Tool, Layer: layerIdx, Attempt: attempt, Detail: decision.Reason})
			return c.failedResult(st, analysis, attempt, started), subtaskOutcome{replan: true}

		default: // retry.ActionAbort
			c.metrics.observeSubtask(st.Tool, "abort", time.Since(started))
			c.emit(Event{Type: EventSubtaskFailed, RunID: runID, SubtaskID: st.ID, Tool: st.Tool, Layer: layerIdx, Attempt: attempt, Detail: decision.Reason})
			return c.failedResult(st, analysis, attempt, started), subtaskOutcome{abort: true, reason: fmt.Sprintf("subtask %s: %s", st.ID, decision.Reason)}
		}
	}
}

func (c *Coordinator) failedResult(st plan.Subtask, analysis taxonomy.ErrorAnalysis, attempt int, started time.Time) SubtaskResult {
	return SubtaskResult{
		StepID:   st.ID,
		Success:  false,
		Error:    &analysis,
		Attempts: attempt + 1,
		Duration: time.Since(started),
	}
}

// onSubtaskSuccess closes the learning loop: a success right after a
// parameter fix either reinforces the stored pattern or records a new one.
func (c *Coordinator) onSubtaskSuccess(ctx context.Context, taskID string, st plan.Subtask, fix *appliedFix, attempt int) {
	c.recordWM(taskID, memory.SlotToolCall, fmt.Sprintf("%s via %s succeeded on attempt %d", st.ID, st.Tool, attempt+1), memory.PriorityMedium)

	if fix == nil || c.recovery == nil {
		return
	}
	if fix.recoveryID != "" {
		if err := c.recovery.MarkOutcome(ctx, c.cfg.Owner, fix.recoveryID, true); err != nil {
			c.logger.Debug("recovery outcome update failed: %v", err)
		}
	} else {
		_, err := c.recovery.Record(ctx, c.cfg.Owner, memory.RecoveryRecord{
			ToolName:           st.Tool,
			ErrorKind:          fix.kind,
			OriginalParameters: fix.original,
			FixedParameters:    fix.fixed,
		})
		if err != nil {
			c.logger.Warn("recording recovery failed: %v", err)
		}
	}
	c.recordWM(taskID, memory.SlotRecovery, fmt.Sprintf("parameter fix recovered %s on tool %s", st.ID, st.Tool), memory.PriorityHigh)
}

func (c *Coordinator) toolDefinition(name string) tool.Definition {
	t, err := c.registry.Get(name)
	if err != nil {
		return tool.Definition{Name: name}
	}
	return t.Definition()
}

func (c *Coordinator) invoke(ctx context.Context, name string, params map[string]any, timeout time.Duration) (map[string]any, error) {
	t, err := c.registry.Get(name)
	if err != nil {
		return nil, err
	}
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return t.Invoke(callCtx, params)
}

func (c *Coordinator) replan(ctx context.Context, remainder *plan.Plan, failures map[string]taxonomy.ErrorAnalysis) (*plan.Plan, error) {
	if c.replanner == nil {
		return nil, fmt.Errorf("no replanner configured")
	}
	if len(remainder.Subtasks) == 0 {
		return nil, fmt.Errorf("nothing left to replan")
	}
	revised, err := c.replanner.Replan(ctx, remainder, failures)
	if err != nil {
		return nil, err
	}
	if err := revised.Validate(); err != nil {
		return nil, fmt.Errorf("replanned plan invalid: %w", err)
	}
	if err := c.checkTools(revised); err != nil {
		return nil, err
	}
	return revised, nil
}
