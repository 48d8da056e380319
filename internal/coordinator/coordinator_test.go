package coordinator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"conductor/internal/logging"
	"conductor/internal/memory"
	"conductor/internal/oracle"
	"conductor/internal/plan"
	"conductor/internal/retry"
	"conductor/internal/taxonomy"
	"conductor/internal/tool"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) OnEvent(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) count(t EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

type harness struct {
	registry *tool.Registry
	semantic *memory.Semantic
	recovery *memory.RecoveryStore
	working  *memory.Working
	events   *eventRecorder
}

func newHarness() *harness {
	semantic := memory.NewSemantic(memory.NewInMemoryStore(), memory.SystemClock{}, logging.Nop())
	return &harness{
		registry: tool.NewRegistry(),
		semantic: semantic,
		recovery: memory.NewRecoveryStore(semantic, logging.Nop()),
		working:  memory.NewWorking(memory.DefaultWorkingCapacity, memory.SystemClock{}, logging.Nop()),
		events:   &eventRecorder{},
	}
}

func (h *harness) coordinator(classifierOracle oracle.Oracle, retryCfg retry.Config, cfg Config, opts ...Option) *Coordinator {
	classifier := taxonomy.NewClassifier(classifierOracle, logging.Nop())
	opts = append(opts,
		WithListener(h.events),
		WithMetrics(MustNewMetrics(prometheus.NewRegistry())),
		WithLogger(logging.Nop()),
	)
	return New(h.registry, classifier, h.recovery, h.working, h.semantic, retryCfg, cfg, opts...)
}

func (h *harness) registerOK(t *testing.T, name string, calls *atomic.Int32) {
	t.Helper()
	err := h.registry.Register(tool.Func{
		Def: tool.Definition{Name: name},
		Fn: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			if calls != nil {
				calls.Add(1)
			}
			return map[string]any{"ok": true}, nil
		},
	})
	require.NoError(t, err)
}

func immediateRetry(maxRetries int) retry.Config {
	return retry.Config{MaxRetries: maxRetries, Strategy: retry.StrategyImmediate}
}

func testConfig() Config {
	cfg := DefaultConfig("tester")
	cfg.SubtaskTimeout = 5 * time.Second
	return cfg
}

func TestRunRespectsDependencyOrder(t *testing.T) {
	h := newHarness()

	var mu sync.Mutex
	var order []string
	record := func(name string) tool.Tool {
		return tool.Func{
			Def: tool.Definition{Name: name},
			Fn: func(ctx context.Context, params map[string]any) (map[string]any, error) {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
				return map[string]any{"done": name}, nil
			},
		}
	}
	require.NoError(t, h.registry.Register(record("fetch")))
	require.NoError(t, h.registry.Register(record("transform")))
	require.NoError(t, h.registry.Register(record("publish")))

	p := &plan.Plan{
		Intent: "fetch, transform and publish",
		Subtasks: []plan.Subtask{
			{ID: "a", Tool: "fetch"},
			{ID: "b", Tool: "transform", DependsOn: []string{"a"}},
			{ID: "c", Tool: "publish", DependsOn: []string{"a", "b"}},
		},
	}

	c := h.coordinator(oracle.NewScripted(), immediateRetry(3), testConfig())
	result, err := c.Run(context.Background(), p)
	require.NoError(t, err)

	require.Equal(t, StatusSucceeded, result.Status)
	require.Equal(t, 3, result.Succeeded())
	require.Equal(t, 0, result.Failed())
	require.Equal(t, []string{"fetch", "transform", "publish"}, order)
	require.Equal(t, 1, h.events.count(EventRunStarted))
	require.Equal(t, 1, h.events.count(EventRunCompleted))
	require.Equal(t, 3, h.events.count(EventSubtaskComplete))
	require.Equal(t, StateDone, c.State())
}

func TestNetworkErrorRetriesWithinBudget(t *testing.T) {
	h := newHarness()

	var calls atomic.Int32
	require.NoError(t, h.registry.Register(tool.Func{
		Def: tool.Definition{Name: "flaky"},
		Fn: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			if calls.Add(1) <= 2 {
				return nil, fmt.Errorf("dial tcp: connection refused")
			}
			return map[string]any{"ok": true}, nil
		},
	}))

	scripted := oracle.NewScripted()
	c := h.coordinator(scripted, immediateRetry(3), testConfig())
	result, err := c.Run(context.Background(), &plan.Plan{
		Intent:   "call a flaky upstream",
		Subtasks: []plan.Subtask{{ID: "s1", Tool: "flaky"}},
	})
	require.NoError(t, err)

	require.Equal(t, StatusSucceeded, result.Status)
	require.Equal(t, 3, result.Results["s1"].Attempts)
	require.Equal(t, int32(3), calls.Load())
	require.Equal(t, 2, h.events.count(EventSubtaskRetried))

	// Network classification is structural; the oracle is never consulted.
	require.Equal(t, 0, scripted.Calls())

	// Plain retries are not parameter fixes and must not mint recovery records.
	_, _, found := h.recovery.Match(context.Background(), "tester", "flaky", taxonomy.NetworkError)
	require.False(t, found)
}

func TestStoredRecoveryPatternAppliedWithoutOracle(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	recordID, err := h.recovery.Record(ctx, "tester", memory.RecoveryRecord{
		ToolName:           "search",
		ErrorKind:          taxonomy.ParameterError,
		OriginalParameters: map[string]any{"mode": "strict"},
		FixedParameters:    map[string]any{"mode": "lenient"},
	})
	require.NoError(t, err)

	var calls atomic.Int32
	require.NoError(t, h.registry.Register(tool.Func{
		Def: tool.Definition{Name: "search"},
		Fn: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			calls.Add(1)
			if params["mode"] != "lenient" {
				return nil, fmt.Errorf("invalid parameter: mode")
			}
			return map[string]any{"hits": 3}, nil
		},
	}))

	scripted := oracle.NewScripted()
	c := h.coordinator(scripted, immediateRetry(3), testConfig())
	result, err := c.Run(ctx, &plan.Plan{
		Intent:   "search with a known-bad mode",
		Subtasks: []plan.Subtask{{ID: "s1", Tool: "search", Parameters: map[string]any{"mode": "strict"}}},
	})
	require.NoError(t, err)

	require.Equal(t, StatusSucceeded, result.Status)
	require.Equal(t, 2, result.Results["s1"].Attempts)
	require.Equal(t, 1, h.events.count(EventSubtaskFixed))
	require.Equal(t, 0, scripted.Calls())

	// Successful reuse reinforces the stored pattern.
	_, rec, found := h.recovery.Match(ctx, "tester", "search", taxonomy.ParameterError)
	require.True(t, found)
	require.Equal(t, 1, rec.ReuseCount)

	got, err := h.semantic.Get(ctx, "tester", recordID)
	require.NoError(t, err)
	require.False(t, got.NeedsRevision)
}

func TestOracleSuggestedFixCreatesRecoveryRecord(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	require.NoError(t, h.registry.Register(tool.Func{
		Def: tool.Definition{
			Name:       "query",
			Parameters: map[string]any{"properties": map[string]any{"limit": map[string]any{"type": "integer"}}},
		},
		Fn: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			if params["limit"] != float64(50) {
				return nil, fmt.Errorf("value out of range for field limit")
			}
			return map[string]any{"rows": 50}, nil
		},
	}))

	scripted := oracle.NewScripted(`{
		"error_kind": "parameter_error",
		"root_cause": "limit exceeds the backend maximum",
		"is_recoverable": true,
		"suggested_parameter_changes": {"limit": 50},
		"confidence": 0.9
	}`)

	c := h.coordinator(scripted, immediateRetry(3), testConfig())
	result, err := c.Run(ctx, &plan.Plan{
		Intent:   "query with an oversized limit",
		Subtasks: []plan.Subtask{{ID: "s1", Tool: "query", Parameters: map[string]any{"limit": float64(5000)}}},
	})
	require.NoError(t, err)

	require.Equal(t, StatusSucceeded, result.Status)
	require.Equal(t, 1, scripted.Calls())
	require.Equal(t, 1, h.events.count(EventSubtaskFixed))

	// A fresh fix that worked is persisted for future matches.
	_, rec, found := h.recovery.Match(ctx, "tester", "query", taxonomy.ParameterError)
	require.True(t, found)
	require.Equal(t, float64(50), rec.FixedParameters["limit"])
	require.Equal(t, float64(5000), rec.OriginalParameters["limit"])
}

func TestPlanningErrorsFailBeforeExecution(t *testing.T) {
	h := newHarness()
	var calls atomic.Int32
	h.registerOK(t, "noop", &calls)

	c := h.coordinator(oracle.NewScripted(), immediateRetry(3), testConfig())

	cyclic := &plan.Plan{
		Intent: "cyclic",
		Subtasks: []plan.Subtask{
			{ID: "a", Tool: "noop", DependsOn: []string{"b"}},
			{ID: "b", Tool: "noop", DependsOn: []string{"a"}},
		},
	}
	_, err := c.Run(context.Background(), cyclic)
	require.ErrorIs(t, err, plan.ErrCycle)

	missing := &plan.Plan{
		Intent:   "missing tool",
		Subtasks: []plan.Subtask{{ID: "a", Tool: "ghost"}},
	}
	_, err = c.Run(context.Background(), missing)
	require.Error(t, err)
	require.Contains(t, err.Error(), "ghost")

	require.Equal(t, int32(0), calls.Load())
	require.Equal(t, 0, h.events.count(EventRunStarted))
}

func TestLogicErrorTriggersReplanAndRecovers(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	require.NoError(t, h.registry.Register(tool.Func{
		Def: tool.Definition{Name: "legacy_export"},
		Fn: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			return nil, fmt.Errorf("export format v1 is no longer produced")
		},
	}))
	var exported atomic.Int32
	h.registerOK(t, "export_v2", &exported)

	scripted := oracle.NewScripted(`{
		"error_kind": "logic_error",
		"root_cause": "the chosen export path cannot succeed",
		"is_recoverable": false,
		"confidence": 0.8
	}`)

	replanner := replannerFunc(func(ctx context.Context, remainder *plan.Plan, failures map[string]taxonomy.ErrorAnalysis) (*plan.Plan, error) {
		if len(failures) == 0 {
			return nil, fmt.Errorf("expected failure context")
		}
		return &plan.Plan{
			Intent:   remainder.Intent,
			Subtasks: []plan.Subtask{{ID: "export", Tool: "export_v2"}},
		}, nil
	})

	c := h.coordinator(scripted, immediateRetry(3), testConfig(), WithReplanner(replanner))
	result, err := c.Run(ctx, &plan.Plan{
		Intent:   "export the report",
		Subtasks: []plan.Subtask{{ID: "export", Tool: "legacy_export"}},
	})
	require.NoError(t, err)

	require.Equal(t, StatusSucceeded, result.Status)
	require.Equal(t, 1, result.Replans)
	require.Equal(t, int32(1), exported.Load())
	require.Equal(t, 1, h.events.count(EventSubtaskReplan))
	require.True(t, result.Results["export"].Success)
}

type replannerFunc func(ctx context.Context, remainder *plan.Plan, failures map[string]taxonomy.ErrorAnalysis) (*plan.Plan, error)

func (f replannerFunc) Replan(ctx context.Context, remainder *plan.Plan, failures map[string]taxonomy.ErrorAnalysis) (*plan.Plan, error) {
	return f(ctx, remainder, failures)
}

func TestReplanBudgetExhaustionYieldsPartial(t *testing.T) {
	h := newHarness()

	require.NoError(t, h.registry.Register(tool.Func{
		Def: tool.Definition{Name: "doomed"},
		Fn: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			return nil, fmt.Errorf("dataset was deleted upstream")
		},
	}))

	// Identical verdicts land in the classifier cache, so one scripted reply
	// covers every round.
	scripted := oracle.NewScripted(`{
		"error_kind": "logic_error",
		"root_cause": "the referenced dataset no longer exists",
		"is_recoverable": false,
		"confidence": 0.85
	}`)

	replans := 0
	replanner := replannerFunc(func(ctx context.Context, remainder *plan.Plan, failures map[string]taxonomy.ErrorAnalysis) (*plan.Plan, error) {
		replans++
		return &plan.Plan{Intent: remainder.Intent, Subtasks: remainder.Subtasks}, nil
	})

	cfg := testConfig()
	cfg.MaxReplans = 1
	c := h.coordinator(scripted, immediateRetry(3), cfg, WithReplanner(replanner))
	result, err := c.Run(context.Background(), &plan.Plan{
		Intent:   "summarize a vanished dataset",
		Subtasks: []plan.Subtask{{ID: "s1", Tool: "doomed"}},
	})
	require.NoError(t, err)

	require.Equal(t, StatusPartial, result.Status)
	require.Equal(t, StateFailed, c.State())
	require.Equal(t, 1, result.Replans)
	require.Equal(t, 1, replans)
	require.Contains(t, result.FailureReason, "replan budget")
	require.False(t, result.Results["s1"].Success)
	require.Equal(t, taxonomy.LogicError, result.Results["s1"].Error.Kind)
}

func TestOracleReplannerValidatesVerdict(t *testing.T) {
	ctx := context.Background()
	remainder := &plan.Plan{
		Intent:   "rebuild the index",
		Subtasks: []plan.Subtask{{ID: "a", Tool: "indexer"}},
	}
	failures := map[string]taxonomy.ErrorAnalysis{
		"a": {Kind: taxonomy.LogicError, RootCause: "index layout changed"},
	}

	scripted := oracle.NewScripted(`{"subtasks":[
		{"id":"a1","tool":"indexer","parameters":{"layout":"v2"}},
		{"id":"a2","tool":"indexer","depends_on":["a1"]}]}`)
	r := NewOracleReplanner(scripted, logging.Nop())

	revised, err := r.Replan(ctx, remainder, failures)
	require.NoError(t, err)
	require.Len(t, revised.Subtasks, 2)
	require.Equal(t, "rebuild the index", revised.Intent)

	// A verdict with a cyclic graph is rejected, not adopted.
	cyclic := oracle.NewScripted(`{"subtasks":[
		{"id":"a1","tool":"indexer","depends_on":["a2"]},
		{"id":"a2","tool":"indexer","depends_on":["a1"]}]}`)
	_, err = NewOracleReplanner(cyclic, logging.Nop()).Replan(ctx, remainder, failures)
	require.ErrorIs(t, err, plan.ErrCycle)

	// Prose the decoder cannot rescue is an error, not an empty plan.
	prose := oracle.NewScripted("cannot help with that")
	_, err = NewOracleReplanner(prose, logging.Nop()).Replan(ctx, remainder, failures)
	require.Error(t, err)
}

func TestPermissionErrorAbortsRun(t *testing.T) {
	h := newHarness()

	require.NoError(t, h.registry.Register(tool.Func{
		Def: tool.Definition{Name: "restricted"},
		Fn: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			return nil, fmt.Errorf("403 forbidden: missing scope")
		},
	}))
	var downstream atomic.Int32
	h.registerOK(t, "downstream", &downstream)

	c := h.coordinator(oracle.NewScripted(), immediateRetry(3), testConfig())
	result, err := c.Run(context.Background(), &plan.Plan{
		Intent: "restricted then downstream",
		Subtasks: []plan.Subtask{
			{ID: "a", Tool: "restricted"},
			{ID: "b", Tool: "downstream", DependsOn: []string{"a"}},
		},
	})
	require.NoError(t, err)

	require.Equal(t, StatusAborted, result.Status)
	require.Equal(t, StateFailed, c.State())
	require.NotEmpty(t, result.FailureReason)
	require.Equal(t, 1, result.Results["a"].Attempts)
	require.Equal(t, int32(0), downstream.Load())
	require.Equal(t, 0, h.events.count(EventSubtaskRetried))
	require.Equal(t, 1, h.events.count(EventSubtaskFailed))
	_, hasDownstream := result.Results["b"]
	require.False(t, hasDownstream)
}

func TestUnknownErrorAbortsAfterRetries(t *testing.T) {
	h := newHarness()

	var calls atomic.Int32
	require.NoError(t, h.registry.Register(tool.Func{
		Def: tool.Definition{Name: "odd"},
		Fn: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			calls.Add(1)
			return nil, fmt.Errorf("glitch 0xE7")
		},
	}))

	// Oracle returns prose the decoder cannot rescue, so classification stays
	// unknown throughout.
	scripted := oracle.NewScripted("no idea what happened here")

	c := h.coordinator(scripted, immediateRetry(2), testConfig())
	result, err := c.Run(context.Background(), &plan.Plan{
		Intent:   "poke the odd tool",
		Subtasks: []plan.Subtask{{ID: "s1", Tool: "odd"}},
	})
	require.NoError(t, err)

	require.Equal(t, StatusAborted, result.Status)
	require.Equal(t, int32(3), calls.Load())
	require.Equal(t, 2, h.events.count(EventSubtaskRetried))
	require.Equal(t, taxonomy.UnknownError, result.Results["s1"].Error.Kind)
}

func TestRunPromotesWorkingMemory(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.registerOK(t, "noop", nil)

	c := h.coordinator(oracle.NewScripted(), immediateRetry(3), testConfig())
	result, err := c.Run(ctx, &plan.Plan{
		Intent:   "index the nightly build artifacts",
		Subtasks: []plan.Subtask{{ID: "s1", Tool: "noop"}},
	})
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, result.Status)

	scored, err := h.semantic.Search(ctx, "tester", "nightly build artifacts", memory.SearchOptions{
		Categories: []memory.Category{memory.CategoryStrategy},
	})
	require.NoError(t, err)
	require.NotEmpty(t, scored)
}
