package taxonomy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"conductor/internal/logging"
	"conductor/internal/oracle"
	"conductor/internal/tool"
)

// Failure bundles the raised error with the execution context the classifier
// (and, if consulted, the oracle) reasons over.
type Failure struct {
	Err           error
	Tool          tool.Definition
	Parameters    map[string]any
	SubtaskID     string
	Description   string
	RecentHistory []string
	Attempt       int
}

// Classifier assigns taxonomy kinds to failures. Structural signals are
// matched first; the oracle is consulted only when the signal is ambiguous.
type Classifier struct {
	oracle  oracle.Oracle
	logger  logging.Logger
	cache   *expirable.LRU[string, ErrorAnalysis]
	timeout time.Duration
}

const (
	classifierCacheSize = 256
	classifierCacheTTL  = 10 * time.Minute
	defaultOracleWait   = 30 * time.Second
)

func NewClassifier(o oracle.Oracle, logger logging.Logger) *Classifier {
	return &Classifier{
		oracle:  o,
		logger:  logging.OrNop(logger),
		cache:   expirable.NewLRU[string, ErrorAnalysis](classifierCacheSize, nil, classifierCacheTTL),
		timeout: defaultOracleWait,
	}
}

// Classify maps a failure to an ErrorAnalysis. It never returns an error:
// when neither heuristics nor the oracle produce a usable verdict the result
// is UnknownError with Recoverable=false.
func (c *Classifier) Classify(ctx context.Context, f Failure) ErrorAnalysis {
	if f.Err == nil {
		return ErrorAnalysis{Kind: UnknownError, RootCause: "no error provided", Confidence: 0}
	}

	if analysis, ok := c.classifyStructural(f.Err); ok {
		return analysis
	}

	key := cacheKey(f)
	if cached, ok := c.cache.Get(key); ok {
		c.logger.Debug("classifier cache hit for %s", f.Tool.Name)
		return cached
	}

	analysis, cacheable := c.classifyWithOracle(ctx, f)
	// Transport errors and unparseable replies are transient; caching their
	// fallback verdict would suppress reclassification for the TTL.
	if cacheable {
		c.cache.Add(key, analysis)
	}
	return analysis
}

func cacheKey(f Failure) string {
	msg := f.Err.Error()
	if len(msg) > 160 {
		msg = msg[:160]
	}
	return f.Tool.Name + "|" + msg
}

// classifyStructural pattern-matches unambiguous signals: deadline expiry,
// network-layer failures, permission denials, and schema/validation errors.
func (c *Classifier) classifyStructural(err error) (ErrorAnalysis, bool) {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorAnalysis{
			Kind:        TimeoutError,
			RootCause:   "operation exceeded its deadline",
			Recoverable: true,
			Confidence:  0.95,
		}, true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorAnalysis{
			Kind:        TimeoutError,
			RootCause:   "network operation timed out",
			Recoverable: true,
			Confidence:  0.9,
		}, true
	}

	if isNetworkError(err) {
		return ErrorAnalysis{
			Kind:        NetworkError,
			RootCause:   "network-layer failure: " + err.Error(),
			Recoverable: true,
			Confidence:  0.9,
		}, true
	}

	msg := strings.ToLower(err.Error())

	for _, pattern := range []string{"permission denied", "unauthorized", "forbidden", "access denied", "401", "403"} {
		if strings.Contains(msg, pattern) {
			return ErrorAnalysis{
				Kind:        PermissionError,
				RootCause:   "permission denied: " + err.Error(),
				Recoverable: false,
				Confidence:  0.9,
			}, true
		}
	}

	for _, pattern := range []string{"invalid parameter", "missing required", "validation failed", "schema mismatch", "unexpected type", "bad request", "unknown field"} {
		if strings.Contains(msg, pattern) {
			return ErrorAnalysis{
				Kind:        ParameterError,
				RootCause:   "parameter validation failed: " + err.Error(),
				Recoverable: true,
				Confidence:  0.85,
			}, true
		}
	}

	for _, pattern := range []string{"rate limit", "too many requests", "429", "quota exceeded", "out of memory", "disk full", "no space left"} {
		if strings.Contains(msg, pattern) {
			return ErrorAnalysis{
				Kind:        ResourceError,
				RootCause:   "resource exhausted: " + err.Error(),
				Recoverable: true,
				Confidence:  0.85,
			}, true
		}
	}

	if strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded") {
		return ErrorAnalysis{
			Kind:        TimeoutError,
			RootCause:   "operation timed out: " + err.Error(),
			Recoverable: true,
			Confidence:  0.8,
		}, true
	}

	return ErrorAnalysis{}, false
}

func isNetworkError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EPIPE,
			syscall.ETIMEDOUT, syscall.ENETUNREACH, syscall.EHOSTUNREACH:
			return true
		}
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"connection refused", "connection reset", "broken pipe", "no such host", "network is unreachable"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

const classifierSystemPrompt = `You are an execution failure analyst. Given a failed tool invocation,
classify the failure and reply with ONLY a JSON object of this shape:
{"error_kind": "parameter|network|timeout|resource|logic|permission|unknown",
 "root_cause": "one sentence",
 "is_recoverable": true,
 "suggested_parameter_changes": {"param": "new value"},
 "confidence": 0.0}
Omit suggested_parameter_changes when no parameter fix applies.`

type oracleVerdict struct {
	ErrorKind        string         `json:"error_kind"`
	RootCause        string         `json:"root_cause"`
	IsRecoverable    bool           `json:"is_recoverable"`
	SuggestedChanges map[string]any `json:"suggested_parameter_changes"`
	Confidence       float64        `json:"confidence"`
}

// classifyWithOracle asks the oracle for a verdict. The second return value
// reports whether the analysis came from a parsed reply and may be cached.
func (c *Classifier) classifyWithOracle(ctx context.Context, f Failure) (ErrorAnalysis, bool) {
	unknown := ErrorAnalysis{
		Kind:        UnknownError,
		RootCause:   f.Err.Error(),
		Recoverable: false,
		Confidence:  0,
	}
	if c.oracle == nil {
		return unknown, false
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.oracle.Complete(callCtx, oracle.Request{
		System:      classifierSystemPrompt,
		Prompt:      buildClassifierPrompt(f),
		Temperature: 0.1,
		MaxTokens:   400,
	})
	if err != nil {
		c.logger.Warn("oracle classification failed for %s: %v", f.Tool.Name, err)
		return unknown, false
	}

	var verdict oracleVerdict
	if err := oracle.DecodeJSON(resp.Content, &verdict); err != nil {
		c.logger.Warn("unparseable oracle verdict for %s: %v", f.Tool.Name, err)
		return unknown, false
	}

	analysis := ErrorAnalysis{
		Kind:             ParseKind(verdict.ErrorKind),
		RootCause:        strings.TrimSpace(verdict.RootCause),
		Recoverable:      verdict.IsRecoverable,
		SuggestedChanges: verdict.SuggestedChanges,
		Confidence:       clamp01(verdict.Confidence),
	}
	if analysis.RootCause == "" {
		analysis.RootCause = f.Err.Error()
	}
	if analysis.Kind == UnknownError {
		// A verdict we could not map is treated as low recoverability.
		analysis.Recoverable = false
	}
	return analysis, true
}

func buildClassifierPrompt(f Failure) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Tool: %s\n", f.Tool.Name)
	if f.Tool.Description != "" {
		fmt.Fprintf(&b, "Tool description: %s\n", f.Tool.Description)
	}
	if f.Description != "" {
		fmt.Fprintf(&b, "Subtask: %s\n", f.Description)
	}
	if len(f.Parameters) > 0 {
		if encoded, err := json.Marshal(f.Parameters); err == nil {
			fmt.Fprintf(&b, "Parameters: %s\n", encoded)
		}
	}
	fmt.Fprintf(&b, "Attempt: %d\n", f.Attempt)
	fmt.Fprintf(&b, "Error: %s\n", f.Err.Error())
	if len(f.RecentHistory) > 0 {
		b.WriteString("Recent execution history:\n")
		for _, line := range f.RecentHistory {
			fmt.Fprintf(&b, "- %s\n", line)
		}
	}
	return b.String()
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
