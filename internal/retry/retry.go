// Package retry decides how classified failures are handled: backoff retry,
// parameter fix and retry, replan, or abort. Stored recovery patterns are
// consulted before any oracle-suggested fix.
package retry

import (
	"math"
	"time"
)

// Strategy selects the delay curve between attempts.
type Strategy string

const (
	StrategyImmediate   Strategy = "immediate"
	StrategyLinear      Strategy = "linear"
	StrategyExponential Strategy = "exponential"
	StrategyReplanOnly  Strategy = "replan_only"
)

// ParseStrategy maps config spellings (including the *_backoff variants) onto
// a Strategy. Unrecognized input falls back to exponential.
func ParseStrategy(s string) Strategy {
	switch s {
	case "immediate", "immediate_retry":
		return StrategyImmediate
	case "linear", "linear_backoff":
		return StrategyLinear
	case "exponential", "exponential_backoff":
		return StrategyExponential
	case "replan_only", "replan":
		return StrategyReplanOnly
	default:
		return StrategyExponential
	}
}

// Config is supplied once per execution session and never mutated.
type Config struct {
	MaxRetries    int           `json:"max_retries" yaml:"max_retries"`
	Strategy      Strategy      `json:"strategy" yaml:"strategy"`
	BaseDelay     time.Duration `json:"base_delay" yaml:"base_delay"`
	MaxDelay      time.Duration `json:"max_delay" yaml:"max_delay"`
	BackoffFactor float64       `json:"backoff_factor" yaml:"backoff_factor"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:    3,
		Strategy:      StrategyExponential,
		BaseDelay:     1 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2,
	}
}

// Action is the engine's verdict for one failure.
type Action string

const (
	ActionRetry       Action = "retry"
	ActionFixAndRetry Action = "fix_and_retry"
	ActionReplan      Action = "replan"
	ActionAbort       Action = "abort"
)

// Decision carries the action plus everything the coordinator needs to apply
// it: the backoff delay, replacement parameters for a fix, and whether the
// fix came from a stored recovery record (so reuse can be counted).
type Decision struct {
	Action          Action
	Delay           time.Duration
	Parameters      map[string]any
	FromRecovery    bool
	RecoveryID      string
	IncreaseTimeout bool
	Reason          string
}

// Backoff computes the delay before attempt n (counted from 0) under cfg.
// Exponential: min(max, base*factor^n). Linear: min(max, base*(n+1)).
// Immediate and replan-only strategies never wait.
func Backoff(attempt int, cfg Config) time.Duration {
	switch cfg.Strategy {
	case StrategyImmediate, StrategyReplanOnly:
		return 0
	case StrategyLinear:
		delay := time.Duration(float64(cfg.BaseDelay) * float64(attempt+1))
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			return cfg.MaxDelay
		}
		return delay
	default:
		factor := cfg.BackoffFactor
		if factor <= 0 {
			factor = 2
		}
		delay := time.Duration(float64(cfg.BaseDelay) * math.Pow(factor, float64(attempt)))
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			return cfg.MaxDelay
		}
		return delay
	}
}
