// Package taxonomy classifies execution failures into a fixed error taxonomy
// used by the retry engine. Classification is heuristic-first with an
// oracle-assisted fallback for ambiguous failures.
package taxonomy

import "strings"

// ErrorKind tags a failure with its taxonomy class.
type ErrorKind string

const (
	ParameterError  ErrorKind = "parameter_error"
	NetworkError    ErrorKind = "network_error"
	TimeoutError    ErrorKind = "timeout_error"
	ResourceError   ErrorKind = "resource_error"
	LogicError      ErrorKind = "logic_error"
	PermissionError ErrorKind = "permission_error"
	UnknownError    ErrorKind = "unknown_error"
)

// Recoverable reports the taxonomy's default recoverability for the kind.
// Parameter and network failures recover well, timeouts and resource
// exhaustion sometimes, logic and permission failures do not.
func (k ErrorKind) Recoverable() bool {
	switch k {
	case ParameterError, NetworkError, TimeoutError, ResourceError:
		return true
	default:
		return false
	}
}

// ParseKind maps an oracle-reported kind string onto the taxonomy, accepting
// common spelling variants. Unrecognized input maps to UnknownError.
func ParseKind(s string) ErrorKind {
	normalized := strings.ToLower(strings.TrimSpace(s))
	normalized = strings.ReplaceAll(normalized, "-", "_")
	normalized = strings.TrimSuffix(normalized, "_error")
	switch normalized {
	case "parameter", "param", "validation", "argument":
		return ParameterError
	case "network", "connection", "transport":
		return NetworkError
	case "timeout", "deadline":
		return TimeoutError
	case "resource", "quota", "rate_limit", "ratelimit":
		return ResourceError
	case "logic", "semantic", "assertion":
		return LogicError
	case "permission", "auth", "authorization", "forbidden":
		return PermissionError
	default:
		return UnknownError
	}
}

// ErrorAnalysis is the classifier's verdict for one failure. It is created
// per failure and never persisted directly; only successful recoveries are.
type ErrorAnalysis struct {
	Kind             ErrorKind      `json:"error_kind"`
	RootCause        string         `json:"root_cause"`
	Recoverable      bool           `json:"is_recoverable"`
	SuggestedChanges map[string]any `json:"suggested_parameter_changes,omitempty"`
	Confidence       float64        `json:"confidence"`
}
