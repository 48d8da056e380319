package coordinator

import "time"

// EventType enumerates subtask and run lifecycle signals emitted to listeners.
type EventType string

const (
	EventRunStarted      EventType = "run_started"
	EventRunCompleted    EventType = "run_completed"
	EventSubtaskStarted  EventType = "subtask_started"
	EventSubtaskRetried  EventType = "subtask_retried"
	EventSubtaskFixed    EventType = "subtask_fixed"
	EventSubtaskReplan   EventType = "subtask_replanned"
	EventSubtaskComplete EventType = "subtask_completed"
	EventSubtaskFailed   EventType = "subtask_failed"
	EventSubtaskSkipped  EventType = "subtask_skipped"
)

// Event is one lifecycle transition. Events are emitted synchronously in
// transition order; listeners must not block.
type Event struct {
	Type      EventType `json:"type"`
	RunID     string    `json:"run_id"`
	SubtaskID string    `json:"subtask_id,omitempty"`
	Tool      string    `json:"tool,omitempty"`
	Layer     int       `json:"layer"`
	Attempt   int       `json:"attempt,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Listener receives lifecycle events for external reporting and tracing.
type Listener interface {
	OnEvent(Event)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(Event)

func (f ListenerFunc) OnEvent(e Event) { f(e) }
