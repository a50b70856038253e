package api

import "time"

// EventType identifies a workflow history event.
type EventType string

const (
	EventWorkflowStarted    EventType = "workflow.started"
	EventWorkflowResumed    EventType = "workflow.resumed"
	EventWorkflowCompleted  EventType = "workflow.completed"
	EventWorkflowFailed     EventType = "workflow.failed"
	EventWorkflowTerminated EventType = "workflow.terminated"

	EventActivityCompleted EventType = "activity.completed"
	EventActivityFailed    EventType = "activity.failed"

	EventSignalReceived EventType = "signal.received"

	EventTimerCreated   EventType = "timer.created"
	EventTimerFired     EventType = "timer.fired"
	EventTimerCancelled EventType = "timer.cancelled"
)

// WorkflowEvent is a minimal append-only history record for audit/debugging.
type WorkflowEvent struct {
	InstanceID string
	At         time.Time
	Type       EventType

	// Optional context.
	WorkflowName string

	// Small, human-oriented details (e.g. signal name, error string).
	// Keep this low-volume: do NOT dump large payloads here.
	Detail string
}
