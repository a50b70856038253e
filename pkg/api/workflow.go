package api

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when an orchestration instance (or entity)
	// has no recorded state.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState is returned when an operation that requires a running
	// instance is attempted against a terminal one.
	ErrInvalidState = errors.New("invalid state")

	// ErrWorkflowInstanceLocked is returned when a lease on an instance is
	// held by another owner.
	ErrWorkflowInstanceLocked = errors.New("workflow instance locked")

	// ErrTimerCancelled is returned by Await on a timer that was cancelled
	// before it fired.
	ErrTimerCancelled = errors.New("timer cancelled")
)

// Status represents the lifecycle state of a workflow instance.
type Status string

const (
	StatusRunning    Status = "RUNNING"
	StatusCompleted  Status = "COMPLETED"
	StatusTerminated Status = "TERMINATED"
	StatusFailed     Status = "FAILED"
)

// Terminal reports whether no further transitions are possible from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusTerminated, StatusFailed:
		return true
	default:
		return false
	}
}

// OrchestrationFunc is the body of a workflow. It is re-executed from the
// top on every resume; all non-deterministic work must go through the
// OrchestrationContext primitives so that it is checkpointed.
type OrchestrationFunc func(octx OrchestrationContext, input any) (any, error)

// ActivityFunc is a side-effecting unit of work invoked from an
// orchestration. Its result is recorded once and never recomputed on replay.
type ActivityFunc func(ctx context.Context, input any) (any, error)

// WorkflowDefinition names an orchestration function.
type WorkflowDefinition struct {
	Name string
	Fn   OrchestrationFunc
}

// ActivityDefinition names an activity function and its retry policy.
type ActivityDefinition struct {
	Name  string
	Fn    ActivityFunc
	Retry *RetryPolicy
}

// WorkflowInstance is the persisted record of one orchestration run.
type WorkflowInstance struct {
	ID     string
	Name   string
	Status Status

	// Input is the value passed to Start. It is handed to the orchestration
	// function again on every replay.
	Input any

	// Output is the value returned by the orchestration. Set once, when the
	// instance completes.
	Output any
	Err    error

	CreatedAt time.Time
	UpdatedAt time.Time

	LeaseOwner     string
	LeaseExpiresAt time.Time
}

// InstanceListOptions controls how instances are listed.
// Zero values mean "no filter" for that field.
type InstanceListOptions struct {
	// WorkflowName, if non-empty, limits results to instances of the given workflow.
	WorkflowName string

	// Status, if non-empty, limits results to instances with the given status.
	Status Status
}

// RetryPolicy controls how an activity is retried when it returns an error.
// MaxAttempts includes the first attempt. For example:
//
//	MaxAttempts = 1 => no retries (just the initial call)
//	MaxAttempts = 3 => initial call + up to 2 retries
//
// InitialBackoff is the delay before the first retry. It grows by
// BackoffMultiplier after each failed attempt and is capped by MaxBackoff
// when that is positive.
type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// ActivityError is the recorded failure of an activity. It has the same
// shape whether the failure was observed live or replayed from a checkpoint.
type ActivityError struct {
	Activity string
	Message  string
}

func (e *ActivityError) Error() string {
	return "activity " + e.Activity + ": " + e.Message
}
