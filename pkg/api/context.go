package api

import (
	"context"
	"log/slog"
	"time"
)

// Task is a pending result produced by an OrchestrationContext primitive.
// Tasks belong to the orchestration that created them and must only be used
// from its goroutine.
type Task interface {
	// Done reports whether the task has resolved, without blocking.
	Done() bool

	// Await blocks until the task resolves and decodes its result into out.
	// out may be nil when the result is not needed.
	Await(out any) error
}

// TimerTask is a durable timer. It resolves when its due time passes.
type TimerTask interface {
	Task

	// DueTime is the absolute time the timer fires. It is fixed when the
	// timer is first created and survives replay.
	DueTime() time.Time

	// Cancel stops the timer. It is idempotent and safe to call while the
	// timer is firing; a cancelled timer never resolves the orchestration.
	Cancel() error
}

// OrchestrationContext exposes the durable primitives available to an
// OrchestrationFunc. Every primitive call is recorded in order; on replay,
// recorded results are returned instead of re-executing the primitive.
type OrchestrationContext interface {
	// Context is cancelled when the run stops (engine closed, lease lost
	// or instance terminated).
	Context() context.Context

	InstanceID() string

	// IsReplaying is true while the orchestration is re-executing calls that
	// already have recorded results.
	IsReplaying() bool

	// Logger returns a logger that is silent during replay.
	Logger() *slog.Logger

	// CurrentTime returns the orchestration-logical time. The first call
	// records the wall clock; replays return the recorded value.
	CurrentTime() (time.Time, error)

	// CallActivity schedules a registered activity. Its result is recorded
	// once and never recomputed.
	CallActivity(name string, input any) Task

	// WaitForSignal resolves with the payload of the next unconsumed signal
	// raised with the given name.
	WaitForSignal(name string) Task

	// CreateTimer creates a cancellable timer due at the given time.
	CreateTimer(due time.Time) TimerTask

	// WhenAny blocks until one of the tasks resolves and returns it. The
	// winner is recorded so replay picks the same one.
	WhenAny(tasks ...Task) (Task, error)
}
