package api

import (
	"context"
)

// Engine runs orchestrations as durable state machines.
type Engine interface {
	// RegisterWorkflow registers an orchestration by name.
	RegisterWorkflow(def WorkflowDefinition) error

	// RegisterActivity registers an activity by name.
	RegisterActivity(def ActivityDefinition) error

	// Start persists a new RUNNING instance, launches it in the background
	// and returns its ID.
	Start(ctx context.Context, name string, input any) (string, error)

	// GetInstance looks up a workflow instance by ID.
	// Returns ErrNotFound if the instance does not exist.
	GetInstance(ctx context.Context, id string) (*WorkflowInstance, error)

	// ListInstances returns workflow instances matching the given options.
	// If options are zero-valued, all instances are returned.
	ListInstances(ctx context.Context, opts InstanceListOptions) ([]*WorkflowInstance, error)

	// Signal raises a named external event on an instance. It returns
	// ErrNotFound for unknown instances and ErrInvalidState for terminal ones.
	// Signals raised before the orchestration waits for them are buffered.
	Signal(ctx context.Context, id string, name string, payload any) error

	// Terminate stops a running instance and marks it TERMINATED.
	Terminate(ctx context.Context, id string, reason string) error

	// Wait blocks until the instance reaches a terminal status.
	Wait(ctx context.Context, id string) (*WorkflowInstance, error)

	// History returns the recorded events of an instance in order.
	History(ctx context.Context, id string) ([]WorkflowEvent, error)

	// Recover launches every RUNNING instance that is not already executing
	// and not leased by another live engine. Each one resumes by replay.
	// It returns the number of instances launched.
	//
	// This method is intended to be called on process startup.
	Recover(ctx context.Context) (int, error)

	// Close stops all executing instances without changing their persisted
	// status and waits for them to exit.
	Close() error
}
