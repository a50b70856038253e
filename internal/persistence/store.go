package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/petrijr/registrar/pkg/api"
)

var (
	// ErrInstanceNotFound is returned when a workflow instance is not found.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrEntityNotFound is returned when an entity has never been written.
	ErrEntityNotFound = errors.New("entity not found")
)

// InstanceFilter is used to select instances from the store.
// Empty string / zero status mean "no filter" for that field.
type InstanceFilter struct {
	WorkflowName string
	Status       api.Status
}

// InstanceStore handles storage of workflow instances.
type InstanceStore interface {
	SaveInstance(inst *api.WorkflowInstance) error
	UpdateInstance(inst *api.WorkflowInstance) error
	GetInstance(id string) (*api.WorkflowInstance, error)
	ListInstances(filter InstanceFilter) ([]*api.WorkflowInstance, error)
	// TryAcquireLease attempts to acquire (or re-acquire) a lease on an instance.
	// If the instance is currently leased by another owner and the lease has not expired,
	// it returns acquired=false, err=nil.
	//
	// Implementations should treat a lease owned by the same owner as re-entrant.
	TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (acquired bool, err error)
	// RenewLease extends an existing lease owned by 'owner' for the given ttl.
	RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) error
	// ReleaseLease releases a lease if it is owned by 'owner'. It is idempotent.
	ReleaseLease(ctx context.Context, instanceID, owner string) error
}

// Checkpoint is the recorded result of one orchestration primitive.
type Checkpoint struct {
	Key       string
	Data      []byte
	CreatedAt time.Time
}

// CheckpointStore is the execution log of orchestration instances.
type CheckpointStore interface {
	// SaveCheckpoint creates or overwrites the checkpoint stored under key.
	SaveCheckpoint(ctx context.Context, instanceID, key string, data []byte) error
	// GetCheckpoint returns nil data (and no error) when no checkpoint exists.
	GetCheckpoint(ctx context.Context, instanceID, key string) ([]byte, error)
	// ListCheckpoints returns all checkpoints of an instance ordered by key.
	ListCheckpoints(ctx context.Context, instanceID string) ([]Checkpoint, error)
}

// SignalRecord is one external event raised on an instance. Payload holds
// the JSON encoding of the signal value.
type SignalRecord struct {
	Name    string
	Payload []byte
	At      time.Time
}

// SignalStore is the per-instance inbox of external events. A record is
// identified by its position in the inbox.
type SignalStore interface {
	AppendSignal(ctx context.Context, instanceID string, sig SignalRecord) error
	ListSignals(ctx context.Context, instanceID string) ([]SignalRecord, error)
}

// EntityStore holds the encoded state of entity actors.
type EntityStore interface {
	// LoadEntity returns ErrEntityNotFound for entities that were never saved.
	LoadEntity(ctx context.Context, id api.EntityID) ([]byte, error)
	SaveEntity(ctx context.Context, id api.EntityID, state []byte) error
}

// Store is implemented by every backend in this package.
type Store interface {
	InstanceStore
	CheckpointStore
	SignalStore
	EventStore
	EntityStore
}
