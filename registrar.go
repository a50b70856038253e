package registrar

import (
	"context"
	"database/sql"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/registrar/internal/persistence"
	"github.com/petrijr/registrar/internal/registry"
	"github.com/petrijr/registrar/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine               = api.Engine
	WorkflowInstance     = api.WorkflowInstance
	Status               = api.Status
	EntityID             = api.EntityID
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
	TracingObserver      = api.TracingObserver

	Snapshot = registry.Snapshot
	List     = registry.List
	Stats    = registry.Stats
)

// Re-export common observer helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	NewTracingObserver   = api.NewTracingObserver
)

// Re-export status values for convenience.

const (
	StatusRunning    = api.StatusRunning
	StatusCompleted  = api.StatusCompleted
	StatusTerminated = api.StatusTerminated
	StatusFailed     = api.StatusFailed
)

// Runtime constructors. Each wires the engine, the entity host and the
// registry service to one backend.

// NewInMemoryRuntime returns a Runtime whose state lives only in memory.
func NewInMemoryRuntime(opts Options) (*Runtime, error) {
	return newRuntime(persistence.NewInMemoryStore(), opts)
}

// NewSQLiteRuntime returns a Runtime that persists to a SQLite database.
func NewSQLiteRuntime(db *sql.DB, opts Options) (*Runtime, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	return newRuntime(store, opts)
}

// NewPostgresRuntime returns a Runtime that persists to PostgreSQL.
func NewPostgresRuntime(db *sql.DB, opts Options) (*Runtime, error) {
	store, err := persistence.NewPostgresStore(db)
	if err != nil {
		return nil, err
	}
	return newRuntime(store, opts)
}

// NewRedisRuntime returns a Runtime that persists to Redis under prefix.
func NewRedisRuntime(client *redis.Client, prefix string, opts Options) (*Runtime, error) {
	return newRuntime(persistence.NewRedisStore(client, prefix), opts)
}

// NewMongoRuntime returns a Runtime that persists to the named MongoDB
// database.
func NewMongoRuntime(client *mongo.Client, database string, opts Options) (*Runtime, error) {
	return newRuntime(persistence.NewMongoStore(client, database), opts)
}

// Convenience helpers that just forward to the underlying Runtime.

// Open starts a registry and returns its id.
func Open(ctx context.Context, rt *Runtime) (string, error) {
	return rt.Registry.Open(ctx)
}

// Peek reports the status and content of a registry.
func Peek(ctx context.Context, rt *Runtime, id string) (Snapshot, error) {
	return rt.Registry.Peek(ctx, id)
}
