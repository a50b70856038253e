package registrar

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/petrijr/registrar/internal/engine"
	"github.com/petrijr/registrar/internal/entity"
	"github.com/petrijr/registrar/internal/persistence"
	"github.com/petrijr/registrar/internal/registry"
)

// Options tunes a Runtime. Zero values select the defaults of each
// component.
type Options struct {
	Observer Observer
	Logger   *slog.Logger

	// RegistryTimeout is how long a registry stays open.
	RegistryTimeout time.Duration

	LeaseTTL     time.Duration
	PollInterval time.Duration

	EntityIdleTimeout time.Duration
	MailboxSize       int
}

// Runtime bundles an Engine, an entity host and the registry service built on
// them.
//
// Typical usage:
//
//	rt, err := registrar.NewInMemoryRuntime(registrar.Options{})
//	if err != nil { ... }
//	if err := rt.Start(ctx); err != nil { ... }
//	defer rt.Stop(ctx)
//
//	id, err := registrar.Open(ctx, rt)
type Runtime struct {
	// Engine runs registry orchestrations.
	Engine Engine

	// Entities hosts the list and stats entities.
	Entities *entity.Host

	// Registry is the user-facing service.
	Registry *registry.Service

	logger *slog.Logger

	mu      sync.Mutex
	started bool
	stopped bool
}

func newRuntime(store persistence.Store, opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	eng := engine.NewEngine(engine.Config{
		Persistence:  persistence.FromStore(store),
		Observer:     opts.Observer,
		Logger:       logger,
		LeaseTTL:     opts.LeaseTTL,
		PollInterval: opts.PollInterval,
	})

	host, err := entity.NewHost(entity.Config{
		Store:       store,
		Logger:      logger,
		IdleTimeout: opts.EntityIdleTimeout,
		MailboxSize: opts.MailboxSize,
	})
	if err != nil {
		_ = eng.Close()
		return nil, err
	}

	svc, err := registry.New(eng, host, registry.Options{
		Timeout: opts.RegistryTimeout,
		Logger:  logger,
	})
	if err != nil {
		_ = eng.Close()
		_ = host.Close(context.Background())
		return nil, err
	}

	return &Runtime{
		Engine:   eng,
		Entities: host,
		Registry: svc,
		logger:   logger,
	}, nil
}

// Start resumes every registry left running by an earlier process.
//
// If Start is called more than once, it returns an error.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return errors.New("registrar: Runtime stopped")
	}
	if r.started {
		return errors.New("registrar: Runtime already started")
	}

	n, err := r.Engine.Recover(ctx)
	if err != nil {
		return err
	}
	r.started = true
	if n > 0 {
		r.logger.Info("registries_resumed", slog.Int("count", n))
	}
	return nil
}

// Stop halts running orchestrations, applies every queued entity operation
// and waits for both to exit. Orchestrations stay RUNNING in the store and
// resume on the next Start.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	r.mu.Unlock()

	engErr := r.Engine.Close()
	hostErr := r.Entities.Close(ctx)
	return errors.Join(engErr, hostErr)
}
