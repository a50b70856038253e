package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/petrijr/registrar/internal/entity"
	"github.com/petrijr/registrar/pkg/api"
)

const (
	StatusOpen   = "Open"
	StatusClosed = "Closed"
)

// Options configures a Service.
type Options struct {
	// Timeout is how long a registry stays open. Defaults to DefaultTimeout.
	Timeout time.Duration

	// SnapshotTTL is how long Peek results of closed registries are cached.
	// Defaults to ten minutes.
	SnapshotTTL time.Duration

	Logger *slog.Logger
}

// Snapshot is the result of Peek.
type Snapshot struct {
	Status   string `json:"status"`
	Registry *List  `json:"registry"`
}

// Service is the user-facing surface over registries.
type Service struct {
	engine    api.Engine
	entities  *entity.Host
	logger    *slog.Logger
	snapshots *cache.Cache
}

// New registers the registry workflow, activity and entities on engine and
// host and returns a Service that drives them.
func New(engine api.Engine, host *entity.Host, opts Options) (*Service, error) {
	if engine == nil || host == nil {
		return nil, errors.New("registry: engine and entity host are required")
	}
	if opts.SnapshotTTL <= 0 {
		opts.SnapshotTTL = 10 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if err := registerEntities(host); err != nil {
		return nil, err
	}
	if err := engine.RegisterActivity(api.ActivityDefinition{
		Name:  NewListActivity,
		Fn:    NewList(host),
		Retry: newListRetry,
	}); err != nil {
		return nil, err
	}
	if err := engine.RegisterWorkflow(api.WorkflowDefinition{
		Name: OrchestrationName,
		Fn:   Orchestration(opts.Timeout),
	}); err != nil {
		return nil, err
	}

	return &Service{
		engine:    engine,
		entities:  host,
		logger:    opts.Logger,
		snapshots: cache.New(opts.SnapshotTTL, 2*opts.SnapshotTTL),
	}, nil
}

// Open starts a new registry and returns its id.
func (s *Service) Open(ctx context.Context) (string, error) {
	input := fmt.Sprintf("List opened at %s", time.Now().Format(time.RFC3339))
	id, err := s.engine.Start(ctx, OrchestrationName, input)
	if err != nil {
		return "", err
	}
	s.logger.Info("registry_opened", slog.String("id", id))
	return id, nil
}

// Add appends item to an open registry and counts it in the statistics.
// Items are not validated; empty strings and duplicates are kept.
func (s *Service) Add(ctx context.Context, id, item string) error {
	if err := s.ensureOpen(ctx, id); err != nil {
		return err
	}
	if err := s.entities.Signal(ctx, ListID(id), OpAddItem, item); err != nil {
		return err
	}
	return s.entities.Signal(ctx, StatsID, OpNewItem, nil)
}

// Finish closes an open registry.
func (s *Service) Finish(ctx context.Context, id string) error {
	if err := s.ensureOpen(ctx, id); err != nil {
		return err
	}
	err := s.engine.Signal(ctx, id, CloseSignal, true)
	switch {
	case errors.Is(err, api.ErrInvalidState):
		return fmt.Errorf("%w: %s", ErrNotActive, id)
	case err != nil:
		return err
	}
	s.logger.Info("registry_close_requested", slog.String("id", id))
	return nil
}

// Peek reports the status and content of a registry. Registry is nil when
// the list entity has not been initialized yet.
func (s *Service) Peek(ctx context.Context, id string) (Snapshot, error) {
	if strings.TrimSpace(id) == "" {
		return Snapshot{}, ErrIDRequired
	}
	if v, ok := s.snapshots.Get(id); ok {
		return v.(Snapshot), nil
	}

	inst, err := s.instance(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{Status: StatusOpen}
	closed := inst.Status != api.StatusRunning
	if closed {
		snap.Status = StatusClosed
		// A closed registry accepts no more items, so once the queued ones
		// are applied its content is final.
		if err := s.entities.Sync(ctx, ListID(id)); err != nil {
			return Snapshot{}, err
		}
	}

	list, ok, err := entity.ReadState[List](ctx, s.entities, ListID(id))
	if err != nil {
		return Snapshot{}, err
	}
	if ok {
		snap.Registry = &list
	}

	if closed {
		s.snapshots.SetDefault(id, snap)
	}
	return snap, nil
}

// Stats returns the global counters, zero before the first registry.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	stats, _, err := entity.ReadState[Stats](ctx, s.entities, StatsID)
	return stats, err
}

func (s *Service) ensureOpen(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return ErrIDRequired
	}
	inst, err := s.instance(ctx, id)
	if err != nil {
		return err
	}
	if inst.Status != api.StatusRunning {
		return fmt.Errorf("%w: %s", ErrNotActive, id)
	}
	return nil
}

func (s *Service) instance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	inst, err := s.engine.GetInstance(ctx, id)
	if errors.Is(err, api.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if inst.Name != OrchestrationName {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return inst, nil
}
