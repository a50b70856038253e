package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/registrar/internal/persistence"
	"github.com/petrijr/registrar/pkg/api"
)

const (
	defaultLeaseTTL     = 30 * time.Second
	defaultPollInterval = time.Second
	recoverParallelism  = 8
)

var (
	errEngineClosed = errors.New("engine closed")
	errTerminated   = errors.New("instance terminated")
	errLeaseLost    = errors.New("instance lease lost")
	errLeaseHeld    = errors.New("instance leased by another engine")
)

// Config describes how to construct an engine.
type Config struct {
	Persistence persistence.Persistence
	Observer    api.Observer
	Logger      *slog.Logger

	// LeaseTTL is how long a run owns its instance without renewing.
	LeaseTTL time.Duration

	// PollInterval bounds how long a waiting orchestration goes without
	// re-reading its inbox, so signals written by other processes are seen.
	PollInterval time.Duration
}

// engineImpl runs every orchestration on its own goroutine and records the
// result of each primitive as a checkpoint. Restarted instances replay their
// checkpoints instead of repeating side effects.
type engineImpl struct {
	instances   persistence.InstanceStore
	checkpoints persistence.CheckpointStore
	signals     persistence.SignalStore
	events      persistence.EventStore

	registry     *definitionRegistry
	observer     api.Observer
	logger       *slog.Logger
	owner        string
	leaseTTL     time.Duration
	pollInterval time.Duration

	ctx    context.Context
	cancel context.CancelCauseFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	runs   map[string]*run
	closed bool
}

// NewInMemoryEngine returns an engine whose state lives only in memory.
func NewInMemoryEngine() api.Engine {
	return NewEngine(Config{
		Persistence: persistence.FromStore(persistence.NewInMemoryStore()),
	})
}

// NewEngine creates a new Engine using the given configuration. Missing
// stores fall back to a private in-memory store.
func NewEngine(cfg Config) api.Engine {
	return newEngine(cfg)
}

func newEngine(cfg Config) *engineImpl {
	p := cfg.Persistence
	if p.Instances == nil || p.Checkpoints == nil || p.Signals == nil || p.Events == nil {
		mem := persistence.NewInMemoryStore()
		if p.Instances == nil {
			p.Instances = mem
		}
		if p.Checkpoints == nil {
			p.Checkpoints = mem
		}
		if p.Signals == nil {
			p.Signals = mem
		}
		if p.Events == nil {
			p.Events = mem
		}
	}

	obs := cfg.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	leaseTTL := cfg.LeaseTTL
	if leaseTTL <= 0 {
		leaseTTL = defaultLeaseTTL
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	return &engineImpl{
		instances:    p.Instances,
		checkpoints:  p.Checkpoints,
		signals:      p.Signals,
		events:       p.Events,
		registry:     newDefinitionRegistry(),
		observer:     obs,
		logger:       logger,
		owner:        uuid.NewString(),
		leaseTTL:     leaseTTL,
		pollInterval: poll,
		ctx:          ctx,
		cancel:       cancel,
		runs:         make(map[string]*run),
	}
}

func (e *engineImpl) RegisterWorkflow(def api.WorkflowDefinition) error {
	return e.registry.registerWorkflow(def)
}

func (e *engineImpl) RegisterActivity(def api.ActivityDefinition) error {
	return e.registry.registerActivity(def)
}

func (e *engineImpl) Start(ctx context.Context, name string, input any) (string, error) {
	def, err := e.registry.workflow(name)
	if err != nil {
		return "", fmt.Errorf("unknown workflow: %s", name)
	}
	if e.isClosed() {
		return "", errEngineClosed
	}

	now := time.Now()
	inst := &api.WorkflowInstance{
		ID:        uuid.NewString(),
		Name:      def.Name,
		Status:    api.StatusRunning,
		Input:     input,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.instances.SaveInstance(inst); err != nil {
		return "", fmt.Errorf("save instance: %w", err)
	}

	e.appendEvent(ctx, inst, api.EventWorkflowStarted, "")
	e.observer.OnWorkflowStart(ctx, inst)

	if err := e.launch(inst, def); err != nil {
		return inst.ID, err
	}
	return inst.ID, nil
}

func (e *engineImpl) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	inst, err := e.instances.GetInstance(id)
	if err != nil {
		if errors.Is(err, persistence.ErrInstanceNotFound) {
			return nil, fmt.Errorf("%w: instance %s", api.ErrNotFound, id)
		}
		return nil, err
	}
	return inst, nil
}

func (e *engineImpl) ListInstances(ctx context.Context, opts api.InstanceListOptions) ([]*api.WorkflowInstance, error) {
	filter := persistence.InstanceFilter{
		WorkflowName: opts.WorkflowName,
		Status:       opts.Status,
	}
	return e.instances.ListInstances(filter)
}

func (e *engineImpl) Signal(ctx context.Context, id string, name string, payload any) error {
	inst, err := e.GetInstance(ctx, id)
	if err != nil {
		return err
	}
	if inst.Status.Terminal() {
		return fmt.Errorf("%w: cannot signal instance %s in status %s", api.ErrInvalidState, id, inst.Status)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode signal %q: %w", name, err)
	}
	sig := persistence.SignalRecord{Name: name, Payload: data, At: time.Now()}
	if err := e.signals.AppendSignal(ctx, id, sig); err != nil {
		return fmt.Errorf("append signal: %w", err)
	}
	e.appendEvent(ctx, inst, api.EventSignalReceived, name)

	if r := e.liveRun(id); r != nil {
		r.notify()
	}
	return nil
}

func (e *engineImpl) Terminate(ctx context.Context, id string, reason string) error {
	inst, err := e.GetInstance(ctx, id)
	if err != nil {
		return err
	}
	if inst.Status.Terminal() {
		return fmt.Errorf("%w: cannot terminate instance %s in status %s", api.ErrInvalidState, id, inst.Status)
	}

	r := e.liveRun(id)
	if r != nil && !r.claimFinish() {
		return fmt.Errorf("%w: instance %s is already finishing", api.ErrInvalidState, id)
	}

	inst.Status = api.StatusTerminated
	inst.UpdatedAt = time.Now()
	if err := e.instances.UpdateInstance(inst); err != nil {
		return fmt.Errorf("update instance: %w", err)
	}
	e.appendEvent(ctx, inst, api.EventWorkflowTerminated, reason)

	if r != nil {
		r.cancel(errTerminated)
	}
	return nil
}

func (e *engineImpl) Wait(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	for {
		inst, err := e.GetInstance(ctx, id)
		if err != nil {
			return nil, err
		}
		if inst.Status.Terminal() {
			return inst, nil
		}

		// A nil channel never fires, so instances executing elsewhere are
		// only observed through polling.
		var done <-chan struct{}
		if r := e.liveRun(id); r != nil {
			done = r.done
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-done:
		case <-time.After(e.pollInterval):
		}
	}
}

func (e *engineImpl) History(ctx context.Context, id string) ([]api.WorkflowEvent, error) {
	if _, err := e.GetInstance(ctx, id); err != nil {
		return nil, err
	}
	return e.events.ListEvents(ctx, id)
}

func (e *engineImpl) Recover(ctx context.Context) (int, error) {
	running, err := e.instances.ListInstances(persistence.InstanceFilter{Status: api.StatusRunning})
	if err != nil {
		return 0, err
	}

	var (
		g        errgroup.Group
		launched atomic.Int32
	)
	g.SetLimit(recoverParallelism)

	for _, inst := range running {
		if e.liveRun(inst.ID) != nil {
			continue
		}
		def, err := e.registry.workflow(inst.Name)
		if err != nil {
			e.logger.Warn("recover_skipped",
				slog.String("instance_id", inst.ID),
				slog.String("workflow", inst.Name),
				slog.Any("error", err),
			)
			continue
		}

		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			err := e.launch(inst, def)
			switch {
			case errors.Is(err, errLeaseHeld):
				return nil
			case err != nil:
				return fmt.Errorf("recover %s: %w", inst.ID, err)
			}
			launched.Add(1)
			return nil
		})
	}

	err = g.Wait()
	return int(launched.Load()), err
}

func (e *engineImpl) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel(errEngineClosed)
	e.wg.Wait()
	return nil
}

// launch acquires the instance lease and starts a run. Instances that are
// already executing in this engine are left alone.
func (e *engineImpl) launch(inst *api.WorkflowInstance, def api.WorkflowDefinition) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return errEngineClosed
	}
	if _, live := e.runs[inst.ID]; live {
		e.mu.Unlock()
		return nil
	}
	r := newRun(e, inst, def)
	e.runs[inst.ID] = r
	e.wg.Add(1)
	e.mu.Unlock()

	acquired, err := e.instances.TryAcquireLease(e.ctx, inst.ID, e.owner, e.leaseTTL)
	if err == nil && !acquired {
		err = errLeaseHeld
	}
	if err != nil {
		e.forget(r)
		e.wg.Done()
		return err
	}

	go r.execute()
	return nil
}

func (e *engineImpl) liveRun(id string) *run {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runs[id]
}

func (e *engineImpl) forget(r *run) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.runs[r.inst.ID] == r {
		delete(e.runs, r.inst.ID)
	}
}

func (e *engineImpl) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// appendEvent records history on a best-effort basis.
func (e *engineImpl) appendEvent(ctx context.Context, inst *api.WorkflowInstance, typ api.EventType, detail string) {
	ev := api.WorkflowEvent{
		InstanceID:   inst.ID,
		At:           time.Now(),
		Type:         typ,
		WorkflowName: inst.Name,
		Detail:       detail,
	}
	if err := e.events.AppendEvent(context.WithoutCancel(ctx), ev); err != nil {
		e.logger.Warn("append_event_failed",
			slog.String("instance_id", inst.ID),
			slog.String("event", string(typ)),
			slog.Any("error", err),
		)
	}
}
