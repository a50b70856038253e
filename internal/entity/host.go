package entity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/petrijr/registrar/internal/persistence"
	"github.com/petrijr/registrar/pkg/api"
)

const (
	defaultMailboxSize = 256
	defaultIdleTimeout = 10 * time.Minute
)

// Config configures a Host.
type Config struct {
	Store persistence.EntityStore

	// Logger receives operation failures. Defaults to slog.Default().
	Logger *slog.Logger

	// IdleTimeout is how long an actor with an empty mailbox stays in memory.
	// Zero selects the default; a negative value disables eviction.
	IdleTimeout time.Duration

	// MailboxSize bounds the number of queued messages per entity. Signal
	// blocks while the mailbox is full.
	MailboxSize int
}

// Host owns the actors of every registered entity type.
type Host struct {
	store       persistence.EntityStore
	logger      *slog.Logger
	idleTimeout time.Duration
	mailboxSize int

	mu       sync.Mutex
	handlers map[string]handler
	actors   map[string]*actor
	closed   bool

	wg         sync.WaitGroup
	stopReaper chan struct{}
	reaperDone chan struct{}
}

// NewHost creates a Host and starts its idle reaper.
func NewHost(cfg Config) (*Host, error) {
	if cfg.Store == nil {
		return nil, errors.New("entity store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = defaultMailboxSize
	}

	h := &Host{
		store:       cfg.Store,
		logger:      cfg.Logger,
		idleTimeout: cfg.IdleTimeout,
		mailboxSize: cfg.MailboxSize,
		handlers:    make(map[string]handler),
		actors:      make(map[string]*actor),
		stopReaper:  make(chan struct{}),
		reaperDone:  make(chan struct{}),
	}

	if h.idleTimeout > 0 {
		go h.reapIdle()
	} else {
		close(h.reaperDone)
	}
	return h, nil
}

// Signal queues an operation for an entity and returns without waiting for it
// to be applied. The entity is created on first use.
func (h *Host) Signal(ctx context.Context, id api.EntityID, operation string, input any) error {
	in, err := newInput(input)
	if err != nil {
		return fmt.Errorf("encode input for %s.%s: %w", id, operation, err)
	}

	a, err := h.accept(id, operation)
	if err != nil {
		return err
	}

	msg := message{kind: kindOperation, operation: operation, input: in}
	if err := a.mailbox.enqueue(ctx, msg); err != nil {
		h.settle(a)
		return err
	}
	return nil
}

// Sync blocks until every operation accepted for id before the call has been
// applied.
func (h *Host) Sync(ctx context.Context, id api.EntityID) error {
	h.mu.Lock()
	if _, ok := h.handlers[strings.ToLower(id.Name)]; !ok {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownEntity, id.Name)
	}
	a, ok := h.actors[id.String()]
	if !ok {
		// No live actor means nothing is queued.
		h.mu.Unlock()
		return nil
	}
	a.pending++
	h.mu.Unlock()

	done := make(chan struct{})
	if err := a.mailbox.enqueue(ctx, message{kind: kindBarrier, done: done}); err != nil {
		h.settle(a)
		return err
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReadState returns the last durable state of an entity. The boolean is false
// when the entity has never applied an operation.
func ReadState[S any](ctx context.Context, h *Host, id api.EntityID) (S, bool, error) {
	var s S
	data, err := h.store.LoadEntity(ctx, id)
	if errors.Is(err, persistence.ErrEntityNotFound) {
		return s, false, nil
	}
	if err != nil {
		return s, false, err
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, false, fmt.Errorf("decode state of %s: %w", id, err)
	}
	return s, true, nil
}

// Close stops accepting signals, applies everything already queued and waits
// for all actors to exit.
func (h *Host) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	close(h.stopReaper)
	<-h.reaperDone

	h.mu.Lock()
	actors := make([]*actor, 0, len(h.actors))
	for _, a := range h.actors {
		actors = append(actors, a)
	}
	h.mu.Unlock()

	for _, a := range actors {
		if err := a.mailbox.enqueue(ctx, message{kind: kindStop}); err != nil {
			return err
		}
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// accept validates a signal and reserves a slot on the target actor, starting
// it if needed.
func (h *Host) accept(id api.EntityID, operation string) (*actor, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrHostClosed
	}
	hd, ok := h.handlers[strings.ToLower(id.Name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, id.Name)
	}
	if !hd.hasOperation(operation) {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownOperation, id.Name, operation)
	}

	key := id.String()
	a, ok := h.actors[key]
	if !ok {
		a = newActor(h, id, hd)
		h.actors[key] = a
		h.wg.Add(1)
		go a.run()
	}
	a.pending++
	a.lastActive = time.Now()
	return a, nil
}

// settle releases the slot taken by accept.
func (h *Host) settle(a *actor) {
	h.mu.Lock()
	a.pending--
	a.lastActive = time.Now()
	stopping := a.stopping
	h.mu.Unlock()

	if stopping {
		a.wake()
	}
}

func (h *Host) reapIdle() {
	defer close(h.reaperDone)

	interval := h.idleTimeout / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopReaper:
			return
		case now := <-ticker.C:
			for _, a := range h.evict(now) {
				// The mailbox is empty and unreachable, so this never blocks.
				_ = a.mailbox.enqueue(context.Background(), message{kind: kindStop})
			}
		}
	}
}

func (h *Host) evict(now time.Time) []*actor {
	h.mu.Lock()
	defer h.mu.Unlock()

	var idle []*actor
	for key, a := range h.actors {
		if a.pending == 0 && now.Sub(a.lastActive) >= h.idleTimeout {
			delete(h.actors, key)
			idle = append(idle, a)
		}
	}
	return idle
}

// liveActors returns the number of actors currently in memory.
func (h *Host) liveActors() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.actors)
}
