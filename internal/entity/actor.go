package entity

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/petrijr/registrar/internal/persistence"
	"github.com/petrijr/registrar/pkg/api"
)

// actor applies the messages of one entity. Only its own goroutine touches
// state and loaded; pending, lastActive and stopping are guarded by host.mu.
type actor struct {
	host    *Host
	id      api.EntityID
	handler handler
	mailbox *mailbox
	wakeCh  chan struct{}

	state  []byte
	loaded bool

	pending    int
	lastActive time.Time
	stopping   bool
}

func newActor(h *Host, id api.EntityID, hd handler) *actor {
	return &actor{
		host:       h,
		id:         id,
		handler:    hd,
		mailbox:    newMailbox(h.mailboxSize),
		wakeCh:     make(chan struct{}, 1),
		lastActive: time.Now(),
	}
}

func (a *actor) wake() {
	select {
	case a.wakeCh <- struct{}{}:
	default:
	}
}

func (a *actor) run() {
	defer a.host.wg.Done()

	for {
		select {
		case msg := <-a.mailbox.messages():
			if msg.kind == kindStop {
				a.host.mu.Lock()
				a.stopping = true
				idle := a.pending == 0
				a.host.mu.Unlock()
				if idle {
					return
				}
				continue
			}
			a.processOne(msg)
			if a.finished() {
				return
			}
		case <-a.wakeCh:
			if a.finished() {
				return
			}
		}
	}
}

// finished reports whether a stopping actor has applied every accepted
// message.
func (a *actor) finished() bool {
	a.host.mu.Lock()
	defer a.host.mu.Unlock()
	return a.stopping && a.pending == 0
}

// processOne applies a single message and releases its slot.
func (a *actor) processOne(msg message) {
	defer func() {
		a.host.mu.Lock()
		a.pending--
		a.lastActive = time.Now()
		a.host.mu.Unlock()
	}()

	switch msg.kind {
	case kindBarrier:
		close(msg.done)
	case kindOperation:
		a.apply(msg)
	}
}

func (a *actor) apply(msg message) {
	ctx := context.Background()
	log := a.host.logger.With(
		slog.String("entity", a.id.String()),
		slog.String("operation", msg.operation),
	)

	if !a.loaded {
		data, err := a.host.store.LoadEntity(ctx, a.id)
		switch {
		case errors.Is(err, persistence.ErrEntityNotFound):
		case err != nil:
			log.Error("entity_load_failed", slog.Any("error", err))
			return
		default:
			a.state = data
		}
		a.loaded = true
	}

	next, err := a.handler.apply(ctx, a.state, msg.operation, msg.input)
	if err != nil {
		log.Error("entity_operation_failed", slog.Any("error", err))
		return
	}

	if err := a.host.store.SaveEntity(ctx, a.id, next); err != nil {
		log.Error("entity_save_failed", slog.Any("error", err))
		return
	}
	a.state = next
}
