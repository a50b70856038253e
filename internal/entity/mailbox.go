package entity

import (
	"context"
)

type messageKind int

const (
	kindOperation messageKind = iota
	kindBarrier
	kindStop
)

// message is one unit of work for an actor.
type message struct {
	kind messageKind

	// For operations
	operation string
	input     Input

	// For barriers; closed once every earlier message has been applied.
	done chan struct{}
}

// mailbox is a FIFO of messages backed by a buffered channel.
// It is safe for concurrent use.
type mailbox struct {
	ch chan message
}

// newMailbox creates a new mailbox with the given capacity.
func newMailbox(capacity int) *mailbox {
	if capacity <= 0 {
		capacity = defaultMailboxSize
	}
	return &mailbox{
		ch: make(chan message, capacity),
	}
}

// enqueue blocks while the mailbox is full.
func (m *mailbox) enqueue(ctx context.Context, msg message) error {
	select {
	case m.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *mailbox) messages() <-chan message {
	return m.ch
}
