// Package entity hosts single-writer entity actors.
//
// Every entity is addressed by an api.EntityID. Operations signalled to the
// same id are applied one at a time, in the order the host received them, by
// a dedicated goroutine. After each operation the new state is written to the
// EntityStore before the actor moves on, so a restarted host resumes from the
// last applied operation.
package entity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrHostClosed is returned for signals sent after Close.
	ErrHostClosed = errors.New("entity host closed")

	// ErrUnknownEntity is returned when no definition is registered under the
	// entity name of an id.
	ErrUnknownEntity = errors.New("unknown entity")

	// ErrUnknownOperation is returned when the entity has no such operation.
	ErrUnknownOperation = errors.New("unknown entity operation")
)

// Input is the JSON-encoded argument of an operation.
type Input struct {
	data json.RawMessage
}

// Decode unmarshals the argument into v. Operations signalled without an
// argument leave v untouched.
func (in Input) Decode(v any) error {
	if len(in.data) == 0 {
		return nil
	}
	return json.Unmarshal(in.data, v)
}

// Raw returns the encoded argument, or nil when there is none.
func (in Input) Raw() json.RawMessage {
	return in.data
}

func newInput(v any) (Input, error) {
	if v == nil {
		return Input{}, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return Input{data: raw}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return Input{}, err
	}
	return Input{data: data}, nil
}

// Operation mutates the state of one entity. Returning an error discards
// every change made to state.
type Operation[S any] func(ctx context.Context, state *S, in Input) error

// Definition declares an entity type and its operations.
type Definition[S any] struct {
	Name       string
	Operations map[string]Operation[S]
}

// handler is the type-erased form of a Definition.
type handler interface {
	hasOperation(op string) bool
	apply(ctx context.Context, state []byte, op string, in Input) ([]byte, error)
}

type typedHandler[S any] struct {
	def Definition[S]
}

func (h *typedHandler[S]) hasOperation(op string) bool {
	_, ok := h.def.Operations[op]
	return ok
}

// apply runs op against a decoded copy of state and returns the re-encoded
// result. The caller's state is never modified.
func (h *typedHandler[S]) apply(ctx context.Context, state []byte, op string, in Input) (out []byte, err error) {
	fn, ok := h.def.Operations[op]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownOperation, h.def.Name, op)
	}

	var s S
	if len(state) > 0 {
		if err := json.Unmarshal(state, &s); err != nil {
			return nil, fmt.Errorf("decode %s state: %w", h.def.Name, err)
		}
	}

	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("operation %s.%s panicked: %v", h.def.Name, op, r)
		}
	}()

	if err := fn(ctx, &s, in); err != nil {
		return nil, err
	}
	return json.Marshal(&s)
}

// Register adds an entity definition to the host.
func Register[S any](h *Host, def Definition[S]) error {
	if def.Name == "" {
		return errors.New("entity name must not be empty")
	}
	key := strings.ToLower(def.Name)

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.handlers[key]; exists {
		return fmt.Errorf("entity %q already registered", def.Name)
	}
	h.handlers[key] = &typedHandler[S]{def: def}
	return nil
}
