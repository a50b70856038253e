package persistence

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/petrijr/registrar/pkg/api"
)

// InMemoryStore is a simple, goroutine-safe implementation of every store
// interface backed by maps. Instances are copied on the way in and out so
// callers never share records with the store.
type InMemoryStore struct {
	mu          sync.RWMutex
	instances   map[string]*api.WorkflowInstance
	checkpoints map[string]map[string]Checkpoint
	signals     map[string][]SignalRecord
	events      map[string][]api.WorkflowEvent
	entities    map[string][]byte
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		instances:   make(map[string]*api.WorkflowInstance),
		checkpoints: make(map[string]map[string]Checkpoint),
		signals:     make(map[string][]SignalRecord),
		events:      make(map[string][]api.WorkflowEvent),
		entities:    make(map[string][]byte),
	}
}

// Ensure InMemoryStore implements the interfaces.
var _ Store = (*InMemoryStore)(nil)

func (s *InMemoryStore) SaveInstance(inst *api.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *inst
	s.instances[inst.ID] = &cp
	return nil
}

func (s *InMemoryStore) UpdateInstance(inst *api.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.instances[inst.ID]
	if !ok {
		return ErrInstanceNotFound
	}

	cp := *inst
	// Leases are owned by the lease methods, not by instance updates.
	cp.LeaseOwner = cur.LeaseOwner
	cp.LeaseExpiresAt = cur.LeaseExpiresAt
	s.instances[inst.ID] = &cp
	return nil
}

func (s *InMemoryStore) GetInstance(id string) (*api.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, ErrInstanceNotFound
	}

	cp := *inst
	return &cp, nil
}

func (s *InMemoryStore) ListInstances(filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.WorkflowInstance

	for _, inst := range s.instances {
		if filter.WorkflowName != "" && inst.Name != filter.WorkflowName {
			continue
		}
		if filter.Status != "" && inst.Status != filter.Status {
			continue
		}
		cp := *inst
		result = append(result, &cp)
	}

	return result, nil
}

func (s *InMemoryStore) TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, errors.New("ttl must be > 0")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[instanceID]
	if !ok {
		return false, ErrInstanceNotFound
	}

	now := time.Now()
	if inst.LeaseOwner != "" && inst.LeaseOwner != owner && now.Before(inst.LeaseExpiresAt) {
		return false, nil
	}
	inst.LeaseOwner = owner
	inst.LeaseExpiresAt = now.Add(ttl)
	return true, nil
}

func (s *InMemoryStore) RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[instanceID]
	if !ok {
		return ErrInstanceNotFound
	}
	if inst.LeaseOwner != owner {
		return api.ErrWorkflowInstanceLocked
	}
	inst.LeaseExpiresAt = time.Now().Add(ttl)
	return nil
}

func (s *InMemoryStore) ReleaseLease(ctx context.Context, instanceID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[instanceID]
	if !ok {
		return nil
	}
	if inst.LeaseOwner == owner {
		inst.LeaseOwner = ""
		inst.LeaseExpiresAt = time.Time{}
	}
	return nil
}

func (s *InMemoryStore) SaveCheckpoint(ctx context.Context, instanceID, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byKey := s.checkpoints[instanceID]
	if byKey == nil {
		byKey = make(map[string]Checkpoint)
		s.checkpoints[instanceID] = byKey
	}
	created := time.Now()
	if prev, ok := byKey[key]; ok {
		created = prev.CreatedAt
	}
	byKey[key] = Checkpoint{Key: key, Data: append([]byte(nil), data...), CreatedAt: created}
	return nil
}

func (s *InMemoryStore) GetCheckpoint(ctx context.Context, instanceID, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, ok := s.checkpoints[instanceID][key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), cp.Data...), nil
}

func (s *InMemoryStore) ListCheckpoints(ctx context.Context, instanceID string) ([]Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Checkpoint, 0, len(s.checkpoints[instanceID]))
	for _, cp := range s.checkpoints[instanceID] {
		cp.Data = append([]byte(nil), cp.Data...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *InMemoryStore) AppendSignal(ctx context.Context, instanceID string, sig SignalRecord) error {
	if sig.At.IsZero() {
		sig.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sig.Payload = append([]byte(nil), sig.Payload...)
	s.signals[instanceID] = append(s.signals[instanceID], sig)
	return nil
}

func (s *InMemoryStore) ListSignals(ctx context.Context, instanceID string) ([]SignalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]SignalRecord(nil), s.signals[instanceID]...), nil
}

func (s *InMemoryStore) AppendEvent(ctx context.Context, ev api.WorkflowEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events[ev.InstanceID] = append(s.events[ev.InstanceID], ev)
	return nil
}

func (s *InMemoryStore) ListEvents(ctx context.Context, instanceID string) ([]api.WorkflowEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]api.WorkflowEvent(nil), s.events[instanceID]...), nil
}

func (s *InMemoryStore) LoadEntity(ctx context.Context, id api.EntityID) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.entities[id.String()]
	if !ok {
		return nil, ErrEntityNotFound
	}
	return append([]byte(nil), state...), nil
}

func (s *InMemoryStore) SaveEntity(ctx context.Context, id api.EntityID, state []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entities[id.String()] = append([]byte(nil), state...)
	return nil
}
