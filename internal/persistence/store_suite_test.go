package persistence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/registrar/pkg/api"
)

type storeFactory func(t *testing.T) Store

// runStoreSuite checks the behavior every backend must share. Identifiers are
// random so that backends backed by a shared container do not interfere.
func runStoreSuite(t *testing.T, newStore storeFactory) {
	t.Run("instances", func(t *testing.T) { testInstances(t, newStore(t)) })
	t.Run("leases", func(t *testing.T) { testLeases(t, newStore(t)) })
	t.Run("checkpoints", func(t *testing.T) { testCheckpoints(t, newStore(t)) })
	t.Run("signals", func(t *testing.T) { testSignals(t, newStore(t)) })
	t.Run("events", func(t *testing.T) { testEvents(t, newStore(t)) })
	t.Run("entities", func(t *testing.T) { testEntities(t, newStore(t)) })
}

func newInstance(workflow string) *api.WorkflowInstance {
	now := time.Now()
	return &api.WorkflowInstance{
		ID:        uuid.NewString(),
		Name:      workflow,
		Status:    api.StatusRunning,
		Input:     "List opened at " + now.Format(time.RFC3339),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func testInstances(t *testing.T, s Store) {
	wf := "wf-" + uuid.NewString()

	inst := newInstance(wf)
	require.NoError(t, s.SaveInstance(inst))

	got, err := s.GetInstance(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, wf, got.Name)
	assert.Equal(t, api.StatusRunning, got.Status)
	assert.Equal(t, inst.Input, got.Input)
	assert.Nil(t, got.Output)
	assert.Nil(t, got.Err)

	got.Status = api.StatusCompleted
	got.Output = true
	got.UpdatedAt = time.Now()
	require.NoError(t, s.UpdateInstance(got))

	got, err = s.GetInstance(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, api.StatusCompleted, got.Status)
	assert.Equal(t, true, got.Output)

	failed := newInstance(wf)
	failed.Status = api.StatusFailed
	failed.Err = errors.New("boom")
	require.NoError(t, s.SaveInstance(failed))

	got, err = s.GetInstance(failed.ID)
	require.NoError(t, err)
	require.Error(t, got.Err)
	assert.Equal(t, "boom", got.Err.Error())

	_, err = s.GetInstance("missing-" + uuid.NewString())
	assert.ErrorIs(t, err, ErrInstanceNotFound)

	err = s.UpdateInstance(newInstance(wf))
	assert.ErrorIs(t, err, ErrInstanceNotFound)

	all, err := s.ListInstances(InstanceFilter{WorkflowName: wf})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	completed, err := s.ListInstances(InstanceFilter{WorkflowName: wf, Status: api.StatusCompleted})
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, inst.ID, completed[0].ID)

	running, err := s.ListInstances(InstanceFilter{WorkflowName: wf, Status: api.StatusRunning})
	require.NoError(t, err)
	assert.Empty(t, running)
}

func testLeases(t *testing.T, s Store) {
	ctx := context.Background()
	inst := newInstance("lease-" + uuid.NewString())
	require.NoError(t, s.SaveInstance(inst))

	ok, err := s.TryAcquireLease(ctx, inst.ID, "owner-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "first acquire should succeed")

	ok, err = s.TryAcquireLease(ctx, inst.ID, "owner-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "lease held by another owner")

	ok, err = s.TryAcquireLease(ctx, inst.ID, "owner-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "lease is re-entrant for its owner")

	assert.NoError(t, s.RenewLease(ctx, inst.ID, "owner-a", time.Minute))
	assert.ErrorIs(t, s.RenewLease(ctx, inst.ID, "owner-b", time.Minute), api.ErrWorkflowInstanceLocked)

	// Instance updates must not clear the lease.
	inst.Status = api.StatusCompleted
	require.NoError(t, s.UpdateInstance(inst))
	ok, err = s.TryAcquireLease(ctx, inst.ID, "owner-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.ReleaseLease(ctx, inst.ID, "owner-b"))
	ok, err = s.TryAcquireLease(ctx, inst.ID, "owner-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "release by a non-owner is a no-op")

	require.NoError(t, s.ReleaseLease(ctx, inst.ID, "owner-a"))
	require.NoError(t, s.ReleaseLease(ctx, inst.ID, "owner-a"))
	ok, err = s.TryAcquireLease(ctx, inst.ID, "owner-b", 50*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)

	time.Sleep(150 * time.Millisecond)
	ok, err = s.TryAcquireLease(ctx, inst.ID, "owner-c", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease can be taken over")

	_, err = s.TryAcquireLease(ctx, "missing-"+uuid.NewString(), "owner-a", time.Minute)
	assert.ErrorIs(t, err, ErrInstanceNotFound)
}

func testCheckpoints(t *testing.T, s Store) {
	ctx := context.Background()
	id := uuid.NewString()

	data, err := s.GetCheckpoint(ctx, id, "0000/now/now")
	require.NoError(t, err)
	assert.Nil(t, data)

	require.NoError(t, s.SaveCheckpoint(ctx, id, "0002/signal/Close", []byte(`{"index":0}`)))
	require.NoError(t, s.SaveCheckpoint(ctx, id, "0000/now/now", []byte(`"t0"`)))
	require.NoError(t, s.SaveCheckpoint(ctx, id, "0001/activity/NewList", []byte(`{}`)))

	cps, err := s.ListCheckpoints(ctx, id)
	require.NoError(t, err)
	require.Len(t, cps, 3)
	assert.Equal(t, "0000/now/now", cps[0].Key)
	assert.Equal(t, "0001/activity/NewList", cps[1].Key)
	assert.Equal(t, "0002/signal/Close", cps[2].Key)

	require.NoError(t, s.SaveCheckpoint(ctx, id, "0000/now/now", []byte(`"t1"`)))
	data, err = s.GetCheckpoint(ctx, id, "0000/now/now")
	require.NoError(t, err)
	assert.Equal(t, `"t1"`, string(data))

	other, err := s.ListCheckpoints(ctx, uuid.NewString())
	require.NoError(t, err)
	assert.Empty(t, other)
}

func testSignals(t *testing.T, s Store) {
	ctx := context.Background()
	id := uuid.NewString()

	for _, payload := range []string{`"apple"`, `"banana"`, `true`} {
		name := "AddItem"
		if payload == "true" {
			name = "Close"
		}
		require.NoError(t, s.AppendSignal(ctx, id, SignalRecord{Name: name, Payload: []byte(payload)}))
	}

	sigs, err := s.ListSignals(ctx, id)
	require.NoError(t, err)
	require.Len(t, sigs, 3)
	assert.Equal(t, `"apple"`, string(sigs[0].Payload))
	assert.Equal(t, `"banana"`, string(sigs[1].Payload))
	assert.Equal(t, "Close", sigs[2].Name)
	assert.False(t, sigs[2].At.IsZero())

	empty, err := s.ListSignals(ctx, uuid.NewString())
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testEvents(t *testing.T, s Store) {
	ctx := context.Background()
	id := uuid.NewString()
	base := time.Now()

	types := []api.EventType{api.EventWorkflowStarted, api.EventTimerCreated, api.EventWorkflowCompleted}
	for i, typ := range types {
		require.NoError(t, s.AppendEvent(ctx, api.WorkflowEvent{
			InstanceID:   id,
			At:           base.Add(time.Duration(i) * time.Millisecond),
			Type:         typ,
			WorkflowName: "RegistryOrchestration",
		}))
	}

	evs, err := s.ListEvents(ctx, id)
	require.NoError(t, err)
	require.Len(t, evs, len(types))
	for i, typ := range types {
		assert.Equal(t, typ, evs[i].Type)
		assert.Equal(t, id, evs[i].InstanceID)
	}
}

func testEntities(t *testing.T, s Store) {
	ctx := context.Background()
	key := uuid.NewString()
	list := api.EntityID{Name: "RegistryList", Key: key}
	stats := api.EntityID{Name: "RegistryStats", Key: key}

	_, err := s.LoadEntity(ctx, list)
	assert.ErrorIs(t, err, ErrEntityNotFound)

	require.NoError(t, s.SaveEntity(ctx, list, []byte(`{"id":"x","items":[]}`)))
	require.NoError(t, s.SaveEntity(ctx, stats, []byte(`{"registryCount":1}`)))
	require.NoError(t, s.SaveEntity(ctx, list, []byte(`{"id":"x","items":["apple"]}`)))

	got, err := s.LoadEntity(ctx, list)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"x","items":["apple"]}`, string(got))

	got, err = s.LoadEntity(ctx, stats)
	require.NoError(t, err)
	assert.JSONEq(t, `{"registryCount":1}`, string(got))
}
