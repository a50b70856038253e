package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"

	"github.com/petrijr/registrar/internal/persistence"
	"github.com/petrijr/registrar/pkg/api"
)

const (
	raceWorkflow    = "race"
	prepareActivity = "prepare"
)

type storeFactory func(t *testing.T) persistence.Store

func storeFactories() map[string]storeFactory {
	return map[string]storeFactory{
		"in-memory": func(t *testing.T) persistence.Store {
			return persistence.NewInMemoryStore()
		},
		"sqlite": func(t *testing.T) persistence.Store {
			db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "engine.db"))
			if err != nil {
				t.Fatalf("sql.Open failed: %v", err)
			}
			db.SetMaxOpenConns(1)
			t.Cleanup(func() { _ = db.Close() })

			s, err := persistence.NewSQLiteStore(db)
			if err != nil {
				t.Fatalf("NewSQLiteStore failed: %v", err)
			}
			return s
		},
	}
}

// raceOrchestration calls prepare once, then races the Close signal against
// a timer. It returns true only when Close carried true.
func raceOrchestration(timeout time.Duration) api.OrchestrationFunc {
	return func(octx api.OrchestrationContext, input any) (any, error) {
		if err := octx.CallActivity(prepareActivity, octx.InstanceID()).Await(nil); err != nil {
			return nil, err
		}

		now, err := octx.CurrentTime()
		if err != nil {
			return nil, err
		}
		closeTask := octx.WaitForSignal("Close")
		timer := octx.CreateTimer(now.Add(timeout))

		winner, err := octx.WhenAny(closeTask, timer)
		if err != nil {
			return nil, err
		}
		if winner == closeTask {
			var closed bool
			if err := closeTask.Await(&closed); err != nil {
				return nil, err
			}
			if closed {
				if err := timer.Cancel(); err != nil {
					return nil, err
				}
				return true, nil
			}
		}
		return false, nil
	}
}

func newTestEngine(t *testing.T, store persistence.Store, timeout time.Duration, prepareCalls *atomic.Int32) *engineImpl {
	t.Helper()

	e := newEngine(Config{
		Persistence:  persistence.FromStore(store),
		Logger:       slog.New(slog.DiscardHandler),
		LeaseTTL:     3 * time.Second,
		PollInterval: 20 * time.Millisecond,
	})
	t.Cleanup(func() { _ = e.Close() })

	require.NoError(t, e.RegisterWorkflow(api.WorkflowDefinition{Name: raceWorkflow, Fn: raceOrchestration(timeout)}))
	require.NoError(t, e.RegisterActivity(api.ActivityDefinition{
		Name: prepareActivity,
		Fn: func(ctx context.Context, input any) (any, error) {
			prepareCalls.Add(1)
			return input, nil
		},
	}))
	return e
}

func waitFor(t *testing.T, e *engineImpl, id string) *api.WorkflowInstance {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	inst, err := e.Wait(ctx, id)
	require.NoError(t, err)
	return inst
}

func eventTypes(t *testing.T, e *engineImpl, id string) []api.EventType {
	t.Helper()
	evs, err := e.History(context.Background(), id)
	require.NoError(t, err)

	types := make([]api.EventType, 0, len(evs))
	for _, ev := range evs {
		types = append(types, ev.Type)
	}
	return types
}

// waitForTimer blocks until the orchestration has recorded its timer.
func waitForTimer(t *testing.T, store persistence.Store, id string) timerRecord {
	t.Helper()
	var rec timerRecord
	require.Eventually(t, func() bool {
		cps, err := store.ListCheckpoints(context.Background(), id)
		if err != nil {
			return false
		}
		for _, cp := range cps {
			if strings.Contains(cp.Key, "/"+kindTimer+"/") {
				return json.Unmarshal(cp.Data, &rec) == nil
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
	return rec
}

func TestEngine_CloseSignalBeatsTimer(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var calls atomic.Int32
			store := newStore(t)
			e := newTestEngine(t, store, time.Minute, &calls)

			id, err := e.Start(ctx, raceWorkflow, "input")
			require.NoError(t, err)
			waitForTimer(t, store, id)

			require.NoError(t, e.Signal(ctx, id, "Close", true))

			inst := waitFor(t, e, id)
			assert.Equal(t, api.StatusCompleted, inst.Status)
			assert.Equal(t, true, inst.Output)
			assert.Equal(t, int32(1), calls.Load())

			types := eventTypes(t, e, id)
			assert.Contains(t, types, api.EventTimerCancelled)
			assert.NotContains(t, types, api.EventTimerFired)
			assert.Equal(t, api.EventWorkflowCompleted, types[len(types)-1])
		})
	}
}

func TestEngine_TimerBeatsSignal(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			var calls atomic.Int32
			e := newTestEngine(t, newStore(t), 50*time.Millisecond, &calls)

			id, err := e.Start(context.Background(), raceWorkflow, nil)
			require.NoError(t, err)

			inst := waitFor(t, e, id)
			assert.Equal(t, api.StatusCompleted, inst.Status)
			assert.Equal(t, false, inst.Output)

			types := eventTypes(t, e, id)
			assert.Contains(t, types, api.EventTimerFired)
			assert.NotContains(t, types, api.EventTimerCancelled)
		})
	}
}

func TestEngine_FalseCloseSignalResolvesFalse(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	store := persistence.NewInMemoryStore()
	e := newTestEngine(t, store, time.Minute, &calls)

	id, err := e.Start(ctx, raceWorkflow, nil)
	require.NoError(t, err)
	waitForTimer(t, store, id)

	require.NoError(t, e.Signal(ctx, id, "Close", false))

	inst := waitFor(t, e, id)
	assert.Equal(t, api.StatusCompleted, inst.Status)
	assert.Equal(t, false, inst.Output)
	assert.NotContains(t, eventTypes(t, e, id), api.EventTimerCancelled)
}

func TestEngine_SignalRaisedBeforeWaitIsBuffered(t *testing.T) {
	ctx := context.Background()
	e := newEngine(Config{
		Logger:       slog.New(slog.DiscardHandler),
		PollInterval: 20 * time.Millisecond,
	})
	t.Cleanup(func() { _ = e.Close() })

	release := make(chan struct{})
	require.NoError(t, e.RegisterActivity(api.ActivityDefinition{
		Name: "gate",
		Fn: func(ctx context.Context, input any) (any, error) {
			select {
			case <-release:
				return nil, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}))
	require.NoError(t, e.RegisterWorkflow(api.WorkflowDefinition{
		Name: "buffered",
		Fn: func(octx api.OrchestrationContext, input any) (any, error) {
			if err := octx.CallActivity("gate", nil).Await(nil); err != nil {
				return nil, err
			}
			var first, second string
			if err := octx.WaitForSignal("Item").Await(&first); err != nil {
				return nil, err
			}
			if err := octx.WaitForSignal("Item").Await(&second); err != nil {
				return nil, err
			}
			return first + "," + second, nil
		},
	}))

	id, err := e.Start(ctx, "buffered", nil)
	require.NoError(t, err)

	require.NoError(t, e.Signal(ctx, id, "Item", "apple"))
	require.NoError(t, e.Signal(ctx, id, "Item", "banana"))
	close(release)

	inst := waitFor(t, e, id)
	assert.Equal(t, api.StatusCompleted, inst.Status)
	assert.Equal(t, "apple,banana", inst.Output)
}

func TestEngine_ReplayAfterRestartDoesNotRepeatActivities(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var calls atomic.Int32
			store := newStore(t)

			e1 := newTestEngine(t, store, time.Minute, &calls)
			id, err := e1.Start(ctx, raceWorkflow, nil)
			require.NoError(t, err)
			before := waitForTimer(t, store, id)
			require.NoError(t, e1.Close())

			inst, err := store.GetInstance(id)
			require.NoError(t, err)
			assert.Equal(t, api.StatusRunning, inst.Status, "close must not change the status")

			e2 := newTestEngine(t, store, time.Minute, &calls)
			n, err := e2.Recover(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			require.NoError(t, e2.Signal(ctx, id, "Close", true))
			inst = waitFor(t, e2, id)
			assert.Equal(t, true, inst.Output)
			assert.Equal(t, int32(1), calls.Load(), "prepare must run exactly once")

			after := waitForTimer(t, store, id)
			assert.True(t, before.Due.Equal(after.Due), "due time must survive restart")
			assert.True(t, after.Cancelled)
			assert.Contains(t, eventTypes(t, e2, id), api.EventWorkflowResumed)
		})
	}
}

func TestEngine_TimerDueTimeSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	store := persistence.NewInMemoryStore()

	e1 := newTestEngine(t, store, 300*time.Millisecond, &calls)
	id, err := e1.Start(ctx, raceWorkflow, nil)
	require.NoError(t, err)
	rec := waitForTimer(t, store, id)
	require.NoError(t, e1.Close())

	// The second engine would arm a fresh 10 minute timer if it did not
	// honour the recorded due time.
	e2 := newTestEngine(t, store, 10*time.Minute, &calls)
	_, err = e2.Recover(ctx)
	require.NoError(t, err)

	inst := waitFor(t, e2, id)
	assert.Equal(t, false, inst.Output)
	assert.False(t, inst.UpdatedAt.Before(rec.Due), "completed before the recorded due time")
	assert.Contains(t, eventTypes(t, e2, id), api.EventTimerFired)
}

func TestEngine_ActivityFinishingDuringCloseIsNotRepeated(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var calls atomic.Int32
			store := newStore(t)

			e1 := newEngine(Config{
				Persistence:  persistence.FromStore(store),
				Logger:       slog.New(slog.DiscardHandler),
				PollInterval: 20 * time.Millisecond,
			})
			started := make(chan struct{})
			require.NoError(t, e1.RegisterWorkflow(api.WorkflowDefinition{Name: raceWorkflow, Fn: raceOrchestration(time.Minute)}))
			require.NoError(t, e1.RegisterActivity(api.ActivityDefinition{
				Name: prepareActivity,
				Fn: func(ctx context.Context, input any) (any, error) {
					close(started)
					time.Sleep(200 * time.Millisecond)
					calls.Add(1)
					return input, nil
				},
			}))

			id, err := e1.Start(ctx, raceWorkflow, nil)
			require.NoError(t, err)
			<-started
			require.NoError(t, e1.Close())
			require.Equal(t, int32(1), calls.Load())

			e2 := newTestEngine(t, store, time.Minute, &calls)
			n, err := e2.Recover(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			require.NoError(t, e2.Signal(ctx, id, "Close", true))
			inst := waitFor(t, e2, id)
			assert.Equal(t, api.StatusCompleted, inst.Status)
			assert.Equal(t, true, inst.Output)
			assert.Equal(t, int32(1), calls.Load(), "prepare must run exactly once")
			assert.Contains(t, eventTypes(t, e2, id), api.EventActivityCompleted)
		})
	}
}

func TestEngine_RecoverSkipsInstancesLeasedElsewhere(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	store := persistence.NewInMemoryStore()

	e1 := newTestEngine(t, store, time.Minute, &calls)
	id, err := e1.Start(ctx, raceWorkflow, nil)
	require.NoError(t, err)
	waitForTimer(t, store, id)

	e2 := newTestEngine(t, store, time.Minute, &calls)
	n, err := e2.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Signals raised through the other engine reach the live run by polling.
	require.NoError(t, e2.Signal(ctx, id, "Close", true))
	inst := waitFor(t, e1, id)
	assert.Equal(t, true, inst.Output)
}

func TestEngine_SignalErrors(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	e := newTestEngine(t, persistence.NewInMemoryStore(), 20*time.Millisecond, &calls)

	err := e.Signal(ctx, "does-not-exist", "Close", true)
	assert.ErrorIs(t, err, api.ErrNotFound)

	id, err := e.Start(ctx, raceWorkflow, nil)
	require.NoError(t, err)
	waitFor(t, e, id)

	err = e.Signal(ctx, id, "Close", true)
	assert.ErrorIs(t, err, api.ErrInvalidState)

	_, err = e.GetInstance(ctx, "does-not-exist")
	assert.ErrorIs(t, err, api.ErrNotFound)

	_, err = e.History(ctx, "does-not-exist")
	assert.ErrorIs(t, err, api.ErrNotFound)
}

func TestEngine_Terminate(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	store := persistence.NewInMemoryStore()
	e := newTestEngine(t, store, time.Minute, &calls)

	id, err := e.Start(ctx, raceWorkflow, nil)
	require.NoError(t, err)
	waitForTimer(t, store, id)

	require.NoError(t, e.Terminate(ctx, id, "operator request"))

	inst := waitFor(t, e, id)
	assert.Equal(t, api.StatusTerminated, inst.Status)
	assert.Nil(t, inst.Output)

	assert.ErrorIs(t, e.Terminate(ctx, id, "again"), api.ErrInvalidState)
	assert.ErrorIs(t, e.Signal(ctx, id, "Close", true), api.ErrInvalidState)

	types := eventTypes(t, e, id)
	assert.Contains(t, types, api.EventWorkflowTerminated)
	assert.NotContains(t, types, api.EventWorkflowCompleted)

	// The run exits and stays terminated.
	require.Eventually(t, func() bool { return e.liveRun(id) == nil }, 2*time.Second, 10*time.Millisecond)
	inst, err = e.GetInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, api.StatusTerminated, inst.Status)
}

func TestEngine_PanicMarksInstanceFailed(t *testing.T) {
	ctx := context.Background()
	metrics := &api.BasicMetrics{}
	e := newEngine(Config{Observer: metrics, Logger: slog.New(slog.DiscardHandler)})
	t.Cleanup(func() { _ = e.Close() })

	require.NoError(t, e.RegisterWorkflow(api.WorkflowDefinition{
		Name: "explodes",
		Fn: func(octx api.OrchestrationContext, input any) (any, error) {
			panic("kaboom")
		},
	}))

	id, err := e.Start(ctx, "explodes", nil)
	require.NoError(t, err)

	inst := waitFor(t, e, id)
	assert.Equal(t, api.StatusFailed, inst.Status)
	require.Error(t, inst.Err)
	assert.Contains(t, inst.Err.Error(), "kaboom")

	snap := metrics.Snapshot()
	assert.Equal(t, int64(1), snap.WorkflowsStarted)
	assert.Equal(t, int64(1), snap.WorkflowsFailed)
}

func TestEngine_ActivityRetry(t *testing.T) {
	ctx := context.Background()
	metrics := &api.BasicMetrics{}
	e := newEngine(Config{Observer: metrics, Logger: slog.New(slog.DiscardHandler)})
	t.Cleanup(func() { _ = e.Close() })

	var attempts atomic.Int32
	require.NoError(t, e.RegisterActivity(api.ActivityDefinition{
		Name:  "flaky",
		Retry: api.Retry(3).WithConstantBackoff(5 * time.Millisecond).Policy(),
		Fn: func(ctx context.Context, input any) (any, error) {
			if attempts.Add(1) < 3 {
				return nil, errors.New("transient")
			}
			return 42, nil
		},
	}))
	require.NoError(t, e.RegisterActivity(api.ActivityDefinition{
		Name:  "broken",
		Retry: api.Retry(2).Immediate().Policy(),
		Fn: func(ctx context.Context, input any) (any, error) {
			return nil, errors.New("permanent")
		},
	}))
	require.NoError(t, e.RegisterWorkflow(api.WorkflowDefinition{
		Name: "retrying",
		Fn: func(octx api.OrchestrationContext, input any) (any, error) {
			var n int
			if err := octx.CallActivity(input.(string), nil).Await(&n); err != nil {
				return nil, err
			}
			return n, nil
		},
	}))

	id, err := e.Start(ctx, "retrying", "flaky")
	require.NoError(t, err)
	inst := waitFor(t, e, id)
	assert.Equal(t, api.StatusCompleted, inst.Status)
	assert.Equal(t, 42, inst.Output)
	assert.Equal(t, int32(3), attempts.Load())

	id, err = e.Start(ctx, "retrying", "broken")
	require.NoError(t, err)
	inst = waitFor(t, e, id)
	assert.Equal(t, api.StatusFailed, inst.Status)

	var actErr *api.ActivityError
	require.ErrorAs(t, inst.Err, &actErr)
	assert.Equal(t, "broken", actErr.Activity)
	assert.Equal(t, "permanent", actErr.Message)
	assert.Contains(t, eventTypes(t, e, id), api.EventActivityFailed)

	snap := metrics.Snapshot()
	assert.Equal(t, int64(4), snap.ActivitiesFailed)
	assert.Equal(t, int64(1), snap.ActivitiesCompleted)
}

func TestEngine_ReplayIsSilent(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewInMemoryStore()

	var replayedAtStart []bool
	orchestration := func(octx api.OrchestrationContext, input any) (any, error) {
		replayedAtStart = append(replayedAtStart, octx.IsReplaying())
		if _, err := octx.CurrentTime(); err != nil {
			return nil, err
		}
		var ok bool
		if err := octx.WaitForSignal("Go").Await(&ok); err != nil {
			return nil, err
		}
		return ok, nil
	}

	newEng := func() *engineImpl {
		e := newEngine(Config{
			Persistence:  persistence.FromStore(store),
			Logger:       slog.New(slog.DiscardHandler),
			PollInterval: 20 * time.Millisecond,
		})
		t.Cleanup(func() { _ = e.Close() })
		require.NoError(t, e.RegisterWorkflow(api.WorkflowDefinition{Name: "silent", Fn: orchestration}))
		return e
	}

	e1 := newEng()
	id, err := e1.Start(ctx, "silent", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		cps, _ := store.ListCheckpoints(ctx, id)
		return len(cps) == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, e1.Close())

	e2 := newEng()
	_, err = e2.Recover(ctx)
	require.NoError(t, err)
	require.NoError(t, e2.Signal(ctx, id, "Go", true))

	inst := waitFor(t, e2, id)
	assert.Equal(t, true, inst.Output)
	assert.Equal(t, []bool{false, true}, replayedAtStart)
}

func TestEngine_Registration(t *testing.T) {
	e := newEngine(Config{Logger: slog.New(slog.DiscardHandler)})
	t.Cleanup(func() { _ = e.Close() })

	noop := func(octx api.OrchestrationContext, input any) (any, error) { return nil, nil }

	require.NoError(t, e.RegisterWorkflow(api.WorkflowDefinition{Name: "wf", Fn: noop}))
	assert.Error(t, e.RegisterWorkflow(api.WorkflowDefinition{Name: "wf", Fn: noop}))
	assert.Error(t, e.RegisterWorkflow(api.WorkflowDefinition{Fn: noop}))
	assert.Error(t, e.RegisterWorkflow(api.WorkflowDefinition{Name: "nil-fn"}))
	assert.Error(t, e.RegisterActivity(api.ActivityDefinition{Name: "nil-fn"}))

	_, err := e.Start(context.Background(), "missing", nil)
	assert.Error(t, err)

	require.NoError(t, e.Close())
	_, err = e.Start(context.Background(), "wf", nil)
	assert.ErrorIs(t, err, errEngineClosed)
}

func TestEngine_ListInstances(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	e := newTestEngine(t, persistence.NewInMemoryStore(), time.Minute, &calls)

	done, err := e.Start(ctx, raceWorkflow, nil)
	require.NoError(t, err)
	running, err := e.Start(ctx, raceWorkflow, nil)
	require.NoError(t, err)

	require.NoError(t, e.Signal(ctx, done, "Close", true))
	waitFor(t, e, done)

	list, err := e.ListInstances(ctx, api.InstanceListOptions{Status: api.StatusRunning})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, running, list[0].ID)

	list, err = e.ListInstances(ctx, api.InstanceListOptions{WorkflowName: raceWorkflow})
	require.NoError(t, err)
	assert.Len(t, list, 2)
}
