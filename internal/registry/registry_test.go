package registry

import (
	"bytes"
	"context"
	"database/sql"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"pgregory.net/rapid"

	_ "modernc.org/sqlite"

	"github.com/petrijr/registrar/internal/engine"
	"github.com/petrijr/registrar/internal/entity"
	"github.com/petrijr/registrar/internal/persistence"
	"github.com/petrijr/registrar/pkg/api"
)

type storeFactory func(t *testing.T) persistence.Store

func storeFactories() map[string]storeFactory {
	return map[string]storeFactory{
		"in-memory": func(t *testing.T) persistence.Store {
			return persistence.NewInMemoryStore()
		},
		"sqlite": func(t *testing.T) persistence.Store {
			db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "registry.db"))
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

type fixture struct {
	engine  api.Engine
	host    *entity.Host
	service *Service
}

func newFixture(t *testing.T, store persistence.Store, timeout time.Duration) *fixture {
	t.Helper()
	return newLoggedFixture(t, store, timeout, slog.New(slog.DiscardHandler))
}

func newLoggedFixture(t *testing.T, store persistence.Store, timeout time.Duration, logger *slog.Logger) *fixture {
	t.Helper()

	eng := engine.NewEngine(engine.Config{
		Persistence:  persistence.FromStore(store),
		Logger:       logger,
		PollInterval: 20 * time.Millisecond,
	})
	host, err := entity.NewHost(entity.Config{Store: store, Logger: logger})
	if err != nil {
		t.Fatalf("NewHost failed: %v", err)
	}
	t.Cleanup(func() {
		_ = eng.Close()
		_ = host.Close(context.Background())
	})

	svc, err := New(eng, host, Options{Timeout: timeout, Logger: logger})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return &fixture{engine: eng, host: host, service: svc}
}

func (f *fixture) wait(t *testing.T, id string) *api.WorkflowInstance {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	inst, err := f.engine.Wait(ctx, id)
	require.NoError(t, err)
	return inst
}

// waitForList blocks until NewList has initialized the list of id.
func (f *fixture) waitForList(t *testing.T, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_ = f.host.Sync(context.Background(), ListID(id))
		list, ok, err := entity.ReadState[List](context.Background(), f.host, ListID(id))
		return err == nil && ok && list.ID == id
	}, 5*time.Second, 10*time.Millisecond)
}

// waitForTimer blocks until the orchestration of id is waiting for Close.
func (f *fixture) waitForTimer(t *testing.T, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		events, err := f.engine.History(context.Background(), id)
		if err != nil {
			return false
		}
		for _, ev := range events {
			if ev.Type == api.EventTimerCreated {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
}

func TestService_AddThenFinish(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, factory(t), time.Minute)

			id, err := f.service.Open(ctx)
			require.NoError(t, err)
			require.NotEmpty(t, id)

			require.NoError(t, f.service.Add(ctx, id, "apple"))
			require.NoError(t, f.service.Add(ctx, id, "banana"))
			require.NoError(t, f.service.Finish(ctx, id))

			inst := f.wait(t, id)
			assert.Equal(t, api.StatusCompleted, inst.Status)
			assert.Equal(t, true, inst.Output)

			snap, err := f.service.Peek(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, StatusClosed, snap.Status)
			require.NotNil(t, snap.Registry)
			assert.Equal(t, id, snap.Registry.ID)
			assert.Equal(t, []string{"apple", "banana"}, snap.Registry.Items)

			require.NoError(t, f.host.Sync(ctx, StatsID))
			stats, err := f.service.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, Stats{RegistryCount: 1, ItemsCount: 2}, stats)

			assert.ErrorIs(t, f.service.Add(ctx, id, "cherry"), ErrNotActive)
			assert.ErrorIs(t, f.service.Finish(ctx, id), ErrNotActive)
		})
	}
}

func TestService_RegistryTimesOut(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, persistence.NewInMemoryStore(), 100*time.Millisecond)

	id, err := f.service.Open(ctx)
	require.NoError(t, err)

	inst := f.wait(t, id)
	assert.Equal(t, api.StatusCompleted, inst.Status)
	assert.Equal(t, false, inst.Output)

	snap, err := f.service.Peek(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, snap.Status)
	require.NotNil(t, snap.Registry)
	assert.Empty(t, snap.Registry.Items)
	assert.NotNil(t, snap.Registry.Items)
}

func TestService_FalseCloseEndsRegistryUnclosed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, persistence.NewInMemoryStore(), time.Minute)

	id, err := f.service.Open(ctx)
	require.NoError(t, err)
	require.NoError(t, f.engine.Signal(ctx, id, CloseSignal, false))

	inst := f.wait(t, id)
	assert.Equal(t, api.StatusCompleted, inst.Status)
	assert.Equal(t, false, inst.Output)
}

func TestService_PeekOpenRegistry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, persistence.NewInMemoryStore(), time.Minute)

	id, err := f.service.Open(ctx)
	require.NoError(t, err)
	f.waitForList(t, id)

	require.NoError(t, f.service.Add(ctx, id, "apple"))
	require.NoError(t, f.host.Sync(ctx, ListID(id)))

	snap, err := f.service.Peek(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, snap.Status)
	require.NotNil(t, snap.Registry)
	assert.Equal(t, []string{"apple"}, snap.Registry.Items)
}

func TestService_RejectsBadRequests(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, persistence.NewInMemoryStore(), time.Minute)

	assert.ErrorIs(t, f.service.Add(ctx, " ", "x"), ErrIDRequired)
	assert.ErrorIs(t, f.service.Finish(ctx, ""), ErrIDRequired)
	_, err := f.service.Peek(ctx, "")
	assert.ErrorIs(t, err, ErrIDRequired)

	assert.ErrorIs(t, f.service.Add(ctx, "missing", "x"), ErrNotFound)
	assert.ErrorIs(t, f.service.Add(ctx, "missing", "x"), api.ErrNotFound)
	assert.ErrorIs(t, f.service.Finish(ctx, "missing"), ErrNotFound)
	_, err = f.service.Peek(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_StatsBeforeAnyRegistry(t *testing.T) {
	f := newFixture(t, persistence.NewInMemoryStore(), time.Minute)

	stats, err := f.service.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
}

func TestList_InitializeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, persistence.NewInMemoryStore(), time.Minute)

	id := ListID("abc")
	require.NoError(t, f.host.Signal(ctx, id, OpInitialize, "abc"))
	require.NoError(t, f.host.Signal(ctx, id, OpAddItem, "apple"))
	require.NoError(t, f.host.Signal(ctx, id, OpInitialize, "other"))
	require.NoError(t, f.host.Sync(ctx, id))

	list, ok, err := entity.ReadState[List](ctx, f.host, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "abc", list.ID)
	assert.Equal(t, []string{"apple"}, list.Items)
}

func TestList_KeepsDuplicatesAndEmptyItems(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, persistence.NewInMemoryStore(), time.Minute)

	id := ListID("dup")
	for _, item := range []string{"a", "a", ""} {
		require.NoError(t, f.host.Signal(ctx, id, OpAddItem, item))
	}
	require.NoError(t, f.host.Sync(ctx, id))

	list, _, err := entity.ReadState[List](ctx, f.host, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "a", ""}, list.Items)
}

func TestService_RegistrySurvivesRestart(t *testing.T) {
	ctx := context.Background()
	store := storeFactories()["sqlite"](t)

	first := newFixture(t, store, time.Minute)
	id, err := first.service.Open(ctx)
	require.NoError(t, err)
	first.waitForTimer(t, id)
	require.NoError(t, first.service.Add(ctx, id, "apple"))
	require.NoError(t, first.host.Close(ctx))
	require.NoError(t, first.engine.Close())

	second := newFixture(t, store, time.Minute)
	n, err := second.engine.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, second.service.Add(ctx, id, "banana"))
	require.NoError(t, second.service.Finish(ctx, id))

	inst := second.wait(t, id)
	assert.Equal(t, true, inst.Output)

	snap, err := second.service.Peek(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"apple", "banana"}, snap.Registry.Items)

	require.NoError(t, second.host.Sync(ctx, StatsID))
	stats, err := second.service.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{RegistryCount: 1, ItemsCount: 2}, stats)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestService_ResumedRegistryLogsItsOutcome(t *testing.T) {
	ctx := context.Background()
	store := storeFactories()["sqlite"](t)

	first := newFixture(t, store, time.Minute)
	id, err := first.service.Open(ctx)
	require.NoError(t, err)
	first.waitForTimer(t, id)
	require.NoError(t, first.host.Close(ctx))
	require.NoError(t, first.engine.Close())

	var logs lockedBuffer
	second := newLoggedFixture(t, store, time.Minute, slog.New(slog.NewTextHandler(&logs, nil)))
	_, err = second.engine.Recover(ctx)
	require.NoError(t, err)
	require.NoError(t, second.service.Finish(ctx, id))
	second.wait(t, id)

	out := logs.String()
	assert.Contains(t, out, "registry_closed_by_user")
	assert.NotContains(t, out, "registry_orchestration_started", "replayed lines must stay silent")
}

func TestService_ConcurrentOpenAndAddKeepCountersExact(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		registries := rapid.IntRange(1, 6).Draw(rt, "registries")
		items := rapid.IntRange(0, 10).Draw(rt, "items")

		ctx := context.Background()
		f := newFixture(t, persistence.NewInMemoryStore(), time.Minute)

		ids := make([]string, registries)
		var opens errgroup.Group
		for i := range ids {
			opens.Go(func() error {
				id, err := f.service.Open(ctx)
				ids[i] = id
				return err
			})
		}
		require.NoError(rt, opens.Wait())

		var adds errgroup.Group
		for _, id := range ids {
			for range items {
				adds.Go(func() error { return f.service.Add(ctx, id, "item") })
			}
		}
		require.NoError(rt, adds.Wait())

		for _, id := range ids {
			f.waitForList(t, id)
		}
		require.NoError(rt, f.host.Sync(ctx, StatsID))

		stats, err := f.service.Stats(ctx)
		require.NoError(rt, err)
		require.Equal(rt, Stats{RegistryCount: registries, ItemsCount: registries * items}, stats)
	})
}
