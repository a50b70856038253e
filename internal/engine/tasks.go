package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/petrijr/registrar/pkg/api"
)

// pollable is implemented by every task handed out by a run. poll is called
// from the orchestration goroutine only.
type pollable interface {
	api.Task
	poll() (resolved bool, err error)
}

var (
	_ pollable      = (*activityTask)(nil)
	_ pollable      = (*signalTask)(nil)
	_ pollable      = (*timerTask)(nil)
	_ api.TimerTask = (*timerTask)(nil)
)

// activityTask runs an activity on its own goroutine. The goroutine writes
// the checkpoint as soon as the activity returns, even while the engine is
// closing.
type activityTask struct {
	run  *run
	key  string
	name string

	mu      sync.Mutex
	result  *activityRecord
	data    []byte
	saveErr error

	rec *activityRecord
	err error
}

func (t *activityTask) resolve(rec activityRecord) { t.rec = &rec }
func (t *activityTask) fail(err error)             { t.err = err }

func (t *activityTask) start(def api.ActivityDefinition, input any) {
	r := t.run
	inst := *r.inst

	r.e.wg.Add(1)
	go func() {
		defer r.e.wg.Done()

		rec, ok := t.execute(r.ctx, def, &inst, input)
		if !ok {
			return
		}
		data, err := t.record(context.WithoutCancel(r.ctx), &inst, rec)

		t.mu.Lock()
		t.result = &rec
		t.data = data
		t.saveErr = err
		t.mu.Unlock()
		r.notify()
	}()
}

// record persists the outcome of a finished activity.
func (t *activityTask) record(ctx context.Context, inst *api.WorkflowInstance, rec activityRecord) ([]byte, error) {
	e := t.run.e
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint %s: %w", t.key, err)
	}
	if err := e.checkpoints.SaveCheckpoint(ctx, inst.ID, t.key, data); err != nil {
		return nil, fmt.Errorf("save checkpoint %s: %w", t.key, err)
	}

	if rec.Error != "" {
		e.appendEvent(ctx, inst, api.EventActivityFailed, t.name+": "+rec.Error)
	} else {
		e.appendEvent(ctx, inst, api.EventActivityCompleted, t.name)
	}
	return data, nil
}

// execute calls the activity until it succeeds or runs out of attempts. It
// reports false when the run stopped before a result was produced.
func (t *activityTask) execute(ctx context.Context, def api.ActivityDefinition, inst *api.WorkflowInstance, input any) (activityRecord, bool) {
	obs := t.run.e.observer

	policy := api.RetryPolicy{MaxAttempts: 1}
	if def.Retry != nil {
		policy = *def.Retry
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}

	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return activityRecord{}, false
		}

		startTime := time.Now()
		obs.OnActivityStart(ctx, inst, def.Name, attempt)
		out, err := callActivity(ctx, def.Fn, input)
		obs.OnActivityCompleted(ctx, inst, def.Name, attempt, err, time.Since(startTime))

		if err == nil {
			data, merr := json.Marshal(out)
			if merr != nil {
				return activityRecord{Error: "encode result: " + merr.Error()}, true
			}
			return activityRecord{Result: data}, true
		}
		if ctx.Err() != nil {
			return activityRecord{}, false
		}
		if attempt >= policy.MaxAttempts {
			return activityRecord{Error: err.Error()}, true
		}

		if delay := policy.Delay(attempt); delay > 0 {
			select {
			case <-ctx.Done():
				return activityRecord{}, false
			case <-time.After(delay):
			}
		}
	}
}

func callActivity(ctx context.Context, fn api.ActivityFunc, input any) (out any, err error) {
	defer func() {
		if p := recover(); p != nil {
			out = nil
			err = fmt.Errorf("activity panicked: %v", p)
		}
	}()
	return fn(ctx, input)
}

func (t *activityTask) poll() (bool, error) {
	if t.err != nil {
		return false, t.err
	}
	if t.rec != nil {
		return true, nil
	}

	t.mu.Lock()
	res, data, saveErr := t.result, t.data, t.saveErr
	t.mu.Unlock()
	if res == nil {
		return false, nil
	}
	if saveErr != nil {
		t.err = saveErr
		return false, saveErr
	}

	t.run.checkpoints[t.key] = data
	t.rec = res
	return true, nil
}

func (t *activityTask) Done() bool {
	resolved, _ := t.poll()
	return resolved
}

func (t *activityTask) Await(out any) error {
	if err := t.run.await(t); err != nil {
		return err
	}
	if t.rec.Error != "" {
		return &api.ActivityError{Activity: t.name, Message: t.rec.Error}
	}
	if out != nil && len(t.rec.Result) > 0 {
		if err := json.Unmarshal(t.rec.Result, out); err != nil {
			return fmt.Errorf("decode result of activity %s: %w", t.name, err)
		}
	}
	return nil
}

// signalTask consumes the first unconsumed inbox entry with its name.
type signalTask struct {
	run  *run
	key  string
	name string

	rec *signalRecord
	err error
}

func (t *signalTask) poll() (bool, error) {
	if t.err != nil {
		return false, t.err
	}
	if t.rec != nil {
		return true, nil
	}

	r := t.run
	sigs, err := r.e.signals.ListSignals(r.ctx, r.inst.ID)
	if err != nil {
		return false, err
	}
	for i, sig := range sigs {
		if r.consumed[i] || sig.Name != t.name {
			continue
		}
		rec := signalRecord{Index: i, Payload: sig.Payload}
		if err := r.saveCheckpoint(t.key, rec); err != nil {
			return false, err
		}
		r.consumed[i] = true
		t.rec = &rec
		return true, nil
	}
	return false, nil
}

func (t *signalTask) Done() bool {
	resolved, _ := t.poll()
	return resolved
}

func (t *signalTask) Await(out any) error {
	if err := t.run.await(t); err != nil {
		return err
	}
	if out != nil && len(t.rec.Payload) > 0 {
		if err := json.Unmarshal(t.rec.Payload, out); err != nil {
			return fmt.Errorf("decode signal %s: %w", t.name, err)
		}
	}
	return nil
}

// timerTask is armed with time.AfterFunc. Its record is written when the
// timer is created, so the due time survives restarts.
type timerTask struct {
	run *run
	key string
	err error

	mu    sync.Mutex
	rec   timerRecord
	timer *time.Timer
	rang  bool
}

func (t *timerTask) arm() {
	t.mu.Lock()
	t.timer = time.AfterFunc(time.Until(t.rec.Due), t.fire)
	t.mu.Unlock()

	t.run.timersMu.Lock()
	t.run.timers = append(t.run.timers, t)
	t.run.timersMu.Unlock()
}

func (t *timerTask) fire() {
	t.mu.Lock()
	if t.rec.Cancelled {
		t.mu.Unlock()
		return
	}
	t.rang = true
	t.mu.Unlock()
	t.run.notify()
}

func (t *timerTask) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *timerTask) DueTime() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rec.Due
}

func (t *timerTask) poll() (bool, error) {
	if t.err != nil {
		return false, t.err
	}

	t.mu.Lock()
	if t.rec.Fired {
		t.mu.Unlock()
		return true, nil
	}
	if t.rec.Cancelled || !t.rang {
		t.mu.Unlock()
		return false, nil
	}
	t.rec.Fired = true
	rec := t.rec
	t.mu.Unlock()

	if err := t.run.saveCheckpoint(t.key, rec); err != nil {
		t.mu.Lock()
		t.rec.Fired = false
		t.mu.Unlock()
		return false, err
	}
	t.run.e.appendEvent(t.run.ctx, t.run.inst, api.EventTimerFired, "")
	return true, nil
}

func (t *timerTask) Done() bool {
	resolved, _ := t.poll()
	return resolved
}

func (t *timerTask) Await(out any) error {
	t.mu.Lock()
	cancelled := t.rec.Cancelled
	t.mu.Unlock()
	if cancelled {
		return api.ErrTimerCancelled
	}

	if err := t.run.await(t); err != nil {
		return err
	}
	if p, ok := out.(*time.Time); ok {
		*p = t.DueTime()
	}
	return nil
}

// Cancel stops a timer that has not fired yet. A fire that raced with the
// cancellation but was not yet observed by the orchestration is discarded.
func (t *timerTask) Cancel() error {
	if t.err != nil {
		return t.err
	}

	t.mu.Lock()
	if t.rec.Cancelled || t.rec.Fired {
		t.mu.Unlock()
		return nil
	}
	t.rec.Cancelled = true
	t.rang = false
	if t.timer != nil {
		t.timer.Stop()
	}
	rec := t.rec
	t.mu.Unlock()

	if err := t.run.saveCheckpoint(t.key, rec); err != nil {
		return err
	}
	t.run.e.appendEvent(t.run.ctx, t.run.inst, api.EventTimerCancelled, "")
	return nil
}
