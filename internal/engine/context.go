package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/petrijr/registrar/pkg/api"
)

var _ api.OrchestrationContext = (*run)(nil)

var discardLogger = slog.New(slog.DiscardHandler)

// Recorded shapes of the primitives.
type (
	activityRecord struct {
		Result json.RawMessage `json:"result,omitempty"`
		Error  string          `json:"error,omitempty"`
	}

	signalRecord struct {
		Index   int             `json:"index"`
		Payload json.RawMessage `json:"payload,omitempty"`
	}

	timerRecord struct {
		Due       time.Time `json:"due"`
		Fired     bool      `json:"fired,omitempty"`
		Cancelled bool      `json:"cancelled,omitempty"`
	}

	raceRecord struct {
		Winner int `json:"winner"`
	}
)

func (r *run) Context() context.Context {
	return r.ctx
}

func (r *run) InstanceID() string {
	return r.inst.ID
}

// IsReplaying reports whether the next primitive call has already been
// recorded by an earlier execution.
func (r *run) IsReplaying() bool {
	return r.seq <= r.maxSeq
}

func (r *run) Logger() *slog.Logger {
	if r.IsReplaying() {
		return discardLogger
	}
	return r.e.logger.With(
		slog.String("instance_id", r.inst.ID),
		slog.String("workflow", r.inst.Name),
	)
}

func (r *run) CurrentTime() (time.Time, error) {
	key := r.nextKey(kindNow, "now")
	if data, ok := r.checkpoint(key); ok {
		var t time.Time
		if err := json.Unmarshal(data, &t); err != nil {
			return time.Time{}, fmt.Errorf("decode checkpoint %s: %w", key, err)
		}
		return t, nil
	}

	now := time.Now().UTC()
	if err := r.saveCheckpoint(key, now); err != nil {
		return time.Time{}, err
	}
	return now, nil
}

func (r *run) CallActivity(name string, input any) api.Task {
	key := r.nextKey(kindActivity, name)
	t := &activityTask{run: r, key: key, name: name}

	if data, ok := r.checkpoint(key); ok {
		var rec activityRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			t.fail(fmt.Errorf("decode checkpoint %s: %w", key, err))
			return t
		}
		t.resolve(rec)
		return t
	}

	if r.fatal != nil {
		t.fail(r.fatal)
		return t
	}
	def, err := r.e.registry.activity(name)
	if err != nil {
		t.fail(err)
		return t
	}
	t.start(def, input)
	return t
}

func (r *run) WaitForSignal(name string) api.Task {
	key := r.nextKey(kindSignal, name)
	t := &signalTask{run: r, key: key, name: name}

	if data, ok := r.checkpoint(key); ok {
		var rec signalRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			t.err = fmt.Errorf("decode checkpoint %s: %w", key, err)
			return t
		}
		t.rec = &rec
	}
	return t
}

func (r *run) CreateTimer(due time.Time) api.TimerTask {
	key := r.nextKey(kindTimer, "timer")
	t := &timerTask{run: r, key: key}

	if data, ok := r.checkpoint(key); ok {
		if err := json.Unmarshal(data, &t.rec); err != nil {
			t.err = fmt.Errorf("decode checkpoint %s: %w", key, err)
			return t
		}
	} else {
		t.rec = timerRecord{Due: due.UTC()}
		if err := r.saveCheckpoint(key, t.rec); err != nil {
			t.err = err
			return t
		}
		r.e.appendEvent(r.ctx, r.inst, api.EventTimerCreated, t.rec.Due.Format(time.RFC3339Nano))
	}

	if !t.rec.Fired && !t.rec.Cancelled {
		t.arm()
	}
	return t
}

func (r *run) WhenAny(tasks ...api.Task) (api.Task, error) {
	if len(tasks) == 0 {
		return nil, errors.New("WhenAny requires at least one task")
	}
	pollables := make([]pollable, len(tasks))
	for i, t := range tasks {
		p, ok := t.(pollable)
		if !ok {
			return nil, fmt.Errorf("WhenAny: task %d was not created by this orchestration", i)
		}
		pollables[i] = p
	}

	key := r.nextKey(kindRace, "any")
	if data, ok := r.checkpoint(key); ok {
		var rec raceRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("decode checkpoint %s: %w", key, err)
		}
		if rec.Winner < 0 || rec.Winner >= len(tasks) {
			return nil, fmt.Errorf("checkpoint %s: winner %d out of range", key, rec.Winner)
		}
		return tasks[rec.Winner], nil
	}

	for {
		for i, p := range pollables {
			resolved, err := p.poll()
			if err != nil {
				return nil, err
			}
			if !resolved {
				continue
			}
			if err := r.saveCheckpoint(key, raceRecord{Winner: i}); err != nil {
				return nil, err
			}
			return tasks[i], nil
		}
		if err := r.block(); err != nil {
			return nil, err
		}
	}
}
