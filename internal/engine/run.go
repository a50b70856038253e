package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/petrijr/registrar/pkg/api"
)

// run is one execution of an orchestration instance inside this engine.
// Except where noted, its fields belong to the orchestration goroutine.
type run struct {
	e    *engineImpl
	inst *api.WorkflowInstance
	def  api.WorkflowDefinition

	ctx    context.Context
	cancel context.CancelCauseFunc

	wake     chan struct{}
	done     chan struct{}
	finished atomic.Bool

	seq         int
	maxSeq      int
	checkpoints map[string][]byte
	bySeq       map[int]string
	consumed    map[int]bool
	fatal       error

	timersMu sync.Mutex
	timers   []*timerTask
}

func newRun(e *engineImpl, inst *api.WorkflowInstance, def api.WorkflowDefinition) *run {
	ctx, cancel := context.WithCancelCause(e.ctx)
	return &run{
		e:           e,
		inst:        inst,
		def:         def,
		ctx:         ctx,
		cancel:      cancel,
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
		maxSeq:      -1,
		checkpoints: make(map[string][]byte),
		bySeq:       make(map[int]string),
		consumed:    make(map[int]bool),
	}
}

// notify wakes the orchestration goroutine if it is waiting. Safe for
// concurrent use.
func (r *run) notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// claimFinish reserves the right to write the terminal status. Safe for
// concurrent use.
func (r *run) claimFinish() bool {
	return r.finished.CompareAndSwap(false, true)
}

func (r *run) execute() {
	defer r.e.wg.Done()
	defer close(r.done)
	defer r.e.forget(r)
	defer r.cleanup()

	log := r.e.logger.With(slog.String("instance_id", r.inst.ID))

	renewCtx, stopRenew := context.WithCancel(r.ctx)
	defer stopRenew()
	go r.renewLease(renewCtx, log)

	if err := r.load(); err != nil {
		log.Error("load_checkpoints_failed", slog.Any("error", err))
		return
	}
	if len(r.checkpoints) > 0 {
		r.e.appendEvent(r.ctx, r.inst, api.EventWorkflowResumed, strconv.Itoa(len(r.checkpoints))+" checkpoints")
	}

	out, err := r.invoke()

	if r.ctx.Err() != nil {
		// Stopped from outside; whoever stopped the run owns the status.
		log.Debug("run_stopped", slog.Any("cause", context.Cause(r.ctx)))
		return
	}
	r.finish(out, err)
}

func (r *run) invoke() (out any, err error) {
	defer func() {
		if p := recover(); p != nil {
			out = nil
			err = fmt.Errorf("orchestration panicked: %v", p)
		}
	}()
	return r.def.Fn(r, r.inst.Input)
}

// load reads every checkpoint of the instance and marks the inbox entries
// they consumed.
func (r *run) load() error {
	cps, err := r.e.checkpoints.ListCheckpoints(r.ctx, r.inst.ID)
	if err != nil {
		return err
	}
	for _, cp := range cps {
		r.checkpoints[cp.Key] = cp.Data

		seq, kind, ok := parseKey(cp.Key)
		if !ok {
			continue
		}
		r.bySeq[seq] = cp.Key
		if seq > r.maxSeq {
			r.maxSeq = seq
		}
		if kind == kindSignal {
			var rec signalRecord
			if err := json.Unmarshal(cp.Data, &rec); err != nil {
				return fmt.Errorf("decode checkpoint %s: %w", cp.Key, err)
			}
			r.consumed[rec.Index] = true
		}
	}
	return nil
}

func (r *run) finish(out any, err error) {
	if !r.claimFinish() {
		return
	}
	if r.fatal != nil {
		out, err = nil, r.fatal
	}

	// Another engine may have terminated the instance while it ran here.
	if cur, gerr := r.e.instances.GetInstance(r.inst.ID); gerr == nil && cur.Status.Terminal() {
		return
	}

	inst := r.inst
	inst.UpdatedAt = time.Now()
	if err != nil {
		inst.Status = api.StatusFailed
		inst.Err = err
	} else {
		inst.Status = api.StatusCompleted
		inst.Output = out
	}

	if uerr := r.e.instances.UpdateInstance(inst); uerr != nil {
		r.e.logger.Error("update_instance_failed",
			slog.String("instance_id", inst.ID),
			slog.Any("error", uerr),
		)
		return
	}

	if err != nil {
		r.e.appendEvent(r.ctx, inst, api.EventWorkflowFailed, err.Error())
		r.e.observer.OnWorkflowFailed(r.ctx, inst, err)
		return
	}
	r.e.appendEvent(r.ctx, inst, api.EventWorkflowCompleted, "")
	r.e.observer.OnWorkflowCompleted(r.ctx, inst)
}

func (r *run) renewLease(ctx context.Context, log *slog.Logger) {
	ticker := time.NewTicker(r.e.leaseTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.e.instances.RenewLease(ctx, r.inst.ID, r.e.owner, r.e.leaseTTL); err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Warn("lease_renew_failed", slog.Any("error", err))
				r.cancel(errLeaseLost)
				return
			}
		}
	}
}

func (r *run) cleanup() {
	r.timersMu.Lock()
	for _, t := range r.timers {
		t.stop()
	}
	r.timers = nil
	r.timersMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.e.instances.ReleaseLease(ctx, r.inst.ID, r.e.owner); err != nil {
		r.e.logger.Warn("lease_release_failed",
			slog.String("instance_id", r.inst.ID),
			slog.Any("error", err),
		)
	}
}

// block waits for a wake-up, the poll interval or the end of the run.
func (r *run) block() error {
	t := time.NewTimer(r.e.pollInterval)
	defer t.Stop()

	select {
	case <-r.wake:
		return nil
	case <-t.C:
		return nil
	case <-r.ctx.Done():
		return context.Cause(r.ctx)
	}
}

// await drives a task until it resolves.
func (r *run) await(t pollable) error {
	for {
		resolved, err := t.poll()
		if err != nil {
			return err
		}
		if resolved {
			return nil
		}
		if err := r.block(); err != nil {
			return err
		}
	}
}

const (
	kindNow      = "now"
	kindActivity = "activity"
	kindSignal   = "signal"
	kindTimer    = "timer"
	kindRace     = "race"
)

// nextKey allocates the checkpoint key of the next primitive call.
func (r *run) nextKey(kind, name string) string {
	key := fmt.Sprintf("%04d/%s/%s", r.seq, kind, name)
	if recorded, ok := r.bySeq[r.seq]; ok && recorded != key && r.fatal == nil {
		r.fatal = fmt.Errorf("nondeterministic orchestration: call %d is %s but history has %s", r.seq, key, recorded)
	}
	r.seq++
	return key
}

func (r *run) checkpoint(key string) ([]byte, bool) {
	data, ok := r.checkpoints[key]
	return data, ok
}

func (r *run) saveCheckpoint(key string, v any) error {
	if r.fatal != nil {
		return r.fatal
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", key, err)
	}
	if err := r.e.checkpoints.SaveCheckpoint(r.ctx, r.inst.ID, key, data); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", key, err)
	}
	r.checkpoints[key] = data
	return nil
}

func parseKey(key string) (seq int, kind string, ok bool) {
	parts := strings.SplitN(key, "/", 3)
	if len(parts) != 3 {
		return 0, "", false
	}
	seq, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, "", false
	}
	return seq, parts[1], true
}
