package registry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/petrijr/registrar/internal/entity"
	"github.com/petrijr/registrar/pkg/api"
)

// newListRetry covers transient entity store failures while the registry is
// being created.
var newListRetry = api.Retry(3).WithExponentialBackoff(100*time.Millisecond, 2.0, time.Second).Policy()

// NewList returns the activity that creates a registry: it counts the new
// registry and initializes its list. Input is the registry id.
func NewList(h *entity.Host) api.ActivityFunc {
	return func(ctx context.Context, input any) (any, error) {
		id, ok := input.(string)
		if !ok || id == "" {
			return nil, fmt.Errorf("NewList: expected registry id, got %T", input)
		}
		if err := h.Signal(ctx, StatsID, OpNewRegistry, nil); err != nil {
			return nil, err
		}
		if err := h.Signal(ctx, ListID(id), OpInitialize, id); err != nil {
			return nil, err
		}
		return nil, nil
	}
}

// Orchestration returns the workflow of one registry. The registry stays
// open until a Close signal arrives or timeout elapses from the moment the
// workflow first ran. The result reports whether the user closed it.
//
// Only a Close signal carrying true counts as closed by the user; any other
// payload ends the registry as if the timer had fired.
func Orchestration(timeout time.Duration) api.OrchestrationFunc {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return func(octx api.OrchestrationContext, input any) (any, error) {
		octx.Logger().Info("registry_orchestration_started", slog.Any("input", input))

		if err := octx.CallActivity(NewListActivity, octx.InstanceID()).Await(nil); err != nil {
			return nil, err
		}

		now, err := octx.CurrentTime()
		if err != nil {
			return nil, err
		}
		due := now.Add(timeout)

		closeTask := octx.WaitForSignal(CloseSignal)
		octx.Logger().Info("registry_waiting", slog.Time("now", now), slog.Time("due", due))
		timer := octx.CreateTimer(due)

		winner, err := octx.WhenAny(closeTask, timer)
		if err != nil {
			return nil, err
		}

		closedByUser := false
		if winner == closeTask {
			var closed bool
			if err := closeTask.Await(&closed); err != nil {
				return nil, err
			}
			if closed {
				if err := timer.Cancel(); err != nil {
					return nil, err
				}
				closedByUser = true
			}
		}

		if closedByUser {
			octx.Logger().Info("registry_closed_by_user")
		} else {
			octx.Logger().Info("registry_timed_out")
		}
		return closedByUser, nil
	}
}
