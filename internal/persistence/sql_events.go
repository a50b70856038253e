package persistence

import (
	"context"
	"time"

	"github.com/petrijr/registrar/pkg/api"
)

func (s *SQLStore) AppendEvent(ctx context.Context, ev api.WorkflowEvent) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO workflow_events (instance_id, at, type, workflow_name, detail)
		VALUES (?, ?, ?, ?, ?)`),
		ev.InstanceID,
		at.UnixNano(),
		string(ev.Type),
		ev.WorkflowName,
		ev.Detail,
	)
	return err
}

func (s *SQLStore) ListEvents(ctx context.Context, instanceID string) ([]api.WorkflowEvent, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT instance_id, at, type, workflow_name, detail
		FROM workflow_events
		WHERE instance_id = ?
		ORDER BY id ASC`), instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.WorkflowEvent
	for rows.Next() {
		var (
			id     string
			atN    int64
			typ    string
			wname  string
			detail string
		)
		if err := rows.Scan(&id, &atN, &typ, &wname, &detail); err != nil {
			return nil, err
		}
		out = append(out, api.WorkflowEvent{
			InstanceID:   id,
			At:           time.Unix(0, atN),
			Type:         api.EventType(typ),
			WorkflowName: wname,
			Detail:       detail,
		})
	}
	return out, rows.Err()
}
