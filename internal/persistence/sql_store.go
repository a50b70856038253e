package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/petrijr/registrar/pkg/api"
)

// sqlDialect captures the differences between the SQL backends.
type sqlDialect struct {
	name string
	// numbered placeholders ($1, $2, ...) instead of '?'
	numbered bool
	blob     string
	serialPK string
}

// SQLStore implements Store on top of database/sql. Use NewSQLiteStore or
// NewPostgresStore to construct one; the caller is responsible for importing
// the driver.
type SQLStore struct {
	db      *sql.DB
	dialect sqlDialect
}

// Ensure SQLStore implements the interfaces.
var _ Store = (*SQLStore)(nil)

func newSQLStore(db *sql.DB, d sqlDialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: d}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			workflow_name TEXT NOT NULL,
			status TEXT NOT NULL,
			input ` + s.dialect.blob + `,
			output ` + s.dialect.blob + `,
			error TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL DEFAULT 0,
			updated_at BIGINT NOT NULL DEFAULT 0,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_expires_at BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			instance_id TEXT NOT NULL,
			cp_key TEXT NOT NULL,
			data ` + s.dialect.blob + `,
			created_at BIGINT NOT NULL,
			PRIMARY KEY (instance_id, cp_key)
		)`,
		`CREATE TABLE IF NOT EXISTS signals (
			id ` + s.dialect.serialPK + `,
			instance_id TEXT NOT NULL,
			name TEXT NOT NULL,
			payload ` + s.dialect.blob + `,
			at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_instance_id ON signals(instance_id, id)`,
		`CREATE TABLE IF NOT EXISTS workflow_events (
			id ` + s.dialect.serialPK + `,
			instance_id TEXT NOT NULL,
			at BIGINT NOT NULL,
			type TEXT NOT NULL,
			workflow_name TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_events_instance_id ON workflow_events(instance_id, id)`,
		`CREATE TABLE IF NOT EXISTS entities (
			entity_name TEXT NOT NULL,
			entity_key TEXT NOT NULL,
			state ` + s.dialect.blob + `,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (entity_name, entity_key)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// q rewrites '?' placeholders for dialects that use numbered ones.
func (s *SQLStore) q(query string) string {
	if !s.dialect.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) SaveInstance(inst *api.WorkflowInstance) error {
	input, err := EncodeValue(inst.Input)
	if err != nil {
		return err
	}
	output, err := EncodeValue(inst.Output)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(s.q(`
		INSERT INTO instances (id, workflow_name, status, input, output, error, created_at, updated_at, lease_owner, lease_expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		inst.ID,
		inst.Name,
		string(inst.Status),
		input,
		output,
		errString(inst.Err),
		unixNano(inst.CreatedAt),
		unixNano(inst.UpdatedAt),
		inst.LeaseOwner,
		unixNano(inst.LeaseExpiresAt),
	)
	return err
}

func (s *SQLStore) UpdateInstance(inst *api.WorkflowInstance) error {
	input, err := EncodeValue(inst.Input)
	if err != nil {
		return err
	}
	output, err := EncodeValue(inst.Output)
	if err != nil {
		return err
	}

	res, err := s.db.Exec(s.q(`
		UPDATE instances
		SET workflow_name = ?, status = ?, input = ?, output = ?, error = ?, updated_at = ?
		WHERE id = ?`),
		inst.Name,
		string(inst.Status),
		input,
		output,
		errString(inst.Err),
		unixNano(inst.UpdatedAt),
		inst.ID,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrInstanceNotFound
	}

	return nil
}

const instanceColumns = `id, workflow_name, status, input, output, error, created_at, updated_at, lease_owner, lease_expires_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*api.WorkflowInstance, error) {
	var (
		inst                        api.WorkflowInstance
		statusStr, errStr           string
		input, output               []byte
		created, updated, leaseExpN int64
	)
	if err := row.Scan(&inst.ID, &inst.Name, &statusStr, &input, &output, &errStr, &created, &updated, &inst.LeaseOwner, &leaseExpN); err != nil {
		return nil, err
	}

	inst.Status = api.Status(statusStr)
	inst.CreatedAt = fromUnixNano(created)
	inst.UpdatedAt = fromUnixNano(updated)
	inst.LeaseExpiresAt = fromUnixNano(leaseExpN)

	inVal, err := DecodeValue[any](input)
	if err != nil {
		return nil, err
	}
	inst.Input = inVal

	outVal, err := DecodeValue[any](output)
	if err != nil {
		return nil, err
	}
	inst.Output = outVal

	if errStr != "" {
		inst.Err = errors.New(errStr)
	}
	return &inst, nil
}

func (s *SQLStore) GetInstance(id string) (*api.WorkflowInstance, error) {
	row := s.db.QueryRow(s.q(`SELECT `+instanceColumns+` FROM instances WHERE id = ?`), id)

	inst, err := scanInstance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	return inst, nil
}

func (s *SQLStore) ListInstances(filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances`
	var args []any
	var clauses []string

	if filter.WorkflowName != "" {
		clauses = append(clauses, "workflow_name = ?")
		args = append(args, filter.WorkflowName)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(clauses) > 0 {
		query = query + " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.Query(s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*api.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return instances, nil
}

func (s *SQLStore) TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, errors.New("ttl must be > 0")
	}
	now := time.Now()

	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE instances
		SET lease_owner = ?, lease_expires_at = ?
		WHERE id = ?
		AND (
			lease_owner = ''
			OR lease_expires_at <= ?
			OR lease_owner = ?
		)`),
		owner, now.Add(ttl).UnixNano(), instanceID, now.UnixNano(), owner,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, s.q(`SELECT 1 FROM instances WHERE id = ?`), instanceID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrInstanceNotFound
	}
	return false, err
}

func (s *SQLStore) RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE instances
		SET lease_expires_at = ?
		WHERE id = ? AND lease_owner = ?`),
		time.Now().Add(ttl).UnixNano(), instanceID, owner,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return api.ErrWorkflowInstanceLocked
	}
	return nil
}

func (s *SQLStore) ReleaseLease(ctx context.Context, instanceID, owner string) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		UPDATE instances
		SET lease_owner = '', lease_expires_at = 0
		WHERE id = ? AND (lease_owner = '' OR lease_owner = ?)`),
		instanceID, owner,
	)
	return err
}

func (s *SQLStore) SaveCheckpoint(ctx context.Context, instanceID, key string, data []byte) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO checkpoints (instance_id, cp_key, data, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (instance_id, cp_key) DO UPDATE SET data = excluded.data`),
		instanceID, key, data, time.Now().UnixNano(),
	)
	return err
}

func (s *SQLStore) GetCheckpoint(ctx context.Context, instanceID, key string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT data FROM checkpoints WHERE instance_id = ? AND cp_key = ?`),
		instanceID, key,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return data, err
}

func (s *SQLStore) ListCheckpoints(ctx context.Context, instanceID string) ([]Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT cp_key, data, created_at
		FROM checkpoints
		WHERE instance_id = ?
		ORDER BY cp_key ASC`), instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		var cp Checkpoint
		var created int64
		if err := rows.Scan(&cp.Key, &cp.Data, &created); err != nil {
			return nil, err
		}
		cp.CreatedAt = fromUnixNano(created)
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (s *SQLStore) AppendSignal(ctx context.Context, instanceID string, sig SignalRecord) error {
	at := sig.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO signals (instance_id, name, payload, at)
		VALUES (?, ?, ?, ?)`),
		instanceID, sig.Name, sig.Payload, at.UnixNano(),
	)
	return err
}

func (s *SQLStore) ListSignals(ctx context.Context, instanceID string) ([]SignalRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT name, payload, at
		FROM signals
		WHERE instance_id = ?
		ORDER BY id ASC`), instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SignalRecord
	for rows.Next() {
		var sig SignalRecord
		var at int64
		if err := rows.Scan(&sig.Name, &sig.Payload, &at); err != nil {
			return nil, err
		}
		sig.At = fromUnixNano(at)
		out = append(out, sig)
	}
	return out, rows.Err()
}

func (s *SQLStore) LoadEntity(ctx context.Context, id api.EntityID) ([]byte, error) {
	var state []byte
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT state FROM entities WHERE entity_name = ? AND entity_key = ?`),
		strings.ToLower(id.Name), id.Key,
	).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntityNotFound
	}
	return state, err
}

func (s *SQLStore) SaveEntity(ctx context.Context, id api.EntityID, state []byte) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO entities (entity_name, entity_key, state, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (entity_name, entity_key) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`),
		strings.ToLower(id.Name), id.Key, state, time.Now().UnixNano(),
	)
	return err
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n <= 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
