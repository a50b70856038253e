package persistence

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/registrar/pkg/api"
)

// RedisStore implements Store on Redis.
// It uses a simple key structure:
//
//	<prefix>inst:<id>            => gob-encoded redisInstancePayload
//	<prefix>idx:all              => SET of all instance IDs
//	<prefix>idx:wf:<workflow>    => SET of instance IDs for a given workflow
//	<prefix>idx:status:<status>  => SET of instance IDs for a given status
//	<prefix>lease:<id>           => lease owner, expiring with the lease
//	<prefix>cp:<id>              => HASH checkpoint key -> data
//	<prefix>sig:<id>             => LIST of gob-encoded SignalRecord
//	<prefix>ev:<id>              => LIST of gob-encoded WorkflowEvent
//	<prefix>ent:<entity id>      => entity state
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

var allStatuses = []api.Status{
	api.StatusRunning,
	api.StatusCompleted,
	api.StatusTerminated,
	api.StatusFailed,
}

type redisInstancePayload struct {
	ID        string
	Workflow  string
	Status    string
	Input     []byte
	Output    []byte
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewRedisStore creates a RedisStore.
// prefix is optional but recommended (e.g. "registrar:").
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "registrar:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
	}
}

func (r *RedisStore) keyLease(id string) string { return r.prefix + "lease:" + id }
func (r *RedisStore) keyInstance(id string) string { return r.prefix + "inst:" + id }
func (r *RedisStore) keyAll() string { return r.prefix + "idx:all" }
func (r *RedisStore) keyWorkflow(name string) string { return r.prefix + "idx:wf:" + name }
func (r *RedisStore) keyStatus(status api.Status) string { return r.prefix + "idx:status:" + string(status) }
func (r *RedisStore) keyCheckpoints(id string) string { return r.prefix + "cp:" + id }
func (r *RedisStore) keySignals(id string) string { return r.prefix + "sig:" + id }
func (r *RedisStore) keyEvents(id string) string { return r.prefix + "ev:" + id }
func (r *RedisStore) keyEntity(id api.EntityID) string { return r.prefix + "ent:" + id.String() }

func (r *RedisStore) SaveInstance(inst *api.WorkflowInstance) error {
	return r.writeInstance(context.Background(), inst)
}

func (r *RedisStore) UpdateInstance(inst *api.WorkflowInstance) error {
	ctx := context.Background()

	n, err := r.client.Exists(ctx, r.keyInstance(inst.ID)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrInstanceNotFound
	}
	return r.writeInstance(ctx, inst)
}

func (r *RedisStore) writeInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	data, err := encodeRedisPayload(inst)
	if err != nil {
		return err
	}

	if err := r.client.Set(ctx, r.keyInstance(inst.ID), data, 0).Err(); err != nil {
		return err
	}

	// Index updates are best-effort; ListInstances re-checks the payload.
	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, r.keyAll(), inst.ID)
	pipe.SAdd(ctx, r.keyWorkflow(inst.Name), inst.ID)
	for _, st := range allStatuses {
		if st != inst.Status {
			pipe.SRem(ctx, r.keyStatus(st), inst.ID)
		}
	}
	pipe.SAdd(ctx, r.keyStatus(inst.Status), inst.ID)
	_, _ = pipe.Exec(ctx)

	return nil
}

func (r *RedisStore) GetInstance(id string) (*api.WorkflowInstance, error) {
	ctx := context.Background()

	data, err := r.client.Get(ctx, r.keyInstance(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	inst, err := decodeRedisPayload(data)
	if err != nil {
		return nil, err
	}
	r.fillLease(ctx, inst)
	return inst, nil
}

func (r *RedisStore) fillLease(ctx context.Context, inst *api.WorkflowInstance) {
	owner, err := r.client.Get(ctx, r.keyLease(inst.ID)).Result()
	if err != nil {
		return
	}
	inst.LeaseOwner = owner
	if ttl, err := r.client.PTTL(ctx, r.keyLease(inst.ID)).Result(); err == nil && ttl > 0 {
		inst.LeaseExpiresAt = time.Now().Add(ttl)
	}
}

func (r *RedisStore) ListInstances(filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	ctx := context.Background()

	var ids []string
	var err error

	switch {
	case filter.WorkflowName != "" && filter.Status != "":
		ids, err = r.client.SInter(ctx,
			r.keyWorkflow(filter.WorkflowName),
			r.keyStatus(filter.Status),
		).Result()
	case filter.WorkflowName != "":
		ids, err = r.client.SMembers(ctx, r.keyWorkflow(filter.WorkflowName)).Result()
	case filter.Status != "":
		ids, err = r.client.SMembers(ctx, r.keyStatus(filter.Status)).Result()
	default:
		ids, err = r.client.SMembers(ctx, r.keyAll()).Result()
	}

	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*api.WorkflowInstance{}, nil
		}
		return nil, err
	}
	if len(ids) == 0 {
		return []*api.WorkflowInstance{}, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, r.keyInstance(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	var instances []*api.WorkflowInstance
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		inst, err := decodeRedisPayload(data)
		if err != nil {
			return nil, err
		}
		if filter.WorkflowName != "" && inst.Name != filter.WorkflowName {
			continue
		}
		if filter.Status != "" && inst.Status != filter.Status {
			continue
		}
		instances = append(instances, inst)
	}

	return instances, nil
}

func decodeRedisPayload(data []byte) (*api.WorkflowInstance, error) {
	if len(data) == 0 {
		return nil, ErrInstanceNotFound
	}
	var payload redisInstancePayload
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&payload); err != nil {
		return nil, err
	}

	inVal, err := DecodeValue[any](payload.Input)
	if err != nil {
		return nil, err
	}
	outVal, err := DecodeValue[any](payload.Output)
	if err != nil {
		return nil, err
	}

	inst := &api.WorkflowInstance{
		ID:        payload.ID,
		Name:      payload.Workflow,
		Status:    api.Status(payload.Status),
		Input:     inVal,
		Output:    outVal,
		CreatedAt: payload.CreatedAt,
		UpdatedAt: payload.UpdatedAt,
	}
	if payload.Error != "" {
		inst.Err = errors.New(payload.Error)
	}

	return inst, nil
}

func encodeRedisPayload(inst *api.WorkflowInstance) ([]byte, error) {
	inBytes, err := EncodeValue(inst.Input)
	if err != nil {
		return nil, err
	}
	outBytes, err := EncodeValue(inst.Output)
	if err != nil {
		return nil, err
	}

	payload := redisInstancePayload{
		ID:        inst.ID,
		Workflow:  inst.Name,
		Status:    string(inst.Status),
		Input:     inBytes,
		Output:    outBytes,
		Error:     errString(inst.Err),
		CreatedAt: inst.CreatedAt,
		UpdatedAt: inst.UpdatedAt,
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&payload); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

var (
	// Lua script for acquiring a lease with re-entrant behavior for the same owner.
	// Returns 1 if acquired/refreshed, 0 otherwise.
	redisLeaseAcquireLua = redis.NewScript(`
local key = KEYS[1]
local owner = ARGV[1]
local ttlms = tonumber(ARGV[2])

local cur = redis.call('GET', key)
if not cur then
	redis.call('PSETEX', key, ttlms, owner)
	return 1
end
if cur == owner then
	redis.call('PEXPIRE', key, ttlms)
	return 1
end
return 0
`)

	// Lua script for renewing a lease. Returns 1 if renewed, 0 otherwise.
	redisLeaseRenewLua = redis.NewScript(`
local key = KEYS[1]
local owner = ARGV[1]
local ttlms = tonumber(ARGV[2])

local cur = redis.call('GET', key)
if cur == owner then
	redis.call('PEXPIRE', key, ttlms)
	return 1
end
return 0
`)

	// Lua script for releasing a lease. Returns 1 if released, 0 otherwise.
	redisLeaseReleaseLua = redis.NewScript(`
local key = KEYS[1]
local owner = ARGV[1]

local cur = redis.call('GET', key)
if cur == owner then
	redis.call('DEL', key)
	return 1
end
return 0
`)
)

func (r *RedisStore) TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, errors.New("ttl must be > 0")
	}
	exists, err := r.client.Exists(ctx, r.keyInstance(instanceID)).Result()
	if err != nil {
		return false, err
	}
	if exists == 0 {
		return false, ErrInstanceNotFound
	}
	n, err := redisLeaseAcquireLua.Run(ctx, r.client, []string{r.keyLease(instanceID)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *RedisStore) RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("ttl must be > 0")
	}
	n, err := redisLeaseRenewLua.Run(ctx, r.client, []string{r.keyLease(instanceID)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if n != 1 {
		return api.ErrWorkflowInstanceLocked
	}
	return nil
}

func (r *RedisStore) ReleaseLease(ctx context.Context, instanceID, owner string) error {
	// Idempotent: a missing lease or one owned by someone else is left alone.
	return redisLeaseReleaseLua.Run(ctx, r.client, []string{r.keyLease(instanceID)}, owner).Err()
}

func (r *RedisStore) SaveCheckpoint(ctx context.Context, instanceID, key string, data []byte) error {
	return r.client.HSet(ctx, r.keyCheckpoints(instanceID), key, data).Err()
}

func (r *RedisStore) GetCheckpoint(ctx context.Context, instanceID, key string) ([]byte, error) {
	data, err := r.client.HGet(ctx, r.keyCheckpoints(instanceID), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return data, err
}

func (r *RedisStore) ListCheckpoints(ctx context.Context, instanceID string) ([]Checkpoint, error) {
	all, err := r.client.HGetAll(ctx, r.keyCheckpoints(instanceID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Checkpoint, 0, len(all))
	for k, v := range all {
		out = append(out, Checkpoint{Key: k, Data: []byte(v)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (r *RedisStore) AppendSignal(ctx context.Context, instanceID string, sig SignalRecord) error {
	if sig.At.IsZero() {
		sig.At = time.Now()
	}
	data, err := gobEncode(&sig)
	if err != nil {
		return err
	}
	return r.client.RPush(ctx, r.keySignals(instanceID), data).Err()
}

func (r *RedisStore) ListSignals(ctx context.Context, instanceID string) ([]SignalRecord, error) {
	items, err := r.client.LRange(ctx, r.keySignals(instanceID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]SignalRecord, 0, len(items))
	for _, item := range items {
		var sig SignalRecord
		if err := gob.NewDecoder(bytes.NewReader([]byte(item))).Decode(&sig); err != nil {
			return nil, err
		}
		out = append(out, sig)
	}
	return out, nil
}

func (r *RedisStore) AppendEvent(ctx context.Context, ev api.WorkflowEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	data, err := gobEncode(&ev)
	if err != nil {
		return err
	}
	return r.client.RPush(ctx, r.keyEvents(ev.InstanceID), data).Err()
}

func (r *RedisStore) ListEvents(ctx context.Context, instanceID string) ([]api.WorkflowEvent, error) {
	items, err := r.client.LRange(ctx, r.keyEvents(instanceID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]api.WorkflowEvent, 0, len(items))
	for _, item := range items {
		var ev api.WorkflowEvent
		if err := gob.NewDecoder(bytes.NewReader([]byte(item))).Decode(&ev); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

func (r *RedisStore) LoadEntity(ctx context.Context, id api.EntityID) ([]byte, error) {
	data, err := r.client.Get(ctx, r.keyEntity(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEntityNotFound
	}
	return data, err
}

func (r *RedisStore) SaveEntity(ctx context.Context, id api.EntityID, state []byte) error {
	return r.client.Set(ctx, r.keyEntity(id), state, 0).Err()
}

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
