package persistence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	corep "github.com/petrijr/awaitflow/internal/persistence"
	"github.com/petrijr/awaitflow/pkg/api"
)

// RedisExecutionStore is an ExecutionStore backed by Redis.
// It uses a simple key structure:
//
//	<prefix>exec:<id>          => msgpack-encoded redisExecution
//	<prefix>lease:<id>         => lease owner, expiring with the lease
//	<prefix>idx:all            => SET of all execution IDs
//	<prefix>idx:wf:<workflow>  => SET of execution IDs for a given workflow
//
// Status filtering reads the records themselves, so a status change never
// leaves a stale index entry behind.
type RedisExecutionStore struct {
	client *redis.Client
	prefix string
}

var _ corep.ExecutionStore = (*RedisExecutionStore)(nil)

type redisExecution struct {
	ID             string `msgpack:"id"`
	Workflow       string `msgpack:"workflow"`
	Status         string `msgpack:"status"`
	Input          []byte `msgpack:"input,omitempty"`
	Result         []byte `msgpack:"result,omitempty"`
	FailureKind    string `msgpack:"failure_kind,omitempty"`
	FailureMessage string `msgpack:"failure_message,omitempty"`
	FailureClass   string `msgpack:"failure_class,omitempty"`
	CreatedAt      int64  `msgpack:"created_at"`
	UpdatedAt      int64  `msgpack:"updated_at"`
	LogicalTime    int64  `msgpack:"logical_time"`
	LastSeq        int64  `msgpack:"last_seq"`
}

// DefaultPrefix namespaces every key written by the stores.
const DefaultPrefix = "awaitflow:"

// NewRedisExecutionStore creates a RedisExecutionStore.
// prefix is optional; empty selects DefaultPrefix.
func NewRedisExecutionStore(client *redis.Client, prefix string) *RedisExecutionStore {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &RedisExecutionStore{
		client: client,
		prefix: prefix,
	}
}

func (r *RedisExecutionStore) keyLease(id string) string {
	return r.prefix + "lease:" + id
}

func (r *RedisExecutionStore) keyExecution(id string) string {
	return r.prefix + "exec:" + id
}

func (r *RedisExecutionStore) keyAll() string {
	return r.prefix + "idx:all"
}

func (r *RedisExecutionStore) keyWorkflow(name string) string {
	return r.prefix + "idx:wf:" + name
}

func (r *RedisExecutionStore) CreateExecution(ctx context.Context, exec *api.Execution) error {
	data, err := encodeExecution(exec)
	if err != nil {
		return err
	}

	created, err := r.client.SetNX(ctx, r.keyExecution(exec.ID), data, 0).Result()
	if err != nil {
		return err
	}
	if !created {
		return corep.ErrExecutionExists
	}

	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, r.keyAll(), exec.ID)
	pipe.SAdd(ctx, r.keyWorkflow(exec.Workflow), exec.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisExecutionStore) UpdateExecution(ctx context.Context, exec *api.Execution) error {
	data, err := encodeExecution(exec)
	if err != nil {
		return err
	}

	updated, err := r.client.SetXX(ctx, r.keyExecution(exec.ID), data, redis.KeepTTL).Result()
	if err != nil {
		return err
	}
	if !updated {
		return corep.ErrExecutionNotFound
	}
	return nil
}

func (r *RedisExecutionStore) GetExecution(ctx context.Context, id string) (*api.Execution, error) {
	data, err := r.client.Get(ctx, r.keyExecution(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, corep.ErrExecutionNotFound
		}
		return nil, err
	}
	return decodeExecution(data)
}

func (r *RedisExecutionStore) ListExecutions(ctx context.Context, filter corep.ExecutionFilter) ([]*api.Execution, error) {
	var (
		ids []string
		err error
	)
	if filter.Workflow != "" {
		ids, err = r.client.SMembers(ctx, r.keyWorkflow(filter.Workflow)).Result()
	} else {
		ids, err = r.client.SMembers(ctx, r.keyAll()).Result()
	}
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, r.keyExecution(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	var executions []*api.Execution
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		exec, err := decodeExecution(data)
		if err != nil {
			return nil, err
		}
		if filter.Status != "" && exec.Status != filter.Status {
			continue
		}
		executions = append(executions, exec)
	}

	sort.Slice(executions, func(i, j int) bool {
		a, b := executions[i], executions[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return executions, nil
}

func encodeExecution(exec *api.Execution) ([]byte, error) {
	kind, msg, class := corep.SplitFailure(exec.Failure)
	data, err := msgpack.Marshal(&redisExecution{
		ID:             exec.ID,
		Workflow:       exec.Workflow,
		Status:         string(exec.Status),
		Input:          exec.Input,
		Result:         exec.Result,
		FailureKind:    kind,
		FailureMessage: msg,
		FailureClass:   class,
		CreatedAt:      corep.ToNanos(exec.CreatedAt),
		UpdatedAt:      corep.ToNanos(exec.UpdatedAt),
		LogicalTime:    corep.ToNanos(exec.LogicalTime),
		LastSeq:        exec.LastSeq,
	})
	if err != nil {
		return nil, fmt.Errorf("encode execution %s: %w", exec.ID, err)
	}
	return data, nil
}

func decodeExecution(data []byte) (*api.Execution, error) {
	var rec redisExecution
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode execution: %w", err)
	}
	return &api.Execution{
		ID:          rec.ID,
		Workflow:    rec.Workflow,
		Status:      api.Status(rec.Status),
		Input:       rec.Input,
		Result:      rec.Result,
		Failure:     corep.JoinFailure(rec.FailureKind, rec.FailureMessage, rec.FailureClass),
		CreatedAt:   corep.FromNanos(rec.CreatedAt),
		UpdatedAt:   corep.FromNanos(rec.UpdatedAt),
		LogicalTime: corep.FromNanos(rec.LogicalTime),
		LastSeq:     rec.LastSeq,
	}, nil
}

var (
	// Lua script for acquiring a lease with re-entrant behavior for the same owner.
	// Returns 1 if acquired/refreshed, 0 if held by another owner and -1 if
	// the execution does not exist.
	redisLeaseAcquireLua = redis.NewScript(`
local key = KEYS[1]
local exec = KEYS[2]
local owner = ARGV[1]
local ttlms = tonumber(ARGV[2])

if redis.call('EXISTS', exec) == 0 then
	return -1
end
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

func (r *RedisExecutionStore) TryAcquireLease(ctx context.Context, id, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, errors.New("ttl must be > 0")
	}
	res, err := redisLeaseAcquireLua.Run(ctx, r.client,
		[]string{r.keyLease(id), r.keyExecution(id)}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	switch res {
	case 1:
		return true, nil
	case -1:
		return false, corep.ErrExecutionNotFound
	default:
		return false, nil
	}
}

func (r *RedisExecutionStore) RenewLease(ctx context.Context, id, owner string, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("ttl must be > 0")
	}
	res, err := redisLeaseRenewLua.Run(ctx, r.client, []string{r.keyLease(id)}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if res != 1 {
		return corep.ErrLeaseNotHeld
	}
	return nil
}

// ReleaseLease is idempotent: a missing lease, or one held by another
// owner, is left alone.
func (r *RedisExecutionStore) ReleaseLease(ctx context.Context, id, owner string) error {
	return redisLeaseReleaseLua.Run(ctx, r.client, []string{r.keyLease(id)}, owner).Err()
}
