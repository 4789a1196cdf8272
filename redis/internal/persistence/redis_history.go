package persistence

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	corep "github.com/petrijr/awaitflow/internal/persistence"
	"github.com/petrijr/awaitflow/pkg/api"
)

// RedisHistoryStore keeps each history as a list under
// <prefix>hist:<id>. An event's Seq is its position in the list, so a
// single RPUSH of a batch assigns consecutive sequence numbers atomically.
type RedisHistoryStore struct {
	client *redis.Client
	prefix string
}

var _ corep.HistoryStore = (*RedisHistoryStore)(nil)

type redisEvent struct {
	At             int64  `msgpack:"at"`
	Type           string `msgpack:"type"`
	Workflow       string `msgpack:"workflow,omitempty"`
	SignalName     string `msgpack:"signal_name,omitempty"`
	SignalID       string `msgpack:"signal_id,omitempty"`
	Payload        []byte `msgpack:"payload,omitempty"`
	AwaitID        int    `msgpack:"await_id,omitempty"`
	FireAt         int64  `msgpack:"fire_at,omitempty"`
	Outcome        string `msgpack:"outcome,omitempty"`
	FailureKind    string `msgpack:"failure_kind,omitempty"`
	FailureMessage string `msgpack:"failure_message,omitempty"`
	FailureClass   string `msgpack:"failure_class,omitempty"`
	Detail         string `msgpack:"detail,omitempty"`
}

func NewRedisHistoryStore(client *redis.Client, prefix string) *RedisHistoryStore {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &RedisHistoryStore{client: client, prefix: prefix}
}

func (r *RedisHistoryStore) keyHistory(id string) string {
	return r.prefix + "hist:" + id
}

func (r *RedisHistoryStore) AppendEvents(ctx context.Context, id string, evs ...api.HistoryEvent) ([]api.HistoryEvent, error) {
	if len(evs) == 0 {
		return nil, nil
	}

	values := make([]any, 0, len(evs))
	for _, ev := range evs {
		kind, msg, class := corep.SplitFailure(ev.Failure)
		data, err := msgpack.Marshal(&redisEvent{
			At:             corep.ToNanos(ev.At),
			Type:           string(ev.Type),
			Workflow:       ev.Workflow,
			SignalName:     ev.SignalName,
			SignalID:       ev.SignalID,
			Payload:        ev.Payload,
			AwaitID:        ev.AwaitID,
			FireAt:         corep.ToNanos(ev.FireAt),
			Outcome:        string(ev.Outcome),
			FailureKind:    kind,
			FailureMessage: msg,
			FailureClass:   class,
			Detail:         ev.Detail,
		})
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", ev.Type, err)
		}
		values = append(values, data)
	}

	length, err := r.client.RPush(ctx, r.keyHistory(id), values...).Result()
	if err != nil {
		return nil, fmt.Errorf("append to %s: %w", id, err)
	}

	first := length - int64(len(evs)) + 1
	stored := make([]api.HistoryEvent, len(evs))
	for i, ev := range evs {
		ev.ExecutionID = id
		ev.Seq = first + int64(i)
		stored[i] = ev
	}
	return stored, nil
}

func (r *RedisHistoryStore) ListEvents(ctx context.Context, id string) ([]api.HistoryEvent, error) {
	raw, err := r.client.LRange(ctx, r.keyHistory(id), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	out := make([]api.HistoryEvent, 0, len(raw))
	for i, data := range raw {
		var rec redisEvent
		if err := msgpack.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("decode event %d of %s: %w", i+1, id, err)
		}
		out = append(out, api.HistoryEvent{
			ExecutionID: id,
			Seq:         int64(i + 1),
			At:          corep.FromNanos(rec.At),
			Type:        api.EventType(rec.Type),
			Workflow:    rec.Workflow,
			SignalName:  rec.SignalName,
			SignalID:    rec.SignalID,
			Payload:     rec.Payload,
			AwaitID:     rec.AwaitID,
			FireAt:      corep.FromNanos(rec.FireAt),
			Outcome:     api.Outcome(rec.Outcome),
			Failure:     corep.JoinFailure(rec.FailureKind, rec.FailureMessage, rec.FailureClass),
			Detail:      rec.Detail,
		})
	}
	return out, nil
}

// NewRedisPersistence returns both stores under one key prefix.
func NewRedisPersistence(client *redis.Client, prefix string) corep.Persistence {
	return corep.Persistence{
		Executions: NewRedisExecutionStore(client, prefix),
		History:    NewRedisHistoryStore(client, prefix),
	}
}
