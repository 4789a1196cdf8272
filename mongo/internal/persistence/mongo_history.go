package persistence

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	corep "github.com/petrijr/awaitflow/internal/persistence"
	"github.com/petrijr/awaitflow/pkg/api"
)

// MongoHistoryStore keeps one document per history event. Sequence numbers
// are reserved a batch at a time from a per-execution counter document, so
// concurrent appends never interleave or collide.
type MongoHistoryStore struct {
	events   *mongo.Collection
	counters *mongo.Collection
}

var _ corep.HistoryStore = (*MongoHistoryStore)(nil)

type mongoEventDoc struct {
	ExecutionID    string `bson:"execution_id"`
	Seq            int64  `bson:"seq"`
	At             int64  `bson:"at"`
	Type           string `bson:"type"`
	Workflow       string `bson:"workflow,omitempty"`
	SignalName     string `bson:"signal_name,omitempty"`
	SignalID       string `bson:"signal_id,omitempty"`
	Payload        []byte `bson:"payload,omitempty"`
	AwaitID        int    `bson:"await_id,omitempty"`
	FireAt         int64  `bson:"fire_at,omitempty"`
	Outcome        string `bson:"outcome,omitempty"`
	FailureKind    string `bson:"failure_kind,omitempty"`
	FailureMessage string `bson:"failure_message,omitempty"`
	FailureClass   string `bson:"failure_class,omitempty"`
	Detail         string `bson:"detail,omitempty"`
}

type mongoCounterDoc struct {
	ID  string `bson:"_id"`
	Seq int64  `bson:"seq"`
}

// NewMongoHistoryStore creates the store and its unique (execution_id, seq)
// index in db.
func NewMongoHistoryStore(ctx context.Context, db *mongo.Database) (*MongoHistoryStore, error) {
	events := db.Collection("history_events")
	_, err := events.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "execution_id", Value: 1}, {Key: "seq", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, fmt.Errorf("create history index: %w", err)
	}
	return &MongoHistoryStore{events: events, counters: db.Collection("history_seq")}, nil
}

func (s *MongoHistoryStore) AppendEvents(ctx context.Context, id string, evs ...api.HistoryEvent) ([]api.HistoryEvent, error) {
	if len(evs) == 0 {
		return nil, nil
	}

	var counter mongoCounterDoc
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": id},
		bson.M{"$inc": bson.M{"seq": int64(len(evs))}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return nil, fmt.Errorf("reserve sequence for %s: %w", id, err)
	}

	first := counter.Seq - int64(len(evs)) + 1
	stored := make([]api.HistoryEvent, len(evs))
	docs := make([]any, len(evs))
	for i, ev := range evs {
		ev.ExecutionID = id
		ev.Seq = first + int64(i)
		stored[i] = ev

		kind, msg, class := corep.SplitFailure(ev.Failure)
		docs[i] = mongoEventDoc{
			ExecutionID:    id,
			Seq:            ev.Seq,
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
		}
	}

	if _, err := s.events.InsertMany(ctx, docs); err != nil {
		return nil, fmt.Errorf("append to %s: %w", id, err)
	}
	return stored, nil
}

func (s *MongoHistoryStore) ListEvents(ctx context.Context, id string) ([]api.HistoryEvent, error) {
	cur, err := s.events.Find(ctx, bson.M{"execution_id": id},
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []api.HistoryEvent
	for cur.Next(ctx) {
		var doc mongoEventDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, api.HistoryEvent{
			ExecutionID: doc.ExecutionID,
			Seq:         doc.Seq,
			At:          corep.FromNanos(doc.At),
			Type:        api.EventType(doc.Type),
			Workflow:    doc.Workflow,
			SignalName:  doc.SignalName,
			SignalID:    doc.SignalID,
			Payload:     doc.Payload,
			AwaitID:     doc.AwaitID,
			FireAt:      corep.FromNanos(doc.FireAt),
			Outcome:     api.Outcome(doc.Outcome),
			Failure:     corep.JoinFailure(doc.FailureKind, doc.FailureMessage, doc.FailureClass),
			Detail:      doc.Detail,
		})
	}
	return out, cur.Err()
}

// NewMongoPersistence creates both stores in the named database. An empty
// name selects DefaultDatabase.
func NewMongoPersistence(ctx context.Context, client *mongo.Client, database string) (corep.Persistence, error) {
	if database == "" {
		database = DefaultDatabase
	}
	db := client.Database(database)

	executions, err := NewMongoExecutionStore(ctx, db)
	if err != nil {
		return corep.Persistence{}, err
	}
	history, err := NewMongoHistoryStore(ctx, db)
	if err != nil {
		return corep.Persistence{}, err
	}
	return corep.Persistence{Executions: executions, History: history}, nil
}
