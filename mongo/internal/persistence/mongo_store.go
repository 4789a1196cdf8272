package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	corep "github.com/petrijr/awaitflow/internal/persistence"
	"github.com/petrijr/awaitflow/pkg/api"
)

// DefaultDatabase is used when NewMongoPersistence gets an empty name.
const DefaultDatabase = "awaitflow"

// MongoExecutionStore keeps one document per execution in the
// "executions" collection. The lease lives on the document itself.
type MongoExecutionStore struct {
	coll *mongo.Collection
}

// Ensure it implements ExecutionStore.
var _ corep.ExecutionStore = (*MongoExecutionStore)(nil)

type mongoExecutionDoc struct {
	ID             string `bson:"_id"`
	Workflow       string `bson:"workflow"`
	Status         string `bson:"status"`
	Input          []byte `bson:"input,omitempty"`
	Result         []byte `bson:"result,omitempty"`
	FailureKind    string `bson:"failure_kind"`
	FailureMessage string `bson:"failure_message"`
	FailureClass   string `bson:"failure_class"`
	CreatedAt      int64  `bson:"created_at"`
	UpdatedAt      int64  `bson:"updated_at"`
	LogicalTime    int64  `bson:"logical_time"`
	LastSeq        int64  `bson:"last_seq"`
	LeaseOwner     string `bson:"lease_owner"`
	LeaseExpiresAt int64  `bson:"lease_expires_at"`
}

// NewMongoExecutionStore creates the store and its indexes in db.
func NewMongoExecutionStore(ctx context.Context, db *mongo.Database) (*MongoExecutionStore, error) {
	coll := db.Collection("executions")
	_, err := coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "workflow", Value: 1}}},
	})
	if err != nil {
		return nil, fmt.Errorf("create execution indexes: %w", err)
	}
	return &MongoExecutionStore{coll: coll}, nil
}

func (s *MongoExecutionStore) CreateExecution(ctx context.Context, exec *api.Execution) error {
	kind, msg, class := corep.SplitFailure(exec.Failure)
	doc := mongoExecutionDoc{
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
	}

	_, err := s.coll.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return corep.ErrExecutionExists
	}
	return err
}

func (s *MongoExecutionStore) UpdateExecution(ctx context.Context, exec *api.Execution) error {
	kind, msg, class := corep.SplitFailure(exec.Failure)

	// Lease fields are owned by the lease operations and left untouched.
	res, err := s.coll.UpdateByID(ctx, exec.ID, bson.M{"$set": bson.M{
		"workflow":        exec.Workflow,
		"status":          string(exec.Status),
		"input":           []byte(exec.Input),
		"result":          []byte(exec.Result),
		"failure_kind":    kind,
		"failure_message": msg,
		"failure_class":   class,
		"updated_at":      corep.ToNanos(exec.UpdatedAt),
		"logical_time":    corep.ToNanos(exec.LogicalTime),
		"last_seq":        exec.LastSeq,
	}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return corep.ErrExecutionNotFound
	}
	return nil
}

func (s *MongoExecutionStore) GetExecution(ctx context.Context, id string) (*api.Execution, error) {
	var doc mongoExecutionDoc
	if err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, corep.ErrExecutionNotFound
		}
		return nil, err
	}
	return doc.toExecution(), nil
}

func (s *MongoExecutionStore) ListExecutions(ctx context.Context, filter corep.ExecutionFilter) ([]*api.Execution, error) {
	query := bson.M{}
	if filter.Workflow != "" {
		query["workflow"] = filter.Workflow
	}
	if filter.Status != "" {
		query["status"] = string(filter.Status)
	}

	cur, err := s.coll.Find(ctx, query,
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var executions []*api.Execution
	for cur.Next(ctx) {
		var doc mongoExecutionDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		executions = append(executions, doc.toExecution())
	}
	return executions, cur.Err()
}

func (d *mongoExecutionDoc) toExecution() *api.Execution {
	return &api.Execution{
		ID:          d.ID,
		Workflow:    d.Workflow,
		Status:      api.Status(d.Status),
		Input:       d.Input,
		Result:      d.Result,
		Failure:     corep.JoinFailure(d.FailureKind, d.FailureMessage, d.FailureClass),
		CreatedAt:   corep.FromNanos(d.CreatedAt),
		UpdatedAt:   corep.FromNanos(d.UpdatedAt),
		LogicalTime: corep.FromNanos(d.LogicalTime),
		LastSeq:     d.LastSeq,
	}
}

func (s *MongoExecutionStore) TryAcquireLease(ctx context.Context, id, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()

	res, err := s.coll.UpdateOne(ctx,
		bson.M{
			"_id": id,
			"$or": bson.A{
				bson.M{"lease_owner": ""},
				bson.M{"lease_owner": owner},
				bson.M{"lease_expires_at": bson.M{"$lte": now.UnixNano()}},
			},
		},
		bson.M{"$set": bson.M{"lease_owner": owner, "lease_expires_at": now.Add(ttl).UnixNano()}},
	)
	if err != nil {
		return false, err
	}
	if res.MatchedCount == 1 {
		return true, nil
	}

	if _, err := s.GetExecution(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *MongoExecutionStore) RenewLease(ctx context.Context, id, owner string, ttl time.Duration) error {
	now := time.Now()

	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": id, "lease_owner": owner, "lease_expires_at": bson.M{"$gt": now.UnixNano()}},
		bson.M{"$set": bson.M{"lease_expires_at": now.Add(ttl).UnixNano()}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return corep.ErrLeaseNotHeld
	}
	return nil
}

func (s *MongoExecutionStore) ReleaseLease(ctx context.Context, id, owner string) error {
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": id, "lease_owner": owner},
		bson.M{"$set": bson.M{"lease_owner": "", "lease_expires_at": int64(0)}},
	)
	return err
}
