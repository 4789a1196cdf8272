// Package mongo hosts awaitflow executions in MongoDB.
package mongo

import (
	"context"

	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/awaitflow"

	mstore "github.com/petrijr/awaitflow/mongo/internal/persistence"
)

// NewMongoEngine returns an Engine that persists executions and their
// history in the "awaitflow" database.
func NewMongoEngine(ctx context.Context, client *mongo.Client) (*awaitflow.Engine, error) {
	return NewMongoEngineWithOptions(ctx, client, "", awaitflow.Options{})
}

// NewMongoEngineWithObserver is the Mongo-backed engine constructor that accepts an Observer.
func NewMongoEngineWithObserver(ctx context.Context, client *mongo.Client, obs awaitflow.Observer) (*awaitflow.Engine, error) {
	return NewMongoEngineWithOptions(ctx, client, "", awaitflow.Options{Observer: obs})
}

// NewMongoEngineWithOptions uses the named database and applies opts.
// opts.DB is ignored.
func NewMongoEngineWithOptions(ctx context.Context, client *mongo.Client, database string, opts awaitflow.Options) (*awaitflow.Engine, error) {
	p, err := mstore.NewMongoPersistence(ctx, client, database)
	if err != nil {
		return nil, err
	}
	return awaitflow.NewEngineWith(p, opts)
}
