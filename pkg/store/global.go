package store

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/avfleet/handoff/pkg/model"
)

// MongoGlobal is the Mongo-backed global read replica. It is written
// only by the change replicator; every apply is idempotent so replayed
// feed events converge instead of erroring.
type MongoGlobal struct {
	coll *mongo.Collection
}

// NewMongoGlobal builds the global replica adapter.
func NewMongoGlobal(client *mongo.Client, dbName string) *MongoGlobal {
	return &MongoGlobal{coll: client.Database(dbName).Collection(ridesCollection)}
}

func (g *MongoGlobal) ApplyInsert(ctx context.Context, ride *model.Ride) error {
	_, err := g.coll.InsertOne(ctx, ride)
	if mongo.IsDuplicateKeyError(err) {
		// Initial sync and a replayed insert event race here; the copy
		// already present wins.
		return nil
	}
	return err
}

func (g *MongoGlobal) ApplyReplace(ctx context.Context, id any, ride *model.Ride) error {
	opts := options.Replace().SetUpsert(true)
	_, err := g.coll.ReplaceOne(ctx, bson.M{"_id": id}, ride, opts)
	return err
}

func (g *MongoGlobal) ApplyDelete(ctx context.Context, id any) error {
	_, err := g.coll.DeleteOne(ctx, bson.M{"_id": id})
	return err
}

func (g *MongoGlobal) SeedMany(ctx context.Context, rides []model.Ride) error {
	if len(rides) == 0 {
		return nil
	}
	docs := make([]any, 0, len(rides))
	for i := range rides {
		docs = append(docs, rides[i])
	}
	opts := options.InsertMany().SetOrdered(false)
	_, err := g.coll.InsertMany(ctx, docs, opts)
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	return err
}

func (g *MongoGlobal) List(ctx context.Context, q model.ListQuery) ([]model.Ride, error) {
	return findRides(ctx, g.coll, q)
}

func (g *MongoGlobal) Count(ctx context.Context) (int64, error) {
	return g.coll.CountDocuments(ctx, bson.M{})
}

func (g *MongoGlobal) Clear(ctx context.Context) error {
	_, err := g.coll.DeleteMany(ctx, bson.M{})
	return err
}
