package txlog

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/avfleet/handoff/pkg/model"
)

const transactionsCollection = "transactions"

// MongoLog stores transaction records in the globally visible store.
type MongoLog struct {
	coll *mongo.Collection
}

// NewMongoLog builds the transaction log over an established client.
func NewMongoLog(client *mongo.Client, dbName string) *MongoLog {
	return &MongoLog{coll: client.Database(dbName).Collection(transactionsCollection)}
}

// EnsureIndexes creates the tx_id unique index and the secondary
// lookup indexes used by recovery and history queries.
func (l *MongoLog) EnsureIndexes(ctx context.Context) error {
	_, err := l.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "tx_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "rideId", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "created_at", Value: -1}}},
	})
	return err
}

func (l *MongoLog) Begin(ctx context.Context, rideID string, source, target model.Region) (*Record, error) {
	now := time.Now().UTC()
	rec := &Record{
		TxID:         uuid.NewString(),
		RideID:       rideID,
		SourceRegion: source,
		TargetRegion: target,
		Status:       StatusStarted,
		CreatedAt:    now,
		LastUpdated:  now,
		History: []HistoryEntry{{
			Status:    StatusStarted,
			Timestamp: now,
			Note:      "Transaction created",
		}},
	}
	if _, err := l.coll.InsertOne(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (l *MongoLog) transition(ctx context.Context, txID string, extra bson.M, status Status, note string) error {
	now := time.Now().UTC()
	set := bson.M{"status": status, "last_updated": now}
	for k, v := range extra {
		set[k] = v
	}
	update := bson.M{
		"$set":  set,
		"$push": bson.M{"history": HistoryEntry{Status: status, Timestamp: now, Note: note}},
	}
	err := l.coll.FindOneAndUpdate(ctx, bson.M{"tx_id": txID}, update).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	return err
}

func (l *MongoLog) Append(ctx context.Context, txID string, status Status, note string) error {
	return l.transition(ctx, txID, nil, status, note)
}

func (l *MongoLog) Commit(ctx context.Context, txID string, latencyMs int64, note string) error {
	return l.transition(ctx, txID, bson.M{"latency_ms": latencyMs}, StatusCommitted, note)
}

func (l *MongoLog) Abort(ctx context.Context, txID string, note string) error {
	return l.transition(ctx, txID, bson.M{"error": note}, StatusAborted, note)
}

func (l *MongoLog) Get(ctx context.Context, txID string) (*Record, error) {
	var rec Record
	err := l.coll.FindOne(ctx, bson.M{"tx_id": txID}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (l *MongoLog) Recent(ctx context.Context, limit int64) ([]Record, int64, error) {
	total, err := l.coll.CountDocuments(ctx, bson.M{})
	if err != nil {
		return nil, 0, err
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(limit)
	cur, err := l.coll.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, 0, err
	}
	defer cur.Close(ctx)

	recs := []Record{}
	if err := cur.All(ctx, &recs); err != nil {
		return nil, 0, err
	}
	return recs, total, nil
}

func (l *MongoLog) LatestForRide(ctx context.Context, rideID string) (*Record, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})
	var rec Record
	err := l.coll.FindOne(ctx, bson.M{"rideId": rideID}, opts).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (l *MongoLog) Stale(ctx context.Context, status Status, before time.Time) ([]Record, error) {
	cur, err := l.coll.Find(ctx, bson.M{
		"status":       status,
		"last_updated": bson.M{"$lt": before},
	})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	recs := []Record{}
	if err := cur.All(ctx, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}
