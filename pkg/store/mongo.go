package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"

	"github.com/avfleet/handoff/pkg/model"
)

const (
	ridesCollection = "rides"

	connectTimeout         = 5 * time.Second
	serverSelectionTimeout = 5 * time.Second
	socketTimeout          = 10 * time.Second
)

// Connect opens a client against a regional or global replica set with
// majority write concern and verifies the connection with a ping.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	opts := options.Client().
		ApplyURI(uri).
		SetConnectTimeout(connectTimeout).
		SetServerSelectionTimeout(serverSelectionTimeout).
		SetSocketTimeout(socketTimeout).
		SetRetryWrites(true).
		SetWriteConcern(writeconcern.Majority())

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", uri, err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping %s: %w", uri, err)
	}
	return client, nil
}

// MongoRides is the Mongo-backed regional ride store.
type MongoRides struct {
	region model.Region
	client *mongo.Client
	coll   *mongo.Collection
}

// NewMongoRides builds a regional adapter over an established client.
func NewMongoRides(client *mongo.Client, dbName string, region model.Region) *MongoRides {
	return &MongoRides{
		region: region,
		client: client,
		coll:   client.Database(dbName).Collection(ridesCollection),
	}
}

// EnsureIndexes creates the unique rideId index.
func (s *MongoRides) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "rideId", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

func (s *MongoRides) Region() model.Region { return s.region }

// Collection exposes the underlying handle for change-feed wiring.
func (s *MongoRides) Collection() *mongo.Collection { return s.coll }

func (s *MongoRides) FindByID(ctx context.Context, rideID string) (*model.Ride, error) {
	var ride model.Ride
	err := s.coll.FindOne(ctx, bson.M{"rideId": rideID}).Decode(&ride)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ride, nil
}

func listFilter(q model.ListQuery) bson.M {
	filter := bson.M{}
	if q.City != "" {
		filter["city"] = q.City
	}
	if q.Status != "" {
		filter["status"] = q.Status
	}
	if q.MinFare != nil || q.MaxFare != nil {
		fare := bson.M{}
		if q.MinFare != nil {
			fare["$gte"] = *q.MinFare
		}
		if q.MaxFare != nil {
			fare["$lte"] = *q.MaxFare
		}
		filter["fare"] = fare
	}
	return filter
}

func (s *MongoRides) List(ctx context.Context, q model.ListQuery) ([]model.Ride, error) {
	return findRides(ctx, s.coll, q)
}

func findRides(ctx context.Context, coll *mongo.Collection, q model.ListQuery) ([]model.Ride, error) {
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}})
	if q.Skip > 0 {
		opts.SetSkip(q.Skip)
	}
	if q.Limit > 0 {
		opts.SetLimit(q.Limit)
	}
	cur, err := coll.Find(ctx, listFilter(q), opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	rides := []model.Ride{}
	if err := cur.All(ctx, &rides); err != nil {
		return nil, err
	}
	return rides, nil
}

func (s *MongoRides) All(ctx context.Context) ([]model.Ride, error) {
	cur, err := s.coll.Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	rides := []model.Ride{}
	if err := cur.All(ctx, &rides); err != nil {
		return nil, err
	}
	return rides, nil
}

func (s *MongoRides) Insert(ctx context.Context, ride *model.Ride) (string, error) {
	if ride.ID.IsZero() {
		ride.ID = primitive.NewObjectID()
	}
	res, err := s.coll.InsertOne(ctx, ride)
	if mongo.IsDuplicateKeyError(err) {
		return "", ErrDuplicate
	}
	if err != nil {
		return "", err
	}
	if oid, ok := res.InsertedID.(primitive.ObjectID); ok {
		return oid.Hex(), nil
	}
	return fmt.Sprint(res.InsertedID), nil
}

func (s *MongoRides) Update(ctx context.Context, rideID string, set map[string]any) (*model.Ride, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var ride model.Ride
	err := s.coll.FindOneAndUpdate(ctx, bson.M{"rideId": rideID}, bson.M{"$set": set}, opts).Decode(&ride)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ride, nil
}

func (s *MongoRides) Delete(ctx context.Context, rideID string) error {
	res, err := s.coll.DeleteOne(ctx, bson.M{"rideId": rideID})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoRides) Count(ctx context.Context) (int64, error) {
	return s.coll.CountDocuments(ctx, bson.M{})
}

func (s *MongoRides) Stats(ctx context.Context) (*model.RegionStats, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$status"},
			{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
			{Key: "revenue", Value: bson.D{{Key: "$sum", Value: "$fare"}}},
		}}},
	}
	cur, err := s.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var groups []struct {
		Status  model.RideStatus `bson:"_id"`
		Count   int64            `bson:"count"`
		Revenue float64          `bson:"revenue"`
	}
	if err := cur.All(ctx, &groups); err != nil {
		return nil, err
	}

	stats := &model.RegionStats{Region: s.region}
	for _, g := range groups {
		stats.TotalRides += g.Count
		stats.TotalRevenue += g.Revenue
		switch g.Status {
		case model.StatusInProgress:
			stats.ActiveRides += g.Count
		case model.StatusCompleted:
			stats.CompletedRides += g.Count
		case model.StatusCancelled:
			stats.CancelledRides += g.Count
		}
	}
	if stats.TotalRides > 0 {
		stats.AvgFare = math.Round(stats.TotalRevenue/float64(stats.TotalRides)*100) / 100
	}
	stats.TotalRevenue = math.Round(stats.TotalRevenue*100) / 100
	return stats, nil
}

func (s *MongoRides) PrepareHandoff(ctx context.Context, rideID, txID string) (*model.Ride, error) {
	update := bson.M{"$set": bson.M{
		"locked":         true,
		"transaction_id": txID,
		"handoff_status": model.HandoffPreparing,
	}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var ride model.Ride
	err := s.coll.FindOneAndUpdate(ctx, bson.M{"rideId": rideID, "locked": false}, update, opts).Decode(&ride)
	if err == nil {
		return &ride, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, err
	}

	// Matched nothing: the ride is either absent or already claimed.
	existing, ferr := s.FindByID(ctx, rideID)
	if ferr != nil {
		return nil, ErrNotFound
	}
	if existing.TransactionID == txID {
		return existing, nil
	}
	return nil, ErrLocked
}

func (s *MongoRides) DeletePrepared(ctx context.Context, rideID, txID string) (int64, error) {
	res, err := s.coll.DeleteOne(ctx, bson.M{"rideId": rideID, "transaction_id": txID})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (s *MongoRides) ReleaseLocks(ctx context.Context, txID string) (int64, error) {
	res, err := s.coll.UpdateMany(ctx,
		bson.M{"transaction_id": txID},
		bson.M{
			"$set":   bson.M{"locked": false},
			"$unset": bson.M{"transaction_id": "", "handoff_status": ""},
		})
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

func (s *MongoRides) RemoveTentative(ctx context.Context, txID string) (int64, error) {
	res, err := s.coll.DeleteMany(ctx, bson.M{"transaction_id": txID})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

// Probe reports the primary identity and replication view of the
// region's replica set.
func (s *MongoRides) Probe(ctx context.Context) (*HealthInfo, error) {
	var hello bson.M
	err := s.client.Database("admin").RunCommand(ctx, bson.D{{Key: "hello", Value: 1}}).Decode(&hello)
	if err != nil {
		return nil, err
	}

	info := &HealthInfo{State: "PRIMARY"}
	if primary, ok := hello["primary"].(string); ok {
		info.Primary = primary
	} else if me, ok := hello["me"].(string); ok {
		info.Primary = me
	}
	if writable, ok := hello["isWritablePrimary"].(bool); ok && !writable {
		info.State = "SECONDARY"
	}
	if lw, ok := hello["lastWrite"].(bson.M); ok {
		if dt, ok := lw["lastWriteDate"].(primitive.DateTime); ok {
			t := dt.Time().UTC()
			info.LastWrite = &t
		}
	}
	// Lag measurement would need per-member optime comparison; the
	// adapter reports zero whenever the replica set answers at all.
	if _, ok := hello["setName"]; ok {
		lag := int64(0)
		info.ReplicationLagMs = &lag
	}
	return info, nil
}
