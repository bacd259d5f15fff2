package participant

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/avfleet/handoff/pkg/model"
)

var (
	// ErrRecordExists reports a prepare that collided on tx_id.
	ErrRecordExists = errors.New("participant record exists")
	// ErrRecordMissing reports a lookup for an unknown tx_id.
	ErrRecordMissing = errors.New("participant record missing")
)

// RecordState is the participant-side transaction state.
type RecordState string

const (
	RecordPrepared  RecordState = "PREPARED"
	RecordCommitted RecordState = "COMMITTED"
	RecordAborted   RecordState = "ABORTED"
)

// TxRecord is the per-region participant transaction record written at
// prepare time. The cached ride snapshot lets a commit replay after a
// coordinator crash without re-reading the source region.
type TxRecord struct {
	TxID      string          `json:"tx_id" bson:"tx_id"`
	RideID    string          `json:"rideId" bson:"rideId"`
	Operation model.Operation `json:"operation" bson:"operation"`
	State     RecordState     `json:"state" bson:"state"`
	RideData  *model.Ride     `json:"ride_data,omitempty" bson:"ride_data,omitempty"`
	Timestamp time.Time       `json:"timestamp" bson:"timestamp"`
}

// RecordStore persists participant transaction records for recovery.
type RecordStore interface {
	Create(ctx context.Context, rec *TxRecord) error
	Get(ctx context.Context, txID string) (*TxRecord, error)
	SetState(ctx context.Context, txID string, state RecordState) error
	StalePrepared(ctx context.Context, before time.Time) ([]TxRecord, error)
}

const participantsCollection = "handoff_participants"

// MongoRecords stores participant records in the region's own store.
type MongoRecords struct {
	coll *mongo.Collection
}

// NewMongoRecords builds the record store over an established client.
func NewMongoRecords(client *mongo.Client, dbName string) *MongoRecords {
	return &MongoRecords{coll: client.Database(dbName).Collection(participantsCollection)}
}

// EnsureIndexes creates the unique tx_id index.
func (s *MongoRecords) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "tx_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

func (s *MongoRecords) Create(ctx context.Context, rec *TxRecord) error {
	_, err := s.coll.InsertOne(ctx, rec)
	if mongo.IsDuplicateKeyError(err) {
		return ErrRecordExists
	}
	return err
}

func (s *MongoRecords) Get(ctx context.Context, txID string) (*TxRecord, error) {
	var rec TxRecord
	err := s.coll.FindOne(ctx, bson.M{"tx_id": txID}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrRecordMissing
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *MongoRecords) SetState(ctx context.Context, txID string, state RecordState) error {
	res, err := s.coll.UpdateOne(ctx, bson.M{"tx_id": txID}, bson.M{"$set": bson.M{"state": state}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrRecordMissing
	}
	return nil
}

func (s *MongoRecords) StalePrepared(ctx context.Context, before time.Time) ([]TxRecord, error) {
	cur, err := s.coll.Find(ctx, bson.M{
		"state":     RecordPrepared,
		"timestamp": bson.M{"$lt": before},
	})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	recs := []TxRecord{}
	if err := cur.All(ctx, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

// MemoryRecords is the in-process record store used by tests.
type MemoryRecords struct {
	mu   sync.Mutex
	recs map[string]*TxRecord
}

// NewMemoryRecords builds an empty in-memory record store.
func NewMemoryRecords() *MemoryRecords {
	return &MemoryRecords{recs: make(map[string]*TxRecord)}
}

func (s *MemoryRecords) Create(ctx context.Context, rec *TxRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[rec.TxID]; ok {
		return ErrRecordExists
	}
	cp := *rec
	s.recs[rec.TxID] = &cp
	return nil
}

func (s *MemoryRecords) Get(ctx context.Context, txID string) (*TxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[txID]
	if !ok {
		return nil, ErrRecordMissing
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryRecords) SetState(ctx context.Context, txID string, state RecordState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[txID]
	if !ok {
		return ErrRecordMissing
	}
	rec.State = state
	return nil
}

func (s *MemoryRecords) StalePrepared(ctx context.Context, before time.Time) ([]TxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []TxRecord{}
	for _, rec := range s.recs {
		if rec.State == RecordPrepared && rec.Timestamp.Before(before) {
			out = append(out, *rec)
		}
	}
	return out, nil
}
