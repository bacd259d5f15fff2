package store

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/avfleet/handoff/pkg/model"
)

// Watch opens the region's change feed with after-image lookup. The
// returned stream resumes after resumeAfter when a token is supplied.
func (s *MongoRides) Watch(ctx context.Context, resumeAfter any) (ChangeStream, error) {
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	if token, ok := resumeAfter.(bson.Raw); ok && token != nil {
		opts.SetResumeAfter(token)
	}
	cs, err := s.coll.Watch(ctx, mongo.Pipeline{}, opts)
	if err != nil {
		return nil, fmt.Errorf("watch %s rides: %w", s.region, err)
	}
	return &mongoChangeStream{cs: cs}, nil
}

type mongoChangeStream struct {
	cs *mongo.ChangeStream
}

type rawChangeEvent struct {
	OperationType string `bson:"operationType"`
	DocumentKey   struct {
		ID any `bson:"_id"`
	} `bson:"documentKey"`
	FullDocument *model.Ride `bson:"fullDocument"`
}

// Next blocks for the following event. Operation types outside the
// insert/update/replace/delete set invalidate the stream and surface
// as an error so the caller reconnects.
func (m *mongoChangeStream) Next(ctx context.Context) (*ChangeEvent, error) {
	for m.cs.Next(ctx) {
		var raw rawChangeEvent
		if err := m.cs.Decode(&raw); err != nil {
			return nil, fmt.Errorf("decode change event: %w", err)
		}

		op := OpType(raw.OperationType)
		switch op {
		case OpInsert, OpUpdate, OpReplace, OpDelete:
		default:
			return nil, fmt.Errorf("stream invalidated by %q event", raw.OperationType)
		}

		return &ChangeEvent{
			Op:           op,
			DocumentID:   raw.DocumentKey.ID,
			FullDocument: raw.FullDocument,
			Token:        m.cs.ResumeToken(),
		}, nil
	}
	if err := m.cs.Err(); err != nil {
		return nil, err
	}
	return nil, ctx.Err()
}

func (m *mongoChangeStream) Close(ctx context.Context) error {
	return m.cs.Close(ctx)
}
