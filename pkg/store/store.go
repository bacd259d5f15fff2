// Package store adapts the regional document stores and the global
// read replica. Each adapter owns its region's connection pool; all
// mutating operations are single-document atomic updates so that
// concurrent adapters can safely share the underlying store.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/avfleet/handoff/pkg/model"
)

var (
	// ErrNotFound reports a lookup that matched no ride.
	ErrNotFound = errors.New("ride not found")
	// ErrDuplicate reports an insert that collided on rideId.
	ErrDuplicate = errors.New("duplicate rideId")
	// ErrLocked reports a prepare against a ride already claimed by
	// another transaction.
	ErrLocked = errors.New("ride locked by another transaction")
)

// HealthInfo is the result of probing a regional store.
type HealthInfo struct {
	Primary          string
	State            string
	ReplicationLagMs *int64
	LastWrite        *time.Time
}

// RideStore is the per-region adapter surface. Implementations must
// make every mutating call atomic with respect to concurrent callers.
type RideStore interface {
	Region() model.Region

	FindByID(ctx context.Context, rideID string) (*model.Ride, error)
	List(ctx context.Context, q model.ListQuery) ([]model.Ride, error)
	All(ctx context.Context) ([]model.Ride, error)
	Insert(ctx context.Context, ride *model.Ride) (string, error)
	Update(ctx context.Context, rideID string, set map[string]any) (*model.Ride, error)
	Delete(ctx context.Context, rideID string) error
	Count(ctx context.Context) (int64, error)
	Stats(ctx context.Context) (*model.RegionStats, error)

	// PrepareHandoff atomically claims an unlocked ride for txID and
	// returns the locked after-image. A ride already claimed by txID is
	// returned as-is so retried prepares stay idempotent.
	PrepareHandoff(ctx context.Context, rideID, txID string) (*model.Ride, error)
	// DeletePrepared removes the ride only while it is still fenced by
	// txID, so a late delete cannot touch an unrelated ride.
	DeletePrepared(ctx context.Context, rideID, txID string) (int64, error)
	// ReleaseLocks clears the transaction fields on every ride claimed
	// by txID.
	ReleaseLocks(ctx context.Context, txID string) (int64, error)
	// RemoveTentative deletes documents still tagged with txID that
	// never reached a committed state.
	RemoveTentative(ctx context.Context, txID string) (int64, error)

	Probe(ctx context.Context) (*HealthInfo, error)
}

// OpType is the kind of change carried by a feed event.
type OpType string

const (
	OpInsert  OpType = "insert"
	OpUpdate  OpType = "update"
	OpReplace OpType = "replace"
	OpDelete  OpType = "delete"
)

// ChangeEvent is one entry of a region's change feed. FullDocument is
// present on inserts and, via after-image lookup, on updates.
type ChangeEvent struct {
	Op           OpType
	DocumentID   any
	FullDocument *model.Ride
	Token        any
}

// ChangeStream is a restartable lazy sequence of change events.
type ChangeStream interface {
	Next(ctx context.Context) (*ChangeEvent, error)
	Close(ctx context.Context) error
}

// ChangeWatcher opens a change feed, optionally resuming after a
// previously observed token.
type ChangeWatcher interface {
	Watch(ctx context.Context, resumeAfter any) (ChangeStream, error)
}

// GlobalStore is the read-only aggregation replica. Only the change
// replicator writes to it.
type GlobalStore interface {
	ApplyInsert(ctx context.Context, ride *model.Ride) error
	ApplyReplace(ctx context.Context, id any, ride *model.Ride) error
	ApplyDelete(ctx context.Context, id any) error
	SeedMany(ctx context.Context, rides []model.Ride) error
	List(ctx context.Context, q model.ListQuery) ([]model.Ride, error)
	Count(ctx context.Context) (int64, error)
	Clear(ctx context.Context) error
}
