// Package txlog persists the coordinator's cross-region transaction
// records. Records are created once, mutated only by appending status
// transitions, and never deleted: they are the audit trail and the
// recovery input after a coordinator crash.
package txlog

import (
	"context"
	"errors"
	"time"

	"github.com/avfleet/handoff/pkg/model"
)

// ErrNotFound reports a lookup for an unknown transaction id.
var ErrNotFound = errors.New("transaction not found")

// Status is a transaction's coordinator-side state. Transitions are
// monotone: STARTED → PREPARED → COMMITTED, or ABORTED from any
// non-terminal state.
type Status string

const (
	StatusStarted   Status = "STARTED"
	StatusPrepared  Status = "PREPARED"
	StatusCommitted Status = "COMMITTED"
	StatusAborted   Status = "ABORTED"
)

// HistoryEntry is one audit line of a transaction.
type HistoryEntry struct {
	Status    Status    `json:"status" bson:"status"`
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`
	Note      string    `json:"note" bson:"note"`
}

// Record is the durable transaction log document.
type Record struct {
	TxID         string         `json:"tx_id" bson:"tx_id"`
	RideID       string         `json:"rideId" bson:"rideId"`
	SourceRegion model.Region   `json:"source_region" bson:"source_region"`
	TargetRegion model.Region   `json:"target_region" bson:"target_region"`
	Status       Status         `json:"status" bson:"status"`
	CreatedAt    time.Time      `json:"created_at" bson:"created_at"`
	LastUpdated  time.Time      `json:"last_updated" bson:"last_updated"`
	History      []HistoryEntry `json:"history" bson:"history"`
	LatencyMs    int64          `json:"latency_ms" bson:"latency_ms"`
	Error        string         `json:"error,omitempty" bson:"error,omitempty"`
}

// Log is the coordinator's handle to the transaction log.
type Log interface {
	// Begin mints a transaction id and persists the STARTED record.
	Begin(ctx context.Context, rideID string, source, target model.Region) (*Record, error)
	// Append transitions the status and pushes a history entry.
	Append(ctx context.Context, txID string, status Status, note string) error
	// Commit closes the record as COMMITTED with the measured latency.
	Commit(ctx context.Context, txID string, latencyMs int64, note string) error
	// Abort closes the record as ABORTED, keeping the failure note.
	Abort(ctx context.Context, txID string, note string) error

	Get(ctx context.Context, txID string) (*Record, error)
	// Recent returns records newest first plus the total count.
	Recent(ctx context.Context, limit int64) ([]Record, int64, error)
	// LatestForRide returns the most recently created record touching
	// the ride, or ErrNotFound.
	LatestForRide(ctx context.Context, rideID string) (*Record, error)
	// Stale lists records stuck in status since before the cutoff.
	Stale(ctx context.Context, status Status, before time.Time) ([]Record, error)
}
