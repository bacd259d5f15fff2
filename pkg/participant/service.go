// Package participant implements a regional ride service: CRUD over
// the region's store plus the participant side of the cross-region
// two-phase commit protocol.
package participant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/avfleet/handoff/pkg/model"
	"github.com/avfleet/handoff/pkg/store"
	"github.com/avfleet/handoff/pkg/txlog"
)

// BadRequestError is a malformed or empty request body.
type BadRequestError struct {
	Message string
}

func (e *BadRequestError) Error() string { return e.Message }

// TxLogReader is the participant's read-only view of the coordinator
// transaction log, used only by the stale-record sweeper. It may be
// nil, in which case the sweeper aborts stale records unconditionally.
type TxLogReader interface {
	Get(ctx context.Context, txID string) (*txlog.Record, error)
}

const defaultListLimit = 50

// Service is one region's participant.
type Service struct {
	region  model.Region
	rides   store.RideStore
	records RecordStore
	tl      TxLogReader
	log     *logrus.Entry
	started time.Time
}

// NewService builds a participant service. tl may be nil.
func NewService(rides store.RideStore, records RecordStore, tl TxLogReader) *Service {
	return &Service{
		region:  rides.Region(),
		rides:   rides,
		records: records,
		tl:      tl,
		log:     logrus.WithField("region", rides.Region()),
		started: time.Now(),
	}
}

// Region returns the region this participant serves.
func (s *Service) Region() model.Region { return s.region }

// CreateRide validates and stores a new ride. The transaction fields
// are owned by the protocol and reset regardless of the caller's body.
func (s *Service) CreateRide(ctx context.Context, ride *model.Ride) (*model.Ride, error) {
	if ride.City == "" {
		ride.City = s.region
	}
	if ride.City != s.region {
		return nil, &model.ValidationError{Field: "city", Message: fmt.Sprintf("this participant serves %s", s.region)}
	}
	if ride.Timestamp.IsZero() {
		ride.Timestamp = time.Now().UTC()
	}
	ride.Fare = model.RoundFare(ride.Fare)
	ride.Locked = false
	ride.TransactionID = ""
	ride.HandoffStatus = model.HandoffNone
	if err := ride.Validate(); err != nil {
		return nil, err
	}
	if _, err := s.rides.Insert(ctx, ride); err != nil {
		return nil, err
	}
	return ride, nil
}

// GetRide returns one ride by id.
func (s *Service) GetRide(ctx context.Context, rideID string) (*model.Ride, error) {
	return s.rides.FindByID(ctx, rideID)
}

// ListRides returns rides matching the filter, newest first.
func (s *Service) ListRides(ctx context.Context, q model.ListQuery) ([]model.Ride, error) {
	if q.Limit <= 0 {
		q.Limit = defaultListLimit
	}
	return s.rides.List(ctx, q)
}

// UpdateRide applies a partial update.
func (s *Service) UpdateRide(ctx context.Context, rideID string, update *model.RideUpdate) (*model.Ride, error) {
	if update.Empty() {
		return nil, &BadRequestError{Message: "update body is empty"}
	}
	if err := update.Validate(); err != nil {
		return nil, err
	}
	return s.rides.Update(ctx, rideID, update.Fields())
}

// DeleteRide removes one ride by id.
func (s *Service) DeleteRide(ctx context.Context, rideID string) error {
	return s.rides.Delete(ctx, rideID)
}

// Stats returns the region's aggregate counters.
func (s *Service) Stats(ctx context.Context) (*model.RegionStats, error) {
	return s.rides.Stats(ctx)
}

// Health probes the regional store and composes the health payload.
func (s *Service) Health(ctx context.Context) *model.RegionHealth {
	health := &model.RegionHealth{
		Region:        s.region,
		UptimeSeconds: time.Since(s.started).Seconds(),
	}
	info, err := s.rides.Probe(ctx)
	if err != nil {
		health.Status = model.HealthUnhealthy
		health.MongoStatus = "unreachable"
		health.Error = err.Error()
		return health
	}
	health.MongoPrimary = info.Primary
	health.MongoStatus = info.State
	health.ReplicationLagMs = info.ReplicationLagMs
	if info.LastWrite != nil {
		lw := info.LastWrite.UTC().Format(time.RFC3339)
		health.LastWrite = &lw
	}
	if info.State == "PRIMARY" {
		health.Status = model.HealthHealthy
	} else {
		health.Status = model.HealthDegraded
	}
	return health
}

// IsNotFound reports whether err is any of the not-found conditions.
func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound) || errors.Is(err, ErrRecordMissing)
}
