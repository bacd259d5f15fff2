package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/avfleet/handoff/pkg/model"
	"github.com/avfleet/handoff/pkg/store"
	"github.com/avfleet/handoff/pkg/txlog"
)

// QueryRouter dispatches reads across the three consistency scopes:
// one region's primary view, the eventually consistent global replica,
// or a live scatter-gather over every region.
type QueryRouter struct {
	clients map[model.Region]RegionClient
	global  store.GlobalStore
	tl      txlog.Log
	log     *logrus.Entry
}

// NewQueryRouter builds the router. global may be nil when no replica
// is configured; global-fast queries then fail.
func NewQueryRouter(clients map[model.Region]RegionClient, global store.GlobalStore, tl txlog.Log) *QueryRouter {
	return &QueryRouter{
		clients: clients,
		global:  global,
		tl:      tl,
		log:     logrus.WithField("component", "query-router"),
	}
}

// Search runs one routed read.
func (qr *QueryRouter) Search(ctx context.Context, q model.SearchQuery) ([]model.Ride, error) {
	if err := q.Normalize(); err != nil {
		return nil, err
	}

	switch q.Scope {
	case model.ScopeLocal:
		cl, ok := qr.clients[q.City]
		if !ok {
			return nil, &model.ValidationError{Field: "city", Message: fmt.Sprintf("no participant configured for %s", q.City)}
		}
		return cl.ListRides(ctx, q.ListQuery)

	case model.ScopeGlobalFast:
		if qr.global == nil {
			return nil, errors.New("global replica not configured")
		}
		return qr.global.List(ctx, q.ListQuery)

	default: // global-live
		return qr.scatterGather(ctx, q)
	}
}

// scatterGather fans the filter out to every region concurrently,
// gathers up to limit per region, and merges newest first. Partial
// failures are logged; whatever arrived is returned in order.
func (qr *QueryRouter) scatterGather(ctx context.Context, q model.SearchQuery) ([]model.Ride, error) {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		merged []model.Ride
	)
	for region, cl := range qr.clients {
		wg.Add(1)
		go func(region model.Region, cl RegionClient) {
			defer wg.Done()
			rides, err := cl.ListRides(ctx, q.ListQuery)
			if err != nil {
				qr.log.Warnf("scatter to %s failed: %v", region, err)
				return
			}
			mu.Lock()
			merged = append(merged, rides...)
			mu.Unlock()
		}(region, cl)
	}
	wg.Wait()

	sortRidesByTimestampDesc(merged)
	if int64(len(merged)) > q.Limit {
		merged = merged[:q.Limit]
	}
	if merged == nil {
		merged = []model.Ride{}
	}
	return merged, nil
}

// OwnerDecision names the region believed to own a ride and why.
type OwnerDecision struct {
	RideID string       `json:"rideId"`
	Region model.Region `json:"region,omitempty"`
	Reason string       `json:"reason"`
	Ride   *model.Ride  `json:"ride,omitempty"`
}

// Owner resolves the owning region of one ride: the most recent
// transaction record decides when present, otherwise both regions are
// probed directly.
func (qr *QueryRouter) Owner(ctx context.Context, rideID string) (*OwnerDecision, error) {
	if !model.ValidRideID(rideID) {
		return nil, &model.ValidationError{Field: "rideId", Message: "must match R-<digits>"}
	}

	rec, err := qr.tl.LatestForRide(ctx, rideID)
	switch {
	case err == nil:
		decision := &OwnerDecision{RideID: rideID}
		switch rec.Status {
		case txlog.StatusCommitted:
			decision.Region = rec.TargetRegion
			decision.Reason = fmt.Sprintf("last transaction COMMITTED from %s to %s", rec.SourceRegion, rec.TargetRegion)
		case txlog.StatusAborted:
			decision.Region = rec.SourceRegion
			decision.Reason = fmt.Sprintf("last transaction ABORTED; ride stays in %s", rec.SourceRegion)
		default:
			decision.Region = rec.SourceRegion
			decision.Reason = fmt.Sprintf("last transaction is %s; conservatively using source region %s", rec.Status, rec.SourceRegion)
		}
		qr.attachRide(ctx, decision)
		return decision, nil

	case errors.Is(err, txlog.ErrNotFound):
		return qr.probeOwner(ctx, rideID)

	default:
		return nil, err
	}
}

func (qr *QueryRouter) attachRide(ctx context.Context, decision *OwnerDecision) {
	cl, ok := qr.clients[decision.Region]
	if !ok {
		return
	}
	ride, err := cl.GetRide(ctx, decision.RideID)
	if err != nil {
		qr.log.Warnf("fetch ride %s from %s: %v", decision.RideID, decision.Region, err)
		return
	}
	decision.Ride = ride
}

// probeOwner asks both regions directly when no transaction metadata
// exists. Pre-existing duplicates across regions are reported, not
// resolved.
func (qr *QueryRouter) probeOwner(ctx context.Context, rideID string) (*OwnerDecision, error) {
	found := map[model.Region]*model.Ride{}
	for region, cl := range qr.clients {
		ride, err := cl.GetRide(ctx, rideID)
		if err != nil {
			continue
		}
		found[region] = ride
	}

	switch len(found) {
	case 1:
		var decision *OwnerDecision
		for region, ride := range found {
			decision = &OwnerDecision{
				RideID: rideID,
				Region: region,
				Reason: fmt.Sprintf("no transaction metadata; ride found only in %s", region),
				Ride:   ride,
			}
		}
		return decision, nil
	case 0:
		return nil, store.ErrNotFound
	default:
		return &OwnerDecision{
			RideID: rideID,
			Reason: "ride exists in more than one region; ownership is ambiguous",
		}, nil
	}
}

// StatsAll gathers every region's counters; unreachable regions map
// to null.
func (qr *QueryRouter) StatsAll(ctx context.Context) map[model.Region]*model.RegionStats {
	out := make(map[model.Region]*model.RegionStats, len(qr.clients))
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for region, cl := range qr.clients {
		wg.Add(1)
		go func(region model.Region, cl RegionClient) {
			defer wg.Done()
			stats, err := cl.Stats(ctx)
			if err != nil {
				qr.log.Warnf("stats from %s: %v", region, err)
				stats = nil
			}
			mu.Lock()
			out[region] = stats
			mu.Unlock()
		}(region, cl)
	}
	wg.Wait()
	return out
}

// HealthAll gathers every region's health payload; unreachable regions
// map to an unreachable marker.
func (qr *QueryRouter) HealthAll(ctx context.Context) map[model.Region]*model.RegionHealth {
	out := make(map[model.Region]*model.RegionHealth, len(qr.clients))
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for region, cl := range qr.clients {
		wg.Add(1)
		go func(region model.Region, cl RegionClient) {
			defer wg.Done()
			health, err := cl.Health(ctx)
			if err != nil {
				health = &model.RegionHealth{
					Status: model.HealthUnreachable,
					Region: region,
					Error:  err.Error(),
				}
			}
			mu.Lock()
			out[region] = health
			mu.Unlock()
		}(region, cl)
	}
	wg.Wait()
	return out
}

func sortRidesByTimestampDesc(rides []model.Ride) {
	sort.SliceStable(rides, func(i, j int) bool {
		return rides[i].Timestamp.After(rides[j].Timestamp)
	})
}
