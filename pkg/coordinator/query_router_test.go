package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/avfleet/handoff/pkg/model"
	"github.com/avfleet/handoff/pkg/store"
	"github.com/avfleet/handoff/pkg/txlog"
)

func seedRegion(t *testing.T, rides *store.MemoryRides, id string, ts time.Time) {
	t.Helper()
	ride := &model.Ride{
		RideID: id, VehicleID: "AV-1", CustomerID: "C-1",
		Status: model.StatusInProgress, City: rides.Region(), Fare: 20,
		Timestamp: ts,
	}
	if _, err := rides.Insert(context.Background(), ride); err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func newRouterFixture(t *testing.T) (*fixture, *QueryRouter, *store.MemoryGlobal) {
	t.Helper()
	f := newFixture()
	global := store.NewMemoryGlobal()
	qr := NewQueryRouter(map[model.Region]RegionClient{
		model.RegionPHX: f.phxCl,
		model.RegionLA:  f.laCl,
	}, global, f.tl)
	return f, qr, global
}

func TestSearchScatterGatherOrder(t *testing.T) {
	ctx := context.Background()
	f, qr, _ := newRouterFixture(t)

	t1 := time.Now().UTC().Add(-time.Hour)
	t2 := time.Now().UTC()
	seedRegion(t, f.phx, "R-1", t1)
	seedRegion(t, f.phx, "R-2", t1.Add(time.Minute))
	seedRegion(t, f.la, "R-3", t2)
	seedRegion(t, f.la, "R-4", t2.Add(time.Minute))

	rides, err := qr.Search(ctx, model.SearchQuery{Scope: model.ScopeGlobalLive, ListQuery: model.ListQuery{Limit: 10}})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(rides) != 4 {
		t.Fatalf("got %d rides", len(rides))
	}
	// Newest first: both LA rides precede both PHX rides.
	wantCities := []model.Region{model.RegionLA, model.RegionLA, model.RegionPHX, model.RegionPHX}
	for i, ride := range rides {
		if ride.City != wantCities[i] {
			t.Fatalf("position %d is %s: %+v", i, ride.City, rides)
		}
	}

	// Truncation to limit.
	rides, err = qr.Search(ctx, model.SearchQuery{Scope: model.ScopeGlobalLive, ListQuery: model.ListQuery{Limit: 3}})
	if err != nil {
		t.Fatalf("search limit: %v", err)
	}
	if len(rides) != 3 {
		t.Fatalf("limit ignored: %d rides", len(rides))
	}
}

func TestSearchLocalScope(t *testing.T) {
	ctx := context.Background()
	f, qr, _ := newRouterFixture(t)
	seedRegion(t, f.phx, "R-1", time.Now())
	seedRegion(t, f.la, "R-2", time.Now())

	rides, err := qr.Search(ctx, model.SearchQuery{
		Scope:     model.ScopeLocal,
		ListQuery: model.ListQuery{City: model.RegionPHX, Limit: 10},
	})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(rides) != 1 || rides[0].City != model.RegionPHX {
		t.Fatalf("local scope returned %+v", rides)
	}

	// Local without a city is a validation failure.
	if _, err := qr.Search(ctx, model.SearchQuery{Scope: model.ScopeLocal}); err == nil {
		t.Fatal("local scope without city should fail")
	}
}

func TestSearchGlobalFast(t *testing.T) {
	ctx := context.Background()
	_, qr, global := newRouterFixture(t)

	staging := store.NewMemoryRides(model.RegionPHX)
	ride := &model.Ride{RideID: "R-1", VehicleID: "AV-1", CustomerID: "C-1",
		Status: model.StatusCompleted, City: model.RegionPHX, Fare: 30, Timestamp: time.Now()}
	if _, err := staging.Insert(ctx, ride); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := global.ApplyInsert(ctx, ride); err != nil {
		t.Fatalf("apply: %v", err)
	}

	rides, err := qr.Search(ctx, model.SearchQuery{
		Scope:     model.ScopeGlobalFast,
		ListQuery: model.ListQuery{Status: model.StatusCompleted, Limit: 10},
	})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(rides) != 1 || rides[0].RideID != "R-1" {
		t.Fatalf("global-fast returned %+v", rides)
	}
}

func TestSearchPartialFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	seedRegion(t, f.phx, "R-1", time.Now())

	qr := NewQueryRouter(map[model.Region]RegionClient{
		model.RegionPHX: f.phxCl,
		model.RegionLA:  &probeClient{}, // every list call errors
	}, nil, f.tl)

	rides, err := qr.Search(ctx, model.SearchQuery{Scope: model.ScopeGlobalLive, ListQuery: model.ListQuery{Limit: 10}})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(rides) != 1 {
		t.Fatalf("partial results lost: %+v", rides)
	}
}

func TestOwnerResolution(t *testing.T) {
	ctx := context.Background()
	f, qr, _ := newRouterFixture(t)
	seedRegion(t, f.la, "R-1", time.Now())

	// Committed transaction: target owns the ride.
	rec, _ := f.tl.Begin(ctx, "R-1", model.RegionPHX, model.RegionLA)
	_ = f.tl.Append(ctx, rec.TxID, txlog.StatusPrepared, "")
	_ = f.tl.Commit(ctx, rec.TxID, 10, "")

	decision, err := qr.Owner(ctx, "R-1")
	if err != nil {
		t.Fatalf("owner: %v", err)
	}
	if decision.Region != model.RegionLA || decision.Ride == nil {
		t.Fatalf("decision = %+v", decision)
	}

	// Aborted transaction: source keeps the ride.
	rec2, _ := f.tl.Begin(ctx, "R-2", model.RegionLA, model.RegionPHX)
	_ = f.tl.Abort(ctx, rec2.TxID, "boom")
	decision, err = qr.Owner(ctx, "R-2")
	if err != nil {
		t.Fatalf("owner: %v", err)
	}
	if decision.Region != model.RegionLA {
		t.Fatalf("decision = %+v", decision)
	}

	// No metadata: probe both regions.
	seedRegion(t, f.phx, "R-3", time.Now())
	decision, err = qr.Owner(ctx, "R-3")
	if err != nil {
		t.Fatalf("owner probe: %v", err)
	}
	if decision.Region != model.RegionPHX {
		t.Fatalf("decision = %+v", decision)
	}

	// Unknown everywhere.
	if _, err := qr.Owner(ctx, "R-404404"); err != store.ErrNotFound {
		t.Fatalf("unknown ride: %v", err)
	}
}

func TestStatsAndHealthAll(t *testing.T) {
	ctx := context.Background()
	f, qr, _ := newRouterFixture(t)
	seedRegion(t, f.phx, "R-1", time.Now())

	stats := qr.StatsAll(ctx)
	if stats[model.RegionPHX] == nil || stats[model.RegionPHX].TotalRides != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats[model.RegionLA] == nil || stats[model.RegionLA].TotalRides != 0 {
		t.Fatalf("stats = %+v", stats)
	}

	health := qr.HealthAll(ctx)
	if health[model.RegionPHX].Status != model.HealthHealthy {
		t.Fatalf("health = %+v", health)
	}
}
