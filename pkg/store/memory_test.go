package store

import (
	"context"
	"testing"
	"time"

	"github.com/avfleet/handoff/pkg/model"
)

func testRide(id string, ts time.Time) *model.Ride {
	return &model.Ride{
		RideID:     id,
		VehicleID:  "AV-1",
		CustomerID: "C-1",
		Status:     model.StatusInProgress,
		City:       model.RegionPHX,
		Fare:       20,
		Timestamp:  ts,
	}
}

func TestMemoryRidesCRUD(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryRides(model.RegionPHX)

	if _, err := s.Insert(ctx, testRide("R-1", time.Now())); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := s.Insert(ctx, testRide("R-1", time.Now())); err != ErrDuplicate {
		t.Fatalf("duplicate insert: got %v, want ErrDuplicate", err)
	}

	ride, err := s.FindByID(ctx, "R-1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if ride.RideID != "R-1" {
		t.Fatalf("found %s", ride.RideID)
	}

	updated, err := s.Update(ctx, "R-1", map[string]any{"status": model.StatusCompleted})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Status != model.StatusCompleted {
		t.Fatalf("status = %s", updated.Status)
	}

	if err := s.Delete(ctx, "R-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.FindByID(ctx, "R-1"); err != ErrNotFound {
		t.Fatalf("after delete: got %v, want ErrNotFound", err)
	}
	if err := s.Delete(ctx, "R-1"); err != ErrNotFound {
		t.Fatalf("second delete: got %v, want ErrNotFound", err)
	}
}

func TestMemoryRidesListOrderAndFilter(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryRides(model.RegionPHX)
	base := time.Now().UTC()

	for i, id := range []string{"R-1", "R-2", "R-3"} {
		r := testRide(id, base.Add(time.Duration(i)*time.Minute))
		r.Fare = float64(10 * (i + 1))
		if _, err := s.Insert(ctx, r); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}

	rides, err := s.List(ctx, model.ListQuery{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rides) != 3 || rides[0].RideID != "R-3" || rides[2].RideID != "R-1" {
		t.Fatalf("wrong order: %+v", rides)
	}

	min, max := 15.0, 25.0
	rides, err = s.List(ctx, model.ListQuery{MinFare: &min, MaxFare: &max})
	if err != nil {
		t.Fatalf("list with fare filter: %v", err)
	}
	if len(rides) != 1 || rides[0].RideID != "R-2" {
		t.Fatalf("fare filter returned %+v", rides)
	}

	rides, err = s.List(ctx, model.ListQuery{Limit: 2, Skip: 1})
	if err != nil {
		t.Fatalf("list with paging: %v", err)
	}
	if len(rides) != 2 || rides[0].RideID != "R-2" {
		t.Fatalf("paging returned %+v", rides)
	}
}

func TestMemoryRidesPrepareLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryRides(model.RegionPHX)
	if _, err := s.Insert(ctx, testRide("R-1", time.Now())); err != nil {
		t.Fatalf("insert: %v", err)
	}

	ride, err := s.PrepareHandoff(ctx, "R-1", "tx-1")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if !ride.Locked || ride.TransactionID != "tx-1" || ride.HandoffStatus != model.HandoffPreparing {
		t.Fatalf("prepare left %+v", ride)
	}

	// Same transaction retries are idempotent.
	if _, err := s.PrepareHandoff(ctx, "R-1", "tx-1"); err != nil {
		t.Fatalf("duplicate prepare: %v", err)
	}
	// A competing transaction is fenced out.
	if _, err := s.PrepareHandoff(ctx, "R-1", "tx-2"); err != ErrLocked {
		t.Fatalf("competing prepare: got %v, want ErrLocked", err)
	}
	if _, err := s.PrepareHandoff(ctx, "R-404", "tx-1"); err != ErrNotFound {
		t.Fatalf("missing ride prepare: got %v, want ErrNotFound", err)
	}

	// A delete fenced by the wrong transaction id is a no-op.
	if n, _ := s.DeletePrepared(ctx, "R-1", "tx-2"); n != 0 {
		t.Fatalf("foreign delete removed %d rides", n)
	}

	n, err := s.ReleaseLocks(ctx, "tx-1")
	if err != nil || n != 1 {
		t.Fatalf("release: n=%d err=%v", n, err)
	}
	ride, _ = s.FindByID(ctx, "R-1")
	if ride.Locked || ride.TransactionID != "" || ride.HandoffStatus != model.HandoffNone {
		t.Fatalf("release left %+v", ride)
	}

	if _, err := s.PrepareHandoff(ctx, "R-1", "tx-3"); err != nil {
		t.Fatalf("prepare after release: %v", err)
	}
	n, err = s.DeletePrepared(ctx, "R-1", "tx-3")
	if err != nil || n != 1 {
		t.Fatalf("fenced delete: n=%d err=%v", n, err)
	}
}

func TestMemoryRidesWatch(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryRides(model.RegionPHX)

	cs, err := s.Watch(ctx, nil)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer cs.Close(ctx)

	if _, err := s.Insert(ctx, testRide("R-1", time.Now())); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := s.Update(ctx, "R-1", map[string]any{"status": model.StatusCompleted}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := s.Delete(ctx, "R-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	wantOps := []OpType{OpInsert, OpUpdate, OpDelete}
	for _, want := range wantOps {
		nextCtx, cancel := context.WithTimeout(ctx, time.Second)
		ev, err := cs.Next(nextCtx)
		cancel()
		if err != nil {
			t.Fatalf("next (%s): %v", want, err)
		}
		if ev.Op != want {
			t.Fatalf("op = %s, want %s", ev.Op, want)
		}
		if want != OpDelete && ev.FullDocument == nil {
			t.Fatalf("%s event missing full document", want)
		}
	}
}

func TestMemoryGlobalApply(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGlobal()

	r1 := testRide("R-1", time.Now())
	if _, err := NewMemoryRides(model.RegionPHX).Insert(ctx, r1); err != nil {
		t.Fatalf("seed insert: %v", err)
	}

	if err := g.ApplyInsert(ctx, r1); err != nil {
		t.Fatalf("apply insert: %v", err)
	}
	// Duplicate insert is silent.
	if err := g.ApplyInsert(ctx, r1); err != nil {
		t.Fatalf("duplicate apply insert: %v", err)
	}
	if n, _ := g.Count(ctx); n != 1 {
		t.Fatalf("count = %d", n)
	}

	moved := r1.Clone()
	moved.ID = r1.ID
	moved.City = model.RegionLA
	if err := g.ApplyReplace(ctx, r1.ID, moved); err != nil {
		t.Fatalf("apply replace: %v", err)
	}
	rides, _ := g.List(ctx, model.ListQuery{City: model.RegionLA})
	if len(rides) != 1 {
		t.Fatalf("replace not visible: %+v", rides)
	}

	if err := g.ApplyDelete(ctx, r1.ID); err != nil {
		t.Fatalf("apply delete: %v", err)
	}
	if n, _ := g.Count(ctx); n != 0 {
		t.Fatalf("count after delete = %d", n)
	}
}
