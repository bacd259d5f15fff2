package replicator

import (
	"context"
	"testing"
	"time"

	"github.com/avfleet/handoff/pkg/model"
	"github.com/avfleet/handoff/pkg/store"
)

func seed(t *testing.T, rides *store.MemoryRides, id string) *model.Ride {
	t.Helper()
	ride := &model.Ride{
		RideID: id, VehicleID: "AV-1", CustomerID: "C-1",
		Status: model.StatusInProgress, City: rides.Region(), Fare: 20,
		Timestamp: time.Now().UTC(),
	}
	if _, err := rides.Insert(context.Background(), ride); err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
	return ride
}

func waitForCount(t *testing.T, global store.GlobalStore, want int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if n, _ := global.Count(context.Background()); n == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	n, _ := global.Count(context.Background())
	t.Fatalf("global count = %d, want %d", n, want)
}

func newReplicatorFixture(mode Mode, reseed bool) (*store.MemoryRides, *store.MemoryRides, *store.MemoryGlobal, *Replicator) {
	phx := store.NewMemoryRides(model.RegionPHX)
	la := store.NewMemoryRides(model.RegionLA)
	global := store.NewMemoryGlobal()
	rep := New([]Source{
		{Region: model.RegionPHX, Rides: phx, Watcher: phx},
		{Region: model.RegionLA, Rides: la, Watcher: la},
	}, global, mode, reseed)
	return phx, la, global, rep
}

func TestInitialSync(t *testing.T) {
	phx, la, global, rep := newReplicatorFixture(ModeInitialStream, false)
	seed(t, phx, "R-1")
	seed(t, phx, "R-2")
	seed(t, la, "R-3")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = rep.Run(ctx)
	}()

	waitForCount(t, global, 3)
	cancel()
	<-done
}

func TestStreamingApply(t *testing.T) {
	phx, la, global, rep := newReplicatorFixture(ModeStreamOnly, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rep.Run(ctx)
	time.Sleep(20 * time.Millisecond) // let both streams open

	// Insert replicates.
	r1 := seed(t, phx, "R-1")
	seed(t, la, "R-2")
	waitForCount(t, global, 2)

	// Update replicates via the after-image.
	if _, err := phx.Update(ctx, "R-1", map[string]any{"status": model.StatusCompleted}); err != nil {
		t.Fatalf("update: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		rides, _ := global.List(ctx, model.ListQuery{Status: model.StatusCompleted, Limit: 10})
		if len(rides) == 1 && rides[0].RideID == "R-1" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("update never reached global: %+v", rides)
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Delete replicates.
	if err := phx.Delete(ctx, "R-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	waitForCount(t, global, 1)
	_ = r1
}

func TestReseedClearsGlobal(t *testing.T) {
	phx, _, global, rep := newReplicatorFixture(ModeInitialStream, true)

	// A stale row that no region owns anymore.
	stale := seed(t, store.NewMemoryRides(model.RegionLA), "R-99")
	if err := global.ApplyInsert(context.Background(), stale); err != nil {
		t.Fatalf("stale insert: %v", err)
	}
	seed(t, phx, "R-1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = rep.Run(ctx)
	}()

	waitForCount(t, global, 1)
	rides, _ := global.List(context.Background(), model.ListQuery{Limit: 10})
	if len(rides) != 1 || rides[0].RideID != "R-1" {
		t.Fatalf("reseed kept stale rows: %+v", rides)
	}
	cancel()
	<-done
}

// A handoff shows up in the global replica as delete-from-source plus
// insert-into-target, converging to single ownership.
func TestHandoffConvergence(t *testing.T) {
	phx, la, global, rep := newReplicatorFixture(ModeStreamOnly, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rep.Run(ctx)
	time.Sleep(20 * time.Millisecond)

	ride := seed(t, phx, "R-1")
	waitForCount(t, global, 1)

	// Source side deletes, target side inserts the rewritten copy.
	if _, err := phx.PrepareHandoff(ctx, "R-1", "tx-1"); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if _, err := phx.DeletePrepared(ctx, "R-1", "tx-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	moved := ride.Clone()
	moved.City = model.RegionLA
	moved.HandoffStatus = model.HandoffCompleted
	if _, err := la.Insert(ctx, moved); err != nil {
		t.Fatalf("insert: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		rides, _ := global.List(ctx, model.ListQuery{Limit: 10})
		if len(rides) == 1 && rides[0].City == model.RegionLA {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("global never converged: %+v", rides)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
