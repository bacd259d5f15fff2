package participant

import (
	"context"
	"testing"
	"time"

	"github.com/avfleet/handoff/pkg/model"
	"github.com/avfleet/handoff/pkg/store"
	"github.com/avfleet/handoff/pkg/txlog"
)

func newTestService(region model.Region) (*Service, *store.MemoryRides) {
	rides := store.NewMemoryRides(region)
	return NewService(rides, NewMemoryRecords(), nil), rides
}

func seedRide(t *testing.T, rides *store.MemoryRides, id string) *model.Ride {
	t.Helper()
	ride := &model.Ride{
		RideID:     id,
		VehicleID:  "AV-1",
		CustomerID: "C-1",
		Status:     model.StatusInProgress,
		City:       rides.Region(),
		Fare:       25,
		Timestamp:  time.Now().UTC(),
	}
	if _, err := rides.Insert(context.Background(), ride); err != nil {
		t.Fatalf("seed ride %s: %v", id, err)
	}
	return ride
}

func TestPrepareDelete(t *testing.T) {
	ctx := context.Background()
	svc, rides := newTestService(model.RegionPHX)
	seedRide(t, rides, "R-1")

	resp, err := svc.Prepare(ctx, model.PrepareRequest{RideID: "R-1", TxID: "tx-1", Operation: model.OpDelete})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if resp.Vote != model.VoteCommit {
		t.Fatalf("vote = %s (%s)", resp.Vote, resp.Reason)
	}
	if resp.RideData == nil || !resp.RideData.Locked || resp.RideData.TransactionID != "tx-1" {
		t.Fatalf("snapshot = %+v", resp.RideData)
	}

	ride, _ := rides.FindByID(ctx, "R-1")
	if !ride.Locked || ride.HandoffStatus != model.HandoffPreparing {
		t.Fatalf("ride not locked: %+v", ride)
	}

	// Duplicate prepare returns the same vote.
	again, err := svc.Prepare(ctx, model.PrepareRequest{RideID: "R-1", TxID: "tx-1", Operation: model.OpDelete})
	if err != nil {
		t.Fatalf("duplicate prepare: %v", err)
	}
	if again.Vote != model.VoteCommit {
		t.Fatalf("duplicate vote = %s", again.Vote)
	}
}

func TestPrepareDeleteAbortVotes(t *testing.T) {
	ctx := context.Background()
	svc, rides := newTestService(model.RegionPHX)
	seedRide(t, rides, "R-1")

	resp, err := svc.Prepare(ctx, model.PrepareRequest{RideID: "R-404", TxID: "tx-1", Operation: model.OpDelete})
	if err != nil {
		t.Fatalf("prepare missing: %v", err)
	}
	if resp.Vote != model.VoteAbort || resp.Reason != "not_found" {
		t.Fatalf("missing ride vote = %s (%s)", resp.Vote, resp.Reason)
	}

	if _, err := svc.Prepare(ctx, model.PrepareRequest{RideID: "R-1", TxID: "tx-1", Operation: model.OpDelete}); err != nil {
		t.Fatalf("first prepare: %v", err)
	}
	resp, err = svc.Prepare(ctx, model.PrepareRequest{RideID: "R-1", TxID: "tx-2", Operation: model.OpDelete})
	if err != nil {
		t.Fatalf("competing prepare: %v", err)
	}
	if resp.Vote != model.VoteAbort || resp.Reason != "locked" {
		t.Fatalf("locked ride vote = %s (%s)", resp.Vote, resp.Reason)
	}
}

func TestPrepareInsertAndCommit(t *testing.T) {
	ctx := context.Background()
	svc, rides := newTestService(model.RegionLA)

	snapshot := &model.Ride{
		RideID: "R-1", VehicleID: "AV-1", CustomerID: "C-1",
		Status: model.StatusInProgress, City: model.RegionPHX, Fare: 25,
		Locked: true, TransactionID: "tx-1", HandoffStatus: model.HandoffPreparing,
		Timestamp: time.Now().UTC(),
	}
	resp, err := svc.Prepare(ctx, model.PrepareRequest{RideID: "R-1", TxID: "tx-1", Operation: model.OpInsert, RideData: snapshot})
	if err != nil {
		t.Fatalf("prepare insert: %v", err)
	}
	if resp.Vote != model.VoteCommit {
		t.Fatalf("vote = %s (%s)", resp.Vote, resp.Reason)
	}
	// The ride is not written until commit.
	if n, _ := rides.Count(ctx); n != 0 {
		t.Fatalf("prepare wrote %d rides", n)
	}

	// A conflicting prepare under the same tx_id votes ABORT.
	conflict, err := svc.Prepare(ctx, model.PrepareRequest{RideID: "R-9", TxID: "tx-1", Operation: model.OpInsert, RideData: snapshot})
	if err != nil {
		t.Fatalf("conflicting prepare: %v", err)
	}
	if conflict.Vote != model.VoteAbort {
		t.Fatalf("conflicting vote = %s", conflict.Vote)
	}

	commitResp, err := svc.Commit(ctx, model.CommitRequest{RideID: "R-1", TxID: "tx-1", Operation: model.OpInsert})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if commitResp.Status != "COMMITTED" || commitResp.InsertedID == "" {
		t.Fatalf("commit response = %+v", commitResp)
	}

	ride, err := rides.FindByID(ctx, "R-1")
	if err != nil {
		t.Fatalf("find after commit: %v", err)
	}
	if ride.City != model.RegionLA || ride.Locked || ride.TransactionID != "" || ride.HandoffStatus != model.HandoffCompleted {
		t.Fatalf("committed ride = %+v", ride)
	}

	// Replayed commit is a no-op.
	if _, err := svc.Commit(ctx, model.CommitRequest{RideID: "R-1", TxID: "tx-1", Operation: model.OpInsert}); err != nil {
		t.Fatalf("replayed commit: %v", err)
	}
	if n, _ := rides.Count(ctx); n != 1 {
		t.Fatalf("replayed commit duplicated the ride")
	}
}

func TestCommitDelete(t *testing.T) {
	ctx := context.Background()
	svc, rides := newTestService(model.RegionPHX)
	seedRide(t, rides, "R-1")

	if _, err := svc.Prepare(ctx, model.PrepareRequest{RideID: "R-1", TxID: "tx-1", Operation: model.OpDelete}); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	resp, err := svc.Commit(ctx, model.CommitRequest{RideID: "R-1", TxID: "tx-1", Operation: model.OpDelete})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if resp.Status != "COMMITTED" || resp.DeletedCount == nil || *resp.DeletedCount != 1 {
		t.Fatalf("commit response = %+v", resp)
	}
	if n, _ := rides.Count(ctx); n != 0 {
		t.Fatalf("ride survived delete commit")
	}

	// Replay deletes nothing and still reports COMMITTED.
	resp, err = svc.Commit(ctx, model.CommitRequest{RideID: "R-1", TxID: "tx-1", Operation: model.OpDelete})
	if err != nil {
		t.Fatalf("replayed commit: %v", err)
	}
	if *resp.DeletedCount != 0 {
		t.Fatalf("replay deleted %d", *resp.DeletedCount)
	}
}

func TestAbort(t *testing.T) {
	ctx := context.Background()
	svc, rides := newTestService(model.RegionPHX)
	seedRide(t, rides, "R-1")

	if _, err := svc.Prepare(ctx, model.PrepareRequest{RideID: "R-1", TxID: "tx-1", Operation: model.OpDelete}); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	resp, err := svc.Abort(ctx, "tx-1")
	if err != nil {
		t.Fatalf("abort: %v", err)
	}
	if resp.Status != "ABORTED" {
		t.Fatalf("abort status = %s", resp.Status)
	}

	ride, _ := rides.FindByID(ctx, "R-1")
	if ride.Locked || ride.TransactionID != "" || ride.HandoffStatus != model.HandoffNone {
		t.Fatalf("abort left %+v", ride)
	}

	// Abort is idempotent, including for unknown transactions.
	if _, err := svc.Abort(ctx, "tx-1"); err != nil {
		t.Fatalf("second abort: %v", err)
	}
	if _, err := svc.Abort(ctx, "tx-unknown"); err != nil {
		t.Fatalf("abort unknown tx: %v", err)
	}
}

func TestAbortInsertRemovesTentative(t *testing.T) {
	ctx := context.Background()
	svc, rides := newTestService(model.RegionLA)
	snapshot := seedRide(t, rides, "R-9") // unrelated resident ride

	prep := &model.Ride{RideID: "R-1", VehicleID: "AV-1", CustomerID: "C-1",
		Status: model.StatusInProgress, City: model.RegionPHX, Fare: 10, Timestamp: time.Now()}
	if _, err := svc.Prepare(ctx, model.PrepareRequest{RideID: "R-1", TxID: "tx-1", Operation: model.OpInsert, RideData: prep}); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if _, err := svc.Abort(ctx, "tx-1"); err != nil {
		t.Fatalf("abort: %v", err)
	}
	// Only the resident ride remains; no tentative copy leaked.
	if n, _ := rides.Count(ctx); n != 1 {
		t.Fatalf("count after abort = %d", n)
	}
	if _, err := rides.FindByID(ctx, snapshot.RideID); err != nil {
		t.Fatalf("resident ride disappeared: %v", err)
	}
}

func TestSweepStaleRecords(t *testing.T) {
	ctx := context.Background()
	rides := store.NewMemoryRides(model.RegionPHX)
	records := NewMemoryRecords()
	tl := txlog.NewMemoryLog()
	svc := NewService(rides, records, tl)

	seedRide(t, rides, "R-1")
	seedRide(t, rides, "R-2")

	// R-1's transaction exists in the log as PREPARED: leave it alone.
	kept, _ := tl.Begin(ctx, "R-1", model.RegionPHX, model.RegionLA)
	_ = tl.Append(ctx, kept.TxID, txlog.StatusPrepared, "")
	if _, err := svc.Prepare(ctx, model.PrepareRequest{RideID: "R-1", TxID: kept.TxID, Operation: model.OpDelete}); err != nil {
		t.Fatalf("prepare R-1: %v", err)
	}

	// R-2's transaction has no log entry: abort it.
	if _, err := svc.Prepare(ctx, model.PrepareRequest{RideID: "R-2", TxID: "tx-orphan", Operation: model.OpDelete}); err != nil {
		t.Fatalf("prepare R-2: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	svc.SweepStaleRecords(ctx, time.Millisecond)

	r1, _ := rides.FindByID(ctx, "R-1")
	if !r1.Locked {
		t.Fatalf("sweeper released a ride the coordinator still owns: %+v", r1)
	}
	r2, _ := rides.FindByID(ctx, "R-2")
	if r2.Locked || r2.TransactionID != "" {
		t.Fatalf("orphaned record not aborted: %+v", r2)
	}
	rec, err := records.Get(ctx, "tx-orphan")
	if err != nil || rec.State != RecordAborted {
		t.Fatalf("orphan record state = %+v err=%v", rec, err)
	}
}
