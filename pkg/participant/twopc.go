package participant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avfleet/handoff/pkg/model"
	"github.com/avfleet/handoff/pkg/store"
	"github.com/avfleet/handoff/pkg/txlog"
)

const (
	abortReasonNotFound = "not_found"
	abortReasonLocked   = "locked"
)

func validate2PC(rideID, txID string, op model.Operation) error {
	if !model.ValidRideID(rideID) {
		return &model.ValidationError{Field: "ride_id", Message: "must match R-<digits>"}
	}
	if txID == "" {
		return &model.ValidationError{Field: "tx_id", Message: "required"}
	}
	if !op.Valid() {
		return &model.ValidationError{Field: "operation", Message: "must be INSERT or DELETE"}
	}
	return nil
}

// Prepare is the participant's vote on one side of a handoff.
//
// DELETE (source side): atomically lock the ride, persist a record
// with the snapshot, and return the snapshot with a COMMIT vote.
// INSERT (target side): persist a record carrying the snapshot; the
// ride itself is written only at commit.
//
// A duplicate prepare for the same (rideId, tx_id) returns the same
// vote it returned the first time.
func (s *Service) Prepare(ctx context.Context, req model.PrepareRequest) (*model.PrepareResponse, error) {
	if err := validate2PC(req.RideID, req.TxID, req.Operation); err != nil {
		return nil, err
	}

	if rec, err := s.records.Get(ctx, req.TxID); err == nil {
		return s.replayVote(rec, req), nil
	} else if !errors.Is(err, ErrRecordMissing) {
		return nil, err
	}

	switch req.Operation {
	case model.OpDelete:
		return s.prepareDelete(ctx, req)
	default:
		return s.prepareInsert(ctx, req)
	}
}

// replayVote answers a duplicate prepare from the existing record.
func (s *Service) replayVote(rec *TxRecord, req model.PrepareRequest) *model.PrepareResponse {
	if rec.RideID != req.RideID || rec.Operation != req.Operation {
		return &model.PrepareResponse{
			Vote:   model.VoteAbort,
			Reason: fmt.Sprintf("tx %s already prepared for a different operation", req.TxID),
		}
	}
	if rec.State == RecordAborted {
		return &model.PrepareResponse{Vote: model.VoteAbort, Reason: "transaction already aborted"}
	}
	return &model.PrepareResponse{Vote: model.VoteCommit, RideData: rec.RideData}
}

func (s *Service) prepareDelete(ctx context.Context, req model.PrepareRequest) (*model.PrepareResponse, error) {
	ride, err := s.rides.PrepareHandoff(ctx, req.RideID, req.TxID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.log.WithField("tx_id", req.TxID).Warnf("prepare DELETE: ride %s not found", req.RideID)
		return &model.PrepareResponse{Vote: model.VoteAbort, Reason: abortReasonNotFound}, nil
	case errors.Is(err, store.ErrLocked):
		s.log.WithField("tx_id", req.TxID).Warnf("prepare DELETE: ride %s locked", req.RideID)
		return &model.PrepareResponse{Vote: model.VoteAbort, Reason: abortReasonLocked}, nil
	case err != nil:
		return nil, err
	}

	rec := &TxRecord{
		TxID:      req.TxID,
		RideID:    req.RideID,
		Operation: model.OpDelete,
		State:     RecordPrepared,
		RideData:  ride,
		Timestamp: time.Now().UTC(),
	}
	if err := s.records.Create(ctx, rec); err != nil {
		if errors.Is(err, ErrRecordExists) {
			// Raced with a duplicate prepare; answer from its record.
			if existing, gerr := s.records.Get(ctx, req.TxID); gerr == nil {
				return s.replayVote(existing, req), nil
			}
		}
		return nil, err
	}
	return &model.PrepareResponse{Vote: model.VoteCommit, RideData: ride}, nil
}

func (s *Service) prepareInsert(ctx context.Context, req model.PrepareRequest) (*model.PrepareResponse, error) {
	if req.RideData == nil {
		return &model.PrepareResponse{Vote: model.VoteAbort, Reason: "missing ride snapshot"}, nil
	}
	rec := &TxRecord{
		TxID:      req.TxID,
		RideID:    req.RideID,
		Operation: model.OpInsert,
		State:     RecordPrepared,
		RideData:  req.RideData.Clone(),
		Timestamp: time.Now().UTC(),
	}
	if err := s.records.Create(ctx, rec); err != nil {
		if errors.Is(err, ErrRecordExists) {
			if existing, gerr := s.records.Get(ctx, req.TxID); gerr == nil {
				return s.replayVote(existing, req), nil
			}
		}
		return nil, err
	}
	return &model.PrepareResponse{Vote: model.VoteCommit}, nil
}

// Commit applies the staged operation. Commits match the ride by both
// rideId and tx_id so a retry cannot touch an unrelated ride, and a
// second commit after success is a no-op.
func (s *Service) Commit(ctx context.Context, req model.CommitRequest) (*model.CommitResponse, error) {
	if err := validate2PC(req.RideID, req.TxID, req.Operation); err != nil {
		return nil, err
	}

	rec, err := s.records.Get(ctx, req.TxID)
	if err != nil && !errors.Is(err, ErrRecordMissing) {
		return nil, err
	}

	switch req.Operation {
	case model.OpDelete:
		deleted, err := s.rides.DeletePrepared(ctx, req.RideID, req.TxID)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			if err := s.records.SetState(ctx, req.TxID, RecordCommitted); err != nil {
				s.log.WithField("tx_id", req.TxID).Warnf("mark record committed: %v", err)
			}
		}
		return &model.CommitResponse{Status: "COMMITTED", DeletedCount: &deleted}, nil

	default: // INSERT
		doc := req.RideData
		if doc == nil && rec != nil {
			doc = rec.RideData
		}
		if doc == nil {
			return nil, &BadRequestError{Message: fmt.Sprintf("no snapshot available for tx %s", req.TxID)}
		}

		final := doc.Clone()
		final.City = s.region
		final.HandoffStatus = model.HandoffCompleted
		final.Locked = false
		final.TransactionID = ""

		insertedID, err := s.rides.Insert(ctx, final)
		if errors.Is(err, store.ErrDuplicate) {
			// Replayed commit; the earlier attempt already landed.
			existing, ferr := s.rides.FindByID(ctx, req.RideID)
			if ferr != nil {
				return nil, ferr
			}
			insertedID = existing.ID.Hex()
		} else if err != nil {
			return nil, err
		}

		if rec != nil {
			if err := s.records.SetState(ctx, req.TxID, RecordCommitted); err != nil {
				s.log.WithField("tx_id", req.TxID).Warnf("mark record committed: %v", err)
			}
		}
		return &model.CommitResponse{Status: "COMMITTED", InsertedID: insertedID}, nil
	}
}

// Abort releases everything held for txID: clears transaction fields
// on locked rides for DELETE prepares, removes tentative copies for
// INSERT prepares, and closes the record. Idempotent.
func (s *Service) Abort(ctx context.Context, txID string) (*model.AbortResponse, error) {
	if txID == "" {
		return nil, &model.ValidationError{Field: "tx_id", Message: "required"}
	}

	rec, err := s.records.Get(ctx, txID)
	if err != nil && !errors.Is(err, ErrRecordMissing) {
		return nil, err
	}

	if rec != nil && rec.Operation == model.OpInsert {
		if _, err := s.rides.RemoveTentative(ctx, txID); err != nil {
			return nil, err
		}
	} else {
		// DELETE prepare, or no record at all: unlocking is always safe.
		if _, err := s.rides.ReleaseLocks(ctx, txID); err != nil {
			return nil, err
		}
	}

	if rec != nil && rec.State != RecordCommitted {
		if err := s.records.SetState(ctx, txID, RecordAborted); err != nil {
			s.log.WithField("tx_id", txID).Warnf("mark record aborted: %v", err)
		}
	}
	return &model.AbortResponse{Status: "ABORTED"}, nil
}

// SweepStaleRecords reconciles participant records stuck in PREPARED
// longer than the grace window. With a transaction log reader the
// sweep follows the coordinator's verdict; without one it aborts.
func (s *Service) SweepStaleRecords(ctx context.Context, grace time.Duration) {
	cutoff := time.Now().UTC().Add(-grace)
	recs, err := s.records.StalePrepared(ctx, cutoff)
	if err != nil {
		s.log.Errorf("stale record scan: %v", err)
		return
	}
	for _, rec := range recs {
		s.reconcileRecord(ctx, rec)
	}
}

func (s *Service) reconcileRecord(ctx context.Context, rec TxRecord) {
	log := s.log.WithField("tx_id", rec.TxID)

	if s.tl != nil {
		tlRec, err := s.tl.Get(ctx, rec.TxID)
		switch {
		case err == nil && tlRec.Status == txlog.StatusCommitted:
			// The transaction committed globally but our local apply or
			// its acknowledgment was lost; replay it.
			if _, cerr := s.Commit(ctx, model.CommitRequest{
				RideID: rec.RideID, TxID: rec.TxID, Operation: rec.Operation,
			}); cerr != nil {
				log.Errorf("replay local commit: %v", cerr)
			} else {
				log.Info("replayed local commit for stale record")
			}
			return
		case err == nil && (tlRec.Status == txlog.StatusPrepared || tlRec.Status == txlog.StatusStarted):
			// The coordinator's recovery scan owns this one.
			return
		case err != nil && !errors.Is(err, txlog.ErrNotFound):
			log.Warnf("transaction log lookup: %v", err)
			return
		}
	}

	if _, err := s.Abort(ctx, rec.TxID); err != nil {
		log.Errorf("abort stale record: %v", err)
	} else {
		log.Info("aborted stale participant record")
	}
}

// RunSweeper periodically reconciles stale records until ctx ends.
func (s *Service) RunSweeper(ctx context.Context, interval, grace time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.SweepStaleRecords(ctx, grace)
		case <-ctx.Done():
			return
		}
	}
}
