// Package coordinator drives cross-region ride handoffs with a
// two-phase commit over the regional participants, records every
// transaction in the durable log, and hosts the health monitor, the
// recovery scanner and the query router.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/avfleet/handoff/pkg/model"
	"github.com/avfleet/handoff/pkg/txlog"
)

// RegionClient is the coordinator's view of one regional participant.
type RegionClient interface {
	Health(ctx context.Context) (*model.RegionHealth, error)
	GetRide(ctx context.Context, rideID string) (*model.Ride, error)
	ListRides(ctx context.Context, q model.ListQuery) ([]model.Ride, error)
	Stats(ctx context.Context) (*model.RegionStats, error)
	Prepare(ctx context.Context, req model.PrepareRequest) (*model.PrepareResponse, error)
	Commit(ctx context.Context, req model.CommitRequest) (*model.CommitResponse, error)
	Abort(ctx context.Context, txID string) (*model.AbortResponse, error)
}

// HealthView is the admission gate the coordinator consults before
// touching the log or either participant.
type HealthView interface {
	IsHealthy(region model.Region) bool
}

// Outcome is the terminal result of a handoff. Only its wire form is
// a string.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeAborted
	OutcomeBuffered
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "SUCCESS"
	case OutcomeAborted:
		return "ABORTED"
	default:
		return "BUFFERED"
	}
}

// Result is what the coordinator reports to its caller. PREPARED is
// never a terminal result.
type Result struct {
	Outcome   Outcome
	TxID      string
	Reason    string
	LatencyMs int64
}

// Response converts the result to its wire form.
func (r *Result) Response() *model.HandoffResponse {
	return &model.HandoffResponse{
		Status:    r.Outcome.String(),
		TxID:      r.TxID,
		Reason:    r.Reason,
		LatencyMs: r.LatencyMs,
	}
}

// Config bounds the per-call deadlines of the 2PC phases.
type Config struct {
	PrepareDeadline time.Duration
	CommitDeadline  time.Duration
}

// DefaultConfig returns the standard protocol deadlines.
func DefaultConfig() Config {
	return Config{
		PrepareDeadline: 5 * time.Second,
		CommitDeadline:  10 * time.Second,
	}
}

// Coordinator runs handoffs. One instance serves many concurrent
// transactions; per-ride serialization comes from the participant
// locks, not from the coordinator.
type Coordinator struct {
	tl      txlog.Log
	clients map[model.Region]RegionClient
	health  HealthView
	cfg     Config
	metrics *Metrics
	log     *logrus.Entry
}

// New builds a coordinator. metrics may be nil.
func New(tl txlog.Log, clients map[model.Region]RegionClient, health HealthView, cfg Config, metrics *Metrics) *Coordinator {
	return &Coordinator{
		tl:      tl,
		clients: clients,
		health:  health,
		cfg:     cfg,
		metrics: metrics,
		log:     logrus.WithField("component", "coordinator"),
	}
}

func (c *Coordinator) observe(res *Result) *Result {
	if c.metrics != nil {
		c.metrics.Handoffs.WithLabelValues(res.Outcome.String()).Inc()
		if res.Outcome == OutcomeSuccess {
			c.metrics.HandoffLatency.Observe(float64(res.LatencyMs) / 1000)
		}
	}
	return res
}

// Handoff migrates one ride from req.Source to req.Target. Once the
// transaction log holds STARTED the run always reaches a terminal
// outcome; caller cancellation does not interrupt it.
func (c *Coordinator) Handoff(ctx context.Context, req model.HandoffRequest) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	src, ok := c.clients[req.Source]
	if !ok {
		return nil, &model.ValidationError{Field: "source", Message: fmt.Sprintf("no participant configured for %s", req.Source)}
	}
	tgt, ok := c.clients[req.Target]
	if !ok {
		return nil, &model.ValidationError{Field: "target", Message: fmt.Sprintf("no participant configured for %s", req.Target)}
	}

	// Admission gate: an unreachable target means no durable work at
	// all. The caller re-submits once the target recovers.
	if !c.health.IsHealthy(req.Target) {
		c.log.WithField("rideId", req.RideID).Warnf("handoff buffered, %s unhealthy", req.Target)
		return c.observe(&Result{
			Outcome: OutcomeBuffered,
			TxID:    uuid.NewString(),
			Reason:  fmt.Sprintf("Target region %s is currently unavailable", req.Target),
		}), nil
	}

	// The run must finish even if the caller goes away.
	ctx = context.WithoutCancel(ctx)
	start := time.Now()

	rec, err := c.tl.Begin(ctx, req.RideID, req.Source, req.Target)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	txID := rec.TxID
	log := c.log.WithFields(logrus.Fields{"tx_id": txID, "rideId": req.RideID})
	log.Infof("handoff started %s -> %s", req.Source, req.Target)

	// Phase 1a: prepare the source (lock + snapshot).
	prepCtx, cancel := context.WithTimeout(ctx, c.cfg.PrepareDeadline)
	respS, err := src.Prepare(prepCtx, model.PrepareRequest{
		RideID: req.RideID, TxID: txID, Operation: model.OpDelete,
	})
	cancel()
	if err != nil {
		return c.observe(c.rollback(ctx, txID, start,
			fmt.Sprintf("source prepare failed: %v", err), req.Source, req.Target)), nil
	}
	if respS.Vote != model.VoteCommit {
		// The source never locked anything, so there is nothing to undo
		// at either participant.
		reason := abortReason(respS.Reason, req.RideID, req.Source)
		if err := c.tl.Abort(ctx, txID, reason); err != nil {
			log.Errorf("mark aborted: %v", err)
		}
		log.Warnf("aborted: %s", reason)
		return c.observe(&Result{
			Outcome: OutcomeAborted, TxID: txID, Reason: reason,
			LatencyMs: time.Since(start).Milliseconds(),
		}), nil
	}
	snapshot := respS.RideData
	if snapshot == nil {
		return c.observe(c.rollback(ctx, txID, start,
			"source prepare returned no snapshot", req.Source, req.Target)), nil
	}

	// Phase 1b: prepare the target with the snapshot.
	prepCtx, cancel = context.WithTimeout(ctx, c.cfg.PrepareDeadline)
	respT, err := tgt.Prepare(prepCtx, model.PrepareRequest{
		RideID: req.RideID, TxID: txID, Operation: model.OpInsert, RideData: snapshot,
	})
	cancel()
	if err != nil {
		return c.observe(c.rollback(ctx, txID, start,
			fmt.Sprintf("target prepare failed: %v", err), req.Source, req.Target)), nil
	}
	if respT.Vote != model.VoteCommit {
		return c.observe(c.rollback(ctx, txID, start,
			fmt.Sprintf("target region %s voted ABORT: %s", req.Target, respT.Reason),
			req.Source, req.Target)), nil
	}

	if err := c.tl.Append(ctx, txID, txlog.StatusPrepared, "Both participants voted COMMIT"); err != nil {
		// Without a durable PREPARED mark, recovery could not replay;
		// this is still a pre-PREPARED failure, so roll back.
		return c.observe(c.rollback(ctx, txID, start,
			fmt.Sprintf("transaction log update failed: %v", err), req.Source, req.Target)), nil
	}

	// Phase 2: the transaction is forward-only from here. Commit both
	// sides in parallel; individual failures are replayed by recovery.
	final := snapshot.Clone()
	final.City = req.Target
	final.HandoffStatus = model.HandoffCompleted
	final.Locked = false
	final.TransactionID = ""

	var wg sync.WaitGroup
	var errS, errT error
	wg.Add(2)
	go func() {
		defer wg.Done()
		commitCtx, cancel := context.WithTimeout(ctx, c.cfg.CommitDeadline)
		defer cancel()
		_, errS = src.Commit(commitCtx, model.CommitRequest{
			RideID: req.RideID, TxID: txID, Operation: model.OpDelete,
		})
	}()
	go func() {
		defer wg.Done()
		commitCtx, cancel := context.WithTimeout(ctx, c.cfg.CommitDeadline)
		defer cancel()
		_, errT = tgt.Commit(commitCtx, model.CommitRequest{
			RideID: req.RideID, TxID: txID, Operation: model.OpInsert, RideData: final,
		})
	}()
	wg.Wait()

	latency := time.Since(start).Milliseconds()
	if errS != nil || errT != nil {
		// Leave the log in PREPARED; the recovery scan replays the
		// commit once the participant is reachable again.
		log.Errorf("commit phase incomplete (source: %v, target: %v); recovery will replay", errS, errT)
		return c.observe(&Result{
			Outcome: OutcomeSuccess, TxID: txID,
			Reason:    "commit incomplete; recovery will finish the transfer",
			LatencyMs: latency,
		}), nil
	}

	if err := c.tl.Commit(ctx, txID, latency, "Commit completed in both regions"); err != nil {
		log.Errorf("mark committed: %v", err)
	}
	log.WithField("latency_ms", latency).Info("handoff committed")
	return c.observe(&Result{Outcome: OutcomeSuccess, TxID: txID, LatencyMs: latency}), nil
}

// abortReason turns a participant vote reason into the caller-facing
// message.
func abortReason(voteReason, rideID string, region model.Region) string {
	switch voteReason {
	case "not_found":
		return fmt.Sprintf("Ride %s not found in region %s", rideID, region)
	case "locked":
		return fmt.Sprintf("Ride %s is locked by another transaction", rideID)
	default:
		return fmt.Sprintf("source region %s voted ABORT: %s", region, voteReason)
	}
}

// rollback fans an abort out to both participants and closes the log
// record. Participant aborts are idempotent, so errors here only get
// logged.
func (c *Coordinator) rollback(ctx context.Context, txID string, start time.Time, reason string, regions ...model.Region) *Result {
	c.abortParticipants(ctx, txID, regions...)
	if err := c.tl.Abort(ctx, txID, reason); err != nil {
		c.log.WithField("tx_id", txID).Errorf("mark aborted: %v", err)
	}
	c.log.WithField("tx_id", txID).Warnf("rolled back: %s", reason)
	return &Result{
		Outcome: OutcomeAborted, TxID: txID, Reason: reason,
		LatencyMs: time.Since(start).Milliseconds(),
	}
}

func (c *Coordinator) abortParticipants(ctx context.Context, txID string, regions ...model.Region) {
	var wg sync.WaitGroup
	for _, region := range regions {
		cl, ok := c.clients[region]
		if !ok {
			continue
		}
		wg.Add(1)
		go func(region model.Region, cl RegionClient) {
			defer wg.Done()
			abortCtx, cancel := context.WithTimeout(ctx, c.cfg.CommitDeadline)
			defer cancel()
			if _, err := cl.Abort(abortCtx, txID); err != nil {
				c.log.WithField("tx_id", txID).Warnf("abort in %s failed: %v", region, err)
			}
		}(region, cl)
	}
	wg.Wait()
}
