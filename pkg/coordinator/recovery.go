package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/avfleet/handoff/pkg/model"
	"github.com/avfleet/handoff/pkg/txlog"
)

// Recovery reclaims transactions a crashed coordinator left behind.
// STARTED records older than the grace window are aborted; PREPARED
// records are forward-only and have their commit phase replayed.
type Recovery struct {
	tl       txlog.Log
	clients  map[model.Region]RegionClient
	grace    time.Duration
	interval time.Duration
	deadline time.Duration
	metrics  *Metrics
	log      *logrus.Entry
}

// NewRecovery builds the scanner. metrics may be nil.
func NewRecovery(tl txlog.Log, clients map[model.Region]RegionClient, grace, interval time.Duration, metrics *Metrics) *Recovery {
	return &Recovery{
		tl:       tl,
		clients:  clients,
		grace:    grace,
		interval: interval,
		deadline: 10 * time.Second,
		metrics:  metrics,
		log:      logrus.WithField("component", "recovery"),
	}
}

// Run scans immediately (the restart case) and then on the interval.
func (r *Recovery) Run(ctx context.Context) {
	r.log.Infof("recovery scanner started, grace %s", r.grace)
	r.RunOnce(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.RunOnce(ctx)
		case <-ctx.Done():
			r.log.Info("recovery scanner stopped")
			return
		}
	}
}

// RunOnce performs a single scan over both stuck states.
func (r *Recovery) RunOnce(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-r.grace)

	started, err := r.tl.Stale(ctx, txlog.StatusStarted, cutoff)
	if err != nil {
		r.log.Errorf("scan STARTED: %v", err)
	}
	for _, rec := range started {
		r.abortStale(ctx, rec)
	}

	prepared, err := r.tl.Stale(ctx, txlog.StatusPrepared, cutoff)
	if err != nil {
		r.log.Errorf("scan PREPARED: %v", err)
	}
	for _, rec := range prepared {
		r.replayCommit(ctx, rec)
	}
}

func (r *Recovery) abortStale(ctx context.Context, rec txlog.Record) {
	log := r.log.WithField("tx_id", rec.TxID)
	var wg sync.WaitGroup
	for _, region := range []model.Region{rec.SourceRegion, rec.TargetRegion} {
		cl, ok := r.clients[region]
		if !ok {
			continue
		}
		wg.Add(1)
		go func(region model.Region, cl RegionClient) {
			defer wg.Done()
			abortCtx, cancel := context.WithTimeout(ctx, r.deadline)
			defer cancel()
			if _, err := cl.Abort(abortCtx, rec.TxID); err != nil {
				log.Warnf("abort in %s: %v", region, err)
			}
		}(region, cl)
	}
	wg.Wait()

	if err := r.tl.Abort(ctx, rec.TxID, "recovered: aborted stale STARTED transaction"); err != nil {
		log.Errorf("mark aborted: %v", err)
		return
	}
	log.Info("recovered stale STARTED transaction")
	if r.metrics != nil {
		r.metrics.Recovered.WithLabelValues("aborted").Inc()
	}
}

// replayCommit re-runs the commit phase. The target participant keeps
// the ride snapshot in its own record, so no ride data travels here.
func (r *Recovery) replayCommit(ctx context.Context, rec txlog.Record) {
	log := r.log.WithField("tx_id", rec.TxID)
	src, srcOK := r.clients[rec.SourceRegion]
	tgt, tgtOK := r.clients[rec.TargetRegion]
	if !srcOK || !tgtOK {
		log.Errorf("no client for %s or %s", rec.SourceRegion, rec.TargetRegion)
		return
	}

	var wg sync.WaitGroup
	var errS, errT error
	wg.Add(2)
	go func() {
		defer wg.Done()
		commitCtx, cancel := context.WithTimeout(ctx, r.deadline)
		defer cancel()
		_, errS = src.Commit(commitCtx, model.CommitRequest{
			RideID: rec.RideID, TxID: rec.TxID, Operation: model.OpDelete,
		})
	}()
	go func() {
		defer wg.Done()
		commitCtx, cancel := context.WithTimeout(ctx, r.deadline)
		defer cancel()
		_, errT = tgt.Commit(commitCtx, model.CommitRequest{
			RideID: rec.RideID, TxID: rec.TxID, Operation: model.OpInsert,
		})
	}()
	wg.Wait()

	if errS != nil || errT != nil {
		// Still PREPARED; the next scan tries again.
		log.Warnf("replay incomplete (source: %v, target: %v)", errS, errT)
		return
	}

	latency := time.Since(rec.CreatedAt).Milliseconds()
	if err := r.tl.Commit(ctx, rec.TxID, latency, "recovered: replayed commit phase"); err != nil {
		log.Errorf("mark committed: %v", err)
		return
	}
	log.Info("recovered PREPARED transaction")
	if r.metrics != nil {
		r.metrics.Recovered.WithLabelValues("committed").Inc()
	}
}
