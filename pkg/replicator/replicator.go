// Package replicator feeds committed regional mutations into the
// global read replica. One long-running loop per source region tails
// the change feed with after-image lookup and applies each event
// idempotently; a lost subscription reconnects from the last observed
// resume token.
package replicator

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/avfleet/handoff/pkg/model"
	"github.com/avfleet/handoff/pkg/store"
)

// Mode selects whether an initial full copy precedes streaming.
type Mode string

const (
	// ModeInitialStream seeds the global replica from each region
	// before opening the streams, when the replica is empty or a
	// re-seed is requested.
	ModeInitialStream Mode = "initial+stream"
	// ModeStreamOnly skips the initial copy.
	ModeStreamOnly Mode = "stream_only"
)

// Source is one region's feed into the replicator.
type Source struct {
	Region  model.Region
	Rides   store.RideStore
	Watcher store.ChangeWatcher
}

const (
	minBackoff = time.Second
	maxBackoff = 30 * time.Second
)

// Replicator drives all region streams.
type Replicator struct {
	sources []Source
	global  store.GlobalStore
	mode    Mode
	reseed  bool
	log     *logrus.Entry
}

// New builds a replicator. In ModeInitialStream, reseed forces a
// wipe-and-copy of the global replica even when it already holds
// data; ModeStreamOnly ignores reseed.
func New(sources []Source, global store.GlobalStore, mode Mode, reseed bool) *Replicator {
	return &Replicator{
		sources: sources,
		global:  global,
		mode:    mode,
		reseed:  reseed,
		log:     logrus.WithField("component", "replicator"),
	}
}

// Run performs the initial sync when called for, then streams every
// region until ctx ends.
func (r *Replicator) Run(ctx context.Context) error {
	if r.mode == ModeInitialStream {
		if err := r.maybeInitialSync(ctx); err != nil {
			return err
		}
	}

	var wg sync.WaitGroup
	for _, src := range r.sources {
		wg.Add(1)
		go func(src Source) {
			defer wg.Done()
			r.stream(ctx, src)
		}(src)
	}
	wg.Wait()
	return nil
}

func (r *Replicator) maybeInitialSync(ctx context.Context) error {
	count, err := r.global.Count(ctx)
	if err != nil {
		return err
	}
	if count > 0 && !r.reseed {
		r.log.Infof("global replica already holds %d rides, skipping initial sync", count)
		return nil
	}
	if r.reseed && count > 0 {
		r.log.Warnf("re-seed requested, clearing %d rides from global replica", count)
		if err := r.global.Clear(ctx); err != nil {
			return err
		}
	}

	for _, src := range r.sources {
		rides, err := src.Rides.All(ctx)
		if err != nil {
			return err
		}
		if err := r.global.SeedMany(ctx, rides); err != nil {
			return err
		}
		r.log.Infof("copied %d rides from %s", len(rides), src.Region)
	}
	return nil
}

// stream tails one region's feed forever, reconnecting with bounded
// backoff and resuming from the last token the feed reported.
func (r *Replicator) stream(ctx context.Context, src Source) {
	log := r.log.WithField("region", src.Region)
	var resume any
	backoff := minBackoff

	for ctx.Err() == nil {
		cs, err := src.Watcher.Watch(ctx, resume)
		if err != nil {
			log.Warnf("open change feed: %v (retrying in %s)", err, backoff)
			if !sleep(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			// A token the store no longer remembers would fail every
			// reconnect; fall back to the live position.
			resume = nil
			continue
		}
		backoff = minBackoff
		log.Info("change feed open")

		for {
			ev, err := cs.Next(ctx)
			if err != nil {
				_ = cs.Close(context.Background())
				if ctx.Err() != nil {
					return
				}
				log.Warnf("change feed lost: %v (reconnecting in %s)", err, backoff)
				if !sleep(ctx, backoff) {
					return
				}
				backoff = nextBackoff(backoff)
				break
			}
			if err := r.apply(ctx, ev); err != nil {
				// Per-event failures are logged and skipped; the feed
				// keeps moving.
				log.Warnf("apply %s for %v: %v", ev.Op, ev.DocumentID, err)
			}
			resume = ev.Token
		}
	}
}

func (r *Replicator) apply(ctx context.Context, ev *store.ChangeEvent) error {
	switch ev.Op {
	case store.OpInsert:
		if ev.FullDocument == nil {
			r.log.Warnf("insert event without document for %v, skipping", ev.DocumentID)
			return nil
		}
		return r.global.ApplyInsert(ctx, ev.FullDocument)
	case store.OpUpdate, store.OpReplace:
		if ev.FullDocument == nil {
			// The document vanished between the update and the
			// after-image lookup; the delete event will follow.
			return nil
		}
		return r.global.ApplyReplace(ctx, ev.DocumentID, ev.FullDocument)
	case store.OpDelete:
		return r.global.ApplyDelete(ctx, ev.DocumentID)
	default:
		return nil
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}
