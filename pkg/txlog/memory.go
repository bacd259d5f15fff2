package txlog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/avfleet/handoff/pkg/model"
)

// MemoryLog is an in-process transaction log for tests and local runs.
type MemoryLog struct {
	mu   sync.Mutex
	recs map[string]*Record
}

// NewMemoryLog builds an empty in-memory transaction log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{recs: make(map[string]*Record)}
}

func (l *MemoryLog) Begin(ctx context.Context, rideID string, source, target model.Region) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now().UTC()
	rec := &Record{
		TxID:         uuid.NewString(),
		RideID:       rideID,
		SourceRegion: source,
		TargetRegion: target,
		Status:       StatusStarted,
		CreatedAt:    now,
		LastUpdated:  now,
		History: []HistoryEntry{{
			Status:    StatusStarted,
			Timestamp: now,
			Note:      "Transaction created",
		}},
	}
	l.recs[rec.TxID] = rec
	out := cloneRecord(rec)
	return &out, nil
}

func cloneRecord(rec *Record) Record {
	out := *rec
	out.History = append([]HistoryEntry(nil), rec.History...)
	return out
}

func (l *MemoryLog) transition(txID string, status Status, note string, latency *int64, errNote string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.recs[txID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	rec.Status = status
	rec.LastUpdated = now
	if latency != nil {
		rec.LatencyMs = *latency
	}
	if errNote != "" {
		rec.Error = errNote
	}
	rec.History = append(rec.History, HistoryEntry{Status: status, Timestamp: now, Note: note})
	return nil
}

func (l *MemoryLog) Append(ctx context.Context, txID string, status Status, note string) error {
	return l.transition(txID, status, note, nil, "")
}

func (l *MemoryLog) Commit(ctx context.Context, txID string, latencyMs int64, note string) error {
	return l.transition(txID, StatusCommitted, note, &latencyMs, "")
}

func (l *MemoryLog) Abort(ctx context.Context, txID string, note string) error {
	return l.transition(txID, StatusAborted, note, nil, note)
}

func (l *MemoryLog) Get(ctx context.Context, txID string) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.recs[txID]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneRecord(rec)
	return &out, nil
}

func (l *MemoryLog) Recent(ctx context.Context, limit int64) ([]Record, int64, error) {
	l.mu.Lock()
	recs := make([]Record, 0, len(l.recs))
	for _, r := range l.recs {
		recs = append(recs, cloneRecord(r))
	}
	l.mu.Unlock()

	sort.Slice(recs, func(i, j int) bool { return recs[i].CreatedAt.After(recs[j].CreatedAt) })
	total := int64(len(recs))
	if limit > 0 && int64(len(recs)) > limit {
		recs = recs[:limit]
	}
	return recs, total, nil
}

func (l *MemoryLog) LatestForRide(ctx context.Context, rideID string) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var latest *Record
	for _, r := range l.recs {
		if r.RideID != rideID {
			continue
		}
		if latest == nil || r.CreatedAt.After(latest.CreatedAt) {
			latest = r
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	out := cloneRecord(latest)
	return &out, nil
}

func (l *MemoryLog) Stale(ctx context.Context, status Status, before time.Time) ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := []Record{}
	for _, r := range l.recs {
		if r.Status == status && r.LastUpdated.Before(before) {
			out = append(out, cloneRecord(r))
		}
	}
	return out, nil
}
