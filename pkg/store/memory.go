package store

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/avfleet/handoff/pkg/model"
)

// MemoryRides is an in-process RideStore with the same atomicity
// contract as the Mongo adapter. It backs the test suites and local
// development without a replica set.
type MemoryRides struct {
	region model.Region

	mu   sync.Mutex
	docs map[string]*model.Ride // keyed by rideId
	seq  int64
	subs map[int64]chan ChangeEvent
	next int64
}

// NewMemoryRides builds an empty in-memory regional store.
func NewMemoryRides(region model.Region) *MemoryRides {
	return &MemoryRides{
		region: region,
		docs:   make(map[string]*model.Ride),
		subs:   make(map[int64]chan ChangeEvent),
	}
}

func (s *MemoryRides) Region() model.Region { return s.region }

func (s *MemoryRides) emit(op OpType, ride *model.Ride, id any) {
	s.seq++
	ev := ChangeEvent{Op: op, DocumentID: id, Token: s.seq}
	if ride != nil && op != OpDelete {
		copy := *ride
		ev.FullDocument = &copy
	}
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default: // slow subscriber loses the event, as a real feed would on buffer overrun
		}
	}
}

func (s *MemoryRides) FindByID(ctx context.Context, rideID string) (*model.Ride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ride, ok := s.docs[rideID]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *ride
	return &copy, nil
}

func matches(r *model.Ride, q model.ListQuery) bool {
	if q.City != "" && r.City != q.City {
		return false
	}
	if q.Status != "" && r.Status != q.Status {
		return false
	}
	if q.MinFare != nil && r.Fare < *q.MinFare {
		return false
	}
	if q.MaxFare != nil && r.Fare > *q.MaxFare {
		return false
	}
	return true
}

func sortByTimestampDesc(rides []model.Ride) {
	sort.SliceStable(rides, func(i, j int) bool {
		return rides[i].Timestamp.After(rides[j].Timestamp)
	})
}

func (s *MemoryRides) List(ctx context.Context, q model.ListQuery) ([]model.Ride, error) {
	s.mu.Lock()
	out := []model.Ride{}
	for _, r := range s.docs {
		if matches(r, q) {
			out = append(out, *r)
		}
	}
	s.mu.Unlock()

	sortByTimestampDesc(out)
	if q.Skip > 0 {
		if q.Skip >= int64(len(out)) {
			return []model.Ride{}, nil
		}
		out = out[q.Skip:]
	}
	if q.Limit > 0 && int64(len(out)) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *MemoryRides) All(ctx context.Context) ([]model.Ride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Ride, 0, len(s.docs))
	for _, r := range s.docs {
		out = append(out, *r)
	}
	return out, nil
}

func (s *MemoryRides) Insert(ctx context.Context, ride *model.Ride) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[ride.RideID]; ok {
		return "", ErrDuplicate
	}
	if ride.ID.IsZero() {
		ride.ID = primitive.NewObjectID()
	}
	copy := *ride
	s.docs[ride.RideID] = &copy
	s.emit(OpInsert, &copy, copy.ID)
	return ride.ID.Hex(), nil
}

func (s *MemoryRides) Update(ctx context.Context, rideID string, set map[string]any) (*model.Ride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ride, ok := s.docs[rideID]
	if !ok {
		return nil, ErrNotFound
	}
	applyFields(ride, set)
	s.emit(OpUpdate, ride, ride.ID)
	copy := *ride
	return &copy, nil
}

// applyFields mirrors the $set vocabulary the services actually use.
func applyFields(r *model.Ride, set map[string]any) {
	for k, v := range set {
		switch k {
		case "status":
			r.Status = model.RideStatus(fmt.Sprint(v))
		case "fare":
			if f, ok := v.(float64); ok {
				r.Fare = f
			}
		case "city":
			r.City = model.Region(fmt.Sprint(v))
		case "locked":
			if b, ok := v.(bool); ok {
				r.Locked = b
			}
		case "transaction_id":
			if v == nil {
				r.TransactionID = ""
			} else {
				r.TransactionID = fmt.Sprint(v)
			}
		case "handoff_status":
			if v == nil {
				r.HandoffStatus = model.HandoffNone
			} else {
				r.HandoffStatus = model.HandoffStatus(fmt.Sprint(v))
			}
		case "currentLocation":
			if p, ok := v.(model.GeoPoint); ok {
				r.CurrentLocation = p
			}
		case "endLocation":
			if p, ok := v.(model.GeoPoint); ok {
				r.EndLocation = p
			}
		case "timestamp":
			if t, ok := v.(time.Time); ok {
				r.Timestamp = t
			}
		}
	}
}

func (s *MemoryRides) Delete(ctx context.Context, rideID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ride, ok := s.docs[rideID]
	if !ok {
		return ErrNotFound
	}
	delete(s.docs, rideID)
	s.emit(OpDelete, nil, ride.ID)
	return nil
}

func (s *MemoryRides) Count(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.docs)), nil
}

func (s *MemoryRides) Stats(ctx context.Context) (*model.RegionStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := &model.RegionStats{Region: s.region}
	for _, r := range s.docs {
		stats.TotalRides++
		stats.TotalRevenue += r.Fare
		switch r.Status {
		case model.StatusInProgress:
			stats.ActiveRides++
		case model.StatusCompleted:
			stats.CompletedRides++
		case model.StatusCancelled:
			stats.CancelledRides++
		}
	}
	if stats.TotalRides > 0 {
		stats.AvgFare = math.Round(stats.TotalRevenue/float64(stats.TotalRides)*100) / 100
	}
	stats.TotalRevenue = math.Round(stats.TotalRevenue*100) / 100
	return stats, nil
}

func (s *MemoryRides) PrepareHandoff(ctx context.Context, rideID, txID string) (*model.Ride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ride, ok := s.docs[rideID]
	if !ok {
		return nil, ErrNotFound
	}
	if ride.Locked {
		if ride.TransactionID == txID {
			copy := *ride
			return &copy, nil
		}
		return nil, ErrLocked
	}
	ride.Locked = true
	ride.TransactionID = txID
	ride.HandoffStatus = model.HandoffPreparing
	s.emit(OpUpdate, ride, ride.ID)
	copy := *ride
	return &copy, nil
}

func (s *MemoryRides) DeletePrepared(ctx context.Context, rideID, txID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ride, ok := s.docs[rideID]
	if !ok || ride.TransactionID != txID {
		return 0, nil
	}
	delete(s.docs, rideID)
	s.emit(OpDelete, nil, ride.ID)
	return 1, nil
}

func (s *MemoryRides) ReleaseLocks(ctx context.Context, txID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, ride := range s.docs {
		if ride.TransactionID == txID {
			ride.Locked = false
			ride.TransactionID = ""
			ride.HandoffStatus = model.HandoffNone
			s.emit(OpUpdate, ride, ride.ID)
			n++
		}
	}
	return n, nil
}

func (s *MemoryRides) RemoveTentative(ctx context.Context, txID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, ride := range s.docs {
		if ride.TransactionID == txID {
			delete(s.docs, id)
			s.emit(OpDelete, nil, ride.ID)
			n++
		}
	}
	return n, nil
}

func (s *MemoryRides) Probe(ctx context.Context) (*HealthInfo, error) {
	lag := int64(0)
	now := time.Now().UTC()
	return &HealthInfo{Primary: "memory:0", State: "PRIMARY", ReplicationLagMs: &lag, LastWrite: &now}, nil
}

// Watch subscribes to the store's change feed. The resume token is the
// in-memory sequence number; events emitted before subscription are
// not replayed.
func (s *MemoryRides) Watch(ctx context.Context, resumeAfter any) (ChangeStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next
	s.next++
	ch := make(chan ChangeEvent, 256)
	s.subs[id] = ch
	return &memoryChangeStream{store: s, id: id, ch: ch}, nil
}

type memoryChangeStream struct {
	store *MemoryRides
	id    int64
	ch    chan ChangeEvent
}

func (m *memoryChangeStream) Next(ctx context.Context) (*ChangeEvent, error) {
	select {
	case ev := <-m.ch:
		return &ev, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *memoryChangeStream) Close(ctx context.Context) error {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	delete(m.store.subs, m.id)
	return nil
}

// MemoryGlobal is the in-memory counterpart of the global replica.
type MemoryGlobal struct {
	mu   sync.Mutex
	docs map[string]model.Ride // keyed by document id
}

// NewMemoryGlobal builds an empty in-memory global store.
func NewMemoryGlobal() *MemoryGlobal {
	return &MemoryGlobal{docs: make(map[string]model.Ride)}
}

func key(id any) string { return fmt.Sprint(id) }

func (g *MemoryGlobal) ApplyInsert(ctx context.Context, ride *model.Ride) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	k := key(ride.ID)
	if _, ok := g.docs[k]; ok {
		return nil
	}
	g.docs[k] = *ride
	return nil
}

func (g *MemoryGlobal) ApplyReplace(ctx context.Context, id any, ride *model.Ride) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.docs[key(id)] = *ride
	return nil
}

func (g *MemoryGlobal) ApplyDelete(ctx context.Context, id any) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.docs, key(id))
	return nil
}

func (g *MemoryGlobal) SeedMany(ctx context.Context, rides []model.Ride) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, r := range rides {
		k := key(r.ID)
		if _, ok := g.docs[k]; !ok {
			g.docs[k] = r
		}
	}
	return nil
}

func (g *MemoryGlobal) List(ctx context.Context, q model.ListQuery) ([]model.Ride, error) {
	g.mu.Lock()
	out := []model.Ride{}
	for _, r := range g.docs {
		if matches(&r, q) {
			out = append(out, r)
		}
	}
	g.mu.Unlock()

	sortByTimestampDesc(out)
	if q.Limit > 0 && int64(len(out)) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (g *MemoryGlobal) Count(ctx context.Context) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return int64(len(g.docs)), nil
}

func (g *MemoryGlobal) Clear(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.docs = make(map[string]model.Ride)
	return nil
}
