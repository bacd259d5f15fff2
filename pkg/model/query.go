package model

import "fmt"

// ListQuery filters a ride listing within a single store.
type ListQuery struct {
	City    Region     `json:"city,omitempty"`
	Status  RideStatus `json:"status,omitempty"`
	MinFare *float64   `json:"min_fare,omitempty"`
	MaxFare *float64   `json:"max_fare,omitempty"`
	Skip    int64      `json:"skip,omitempty"`
	Limit   int64      `json:"limit,omitempty"`
}

// Scope selects the consistency/latency tradeoff of a routed read.
type Scope string

const (
	// ScopeLocal reads one region's primary view.
	ScopeLocal Scope = "local"
	// ScopeGlobalFast reads the eventually consistent global replica.
	ScopeGlobalFast Scope = "global-fast"
	// ScopeGlobalLive scatter-gathers every region and merges.
	ScopeGlobalLive Scope = "global-live"
)

const (
	// MaxSearchLimit bounds a routed read.
	MaxSearchLimit = 100
	// DefaultSearchLimit applies when the caller leaves limit unset.
	DefaultSearchLimit = 10
)

// SearchQuery is the routed-read request accepted by the coordinator.
type SearchQuery struct {
	ListQuery
	Scope Scope `json:"scope"`
}

// Normalize applies limit defaults and validates the query shape.
func (q *SearchQuery) Normalize() error {
	if q.Limit == 0 {
		q.Limit = DefaultSearchLimit
	}
	if q.Limit < 1 || q.Limit > MaxSearchLimit {
		return &ValidationError{Field: "limit", Message: fmt.Sprintf("must be in [1, %d]", MaxSearchLimit)}
	}
	if q.City != "" && !q.City.Valid() {
		return &ValidationError{Field: "city", Message: "must be PHX or LA"}
	}
	if q.Status != "" && !q.Status.Valid() {
		return &ValidationError{Field: "status", Message: "must be COMPLETED, IN_PROGRESS or CANCELLED"}
	}
	switch q.Scope {
	case ScopeLocal:
		if q.City == "" {
			return &ValidationError{Field: "city", Message: "required for local scope"}
		}
	case ScopeGlobalFast, ScopeGlobalLive:
	default:
		return &ValidationError{Field: "scope", Message: "must be local, global-fast or global-live"}
	}
	return nil
}

// RegionStats is the aggregate counter set exposed by GET /stats.
type RegionStats struct {
	Region         Region  `json:"region"`
	TotalRides     int64   `json:"total_rides"`
	ActiveRides    int64   `json:"active_rides"`
	CompletedRides int64   `json:"completed_rides"`
	CancelledRides int64   `json:"cancelled_rides"`
	TotalRevenue   float64 `json:"total_revenue"`
	AvgFare        float64 `json:"avg_fare"`
}

// RegionHealth is the GET /health payload of a regional participant.
type RegionHealth struct {
	Status           string  `json:"status"`
	Region           Region  `json:"region"`
	MongoPrimary     string  `json:"mongodb_primary"`
	MongoStatus      string  `json:"mongodb_status"`
	ReplicationLagMs *int64  `json:"replication_lag_ms,omitempty"`
	LastWrite        *string `json:"last_write,omitempty"`
	UptimeSeconds    float64 `json:"uptime_seconds"`
	Error            string  `json:"error,omitempty"`
}

const (
	HealthHealthy     = "healthy"
	HealthDegraded    = "degraded"
	HealthUnhealthy   = "unhealthy"
	HealthUnreachable = "unreachable"
)
