package model

import (
	"testing"
	"time"
)

func validRide() *Ride {
	return &Ride{
		RideID:          "R-100001",
		VehicleID:       "AV-42",
		CustomerID:      "C-7",
		Status:          StatusInProgress,
		City:            RegionPHX,
		Fare:            23.5,
		StartLocation:   GeoPoint{Lat: 33.45, Lon: -112.07},
		CurrentLocation: GeoPoint{Lat: 33.5, Lon: -112.0},
		EndLocation:     GeoPoint{Lat: 34.05, Lon: -118.24},
		Timestamp:       time.Now().UTC(),
	}
}

func TestRideValidate(t *testing.T) {
	if err := validRide().Validate(); err != nil {
		t.Fatalf("valid ride rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Ride)
	}{
		{"bad ride id", func(r *Ride) { r.RideID = "RIDE-1" }},
		{"bad vehicle id", func(r *Ride) { r.VehicleID = "V-1" }},
		{"bad customer id", func(r *Ride) { r.CustomerID = "CUST1" }},
		{"bad status", func(r *Ride) { r.Status = "PAUSED" }},
		{"bad city", func(r *Ride) { r.City = "SF" }},
		{"fare negative", func(r *Ride) { r.Fare = -1 }},
		{"fare above max", func(r *Ride) { r.Fare = 1000.01 }},
		{"fare below minimum", func(r *Ride) { r.Fare = 4.99 }},
		{"latitude above range", func(r *Ride) { r.StartLocation.Lat = 90.0001 }},
		{"latitude below range", func(r *Ride) { r.CurrentLocation.Lat = -90.0001 }},
		{"longitude above range", func(r *Ride) { r.EndLocation.Lon = 180.0001 }},
		{"longitude below range", func(r *Ride) { r.EndLocation.Lon = -180.0001 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ride := validRide()
			tt.mutate(ride)
			err := ride.Validate()
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if _, ok := err.(*ValidationError); !ok {
				t.Fatalf("expected *ValidationError, got %T", err)
			}
		})
	}
}

func TestRideValidateBoundaries(t *testing.T) {
	ride := validRide()
	ride.StartLocation = GeoPoint{Lat: 90, Lon: 180}
	ride.CurrentLocation = GeoPoint{Lat: -90, Lon: -180}
	if err := ride.Validate(); err != nil {
		t.Fatalf("boundary coordinates rejected: %v", err)
	}

	// Zero fare is the promotional special case.
	ride.Fare = 0
	if err := ride.Validate(); err != nil {
		t.Fatalf("zero fare rejected: %v", err)
	}
	ride.Fare = 5.00
	if err := ride.Validate(); err != nil {
		t.Fatalf("minimum fare rejected: %v", err)
	}
	ride.Fare = 1000
	if err := ride.Validate(); err != nil {
		t.Fatalf("maximum fare rejected: %v", err)
	}
}

func TestRoundFare(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{23.456, 23.46},
		{23.454, 23.45},
		{5, 5},
		{0.005, 0.01},
	}
	for _, tt := range tests {
		if got := RoundFare(tt.in); got != tt.want {
			t.Errorf("RoundFare(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestHandoffRequestValidate(t *testing.T) {
	req := HandoffRequest{RideID: "R-1", Source: RegionPHX, Target: RegionLA}
	if err := req.Validate(); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}

	tests := []struct {
		name string
		req  HandoffRequest
	}{
		{"same source and target", HandoffRequest{RideID: "R-1", Source: RegionPHX, Target: RegionPHX}},
		{"bad ride id", HandoffRequest{RideID: "X-1", Source: RegionPHX, Target: RegionLA}},
		{"bad source", HandoffRequest{RideID: "R-1", Source: "NYC", Target: RegionLA}},
		{"bad target", HandoffRequest{RideID: "R-1", Source: RegionPHX, Target: ""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.req.Validate(); err == nil {
				t.Fatal("expected validation error, got nil")
			}
		})
	}
}

func TestSearchQueryNormalize(t *testing.T) {
	q := SearchQuery{Scope: ScopeGlobalLive}
	if err := q.Normalize(); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if q.Limit != DefaultSearchLimit {
		t.Fatalf("default limit = %d, want %d", q.Limit, DefaultSearchLimit)
	}

	q = SearchQuery{Scope: ScopeLocal}
	if err := q.Normalize(); err == nil {
		t.Fatal("local scope without city should fail")
	}

	q = SearchQuery{Scope: ScopeGlobalFast, ListQuery: ListQuery{Limit: 101}}
	if err := q.Normalize(); err == nil {
		t.Fatal("limit above 100 should fail")
	}

	q = SearchQuery{Scope: "everywhere"}
	if err := q.Normalize(); err == nil {
		t.Fatal("unknown scope should fail")
	}
}

func TestRideUpdate(t *testing.T) {
	var u RideUpdate
	if !u.Empty() {
		t.Fatal("zero update should be empty")
	}

	bad := RideStatus("NOPE")
	u = RideUpdate{Status: &bad}
	if err := u.Validate(); err == nil {
		t.Fatal("invalid status should fail")
	}

	fare := 12.345
	status := StatusCompleted
	u = RideUpdate{Status: &status, Fare: &fare}
	if err := u.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	fields := u.Fields()
	if fields["fare"] != 12.35 {
		t.Fatalf("fare not rounded: %v", fields["fare"])
	}
	if fields["status"] != StatusCompleted {
		t.Fatalf("status = %v", fields["status"])
	}
}
