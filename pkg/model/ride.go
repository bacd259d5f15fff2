// Package model defines the ride document, the cross-region wire types
// and the validation rules shared by the regional participants, the
// handoff coordinator and the change replicator.
package model

import (
	"fmt"
	"math"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Region identifies one of the regional shards.
type Region string

const (
	RegionPHX Region = "PHX"
	RegionLA  Region = "LA"
)

// Regions lists every regional shard in a stable order.
var Regions = []Region{RegionPHX, RegionLA}

// Valid reports whether r names a known regional shard.
func (r Region) Valid() bool {
	return r == RegionPHX || r == RegionLA
}

// RideStatus is the lifecycle state of a ride.
type RideStatus string

const (
	StatusCompleted  RideStatus = "COMPLETED"
	StatusInProgress RideStatus = "IN_PROGRESS"
	StatusCancelled  RideStatus = "CANCELLED"
)

func (s RideStatus) Valid() bool {
	switch s {
	case StatusCompleted, StatusInProgress, StatusCancelled:
		return true
	}
	return false
}

// HandoffStatus tracks a ride's position inside a cross-region
// transfer. The empty string means the ride is not part of one.
type HandoffStatus string

const (
	HandoffNone      HandoffStatus = ""
	HandoffPreparing HandoffStatus = "PREPARING"
	HandoffPrepared  HandoffStatus = "PREPARED"
	HandoffCommitted HandoffStatus = "COMMITTED"
	HandoffAborted   HandoffStatus = "ABORTED"
	HandoffCompleted HandoffStatus = "COMPLETED"
)

// GeoPoint is a WGS84 coordinate pair.
type GeoPoint struct {
	Lat float64 `json:"lat" bson:"lat"`
	Lon float64 `json:"lon" bson:"lon"`
}

// Ride is the document stored in each regional shard. The three
// transaction fields are owned by the 2PC protocol: Locked is true
// exactly while TransactionID is set and HandoffStatus is
// PREPARING or PREPARED.
type Ride struct {
	ID              primitive.ObjectID `json:"-" bson:"_id,omitempty"`
	RideID          string             `json:"rideId" bson:"rideId"`
	VehicleID       string             `json:"vehicleId" bson:"vehicleId"`
	CustomerID      string             `json:"customerId" bson:"customerId"`
	Status          RideStatus         `json:"status" bson:"status"`
	City            Region             `json:"city" bson:"city"`
	Fare            float64            `json:"fare" bson:"fare"`
	StartLocation   GeoPoint           `json:"startLocation" bson:"startLocation"`
	CurrentLocation GeoPoint           `json:"currentLocation" bson:"currentLocation"`
	EndLocation     GeoPoint           `json:"endLocation" bson:"endLocation"`
	Timestamp       time.Time          `json:"timestamp" bson:"timestamp"`
	HandoffStatus   HandoffStatus      `json:"handoff_status,omitempty" bson:"handoff_status,omitempty"`
	Locked          bool               `json:"locked" bson:"locked"`
	TransactionID   string             `json:"transaction_id,omitempty" bson:"transaction_id,omitempty"`
}

// Clone returns a deep copy of the ride with the storage identity
// dropped, ready for insertion into another shard.
func (r *Ride) Clone() *Ride {
	c := *r
	c.ID = primitive.NilObjectID
	return &c
}

var (
	rideIDPattern     = regexp.MustCompile(`^R-\d+$`)
	vehicleIDPattern  = regexp.MustCompile(`^AV-\d+$`)
	customerIDPattern = regexp.MustCompile(`^C-\d+$`)
)

// ValidRideID reports whether id matches the R-<digits> format.
func ValidRideID(id string) bool { return rideIDPattern.MatchString(id) }

const (
	// MinChargedFare is the lowest fare a caller may charge. A fare of
	// exactly zero is still admitted as the promotional special case.
	MinChargedFare = 5.00
	// MaxFare is the upper bound on any fare.
	MaxFare = 1000.0
)

// RoundFare rounds a fare to two decimal places.
func RoundFare(f float64) float64 {
	return math.Round(f*100) / 100
}

// ValidationError describes a rejected field. It maps to a 4xx
// response and is never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (p GeoPoint) validate(field string) error {
	if p.Lat < -90 || p.Lat > 90 {
		return &ValidationError{Field: field, Message: fmt.Sprintf("latitude %v out of range [-90, 90]", p.Lat)}
	}
	if p.Lon < -180 || p.Lon > 180 {
		return &ValidationError{Field: field, Message: fmt.Sprintf("longitude %v out of range [-180, 180]", p.Lon)}
	}
	return nil
}

// Validate checks every caller-supplied field of a new ride.
func (r *Ride) Validate() error {
	if !rideIDPattern.MatchString(r.RideID) {
		return &ValidationError{Field: "rideId", Message: "must match R-<digits>"}
	}
	if !vehicleIDPattern.MatchString(r.VehicleID) {
		return &ValidationError{Field: "vehicleId", Message: "must match AV-<digits>"}
	}
	if !customerIDPattern.MatchString(r.CustomerID) {
		return &ValidationError{Field: "customerId", Message: "must match C-<digits>"}
	}
	if !r.Status.Valid() {
		return &ValidationError{Field: "status", Message: "must be COMPLETED, IN_PROGRESS or CANCELLED"}
	}
	if !r.City.Valid() {
		return &ValidationError{Field: "city", Message: "must be PHX or LA"}
	}
	if err := ValidateFare(r.Fare); err != nil {
		return err
	}
	if err := r.StartLocation.validate("startLocation"); err != nil {
		return err
	}
	if err := r.CurrentLocation.validate("currentLocation"); err != nil {
		return err
	}
	if err := r.EndLocation.validate("endLocation"); err != nil {
		return err
	}
	return nil
}

// ValidateFare enforces the fare bounds. Zero is the free promotional
// fare; anything else below the charged minimum is rejected.
func ValidateFare(fare float64) error {
	if fare < 0 || fare > MaxFare {
		return &ValidationError{Field: "fare", Message: fmt.Sprintf("%v out of range [0, %v]", fare, MaxFare)}
	}
	if fare != 0 && fare < MinChargedFare {
		return &ValidationError{Field: "fare", Message: fmt.Sprintf("%v below minimum charged fare %.2f", fare, MinChargedFare)}
	}
	return nil
}
