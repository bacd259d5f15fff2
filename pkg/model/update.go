package model

import "time"

// RideUpdate is the partial-update body accepted by PUT /rides/{id}.
// Nil fields are left untouched.
type RideUpdate struct {
	Status          *RideStatus `json:"status,omitempty"`
	Fare            *float64    `json:"fare,omitempty"`
	CurrentLocation *GeoPoint   `json:"currentLocation,omitempty"`
	EndLocation     *GeoPoint   `json:"endLocation,omitempty"`
	Timestamp       *time.Time  `json:"timestamp,omitempty"`
}

// Empty reports whether the update changes nothing.
func (u *RideUpdate) Empty() bool {
	return u.Status == nil && u.Fare == nil && u.CurrentLocation == nil &&
		u.EndLocation == nil && u.Timestamp == nil
}

// Validate checks every supplied field.
func (u *RideUpdate) Validate() error {
	if u.Status != nil && !u.Status.Valid() {
		return &ValidationError{Field: "status", Message: "must be COMPLETED, IN_PROGRESS or CANCELLED"}
	}
	if u.Fare != nil {
		if err := ValidateFare(*u.Fare); err != nil {
			return err
		}
	}
	if u.CurrentLocation != nil {
		if err := u.CurrentLocation.validate("currentLocation"); err != nil {
			return err
		}
	}
	if u.EndLocation != nil {
		if err := u.EndLocation.validate("endLocation"); err != nil {
			return err
		}
	}
	return nil
}

// Fields returns the set-field map applied by the store adapter.
func (u *RideUpdate) Fields() map[string]any {
	set := map[string]any{}
	if u.Status != nil {
		set["status"] = *u.Status
	}
	if u.Fare != nil {
		set["fare"] = RoundFare(*u.Fare)
	}
	if u.CurrentLocation != nil {
		set["currentLocation"] = *u.CurrentLocation
	}
	if u.EndLocation != nil {
		set["endLocation"] = *u.EndLocation
	}
	if u.Timestamp != nil {
		set["timestamp"] = u.Timestamp.UTC()
	}
	return set
}
