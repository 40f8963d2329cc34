package models

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Coord is a WGS84 point in decimal degrees.
type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the coordinate lies on the globe.
func (c Coord) Valid() bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

// AccountType is stored as an int under users/{uid}: 0=passenger, 1=driver.
type AccountType int

const (
	AccountPassenger AccountType = iota
	AccountDriver
)

func (a AccountType) Valid() bool { return a == AccountPassenger || a == AccountDriver }

func (a AccountType) String() string {
	switch a {
	case AccountPassenger:
		return "passenger"
	case AccountDriver:
		return "driver"
	default:
		return fmt.Sprintf("AccountType(%d)", int(a))
	}
}

type User struct {
	UID         string      `json:"uid"`
	Email       string      `json:"email"`
	Name        string      `json:"name"`
	AccountType AccountType `json:"accountType"`
	Location    *Coord      `json:"location,omitempty"` // drivers only
	PushToken   string      `json:"pushToken,omitempty"`
}

func (u User) IsDriver() bool { return u.AccountType == AccountDriver }

// TripState is ordered; a trip only ever moves forward through it.
type TripState int

const (
	TripRequested TripState = iota
	TripAccepted
	TripInProgress
	TripCompleted
)

var tripStateNames = [...]string{"requested", "accepted", "inProgress", "completed"}

func (s TripState) Valid() bool { return s >= TripRequested && s <= TripCompleted }

func (s TripState) String() string {
	if !s.Valid() {
		return fmt.Sprintf("TripState(%d)", int(s))
	}
	return tripStateNames[s]
}

// Next returns the state following s, or false when s is terminal.
func (s TripState) Next() (TripState, bool) {
	if !s.Valid() || s == TripCompleted {
		return s, false
	}
	return s + 1, true
}

func ParseTripState(v string) (TripState, error) {
	for i, n := range tripStateNames {
		if n == v {
			return TripState(i), nil
		}
	}
	return 0, fmt.Errorf("unknown trip state %q", v)
}

// Trip is keyed by PassengerUID; at most one exists per passenger.
type Trip struct {
	PassengerUID string    `json:"passengerUid"`
	DriverUID    string    `json:"driverUid,omitempty"`
	Pickup       Coord     `json:"pickupCoordinates"`
	Destination  Coord     `json:"destinationCoordinates"`
	State        TripState `json:"state"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

var ErrTripInvariant = errors.New("trip invariant violated")

// Validate checks the record-level invariants every stored trip must satisfy.
// A trip without a driver is always requested and a requested trip never has one.
func (t *Trip) Validate() error {
	switch {
	case t.PassengerUID == "":
		return fmt.Errorf("%w: missing passenger uid", ErrTripInvariant)
	case !t.State.Valid():
		return fmt.Errorf("%w: bad state %d", ErrTripInvariant, int(t.State))
	case t.DriverUID == "" && t.State != TripRequested:
		return fmt.Errorf("%w: state %s without driver", ErrTripInvariant, t.State)
	case t.DriverUID != "" && t.State == TripRequested:
		return fmt.Errorf("%w: requested trip has driver %s", ErrTripInvariant, t.DriverUID)
	case !t.Pickup.Valid() || !t.Destination.Valid():
		return fmt.Errorf("%w: bad coordinates", ErrTripInvariant)
	}
	return nil
}

// Active reports whether a driver is committed to the trip and it has not finished.
func (t *Trip) Active() bool {
	return t.State == TripAccepted || t.State == TripInProgress
}

type EventKind string

const (
	EventAdded   EventKind = "added"
	EventChanged EventKind = "changed"
	EventRemoved EventKind = "removed"
)

// TripEvent is one change notification for trips/{PassengerUID}. Trip is the
// full snapshot after the change and nil for removals.
type TripEvent struct {
	ID           string    `json:"id"`
	Kind         EventKind `json:"kind"`
	PassengerUID string    `json:"passengerUid"`
	Trip         *Trip     `json:"trip,omitempty"`
	At           time.Time `json:"at"`
}

// DriverLocation is a driver's position in the geo index.
type DriverLocation struct {
	UID     string    `json:"uid"`
	Loc     Coord     `json:"loc"`
	Online  bool      `json:"online"`
	Updated time.Time `json:"updated"`
}

// Offer is what a nearby driver is shown for a newly requested trip.
type Offer struct {
	PassengerUID string  `json:"passengerUid"`
	Pickup       Coord   `json:"pickup"`
	Destination  Coord   `json:"destination"`
	DistanceKm   float64 `json:"distanceKm"`
	ETASeconds   float64 `json:"etaSeconds"`
}
