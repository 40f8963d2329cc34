package models

import (
	"errors"
	"testing"
)

func TestTripValidate(t *testing.T) {
	pickup := Coord{Lat: 38.89, Lon: -77.04}
	dest := Coord{Lat: 38.90, Lon: -77.03}
	cases := []struct {
		name string
		trip Trip
		ok   bool
	}{
		{"requested without driver", Trip{PassengerUID: "p", Pickup: pickup, Destination: dest}, true},
		{"accepted with driver", Trip{PassengerUID: "p", DriverUID: "d", State: TripAccepted, Pickup: pickup, Destination: dest}, true},
		{"accepted without driver", Trip{PassengerUID: "p", State: TripAccepted, Pickup: pickup, Destination: dest}, false},
		{"requested with driver", Trip{PassengerUID: "p", DriverUID: "d", Pickup: pickup, Destination: dest}, false},
		{"missing passenger", Trip{Pickup: pickup, Destination: dest}, false},
		{"bad state", Trip{PassengerUID: "p", DriverUID: "d", State: 9, Pickup: pickup, Destination: dest}, false},
		{"off the globe", Trip{PassengerUID: "p", Pickup: Coord{Lat: 91}, Destination: dest}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.trip.Validate()
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrTripInvariant) {
				t.Fatalf("expected ErrTripInvariant, got %v", err)
			}
		})
	}
}

func TestTripStateOrdering(t *testing.T) {
	s := TripRequested
	var seen []TripState
	for {
		seen = append(seen, s)
		next, ok := s.Next()
		if !ok {
			break
		}
		if next <= s {
			t.Fatalf("Next(%s) = %s moved backwards", s, next)
		}
		s = next
	}
	if len(seen) != 4 || seen[3] != TripCompleted {
		t.Fatalf("unexpected walk: %v", seen)
	}
}

func TestParseTripState(t *testing.T) {
	for _, s := range []TripState{TripRequested, TripAccepted, TripInProgress, TripCompleted} {
		got, err := ParseTripState(s.String())
		if err != nil || got != s {
			t.Fatalf("ParseTripState(%q) = %v, %v", s.String(), got, err)
		}
	}
	if _, err := ParseTripState("cancelled"); err == nil {
		t.Fatal("expected error for unknown state")
	}
}
