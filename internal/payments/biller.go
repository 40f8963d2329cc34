// Package payments holds the fare for a trip while it runs.
package payments

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
)

// Processor is the hold/capture/cancel surface of a card processor.
type Processor interface {
	Hold(ctx context.Context, amount int64, currency string, metadata map[string]string) (string, error)
	Capture(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error
}

// Fare prices a trip as a base amount plus a per-km rate on the straight-line
// distance between pickup and destination.
type Fare struct {
	BaseCents  int64
	PerKmCents int64
	Currency   string
}

func (f Fare) Quote(pickup, destination models.Coord) int64 {
	km := geo.DistanceKm(pickup, destination)
	return f.BaseCents + int64(math.Round(km*float64(f.PerKmCents)))
}

// Biller places a hold when a driver accepts, captures it when the trip
// completes, and releases it when an accepted trip is cancelled. It is a
// trips hook.
type Biller struct {
	proc   Processor
	fare   Fare
	logger *slog.Logger

	mu    sync.Mutex
	holds map[string]string // passenger uid -> payment intent

	// inFlight marks passengers whose hold has not returned yet; the value
	// turns true when their trip is removed before it does.
	inFlight map[string]bool
}

func NewBiller(p Processor, fare Fare, logger *slog.Logger) *Biller {
	return &Biller{proc: p, fare: fare, logger: logging.OrNop(logger), holds: make(map[string]string), inFlight: make(map[string]bool)}
}

// Hold returns the payment intent held for the passenger's trip, if any.
func (b *Biller) Hold(passengerUID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.holds[passengerUID]
	return id, ok
}

func (b *Biller) take(passengerUID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.holds[passengerUID]
	delete(b.holds, passengerUID)
	return id, ok
}

// settle records a finished hold. It reports false when the trip was removed
// while the hold was in flight, and the hold must be released instead.
func (b *Biller) settle(passengerUID, id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := b.inFlight[passengerUID]
	delete(b.inFlight, passengerUID)
	if removed || id == "" {
		return false
	}
	b.holds[passengerUID] = id
	return true
}

// takeOnRemoval is take for a removed trip; a hold still in flight is marked
// so settle releases it.
func (b *Biller) takeOnRemoval(passengerUID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.inFlight[passengerUID]; ok {
		b.inFlight[passengerUID] = true
	}
	id, ok := b.holds[passengerUID]
	delete(b.holds, passengerUID)
	return id, ok
}

func (b *Biller) release(ctx context.Context, passengerUID, id string) {
	if err := b.proc.Cancel(ctx, id); err != nil {
		b.logger.Error("fare release failed", "passenger_uid", passengerUID, "payment_intent", id, "error", err)
		return
	}
	b.logger.Info("fare released", "passenger_uid", passengerUID, "payment_intent", id)
}

func (b *Biller) HandleTripEvent(ctx context.Context, ev models.TripEvent, prev *models.Trip) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	switch {
	case ev.Kind == models.EventChanged && ev.Trip != nil && ev.Trip.State == models.TripAccepted:
		t := ev.Trip
		amount := b.fare.Quote(t.Pickup, t.Destination)
		b.mu.Lock()
		b.inFlight[t.PassengerUID] = false
		b.mu.Unlock()
		id, err := b.proc.Hold(ctx, amount, b.fare.Currency, map[string]string{
			"passenger_uid": t.PassengerUID,
			"driver_uid":    t.DriverUID,
		})
		if err != nil {
			b.settle(t.PassengerUID, "")
			b.logger.Error("fare hold failed", "passenger_uid", t.PassengerUID, "error", err)
			return
		}
		if !b.settle(t.PassengerUID, id) {
			b.logger.Info("trip removed during fare hold", "passenger_uid", t.PassengerUID, "payment_intent", id)
			b.release(ctx, t.PassengerUID, id)
			return
		}
		b.logger.Info("fare held", "passenger_uid", t.PassengerUID, "amount", amount, "payment_intent", id)

	case ev.Kind == models.EventChanged && ev.Trip != nil && ev.Trip.State == models.TripCompleted:
		id, ok := b.take(ev.PassengerUID)
		if !ok {
			return
		}
		if err := b.proc.Capture(ctx, id); err != nil {
			b.logger.Error("fare capture failed", "passenger_uid", ev.PassengerUID, "payment_intent", id, "error", err)
			return
		}
		b.logger.Info("fare captured", "passenger_uid", ev.PassengerUID, "payment_intent", id)

	case ev.Kind == models.EventRemoved && prev != nil && prev.Active():
		id, ok := b.takeOnRemoval(ev.PassengerUID)
		if !ok {
			return
		}
		b.release(ctx, ev.PassengerUID, id)
	}
}
