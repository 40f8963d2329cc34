// Package dispatch broadcasts newly requested trips to nearby drivers.
package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
)

type Nearby interface {
	Nearby(ctx context.Context, p models.Coord) ([]matcher.Candidate, error)
}

type Notifier interface {
	Notify(ctx context.Context, driver models.User, offer models.Offer) (string, error)
}

// Fanout offers each newly added trip to the drivers around its pickup.
type Fanout struct {
	Matcher  Nearby
	Notifier Notifier
	Timeout  time.Duration
	Logger   *slog.Logger
}

// HandleTripEvent dispatches in the background so the uploading request is
// not held up by push delivery.
func (f *Fanout) HandleTripEvent(ctx context.Context, ev models.TripEvent, _ *models.Trip) {
	if ev.Kind != models.EventAdded || ev.Trip == nil {
		return
	}
	trip := *ev.Trip
	go func() {
		timeout := f.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		f.Offer(ctx, trip)
	}()
}

// Offer returns how many drivers were reached.
func (f *Fanout) Offer(ctx context.Context, trip models.Trip) int {
	log := logging.OrNop(f.Logger)
	cands, err := f.Matcher.Nearby(ctx, trip.Pickup)
	if err != nil {
		log.Error("dispatch lookup failed", "passenger_uid", trip.PassengerUID, "error", err)
		return 0
	}
	sent := 0
	for _, c := range cands {
		offer := models.Offer{
			PassengerUID: trip.PassengerUID,
			Pickup:       trip.Pickup,
			Destination:  trip.Destination,
			DistanceKm:   c.DistanceKm,
			ETASeconds:   c.ETASeconds,
		}
		channel, err := f.Notifier.Notify(ctx, c.Driver, offer)
		if err != nil {
			log.Debug("offer not delivered", "driver_uid", c.Driver.UID, "error", err)
			continue
		}
		sent++
		log.Debug("offer delivered", "driver_uid", c.Driver.UID, "channel", channel)
	}
	log.Info("trip dispatched", "passenger_uid", trip.PassengerUID, "candidates", len(cands), "reached", sent)
	return sent
}
