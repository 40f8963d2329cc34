package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

type DriverState int32

const (
	DriverIdle DriverState = iota
	DriverOfferReceived
	DriverCommitted
	DriverEnRouteToPickup
	DriverPickedUp
	DriverEnRouteToDropoff
)

func (s DriverState) String() string {
	switch s {
	case DriverIdle:
		return "idle"
	case DriverOfferReceived:
		return "offerReceived"
	case DriverCommitted:
		return "committed"
	case DriverEnRouteToPickup:
		return "enRouteToPickup"
	case DriverPickedUp:
		return "pickedUp"
	case DriverEnRouteToDropoff:
		return "enRouteToDropoff"
	}
	return fmt.Sprintf("DriverState(%d)", int32(s))
}

type DriverDeps struct {
	Trips Trips
	// Locations is optional. When set, Run listens for new trips and offers
	// those whose pickup is within RadiusKm of the driver's own position.
	Locations Locations
	RadiusKm  float64
	Logger    *slog.Logger
}

// Driver follows one driver from offer to drop-off.
type Driver struct {
	loop[DriverState]
	uid  string
	deps DriverDeps
	log  *slog.Logger

	obs *observation // owned by the loop goroutine

	mu     sync.RWMutex
	trip   *models.Trip
	target *models.Coord // pickup, then destination
}

func NewDriver(uid string, deps DriverDeps) *Driver {
	d := &Driver{
		uid:  uid,
		deps: deps,
		log:  logging.OrNop(deps.Logger).With("driver_uid", uid),
	}
	d.loop.init()
	return d
}

func (d *Driver) UID() string { return d.uid }

func (d *Driver) State() DriverState { return d.current() }

// Trip is the offered or committed trip as last observed.
func (d *Driver) Trip() (models.Trip, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.trip == nil {
		return models.Trip{}, false
	}
	return *d.trip, true
}

// Pickup is the pickup annotation, present while driving to the passenger.
func (d *Driver) Pickup() (models.Coord, bool) {
	return d.targetIn(DriverEnRouteToPickup)
}

// Dropoff is the destination annotation, present while carrying the passenger.
func (d *Driver) Dropoff() (models.Coord, bool) {
	return d.targetIn(DriverEnRouteToDropoff)
}

func (d *Driver) targetIn(s DriverState) (models.Coord, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.target == nil || d.State() != s {
		return models.Coord{}, false
	}
	return *d.target, true
}

func (d *Driver) Run(ctx context.Context) error {
	if err := d.start(); err != nil {
		return err
	}
	if d.uid == "" {
		close(d.done)
		return ErrNoSession
	}
	defer func() {
		d.teardown()
		close(d.done)
	}()
	var fresh <-chan models.TripEvent
	if d.deps.Locations != nil {
		fresh = d.deps.Trips.ObserveNew(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case a := <-d.actions:
			a.res <- a.fn(ctx)
		case ev, ok := <-d.obs.C():
			if !ok {
				d.obs = nil
				continue
			}
			d.handle(ev)
		case ev, ok := <-fresh:
			if !ok {
				fresh = nil
				continue
			}
			d.consider(ctx, ev)
		}
	}
}

// Offer presents a requested trip to an idle driver.
func (d *Driver) Offer(ctx context.Context, t models.Trip) error {
	return d.do(ctx, func(runCtx context.Context) error {
		return d.offer(runCtx, &t)
	})
}

func (d *Driver) offer(runCtx context.Context, t *models.Trip) error {
	if d.State() != DriverIdle {
		return ErrBusy
	}
	if t.State != models.TripRequested || t.DriverUID != "" {
		return fmt.Errorf("%w: trip %s is %s", ErrInvalidState, t.PassengerUID, t.State)
	}
	obs, err := observe(runCtx, d.deps.Trips, t.PassengerUID)
	if err != nil {
		return err
	}
	d.obs = obs
	d.setTrip(t)
	d.moveTo(DriverOfferReceived, t)
	return nil
}

func (d *Driver) consider(runCtx context.Context, ev models.TripEvent) {
	if d.State() != DriverIdle || ev.Trip == nil {
		return
	}
	pos, ok, err := d.deps.Locations.Position(runCtx, d.uid)
	if err != nil || !ok {
		return
	}
	if geo.DistanceKm(pos, ev.Trip.Pickup) > d.deps.RadiusKm {
		return
	}
	if err := d.offer(runCtx, ev.Trip); err != nil {
		d.log.Debug("new trip not offered", "passenger_uid", ev.PassengerUID, "error", err)
	}
}

// Decline drops the current offer.
func (d *Driver) Decline(ctx context.Context) error {
	return d.do(ctx, func(context.Context) error {
		if d.State() != DriverOfferReceived {
			return fmt.Errorf("%w: decline in %s", ErrInvalidState, d.State())
		}
		d.teardown()
		d.moveTo(DriverIdle, nil)
		return nil
	})
}

// Accept races for the offered trip. Losing returns won=false with a nil
// error and leaves the driver idle. Winning commits the driver; the move to
// en-route-to-pickup happens when the store confirms the assignment.
func (d *Driver) Accept(ctx context.Context) (won bool, err error) {
	err = d.do(ctx, func(context.Context) error {
		if d.State() != DriverOfferReceived {
			return fmt.Errorf("%w: accept in %s", ErrInvalidState, d.State())
		}
		t, _ := d.Trip()
		got, err := d.deps.Trips.Accept(ctx, t.PassengerUID, d.uid)
		if errors.Is(err, storage.ErrNotFound) {
			d.teardown()
			d.moveTo(DriverIdle, nil)
			return nil
		}
		if err != nil {
			return err
		}
		if got.DriverUID != d.uid {
			d.log.Info("trip taken by another driver", "passenger_uid", t.PassengerUID)
			d.teardown()
			d.moveTo(DriverIdle, nil)
			return nil
		}
		won = true
		d.setTrip(got)
		d.moveTo(DriverCommitted, got)
		return nil
	})
	return won, err
}

// PickUp marks the passenger as picked up.
func (d *Driver) PickUp(ctx context.Context) error {
	return d.advance(ctx, DriverEnRouteToPickup, models.TripInProgress, DriverPickedUp)
}

// DropOff completes the trip and returns the driver to idle.
func (d *Driver) DropOff(ctx context.Context) error {
	return d.advance(ctx, DriverEnRouteToDropoff, models.TripCompleted, DriverIdle)
}

func (d *Driver) advance(ctx context.Context, from DriverState, to models.TripState, next DriverState) error {
	return d.do(ctx, func(context.Context) error {
		if d.State() != from {
			return fmt.Errorf("%w: %s in %s", ErrInvalidState, to, d.State())
		}
		t, _ := d.Trip()
		got, err := d.deps.Trips.Advance(ctx, t.PassengerUID, d.uid, to)
		if err != nil {
			return err
		}
		if next == DriverIdle {
			d.teardown()
		} else {
			d.setTrip(got)
			d.setTarget(nil)
		}
		d.moveTo(next, got)
		return nil
	})
}

// Cancel abandons a committed trip by removing it.
func (d *Driver) Cancel(ctx context.Context) error {
	return d.do(ctx, func(context.Context) error {
		switch d.State() {
		case DriverIdle:
			return fmt.Errorf("%w: no trip to cancel", ErrInvalidState)
		case DriverOfferReceived:
			d.teardown()
			d.moveTo(DriverIdle, nil)
			return nil
		}
		t, _ := d.Trip()
		if err := d.deps.Trips.Cancel(ctx, t.PassengerUID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		d.teardown()
		d.moveTo(DriverIdle, nil)
		return nil
	})
}

func (d *Driver) handle(ev models.TripEvent) {
	if ev.Kind == models.EventRemoved {
		if d.State() != DriverIdle {
			d.log.Info("trip removed", "passenger_uid", ev.PassengerUID)
			d.teardown()
			d.moveTo(DriverIdle, nil)
		}
		return
	}
	t := ev.Trip
	if t == nil || t.Validate() != nil {
		d.log.Debug("dropping unreadable trip snapshot", "event", ev.ID)
		return
	}
	if t.DriverUID != "" && t.DriverUID != d.uid {
		d.teardown()
		d.moveTo(DriverIdle, nil)
		return
	}
	if cur, ok := d.Trip(); ok && t.State < cur.State {
		return
	}
	d.setTrip(t)
	switch {
	case d.State() == DriverCommitted && t.State == models.TripAccepted:
		d.setTarget(&t.Pickup)
		d.moveTo(DriverEnRouteToPickup, t)
	case d.State() == DriverPickedUp && t.State == models.TripInProgress:
		d.setTarget(&t.Destination)
		d.moveTo(DriverEnRouteToDropoff, t)
	}
}

func (d *Driver) teardown() {
	d.obs.stop()
	d.obs = nil
	d.mu.Lock()
	d.trip = nil
	d.target = nil
	d.mu.Unlock()
}

func (d *Driver) setTrip(t *models.Trip) {
	cp := *t
	d.mu.Lock()
	d.trip = &cp
	d.mu.Unlock()
}

func (d *Driver) setTarget(c *models.Coord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c == nil {
		d.target = nil
		return
	}
	cp := *c
	d.target = &cp
}
