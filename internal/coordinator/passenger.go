package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/pubsub"
	"github.com/example/ride-dispatch/internal/storage"
)

type PassengerState int32

const (
	PassengerIdle PassengerState = iota
	PassengerRequested
	PassengerAccepted
	PassengerInProgress
	PassengerCompleted
)

func (s PassengerState) String() string {
	switch s {
	case PassengerIdle:
		return "idle"
	case PassengerRequested:
		return "requested"
	case PassengerAccepted:
		return "accepted"
	case PassengerInProgress:
		return "inProgress"
	case PassengerCompleted:
		return "completed"
	}
	return fmt.Sprintf("PassengerState(%d)", int32(s))
}

func passengerStateFor(s models.TripState) PassengerState {
	switch s {
	case models.TripAccepted:
		return PassengerAccepted
	case models.TripInProgress:
		return PassengerInProgress
	case models.TripCompleted:
		return PassengerCompleted
	default:
		return PassengerRequested
	}
}

type PassengerDeps struct {
	Trips Trips
	Users matcher.UserReader
	// Locations is optional; without it there is no live driver tracking.
	Locations Locations
	RadiusKm  float64
	Logger    *slog.Logger
}

// Passenger follows one passenger's trip from request to acknowledgment.
type Passenger struct {
	loop[PassengerState]
	uid  string
	deps PassengerDeps
	log  *slog.Logger

	// owned by the loop goroutine
	obs    *observation
	follow *pubsub.Subscription[models.DriverLocation]
	query  *geo.Query

	// stopTrack ends the Track goroutine fed by query and waits for it.
	stopTrack func()

	mu       sync.RWMutex
	trip     *models.Trip
	driver   *models.User
	driverAt *matcher.Annotation
	nearby   *matcher.Annotations
}

func NewPassenger(uid string, deps PassengerDeps) *Passenger {
	p := &Passenger{
		uid:    uid,
		deps:   deps,
		log:    logging.OrNop(deps.Logger).With("passenger_uid", uid),
		nearby: matcher.NewAnnotations(),
	}
	p.loop.init()
	return p
}

func (p *Passenger) UID() string { return p.uid }

func (p *Passenger) State() PassengerState { return p.current() }

// Trip returns the latest observed snapshot.
func (p *Passenger) Trip() (models.Trip, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.trip == nil {
		return models.Trip{}, false
	}
	return *p.trip, true
}

// Driver returns the assigned driver's user record once it has been fetched.
func (p *Passenger) Driver() (models.User, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.driver == nil {
		return models.User{}, false
	}
	return *p.driver, true
}

// DriverAnnotation is the assigned driver's live marker.
func (p *Passenger) DriverAnnotation() (matcher.Annotation, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.driverAt == nil {
		return matcher.Annotation{}, false
	}
	return *p.driverAt, true
}

// Annotations are the nearby-driver markers started by ShowNearby.
func (p *Passenger) Annotations() []matcher.Annotation { return p.nearby.Snapshot() }

func (p *Passenger) Run(ctx context.Context) error {
	if err := p.start(); err != nil {
		return err
	}
	if p.uid == "" {
		close(p.done)
		return ErrNoSession
	}
	defer func() {
		p.teardown()
		p.closeQuery()
		close(p.done)
	}()
	for {
		var follow <-chan models.DriverLocation
		if p.follow != nil {
			follow = p.follow.C()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case a := <-p.actions:
			a.res <- a.fn(ctx)
		case ev, ok := <-p.obs.C():
			if !ok {
				p.obs = nil
				continue
			}
			p.handle(ctx, ev)
		case loc, ok := <-follow:
			if !ok {
				p.follow = nil
				continue
			}
			p.driverMoved(loc)
		}
	}
}

// Request uploads a new trip and starts observing it. Write failures are
// returned and leave the passenger idle.
func (p *Passenger) Request(ctx context.Context, pickup, destination models.Coord) error {
	return p.do(ctx, func(runCtx context.Context) error {
		if p.State() != PassengerIdle {
			return ErrBusy
		}
		t, err := p.deps.Trips.Upload(ctx, p.uid, pickup, destination)
		if err != nil {
			return err
		}
		obs, err := observe(runCtx, p.deps.Trips, p.uid)
		if err != nil {
			return err
		}
		p.obs = obs
		p.setTrip(t)
		p.moveTo(PassengerRequested, t)
		p.log.Info("trip requested")
		return nil
	})
}

// Resume picks up an existing trip, for example after a restart. The first
// snapshot moves the passenger straight to the trip's state.
func (p *Passenger) Resume(ctx context.Context) error {
	return p.do(ctx, func(runCtx context.Context) error {
		if p.State() != PassengerIdle {
			return ErrBusy
		}
		obs, err := observe(runCtx, p.deps.Trips, p.uid)
		if err != nil {
			return err
		}
		p.obs.stop()
		p.obs = obs
		return nil
	})
}

// Cancel removes the trip. The passenger is idle once it returns nil.
func (p *Passenger) Cancel(ctx context.Context) error {
	return p.do(ctx, func(context.Context) error {
		switch p.State() {
		case PassengerIdle:
			return fmt.Errorf("%w: no trip to cancel", ErrInvalidState)
		case PassengerCompleted:
			return fmt.Errorf("%w: trip already completed", ErrInvalidState)
		}
		if err := p.deps.Trips.Cancel(ctx, p.uid); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		p.teardown()
		p.moveTo(PassengerIdle, nil)
		p.log.Info("trip cancelled by passenger")
		return nil
	})
}

// Acknowledge clears a completed trip and returns to idle.
func (p *Passenger) Acknowledge(ctx context.Context) error {
	return p.do(ctx, func(context.Context) error {
		if p.State() != PassengerCompleted {
			return fmt.Errorf("%w: acknowledge in %s", ErrInvalidState, p.State())
		}
		if err := p.deps.Trips.Clear(ctx, p.uid); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		p.teardown()
		p.moveTo(PassengerIdle, nil)
		return nil
	})
}

// ShowNearby keeps Annotations in step with drivers around center until the
// next call or until Run returns.
func (p *Passenger) ShowNearby(ctx context.Context, center models.Coord) error {
	if p.deps.Locations == nil {
		return errors.New("no location feed configured")
	}
	return p.do(ctx, func(runCtx context.Context) error {
		p.closeQuery()
		q, err := p.deps.Locations.Query(runCtx, center, p.deps.RadiusKm)
		if err != nil {
			return err
		}
		p.query = q
		trackCtx, cancel := context.WithCancel(runCtx)
		tracked := make(chan struct{})
		go func() {
			defer close(tracked)
			matcher.Track(trackCtx, q, p.deps.Users, p.nearby, nil)
		}()
		p.stopTrack = func() {
			cancel()
			<-tracked
		}
		return nil
	})
}

func (p *Passenger) closeQuery() {
	if p.stopTrack != nil {
		p.stopTrack()
		p.stopTrack = nil
	}
	if p.query != nil {
		p.query.Close()
		p.query = nil
	}
	p.nearby.Clear()
}

func (p *Passenger) handle(runCtx context.Context, ev models.TripEvent) {
	if ev.Kind == models.EventRemoved {
		if p.State() != PassengerIdle {
			p.teardown()
			p.moveTo(PassengerIdle, nil)
			p.log.Info("trip removed")
		}
		return
	}
	t := ev.Trip
	if t == nil || t.Validate() != nil {
		p.log.Debug("dropping unreadable trip snapshot", "event", ev.ID)
		return
	}
	cur, target := p.State(), passengerStateFor(t.State)
	if target < cur {
		return
	}
	p.setTrip(t)
	if target == cur {
		return
	}
	if cur < PassengerAccepted && target >= PassengerAccepted && target < PassengerCompleted {
		p.driverAssigned(runCtx, t.DriverUID)
	}
	if target == PassengerCompleted {
		p.stopFollow()
	}
	p.moveTo(target, t)
}

func (p *Passenger) driverAssigned(runCtx context.Context, driverUID string) {
	u, err := p.deps.Users.GetUser(runCtx, driverUID)
	if err != nil {
		p.log.Warn("fetching assigned driver", "driver_uid", driverUID, "error", err)
	} else {
		p.mu.Lock()
		p.driver = u
		p.mu.Unlock()
	}
	if p.deps.Locations == nil {
		return
	}
	sub, err := p.deps.Locations.Follow(runCtx, driverUID)
	if err != nil {
		p.log.Warn("following assigned driver", "driver_uid", driverUID, "error", err)
		return
	}
	p.follow = sub
}

func (p *Passenger) driverMoved(loc models.DriverLocation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !loc.Online {
		p.driverAt = nil
		return
	}
	if p.driverAt != nil {
		p.driverAt.Loc = loc.Loc
		return
	}
	name := ""
	if p.driver != nil {
		name = p.driver.Name
	}
	p.driverAt = &matcher.Annotation{UID: loc.UID, Name: name, Loc: loc.Loc}
}

func (p *Passenger) stopFollow() {
	if p.follow != nil {
		p.follow.Close()
		p.follow = nil
	}
	p.mu.Lock()
	p.driverAt = nil
	p.mu.Unlock()
}

// teardown drops everything tied to the current trip.
func (p *Passenger) teardown() {
	p.obs.stop()
	p.obs = nil
	p.stopFollow()
	p.mu.Lock()
	p.trip = nil
	p.driver = nil
	p.mu.Unlock()
}

func (p *Passenger) setTrip(t *models.Trip) {
	cp := *t
	p.mu.Lock()
	p.trip = &cp
	p.mu.Unlock()
}
