// Package coordinator turns trip change events into the local ride state of
// one passenger or one driver.
//
// Each coordinator is a single goroutine started with Run. Commands and
// store events are handled one at a time on that goroutine, so state changes
// are totally ordered and listeners see them in order.
package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/pubsub"
)

var (
	// ErrBusy means the coordinator is already handling a trip.
	ErrBusy = errors.New("coordinator busy with another trip")
	// ErrInvalidState means the command does not apply in the current state.
	ErrInvalidState = errors.New("command not valid in current state")
	// ErrNoSession means the coordinator has no signed-in user.
	ErrNoSession = errors.New("no signed-in user")
	ErrStopped   = errors.New("coordinator stopped")
	ErrRunning   = errors.New("coordinator already running")
)

// Trips is the trip store surface the coordinators drive.
type Trips interface {
	Upload(ctx context.Context, passengerUID string, pickup, destination models.Coord) (*models.Trip, error)
	Observe(ctx context.Context, passengerUID string) (<-chan models.TripEvent, error)
	ObserveNew(ctx context.Context) <-chan models.TripEvent
	Accept(ctx context.Context, passengerUID, driverUID string) (*models.Trip, error)
	Advance(ctx context.Context, passengerUID, driverUID string, to models.TripState) (*models.Trip, error)
	Cancel(ctx context.Context, passengerUID string) error
	Clear(ctx context.Context, passengerUID string) error
}

// Locations is the live driver position surface; *geo.Feed implements it.
type Locations interface {
	Position(ctx context.Context, uid string) (models.Coord, bool, error)
	Follow(ctx context.Context, uid string) (*pubsub.Subscription[models.DriverLocation], error)
	Query(ctx context.Context, center models.Coord, radiusKm float64) (*geo.Query, error)
}

// Transition is delivered to listeners after every state change. Trip is the
// snapshot that caused it, nil when the trip went away.
type Transition[S any] struct {
	From S
	To   S
	Trip *models.Trip
	At   time.Time
}

type action struct {
	fn  func(runCtx context.Context) error
	res chan error
}

// loop is the part shared by both coordinators: the command queue, the
// state word and the listener list.
type loop[S ~int32] struct {
	actions chan action
	done    chan struct{}
	running atomic.Bool
	state   atomic.Int32

	lmu       sync.RWMutex
	listeners []func(Transition[S])
}

func (l *loop[S]) init() {
	l.actions = make(chan action)
	l.done = make(chan struct{})
}

func (l *loop[S]) start() error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	return nil
}

// do runs fn on the loop goroutine and waits for its result.
func (l *loop[S]) do(ctx context.Context, fn func(runCtx context.Context) error) error {
	a := action{fn: fn, res: make(chan error, 1)}
	select {
	case l.actions <- a:
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-a.res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ready blocks until Run is serving commands, so its subscriptions exist.
func (l *loop[S]) Ready(ctx context.Context) error {
	return l.do(ctx, func(context.Context) error { return nil })
}

func (l *loop[S]) current() S { return S(l.state.Load()) }

// OnTransition registers fn for every later state change. fn runs on the
// coordinator goroutine and must not call back into the coordinator.
func (l *loop[S]) OnTransition(fn func(Transition[S])) {
	l.lmu.Lock()
	defer l.lmu.Unlock()
	l.listeners = append(l.listeners, fn)
}

func (l *loop[S]) moveTo(to S, t *models.Trip) {
	from := S(l.state.Swap(int32(to)))
	if from == to {
		return
	}
	var snap *models.Trip
	if t != nil {
		cp := *t
		snap = &cp
	}
	tr := Transition[S]{From: from, To: to, Trip: snap, At: time.Now()}
	l.lmu.RLock()
	defer l.lmu.RUnlock()
	for _, fn := range l.listeners {
		fn(tr)
	}
}

// observation is one open Observe stream and its cancel.
type observation struct {
	events <-chan models.TripEvent
	cancel context.CancelFunc
}

func observe(runCtx context.Context, trips Trips, passengerUID string) (*observation, error) {
	ctx, cancel := context.WithCancel(runCtx)
	ch, err := trips.Observe(ctx, passengerUID)
	if err != nil {
		cancel()
		return nil, err
	}
	return &observation{events: ch, cancel: cancel}, nil
}

func (o *observation) C() <-chan models.TripEvent {
	if o == nil {
		return nil
	}
	return o.events
}

func (o *observation) stop() {
	if o != nil {
		o.cancel()
	}
}
