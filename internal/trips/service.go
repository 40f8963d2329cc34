// Package trips owns the per-passenger trip record: conditional writes through
// a storage.TripStore and ordered change notification for observers.
package trips

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/pubsub"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	// ErrActiveTrip is returned by Upload while a driver is committed to the existing trip.
	ErrActiveTrip = errors.New("passenger already has an active trip")
	// ErrInvalidTransition means the requested state is not the next one.
	ErrInvalidTransition = errors.New("invalid trip transition")
	// ErrNotAssigned means the caller is not the driver on the trip.
	ErrNotAssigned = errors.New("driver not assigned to trip")
)

// Hook is told about every change after it is stored and published. prev is
// the record before the change, nil when there was none.
type Hook interface {
	HandleTripEvent(ctx context.Context, ev models.TripEvent, prev *models.Trip)
}

// HookFunc adapts a function to Hook.
type HookFunc func(ctx context.Context, ev models.TripEvent, prev *models.Trip)

func (f HookFunc) HandleTripEvent(ctx context.Context, ev models.TripEvent, prev *models.Trip) {
	f(ctx, ev, prev)
}

const lockStripes = 256

// Service serializes writes per passenger uid and publishes one event per
// stored change, in store order.
type Service struct {
	store  storage.TripStore
	events *pubsub.Broker[models.TripEvent]
	locks  [lockStripes]sync.Mutex

	// hookLocks keep hook runs for one passenger in commit order.
	hookLocks [lockStripes]sync.Mutex
	hooks     []Hook
	logger    *slog.Logger
	now       func() time.Time
}

type Option func(*Service)

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithHooks registers hooks run after each published change. Hooks for one
// passenger run one at a time in store order, so a hook must not write back
// to that passenger's trip.
func WithHooks(h ...Hook) Option { return func(s *Service) { s.hooks = append(s.hooks, h...) } }

func NewService(store storage.TripStore, opts ...Option) *Service {
	s := &Service{
		store:  store,
		events: pubsub.NewBroker[models.TripEvent](),
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = logging.OrNop(s.logger)
	return s
}

// Close ends every open stream.
func (s *Service) Close() { s.events.Close() }

func stripe(passengerUID string) uint64 { return xxhash.Sum64String(passengerUID) % lockStripes }

func (s *Service) lock(passengerUID string) func() {
	m := &s.locks[stripe(passengerUID)]
	m.Lock()
	return m.Unlock
}

// handOff takes the passenger's hook lock before releasing its write lock.
// The next write can commit at once but its hooks wait for ours.
func (s *Service) handOff(passengerUID string, unlock func()) func() {
	h := &s.hookLocks[stripe(passengerUID)]
	h.Lock()
	unlock()
	return h.Unlock
}

func (s *Service) event(kind models.EventKind, passengerUID string, t *models.Trip) models.TripEvent {
	return models.TripEvent{
		ID:           uuid.NewString(),
		Kind:         kind,
		PassengerUID: passengerUID,
		Trip:         t,
		At:           s.now(),
	}
}

func (s *Service) runHooks(ctx context.Context, ev models.TripEvent, prev *models.Trip) {
	for _, h := range s.hooks {
		h.HandleTripEvent(ctx, ev, prev)
	}
}

func (s *Service) storeErr(op string, err error) error {
	observability.StoreErrors.WithLabelValues(op).Inc()
	s.logger.Error("trip_store_write_failed", "op", op, "error", err)
	return fmt.Errorf("%s trip: %w", op, err)
}

func (s *Service) Get(ctx context.Context, passengerUID string) (*models.Trip, error) {
	return s.store.GetTrip(ctx, passengerUID)
}

// Upload stores a fresh requested trip for the passenger. A requested trip is
// overwritten in place; a completed one is replaced as if it had been cleared.
func (s *Service) Upload(ctx context.Context, passengerUID string, pickup, destination models.Coord) (*models.Trip, error) {
	t := &models.Trip{
		PassengerUID: passengerUID,
		Pickup:       pickup,
		Destination:  destination,
		State:        models.TripRequested,
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}

	unlock := s.lock(passengerUID)
	prev, err := s.store.GetTrip(ctx, passengerUID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		prev = nil
	case err != nil:
		unlock()
		return nil, err
	case prev.Active():
		unlock()
		return nil, ErrActiveTrip
	}
	if err := s.store.PutTrip(ctx, t); err != nil {
		unlock()
		return nil, s.storeErr("upload", err)
	}
	stored, err := s.store.GetTrip(ctx, passengerUID)
	if err != nil {
		stored = t
	}
	kind := models.EventAdded
	if prev != nil && prev.State == models.TripRequested {
		kind = models.EventChanged
	}
	ev := s.event(kind, passengerUID, stored)
	s.events.Publish(passengerUID, ev)
	defer s.handOff(passengerUID, unlock)()

	observability.TripsUploaded.Inc()
	s.logger.Info("trip_uploaded", "passenger_uid", passengerUID, "kind", kind)
	s.runHooks(ctx, ev, prev)
	cp := *stored
	return &cp, nil
}

// Accept tries to assign driverUID. The returned trip is the stored record
// after the attempt: the caller won only if its DriverUID equals driverUID.
// Losing is not an error.
func (s *Service) Accept(ctx context.Context, passengerUID, driverUID string) (*models.Trip, error) {
	if driverUID == "" {
		return nil, fmt.Errorf("%w: empty driver uid", ErrNotAssigned)
	}
	unlock := s.lock(passengerUID)
	prev, err := s.store.GetTrip(ctx, passengerUID)
	if err != nil {
		unlock()
		return nil, err
	}
	got, err := s.store.AcceptTrip(ctx, passengerUID, driverUID)
	if err != nil {
		unlock()
		return nil, s.storeErr("accept", err)
	}
	if won := got.DriverUID == driverUID && prev.DriverUID != driverUID; !won {
		unlock()
		if got.DriverUID != driverUID {
			observability.AcceptsLost.Inc()
			s.logger.Info("accept_lost", "passenger_uid", passengerUID, "driver_uid", driverUID, "winner", got.DriverUID)
		}
		return got, nil
	}
	ev := s.event(models.EventChanged, passengerUID, got)
	s.events.Publish(passengerUID, ev)
	defer s.handOff(passengerUID, unlock)()

	observability.TripsAccepted.Inc()
	s.logger.Info("trip_accepted", "passenger_uid", passengerUID, "driver_uid", driverUID)
	s.runHooks(ctx, ev, prev)
	cp := *got
	return &cp, nil
}

// Advance moves the trip one state forward on behalf of its driver.
func (s *Service) Advance(ctx context.Context, passengerUID, driverUID string, to models.TripState) (*models.Trip, error) {
	unlock := s.lock(passengerUID)
	prev, err := s.store.GetTrip(ctx, passengerUID)
	if err != nil {
		unlock()
		return nil, err
	}
	if prev.DriverUID == "" || prev.DriverUID != driverUID {
		unlock()
		return nil, ErrNotAssigned
	}
	if next, ok := prev.State.Next(); !ok || next != to {
		unlock()
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, prev.State, to)
	}
	got, err := s.store.UpdateTripState(ctx, passengerUID, driverUID, prev.State, to)
	if err != nil {
		unlock()
		if errors.Is(err, storage.ErrConflict) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidTransition, err)
		}
		return nil, s.storeErr("advance", err)
	}
	ev := s.event(models.EventChanged, passengerUID, got)
	s.events.Publish(passengerUID, ev)
	defer s.handOff(passengerUID, unlock)()

	if to == models.TripCompleted {
		observability.TripsCompleted.Inc()
	}
	s.logger.Info("trip_advanced", "passenger_uid", passengerUID, "driver_uid", driverUID, "state", to)
	s.runHooks(ctx, ev, prev)
	cp := *got
	return &cp, nil
}

// Cancel deletes the trip in any state. Observers receive a removal event.
func (s *Service) Cancel(ctx context.Context, passengerUID string) error {
	return s.remove(ctx, passengerUID, "cancel", nil)
}

// Clear deletes a completed trip once the passenger has acknowledged it.
func (s *Service) Clear(ctx context.Context, passengerUID string) error {
	return s.remove(ctx, passengerUID, "clear", func(t *models.Trip) error {
		if t.State != models.TripCompleted {
			return fmt.Errorf("%w: clear from %s", ErrInvalidTransition, t.State)
		}
		return nil
	})
}

func (s *Service) remove(ctx context.Context, passengerUID, op string, check func(*models.Trip) error) error {
	unlock := s.lock(passengerUID)
	prev, err := s.store.GetTrip(ctx, passengerUID)
	if err != nil {
		unlock()
		return err
	}
	if check != nil {
		if err := check(prev); err != nil {
			unlock()
			return err
		}
	}
	if err := s.store.DeleteTrip(ctx, passengerUID); err != nil {
		unlock()
		if errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return s.storeErr(op, err)
	}
	ev := s.event(models.EventRemoved, passengerUID, nil)
	s.events.Publish(passengerUID, ev)
	defer s.handOff(passengerUID, unlock)()

	if op == "cancel" {
		observability.TripsCancelled.Inc()
	}
	s.logger.Info("trip_removed", "passenger_uid", passengerUID, "op", op, "state", prev.State)
	s.runHooks(ctx, ev, prev)
	return nil
}

// Observe streams every change to trips/{passengerUID}, starting with the
// current record when one exists. The channel closes when ctx is done.
func (s *Service) Observe(ctx context.Context, passengerUID string) (<-chan models.TripEvent, error) {
	unlock := s.lock(passengerUID)
	sub := s.events.Subscribe(passengerUID)
	cur, err := s.store.GetTrip(ctx, passengerUID)
	switch {
	case err == nil:
		sub.Send(s.event(models.EventAdded, passengerUID, cur))
	case errors.Is(err, storage.ErrNotFound):
	default:
		unlock()
		sub.Close()
		return nil, err
	}
	unlock()
	return forward(ctx, sub, nil), nil
}

// ObserveNew streams an event for each trip record created after the call.
// Updates and removals are not included.
func (s *Service) ObserveNew(ctx context.Context) <-chan models.TripEvent {
	sub := s.events.SubscribeAll()
	return forward(ctx, sub, func(ev models.TripEvent) bool { return ev.Kind == models.EventAdded })
}

func forward(ctx context.Context, sub *pubsub.Subscription[models.TripEvent], keep func(models.TripEvent) bool) <-chan models.TripEvent {
	out := make(chan models.TripEvent)
	go func() {
		defer close(out)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.C():
				if !ok {
					return
				}
				if keep != nil && !keep(ev) {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
