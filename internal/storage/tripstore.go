package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means a conditional write found the record in another state.
	ErrConflict = errors.New("write conflict")
	// ErrImmutable means a write tried to change a field fixed at creation.
	ErrImmutable = errors.New("immutable field changed")
	// ErrInvariant is returned for writes that would store an invalid trip.
	ErrInvariant = models.ErrTripInvariant
)

// TripStore persists trips keyed by passenger uid.
type TripStore interface {
	// PutTrip creates or overwrites trips/{PassengerUID}.
	PutTrip(ctx context.Context, t *models.Trip) error
	GetTrip(ctx context.Context, passengerUID string) (*models.Trip, error)
	// AcceptTrip assigns driverUID and moves the trip to accepted only if it is
	// still requested and unassigned. It returns the record as stored after the
	// attempt; when another driver won, that driver's uid is in the result.
	AcceptTrip(ctx context.Context, passengerUID, driverUID string) (*models.Trip, error)
	// UpdateTripState moves an assigned trip from one state to another.
	// ErrConflict when the trip is not in from or not assigned to driverUID.
	UpdateTripState(ctx context.Context, passengerUID, driverUID string, from, to models.TripState) (*models.Trip, error)
	DeleteTrip(ctx context.Context, passengerUID string) error
}

// UserStore is the user directory under users/{uid}.
type UserStore interface {
	// PutUser creates or updates a user. AccountType cannot change once set.
	PutUser(ctx context.Context, u *models.User) error
	GetUser(ctx context.Context, uid string) (*models.User, error)
}

// MemoryStore implements TripStore and UserStore in process. Every write is
// validated against the trip invariants before it is applied.
type MemoryStore struct {
	mu    sync.RWMutex
	trips map[string]*models.Trip
	users map[string]*models.User
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trips: make(map[string]*models.Trip),
		users: make(map[string]*models.User),
		now:   time.Now,
	}
}

func (m *MemoryStore) PutTrip(_ context.Context, t *models.Trip) error {
	if err := t.Validate(); err != nil {
		return err
	}
	cp := *t
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = m.now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trips[t.PassengerUID] = &cp
	return nil
}

func (m *MemoryStore) GetTrip(_ context.Context, passengerUID string) (*models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[passengerUID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

// PatchTrip applies fn to a copy of the stored trip and stores the result if
// it still satisfies the trip invariants. A rejected patch leaves the record untouched.
func (m *MemoryStore) PatchTrip(_ context.Context, passengerUID string, fn func(*models.Trip)) (*models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.patchLocked(passengerUID, fn)
}

func (m *MemoryStore) patchLocked(passengerUID string, fn func(*models.Trip)) (*models.Trip, error) {
	cur, ok := m.trips[passengerUID]
	if !ok {
		return nil, ErrNotFound
	}
	next := *cur
	fn(&next)
	if next.PassengerUID != passengerUID {
		return nil, fmt.Errorf("%w: passenger uid is the key", ErrImmutable)
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}
	next.UpdatedAt = m.now()
	m.trips[passengerUID] = &next
	out := next
	return &out, nil
}

func (m *MemoryStore) AcceptTrip(_ context.Context, passengerUID, driverUID string) (*models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.trips[passengerUID]
	if !ok {
		return nil, ErrNotFound
	}
	if cur.State != models.TripRequested || cur.DriverUID != "" {
		out := *cur
		return &out, nil
	}
	return m.patchLocked(passengerUID, func(t *models.Trip) {
		t.DriverUID = driverUID
		t.State = models.TripAccepted
	})
}

func (m *MemoryStore) UpdateTripState(_ context.Context, passengerUID, driverUID string, from, to models.TripState) (*models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.trips[passengerUID]
	if !ok {
		return nil, ErrNotFound
	}
	if cur.State != from || cur.DriverUID != driverUID {
		return nil, ErrConflict
	}
	return m.patchLocked(passengerUID, func(t *models.Trip) { t.State = to })
}

func (m *MemoryStore) DeleteTrip(_ context.Context, passengerUID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trips[passengerUID]; !ok {
		return ErrNotFound
	}
	delete(m.trips, passengerUID)
	return nil
}

func (m *MemoryStore) PutUser(_ context.Context, u *models.User) error {
	if u.UID == "" || !u.AccountType.Valid() {
		return fmt.Errorf("invalid user %q", u.UID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.users[u.UID]; ok && cur.AccountType != u.AccountType {
		return fmt.Errorf("%w: accountType", ErrImmutable)
	}
	cp := *u
	if u.Location != nil {
		loc := *u.Location
		cp.Location = &loc
	}
	m.users[u.UID] = &cp
	return nil
}

func (m *MemoryStore) GetUser(_ context.Context, uid string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[uid]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	if u.Location != nil {
		loc := *u.Location
		cp.Location = &loc
	}
	return &cp, nil
}
