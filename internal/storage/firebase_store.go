package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"firebase.google.com/go/v4/db"

	"github.com/example/ride-dispatch/internal/models"
)

// FirebaseStore keeps the directory and trips in Firebase RTDB using the
// users/{uid} and trips/{passengerUid} tree the mobile clients read.
// Conditional writes run as RTDB transactions.
type FirebaseStore struct {
	client *db.Client
	now    func() time.Time
}

func NewFirebaseStore(client *db.Client) *FirebaseStore {
	return &FirebaseStore{client: client, now: time.Now}
}

// tripRecord mirrors a trips/{passengerUid} node.
type tripRecord struct {
	PickupCoordinates      []float64 `json:"pickupCoordinates"`
	DestinationCoordinates []float64 `json:"destinationCoordinates"`
	DriverUID              string    `json:"driverUid,omitempty"`
	State                  int       `json:"state"`
	UpdatedAt              int64     `json:"updatedAt,omitempty"`
}

// userRecord mirrors a users/{uid} node.
type userRecord struct {
	Email       string    `json:"email"`
	Name        string    `json:"name"`
	AccountType int       `json:"accountType"`
	PushToken   string    `json:"pushToken,omitempty"`
	Location    []float64 `json:"location,omitempty"`
}

func encodeTrip(t *models.Trip) tripRecord {
	return tripRecord{
		PickupCoordinates:      []float64{t.Pickup.Lat, t.Pickup.Lon},
		DestinationCoordinates: []float64{t.Destination.Lat, t.Destination.Lon},
		DriverUID:              t.DriverUID,
		State:                  int(t.State),
		UpdatedAt:              t.UpdatedAt.UnixMilli(),
	}
}

// decodeTrip returns false for absent nodes and for nodes whose shape is not
// a trip; both read as "not available yet".
func decodeTrip(passengerUID string, raw json.RawMessage) (*models.Trip, bool) {
	if isNull(raw) {
		return nil, false
	}
	var rec tripRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false
	}
	if len(rec.PickupCoordinates) != 2 || len(rec.DestinationCoordinates) != 2 {
		return nil, false
	}
	t := &models.Trip{
		PassengerUID: passengerUID,
		DriverUID:    rec.DriverUID,
		Pickup:       models.Coord{Lat: rec.PickupCoordinates[0], Lon: rec.PickupCoordinates[1]},
		Destination:  models.Coord{Lat: rec.DestinationCoordinates[0], Lon: rec.DestinationCoordinates[1]},
		State:        models.TripState(rec.State),
	}
	if rec.UpdatedAt > 0 {
		t.UpdatedAt = time.UnixMilli(rec.UpdatedAt)
	}
	if t.Validate() != nil {
		return nil, false
	}
	return t, true
}

func decodeUser(uid string, raw json.RawMessage) (*models.User, bool) {
	if isNull(raw) {
		return nil, false
	}
	var rec userRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false
	}
	u := &models.User{
		UID:         uid,
		Email:       rec.Email,
		Name:        rec.Name,
		AccountType: models.AccountType(rec.AccountType),
		PushToken:   rec.PushToken,
	}
	if !u.AccountType.Valid() {
		return nil, false
	}
	if len(rec.Location) == 2 {
		u.Location = &models.Coord{Lat: rec.Location[0], Lon: rec.Location[1]}
	}
	return u, true
}

func isNull(raw json.RawMessage) bool {
	v := bytes.TrimSpace(raw)
	return len(v) == 0 || bytes.Equal(v, []byte("null"))
}

func (f *FirebaseStore) tripRef(passengerUID string) *db.Ref {
	return f.client.NewRef("trips").Child(passengerUID)
}

func (f *FirebaseStore) userRef(uid string) *db.Ref {
	return f.client.NewRef("users").Child(uid)
}

func (f *FirebaseStore) PutTrip(ctx context.Context, t *models.Trip) error {
	if err := t.Validate(); err != nil {
		return err
	}
	cp := *t
	cp.UpdatedAt = f.now()
	return f.tripRef(t.PassengerUID).Set(ctx, encodeTrip(&cp))
}

func (f *FirebaseStore) GetTrip(ctx context.Context, passengerUID string) (*models.Trip, error) {
	var raw json.RawMessage
	if err := f.tripRef(passengerUID).Get(ctx, &raw); err != nil {
		return nil, fmt.Errorf("reading trips/%s: %w", passengerUID, err)
	}
	t, ok := decodeTrip(passengerUID, raw)
	if !ok {
		return nil, ErrNotFound
	}
	return t, nil
}

// transact runs fn against the current trip inside an RTDB transaction. fn
// returns the trip to write, or an error to abort. RTDB may call fn more than
// once under contention; the returned trip is from the committed attempt.
func (f *FirebaseStore) transact(ctx context.Context, passengerUID string, fn func(cur *models.Trip) (*models.Trip, error)) (*models.Trip, error) {
	var out *models.Trip
	err := f.tripRef(passengerUID).Transaction(ctx, func(tn db.TransactionNode) (interface{}, error) {
		var raw json.RawMessage
		if err := tn.Unmarshal(&raw); err != nil {
			return nil, err
		}
		cur, ok := decodeTrip(passengerUID, raw)
		if !ok {
			return nil, ErrNotFound
		}
		next, err := fn(cur)
		if err != nil {
			return nil, err
		}
		if err := next.Validate(); err != nil {
			return nil, err
		}
		out = next
		return encodeTrip(next), nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (f *FirebaseStore) AcceptTrip(ctx context.Context, passengerUID, driverUID string) (*models.Trip, error) {
	return f.transact(ctx, passengerUID, func(cur *models.Trip) (*models.Trip, error) {
		if cur.State != models.TripRequested || cur.DriverUID != "" {
			return cur, nil
		}
		next := *cur
		next.DriverUID = driverUID
		next.State = models.TripAccepted
		next.UpdatedAt = f.now()
		return &next, nil
	})
}

func (f *FirebaseStore) UpdateTripState(ctx context.Context, passengerUID, driverUID string, from, to models.TripState) (*models.Trip, error) {
	return f.transact(ctx, passengerUID, func(cur *models.Trip) (*models.Trip, error) {
		if cur.State != from || cur.DriverUID != driverUID {
			return nil, ErrConflict
		}
		next := *cur
		next.State = to
		next.UpdatedAt = f.now()
		return &next, nil
	})
}

func (f *FirebaseStore) DeleteTrip(ctx context.Context, passengerUID string) error {
	// Returning nil from the transaction removes the node.
	return f.tripRef(passengerUID).Transaction(ctx, func(tn db.TransactionNode) (interface{}, error) {
		var raw json.RawMessage
		if err := tn.Unmarshal(&raw); err != nil {
			return nil, err
		}
		if isNull(raw) {
			return nil, ErrNotFound
		}
		return nil, nil
	})
}

func (f *FirebaseStore) PutUser(ctx context.Context, u *models.User) error {
	if u.UID == "" || !u.AccountType.Valid() {
		return fmt.Errorf("invalid user %q", u.UID)
	}
	rec := userRecord{
		Email:       u.Email,
		Name:        u.Name,
		AccountType: int(u.AccountType),
		PushToken:   u.PushToken,
	}
	if u.Location != nil {
		rec.Location = []float64{u.Location.Lat, u.Location.Lon}
	}
	return f.userRef(u.UID).Transaction(ctx, func(tn db.TransactionNode) (interface{}, error) {
		var raw json.RawMessage
		if err := tn.Unmarshal(&raw); err != nil {
			return nil, err
		}
		if cur, ok := decodeUser(u.UID, raw); ok && cur.AccountType != u.AccountType {
			return nil, fmt.Errorf("%w: accountType", ErrImmutable)
		}
		return rec, nil
	})
}

func (f *FirebaseStore) GetUser(ctx context.Context, uid string) (*models.User, error) {
	var raw json.RawMessage
	if err := f.userRef(uid).Get(ctx, &raw); err != nil {
		return nil, fmt.Errorf("reading users/%s: %w", uid, err)
	}
	u, ok := decodeUser(uid, raw)
	if !ok {
		return nil, ErrNotFound
	}
	return u, nil
}
