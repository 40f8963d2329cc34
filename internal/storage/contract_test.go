package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/example/ride-dispatch/internal/infra"
	"github.com/example/ride-dispatch/internal/models"
)

type store interface {
	TripStore
	UserStore
}

var (
	testPickup = models.Coord{Lat: 38.89, Lon: -77.04}
	testDest   = models.Coord{Lat: 38.90, Lon: -77.03}
)

func requested(passengerUID string) *models.Trip {
	return &models.Trip{PassengerUID: passengerUID, Pickup: testPickup, Destination: testDest, State: models.TripRequested}
}

// runStoreContract checks behaviour every backend must share.
func runStoreContract(t *testing.T, s store, prefix string) {
	ctx := context.Background()
	ignoreTime := cmpopts.IgnoreFields(models.Trip{}, "UpdatedAt")
	uid := func(name string) string { return prefix + name }

	t.Run("put then get", func(t *testing.T) {
		p := uid("p_put")
		if err := s.PutTrip(ctx, requested(p)); err != nil {
			t.Fatalf("PutTrip: %v", err)
		}
		got, err := s.GetTrip(ctx, p)
		if err != nil {
			t.Fatalf("GetTrip: %v", err)
		}
		if diff := cmp.Diff(requested(p), got, ignoreTime); diff != "" {
			t.Fatalf("trip mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("get missing", func(t *testing.T) {
		if _, err := s.GetTrip(ctx, uid("nobody")); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("put rejects invariant violation", func(t *testing.T) {
		bad := requested(uid("p_bad"))
		bad.State = models.TripAccepted
		if err := s.PutTrip(ctx, bad); !errors.Is(err, ErrInvariant) {
			t.Fatalf("expected ErrInvariant, got %v", err)
		}
	})

	t.Run("accept first writer wins", func(t *testing.T) {
		p := uid("p_race")
		if err := s.PutTrip(ctx, requested(p)); err != nil {
			t.Fatalf("PutTrip: %v", err)
		}
		const drivers = 6
		results := make(chan *models.Trip, drivers)
		start := make(chan struct{})
		var wg sync.WaitGroup
		for i := 0; i < drivers; i++ {
			wg.Add(1)
			go func(d string) {
				defer wg.Done()
				<-start
				got, err := s.AcceptTrip(ctx, p, d)
				if err != nil {
					t.Errorf("AcceptTrip(%s): %v", d, err)
					return
				}
				results <- got
			}(fmt.Sprintf("d%d", i))
		}
		close(start)
		wg.Wait()
		close(results)

		winners := map[string]bool{}
		for r := range results {
			if r.State != models.TripAccepted {
				t.Fatalf("state after accept = %s", r.State)
			}
			winners[r.DriverUID] = true
		}
		if len(winners) != 1 {
			t.Fatalf("expected every caller to see the same winner, got %v", winners)
		}
	})

	t.Run("update state is conditional", func(t *testing.T) {
		p := uid("p_adv")
		if err := s.PutTrip(ctx, requested(p)); err != nil {
			t.Fatalf("PutTrip: %v", err)
		}
		if _, err := s.AcceptTrip(ctx, p, "d1"); err != nil {
			t.Fatalf("AcceptTrip: %v", err)
		}
		if _, err := s.UpdateTripState(ctx, p, "d2", models.TripAccepted, models.TripInProgress); !errors.Is(err, ErrConflict) {
			t.Fatalf("wrong driver: expected ErrConflict, got %v", err)
		}
		got, err := s.UpdateTripState(ctx, p, "d1", models.TripAccepted, models.TripInProgress)
		if err != nil {
			t.Fatalf("UpdateTripState: %v", err)
		}
		if got.State != models.TripInProgress || got.DriverUID != "d1" {
			t.Fatalf("unexpected trip: %+v", got)
		}
		if _, err := s.UpdateTripState(ctx, p, "d1", models.TripAccepted, models.TripInProgress); !errors.Is(err, ErrConflict) {
			t.Fatalf("stale from: expected ErrConflict, got %v", err)
		}
		if _, err := s.UpdateTripState(ctx, uid("nobody"), "d1", models.TripAccepted, models.TripInProgress); !errors.Is(err, ErrNotFound) {
			t.Fatalf("missing: expected ErrNotFound, got %v", err)
		}
	})

	t.Run("delete", func(t *testing.T) {
		p := uid("p_del")
		if err := s.PutTrip(ctx, requested(p)); err != nil {
			t.Fatalf("PutTrip: %v", err)
		}
		if err := s.DeleteTrip(ctx, p); err != nil {
			t.Fatalf("DeleteTrip: %v", err)
		}
		if _, err := s.GetTrip(ctx, p); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound after delete, got %v", err)
		}
		if err := s.DeleteTrip(ctx, p); !errors.Is(err, ErrNotFound) {
			t.Fatalf("second delete: expected ErrNotFound, got %v", err)
		}
	})

	t.Run("users", func(t *testing.T) {
		u := &models.User{UID: uid("u1"), Email: "d@example.com", Name: "Dee", AccountType: models.AccountDriver}
		if err := s.PutUser(ctx, u); err != nil {
			t.Fatalf("PutUser: %v", err)
		}
		u.Name = "Dee Dee"
		if err := s.PutUser(ctx, u); err != nil {
			t.Fatalf("PutUser update: %v", err)
		}
		got, err := s.GetUser(ctx, u.UID)
		if err != nil {
			t.Fatalf("GetUser: %v", err)
		}
		if diff := cmp.Diff(u, got); diff != "" {
			t.Fatalf("user mismatch (-want +got):\n%s", diff)
		}
		flip := *u
		flip.AccountType = models.AccountPassenger
		if err := s.PutUser(ctx, &flip); !errors.Is(err, ErrImmutable) {
			t.Fatalf("expected ErrImmutable, got %v", err)
		}
		if _, err := s.GetUser(ctx, uid("ghost")); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestMemoryStoreContract(t *testing.T) {
	runStoreContract(t, NewMemoryStore(), "")
}

func TestPostgresStoreContract(t *testing.T) {
	dsn := os.Getenv("PG_TEST_DSN")
	if dsn == "" {
		t.Skip("PG_TEST_DSN not set; skipping postgres contract")
	}
	s, err := NewPostgresStore(dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	schema, err := os.ReadFile(filepath.Join("..", "..", "migrations", "001_init.sql"))
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	if _, err := s.DB().Exec(string(schema)); err != nil {
		t.Fatalf("apply migration: %v", err)
	}
	if _, err := s.DB().Exec(`TRUNCATE TABLE trips, users`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	runStoreContract(t, s, "")
}

func TestFirebaseStoreContract(t *testing.T) {
	url := os.Getenv("FIREBASE_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("FIREBASE_TEST_DATABASE_URL not set; skipping RTDB contract")
	}
	ctx := context.Background()
	app, err := infra.NewFirebaseApp(ctx, infra.FirebaseConfig{
		DatabaseURL:     url,
		CredentialsFile: os.Getenv("FIREBASE_CREDENTIALS_FILE"),
	})
	if err != nil {
		t.Fatalf("firebase app: %v", err)
	}
	client, err := app.Database(ctx)
	if err != nil {
		t.Fatalf("rtdb client: %v", err)
	}
	runStoreContract(t, NewFirebaseStore(client), fmt.Sprintf("t%d_", time.Now().UnixNano()))
}
