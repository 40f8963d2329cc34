package payments

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/trips"
)

type fakeProcessor struct {
	calls []string
	n     int
}

func (f *fakeProcessor) Hold(_ context.Context, amount int64, currency string, _ map[string]string) (string, error) {
	f.n++
	id := fmt.Sprintf("pi_%d", f.n)
	f.calls = append(f.calls, fmt.Sprintf("hold %s %d %s", id, amount, currency))
	return id, nil
}

func (f *fakeProcessor) Capture(_ context.Context, id string) error {
	f.calls = append(f.calls, "capture "+id)
	return nil
}

func (f *fakeProcessor) Cancel(_ context.Context, id string) error {
	f.calls = append(f.calls, "cancel "+id)
	return nil
}

var (
	same = models.Coord{Lat: 38.89, Lon: -77.04}
	fare = Fare{BaseCents: 250, PerKmCents: 120, Currency: "usd"}
)

func trip(state models.TripState) *models.Trip {
	t := &models.Trip{PassengerUID: "p1", Pickup: same, Destination: same, State: state}
	if state != models.TripRequested {
		t.DriverUID = "d1"
	}
	return t
}

func TestQuoteZeroDistanceIsBase(t *testing.T) {
	if got := fare.Quote(same, same); got != 250 {
		t.Fatalf("got %d", got)
	}
}

func TestBillerHoldThenCapture(t *testing.T) {
	p := &fakeProcessor{}
	b := NewBiller(p, fare, nil)
	ctx := context.Background()

	b.HandleTripEvent(ctx, models.TripEvent{Kind: models.EventChanged, PassengerUID: "p1", Trip: trip(models.TripAccepted)}, trip(models.TripRequested))
	if id, ok := b.Hold("p1"); !ok || id != "pi_1" {
		t.Fatalf("hold not recorded: %q %v", id, ok)
	}
	b.HandleTripEvent(ctx, models.TripEvent{Kind: models.EventChanged, PassengerUID: "p1", Trip: trip(models.TripInProgress)}, trip(models.TripAccepted))
	b.HandleTripEvent(ctx, models.TripEvent{Kind: models.EventChanged, PassengerUID: "p1", Trip: trip(models.TripCompleted)}, trip(models.TripInProgress))

	want := []string{"hold pi_1 250 usd", "capture pi_1"}
	if diff := cmp.Diff(want, p.calls); diff != "" {
		t.Fatalf("calls (-want +got):\n%s", diff)
	}
	if _, ok := b.Hold("p1"); ok {
		t.Fatal("hold should be consumed by capture")
	}
}

func TestBillerReleasesOnCancel(t *testing.T) {
	p := &fakeProcessor{}
	b := NewBiller(p, fare, nil)
	ctx := context.Background()

	b.HandleTripEvent(ctx, models.TripEvent{Kind: models.EventChanged, PassengerUID: "p1", Trip: trip(models.TripAccepted)}, trip(models.TripRequested))
	b.HandleTripEvent(ctx, models.TripEvent{Kind: models.EventRemoved, PassengerUID: "p1"}, trip(models.TripAccepted))

	want := []string{"hold pi_1 250 usd", "cancel pi_1"}
	if diff := cmp.Diff(want, p.calls); diff != "" {
		t.Fatalf("calls (-want +got):\n%s", diff)
	}
}

func TestBillerIgnoresUnheldCancel(t *testing.T) {
	p := &fakeProcessor{}
	b := NewBiller(p, fare, nil)
	b.HandleTripEvent(context.Background(), models.TripEvent{Kind: models.EventRemoved, PassengerUID: "p1"}, trip(models.TripRequested))
	if len(p.calls) != 0 {
		t.Fatalf("unexpected calls %v", p.calls)
	}
}

// slowProcessor parks Hold until release is closed.
type slowProcessor struct {
	mu      sync.Mutex
	inner   fakeProcessor
	entered chan struct{}
	release chan struct{}
}

func newSlowProcessor() *slowProcessor {
	return &slowProcessor{entered: make(chan struct{}), release: make(chan struct{})}
}

func (s *slowProcessor) Hold(ctx context.Context, amount int64, currency string, md map[string]string) (string, error) {
	close(s.entered)
	<-s.release
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Hold(ctx, amount, currency, md)
}

func (s *slowProcessor) Capture(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Capture(ctx, id)
}

func (s *slowProcessor) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Cancel(ctx, id)
}

func (s *slowProcessor) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.inner.calls...)
}

func TestBillerReleasesHoldThatLandsAfterRemoval(t *testing.T) {
	p := newSlowProcessor()
	b := NewBiller(p, fare, nil)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.HandleTripEvent(ctx, models.TripEvent{Kind: models.EventChanged, PassengerUID: "p1", Trip: trip(models.TripAccepted)}, trip(models.TripRequested))
	}()
	<-p.entered
	b.HandleTripEvent(ctx, models.TripEvent{Kind: models.EventRemoved, PassengerUID: "p1"}, trip(models.TripAccepted))
	close(p.release)
	<-done

	want := []string{"hold pi_1 250 usd", "cancel pi_1"}
	if diff := cmp.Diff(want, p.calls()); diff != "" {
		t.Fatalf("calls (-want +got):\n%s", diff)
	}
	if id, ok := b.Hold("p1"); ok {
		t.Fatalf("hold %s kept for a removed trip", id)
	}
}

func TestCancelDuringSlowHoldReleasesFare(t *testing.T) {
	p := newSlowProcessor()
	b := NewBiller(p, fare, nil)
	svc := trips.NewService(storage.NewMemoryStore(), trips.WithHooks(b))
	defer svc.Close()
	ctx := context.Background()

	if _, err := svc.Upload(ctx, "p1", same, same); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	accepted := make(chan error, 1)
	go func() {
		_, err := svc.Accept(ctx, "p1", "d1")
		accepted <- err
	}()
	<-p.entered
	cancelled := make(chan error, 1)
	go func() { cancelled <- svc.Cancel(ctx, "p1") }()

	// Give the cancel time to commit before the hold returns.
	time.Sleep(20 * time.Millisecond)
	close(p.release)
	for _, ch := range []chan error{accepted, cancelled} {
		select {
		case err := <-ch:
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out")
		}
	}

	want := []string{"hold pi_1 250 usd", "cancel pi_1"}
	if diff := cmp.Diff(want, p.calls()); diff != "" {
		t.Fatalf("calls (-want +got):\n%s", diff)
	}
	if _, ok := b.Hold("p1"); ok {
		t.Fatal("hold kept after cancel")
	}
}
