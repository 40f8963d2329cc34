package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/infra"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/trips"
)

var (
	pickup      = models.Coord{Lat: 38.8895, Lon: -77.0353}
	destination = models.Coord{Lat: 38.8977, Lon: -77.0365}
)

type fixture struct {
	srv   *Server
	trips *trips.Service
	feed  *geo.Feed
	store *storage.MemoryStore
}

func newFixture(t *testing.T, verifier infra.TokenVerifier) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	svc := trips.NewService(store)
	feed := geo.NewFeed(geo.NewIndex())
	srv := NewServer(Deps{
		Trips:    svc,
		Users:    store,
		Feed:     feed,
		Matcher:  &matcher.Service{Geo: feed, Users: store, RadiusKm: 50, Limit: 10},
		Verifier: verifier,
		RadiusKm: 50,
	})
	t.Cleanup(func() {
		srv.Close()
		svc.Close()
		feed.Close()
	})
	ctx := context.Background()
	for _, u := range []models.User{
		{UID: "p1", Email: "p1@example.com", Name: "Pat", AccountType: models.AccountPassenger},
		{UID: "d1", Email: "d1@example.com", Name: "Dee", AccountType: models.AccountDriver},
		{UID: "d2", Email: "d2@example.com", Name: "Dan", AccountType: models.AccountDriver},
	} {
		u := u
		if err := store.PutUser(ctx, &u); err != nil {
			t.Fatalf("PutUser: %v", err)
		}
	}
	return &fixture{srv: srv, trips: svc, feed: feed, store: store}
}

func (f *fixture) do(t *testing.T, method, path, uid string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if uid != "" {
		req.Header.Set("X-User-ID", uid)
	}
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz: %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected a request id header")
	}
}

func TestRequiresCaller(t *testing.T) {
	f := newFixture(t, nil)
	if rec := f.do(t, http.MethodGet, "/api/v1/users/p1", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestUserEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	body := userRequest{Email: "new@example.com", Name: "New", AccountType: models.AccountDriver}
	if rec := f.do(t, http.MethodPut, "/api/v1/users/u9", "p1", body); rec.Code != http.StatusForbidden {
		t.Fatalf("writing someone else's profile: %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPut, "/api/v1/users/u9", "u9", body); rec.Code != http.StatusOK {
		t.Fatalf("put: %d %s", rec.Code, rec.Body.String())
	}
	rec := f.do(t, http.MethodGet, "/api/v1/users/u9", "p1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: %d", rec.Code)
	}
	if u := decode[models.User](t, rec); !u.IsDriver() || u.Name != "New" {
		t.Fatalf("unexpected user %+v", u)
	}
	if rec := f.do(t, http.MethodGet, "/api/v1/users/nobody", "p1", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("missing user: %d", rec.Code)
	}
	bad := userRequest{Email: "x@example.com", AccountType: 7}
	if rec := f.do(t, http.MethodPut, "/api/v1/users/u8", "u8", bad); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad account type: %d", rec.Code)
	}
}

func TestTripLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t, nil)
	req := tripRequest{Pickup: pickup, Destination: destination}

	rec := f.do(t, http.MethodPost, "/api/v1/trips", "p1", req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload: %d %s", rec.Code, rec.Body.String())
	}
	if tr := decode[models.Trip](t, rec); tr.State != models.TripRequested || tr.DriverUID != "" {
		t.Fatalf("unexpected trip %+v", tr)
	}

	if rec := f.do(t, http.MethodPost, "/api/v1/trips/p1/accept", "p1", nil); rec.Code != http.StatusForbidden {
		t.Fatalf("passenger accepting: %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/api/v1/trips/p1/accept", "d1", nil); rec.Code != http.StatusOK {
		t.Fatalf("accept: %d %s", rec.Code, rec.Body.String())
	}
	if rec := f.do(t, http.MethodPost, "/api/v1/trips/p1/accept", "d2", nil); rec.Code != http.StatusConflict {
		t.Fatalf("second accept: %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/api/v1/trips", "p1", req); rec.Code != http.StatusConflict {
		t.Fatalf("upload over active trip: %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/v1/trips/p1", "d2", nil); rec.Code != http.StatusForbidden {
		t.Fatalf("other driver reading accepted trip: %d", rec.Code)
	}

	if rec := f.do(t, http.MethodPost, "/api/v1/trips/p1/advance", "d2", advanceRequest{State: "inProgress"}); rec.Code != http.StatusForbidden {
		t.Fatalf("unassigned advance: %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/api/v1/trips/p1/advance", "d1", advanceRequest{State: "completed"}); rec.Code != http.StatusConflict {
		t.Fatalf("skipping a state: %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/api/v1/trips/p1/advance", "d1", advanceRequest{State: "bogus"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown state: %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/api/v1/trips/p1/clear", "p1", nil); rec.Code != http.StatusConflict {
		t.Fatalf("clearing an active trip: %d", rec.Code)
	}
	for _, st := range []string{"inProgress", "completed"} {
		if rec := f.do(t, http.MethodPost, "/api/v1/trips/p1/advance", "d1", advanceRequest{State: st}); rec.Code != http.StatusOK {
			t.Fatalf("advance to %s: %d %s", st, rec.Code, rec.Body.String())
		}
	}

	rec = f.do(t, http.MethodGet, "/api/v1/trips/p1", "p1", nil)
	if tr := decode[models.Trip](t, rec); tr.State != models.TripCompleted || tr.DriverUID != "d1" {
		t.Fatalf("unexpected trip %+v", tr)
	}
	if rec := f.do(t, http.MethodPost, "/api/v1/trips/p1/clear", "p1", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("clear: %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/v1/trips/p1", "p1", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("after clear: %d", rec.Code)
	}
}

func TestCancelTrip(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.trips.Upload(context.Background(), "p1", pickup, destination); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if rec := f.do(t, http.MethodDelete, "/api/v1/trips/p1", "d2", nil); rec.Code != http.StatusForbidden {
		t.Fatalf("stranger cancelling: %d", rec.Code)
	}
	if rec := f.do(t, http.MethodDelete, "/api/v1/trips/p1", "p1", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("cancel: %d", rec.Code)
	}
	if rec := f.do(t, http.MethodDelete, "/api/v1/trips/p1", "p1", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("second cancel: %d", rec.Code)
	}
}

func TestUploadRejectsBadCoordinates(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/api/v1/trips", "p1", tripRequest{Pickup: models.Coord{Lat: 120}, Destination: destination})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestDriverLocationAndNearby(t *testing.T) {
	f := newFixture(t, nil)
	loc := locationRequest{Lat: 38.8899, Lon: -77.0350}
	if rec := f.do(t, http.MethodPut, "/api/v1/drivers/p1/location", "p1", loc); rec.Code != http.StatusForbidden {
		t.Fatalf("passenger reporting location: %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPut, "/api/v1/drivers/d1/location", "d2", loc); rec.Code != http.StatusForbidden {
		t.Fatalf("reporting for another driver: %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPut, "/api/v1/drivers/d1/location", "d1", loc); rec.Code != http.StatusAccepted {
		t.Fatalf("location: %d %s", rec.Code, rec.Body.String())
	}

	rec := f.do(t, http.MethodGet, "/api/v1/drivers/nearby?lat=38.8895&lng=-77.0353", "p1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("nearby: %d", rec.Code)
	}
	cands := decode[[]matcher.Candidate](t, rec)
	if len(cands) != 1 || cands[0].Driver.UID != "d1" {
		t.Fatalf("unexpected candidates %+v", cands)
	}
	if rec := f.do(t, http.MethodGet, "/api/v1/drivers/nearby?lat=abc", "p1", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad query: %d", rec.Code)
	}

	if rec := f.do(t, http.MethodDelete, "/api/v1/drivers/d1/location", "d1", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("offline: %d", rec.Code)
	}
	rec = f.do(t, http.MethodGet, "/api/v1/drivers/nearby?lat=38.8895&lng=-77.0353", "p1", nil)
	if cands := decode[[]matcher.Candidate](t, rec); len(cands) != 0 {
		t.Fatalf("expected no candidates, got %+v", cands)
	}
}

func dial(t *testing.T, ts *httptest.Server, path, uid string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	h := http.Header{}
	h.Set("X-User-ID", uid)
	conn, resp, err := websocket.DefaultDialer.Dial(url, h)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial %s: %v (status %d)", path, err, status)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON[T any](t *testing.T, conn *websocket.Conn) T {
	t.Helper()
	var v T
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&v); err != nil {
		t.Fatalf("read: %v", err)
	}
	return v
}

func TestTripStream(t *testing.T) {
	f := newFixture(t, nil)
	ts := httptest.NewServer(f.srv)
	defer ts.Close()

	if _, err := f.trips.Upload(context.Background(), "p1", pickup, destination); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	conn := dial(t, ts, "/ws/trips/p1", "p1")
	if ev := readJSON[models.TripEvent](t, conn); ev.Kind != models.EventAdded || ev.Trip == nil || ev.Trip.State != models.TripRequested {
		t.Fatalf("unexpected first event %+v", ev)
	}
	if _, err := f.trips.Accept(context.Background(), "p1", "d1"); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if ev := readJSON[models.TripEvent](t, conn); ev.Kind != models.EventChanged || ev.Trip.DriverUID != "d1" {
		t.Fatalf("unexpected change %+v", ev)
	}
	if err := f.trips.Cancel(context.Background(), "p1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if ev := readJSON[models.TripEvent](t, conn); ev.Kind != models.EventRemoved || ev.Trip != nil {
		t.Fatalf("unexpected removal %+v", ev)
	}
}

func TestTripStreamBeforeUploadIsPassengerOnly(t *testing.T) {
	f := newFixture(t, nil)
	ts := httptest.NewServer(f.srv)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/trips/p1"
	h := http.Header{}
	h.Set("X-User-ID", "d2")
	_, resp, err := websocket.DefaultDialer.Dial(url, h)
	if err == nil || resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 handshake failure, got %v", err)
	}

	conn := dial(t, ts, "/ws/trips/p1", "p1")
	// Retry until the passenger's subscription sees the upload.
	got := make(chan models.TripEvent, 1)
	go func() {
		var ev models.TripEvent
		if conn.ReadJSON(&ev) == nil {
			got <- ev
		}
	}()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := f.trips.Upload(context.Background(), "p1", pickup, destination); err != nil {
			t.Fatalf("Upload: %v", err)
		}
		select {
		case ev := <-got:
			if ev.Trip == nil || ev.Trip.State != models.TripRequested {
				t.Fatalf("unexpected event %+v", ev)
			}
			return
		case <-time.After(50 * time.Millisecond):
		}
		if time.Now().After(deadline) {
			t.Fatal("passenger never saw the upload")
		}
	}
}

func TestTripStreamDropsDriverWhoLostTrip(t *testing.T) {
	f := newFixture(t, nil)
	ts := httptest.NewServer(f.srv)
	defer ts.Close()

	if _, err := f.trips.Upload(context.Background(), "p1", pickup, destination); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	conn := dial(t, ts, "/ws/trips/p1", "d2")
	if ev := readJSON[models.TripEvent](t, conn); ev.Trip == nil || ev.Trip.State != models.TripRequested {
		t.Fatalf("unexpected first event %+v", ev)
	}
	if _, err := f.trips.Accept(context.Background(), "p1", "d1"); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev models.TripEvent
	err := conn.ReadJSON(&ev)
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected policy close, got event %+v err %v", ev, err)
	}
}

func TestUploadTripRequiresPassengerAccount(t *testing.T) {
	f := newFixture(t, nil)
	req := tripRequest{Pickup: pickup, Destination: destination}
	if rec := f.do(t, http.MethodPost, "/api/v1/trips", "d1", req); rec.Code != http.StatusForbidden {
		t.Fatalf("driver upload: code %d, want 403", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/api/v1/trips", "ghost", req); rec.Code != http.StatusForbidden {
		t.Fatalf("unknown upload: code %d, want 403", rec.Code)
	}
	if _, err := f.trips.Get(context.Background(), "d1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("driver trip stored: %v", err)
	}
}

func TestNewTripStreamIsDriverOnly(t *testing.T) {
	f := newFixture(t, nil)
	ts := httptest.NewServer(f.srv)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/trips"
	h := http.Header{}
	h.Set("X-User-ID", "p1")
	_, resp, err := websocket.DefaultDialer.Dial(url, h)
	if err == nil || resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 handshake failure, got %v", err)
	}

	conn := dial(t, ts, "/ws/trips", "d1")
	// The subscription is registered after the handshake; retry the upload
	// path until the stream sees it.
	deadline := time.Now().Add(2 * time.Second)
	got := make(chan models.TripEvent, 1)
	go func() {
		var ev models.TripEvent
		if conn.ReadJSON(&ev) == nil {
			got <- ev
		}
	}()
	for i := 0; ; i++ {
		uid := "p" + string(rune('a'+i))
		if _, err := f.trips.Upload(context.Background(), uid, pickup, destination); err != nil {
			t.Fatalf("Upload: %v", err)
		}
		select {
		case ev := <-got:
			if ev.Kind != models.EventAdded || ev.Trip == nil {
				t.Fatalf("unexpected event %+v", ev)
			}
			return
		case <-time.After(50 * time.Millisecond):
		}
		if time.Now().After(deadline) {
			t.Fatalf("no new trip event")
		}
	}
}

func TestNearbyStream(t *testing.T) {
	f := newFixture(t, nil)
	ts := httptest.NewServer(f.srv)
	defer ts.Close()

	if err := f.feed.Upsert(context.Background(), "d1", models.Coord{Lat: 38.8899, Lon: -77.0350}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	conn := dial(t, ts, "/ws/drivers/nearby?lat=38.8895&lng=-77.0353", "p1")
	if ev := readJSON[geo.QueryEvent](t, conn); ev.Kind != geo.Entered || ev.UID != "d1" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if err := f.feed.Remove(context.Background(), "d1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if ev := readJSON[geo.QueryEvent](t, conn); ev.Kind != geo.Exited || ev.UID != "d1" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

type stubVerifier struct {
	uid string
	err error
}

func (s stubVerifier) VerifyIDToken(_ context.Context, raw string) (*infra.Token, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &infra.Token{UID: s.uid}, nil
}

func TestAuthMiddleware(t *testing.T) {
	cases := []struct {
		name     string
		verifier stubVerifier
		header   string
		want     int
	}{
		{"missing header", stubVerifier{uid: "p1"}, "", http.StatusUnauthorized},
		{"bad prefix", stubVerifier{uid: "p1"}, "Token abc", http.StatusUnauthorized},
		{"verifier error", stubVerifier{err: errors.New("expired")}, "Bearer abc", http.StatusUnauthorized},
		{"valid token", stubVerifier{uid: "p1"}, "Bearer abc", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.verifier)
			req := httptest.NewRequest(http.MethodGet, "/api/v1/users/p1", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			// X-User-ID is ignored once a verifier is configured.
			req.Header.Set("X-User-ID", "p1")
			rec := httptest.NewRecorder()
			f.srv.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
}
