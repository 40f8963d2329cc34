package eta

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	a = models.Coord{Lat: 38.89, Lon: -77.04}
	b = models.Coord{Lat: 38.90, Lon: -77.03}
)

type countingClient struct {
	calls int
	v     float64
	err   error
}

func (c *countingClient) EstimateSeconds(context.Context, models.Coord, models.Coord) (float64, error) {
	c.calls++
	return c.v, c.err
}

func TestEstimatorUsesCacheThenClient(t *testing.T) {
	client := &countingClient{v: 300}
	e := &Estimator{Client: client, Cache: NewCache(time.Minute), SpeedMps: 10}

	for i := 0; i < 3; i++ {
		if got := e.Seconds(context.Background(), a, b); got != 300 {
			t.Fatalf("call %d: got %f", i, got)
		}
	}
	if client.calls != 1 {
		t.Fatalf("expected one upstream call, got %d", client.calls)
	}
}

func TestEstimatorFallsBackToNaive(t *testing.T) {
	client := &countingClient{err: errors.New("down")}
	e := &Estimator{Client: client, SpeedMps: 10}
	want := EstimateSeconds(a, b, 10)
	if got := e.Seconds(context.Background(), a, b); got != want {
		t.Fatalf("got %f, want naive %f", got, want)
	}
}

func TestCacheExpires(t *testing.T) {
	c := NewCache(time.Millisecond)
	c.Set(a, b, 42)
	time.Sleep(5 * time.Millisecond)
	if _, ok := c.Get(a, b); ok {
		t.Fatal("expected expiry")
	}
}

func TestOSRMClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/route/v1/driving/") {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"code":"Ok","routes":[{"duration":123.5}]}`)
	}))
	defer srv.Close()

	got, err := NewOSRMClient(srv.URL).EstimateSeconds(context.Background(), a, b)
	if err != nil {
		t.Fatalf("EstimateSeconds: %v", err)
	}
	if got != 123.5 {
		t.Fatalf("got %f", got)
	}
}

func TestOSRMClientNoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":"NoRoute","routes":[]}`)
	}))
	defer srv.Close()
	if _, err := NewOSRMClient(srv.URL).EstimateSeconds(context.Background(), a, b); err == nil {
		t.Fatal("expected error")
	}
}
