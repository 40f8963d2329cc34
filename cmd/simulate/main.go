// Command simulate runs a passenger and a nearby driver through one trip on
// in-memory backends and logs every coordinator transition.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/example/ride-dispatch/internal/coordinator"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/trips"
)

func main() {
	var (
		radiusKm float64
		complete bool
		level    string
	)
	flag.Float64Var(&radiusKm, "radius-km", 50, "match radius in kilometres")
	flag.BoolVar(&complete, "complete", false, "drive the trip to completion instead of cancelling it")
	flag.StringVar(&level, "log-level", "info", "log level")
	flag.Parse()

	logger := logging.NewLogger(level)
	if err := run(context.Background(), logger, radiusKm, complete); err != nil {
		logger.Error("simulation failed", "error", err)
		os.Exit(1)
	}
}

type scenario struct {
	logger    *slog.Logger
	store     *storage.MemoryStore
	svc       *trips.Service
	feed      *geo.Feed
	passenger *coordinator.Passenger
	driver    *coordinator.Driver
	pStates   chan coordinator.PassengerState
	dStates   chan coordinator.DriverState
}

func run(ctx context.Context, logger *slog.Logger, radiusKm float64, complete bool) error {
	var (
		pickup      = models.Coord{Lat: 38.89, Lon: -77.04}
		destination = models.Coord{Lat: 38.90, Lon: -77.03}
		driverAt    = models.Coord{Lat: 38.891, Lon: -77.041}
	)

	s := &scenario{
		logger:  logger,
		store:   storage.NewMemoryStore(),
		feed:    geo.NewFeed(geo.NewIndex()),
		pStates: make(chan coordinator.PassengerState, 16),
		dStates: make(chan coordinator.DriverState, 16),
	}
	s.svc = trips.NewService(s.store, trips.WithLogger(logger))
	defer s.svc.Close()
	defer s.feed.Close()

	for _, u := range []models.User{
		{UID: "P", Email: "p@example.com", Name: "Passenger", AccountType: models.AccountPassenger},
		{UID: "D", Email: "d@example.com", Name: "Driver", AccountType: models.AccountDriver},
	} {
		u := u
		if err := s.store.PutUser(ctx, &u); err != nil {
			return err
		}
	}
	if err := s.feed.Upsert(ctx, "D", driverAt); err != nil {
		return err
	}

	s.passenger = coordinator.NewPassenger("P", coordinator.PassengerDeps{
		Trips: s.svc, Users: s.store, Locations: s.feed, RadiusKm: radiusKm, Logger: logger,
	})
	s.driver = coordinator.NewDriver("D", coordinator.DriverDeps{
		Trips: s.svc, Locations: s.feed, RadiusKm: radiusKm, Logger: logger,
	})
	s.passenger.OnTransition(func(tr coordinator.Transition[coordinator.PassengerState]) {
		logger.Info("passenger_transition", "from", tr.From.String(), "to", tr.To.String())
		s.pStates <- tr.To
	})
	s.driver.OnTransition(func(tr coordinator.Transition[coordinator.DriverState]) {
		logger.Info("driver_transition", "from", tr.From.String(), "to", tr.To.String())
		s.dStates <- tr.To
	})

	runCtx, stop := context.WithCancel(ctx)
	eg, runCtx := errgroup.WithContext(runCtx)
	eg.Go(func() error { return ignoreCancel(s.passenger.Run(runCtx)) })
	eg.Go(func() error { return ignoreCancel(s.driver.Run(runCtx)) })

	err := s.play(ctx, pickup, destination, complete)
	stop()
	return errors.Join(err, eg.Wait())
}

func (s *scenario) play(ctx context.Context, pickup, destination models.Coord, complete bool) error {
	if err := s.passenger.Ready(ctx); err != nil {
		return err
	}
	if err := s.driver.Ready(ctx); err != nil {
		return err
	}
	if err := s.passenger.Request(ctx, pickup, destination); err != nil {
		return err
	}
	if err := waitFor(s.dStates, coordinator.DriverOfferReceived); err != nil {
		return err
	}
	won, err := s.driver.Accept(ctx)
	if err != nil {
		return err
	}
	if !won {
		return fmt.Errorf("driver lost an uncontested accept")
	}
	if err := waitFor(s.dStates, coordinator.DriverEnRouteToPickup); err != nil {
		return err
	}
	if err := waitFor(s.pStates, coordinator.PassengerAccepted); err != nil {
		return err
	}
	if d, ok := s.passenger.Driver(); ok {
		s.logger.Info("assigned_driver", "uid", d.UID, "name", d.Name)
	}

	if !complete {
		if err := s.passenger.Cancel(ctx); err != nil {
			return err
		}
		return waitFor(s.dStates, coordinator.DriverIdle)
	}

	if err := s.driver.PickUp(ctx); err != nil {
		return err
	}
	if err := waitFor(s.dStates, coordinator.DriverEnRouteToDropoff); err != nil {
		return err
	}
	if err := waitFor(s.pStates, coordinator.PassengerInProgress); err != nil {
		return err
	}
	if err := s.driver.DropOff(ctx); err != nil {
		return err
	}
	if err := waitFor(s.pStates, coordinator.PassengerCompleted); err != nil {
		return err
	}
	if err := s.passenger.Acknowledge(ctx); err != nil {
		return err
	}
	return waitFor(s.pStates, coordinator.PassengerIdle)
}

func waitFor[S comparable](ch <-chan S, want S) error {
	timeout := time.After(5 * time.Second)
	for {
		select {
		case got := <-ch:
			if got == want {
				return nil
			}
		case <-timeout:
			return fmt.Errorf("timed out waiting for %v", want)
		}
	}
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
