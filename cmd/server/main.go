package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	firebase "firebase.google.com/go/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/infra"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/trips"
)

type backend interface {
	storage.TripStore
	storage.UserStore
}

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	var closers []func()
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	var app *firebase.App
	if cfg.FirebaseDatabaseURL != "" || cfg.FirebaseProjectID != "" || cfg.FirebaseCredentialsFile != "" {
		a, err := infra.NewFirebaseApp(ctx, infra.FirebaseConfig{
			ProjectID:       cfg.FirebaseProjectID,
			DatabaseURL:     cfg.FirebaseDatabaseURL,
			CredentialsFile: cfg.FirebaseCredentialsFile,
		})
		if err != nil {
			return err
		}
		app = a
	}

	store, err := openStore(ctx, cfg, app, logger, &closers)
	if err != nil {
		return err
	}

	var g geo.Geo = geo.NewIndex()
	if cfg.RedisAddr != "" {
		rc := infra.NewRedis(cfg.RedisAddr, cfg.RedisPassword)
		closers = append(closers, func() { _ = rc.Close() })
		g = geo.NewRedisGeo(rc, cfg.RedisGeoKey)
		logger.Info("geo index on redis", "addr", cfg.RedisAddr, "key", cfg.RedisGeoKey)
	}
	feed := geo.NewFeed(g)
	closers = append(closers, feed.Close)

	estimator := &eta.Estimator{SpeedMps: cfg.DefaultSpeedMps, Cache: eta.NewCache(cfg.ETACacheTTL), Logger: logger}
	switch {
	case cfg.GoogleMapsAPIKey != "":
		gc, err := eta.NewGoogleClient(cfg.GoogleMapsAPIKey)
		if err != nil {
			return err
		}
		estimator.Client = gc
	case cfg.OSRMEndpoint != "":
		estimator.Client = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}

	m := &matcher.Service{Geo: feed, Users: store, ETA: estimator, RadiusKm: cfg.MatchRadiusKm, Limit: cfg.MatchLimit, Logger: logger}

	wsreg := dispatch.NewWSRegistry()
	var fcm *dispatch.FCMDispatcher
	var verifier infra.TokenVerifier
	if app != nil {
		mc, err := app.Messaging(ctx)
		if err != nil {
			return fmt.Errorf("firebase messaging: %w", err)
		}
		fcm = dispatch.NewFCMDispatcher(mc)
		if verifier, err = infra.NewFirebaseVerifier(ctx, app); err != nil {
			return err
		}
	} else {
		logger.Warn("no firebase project configured; trusting X-User-ID headers")
	}

	hooks := []trips.Hook{&dispatch.Fanout{Matcher: m, Notifier: dispatch.NewPushDispatcher(wsreg, fcm), Logger: logger}}
	var kp *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		closers = append(closers, func() { _ = kp.Close() })
		tp := ingest.NewTripEventPublisher(ingest.NewWriter(cfg.KafkaBrokers, cfg.KafkaTripTopic), logger)
		closers = append(closers, func() { _ = tp.Close() })
		hooks = append(hooks, tp)
	}
	if cfg.StripeAPIKey != "" {
		fare := payments.Fare{BaseCents: cfg.FareBaseCents, PerKmCents: cfg.FarePerKmCents, Currency: cfg.FareCurrency}
		hooks = append(hooks, payments.NewBiller(payments.NewStripeClient(cfg.StripeAPIKey), fare, logger))
	}

	svc := trips.NewService(store, trips.WithLogger(logger), trips.WithHooks(hooks...))
	closers = append(closers, svc.Close)

	api := httpapi.NewServer(httpapi.Deps{
		Trips:    svc,
		Users:    store,
		Feed:     feed,
		Matcher:  m,
		Kafka:    kp,
		WSReg:    wsreg,
		Verifier: verifier,
		RadiusKm: cfg.MatchRadiusKm,
		Logger:   logger,
	})

	servers := []*http.Server{{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}}
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		servers = append(servers, &http.Server{Addr: cfg.MetricsAddr, Handler: mux})
	}

	eg, ctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		srv := srv
		eg.Go(func() error {
			logger.Info("listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	eg.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		api.Close()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			errs = append(errs, srv.Shutdown(sctx))
		}
		return errors.Join(errs...)
	})
	return eg.Wait()
}

// openStore picks the trip and user backend: Firebase RTDB when a database
// URL is set, then Postgres, then memory.
func openStore(ctx context.Context, cfg config.ServerConfig, app *firebase.App, logger *slog.Logger, closers *[]func()) (backend, error) {
	switch {
	case cfg.FirebaseDatabaseURL != "":
		client, err := app.Database(ctx)
		if err != nil {
			return nil, fmt.Errorf("firebase database: %w", err)
		}
		logger.Info("store on firebase realtime database", "url", cfg.FirebaseDatabaseURL)
		return storage.NewFirebaseStore(client), nil
	case cfg.PGDSN != "":
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, func() { _ = ps.Close() })
		if cfg.RunMigrations {
			b, err := os.ReadFile(filepath.Join("migrations", "001_init.sql"))
			if err != nil {
				return nil, fmt.Errorf("read migration: %w", err)
			}
			if _, err := ps.DB().ExecContext(ctx, string(b)); err != nil {
				return nil, fmt.Errorf("apply migration: %w", err)
			}
			logger.Info("migration applied", "file", "001_init.sql")
		}
		logger.Info("store on postgres")
		return ps, nil
	default:
		logger.Warn("no database configured; using in-memory store")
		return storage.NewMemoryStore(), nil
	}
}
