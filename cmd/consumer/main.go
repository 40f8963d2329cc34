package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/infra"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total driver location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	redisUpdates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_redis_updates_total",
		Help: "Total successful redis updates by kind",
	}, []string{"kind"})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_errors_total",
		Help: "Total redis errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, redisUpdates, redisErrors)
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	rc := infra.NewRedis(cfg.RedisAddr, cfg.RedisPassword)
	radapter := &redisAdapter{c: rc}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		handleMessage(ctx, logger, radapter, cfg, m.Value)
	}
}

func handleMessage(ctx context.Context, logger *slog.Logger, rc RedisUpdater, cfg config.ConsumerConfig, raw []byte) {
	d, ok := decodeLocation(raw)
	if !ok {
		msgsInvalid.Inc()
		logger.Warn("invalid message", "payload", string(raw))
		return
	}
	kind := "online"
	if !d.Online {
		kind = "offline"
	}
	if err := updateRedisWithRetry(ctx, rc, cfg.RedisGeoKey, d, cfg.Attempts, cfg.RetryDelay); err != nil {
		redisErrors.Inc()
		logger.Error("redis update failed", "driver_uid", d.UID, "kind", kind, "error", err)
		return
	}
	redisUpdates.WithLabelValues(kind).Inc()
}

// decodeLocation rejects payloads without a uid and online reports with
// coordinates off the globe.
func decodeLocation(raw []byte) (models.DriverLocation, bool) {
	var d models.DriverLocation
	if err := json.Unmarshal(raw, &d); err != nil || d.UID == "" {
		return d, false
	}
	if d.Online && !d.Loc.Valid() {
		return d, false
	}
	return d, true
}

// RedisUpdater is the subset of redis operations the consumer needs.
type RedisUpdater interface {
	GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error
	HSet(ctx context.Context, key string, values map[string]interface{}) error
	ZRem(ctx context.Context, key string, member string) error
	Del(ctx context.Context, key string) error
}

type redisAdapter struct{ c *redis.Client }

func (r *redisAdapter) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	return r.c.GeoAdd(ctx, key, loc).Err()
}

func (r *redisAdapter) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	return r.c.HSet(ctx, key, values).Err()
}

func (r *redisAdapter) ZRem(ctx context.Context, key string, member string) error {
	return r.c.ZRem(ctx, key, member).Err()
}

func (r *redisAdapter) Del(ctx context.Context, key string) error {
	return r.c.Del(ctx, key).Err()
}

func metaKey(uid string) string { return "driver:meta:" + uid }

// applyLocation writes one report: online drivers are added to the geo set
// with their metadata, offline drivers are removed from both.
func applyLocation(ctx context.Context, rc RedisUpdater, key string, d models.DriverLocation) error {
	if !d.Online {
		if err := rc.ZRem(ctx, key, d.UID); err != nil {
			return err
		}
		return rc.Del(ctx, metaKey(d.UID))
	}
	if err := rc.GeoAdd(ctx, key, &redis.GeoLocation{Longitude: d.Loc.Lon, Latitude: d.Loc.Lat, Name: d.UID}); err != nil {
		return err
	}
	updated := d.Updated
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	return rc.HSet(ctx, metaKey(d.UID), map[string]interface{}{"online": true, "updated": updated.Format(time.RFC3339Nano)})
}

// updateRedisWithRetry retries applyLocation with doubling delay.
func updateRedisWithRetry(ctx context.Context, rc RedisUpdater, key string, d models.DriverLocation, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = applyLocation(ctx, rc, key, d); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
