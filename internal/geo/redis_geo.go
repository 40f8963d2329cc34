package geo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// RedisGeo implements Geo using Redis GEO commands. Members of key are driver
// uids; a small hash per driver records when it last reported.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(client *redis.Client, key string) *RedisGeo {
	return &RedisGeo{client: client, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, uid string, loc models.Coord) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: loc.Lon, Latitude: loc.Lat, Name: uid})
		p.HSet(ctx, metaKey(uid), "updated", time.Now().Format(time.RFC3339))
		return nil
	})
	if err != nil {
		return fmt.Errorf("geoadd %s: %w", uid, err)
	}
	r.refreshGauge(ctx)
	return nil
}

func (r *RedisGeo) Remove(ctx context.Context, uid string) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, r.key, uid)
		p.Del(ctx, metaKey(uid))
		return nil
	})
	if err != nil {
		return fmt.Errorf("zrem %s: %w", uid, err)
	}
	r.refreshGauge(ctx)
	return nil
}

func (r *RedisGeo) Position(ctx context.Context, uid string) (models.Coord, bool, error) {
	res, err := r.client.GeoPos(ctx, r.key, uid).Result()
	if errors.Is(err, redis.Nil) {
		return models.Coord{}, false, nil
	}
	if err != nil {
		return models.Coord{}, false, err
	}
	if len(res) == 0 || res[0] == nil {
		return models.Coord{}, false, nil
	}
	return models.Coord{Lat: res[0].Latitude, Lon: res[0].Longitude}, true, nil
}

func (r *RedisGeo) Within(ctx context.Context, center models.Coord, radiusKm float64, limit int) ([]Hit, error) {
	q := &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  center.Lon,
			Latitude:   center.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
		},
		WithCoord: true,
		WithDist:  true,
	}
	if limit > 0 {
		q.Count = limit
	}
	res, err := r.client.GeoSearchLocation(ctx, r.key, q).Result()
	if err != nil {
		return nil, fmt.Errorf("geosearch: %w", err)
	}
	out := make([]Hit, 0, len(res))
	for _, g := range res {
		out = append(out, Hit{
			UID:        g.Name,
			Loc:        models.Coord{Lat: g.Latitude, Lon: g.Longitude},
			DistanceKm: g.Dist,
		})
	}
	return out, nil
}

func (r *RedisGeo) refreshGauge(ctx context.Context) {
	if n, err := r.client.ZCard(ctx, r.key).Result(); err == nil {
		observability.DriversOnline.Set(float64(n))
	}
}

func metaKey(id string) string { return "driver:meta:" + id }
