package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// Hit is one driver found by a radius query.
type Hit struct {
	UID        string       `json:"uid"`
	Loc        models.Coord `json:"loc"`
	DistanceKm float64      `json:"distanceKm"`
}

// Geo is the driver position index used by matching and the location API.
type Geo interface {
	Upsert(ctx context.Context, uid string, loc models.Coord) error
	// Remove takes the driver offline. Removing an unknown uid is not an error.
	Remove(ctx context.Context, uid string) error
	Position(ctx context.Context, uid string) (models.Coord, bool, error)
	// Within returns drivers within radiusKm of center, closest first. A
	// limit <= 0 returns every hit.
	Within(ctx context.Context, center models.Coord, radiusKm float64, limit int) ([]Hit, error)
}

type Index struct {
	mu      sync.RWMutex
	drivers map[string]models.DriverLocation
	now     func() time.Time
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]models.DriverLocation), now: time.Now}
}

func (g *Index) Upsert(_ context.Context, uid string, loc models.Coord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.drivers[uid] = models.DriverLocation{UID: uid, Loc: loc, Online: true, Updated: g.now()}
	observability.DriversOnline.Set(float64(len(g.drivers)))
	return nil
}

func (g *Index) Remove(_ context.Context, uid string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.drivers, uid)
	observability.DriversOnline.Set(float64(len(g.drivers)))
	return nil
}

func (g *Index) Position(_ context.Context, uid string) (models.Coord, bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.drivers[uid]
	return d.Loc, ok, nil
}

// naive scan; fine for a single process, use RedisGeo beyond that
func (g *Index) Within(_ context.Context, center models.Coord, radiusKm float64, limit int) ([]Hit, error) {
	g.mu.RLock()
	out := make([]Hit, 0, len(g.drivers))
	for _, d := range g.drivers {
		if !d.Online {
			continue
		}
		dist := DistanceKm(center, d.Loc)
		if dist > radiusKm {
			continue
		}
		out = append(out, Hit{UID: d.UID, Loc: d.Loc, DistanceKm: dist})
	}
	g.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].UID < out[j].UID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

func DistanceKm(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon) / 1000
}
