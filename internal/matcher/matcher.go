package matcher

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// Candidate is a driver inside the match radius, resolved to its user record.
type Candidate struct {
	Driver     models.User  `json:"driver"`
	Loc        models.Coord `json:"loc"`
	DistanceKm float64      `json:"distanceKm"`
	ETASeconds float64      `json:"etaSeconds"`
}

type Service struct {
	Geo      geo.Geo
	Users    storage.UserStore
	ETA      *eta.Estimator // optional
	RadiusKm float64
	Limit    int
	Logger   *slog.Logger
}

// Nearby returns drivers within RadiusKm of p ordered by ETA to p. Hits whose
// user record is missing or is not a driver account are skipped.
func (s *Service) Nearby(ctx context.Context, p models.Coord) ([]Candidate, error) {
	start := time.Now()
	defer func() { observability.MatchLatency.Observe(time.Since(start).Seconds()) }()

	hits, err := s.Geo.Within(ctx, p, s.RadiusKm, s.Limit)
	if err != nil {
		return nil, err
	}
	log := logging.OrNop(s.Logger)
	out := make([]Candidate, 0, len(hits))
	for _, h := range hits {
		u, err := s.Users.GetUser(ctx, h.UID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			log.Warn("resolving nearby driver", "uid", h.UID, "error", err)
			continue
		}
		if !u.IsDriver() {
			continue
		}
		out = append(out, Candidate{
			Driver:     *u,
			Loc:        h.Loc,
			DistanceKm: h.DistanceKm,
			ETASeconds: s.ETA.Seconds(ctx, h.Loc, p),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ETASeconds != out[j].ETASeconds {
			return out[i].ETASeconds < out[j].ETASeconds
		}
		return out[i].DistanceKm < out[j].DistanceKm
	})
	return out, nil
}
