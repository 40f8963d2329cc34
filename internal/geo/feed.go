package geo

import (
	"context"
	"strconv"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/pubsub"
)

type QueryEventKind string

const (
	Entered QueryEventKind = "entered"
	Moved   QueryEventKind = "moved"
	Exited  QueryEventKind = "exited"
)

// QueryEvent is a change in a radius query's membership or a member's position.
type QueryEvent struct {
	Kind       QueryEventKind `json:"kind"`
	UID        string         `json:"uid"`
	Loc        models.Coord   `json:"loc"`
	DistanceKm float64        `json:"distanceKm"`
}

// Feed wraps a Geo and pushes position changes made through it to live
// radius queries and per-driver followers.
type Feed struct {
	Geo

	mu      sync.Mutex
	seq     int
	queries map[*Query]struct{}
	events  *pubsub.Broker[QueryEvent]
	follows *pubsub.Broker[models.DriverLocation]
}

func NewFeed(g Geo) *Feed {
	return &Feed{
		Geo:     g,
		queries: make(map[*Query]struct{}),
		events:  pubsub.NewBroker[QueryEvent](),
		follows: pubsub.NewBroker[models.DriverLocation](),
	}
}

func (f *Feed) Upsert(ctx context.Context, uid string, loc models.Coord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Geo.Upsert(ctx, uid, loc); err != nil {
		return err
	}
	for q := range f.queries {
		d := DistanceKm(q.center, loc)
		in := d <= q.radiusKm
		switch {
		case in && !q.members[uid]:
			q.members[uid] = true
			f.events.Publish(q.id, QueryEvent{Kind: Entered, UID: uid, Loc: loc, DistanceKm: d})
		case in:
			f.events.Publish(q.id, QueryEvent{Kind: Moved, UID: uid, Loc: loc, DistanceKm: d})
		case q.members[uid]:
			delete(q.members, uid)
			f.events.Publish(q.id, QueryEvent{Kind: Exited, UID: uid, Loc: loc, DistanceKm: d})
		}
	}
	f.follows.Publish(uid, models.DriverLocation{UID: uid, Loc: loc, Online: true})
	return nil
}

func (f *Feed) Remove(ctx context.Context, uid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Geo.Remove(ctx, uid); err != nil {
		return err
	}
	for q := range f.queries {
		if q.members[uid] {
			delete(q.members, uid)
			f.events.Publish(q.id, QueryEvent{Kind: Exited, UID: uid})
		}
	}
	f.follows.Publish(uid, models.DriverLocation{UID: uid, Online: false})
	return nil
}

// Query is a live radius query. Drivers already inside the radius arrive as
// Entered events first.
type Query struct {
	feed     *Feed
	id       string
	center   models.Coord
	radiusKm float64
	members  map[string]bool
	sub      *pubsub.Subscription[QueryEvent]
	once     sync.Once
}

func (f *Feed) Query(ctx context.Context, center models.Coord, radiusKm float64) (*Query, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	hits, err := f.Geo.Within(ctx, center, radiusKm, 0)
	if err != nil {
		return nil, err
	}
	f.seq++
	q := &Query{
		feed:     f,
		id:       "q" + strconv.Itoa(f.seq),
		center:   center,
		radiusKm: radiusKm,
		members:  make(map[string]bool, len(hits)),
	}
	q.sub = f.events.Subscribe(q.id)
	for _, h := range hits {
		q.members[h.UID] = true
		q.sub.Send(QueryEvent{Kind: Entered, UID: h.UID, Loc: h.Loc, DistanceKm: h.DistanceKm})
	}
	f.queries[q] = struct{}{}
	return q, nil
}

// Events is closed after Close.
func (q *Query) Events() <-chan QueryEvent { return q.sub.C() }

func (q *Query) Close() {
	q.once.Do(func() {
		q.feed.mu.Lock()
		delete(q.feed.queries, q)
		q.feed.mu.Unlock()
		q.sub.Close()
	})
}

// Follow streams position reports for one driver, starting with its current
// position when known. An Online=false report means the driver went offline.
func (f *Feed) Follow(ctx context.Context, uid string) (*pubsub.Subscription[models.DriverLocation], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	loc, ok, err := f.Geo.Position(ctx, uid)
	if err != nil {
		return nil, err
	}
	sub := f.follows.Subscribe(uid)
	if ok {
		sub.Send(models.DriverLocation{UID: uid, Loc: loc, Online: true})
	}
	return sub, nil
}

func (f *Feed) Close() {
	f.events.Close()
	f.follows.Close()
}
