package matcher

import (
	"context"
	"sort"
	"sync"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Annotation is the live marker for one visible driver.
type Annotation struct {
	UID  string       `json:"uid"`
	Name string       `json:"name"`
	Loc  models.Coord `json:"loc"`
}

// Annotations holds at most one annotation per driver uid. Position updates
// modify the existing annotation instead of replacing it.
type Annotations struct {
	mu   sync.RWMutex
	byID map[string]*Annotation
}

func NewAnnotations() *Annotations {
	return &Annotations{byID: make(map[string]*Annotation)}
}

// Upsert reports whether a new annotation was inserted.
func (a *Annotations) Upsert(uid, name string, loc models.Coord) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cur, ok := a.byID[uid]; ok {
		cur.Loc = loc
		if name != "" {
			cur.Name = name
		}
		return false
	}
	a.byID[uid] = &Annotation{UID: uid, Name: name, Loc: loc}
	return true
}

// Move updates an existing annotation and reports whether there was one.
func (a *Annotations) Move(uid string, loc models.Coord) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	cur, ok := a.byID[uid]
	if ok {
		cur.Loc = loc
	}
	return ok
}

func (a *Annotations) Remove(uid string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.byID[uid]
	delete(a.byID, uid)
	return ok
}

func (a *Annotations) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.byID = make(map[string]*Annotation)
}

func (a *Annotations) Get(uid string) (Annotation, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	cur, ok := a.byID[uid]
	if !ok {
		return Annotation{}, false
	}
	return *cur, true
}

func (a *Annotations) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.byID)
}

// Snapshot returns copies sorted by uid.
func (a *Annotations) Snapshot() []Annotation {
	a.mu.RLock()
	out := make([]Annotation, 0, len(a.byID))
	for _, v := range a.byID {
		out = append(out, *v)
	}
	a.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out
}

// UserReader resolves uids to user records.
type UserReader interface {
	GetUser(ctx context.Context, uid string) (*models.User, error)
}

// Track applies radius query events to set until ctx is done or the query is
// closed. Entering drivers are resolved through users; non-driver accounts
// are ignored. onChange, if set, runs after each applied event.
func Track(ctx context.Context, q *geo.Query, users UserReader, set *Annotations, onChange func(geo.QueryEvent)) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-q.Events():
			if !ok {
				return
			}
			if !apply(ctx, ev, users, set) {
				continue
			}
			if onChange != nil {
				onChange(ev)
			}
		}
	}
}

func apply(ctx context.Context, ev geo.QueryEvent, users UserReader, set *Annotations) bool {
	switch ev.Kind {
	case geo.Exited:
		return set.Remove(ev.UID)
	case geo.Moved:
		if set.Move(ev.UID, ev.Loc) {
			return true
		}
	}
	u, err := users.GetUser(ctx, ev.UID)
	if err != nil || !u.IsDriver() || ctx.Err() != nil {
		return false
	}
	set.Upsert(ev.UID, u.Name, ev.Loc)
	return true
}
