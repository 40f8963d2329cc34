package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

const writeWait = 5 * time.Second

// upgrade switches to a websocket and returns a context that ends when the
// peer goes away. Client frames are read and discarded.
func (s *Server) upgrade(w http.ResponseWriter, r *http.Request, kind string) (*websocket.Conn, context.Context, func(), bool) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "kind", kind, "error", err)
		return nil, nil, nil, false
	}
	// Drop the server's request timeouts; streams live until either side closes.
	_ = conn.SetReadDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Time{})
	observability.OpenStreams.WithLabelValues(kind).Inc()
	ctx, cancel := context.WithCancel(s.base)
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()
	done := func() {
		cancel()
		conn.Close()
		observability.OpenStreams.WithLabelValues(kind).Dec()
	}
	return conn, ctx, done, true
}

// pump writes every value from ch until it closes or the peer leaves. When
// keep is set and rejects a value, the stream ends with a policy close.
func pump[T any](ctx context.Context, conn *websocket.Conn, ch <-chan T, keep func(T) bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-ch:
			if !ok {
				closeWith(conn, websocket.CloseNormalClosure, "")
				return
			}
			if keep != nil && !keep(v) {
				closeWith(conn, websocket.ClosePolicyViolation, "forbidden")
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(v); err != nil {
				return
			}
		}
	}
}

func closeWith(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
}

// handleTripWS streams trips/{passengerUid}. Only the passenger may watch
// before a trip exists, and only the passenger and the assigned driver once
// it is accepted. A watcher that stops qualifying is disconnected.
func (s *Server) handleTripWS(w http.ResponseWriter, r *http.Request) {
	passengerUID := mux.Vars(r)["passengerUid"]
	caller := callerUID(r.Context())
	driver := s.isDriver(r.Context(), caller)
	t, err := s.Trips.Get(r.Context(), passengerUID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if caller != passengerUID {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
	case err != nil:
		s.writeErr(w, r, err)
		return
	case !visibleTo(caller, driver, t):
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	conn, ctx, done, ok := s.upgrade(w, r, "trip")
	if !ok {
		return
	}
	defer done()
	events, err := s.Trips.Observe(ctx, passengerUID)
	if err != nil {
		s.logger.Warn("observe failed", "passenger_uid", passengerUID, "error", err)
		return
	}
	pump(ctx, conn, events, func(ev models.TripEvent) bool {
		return ev.Trip == nil || visibleTo(caller, driver, ev.Trip)
	})
}

func (s *Server) handleNewTripsWS(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireDriver(w, r); !ok {
		return
	}
	conn, ctx, done, ok := s.upgrade(w, r, "new_trips")
	if !ok {
		return
	}
	defer done()
	pump(ctx, conn, s.Trips.ObserveNew(ctx), nil)
}

func (s *Server) handleNearbyWS(w http.ResponseWriter, r *http.Request) {
	c, ok := parseCoordQuery(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "lat and lng are required")
		return
	}
	conn, ctx, done, ok := s.upgrade(w, r, "nearby")
	if !ok {
		return
	}
	defer done()
	q, err := s.Feed.Query(ctx, c, s.RadiusKm)
	if err != nil {
		s.logger.Warn("nearby query failed", "error", err)
		return
	}
	defer q.Close()
	pump(ctx, conn, q.Events(), nil)
}

// handleOffersWS registers the calling driver for offer delivery until the
// socket closes.
func (s *Server) handleOffersWS(w http.ResponseWriter, r *http.Request) {
	driver, ok := s.requireDriver(w, r)
	if !ok {
		return
	}
	conn, ctx, done, ok := s.upgrade(w, r, "offers")
	if !ok {
		return
	}
	defer done()
	sess := s.WSReg.Add(driver.UID, conn)
	defer s.WSReg.Remove(driver.UID, sess)
	_ = sess.Send(dispatch.Message{Type: "ready"})
	<-ctx.Done()
}
