package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

type userRequest struct {
	Email       string             `json:"email"`
	Name        string             `json:"name"`
	AccountType models.AccountType `json:"accountType"`
	PushToken   string             `json:"pushToken"`
}

type locationRequest struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type tripRequest struct {
	Pickup      models.Coord `json:"pickupCoordinates"`
	Destination models.Coord `json:"destinationCoordinates"`
}

type advanceRequest struct {
	State string `json:"state"`
}

// ownerOnly rejects callers acting on another uid.
func ownerOnly(w http.ResponseWriter, r *http.Request, uid string) bool {
	if callerUID(r.Context()) != uid {
		writeError(w, http.StatusForbidden, "forbidden")
		return false
	}
	return true
}

func (s *Server) handlePutUser(w http.ResponseWriter, r *http.Request) {
	uid := mux.Vars(r)["uid"]
	if !ownerOnly(w, r, uid) {
		return
	}
	var req userRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if !req.AccountType.Valid() || req.Email == "" {
		writeError(w, http.StatusBadRequest, "email and a valid accountType are required")
		return
	}
	u := &models.User{UID: uid, Email: req.Email, Name: req.Name, AccountType: req.AccountType, PushToken: req.PushToken}
	if err := s.Users.PutUser(r.Context(), u); err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	u, err := s.Users.GetUser(r.Context(), mux.Vars(r)["uid"])
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// requireDriver loads the caller and rejects non-driver accounts.
func (s *Server) requireDriver(w http.ResponseWriter, r *http.Request) (*models.User, bool) {
	return s.requireAccount(w, r, models.AccountDriver)
}

func (s *Server) requireAccount(w http.ResponseWriter, r *http.Request, want models.AccountType) (*models.User, bool) {
	u, err := s.Users.GetUser(r.Context(), callerUID(r.Context()))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusForbidden, "unknown user")
		return nil, false
	}
	if err != nil {
		s.writeErr(w, r, err)
		return nil, false
	}
	if u.AccountType != want {
		writeError(w, http.StatusForbidden, want.String()+" account required")
		return nil, false
	}
	return u, true
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	uid := mux.Vars(r)["uid"]
	if !ownerOnly(w, r, uid) {
		return
	}
	if _, ok := s.requireDriver(w, r); !ok {
		return
	}
	var req locationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	loc := models.Coord{Lat: req.Lat, Lon: req.Lon}
	if !loc.Valid() {
		writeError(w, http.StatusBadRequest, "invalid coordinates")
		return
	}
	if err := s.Feed.Upsert(r.Context(), uid, loc); err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.publishLocation(r, models.DriverLocation{UID: uid, Loc: loc, Online: true, Updated: time.Now().UTC()})
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleDriverOffline(w http.ResponseWriter, r *http.Request) {
	uid := mux.Vars(r)["uid"]
	if !ownerOnly(w, r, uid) {
		return
	}
	if err := s.Feed.Remove(r.Context(), uid); err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.publishLocation(r, models.DriverLocation{UID: uid, Online: false, Updated: time.Now().UTC()})
	w.WriteHeader(http.StatusNoContent)
}

// publishLocation mirrors a location change onto Kafka when a producer is
// configured. The local feed is already updated, so failures are only logged.
func (s *Server) publishLocation(r *http.Request, d models.DriverLocation) {
	if s.Kafka == nil {
		return
	}
	if err := s.Kafka.PublishLocation(r.Context(), d); err != nil {
		s.logger.Warn("kafka publish failed", "driver_uid", d.UID, "request_id", requestIDFromContext(r.Context()), "error", err)
	}
}

func parseCoordQuery(r *http.Request) (models.Coord, bool) {
	q := r.URL.Query()
	lat, err1 := strconv.ParseFloat(q.Get("lat"), 64)
	lng, err2 := strconv.ParseFloat(q.Get("lng"), 64)
	c := models.Coord{Lat: lat, Lon: lng}
	return c, err1 == nil && err2 == nil && c.Valid()
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	c, ok := parseCoordQuery(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "lat and lng are required")
		return
	}
	cands, err := s.Matcher.Nearby(r.Context(), c)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cands)
}

func (s *Server) handleUploadTrip(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireAccount(w, r, models.AccountPassenger); !ok {
		return
	}
	var req tripRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	t, err := s.Trips.Upload(r.Context(), callerUID(r.Context()), req.Pickup, req.Destination)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// canSee lets the passenger and the assigned driver read a trip. Any driver
// account may read one that is still requested.
func (s *Server) canSee(r *http.Request, t *models.Trip) bool {
	caller := callerUID(r.Context())
	return visibleTo(caller, s.isDriver(r.Context(), caller), t)
}

func (s *Server) isDriver(ctx context.Context, uid string) bool {
	u, err := s.Users.GetUser(ctx, uid)
	return err == nil && u.IsDriver()
}

func visibleTo(caller string, driver bool, t *models.Trip) bool {
	if caller == t.PassengerUID || caller == t.DriverUID {
		return true
	}
	return driver && t.State == models.TripRequested
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	t, err := s.Trips.Get(r.Context(), mux.Vars(r)["passengerUid"])
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if !s.canSee(r, t) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleAcceptTrip(w http.ResponseWriter, r *http.Request) {
	driver, ok := s.requireDriver(w, r)
	if !ok {
		return
	}
	t, err := s.Trips.Accept(r.Context(), mux.Vars(r)["passengerUid"], driver.UID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if t.DriverUID != driver.UID {
		writeJSON(w, http.StatusConflict, map[string]any{"error": "trip already taken"})
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleAdvanceTrip(w http.ResponseWriter, r *http.Request) {
	var req advanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	to, err := models.ParseTripState(req.State)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	t, err := s.Trips.Advance(r.Context(), mux.Vars(r)["passengerUid"], callerUID(r.Context()), to)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleCancelTrip(w http.ResponseWriter, r *http.Request) {
	passengerUID := mux.Vars(r)["passengerUid"]
	t, err := s.Trips.Get(r.Context(), passengerUID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if caller := callerUID(r.Context()); caller != t.PassengerUID && caller != t.DriverUID {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	if err := s.Trips.Cancel(r.Context(), passengerUID); err != nil {
		s.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearTrip(w http.ResponseWriter, r *http.Request) {
	passengerUID := mux.Vars(r)["passengerUid"]
	if !ownerOnly(w, r, passengerUID) {
		return
	}
	if err := s.Trips.Clear(r.Context(), passengerUID); err != nil {
		s.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
