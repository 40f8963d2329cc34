package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/infra"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/trips"
)

// Deps are the components the API serves. Kafka and Verifier are optional.
type Deps struct {
	Trips    *trips.Service
	Users    storage.UserStore
	Feed     *geo.Feed
	Matcher  *matcher.Service
	Kafka    *ingest.KafkaProducer
	WSReg    *dispatch.WSRegistry
	Verifier infra.TokenVerifier
	RadiusKm float64
	Logger   *slog.Logger
}

type Server struct {
	Deps
	logger *slog.Logger
	mux    *mux.Router

	// base outlives requests; websocket streams end when it is cancelled.
	base context.Context
	stop context.CancelFunc
}

func NewServer(d Deps) *Server {
	s := &Server{Deps: d, logger: logging.OrNop(d.Logger), mux: mux.NewRouter()}
	s.base, s.stop = context.WithCancel(context.Background())
	if s.WSReg == nil {
		s.WSReg = dispatch.NewWSRegistry()
	}
	s.routes()
	s.registerMiddleware()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/users/{uid}", s.handlePutUser).Methods("PUT")
	api.HandleFunc("/users/{uid}", s.handleGetUser).Methods("GET")
	api.HandleFunc("/drivers/nearby", s.handleNearby).Methods("GET")
	api.HandleFunc("/drivers/{uid}/location", s.handleDriverLocation).Methods("PUT")
	api.HandleFunc("/drivers/{uid}/location", s.handleDriverOffline).Methods("DELETE")
	api.HandleFunc("/trips", s.handleUploadTrip).Methods("POST")
	api.HandleFunc("/trips/{passengerUid}", s.handleGetTrip).Methods("GET")
	api.HandleFunc("/trips/{passengerUid}", s.handleCancelTrip).Methods("DELETE")
	api.HandleFunc("/trips/{passengerUid}/accept", s.handleAcceptTrip).Methods("POST")
	api.HandleFunc("/trips/{passengerUid}/advance", s.handleAdvanceTrip).Methods("POST")
	api.HandleFunc("/trips/{passengerUid}/clear", s.handleClearTrip).Methods("POST")

	ws := s.mux.PathPrefix("/ws").Subrouter()
	ws.Use(s.authMiddleware)
	ws.HandleFunc("/trips", s.handleNewTripsWS)
	ws.HandleFunc("/trips/{passengerUid}", s.handleTripWS)
	ws.HandleFunc("/drivers/nearby", s.handleNearbyWS)
	ws.HandleFunc("/offers", s.handleOffersWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// Close ends open websocket streams. http.Server.Shutdown does not track
// hijacked connections, so call this alongside it.
func (s *Server) Close() { s.stop() }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeErr maps domain errors onto status codes.
func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrTripInvariant):
		status = http.StatusBadRequest
	case errors.Is(err, trips.ErrNotAssigned):
		status = http.StatusForbidden
	case errors.Is(err, trips.ErrActiveTrip),
		errors.Is(err, trips.ErrInvalidTransition),
		errors.Is(err, storage.ErrConflict),
		errors.Is(err, storage.ErrImmutable):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}
