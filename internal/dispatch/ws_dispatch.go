package dispatch

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrNoSession = errors.New("no ws session")

// Message is the envelope written to driver sockets.
type Message struct {
	Type  string        `json:"type"`
	Offer *models.Offer `json:"offer,omitempty"`
}

// WSSession represents a connected driver session
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(m)
}

// WSRegistry holds one live session per driver; a new connection replaces the old one.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

func (r *WSRegistry) Add(driverUID string, conn *websocket.Conn) *WSSession {
	s := &WSSession{conn: conn}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[driverUID] = s
	return s
}

// Remove drops s if it is still the driver's current session.
func (r *WSRegistry) Remove(driverUID string, s *WSSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[driverUID] == s {
		delete(r.sessions, driverUID)
	}
}

func (r *WSRegistry) Offer(driverUID string, offer models.Offer) error {
	r.mu.RLock()
	s, ok := r.sessions[driverUID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.Send(Message{Type: "offer", Offer: &offer})
}
