package lan

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"pos-sync-service/internal/logger"
)

const registerIDHeader = "X-Register-ID"

// AuthToken derives the peer auth token from the operator-configured shared
// secret.
func AuthToken(secret string) string {
	sum := sha256.Sum256([]byte("pos-sync:" + secret))
	return hex.EncodeToString(sum[:])
}

// Server exposes the peer event feed to client-mode registers.
type Server struct {
	registerID string
	token      string
	bus        *Bus
	applier    Applier

	mu    sync.Mutex
	peers map[string]*PeerRegistration

	now func() time.Time
}

func NewServer(registerID, sharedSecret string, bus *Bus, applier Applier) *Server {
	return &Server{
		registerID: registerID,
		token:      AuthToken(sharedSecret),
		bus:        bus,
		applier:    applier,
		peers:      make(map[string]*PeerRegistration),
		now:        time.Now,
	}
}

func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(s.authMiddleware)

	r.Get("/ping", s.Ping)
	r.Get("/events", s.ListEvents)
	r.Post("/events", s.PublishEvent)

	return r
}

// authMiddleware rejects requests whose bearer token does not match the
// shared-secret-derived token. Rejections are final; peers must be
// reconfigured, not retried.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(token) > len(prefix) {
			token = token[len(prefix):]
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) != 1 {
			logger.Log.Warn("Rejected peer request with invalid token", zap.String("remote", r.RemoteAddr))
			http.Error(w, "invalid peer token", http.StatusUnauthorized)
			return
		}

		s.touchPeer(r)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) touchPeer(r *http.Request) {
	id := r.Header.Get(registerIDHeader)
	if id == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.peers[id]
	if !ok {
		p = &PeerRegistration{RegisterID: id, Address: r.RemoteAddr}
		s.peers[id] = p
	}
	p.Address = r.RemoteAddr
	p.LastSeen = s.now()
	p.Reachable = true
}

func (s *Server) Ping(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"register_id": s.registerID})
}

type eventsResponse struct {
	Events    []PeerEvent `json:"events"`
	OldestSeq uint64      `json:"oldest_seq"`
	LastSeq   uint64      `json:"last_seq"`
}

func (s *Server) ListEvents(w http.ResponseWriter, r *http.Request) {
	after, err := strconv.ParseUint(r.URL.Query().Get("after"), 10, 64)
	if err != nil && r.URL.Query().Get("after") != "" {
		http.Error(w, "invalid after parameter", http.StatusBadRequest)
		return
	}

	events, oldest := s.bus.Since(after)
	if events == nil {
		events = []PeerEvent{}
	}

	writeJSON(w, eventsResponse{
		Events:    events,
		OldestSeq: oldest,
		LastSeq:   s.bus.LastSeq(),
	})
}

// PublishEvent accepts a client-originated event, assigns it a sequence
// number on the shared bus, and applies it locally.
func (s *Server) PublishEvent(w http.ResponseWriter, r *http.Request) {
	var in PeerEvent
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "invalid event payload", http.StatusBadRequest)
		return
	}
	if in.Type == "" || in.Entity == "" || in.OriginID == "" {
		http.Error(w, "event type, entity and origin_id are required", http.StatusBadRequest)
		return
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = s.now()
	}

	e := s.bus.Publish(in.Type, in.Entity, in.Payload, in.OriginID, in.Timestamp)

	if err := s.applier.Apply(r.Context(), e); err != nil {
		logger.Log.Error("Failed to apply peer event", zap.String("event", e.String()), zap.Error(err))
		http.Error(w, "failed to apply event", http.StatusInternalServerError)
		return
	}

	writeJSON(w, e)
}

// Peers returns known client registrations with last-seen staleness.
func (s *Server) Peers() []PeerRegistration {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]PeerRegistration, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, *p)
	}
	return out
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Error("Failed to encode response", zap.Error(err))
	}
}
