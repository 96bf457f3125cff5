package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/MikeSquared-Agency/archivist/internal/store"
)

const (
	defaultSearchLimit = 20
	maxSearchLimit     = 200
	recentEvents       = 50
)

// Event is an import lifecycle event seen on the bus.
type Event struct {
	Subject    string          `json:"subject"`
	ReceivedAt time.Time       `json:"received_at"`
	Data       json.RawMessage `json:"data"`
}

type Server struct {
	router   *chi.Mux
	port     int
	searcher store.Searcher
	logger   *slog.Logger

	mu     sync.Mutex
	events []Event
}

func NewServer(port int, searcher store.Searcher, origins []string, logger *slog.Logger) *Server {
	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	s := &Server{
		router:   router,
		port:     port,
		searcher: searcher,
		logger:   logger.With("component", "api"),
	}

	router.Get("/health", s.health)
	router.Route("/api/v1/archivist", func(r chi.Router) {
		r.Get("/status", s.status)
		r.Get("/search", s.search)
	})

	return s
}

func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	s.logger.Info("API server starting", "addr", addr)
	return http.ListenAndServe(addr, s.router)
}

// RecordEvent keeps the most recent import events for the status endpoint. Its
// signature matches hermes.Client.Subscribe handlers.
func (s *Server) RecordEvent(subject string, data []byte) {
	if !json.Valid(data) {
		s.logger.Warn("dropping malformed event", "subject", subject)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, Event{Subject: subject, ReceivedAt: time.Now().UTC(), Data: json.RawMessage(data)})
	if len(s.events) > recentEvents {
		s.events = s.events[len(s.events)-recentEvents:]
	}
}

func (s *Server) recent() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	for i, ev := range s.events {
		out[len(out)-1-i] = ev
	}
	return out
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	stats, err := s.searcher.Stats(r.Context())
	if err != nil {
		s.logger.Error("stats failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "store unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agent":   "archivist",
		"status":  "ok",
		"store":   stats,
		"imports": s.recent(),
	})
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "q is required"})
		return
	}

	limit := defaultSearchLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxSearchLimit)
	}

	hits, err := s.searcher.Search(r.Context(), q, limit)
	if err != nil {
		s.logger.Error("search failed", "query", q, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "search unavailable"})
		return
	}
	if hits == nil {
		hits = []store.Hit{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"query": q,
		"count": len(hits),
		"hits":  hits,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
