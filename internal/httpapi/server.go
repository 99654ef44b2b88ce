package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/zhou19830318/xiaozhi/internal/client"
	"github.com/zhou19830318/xiaozhi/internal/journal"
	"github.com/zhou19830318/xiaozhi/internal/observability"
)

// Controller is the slice of the client runtime exposed over HTTP.
type Controller interface {
	Status() client.Status
	Ready() bool
	Edge(pressed bool) bool
	RequestReconnect()
}

type Server struct {
	controller     Controller
	journal        journal.Store
	metrics        *observability.Metrics
	metricsHandler http.Handler
	logger         zerolog.Logger
}

// New builds the local status API. store may be nil when journaling is off.
func New(controller Controller, store journal.Store, metrics *observability.Metrics, logger zerolog.Logger) *Server {
	return &Server{
		controller:     controller,
		journal:        store,
		metrics:        metrics,
		metricsHandler: observability.MetricsHandler(),
		logger:         logger,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metricsHandler.ServeHTTP(w, r)
	})

	r.Get("/v1/status", s.handleStatus)
	r.Post("/v1/button", s.handleButtonAction)
	r.Post("/v1/button/press", s.handleButton(true))
	r.Post("/v1/button/release", s.handleButton(false))
	r.Post("/v1/reconnect", s.handleReconnect)
	r.Get("/v1/journal", s.handleJournal)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"journal_mode": s.journalMode(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.controller.Ready() {
		respondError(w, http.StatusServiceUnavailable, "not_ready", "no connection established yet")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
		"phase":  s.controller.Status().Phase,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.controller.Status())
}

type buttonResponse struct {
	Edge   string `json:"edge"`
	Queued bool   `json:"queued"`
	Button string `json:"button"`
}

// handleButton is the software button. A press on an already pressed button
// is not an edge and is reported as not queued.
func (s *Server) handleButton(pressed bool) http.HandlerFunc {
	edge := "released"
	if pressed {
		edge = "pressed"
	}
	return func(w http.ResponseWriter, _ *http.Request) {
		queued := s.controller.Edge(pressed)
		s.logger.Debug().Str("edge", edge).Bool("queued", queued).Msg("software button")
		respondJSON(w, http.StatusAccepted, buttonResponse{
			Edge:   edge,
			Queued: queued,
			Button: s.controller.Status().Button,
		})
	}
}

type buttonRequest struct {
	Action string `json:"action"`
}

// handleButtonAction accepts {"action":"press"|"release"|"toggle"}; an empty
// body toggles.
func (s *Server) handleButtonAction(w http.ResponseWriter, r *http.Request) {
	var req buttonRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	var pressed bool
	switch strings.ToLower(strings.TrimSpace(req.Action)) {
	case "press":
		pressed = true
	case "release":
		pressed = false
	case "toggle", "":
		pressed = s.controller.Status().Button != "pressed"
	default:
		respondError(w, http.StatusBadRequest, "invalid_action", "action must be press, release or toggle")
		return
	}
	s.handleButton(pressed)(w, r)
}

func (s *Server) handleReconnect(w http.ResponseWriter, _ *http.Request) {
	s.controller.RequestReconnect()
	respondJSON(w, http.StatusAccepted, map[string]any{
		"status": "requested",
		"phase":  s.controller.Status().Phase,
	})
}

const (
	defaultJournalLimit = 50
	maxJournalLimit     = 500
)

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "journal not configured")
		return
	}
	limit := defaultJournalLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = min(n, maxJournalLimit)
	}

	events, err := s.journal.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Warn().Err(err).Msg("journal query failed")
		respondError(w, http.StatusInternalServerError, "journal_error", err.Error())
		return
	}
	if events == nil {
		events = []journal.Event{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"mode":   s.journal.Mode(),
		"events": events,
	})
}

func (s *Server) journalMode() string {
	if s.journal == nil {
		return "disabled"
	}
	return s.journal.Mode()
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// NewHTTPServer wraps the router with the timeouts used by cmd/xiaozhi.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
