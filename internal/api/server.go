// Package api serves the operational HTTP surface: producer ingress, room
// broadcasts, schedule cancellation, stats and health.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"herald/internal/hub"
	"herald/internal/logger"
	"herald/internal/registry"
	"herald/internal/scheduler"
	"herald/pkg/types"
)

const maxBodyBytes = 1 << 20

// Hub is the part of the hub the API exposes.
type Hub interface {
	Deliver(ctx context.Context, req hub.DeliverRequest) (hub.Receipt, error)
	CancelScheduled(ctx context.Context, id string) (bool, error)
	FlushBatches(ctx context.Context, userID, key string) int
	BroadcastToRoom(ctx context.Context, room string, env types.Envelope, excludeUserID string) (int, error)
	Stats() hub.Stats
}

// HealthCheck probes one dependency for /health.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type Server struct {
	hub       Hub
	checks    []HealthCheck
	router    chi.Router
	startedAt time.Time
	logger    *slog.Logger
}

// NewServer builds the router. ws, when non-nil, is mounted at /ws.
func NewServer(h Hub, ws http.Handler, checks []HealthCheck, log *slog.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}
	s := &Server{
		hub:       h,
		checks:    checks,
		router:    chi.NewRouter(),
		startedAt: time.Now(),
		logger:    log.With(logger.Component("api")),
	}
	s.setupRoutes(ws)
	return s
}

func (s *Server) setupRoutes(ws http.Handler) {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(corsMiddleware)

	if ws != nil {
		s.router.Handle("/ws", ws)
	}

	s.router.Group(func(r chi.Router) {
		r.Use(jsonMiddleware)

		r.Get("/health", s.healthCheck)
		r.Route("/api", func(r chi.Router) {
			r.Get("/stats", s.stats)
			r.Post("/notifications", s.deliver)
			r.Delete("/schedules/{id}", s.cancelSchedule)
			r.Post("/rooms/{room}/messages", s.broadcastToRoom)
			r.Post("/users/{user}/batches/{key}/flush", s.flushBatches)
		})
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

type HealthResponse struct {
	Status      string            `json:"status"`
	Timestamp   time.Time         `json:"timestamp"`
	Uptime      string            `json:"uptime"`
	Checks      map[string]string `json:"checks"`
	Connections int               `json:"connections"`
	Goroutines  int               `json:"goroutines"`
}

// POST /api/notifications
func (s *Server) deliver(w http.ResponseWriter, r *http.Request) {
	var req hub.DeliverRequest
	if err := decode(w, r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	receipt, err := s.hub.Deliver(r.Context(), req)
	switch {
	case err == nil:
		s.sendJSON(w, http.StatusAccepted, receipt)
	case errors.Is(err, hub.ErrInvalidNotification):
		s.sendError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, scheduler.ErrStoreUnavailable):
		s.logError(r, "schedule store unavailable", err)
		s.sendError(w, http.StatusServiceUnavailable, "scheduled delivery is unavailable")
	default:
		s.logError(r, "delivery failed", err)
		s.sendError(w, http.StatusInternalServerError, "delivery failed")
	}
}

// DELETE /api/schedules/{id}
func (s *Server) cancelSchedule(w http.ResponseWriter, r *http.Request) {
	ok, err := s.hub.CancelScheduled(r.Context(), chi.URLParam(r, "id"))
	switch {
	case err != nil:
		s.logError(r, "schedule cancel failed", err)
		s.sendError(w, http.StatusServiceUnavailable, "schedule store unavailable")
	case !ok:
		s.sendError(w, http.StatusNotFound, "schedule not found")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

type RoomMessageRequest struct {
	Type          string `json:"type,omitempty"`
	Data          any    `json:"data"`
	ExcludeUserID string `json:"exclude_user_id,omitempty"`
}

type SentResponse struct {
	Sent int `json:"sent"`
}

// POST /api/rooms/{room}/messages
func (s *Server) broadcastToRoom(w http.ResponseWriter, r *http.Request) {
	var req RoomMessageRequest
	if err := decode(w, r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	sent, err := s.hub.BroadcastToRoom(r.Context(), chi.URLParam(r, "room"), types.Envelope{
		Type: req.Type,
		Data: req.Data,
	}, req.ExcludeUserID)
	switch {
	case errors.Is(err, registry.ErrInvalidRoom):
		s.sendError(w, http.StatusBadRequest, "invalid room name")
	case err != nil:
		s.logError(r, "room broadcast failed", err)
		s.sendError(w, http.StatusInternalServerError, "broadcast failed")
	default:
		s.sendJSON(w, http.StatusOK, SentResponse{Sent: sent})
	}
}

type FlushResponse struct {
	Flushed int `json:"flushed"`
}

// POST /api/users/{user}/batches/{key}/flush
func (s *Server) flushBatches(w http.ResponseWriter, r *http.Request) {
	n := s.hub.FlushBatches(r.Context(), chi.URLParam(r, "user"), chi.URLParam(r, "key"))
	s.sendJSON(w, http.StatusOK, FlushResponse{Flushed: n})
}

// GET /api/stats
func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	s.sendJSON(w, http.StatusOK, s.hub.Stats())
}

// GET /health
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:      "healthy",
		Timestamp:   time.Now().UTC(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
		Checks:      make(map[string]string, len(s.checks)),
		Connections: s.hub.Stats().Connections.Active,
		Goroutines:  runtime.NumGoroutine(),
	}
	for _, c := range s.checks {
		if err := c.Check(ctx); err != nil {
			resp.Status = "unhealthy"
			resp.Checks[c.Name] = "error: " + err.Error()
			continue
		}
		resp.Checks[c.Name] = "healthy"
	}

	code := http.StatusOK
	if resp.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	s.sendJSON(w, code, resp)
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("response encode failed", logger.Error(err))
	}
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	s.sendJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func (s *Server) logError(r *http.Request, msg string, err error) {
	s.logger.LogAttrs(r.Context(), slog.LevelError, msg,
		slog.String("request_id", middleware.GetReqID(r.Context())),
		slog.String("path", r.URL.Path),
		logger.Error(err),
	)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
