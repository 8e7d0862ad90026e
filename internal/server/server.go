package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/devanshbm/runq/internal/domain"
	"github.com/devanshbm/runq/internal/notify"
	"github.com/devanshbm/runq/internal/publish"
)

// Submitter is the publish-side entry point the ingress depends on.
type Submitter interface {
	Submit(ctx context.Context, userID, code, language, snippetID string) (publish.Submission, error)
}

// Replayer re-enqueues dead-lettered jobs through the retry queue.
type Replayer interface {
	ReplayDeadLetters(ctx context.Context, limit int) (int, error)
}

// Server is the thin HTTP and WebSocket ingress in front of the pipeline.
type Server struct {
	publisher Submitter
	cache     domain.ResultCache
	registry  *notify.Registry
	replayer  Replayer
	limiter   *RateLimiter
	router    chi.Router
}

// New assembles the router. rate/burst configure the per-IP submission limit.
func New(publisher Submitter, cache domain.ResultCache, registry *notify.Registry, replayer Replayer, rate, burst float64) *Server {
	s := &Server{
		publisher: publisher,
		cache:     cache,
		registry:  registry,
		replayer:  replayer,
		limiter:   NewRateLimiter(rate, burst),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/websocket/status", s.handleWSStatus)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1/code", func(r chi.Router) {
		r.With(s.limiter.Middleware).Post("/execute", s.handleExecute)
		r.Get("/status/{token}", s.handleStatus)
	})
	r.Post("/api/v1/admin/dlq/replay", s.handleReplay)

	r.Get("/ws", s.handleWebSocket)

	s.router = r
	return s
}

// Handler exposes the assembled router.
func (s *Server) Handler() http.Handler {
	return s.router
}

type executeRequest struct {
	Code          string `json:"code"`
	Language      string `json:"language"`
	CodeSnippetID string `json:"code_snippet_id,omitempty"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		userID = "anonymous"
	}

	sub, err := s.publisher.Submit(r.Context(), userID, req.Code, req.Language, req.CodeSnippetID)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrUnsupportedLanguage):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, domain.ErrSecurityRejected):
			writeError(w, http.StatusBadRequest, "code contains potentially dangerous operations")
		case errors.Is(err, domain.ErrBrokerUnavailable):
			writeError(w, http.StatusServiceUnavailable, "execution service temporarily unavailable")
		default:
			slog.Error("submission failed", "error", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	status := http.StatusAccepted
	if sub.Result != nil && sub.Result.Terminal() {
		status = http.StatusOK
	}
	writeJSON(w, status, sub)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if token == "" {
		writeError(w, http.StatusBadRequest, "code token required")
		return
	}

	entry, err := s.cache.Get(r.Context(), token)
	if err != nil {
		slog.Error("status lookup failed", "token", token, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if entry == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": entry})
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	replayed, err := s.replayer.ReplayDeadLetters(r.Context(), limit)
	if err != nil {
		if errors.Is(err, domain.ErrBrokerUnavailable) {
			writeError(w, http.StatusServiceUnavailable, "execution service temporarily unavailable")
			return
		}
		slog.Error("dead-letter replay failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	slog.Info("dead-letter replay requested", "limit", limit, "replayed", replayed)
	writeJSON(w, http.StatusOK, map[string]any{"replayed": replayed})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("API is healthy"))
}

func (s *Server) handleWSStatus(w http.ResponseWriter, r *http.Request) {
	subs := s.registry.ActiveSubscriptions()
	writeJSON(w, http.StatusOK, map[string]any{
		"websocket_server":     "running",
		"active_subscriptions": len(subs),
		"subscription_details": subs,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
