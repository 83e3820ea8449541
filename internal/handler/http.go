// Package handler exposes the score pipeline over HTTP.
package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/score-integrity/internal/auth"
	"github.com/score-integrity/internal/config"
	"github.com/score-integrity/internal/domain"
	"github.com/score-integrity/internal/service"
	"github.com/score-integrity/internal/websocket"
)

// Wire error codes beyond the rejection reasons
const (
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeUnavailable    = "UNAVAILABLE"
	CodeNotFound       = "NOT_FOUND"
	CodeRateLimited    = "TOO_MANY_REQUESTS"
)

const maxBodyBytes = 1 << 20

// ReadinessCheck reports whether a backing store is reachable
type ReadinessCheck func(ctx context.Context) error

// Handler provides HTTP handlers for the score API
type Handler struct {
	scores   *service.ScoreService
	review   *service.ReviewService
	hub      *websocket.Hub
	verifier *auth.Verifier
	config   *config.ServerConfig
	checks   map[string]ReadinessCheck
	limiters *expirable.LRU[string, *rate.Limiter]
	logger   *slog.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(
	scores *service.ScoreService,
	review *service.ReviewService,
	hub *websocket.Hub,
	verifier *auth.Verifier,
	cfg *config.ServerConfig,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		scores:   scores,
		review:   review,
		hub:      hub,
		verifier: verifier,
		config:   cfg,
		checks:   make(map[string]ReadinessCheck),
		limiters: expirable.NewLRU[string, *rate.Limiter](10000, nil, 10*time.Minute),
		logger:   logger,
	}
}

// AddReadinessCheck registers a dependency probed by /ready
func (h *Handler) AddReadinessCheck(name string, check ReadinessCheck) *Handler {
	h.checks[name] = check
	return h
}

// Router creates and configures the HTTP router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	// Health check
	r.Get("/health", h.HealthCheck)
	r.Get("/ready", h.ReadyCheck)
	r.Handle("/metrics", promhttp.Handler())

	// WebSocket endpoint
	r.Get("/ws", h.HandleWebSocket)

	r.Group(func(r chi.Router) {
		r.Use(h.ipLimiter)
		r.Use(h.verifier.Optional)

		r.Route("/keys", func(r chi.Router) {
			r.Get("/ephemeral", h.IssueKey)
			r.Post("/validate", h.ValidateKey)
		})

		r.Route("/scores", func(r chi.Router) {
			r.Post("/", h.SubmitScore)
			r.Get("/leaderboard/{levelID}", h.GetLeaderboard)
		})

		r.Route("/moderation/scores", func(r chi.Router) {
			r.Use(h.verifier.Required(auth.RoleModerator, auth.RoleAdmin))
			r.Get("/dead-letters", h.ListDeadLetters)
			r.Post("/{scoreID}/approve", h.ApproveScore)
			r.Post("/{scoreID}/reject", h.RejectScore)
		})
	})

	return r
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requestLogger logs one line per request
func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// ipLimiter applies a token bucket per client IP
func (h *Handler) ipLimiter(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		limiter, ok := h.limiters.Get(ip)
		if !ok {
			limiter = rate.NewLimiter(rate.Limit(h.config.RequestsPerSecond), h.config.Burst)
			h.limiters.Add(ip, limiter)
		}
		if !limiter.Allow() {
			h.writeError(w, http.StatusTooManyRequests, CodeRateLimited)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP returns the caller address set by RealIP, without the port
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Warn("failed to write response", "error", err)
	}
}

// writeError writes {"error": code}
func (h *Handler) writeError(w http.ResponseWriter, status int, code string) {
	h.writeJSON(w, status, map[string]string{"error": code})
}

// writeFailure maps a service error onto the wire contract
func (h *Handler) writeFailure(w http.ResponseWriter, r *http.Request, op string, err error) {
	if rej, ok := domain.AsRejection(err); ok {
		h.writeError(w, http.StatusBadRequest, string(rej.Reason))
		return
	}
	switch {
	case errors.Is(err, domain.ErrInvalidRequest),
		errors.Is(err, domain.ErrInvalidPeriod),
		errors.Is(err, domain.ErrLevelNotFound):
		h.writeError(w, http.StatusBadRequest, CodeInvalidRequest)
	case errors.Is(err, domain.ErrScoreNotFound):
		h.writeError(w, http.StatusNotFound, CodeNotFound)
	default:
		h.logger.Error("request failed",
			"op", op,
			"error", err,
			"request_id", middleware.GetReqID(r.Context()),
		)
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"error":     CodeUnavailable,
			"retryable": true,
		})
	}
}

// decode reads a JSON body, keeping numbers as written
func decode(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	return dec.Decode(dst)
}

// HandleWebSocket handles WebSocket upgrade requests
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	websocket.ServeWs(h.hub, h.logger, w, r)
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "healthy",
		"connections": h.hub.TotalConnections(),
	})
}

// ReadyCheck probes every registered dependency
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failed := make(map[string]string)
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		h.logger.Warn("readiness check failed", "failed", failed)
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "unavailable",
			"failed": failed,
		})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// IssueKey starts a scored run
func (h *Handler) IssueKey(w http.ResponseWriter, r *http.Request) {
	key, err := h.scores.IssueSessionKey(r.Context())
	if err != nil {
		h.writeFailure(w, r, "issue key", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"ephemeralKey": key.Secret,
		"sessionId":    key.SessionID,
		"expiresAt":    key.ExpiresAt.UnixMilli(),
	})
}

type validateKeyRequest struct {
	SessionID    string `json:"sessionId"`
	EphemeralKey string `json:"ephemeralKey"`
}

// ValidateKey reports whether a session key is still live
func (h *Handler) ValidateKey(w http.ResponseWriter, r *http.Request) {
	var req validateKeyRequest
	if err := decode(w, r, &req); err != nil || req.SessionID == "" {
		h.writeError(w, http.StatusBadRequest, CodeInvalidRequest)
		return
	}
	valid, err := h.scores.ValidateSessionKey(r.Context(), req.SessionID, req.EphemeralKey)
	if err != nil {
		h.writeFailure(w, r, "validate key", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"valid": valid})
}

type submitRequest struct {
	LevelID         string          `json:"levelId"`
	Value           json.Number     `json:"value"`
	Duration        json.Number     `json:"duration"`
	Meta            map[string]any  `json:"meta"`
	ClientSignature string          `json:"clientSignature"`
	SessionID       string          `json:"sessionId"`
	Timestamp       json.Number     `json:"timestamp"`
	ReplayData      json.RawMessage `json:"replayData"`
}

func (req submitRequest) submission() (domain.ScoreSubmission, error) {
	if req.LevelID == "" || req.Value == "" || req.Duration == "" || req.Timestamp == "" {
		return domain.ScoreSubmission{}, domain.ErrInvalidRequest
	}
	value, err := req.Value.Int64()
	if err != nil {
		return domain.ScoreSubmission{}, domain.ErrInvalidRequest
	}
	duration, err := req.Duration.Float64()
	if err != nil {
		return domain.ScoreSubmission{}, domain.ErrInvalidRequest
	}
	timestamp, err := req.Timestamp.Int64()
	if err != nil {
		return domain.ScoreSubmission{}, domain.ErrInvalidRequest
	}

	sub := domain.ScoreSubmission{
		LevelID:         req.LevelID,
		Value:           value,
		Duration:        duration,
		Meta:            req.Meta,
		ClientSignature: req.ClientSignature,
		SessionID:       req.SessionID,
		Timestamp:       timestamp,
	}
	if len(req.ReplayData) > 0 && !bytes.Equal(req.ReplayData, []byte("null")) {
		sub.ReplayData = req.ReplayData
	}
	return sub, nil
}

// SubmitScore handles score submission
func (h *Handler) SubmitScore(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeInvalidRequest)
		return
	}
	sub, err := req.submission()
	if err != nil {
		h.writeError(w, http.StatusBadRequest, CodeInvalidRequest)
		return
	}

	sub.ClientIP = clientIP(r)
	if id, ok := auth.FromContext(r.Context()); ok && !id.Guest {
		userID := id.UserID
		sub.UserID = &userID
		sub.Username = id.Username
	}

	result, err := h.scores.SubmitScore(r.Context(), sub)
	if err != nil {
		h.writeFailure(w, r, "submit score", err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":          "accepted",
		"scoreId":         result.ScoreID,
		"provisionalRank": result.ProvisionalRank,
	})
}

// GetLeaderboard returns the top of a level's board
func (h *Handler) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	levelID := chi.URLParam(r, "levelID")

	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil || l < 0 {
			h.writeError(w, http.StatusBadRequest, CodeInvalidRequest)
			return
		}
		limit = l
	}

	entries, err := h.scores.Leaderboard(r.Context(), levelID, r.URL.Query().Get("period"), limit)
	if err != nil {
		h.writeFailure(w, r, "get leaderboard", err)
		return
	}
	if entries == nil {
		entries = []domain.LeaderboardEntry{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"leaderboard": entries})
}

// ListDeadLetters returns revalidation jobs awaiting review
func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}
	letters, err := h.review.DeadLetters(r.Context(), limit)
	if err != nil {
		h.writeFailure(w, r, "list dead letters", err)
		return
	}
	if letters == nil {
		letters = []domain.DeadLetter{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"deadLetters": letters})
}

type reviewRequest struct {
	Notes  string `json:"notes"`
	Reason string `json:"reason"`
}

// ApproveScore marks a score valid
func (h *Handler) ApproveScore(w http.ResponseWriter, r *http.Request) {
	h.reviewScore(w, r, true)
}

// RejectScore marks a score invalid
func (h *Handler) RejectScore(w http.ResponseWriter, r *http.Request) {
	h.reviewScore(w, r, false)
}

func (h *Handler) reviewScore(w http.ResponseWriter, r *http.Request, approve bool) {
	var req reviewRequest
	if r.ContentLength != 0 {
		if err := decode(w, r, &req); err != nil {
			h.writeError(w, http.StatusBadRequest, CodeInvalidRequest)
			return
		}
	}
	moderator, _ := auth.FromContext(r.Context())
	scoreID := chi.URLParam(r, "scoreID")

	var (
		rec      domain.ScoreRecord
		resolved bool
		err      error
	)
	if approve {
		rec, resolved, err = h.review.Approve(r.Context(), scoreID, moderator.UserID, req.Notes)
	} else {
		rec, resolved, err = h.review.Reject(r.Context(), scoreID, moderator.UserID, req.Reason)
	}
	if err != nil {
		h.writeFailure(w, r, "review score", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"score":    rec,
		"resolved": resolved,
	})
}
