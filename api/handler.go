package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/yourusername/bucketfence/pkg/bucketfence"
)

const (
	// MaxBatchKeys bounds the keys accepted by one /check request
	MaxBatchKeys = 1000

	maxBodyBytes  = 1 << 20
	healthTimeout = time.Second
)

// Checker is the part of *bucketfence.Limiter the handlers need
type Checker interface {
	Check(ctx context.Context, keys []string, p bucketfence.Params, now time.Time) (map[string]bucketfence.Decision, error)
	Ping(ctx context.Context) error
	Now() time.Time
}

// Handler handles rate limit check requests
type Handler struct {
	limiter  Checker
	defaults bucketfence.Params
	logger   zerolog.Logger
}

// NewHandler creates a new API handler. defaults fill in parameters a
// request leaves out.
func NewHandler(limiter Checker, defaults bucketfence.Params, logger zerolog.Logger) *Handler {
	return &Handler{
		limiter:  limiter,
		defaults: defaults,
		logger:   logger.With().Str("component", "api").Logger(),
	}
}

// CheckRequest represents the incoming rate limit check request
type CheckRequest struct {
	Keys       []string `json:"keys"`                  // Keys decided together as one atomic batch
	ClientID   string   `json:"client_id,omitempty"`   // Shorthand for a single key
	MaxTokens  *int64   `json:"max_tokens,omitempty"`  // Optional: override default capacity
	IntervalMs *int64   `json:"interval_ms,omitempty"` // Optional: override default refill interval
	RefillRate *float64 `json:"refill_rate,omitempty"` // Optional: override default tokens per interval
	NowMs      *int64   `json:"now_ms,omitempty"`      // Optional: decision instant, defaults to server time
}

// CheckResponse represents the rate limit check response
type CheckResponse struct {
	Decisions map[string]DecisionResponse `json:"decisions"`
}

// DecisionResponse is the outcome for one key
type DecisionResponse struct {
	Allowed      bool  `json:"allowed"`
	Remaining    int64 `json:"remaining"`                // -1 when denied
	NextRefillAt int64 `json:"next_refill_at"`           // Epoch ms of the next refill boundary
	RetryAfterMs int64 `json:"retry_after_ms,omitempty"` // Milliseconds until retry (if denied)
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// CheckRateLimit handles POST /check requests
func (h *Handler) CheckRateLimit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.sendError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST requests are allowed")
		return
	}

	var req CheckRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}

	keys := req.Keys
	if len(keys) == 0 && req.ClientID != "" {
		keys = []string{req.ClientID}
	}
	if len(keys) == 0 {
		h.sendError(w, http.StatusBadRequest, "missing_keys", "keys is required")
		return
	}
	if len(keys) > MaxBatchKeys {
		h.sendError(w, http.StatusBadRequest, "too_many_keys", "too many keys in one request")
		return
	}

	params := h.defaults
	if req.MaxTokens != nil {
		params.MaxTokens = *req.MaxTokens
	}
	if req.IntervalMs != nil {
		params.IntervalMs = *req.IntervalMs
	}
	if req.RefillRate != nil {
		params.RefillRate = *req.RefillRate
	}

	now := h.limiter.Now()
	if req.NowMs != nil {
		now = time.UnixMilli(*req.NowMs)
	}

	decisions, err := h.limiter.Check(r.Context(), keys, params, now)
	switch {
	case err == nil:
	case errors.Is(err, bucketfence.ErrInvalidParameters):
		h.sendError(w, http.StatusBadRequest, "invalid_parameters", err.Error())
		return
	case errors.Is(err, bucketfence.ErrInvalidKey):
		h.sendError(w, http.StatusBadRequest, "invalid_key", err.Error())
		return
	case bucketfence.IsRetryable(err):
		w.Header().Set("Retry-After", "1")
		h.sendError(w, http.StatusServiceUnavailable, "store_unavailable", "Rate limit store is unavailable")
		return
	default:
		h.logger.Error().Err(err).Int("keys", len(keys)).Msg("check failed")
		h.sendError(w, http.StatusInternalServerError, "internal_error", "Rate limit check failed")
		return
	}

	resp := CheckResponse{Decisions: make(map[string]DecisionResponse, len(decisions))}
	for key, d := range decisions {
		resp.Decisions[key] = DecisionResponse{
			Allowed:      d.Allowed(),
			Remaining:    d.Remaining,
			NextRefillAt: d.NextRefillAt,
			RetryAfterMs: d.RetryAfter(now).Milliseconds(),
		}
	}

	h.sendJSON(w, http.StatusOK, resp)
}

// Health handles GET /health by pinging the store
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	if err := h.limiter.Ping(ctx); err != nil {
		h.logger.Warn().Err(err).Msg("health check failed")
		h.sendJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	h.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) sendJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Debug().Err(err).Msg("write response")
	}
}

func (h *Handler) sendError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	h.sendJSON(w, statusCode, ErrorResponse{
		Error:   errorCode,
		Message: message,
	})
}
