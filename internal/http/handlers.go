package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-refresh-service/internal/client"
	"github.com/kjstillabower/weather-refresh-service/internal/lifecycle"
	"github.com/kjstillabower/weather-refresh-service/internal/models"
	"github.com/kjstillabower/weather-refresh-service/internal/service"
	"github.com/kjstillabower/weather-refresh-service/internal/store"
	"github.com/kjstillabower/weather-refresh-service/internal/traffic"
	"github.com/kjstillabower/weather-refresh-service/internal/validation"
)

// quotaRetryAfter is sent with QUOTA_EXCEEDED; provider quotas reset per minute.
const quotaRetryAfter = "60"

// WeatherReader serves cached weather, fetching on a miss.
type WeatherReader interface {
	GetWeather(ctx context.Context, locationID int64) ([]models.WeatherRecord, error)
	GetForecast(ctx context.Context, locationID int64) ([]models.ForecastRecord, error)
}

// Subscriptions tracks and untracks locations.
type Subscriptions interface {
	Subscribe(ctx context.Context, locationID int64, subscriber string) error
	Unsubscribe(ctx context.Context, locationID int64, subscriber string) error
}

// HealthConfig holds the probes the health handler reports on. Nil probes are skipped.
type HealthConfig struct {
	StorePing    func(ctx context.Context) error
	CachePing    func() error
	BreakerState func() string
	Cycles       *lifecycle.CycleTracker
	PingTimeout  time.Duration

	// Traffic, when set, drives the overloaded and error-rate checks.
	Traffic              *traffic.Window
	OverloadThresholdPct int // denied share of requests that reports overloaded; 0 disables
	ErrorThresholdPct    int // failed share of served requests that reports degraded; 0 disables
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	weather          WeatherReader
	subscriptions    Subscriptions
	healthConfig     *HealthConfig
	logger           *zap.Logger
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler.
func NewHandler(weather WeatherReader, subscriptions Subscriptions, healthConfig *HealthConfig, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		weather:       weather,
		subscriptions: subscriptions,
		healthConfig:  healthConfig,
		logger:        logger,
	}
}

type weatherResponse struct {
	LocationID   int64                  `json:"locationId"`
	Observations []models.WeatherRecord `json:"observations"`
}

type forecastResponse struct {
	LocationID int64                   `json:"locationId"`
	Periods    []models.ForecastRecord `json:"periods"`
}

type subscriptionResponse struct {
	LocationID int64  `json:"locationId"`
	Subscriber string `json:"subscriber"`
	Tracked    bool   `json:"tracked"`
}

// GetWeather handles GET /locations/{id}/weather.
func (h *Handler) GetWeather(w http.ResponseWriter, r *http.Request) {
	id, ok := locationIDParam(w, r)
	if !ok {
		return
	}
	rows, err := h.weather.GetWeather(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, weatherResponse{LocationID: id, Observations: rows})
}

// GetForecast handles GET /locations/{id}/forecast.
func (h *Handler) GetForecast(w http.ResponseWriter, r *http.Request) {
	id, ok := locationIDParam(w, r)
	if !ok {
		return
	}
	rows, err := h.weather.GetForecast(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, forecastResponse{LocationID: id, Periods: rows})
}

// PutSubscriber handles PUT /locations/{id}/subscribers/{subscriber}. Idempotent.
func (h *Handler) PutSubscriber(w http.ResponseWriter, r *http.Request) {
	id, subscriber, ok := subscriptionParams(w, r)
	if !ok {
		return
	}
	if err := h.subscriptions.Subscribe(r.Context(), id, subscriber); err != nil {
		writeServiceError(w, r, err)
		return
	}
	requestLogger(r).Info("location tracked", zap.Int64("location_id", id), zap.String("subscriber", subscriber))
	writeJSON(w, http.StatusOK, subscriptionResponse{LocationID: id, Subscriber: subscriber, Tracked: true})
}

// DeleteSubscriber handles DELETE /locations/{id}/subscribers/{subscriber}. Idempotent.
func (h *Handler) DeleteSubscriber(w http.ResponseWriter, r *http.Request) {
	id, subscriber, ok := subscriptionParams(w, r)
	if !ok {
		return
	}
	if err := h.subscriptions.Unsubscribe(r.Context(), id, subscriber); err != nil {
		writeServiceError(w, r, err)
		return
	}
	requestLogger(r).Info("location untracked", zap.Int64("location_id", id), zap.String("subscriber", subscriber))
	w.WriteHeader(http.StatusNoContent)
}

func locationIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := validation.ValidateLocationID(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_LOCATION_ID", err.Error())
		return 0, false
	}
	return id, true
}

func subscriptionParams(w http.ResponseWriter, r *http.Request) (int64, string, bool) {
	id, ok := locationIDParam(w, r)
	if !ok {
		return 0, "", false
	}
	subscriber, err := validation.ValidateSubscriber(mux.Vars(r)["subscriber"])
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_SUBSCRIBER", err.Error())
		return 0, "", false
	}
	return id, subscriber, true
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
	checks     map[string]string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus(r.Context())

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	resp := map[string]interface{}{
		"status":    result.status,
		"service":   "weather-refresh-service",
		"version":   "dev",
		"checks":    result.checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if h.healthConfig != nil && h.healthConfig.Cycles != nil {
		resp["jobs"] = h.healthConfig.Cycles.CycleStatuses()
	}
	if h.healthConfig != nil && h.healthConfig.Traffic != nil {
		resp["traffic"] = map[string]interface{}{
			"window": h.healthConfig.Traffic.Size().String(),
			"counts": h.healthConfig.Traffic.Counts(),
		}
	}
	writeJSON(w, result.statusCode, resp)
}

// computeHealthStatus evaluates checks in priority order:
// shutting-down > store unreachable (unhealthy) > overloaded > degraded > healthy.
// Degraded covers cache, breaker, refresh jobs and the request error rate; it
// does not fail the probe because reads are still served from the store.
func (h *Handler) computeHealthStatus(ctx context.Context) healthResult {
	checks := make(map[string]string)
	if lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal", checks}
	}
	if h.healthConfig == nil {
		return healthResult{"healthy", http.StatusOK, "", checks}
	}
	cfg := h.healthConfig

	if cfg.StorePing != nil {
		timeout := cfg.PingTimeout
		if timeout <= 0 {
			timeout = time.Second
		}
		pingCtx, cancel := context.WithTimeout(ctx, timeout)
		err := cfg.StorePing(pingCtx)
		cancel()
		if err != nil {
			checks["store"] = "unhealthy"
			return healthResult{"unhealthy", http.StatusServiceUnavailable, "store_unreachable", checks}
		}
		checks["store"] = "healthy"
	}

	var counts traffic.Counts
	if cfg.Traffic != nil {
		counts = cfg.Traffic.Counts()
		if cfg.OverloadThresholdPct > 0 && counts.Denied > 0 && counts.DenialPct() >= float64(cfg.OverloadThresholdPct) {
			checks["traffic"] = "overloaded"
			return healthResult{"overloaded", http.StatusServiceUnavailable, "overload_threshold", checks}
		}
	}

	reason := ""
	if cfg.Traffic != nil && cfg.ErrorThresholdPct > 0 && counts.Failure > 0 && counts.ErrorPct() >= float64(cfg.ErrorThresholdPct) {
		checks["traffic"] = "error_rate_breach"
		reason = "error_rate_breach"
	}
	if cfg.CachePing != nil {
		if cfg.CachePing() == nil {
			checks["cache"] = "healthy"
		} else {
			checks["cache"] = "unhealthy"
			reason = "cache_unreachable"
		}
	}
	if cfg.BreakerState != nil {
		switch state := cfg.BreakerState(); state {
		case "closed":
			checks["weatherApi"] = "healthy"
		default:
			checks["weatherApi"] = state
			if reason == "" {
				reason = "circuit_" + state
			}
		}
	}
	if cfg.Cycles != nil {
		for _, st := range cfg.Cycles.CycleStatuses() {
			if st.Healthy() {
				checks["refresh:"+st.Job] = "healthy"
				continue
			}
			checks["refresh:"+st.Job] = "failing"
			if reason == "" {
				reason = "refresh_failing"
			}
		}
	}
	if reason != "" {
		return healthResult{"degraded", http.StatusOK, reason, checks}
	}
	return healthResult{"healthy", http.StatusOK, "", checks}
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code, message,
// and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	corrID, _ := r.Context().Value("correlation_id").(string)
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": corrID,
		},
	})
}

// writeServiceError maps service and store errors to responses:
// not found 404, request deadline 504, quota 503 with Retry-After,
// other upstream 503, anything else 500.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	logger := requestLogger(r)
	switch {
	case errors.Is(err, store.ErrLocationNotFound):
		writeError(w, r, http.StatusNotFound, "LOCATION_NOT_FOUND", "Location not found")
	case errors.Is(r.Context().Err(), context.DeadlineExceeded):
		logger.Debug("request deadline exceeded", zap.Error(err))
		writeError(w, r, http.StatusGatewayTimeout, "TIMEOUT", "Request timed out")
	case errors.Is(err, client.ErrQuotaExceeded):
		logger.Debug("upstream quota exceeded", zap.Error(err))
		w.Header().Set("Retry-After", quotaRetryAfter)
		writeError(w, r, http.StatusServiceUnavailable, "QUOTA_EXCEEDED", "Weather provider quota exhausted")
	case errors.Is(err, service.ErrUpstreamUnavailable):
		logger.Debug("upstream error", zap.Error(err))
		writeError(w, r, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "Unable to fetch weather data")
	default:
		logger.Error("request failed", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "Internal error")
	}
}

func requestLogger(r *http.Request) *zap.Logger {
	if logger, ok := r.Context().Value("logger").(*zap.Logger); ok && logger != nil {
		return logger
	}
	return zap.NewNop()
}
