package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-refresh-service/internal/observability"
	"github.com/kjstillabower/weather-refresh-service/internal/traffic"
)

// RouterConfig controls middleware on the /locations routes.
type RouterConfig struct {
	// Limiter is shared by all /locations routes. Nil disables rate limiting.
	Limiter        *rate.Limiter
	RequestTimeout time.Duration
	// Traffic receives the outcome of every /locations request, denials included.
	Traffic *traffic.Window
}

// NewRouter wires the API, health and metrics routes.
func NewRouter(h *Handler, logger *zap.Logger, cfg RouterConfig) *mux.Router {
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)
	router.Use(InFlightMiddleware)
	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)

	locations := router.PathPrefix("/locations/{id}").Subrouter()
	locations.Use(TrafficMiddleware(cfg.Traffic))
	locations.Use(RateLimitMiddleware(cfg.Limiter))
	if cfg.RequestTimeout > 0 {
		locations.Use(TimeoutMiddleware(cfg.RequestTimeout))
	}
	locations.HandleFunc("/weather", h.GetWeather).Methods(http.MethodGet)
	locations.HandleFunc("/forecast", h.GetForecast).Methods(http.MethodGet)
	locations.HandleFunc("/subscribers/{subscriber}", h.PutSubscriber).Methods(http.MethodPut)
	locations.HandleFunc("/subscribers/{subscriber}", h.DeleteSubscriber).Methods(http.MethodDelete)
	return router
}
