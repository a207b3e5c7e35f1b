package http

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-refresh-service/internal/models"
	"github.com/kjstillabower/weather-refresh-service/internal/observability"
	"github.com/kjstillabower/weather-refresh-service/internal/service"
	"github.com/kjstillabower/weather-refresh-service/internal/traffic"
)

func TestCorrelationIDMiddleware_GeneratesID(t *testing.T) {
	var seen string
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(zap.NewNop()))
	router.HandleFunc("/x", func(w http.ResponseWriter, r *http.Request) {
		seen, _ = r.Context().Value("correlation_id").(string)
		if _, ok := r.Context().Value("logger").(*zap.Logger); !ok {
			t.Error("request logger missing from context")
		}
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))

	got := w.Header().Get("X-Correlation-ID")
	if got == "" {
		t.Fatal("X-Correlation-ID header missing")
	}
	if seen != got {
		t.Errorf("context correlation id = %q, header = %q", seen, got)
	}
}

func TestCorrelationIDMiddleware_Propagated(t *testing.T) {
	h := NewHandler(&stubReader{weather: []models.WeatherRecord{}}, &stubSubscriptions{}, nil, zap.NewNop())
	router := NewRouter(h, zap.NewNop(), RouterConfig{})

	req := httptest.NewRequest(http.MethodGet, "/locations/1/weather", nil)
	req.Header.Set("X-Correlation-ID", "client-provided-id")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if got := w.Header().Get("X-Correlation-ID"); got != "client-provided-id" {
		t.Errorf("X-Correlation-ID = %q, want client-provided-id", got)
	}
}

func TestMetricsMiddleware_LabelsByRouteTemplate(t *testing.T) {
	h := NewHandler(&stubReader{}, &stubSubscriptions{}, nil, zap.NewNop())
	counter := observability.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/locations/{id}/forecast", "2xx")
	before := testutil.ToFloat64(counter)

	serve(t, h, RouterConfig{}, http.MethodGet, "/locations/11/forecast")
	serve(t, h, RouterConfig{}, http.MethodGet, "/locations/12/forecast")

	if got := testutil.ToFloat64(counter) - before; got != 2 {
		t.Errorf("requests recorded under route template = %v, want 2", got)
	}
}

func TestMetricsMiddleware_RecordsErrorClass(t *testing.T) {
	h := NewHandler(&stubReader{}, &stubSubscriptions{}, nil, zap.NewNop())
	counter := observability.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/locations/{id}/weather", "4xx")
	before := testutil.ToFloat64(counter)

	serve(t, h, RouterConfig{}, http.MethodGet, "/locations/nope/weather")

	if got := testutil.ToFloat64(counter) - before; got != 1 {
		t.Errorf("4xx requests recorded = %v, want 1", got)
	}
}

func TestMiddleware_MetricsRoute(t *testing.T) {
	h := NewHandler(&stubReader{}, &stubSubscriptions{}, nil, zap.NewNop())

	w := serve(t, h, RouterConfig{}, http.MethodGet, "/metrics")

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestTimeoutMiddleware_SetsDeadline(t *testing.T) {
	var deadline time.Time
	var ok bool
	handler := TimeoutMiddleware(time.Second)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deadline, ok = r.Context().Deadline()
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if !ok {
		t.Fatal("request context has no deadline")
	}
	if remaining := time.Until(deadline); remaining > time.Second || remaining < 500*time.Millisecond {
		t.Errorf("deadline in %v, want about 1s", remaining)
	}
}

func TestRateLimitMiddleware_Returns429WhenExceeded(t *testing.T) {
	h := NewHandler(&stubReader{weather: []models.WeatherRecord{}}, &stubSubscriptions{}, nil, zap.NewNop())
	router := NewRouter(h, zap.NewNop(), RouterConfig{Limiter: rate.NewLimiter(rate.Every(time.Hour), 2)})
	denied := testutil.ToFloat64(observability.RateLimitDeniedTotal)

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/locations/1/weather", nil))

		if i < 2 {
			if w.Code != http.StatusOK {
				t.Errorf("request %d: status = %d, want 200", i, w.Code)
			}
			continue
		}
		if w.Code != http.StatusTooManyRequests {
			t.Fatalf("request %d: status = %d, want 429", i, w.Code)
		}
		if body := decodeError(t, w); body.Error.Code != "RATE_LIMITED" {
			t.Errorf("error.code = %q, want RATE_LIMITED", body.Error.Code)
		}
	}
	if got := testutil.ToFloat64(observability.RateLimitDeniedTotal) - denied; got != 1 {
		t.Errorf("denials recorded = %v, want 1", got)
	}
}

func TestRateLimitMiddleware_HealthNotLimited(t *testing.T) {
	h := NewHandler(&stubReader{}, &stubSubscriptions{}, nil, zap.NewNop())
	router := NewRouter(h, zap.NewNop(), RouterConfig{Limiter: rate.NewLimiter(rate.Every(time.Hour), 1)})

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		if w.Code != http.StatusOK {
			t.Errorf("health request %d: status = %d, want 200", i, w.Code)
		}
	}
}

func TestRateLimitMiddleware_NilLimiterPassesThrough(t *testing.T) {
	called := false
	handler := RateLimitMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil).WithContext(context.Background()))

	if !called {
		t.Error("nil limiter should pass requests through")
	}
}

func TestTrafficMiddleware_RecordsOutcomes(t *testing.T) {
	window := traffic.NewWindow(time.Minute, nil)
	reader := &stubReader{err: fmt.Errorf("%w: down", service.ErrUpstreamUnavailable)}
	h := NewHandler(reader, &stubSubscriptions{}, nil, zap.NewNop())
	cfg := RouterConfig{Traffic: window, Limiter: rate.NewLimiter(rate.Every(time.Hour), 2)}
	router := NewRouter(h, zap.NewNop(), cfg)

	for _, path := range []string{"/locations/1/weather", "/locations/x/weather", "/locations/1/weather", "/health"} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	// 503, then 400, then 429 once the two tokens are spent; /health is not counted.
	c := window.Counts()
	if c.Failure != 1 || c.Success != 1 || c.Denied != 1 {
		t.Errorf("Counts() = %+v, want one of each outcome", c)
	}
}
