package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kjstillabower/weather-refresh-service/internal/models"
)

const testAPIKey = "test-api-key-12345"

var seattle = models.Coordinates{Latitude: 47.6062, Longitude: -122.3321}

func currentPayload() map[string]interface{} {
	return map[string]interface{}{
		"dt": 1767268800,
		"main": map[string]interface{}{
			"temp":       15.5,
			"feels_like": 14.9,
			"humidity":   65,
			"pressure":   1012,
		},
		"weather": []map[string]interface{}{
			{"id": 802, "main": "Clouds", "description": "scattered clouds"},
		},
		"wind":   map[string]interface{}{"speed": 3.2},
		"clouds": map[string]interface{}{"all": 40},
	}
}

func forecastPayload(n int) map[string]interface{} {
	list := make([]map[string]interface{}, 0, n)
	for i := 0; i < n; i++ {
		list = append(list, map[string]interface{}{
			"dt":      1767268800 + i*10800,
			"main":    map[string]interface{}{"temp": 10.0 + float64(i), "feels_like": 9.0, "humidity": 80, "pressure": 1000},
			"weather": []map[string]interface{}{{"id": 500, "main": "Rain", "description": "light rain"}},
			"wind":    map[string]interface{}{"speed": 4.1},
			"pop":     0.35,
		})
	}
	return map[string]interface{}{"cnt": n, "list": list}
}

func jsonHandler(t *testing.T, payload interface{}) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(payload)
	}
}

func newTestClient(t *testing.T, baseURL string, mutate func(*Options)) *OpenWeatherClient {
	t.Helper()
	opts := Options{
		APIKey:         testAPIKey,
		BaseURL:        baseURL,
		Timeout:        2 * time.Second,
		RetryBaseDelay: 10 * time.Millisecond,
		RetryMaxDelay:  100 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := NewOpenWeatherClient(opts)
	if err != nil {
		t.Fatalf("NewOpenWeatherClient() error = %v", err)
	}
	return c
}

func TestNewOpenWeatherClient_InvalidAPIKey(t *testing.T) {
	tests := []struct {
		name    string
		apiKey  string
		wantErr error
	}{
		{name: "empty API key", apiKey: "", wantErr: ErrInvalidAPIKey},
		{name: "too short API key", apiKey: "short", wantErr: ErrInvalidAPIKey},
		{name: "valid API key", apiKey: "valid-api-key-12345", wantErr: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewOpenWeatherClient(Options{APIKey: tt.apiKey, BaseURL: "https://api.test.com"})
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("NewOpenWeatherClient() error = %v, want %v", err, tt.wantErr)
				}
				if client != nil {
					t.Errorf("NewOpenWeatherClient() expected nil client on error")
				}
				return
			}
			if err != nil || client == nil {
				t.Fatalf("NewOpenWeatherClient() = %v, %v", client, err)
			}
		})
	}
}

func TestOpenWeatherClient_CurrentWeather_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		if r.URL.Path != "/weather" {
			t.Errorf("path = %q, want /weather", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("lat") != "47.6062" || q.Get("lon") != "-122.3321" {
			t.Errorf("coordinates in query = %s", r.URL.RawQuery)
		}
		if q.Get("appid") != testAPIKey {
			t.Errorf("expected API key in query")
		}
		if q.Get("units") != "metric" {
			t.Errorf("expected units=metric in query")
		}
		jsonHandler(t, currentPayload())(w, r)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, nil)
	got, err := client.CurrentWeather(context.Background(), seattle)
	if err != nil {
		t.Fatalf("CurrentWeather() error = %v", err)
	}

	if got.Temperature != 15.5 || got.FeelsLike != 14.9 {
		t.Errorf("temperatures = %v/%v", got.Temperature, got.FeelsLike)
	}
	if got.ConditionID != 802 || got.ConditionDescription != "scattered clouds" {
		t.Errorf("condition = %d %q", got.ConditionID, got.ConditionDescription)
	}
	if got.Humidity != 65 || got.Pressure != 1012 || got.WindSpeed != 3.2 || got.Cloudiness != 40 {
		t.Errorf("observation = %+v", got)
	}
	if !got.ProviderTime.Equal(time.Unix(1767268800, 0)) {
		t.Errorf("ProviderTime = %v", got.ProviderTime)
	}
}

func TestOpenWeatherClient_Forecast_Success(t *testing.T) {
	var gotCnt string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/forecast" {
			t.Errorf("path = %q, want /forecast", r.URL.Path)
		}
		gotCnt = r.URL.Query().Get("cnt")
		jsonHandler(t, forecastPayload(3))(w, r)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, nil)
	periods, err := client.Forecast(context.Background(), seattle, 3)
	if err != nil {
		t.Fatalf("Forecast() error = %v", err)
	}
	if gotCnt != "3" {
		t.Errorf("cnt = %q, want 3", gotCnt)
	}
	if len(periods) != 3 {
		t.Fatalf("periods = %d, want 3", len(periods))
	}
	for i := 1; i < len(periods); i++ {
		if !periods[i].Start.After(periods[i-1].Start) {
			t.Errorf("periods not ascending at %d", i)
		}
	}
	if periods[2].Temperature != 12 || periods[0].PrecipitationProbability != 0.35 {
		t.Errorf("periods = %+v", periods)
	}
}

func TestOpenWeatherClient_Forecast_ClampsPeriods(t *testing.T) {
	var gotCnt string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCnt = r.URL.Query().Get("cnt")
		jsonHandler(t, forecastPayload(1))(w, r)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, nil)
	if _, err := client.Forecast(context.Background(), seattle, 500); err != nil {
		t.Fatalf("Forecast() error = %v", err)
	}
	if gotCnt != "40" {
		t.Errorf("cnt = %q, want 40", gotCnt)
	}
}

func TestOpenWeatherClient_ErrorHandling(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		wantErr    error
		retryable  bool
	}{
		{"401 unauthorized", http.StatusUnauthorized, ErrInvalidAPIKey, false},
		{"429 quota", http.StatusTooManyRequests, ErrQuotaExceeded, false},
		{"404 not found", http.StatusNotFound, ErrUpstreamFailure, true},
		{"500 server error", http.StatusInternalServerError, ErrUpstreamFailure, true},
		{"502 bad gateway", http.StatusBadGateway, ErrUpstreamFailure, true},
		{"503 unavailable", http.StatusServiceUnavailable, ErrUpstreamFailure, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.statusCode)
			}))
			defer server.Close()

			client := newTestClient(t, server.URL, nil)
			_, err := client.CurrentWeather(context.Background(), seattle)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("CurrentWeather() error = %v, want %v", err, tt.wantErr)
			}
			if got := client.isRetryable(err); got != tt.retryable {
				t.Errorf("isRetryable() = %v, want %v for %v", got, tt.retryable, err)
			}
		})
	}
}

func TestOpenWeatherClient_MalformedResponses(t *testing.T) {
	emptyWeather := currentPayload()
	emptyWeather["weather"] = []interface{}{}
	missingTemp := currentPayload()
	missingTemp["main"] = map[string]interface{}{"humidity": 50}

	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"invalid json", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("invalid json")) }},
		{"empty weather array", jsonHandler(t, emptyWeather)},
		{"missing temperature", jsonHandler(t, missingTemp)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			client := newTestClient(t, server.URL, nil)
			_, err := client.CurrentWeather(context.Background(), seattle)
			if !errors.Is(err, ErrMalformedResponse) {
				t.Errorf("CurrentWeather() error = %v, want ErrMalformedResponse", err)
			}
		})
	}
}

func TestOpenWeatherClient_DefaultIsSingleAttempt(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, nil)
	if _, err := client.CurrentWeather(context.Background(), seattle); err == nil {
		t.Fatal("CurrentWeather() expected error")
	}
	if n := atomic.LoadInt32(&attempts); n != 1 {
		t.Errorf("attempts = %d, want 1", n)
	}
}

func TestOpenWeatherClient_RetryLogic(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		jsonHandler(t, currentPayload())(w, r)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, func(o *Options) { o.RetryAttempts = 3 })
	if _, err := client.CurrentWeather(context.Background(), seattle); err != nil {
		t.Fatalf("CurrentWeather() error = %v", err)
	}
	if n := atomic.LoadInt32(&attempts); n != 3 {
		t.Errorf("expected 3 attempts, got %d", n)
	}
}

func TestOpenWeatherClient_NoRetryOnQuota(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, func(o *Options) { o.RetryAttempts = 3 })
	_, err := client.CurrentWeather(context.Background(), seattle)
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("CurrentWeather() error = %v, want ErrQuotaExceeded", err)
	}
	if n := atomic.LoadInt32(&attempts); n != 1 {
		t.Errorf("expected 1 attempt (no retry), got %d", n)
	}
}

func TestOpenWeatherClient_ExhaustedRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, func(o *Options) { o.RetryAttempts = 2 })
	_, err := client.CurrentWeather(context.Background(), seattle)
	if err == nil || !strings.Contains(err.Error(), "exhausted retries") {
		t.Errorf("CurrentWeather() error = %v, want 'exhausted retries'", err)
	}
	if !errors.Is(err, ErrUpstreamFailure) {
		t.Errorf("CurrentWeather() error = %v, want ErrUpstreamFailure", err)
	}
}

func TestOpenWeatherClient_ContextCancellation(t *testing.T) {
	server := httptest.NewServer(jsonHandler(t, currentPayload()))
	defer server.Close()

	client := newTestClient(t, server.URL, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.CurrentWeather(ctx, seattle)
	if !errors.Is(err, ErrTransport) {
		t.Errorf("CurrentWeather() error = %v, want ErrTransport", err)
	}
}

func TestOpenWeatherClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client := newTestClient(t, server.URL, func(o *Options) { o.Timeout = 50 * time.Millisecond })
	_, err := client.CurrentWeather(context.Background(), seattle)
	if !errors.Is(err, ErrTransport) {
		t.Errorf("CurrentWeather() error = %v, want ErrTransport", err)
	}
	if CategorizeError(err) != ErrorCategoryTimeout {
		t.Errorf("CategorizeError() = %v, want timeout", CategorizeError(err))
	}
}

func TestOpenWeatherClient_CorrelationID(t *testing.T) {
	var captured string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = r.Header.Get("X-Correlation-ID")
		jsonHandler(t, currentPayload())(w, r)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, nil)
	ctx := context.WithValue(context.Background(), "correlation_id", "test-correlation-id-123")
	if _, err := client.CurrentWeather(ctx, seattle); err != nil {
		t.Fatalf("CurrentWeather() error = %v", err)
	}
	if captured != "test-correlation-id-123" {
		t.Errorf("X-Correlation-ID header = %q, want %q", captured, "test-correlation-id-123")
	}
}

func TestOpenWeatherClient_CircuitBreakerOpens(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, func(o *Options) {
		o.BreakerFailures = 2
		o.BreakerTimeout = time.Minute
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := client.CurrentWeather(ctx, seattle); !errors.Is(err, ErrUpstreamFailure) {
			t.Fatalf("call %d error = %v, want ErrUpstreamFailure", i, err)
		}
	}
	if client.BreakerState() != "open" {
		t.Fatalf("BreakerState() = %q, want open", client.BreakerState())
	}

	_, err := client.CurrentWeather(ctx, seattle)
	if !errors.Is(err, ErrCircuitOpen) || !errors.Is(err, ErrUpstreamFailure) {
		t.Errorf("open breaker error = %v, want ErrCircuitOpen and ErrUpstreamFailure", err)
	}
	if n := atomic.LoadInt32(&attempts); n != 2 {
		t.Errorf("upstream attempts = %d, want 2 (third call short-circuited)", n)
	}
}

func TestOpenWeatherClient_BreakerIgnoresMalformed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{"))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, func(o *Options) { o.BreakerFailures = 1 })
	for i := 0; i < 3; i++ {
		if _, err := client.CurrentWeather(context.Background(), seattle); !errors.Is(err, ErrMalformedResponse) {
			t.Fatalf("call %d error = %v, want ErrMalformedResponse", i, err)
		}
	}
	if client.BreakerState() != "closed" {
		t.Errorf("BreakerState() = %q, want closed", client.BreakerState())
	}
}

func TestOpenWeatherClient_RateLimiterPacesCalls(t *testing.T) {
	server := httptest.NewServer(jsonHandler(t, currentPayload()))
	defer server.Close()

	client := newTestClient(t, server.URL, func(o *Options) {
		o.RequestsPerSecond = 20
		o.Burst = 1
	})

	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := client.CurrentWeather(context.Background(), seattle); err != nil {
			t.Fatalf("CurrentWeather() error = %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("3 calls at 20/s took %v, want >= ~100ms", elapsed)
	}
}

func TestOpenWeatherClient_calculateBackoff(t *testing.T) {
	client := &OpenWeatherClient{
		retryBaseDelay: 100 * time.Millisecond,
		retryMaxDelay:  2 * time.Second,
	}

	tests := []struct {
		name    string
		attempt int
		wantMax time.Duration
	}{
		{"first retry", 1, 110 * time.Millisecond},
		{"second retry", 2, 220 * time.Millisecond},
		{"capped", 10, 2200 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := client.calculateBackoff(tt.attempt)
			if got > tt.wantMax || got <= 0 {
				t.Errorf("calculateBackoff(%d) = %v, want (0, %v]", tt.attempt, got, tt.wantMax)
			}
		})
	}
}

func TestOpenWeatherClient_BreakerStateWhenDisabled(t *testing.T) {
	client := newTestClient(t, "https://api.test.com", nil)
	if got := client.BreakerState(); got != "closed" {
		t.Errorf("BreakerState() = %q, want closed", got)
	}
}
