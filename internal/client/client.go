package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-refresh-service/internal/models"
	"github.com/kjstillabower/weather-refresh-service/internal/observability"
)

// MaxForecastPeriods is the provider limit: 8 three-hour periods per day for 5 days.
const MaxForecastPeriods = 40

// WeatherClient fetches provider data by coordinates.
type WeatherClient interface {
	CurrentWeather(ctx context.Context, coords models.Coordinates) (models.CurrentObservation, error)
	Forecast(ctx context.Context, coords models.Coordinates, periods int) ([]models.ForecastPeriod, error)
}

var (
	ErrInvalidAPIKey     = errors.New("invalid API key")
	ErrQuotaExceeded     = errors.New("provider quota exceeded")
	ErrUpstreamFailure   = errors.New("upstream failure")
	ErrTransport         = errors.New("transport error")
	ErrMalformedResponse = errors.New("malformed provider response")
	ErrCircuitOpen       = errors.New("circuit breaker open")
)

const (
	endpointWeather  = "weather"
	endpointForecast = "forecast"
)

// Options configures an OpenWeatherClient. Zero values fall back to defaults.
type Options struct {
	APIKey  string
	BaseURL string // e.g. https://api.openweathermap.org/data/2.5
	Units   string
	Timeout time.Duration

	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// RequestsPerSecond caps outbound calls to stay inside the provider quota. 0 disables.
	RequestsPerSecond float64
	Burst             int

	// BreakerFailures is the consecutive failure count that opens the breaker. 0 disables.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

type OpenWeatherClient struct {
	apiKey         string
	baseURL        string
	units          string
	timeout        time.Duration
	client         *http.Client
	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	limiter        *rate.Limiter
	breaker        *gobreaker.CircuitBreaker
}

func NewOpenWeatherClient(opts Options) (*OpenWeatherClient, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("%w: API key is required", ErrInvalidAPIKey)
	}
	if len(opts.APIKey) < 10 {
		return nil, fmt.Errorf("%w: API key appears invalid (too short)", ErrInvalidAPIKey)
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.openweathermap.org/data/2.5"
	}
	if _, err := url.Parse(opts.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}
	if opts.Units == "" {
		opts.Units = "metric"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 1
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 100 * time.Millisecond
	}
	if opts.RetryMaxDelay <= 0 {
		opts.RetryMaxDelay = 2 * time.Second
	}

	c := &OpenWeatherClient{
		apiKey:         opts.APIKey,
		baseURL:        strings.TrimRight(opts.BaseURL, "/"),
		units:          opts.Units,
		timeout:        opts.Timeout,
		retryAttempts:  opts.RetryAttempts,
		retryBaseDelay: opts.RetryBaseDelay,
		retryMaxDelay:  opts.RetryMaxDelay,
		client: &http.Client{
			Timeout: opts.Timeout,
		},
	}
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	if opts.BreakerFailures > 0 {
		c.breaker = newBreaker(opts.BreakerFailures, opts.BreakerTimeout)
	}
	return c, nil
}

func newBreaker(failures uint32, timeout time.Duration) *gobreaker.CircuitBreaker {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "weather_api",
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// Bad payloads and spent quota say nothing about upstream health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrMalformedResponse) || errors.Is(err, ErrQuotaExceeded)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			observability.RecordCircuitBreakerTransition(name, from.String(), to.String())
		},
	})
}

// BreakerState reports the provider circuit breaker state ("closed" when disabled).
func (c *OpenWeatherClient) BreakerState() string {
	if c.breaker == nil {
		return gobreaker.StateClosed.String()
	}
	return c.breaker.State().String()
}

type weatherType struct {
	ID          int64  `json:"id"`
	Main        string `json:"main"`
	Description string `json:"description"`
}

type mainInfo struct {
	Temp      *float64 `json:"temp"`
	FeelsLike float64  `json:"feels_like"`
	Humidity  float64  `json:"humidity"`
	Pressure  float64  `json:"pressure"`
}

type currentResponse struct {
	Dt      int64         `json:"dt"`
	Main    mainInfo      `json:"main"`
	Weather []weatherType `json:"weather"`
	Wind    struct {
		Speed float64 `json:"speed"`
	} `json:"wind"`
	Clouds struct {
		All float64 `json:"all"`
	} `json:"clouds"`
}

type forecastResponse struct {
	Cnt  int `json:"cnt"`
	List []struct {
		Dt      int64         `json:"dt"`
		Main    mainInfo      `json:"main"`
		Weather []weatherType `json:"weather"`
		Wind    struct {
			Speed float64 `json:"speed"`
		} `json:"wind"`
		Pop float64 `json:"pop"`
	} `json:"list"`
}

func (c *OpenWeatherClient) CurrentWeather(ctx context.Context, coords models.Coordinates) (models.CurrentObservation, error) {
	var apiResp currentResponse
	if err := c.get(ctx, endpointWeather, coords, nil, &apiResp); err != nil {
		return models.CurrentObservation{}, err
	}
	return mapCurrent(apiResp)
}

// Forecast returns up to periods forecast periods in provider order (ascending start time).
func (c *OpenWeatherClient) Forecast(ctx context.Context, coords models.Coordinates, periods int) ([]models.ForecastPeriod, error) {
	if periods <= 0 || periods > MaxForecastPeriods {
		periods = MaxForecastPeriods
	}
	extra := url.Values{}
	extra.Set("cnt", strconv.Itoa(periods))

	var apiResp forecastResponse
	if err := c.get(ctx, endpointForecast, coords, extra, &apiResp); err != nil {
		return nil, err
	}
	return mapForecast(apiResp)
}

// get performs one logical call with optional retries and decodes the JSON body into out.
func (c *OpenWeatherClient) get(ctx context.Context, endpoint string, coords models.Coordinates, extra url.Values, out interface{}) error {
	var lastErr error

	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			observability.WeatherAPIRetriesTotal.Inc()
			delay := c.calculateBackoff(attempt)
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrTransport, ctx.Err())
			case <-time.After(delay):
			}
		}

		body, err := c.callWithBreaker(ctx, endpoint, coords, extra)
		if err == nil {
			if err := json.Unmarshal(body, out); err != nil {
				return fmt.Errorf("%w: parse %s response: %v", ErrMalformedResponse, endpoint, err)
			}
			return nil
		}

		lastErr = err
		if !c.isRetryable(err) {
			return err
		}
	}

	if c.retryAttempts > 1 {
		return fmt.Errorf("exhausted retries: %w", lastErr)
	}
	return lastErr
}

func (c *OpenWeatherClient) callWithBreaker(ctx context.Context, endpoint string, coords models.Coordinates, extra url.Values) ([]byte, error) {
	if c.breaker == nil {
		return c.callAPI(ctx, endpoint, coords, extra)
	}
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.callAPI(ctx, endpoint, coords, extra)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %w: %v", ErrUpstreamFailure, ErrCircuitOpen, err)
	}
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

func (c *OpenWeatherClient) callAPI(ctx context.Context, endpoint string, coords models.Coordinates, extra url.Values) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: rate limiter wait: %v", ErrTransport, err)
		}
	}

	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.buildRequest(reqCtx, endpoint, coords, extra)
	if err != nil {
		observability.WeatherAPICallsTotal.WithLabelValues(endpoint, "error").Inc()
		return nil, fmt.Errorf("build request: %w", err)
	}

	if corrID := extractCorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		duration := time.Since(start).Seconds()
		observability.WeatherAPICallsTotal.WithLabelValues(endpoint, "error").Inc()
		observability.WeatherAPIDuration.WithLabelValues(endpoint, "error").Observe(duration)

		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("%w: request timeout: %v", ErrTransport, err)
		}
		return nil, fmt.Errorf("%w: http request failed: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	duration := time.Since(start).Seconds()
	status := observability.StatusLabel(resp.StatusCode)
	observability.WeatherAPICallsTotal.WithLabelValues(endpoint, status).Inc()
	observability.WeatherAPIDuration.WithLabelValues(endpoint, status).Observe(duration)

	if err := c.handleErrorResponse(resp); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response body: %v", ErrTransport, err)
	}
	return body, nil
}

// isRetryable reports whether another attempt may help. Quota exhaustion is
// deliberately not retried: callers back off instead of burning more quota.
func (c *OpenWeatherClient) isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) {
		return false
	}
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrUpstreamFailure)
}

func (c *OpenWeatherClient) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.retryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.retryMaxDelay) {
		delay = float64(c.retryMaxDelay)
	}

	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func (c *OpenWeatherClient) buildRequest(ctx context.Context, endpoint string, coords models.Coordinates, extra url.Values) (*http.Request, error) {
	baseURL, err := url.Parse(c.baseURL + "/" + endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}

	params := url.Values{}
	params.Set("lat", strconv.FormatFloat(coords.Latitude, 'f', -1, 64))
	params.Set("lon", strconv.FormatFloat(coords.Longitude, 'f', -1, 64))
	params.Set("appid", c.apiKey)
	params.Set("units", c.units)
	for k, vs := range extra {
		for _, v := range vs {
			params.Add(k, v)
		}
	}
	baseURL.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *OpenWeatherClient) handleErrorResponse(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: invalid API key", ErrInvalidAPIKey)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w", ErrQuotaExceeded)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	}

	return nil
}

func mapConditions(m mainInfo, weather []weatherType, windSpeed float64) (models.Conditions, error) {
	if m.Temp == nil {
		return models.Conditions{}, fmt.Errorf("%w: missing main.temp", ErrMalformedResponse)
	}
	if len(weather) == 0 {
		return models.Conditions{}, fmt.Errorf("%w: empty weather list", ErrMalformedResponse)
	}
	return models.Conditions{
		Temperature:          *m.Temp,
		FeelsLike:            m.FeelsLike,
		ConditionID:          weather[0].ID,
		ConditionDescription: weather[0].Description,
		Humidity:             m.Humidity,
		Pressure:             m.Pressure,
		WindSpeed:            windSpeed,
	}, nil
}

func mapCurrent(apiResp currentResponse) (models.CurrentObservation, error) {
	cond, err := mapConditions(apiResp.Main, apiResp.Weather, apiResp.Wind.Speed)
	if err != nil {
		return models.CurrentObservation{}, err
	}
	return models.CurrentObservation{
		ProviderTime: time.Unix(apiResp.Dt, 0).UTC(),
		Conditions:   cond,
		Cloudiness:   apiResp.Clouds.All,
	}, nil
}

func mapForecast(apiResp forecastResponse) ([]models.ForecastPeriod, error) {
	out := make([]models.ForecastPeriod, 0, len(apiResp.List))
	for i, f := range apiResp.List {
		if f.Dt == 0 {
			return nil, fmt.Errorf("%w: forecast period %d has no dt", ErrMalformedResponse, i)
		}
		cond, err := mapConditions(f.Main, f.Weather, f.Wind.Speed)
		if err != nil {
			return nil, fmt.Errorf("forecast period %d: %w", i, err)
		}
		out = append(out, models.ForecastPeriod{
			Start:                    time.Unix(f.Dt, 0).UTC(),
			Conditions:               cond,
			PrecipitationProbability: f.Pop,
		})
	}
	return out, nil
}

func extractCorrelationID(ctx context.Context) string {
	if corrIDVal := ctx.Value("correlation_id"); corrIDVal != nil {
		if corrID, ok := corrIDVal.(string); ok {
			return corrID
		}
	}
	return ""
}
