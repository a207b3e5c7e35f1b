// Package testhelpers provides shared fixtures for package tests: a throwaway
// SQLite store and a scriptable weather provider.
package testhelpers

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kjstillabower/weather-refresh-service/internal/models"
	"github.com/kjstillabower/weather-refresh-service/internal/store"
)

// NewStore opens a SQLite store in a per-test temp dir and closes it on cleanup.
// driver defaults to store.DriverCGO.
func NewStore(t *testing.T, driver ...string) *store.SQLiteStore {
	t.Helper()
	opts := store.Options{Path: filepath.Join(t.TempDir(), "weather.db")}
	if len(driver) > 0 {
		opts.Driver = driver[0]
	}
	s, err := store.Open(context.Background(), opts)
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// SeedLocation stores loc and subscribes each subscriber to it.
func SeedLocation(t *testing.T, s *store.SQLiteStore, loc models.Location, subscribers ...string) {
	t.Helper()
	ctx := context.Background()
	if err := s.PutLocation(ctx, loc); err != nil {
		t.Fatalf("PutLocation(%d) error = %v", loc.ID, err)
	}
	for _, sub := range subscribers {
		if err := s.Subscribe(ctx, loc.ID, sub); err != nil {
			t.Fatalf("Subscribe(%d, %s) error = %v", loc.ID, sub, err)
		}
	}
}

// Location builds a location in the given zone with coordinates derived from id.
func Location(id int64, tz string) models.Location {
	return models.Location{
		ID:          id,
		Name:        "location",
		TimeZone:    tz,
		Coordinates: models.Coordinates{Latitude: float64(id), Longitude: -float64(id)},
	}
}

// FakeProvider is a scriptable weather provider that counts calls.
// Safe for concurrent use.
type FakeProvider struct {
	mu            sync.Mutex
	weatherCalls  int
	forecastCalls int

	// Observation is returned by CurrentWeather.
	Observation models.CurrentObservation
	// Periods is returned by Forecast, truncated to the requested count.
	Periods []models.ForecastPeriod
	// Err fails every call when set.
	Err error
	// FailFor fails calls for specific coordinates.
	FailFor map[models.Coordinates]error
	// Gate, when set, blocks each call until it is closed or ctx ends.
	Gate chan struct{}
}

func NewFakeProvider() *FakeProvider {
	return &FakeProvider{
		Observation: models.CurrentObservation{
			Conditions: models.Conditions{
				Temperature:          21,
				FeelsLike:            20,
				ConditionID:          800,
				ConditionDescription: "clear sky",
				Humidity:             40,
				Pressure:             1015,
				WindSpeed:            2,
			},
			Cloudiness: 5,
		},
		FailFor: make(map[models.Coordinates]error),
	}
}

// PeriodsFrom returns n three-hour periods starting at start.
func PeriodsFrom(start time.Time, n int) []models.ForecastPeriod {
	out := make([]models.ForecastPeriod, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, models.ForecastPeriod{
			Start: start.Add(time.Duration(i) * 3 * time.Hour),
			Conditions: models.Conditions{
				Temperature:          10 + float64(i),
				ConditionID:          500,
				ConditionDescription: "light rain",
			},
			PrecipitationProbability: 0.3,
		})
	}
	return out
}

func (p *FakeProvider) CurrentWeather(ctx context.Context, coords models.Coordinates) (models.CurrentObservation, error) {
	p.mu.Lock()
	p.weatherCalls++
	obs, err, gate := p.Observation, p.failure(coords), p.Gate
	p.mu.Unlock()

	if err := wait(ctx, gate); err != nil {
		return models.CurrentObservation{}, err
	}
	if err != nil {
		return models.CurrentObservation{}, err
	}
	return obs, nil
}

func (p *FakeProvider) Forecast(ctx context.Context, coords models.Coordinates, periods int) ([]models.ForecastPeriod, error) {
	p.mu.Lock()
	p.forecastCalls++
	out, err, gate := append([]models.ForecastPeriod(nil), p.Periods...), p.failure(coords), p.Gate
	p.mu.Unlock()

	if err := wait(ctx, gate); err != nil {
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	if periods > 0 && len(out) > periods {
		out = out[:periods]
	}
	return out, nil
}

// WeatherCalls returns the number of CurrentWeather calls so far.
func (p *FakeProvider) WeatherCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.weatherCalls
}

// ForecastCalls returns the number of Forecast calls so far.
func (p *FakeProvider) ForecastCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.forecastCalls
}

// Fail sets a failure for coords.
func (p *FakeProvider) Fail(coords models.Coordinates, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.FailFor[coords] = err
}

func (p *FakeProvider) failure(coords models.Coordinates) error {
	if p.Err != nil {
		return p.Err
	}
	return p.FailFor[coords]
}

func wait(ctx context.Context, gate chan struct{}) error {
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
