// Package source binds provider payloads to locations and stamps them with
// local fetch times, producing the records the store persists.
package source

import (
	"context"
	"fmt"
	"time"

	"github.com/kjstillabower/weather-refresh-service/internal/models"
)

// Provider is the external weather API.
type Provider interface {
	CurrentWeather(ctx context.Context, coords models.Coordinates) (models.CurrentObservation, error)
	Forecast(ctx context.Context, coords models.Coordinates, periods int) ([]models.ForecastPeriod, error)
}

// Source fetches records for one location at a time.
type Source struct {
	provider Provider
	periods  int
	now      func() time.Time
}

// New returns a Source requesting the given number of forecast periods per fetch.
// now may be nil, in which case time.Now is used.
func New(p Provider, forecastPeriods int, now func() time.Time) *Source {
	if now == nil {
		now = time.Now
	}
	return &Source{provider: p, periods: forecastPeriods, now: now}
}

// Weather fetches the current observation. ObservedAt is the local fetch time
// at millisecond precision, which is what the store keeps.
func (s *Source) Weather(ctx context.Context, locationID int64, coords models.Coordinates) (models.WeatherRecord, error) {
	obs, err := s.provider.CurrentWeather(ctx, coords)
	if err != nil {
		return models.WeatherRecord{}, fmt.Errorf("fetch weather for location %d: %w", locationID, err)
	}
	return models.WeatherRecord{
		LocationID: locationID,
		ObservedAt: s.stamp(),
		Conditions: obs.Conditions,
		Cloudiness: obs.Cloudiness,
	}, nil
}

// Forecasts fetches the forecast periods. Every record shares one FetchedAt.
func (s *Source) Forecasts(ctx context.Context, locationID int64, coords models.Coordinates) ([]models.ForecastRecord, error) {
	periods, err := s.provider.Forecast(ctx, coords, s.periods)
	if err != nil {
		return nil, fmt.Errorf("fetch forecast for location %d: %w", locationID, err)
	}
	fetchedAt := s.stamp()
	out := make([]models.ForecastRecord, 0, len(periods))
	for _, p := range periods {
		out = append(out, models.ForecastRecord{
			LocationID:               locationID,
			PeriodStart:              p.Start.UTC(),
			FetchedAt:                fetchedAt,
			Conditions:               p.Conditions,
			PrecipitationProbability: p.PrecipitationProbability,
		})
	}
	return out, nil
}

func (s *Source) stamp() time.Time {
	return s.now().UTC().Truncate(time.Millisecond)
}
