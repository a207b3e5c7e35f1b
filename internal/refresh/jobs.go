package refresh

import (
	"context"

	"github.com/kjstillabower/weather-refresh-service/internal/models"
	"github.com/kjstillabower/weather-refresh-service/internal/store"
)

// Fetcher produces records for one location.
type Fetcher interface {
	Weather(ctx context.Context, locationID int64, coords models.Coordinates) (models.WeatherRecord, error)
	Forecasts(ctx context.Context, locationID int64, coords models.Coordinates) ([]models.ForecastRecord, error)
}

// WeatherJob refreshes current weather: one row per location per cycle.
type WeatherJob struct {
	Fetcher Fetcher
}

func (WeatherJob) Name() string { return "weather" }

func (j WeatherJob) Fetch(ctx context.Context, loc models.TrackedLocation) ([]models.WeatherRecord, error) {
	rec, err := j.Fetcher.Weather(ctx, loc.LocationID, loc.Coordinates)
	if err != nil {
		return nil, err
	}
	return []models.WeatherRecord{rec}, nil
}

func (WeatherJob) Put(ctx context.Context, tx store.Tx, rec models.WeatherRecord) error {
	return tx.UpsertWeather(ctx, rec)
}

// ForecastJob refreshes forecast periods for each location.
type ForecastJob struct {
	Fetcher Fetcher
}

func (ForecastJob) Name() string { return "forecast" }

func (j ForecastJob) Fetch(ctx context.Context, loc models.TrackedLocation) ([]models.ForecastRecord, error) {
	return j.Fetcher.Forecasts(ctx, loc.LocationID, loc.Coordinates)
}

func (ForecastJob) Put(ctx context.Context, tx store.Tx, rec models.ForecastRecord) error {
	return tx.UpsertForecast(ctx, rec)
}
