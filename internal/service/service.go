package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kjstillabower/weather-refresh-service/internal/client"
	"github.com/kjstillabower/weather-refresh-service/internal/models"
	"github.com/kjstillabower/weather-refresh-service/internal/observability"
)

var (
	// ErrUpstreamUnavailable is returned when a miss could not be filled from the provider.
	// It is joined with the provider error, so client sentinels stay detectable.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrTimeZone is returned when a location's stored time zone cannot be loaded.
	ErrTimeZone = errors.New("time zone resolution failed")
)

const (
	kindWeather  = "weather"
	kindForecast = "forecast"
)

// Store is the slice of the durable store the read path uses.
type Store interface {
	MostRecentWeather(ctx context.Context, locationID int64, limit int) ([]models.WeatherRecord, error)
	MostRecentForecasts(ctx context.Context, locationID int64, limit int) ([]models.ForecastRecord, error)
	UpsertWeather(ctx context.Context, rec models.WeatherRecord) error
	UpsertForecasts(ctx context.Context, recs []models.ForecastRecord) error
}

// LocationResolver returns location metadata or a not-found error.
type LocationResolver interface {
	ResolveLocation(ctx context.Context, id int64) (models.Location, error)
}

// Fetcher fetches fresh records for one location.
type Fetcher interface {
	Weather(ctx context.Context, locationID int64, coords models.Coordinates) (models.WeatherRecord, error)
	Forecasts(ctx context.Context, locationID int64, coords models.Coordinates) ([]models.ForecastRecord, error)
}

// Options tunes the read path. Zero values fall back to defaults.
type Options struct {
	WeatherWindow    time.Duration // default 1h
	WeatherRowLimit  int           // default 4
	ForecastRowLimit int           // default 200
	// Coalesce shares one provider fetch between concurrent misses for a location.
	Coalesce bool
	Now      func() time.Time
	Logger   *zap.Logger
}

// WeatherService serves cached rows when they are fresh enough and otherwise
// fetches, persists and returns new ones.
type WeatherService struct {
	store           Store
	locations       LocationResolver
	fetcher         Fetcher
	window          time.Duration
	weatherLimit    int
	forecastLimit   int
	now             func() time.Time
	logger          *zap.Logger
	stampedeTracker *stampedeTracker
	group           *singleflight.Group // nil unless coalescing is enabled
}

func NewWeatherService(store Store, locations LocationResolver, fetcher Fetcher, opts Options) *WeatherService {
	if opts.WeatherWindow <= 0 {
		opts.WeatherWindow = time.Hour
	}
	if opts.WeatherRowLimit <= 0 {
		opts.WeatherRowLimit = 4
	}
	if opts.ForecastRowLimit <= 0 {
		opts.ForecastRowLimit = 200
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &WeatherService{
		store:           store,
		locations:       locations,
		fetcher:         fetcher,
		window:          opts.WeatherWindow,
		weatherLimit:    opts.WeatherRowLimit,
		forecastLimit:   opts.ForecastRowLimit,
		now:             opts.Now,
		logger:          observability.Component(opts.Logger, "cache_reader"),
		stampedeTracker: newStampedeTracker(),
	}
	if opts.Coalesce {
		s.group = &singleflight.Group{}
	}
	return s
}

// loggerFromContext returns the request-scoped logger if present, else the service logger.
func (s *WeatherService) loggerFromContext(ctx context.Context) *zap.Logger {
	if v := ctx.Value("logger"); v != nil {
		if l, ok := v.(*zap.Logger); ok && l != nil {
			return l
		}
	}
	return s.logger
}

// GetWeather returns recent weather rows for the location, newest first.
func (s *WeatherService) GetWeather(ctx context.Context, locationID int64) ([]models.WeatherRecord, error) {
	logger := s.loggerFromContext(ctx).With(zap.Int64("location_id", locationID))

	loc, err := s.locations.ResolveLocation(ctx, locationID)
	if err != nil {
		return nil, err
	}

	rows, err := s.store.MostRecentWeather(ctx, locationID, s.weatherLimit)
	if err != nil {
		return nil, err
	}
	if kept, ok := freshWeather(rows, s.now(), s.window); ok {
		observability.RecordCacheRead(kindWeather, true)
		logger.Debug("weather cache hit", zap.Int("rows", len(kept)))
		return kept, nil
	}
	observability.RecordCacheRead(kindWeather, false)
	logger.Debug("weather cache miss, fetching upstream", zap.Int("stored_rows", len(rows)))

	v, err := s.fill(ctx, kindWeather, locationID, func(ctx context.Context) (interface{}, error) {
		rec, err := s.fetcher.Weather(ctx, locationID, loc.Coordinates)
		if err != nil {
			return nil, upstreamError(err)
		}
		if err := s.store.UpsertWeather(ctx, rec); err != nil {
			return nil, err
		}
		return []models.WeatherRecord{rec}, nil
	})
	if err != nil {
		s.recordRefillError(logger, kindWeather, err)
		return nil, err
	}
	return v.([]models.WeatherRecord), nil
}

// GetForecast returns forecast periods from local midnight today onward, ascending.
func (s *WeatherService) GetForecast(ctx context.Context, locationID int64) ([]models.ForecastRecord, error) {
	logger := s.loggerFromContext(ctx).With(zap.Int64("location_id", locationID))

	loc, err := s.locations.ResolveLocation(ctx, locationID)
	if err != nil {
		return nil, err
	}
	tz, err := time.LoadLocation(loc.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("%w: location %d zone %q: %v", ErrTimeZone, locationID, loc.TimeZone, err)
	}

	rows, err := s.store.MostRecentForecasts(ctx, locationID, s.forecastLimit)
	if err != nil {
		return nil, err
	}
	if kept := freshForecasts(rows, s.now(), tz); len(kept) > 0 {
		observability.RecordCacheRead(kindForecast, true)
		logger.Debug("forecast cache hit", zap.Int("rows", len(kept)))
		return kept, nil
	}
	observability.RecordCacheRead(kindForecast, false)
	logger.Debug("forecast cache miss, fetching upstream", zap.Int("stored_rows", len(rows)))

	v, err := s.fill(ctx, kindForecast, locationID, func(ctx context.Context) (interface{}, error) {
		recs, err := s.fetcher.Forecasts(ctx, locationID, loc.Coordinates)
		if err != nil {
			return nil, upstreamError(err)
		}
		if err := s.store.UpsertForecasts(ctx, recs); err != nil {
			return nil, err
		}
		return recs, nil
	})
	if err != nil {
		s.recordRefillError(logger, kindForecast, err)
		return nil, err
	}
	return v.([]models.ForecastRecord), nil
}

// fill runs one miss. With coalescing enabled, concurrent misses for the same
// key share a single fetch that is detached from any one caller's cancellation;
// each caller still stops waiting when its own context ends.
func (s *WeatherService) fill(ctx context.Context, kind string, locationID int64, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	n, done := s.stampedeTracker.begin(missKey{kind: kind, locationID: locationID})
	defer done()
	if n > 1 {
		observability.CacheStampedeDetectedTotal.WithLabelValues(kind).Inc()
	}

	if s.group == nil {
		return fn(ctx)
	}

	key := kind + ":" + strconv.FormatInt(locationID, 10)
	ch := s.group.DoChan(key, func() (interface{}, error) {
		return fn(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		if res.Shared {
			observability.RequestCoalescingHitsTotal.WithLabelValues(kind).Inc()
		}
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, ctx.Err())
	}
}

func (s *WeatherService) recordRefillError(logger *zap.Logger, kind string, err error) {
	category := client.CategorizeError(err)
	observability.CacheRefillErrorsTotal.WithLabelValues(kind, string(category)).Inc()
	logger.Warn("cache refill failed", zap.String("kind", kind), zap.String("category", string(category)), zap.Error(err))
}

func upstreamError(err error) error {
	return fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
}
