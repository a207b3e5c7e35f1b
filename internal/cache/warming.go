package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-refresh-service/internal/models"
	"github.com/kjstillabower/weather-refresh-service/internal/observability"
)

// TrackedLister enumerates the locations worth keeping warm.
type TrackedLister interface {
	TrackedLocations(ctx context.Context) ([]models.TrackedLocation, error)
}

// LocationRefresher reloads one location into the cache.
type LocationRefresher interface {
	Refresh(ctx context.Context, id int64) (models.Location, error)
}

// CacheWarmer preloads metadata for every tracked location.
type CacheWarmer struct {
	lister    TrackedLister
	refresher LocationRefresher
	logger    *zap.Logger
}

// NewCacheWarmer creates a CacheWarmer that uses the given lister, refresher and logger.
func NewCacheWarmer(lister TrackedLister, refresher LocationRefresher, logger *zap.Logger) *CacheWarmer {
	return &CacheWarmer{lister: lister, refresher: refresher, logger: logger}
}

// Warm reloads each tracked location concurrently.
// Returns an error if enumeration or any location failed (aggregated).
func (w *CacheWarmer) Warm(ctx context.Context) error {
	start := time.Now()
	observability.CacheWarmingTotal.Inc()

	tracked, err := w.lister.TrackedLocations(ctx)
	if err != nil {
		observability.CacheWarmingErrorsTotal.Inc()
		return fmt.Errorf("cache warming: list tracked locations: %w", err)
	}
	if w.logger != nil {
		w.logger.Info("warming location cache", zap.Int("locations", len(tracked)))
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(tracked))
	for _, tl := range tracked {
		id := tl.LocationID
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := w.refresher.Refresh(ctx, id); err != nil {
				errCh <- fmt.Errorf("warm %d: %w", id, err)
			}
		}()
	}
	wg.Wait()
	close(errCh)
	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	duration := time.Since(start).Seconds()
	observability.CacheWarmingDurationSeconds.Observe(duration)
	if w.logger != nil {
		w.logger.Info("location cache warming complete", zap.Int("locations", len(tracked)), zap.Int("errors", len(errs)), zap.Float64("duration_seconds", duration))
	}
	if len(errs) > 0 {
		observability.CacheWarmingErrorsTotal.Inc()
		return fmt.Errorf("cache warming: %v", errs)
	}
	return nil
}

// WarmPeriodic runs an initial Warm, then repeats at the given interval until ctx is done.
func (w *CacheWarmer) WarmPeriodic(ctx context.Context, interval time.Duration) error {
	if err := w.Warm(ctx); err != nil && w.logger != nil {
		w.logger.Warn("initial cache warm failed", zap.Error(err))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.Warm(ctx); err != nil && w.logger != nil {
				w.logger.Warn("periodic cache warm failed", zap.Error(err))
			}
		}
	}
}
