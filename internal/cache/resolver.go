package cache

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-refresh-service/internal/models"
	"github.com/kjstillabower/weather-refresh-service/internal/observability"
)

// LocationStore is the authoritative source of location metadata.
type LocationStore interface {
	ResolveLocation(ctx context.Context, id int64) (models.Location, error)
}

// Resolver looks locations up in the cache first and falls back to the store.
// Cache failures are logged and never fail a lookup. Not-found results are not cached.
type Resolver struct {
	store  LocationStore
	cache  Cache
	ttl    time.Duration
	logger *zap.Logger
}

func NewResolver(store LocationStore, cache Cache, ttl time.Duration, logger *zap.Logger) *Resolver {
	return &Resolver{
		store:  store,
		cache:  cache,
		ttl:    ttl,
		logger: observability.Component(logger, "location_cache"),
	}
}

// ResolveLocation returns the location's metadata or the store's not-found error.
func (r *Resolver) ResolveLocation(ctx context.Context, id int64) (models.Location, error) {
	loc, ok, err := r.cache.Get(ctx, id)
	switch {
	case err != nil:
		observability.LocationCacheLookupsTotal.WithLabelValues("error").Inc()
		r.logger.Warn("location cache get failed", zap.Int64("location_id", id), zap.Error(err))
	case ok:
		observability.LocationCacheLookupsTotal.WithLabelValues("hit").Inc()
		return loc, nil
	default:
		observability.LocationCacheLookupsTotal.WithLabelValues("miss").Inc()
	}
	return r.Refresh(ctx, id)
}

// Refresh reads the location from the store and overwrites the cached entry.
func (r *Resolver) Refresh(ctx context.Context, id int64) (models.Location, error) {
	loc, err := r.store.ResolveLocation(ctx, id)
	if err != nil {
		return models.Location{}, err
	}
	if err := r.cache.Set(ctx, loc, r.ttl); err != nil {
		r.logger.Warn("location cache set failed", zap.Int64("location_id", id), zap.Error(err))
	}
	return loc, nil
}
