package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-refresh-service/internal/config"
	"github.com/kjstillabower/weather-refresh-service/internal/models"
)

type locationSeeder interface {
	PutLocation(ctx context.Context, loc models.Location) error
	Subscribe(ctx context.Context, locationID int64, subscriber string) error
	Unsubscribe(ctx context.Context, locationID int64, subscriber string) error
}

// seedLocations upserts the configured locations. Track adds the config-owned
// subscription and clearing it removes that subscription; subscriptions made
// through the API are left alone.
func seedLocations(ctx context.Context, st locationSeeder, seeds []config.LocationSeed, logger *zap.Logger) error {
	tracked := 0
	for _, seed := range seeds {
		loc := models.Location{
			ID:          seed.ID,
			Name:        seed.Name,
			TimeZone:    seed.TimeZone,
			Coordinates: models.Coordinates{Latitude: seed.Latitude, Longitude: seed.Longitude},
		}
		if err := st.PutLocation(ctx, loc); err != nil {
			return fmt.Errorf("location %d: %w", seed.ID, err)
		}
		if seed.Track {
			if err := st.Subscribe(ctx, seed.ID, config.SeedSubscriber); err != nil {
				return fmt.Errorf("track location %d: %w", seed.ID, err)
			}
			tracked++
			continue
		}
		if err := st.Unsubscribe(ctx, seed.ID, config.SeedSubscriber); err != nil {
			return fmt.Errorf("untrack location %d: %w", seed.ID, err)
		}
	}
	if logger != nil {
		logger.Info("locations seeded", zap.Int("locations", len(seeds)), zap.Int("tracked", tracked))
	}
	return nil
}
