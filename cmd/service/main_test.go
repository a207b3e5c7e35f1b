package main

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-refresh-service/internal/config"
	"github.com/kjstillabower/weather-refresh-service/internal/testhelpers"
)

func TestSeedLocations(t *testing.T) {
	st := testhelpers.NewStore(t)
	ctx := context.Background()
	seeds := []config.LocationSeed{
		{ID: 1, Name: "New York", TimeZone: "America/New_York", Latitude: 40.7128, Longitude: -74.006, Track: true},
		{ID: 2, Name: "London", TimeZone: "Europe/London", Latitude: 51.5074, Longitude: -0.1278},
	}

	if err := seedLocations(ctx, st, seeds, zap.NewNop()); err != nil {
		t.Fatalf("seedLocations() error = %v", err)
	}
	loc, err := st.ResolveLocation(ctx, 2)
	if err != nil {
		t.Fatalf("ResolveLocation(2) error = %v", err)
	}
	if loc.Name != "London" || loc.TimeZone != "Europe/London" {
		t.Errorf("location 2 = %+v", loc)
	}
	tracked, err := st.TrackedLocations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(tracked) != 1 || tracked[0].LocationID != 1 {
		t.Errorf("tracked = %+v, want only location 1", tracked)
	}
}

func TestSeedLocations_UntrackKeepsAPISubscriptions(t *testing.T) {
	st := testhelpers.NewStore(t)
	ctx := context.Background()
	seed := config.LocationSeed{ID: 3, Name: "Tokyo", TimeZone: "Asia/Tokyo", Track: true}
	if err := seedLocations(ctx, st, []config.LocationSeed{seed}, nil); err != nil {
		t.Fatal(err)
	}
	if err := st.Subscribe(ctx, 3, "alice"); err != nil {
		t.Fatal(err)
	}

	seed.Track = false
	if err := seedLocations(ctx, st, []config.LocationSeed{seed}, nil); err != nil {
		t.Fatal(err)
	}
	tracked, err := st.TrackedLocations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(tracked) != 1 {
		t.Errorf("tracked = %+v, alice's subscription should keep location 3 tracked", tracked)
	}

	if err := st.Unsubscribe(ctx, 3, "alice"); err != nil {
		t.Fatal(err)
	}
	if n, err := st.CountTrackedLocations(ctx); err != nil || n != 0 {
		t.Errorf("CountTrackedLocations() = %d, %v; want 0", n, err)
	}
}

func TestIgnoreCanceled(t *testing.T) {
	if err := ignoreCanceled(context.Canceled); err != nil {
		t.Errorf("ignoreCanceled(Canceled) = %v, want nil", err)
	}
	if err := ignoreCanceled(context.DeadlineExceeded); err == nil {
		t.Error("ignoreCanceled(DeadlineExceeded) = nil, want the error")
	}
}
