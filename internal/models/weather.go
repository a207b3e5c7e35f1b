package models

import "time"

// Coordinates is a WGS84 point as passed to the weather provider.
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Location is the minimal location metadata the cache needs: where it is and
// which IANA time zone its local day is measured in.
type Location struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	TimeZone string `json:"timeZone"`
	Coordinates
}

// TrackedLocation is a location with at least one subscriber. The bulk
// refresher walks these.
type TrackedLocation struct {
	LocationID int64 `json:"locationId"`
	Coordinates
}

// Conditions are the measurements shared by current weather and forecast periods.
type Conditions struct {
	Temperature          float64 `json:"temperature"`
	FeelsLike            float64 `json:"feelsLike"`
	ConditionID          int64   `json:"conditionId"`
	ConditionDescription string  `json:"conditionDescription"`
	Humidity             float64 `json:"humidity"`
	Pressure             float64 `json:"pressure"`
	WindSpeed            float64 `json:"windSpeed"`
}

// WeatherRecord is one cached current-weather row, keyed by (LocationID, ObservedAt).
// ObservedAt is the local fetch time, not the provider's calculation time.
type WeatherRecord struct {
	LocationID int64     `json:"locationId"`
	ObservedAt time.Time `json:"observedAt"`
	Conditions
	Cloudiness float64 `json:"cloudiness"`
}

// ForecastRecord is one cached forecast period, keyed by (LocationID, PeriodStart).
// FetchedAt is overwritten whenever the period is fetched again.
type ForecastRecord struct {
	LocationID  int64     `json:"locationId"`
	PeriodStart time.Time `json:"periodStart"`
	FetchedAt   time.Time `json:"fetchedAt"`
	Conditions
	PrecipitationProbability float64 `json:"precipitationProbability"`
}

// CurrentObservation is the provider's current-weather payload before it is
// bound to a location.
type CurrentObservation struct {
	ProviderTime time.Time
	Conditions
	Cloudiness float64
}

// ForecastPeriod is a single 3-hour forecast period as returned by the provider.
type ForecastPeriod struct {
	Start time.Time
	Conditions
	PrecipitationProbability float64
}
