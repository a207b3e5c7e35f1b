// Package store owns the durable weather and forecast cache rows, plus the
// minimal location and subscription tables needed to enumerate tracked locations.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/kjstillabower/weather-refresh-service/internal/models"
)

var (
	// ErrStore wraps every storage failure.
	ErrStore = errors.New("store error")
	// ErrLocationNotFound is returned when a location id does not exist.
	ErrLocationNotFound = errors.New("location not found")
)

const (
	// DriverCGO is github.com/mattn/go-sqlite3.
	DriverCGO = "sqlite3"
	// DriverPureGo is modernc.org/sqlite.
	DriverPureGo = "sqlite"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS locations (
		id        INTEGER PRIMARY KEY,
		name      TEXT    NOT NULL,
		latitude  REAL    NOT NULL,
		longitude REAL    NOT NULL,
		timezone  TEXT    NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS subscriptions (
		location_id INTEGER NOT NULL REFERENCES locations(id) ON DELETE CASCADE,
		subscriber  TEXT    NOT NULL,
		PRIMARY KEY (location_id, subscriber)
	)`,
	`CREATE TABLE IF NOT EXISTS weather (
		location_id           INTEGER NOT NULL,
		observed_at           INTEGER NOT NULL,
		temperature           REAL    NOT NULL,
		feels_like            REAL    NOT NULL,
		condition_id          INTEGER NOT NULL,
		condition_description TEXT    NOT NULL,
		humidity              REAL    NOT NULL,
		pressure              REAL    NOT NULL,
		wind_speed            REAL    NOT NULL,
		cloudiness            REAL    NOT NULL,
		PRIMARY KEY (location_id, observed_at)
	)`,
	`CREATE TABLE IF NOT EXISTS forecasts (
		location_id               INTEGER NOT NULL,
		period_start              INTEGER NOT NULL,
		fetched_at                INTEGER NOT NULL,
		temperature               REAL    NOT NULL,
		feels_like                REAL    NOT NULL,
		condition_id              INTEGER NOT NULL,
		condition_description     TEXT    NOT NULL,
		humidity                  REAL    NOT NULL,
		pressure                  REAL    NOT NULL,
		wind_speed                REAL    NOT NULL,
		precipitation_probability REAL    NOT NULL,
		PRIMARY KEY (location_id, period_start)
	)`,
}

const upsertWeatherSQL = `
	INSERT INTO weather (location_id, observed_at, temperature, feels_like, condition_id,
		condition_description, humidity, pressure, wind_speed, cloudiness)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (location_id, observed_at) DO UPDATE SET
		temperature = excluded.temperature,
		feels_like = excluded.feels_like,
		condition_id = excluded.condition_id,
		condition_description = excluded.condition_description,
		humidity = excluded.humidity,
		pressure = excluded.pressure,
		wind_speed = excluded.wind_speed,
		cloudiness = excluded.cloudiness`

const upsertForecastSQL = `
	INSERT INTO forecasts (location_id, period_start, fetched_at, temperature, feels_like,
		condition_id, condition_description, humidity, pressure, wind_speed, precipitation_probability)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (location_id, period_start) DO UPDATE SET
		fetched_at = excluded.fetched_at,
		temperature = excluded.temperature,
		feels_like = excluded.feels_like,
		condition_id = excluded.condition_id,
		condition_description = excluded.condition_description,
		humidity = excluded.humidity,
		pressure = excluded.pressure,
		wind_speed = excluded.wind_speed,
		precipitation_probability = excluded.precipitation_probability`

// Options configures Open.
type Options struct {
	Driver       string // DriverCGO (default) or DriverPureGo
	Path         string
	BusyTimeout  time.Duration
	MaxOpenConns int
}

// Tx is one open write transaction. Rollback after Commit is a no-op.
type Tx interface {
	UpsertWeather(ctx context.Context, rec models.WeatherRecord) error
	UpsertForecast(ctx context.Context, rec models.ForecastRecord) error
	Commit() error
	Rollback() error
}

// SQLiteStore is safe for concurrent use; conflicting writes are serialized by SQLite.
type SQLiteStore struct {
	db     *sql.DB
	driver string
}

// Open opens (creating if needed) the database at opts.Path and applies the schema.
func Open(ctx context.Context, opts Options) (*SQLiteStore, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("%w: path is required", ErrStore)
	}
	if opts.Driver == "" {
		opts.Driver = DriverCGO
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}

	dsn, err := buildDSN(opts)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(opts.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open database: %w", ErrStore, err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}

	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: create schema: %w", ErrStore, err)
		}
	}

	return &SQLiteStore{db: db, driver: opts.Driver}, nil
}

func buildDSN(opts Options) (string, error) {
	ms := opts.BusyTimeout.Milliseconds()
	switch opts.Driver {
	case DriverCGO:
		return fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_foreign_keys=on", opts.Path, ms), nil
	case DriverPureGo:
		return fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", opts.Path, ms), nil
	}
	return "", fmt.Errorf("%w: unsupported driver %q", ErrStore, opts.Driver)
}

// Driver returns the database/sql driver name in use.
func (s *SQLiteStore) Driver() string {
	return s.driver
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: ping: %w", ErrStore, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// PutLocation inserts or replaces location metadata.
func (s *SQLiteStore) PutLocation(ctx context.Context, loc models.Location) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO locations (id, name, latitude, longitude, timezone)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			timezone = excluded.timezone`,
		loc.ID, loc.Name, loc.Latitude, loc.Longitude, loc.TimeZone)
	if err != nil {
		return fmt.Errorf("%w: put location %d: %w", ErrStore, loc.ID, err)
	}
	return nil
}

// ResolveLocation returns the location's metadata or ErrLocationNotFound.
func (s *SQLiteStore) ResolveLocation(ctx context.Context, id int64) (models.Location, error) {
	var loc models.Location
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, latitude, longitude, timezone FROM locations WHERE id = ?`, id,
	).Scan(&loc.ID, &loc.Name, &loc.Latitude, &loc.Longitude, &loc.TimeZone)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Location{}, fmt.Errorf("%w: %d", ErrLocationNotFound, id)
	}
	if err != nil {
		return models.Location{}, fmt.Errorf("%w: resolve location %d: %w", ErrStore, id, err)
	}
	return loc, nil
}

// Subscribe marks the location as tracked by subscriber. Repeating it is a no-op.
func (s *SQLiteStore) Subscribe(ctx context.Context, locationID int64, subscriber string) error {
	if _, err := s.ResolveLocation(ctx, locationID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (location_id, subscriber) VALUES (?, ?) ON CONFLICT DO NOTHING`,
		locationID, subscriber)
	if err != nil {
		return fmt.Errorf("%w: subscribe %d: %w", ErrStore, locationID, err)
	}
	return nil
}

// Unsubscribe removes one subscription. Removing a missing one is not an error.
func (s *SQLiteStore) Unsubscribe(ctx context.Context, locationID int64, subscriber string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE location_id = ? AND subscriber = ?`,
		locationID, subscriber)
	if err != nil {
		return fmt.Errorf("%w: unsubscribe %d: %w", ErrStore, locationID, err)
	}
	return nil
}

// TrackedLocations returns each location with at least one subscriber once, ordered by id.
func (s *SQLiteStore) TrackedLocations(ctx context.Context) ([]models.TrackedLocation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT l.id, l.latitude, l.longitude
		FROM subscriptions s
		JOIN locations l ON l.id = s.location_id
		ORDER BY l.id`)
	if err != nil {
		return nil, fmt.Errorf("%w: query tracked locations: %w", ErrStore, err)
	}
	defer rows.Close()

	out := make([]models.TrackedLocation, 0)
	for rows.Next() {
		var tl models.TrackedLocation
		if err := rows.Scan(&tl.LocationID, &tl.Latitude, &tl.Longitude); err != nil {
			return nil, fmt.Errorf("%w: scan tracked location: %w", ErrStore, err)
		}
		out = append(out, tl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate tracked locations: %w", ErrStore, err)
	}
	return out, nil
}

// CountTrackedLocations returns the number of distinct tracked locations.
func (s *SQLiteStore) CountTrackedLocations(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT location_id) FROM subscriptions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count tracked locations: %w", ErrStore, err)
	}
	return n, nil
}

// MostRecentWeather returns up to limit rows for the location, newest observed_at first.
func (s *SQLiteStore) MostRecentWeather(ctx context.Context, locationID int64, limit int) ([]models.WeatherRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT location_id, observed_at, temperature, feels_like, condition_id,
			condition_description, humidity, pressure, wind_speed, cloudiness
		FROM weather
		WHERE location_id = ?
		ORDER BY observed_at DESC
		LIMIT ?`, locationID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: query weather: %w", ErrStore, err)
	}
	defer rows.Close()

	out := make([]models.WeatherRecord, 0, limit)
	for rows.Next() {
		var rec models.WeatherRecord
		var observedAt int64
		if err := rows.Scan(&rec.LocationID, &observedAt, &rec.Temperature, &rec.FeelsLike,
			&rec.ConditionID, &rec.ConditionDescription, &rec.Humidity, &rec.Pressure,
			&rec.WindSpeed, &rec.Cloudiness); err != nil {
			return nil, fmt.Errorf("%w: scan weather: %w", ErrStore, err)
		}
		rec.ObservedAt = fromMillis(observedAt)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate weather: %w", ErrStore, err)
	}
	return out, nil
}

// MostRecentForecasts returns up to limit rows for the location, latest period_start first.
func (s *SQLiteStore) MostRecentForecasts(ctx context.Context, locationID int64, limit int) ([]models.ForecastRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT location_id, period_start, fetched_at, temperature, feels_like, condition_id,
			condition_description, humidity, pressure, wind_speed, precipitation_probability
		FROM forecasts
		WHERE location_id = ?
		ORDER BY period_start DESC
		LIMIT ?`, locationID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: query forecasts: %w", ErrStore, err)
	}
	defer rows.Close()

	out := make([]models.ForecastRecord, 0)
	for rows.Next() {
		var rec models.ForecastRecord
		var periodStart, fetchedAt int64
		if err := rows.Scan(&rec.LocationID, &periodStart, &fetchedAt, &rec.Temperature,
			&rec.FeelsLike, &rec.ConditionID, &rec.ConditionDescription, &rec.Humidity,
			&rec.Pressure, &rec.WindSpeed, &rec.PrecipitationProbability); err != nil {
			return nil, fmt.Errorf("%w: scan forecast: %w", ErrStore, err)
		}
		rec.PeriodStart = fromMillis(periodStart)
		rec.FetchedAt = fromMillis(fetchedAt)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate forecasts: %w", ErrStore, err)
	}
	return out, nil
}

// UpsertWeather writes one weather row outside any caller transaction.
func (s *SQLiteStore) UpsertWeather(ctx context.Context, rec models.WeatherRecord) error {
	return upsertWeather(ctx, s.db, rec)
}

// UpsertForecasts writes all rows in one transaction; either all land or none do.
func (s *SQLiteStore) UpsertForecasts(ctx context.Context, recs []models.ForecastRecord) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, rec := range recs {
		if err := tx.UpsertForecast(ctx, rec); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// BeginTx opens a write transaction. The caller must Commit or Rollback.
func (s *SQLiteStore) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin transaction: %w", ErrStore, err)
	}
	return &sqlTx{tx: tx}, nil
}

type sqlTx struct {
	tx *sql.Tx
}

func (t *sqlTx) UpsertWeather(ctx context.Context, rec models.WeatherRecord) error {
	return upsertWeather(ctx, t.tx, rec)
}

func (t *sqlTx) UpsertForecast(ctx context.Context, rec models.ForecastRecord) error {
	return upsertForecast(ctx, t.tx, rec)
}

func (t *sqlTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", ErrStore, err)
	}
	return nil
}

func (t *sqlTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("%w: rollback: %w", ErrStore, err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertWeather(ctx context.Context, ex execer, rec models.WeatherRecord) error {
	_, err := ex.ExecContext(ctx, upsertWeatherSQL,
		rec.LocationID, toMillis(rec.ObservedAt), rec.Temperature, rec.FeelsLike,
		rec.ConditionID, rec.ConditionDescription, rec.Humidity, rec.Pressure,
		rec.WindSpeed, rec.Cloudiness)
	if err != nil {
		return fmt.Errorf("%w: upsert weather for location %d: %w", ErrStore, rec.LocationID, err)
	}
	return nil
}

func upsertForecast(ctx context.Context, ex execer, rec models.ForecastRecord) error {
	_, err := ex.ExecContext(ctx, upsertForecastSQL,
		rec.LocationID, toMillis(rec.PeriodStart), toMillis(rec.FetchedAt), rec.Temperature,
		rec.FeelsLike, rec.ConditionID, rec.ConditionDescription, rec.Humidity,
		rec.Pressure, rec.WindSpeed, rec.PrecipitationProbability)
	if err != nil {
		return fmt.Errorf("%w: upsert forecast for location %d: %w", ErrStore, rec.LocationID, err)
	}
	return nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
