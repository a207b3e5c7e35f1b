package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds service configuration loaded from .env, YAML and env.
type Config struct {
	ServerPort string `validate:"required,numeric"`

	WeatherAPIKey     string        `validate:"required,min=10"`
	WeatherAPIURL     string        `validate:"required,url"`
	WeatherAPIUnits   string        `validate:"oneof=standard metric imperial"`
	WeatherAPITimeout time.Duration `validate:"gt=0"`

	RequestTimeout time.Duration `validate:"gt=0"`

	StoreDriver       string `validate:"oneof=sqlite3 sqlite"`
	StorePath         string `validate:"required"`
	StoreBusyTimeout  time.Duration
	StoreMaxOpenConns int `validate:"gte=0"`

	CacheBackend          string        `validate:"oneof=in_memory memcached"`
	CacheTTL              time.Duration `validate:"gt=0"`
	CacheWarmInterval     time.Duration `validate:"gte=0"` // 0 warms only at startup
	MemcachedAddrs        string        `validate:"required_if=CacheBackend memcached"`
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	WeatherInterval   time.Duration `validate:"gt=0"`
	ForecastInterval  time.Duration `validate:"gt=0"`
	RefreshRunOnStart bool
	ForecastPeriods   int `validate:"gte=1,lte=40"`

	WeatherFreshnessWindow time.Duration `validate:"gt=0"`
	WeatherRowLimit        int           `validate:"gte=1"`
	ForecastRowLimit       int           `validate:"gte=1"`

	RetryAttempts   int `validate:"gte=1"`
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration `validate:"gtefield=RetryBaseDelay"`
	RateLimitRPS    int           `validate:"gte=1"`
	RateLimitBurst  int           `validate:"gte=1"`
	UpstreamRPS     float64       `validate:"gte=0"`
	UpstreamBurst   int           `validate:"gte=0"`
	BreakerFailures uint32
	BreakerTimeout  time.Duration

	CoalesceMisses bool

	ShutdownTimeout time.Duration `validate:"gt=0"`

	HealthWindow         time.Duration `validate:"gt=0"`
	OverloadThresholdPct int           `validate:"gte=0,lte=100"`
	ErrorThresholdPct    int           `validate:"gte=0,lte=100"`

	Locations []LocationSeed `validate:"dive"`
}

// LocationSeed is a location inserted at startup. Track subscribes
// SeedSubscriber so the refresh jobs pick it up.
type LocationSeed struct {
	ID        int64   `yaml:"id" validate:"gt=0"`
	Name      string  `yaml:"name" validate:"required"`
	TimeZone  string  `yaml:"time_zone" validate:"required,timezone"`
	Latitude  float64 `yaml:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64 `yaml:"longitude" validate:"gte=-180,lte=180"`
	Track     bool    `yaml:"track"`
}

// SeedSubscriber owns subscriptions created from the locations section.
const SeedSubscriber = "config"

type fileConfig struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	WeatherAPI struct {
		URL     string `yaml:"url"`
		Units   string `yaml:"units"`
		Timeout string `yaml:"timeout"`
	} `yaml:"weather_api"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Store struct {
		Driver       string `yaml:"driver"`
		Path         string `yaml:"path"`
		BusyTimeout  string `yaml:"busy_timeout"`
		MaxOpenConns int    `yaml:"max_open_conns"`
	} `yaml:"store"`

	Cache struct {
		Backend      string `yaml:"backend"`
		TTL          string `yaml:"ttl"`
		WarmInterval string `yaml:"warm_interval"`
		Memcached    struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
	} `yaml:"cache"`

	Refresh struct {
		WeatherInterval  string `yaml:"weather_interval"`
		ForecastInterval string `yaml:"forecast_interval"`
		RunOnStart       bool   `yaml:"run_on_start"`
		ForecastPeriods  int    `yaml:"forecast_periods"`
	} `yaml:"refresh"`

	Freshness struct {
		WeatherWindow    string `yaml:"weather_window"`
		WeatherRowLimit  int    `yaml:"weather_row_limit"`
		ForecastRowLimit int    `yaml:"forecast_row_limit"`
	} `yaml:"freshness"`

	Reliability struct {
		RetryMaxAttempts int     `yaml:"retry_max_attempts"`
		RetryBaseDelay   string  `yaml:"retry_base_delay"`
		RetryMaxDelay    string  `yaml:"retry_max_delay"`
		RateLimitRPS     int     `yaml:"rate_limit_rps"`
		RateLimitBurst   int     `yaml:"rate_limit_burst"`
		UpstreamRPS      float64 `yaml:"upstream_rps"`
		UpstreamBurst    int     `yaml:"upstream_burst"`
		BreakerFailures  uint32  `yaml:"breaker_failures"`
		BreakerTimeout   string  `yaml:"breaker_timeout"`
	} `yaml:"reliability"`

	Coalesce struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"coalesce"`

	Shutdown struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"shutdown"`

	Health struct {
		Window               string `yaml:"window"`
		OverloadThresholdPct *int   `yaml:"overload_threshold_pct"`
		ErrorThresholdPct    *int   `yaml:"error_threshold_pct"`
	} `yaml:"health"`

	Locations []LocationSeed `yaml:"locations"`
}

type secretsFile struct {
	WeatherAPIKey string `yaml:"weather_api_key"`
}

var validate = validator.New()

// Load reads .env (if present), config/{ENV_NAME}.yaml (default dev) and
// config/secrets.yaml. API key comes from WEATHER_API_KEY env or the secrets
// file. Call from project root.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	key, err := loadAPIKey(filepath.Join(cwd, "config", "secrets.yaml"))
	if err != nil {
		return nil, err
	}

	cfg := fromFile(&fc)
	cfg.WeatherAPIKey = key
	applyEnvOverrides(cfg)

	if err := check(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadAPIKey(secretsPath string) (string, error) {
	if key := os.Getenv("WEATHER_API_KEY"); key != "" {
		return key, nil
	}
	data, err := os.ReadFile(secretsPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("read secrets file: %w", err)
		}
	} else {
		var sec secretsFile
		if err := yaml.Unmarshal(data, &sec); err != nil {
			return "", fmt.Errorf("parse secrets file: %w", err)
		}
		if sec.WeatherAPIKey != "" {
			return sec.WeatherAPIKey, nil
		}
	}
	return "", fmt.Errorf("WEATHER_API_KEY required (set env or config/secrets.yaml weather_api_key)")
}

// fromFile applies defaults to everything the YAML leaves unset.
func fromFile(fc *fileConfig) *Config {
	cfg := &Config{
		ServerPort:        orDefault(fc.Server.Port, "8080"),
		WeatherAPIURL:     orDefault(fc.WeatherAPI.URL, "https://api.openweathermap.org/data/2.5"),
		WeatherAPIUnits:   orDefault(strings.ToLower(fc.WeatherAPI.Units), "metric"),
		WeatherAPITimeout: parseDurationOrZero(fc.WeatherAPI.Timeout, 5*time.Second),
		RequestTimeout:    parseDuration(fc.Request.Timeout, 10*time.Second),

		StoreDriver:       orDefault(strings.ToLower(fc.Store.Driver), "sqlite3"),
		StorePath:         orDefault(fc.Store.Path, "data/weather.db"),
		StoreBusyTimeout:  parseDuration(fc.Store.BusyTimeout, 5*time.Second),
		StoreMaxOpenConns: fc.Store.MaxOpenConns,

		CacheBackend:          orDefault(strings.ToLower(fc.Cache.Backend), "in_memory"),
		CacheTTL:              parseDuration(fc.Cache.TTL, time.Hour),
		CacheWarmInterval:     parseDurationOrZero(fc.Cache.WarmInterval, 0),
		MemcachedAddrs:        orDefault(fc.Cache.Memcached.Addrs, "localhost:11211"),
		MemcachedTimeout:      parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond),
		MemcachedMaxIdleConns: positiveOr(fc.Cache.Memcached.MaxIdleConns, 2),

		WeatherInterval:   parseDuration(fc.Refresh.WeatherInterval, time.Hour),
		ForecastInterval:  parseDuration(fc.Refresh.ForecastInterval, 6*time.Hour),
		RefreshRunOnStart: fc.Refresh.RunOnStart,
		ForecastPeriods:   positiveOr(fc.Refresh.ForecastPeriods, 40),

		WeatherFreshnessWindow: parseDuration(fc.Freshness.WeatherWindow, time.Hour),
		WeatherRowLimit:        positiveOr(fc.Freshness.WeatherRowLimit, 4),
		ForecastRowLimit:       positiveOr(fc.Freshness.ForecastRowLimit, 200),

		RetryAttempts:   positiveOr(fc.Reliability.RetryMaxAttempts, 1),
		RetryBaseDelay:  parseDuration(fc.Reliability.RetryBaseDelay, 100*time.Millisecond),
		RetryMaxDelay:   parseDuration(fc.Reliability.RetryMaxDelay, 2*time.Second),
		RateLimitRPS:    positiveOr(fc.Reliability.RateLimitRPS, 100),
		RateLimitBurst:  positiveOr(fc.Reliability.RateLimitBurst, 250),
		UpstreamRPS:     fc.Reliability.UpstreamRPS,
		UpstreamBurst:   fc.Reliability.UpstreamBurst,
		BreakerFailures: fc.Reliability.BreakerFailures,
		BreakerTimeout:  parseDuration(fc.Reliability.BreakerTimeout, 30*time.Second),

		CoalesceMisses: fc.Coalesce.Enabled,

		ShutdownTimeout: parseDuration(fc.Shutdown.Timeout, 30*time.Second),

		HealthWindow:         parseDuration(fc.Health.Window, time.Minute),
		OverloadThresholdPct: intOr(fc.Health.OverloadThresholdPct, 80),
		ErrorThresholdPct:    intOr(fc.Health.ErrorThresholdPct, 50),

		Locations: fc.Locations,
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	return cfg
}

// applyEnvOverrides lets deployments swap backends without editing YAML.
func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(strings.ToLower(os.Getenv("CACHE_BACKEND"))); v != "" {
		cfg.CacheBackend = v
	}
	if v := strings.TrimSpace(os.Getenv("MEMCACHED_ADDRS")); v != "" {
		cfg.MemcachedAddrs = v
	}
	if v := strings.TrimSpace(os.Getenv("STORE_PATH")); v != "" {
		cfg.StorePath = v
	}
	if v := strings.TrimSpace(strings.ToLower(os.Getenv("STORE_DRIVER"))); v != "" {
		cfg.StoreDriver = v
	}
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Returns zero or negative durations as-is (caller should handle fallback).
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

func orDefault(s, defaultVal string) string {
	if s = strings.TrimSpace(s); s == "" {
		return defaultVal
	}
	return s
}

// intOr keeps an explicit 0, which disables a threshold.
func intOr(p *int, defaultVal int) int {
	if p == nil {
		return defaultVal
	}
	return *p
}

func positiveOr(n, defaultVal int) int {
	if n <= 0 {
		return defaultVal
	}
	return n
}

// check runs tag validation plus the rules tags cannot express.
// RequestTimeout is raised above WeatherAPITimeout rather than rejected.
func check(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return fmt.Errorf("invalid config: %s", describe(verrs))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.RequestTimeout <= cfg.WeatherAPITimeout {
		cfg.RequestTimeout = cfg.WeatherAPITimeout + time.Second
	}
	seen := make(map[int64]bool, len(cfg.Locations))
	for _, loc := range cfg.Locations {
		if seen[loc.ID] {
			return fmt.Errorf("invalid config: duplicate location id %d", loc.ID)
		}
		seen[loc.ID] = true
	}
	return nil
}

func describe(verrs validator.ValidationErrors) string {
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		parts = append(parts, fmt.Sprintf("%s failed %s (got %v)", fe.Namespace(), rule, fe.Value()))
	}
	return strings.Join(parts, "; ")
}
