package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"
	_ "time/tzdata"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-refresh-service/internal/cache"
	"github.com/kjstillabower/weather-refresh-service/internal/client"
	"github.com/kjstillabower/weather-refresh-service/internal/config"
	httphandler "github.com/kjstillabower/weather-refresh-service/internal/http"
	"github.com/kjstillabower/weather-refresh-service/internal/lifecycle"
	"github.com/kjstillabower/weather-refresh-service/internal/models"
	"github.com/kjstillabower/weather-refresh-service/internal/observability"
	"github.com/kjstillabower/weather-refresh-service/internal/refresh"
	"github.com/kjstillabower/weather-refresh-service/internal/scheduler"
	"github.com/kjstillabower/weather-refresh-service/internal/service"
	"github.com/kjstillabower/weather-refresh-service/internal/source"
	"github.com/kjstillabower/weather-refresh-service/internal/store"
	"github.com/kjstillabower/weather-refresh-service/internal/traffic"
)

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if dir := filepath.Dir(cfg.StorePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Fatal("store directory", zap.Error(err))
		}
	}
	st, err := store.Open(ctx, store.Options{
		Driver:       cfg.StoreDriver,
		Path:         cfg.StorePath,
		BusyTimeout:  cfg.StoreBusyTimeout,
		MaxOpenConns: cfg.StoreMaxOpenConns,
	})
	if err != nil {
		logger.Fatal("store", zap.Error(err))
	}
	logger.Info("store opened", zap.String("driver", st.Driver()), zap.String("path", cfg.StorePath))

	if err := seedLocations(ctx, st, cfg.Locations, logger); err != nil {
		logger.Fatal("seed locations", zap.Error(err))
	}

	weatherClient, err := client.NewOpenWeatherClient(client.Options{
		APIKey:            cfg.WeatherAPIKey,
		BaseURL:           cfg.WeatherAPIURL,
		Units:             cfg.WeatherAPIUnits,
		Timeout:           cfg.WeatherAPITimeout,
		RetryAttempts:     cfg.RetryAttempts,
		RetryBaseDelay:    cfg.RetryBaseDelay,
		RetryMaxDelay:     cfg.RetryMaxDelay,
		RequestsPerSecond: cfg.UpstreamRPS,
		Burst:             cfg.UpstreamBurst,
		BreakerFailures:   cfg.BreakerFailures,
		BreakerTimeout:    cfg.BreakerTimeout,
	})
	if err != nil {
		logger.Fatal("weather client", zap.Error(err))
	}

	var cacheSvc cache.Cache
	var cachePing func() error
	var memcacheCloser *cache.MemcachedCache
	switch cfg.CacheBackend {
	case "memcached":
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			logger.Fatal("memcached cache", zap.Error(err))
		}
		memcacheCloser = mc
		cacheSvc, cachePing = mc, mc.Ping
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
	default:
		mem := cache.NewInMemoryCache()
		cacheSvc, cachePing = mem, mem.Ping
		logger.Info("cache backend: in_memory")
	}
	resolver := cache.NewResolver(st, cacheSvc, cfg.CacheTTL, logger)
	warmer := cache.NewCacheWarmer(st, resolver, logger)

	observability.RegisterTrackedLocationsGauge(func() float64 {
		countCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		n, err := st.CountTrackedLocations(countCtx)
		if err != nil {
			return -1
		}
		return float64(n)
	})

	src := source.New(weatherClient, cfg.ForecastPeriods, nil)
	weatherService := service.NewWeatherService(st, resolver, src, service.Options{
		WeatherWindow:    cfg.WeatherFreshnessWindow,
		WeatherRowLimit:  cfg.WeatherRowLimit,
		ForecastRowLimit: cfg.ForecastRowLimit,
		Coalesce:         cfg.CoalesceMisses,
		Logger:           logger,
	})

	cycles := lifecycle.NewCycleTracker()
	weatherRefresher := refresh.New[models.WeatherRecord](st, refresh.WeatherJob{Fetcher: src}, logger)
	forecastRefresher := refresh.New[models.ForecastRecord](st, refresh.ForecastJob{Fetcher: src}, logger)
	weatherScheduler, err := scheduler.New(scheduler.Config{
		Name:       weatherRefresher.Name(),
		Interval:   cfg.WeatherInterval,
		Cycle:      weatherRefresher.Run,
		RunOnStart: cfg.RefreshRunOnStart,
		Logger:     logger,
		Tracker:    cycles,
	})
	if err != nil {
		logger.Fatal("weather scheduler", zap.Error(err))
	}
	forecastScheduler, err := scheduler.New(scheduler.Config{
		Name:       forecastRefresher.Name(),
		Interval:   cfg.ForecastInterval,
		Cycle:      forecastRefresher.Run,
		RunOnStart: cfg.RefreshRunOnStart,
		Logger:     logger,
		Tracker:    cycles,
	})
	if err != nil {
		logger.Fatal("forecast scheduler", zap.Error(err))
	}

	trafficWindow := traffic.NewWindow(cfg.HealthWindow, nil)
	handler := httphandler.NewHandler(weatherService, st, &httphandler.HealthConfig{
		StorePing:            st.Ping,
		CachePing:            cachePing,
		BreakerState:         weatherClient.BreakerState,
		Cycles:               cycles,
		Traffic:              trafficWindow,
		OverloadThresholdPct: cfg.OverloadThresholdPct,
		ErrorThresholdPct:    cfg.ErrorThresholdPct,
	}, logger)
	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	router := httphandler.NewRouter(handler, logger, httphandler.RouterConfig{
		Limiter:        limiter,
		RequestTimeout: cfg.RequestTimeout,
		Traffic:        trafficWindow,
	})
	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error { return ignoreCanceled(weatherScheduler.Run(gctx)) })
	g.Go(func() error { return ignoreCanceled(forecastScheduler.Run(gctx)) })
	g.Go(func() error {
		if cfg.CacheWarmInterval > 0 {
			return ignoreCanceled(warmer.WarmPeriodic(gctx, cfg.CacheWarmInterval))
		}
		warmCtx, cancel := context.WithTimeout(gctx, 30*time.Second)
		defer cancel()
		if err := warmer.Warm(warmCtx); err != nil {
			logger.Warn("cache warming failed", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("graceful shutdown triggered")
		lifecycle.SetShuttingDown(true)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("service stopped with error", zap.Error(err))
	}

	inFlight := httphandler.InFlightCount()
	logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight))
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer waitCancel()
	if err := httphandler.WaitForInFlight(waitCtx, 50*time.Millisecond); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}
	if memcacheCloser != nil {
		if err := memcacheCloser.Close(); err != nil {
			logger.Error("memcached close", zap.Error(err))
		}
	}
	if err := st.Close(); err != nil {
		logger.Error("store close", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
