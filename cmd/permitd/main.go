// Command permitd is the ingestion daemon: it loads configuration, applies
// database migrations, wires the connector framework to storage through
// the orchestrator, starts the continuous sweep loop, and serves the REST
// surface internal/api describes.
//
// Configuration is loaded with the following priority (highest to lowest):
//  1. Environment variables (PERMITTRACER_ prefix)
//  2. A config.yaml found in config.yaml, config/config.yaml, or
//     /etc/permittracer/config.yaml
//  3. Defaults in internal/config/loader.go
//
// Graceful shutdown on SIGINT/SIGTERM drains in-flight HTTP requests,
// stops the sweep loop, and flushes the tracing provider before exit.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"permittracer/internal/api"
	"permittracer/internal/classify"
	"permittracer/internal/config"
	"permittracer/internal/connector"
	"permittracer/internal/connector/arcgis"
	"permittracer/internal/connector/socrata"
	"permittracer/internal/domain"
	"permittracer/internal/geocode"
	"permittracer/internal/ingest"
	"permittracer/internal/obslog"
	"permittracer/internal/obsmetrics"
	"permittracer/internal/obstrace"
	"permittracer/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	obslog.InitWithConfig(obslog.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		FilePath:   cfg.Log.FilePath,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})

	ctx := context.Background()

	tracingShutdown, err := obstrace.Init(ctx, obstrace.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		obslog.Log.Warn("failed to init tracing", "error", err)
	}

	pool, err := storage.NewPostgresDB(ctx, cfg.Database)
	if err != nil {
		obslog.Log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := storage.RunMigrations(ctx, pool.Pool(), cfg.Database.AutoMigrate); err != nil {
		obslog.Log.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	store := storage.NewPostgresStorage(pool)

	rules, err := classify.LoadRules(cfg.Classifier.RulesPath)
	if err != nil {
		obslog.Log.Error("failed to load roofing rules", "error", err)
		os.Exit(1)
	}
	classifier := classify.New(rules)

	metrics := obsmetrics.New()
	registry := prometheus.NewRegistry()
	metrics.MustRegister(registry)

	geocoder := buildGeocoder(cfg, metrics)
	if metrics != nil {
		geocoder.SetRateLimitRecorder(func(d time.Duration) {
			metrics.RateLimitWait.WithLabelValues("geocoder").Observe(d.Seconds())
		})
	}

	socrataConn := socrata.New(classifier)
	arcgisConn := arcgis.New(classifier, store)
	if metrics != nil {
		recordWait := func(limiter string) func(time.Duration) {
			return func(d time.Duration) {
				metrics.RateLimitWait.WithLabelValues(limiter).Observe(d.Seconds())
			}
		}
		wrapFetcher := func(build func(int) *connector.Fetcher, limiter string) func(int) *connector.Fetcher {
			return func(maxRPM int) *connector.Fetcher {
				f := build(maxRPM)
				f.Limiter.Recorder = recordWait(limiter)
				return f
			}
		}
		socrataConn.NewFetcher = wrapFetcher(socrataConn.NewFetcher, "socrata")
		arcgisConn.NewFetcher = wrapFetcher(arcgisConn.NewFetcher, "arcgis")
	}

	connectors := map[domain.Platform]connector.Connector{
		domain.PlatformJSONDataset:    socrataConn,
		domain.PlatformFeatureService: arcgisConn,
	}

	orch := ingest.New(store, connectors, ingest.SweepConfig{
		PassInterval:         cfg.Sweep.PassInterval,
		BatchDelay:           cfg.Sweep.BatchDelay,
		BatchErrorDelay:      cfg.Sweep.BatchErrorDelay,
		SweepErrorDelay:      cfg.Sweep.SweepErrorDelay,
		ConsecutiveZeroLimit: cfg.Sweep.ConsecutiveZeroLimit,
	}, metrics)
	orch.Geocoder = geocoder

	sweepCtx, stopSweep := context.WithCancel(ctx)
	go orch.RunSweep(sweepCtx)

	if cfg.Metrics.Enabled {
		go func() {
			metricsMux := http.NewServeMux()
			metricsMux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
			addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
			obslog.Log.Info("starting metrics server", "addr", addr, "path", cfg.Metrics.Path)
			if err := http.ListenAndServe(addr, metricsMux); err != nil && err != http.ErrServerClosed {
				obslog.Log.Error("metrics server failed", "error", err)
			}
		}()
	}

	handler := api.NewHandler(store, orch, pool)
	router := mux.NewRouter()
	handler.RegisterRoutes(router)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		obslog.Log.Info("starting http server", "port", cfg.HTTP.Port, "environment", cfg.App.Environment)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	waitForShutdown(httpServer, stopSweep, tracingShutdown, cfg.HTTP.ShutdownTimeout, errCh)
}

// buildGeocoder wires the external geocoding client behind an optional
// persistent cache tier (spec.md §4.6), counting hits/misses through
// metrics when metrics is non-nil.
func buildGeocoder(cfg *config.Config, metrics *obsmetrics.Collectors) *geocode.Client {
	upstream := geocode.NewNominatimUpstream(cfg.Geocoder.BaseURL, cfg.Geocoder.UserAgent, &http.Client{
		Timeout: cfg.Geocoder.RequestTimeout,
	})

	var persist geocode.PersistentCache
	if cfg.Cache.Driver == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.Address,
			Password: cfg.Cache.Password,
			DB:       cfg.Cache.DB,
		})
		persist = geocode.NewRedisCache(client, cfg.Cache.DefaultTTL)
	}

	client := geocode.New(upstream, persist)
	if metrics != nil {
		client.CacheHit = metrics.GeocodeCacheHits.Inc
		client.CacheMiss = metrics.GeocodeCacheMisses.Inc
	}
	return client
}

// waitForShutdown blocks until SIGINT/SIGTERM, then drains the HTTP server,
// stops the sweep loop, and flushes tracing — the same sequence the
// teacher lineage's gRPC server follows for its own shutdown.
func waitForShutdown(httpServer *http.Server, stopSweep context.CancelFunc, tracingShutdown func(context.Context) error, timeout time.Duration, errCh chan error) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		obslog.Log.Error("http server failed", "error", err)
	case sig := <-quit:
		obslog.Log.Info("received shutdown signal", "signal", sig.String())
	}

	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		obslog.Log.Warn("http server shutdown error", "error", err)
	}

	stopSweep()

	if tracingShutdown != nil {
		if err := tracingShutdown(shutdownCtx); err != nil {
			obslog.Log.Warn("tracing shutdown error", "error", err)
		}
	}

	obslog.Log.Info("shutdown complete")
}
