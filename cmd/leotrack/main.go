package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/star/leotrack/internal/api"
	"github.com/star/leotrack/internal/auth"
	"github.com/star/leotrack/internal/config"
	"github.com/star/leotrack/internal/dish"
	"github.com/star/leotrack/internal/engine"
	"github.com/star/leotrack/internal/ephemeris"
	"github.com/star/leotrack/internal/health"
	"github.com/star/leotrack/internal/matcher"
	"github.com/star/leotrack/internal/metrics"
	"github.com/star/leotrack/internal/obstruction"
	"github.com/star/leotrack/internal/stream"
	"github.com/star/leotrack/internal/timeline"
	"github.com/star/leotrack/internal/timeslot"
	"github.com/star/leotrack/internal/tle"
	"github.com/star/leotrack/internal/transform"
)

func main() {
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load(logger)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	level.Set(cfg.Level())
	logger.Info("configuration loaded", cfg.LogAttrs()...)

	if err := run(cfg, logger); err != nil {
		logger.Error("leotrack failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	// Graceful shutdown on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}
	artifacts := engine.NewArtifacts(cfg.DataDir)
	logger = logger.With("run_id", artifacts.RunID)

	if err := engine.WriteObserverLocation(artifacts.ObserverLocation(),
		cfg.Observer.Latitude, cfg.Observer.Longitude, cfg.Observer.Altitude); err != nil {
		logger.Warn("failed to write observer location", "error", err)
	}

	store := tle.NewStore()
	tleDir := tle.NewDir(cfg.TLE.Dir, logger)
	if err := loadCatalog(ctx, cfg.TLE, store, tleDir, logger); err != nil {
		logger.Warn("starting without a satellite catalog", "error", err)
	}

	client, err := dish.NewClient(cfg.Dish.Addr, cfg.Dish.Timeout, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	hub := timeline.NewHub()
	agg := timeline.NewAggregator(artifacts.Timeline(), artifacts.LatestSatellite(), hub, logger)
	if err := agg.Load(); err != nil {
		logger.Warn("failed to restore timeline", "error", err)
	}

	var snapshots *obstruction.SnapshotStore
	if cfg.Engine.Snapshots {
		snapshots, err = obstruction.OpenSnapshotStore(artifacts.Snapshots(), logger)
		if err != nil {
			return err
		}
		defer snapshots.Close()
	}

	pipeline := &engine.Pipeline{
		Observer:   transform.NewObserverPosition(cfg.Observer.Latitude, cfg.Observer.Longitude, cfg.Observer.Altitude),
		Catalogs:   engine.StoreCatalog{Store: store, Dir: tleDir},
		Estimator:  matcher.New(ephemeris.NewSGP4Provider(logger), cfg.Engine.MatchWorkers, logger),
		Aggregator: agg,
		Trajectory: obstruction.NewTrajectoryLog(artifacts.TrajectoryLog()),
		Snapshots:  snapshots,
		Logger:     logger,
	}

	// Tasks outlive ctx so windows already sampled finish after a signal.
	pool := engine.NewTaskPool(context.WithoutCancel(ctx), cfg.Engine.TaskWorkers, cfg.Engine.TaskQueue, logger)
	sampler := engine.NewSampler(
		timeslot.NewScheduler(nil, cfg.Engine.PollInterval),
		client, client, pool, pipeline,
		engine.SamplerConfig{Interval: cfg.Engine.SampleInterval, Duration: cfg.Engine.Duration},
		logger,
	)

	// Background goroutine to update catalog age gauge.
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if age, ok := store.Age(time.Now()); ok {
					metrics.SetCatalogAge(age)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	var srv *api.Server
	if cfg.HTTP.Addr != "" {
		streamHandler := stream.NewHandler(hub, agg, store, stream.Config{
			MaxConcurrentPerIP: cfg.HTTP.Stream.MaxConcurrentPerIP,
			KeepaliveInterval:  cfg.HTTP.Stream.KeepaliveInterval,
			TrustProxy:         cfg.HTTP.Stream.TrustProxy,
		}, logger)
		srv = api.NewServer(cfg.HTTP.Addr, logger,
			auth.Config{Enabled: cfg.HTTP.Auth.Enabled, Token: cfg.HTTP.Auth.Token},
			api.Deps{
				Timeline:   agg,
				Catalog:    store,
				Stream:     streamHandler,
				TrustProxy: cfg.HTTP.Stream.TrustProxy,
				Ready:      map[string]health.Check{"catalog": catalogReady(store)},
			})

		go func() {
			logger.Info("starting server", "addr", cfg.HTTP.Addr, "auth_enabled", cfg.HTTP.Auth.Enabled)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("server listen error", "error", err)
				stop()
			}
		}()
	}

	logger.Info("measurement started",
		"duration_seconds", cfg.Engine.Duration.Seconds(),
		"dish_addr", cfg.Dish.Addr,
	)
	runErr := sampler.Run(ctx)

	logger.Info("waiting for in-flight timeslots", "in_flight", pool.InFlight())
	pool.Wait()
	logger.Info("measurement finished", "timeline_entries", agg.Len())

	if srv != nil {
		// Without a duration bound the API stays up until signalled.
		<-ctx.Done()
		logger.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "error", err)
		}
		logger.Info("server stopped")
	}
	return runErr
}

func catalogReady(store *tle.Store) health.Check {
	return func() error {
		if store.Get().Len() == 0 {
			return tle.ErrCatalogUnavailable
		}
		return nil
	}
}

// loadCatalog activates a catalog at startup and, when fetching is enabled,
// keeps it fresh in the background.
func loadCatalog(ctx context.Context, cfg config.TLEConfig, store *tle.Store, dir *tle.Dir, logger *slog.Logger) error {
	if !cfg.EnableFetch {
		c, err := dir.Load(time.Now())
		if err != nil {
			return err
		}
		store.Set(c)
		metrics.SetCatalogSize(c.Len())
		return nil
	}

	fetcher := tle.NewFetcher(cfg.SourceURL, logger, cfg.ExtraURLs...)
	refresher := tle.NewRefresher(fetcher, dir, store, cfg.RefreshEvery, logger)
	err := refresher.LoadOrRefresh(ctx)
	go refresher.Run(ctx)
	return err
}
