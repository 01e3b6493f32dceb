package tle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/star/leotrack/internal/metrics"
)

// Refresher keeps the store's catalog current by periodically downloading
// it into the daily directory layout.
type Refresher struct {
	fetcher  *Fetcher
	dir      *Dir
	store    *Store
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func NewRefresher(fetcher *Fetcher, dir *Dir, store *Store, interval time.Duration, logger *slog.Logger) *Refresher {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Refresher{
		fetcher:  fetcher,
		dir:      dir,
		store:    store,
		interval: interval,
		logger:   logger.With("component", "tle_refresher"),
		now:      time.Now,
	}
}

// Refresh downloads, persists and activates a new catalog. A download that
// parses to nothing leaves the active catalog untouched.
func (r *Refresher) Refresh(ctx context.Context) error {
	r.store.Lock()
	defer r.store.Unlock()

	start := r.now()
	data, err := r.fetcher.Fetch(ctx)
	if err != nil {
		metrics.IncCatalogRefreshes("fetch_error")
		return fmt.Errorf("fetch catalog: %w", err)
	}

	sats, err := Parse(bytes.NewReader(data), r.logger)
	if err != nil {
		metrics.IncCatalogRefreshes("parse_error")
		return fmt.Errorf("parse catalog: %w", err)
	}
	if len(sats) == 0 {
		metrics.IncCatalogRefreshes("empty")
		return fmt.Errorf("%w: download from %s has no valid records", ErrCatalogUnavailable, r.fetcher.SourceURL())
	}

	path, err := r.dir.Write(data, start)
	if err != nil {
		// The in-memory catalog is still usable.
		r.logger.Error("failed to persist catalog", "error", err)
		metrics.IncPersistenceErrors("catalog")
		path = r.fetcher.SourceURL()
	}

	r.store.Set(NewCatalog(path, start, sats))
	metrics.IncCatalogRefreshes("ok")
	metrics.SetCatalogSize(len(sats))
	metrics.SetCatalogAge(0)
	r.logger.Info("catalog refreshed",
		"satellites", len(sats),
		"path", path,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// LoadOrRefresh activates today's newest on-disk catalog if there is one,
// and downloads a fresh one otherwise.
func (r *Refresher) LoadOrRefresh(ctx context.Context) error {
	c, err := r.dir.Load(r.now())
	if err == nil {
		r.store.Set(c)
		metrics.SetCatalogSize(c.Len())
		return nil
	}
	if !errors.Is(err, ErrCatalogUnavailable) {
		return err
	}
	r.logger.Info("no catalog on disk for today, downloading", "reason", err)
	return r.Refresh(ctx)
}

// Run refreshes on every interval until ctx is done. Failures are logged
// and the previous catalog stays active.
func (r *Refresher) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("catalog refresh failed, keeping previous catalog", "error", err)
			}
			if age, ok := r.store.Age(r.now()); ok {
				metrics.SetCatalogAge(age)
			}
		}
	}
}
