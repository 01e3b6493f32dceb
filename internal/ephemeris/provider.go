// Package ephemeris predicts where catalog satellites appear in the
// observer's sky.
package ephemeris

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/star/leotrack/internal/tle"
	"github.com/star/leotrack/internal/transform"
)

// Provider computes the look angles of a satellite from an observer at a
// given instant.
type Provider interface {
	Propagate(sat tle.SatelliteRecord, t time.Time, obs transform.ObserverPosition) (transform.LookAngles, error)
}

// modelCache holds initialized models for one catalog. Immutable after
// construction.
type modelCache struct {
	models    map[int]*model
	fetchedAt time.Time
}

// SGP4Provider is a Provider backed by SGP4. Models are initialized once per
// catalog and shared by concurrent callers.
type SGP4Provider struct {
	logger  *slog.Logger
	cache   atomic.Pointer[modelCache]
	cacheMu sync.Mutex // serializes rebuilds
}

func NewSGP4Provider(logger *slog.Logger) *SGP4Provider {
	return &SGP4Provider{logger: logger.With("component", "ephemeris")}
}

// Prepare initializes models for every satellite in c unless the cache
// already holds this catalog. Records that fail to initialize are skipped
// here and fail again, individually, on Propagate.
func (p *SGP4Provider) Prepare(c *tle.Catalog) {
	if c == nil {
		return
	}
	if mc := p.cache.Load(); mc != nil && mc.fetchedAt.Equal(c.FetchedAt) {
		return
	}

	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()

	if mc := p.cache.Load(); mc != nil && mc.fetchedAt.Equal(c.FetchedAt) {
		return
	}

	models := make(map[int]*model, len(c.Satellites))
	var skipped int
	for _, rec := range c.Satellites {
		if _, ok := models[rec.NORADID]; ok {
			continue
		}
		m, err := newModel(rec.Line1, rec.Line2, rec.NORADID)
		if err != nil {
			p.logger.Warn("sgp4 init failed", "norad_id", rec.NORADID, "error", err)
			skipped++
			continue
		}
		models[rec.NORADID] = m
	}

	p.logger.Info("sgp4 model cache rebuilt",
		"cached", len(models),
		"skipped", skipped,
		"catalog_fetched_at", c.FetchedAt.UTC().Format(time.RFC3339),
	)
	p.cache.Store(&modelCache{models: models, fetchedAt: c.FetchedAt})
}

func (p *SGP4Provider) model(sat tle.SatelliteRecord) (*model, error) {
	if mc := p.cache.Load(); mc != nil {
		if m, ok := mc.models[sat.NORADID]; ok && m.line1 == sat.Line1 {
			return m, nil
		}
	}
	return newModel(sat.Line1, sat.Line2, sat.NORADID)
}

// Propagate implements Provider.
func (p *SGP4Provider) Propagate(sat tle.SatelliteRecord, t time.Time, obs transform.ObserverPosition) (transform.LookAngles, error) {
	m, err := p.model(sat)
	if err != nil {
		return transform.LookAngles{}, err
	}
	pos, err := m.ecef(t)
	if err != nil {
		return transform.LookAngles{}, err
	}
	return obs.Look(pos), nil
}
