// Package matcher identifies the satellite whose predicted sky track best
// fits an observed trajectory.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/star/leotrack/internal/dish"
	"github.com/star/leotrack/internal/ephemeris"
	"github.com/star/leotrack/internal/metrics"
	"github.com/star/leotrack/internal/timeslot"
	"github.com/star/leotrack/internal/tle"
	"github.com/star/leotrack/internal/transform"
)

var (
	ErrInsufficientData   = errors.New("insufficient observed points")
	ErrNoVisibleCandidate = errors.New("no visible candidate satellite")
)

const (
	// MinElevationDeg is the lowest predicted elevation a candidate may have
	// at any representative instant.
	MinElevationDeg = 20.0
	// DistanceSamples is the number of per-second ranges reported for the
	// matched satellite, window seconds 0 through 14.
	DistanceSamples = 15

	representativeCount = 3
)

// Input is everything needed to match one timeslot.
type Input struct {
	Window   timeslot.Window
	Frame    dish.FrameType
	Points   []transform.SkyPoint
	Catalog  *tle.Catalog
	Observer transform.ObserverPosition
}

// Result is the best-matching satellite for a timeslot.
type Result struct {
	TimeslotStart time.Time
	Satellite     string
	NORADID       int
	Score         float64
	DistancesKm   []float64
}

// preparer is implemented by providers that benefit from seeing the whole
// catalog before a matching pass.
type preparer interface {
	Prepare(*tle.Catalog)
}

// Matcher scores catalog satellites against observed trajectories.
type Matcher struct {
	provider ephemeris.Provider
	pool     *scorePool
	logger   *slog.Logger
}

// New creates a matcher evaluating candidates on workers goroutines.
// workers <= 0 uses one per CPU.
func New(provider ephemeris.Provider, workers int, logger *slog.Logger) *Matcher {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Matcher{
		provider: provider,
		pool:     &scorePool{workers: workers, provider: provider},
		logger:   logger.With("component", "matcher"),
	}
}

// Representatives picks the first, middle (len/2) and second-to-last
// points.
func Representatives(points []transform.SkyPoint) ([representativeCount]transform.SkyPoint, error) {
	var reps [representativeCount]transform.SkyPoint
	if len(points) < representativeCount {
		return reps, fmt.Errorf("%w: %d points, need %d", ErrInsufficientData, len(points), representativeCount)
	}
	reps[0] = points[0]
	reps[1] = points[len(points)/2]
	reps[2] = points[len(points)-2]
	return reps, nil
}

// Match selects the catalog satellite closest to the observed trajectory.
// Ties keep the earliest catalog entry.
func (m *Matcher) Match(ctx context.Context, in Input) (*Result, error) {
	if in.Catalog == nil {
		return nil, tle.ErrCatalogUnavailable
	}
	sc, err := scorerFor(in.Frame)
	if err != nil {
		return nil, err
	}

	var inWindow []transform.SkyPoint
	for _, p := range in.Points {
		if in.Window.Contains(p.Timestamp) {
			inWindow = append(inWindow, p)
		}
	}
	reps, err := Representatives(inWindow)
	if err != nil {
		return nil, err
	}

	var (
		times    [representativeCount]time.Time
		observed trajectory
	)
	for i, p := range reps {
		times[i] = p.Timestamp
		observed[i] = skyPos{alt: p.ElevationDeg, az: p.AzimuthDeg}
	}

	if pr, ok := m.provider.(preparer); ok {
		pr.Prepare(in.Catalog)
	}

	start := time.Now()
	candidates := m.pool.evaluate(ctx, in.Catalog.Satellites, times, observed, in.Observer, sc)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	best := -1
	var failed int
	for i, c := range candidates {
		if c.err != nil {
			failed++
			m.logger.Debug("propagation failed", "norad_id", in.Catalog.Satellites[i].NORADID, "error", c.err)
			continue
		}
		if !c.visible {
			continue
		}
		if best < 0 || c.score < candidates[best].score {
			best = i
		}
	}
	metrics.RecordEphemeris(len(candidates)-failed, failed)

	m.logger.Debug("candidates evaluated",
		"timeslot_start", in.Window.Start.UTC().Format(time.RFC3339),
		"catalog_size", len(candidates),
		"propagation_errors", failed,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if best < 0 {
		return nil, fmt.Errorf("%w: %d satellites evaluated", ErrNoVisibleCandidate, len(candidates))
	}

	sat := in.Catalog.Satellites[best]
	distances := make([]float64, DistanceSamples)
	for s := range distances {
		la, err := m.provider.Propagate(sat, in.Window.Start.Add(time.Duration(s)*time.Second), in.Observer)
		if err != nil {
			return nil, fmt.Errorf("range of %s at +%ds: %w", sat.Name, s, err)
		}
		distances[s] = la.RangeKm
	}

	return &Result{
		TimeslotStart: in.Window.Start,
		Satellite:     sat.Name,
		NORADID:       sat.NORADID,
		Score:         candidates[best].score,
		DistancesKm:   distances,
	}, nil
}
