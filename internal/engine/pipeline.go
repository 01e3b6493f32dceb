package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/star/leotrack/internal/dish"
	"github.com/star/leotrack/internal/matcher"
	"github.com/star/leotrack/internal/metrics"
	"github.com/star/leotrack/internal/obstruction"
	"github.com/star/leotrack/internal/timeline"
	"github.com/star/leotrack/internal/timeslot"
	"github.com/star/leotrack/internal/tle"
	"github.com/star/leotrack/internal/transform"
)

// Job is one sampled timeslot ready for estimation.
type Job struct {
	Window      timeslot.Window
	Frame       dish.FrameType
	Orientation *dish.Orientation
	Frames      []dish.Frame
}

// Estimator picks the serving satellite for a timeslot.
type Estimator interface {
	Match(ctx context.Context, in matcher.Input) (*matcher.Result, error)
}

// CatalogSource returns the catalog to match a timeslot starting at t
// against.
type CatalogSource interface {
	Catalog(t time.Time) (*tle.Catalog, error)
}

// StoreCatalog selects the newest catalog file in Dir for the timeslot's UTC
// day and makes it the store's active catalog. The active catalog is reused
// while it is that file, and serves as the fallback when the day has no file
// yet.
type StoreCatalog struct {
	Store *tle.Store
	Dir   *tle.Dir
}

func (s StoreCatalog) Catalog(t time.Time) (*tle.Catalog, error) {
	active := s.Store.Get()
	if s.Dir == nil {
		if active.Len() == 0 {
			return nil, tle.ErrCatalogUnavailable
		}
		return active, nil
	}

	path, _, err := s.Dir.Latest(t)
	if err != nil {
		if active.Len() > 0 {
			return active, nil
		}
		return nil, err
	}
	if active.Len() > 0 && active.Source == path {
		return active, nil
	}

	c, err := s.Dir.Load(t)
	if err != nil {
		if active.Len() > 0 {
			return active, nil
		}
		return nil, err
	}
	s.Store.Set(c)
	metrics.SetCatalogSize(c.Len())
	return c, nil
}

// Pipeline turns a sampled timeslot into a timeline update: extraction,
// projection, matching and aggregation, with the raw and intermediate data
// persisted along the way.
type Pipeline struct {
	Observer   transform.ObserverPosition
	Catalogs   CatalogSource
	Estimator  Estimator
	Aggregator *timeline.Aggregator
	// Optional sinks.
	Trajectory *obstruction.TrajectoryLog
	Snapshots  *obstruction.SnapshotStore
	Logger     *slog.Logger
}

// Process runs one timeslot. Expected outcomes such as too few points or no
// visible candidate are logged and counted, not returned; the error is for
// unexpected failures only.
func (p *Pipeline) Process(ctx context.Context, job Job, stage func(string)) error {
	start := time.Now()
	defer func() { metrics.ObserveTimeslotProcessing(time.Since(start)) }()

	logger := p.Logger.With("timeslot_start", job.Window.Start.UTC().Format(time.RFC3339))

	stage("extract")
	var acc obstruction.Accumulator
	for i := range job.Frames {
		acc.Add(&job.Frames[i].Bitmap)
	}
	points := obstruction.Extract(job.Frames)
	logger.Debug("trajectory extracted",
		"frames", acc.Frames(),
		"obstructed_pixels", acc.Bitmap().Count(),
		"points", len(points),
	)

	if p.Snapshots != nil {
		stage("snapshot")
		if _, err := p.Snapshots.Append(ctx, job.Window.Start, job.Frames); err != nil {
			metrics.IncPersistenceErrors("snapshots")
			logger.Error("snapshot store write failed", "error", err)
		}
		if err := p.Snapshots.PutWindowMap(ctx, job.Window.Start, &acc); err != nil {
			metrics.IncPersistenceErrors("window_maps")
			logger.Error("window map write failed", "error", err)
		}
	}

	if p.Trajectory != nil {
		stage("trajectory_log")
		if err := p.Trajectory.Append(points); err != nil {
			metrics.IncPersistenceErrors("trajectory")
			logger.Error("trajectory log write failed", "path", p.Trajectory.Path(), "error", err)
		}
	}

	stage("project")
	if job.Frame == dish.FrameUT && job.Orientation == nil {
		metrics.IncTimeslots("no_orientation")
		logger.Warn("orientation unavailable for FRAME_UT, skipping estimation")
		return nil
	}
	var orientation dish.Orientation
	if job.Orientation != nil {
		orientation = *job.Orientation
	}
	projector, err := transform.NewPixelProjector(job.Frame, orientation)
	if err != nil {
		metrics.IncTimeslots("unsupported_frame")
		logger.Warn("skipping estimation", "frame_type", job.Frame.String(), "error", err)
		return nil
	}
	sky := transform.ProjectTrajectory(projector, points)

	stage("catalog")
	catalog, err := p.Catalogs.Catalog(job.Window.Start)
	if err != nil {
		metrics.IncTimeslots("no_catalog")
		logger.Warn("catalog unavailable, skipping estimation", "error", err)
		return nil
	}

	stage("match")
	res, err := p.Estimator.Match(ctx, matcher.Input{
		Window:   job.Window,
		Frame:    job.Frame,
		Points:   sky,
		Catalog:  catalog,
		Observer: p.Observer,
	})
	switch {
	case errors.Is(err, matcher.ErrInsufficientData):
		metrics.IncTimeslots("insufficient_data")
		logger.Info("not enough observed points", "points", len(sky), "error", err)
		return nil
	case errors.Is(err, matcher.ErrNoVisibleCandidate):
		metrics.IncTimeslots("no_candidate")
		logger.Info("no visible candidate", "catalog_size", catalog.Len())
		return nil
	case errors.Is(err, tle.ErrCatalogUnavailable):
		metrics.IncTimeslots("no_catalog")
		logger.Warn("catalog unavailable, skipping estimation", "error", err)
		return nil
	case err != nil:
		return fmt.Errorf("match: %w", err)
	}

	stage("aggregate")
	if err := p.Aggregator.Apply(*res); err != nil {
		logger.Error("timeline persistence failed", "error", err)
	}
	metrics.IncTimeslots("matched")
	logger.Info("serving satellite estimated",
		"satellite", res.Satellite,
		"norad_id", res.NORADID,
		"score", res.Score,
		"points", len(sky),
	)
	return nil
}
