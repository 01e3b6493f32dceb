// Command replay re-runs serving-satellite estimation over obstruction map
// snapshots recorded by a previous measurement.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/star/leotrack/internal/config"
	"github.com/star/leotrack/internal/dish"
	"github.com/star/leotrack/internal/engine"
	"github.com/star/leotrack/internal/ephemeris"
	"github.com/star/leotrack/internal/matcher"
	"github.com/star/leotrack/internal/obstruction"
	"github.com/star/leotrack/internal/timeline"
	"github.com/star/leotrack/internal/timeslot"
	"github.com/star/leotrack/internal/tle"
	"github.com/star/leotrack/internal/transform"
)

func main() {
	var (
		dbPath    = flag.String("db", "", "snapshot database to replay (required)")
		startArg  = flag.String("start", "", "replay from this RFC3339 time (default: first snapshot)")
		endArg    = flag.String("end", "", "replay until this RFC3339 time (default: last snapshot)")
		outDir    = flag.String("out", "", "directory for replay artifacts (default: data dir)")
		frameArg  = flag.String("frame", "", "override the stored frame type (FRAME_EARTH or FRAME_UT)")
		tilt      = flag.Float64("tilt", -1, "terminal tilt in degrees, required for FRAME_UT")
		boresight = flag.Float64("boresight-azimuth", 0, "terminal boresight azimuth in degrees")
	)
	flag.Parse()

	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	if *dbPath == "" {
		fmt.Fprintln(os.Stderr, "replay: -db is required")
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(logger)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	level.Set(cfg.Level())

	opts := options{db: *dbPath, outDir: *outDir, frame: dish.ParseFrameType(*frameArg)}
	if opts.outDir == "" {
		opts.outDir = cfg.DataDir
	}
	if *frameArg != "" && opts.frame == dish.FrameUnknown {
		logger.Error("invalid -frame value", "value", *frameArg)
		os.Exit(2)
	}
	if *tilt >= 0 {
		opts.orientation = &dish.Orientation{TiltDeg: *tilt, BoresightAzimuthDeg: *boresight}
	}
	if opts.start, err = parseTime(*startArg); err != nil {
		logger.Error("invalid -start value", "error", err)
		os.Exit(2)
	}
	if opts.end, err = parseTime(*endArg); err != nil {
		logger.Error("invalid -end value", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, opts, logger); err != nil {
		logger.Error("replay failed", "error", err)
		os.Exit(1)
	}
}

type options struct {
	db          string
	outDir      string
	start, end  time.Time
	frame       dish.FrameType
	orientation *dish.Orientation
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

func run(ctx context.Context, cfg config.Config, opts options, logger *slog.Logger) error {
	snapshots, err := obstruction.OpenSnapshotStore(opts.db, logger)
	if err != nil {
		return err
	}
	defer snapshots.Close()

	first, last, ok, err := snapshots.Bounds(ctx)
	if err != nil {
		return err
	}
	if !ok {
		logger.Info("snapshot database is empty", "db", opts.db)
		return nil
	}
	if !opts.start.IsZero() && opts.start.After(first) {
		first = opts.start
	}
	if !opts.end.IsZero() && opts.end.Before(last) {
		last = opts.end
	}

	if err := os.MkdirAll(opts.outDir, 0o755); err != nil {
		return err
	}
	artifacts := engine.NewArtifacts(opts.outDir)
	logger = logger.With("run_id", artifacts.RunID, "replay_of", filepath.Base(opts.db))

	agg := timeline.NewAggregator(artifacts.Timeline(), artifacts.LatestSatellite(), timeline.NewHub(), logger)
	pipeline := &engine.Pipeline{
		Observer:   transform.NewObserverPosition(cfg.Observer.Latitude, cfg.Observer.Longitude, cfg.Observer.Altitude),
		Catalogs:   newDayCatalogs(tle.NewDir(cfg.TLE.Dir, logger)),
		Estimator:  matcher.New(ephemeris.NewSGP4Provider(logger), cfg.Engine.MatchWorkers, logger),
		Aggregator: agg,
		Trajectory: obstruction.NewTrajectoryLog(artifacts.TrajectoryLog()),
		Logger:     logger,
	}

	windows := windowsBetween(first, last)
	logger.Info("replay started",
		"first", first.Format(time.RFC3339),
		"last", last.Format(time.RFC3339),
		"windows", len(windows),
	)

	pool := engine.NewTaskPool(ctx, cfg.Engine.TaskWorkers, cfg.Engine.TaskQueue, logger)
	for _, w := range windows {
		if ctx.Err() != nil {
			break
		}
		frames, err := snapshots.Frames(ctx, w.Start, w.End)
		if err != nil {
			pool.Wait()
			return err
		}
		if len(frames) == 0 {
			continue
		}
		job := engine.Job{
			Window:      w,
			Frame:       opts.frame,
			Orientation: opts.orientation,
			Frames:      frames,
		}
		if job.Frame == dish.FrameUnknown {
			job.Frame = frames[0].Type
		}
		if err := pool.Submit(ctx, w, func(ctx context.Context, stage func(string)) error {
			return pipeline.Process(ctx, job, stage)
		}); err != nil {
			break
		}
	}
	pool.Wait()

	logger.Info("replay finished",
		"timeline_entries", agg.Len(),
		"timeline", artifacts.Timeline(),
	)
	return ctx.Err()
}

// windowsBetween returns the consecutive windows whose segments overlap
// [first, last].
func windowsBetween(first, last time.Time) []timeslot.Window {
	var out []timeslot.Window
	for w := timeslot.WindowAt(first); !w.Start.After(last); {
		out = append(out, w)
		start := w.Start.Add(timeslot.Period)
		w = timeslot.Window{Boundary: timeslot.Successor(w.Boundary), Start: start, End: start.Add(timeslot.Length)}
	}
	return out
}

// dayCatalogs loads the newest catalog of each replayed day once.
type dayCatalogs struct {
	dir *tle.Dir

	mu    sync.Mutex
	byDay map[string]*tle.Catalog
}

func newDayCatalogs(dir *tle.Dir) *dayCatalogs {
	return &dayCatalogs{dir: dir, byDay: make(map[string]*tle.Catalog)}
}

func (d *dayCatalogs) Catalog(t time.Time) (*tle.Catalog, error) {
	day := t.UTC().Format(time.DateOnly)
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.byDay[day]; ok {
		return c, nil
	}
	c, err := d.dir.Load(t)
	if err != nil {
		return nil, err
	}
	d.byDay[day] = c
	return c, nil
}
