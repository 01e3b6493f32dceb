package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/star/leotrack/internal/dish"
	"github.com/star/leotrack/internal/metrics"
	"github.com/star/leotrack/internal/timeslot"
)

// Processor handles one sampled timeslot.
type Processor interface {
	Process(ctx context.Context, job Job, stage func(string)) error
}

type SamplerConfig struct {
	// Interval between obstruction map reads.
	Interval time.Duration
	// Duration bounds the measurement. Zero samples until ctx is done.
	Duration time.Duration
	// Clock defaults to the system clock.
	Clock timeslot.Clock
}

// Sampler drives the measurement: it waits for each timeslot, clears the
// terminal's obstruction map, samples frames until the window ends and hands
// the window to the task pool.
type Sampler struct {
	sched       *timeslot.Scheduler
	bitmaps     dish.BitmapSource
	orientation dish.OrientationSource
	pool        *TaskPool
	proc        Processor
	cfg         SamplerConfig
	logger      *slog.Logger
}

// NewSampler wires a sampler. orientation may be nil when the terminal only
// reports FRAME_EARTH maps.
func NewSampler(sched *timeslot.Scheduler, bitmaps dish.BitmapSource, orientation dish.OrientationSource,
	pool *TaskPool, proc Processor, cfg SamplerConfig, logger *slog.Logger) *Sampler {
	if cfg.Interval <= 0 {
		cfg.Interval = 500 * time.Millisecond
	}
	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}
	return &Sampler{
		sched:       sched,
		bitmaps:     bitmaps,
		orientation: orientation,
		pool:        pool,
		proc:        proc,
		cfg:         cfg,
		logger:      logger.With("component", "sampler"),
	}
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Run samples windows until the measurement duration elapses or ctx is done.
// Windows already sampled are submitted even when ctx is cancelled; the
// caller joins them with TaskPool.Wait.
func (s *Sampler) Run(ctx context.Context) error {
	begin := s.cfg.Clock.Now()
	s.logger.Info("measurement started", "duration_seconds", s.cfg.Duration.Seconds())

	var att attitude
	submit := context.WithoutCancel(ctx)
	windows := 0
	for {
		if s.cfg.Duration > 0 && !s.cfg.Clock.Now().Before(begin.Add(s.cfg.Duration)) {
			break
		}

		w, err := s.sched.Next(ctx)
		if err != nil {
			break
		}
		logger := s.logger.With("timeslot_start", w.Start.UTC().Format(time.RFC3339))

		s.refreshAttitude(ctx, &att, logger)
		if ctx.Err() != nil {
			break
		}

		if err := s.bitmaps.Reset(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			logger.Error("obstruction map reset failed", "error", err)
			continue
		}

		frames, err := s.sample(ctx, w, att.frame, logger)
		if err != nil {
			logger.Info("window abandoned", "reason", err)
			break
		}

		job := Job{Window: w, Frame: att.frame, Orientation: att.orientation, Frames: frames}
		err = s.pool.Submit(submit, w, func(ctx context.Context, stage func(string)) error {
			return s.proc.Process(ctx, job, stage)
		})
		if err != nil {
			logger.Error("window not dispatched", "error", err)
			break
		}
		windows++
		logger.Debug("window dispatched",
			"frames", len(frames),
			"frame_type", att.frame.String(),
			"in_flight", s.pool.InFlight(),
		)
	}

	s.logger.Info("measurement finished", "windows", windows)
	return nil
}

// attitude is the last successfully read frame type and orientation.
type attitude struct {
	frame       dish.FrameType
	orientation *dish.Orientation
}

// refreshAttitude re-reads the map's reference frame and the terminal's
// orientation. A failed read keeps the previous value.
func (s *Sampler) refreshAttitude(ctx context.Context, att *attitude, logger *slog.Logger) {
	switch ft, err := s.bitmaps.ReferenceFrame(ctx); {
	case err != nil:
		logger.Warn("reference frame unavailable, keeping previous",
			"error", err, "frame_type", att.frame.String())
	case ft != att.frame:
		logger.Info("reference frame changed", "from", att.frame.String(), "to", ft.String())
		att.frame = ft
	}

	if s.orientation == nil {
		return
	}
	o, err := s.orientation.CurrentOrientation(ctx)
	if err != nil {
		logger.Warn("orientation unavailable, keeping previous",
			"error", err, "have_previous", att.orientation != nil)
		return
	}
	att.orientation = &o
}

// sample reads frames every Interval until the window ends.
func (s *Sampler) sample(ctx context.Context, w timeslot.Window, frameType dish.FrameType, logger *slog.Logger) ([]dish.Frame, error) {
	var frames []dish.Frame
	for {
		now := s.cfg.Clock.Now()
		if !now.Before(w.End) {
			return frames, nil
		}

		b, err := s.bitmaps.CurrentFrame(ctx)
		switch {
		case err == nil:
			frames = append(frames, dish.Frame{Timestamp: now.UTC(), Type: frameType, Bitmap: b})
			metrics.IncFramesSampled()
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, dish.ErrMalformedFrame):
			metrics.IncFramesDropped()
			logger.Debug("malformed frame dropped", "error", err)
		default:
			metrics.IncFramesDropped()
			logger.Warn("obstruction map read failed", "error", err)
		}

		timer := time.NewTimer(s.cfg.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}
