package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/star/leotrack/internal/dish"
	"github.com/star/leotrack/internal/matcher"
	"github.com/star/leotrack/internal/obstruction"
	"github.com/star/leotrack/internal/timeline"
	"github.com/star/leotrack/internal/timeslot"
	"github.com/star/leotrack/internal/tle"
	"github.com/star/leotrack/internal/transform"
)

var windowStart = time.Date(2026, 3, 1, 10, 0, 12, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func testWindow() timeslot.Window {
	return timeslot.Window{Boundary: 12, Start: windowStart, End: windowStart.Add(timeslot.Length)}
}

// movingFrames returns n frames half a second apart, each lighting one more
// pixel along a diagonal from the map center.
func movingFrames(n int, ft dish.FrameType) []dish.Frame {
	frames := make([]dish.Frame, n)
	var b dish.Bitmap
	for i := range frames {
		if i > 0 {
			b.Set(61-i, 62+i, true)
		}
		frames[i] = dish.Frame{
			Timestamp: windowStart.Add(time.Duration(i) * 500 * time.Millisecond),
			Type:      ft,
			Bitmap:    b,
		}
	}
	return frames
}

// --- TaskPool ---

func TestTaskPoolJoinsAllTasks(t *testing.T) {
	pool := NewTaskPool(context.Background(), 3, 2, testLogger())

	var done atomic.Int32
	for i := 0; i < 10; i++ {
		err := pool.Submit(context.Background(), testWindow(), func(ctx context.Context, stage func(string)) error {
			time.Sleep(5 * time.Millisecond)
			done.Add(1)
			return nil
		})
		require.NoError(t, err)
	}
	pool.Wait()

	assert.Equal(t, int32(10), done.Load())
	assert.Equal(t, 0, pool.InFlight())
}

func TestTaskPoolBoundsConcurrency(t *testing.T) {
	const workers = 2
	pool := NewTaskPool(context.Background(), workers, 8, testLogger())

	var running, peak atomic.Int32
	for i := 0; i < 8; i++ {
		require.NoError(t, pool.Submit(context.Background(), testWindow(), func(ctx context.Context, stage func(string)) error {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
			return nil
		}))
	}
	pool.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(workers))
}

func TestTaskPoolRecoversPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	pool := NewTaskPool(context.Background(), 1, 1, logger)

	require.NoError(t, pool.Submit(context.Background(), testWindow(), func(ctx context.Context, stage func(string)) error {
		stage("match")
		panic("boom")
	}))
	var after atomic.Bool
	require.NoError(t, pool.Submit(context.Background(), testWindow(), func(ctx context.Context, stage func(string)) error {
		after.Store(true)
		return nil
	}))
	pool.Wait()

	assert.True(t, after.Load(), "worker survives a panicking task")
	out := buf.String()
	assert.Contains(t, out, `"msg":"task panicked"`)
	assert.Contains(t, out, `"stage":"match"`)
	assert.Contains(t, out, `"timeslot_start":"2026-03-01T10:00:12Z"`)
}

func TestTaskPoolLogsFailure(t *testing.T) {
	var buf bytes.Buffer
	pool := NewTaskPool(context.Background(), 1, 1, slog.New(slog.NewJSONHandler(&buf, nil)))
	require.NoError(t, pool.Submit(context.Background(), testWindow(), func(ctx context.Context, stage func(string)) error {
		stage("aggregate")
		return errors.New("disk on fire")
	}))
	pool.Wait()

	assert.Contains(t, buf.String(), `"stage":"aggregate"`)
	assert.Contains(t, buf.String(), "disk on fire")
}

func TestTaskPoolClosed(t *testing.T) {
	pool := NewTaskPool(context.Background(), 1, 0, testLogger())
	pool.Wait()
	pool.Wait()
	err := pool.Submit(context.Background(), testWindow(), func(context.Context, func(string)) error { return nil })
	assert.ErrorIs(t, err, ErrPoolClosed)
}

// --- Pipeline ---

type fakeEstimator struct {
	mu     sync.Mutex
	inputs []matcher.Input
	result *matcher.Result
	err    error
}

func (f *fakeEstimator) Match(ctx context.Context, in matcher.Input) (*matcher.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeEstimator) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inputs)
}

type staticCatalog struct {
	c   *tle.Catalog
	err error
}

func (s staticCatalog) Catalog(time.Time) (*tle.Catalog, error) { return s.c, s.err }

func testCatalog() *tle.Catalog {
	return tle.NewCatalog("test", windowStart, []tle.SatelliteRecord{{NORADID: 44714, Name: "STARLINK-1008"}})
}

func distances() []float64 {
	d := make([]float64, matcher.DistanceSamples)
	for i := range d {
		d[i] = 600 - float64(i)
	}
	return d
}

type pipelineFixture struct {
	dir       string
	pipeline  *Pipeline
	estimator *fakeEstimator
	agg       *timeline.Aggregator
	snapshots *obstruction.SnapshotStore
}

func newFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	dir := t.TempDir()
	art := Artifacts{Dir: dir, RunID: "test"}

	snaps, err := obstruction.OpenSnapshotStore(art.Snapshots(), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { snaps.Close() })

	est := &fakeEstimator{result: &matcher.Result{
		TimeslotStart: windowStart,
		Satellite:     "STARLINK-1008",
		NORADID:       44714,
		DistancesKm:   distances(),
	}}
	agg := timeline.NewAggregator(art.Timeline(), art.LatestSatellite(), nil, testLogger())
	return &pipelineFixture{
		dir:       dir,
		estimator: est,
		agg:       agg,
		snapshots: snaps,
		pipeline: &Pipeline{
			Observer:   transform.NewObserverPosition(47.6, -122.3, 50),
			Catalogs:   staticCatalog{c: testCatalog()},
			Estimator:  est,
			Aggregator: agg,
			Trajectory: obstruction.NewTrajectoryLog(art.TrajectoryLog()),
			Snapshots:  snaps,
			Logger:     testLogger(),
		},
	}
}

func noStage(string) {}

func TestPipelineMatchesAndPersists(t *testing.T) {
	f := newFixture(t)
	frames := movingFrames(28, dish.FrameEarth)

	var stages []string
	err := f.pipeline.Process(context.Background(), Job{Window: testWindow(), Frame: dish.FrameEarth, Frames: frames},
		func(s string) { stages = append(stages, s) })
	require.NoError(t, err)

	assert.Equal(t, []string{"extract", "snapshot", "trajectory_log", "project", "catalog", "match", "aggregate"}, stages)

	require.Equal(t, 1, f.estimator.calls())
	in := f.estimator.inputs[0]
	assert.Len(t, in.Points, 27)
	assert.Equal(t, testWindow(), in.Window)
	assert.Equal(t, dish.FrameEarth, in.Frame)
	// Pixels move up and to the right of center: north-east of the terminal.
	assert.InDelta(t, 45, in.Points[0].AzimuthDeg, 1e-9)

	assert.Equal(t, 15, f.agg.Len())
	latest, err := os.ReadFile(filepath.Join(f.dir, "latest_connected_satellite.txt"))
	require.NoError(t, err)
	assert.Equal(t, "STARLINK-1008", string(latest))

	log, err := os.ReadFile(filepath.Join(f.dir, "obstruction-data-test.csv"))
	require.NoError(t, err)
	assert.Equal(t, 28, strings.Count(string(log), "\n"), "header plus one row per point")

	n, err := f.snapshots.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 28, n)

	wm, ok, err := f.snapshots.WindowMap(context.Background(), windowStart)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 28, wm.Frames)
	assert.Equal(t, 27, wm.Bitmap.Count())
	assert.True(t, wm.Bitmap.Get(60, 63))
	assert.True(t, wm.Bitmap.Get(34, 89))
}

func TestPipelineExpectedSkips(t *testing.T) {
	tests := []struct {
		name        string
		job         Job
		catalogErr  error
		estimateErr error
		wantCalls   int
	}{
		{
			name:      "ut frame without orientation",
			job:       Job{Window: testWindow(), Frame: dish.FrameUT, Frames: movingFrames(10, dish.FrameUT)},
			wantCalls: 0,
		},
		{
			name:      "unknown frame",
			job:       Job{Window: testWindow(), Frame: dish.FrameUnknown, Frames: movingFrames(10, dish.FrameUnknown)},
			wantCalls: 0,
		},
		{
			name:       "catalog unavailable",
			job:        Job{Window: testWindow(), Frame: dish.FrameEarth, Frames: movingFrames(10, dish.FrameEarth)},
			catalogErr: tle.ErrCatalogUnavailable,
			wantCalls:  0,
		},
		{
			name:        "insufficient data",
			job:         Job{Window: testWindow(), Frame: dish.FrameEarth, Frames: movingFrames(2, dish.FrameEarth)},
			estimateErr: matcher.ErrInsufficientData,
			wantCalls:   1,
		},
		{
			name:        "no candidate",
			job:         Job{Window: testWindow(), Frame: dish.FrameEarth, Frames: movingFrames(10, dish.FrameEarth)},
			estimateErr: matcher.ErrNoVisibleCandidate,
			wantCalls:   1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.estimator.err = tt.estimateErr
			if tt.catalogErr != nil {
				f.pipeline.Catalogs = staticCatalog{err: tt.catalogErr}
			}

			require.NoError(t, f.pipeline.Process(context.Background(), tt.job, noStage))
			assert.Equal(t, tt.wantCalls, f.estimator.calls())
			assert.Equal(t, 0, f.agg.Len())
		})
	}
}

func TestPipelineUTFrameUsesOrientation(t *testing.T) {
	f := newFixture(t)
	o := dish.Orientation{TiltDeg: 0, BoresightAzimuthDeg: 90}
	job := Job{Window: testWindow(), Frame: dish.FrameUT, Orientation: &o, Frames: movingFrames(10, dish.FrameUT)}

	require.NoError(t, f.pipeline.Process(context.Background(), job, noStage))
	require.Equal(t, 1, f.estimator.calls())
	assert.Equal(t, dish.FrameUT, f.estimator.inputs[0].Frame)
}

func TestPipelineUnexpectedError(t *testing.T) {
	f := newFixture(t)
	f.estimator.err = errors.New("ephemeris exploded")

	var last string
	err := f.pipeline.Process(context.Background(),
		Job{Window: testWindow(), Frame: dish.FrameEarth, Frames: movingFrames(10, dish.FrameEarth)},
		func(s string) { last = s })
	assert.ErrorContains(t, err, "ephemeris exploded")
	assert.Equal(t, "match", last)
}

func TestStoreCatalogFallsBackToDir(t *testing.T) {
	store := tle.NewStore()
	_, err := StoreCatalog{Store: store}.Catalog(windowStart)
	assert.ErrorIs(t, err, tle.ErrCatalogUnavailable)

	dir := tle.NewDir(t.TempDir(), testLogger())
	_, err = StoreCatalog{Store: store, Dir: dir}.Catalog(windowStart)
	assert.ErrorIs(t, err, tle.ErrCatalogUnavailable)

	store.Set(testCatalog())
	c, err := StoreCatalog{Store: store, Dir: dir}.Catalog(windowStart)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Len())
}

const starlink1008TLE = "STARLINK-1008\n" +
	"1 44714U 19074B   26059.91667824  .00002182  00000+0  16538-3 0  9991\n" +
	"2 44714  53.0546 137.0811 0001392  88.7062 271.4092 15.06392013346311\n"

func TestStoreCatalogFollowsWindowDay(t *testing.T) {
	dir := tle.NewDir(t.TempDir(), testLogger())
	store := tle.NewStore()
	src := StoreCatalog{Store: store, Dir: dir}

	day1 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)

	p1, err := dir.Write([]byte(starlink1008TLE), day1)
	require.NoError(t, err)
	c1, err := src.Catalog(day1.Add(4 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, p1, c1.Source)
	assert.Same(t, c1, store.Get())

	again, err := src.Catalog(day1.Add(5 * time.Hour))
	require.NoError(t, err)
	assert.Same(t, c1, again, "unchanged file is not reloaded")

	// Next day's file replaces the active catalog.
	p2, err := dir.Write([]byte(starlink1008TLE), day2)
	require.NoError(t, err)
	c2, err := src.Catalog(day2.Add(4 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, p2, c2.Source)
	assert.Same(t, c2, store.Get())

	// A newer download for the same day wins.
	p3, err := dir.Write([]byte(starlink1008TLE), day2.Add(time.Hour))
	require.NoError(t, err)
	later := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(p3, later, later))
	c3, err := src.Catalog(day2.Add(5 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, p3, c3.Source)

	// A day without files keeps the active catalog.
	c4, err := src.Catalog(day2.Add(48 * time.Hour))
	require.NoError(t, err)
	assert.Same(t, c3, c4)
}

// --- Sampler ---

type stepClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

type fakeTerminal struct {
	mu     sync.Mutex
	reads  int
	resets int
	frame  dish.FrameType

	// 1-based ReferenceFrame / CurrentOrientation calls that fail.
	frameFails  map[int]bool
	orientFails map[int]bool
	frameCalls  int
	orientCalls int
}

func (d *fakeTerminal) Reset(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resets++
	return nil
}

func (d *fakeTerminal) CurrentFrame(context.Context) (dish.Bitmap, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reads++
	if d.reads%10 == 0 {
		return dish.Bitmap{}, dish.ErrMalformedFrame
	}
	var b dish.Bitmap
	b.Set(d.reads%dish.MapSize, 30, true)
	return b, nil
}

func (d *fakeTerminal) ReferenceFrame(context.Context) (dish.FrameType, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.frameCalls++
	if d.frameFails[d.frameCalls] {
		return dish.FrameUnknown, errors.New("get_status: unavailable")
	}
	return d.frame, nil
}

func (d *fakeTerminal) CurrentOrientation(context.Context) (dish.Orientation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.orientCalls++
	if d.orientFails[d.orientCalls] {
		return dish.Orientation{}, errors.New("get_status: unavailable")
	}
	return dish.Orientation{TiltDeg: 20 + float64(d.orientCalls), BoresightAzimuthDeg: 180}, nil
}

type recorder struct {
	mu   sync.Mutex
	jobs []Job
}

func (r *recorder) Process(ctx context.Context, job Job, stage func(string)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
	return nil
}

func TestSamplerBoundedByDuration(t *testing.T) {
	clock := &stepClock{now: time.Date(2026, 3, 1, 10, 0, 13, 500_000_000, time.UTC), step: 100 * time.Millisecond}
	term := &fakeTerminal{frame: dish.FrameUT}
	rec := &recorder{}
	pool := NewTaskPool(context.Background(), 2, 4, testLogger())

	s := NewSampler(timeslot.NewScheduler(clock, time.Millisecond), term, term, pool, rec,
		SamplerConfig{Interval: time.Millisecond, Duration: 20 * time.Second, Clock: clock}, testLogger())
	require.NoError(t, s.Run(context.Background()))
	pool.Wait()

	require.Len(t, rec.jobs, 2)
	assert.Equal(t, 2, term.resets)
	for i, b := range []timeslot.Boundary{12, 27} {
		job := rec.jobs[i]
		assert.Equal(t, b, job.Window.Boundary)
		assert.Equal(t, dish.FrameUT, job.Frame)
		require.NotNil(t, job.Orientation)
		assert.Equal(t, 21.0+float64(i), job.Orientation.TiltDeg)
		require.NotEmpty(t, job.Frames)
		for j, f := range job.Frames {
			assert.True(t, job.Window.Contains(f.Timestamp), "frame %d at %s outside %s", j, f.Timestamp, job.Window)
			if j > 0 {
				assert.True(t, f.Timestamp.After(job.Frames[j-1].Timestamp))
			}
		}
	}
}

func TestSamplerRereadsAttitudeEachWindow(t *testing.T) {
	clock := &stepClock{now: time.Date(2026, 3, 1, 10, 0, 13, 500_000_000, time.UTC), step: 100 * time.Millisecond}
	term := &fakeTerminal{
		frame:       dish.FrameEarth,
		frameFails:  map[int]bool{1: true, 3: true},
		orientFails: map[int]bool{1: true, 3: true},
	}
	rec := &recorder{}
	pool := NewTaskPool(context.Background(), 1, 8, testLogger())

	s := NewSampler(timeslot.NewScheduler(clock, time.Millisecond), term, term, pool, rec,
		SamplerConfig{Interval: time.Millisecond, Duration: 50 * time.Second, Clock: clock}, testLogger())
	require.NoError(t, s.Run(context.Background()))
	pool.Wait()

	require.Len(t, rec.jobs, 4)
	assert.Equal(t, 4, term.frameCalls)
	assert.Equal(t, 4, term.orientCalls)

	// First read failed and nothing was known yet.
	assert.Equal(t, dish.FrameUnknown, rec.jobs[0].Frame)
	assert.Nil(t, rec.jobs[0].Orientation)

	// Recovered on the next window.
	assert.Equal(t, dish.FrameEarth, rec.jobs[1].Frame)
	require.NotNil(t, rec.jobs[1].Orientation)
	assert.Equal(t, 22.0, rec.jobs[1].Orientation.TiltDeg)

	// A later failure keeps the last good values.
	assert.Equal(t, dish.FrameEarth, rec.jobs[2].Frame)
	require.NotNil(t, rec.jobs[2].Orientation)
	assert.Equal(t, 22.0, rec.jobs[2].Orientation.TiltDeg)

	assert.Equal(t, dish.FrameEarth, rec.jobs[3].Frame)
	assert.Equal(t, 24.0, rec.jobs[3].Orientation.TiltDeg)
}

func TestSamplerStopsOnCancel(t *testing.T) {
	// A frozen clock never reaches the window end.
	clock := &stepClock{now: time.Date(2026, 3, 1, 10, 0, 13, 0, time.UTC)}
	term := &fakeTerminal{frame: dish.FrameEarth}
	rec := &recorder{}
	pool := NewTaskPool(context.Background(), 1, 1, testLogger())

	s := NewSampler(timeslot.NewScheduler(clock, time.Millisecond), term, nil, pool, rec,
		SamplerConfig{Interval: time.Millisecond, Clock: clock}, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Run(ctx))
	pool.Wait()

	assert.Empty(t, rec.jobs)
}

// --- Artifacts ---

func TestArtifacts(t *testing.T) {
	a := NewArtifacts("/data")
	_, err := uuid.Parse(a.RunID)
	require.NoError(t, err)
	assert.NotEqual(t, a.RunID, NewArtifacts("/data").RunID)
	assert.Equal(t, "/data/obstruction-data-"+a.RunID+".csv", a.TrajectoryLog())
	assert.Equal(t, "/data/serving_satellite_data-"+a.RunID+".csv", a.Timeline())
	assert.Equal(t, "/data/latest_connected_satellite.txt", a.LatestSatellite())
}

func TestWriteObserverLocation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "observer_location.json")
	require.NoError(t, WriteObserverLocation(path, 47.6, -122.3, 1500))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var got map[string]float64
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, map[string]float64{"latitude": 47.6, "longitude": -122.3, "altitude": 1.5}, got)
}
