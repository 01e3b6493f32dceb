package matcher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/star/leotrack/internal/dish"
	"github.com/star/leotrack/internal/timeslot"
	"github.com/star/leotrack/internal/tle"
	"github.com/star/leotrack/internal/transform"
)

var windowStart = time.Date(2026, 3, 1, 10, 0, 12, 0, time.UTC)

func testWindow() timeslot.Window {
	return timeslot.Window{Boundary: 12, Start: windowStart, End: windowStart.Add(timeslot.Length)}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// track is a sky path as a function of seconds since the window start.
type track func(s float64) transform.LookAngles

func linear(alt0, dAlt, az0, dAz, rng float64) track {
	return func(s float64) transform.LookAngles {
		return transform.LookAngles{
			ElevationDeg: alt0 + dAlt*s,
			AzimuthDeg:   transform.NormalizeAzimuth(az0 + dAz*s),
			RangeKm:      rng + s,
		}
	}
}

type fakeProvider struct {
	tracks map[int]track
}

func (f *fakeProvider) Propagate(sat tle.SatelliteRecord, t time.Time, _ transform.ObserverPosition) (transform.LookAngles, error) {
	tr, ok := f.tracks[sat.NORADID]
	if !ok {
		return transform.LookAngles{}, errors.New("no elements")
	}
	return tr(t.Sub(windowStart).Seconds()), nil
}

func catalog(ids ...int) *tle.Catalog {
	sats := make([]tle.SatelliteRecord, len(ids))
	for i, id := range ids {
		sats[i] = tle.SatelliteRecord{NORADID: id, Name: "SAT-" + string(rune('A'+i))}
	}
	return tle.NewCatalog("test", windowStart, sats)
}

// observe samples tr once per second for n seconds.
func observe(tr track, n int) []transform.SkyPoint {
	pts := make([]transform.SkyPoint, n)
	for s := range pts {
		la := tr(float64(s))
		pts[s] = transform.SkyPoint{
			Timestamp:    windowStart.Add(time.Duration(s) * time.Second),
			ElevationDeg: la.ElevationDeg,
			AzimuthDeg:   la.AzimuthDeg,
		}
	}
	return pts
}

func TestMatchExactTrack(t *testing.T) {
	truth := linear(45, 0.8, 350, 1.5, 600)
	prov := &fakeProvider{tracks: map[int]track{
		1: linear(50, 0.8, 10, 1.5, 700),
		2: truth,
		3: linear(45, -0.8, 350, -1.5, 650),
	}}

	for _, frame := range []dish.FrameType{dish.FrameEarth, dish.FrameUT} {
		t.Run(frame.String(), func(t *testing.T) {
			res, err := New(prov, 2, testLogger()).Match(context.Background(), Input{
				Window:  testWindow(),
				Frame:   frame,
				Points:  observe(truth, 14),
				Catalog: catalog(1, 2, 3),
			})
			require.NoError(t, err)
			assert.Equal(t, 2, res.NORADID)
			assert.Equal(t, "SAT-B", res.Satellite)
			assert.InDelta(t, 0, res.Score, 1e-5)
			assert.Equal(t, windowStart, res.TimeslotStart)

			require.Len(t, res.DistancesKm, DistanceSamples)
			for s, d := range res.DistancesKm {
				assert.InDelta(t, 600+float64(s), d, 1e-9)
			}
		})
	}
}

func TestMatchVisibilityFilter(t *testing.T) {
	// Satellite 1 matches perfectly but dips to 20 degrees at the last
	// representative instant.
	truth := linear(26, -0.5, 90, 1, 900)
	prov := &fakeProvider{tracks: map[int]track{
		1: truth,
		2: linear(60, 0, 200, 0, 500),
	}}

	res, err := New(prov, 4, testLogger()).Match(context.Background(), Input{
		Window:  testWindow(),
		Frame:   dish.FrameEarth,
		Points:  observe(truth, 14), // reps at s = 0, 7, 12 -> 26, 22.5, 20
		Catalog: catalog(1, 2),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.NORADID)
}

func TestMatchNoCandidate(t *testing.T) {
	low := linear(10, 0, 0, 1, 1500)
	prov := &fakeProvider{tracks: map[int]track{1: low}}
	m := New(prov, 1, testLogger())

	_, err := m.Match(context.Background(), Input{
		Window: testWindow(), Frame: dish.FrameEarth, Points: observe(low, 14), Catalog: catalog(1),
	})
	assert.ErrorIs(t, err, ErrNoVisibleCandidate)

	_, err = m.Match(context.Background(), Input{
		Window: testWindow(), Frame: dish.FrameEarth, Points: observe(low, 14), Catalog: catalog(),
	})
	assert.ErrorIs(t, err, ErrNoVisibleCandidate)
}

func TestMatchTieKeepsEarliest(t *testing.T) {
	tr := linear(50, 1, 120, 1, 550)
	prov := &fakeProvider{tracks: map[int]track{7: tr, 3: tr, 5: tr}}

	for i := 0; i < 20; i++ {
		res, err := New(prov, 3, testLogger()).Match(context.Background(), Input{
			Window: testWindow(), Frame: dish.FrameUT, Points: observe(tr, 14), Catalog: catalog(7, 3, 5),
		})
		require.NoError(t, err)
		require.Equal(t, 7, res.NORADID)
	}
}

func TestMatchSkipsPropagationFailures(t *testing.T) {
	tr := linear(50, 1, 120, 1, 550)
	prov := &fakeProvider{tracks: map[int]track{2: linear(70, 0, 300, 0, 500)}}

	res, err := New(prov, 2, testLogger()).Match(context.Background(), Input{
		Window: testWindow(), Frame: dish.FrameEarth, Points: observe(tr, 14), Catalog: catalog(1, 2),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.NORADID)
}

func TestMatchInputErrors(t *testing.T) {
	tr := linear(50, 1, 120, 1, 550)
	prov := &fakeProvider{tracks: map[int]track{1: tr}}
	m := New(prov, 1, testLogger())

	tests := []struct {
		name string
		in   Input
		want error
	}{
		{
			name: "two points",
			in:   Input{Window: testWindow(), Frame: dish.FrameEarth, Points: observe(tr, 2), Catalog: catalog(1)},
			want: ErrInsufficientData,
		},
		{
			name: "points outside window",
			in: Input{Window: timeslot.Window{Start: windowStart.Add(time.Minute), End: windowStart.Add(time.Minute + timeslot.Length)},
				Frame: dish.FrameEarth, Points: observe(tr, 14), Catalog: catalog(1)},
			want: ErrInsufficientData,
		},
		{
			name: "unknown frame",
			in:   Input{Window: testWindow(), Frame: dish.FrameUnknown, Points: observe(tr, 14), Catalog: catalog(1)},
			want: transform.ErrUnsupportedFrame,
		},
		{
			name: "no catalog",
			in:   Input{Window: testWindow(), Frame: dish.FrameEarth, Points: observe(tr, 14)},
			want: tle.ErrCatalogUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Match(context.Background(), tt.in)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestMatchCancelled(t *testing.T) {
	tr := linear(50, 1, 120, 1, 550)
	prov := &fakeProvider{tracks: map[int]track{1: tr}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(prov, 1, testLogger()).Match(ctx, Input{
		Window: testWindow(), Frame: dish.FrameEarth, Points: observe(tr, 14), Catalog: catalog(1),
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRepresentatives(t *testing.T) {
	pts := observe(linear(40, 1, 0, 1, 500), 5)
	reps, err := Representatives(pts)
	require.NoError(t, err)
	assert.Equal(t, [3]transform.SkyPoint{pts[0], pts[2], pts[3]}, reps)

	// Exactly three points: the middle and second-to-last coincide.
	reps, err = Representatives(pts[:3])
	require.NoError(t, err)
	assert.Equal(t, [3]transform.SkyPoint{pts[0], pts[1], pts[1]}, reps)

	_, err = Representatives(pts[:2])
	assert.ErrorIs(t, err, ErrInsufficientData)
}
