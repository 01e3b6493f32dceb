package transform

import (
	"math"
	"testing"
)

func TestObserverECEFRadius(t *testing.T) {
	if r := NewObserverPosition(0, 0, 0).ECEF().Norm(); math.Abs(r-6378.137) > 1e-3 {
		t.Errorf("equatorial radius = %.4f km, want 6378.137", r)
	}
	if r := NewObserverPosition(90, 0, 0).ECEF().Norm(); math.Abs(r-6356.7523) > 1e-3 {
		t.Errorf("polar radius = %.4f km, want 6356.752", r)
	}

	low := NewObserverPosition(47.6, -122.3, 0).ECEF().Norm()
	high := NewObserverPosition(47.6, -122.3, 1000).ECEF().Norm()
	if d := high - low; math.Abs(d-1) > 1e-4 {
		t.Errorf("1000 m altitude moved observer %.6f km, want 1", d)
	}
}

func TestLookOverhead(t *testing.T) {
	obs := NewObserverPosition(0, 0, 0)
	sat := obs.ECEF()
	sat.X += 550

	la := obs.Look(sat)
	if math.Abs(la.ElevationDeg-90) > 1e-6 {
		t.Errorf("elevation = %.6f, want 90", la.ElevationDeg)
	}
	if math.Abs(la.RangeKm-550) > 1e-6 {
		t.Errorf("range = %.6f km, want 550", la.RangeKm)
	}
}

func TestLookCardinalDirections(t *testing.T) {
	obs := NewObserverPosition(0, 0, 0)
	tests := []struct {
		name     string
		lat, lon float64
		wantAz   float64
	}{
		{"north", 10, 0, 0},
		{"east", 0, 10, 90},
		{"south", -10, 0, 180},
		{"west", 0, -10, 270},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			la := obs.Look(NewObserverPosition(tt.lat, tt.lon, 550_000).ECEF())
			d := math.Abs(la.AzimuthDeg - tt.wantAz)
			if d > 180 {
				d = 360 - d
			}
			if d > 1 {
				t.Errorf("azimuth = %.3f, want %.0f", la.AzimuthDeg, tt.wantAz)
			}
			if la.ElevationDeg <= 0 || la.ElevationDeg >= 90 {
				t.Errorf("elevation = %.3f, want above horizon", la.ElevationDeg)
			}
		})
	}
}

func TestNormalizeAzimuth(t *testing.T) {
	tests := []struct{ in, want float64 }{
		{0, 0}, {359.5, 359.5}, {360, 0}, {-90, 270}, {725, 5}, {-720, 0},
	}
	for _, tt := range tests {
		if got := NormalizeAzimuth(tt.in); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("NormalizeAzimuth(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
