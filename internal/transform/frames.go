// Package transform converts between the frames the engine works in: the
// terminal's obstruction map pixels, horizontal sky coordinates, and the
// TEME and ECEF frames satellite positions come from.
//
// Inertial to Earth-fixed conversion is a GMST-only rotation (TEME to PEF),
// ignoring polar motion and the equation of the equinoxes. The error is tens
// of meters, far below what a 123-pixel sky map can resolve.
package transform

import "math"

// Vector is a cartesian position in kilometers.
type Vector struct {
	X, Y, Z float64
}

// Norm returns the vector length.
func (v Vector) Norm() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// Sub returns v - o.
func (v Vector) Sub(o Vector) Vector {
	return Vector{X: v.X - o.X, Y: v.Y - o.Y, Z: v.Z - o.Z}
}

// TEMEToECEF rotates a TEME position about the Z axis by gmst radians.
func TEMEToECEF(teme Vector, gmst float64) Vector {
	c, s := math.Cos(gmst), math.Sin(gmst)
	return Vector{
		X: teme.X*c + teme.Y*s,
		Y: -teme.X*s + teme.Y*c,
		Z: teme.Z,
	}
}

// Plausible orbit radius bounds, km from Earth's center.
const (
	minOrbitRadiusKm = 6200.0
	maxOrbitRadiusKm = 50000.0
)

// ValidateECEF reports whether p is a finite position at a plausible orbital
// radius. SGP4 returns garbage rather than an error for decayed or badly
// stale elements.
func ValidateECEF(p Vector) bool {
	for _, c := range [3]float64{p.X, p.Y, p.Z} {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	r := p.Norm()
	return r >= minOrbitRadiusKm && r <= maxOrbitRadiusKm
}
