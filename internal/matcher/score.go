package matcher

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/star/leotrack/internal/dish"
	"github.com/star/leotrack/internal/transform"
)

// skyPos is an altitude/azimuth pair in degrees.
type skyPos struct {
	alt, az float64
}

// trajectory holds the representative positions of one trajectory.
type trajectory [representativeCount]skyPos

// scorer measures how far a predicted trajectory is from the observed one.
// Lower is better.
type scorer interface {
	score(observed, predicted trajectory) float64
}

func scorerFor(frame dish.FrameType) (scorer, error) {
	switch frame {
	case dish.FrameEarth:
		return earthScorer{}, nil
	case dish.FrameUT:
		return utScorer{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", transform.ErrUnsupportedFrame, frame)
	}
}

// earthScorer sums great-circle separations and adds the difference in
// direction of travel, all in degrees.
type earthScorer struct{}

func (earthScorer) score(obs, pred trajectory) float64 {
	var total float64
	for i := range obs {
		total += angularSeparation(obs[i], pred[i])
	}
	last := len(obs) - 1
	d := math.Abs(bearing(obs[0], obs[last]) - bearing(pred[0], pred[last]))
	if d > 180 {
		d = 360 - d
	}
	return total + d
}

// utScorer sums altitude and azimuth deviations, each normalized by its
// largest possible value, and adds the normalized distance between the unit
// directions of travel.
type utScorer struct{}

const (
	altitudeRange  = 90.0
	azimuthRange   = 180.0
	directionRange = 2.0
)

func (utScorer) score(obs, pred trajectory) float64 {
	var total float64
	for i := range obs {
		total += math.Abs(obs[i].alt-pred[i].alt)/altitudeRange + azimuthDiff(obs[i].az, pred[i].az)/azimuthRange
	}
	last := len(obs) - 1
	return total + floats.Distance(direction(obs[0], obs[last]), direction(pred[0], pred[last]), 2)/directionRange
}

// azimuthDiff is the smallest difference between two azimuths, in [0, 180].
func azimuthDiff(a, b float64) float64 {
	d := math.Mod(math.Abs(a-b), 360)
	if d > 180 {
		d = 360 - d
	}
	return d
}

// angularSeparation is the great-circle angle between two sky positions,
// by the spherical law of cosines.
func angularSeparation(a, b skyPos) float64 {
	alt1, alt2 := deg2rad(a.alt), deg2rad(b.alt)
	dAz := deg2rad(azimuthDiff(transform.NormalizeAzimuth(a.az), transform.NormalizeAzimuth(b.az)))
	c := math.Sin(alt1)*math.Sin(alt2) + math.Cos(alt1)*math.Cos(alt2)*math.Cos(dAz)
	// Rounding can push c just outside acos's domain for coincident points.
	return rad2deg(math.Acos(math.Max(-1, math.Min(1, c))))
}

// bearing is the initial direction of travel from a to b on the sky sphere,
// in [0, 360).
func bearing(a, b skyPos) float64 {
	alt1, alt2 := deg2rad(a.alt), deg2rad(b.alt)
	dAz := deg2rad(b.az - a.az)
	x := math.Sin(dAz) * math.Cos(alt2)
	y := math.Cos(alt1)*math.Sin(alt2) - math.Sin(alt1)*math.Cos(alt2)*math.Cos(dAz)
	return transform.NormalizeAzimuth(rad2deg(math.Atan2(x, y)))
}

// direction is the unit (altitude, azimuth) displacement from a to b, or the
// zero vector when the points coincide.
func direction(a, b skyPos) []float64 {
	v := []float64{b.alt - a.alt, azimuthDiff(b.az, a.az)}
	n := floats.Norm(v, 2)
	if n == 0 {
		return []float64{0, 0}
	}
	floats.Scale(1/n, v)
	return v
}

func deg2rad(d float64) float64 { return d * math.Pi / 180 }
func rad2deg(r float64) float64 { return r * 180 / math.Pi }
