package ephemeris

import (
	"fmt"
	"strings"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"
	"github.com/star/leotrack/internal/tle"
	"github.com/star/leotrack/internal/transform"
)

// model is an initialized SGP4 model for one satellite.
//
// go-satellite takes the Satellite by value on every call, so SGP4 error
// codes raised during propagation never reach us. Failures are detected from
// the output instead.
type model struct {
	sat     satellite.Satellite
	noradID int
	line1   string
}

// newModel initializes SGP4 from a record's element lines.
func newModel(line1, line2 string, noradID int) (*model, error) {
	// go-satellite calls log.Fatal on unparsable lines.
	if err := tle.ValidateLines(strings.TrimSpace(line1), strings.TrimSpace(line2)); err != nil {
		return nil, fmt.Errorf("invalid TLE for NORAD %d: %w", noradID, err)
	}

	sat := satellite.TLEToSat(line1, line2, satellite.GravityWGS84)
	if sat.Error != 0 {
		return nil, fmt.Errorf("sgp4 init failed for NORAD %d: code=%d %s", noradID, sat.Error, sat.ErrorStr)
	}
	return &model{sat: sat, noradID: noradID, line1: line1}, nil
}

// ecef propagates to t, resolved to whole seconds, and returns the
// Earth-fixed position in km.
func (m *model) ecef(t time.Time) (transform.Vector, error) {
	t = t.UTC()
	pos, _ := satellite.Propagate(m.sat, t.Year(), int(t.Month()), t.Day(), t.Hour(), t.Minute(), t.Second())

	p := transform.TEMEToECEF(transform.Vector{X: pos.X, Y: pos.Y, Z: pos.Z}, transform.GMST(t.Truncate(time.Second)))
	if !transform.ValidateECEF(p) {
		return transform.Vector{}, fmt.Errorf("sgp4 propagation failed for NORAD %d: implausible position %.1f km from center", m.noradID, p.Norm())
	}
	return p, nil
}
