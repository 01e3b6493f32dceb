package transform

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/star/leotrack/internal/dish"
	"github.com/star/leotrack/internal/obstruction"
)

// ErrUnsupportedFrame is returned for map reference frames that have no
// pixel projection.
var ErrUnsupportedFrame = errors.New("unsupported map reference frame")

const (
	// mapCenter is the pixel coordinate of the map's zenith in both axes.
	mapCenter = 62.0
	// DegreesPerPixel is the angular size of one obstruction map pixel.
	DegreesPerPixel = 80.0 / 62.0
)

// SkyPoint is an observed pixel with its horizontal coordinates.
type SkyPoint struct {
	Timestamp    time.Time
	Row          int
	Col          int
	ElevationDeg float64
	AzimuthDeg   float64
}

// PixelProjector maps obstruction map pixels to elevation and azimuth.
type PixelProjector interface {
	Project(row, col int) (elevationDeg, azimuthDeg float64)
	Frame() dish.FrameType
}

// NewPixelProjector selects the projection for a map reference frame. The
// orientation only matters for FRAME_UT maps.
func NewPixelProjector(frame dish.FrameType, o dish.Orientation) (PixelProjector, error) {
	switch frame {
	case dish.FrameEarth:
		return earthProjector{}, nil
	case dish.FrameUT:
		return utProjector{
			originY:   mapCenter - o.TiltDeg/DegreesPerPixel,
			azimuthAt: o.BoresightAzimuthDeg,
		}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFrame, frame)
	}
}

// earthProjector handles maps aligned to true north with zenith at the
// center. Row 0 is the top of the map, so rows are flipped.
type earthProjector struct{}

func (earthProjector) Frame() dish.FrameType { return dish.FrameEarth }

func (earthProjector) Project(row, col int) (float64, float64) {
	dx := float64(col) - mapCenter
	dy := float64(dish.MapSize-row) - mapCenter
	return polar(dx, dy, 0)
}

// utProjector handles maps in the terminal's own frame. The origin is shifted
// by the tilt and azimuths are relative to the boresight.
type utProjector struct {
	originY   float64
	azimuthAt float64
}

func (utProjector) Frame() dish.FrameType { return dish.FrameUT }

func (p utProjector) Project(row, col int) (float64, float64) {
	dx := float64(col) - mapCenter
	dy := float64(row) - p.originY
	return polar(dx, dy, p.azimuthAt)
}

func polar(dx, dy, azimuthOffset float64) (elevation, azimuth float64) {
	radius := math.Hypot(dx, dy) * DegreesPerPixel
	azimuth = NormalizeAzimuth(math.Atan2(dx, dy)*180/math.Pi + azimuthOffset)
	return 90 - radius, azimuth
}

// ProjectTrajectory projects every point with p, preserving order.
func ProjectTrajectory(p PixelProjector, points []obstruction.PixelPoint) []SkyPoint {
	out := make([]SkyPoint, len(points))
	for i, pt := range points {
		el, az := p.Project(pt.Row, pt.Col)
		out[i] = SkyPoint{
			Timestamp:    pt.Timestamp,
			Row:          pt.Row,
			Col:          pt.Col,
			ElevationDeg: el,
			AzimuthDeg:   az,
		}
	}
	return out
}
