// Package dish models the data a Starlink user terminal exposes about its
// obstruction map and orientation, and provides a gRPC client for reading it.
package dish

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// MapSize is the edge length of the terminal's obstruction map in pixels.
const MapSize = 123

// ErrMalformedFrame is returned when an obstruction map does not have the
// expected MapSize×MapSize dimensions.
var ErrMalformedFrame = errors.New("malformed obstruction frame")

// FrameType is the reference frame an obstruction map is expressed in.
type FrameType int

const (
	FrameUnknown FrameType = 0
	FrameEarth   FrameType = 1
	FrameUT      FrameType = 2
)

func (f FrameType) String() string {
	switch f {
	case FrameEarth:
		return "FRAME_EARTH"
	case FrameUT:
		return "FRAME_UT"
	default:
		return "UNKNOWN"
	}
}

// ParseFrameType accepts the enum names used by the terminal's JSON encoding
// ("FRAME_EARTH", "FRAME_UT", "FRAME_UNKNOWN") as well as their numeric values.
func ParseFrameType(s string) FrameType {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "FRAME_EARTH", "1":
		return FrameEarth
	case "FRAME_UT", "2":
		return FrameUT
	default:
		return FrameUnknown
	}
}

// Orientation is the terminal's physical attitude as reported by its
// alignment stats.
type Orientation struct {
	TiltDeg             float64 `json:"tilt_deg"`
	BoresightAzimuthDeg float64 `json:"boresight_azimuth_deg"`
}

// Bitmap is a fixed MapSize×MapSize binary matrix, one bool per pixel, in
// row-major order.
type Bitmap [MapSize * MapSize]bool

// NewBitmap builds a bitmap from a row-major slice of cells. A cell counts as
// set when its value is >= 1; negative "no data" cells are cleared.
func NewBitmap(cells []float64) (Bitmap, error) {
	var b Bitmap
	if len(cells) != MapSize*MapSize {
		return b, fmt.Errorf("%w: got %d cells, want %d", ErrMalformedFrame, len(cells), MapSize*MapSize)
	}
	for i, v := range cells {
		b[i] = v >= 1
	}
	return b, nil
}

// Get reports whether the pixel at (row, col) is set.
func (b *Bitmap) Get(row, col int) bool {
	return b[row*MapSize+col]
}

// Set assigns the pixel at (row, col).
func (b *Bitmap) Set(row, col int, v bool) {
	b[row*MapSize+col] = v
}

// Count returns the number of set pixels.
func (b *Bitmap) Count() int {
	n := 0
	for _, v := range b {
		if v {
			n++
		}
	}
	return n
}

// Pack encodes the bitmap into MapSize*MapSize bits, most significant bit
// first, for compact storage.
func (b *Bitmap) Pack() []byte {
	out := make([]byte, (len(b)+7)/8)
	for i, v := range b {
		if v {
			out[i/8] |= 0x80 >> (i % 8)
		}
	}
	return out
}

// UnpackBitmap reverses Pack.
func UnpackBitmap(data []byte) (Bitmap, error) {
	var b Bitmap
	if len(data) != (len(b)+7)/8 {
		return b, fmt.Errorf("%w: packed length %d", ErrMalformedFrame, len(data))
	}
	for i := range b {
		b[i] = data[i/8]&(0x80>>(i%8)) != 0
	}
	return b, nil
}

// Frame is a single obstruction map sample.
type Frame struct {
	Timestamp time.Time
	Type      FrameType
	Bitmap    Bitmap
}
