// Package obstruction turns sequences of obstruction map samples into the
// pixel trajectory of the satellite the terminal is tracking, and persists
// the raw samples and the derived trajectories.
package obstruction

import (
	"time"

	"github.com/star/leotrack/internal/dish"
)

// PixelPoint is an observed position in obstruction map pixel space.
type PixelPoint struct {
	Timestamp time.Time
	Row       int
	Col       int
}

// HeldPixel is the single-slot state carrying the last observed pixel
// forward across frames without changes.
type HeldPixel struct {
	row, col int
	valid    bool
}

// Set stores a pixel position.
func (h *HeldPixel) Set(row, col int) {
	h.row, h.col, h.valid = row, col, true
}

// Get returns the held position and whether one is held.
func (h HeldPixel) Get() (row, col int, ok bool) {
	return h.row, h.col, h.valid
}

// Valid reports whether a position is held.
func (h HeldPixel) Valid() bool {
	return h.valid
}

// Clear drops the held position.
func (h *HeldPixel) Clear() {
	*h = HeldPixel{}
}

// Extractor derives one pixel per frame from consecutive bitmap diffs.
// The zero value is not usable; call Reset first.
type Extractor struct {
	prev    dish.Bitmap
	held    HeldPixel
	started bool
}

// NewExtractor creates an extractor whose diff baseline is reference.
func NewExtractor(reference dish.Bitmap) *Extractor {
	e := &Extractor{}
	e.Reset(reference)
	return e
}

// Reset starts a new window with reference as the diff baseline and no
// held pixel.
func (e *Extractor) Reset(reference dish.Bitmap) {
	e.prev = reference
	e.held.Clear()
	e.started = true
}

// Held exposes the extractor's held pixel state.
func (e *Extractor) Held() HeldPixel {
	return e.held
}

// Step consumes one frame. It returns the observed pixel for the frame, or
// false when the frame produced no position (nothing changed and nothing is
// held yet).
func (e *Extractor) Step(f dish.Frame) (PixelPoint, bool) {
	if !e.started {
		e.Reset(f.Bitmap)
	}

	row, col, changed := lastChanged(&e.prev, &f.Bitmap)
	switch {
	case changed:
		e.held.Set(row, col)
	case e.held.Valid():
		row, col, _ = e.held.Get()
	default:
		return PixelPoint{}, false
	}

	e.prev = f.Bitmap
	return PixelPoint{Timestamp: f.Timestamp, Row: row, Col: col}, true
}

// Extract runs a fresh extractor over frames, using the first frame as the
// baseline.
func Extract(frames []dish.Frame) []PixelPoint {
	if len(frames) == 0 {
		return nil
	}
	e := NewExtractor(frames[0].Bitmap)
	points := make([]PixelPoint, 0, len(frames))
	for _, f := range frames {
		if p, ok := e.Step(f); ok {
			points = append(points, p)
		}
	}
	return points
}

// lastChanged returns the last pixel in row-major order that differs
// between a and b.
func lastChanged(a, b *dish.Bitmap) (row, col int, ok bool) {
	for i := len(a) - 1; i >= 0; i-- {
		if a[i] != b[i] {
			return i / dish.MapSize, i % dish.MapSize, true
		}
	}
	return 0, 0, false
}
