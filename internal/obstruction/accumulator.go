package obstruction

import "github.com/star/leotrack/internal/dish"

// Accumulator ORs bitmaps together in place, building the cumulative
// obstruction picture of a window without copying it per frame.
type Accumulator struct {
	bits   dish.Bitmap
	frames int
}

// Add ORs b into the accumulated bitmap.
func (a *Accumulator) Add(b *dish.Bitmap) {
	for i, v := range b {
		if v {
			a.bits[i] = true
		}
	}
	a.frames++
}

// Bitmap returns a pointer to the accumulated bitmap. It is only valid until
// the next Add or Reset.
func (a *Accumulator) Bitmap() *dish.Bitmap {
	return &a.bits
}

// Frames returns the number of bitmaps added since the last Reset.
func (a *Accumulator) Frames() int {
	return a.frames
}

// Reset clears the accumulator.
func (a *Accumulator) Reset() {
	a.bits = dish.Bitmap{}
	a.frames = 0
}
