package dish

import "context"

// BitmapSource provides obstruction map samples from a terminal.
type BitmapSource interface {
	// Reset clears the terminal's accumulated obstruction history.
	Reset(ctx context.Context) error
	// CurrentFrame returns the terminal's current obstruction map.
	CurrentFrame(ctx context.Context) (Bitmap, error)
	// ReferenceFrame returns the frame the obstruction map is expressed in.
	ReferenceFrame(ctx context.Context) (FrameType, error)
}

// OrientationSource provides the terminal's tilt and boresight azimuth.
type OrientationSource interface {
	CurrentOrientation(ctx context.Context) (Orientation, error)
}
