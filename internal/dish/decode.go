package dish

import (
	"encoding/json"
	"errors"
	"fmt"
)

// statusResponse is the subset of the get_status response we consume.
type statusResponse struct {
	DishGetStatus *struct {
		AlignmentStats *struct {
			TiltAngleDeg        float64 `json:"tiltAngleDeg"`
			BoresightAzimuthDeg float64 `json:"boresightAzimuthDeg"`
		} `json:"alignmentStats"`
	} `json:"dishGetStatus"`
}

// obstructionMapResponse is the subset of the dish_get_obstruction_map
// response we consume.
type obstructionMapResponse struct {
	DishGetObstructionMap *struct {
		NumRows           int       `json:"numRows"`
		NumCols           int       `json:"numCols"`
		SNR               []float64 `json:"snr"`
		MapReferenceFrame string    `json:"mapReferenceFrame"`
	} `json:"dishGetObstructionMap"`
}

func decodeOrientation(data []byte) (Orientation, error) {
	var resp statusResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return Orientation{}, fmt.Errorf("decoding status: %w", err)
	}
	if resp.DishGetStatus == nil || resp.DishGetStatus.AlignmentStats == nil {
		return Orientation{}, errors.New("status response has no alignment stats")
	}
	a := resp.DishGetStatus.AlignmentStats
	return Orientation{
		TiltDeg:             a.TiltAngleDeg,
		BoresightAzimuthDeg: a.BoresightAzimuthDeg,
	}, nil
}

func decodeObstructionMap(data []byte) (Bitmap, FrameType, error) {
	var resp obstructionMapResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return Bitmap{}, FrameUnknown, fmt.Errorf("decoding obstruction map: %w", err)
	}
	m := resp.DishGetObstructionMap
	if m == nil {
		return Bitmap{}, FrameUnknown, errors.New("response has no obstruction map")
	}
	if m.NumRows != MapSize || m.NumCols != MapSize {
		return Bitmap{}, FrameUnknown, fmt.Errorf("%w: %dx%d", ErrMalformedFrame, m.NumRows, m.NumCols)
	}
	b, err := NewBitmap(m.SNR)
	if err != nil {
		return Bitmap{}, FrameUnknown, err
	}
	return b, ParseFrameType(m.MapReferenceFrame), nil
}
