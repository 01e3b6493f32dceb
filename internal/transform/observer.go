package transform

import "math"

// WGS-84 ellipsoid.
const (
	wgs84A  = 6378.137              // semi-major axis, km
	wgs84F  = 1.0 / 298.257223563   // flattening
	wgs84E2 = wgs84F * (2 - wgs84F) // first eccentricity squared
)

// ObserverPosition is the terminal's location. The Earth-fixed position and
// the trigonometry of the local frame are computed once and reused for every
// satellite lookup.
type ObserverPosition struct {
	LatDeg, LonDeg, AltM float64

	ecef                           Vector
	sinLat, cosLat, sinLon, cosLon float64
}

// NewObserverPosition builds an observer from geodetic latitude and
// longitude in degrees and altitude in meters above the ellipsoid.
func NewObserverPosition(latDeg, lonDeg, altM float64) ObserverPosition {
	lat := latDeg * math.Pi / 180
	lon := lonDeg * math.Pi / 180
	sinLat, cosLat := math.Sin(lat), math.Cos(lat)
	sinLon, cosLon := math.Sin(lon), math.Cos(lon)

	altKm := altM / 1000
	n := wgs84A / math.Sqrt(1-wgs84E2*sinLat*sinLat)

	ecef := Vector{
		X: (n + altKm) * cosLat * cosLon,
		Y: (n + altKm) * cosLat * sinLon,
		Z: (n*(1-wgs84E2) + altKm) * sinLat,
	}

	return ObserverPosition{
		LatDeg: latDeg,
		LonDeg: lonDeg,
		AltM:   altM,
		ecef:   ecef,
		sinLat: sinLat,
		cosLat: cosLat,
		sinLon: sinLon,
		cosLon: cosLon,
	}
}

// ECEF returns the observer's Earth-fixed position in km.
func (o ObserverPosition) ECEF() Vector {
	return o.ecef
}

// LookAngles is the direction and distance from the observer to a target.
type LookAngles struct {
	AzimuthDeg   float64 // clockwise from north, [0, 360)
	ElevationDeg float64 // above the horizon
	RangeKm      float64
}

// Look computes the look angles from o to an Earth-fixed position, using the
// south-east-zenith rotation (Vallado 4.4).
func (o ObserverPosition) Look(target Vector) LookAngles {
	r := target.Sub(o.ecef)

	south := o.sinLat*o.cosLon*r.X + o.sinLat*o.sinLon*r.Y - o.cosLat*r.Z
	east := -o.sinLon*r.X + o.cosLon*r.Y
	zenith := o.cosLat*o.cosLon*r.X + o.cosLat*o.sinLon*r.Y + o.sinLat*r.Z

	rng := math.Sqrt(south*south + east*east + zenith*zenith)
	if rng == 0 {
		return LookAngles{ElevationDeg: 90}
	}

	return LookAngles{
		AzimuthDeg:   NormalizeAzimuth(math.Atan2(east, -south) * 180 / math.Pi),
		ElevationDeg: math.Asin(zenith/rng) * 180 / math.Pi,
		RangeKm:      rng,
	}
}

// NormalizeAzimuth maps any angle in degrees to [0, 360).
func NormalizeAzimuth(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	if deg >= 360 {
		deg = 0
	}
	return deg
}
