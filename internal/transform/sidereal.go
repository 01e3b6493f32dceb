package transform

import (
	"math"
	"time"
)

const (
	// jdJ2000 is the Julian Date of the J2000.0 epoch.
	jdJ2000 = 2451545.0
	// secondsPerDay of mean solar time.
	secondsPerDay = 86400.0
)

// JulianDate returns the Julian Date of t (UTC), including the fractional
// day.
func JulianDate(t time.Time) float64 {
	t = t.UTC()
	year, month := t.Year(), int(t.Month())
	if month <= 2 {
		year--
		month += 12
	}
	y, m := float64(year), float64(month)

	century := math.Floor(y / 100)
	gregorian := 2 - century + math.Floor(century/4)

	dayFraction := (float64(t.Hour()) +
		float64(t.Minute())/60 +
		(float64(t.Second())+float64(t.Nanosecond())/1e9)/3600) / 24

	return math.Floor(365.25*(y+4716)) + math.Floor(30.6001*(m+1)) +
		float64(t.Day()) + gregorian - 1524.5 + dayFraction
}

// GMST returns Greenwich Mean Sidereal Time in radians, IAU-82 model
// (Vallado eq. 3-47), treating UTC as UT1.
func GMST(t time.Time) float64 {
	c := (JulianDate(t) - jdJ2000) / 36525.0

	sec := 67310.54841 +
		(876600*3600+8640184.812866)*c +
		0.093104*c*c -
		6.2e-6*c*c*c

	sec = math.Mod(sec, secondsPerDay)
	if sec < 0 {
		sec += secondsPerDay
	}
	return sec / secondsPerDay * 2 * math.Pi
}
