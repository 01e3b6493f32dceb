// Package tle loads and keeps the satellite catalog: two-line element sets
// fetched from CelesTrak and stored in daily directories on disk.
package tle

import (
	"errors"
	"time"
)

// ErrCatalogUnavailable is returned when no catalog can be loaded for a
// date.
var ErrCatalogUnavailable = errors.New("satellite catalog unavailable")

// SatelliteRecord is a single satellite's two-line element set.
type SatelliteRecord struct {
	NORADID int
	Name    string
	Epoch   time.Time
	Line1   string
	Line2   string
}

// EpochRange is the span of element set epochs in a catalog.
type EpochRange struct {
	Min time.Time
	Max time.Time
}

// Catalog is an immutable set of satellite records from one source. It is
// replaced wholesale, never edited in place.
type Catalog struct {
	Source     string
	FetchedAt  time.Time
	EpochRange EpochRange
	Satellites []SatelliteRecord
}

// NewCatalog builds a catalog and computes its epoch range.
func NewCatalog(source string, fetchedAt time.Time, sats []SatelliteRecord) *Catalog {
	c := &Catalog{Source: source, FetchedAt: fetchedAt, Satellites: sats}
	for i, s := range sats {
		if i == 0 || s.Epoch.Before(c.EpochRange.Min) {
			c.EpochRange.Min = s.Epoch
		}
		if i == 0 || s.Epoch.After(c.EpochRange.Max) {
			c.EpochRange.Max = s.Epoch
		}
	}
	return c
}

// Len returns the number of satellites, and 0 for a nil catalog.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.Satellites)
}
