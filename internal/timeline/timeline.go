// Package timeline maintains the serving-satellite timeline: one entry per
// second naming the satellite the terminal was connected to.
package timeline

import (
	"sort"
	"time"

	"github.com/star/leotrack/internal/matcher"
)

// Entry is the serving satellite at one whole second.
type Entry struct {
	Timestamp  time.Time `json:"timestamp"`
	Satellite  string    `json:"satellite"`
	DistanceKm float64   `json:"distance_km"`
}

// Expand turns a match into one entry per distance sample, starting at the
// timeslot start.
func Expand(r matcher.Result) []Entry {
	n := len(r.DistancesKm)
	if n > matcher.DistanceSamples {
		n = matcher.DistanceSamples
	}
	start := r.TimeslotStart.UTC().Truncate(time.Second)
	out := make([]Entry, n)
	for s := 0; s < n; s++ {
		out[s] = Entry{
			Timestamp:  start.Add(time.Duration(s) * time.Second),
			Satellite:  r.Satellite,
			DistanceKm: r.DistancesKm[s],
		}
	}
	return out
}

// Timeline is an ordered set of entries with unique timestamps. Not safe for
// concurrent use.
type Timeline struct {
	entries []Entry
}

// Merge adds entries, replacing any existing entry with the same second.
// Among the incoming entries, later ones win. Merging the same entries again
// leaves the timeline unchanged.
func (tl *Timeline) Merge(entries []Entry) {
	if len(entries) == 0 {
		return
	}
	byKey := make(map[int64]int, len(tl.entries)+len(entries))
	merged := make([]Entry, 0, len(tl.entries)+len(entries))
	add := func(e Entry) {
		e.Timestamp = e.Timestamp.UTC().Truncate(time.Second)
		k := e.Timestamp.Unix()
		if i, ok := byKey[k]; ok {
			merged[i] = e
			return
		}
		byKey[k] = len(merged)
		merged = append(merged, e)
	}
	for _, e := range tl.entries {
		add(e)
	}
	for _, e := range entries {
		add(e)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})
	tl.entries = merged
}

// Len returns the number of entries.
func (tl *Timeline) Len() int {
	return len(tl.entries)
}

// Entries returns a copy of all entries in timestamp order.
func (tl *Timeline) Entries() []Entry {
	return append([]Entry(nil), tl.entries...)
}

// Latest returns the entry with the greatest timestamp.
func (tl *Timeline) Latest() (Entry, bool) {
	if len(tl.entries) == 0 {
		return Entry{}, false
	}
	return tl.entries[len(tl.entries)-1], true
}

// Range returns the entries with start <= timestamp < end.
func (tl *Timeline) Range(start, end time.Time) []Entry {
	lo := sort.Search(len(tl.entries), func(i int) bool {
		return !tl.entries[i].Timestamp.Before(start)
	})
	hi := sort.Search(len(tl.entries), func(i int) bool {
		return !tl.entries[i].Timestamp.Before(end)
	})
	if lo >= hi {
		return nil
	}
	return append([]Entry(nil), tl.entries[lo:hi]...)
}
