// Package timeslot aligns wall-clock time to the terminal's 15-second
// obstruction map cycle.
//
// The terminal rebuilds its obstruction map on a fixed cycle whose
// boundaries fall at seconds 12, 27, 42 and 57 of every minute. The four
// boundaries partition the minute into the segments [57,12) [12,27) [27,42)
// and [42,57), with wrap-around at the top of the minute.
package timeslot

import (
	"context"
	"fmt"
	"time"
)

// Boundary is the second-of-minute a timeslot starts at.
type Boundary int

// None marks the absence of a previous boundary.
const None Boundary = -1

// Boundaries in cycle order.
var Boundaries = [4]Boundary{12, 27, 42, 57}

const (
	// Period is the length of one obstruction map cycle.
	Period = 15 * time.Second
	// Length is the sampled part of a timeslot.
	Length = 14 * time.Second
)

// Window is a single sampling window anchored at a boundary instant.
type Window struct {
	Boundary Boundary
	Start    time.Time
	End      time.Time
}

// Contains reports whether t falls in [Start, End).
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

func (w Window) String() string {
	return fmt.Sprintf("%s+%02d", w.Start.UTC().Format(time.RFC3339), w.Boundary)
}

// SegmentStart returns the boundary of the segment containing second.
func SegmentStart(second int) Boundary {
	s := ((second % 60) + 60) % 60
	switch {
	case s >= 12 && s < 27:
		return 12
	case s >= 27 && s < 42:
		return 27
	case s >= 42 && s < 57:
		return 42
	default:
		return 57
	}
}

// Successor returns the boundary following b in the cycle.
func Successor(b Boundary) Boundary {
	for i, v := range Boundaries {
		if v == b {
			return Boundaries[(i+1)%len(Boundaries)]
		}
	}
	return Boundaries[0]
}

// NextBoundary picks the boundary the scheduler should wait for next, given
// the current second and the previously used boundary. It never returns
// prev.
func NextBoundary(second int, prev Boundary) Boundary {
	seg := SegmentStart(second)
	if prev == None || seg != prev {
		return seg
	}
	return Successor(prev)
}

// boundaryInstant returns the most recent instant at or before t whose
// second-of-minute is b.
func boundaryInstant(t time.Time, b Boundary) time.Time {
	base := t.Truncate(time.Minute).Add(time.Duration(b) * time.Second)
	if base.After(t) {
		base = base.Add(-time.Minute)
	}
	return base
}

// WindowAt returns the window of the segment containing t.
func WindowAt(t time.Time) Window {
	t = t.UTC()
	b := SegmentStart(t.Second())
	start := boundaryInstant(t, b)
	return Window{Boundary: b, Start: start, End: start.Add(Length)}
}

// Clock is the time source used by the Scheduler.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Scheduler hands out consecutive timeslot windows.
// Not safe for concurrent use; a single sampling loop owns it.
type Scheduler struct {
	clock Clock
	poll  time.Duration
	prev  Boundary
}

// NewScheduler creates a scheduler that polls the clock every poll interval.
// A nil clock uses the system clock.
func NewScheduler(clock Clock, poll time.Duration) *Scheduler {
	if clock == nil {
		clock = realClock{}
	}
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	return &Scheduler{clock: clock, poll: poll, prev: None}
}

// Previous returns the boundary of the last window handed out, or None.
func (s *Scheduler) Previous() Boundary {
	return s.prev
}

// Next blocks until the clock enters the segment of the next boundary and
// returns the window starting at that boundary.
func (s *Scheduler) Next(ctx context.Context) (Window, error) {
	for {
		now := s.clock.Now().UTC()
		target := NextBoundary(now.Second(), s.prev)
		if SegmentStart(now.Second()) == target {
			s.prev = target
			start := boundaryInstant(now, target)
			return Window{Boundary: target, Start: start, End: start.Add(Length)}, nil
		}

		timer := time.NewTimer(s.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Window{}, ctx.Err()
		case <-timer.C:
		}
	}
}
