package matcher

import (
	"context"
	"sync"
	"time"

	"github.com/star/leotrack/internal/ephemeris"
	"github.com/star/leotrack/internal/tle"
	"github.com/star/leotrack/internal/transform"
)

// scoreJob is one catalog entry to evaluate.
type scoreJob struct {
	index int
	sat   tle.SatelliteRecord
}

// candidate is the outcome of evaluating one catalog entry.
type candidate struct {
	index   int
	visible bool
	score   float64
	err     error
}

// scorePool evaluates catalog entries on a fixed number of goroutines.
type scorePool struct {
	workers  int
	provider ephemeris.Provider
}

// evaluate scores every satellite against the observed trajectory. The
// returned slice is indexed like sats; entries not reached before ctx was
// cancelled are left invisible.
func (p *scorePool) evaluate(ctx context.Context, sats []tle.SatelliteRecord, times [representativeCount]time.Time,
	observed trajectory, obs transform.ObserverPosition, sc scorer) []candidate {
	out := make([]candidate, len(sats))
	if len(sats) == 0 {
		return out
	}

	jobs := make(chan scoreJob, p.workers*2)
	results := make(chan candidate, p.workers*2)

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				c := p.scoreOne(job, times, observed, obs, sc)
				select {
				case results <- c:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for i, s := range sats {
			select {
			case jobs <- scoreJob{index: i, sat: s}:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	for c := range results {
		out[c.index] = c
	}
	return out
}

func (p *scorePool) scoreOne(job scoreJob, times [representativeCount]time.Time,
	observed trajectory, obs transform.ObserverPosition, sc scorer) candidate {
	var predicted trajectory
	for i, t := range times {
		la, err := p.provider.Propagate(job.sat, t, obs)
		if err != nil {
			return candidate{index: job.index, err: err}
		}
		if la.ElevationDeg <= MinElevationDeg {
			return candidate{index: job.index}
		}
		predicted[i] = skyPos{alt: la.ElevationDeg, az: la.AzimuthDeg}
	}
	return candidate{index: job.index, visible: true, score: sc.score(observed, predicted)}
}
