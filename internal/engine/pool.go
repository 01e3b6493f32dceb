package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/star/leotrack/internal/metrics"
	"github.com/star/leotrack/internal/timeslot"
)

// ErrPoolClosed is returned by Submit after Wait has been called.
var ErrPoolClosed = errors.New("task pool closed")

// TaskFunc processes one timeslot. It reports its progress through stage so
// failures can be attributed.
type TaskFunc func(ctx context.Context, stage func(string)) error

type task struct {
	window timeslot.Window
	fn     TaskFunc
}

// TaskPool runs timeslot tasks on a fixed set of workers with a bounded
// queue. Submit blocks while the queue is full.
type TaskPool struct {
	ctx      context.Context
	tasks    chan task
	wg       sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
	inFlight atomic.Int64
	logger   *slog.Logger
}

// NewTaskPool starts workers goroutines. Tasks run with ctx, which should
// outlive the sampler so queued windows still complete on shutdown.
func NewTaskPool(ctx context.Context, workers, queue int, logger *slog.Logger) *TaskPool {
	if workers < 1 {
		workers = 1
	}
	if queue < 0 {
		queue = 0
	}
	p := &TaskPool{
		ctx:    ctx,
		tasks:  make(chan task, queue),
		logger: logger.With("component", "task_pool"),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Submit queues fn for window. It fails when the pool is closed or ctx is
// done before a queue slot frees up.
func (p *TaskPool) Submit(ctx context.Context, window timeslot.Window, fn TaskFunc) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	metrics.SetTasksInFlight(int(p.inFlight.Add(1)))
	select {
	case p.tasks <- task{window: window, fn: fn}:
		return nil
	case <-ctx.Done():
		metrics.SetTasksInFlight(int(p.inFlight.Add(-1)))
		return ctx.Err()
	}
}

// InFlight returns the number of queued and running tasks.
func (p *TaskPool) InFlight() int {
	return int(p.inFlight.Load())
}

// Wait stops accepting tasks and blocks until every submitted task has
// finished.
func (p *TaskPool) Wait() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *TaskPool) worker() {
	defer p.wg.Done()
	for t := range p.tasks {
		p.run(t)
		metrics.SetTasksInFlight(int(p.inFlight.Add(-1)))
	}
}

func (p *TaskPool) run(t task) {
	stage := "start"
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			metrics.IncTimeslots("failed")
			p.logger.Error("task panicked",
				"timeslot_start", t.window.Start.UTC().Format(time.RFC3339),
				"stage", stage,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
		}
	}()

	err := t.fn(p.ctx, func(s string) { stage = s })
	if err != nil {
		metrics.IncTimeslots("failed")
		p.logger.Error("task failed",
			"timeslot_start", t.window.Start.UTC().Format(time.RFC3339),
			"stage", stage,
			"error", err,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}
