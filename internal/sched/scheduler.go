package sched

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/rovercam/internal/monitoring"
	"github.com/banshee-data/rovercam/internal/timeutil"
)

// Scheduler runs every task on its own goroutine. Go has no goroutine
// priorities, so Priority only scales each task's idle backoff.
type Scheduler struct {
	clock timeutil.Clock
	sink  monitoring.Sink
	tasks []Task
}

// NewScheduler creates a scheduler over tasks.
func NewScheduler(clock timeutil.Clock, sink monitoring.Sink, tasks ...Task) *Scheduler {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Scheduler{clock: clock, sink: monitoring.OrNop(sink), tasks: tasks}
}

// Add registers another task. It must be called before Run.
func (s *Scheduler) Add(t Task) { s.tasks = append(s.tasks, t) }

// Run drives all tasks until ctx is cancelled or every task is done. A
// panicking task stops the others and its panic is returned as an error.
func (s *Scheduler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range s.tasks {
		r := &runner{Task: t}
		g.Go(func() error { return s.run(gctx, r) })
	}
	return g.Wait()
}

func (s *Scheduler) run(ctx context.Context, r *runner) (err error) {
	defer func() {
		if p := recover(); p != nil {
			monitoring.Logf("sched: task %s panicked: %v", r.Name, p)
			err = fmt.Errorf("task %s panicked: %v", r.Name, p)
		}
	}()

	idle := r.idleDelay()
	for {
		if ctx.Err() != nil {
			return nil
		}
		switch r.drive(ctx, s.clock, s.sink) {
		case Done:
			return nil
		case Busy:
			runtime.Gosched()
		default:
			sleepCtx(ctx, s.clock, idle)
		}
	}
}

// sleepCtx sleeps for d unless ctx ends first. Mock clocks advance instead.
func sleepCtx(ctx context.Context, clock timeutil.Clock, d time.Duration) {
	if _, isReal := clock.(timeutil.RealClock); !isReal {
		clock.Sleep(d)
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
