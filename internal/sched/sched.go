// Package sched runs pipeline components as cooperative units of work.
//
// A unit never blocks for long. Each Drive call does one bounded slice and
// reports whether more work is pending, so a host can interleave units
// either on one goroutine (Loop) or on one goroutine per unit (Scheduler).
package sched

import (
	"context"
	"sort"
	"time"

	"github.com/banshee-data/rovercam/internal/monitoring"
	"github.com/banshee-data/rovercam/internal/timeutil"
)

// Status is the result of one Drive call.
type Status int

const (
	// Idle means there was nothing to do; poll again after the idle delay.
	Idle Status = iota
	// Busy means work is pending; drive again as soon as others had a turn.
	Busy
	// Done means the unit has finished and should not be driven again.
	Done
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Busy:
		return "busy"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

// Unit is a component with a bounded per-call entry point.
type Unit interface {
	Drive(ctx context.Context) Status
}

// UnitFunc adapts a function to Unit.
type UnitFunc func(ctx context.Context) Status

// Drive calls f.
func (f UnitFunc) Drive(ctx context.Context) Status { return f(ctx) }

// Task names a unit and how it is scheduled.
type Task struct {
	Name string
	// Priority orders tasks within a Loop step and shortens the idle
	// backoff under Scheduler. Higher runs first.
	Priority int
	Unit     Unit
	// IdleDelay is the pause after an Idle result. Zero derives it from
	// Priority.
	IdleDelay time.Duration
}

const baseIdleDelay = 4 * time.Millisecond

func (t Task) idleDelay() time.Duration {
	if t.IdleDelay > 0 {
		return t.IdleDelay
	}
	p := t.Priority
	if p < 0 {
		p = 0
	}
	return baseIdleDelay / time.Duration(p+1)
}

type runner struct {
	Task
	done    bool
	longest time.Duration
}

func (r *runner) drive(ctx context.Context, clock timeutil.Clock, sink monitoring.Sink) Status {
	start := clock.Now()
	st := r.Unit.Drive(ctx)
	d := clock.Since(start)
	if d > r.longest {
		r.longest = d
	}
	sink.Observe("sched."+r.Name+".slice", d)
	sink.Count("sched."+r.Name+"."+st.String(), 1)
	return st
}

// Loop is a deterministic single-goroutine host. Every Step drives each
// live task exactly once in priority order.
type Loop struct {
	clock   timeutil.Clock
	sink    monitoring.Sink
	runners []*runner
}

// NewLoop creates a loop over tasks. A nil clock uses RealClock.
func NewLoop(clock timeutil.Clock, sink monitoring.Sink, tasks ...Task) *Loop {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	l := &Loop{clock: clock, sink: monitoring.OrNop(sink)}
	for _, t := range tasks {
		l.Add(t)
	}
	return l
}

// Add appends a task, keeping the run order sorted by descending priority.
func (l *Loop) Add(t Task) {
	l.runners = append(l.runners, &runner{Task: t})
	sort.SliceStable(l.runners, func(i, j int) bool {
		return l.runners[i].Priority > l.runners[j].Priority
	})
}

// Order returns task names in the order Step drives them.
func (l *Loop) Order() []string {
	names := make([]string, 0, len(l.runners))
	for _, r := range l.runners {
		names = append(names, r.Name)
	}
	return names
}

// Step drives each live task once. It reports whether any task was busy
// and how many tasks remain live.
func (l *Loop) Step(ctx context.Context) (busy bool, live int) {
	for _, r := range l.runners {
		if r.done {
			continue
		}
		if ctx.Err() != nil {
			return false, 0
		}
		switch r.drive(ctx, l.clock, l.sink) {
		case Busy:
			busy = true
			live++
		case Done:
			r.done = true
		default:
			live++
		}
	}
	return busy, live
}

// Longest returns the longest single drive observed for the named task.
func (l *Loop) Longest(name string) time.Duration {
	for _, r := range l.runners {
		if r.Name == name {
			return r.longest
		}
	}
	return 0
}

// Run steps until ctx is cancelled or every task is done. When no task was
// busy it sleeps for the shortest idle delay among live tasks.
func (l *Loop) Run(ctx context.Context) error {
	for {
		busy, live := l.Step(ctx)
		if err := ctx.Err(); err != nil {
			return nil
		}
		if live == 0 {
			return nil
		}
		if !busy {
			l.clock.Sleep(l.minIdle())
		}
	}
}

func (l *Loop) minIdle() time.Duration {
	min := time.Duration(0)
	for _, r := range l.runners {
		if r.done {
			continue
		}
		if d := r.idleDelay(); min == 0 || d < min {
			min = d
		}
	}
	return min
}
