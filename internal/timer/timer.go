// Package timer simulates the programmable interval timer: a 1 kHz tick
// that drives scheduler preemption and the sleep queue's monotonic clock.
package timer

import (
	"context"
	"time"

	"github.com/nyx-os/nyx/internal/log"
	"github.com/nyx-os/nyx/internal/sched"
)

// TickHz is the timer's frequency: one tick is one millisecond of
// monotonic time, matching sched.Deadline's unit.
const TickHz = 1000

// Timer drives the scheduler's Tick on a fixed interval, simulating the
// periodic timer interrupt a real kernel programs at boot.
type Timer struct {
	scheduler *sched.Scheduler
	log       *log.Logger

	now sched.Deadline
}

// New creates a timer bound to the scheduler it will drive.
func New(scheduler *sched.Scheduler, logger *log.Logger) *Timer {
	return &Timer{scheduler: scheduler, log: logger}
}

// Run ticks once per simulated millisecond until ctx is cancelled. It is
// meant to run on its own goroutine, standing in for the timer-interrupt
// vector firing on real hardware; the scheduler itself is not safe for
// concurrent access from more than one goroutine, so a real boot sequence
// only ever has the main dispatch loop call Tick -- this type exists for
// tests and standalone demos that want a free-running clock.
func (t *Timer) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second / TickHz)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.now++
			t.scheduler.Tick(t.now)
		}
	}
}

// Now returns the current simulated monotonic time.
func (t *Timer) Now() sched.Deadline { return t.now }
