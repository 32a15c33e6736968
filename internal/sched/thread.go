// Package sched implements the ready-queue discipline, timer-driven
// preemption, and context switch for the single simulated CPU: fetch a
// runnable thread, run it until its quantum or a blocking call ends its
// turn, and reschedule at a safe return boundary -- the same
// fetch/dispatch/reschedule-at-a-safe-point shape as an instruction cycle,
// one level up, dispatching a Thread instead of a single instruction.
package sched

import (
	"fmt"

	"github.com/nyx-os/nyx/internal/archsim"
	"github.com/nyx-os/nyx/internal/log"
	"github.com/nyx-os/nyx/internal/mm"
)

// ThreadID and ProcessID are opaque identifiers. ProcessID is declared here,
// rather than imported from internal/proc, to avoid a dependency cycle
// (internal/proc depends on internal/sched to create and schedule threads).
type (
	ThreadID  uint32
	ProcessID uint32
)

// State is a thread's scheduling state.
type State uint8

const (
	Ready State = iota
	Running
	Blocked
	Terminated
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Terminated:
		return "terminated"
	default:
		return "invalid"
	}
}

// BlockReason records why a Blocked thread is blocked.
type BlockReason uint8

const (
	NotBlocked BlockReason = iota
	BlockWait               // Waiting on a child via wait/waitpid.
	BlockSleep              // Sleeping until a deadline.
	BlockSignal             // Interruptible: a signal wakes it with EINTR.
	BlockIO                 // Waiting on a device, e.g. read() on an empty pipe.
)

// Thread is the scheduling unit.
type Thread struct {
	ID      ThreadID
	Process ProcessID

	Stack   *mm.KernelStack
	Context archsim.Context

	Privilege archsim.Ring
	state     State
	reason    BlockReason

	// Quantum is the number of timer ticks remaining before this thread is
	// forced to yield.
	Quantum int

	log *log.Logger
}

const defaultQuantum = 10

// NewThread creates a thread in the Ready state with a full quantum.
func NewThread(id ThreadID, proc ProcessID, stack *mm.KernelStack, ctx archsim.Context, logger *log.Logger) *Thread {
	return &Thread{
		ID:        id,
		Process:   proc,
		Stack:     stack,
		Context:   ctx,
		Privilege: ctx.Ring(),
		state:     Ready,
		Quantum:   defaultQuantum,
		log:       logger,
	}
}

func (t *Thread) State() State             { return t.state }
func (t *Thread) Reason() BlockReason       { return t.reason }
func (t *Thread) String() string           { return fmt.Sprintf("thread(%d/%d %s)", t.ID, t.Process, t.state) }

// Block transitions the thread to Blocked with the given reason. Callers
// must not hold a lock that is also acquired from interrupt context across
// this call.
func (t *Thread) Block(reason BlockReason) {
	t.state = Blocked
	t.reason = reason
}

// Unblock transitions a Blocked thread back to Ready, clearing the reason.
func (t *Thread) Unblock() {
	t.state = Ready
	t.reason = NotBlocked
}

// Terminate marks the thread Terminated. A terminated thread never runs
// again and is removed from every queue it might still be on.
func (t *Thread) Terminate() {
	t.state = Terminated
	t.reason = NotBlocked
}
