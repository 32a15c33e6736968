// Package signal implements POSIX-style signal delivery: pending/blocked
// masks per process, a disposition table, and the check that runs before
// every return-to-user to decide whether a handler must run first.
package signal

import (
	"fmt"

	"github.com/nyx-os/nyx/internal/archsim"
	"github.com/nyx-os/nyx/internal/log"
	"github.com/nyx-os/nyx/internal/proc"
	"github.com/nyx-os/nyx/internal/sched"
	"github.com/nyx-os/nyx/internal/uapi"
)

// Delivery is a signal that has been selected for delivery to a thread
// about to return to userspace.
type Delivery struct {
	Signal  uapi.Signal
	Handler uint64 // User-mode address of the handler function.
	Flags   uint64
}

// SigFrame is the interrupted context a handler dispatch saves, so
// Sigreturn can restore it once the handler returns through the
// trampoline.
type SigFrame struct {
	Signal  uapi.Signal
	Saved   archsim.Context
	RetAddr uint64
}

const frameSize = 256 // Room reserved on the user stack below the saved frame.

// Manager dispatches pending signals against a process table and builds the
// trampoline frame a handler needs to return through sigreturn.
type Manager struct {
	table   *proc.Table
	pending map[sched.ThreadID]SigFrame
	log     *log.Logger
}

// NewManager creates a signal manager bound to the kernel's process table.
func NewManager(table *proc.Table, logger *log.Logger) *Manager {
	return &Manager{
		table:   table,
		pending: make(map[sched.ThreadID]SigFrame),
		log:     logger,
	}
}

// Kill adds sig to target's pending set, per kill(2): if the process has a
// non-ignored disposition and is blocked in a signal-interruptible wait, it
// is woken so the handler (or default action) runs on its next return path.
func (m *Manager) Kill(scheduler *sched.Scheduler, target sched.ProcessID, sig uapi.Signal) error {
	p, ok := m.table.Lookup(target)
	if !ok {
		return fmt.Errorf("signal: kill: %w", uapi.ESRCH)
	}

	if sig < 1 || int(sig) >= uapi.NumSignals {
		return fmt.Errorf("signal: kill: %w", uapi.EINVAL)
	}

	bit := proc.SignalMask(1) << uint(sig)
	if p.Blocked&bit != 0 {
		p.Pending |= bit
		return nil
	}

	p.Pending |= bit

	if p.Disposition[sig].Kind == proc.DispositionIgnore {
		return nil
	}

	for _, tid := range p.Threads {
		if t, ok := scheduler.Lookup(tid); ok && t.State() == sched.Blocked && t.Reason() == sched.BlockSignal {
			scheduler.Wake(tid)
		}
	}

	return nil
}

// Deliverable returns the next pending, unblocked, non-ignored signal for p,
// if any, and clears it from the pending set. Called on every return path
// before the ring-transition return, per the syscall-return contract.
func (m *Manager) Deliverable(p *proc.Process) (uapi.Signal, bool) {
	for sig := 1; sig < uapi.NumSignals; sig++ {
		bit := proc.SignalMask(1) << uint(sig)

		if p.Pending&bit == 0 || p.Blocked&bit != 0 {
			continue
		}

		disp := p.Disposition[sig]
		if disp.Kind == proc.DispositionIgnore {
			p.Pending &^= bit
			continue
		}

		p.Pending &^= bit

		return uapi.Signal(sig), true
	}

	return 0, false
}

// Dispatch saves the interrupted context, with the trampoline as the return
// address, in the manager's kernel-side table where sigreturn finds it, and
// rewrites the thread's Context so that RIP points at the handler, RSP sits
// frameSize bytes below the interrupted stack pointer, and RDI carries the
// signal number. Nothing is written to user memory.
func (m *Manager) Dispatch(thread *sched.Thread, sig uapi.Signal, disp proc.Disposition) error {
	saved := thread.Context

	frame := SigFrame{
		Signal:  sig,
		Saved:   saved,
		RetAddr: disp.TrampolineAddr,
	}

	sp := saved.RSP - archsim.Addr(frameSize)
	thread.Context = archsim.Context{
		GPR:    saved.GPR,
		RIP:    archsim.Addr(disp.HandlerAddr),
		RSP:    sp,
		RFlags: saved.RFlags,
		CS:     saved.CS,
		SS:     saved.SS,
	}
	thread.Context.Set(archsim.RDI, uint64(sig)) // First argument: signal number.

	m.pending[thread.ID] = frame

	return nil
}

// Sigreturn restores the context a handler was dispatched from. It is
// invoked by the sigreturn syscall, which the trampoline registered with
// sigaction calls once the handler function returns.
func (m *Manager) Sigreturn(thread *sched.Thread) error {
	frame, ok := m.pending[thread.ID]
	if !ok {
		return fmt.Errorf("signal: sigreturn: %w", uapi.EINVAL)
	}

	thread.Context = frame.Saved
	delete(m.pending, thread.ID)

	return nil
}
