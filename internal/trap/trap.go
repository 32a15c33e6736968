// Package trap implements the interrupt/exception vector table: the
// Go-level handlers an IDT gate dispatches to, and the policy for turning a
// CPU-defined exception into a terminated thread, a delivered signal, or an
// unrecoverable halt. It is the layer archsim.IDT's documentation refers to
// as owning "a Vector-indexed table of Go functions" -- archsim models the
// gate metadata, trap models what runs when one fires.
package trap

import (
	"github.com/nyx-os/nyx/internal/archsim"
	"github.com/nyx-os/nyx/internal/log"
	"github.com/nyx-os/nyx/internal/proc"
	"github.com/nyx-os/nyx/internal/sched"
	"github.com/nyx-os/nyx/internal/uapi"
)

// Handler runs when its vector fires. faultAddr is only meaningful for
// VectorPageFault; every other vector passes 0.
type Handler func(d *Dispatcher, caller sched.ThreadID, ctx *archsim.Context, faultAddr archsim.Addr)

// Dispatcher owns the vector -> handler table and the kernel subsystems a
// handler needs to terminate a process or halt the machine.
type Dispatcher struct {
	idt   *archsim.IDT
	cpu   *archsim.CPU
	sched *sched.Scheduler
	procs *proc.Table

	table map[archsim.Vector]Handler

	log *log.Logger
}

// NewDispatcher builds the default vector table -- one handler per
// CPU-defined exception this core names in spec.md section 4.1 -- and
// installs the matching gates into idt, plus a handler-less timer gate.
func NewDispatcher(idt *archsim.IDT, cpu *archsim.CPU, scheduler *sched.Scheduler, processes *proc.Table, logger *log.Logger) *Dispatcher {
	d := &Dispatcher{
		idt:   idt,
		cpu:   cpu,
		sched: scheduler,
		procs: processes,
		log:   logger,
	}

	d.table = map[archsim.Vector]Handler{
		archsim.VectorDivideError: faultSignal(uapi.SIGFPE),
		archsim.VectorInvalidOp:   faultSignal(uapi.SIGILL),
		archsim.VectorGPFault:     faultSignal(uapi.SIGSEGV),
		archsim.VectorPageFault:   handlePageFault,
		archsim.VectorDoubleFault: handleDoubleFault,
	}

	idt.Install(archsim.Gate{Vector: archsim.VectorDivideError, Type: archsim.GateInterrupt, DPL: archsim.Ring0})
	idt.Install(archsim.Gate{Vector: archsim.VectorInvalidOp, Type: archsim.GateInterrupt, DPL: archsim.Ring0})
	idt.Install(archsim.Gate{Vector: archsim.VectorGPFault, Type: archsim.GateInterrupt, DPL: archsim.Ring0})
	idt.Install(archsim.Gate{Vector: archsim.VectorPageFault, Type: archsim.GateInterrupt, DPL: archsim.Ring0})
	idt.Install(archsim.Gate{
		Vector: archsim.VectorDoubleFault,
		Type:   archsim.GateInterrupt,
		DPL:    archsim.Ring0,
		IST:    1,
	})
	// VectorTimer gets a gate entry for IDT completeness, but no handler
	// here: this simulation has no free-running interrupt to deliver it,
	// so internal/timer drives scheduler.Tick directly on its own
	// goroutine instead of routing through Dispatch.
	idt.Install(archsim.Gate{Vector: archsim.VectorTimer, Type: archsim.GateInterrupt, DPL: archsim.Ring0})

	return d
}

// Dispatch runs the handler installed for vector, or halts the machine if
// a caller in any ring reached a vector that has no handler -- an IDT
// misconfiguration, which is a kernel bug regardless of who triggered it.
func (d *Dispatcher) Dispatch(caller sched.ThreadID, ctx *archsim.Context, vector archsim.Vector, faultAddr archsim.Addr) {
	h, ok := d.table[vector]
	if !ok {
		d.log.Error("unhandled vector", "vector", vector, "ring", ctx.Ring())
		d.cpu.Halt()

		return
	}

	h(d, caller, ctx, faultAddr)
}

// terminate ends the faulting thread's process with a signal-termination
// exit status, per spec.md section 6's status-word encoding: signal & 0x7f
// with no normal-exit bit set.
func (d *Dispatcher) terminate(caller sched.ThreadID, sig uapi.Signal) {
	t, ok := d.sched.Lookup(caller)
	if !ok {
		return
	}

	t.Terminate()
	d.sched.Remove(caller)

	status := int(sig) & 0x7f
	d.procs.MarkThreadTerminated(t.Process, status, d.sched.Lookup)
	d.sched.RequestReschedule()
}

// faultSignal builds a Handler for a vector whose only policy is "ring 3:
// deliver sig and terminate; ring 0: halt", the common case for
// divide-by-zero, invalid opcode, and general protection.
func faultSignal(sig uapi.Signal) Handler {
	return func(d *Dispatcher, caller sched.ThreadID, ctx *archsim.Context, _ archsim.Addr) {
		if ctx.Ring() == archsim.Ring0 {
			d.log.Error("kernel-mode fault", "signal", sig, "rip", ctx.RIP)
			d.cpu.Halt()

			return
		}

		d.log.Warn("user-mode fault", "signal", sig, "thread", caller, "rip", ctx.RIP)
		d.terminate(caller, sig)
	}
}

// handlePageFault terminates a faulting user-mode thread with SIGSEGV --
// the translation already failed by the time this runs, whether the
// address was simply unmapped or a guard page. A page fault in kernel mode
// is always a kernel bug: it halts, since the kernel stack itself may be
// the thing that is unmapped or corrupt.
func handlePageFault(d *Dispatcher, caller sched.ThreadID, ctx *archsim.Context, faultAddr archsim.Addr) {
	if ctx.Ring() == archsim.Ring0 {
		d.log.Error("page fault in kernel mode", "addr", faultAddr, "rip", ctx.RIP)
		d.cpu.Halt()

		return
	}

	d.log.Warn("page fault", "addr", faultAddr, "thread", caller, "rip", ctx.RIP)
	d.terminate(caller, uapi.SIGSEGV)
}

// handleDoubleFault is the diverging handler: it never returns. A real
// kernel runs this on the TSS's IST1 stack so it executes even if the
// current kernel stack is unmapped; this simulation has no stack to
// corrupt, but the policy -- log state and halt, unconditionally -- is
// identical.
func handleDoubleFault(d *Dispatcher, _ sched.ThreadID, ctx *archsim.Context, _ archsim.Addr) {
	d.log.Error("double fault", "rip", ctx.RIP, "ring", ctx.Ring())
	d.cpu.Halt()
}
