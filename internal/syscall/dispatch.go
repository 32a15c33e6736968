package syscall

import (
	"fmt"
	"io"
	"time"

	"github.com/nyx-os/nyx/internal/archsim"
	"github.com/nyx-os/nyx/internal/fsstub"
	"github.com/nyx-os/nyx/internal/log"
	"github.com/nyx-os/nyx/internal/mm"
	"github.com/nyx-os/nyx/internal/proc"
	"github.com/nyx-os/nyx/internal/sched"
	"github.com/nyx-os/nyx/internal/signal"
	"github.com/nyx-os/nyx/internal/timer"
	"github.com/nyx-os/nyx/internal/uapi"
)

// Handler is one syscall's implementation. It reads its arguments from
// frame and writes its result back into frame before returning.
type Handler func(d *Dispatcher, caller sched.ThreadID, frame Frame)

// ConsoleIO is what fds 0, 1, and 2 need: enough to back read(2)/write(2)
// without requiring a real terminal. *console.Console satisfies it directly;
// *fsstub.Stdio is the headless fallback when standard input isn't a tty.
type ConsoleIO interface {
	Read([]byte) (int, error)
	Write([]byte) (int, error)
}

// Dispatcher owns the syscall number -> handler table and everything a
// handler needs to reach: the process table, the scheduler, signal
// delivery, kernel-stack allocation for fork, the stub filesystem, and the
// console.
type Dispatcher struct {
	table     map[Number]Handler
	processes *proc.Table
	scheduler *sched.Scheduler
	signals   *signal.Manager
	stacks    *mm.KernelStackAllocator
	fs        *fsstub.FS
	console   ConsoleIO
	clock     *timer.Timer

	// scratch stands in for the copy_from_user/copy_to_user step a real
	// kernel performs when resolving a syscall's buffer pointer: this
	// simulator tracks page-table structure, not byte-addressable physical
	// memory, so read/write handlers move bytes through this buffer
	// instead of a user virtual address.
	scratch [4096]byte

	// bootTime anchors CLOCK_REALTIME: this core has no RTC collaborator,
	// so wall-clock time is the dispatcher's construction time plus the
	// timer's simulated monotonic elapsed time.
	bootTime time.Time

	log *log.Logger
}

// NewDispatcher builds the dispatch table and wires it to the kernel
// subsystems a syscall handler may touch.
func NewDispatcher(
	processes *proc.Table,
	scheduler *sched.Scheduler,
	signals *signal.Manager,
	stacks *mm.KernelStackAllocator,
	fs *fsstub.FS,
	con ConsoleIO,
	clock *timer.Timer,
	logger *log.Logger,
) *Dispatcher {
	d := &Dispatcher{
		processes: processes,
		scheduler: scheduler,
		signals:   signals,
		stacks:    stacks,
		fs:        fs,
		console:   con,
		clock:     clock,
		bootTime:  time.Now(),
		log:       logger,
	}

	d.table = map[Number]Handler{
		SysExit:         handleExit,
		SysFork:         handleFork,
		SysExecve:       handleExecve,
		SysWait4:        handleWait4,
		SysGetpid:       handleGetpid,
		SysGetppid:      handleGetppid,
		SysKill:         handleKill,
		SysRead:         handleRead,
		SysWrite:        handleWrite,
		SysBrk:          handleBrk,
		SysMmap:         handleMmap,
		SysClockGettime: handleClockGettime,
		SysSigaction:    handleSigaction,
		SysSigreturn:    handleSigreturn,
		SysYield:        handleYield,
	}

	return d
}

// Dispatch decodes a syscall from ctx, runs the matching handler, and
// leaves the result (or a negative errno for unknown numbers) in RAX. It
// is the stub's single call into kernel logic, run with interrupts
// enabled unless a handler disables them for a short critical section.
func (d *Dispatcher) Dispatch(caller sched.ThreadID, ctx *archsim.Context) {
	frame := NewFrame(ctx)

	handler, ok := d.table[frame.Number()]
	if !ok {
		d.log.Warn("unknown syscall", "number", frame.Number())
		frame.SetError(int(uapi.ENOSYS))

		return
	}

	handler(d, caller, frame)
}

// Scratch exposes the copy_from_user/copy_to_user stand-in buffer so
// callers outside this package -- internal/boot, and tests -- can stage a
// syscall argument or inspect a result the same way a handler does.
func (d *Dispatcher) Scratch() []byte { return d.scratch[:] }

// readerAtFor exposes an fsstub handle as an io.ReaderAt for execve to feed
// into internal/elfload.Load.
func (d *Dispatcher) readerAtFor(h fsstub.Handle) (io.ReaderAt, error) {
	return d.fs.ReaderAt(h)
}

// PendingSignal reports the next deliverable signal for caller's process,
// if any, clearing it from the pending set. internal/boot calls this on
// every return-to-user path, before the ring transition, per the
// syscall-return contract internal/signal documents.
func (d *Dispatcher) PendingSignal(caller sched.ThreadID) (proc.Disposition, uapi.Signal, bool) {
	t, ok := d.scheduler.Lookup(caller)
	if !ok {
		return proc.Disposition{}, 0, false
	}

	p, ok := d.processes.Lookup(t.Process)
	if !ok {
		return proc.Disposition{}, 0, false
	}

	sig, ok := d.signals.Deliverable(p)
	if !ok {
		return proc.Disposition{}, 0, false
	}

	return p.Disposition[sig], sig, true
}

// DeliverSignal dispatches sig to thread tid per disp, rewriting its saved
// context to enter the handler on the next return to userspace.
func (d *Dispatcher) DeliverSignal(tid sched.ThreadID, sig uapi.Signal, disp proc.Disposition) error {
	t, ok := d.scheduler.Lookup(tid)
	if !ok {
		return fmt.Errorf("syscall: deliver signal: no such thread %d", tid)
	}

	return d.signals.Dispatch(t, sig, disp)
}
