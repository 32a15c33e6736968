// Package boot assembles every kernel subsystem in the order a real boot
// sequence would -- frame allocator, master address space, descriptor
// tables, scheduler, process table, trap and syscall dispatchers -- and
// drives the result: spawning the first process, running syscalls to
// completion or suspension, and re-entering a suspended syscall once its
// thread is woken.
//
// There is no instruction-fetch loop underneath this: nothing in this core
// executes arbitrary machine code, so "running" a thread means driving its
// explicit syscalls and traps one at a time, exactly the events a real
// kernel's entry stub would hand to these same dispatchers.
package boot

import (
	"fmt"

	"github.com/nyx-os/nyx/internal/archsim"
	"github.com/nyx-os/nyx/internal/elfload"
	"github.com/nyx-os/nyx/internal/fsstub"
	"github.com/nyx-os/nyx/internal/log"
	"github.com/nyx-os/nyx/internal/mm"
	"github.com/nyx-os/nyx/internal/proc"
	"github.com/nyx-os/nyx/internal/sched"
	"github.com/nyx-os/nyx/internal/signal"
	"github.com/nyx-os/nyx/internal/syscall"
	"github.com/nyx-os/nyx/internal/timer"
	"github.com/nyx-os/nyx/internal/trap"
	"github.com/nyx-os/nyx/internal/uapi"
)

// Config bounds the simulated physical memory and supplies the stdio
// fallback used when no real console is attached.
type Config struct {
	// Frames is the number of 4 KiB frames the firmware memory map hands
	// the kernel -- a few thousand is ample for every scenario this core
	// tests.
	Frames uint64

	// Console, if non-nil, backs fds 0-2. When nil, an in-memory
	// fsstub.Stdio with no preloaded input is used instead, the documented
	// fallback for a headless boot.
	Console syscall.ConsoleIO

	Logger *log.Logger
}

// Kernel is every subsystem this core wires together, plus the bookkeeping
// a single-goroutine, non-preemptive-execution simulation needs to resume
// a syscall that blocked partway through.
type Kernel struct {
	Frames    *mm.FrameAllocator
	Master    *mm.Kernel
	Stacks    *mm.KernelStackAllocator
	Machine   *archsim.Machine
	Scheduler *sched.Scheduler
	Processes *proc.Table
	Signals   *signal.Manager
	Traps     *trap.Dispatcher
	Syscalls  *syscall.Dispatcher
	FS        *fsstub.FS
	Timer     *timer.Timer

	// pending tracks threads whose last syscall blocked mid-handler: RAX
	// still holds the syscall number, since no SetReturn/SetError ever
	// ran, so resuming means re-dispatching the same frame once the
	// thread is Ready again.
	pending map[sched.ThreadID]bool

	log *log.Logger
}

// New builds and wires every kernel subsystem, in the order a real boot
// sequence establishes them: the physical frame pool, the master kernel
// address space with its kernel-stack region pre-walked, the descriptor
// tables and the single simulated CPU, the scheduler and process table
// (which construct each other), the trap and syscall dispatchers, and the
// timer.
func New(cfg Config) (*Kernel, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = log.DefaultLogger()
	}

	frames := mm.NewFrameAllocator([]mm.MemoryRegion{{Start: 0, End: mm.Frame(cfg.Frames)}}, logger)

	master, err := mm.NewKernel(frames, logger)
	if err != nil {
		return nil, fmt.Errorf("boot: %w", err)
	}

	kstackRegionSize := archsim.Addr(mm.KernelStackSlots) * (mm.KernelStackSize + mm.GuardPages*archsim.PageSize)
	if err := master.PreallocateRange(mm.KernelStackBase, mm.KernelStackBase+kstackRegionSize); err != nil {
		return nil, fmt.Errorf("boot: %w", err)
	}

	cpu := archsim.NewCPU(logger)
	tss := archsim.NewTSS(make([]byte, 4096))
	gdt := archsim.NewGDT(tss)
	idt := archsim.NewIDT()
	machine := archsim.NewMachine(cpu, gdt, idt, logger)

	stacks := mm.NewKernelStackAllocator(master, frames, logger)

	processes := proc.NewTable(master, frames, logger)

	idle := sched.NewThread(0, 0, nil, archsim.Context{}, logger)
	scheduler := sched.NewScheduler(processes, machine, idle, logger)
	processes.AttachScheduler(scheduler)

	traps := trap.NewDispatcher(idt, cpu, scheduler, processes, logger)

	signals := signal.NewManager(processes, logger)

	fs := fsstub.New()

	clock := timer.New(scheduler, logger)

	console := cfg.Console
	if console == nil {
		console = fsstub.NewStdio(nil)
	}

	syscalls := syscall.NewDispatcher(processes, scheduler, signals, stacks, fs, console, clock, logger)

	cpu.EnableInterrupts()

	return &Kernel{
		Frames:    frames,
		Master:    master,
		Stacks:    stacks,
		Machine:   machine,
		Scheduler: scheduler,
		Processes: processes,
		Signals:   signals,
		Traps:     traps,
		Syscalls:  syscalls,
		FS:        fs,
		Timer:     clock,
		pending:   make(map[sched.ThreadID]bool),
		log:       logger,
	}, nil
}

// syscallArgRegs is the System V AMD64 argument register order, the same
// one internal/syscall.Frame reads from.
var syscallArgRegs = [6]archsim.GPR{archsim.RDI, archsim.RSI, archsim.RDX, archsim.R10, archsim.R8, archsim.R9}

// Spawn creates a new process with a single thread loaded from image and
// returns its ids. The returned thread's context is exactly what Exec
// would leave behind for any other process: PC at the image entry point,
// SP at the top of a freshly mapped user stack, ring 3.
func (k *Kernel) Spawn(image elfload.Image) (sched.ProcessID, sched.ThreadID, error) {
	p, err := k.Processes.Create(0, false)
	if err != nil {
		return 0, 0, fmt.Errorf("boot: spawn: %w", err)
	}

	stack, err := k.Stacks.Allocate()
	if err != nil {
		return 0, 0, fmt.Errorf("boot: spawn: %w", err)
	}

	tid, err := k.Processes.NewThread(p.ID, archsim.Context{}, stack)
	if err != nil {
		return 0, 0, fmt.Errorf("boot: spawn: %w", err)
	}

	if err := k.Processes.Exec(p.ID, tid, image, nil, nil); err != nil {
		return 0, 0, fmt.Errorf("boot: spawn: %w", err)
	}

	return p.ID, tid, nil
}

// Syscall drives a thread's syscall entry point directly: it places number
// and args into the thread's saved context exactly where the syscall trap
// gate would, dispatches it, and reports the resulting RAX. If the
// handler blocked the thread partway through, the thread is left Blocked
// and the pending syscall is remembered for ResumePending -- RAX is
// whatever it held when the syscall number was read, which is the number
// itself, since no handler writes a return value without first running to
// completion.
func (k *Kernel) Syscall(tid sched.ThreadID, number syscall.Number, args ...uint64) (uint64, error) {
	t, ok := k.Scheduler.Lookup(tid)
	if !ok {
		return 0, fmt.Errorf("boot: syscall: no such thread %d", tid)
	}

	if len(args) > len(syscallArgRegs) {
		return 0, fmt.Errorf("boot: syscall: too many arguments")
	}

	t.Context.Set(archsim.RAX, uint64(number))

	for i, a := range args {
		t.Context.Set(syscallArgRegs[i], a)
	}

	k.Syscalls.Dispatch(tid, &t.Context)

	if t.State() == sched.Blocked {
		k.pending[tid] = true
	} else {
		delete(k.pending, tid)
	}

	return t.Context.Get(archsim.RAX), nil
}

// ResumePending re-dispatches every blocked syscall whose thread has since
// become Ready or Running -- the "re-check the condition" step a blocked
// handler relies on, driven here from outside since nothing frees this
// simulation's single goroutine to park mid-handler the way a real kernel
// thread would.
func (k *Kernel) ResumePending() {
	for tid := range k.pending {
		t, ok := k.Scheduler.Lookup(tid)
		if !ok || t.State() == sched.Blocked || t.State() == sched.Terminated {
			continue
		}

		delete(k.pending, tid)
		k.Syscalls.Dispatch(tid, &t.Context)

		if t.State() == sched.Blocked {
			k.pending[tid] = true
		}
	}
}

// Trap drives an interrupt or exception vector directly on tid's saved
// context, the same entry point a CPU-generated trap would reach through
// the IDT gate.
func (k *Kernel) Trap(tid sched.ThreadID, vector archsim.Vector, faultAddr archsim.Addr) error {
	t, ok := k.Scheduler.Lookup(tid)
	if !ok {
		return fmt.Errorf("boot: trap: no such thread %d", tid)
	}

	k.Traps.Dispatch(tid, &t.Context, vector, faultAddr)

	return nil
}

// CheckSignals runs the return-to-user signal check for tid: if a signal
// is deliverable, it either dispatches it to a registered handler or, for
// every disposition other than an installed handler, applies the default
// terminating action. This core's default disposition table has no
// signal whose default action is anything but terminate or ignore
// (ignored signals are dropped inside Deliverable and never reach here),
// so there is no stop/continue case to model.
func (k *Kernel) CheckSignals(tid sched.ThreadID) {
	disp, sig, ok := k.Syscalls.PendingSignal(tid)
	if !ok {
		return
	}

	if disp.Kind == proc.DispositionHandler {
		if err := k.Syscalls.DeliverSignal(tid, sig, disp); err != nil {
			k.log.Warn("signal dispatch failed", "error", err)
		}

		return
	}

	k.terminateForSignal(tid, sig)
}

// terminateForSignal applies the default disposition for an unhandled,
// non-ignored signal: terminate the thread's process with the
// signal-termination status word, the same policy internal/trap applies
// to an unhandled CPU exception.
func (k *Kernel) terminateForSignal(tid sched.ThreadID, sig uapi.Signal) {
	t, ok := k.Scheduler.Lookup(tid)
	if !ok {
		return
	}

	t.Terminate()
	k.Scheduler.Remove(tid)

	status := int(sig) & 0x7f
	k.Processes.MarkThreadTerminated(t.Process, status, k.Scheduler.Lookup)
	k.Scheduler.RequestReschedule()
}
