// Package proc implements the process table: process creation, parent/child
// linkage, fork, exec, and reaping. It sits above internal/sched (which owns
// threads and the ready queue) and internal/mm (which owns address spaces).
package proc

import (
	"fmt"
	"sync"

	"github.com/nyx-os/nyx/internal/archsim"
	"github.com/nyx-os/nyx/internal/log"
	"github.com/nyx-os/nyx/internal/mm"
	"github.com/nyx-os/nyx/internal/sched"
	"github.com/nyx-os/nyx/internal/uapi"
)

// SignalMask is a 64-bit bitset of signal numbers, one bit per signal. It is
// declared here rather than imported from internal/signal to avoid a
// dependency cycle: internal/signal needs to look processes up by id.
type SignalMask uint64

// Disposition is how a process has arranged to handle a given signal.
type Disposition struct {
	Kind           DispositionKind
	HandlerAddr    uint64
	TrampolineAddr uint64 // User-mode address of the sigreturn trampoline, set by sigaction.
	Flags          uint64
	Mask           SignalMask
}

// DispositionKind enumerates what a process does when a signal is delivered.
type DispositionKind uint8

const (
	DispositionDefault DispositionKind = iota
	DispositionIgnore
	DispositionHandler
)

// defaultIgnoredSignals lists every signal whose POSIX default disposition
// is to be ignored rather than to terminate the process. SIGCHLD is the one
// that matters here: handleExit/MarkThreadTerminated queue it to the parent
// on every child exit, so if its default were "terminate" a parent would be
// killed by its own child's exit notification the next time it checked for
// deliverable signals.
var defaultIgnoredSignals = [...]uapi.Signal{uapi.SIGCHLD, uapi.SIGCONT}

// Process owns an address space, a set of threads (at least one), and the
// bookkeeping a parent needs to reap it.
type Process struct {
	ID        sched.ProcessID
	Parent    sched.ProcessID
	HasParent bool
	Children  []sched.ProcessID

	AddressSpace *mm.AddressSpace
	Threads      []sched.ThreadID

	// Brk is the current end of the heap, grown by brk(2); exec sets it
	// to the page-aligned end of the last loaded segment.
	Brk archsim.Addr

	// MmapNext is the next address mmap(2) hands out for an anonymous
	// mapping with no hint, walked upward from a fixed base distinct from
	// the heap and the user stack.
	MmapNext archsim.Addr

	Terminated bool
	ExitStatus int

	Pending SignalMask
	Blocked SignalMask
	Disposition [64]Disposition

	log *log.Logger
}

func newProcess(id sched.ProcessID, as *mm.AddressSpace, logger *log.Logger) *Process {
	p := &Process{
		ID:           id,
		AddressSpace: as,
		log:          logger,
	}

	for _, sig := range defaultIgnoredSignals {
		p.Disposition[sig] = Disposition{Kind: DispositionIgnore}
	}

	return p
}

func (p *Process) String() string {
	return fmt.Sprintf("process(%d terminated=%t)", p.ID, p.Terminated)
}

// AllThreadsTerminated reports whether every thread owned by this process
// has reached the Terminated state -- the condition under which the process
// itself becomes Terminated. A thread that lookup no longer finds (already
// removed from the scheduler after terminating) counts as terminated.
func (p *Process) AllThreadsTerminated(lookup func(sched.ThreadID) (*sched.Thread, bool)) bool {
	for _, tid := range p.Threads {
		t, ok := lookup(tid)
		if ok && t.State() != sched.Terminated {
			return false
		}
	}

	return len(p.Threads) > 0
}

// Table is the process table: every live or zombie process, indexed by id,
// plus the scheduler and address-space plumbing needed to create new ones.
type Table struct {
	mut sync.Mutex

	processes map[sched.ProcessID]*Process
	nextID    sched.ProcessID

	nextThreadID sched.ThreadID

	kernel *mm.Kernel
	frames *mm.FrameAllocator
	sched  *sched.Scheduler
	wait   *sched.WaitChannel

	log *log.Logger
}

// NewTable creates an empty process table wired to the kernel's memory
// subsystem. AttachScheduler must be called once, after the scheduler is
// constructed with this table as its AddressSpaceResolver, before any
// process is created -- boot order necessarily has the table and the
// scheduler construct each other.
func NewTable(kernel *mm.Kernel, frames *mm.FrameAllocator, logger *log.Logger) *Table {
	return &Table{
		processes:    make(map[sched.ProcessID]*Process),
		nextID:       1,
		nextThreadID: 1,
		kernel:       kernel,
		frames:       frames,
		wait:         sched.NewWaitChannel(),
		log:          logger,
	}
}

// AttachScheduler wires the table to the scheduler it feeds address spaces
// to and wakes waiters through.
func (t *Table) AttachScheduler(s *sched.Scheduler) {
	t.sched = s
}

// TopFrameOf implements sched.AddressSpaceResolver: the scheduler consults
// this on every context switch to find which page-table tree to load into
// CR3 for a given process.
func (t *Table) TopFrameOf(pid sched.ProcessID) (mm.Frame, bool) {
	t.mut.Lock()
	defer t.mut.Unlock()

	p, ok := t.processes[pid]
	if !ok {
		return 0, false
	}

	return p.AddressSpace.TopFrame(), true
}

// Lookup returns a process by id.
func (t *Table) Lookup(pid sched.ProcessID) (*Process, bool) {
	t.mut.Lock()
	defer t.mut.Unlock()

	p, ok := t.processes[pid]

	return p, ok
}

// Create registers a new process with a freshly built address space and no
// threads yet; the caller attaches the first thread via AddThread.
func (t *Table) Create(parent sched.ProcessID, hasParent bool) (*Process, error) {
	as, err := mm.NewAddressSpace(t.kernel, t.frames, t.log)
	if err != nil {
		return nil, fmt.Errorf("proc: create: %w", err)
	}

	t.mut.Lock()
	defer t.mut.Unlock()

	id := t.nextID
	t.nextID++

	p := newProcess(id, as, t.log)
	p.Parent = parent
	p.HasParent = hasParent

	t.processes[id] = p

	if hasParent {
		if parentProc, ok := t.processes[parent]; ok {
			parentProc.Children = append(parentProc.Children, id)
		}
	}

	return p, nil
}

// NewThread allocates a thread id, builds a scheduler thread around ctx and
// stack, adds it to the scheduler, and attaches it to pid -- the path
// internal/boot uses to give a freshly created process its first thread,
// mirroring what Fork does for a child's single thread.
func (t *Table) NewThread(pid sched.ProcessID, ctx archsim.Context, stack *mm.KernelStack) (sched.ThreadID, error) {
	t.mut.Lock()
	_, ok := t.processes[pid]
	t.mut.Unlock()

	if !ok {
		return 0, fmt.Errorf("proc: new thread: no such process %d", pid)
	}

	tid := t.allocThreadID()
	thread := sched.NewThread(tid, pid, stack, ctx, t.log)

	t.sched.Add(thread)
	t.AddThread(pid, tid)

	return tid, nil
}

// AddThread attaches an already-created thread to a process.
func (t *Table) AddThread(pid sched.ProcessID, tid sched.ThreadID) {
	t.mut.Lock()
	defer t.mut.Unlock()

	if p, ok := t.processes[pid]; ok {
		p.Threads = append(p.Threads, tid)
	}
}

// MarkThreadTerminated records that one of a process's threads has exited
// and, when every thread has, transitions the process to Terminated,
// queues SIGCHLD for the parent (left to internal/signal to deliver), and
// wakes any matching waiters.
func (t *Table) MarkThreadTerminated(pid sched.ProcessID, status int, lookup func(sched.ThreadID) (*sched.Thread, bool)) {
	t.mut.Lock()

	p, ok := t.processes[pid]
	if !ok {
		t.mut.Unlock()
		return
	}

	allDone := p.AllThreadsTerminated(lookup)
	if allDone {
		p.Terminated = true
		p.ExitStatus = status
	}

	parent := p.Parent
	hasParent := p.HasParent

	t.mut.Unlock()

	if !allDone {
		return
	}

	if hasParent {
		const sigchld = 17
		t.RaiseSignal(parent, sigchld)
	}

	for _, tid := range t.wait.Notify(pid, parent) {
		t.sched.Wake(tid)
	}
}

// RaiseSignal sets a bit in a process's pending signal mask. internal/signal
// owns dispatching pending signals to a handler; this only records that one
// arrived, which is enough for kill(2) and SIGCHLD delivery to share one
// code path.
func (t *Table) RaiseSignal(pid sched.ProcessID, sig uint) {
	t.mut.Lock()
	defer t.mut.Unlock()

	if p, ok := t.processes[pid]; ok {
		p.Pending |= SignalMask(1) << sig
	}
}

// Wait blocks the calling thread until a child matching pred is Terminated,
// or returns immediately if one already is.
func (t *Table) Wait(caller sched.ThreadID, pred sched.WaitPredicate) (sched.ProcessID, int, bool) {
	if pid, status, ok := t.pollTerminatedChild(pred); ok {
		return pid, status, true
	}

	t.wait.Wait(caller, pred)
	t.sched.Block(sched.BlockWait)

	return t.pollTerminatedChild(pred)
}

// TryWait reports a terminated child matching pred without blocking --
// the WNOHANG path, which must return immediately rather than registering
// the caller on the wait channel at all.
func (t *Table) TryWait(pred sched.WaitPredicate) (sched.ProcessID, int, bool) {
	return t.pollTerminatedChild(pred)
}

func (t *Table) pollTerminatedChild(pred sched.WaitPredicate) (sched.ProcessID, int, bool) {
	t.mut.Lock()
	defer t.mut.Unlock()

	for _, p := range t.processes {
		if !p.Terminated {
			continue
		}

		if !pred.Admits(p.ID, p.Parent) {
			continue
		}

		return p.ID, p.ExitStatus, true
	}

	return 0, 0, false
}

// HasChildren reports whether pid has any children still present in the
// table (Terminated or not) -- used to distinguish ECHILD from "block and
// wait".
func (t *Table) HasChildren(pid sched.ProcessID) bool {
	t.mut.Lock()
	defer t.mut.Unlock()

	p, ok := t.processes[pid]

	return ok && len(p.Children) > 0
}

// Reap removes a Terminated process from the table, orphans its own
// children (no init process exists in this core to adopt them, so
// HasParent is simply cleared -- an orphan's eventual exit is never
// waited for and its own reap proceeds unconditionally), and frees its
// address space. Per-id links mean no reference counting is needed.
func (t *Table) Reap(pid sched.ProcessID) error {
	t.mut.Lock()
	defer t.mut.Unlock()

	p, ok := t.processes[pid]
	if !ok {
		return fmt.Errorf("proc: reap: no such process %d", pid)
	}

	if !p.Terminated {
		return fmt.Errorf("proc: reap: process %d is not terminated", pid)
	}

	if parentProc, ok := t.processes[p.Parent]; ok && p.HasParent {
		for i, c := range parentProc.Children {
			if c == pid {
				parentProc.Children = append(parentProc.Children[:i], parentProc.Children[i+1:]...)
				break
			}
		}
	}

	for _, c := range p.Children {
		if child, ok := t.processes[c]; ok {
			child.HasParent = false
		}
	}

	p.AddressSpace.Destroy()
	delete(t.processes, pid)

	return nil
}
