package syscall

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/nyx-os/nyx/internal/archsim"
	"github.com/nyx-os/nyx/internal/elfload"
	"github.com/nyx-os/nyx/internal/fsstub"
	"github.com/nyx-os/nyx/internal/mm"
	"github.com/nyx-os/nyx/internal/proc"
	"github.com/nyx-os/nyx/internal/sched"
	"github.com/nyx-os/nyx/internal/uapi"
)

func fsstubHandle(v uint64) fsstub.Handle { return fsstub.Handle(int(v)) }

// disposition builds a proc.Disposition from a sigaction syscall's
// register-encoded arguments.
func disposition(kind, handlerAddr, trampolineAddr uint64) proc.Disposition {
	return proc.Disposition{
		Kind:           proc.DispositionKind(kind),
		HandlerAddr:    handlerAddr,
		TrampolineAddr: trampolineAddr,
	}
}

// sigactionQuery in Arg(1) means "report the current disposition, install
// nothing" -- the ABI simplification this core uses in place of a dual
// struct-pointer argument, since there is no byte-addressable user memory
// to read a sigaction struct from. A real disposition's Kind never reaches
// this value (DispositionKind is a small enum), so it is safe to reuse as
// a sentinel.
const sigactionQuery = 0xff

// handleExit terminates the calling thread with the given exit status,
// encoded per the normal-exit status word: (code & 0xff) << 8. Once every
// thread of the process has terminated, the process is marked Terminated
// with that status.
func handleExit(d *Dispatcher, caller sched.ThreadID, frame Frame) {
	t, ok := d.scheduler.Lookup(caller)
	if !ok {
		return
	}

	code := int(frame.Arg(0)) & 0xff
	status := code << 8

	t.Terminate()
	d.scheduler.Remove(caller)
	d.processes.MarkThreadTerminated(t.Process, status, d.scheduler.Lookup)
	d.scheduler.RequestReschedule()
}

// handleFork creates a child process from the caller's single thread. The
// parent's return value (the child's pid) is set by Table.Fork directly on
// the parent's saved context; this handler only needs to surface it.
func handleFork(d *Dispatcher, caller sched.ThreadID, frame Frame) {
	t, ok := d.scheduler.Lookup(caller)
	if !ok {
		frame.SetError(int(uapi.ESRCH))
		return
	}

	childID, err := d.processes.Fork(t.Process, caller, d.stacks)
	if err != nil {
		d.log.Warn("fork failed", "error", err)
		frame.SetError(int(uapi.ENOMEM))

		return
	}

	frame.SetReturn(uint64(childID))
}

// handleExecve replaces the calling process's image. Argument encoding is
// an ABI simplification documented alongside this handler: there is no
// byte-addressable user memory to read a path string from, so Arg(0) is
// not a pointer -- it is an fsstub.Handle the caller already obtained (the
// only way a program image reaches this kernel in the first place, since
// this core has no open(2) syscall). The handle is closed before Exec
// runs, honoring the rule that nothing may be held open across the
// non-returning path Exec takes.
func handleExecve(d *Dispatcher, caller sched.ThreadID, frame Frame) {
	t, ok := d.scheduler.Lookup(caller)
	if !ok {
		frame.SetError(int(uapi.ESRCH))
		return
	}

	h := fsstubHandle(frame.Arg(0))

	r, err := d.readerAtFor(h)
	if err != nil {
		frame.SetError(int(uapi.EBADF))
		return
	}

	image, err := elfload.Load(r)
	_ = d.fs.Close(h)

	if err != nil {
		d.log.Warn("execve: bad image", "error", err)
		frame.SetError(int(uapi.ENOEXEC))

		return
	}

	if err := d.processes.Exec(t.Process, caller, image, nil, nil); err != nil {
		d.log.Warn("execve failed", "error", err)
		frame.SetError(int(uapi.ENOMEM))

		return
	}

	// No return value: Exec already overwrote the thread's context in
	// place, so the next return-to-user lands at the new entry point
	// rather than back at the syscall instruction.
}

// handleWait4 implements wait4(2)/waitpid(2): pid < 0 or 0 both mean "any
// child" in this core, since process groups are out of scope. ECHILD is
// reported only when the caller genuinely has no children at all, so a
// WNOHANG poll that simply isn't ready yet returns 0, not an error.
func handleWait4(d *Dispatcher, caller sched.ThreadID, frame Frame) {
	t, ok := d.scheduler.Lookup(caller)
	if !ok {
		frame.SetError(int(uapi.ESRCH))
		return
	}

	target := sched.ProcessID(frame.Arg(0))
	if int64(frame.Arg(0)) <= 0 {
		target = 0
	}

	statusAddr := frame.Arg(1)
	options := sched.WaitOptions(frame.Arg(2))

	pred := sched.WaitPredicate{ParentPID: t.Process, TargetPID: target, Options: options}

	if !d.processes.HasChildren(t.Process) {
		frame.SetError(int(uapi.ECHILD))
		return
	}

	var (
		pid    sched.ProcessID
		status int
	)

	if options&sched.WNOHANG != 0 {
		var found bool

		pid, status, found = d.processes.TryWait(pred)
		if !found {
			frame.SetReturn(0)
			return
		}
	} else {
		var found bool

		pid, status, found = d.processes.Wait(caller, pred)
		if !found {
			// The calling thread is now Blocked(BlockWait). internal/boot
			// re-dispatches this same syscall once it is woken, since RAX
			// still holds SysWait4 -- no return value is written here.
			return
		}
	}

	if statusAddr != 0 {
		binary.LittleEndian.PutUint32(d.scratch[:4], uint32(status))
	}

	if err := d.processes.Reap(pid); err != nil {
		d.log.Warn("wait4: reap failed", "error", err)
	}

	frame.SetReturn(uint64(pid))
}

func handleGetpid(d *Dispatcher, caller sched.ThreadID, frame Frame) {
	t, ok := d.scheduler.Lookup(caller)
	if !ok {
		frame.SetError(int(uapi.ESRCH))
		return
	}

	frame.SetReturn(uint64(t.Process))
}

// handleGetppid reports 0 for a process with no recorded parent -- this
// core does not reparent orphans to an init process, so there is nothing
// truthful to report instead.
func handleGetppid(d *Dispatcher, caller sched.ThreadID, frame Frame) {
	t, ok := d.scheduler.Lookup(caller)
	if !ok {
		frame.SetError(int(uapi.ESRCH))
		return
	}

	p, ok := d.processes.Lookup(t.Process)
	if !ok || !p.HasParent {
		frame.SetReturn(0)
		return
	}

	frame.SetReturn(uint64(p.Parent))
}

func handleKill(d *Dispatcher, caller sched.ThreadID, frame Frame) {
	target := sched.ProcessID(frame.Arg(0))
	sig := uapi.Signal(frame.Arg(1))

	if err := d.signals.Kill(d.scheduler, target, sig); err != nil {
		switch {
		case errors.Is(err, uapi.ESRCH):
			frame.SetError(int(uapi.ESRCH))
		case errors.Is(err, uapi.EINVAL):
			frame.SetError(int(uapi.EINVAL))
		default:
			frame.SetError(int(uapi.EINVAL))
		}

		return
	}

	frame.SetReturn(0)
}

// handleRead backs fd 0 (the console/stdio fallback) through the scratch
// buffer stand-in for copy_to_user; this core has no open(2) syscall, so
// no other fd can ever be valid.
func handleRead(d *Dispatcher, caller sched.ThreadID, frame Frame) {
	fd := frame.Arg(0)
	count := frame.Arg(2)

	if fd != 0 {
		frame.SetError(int(uapi.EBADF))
		return
	}

	if count > uint64(len(d.scratch)) {
		count = uint64(len(d.scratch))
	}

	n, err := d.console.Read(d.scratch[:count])
	if err != nil && n == 0 {
		frame.SetReturn(0)
		return
	}

	frame.SetReturn(uint64(n))
}

// handleWrite backs fds 1 and 2, both routed to the same console sink in
// this simulation -- there is no separate stderr stream to keep apart.
// The bytes to write are staged in the scratch buffer beforehand, the same
// copy_from_user stand-in read uses in reverse.
func handleWrite(d *Dispatcher, caller sched.ThreadID, frame Frame) {
	fd := frame.Arg(0)
	count := frame.Arg(2)

	if fd != 1 && fd != 2 {
		frame.SetError(int(uapi.EBADF))
		return
	}

	if count > uint64(len(d.scratch)) {
		count = uint64(len(d.scratch))
	}

	n, err := d.console.Write(d.scratch[:count])
	if err != nil {
		frame.SetError(int(uapi.EFAULT))
		return
	}

	frame.SetReturn(uint64(n))
}

// handleBrk grows or shrinks the heap. Called with addr 0, it only reports
// the current break; a shrink just moves the pointer back without
// unmapping, since nothing in this core maps brk pages lazily enough to
// make reclaiming them on shrink worth the complexity.
func handleBrk(d *Dispatcher, caller sched.ThreadID, frame Frame) {
	t, ok := d.scheduler.Lookup(caller)
	if !ok {
		frame.SetError(int(uapi.ESRCH))
		return
	}

	p, ok := d.processes.Lookup(t.Process)
	if !ok {
		frame.SetError(int(uapi.ESRCH))
		return
	}

	addr := archsim.Addr(frame.Arg(0))

	if addr == 0 {
		frame.SetReturn(uint64(p.Brk))
		return
	}

	if addr <= p.Brk {
		p.Brk = addr
		frame.SetReturn(uint64(addr))

		return
	}

	base := (p.Brk + archsim.PageSize - 1) &^ (archsim.PageSize - 1)
	end := (addr + archsim.PageSize - 1) &^ (archsim.PageSize - 1)

	for page := base; page < end; page += archsim.PageSize {
		if _, err := p.AddressSpace.AllocateAndMap(page, mm.FlagsUserData); err != nil {
			d.log.Warn("brk: grow failed", "error", err)
			frame.SetError(int(uapi.ENOMEM))

			return
		}
	}

	p.Brk = addr
	frame.SetReturn(uint64(addr))
}

// Protection bits for mmap's prot argument, mirroring PROT_READ/WRITE/EXEC.
const (
	protWrite = 1 << 1
	protExec  = 1 << 2
)

// handleMmap implements anonymous, fixed-hint-less mmap(2): the only kind
// reachable from this core's syscall set, since there is no open(2) to
// produce a file descriptor to map. addr (Arg(0)) is always treated as a
// hint-free request; the kernel picks the next address from the process's
// mmap region.
func handleMmap(d *Dispatcher, caller sched.ThreadID, frame Frame) {
	t, ok := d.scheduler.Lookup(caller)
	if !ok {
		frame.SetError(int(uapi.ESRCH))
		return
	}

	p, ok := d.processes.Lookup(t.Process)
	if !ok {
		frame.SetError(int(uapi.ESRCH))
		return
	}

	length := frame.Arg(1)
	prot := frame.Arg(2)

	if length == 0 {
		frame.SetError(int(uapi.EINVAL))
		return
	}

	flags := mm.Present | mm.UserAccessible
	if prot&protWrite != 0 {
		flags |= mm.Writable
	}

	if prot&protExec == 0 {
		flags |= mm.NoExecute
	}

	base := p.MmapNext
	end := (base + archsim.Addr(length) + archsim.PageSize - 1) &^ (archsim.PageSize - 1)

	for page := base; page < end; page += archsim.PageSize {
		if _, err := p.AddressSpace.AllocateAndMap(page, flags); err != nil {
			d.log.Warn("mmap failed", "error", err)
			frame.SetError(int(uapi.ENOMEM))

			return
		}
	}

	p.MmapNext = end
	frame.SetReturn(uint64(base))
}

// handleClockGettime reports CLOCK_MONOTONIC and CLOCK_REALTIME, both
// derived from the timer's simulated millisecond counter; CLOCK_REALTIME
// is offset by the wall-clock time this dispatcher was constructed at,
// since there is no RTC collaborator in this core. The result is packed
// into the scratch buffer as two little-endian uint64s (seconds,
// nanoseconds), the struct timespec layout with no pointer to write
// through.
func handleClockGettime(d *Dispatcher, caller sched.ThreadID, frame Frame) {
	const (
		clockRealtime  = 0
		clockMonotonic = 1
	)

	clockID := frame.Arg(0)

	now := d.clock.Now()
	elapsed := time.Duration(now) * time.Millisecond

	var t time.Time

	switch clockID {
	case clockMonotonic:
		t = time.Time{}.Add(elapsed)
	case clockRealtime:
		t = d.bootTime.Add(elapsed)
	default:
		frame.SetError(int(uapi.EINVAL))
		return
	}

	sec := uint64(t.Unix())
	nsec := uint64(t.Nanosecond())

	if clockID == clockMonotonic {
		sec = uint64(elapsed / time.Second)
		nsec = uint64(elapsed % time.Second)
	}

	binary.LittleEndian.PutUint64(d.scratch[0:8], sec)
	binary.LittleEndian.PutUint64(d.scratch[8:16], nsec)
	frame.SetReturn(0)
}

// handleSigaction installs or queries a signal disposition. The new
// disposition's fields are passed directly in registers (kind, handler
// address, trampoline address) rather than through a struct pointer, the
// same register-encoded-argument simplification execve's path handle
// uses; Arg(1) == sigactionQuery means "report only, install nothing". The
// previous disposition is always reported back through the scratch buffer:
// byte 0 is its kind, bytes 1-8 its handler address.
func handleSigaction(d *Dispatcher, caller sched.ThreadID, frame Frame) {
	t, ok := d.scheduler.Lookup(caller)
	if !ok {
		frame.SetError(int(uapi.ESRCH))
		return
	}

	p, ok := d.processes.Lookup(t.Process)
	if !ok {
		frame.SetError(int(uapi.ESRCH))
		return
	}

	sig := frame.Arg(0)
	if sig < 1 || sig >= uapi.NumSignals {
		frame.SetError(int(uapi.EINVAL))
		return
	}

	old := p.Disposition[sig]

	kind := frame.Arg(1)
	if kind != sigactionQuery {
		p.Disposition[sig] = disposition(kind, frame.Arg(2), frame.Arg(3))
	}

	d.scratch[0] = byte(old.Kind)
	binary.LittleEndian.PutUint64(d.scratch[1:9], old.HandlerAddr)
	frame.SetReturn(0)
}

func handleSigreturn(d *Dispatcher, caller sched.ThreadID, frame Frame) {
	t, ok := d.scheduler.Lookup(caller)
	if !ok {
		frame.SetError(int(uapi.ESRCH))
		return
	}

	if err := d.signals.Sigreturn(t); err != nil {
		frame.SetError(int(uapi.EINVAL))
	}

	// No SetReturn: Sigreturn already restored the interrupted context
	// wholesale, including whatever RAX held at the point of delivery.
}

// handleYield implements sched_yield(2): give up the remainder of the
// current quantum without blocking.
func handleYield(d *Dispatcher, caller sched.ThreadID, frame Frame) {
	d.scheduler.RequestReschedule()
	frame.SetReturn(0)
}
