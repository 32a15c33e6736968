package syscall_test

import (
	"testing"

	"github.com/nyx-os/nyx/internal/archsim"
	"github.com/nyx-os/nyx/internal/boot"
	"github.com/nyx-os/nyx/internal/elfload"
	"github.com/nyx-os/nyx/internal/fsstub"
	"github.com/nyx-os/nyx/internal/proc"
	"github.com/nyx-os/nyx/internal/sched"
	"github.com/nyx-os/nyx/internal/syscall"
	"github.com/nyx-os/nyx/internal/uapi"
)

func testImage() elfload.Image {
	return elfload.Image{
		Entry: 0x401000,
		Segments: []elfload.Segment{
			{VAddr: 0x401000, Data: make([]byte, 16), Executable: true},
		},
	}
}

func newKernel(t *testing.T) (*boot.Kernel, sched.ThreadID) {
	t.Helper()

	k, err := boot.New(boot.Config{Frames: 65536})
	if err != nil {
		t.Fatal(err)
	}

	_, tid, err := k.Spawn(testImage())
	if err != nil {
		t.Fatal(err)
	}

	return k, tid
}

func TestGetpidReturnsOwnProcess(t *testing.T) {
	k, tid := newKernel(t)

	thread, ok := k.Scheduler.Lookup(tid)
	if !ok {
		t.Fatal("thread missing")
	}

	rax, err := k.Syscall(tid, syscall.SysGetpid)
	if err != nil {
		t.Fatal(err)
	}

	if sched.ProcessID(rax) != thread.Process {
		t.Fatalf("getpid = %d, want %d", rax, thread.Process)
	}
}

// A process with no recorded parent reports getppid() == 0: this core
// never reparents orphans to an init process, so 0 is the only truthful
// answer for the very first process it spawns.
func TestGetppidWithNoParentReturnsZero(t *testing.T) {
	k, tid := newKernel(t)

	rax, err := k.Syscall(tid, syscall.SysGetppid)
	if err != nil {
		t.Fatal(err)
	}

	if rax != 0 {
		t.Fatalf("getppid = %d, want 0", rax)
	}
}

func TestGetppidAfterForkReportsParent(t *testing.T) {
	k, parentTID := newKernel(t)

	parent, _ := k.Scheduler.Lookup(parentTID)

	rax, err := k.Syscall(parentTID, syscall.SysFork)
	if err != nil {
		t.Fatal(err)
	}

	childPID := sched.ProcessID(rax)
	childProc, ok := k.Processes.Lookup(childPID)
	if !ok {
		t.Fatal("child missing")
	}

	childTID := childProc.Threads[0]

	rax, err = k.Syscall(childTID, syscall.SysGetppid)
	if err != nil {
		t.Fatal(err)
	}

	if sched.ProcessID(rax) != parent.Process {
		t.Fatalf("getppid = %d, want %d", rax, parent.Process)
	}
}

// kill(2) against a pid with no process reports ESRCH, encoded as a
// negated errno in RAX per this kernel's raw syscall-return convention.
func TestKillUnknownPidReturnsESRCH(t *testing.T) {
	k, tid := newKernel(t)

	rax, err := k.Syscall(tid, syscall.SysKill, 0xffff, uint64(uapi.SIGTERM))
	if err != nil {
		t.Fatal(err)
	}

	if int64(rax) != -int64(uapi.ESRCH) {
		t.Fatalf("kill(unknown pid) = %d, want %d", int64(rax), -int64(uapi.ESRCH))
	}
}

// brk(0) reports the current break without moving it; exec already set it
// to the page-aligned end of the loaded image.
func TestBrkQueryReportsCurrentBreak(t *testing.T) {
	k, tid := newKernel(t)

	thread, _ := k.Scheduler.Lookup(tid)
	p, ok := k.Processes.Lookup(thread.Process)
	if !ok {
		t.Fatal("process missing")
	}

	rax, err := k.Syscall(tid, syscall.SysBrk, 0)
	if err != nil {
		t.Fatal(err)
	}

	if archsim.Addr(rax) != p.Brk {
		t.Fatalf("brk(0) = %#x, want %#x", rax, p.Brk)
	}
}

// Growing the break by a full page succeeds and moves it exactly there;
// shrinking it back just moves the pointer, without requiring the freed
// range to become inaccessible first.
func TestBrkGrowThenShrink(t *testing.T) {
	k, tid := newKernel(t)

	thread, _ := k.Scheduler.Lookup(tid)
	p, _ := k.Processes.Lookup(thread.Process)

	start := p.Brk
	grown := start + archsim.PageSize

	rax, err := k.Syscall(tid, syscall.SysBrk, uint64(grown))
	if err != nil {
		t.Fatal(err)
	}

	if archsim.Addr(rax) != grown {
		t.Fatalf("brk(grow) = %#x, want %#x", rax, grown)
	}

	rax, err = k.Syscall(tid, syscall.SysBrk, uint64(start))
	if err != nil {
		t.Fatal(err)
	}

	if archsim.Addr(rax) != start {
		t.Fatalf("brk(shrink) = %#x, want %#x", rax, start)
	}
}

// Two anonymous mmap calls with no hint are placed back to back, each
// rounded up to a whole number of pages, and never overlap.
func TestMmapAllocatesDistinctRanges(t *testing.T) {
	k, tid := newKernel(t)

	const length = 4096

	first, err := k.Syscall(tid, syscall.SysMmap, 0, length, 0)
	if err != nil {
		t.Fatal(err)
	}

	second, err := k.Syscall(tid, syscall.SysMmap, 0, length, 0)
	if err != nil {
		t.Fatal(err)
	}

	if second < first+length {
		t.Fatalf("second mapping at %#x overlaps first at %#x + %#x", second, first, length)
	}
}

func TestMmapZeroLengthIsInvalid(t *testing.T) {
	k, tid := newKernel(t)

	rax, err := k.Syscall(tid, syscall.SysMmap, 0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}

	if int64(rax) != -int64(uapi.EINVAL) {
		t.Fatalf("mmap(length=0) = %d, want %d", int64(rax), -int64(uapi.EINVAL))
	}
}

// clock_gettime(CLOCK_MONOTONIC) reports zero elapsed time immediately
// after boot, before any timer tick has advanced the simulated clock.
func TestClockGettimeMonotonicAtBoot(t *testing.T) {
	k, tid := newKernel(t)

	const clockMonotonic = 1

	if _, err := k.Syscall(tid, syscall.SysClockGettime, clockMonotonic); err != nil {
		t.Fatal(err)
	}

	scratch := k.Syscalls.Scratch()

	var sec, nsec uint64

	for i := 0; i < 8; i++ {
		sec |= uint64(scratch[i]) << (8 * i)
	}

	for i := 0; i < 8; i++ {
		nsec |= uint64(scratch[8+i]) << (8 * i)
	}

	if sec != 0 || nsec != 0 {
		t.Fatalf("clock_gettime(MONOTONIC) at boot = %ds %dns, want 0s 0ns", sec, nsec)
	}
}

func TestClockGettimeUnknownClockIsInvalid(t *testing.T) {
	k, tid := newKernel(t)

	rax, err := k.Syscall(tid, syscall.SysClockGettime, 99)
	if err != nil {
		t.Fatal(err)
	}

	if int64(rax) != -int64(uapi.EINVAL) {
		t.Fatalf("clock_gettime(unknown) = %d, want %d", int64(rax), -int64(uapi.EINVAL))
	}
}

// sigaction's query form (kind == 0xff) must install nothing and report
// back whatever disposition was already in effect.
func TestSigactionQueryDoesNotInstall(t *testing.T) {
	k, tid := newKernel(t)

	const (
		sigactionQuery = 0xff
		handlerAddr    = 0x402000
		trampolineAddr = 0x403000
	)

	if _, err := k.Syscall(tid, syscall.SysSigaction, uint64(uapi.SIGUSR1), uint64(proc.DispositionHandler), handlerAddr, trampolineAddr); err != nil {
		t.Fatal(err)
	}

	if _, err := k.Syscall(tid, syscall.SysSigaction, uint64(uapi.SIGUSR1), sigactionQuery, 0, 0); err != nil {
		t.Fatal(err)
	}

	scratch := k.Syscalls.Scratch()
	if proc.DispositionKind(scratch[0]) != proc.DispositionHandler {
		t.Fatalf("reported disposition kind = %d, want %d", scratch[0], proc.DispositionHandler)
	}

	thread, _ := k.Scheduler.Lookup(tid)
	p, _ := k.Processes.Lookup(thread.Process)

	if p.Disposition[uapi.SIGUSR1].HandlerAddr != handlerAddr {
		t.Fatal("query form overwrote the installed disposition")
	}
}

func TestSigactionRejectsOutOfRangeSignal(t *testing.T) {
	k, tid := newKernel(t)

	rax, err := k.Syscall(tid, syscall.SysSigaction, uint64(uapi.NumSignals), 0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}

	if int64(rax) != -int64(uapi.EINVAL) {
		t.Fatalf("sigaction(out of range) = %d, want %d", int64(rax), -int64(uapi.EINVAL))
	}
}

// sched_yield(2) always succeeds and requests a reschedule, without
// blocking the calling thread.
func TestYieldRequestsReschedule(t *testing.T) {
	k, tid := newKernel(t)

	rax, err := k.Syscall(tid, syscall.SysYield)
	if err != nil {
		t.Fatal(err)
	}

	if rax != 0 {
		t.Fatalf("sched_yield() = %d, want 0", rax)
	}

	if !k.Scheduler.ShouldReschedule() {
		t.Fatal("expected sched_yield to request a reschedule")
	}
}

// write(2) to an fd other than stdout/stderr fails: this core's syscall
// set has no open(2), so no other fd can ever be valid.
func TestWriteInvalidFdReturnsEBADF(t *testing.T) {
	k, tid := newKernel(t)

	rax, err := k.Syscall(tid, syscall.SysWrite, 9, 0, 1)
	if err != nil {
		t.Fatal(err)
	}

	if int64(rax) != -int64(uapi.EBADF) {
		t.Fatalf("write(bad fd) = %d, want %d", int64(rax), -int64(uapi.EBADF))
	}
}

// read(2) on the headless stdio fallback with no preloaded input returns
// 0, the conventional EOF signal for a regular file/pipe read, rather than
// blocking forever.
func TestReadWithNoInputReturnsZero(t *testing.T) {
	k, err := boot.New(boot.Config{Frames: 65536, Console: fsstub.NewStdio(nil)})
	if err != nil {
		t.Fatal(err)
	}

	_, tid, err := k.Spawn(testImage())
	if err != nil {
		t.Fatal(err)
	}

	rax, err := k.Syscall(tid, syscall.SysRead, 0, 0, 64)
	if err != nil {
		t.Fatal(err)
	}

	if rax != 0 {
		t.Fatalf("read(empty stdio) = %d, want 0", rax)
	}
}

// wait4 with no children at all reports ECHILD, distinct from a WNOHANG
// poll that simply has nothing ready yet.
func TestWait4WithNoChildrenReturnsECHILD(t *testing.T) {
	k, tid := newKernel(t)

	rax, err := k.Syscall(tid, syscall.SysWait4, 0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}

	if int64(rax) != -int64(uapi.ECHILD) {
		t.Fatalf("wait4(no children) = %d, want %d", int64(rax), -int64(uapi.ECHILD))
	}
}
