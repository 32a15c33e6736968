package proc

import (
	"bytes"
	"testing"

	"github.com/nyx-os/nyx/internal/archsim"
	"github.com/nyx-os/nyx/internal/elfload"
	"github.com/nyx-os/nyx/internal/log"
	"github.com/nyx-os/nyx/internal/mm"
	"github.com/nyx-os/nyx/internal/sched"
)

func testSetup(t *testing.T) (*Table, *mm.KernelStackAllocator, *sched.Scheduler) {
	t.Helper()

	logger := log.DefaultLogger()

	frames := mm.NewFrameAllocator([]mm.MemoryRegion{{Start: 0, End: 200_000}}, logger)

	kernel, err := mm.NewKernel(frames, logger)
	if err != nil {
		t.Fatal(err)
	}

	if err := kernel.PreallocateRange(mm.KernelStackBase, mm.KernelStackBase+16*4096*33); err != nil {
		t.Fatal(err)
	}

	stacks := mm.NewKernelStackAllocator(kernel, frames, logger)

	cpu := archsim.NewCPU(logger)
	tss := archsim.NewTSS(make([]byte, 4096))
	gdt := archsim.NewGDT(tss)
	idt := archsim.NewIDT()
	machine := archsim.NewMachine(cpu, gdt, idt, logger)

	table := NewTable(kernel, frames, logger)

	idle := sched.NewThread(0, 0, nil, archsim.Context{}, logger)
	scheduler := sched.NewScheduler(table, machine, idle, logger)
	table.AttachScheduler(scheduler)

	return table, stacks, scheduler
}

func spawnProcess(t *testing.T, table *Table, stacks *mm.KernelStackAllocator, scheduler *sched.Scheduler) (*Process, *sched.Thread) {
	t.Helper()

	p, err := table.Create(0, false)
	if err != nil {
		t.Fatal(err)
	}

	stack, err := stacks.Allocate()
	if err != nil {
		t.Fatal(err)
	}

	tid := table.allocThreadID()
	ctx := archsim.NewUserContext(0x1000, 0x2000)
	thread := sched.NewThread(tid, p.ID, stack, ctx, table.log)

	scheduler.Add(thread)
	table.AddThread(p.ID, tid)

	return p, thread
}

func TestForkGivesChildAndParentDistinctReturnValues(t *testing.T) {
	table, stacks, scheduler := testSetup(t)

	parent, parentThread := spawnProcess(t, table, stacks, scheduler)

	childID, err := table.Fork(parent.ID, parentThread.ID, stacks)
	if err != nil {
		t.Fatal(err)
	}

	if got := parentThread.Context.Get(archsim.RAX); got != uint64(childID) {
		t.Fatalf("parent RAX = %d, want child pid %d", got, childID)
	}

	child, ok := table.Lookup(childID)
	if !ok {
		t.Fatal("child process not found in table")
	}

	childThread, ok := table.sched.Lookup(child.Threads[0])
	if !ok {
		t.Fatal("child thread not found in scheduler")
	}

	if got := childThread.Context.Get(archsim.RAX); got != 0 {
		t.Fatalf("child RAX = %d, want 0", got)
	}
}

func TestForkCopiesAddressSpaceNotSharesIt(t *testing.T) {
	table, stacks, scheduler := testSetup(t)

	parent, parentThread := spawnProcess(t, table, stacks, scheduler)

	const addr = archsim.Addr(0x9000)

	parentFrame, err := parent.AddressSpace.AllocateAndMap(addr, mm.FlagsUserData)
	if err != nil {
		t.Fatal(err)
	}

	childID, err := table.Fork(parent.ID, parentThread.ID, stacks)
	if err != nil {
		t.Fatal(err)
	}

	child, _ := table.Lookup(childID)

	childFrame, _, ok := child.AddressSpace.Translate(addr)
	if !ok {
		t.Fatal("child does not have parent's mapping")
	}

	if childFrame == parentFrame {
		t.Fatal("fork must copy into a distinct frame")
	}
}

func TestWaitReturnsImmediatelyForAlreadyTerminatedChild(t *testing.T) {
	table, stacks, scheduler := testSetup(t)

	parent, parentThread := spawnProcess(t, table, stacks, scheduler)

	childID, err := table.Fork(parent.ID, parentThread.ID, stacks)
	if err != nil {
		t.Fatal(err)
	}

	child, _ := table.Lookup(childID)
	childThread, _ := table.sched.Lookup(child.Threads[0])
	childThread.Terminate()

	table.MarkThreadTerminated(childID, 42<<8, table.sched.Lookup)

	pid, status, ok := table.Wait(parentThread.ID, sched.WaitPredicate{ParentPID: parent.ID})
	if !ok {
		t.Fatal("expected wait to find the terminated child")
	}

	if pid != childID {
		t.Fatalf("wait returned pid %d, want %d", pid, childID)
	}

	if status>>8&0xff != 42 {
		t.Fatalf("wait status = %#x, want exit code 42", status)
	}
}

func TestWaitpidWithNoHangReturnsFalseWhenNoChildReady(t *testing.T) {
	table, stacks, scheduler := testSetup(t)

	parent, parentThread := spawnProcess(t, table, stacks, scheduler)

	if _, err := table.Fork(parent.ID, parentThread.ID, stacks); err != nil {
		t.Fatal(err)
	}

	_, _, ok := table.pollTerminatedChild(sched.WaitPredicate{ParentPID: parent.ID, Options: sched.WNOHANG})
	if ok {
		t.Fatal("expected no terminated child yet")
	}
}

func TestReapRemovesProcessAndFreesFrames(t *testing.T) {
	table, stacks, scheduler := testSetup(t)

	parent, parentThread := spawnProcess(t, table, stacks, scheduler)

	before := table.frames.Available()

	childID, err := table.Fork(parent.ID, parentThread.ID, stacks)
	if err != nil {
		t.Fatal(err)
	}

	child, _ := table.Lookup(childID)
	childThread, _ := table.sched.Lookup(child.Threads[0])
	childThread.Terminate()
	table.MarkThreadTerminated(childID, 0, table.sched.Lookup)

	if err := table.Reap(childID); err != nil {
		t.Fatal(err)
	}

	if _, ok := table.Lookup(childID); ok {
		t.Fatal("reaped process still present in table")
	}

	if len(parent.Children) != 0 {
		t.Fatalf("expected parent's child list empty after reap, got %v", parent.Children)
	}

	if got := table.frames.Available(); got != before {
		t.Fatalf("frames leaked across fork+reap: available %d, want %d", got, before)
	}
}

func TestExecReplacesAddressSpaceAndContext(t *testing.T) {
	table, stacks, scheduler := testSetup(t)

	proc, thread := spawnProcess(t, table, stacks, scheduler)

	oldAS := proc.AddressSpace

	img := buildMinimalELF(t)

	if err := table.Exec(proc.ID, thread.ID, img, nil, nil); err != nil {
		t.Fatal(err)
	}

	if proc.AddressSpace == oldAS {
		t.Fatal("exec did not replace the address space")
	}

	if thread.Context.RIP != img.Entry {
		t.Fatalf("thread RIP = %s, want entry %s", thread.Context.RIP, img.Entry)
	}

	if thread.Context.Ring() != archsim.Ring3 {
		t.Fatal("exec must return to ring 3")
	}
}

// buildMinimalELF returns a hand-built Image rather than a real ELF binary,
// matching the lack of a real ELF toolchain available to this test: a
// single loadable segment and an entry point inside it.
func buildMinimalELF(t *testing.T) elfload.Image {
	t.Helper()

	return elfload.Image{
		Entry: 0x400000,
		Segments: []elfload.Segment{
			{VAddr: 0x400000, Data: bytes.Repeat([]byte{0x90}, 16), Executable: true},
		},
	}
}
