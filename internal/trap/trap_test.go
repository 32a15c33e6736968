package trap

import (
	"testing"

	"github.com/nyx-os/nyx/internal/archsim"
	"github.com/nyx-os/nyx/internal/log"
	"github.com/nyx-os/nyx/internal/mm"
	"github.com/nyx-os/nyx/internal/proc"
	"github.com/nyx-os/nyx/internal/sched"
	"github.com/nyx-os/nyx/internal/uapi"
)

func testSetup(t *testing.T) (*Dispatcher, *archsim.CPU, *proc.Table, *sched.Scheduler) {
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

	cpu := archsim.NewCPU(logger)
	tss := archsim.NewTSS(make([]byte, 4096))
	gdt := archsim.NewGDT(tss)
	idt := archsim.NewIDT()
	machine := archsim.NewMachine(cpu, gdt, idt, logger)

	table := proc.NewTable(kernel, frames, logger)

	idle := sched.NewThread(0, 0, nil, archsim.Context{}, logger)
	scheduler := sched.NewScheduler(table, machine, idle, logger)
	table.AttachScheduler(scheduler)

	d := NewDispatcher(idt, cpu, scheduler, table, logger)

	return d, cpu, table, scheduler
}

func spawnUser(t *testing.T, table *proc.Table, scheduler *sched.Scheduler) (*proc.Process, *sched.Thread) {
	t.Helper()

	p, err := table.Create(0, false)
	if err != nil {
		t.Fatal(err)
	}

	ctx := archsim.NewUserContext(0x1000, 0x2000)
	tid := sched.ThreadID(1)
	thread := sched.NewThread(tid, p.ID, nil, ctx, log.DefaultLogger())

	scheduler.Add(thread)
	table.AddThread(p.ID, tid)

	return p, thread
}

// Scenario F's flip side: a user-mode page fault terminates the faulting
// process with SIGSEGV, rather than crashing the kernel.
func TestPageFaultUserModeTerminatesWithSIGSEGV(t *testing.T) {
	d, _, table, _ := testSetup(t)

	p, thread := spawnUser(t, table, d.sched)

	d.Dispatch(thread.ID, &thread.Context, archsim.VectorPageFault, 0xdead0000)

	got, ok := table.Lookup(p.ID)
	if !ok {
		t.Fatal("process missing from table")
	}

	if !got.Terminated {
		t.Fatal("expected process to be terminated")
	}

	if want := int(uapi.SIGSEGV) & 0x7f; got.ExitStatus != want {
		t.Fatalf("exit status = %#x, want %#x", got.ExitStatus, want)
	}
}

func TestGPFaultKernelModeHalts(t *testing.T) {
	d, cpu, _, _ := testSetup(t)

	ctx := archsim.NewKernelContext(0xffff800000001000, 0xffff800000002000)

	d.Dispatch(0, &ctx, archsim.VectorGPFault, 0)

	if !cpu.Halted() {
		t.Fatal("expected kernel-mode fault to halt the CPU")
	}
}

func TestDoubleFaultAlwaysHalts(t *testing.T) {
	d, cpu, _, _ := testSetup(t)

	ctx := archsim.NewUserContext(0x1000, 0x2000)

	d.Dispatch(0, &ctx, archsim.VectorDoubleFault, 0)

	if !cpu.Halted() {
		t.Fatal("expected double fault to halt the CPU")
	}
}

func TestDivideErrorUserModeTerminatesWithSIGFPE(t *testing.T) {
	d, _, table, _ := testSetup(t)

	p, thread := spawnUser(t, table, d.sched)

	d.Dispatch(thread.ID, &thread.Context, archsim.VectorDivideError, 0)

	got, ok := table.Lookup(p.ID)
	if !ok {
		t.Fatal("process missing from table")
	}

	if want := int(uapi.SIGFPE) & 0x7f; got.ExitStatus != want {
		t.Fatalf("exit status = %#x, want %#x", got.ExitStatus, want)
	}
}
