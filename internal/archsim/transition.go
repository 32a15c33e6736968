package archsim

// transition.go implements the ring-3<->ring-0 transition contract. It is
// deliberately written as two small, symmetric functions so the ordering
// guarantees are visible at the call site rather than buried in assembly.

import "github.com/nyx-os/nyx/internal/log"

// Machine bundles the simulated hardware state a ring transition touches:
// the CPU, the GDT (for its TSS), and the IDT (to validate the vector).
type Machine struct {
	CPU *CPU
	GDT *GDT
	IDT *IDT
	log *log.Logger
}

// NewMachine assembles the simulated hardware state.
func NewMachine(cpu *CPU, gdt *GDT, idt *IDT, logger *log.Logger) *Machine {
	return &Machine{CPU: cpu, GDT: gdt, IDT: idt, log: logger}
}

// EnterKernel simulates everything the CPU and the entry stub do between a
// ring-3 trap/interrupt and the first line of the kernel's dispatcher: the
// CPU already loaded CS from the gate and RSP from the TSS's RSP0 before
// this is called (that load is what makes the caller argument to the
// handler valid); here we save the interrupted context, record which
// vector fired, and swap the per-CPU base register.
func (m *Machine) EnterKernel(caller Context, vector Vector) *Context {
	m.log.Debug("entering kernel", "vector", vector, "from", caller.Ring())

	SwapGS()

	saved := caller

	return &saved
}

// LeaveKernel simulates the reverse: swap the per-CPU base register back,
// ensure the TSS carries the next thread's kernel-stack top, and execute
// the ring-transition return (IRET/SYSRET in hardware; here, nothing is
// returned: the caller hands the selected context back itself). The caller -- the
// scheduler's context-switch step -- must have already written CR3 (if the
// address space changed) and flushed the TLB before calling this: no
// userspace memory access may occur between the CR3 write and the return,
// and the TSS update must happen before the return.
func (m *Machine) LeaveKernel(next *Context, kstackTop Addr) {
	m.GDT.tss.SetKernelStack(kstackTop)
	SwapGS()

	m.log.Debug("leaving kernel", "to", next.Ring(), "rip", next.RIP)
}
