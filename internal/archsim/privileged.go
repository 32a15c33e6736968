package archsim

// privileged.go simulates the handful of privileged instructions the kernel
// issues directly: CR3 writes, TLB invalidation, interrupt enable/disable,
// HLT, and MSR access. Each is a real instruction on real hardware; here
// each is a small piece of state plus a log line -- a software stand-in
// that lets the rest of the kernel be written, and tested, as if the
// instruction were real.

import (
	"sync/atomic"

	"github.com/nyx-os/nyx/internal/log"
)

// CPU is the single simulated processor: its current CR3 value, interrupt
// flag, and halt state. There is exactly one CPU instance for the whole
// machine; this core does not model multiple processors.
type CPU struct {
	cr3       Addr
	interrupt atomic.Bool
	halted    atomic.Bool

	log *log.Logger
}

// NewCPU creates the single simulated processor, with interrupts disabled
// and not halted.
func NewCPU(logger *log.Logger) *CPU {
	return &CPU{log: logger}
}

// WriteCR3 loads a new top-level page-table frame address, which on real
// hardware implicitly flushes all non-global TLB entries. It must be
// followed by FlushTLB if global pages are not in play, or by the caller's
// own fence if they are.
func (c *CPU) WriteCR3(frame Addr) {
	c.log.Debug("CR3 write", "frame", frame)
	c.cr3 = frame
}

// ReadCR3 returns the current top-level page-table frame address.
func (c *CPU) ReadCR3() Addr { return c.cr3 }

// FlushTLB simulates a full local TLB flush, e.g. by toggling the
// global-pages control bit. It is a no-op beyond the log line: this
// simulation has no TLB to actually invalidate, but the call site matters
// for the ordering it documents -- CR3 write, then flush, then -- and only
// then -- any userspace memory access.
func (c *CPU) FlushTLB() {
	c.log.Debug("TLB flush")
}

// EnableInterrupts and DisableInterrupts simulate STI/CLI. Disabling
// interrupts is how this simulation protects a critical section that may be
// entered from interrupt context, such as the frame allocator or the
// scheduler ready queue.
func (c *CPU) EnableInterrupts()  { c.interrupt.Store(true) }
func (c *CPU) DisableInterrupts() { c.interrupt.Store(false) }

// InterruptsEnabled reports the current interrupt-flag state.
func (c *CPU) InterruptsEnabled() bool { return c.interrupt.Load() }

// Halt simulates HLT: the CPU stops executing new instructions until the
// next interrupt. A double fault or other unrecoverable condition halts
// permanently.
func (c *CPU) Halt() {
	c.log.Warn("HLT")
	c.halted.Store(true)
}

// Halted reports whether the simulated CPU has executed HLT.
func (c *CPU) Halted() bool { return c.halted.Load() }

// MSR is a model-specific register index. Only the two this kernel actually
// needs are named; everything else would panic on real hardware too.
type MSR uint32

const (
	MSRGSBase   MSR = 0xC0000101 // Per-CPU base, swapped across ring transitions.
	MSRKernelGS MSR = 0xC0000102 // Shadow copy, swapped back on return to ring 3.
)

// msrs holds the (simulated) model-specific register file.
var msrs = map[MSR]uint64{}

// WriteMSR and ReadMSR simulate WRMSR/RDMSR.
func WriteMSR(id MSR, val uint64) { msrs[id] = val }
func ReadMSR(id MSR) uint64       { return msrs[id] }

// SwapGS simulates the SWAPGS instruction: it exchanges MSRGSBase and
// MSRKernelGS, which is how the syscall entry/exit stub swaps the per-CPU
// base register on the way into and out of the kernel.
func SwapGS() {
	msrs[MSRGSBase], msrs[MSRKernelGS] = msrs[MSRKernelGS], msrs[MSRGSBase]
}
