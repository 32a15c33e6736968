package archsim

// context.go defines the register context saved and restored across every
// ring transition: the CPU-pushed frame (SS, RSP, RFLAGS, CS, RIP) and the
// general-purpose registers the entry stub saves by hand.

import (
	"fmt"

	"github.com/nyx-os/nyx/internal/log"
)

// Context is the full saved state of one thread of execution: the
// general-purpose register file plus the registers the CPU itself pushes
// and pops across a ring transition. It generalizes the syscall entry
// frame to cover interrupts too -- a thread's Context is what is saved on
// a kernel stack when the thread stops running and restored when it runs
// again.
type Context struct {
	GPR [NumGPR]uint64

	RIP    Addr
	RSP    Addr
	RFlags RFlags
	CS, SS uint16 // Segment selectors, identifying the ring.
}

// Ring reports the privilege level encoded in the saved code segment
// selector. Ring-3 selectors carry RPL=3 in their low two bits.
func (c *Context) Ring() Ring {
	if c.CS&0x3 == 3 {
		return Ring3
	}
	return Ring0
}

// Get reads a general-purpose register.
func (c *Context) Get(r GPR) uint64 { return c.GPR[r] }

// Set writes a general-purpose register.
func (c *Context) Set(r GPR, v uint64) { c.GPR[r] = v }

func (c *Context) String() string {
	return fmt.Sprintf("RIP: %s RSP: %s RFLAGS: %s CS:%#x SS:%#x",
		c.RIP, c.RSP, c.RFlags, c.CS, c.SS)
}

func (c *Context) LogValue() log.Value {
	return log.GroupValue(
		log.String("RIP", c.RIP.String()),
		log.String("RSP", c.RSP.String()),
		log.String("RAX", fmt.Sprintf("%#x", c.GPR[RAX])),
	)
}

// NewUserContext builds the initial context for a thread about to make its
// first return to ring 3 at entry, with a freshly mapped stack at top.
func NewUserContext(entry, stack Addr) Context {
	return Context{
		RIP:    entry,
		RSP:    stack,
		RFlags: FlagInterrupt, // Interrupts are always enabled in user mode.
		CS:     segUserCode | 3,
		SS:     segUserData | 3,
	}
}

// NewKernelContext builds the context used for the bootstrap jump into the
// very first thread the system runs -- an early kernel-mode continuation
// before privileges are ever dropped.
func NewKernelContext(entry, stack Addr) Context {
	return Context{
		RIP:    entry,
		RSP:    stack,
		RFlags: FlagInterrupt,
		CS:     segKernelCode,
		SS:     segKernelData,
	}
}
