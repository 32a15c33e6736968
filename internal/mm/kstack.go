package mm

import (
	"fmt"

	"github.com/nyx-os/nyx/internal/archsim"
	"github.com/nyx-os/nyx/internal/log"
)

// Kernel-stack region layout. Each thread gets a KernelStackSize region
// preceded by one unmapped GuardPages page. The region's intermediate
// page-table levels (not its leaves) are pre-allocated by
// NewKernel/PreallocateRange before any process exists: because only leaf
// entries change afterward, and the leaf table is already shared, every
// address space sees a newly allocated kernel stack immediately.
const (
	KernelStackBase  = archsim.Addr(0xffff_ff00_0000_0000)
	KernelStackSize  = 32 * archsim.PageSize // 128 KiB.
	KernelStackSlots = 4096                  // Upper bound on concurrently live kernel stacks.
	GuardPages       = 1
)

// KernelStack is one thread's kernel stack: a contiguous mapped region with
// an unmapped guard page immediately below it.
type KernelStack struct {
	id    int
	base  archsim.Addr // First mapped byte.
	top   archsim.Addr // One past the last mapped byte; loaded into TSS.RSP0.
	guard archsim.Addr // The unmapped guard page below base.
}

// Top returns the address stored in the TSS's ring-0 stack pointer slot
// whenever this thread is current.
func (ks *KernelStack) Top() archsim.Addr { return ks.top }

// Guard returns the guard page's address, so a page-fault handler can
// recognize a stack overflow.
func (ks *KernelStack) Guard() archsim.Addr { return ks.guard }

// KernelStackAllocator hands out per-thread kernel stacks from the shared
// upper-half region the master address space pre-built at boot.
type KernelStackAllocator struct {
	kernel *Kernel
	alloc  *FrameAllocator
	log    *log.Logger

	next int
	free []int
}

// NewKernelStackAllocator prepares the allocator. It assumes
// kernel.PreallocateRange has already been called for
// [KernelStackBase, KernelStackBase+KernelStackSlots*regionStride) --
// internal/boot is responsible for that ordering.
func NewKernelStackAllocator(kernel *Kernel, alloc *FrameAllocator, logger *log.Logger) *KernelStackAllocator {
	return &KernelStackAllocator{kernel: kernel, alloc: alloc, log: logger}
}

// regionStride is the per-slot stride: the stack itself plus its guard
// page, so adjacent stacks never touch.
const regionStride = KernelStackSize + GuardPages*archsim.PageSize

// Allocate maps a fresh kernel stack's pages -- leaf entries only, per the
// invariant above -- and returns it. The mapping is Global and not
// UserAccessible, and is immediately visible to every AddressSpace because
// the leaf page table itself is shared.
func (a *KernelStackAllocator) Allocate() (*KernelStack, error) {
	var slot int

	if n := len(a.free); n > 0 {
		slot = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		if a.next >= KernelStackSlots {
			return nil, fmt.Errorf("mm: %w: kernel stack slots exhausted", ErrOutOfMemory)
		}

		slot = a.next
		a.next++
	}

	regionBase := KernelStackBase + archsim.Addr(slot)*regionStride
	guard := regionBase
	base := guard + archsim.PageSize

	for off := archsim.Addr(0); off < KernelStackSize; off += archsim.PageSize {
		frame, err := a.alloc.Allocate()
		if err != nil {
			return nil, fmt.Errorf("mm: kernel stack: %w", err)
		}

		if err := a.kernel.Map(base+off, frame, FlagsKernel|NoExecute); err != nil {
			return nil, fmt.Errorf("mm: kernel stack: %w", err)
		}
	}

	a.log.Debug("allocated kernel stack", "slot", slot, "base", base, "guard", guard)

	return &KernelStack{
		id:    slot,
		base:  base,
		top:   base + KernelStackSize,
		guard: guard,
	}, nil
}

// Free unmaps a kernel stack's pages and returns its slot (and the frames
// backing it) for reuse.
func (a *KernelStackAllocator) Free(ks *KernelStack) {
	for off := archsim.Addr(0); off < KernelStackSize; off += archsim.PageSize {
		if frame, ok := a.kernel.pml4.Unmap(ks.base + off); ok {
			a.alloc.Free(frame)
		}
	}

	a.free = append(a.free, ks.id)
}
