package mm

import (
	"fmt"

	"github.com/nyx-os/nyx/internal/archsim"
	"github.com/nyx-os/nyx/internal/log"
)

// NonCanonicalGap splits the lower and upper halves of the address space.
// Addresses below this are user (lower-half); addresses at or above
// UpperHalfBase are kernel (upper-half, bit 47 set and sign-extended).
const (
	LowerHalfTop  = archsim.Addr(0x0000_8000_0000_0000)
	UpperHalfBase = archsim.Addr(0xffff_8000_0000_0000)
)

// AddressSpace is one process's four-level page-table hierarchy.
type AddressSpace struct {
	pml4 *PageTable

	// owned records the virtual address each frame this address space has
	// mapped into its lower half is mapped at, so Destroy can return every
	// frame to the allocator on reap and Fork can re-derive each mapping's
	// address in O(1) instead of scanning the lower half for it.
	owned map[Frame]archsim.Addr

	alloc *FrameAllocator
	log   *log.Logger
}

// Kernel is the master kernel address space, built once at boot. Every
// other AddressSpace's upper half is copied from it by reference.
type Kernel struct {
	pml4  *PageTable
	alloc *FrameAllocator
	log   *log.Logger
}

// NewKernel builds the master kernel address space. It must establish,
// before any process is created:
//  1. the kernel image, heap, and kernel-stack virtual ranges mapped;
//  2. pre-allocated, empty intermediate levels for the kernel-stack range,
//     so later leaf-only updates never touch an upper-level entry; and
//  3. Global on every upper-half leaf, with no UserAccessible bit.
//
// (1) is represented here by the caller mapping whatever ranges it needs
// through Map before calling PreallocateRange for (2); this
// constructor only allocates the PML4 itself.
func NewKernel(alloc *FrameAllocator, logger *log.Logger) (*Kernel, error) {
	frame, err := alloc.Allocate()
	if err != nil {
		return nil, fmt.Errorf("mm: master address space: %w", err)
	}

	return &Kernel{
		pml4:  newPageTable(levelPML4, frame),
		alloc: alloc,
		log:   logger,
	}, nil
}

// TopFrame returns the frame to load into CR3 to activate the master
// address space.
func (k *Kernel) TopFrame() Frame { return k.pml4.frame }

// Map installs a kernel-only mapping. Flags are forced to include Global
// and to exclude UserAccessible, so kernel mappings are never reachable
// from ring 3 and never flushed on an address-space switch.
func (k *Kernel) Map(addr archsim.Addr, frame Frame, flags PageFlags) error {
	if addr < UpperHalfBase {
		return fmt.Errorf("mm: %s is not an upper-half address", addr)
	}

	flags = (flags | Global) &^ UserAccessible

	return k.pml4.Map(addr, frame, flags, k.alloc)
}

// PreallocateRange walks every page in [start, end) and ensures the
// intermediate page-table levels exist, without creating leaf mappings.
// This is exactly step 2 of NewKernel's contract: used once, at boot, for
// the shared kernel-stack region, so that per-thread stack allocation later
// only ever writes a leaf entry (see internal/mm/kstack.go).
func (k *Kernel) PreallocateRange(start, end archsim.Addr) error {
	for addr := start; addr < end; addr += archsim.PageSize * entries {
		// walk() with create=true allocates every missing level above the
		// leaf as a side effect; we immediately discard the leaf pointer
		// since no mapping is installed yet.
		if _, err := walk(k.pml4, addr, true, k.alloc); err != nil {
			return fmt.Errorf("mm: preallocate %s: %w", addr, err)
		}
	}

	return nil
}

// Probe reads back a mapping to verify the master address space is
// accessible, as a boot-time sanity check. It does not touch real memory
// (there is none); it verifies the translation exists and carries the
// flags the caller expects.
func (k *Kernel) Probe(addr archsim.Addr, want PageFlags) error {
	_, flags, ok := k.pml4.Translate(addr)
	if !ok {
		return fmt.Errorf("mm: probe failed: %s not mapped", addr)
	}

	if !flags.Has(want) {
		return fmt.Errorf("mm: probe failed: %s has flags %s, want %s", addr, flags, want)
	}

	return nil
}

// NewAddressSpace creates a process address space: a fresh PML4, zeroed,
// with the upper half copied from the kernel master by reference.
func NewAddressSpace(kernel *Kernel, alloc *FrameAllocator, logger *log.Logger) (*AddressSpace, error) {
	frame, err := alloc.Allocate()
	if err != nil {
		return nil, fmt.Errorf("mm: new address space: %w", err)
	}

	pml4 := newPageTable(levelPML4, frame)
	shareUpperHalf(pml4, kernel.pml4)

	return &AddressSpace{
		pml4:  pml4,
		owned: make(map[Frame]archsim.Addr),
		alloc: alloc,
		log:   logger,
	}, nil
}

// TopFrame returns the frame to write to CR3 to activate this address
// space.
func (as *AddressSpace) TopFrame() Frame { return as.pml4.frame }

// SharesKernelUpperHalf reports whether as's upper half is, by pointer
// identity, the kernel master's.
func (as *AddressSpace) SharesKernelUpperHalf(kernel *Kernel) bool {
	return sameUpperHalf(as.pml4, kernel.pml4)
}

// MapUser installs a lower-half, user-accessible mapping and records
// ownership of the frame. addr must be below LowerHalfTop.
func (as *AddressSpace) MapUser(addr archsim.Addr, frame Frame, flags PageFlags) error {
	if addr >= LowerHalfTop {
		return fmt.Errorf("mm: %s is not a lower-half address", addr)
	}

	flags |= UserAccessible | Present

	if err := as.pml4.Map(addr, frame, flags, as.alloc); err != nil {
		return err
	}

	as.owned[frame] = addr

	return nil
}

// Translate resolves a user virtual address, reporting an unmapped address
// through ok=false -- the caller (internal/syscall) turns that into EFAULT.
func (as *AddressSpace) Translate(addr archsim.Addr) (Frame, PageFlags, bool) {
	return as.pml4.Translate(addr)
}

// AllocateAndMap allocates a fresh frame and maps it at addr in one step,
// the common case for brk/mmap/ELF segment loading.
func (as *AddressSpace) AllocateAndMap(addr archsim.Addr, flags PageFlags) (Frame, error) {
	frame, err := as.alloc.Allocate()
	if err != nil {
		return 0, fmt.Errorf("mm: allocate and map %s: %w", addr, err)
	}

	if err := as.MapUser(addr, frame, flags); err != nil {
		as.alloc.Free(frame)
		return 0, err
	}

	return frame, nil
}

// Fork creates a child address space that eagerly copies every lower-half
// user mapping into freshly allocated frames. A production kernel would use
// copy-on-write; eager copy is simpler and sufficient here.
func (as *AddressSpace) Fork(kernel *Kernel, logger *log.Logger) (*AddressSpace, error) {
	child, err := NewAddressSpace(kernel, as.alloc, logger)
	if err != nil {
		return nil, err
	}

	for _, addr := range as.owned {
		_, flags, ok := as.pml4.Translate(addr)
		if !ok {
			continue
		}

		newFrame, err := as.alloc.Allocate()
		if err != nil {
			child.Destroy()
			return nil, fmt.Errorf("mm: fork: %w", ErrOutOfMemory)
		}

		if err := child.MapUser(addr, newFrame, flags&^Present); err != nil {
			child.Destroy()
			return nil, err
		}
	}

	return child, nil
}

// Destroy returns every owned frame, and every lower-half page-table frame
// below the PML4, to the allocator. The PML4 frame itself is not returned.
// Called when a process is reaped.
func (as *AddressSpace) Destroy() {
	for frame := range as.owned {
		as.alloc.Free(frame)
	}

	as.owned = nil

	var freeTable func(pt *PageTable)
	freeTable = func(pt *PageTable) {
		if pt == nil {
			return
		}
		for i := range pt.entries {
			freeTable(pt.entries[i].next)
		}
		as.alloc.Free(pt.frame)
	}

	for i := 0; i < entries/2; i++ {
		freeTable(as.pml4.entries[i].next)
		as.pml4.entries[i] = pte{}
	}
}
