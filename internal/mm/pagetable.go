package mm

import (
	"fmt"

	"github.com/nyx-os/nyx/internal/archsim"
)

// entries is the fixed fan-out of one page-table level on x86_64.
const entries = 512

// level identifies one of the four levels in the hierarchy, PML4 down to
// the leaf page table.
type level uint8

const (
	levelPML4 level = iota
	levelPDPT
	levelPD
	levelPT
	numLevels
)

// pte is one page-table entry. At non-leaf levels it either points at the
// next table down or is empty; at the leaf level it maps a Frame with
// PageFlags.
type pte struct {
	next  *PageTable
	frame Frame
	flags PageFlags
}

func (p *pte) present() bool { return p.flags&Present != 0 }

// PageTable is one level of the simulated four-level hierarchy. Unlike real
// hardware, entries are Go pointers rather than physical addresses, which
// is what lets the upper half be the same physical subtree everywhere:
// every AddressSpace's PML4 upper-half entries are literal pointer copies
// of the master's, so a leaf-level change anywhere in the shared region is
// visible from every address space without any copying or synchronization.
type PageTable struct {
	lvl     level
	entries [entries]pte

	// frame is the physical frame number this table itself is said to
	// occupy; it is what gets written to CR3 for a PML4.
	frame Frame
}

func newPageTable(lvl level, frame Frame) *PageTable {
	return &PageTable{lvl: lvl, frame: frame}
}

// indices splits a canonical virtual address into its four page-table
// indices, PML4 first.
func indices(addr archsim.Addr) [4]uint16 {
	a := uint64(addr)
	return [4]uint16{
		uint16((a >> 39) & 0x1ff),
		uint16((a >> 30) & 0x1ff),
		uint16((a >> 21) & 0x1ff),
		uint16((a >> 12) & 0x1ff),
	}
}

// pageTableAllocator is satisfied by *FrameAllocator; kept as an interface
// so pagetable.go does not need to know about FrameAllocator's other
// methods.
type pageTableAllocator interface {
	Allocate() (Frame, error)
}

// walk descends from pt to the leaf entry for addr, allocating intermediate
// levels from alloc if create is true and they are missing. It returns the
// leaf pte, or an error if a level is missing and create is false.
func walk(pt *PageTable, addr archsim.Addr, create bool, alloc pageTableAllocator) (*pte, error) {
	idx := indices(addr)
	cur := pt

	for l := levelPML4; l < levelPT; l++ {
		e := &cur.entries[idx[l]]

		if e.next == nil {
			if !create {
				return nil, fmt.Errorf("mm: unmapped: %s (level %d)", addr, l)
			}

			frame, err := alloc.Allocate()
			if err != nil {
				return nil, err
			}

			e.next = newPageTable(l+1, frame)
			e.flags |= Present
		}

		cur = e.next
	}

	return &cur.entries[idx[levelPT]], nil
}

// Map installs a leaf mapping for addr -> frame with the given flags,
// allocating any missing intermediate levels from alloc.
func (pt *PageTable) Map(addr archsim.Addr, frame Frame, flags PageFlags, alloc pageTableAllocator) error {
	leaf, err := walk(pt, addr, true, alloc)
	if err != nil {
		return err
	}

	leaf.frame = frame
	leaf.flags = flags | Present

	return nil
}

// Unmap clears a leaf mapping, if any, and returns the frame that had been
// mapped there so the caller can return it to the allocator.
func (pt *PageTable) Unmap(addr archsim.Addr) (Frame, bool) {
	leaf, err := walk(pt, addr, false, nil)
	if err != nil || !leaf.present() {
		return 0, false
	}

	f := leaf.frame
	*leaf = pte{}

	return f, true
}

// Translate returns the frame and flags mapped at addr, or false if
// unmapped.
func (pt *PageTable) Translate(addr archsim.Addr) (Frame, PageFlags, bool) {
	leaf, err := walk(pt, addr, false, nil)
	if err != nil || !leaf.present() {
		return 0, 0, false
	}

	return leaf.frame, leaf.flags, true
}

// shareUpperHalf copies the master's upper-half PML4 entries into dst by
// pointer, establishing that every address space's upper half is the same
// physical subtree as the master's. Only the top-level (PML4) entries are
// copied; everything below is therefore shared transitively.
func shareUpperHalf(dst, master *PageTable) {
	for i := entries / 2; i < entries; i++ {
		dst.entries[i] = master.entries[i]
	}
}

// sameUpperHalf reports whether dst's upper-half PML4 entries are the
// identical *PageTable pointers as master's -- used by tests to check the
// upper half is shared by frame address, not just content-equivalent.
func sameUpperHalf(dst, master *PageTable) bool {
	for i := entries / 2; i < entries; i++ {
		if dst.entries[i].next != master.entries[i].next {
			return false
		}
	}

	return true
}
