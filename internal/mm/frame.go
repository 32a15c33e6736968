// Package mm implements the kernel's physical-frame allocator, the
// four-level simulated page table, and per-process address spaces,
// including the shared upper-half kernel subtree that every address space
// inherits by reference.
package mm

import (
	"errors"
	"fmt"
	"sync"

	"github.com/nyx-os/nyx/internal/archsim"
	"github.com/nyx-os/nyx/internal/log"
)

// PageSize mirrors the constant in archsim, redeclared here under a
// domain-appropriate name.
const PageSize = archsim.PageSize

// Frame is a 4 KiB-aligned physical frame number (not a byte address: frame
// N covers bytes [N*PageSize, (N+1)*PageSize)).
type Frame uint64

// Addr returns the physical byte address of the frame.
func (f Frame) Addr() archsim.Addr { return archsim.Addr(f) * archsim.PageSize }

func (f Frame) String() string { return fmt.Sprintf("frame(%#x)", uint64(f)) }

var (
	// ErrOutOfMemory is returned when the allocator has no frames left to
	// give out -- surfaced to syscall handlers as ENOMEM.
	ErrOutOfMemory = errors.New("mm: out of memory")

	// ErrInterruptContext is returned if Allocate is (erroneously) called
	// while servicing an interrupt: allocation may only happen outside
	// interrupt context, since it can block on the allocator's mutex.
	ErrInterruptContext = errors.New("mm: allocate called from interrupt context")
)

// FrameAllocator is the physical-page pool. It is monotonic -- the bump
// pointer never retreats -- but frames returned by Free go onto a free list
// and are reused before the bump pointer advances again.
type FrameAllocator struct {
	mut sync.Mutex

	next  Frame // Next frame the bump allocator has not yet handed out.
	limit Frame // One past the last usable frame.
	free  []Frame

	inInterrupt func() bool // Hook so tests can simulate interrupt context.

	log *log.Logger
}

// MemoryRegion describes one usable range reported by the firmware memory
// map, in frame numbers, inclusive of start and exclusive of end.
type MemoryRegion struct {
	Start, End Frame
}

// NewFrameAllocator consumes the firmware-provided memory map, excluding
// anything the caller has already filtered out (reserved regions and the
// kernel image are expected to have been removed from usable before this is
// called; see internal/boot).
func NewFrameAllocator(usable []MemoryRegion, logger *log.Logger) *FrameAllocator {
	fa := &FrameAllocator{
		inInterrupt: func() bool { return false },
		log:         logger,
	}

	if len(usable) > 0 {
		fa.next = usable[0].Start
		fa.limit = usable[0].End

		// Subsequent regions are pushed onto the free list; the bump
		// pointer only walks the first, largest-by-convention region.
		for _, r := range usable[1:] {
			for f := r.Start; f < r.End; f++ {
				fa.free = append(fa.free, f)
			}
		}
	}

	return fa
}

// Allocate hands out one physical frame, preferring the free list (most
// recently reaped frames) over advancing the bump pointer, so frequently
// reused regions stay warm. Must not be called from interrupt context.
func (fa *FrameAllocator) Allocate() (Frame, error) {
	if fa.inInterrupt() {
		return 0, ErrInterruptContext
	}

	fa.mut.Lock()
	defer fa.mut.Unlock()

	if n := len(fa.free); n > 0 {
		f := fa.free[n-1]
		fa.free = fa.free[:n-1]

		return f, nil
	}

	if fa.next >= fa.limit {
		fa.log.Error("frame allocator exhausted", "limit", fa.limit)
		return 0, ErrOutOfMemory
	}

	f := fa.next
	fa.next++

	return f, nil
}

// Free returns a frame to the pool. Callers must ensure the frame is no
// longer mapped anywhere -- the allocator does not track ownership, only
// availability.
func (fa *FrameAllocator) Free(f Frame) {
	fa.mut.Lock()
	defer fa.mut.Unlock()

	fa.free = append(fa.free, f)
}

// Available returns the number of frames immediately allocatable, used by
// tests asserting that no frames leak once they are freed.
func (fa *FrameAllocator) Available() int {
	fa.mut.Lock()
	defer fa.mut.Unlock()

	return len(fa.free) + int(fa.limit-fa.next)
}
