package mm

import (
	"testing"

	"github.com/nyx-os/nyx/internal/archsim"
	"github.com/nyx-os/nyx/internal/log"
)

func testKernel(t *testing.T) (*Kernel, *FrameAllocator) {
	t.Helper()

	alloc := NewFrameAllocator([]MemoryRegion{{Start: 0, End: 100_000}}, log.DefaultLogger())

	kernel, err := NewKernel(alloc, log.DefaultLogger())
	if err != nil {
		t.Fatal(err)
	}

	if err := kernel.PreallocateRange(KernelStackBase, KernelStackBase+regionStride*8); err != nil {
		t.Fatal(err)
	}

	return kernel, alloc
}

// TestUpperHalfSharedByReference checks that every AddressSpace's
// upper-half top-level entries equal the master's by-frame-address, not
// just content-equivalent.
func TestUpperHalfSharedByReference(t *testing.T) {
	kernel, alloc := testKernel(t)

	a, err := NewAddressSpace(kernel, alloc, log.DefaultLogger())
	if err != nil {
		t.Fatal(err)
	}

	b, err := NewAddressSpace(kernel, alloc, log.DefaultLogger())
	if err != nil {
		t.Fatal(err)
	}

	if !a.SharesKernelUpperHalf(kernel) || !b.SharesKernelUpperHalf(kernel) {
		t.Fatal("new address space does not share kernel upper half")
	}

	// Allocate a new kernel stack -- a leaf-level-only mutation of the
	// shared region -- and confirm it is visible from both address spaces
	// without re-sharing.
	ksAlloc := NewKernelStackAllocator(kernel, alloc, log.DefaultLogger())
	ks, err := ksAlloc.Allocate()
	if err != nil {
		t.Fatal(err)
	}

	if !a.SharesKernelUpperHalf(kernel) || !b.SharesKernelUpperHalf(kernel) {
		t.Fatal("allocating a kernel stack broke upper-half sharing")
	}

	if _, _, ok := a.pml4.Translate(ks.Top() - archsim.PageSize); !ok {
		t.Fatal("new kernel stack not visible from address space a")
	}

	if _, _, ok := b.pml4.Translate(ks.Top() - archsim.PageSize); !ok {
		t.Fatal("new kernel stack not visible from address space b")
	}
}

func TestLowerHalfIsPrivate(t *testing.T) {
	kernel, alloc := testKernel(t)

	a, _ := NewAddressSpace(kernel, alloc, log.DefaultLogger())
	b, _ := NewAddressSpace(kernel, alloc, log.DefaultLogger())

	const addr = archsim.Addr(0x4000)

	if _, err := a.AllocateAndMap(addr, FlagsUserData); err != nil {
		t.Fatal(err)
	}

	if _, _, ok := b.Translate(addr); ok {
		t.Fatal("process B should not see process A's private mapping")
	}
}

func TestForkEagerlyCopiesLowerHalf(t *testing.T) {
	kernel, alloc := testKernel(t)

	parent, _ := NewAddressSpace(kernel, alloc, log.DefaultLogger())

	const addr = archsim.Addr(0x5000)

	parentFrame, err := parent.AllocateAndMap(addr, FlagsUserData)
	if err != nil {
		t.Fatal(err)
	}

	child, err := parent.Fork(kernel, log.DefaultLogger())
	if err != nil {
		t.Fatal(err)
	}

	childFrame, _, ok := child.Translate(addr)
	if !ok {
		t.Fatal("child does not have parent's mapping")
	}

	if childFrame == parentFrame {
		t.Fatal("fork must eagerly copy into a distinct frame, not share it")
	}
}

func TestDestroyReturnsOwnedFrames(t *testing.T) {
	kernel, alloc := testKernel(t)

	as, _ := NewAddressSpace(kernel, alloc, log.DefaultLogger())

	before := alloc.Available()

	if _, err := as.AllocateAndMap(0x1000, FlagsUserData); err != nil {
		t.Fatal(err)
	}

	if _, err := as.AllocateAndMap(0x2000, FlagsUserData); err != nil {
		t.Fatal(err)
	}

	as.Destroy()

	if got := alloc.Available(); got != before {
		t.Fatalf("frames leaked on destroy: available %d, want %d", got, before)
	}
}

func TestMapUserRejectsUpperHalfAddress(t *testing.T) {
	kernel, alloc := testKernel(t)
	as, _ := NewAddressSpace(kernel, alloc, log.DefaultLogger())

	if err := as.MapUser(UpperHalfBase, 0, FlagsUserData); err == nil {
		t.Fatal("expected error mapping an upper-half address as user")
	}
}
