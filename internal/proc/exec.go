package proc

import (
	"fmt"

	"github.com/nyx-os/nyx/internal/archsim"
	"github.com/nyx-os/nyx/internal/elfload"
	"github.com/nyx-os/nyx/internal/mm"
	"github.com/nyx-os/nyx/internal/sched"
)

// UserStackTop and UserStackSize bound where exec places the initial user
// stack, below the lower-half/upper-half split.
const (
	UserStackTop  = mm.LowerHalfTop - archsim.PageSize
	UserStackSize = 64 * archsim.PageSize
)

// Exec replaces the calling thread's address space and register context
// with a freshly loaded ELF image. On success it does not return to the
// caller in the ordinary sense: the thread's Context is overwritten in
// place so that the next return-to-user lands at the new entry point.
//
// Every resource this function borrows -- the open file, the bytes read
// from it -- must be released before Exec returns, because the return path
// from a syscall handler to userspace does not unwind through this stack
// frame a second time. There is no cleanup step after the ring-transition
// return executes.
func (t *Table) Exec(pid sched.ProcessID, tid sched.ThreadID, image elfload.Image, argv, envp []string) error {
	t.mut.Lock()
	p, ok := t.processes[pid]
	t.mut.Unlock()

	if !ok {
		return fmt.Errorf("proc: exec: no such process %d", pid)
	}

	thread, ok := t.lookupThread(tid)
	if !ok {
		return fmt.Errorf("proc: exec: no such thread %d", tid)
	}

	newAS, err := mm.NewAddressSpace(t.kernel, t.frames, t.log)
	if err != nil {
		return fmt.Errorf("proc: exec: %w", err)
	}

	if err := loadSegments(newAS, image); err != nil {
		newAS.Destroy()
		return fmt.Errorf("proc: exec: %w", err)
	}

	stackTop, err := buildInitialStack(newAS, argv, envp)
	if err != nil {
		newAS.Destroy()
		return fmt.Errorf("proc: exec: %w", err)
	}

	// Everything above this line can fail and leave the old address space
	// untouched. From here on the call is committed: the old address space
	// is replaced and the thread's context is pointed at the new image.
	// No kernel-held reference to the ELF bytes or the old address space
	// survives past this function -- after the swap, only the old address
	// space's Destroy remains before returning.
	old := p.AddressSpace

	t.mut.Lock()
	p.AddressSpace = newAS
	t.mut.Unlock()

	thread.Context = archsim.NewUserContext(image.Entry, stackTop)

	t.mut.Lock()
	p.Brk = brkOf(image)
	p.MmapNext = mmapBase
	t.mut.Unlock()

	old.Destroy()

	return nil
}

// mmapBase is where anonymous mmap(2) mappings with no address hint start,
// a fixed gap above any plausible heap growth and well below the user
// stack region.
const mmapBase = archsim.Addr(0x0000_1000_0000_0000)

// brkOf returns the page-aligned address immediately above the highest
// loaded segment, the initial value brk(2) grows from.
func brkOf(image elfload.Image) archsim.Addr {
	var top archsim.Addr

	for _, seg := range image.Segments {
		end := (seg.VAddr + archsim.Addr(len(seg.Data)) + archsim.PageSize - 1) &^ (archsim.PageSize - 1)
		if end > top {
			top = end
		}
	}

	return top
}

// loadSegments maps every loadable ELF segment into as at its specified
// virtual address.
func loadSegments(as *mm.AddressSpace, image elfload.Image) error {
	for _, seg := range image.Segments {
		flags := mm.FlagsUserData
		if seg.Executable {
			flags = mm.FlagsUserCode
		}

		base := seg.VAddr &^ (archsim.PageSize - 1)
		end := (seg.VAddr + archsim.Addr(len(seg.Data)) + archsim.PageSize - 1) &^ (archsim.PageSize - 1)

		for page := base; page < end; page += archsim.PageSize {
			if _, err := as.AllocateAndMap(page, flags); err != nil {
				return fmt.Errorf("map segment at %s: %w", page, err)
			}
		}
	}

	return nil
}

// buildInitialStack maps the user stack region and returns its top. argv and
// envp are accepted for interface completeness but are not written: the
// stack is mapped empty, and no argument vector is laid out in user memory.
func buildInitialStack(as *mm.AddressSpace, argv, envp []string) (archsim.Addr, error) {
	base := UserStackTop - UserStackSize

	for page := base; page < UserStackTop; page += archsim.PageSize {
		if _, err := as.AllocateAndMap(page, mm.FlagsUserStack); err != nil {
			return 0, fmt.Errorf("map user stack at %s: %w", page, err)
		}
	}

	return UserStackTop, nil
}
