package proc

import (
	"fmt"

	"github.com/nyx-os/nyx/internal/archsim"
	"github.com/nyx-os/nyx/internal/mm"
	"github.com/nyx-os/nyx/internal/sched"
)

// Fork creates a child process from caller's single thread: a new address
// space with every lower-half mapping eagerly copied, and a cloned register
// context with the child's return value set to 0 and the parent's set to
// the child's PID. Only single-threaded processes are forked; a process
// with more than one thread would need every thread cloned, which this core
// does not exercise.
func (t *Table) Fork(parentPID sched.ProcessID, parentTID sched.ThreadID, stacks *mm.KernelStackAllocator) (sched.ProcessID, error) {
	t.mut.Lock()
	parent, ok := t.processes[parentPID]
	t.mut.Unlock()

	if !ok {
		return 0, fmt.Errorf("proc: fork: no such process %d", parentPID)
	}

	parentThread, ok := t.lookupThread(parentTID)
	if !ok {
		return 0, fmt.Errorf("proc: fork: no such thread %d", parentTID)
	}

	childAS, err := parent.AddressSpace.Fork(t.kernel, t.log)
	if err != nil {
		return 0, fmt.Errorf("proc: fork: %w", err)
	}

	t.mut.Lock()
	childID := t.nextID
	t.nextID++

	child := newProcess(childID, childAS, t.log)
	child.Parent = parentPID
	child.HasParent = true
	parent.Children = append(parent.Children, childID)
	t.processes[childID] = child
	t.mut.Unlock()

	childStack, err := stacks.Allocate()
	if err != nil {
		t.mut.Lock()
		delete(t.processes, childID)
		t.mut.Unlock()

		childAS.Destroy()

		return 0, fmt.Errorf("proc: fork: %w", err)
	}

	childCtx := parentThread.Context
	childCtx.Set(archsim.RAX, 0)

	childTID := t.allocThreadID()
	childThread := sched.NewThread(childTID, childID, childStack, childCtx, t.log)

	t.sched.Add(childThread)
	t.AddThread(childID, childTID)

	parentThread.Context.Set(archsim.RAX, uint64(childID))

	return childID, nil
}

func (t *Table) lookupThread(tid sched.ThreadID) (*sched.Thread, bool) {
	return t.sched.Lookup(tid)
}

// allocThreadID hands out thread ids from the same namespace the scheduler
// indexes by. Thread creation always goes through the process table so
// there is one counter for the whole kernel.
func (t *Table) allocThreadID() sched.ThreadID {
	t.mut.Lock()
	defer t.mut.Unlock()

	id := t.nextThreadID
	t.nextThreadID++

	return id
}
