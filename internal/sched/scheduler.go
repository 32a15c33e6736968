package sched

import (
	"fmt"

	"github.com/nyx-os/nyx/internal/archsim"
	"github.com/nyx-os/nyx/internal/log"
	"github.com/nyx-os/nyx/internal/mm"
)

// AddressSpaceResolver looks up the top-level frame for a process's address
// space. internal/proc implements this; sched depends only on the
// interface to avoid a proc<->sched import cycle.
type AddressSpaceResolver interface {
	TopFrameOf(pid ProcessID) (mm.Frame, bool)
}

// Scheduler is the cooperative-preemptive round-robin scheduler for the one
// simulated CPU.
type Scheduler struct {
	ready   *ReadyQueue
	sleep   *SleepQueue
	threads map[ThreadID]*Thread

	current *Thread
	curAS   mm.Frame // Top frame of the address space currently loaded into CR3.

	resolver AddressSpaceResolver
	machine  *archsim.Machine
	idle     *Thread

	reschedule bool

	log *log.Logger
}

// NewScheduler creates a scheduler. idle is the thread run when the ready
// queue is empty.
func NewScheduler(resolver AddressSpaceResolver, machine *archsim.Machine, idle *Thread, logger *log.Logger) *Scheduler {
	return &Scheduler{
		ready:    NewReadyQueue(),
		sleep:    NewSleepQueue(),
		threads:  make(map[ThreadID]*Thread),
		resolver: resolver,
		machine:  machine,
		idle:     idle,
		current:  idle,
		log:      logger,
	}
}

// Add registers a new thread in the Ready state and enqueues it.
func (s *Scheduler) Add(t *Thread) {
	s.threads[t.ID] = t
	s.ready.Enqueue(t.ID)
}

// Current returns the thread presently marked Running.
func (s *Scheduler) Current() *Thread { return s.current }

// Lookup returns a thread by id.
func (s *Scheduler) Lookup(id ThreadID) (*Thread, bool) {
	t, ok := s.threads[id]
	return t, ok
}

// RequestReschedule sets the reschedule flag, consulted at the bottom of
// every interrupt/exception/syscall return path.
func (s *Scheduler) RequestReschedule() { s.reschedule = true }

// ShouldReschedule reports and clears the reschedule flag.
func (s *Scheduler) ShouldReschedule() bool {
	r := s.reschedule
	s.reschedule = false

	return r
}

// Tick decrements the current thread's quantum and requests a reschedule
// when it reaches zero, and wakes any sleepers whose deadline has passed.
// Called from the timer interrupt handler.
func (s *Scheduler) Tick(now Deadline) {
	if s.current != s.idle {
		s.current.Quantum--
		if s.current.Quantum <= 0 {
			s.current.Quantum = defaultQuantum
			s.RequestReschedule()
		}
	}

	for _, id := range s.sleep.Expired(now) {
		if t, ok := s.threads[id]; ok && t.state == Blocked && t.reason == BlockSleep {
			t.Unblock()
			s.ready.Enqueue(id)
		}
	}
}

// Sleep blocks the current thread until deadline and switches away from
// it.
func (s *Scheduler) Sleep(deadline Deadline) {
	s.current.Block(BlockSleep)
	s.sleep.Add(s.current.ID, deadline)
	s.Schedule()
}

// Block transitions the current thread to Blocked with reason and switches
// away from it. The caller is responsible for having registered it on
// whatever channel will eventually unblock it.
func (s *Scheduler) Block(reason BlockReason) {
	s.current.Block(reason)
	s.Schedule()
}

// Wake transitions a Blocked thread back to Ready and enqueues it. It does
// not itself trigger a reschedule; the current thread keeps running until
// its own quantum expires or it reaches a syscall return path.
func (s *Scheduler) Wake(id ThreadID) {
	t, ok := s.threads[id]
	if !ok || t.state != Blocked {
		return
	}

	t.Unblock()
	s.ready.Enqueue(id)
}

// Remove deletes a terminated thread from scheduler bookkeeping.
func (s *Scheduler) Remove(id ThreadID) {
	s.ready.Remove(id)
	delete(s.threads, id)
}

// Schedule selects the head of the ready queue (or idle), requeues the
// outgoing thread if it is still Ready, and marks the new thread Running
// and current. It does not itself perform the context switch (CR3/TSS/
// register restore) -- that is ContextSwitch, called separately on the
// return path once a schedule decision is final: preemption only takes
// effect at a safe return boundary, never mid-instruction.
func (s *Scheduler) Schedule() {
	outgoing := s.current

	next, ok := s.ready.Dequeue()

	var incoming *Thread
	if ok {
		incoming = s.threads[next]
	} else {
		incoming = s.idle
	}

	if incoming == outgoing {
		return
	}

	if outgoing != s.idle && outgoing.state == Running {
		outgoing.state = Ready
		s.ready.Enqueue(outgoing.ID)
	}

	incoming.state = Running
	s.current = incoming
}

// ContextSwitch performs the return-path work: if the incoming thread
// belongs to a different process, write CR3 and flush the TLB; update the
// TSS's ring-0 stack pointer; and return the context to restore. The CR3
// write always precedes the returned context being used, and no userspace
// memory access happens in between -- the only work done here touches the
// kernel stack (upper half, unaffected by the address-space switch) and
// the simulated hardware registers.
func (s *Scheduler) ContextSwitch() (*archsim.Context, error) {
	next := s.current

	frame, ok := s.resolver.TopFrameOf(next.Process)
	if !ok {
		return nil, fmt.Errorf("sched: no address space for process %d", next.Process)
	}

	if frame != s.curAS {
		s.machine.CPU.WriteCR3(archsim.Addr(frame))
		s.machine.CPU.FlushTLB()
		s.curAS = frame
	}

	var kstackTop archsim.Addr
	if next.Stack != nil {
		kstackTop = next.Stack.Top()
	}

	s.machine.LeaveKernel(&next.Context, kstackTop)

	return &next.Context, nil
}
