package process

import (
	"fmt"
	"slices"

	"kernsim/pkg/hw"
	"kernsim/pkg/process/ipc"
	"kernsim/pkg/vm"
)

// Priority represents process scheduling priority. It is reported and
// can be changed, but the ready queue is strictly FIFO.
type Priority int

const (
	// PriorityLow is the lowest priority level.
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// DefaultPriority is given to processes created without one.
const DefaultPriority = PriorityNormal

// Valid reports whether p is one of the defined levels.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// WaitReason records why a task is blocked.
type WaitReason string

const (
	// WaitNone is the reason of a task that is not blocked.
	WaitNone WaitReason = ""
	// WaitMessage is a receive on an empty mailbox.
	WaitMessage WaitReason = "message"
	// WaitMemory is an allocation that did not fit.
	WaitMemory WaitReason = "memory"
)

// Thread is a thread control block.
type Thread struct {
	// TID is unique within the owning process and never reused.
	TID int
	// Entry is the program counter the thread starts at.
	Entry int
	// State is the lifecycle state of the thread.
	State State
	// Context is the CPU state saved when the thread left the CPU.
	Context hw.Context
}

// Process is a process control block. Its own State and Context belong to
// the main task (TID 0).
type Process struct {
	// PID is the unique process identifier.
	PID int
	// Name is the program name.
	Name string
	// State is the lifecycle state of the main task.
	State State
	// Priority is the scheduling priority.
	Priority Priority
	// Context is the CPU state saved when the main task left the CPU.
	Context hw.Context
	// Wait is set while the main task is blocked.
	Wait WaitReason
	// Memory describes the address space of the process.
	Memory *vm.AddressSpace
	// Mailbox holds messages sent to the process.
	Mailbox *ipc.Mailbox
	// Limits are the resource limits of the process.
	Limits Limits
	// LastAlloc is the base address of the latest allocation made for the
	// process, -1 when none.
	LastAlloc int

	threads     []*Thread
	nextTID     int
	allocations map[int]int
}

func newProcess(pid int, name string, prio Priority, space *vm.AddressSpace, mailbox *ipc.Mailbox, limits Limits) *Process {
	return &Process{
		PID:         pid,
		Name:        name,
		State:       StateNew,
		Priority:    prio,
		Context:     hw.NewContext(0),
		Memory:      space,
		Mailbox:     mailbox,
		Limits:      limits,
		LastAlloc:   -1,
		nextTID:     1,
		allocations: make(map[int]int),
	}
}

// Ref returns the task ref of the main task.
func (p *Process) Ref() hw.TaskRef {
	return hw.TaskRef{PID: p.PID}
}

// Threads returns the threads of the process ordered by TID.
func (p *Process) Threads() []*Thread {
	return slices.Clone(p.threads)
}

// Thread returns the thread with the given TID.
func (p *Process) Thread(tid int) (*Thread, bool) {
	for _, t := range p.threads {
		if t.TID == tid {
			return t, true
		}
	}
	return nil, false
}

// LiveThreads returns the number of threads that have not terminated.
func (p *Process) LiveThreads() int {
	n := 0
	for _, t := range p.threads {
		if t.State.IsLive() {
			n++
		}
	}
	return n
}

func (p *Process) addThread(entry int) *Thread {
	t := &Thread{TID: p.nextTID, Entry: entry, State: StateNew, Context: hw.NewContext(entry)}
	p.nextTID++
	p.threads = append(p.threads, t)
	return t
}

func (p *Process) removeThread(tid int) {
	p.threads = slices.DeleteFunc(p.threads, func(t *Thread) bool { return t.TID == tid })
}

// Allocations returns the base addresses of memory allocated for the
// process, in ascending order.
func (p *Process) Allocations() []int {
	bases := make([]int, 0, len(p.allocations))
	for base := range p.allocations {
		bases = append(bases, base)
	}
	slices.Sort(bases)
	return bases
}

// AllocatedBytes returns the memory held through Allocate.
func (p *Process) AllocatedBytes() int {
	total := 0
	for _, size := range p.allocations {
		total += size
	}
	return total
}

// MemoryUsage returns the address space size plus allocated memory.
func (p *Process) MemoryUsage() int {
	total := p.AllocatedBytes()
	if p.Memory != nil {
		total += p.Memory.Size
	}
	return total
}

// String returns a short description of the process.
func (p *Process) String() string {
	return fmt.Sprintf("%d(%s) %s", p.PID, p.Name, p.State)
}

// Info is a read-only row of the process table.
type Info struct {
	PID      int
	Name     string
	State    State
	Priority Priority
	Wait     WaitReason
	Threads  int
	Memory   int
	Messages int
}

// Info returns the process table row of p.
func (p *Process) Info() Info {
	return Info{
		PID:      p.PID,
		Name:     p.Name,
		State:    p.State,
		Priority: p.Priority,
		Wait:     p.Wait,
		Threads:  p.LiveThreads(),
		Memory:   p.MemoryUsage(),
		Messages: p.Mailbox.Len(),
	}
}
