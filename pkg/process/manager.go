package process

import (
	"errors"
	"fmt"
	"slices"

	"github.com/sirupsen/logrus"

	"kernsim/pkg/hw"
	"kernsim/pkg/memory"
	"kernsim/pkg/process/ipc"
	"kernsim/pkg/vm"
)

// Process management errors.
var (
	ErrInvalidPID      = errors.New("invalid PID")
	ErrInvalidTID      = errors.New("invalid TID")
	ErrInvalidName     = errors.New("invalid process name")
	ErrInvalidPriority = errors.New("invalid priority")
	ErrNotOwner        = errors.New("block not owned by process")
)

// Allocator is the physical memory allocator the manager draws from.
type Allocator interface {
	Allocate(size int) (int, error)
	Free(base int) error
}

// ManagerConfig holds the settings applied to every new process.
type ManagerConfig struct {
	// MailboxCapacity bounds each mailbox; 0 means unbounded.
	MailboxCapacity int
	// Limits are copied into each new process.
	Limits Limits
}

// Manager owns every process control block. Other components refer to
// processes by PID only.
type Manager struct {
	// processes holds the live processes by PID.
	processes map[int]*Process
	// nextPID is the next PID to hand out. PIDs are never reused.
	nextPID   int
	alloc     Allocator
	scheduler *Scheduler
	config    ManagerConfig
	// onTerminate runs for every terminated process before its memory is
	// released.
	onTerminate []func(*Process)
	log         logrus.FieldLogger
}

// NewManager creates a process manager and binds the scheduler to it.
func NewManager(alloc Allocator, scheduler *Scheduler, config ManagerConfig, log logrus.FieldLogger) (*Manager, error) {
	if err := config.Limits.Validate(); err != nil {
		return nil, err
	}
	if config.MailboxCapacity < 0 {
		return nil, fmt.Errorf("mailbox capacity must not be negative, got %d", config.MailboxCapacity)
	}
	m := &Manager{
		processes: make(map[int]*Process),
		nextPID:   1,
		alloc:     alloc,
		scheduler: scheduler,
		config:    config,
		log:       log.WithField("component", "process"),
	}
	scheduler.bind(m)
	return m, nil
}

// Scheduler returns the scheduler bound to the manager.
func (m *Manager) Scheduler() *Scheduler {
	return m.scheduler
}

// OnTerminate registers fn to run when a process terminates.
func (m *Manager) OnTerminate(fn func(*Process)) {
	m.onTerminate = append(m.onTerminate, fn)
}

// CreateProcess allocates an address space of size bytes and admits a new
// process to the ready queue. Nothing is registered when allocation fails.
func (m *Manager) CreateProcess(name string, size int, prio Priority) (int, error) {
	if name == "" {
		return 0, ErrInvalidName
	}
	if !prio.Valid() {
		return 0, fmt.Errorf("%w: %d", ErrInvalidPriority, prio)
	}

	base, err := m.alloc.Allocate(size)
	if err != nil {
		m.log.WithFields(logrus.Fields{"name": name, "size": size}).Warn("process creation failed")
		return 0, fmt.Errorf("create process %q: %w", name, err)
	}

	pid := m.nextPID
	m.nextPID++

	p := newProcess(pid, name, prio, vm.NewAddressSpace(base, size), ipc.NewMailbox(m.config.MailboxCapacity), m.config.Limits)
	m.processes[pid] = p
	if err := m.Fire(p.Ref(), EventAdmit); err != nil {
		panic(fmt.Sprintf("process %d: %v", pid, err))
	}

	m.log.WithFields(logrus.Fields{"pid": pid, "name": name, "addr": base, "size": size}).Info("process created")
	return pid, nil
}

// TerminateProcess terminates the process and all of its threads, runs
// the termination hooks, releases its memory and drops it from the
// process table. It is safe in any live state, including RUNNING.
func (m *Manager) TerminateProcess(pid int) error {
	p, err := m.Get(pid)
	if err != nil {
		return err
	}

	for _, t := range p.threads {
		if t.State.IsLive() {
			m.mustFire(hw.TaskRef{PID: pid, TID: t.TID}, EventTerminate)
		}
	}
	m.mustFire(p.Ref(), EventTerminate)
	p.Wait = WaitNone

	for _, fn := range m.onTerminate {
		fn(p)
	}

	for _, base := range p.Allocations() {
		if err := m.alloc.Free(base); err != nil {
			panic(fmt.Sprintf("process %d: allocation at %d lost: %v", pid, base, err))
		}
		delete(p.allocations, base)
	}
	if err := m.alloc.Free(p.Memory.Base); err != nil {
		panic(fmt.Sprintf("process %d: address space lost: %v", pid, err))
	}

	m.scheduler.RemoveProcess(pid)
	delete(m.processes, pid)
	m.log.WithFields(logrus.Fields{"pid": pid, "name": p.Name}).Info("process terminated")
	return nil
}

// CreateThread adds a thread starting at entry to the process and admits
// it to the ready queue.
func (m *Manager) CreateThread(pid, entry int) (int, error) {
	p, err := m.Get(pid)
	if err != nil {
		return 0, err
	}
	if err := p.Limits.CheckThreads(p.LiveThreads()); err != nil {
		return 0, err
	}

	t := p.addThread(entry)
	m.mustFire(hw.TaskRef{PID: pid, TID: t.TID}, EventAdmit)
	m.log.WithFields(logrus.Fields{"pid": pid, "tid": t.TID, "pc": entry}).Info("thread created")
	return t.TID, nil
}

// TerminateThread terminates a thread and removes it from its process.
// The main task (TID 0) ends only with its process.
func (m *Manager) TerminateThread(pid, tid int) error {
	p, err := m.Get(pid)
	if err != nil {
		return err
	}
	t, ok := p.Thread(tid)
	if !ok {
		return fmt.Errorf("%w: %d.%d", ErrInvalidTID, pid, tid)
	}

	m.mustFire(hw.TaskRef{PID: pid, TID: tid}, EventTerminate)
	p.removeThread(t.TID)
	m.log.WithFields(logrus.Fields{"pid": pid, "tid": tid}).Info("thread terminated")
	return nil
}

// Get returns the live process with the given PID.
func (m *Manager) Get(pid int) (*Process, error) {
	p, ok := m.processes[pid]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPID, pid)
	}
	return p, nil
}

// Exists checks if pid names a live process.
func (m *Manager) Exists(pid int) bool {
	_, ok := m.processes[pid]
	return ok
}

// Processes returns the live processes ordered by PID.
func (m *Manager) Processes() []*Process {
	out := make([]*Process, 0, len(m.processes))
	for _, p := range m.processes {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b *Process) int { return a.PID - b.PID })
	return out
}

// Count returns the number of live processes.
func (m *Manager) Count() int {
	return len(m.processes)
}

// Snapshot returns the process table ordered by PID.
func (m *Manager) Snapshot() []Info {
	procs := m.Processes()
	out := make([]Info, len(procs))
	for i, p := range procs {
		out[i] = p.Info()
	}
	return out
}

// SetPriority changes the priority of a process.
func (m *Manager) SetPriority(pid int, prio Priority) error {
	p, err := m.Get(pid)
	if err != nil {
		return err
	}
	if !prio.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidPriority, prio)
	}
	p.Priority = prio
	return nil
}

// task resolves a ref to its state and context fields.
func (m *Manager) task(ref hw.TaskRef) (*State, *hw.Context, error) {
	p, err := m.Get(ref.PID)
	if err != nil {
		return nil, nil, err
	}
	if ref.TID == 0 {
		return &p.State, &p.Context, nil
	}
	t, ok := p.Thread(ref.TID)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrInvalidTID, ref)
	}
	return &t.State, &t.Context, nil
}

// TaskState returns the state of a task.
func (m *Manager) TaskState(ref hw.TaskRef) (State, bool) {
	state, _, err := m.task(ref)
	if err != nil {
		return 0, false
	}
	return *state, true
}

// Fire applies event to the task and carries out the ready queue effect
// of the transition.
func (m *Manager) Fire(ref hw.TaskRef, event Event) error {
	state, _, err := m.task(ref)
	if err != nil {
		return err
	}
	t, err := Next(*state, event)
	if err != nil {
		return fmt.Errorf("task %s: %w", ref, err)
	}

	from := *state
	*state = t.To
	switch t.Effect {
	case EffectEnqueue:
		m.scheduler.Enqueue(ref)
	case EffectDequeue:
		m.scheduler.Remove(ref)
	}
	m.log.WithFields(logrus.Fields{"task": ref.String(), "from": from, "to": t.To}).Debug(event.String())
	return nil
}

func (m *Manager) mustFire(ref hw.TaskRef, event Event) {
	if err := m.Fire(ref, event); err != nil {
		panic(err.Error())
	}
}

// SaveContext stores ctx as the saved context of a task.
func (m *Manager) SaveContext(ref hw.TaskRef, ctx hw.Context) error {
	_, saved, err := m.task(ref)
	if err != nil {
		return err
	}
	*saved = ctx.Clone()
	return nil
}

// LoadContext returns the saved context of a task.
func (m *Manager) LoadContext(ref hw.TaskRef) (hw.Context, error) {
	_, saved, err := m.task(ref)
	if err != nil {
		return hw.Context{}, err
	}
	return saved.Clone(), nil
}

// Block parks the main task of pid for reason. The task must be READY or
// RUNNING.
func (m *Manager) Block(pid int, reason WaitReason) error {
	p, err := m.Get(pid)
	if err != nil {
		return err
	}
	if err := m.Fire(p.Ref(), EventBlock); err != nil {
		return err
	}
	p.Wait = reason
	m.log.WithFields(logrus.Fields{"pid": pid, "reason": reason}).Info("process blocked")
	return nil
}

// Wake makes the main task of pid ready again if, and only if, it is
// blocked for reason. It reports whether it did.
func (m *Manager) Wake(pid int, reason WaitReason) (bool, error) {
	p, err := m.Get(pid)
	if err != nil {
		return false, err
	}
	if p.State != StateBlocked || p.Wait != reason {
		return false, nil
	}
	if err := m.Fire(p.Ref(), EventWake); err != nil {
		return false, err
	}
	p.Wait = WaitNone
	m.log.WithFields(logrus.Fields{"pid": pid, "reason": reason}).Info("process woken")
	return true, nil
}

// Mailbox returns the mailbox of pid.
func (m *Manager) Mailbox(pid int) (*ipc.Mailbox, error) {
	p, err := m.Get(pid)
	if err != nil {
		return nil, err
	}
	return p.Mailbox, nil
}

// BlockOnMessage blocks pid until a message arrives.
func (m *Manager) BlockOnMessage(pid int) error {
	return m.Block(pid, WaitMessage)
}

// WakeFromMessage wakes pid if it is waiting for a message.
func (m *Manager) WakeFromMessage(pid int) (bool, error) {
	return m.Wake(pid, WaitMessage)
}

// AddressSpace returns the address space of pid.
func (m *Manager) AddressSpace(pid int) (*vm.AddressSpace, error) {
	p, err := m.Get(pid)
	if err != nil {
		return nil, err
	}
	return p.Memory, nil
}

// Allocate reserves size bytes for pid. The block is released when the
// process terminates.
func (m *Manager) Allocate(pid, size int) (int, error) {
	p, err := m.Get(pid)
	if err != nil {
		return 0, err
	}
	if err := m.CheckAllocate(pid, size); err != nil {
		return 0, err
	}

	base, err := m.alloc.Allocate(size)
	if err != nil {
		return 0, err
	}
	p.allocations[base] = size
	p.LastAlloc = base
	m.log.WithFields(logrus.Fields{"pid": pid, "addr": base, "size": size}).Info("memory allocated")
	return base, nil
}

// CheckAllocate reports the error Allocate would return before touching
// the allocator: an unknown PID, a bad size or a limit violation.
func (m *Manager) CheckAllocate(pid, size int) error {
	p, err := m.Get(pid)
	if err != nil {
		return err
	}
	if size <= 0 {
		return fmt.Errorf("%w: %d", memory.ErrInvalidSize, size)
	}
	return p.Limits.CheckMemory(p.AllocatedBytes(), size)
}

// Free releases a block previously allocated for pid.
func (m *Manager) Free(pid, base int) error {
	p, err := m.Get(pid)
	if err != nil {
		return err
	}
	if _, ok := p.allocations[base]; !ok {
		return fmt.Errorf("%w: %w: pid %d addr %d", memory.ErrInvalidAddress, ErrNotOwner, pid, base)
	}
	if err := m.alloc.Free(base); err != nil {
		return err
	}
	delete(p.allocations, base)
	m.log.WithFields(logrus.Fields{"pid": pid, "addr": base}).Info("memory freed")
	return nil
}
