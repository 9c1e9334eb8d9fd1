package process

import (
	"fmt"
	"slices"

	"github.com/sirupsen/logrus"

	"kernsim/pkg/hw"
)

// TaskTable is the view of the task states the scheduler needs.
type TaskTable interface {
	// TaskState returns the state of task; false when it does not exist.
	TaskState(task hw.TaskRef) (State, bool)
	// Fire applies event to task, including its ready queue effect.
	Fire(task hw.TaskRef, event Event) error
}

// Scheduler implements round-robin scheduling with a fixed quantum. The
// ready queue holds task refs, never process pointers.
type Scheduler struct {
	// queue is the FIFO of ready tasks.
	queue []hw.TaskRef
	// quantum is the number of ticks a task may run before preemption.
	quantum int
	// remaining is what is left of the quantum of the running task.
	remaining int
	tasks     TaskTable
	log       logrus.FieldLogger
}

// NewScheduler creates a new round-robin scheduler.
func NewScheduler(quantum int, log logrus.FieldLogger) (*Scheduler, error) {
	if quantum < 1 {
		return nil, fmt.Errorf("quantum must be at least 1, got %d", quantum)
	}
	return &Scheduler{quantum: quantum, log: log.WithField("component", "scheduler")}, nil
}

func (s *Scheduler) bind(tasks TaskTable) {
	s.tasks = tasks
}

// Quantum returns the configured quantum.
func (s *Scheduler) Quantum() int {
	return s.quantum
}

// Remaining returns what is left of the running task's quantum.
func (s *Scheduler) Remaining() int {
	return s.remaining
}

// Enqueue appends task at the tail of the ready queue.
func (s *Scheduler) Enqueue(task hw.TaskRef) {
	if s.Contains(task) {
		panic(fmt.Sprintf("scheduler: task %s queued twice", task))
	}
	s.queue = append(s.queue, task)
}

// Remove drops task from the ready queue. It reports whether it was there.
func (s *Scheduler) Remove(task hw.TaskRef) bool {
	idx := slices.Index(s.queue, task)
	if idx < 0 {
		return false
	}
	s.queue = slices.Delete(s.queue, idx, idx+1)
	return true
}

// RemoveProcess drops every task of pid and returns how many were queued.
func (s *Scheduler) RemoveProcess(pid int) int {
	before := len(s.queue)
	s.queue = slices.DeleteFunc(s.queue, func(t hw.TaskRef) bool { return t.PID == pid })
	return before - len(s.queue)
}

// Contains checks if task is in the ready queue.
func (s *Scheduler) Contains(task hw.TaskRef) bool {
	return slices.Contains(s.queue, task)
}

// Queue returns a copy of the ready queue, head first.
func (s *Scheduler) Queue() []hw.TaskRef {
	return slices.Clone(s.queue)
}

// Len returns the number of ready tasks.
func (s *Scheduler) Len() int {
	return len(s.queue)
}

// Schedule decides which task runs next. The outgoing task keeps the CPU
// while it is RUNNING and has quantum left. Otherwise a still RUNNING
// outgoing task is preempted to the tail of the queue when requeue is set
// and the head of the queue is dispatched. The zero ref means idle.
//
// With requeue unset a still RUNNING task is never dropped: it keeps the
// CPU with a fresh quantum.
func (s *Scheduler) Schedule(outgoing hw.TaskRef, requeue bool) hw.TaskRef {
	running := false
	if !outgoing.IsZero() {
		state, ok := s.tasks.TaskState(outgoing)
		running = ok && state == StateRunning
	}

	if running && s.remaining > 0 {
		return outgoing
	}

	if running {
		if !requeue {
			s.remaining = s.quantum
			return outgoing
		}
		if err := s.tasks.Fire(outgoing, EventPreempt); err != nil {
			panic(fmt.Sprintf("scheduler: preempt %s: %v", outgoing, err))
		}
		s.log.WithField("task", outgoing.String()).Debug("preempted")
	}

	if len(s.queue) == 0 {
		s.remaining = 0
		return hw.TaskRef{}
	}

	next := s.queue[0]
	s.queue = slices.Delete(s.queue, 0, 1)
	if err := s.tasks.Fire(next, EventDispatch); err != nil {
		panic(fmt.Sprintf("scheduler: dispatch %s: %v", next, err))
	}
	s.remaining = s.quantum
	s.log.WithField("task", next.String()).Debug("dispatched")
	return next
}

// Tick consumes one tick of the running task's quantum.
func (s *Scheduler) Tick() {
	if s.remaining > 0 {
		s.remaining--
	}
}
