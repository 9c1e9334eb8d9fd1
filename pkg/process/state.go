package process

import (
	"errors"
	"fmt"
)

// State transition errors.
var (
	ErrInvalidTransition = errors.New("invalid state transition")
)

// State is the lifecycle state of a task.
type State int

const (
	// StateNew is a task that has been created but not admitted yet.
	StateNew State = iota
	// StateReady is a task waiting in the ready queue.
	StateReady
	// StateRunning is the task loaded on the CPU.
	StateRunning
	// StateBlocked is a task waiting for a message or for memory.
	StateBlocked
	// StateTerminated is final.
	StateTerminated
)

var stateNames = [...]string{"NEW", "READY", "RUNNING", "BLOCKED", "TERMINATED"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// IsLive reports whether the task has not terminated.
func (s State) IsLive() bool {
	return s != StateTerminated
}

// Event drives a state transition.
type Event int

const (
	// EventAdmit moves a new task into the ready queue.
	EventAdmit Event = iota
	// EventDispatch gives the CPU to a ready task.
	EventDispatch
	// EventPreempt takes the CPU away when the quantum is exhausted.
	EventPreempt
	// EventBlock parks a task until EventWake.
	EventBlock
	// EventWake makes a blocked task ready again.
	EventWake
	// EventTerminate ends the task.
	EventTerminate
)

var eventNames = [...]string{"admit", "dispatch", "preempt", "block", "wake", "terminate"}

func (e Event) String() string {
	if e < 0 || int(e) >= len(eventNames) {
		return fmt.Sprintf("Event(%d)", int(e))
	}
	return eventNames[e]
}

// Effect is the ready queue side effect of a transition.
type Effect int

const (
	// EffectNone leaves the ready queue alone.
	EffectNone Effect = iota
	// EffectEnqueue appends the task at the tail of the ready queue.
	EffectEnqueue
	// EffectDequeue removes the task from the ready queue if present.
	EffectDequeue
)

// Transition is the outcome of an event applied to a state.
type Transition struct {
	To     State
	Effect Effect
}

type transitionKey struct {
	from  State
	event Event
}

// transitions is the complete task state machine. Anything missing is
// rejected with ErrInvalidTransition.
var transitions = map[transitionKey]Transition{
	{StateNew, EventAdmit}:       {StateReady, EffectEnqueue},
	{StateReady, EventDispatch}:  {StateRunning, EffectNone},
	{StateRunning, EventPreempt}: {StateReady, EffectEnqueue},
	{StateRunning, EventBlock}:   {StateBlocked, EffectNone},
	// A syscall may be issued for a task that is not on the CPU.
	{StateReady, EventBlock}:  {StateBlocked, EffectDequeue},
	{StateBlocked, EventWake}: {StateReady, EffectEnqueue},

	{StateNew, EventTerminate}:     {StateTerminated, EffectNone},
	{StateReady, EventTerminate}:   {StateTerminated, EffectDequeue},
	{StateRunning, EventTerminate}: {StateTerminated, EffectNone},
	{StateBlocked, EventTerminate}: {StateTerminated, EffectNone},
}

// Next returns the transition for event in state from.
func Next(from State, event Event) (Transition, error) {
	t, ok := transitions[transitionKey{from, event}]
	if !ok {
		return Transition{}, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, event, from)
	}
	return t, nil
}

// IsValidTransition checks if event is accepted in state from.
func IsValidTransition(from State, event Event) bool {
	_, ok := transitions[transitionKey{from, event}]
	return ok
}
