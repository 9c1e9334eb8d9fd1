/*
Package process provides process and thread management for the kernel
simulator.

It includes:

  - Process and thread control blocks (PID, TID, state, saved context)
  - A single transition table driving every state change
  - A round-robin scheduler with a fixed quantum
  - Per-process resource limits
  - Ownership of memory allocated on behalf of a process

# Task States

Every task (the main task of a process, TID 0, or one of its threads) is
in one of the following states:

  - NEW: created, not yet admitted
  - READY: waiting in the ready queue
  - RUNNING: loaded on the CPU
  - BLOCKED: waiting for a message or for memory
  - TERMINATED: final

State changes are requested as events (admit, dispatch, preempt, block,
wake, terminate). Next looks the (state, event) pair up in the transition
table, which also says whether the task joins or leaves the ready queue.

# Usage

	sched, _ := process.NewScheduler(4, log)
	pm, _ := process.NewManager(alloc, sched, process.ManagerConfig{MailboxCapacity: 16}, log)

	pid, err := pm.CreateProcess("init", 256, process.DefaultPriority)
	if err != nil {
		// Handle error
	}

	next := sched.Schedule(hw.TaskRef{}, true)

Terminating a process cascades to its threads, runs the hooks registered
with OnTerminate and releases every block the process owns.
*/
package process
