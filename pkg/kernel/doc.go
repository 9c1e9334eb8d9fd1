// Package kernel wires the simulated hardware, the process manager, the
// scheduler, the allocator, the virtual memory translator and IPC into a
// single kernel context and drives it one tick at a time.
//
// Every tick runs, in this order: save the context of the loaded task,
// schedule, load the chosen task when it changed, execute one
// instruction and consume one tick of quantum.
//
// Example usage:
//
//	k, err := kernel.New(config.Default(), kernel.Deps{Log: log})
//	if err != nil {
//		// Handle error
//	}
//	k.Bootstrap()
//	pid, _ := k.CreateProcess("worker", 0, process.DefaultPriority)
//	k.Run(ctx, 12)
//
// Syscalls are plain methods and are not safe for concurrent use. Exec,
// Tick and Run serialize on the kernel lock and may be called from
// different goroutines.
package kernel
