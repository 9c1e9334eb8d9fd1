// Package shell implements the kernel simulator's command interpreter.
//
// A line such as
//
//	send 1 2 "hello world"
//
// is split with shell quoting rules, turned into a kernel.Command and run
// through an Executor. Results are printed in a human readable form; ps
// and htop print the process table:
//
//	PID  NAME  STATE    PRIO  THREADS  MEM  MSGS
//	1    init  RUNNING  1     0        256  0
//
// Example usage:
//
//	sh := shell.New(k, os.Stdin, os.Stdout, os.Stderr)
//	sh.Run(ctx)
package shell
