package shell

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"kernsim/pkg/hw"
	"kernsim/pkg/kernel"
)

// Executor runs kernel commands.
type Executor interface {
	Exec(cmd kernel.Command) (kernel.Result, error)
}

// Shell represents the interactive command interpreter.
type Shell struct {
	Prompt  string
	Exec    Executor
	History []string
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
	// Interactive prints the prompt and keeps going after errors.
	Interactive bool
}

// New creates a new Shell instance.
func New(exec Executor, stdin io.Reader, stdout, stderr io.Writer) *Shell {
	return &Shell{
		Prompt:      "kernsim> ",
		Exec:        exec,
		History:     make([]string, 0),
		Stdin:       stdin,
		Stdout:      stdout,
		Stderr:      stderr,
		Interactive: true,
	}
}

// Run reads lines until exit, end of input or ctx is done. In
// non-interactive mode the first failing line stops Run with its error.
func (s *Shell) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(s.Stdin)
	for {
		if s.Interactive {
			fmt.Fprint(s.Stdout, s.Prompt)
		}

		if !scanner.Scan() {
			if s.Interactive {
				fmt.Fprintln(s.Stdout)
			}
			return scanner.Err()
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		s.History = append(s.History, line)

		quit, err := s.Execute(line)
		if err != nil {
			fmt.Fprintf(s.Stderr, "error: %s\n", err)
			if !s.Interactive {
				return err
			}
		}
		if quit {
			return nil
		}
	}
}

// Execute parses and runs one line. quit is true for exit.
func (s *Shell) Execute(line string) (quit bool, err error) {
	req, err := Parse(line)
	if err != nil {
		if errors.Is(err, ErrEmptyLine) {
			return false, nil
		}
		return false, err
	}

	switch req.Builtin {
	case Help:
		for _, u := range Usage() {
			fmt.Fprintln(s.Stdout, "  "+u)
		}
		return false, nil
	case Exit:
		return true, nil
	}

	res, err := s.Exec.Exec(req.Command)
	if err != nil {
		return false, err
	}
	return false, s.print(req, res)
}

// print renders the result of a kernel command.
func (s *Shell) print(req Request, res kernel.Result) error {
	out := s.Stdout
	switch c := req.Command.(type) {
	case kernel.ListProcesses:
		return Report(out, res.Processes)
	case kernel.Status:
		return ReportStats(out, *res.Stats)
	case kernel.CreateProcess:
		fmt.Fprintf(out, "process %d (%s) created\n", res.PID, c.Name)
	case kernel.TerminateProcess:
		fmt.Fprintf(out, "process %d terminated\n", c.PID)
	case kernel.CreateThread:
		fmt.Fprintf(out, "thread %s created\n", hw.TaskRef{PID: res.PID, TID: res.TID})
	case kernel.TerminateThread:
		fmt.Fprintf(out, "thread %s terminated\n", hw.TaskRef{PID: c.PID, TID: c.TID})
	case kernel.SetPriority:
		fmt.Fprintf(out, "priority of %d set to %d\n", c.PID, c.Priority)
	case kernel.Allocate:
		if res.Blocked {
			fmt.Fprintf(out, "process %d waiting for %d bytes\n", c.PID, c.Size)
		} else {
			fmt.Fprintf(out, "%d bytes allocated at %d\n", c.Size, res.Addr)
		}
	case kernel.Free:
		fmt.Fprintf(out, "block at %d freed\n", c.Addr)
	case kernel.Translate:
		fmt.Fprintf(out, "pid %d: logical %d -> physical %d\n", c.PID, c.Addr, res.Addr)
	case kernel.ResolveFault:
		fmt.Fprintf(out, "pid %d: page of address %d resident\n", c.PID, c.Addr)
	case kernel.Evict:
		fmt.Fprintf(out, "pid %d: page %d evicted\n", c.PID, c.Page)
	case kernel.ReadMem, kernel.ShmRead:
		fmt.Fprintf(out, "%q\n", res.Data)
	case kernel.WriteMem, kernel.ShmWrite:
		fmt.Fprintln(out, "ok")
	case kernel.ShmCreate:
		fmt.Fprintf(out, "region %d created\n", res.Key)
	case kernel.ShmAttach:
		fmt.Fprintf(out, "process %d attached to region %d\n", c.PID, c.Key)
	case kernel.ShmDetach:
		fmt.Fprintf(out, "process %d detached from region %d\n", c.PID, c.Key)
	case kernel.ShmRemove:
		fmt.Fprintf(out, "region %d removed\n", c.Key)
	case kernel.Send:
		fmt.Fprintf(out, "message sent to %d\n", c.To)
	case kernel.Receive:
		if res.Blocked {
			fmt.Fprintf(out, "process %d blocked waiting for a message\n", c.PID)
		} else {
			fmt.Fprintf(out, "from %d at tick %d: %s\n", res.Message.From, res.Message.Tick, res.Message.Payload)
		}
	case kernel.Advance:
		names := make([]string, len(res.Tasks))
		for i, t := range res.Tasks {
			names[i] = t.String()
		}
		fmt.Fprintf(out, "ran: %s\n", strings.Join(names, " "))
	default:
		fmt.Fprintf(out, "%s: ok\n", req.Verb)
	}
	return nil
}
