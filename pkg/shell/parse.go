package shell

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/google/shlex"

	"kernsim/pkg/kernel"
	"kernsim/pkg/process"
)

// Parse errors.
var (
	ErrEmptyLine   = errors.New("empty line")
	ErrUnknownVerb = errors.New("unknown command")
	ErrUsage       = errors.New("usage")
)

// Builtin is a command handled by the shell itself.
type Builtin int

const (
	// NoBuiltin marks a request carrying a kernel command.
	NoBuiltin Builtin = iota
	// Help prints the command list.
	Help
	// Exit leaves the shell.
	Exit
)

// Request is a parsed input line.
type Request struct {
	// Verb is the command word, e.g. "shm create".
	Verb string
	// Command is set for kernel commands.
	Command kernel.Command
	// Builtin is set for shell commands.
	Builtin Builtin
}

type verbInfo struct {
	usage string
	min   int
	max   int
}

// verbs lists the kernel commands with their argument counts, not
// counting the verb itself.
var verbs = map[string]verbInfo{
	"ps":         {"ps", 0, 0},
	"htop":       {"htop", 0, 0},
	"mem":        {"mem", 0, 0},
	"stat":       {"stat", 0, 0},
	"run":        {"run <name> [size] [prio]", 1, 3},
	"kill":       {"kill <pid>", 1, 1},
	"thread":     {"thread <pid> [entry]", 1, 2},
	"tkill":      {"tkill <pid> <tid>", 2, 2},
	"nice":       {"nice <pid> <prio>", 2, 2},
	"malloc":     {"malloc <pid> <size> [wait]", 2, 3},
	"free":       {"free <pid> <addr>", 2, 2},
	"translate":  {"translate <pid> <addr>", 2, 2},
	"fault":      {"fault <pid> <addr>", 2, 2},
	"evict":      {"evict <pid> <page>", 2, 2},
	"read":       {"read <pid> <addr> <n>", 3, 3},
	"write":      {"write <pid> <addr> <text>", 3, 3},
	"send":       {"send <from> <to> <text>", 3, 3},
	"recv":       {"recv <pid>", 1, 1},
	"tick":       {"tick [n]", 0, 1},
	"shm create": {"shm create <size>", 1, 1},
	"shm attach": {"shm attach <key> <pid>", 2, 2},
	"shm detach": {"shm detach <key> <pid>", 2, 2},
	"shm rm":     {"shm rm <key>", 1, 1},
	"shm read":   {"shm read <key> <pid> <offset> <n>", 4, 4},
	"shm write":  {"shm write <key> <pid> <offset> <text>", 4, 4},
}

// Parse tokenizes line with shell quoting rules and builds the request.
func Parse(line string) (Request, error) {
	words, err := shlex.Split(line)
	if err != nil {
		return Request{}, fmt.Errorf("parse %q: %w", line, err)
	}
	if len(words) == 0 {
		return Request{}, ErrEmptyLine
	}

	name, args := strings.ToLower(words[0]), words[1:]
	switch name {
	case "help", "?":
		return Request{Verb: "help", Builtin: Help}, nil
	case "exit", "quit":
		return Request{Verb: "exit", Builtin: Exit}, nil
	case "shm":
		if len(args) == 0 {
			return Request{}, fmt.Errorf("%w: shm create|attach|detach|rm|read|write ...", ErrUsage)
		}
		name, args = name+" "+strings.ToLower(args[0]), args[1:]
	}

	info, ok := verbs[name]
	if !ok {
		return Request{}, fmt.Errorf("%w: %s", ErrUnknownVerb, name)
	}
	if len(args) < info.min || len(args) > info.max {
		return Request{}, fmt.Errorf("%w: %s", ErrUsage, info.usage)
	}

	cmd, err := build(name, args)
	if err != nil {
		return Request{}, fmt.Errorf("%w: %s: %w", ErrUsage, info.usage, err)
	}
	return Request{Verb: name, Command: cmd}, nil
}

// Usage returns one usage line per command, sorted.
func Usage() []string {
	lines := []string{"help", "exit"}
	for _, info := range verbs {
		lines = append(lines, info.usage)
	}
	slices.Sort(lines)
	return lines
}

// build converts the arguments of a known verb. Text arguments are
// always last.
func build(name string, args []string) (kernel.Command, error) {
	var text []byte
	switch name {
	case "write", "send", "shm write":
		text = []byte(args[len(args)-1])
		args = args[:len(args)-1]
	case "run":
		cmd := kernel.CreateProcess{Name: args[0], Priority: process.DefaultPriority}
		args = args[1:]
		n, err := ints(args)
		if len(n) > 0 {
			cmd.Size = n[0]
		}
		if len(n) > 1 {
			cmd.Priority = process.Priority(n[1])
		}
		return cmd, err
	case "malloc":
		wait := len(args) == 3
		if wait && !strings.EqualFold(args[2], "wait") {
			return nil, fmt.Errorf("unexpected %q", args[2])
		}
		n, err := ints(args[:2])
		return kernel.Allocate{PID: n[0], Size: n[1], Wait: wait}, err
	}

	n, err := ints(args)
	if err != nil {
		return nil, err
	}
	arg := func(i, def int) int {
		if i < len(n) {
			return n[i]
		}
		return def
	}

	switch name {
	case "ps", "htop":
		return kernel.ListProcesses{}, nil
	case "mem", "stat":
		return kernel.Status{}, nil
	case "kill":
		return kernel.TerminateProcess{PID: n[0]}, nil
	case "thread":
		return kernel.CreateThread{PID: n[0], Entry: arg(1, 0)}, nil
	case "tkill":
		return kernel.TerminateThread{PID: n[0], TID: n[1]}, nil
	case "nice":
		return kernel.SetPriority{PID: n[0], Priority: process.Priority(n[1])}, nil
	case "free":
		return kernel.Free{PID: n[0], Addr: n[1]}, nil
	case "translate":
		return kernel.Translate{PID: n[0], Addr: n[1]}, nil
	case "fault":
		return kernel.ResolveFault{PID: n[0], Addr: n[1]}, nil
	case "evict":
		return kernel.Evict{PID: n[0], Page: n[1]}, nil
	case "read":
		return kernel.ReadMem{PID: n[0], Addr: n[1], Length: n[2]}, nil
	case "write":
		return kernel.WriteMem{PID: n[0], Addr: n[1], Data: text}, nil
	case "send":
		return kernel.Send{From: n[0], To: n[1], Payload: text}, nil
	case "recv":
		return kernel.Receive{PID: n[0]}, nil
	case "tick":
		ticks := arg(0, 1)
		if ticks < 1 {
			return nil, fmt.Errorf("tick count must be positive, got %d", ticks)
		}
		return kernel.Advance{N: ticks}, nil
	case "shm create":
		return kernel.ShmCreate{Size: n[0]}, nil
	case "shm attach":
		return kernel.ShmAttach{Key: n[0], PID: n[1]}, nil
	case "shm detach":
		return kernel.ShmDetach{Key: n[0], PID: n[1]}, nil
	case "shm rm":
		return kernel.ShmRemove{Key: n[0]}, nil
	case "shm read":
		return kernel.ShmRead{Key: n[0], PID: n[1], Offset: n[2], Length: n[3]}, nil
	case "shm write":
		return kernel.ShmWrite{Key: n[0], PID: n[1], Offset: n[2], Data: text}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownVerb, name)
}

func ints(args []string) ([]int, error) {
	out := make([]int, len(args))
	for i, a := range args {
		v, err := strconv.Atoi(a)
		if err != nil {
			return out, fmt.Errorf("%q is not a number", a)
		}
		out[i] = v
	}
	return out, nil
}
