package kernel

import (
	"errors"
	"fmt"

	"kernsim/pkg/hw"
	"kernsim/pkg/process"
	"kernsim/pkg/process/ipc"
)

// ErrUnknownCommand is returned by Exec for a command it cannot dispatch.
var ErrUnknownCommand = errors.New("unknown command")

// Command is a syscall request. The set of commands is closed: every
// variant is declared in this package.
type Command interface {
	isCommand()
}

// CreateProcess starts a process. Size 0 selects the default size.
type CreateProcess struct {
	Name     string
	Size     int
	Priority process.Priority
}

// TerminateProcess ends a process and its threads.
type TerminateProcess struct{ PID int }

// CreateThread starts a thread in a process.
type CreateThread struct{ PID, Entry int }

// TerminateThread ends one thread.
type TerminateThread struct{ PID, TID int }

// SetPriority changes the priority of a process.
type SetPriority struct {
	PID      int
	Priority process.Priority
}

// Allocate reserves memory for a process. With Wait set the process
// blocks until the memory is available.
type Allocate struct {
	PID  int
	Size int
	Wait bool
}

// Free releases memory of a process.
type Free struct{ PID, Addr int }

// Translate maps a logical address.
type Translate struct{ PID, Addr int }

// ResolveFault makes a page resident.
type ResolveFault struct{ PID, Addr int }

// Evict moves a page to swap.
type Evict struct{ PID, Page int }

// ReadMem reads process memory.
type ReadMem struct{ PID, Addr, Length int }

// WriteMem writes process memory.
type WriteMem struct {
	PID  int
	Addr int
	Data []byte
}

// ShmCreate creates a shared memory region.
type ShmCreate struct{ Size int }

// ShmAttach attaches a process to a region.
type ShmAttach struct{ Key, PID int }

// ShmDetach detaches a process from a region.
type ShmDetach struct{ Key, PID int }

// ShmRemove destroys an unattached region.
type ShmRemove struct{ Key int }

// ShmRead reads region bytes.
type ShmRead struct{ Key, PID, Offset, Length int }

// ShmWrite writes region bytes.
type ShmWrite struct {
	Key    int
	PID    int
	Offset int
	Data   []byte
}

// Send delivers a message.
type Send struct {
	From    int
	To      int
	Payload []byte
}

// Receive takes a message or blocks.
type Receive struct{ PID int }

// Advance runs N ticks, at least one.
type Advance struct{ N int }

// ListProcesses returns the process table.
type ListProcesses struct{}

// Status returns kernel statistics.
type Status struct{}

func (CreateProcess) isCommand()    {}
func (TerminateProcess) isCommand() {}
func (CreateThread) isCommand()     {}
func (TerminateThread) isCommand()  {}
func (SetPriority) isCommand()      {}
func (Allocate) isCommand()         {}
func (Free) isCommand()             {}
func (Translate) isCommand()        {}
func (ResolveFault) isCommand()     {}
func (Evict) isCommand()            {}
func (ReadMem) isCommand()          {}
func (WriteMem) isCommand()         {}
func (ShmCreate) isCommand()        {}
func (ShmAttach) isCommand()        {}
func (ShmDetach) isCommand()        {}
func (ShmRemove) isCommand()        {}
func (ShmRead) isCommand()          {}
func (ShmWrite) isCommand()         {}
func (Send) isCommand()             {}
func (Receive) isCommand()          {}
func (Advance) isCommand()          {}
func (ListProcesses) isCommand()    {}
func (Status) isCommand()           {}

// Result carries what a command produced. Only the fields relevant to
// the command are set.
type Result struct {
	PID       int
	TID       int
	Addr      int
	Key       int
	Data      []byte
	Message   *ipc.Message
	Blocked   bool
	Tasks     []hw.TaskRef
	Processes []process.Info
	Stats     *Stats
}

// Exec runs cmd under the kernel lock.
func (k *Kernel) Exec(cmd Command) (Result, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	switch c := cmd.(type) {
	case CreateProcess:
		pid, err := k.CreateProcess(c.Name, c.Size, c.Priority)
		return Result{PID: pid}, err
	case TerminateProcess:
		return Result{PID: c.PID}, k.TerminateProcess(c.PID)
	case CreateThread:
		tid, err := k.CreateThread(c.PID, c.Entry)
		return Result{PID: c.PID, TID: tid}, err
	case TerminateThread:
		return Result{PID: c.PID, TID: c.TID}, k.TerminateThread(c.PID, c.TID)
	case SetPriority:
		return Result{PID: c.PID}, k.SetPriority(c.PID, c.Priority)
	case Allocate:
		if c.Wait {
			addr, blocked, err := k.AllocateWait(c.PID, c.Size)
			return Result{PID: c.PID, Addr: addr, Blocked: blocked}, err
		}
		addr, err := k.Allocate(c.PID, c.Size)
		return Result{PID: c.PID, Addr: addr}, err
	case Free:
		return Result{PID: c.PID, Addr: c.Addr}, k.Free(c.PID, c.Addr)
	case Translate:
		addr, err := k.Translate(c.PID, c.Addr)
		return Result{PID: c.PID, Addr: addr}, err
	case ResolveFault:
		return Result{PID: c.PID}, k.ResolveFault(c.PID, c.Addr)
	case Evict:
		return Result{PID: c.PID}, k.Evict(c.PID, c.Page)
	case ReadMem:
		data, err := k.ReadMem(c.PID, c.Addr, c.Length)
		return Result{PID: c.PID, Data: data}, err
	case WriteMem:
		return Result{PID: c.PID}, k.WriteMem(c.PID, c.Addr, c.Data)
	case ShmCreate:
		key, err := k.ShmCreate(c.Size)
		return Result{Key: key}, err
	case ShmAttach:
		return Result{Key: c.Key, PID: c.PID}, k.ShmAttach(c.Key, c.PID)
	case ShmDetach:
		return Result{Key: c.Key, PID: c.PID}, k.ShmDetach(c.Key, c.PID)
	case ShmRemove:
		return Result{Key: c.Key}, k.ShmRemove(c.Key)
	case ShmRead:
		data, err := k.ShmRead(c.Key, c.PID, c.Offset, c.Length)
		return Result{Key: c.Key, PID: c.PID, Data: data}, err
	case ShmWrite:
		return Result{Key: c.Key, PID: c.PID}, k.ShmWrite(c.Key, c.PID, c.Offset, c.Data)
	case Send:
		return Result{PID: c.To}, k.Send(c.From, c.To, c.Payload)
	case Receive:
		msg, blocked, err := k.Receive(c.PID)
		if err != nil || blocked {
			return Result{PID: c.PID, Blocked: blocked}, err
		}
		return Result{PID: c.PID, Message: &msg}, nil
	case Advance:
		n := max(c.N, 1)
		tasks := make([]hw.TaskRef, 0, n)
		for i := 0; i < n; i++ {
			tasks = append(tasks, k.tick())
		}
		return Result{Tasks: tasks}, nil
	case ListProcesses:
		return Result{Processes: k.Snapshot()}, nil
	case Status:
		stats := k.Stats()
		return Result{Stats: &stats}, nil
	default:
		return Result{}, fmt.Errorf("%w: %T", ErrUnknownCommand, cmd)
	}
}
