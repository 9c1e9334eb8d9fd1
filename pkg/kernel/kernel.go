package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"kernsim/pkg/config"
	"kernsim/pkg/hw"
	"kernsim/pkg/memory"
	"kernsim/pkg/process"
	"kernsim/pkg/process/ipc"
	"kernsim/pkg/storage"
	"kernsim/pkg/vm"
)

// Kernel errors.
var (
	ErrAlreadyBooted = errors.New("kernel already booted")
	ErrHalted        = errors.New("kernel halted")
)

// InitName is the name of the process created by Bootstrap.
const InitName = "init"

// Deps are the collaborators a kernel can be given. Zero values select
// in-memory defaults.
type Deps struct {
	// Disk backs the swap area. Defaults to a memory disk sized by the
	// configuration.
	Disk storage.BlockDevice
	// Stepper executes instructions. Defaults to hw.CounterStepper.
	Stepper hw.Stepper
	// Log receives every component's entries. Defaults to the standard
	// logrus logger.
	Log logrus.FieldLogger
}

type memoryWaiter struct {
	pid  int
	size int
}

// Kernel is the kernel context: it owns every component and the only
// mutable state of the simulation.
type Kernel struct {
	cfg config.Config

	ram       *hw.RAM
	cpu       *hw.CPU
	disk      storage.BlockDevice
	alloc     *memory.Allocator
	scheduler *process.Scheduler
	procs     *process.Manager
	vm        *vm.Translator
	shm       *ipc.SharedMemoryRegistry
	messenger *ipc.Messenger

	// waiters are AllocateWait requests served in FIFO order.
	waiters []memoryWaiter
	ticks   int64
	booted  bool

	mu       sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
	log      logrus.FieldLogger
}

// New builds a kernel from cfg.
func New(cfg config.Config, deps Deps) (*Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := deps.Log
	if log == nil {
		log = logrus.StandardLogger()
	}

	policy, err := memory.ParsePolicy(cfg.AllocPolicy)
	if err != nil {
		return nil, err
	}
	alloc, err := memory.NewAllocator(cfg.RAMSize, policy, log)
	if err != nil {
		return nil, err
	}

	scheduler, err := process.NewScheduler(cfg.Quantum, log)
	if err != nil {
		return nil, err
	}
	procs, err := process.NewManager(alloc, scheduler, process.ManagerConfig{
		MailboxCapacity: cfg.MailboxCapacity,
		Limits:          process.Limits{MaxThreads: cfg.MaxThreads, MaxMemory: cfg.MaxProcessMemory},
	}, log)
	if err != nil {
		return nil, err
	}

	disk := deps.Disk
	if disk == nil {
		if disk, err = storage.NewMemoryDisk(cfg.DiskBlocks, cfg.DiskBlockSize); err != nil {
			return nil, err
		}
	}
	var swap *vm.Swap
	if cfg.SwapBlocks > 0 {
		swap, err = vm.NewSwap(disk, disk.BlockCount()-cfg.SwapBlocks, cfg.SwapBlocks)
		if err != nil {
			return nil, err
		}
	}

	ram := hw.NewRAM(cfg.RAMSize)
	translator, err := vm.NewTranslator(procs, ram, swap, cfg.PageSize, log)
	if err != nil {
		return nil, err
	}

	k := &Kernel{
		cfg:       cfg,
		ram:       ram,
		cpu:       hw.NewCPU(deps.Stepper, log),
		disk:      disk,
		alloc:     alloc,
		scheduler: scheduler,
		procs:     procs,
		vm:        translator,
		shm:       ipc.NewSharedMemoryRegistry(alloc, ram, log),
		messenger: ipc.NewMessenger(procs, log),
		stopCh:    make(chan struct{}),
		log:       log.WithField("component", "kernel"),
	}
	procs.OnTerminate(k.releaseProcess)
	return k, nil
}

// releaseProcess drops everything outside the manager that refers to p.
func (k *Kernel) releaseProcess(p *process.Process) {
	for _, key := range k.shm.DetachAll(p.PID) {
		k.log.WithFields(logrus.Fields{"pid": p.PID, "key": key}).Debug("detached on exit")
	}
	k.vm.Release(p.Memory)
	k.dropWaiter(p.PID)
}

// Config returns the configuration the kernel was built with.
func (k *Kernel) Config() config.Config {
	return k.cfg
}

// RAM returns the physical memory.
func (k *Kernel) RAM() *hw.RAM {
	return k.ram
}

// CPU returns the processor.
func (k *Kernel) CPU() *hw.CPU {
	return k.cpu
}

// Allocator returns the physical memory allocator.
func (k *Kernel) Allocator() *memory.Allocator {
	return k.alloc
}

// Scheduler returns the round-robin scheduler.
func (k *Kernel) Scheduler() *process.Scheduler {
	return k.scheduler
}

// Processes returns the process manager.
func (k *Kernel) Processes() *process.Manager {
	return k.procs
}

// SharedMemory returns the shared memory registry.
func (k *Kernel) SharedMemory() *ipc.SharedMemoryRegistry {
	return k.shm
}

// Ticks returns the number of ticks executed.
func (k *Kernel) Ticks() int64 {
	return k.ticks
}

// Bootstrap creates the init process. It can run once.
func (k *Kernel) Bootstrap() (int, error) {
	if k.booted {
		return 0, ErrAlreadyBooted
	}
	pid, err := k.CreateProcess(InitName, k.cfg.DefaultProcessSize, process.DefaultPriority)
	if err != nil {
		return 0, fmt.Errorf("bootstrap: %w", err)
	}
	k.booted = true
	k.log.WithFields(logrus.Fields{
		"ram":     k.cfg.RAMSize,
		"policy":  k.alloc.Policy(),
		"quantum": k.cfg.Quantum,
		"pid":     pid,
	}).Info("kernel booted")
	return pid, nil
}

// Tick advances the simulation by one tick and returns the task that ran,
// the zero ref when the CPU was idle.
func (k *Kernel) Tick() hw.TaskRef {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.tick()
}

func (k *Kernel) tick() hw.TaskRef {
	k.ticks++
	outgoing := k.cpu.Current()

	if task, ctx, ok := k.cpu.Save(); ok {
		if err := k.procs.SaveContext(task, ctx); err != nil {
			// The task terminated while loaded.
			k.log.WithFields(logrus.Fields{"tick": k.ticks, "task": task.String()}).Debug("outgoing task gone")
		}
	}

	next := k.scheduler.Schedule(outgoing, true)

	switch {
	case next.IsZero():
		k.cpu.Unload()
	case next != outgoing:
		ctx, err := k.procs.LoadContext(next)
		if err != nil {
			panic(fmt.Sprintf("kernel: dispatched task %s has no context: %v", next, err))
		}
		k.cpu.Load(next, ctx)
		k.log.WithFields(logrus.Fields{"tick": k.ticks, "task": next.String()}).Debug("context switch")
	}

	k.cpu.Step()
	k.scheduler.Tick()
	k.Check()
	return next
}

// Run executes n ticks, or ticks until ctx is cancelled or Halt is called
// when n <= 0. It sleeps the configured tick interval between ticks.
func (k *Kernel) Run(ctx context.Context, n int) error {
	interval := time.Duration(k.cfg.TickIntervalMs) * time.Millisecond

	for i := 0; n <= 0 || i < n; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-k.stopCh:
			return ErrHalted
		default:
		}

		k.Tick()

		if interval > 0 {
			timer := time.NewTimer(interval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-k.stopCh:
				timer.Stop()
				return ErrHalted
			case <-timer.C:
			}
		}
	}
	return nil
}

// Halt stops Run. It is safe to call more than once.
func (k *Kernel) Halt() {
	k.stopOnce.Do(func() {
		close(k.stopCh)
		k.log.Info("kernel halted")
	})
}

// Halted reports whether Halt was called.
func (k *Kernel) Halted() bool {
	select {
	case <-k.stopCh:
		return true
	default:
		return false
	}
}

// Check panics when a kernel invariant is broken: the allocator must
// partition RAM and every queued task must be READY.
func (k *Kernel) Check() {
	if err := k.alloc.Validate(); err != nil {
		k.log.WithError(err).Error("allocator invariant violated")
		panic(err.Error())
	}
	for _, task := range k.scheduler.Queue() {
		if state, ok := k.procs.TaskState(task); !ok || state != process.StateReady {
			msg := fmt.Sprintf("kernel: queued task %s is %v (exists %v)", task, state, ok)
			k.log.Error(msg)
			panic(msg)
		}
	}
}

// Stats summarizes the kernel state.
type Stats struct {
	Ticks         int64
	Steps         int64
	Running       hw.TaskRef
	Processes     int
	ReadyQueue    []hw.TaskRef
	Memory        memory.Stats
	SwapInUse     int
	SwapCapacity  int
	Regions       int
	MemoryWaiters int
}

// Stats returns a summary of the kernel state.
func (k *Kernel) Stats() Stats {
	s := Stats{
		Ticks:         k.ticks,
		Steps:         k.cpu.Steps(),
		Running:       k.cpu.Current(),
		Processes:     k.procs.Count(),
		ReadyQueue:    k.scheduler.Queue(),
		Memory:        k.alloc.Stats(),
		Regions:       len(k.shm.Regions()),
		MemoryWaiters: len(k.waiters),
	}
	if swap := k.vm.Swap(); swap != nil {
		s.SwapInUse = swap.InUse()
		s.SwapCapacity = swap.Capacity()
	}
	if _, ok := k.procs.TaskState(s.Running); !ok {
		s.Running = hw.TaskRef{}
	}
	return s
}

// Snapshot returns the process table ordered by PID.
func (k *Kernel) Snapshot() []process.Info {
	return k.procs.Snapshot()
}
