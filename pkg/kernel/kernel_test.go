package kernel

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"slices"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"kernsim/pkg/config"
	"kernsim/pkg/hw"
	"kernsim/pkg/memory"
	"kernsim/pkg/process"
	"kernsim/pkg/process/ipc"
	"kernsim/pkg/storage"
	"kernsim/pkg/vm"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.TickIntervalMs = 0
	return cfg
}

func newKernel(t *testing.T, cfg config.Config) (*Kernel, *test.Hook) {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	k, err := New(cfg, Deps{Log: logger})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return k, hook
}

func mustCreate(t *testing.T, k *Kernel, name string, size int) int {
	t.Helper()
	pid, err := k.CreateProcess(name, size, process.DefaultPriority)
	if err != nil {
		t.Fatalf("CreateProcess(%q) error = %v", name, err)
	}
	return pid
}

func ref(pid int) hw.TaskRef {
	return hw.TaskRef{PID: pid}
}

func queued(k *Kernel, pid int) bool {
	for _, task := range k.Scheduler().Queue() {
		if task.PID == pid {
			return true
		}
	}
	return false
}

// TestBootstrap tests the creation of init.
func TestBootstrap(t *testing.T) {
	k, _ := newKernel(t, testConfig())

	pid, err := k.Bootstrap()
	if err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}
	rows := k.Snapshot()
	if len(rows) != 1 || rows[0].PID != pid || rows[0].Name != InitName || rows[0].Memory != 256 {
		t.Errorf("Snapshot() = %+v, want init of 256 bytes", rows)
	}
	if _, err := k.Bootstrap(); !errors.Is(err, ErrAlreadyBooted) {
		t.Errorf("second Bootstrap() error = %v, want %v", err, ErrAlreadyBooted)
	}
}

// TestRoundRobinScenario runs A, B and C with quantum 4 for 12 ticks.
func TestRoundRobinScenario(t *testing.T) {
	k, _ := newKernel(t, testConfig())
	a := mustCreate(t, k, "A", 0)
	b := mustCreate(t, k, "B", 0)
	c := mustCreate(t, k, "C", 0)

	var trace []hw.TaskRef
	for i := 0; i < 12; i++ {
		trace = append(trace, k.Tick())
	}

	var want []hw.TaskRef
	for _, pid := range []int{a, b, c} {
		for i := 0; i < 4; i++ {
			want = append(want, ref(pid))
		}
	}
	if !slices.Equal(trace, want) {
		t.Fatalf("trace = %v, want %v", trace, want)
	}

	// A and B were switched out after four instructions each.
	for _, pid := range []int{a, b} {
		ctx, err := k.Processes().LoadContext(ref(pid))
		if err != nil || ctx.PC != 4 {
			t.Errorf("saved context of %d = %+v, %v, want PC 4", pid, ctx, err)
		}
	}
	if got := k.CPU().Context().PC; got != 4 {
		t.Errorf("live PC = %d, want 4", got)
	}
	if got := k.Tick(); got != ref(a) {
		t.Errorf("tick 13 = %v, want %v", got, ref(a))
	}
}

// TestContextSwitchRestoresRegisters checks registers survive a switch.
func TestContextSwitchRestoresRegisters(t *testing.T) {
	logger, _ := test.NewNullLogger()
	stepper := hw.StepperFunc(func(task hw.TaskRef, ctx *hw.Context) {
		ctx.PC++
		ctx.Registers["R1"] += task.PID
	})
	cfg := testConfig()
	cfg.Quantum = 1
	k, err := New(cfg, Deps{Log: logger, Stepper: stepper})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	a := mustCreate(t, k, "A", 0)
	b := mustCreate(t, k, "B", 0)

	for i := 0; i < 6; i++ {
		k.Tick()
	}
	k.Tick() // saves B

	// Each task ran three instructions before its context was saved.
	for _, pid := range []int{a, b} {
		ctx, _ := k.Processes().LoadContext(ref(pid))
		if want := 3 * pid; ctx.Registers["R1"] != want {
			t.Errorf("R1 of %d = %d, want %d", pid, ctx.Registers["R1"], want)
		}
	}
}

// TestFirstFitScenario allocates 100, 200, 100, frees the middle block
// and checks 150 bytes reuse its hole.
func TestFirstFitScenario(t *testing.T) {
	k, _ := newKernel(t, testConfig())
	pid := mustCreate(t, k, "P", 16)

	var bases []int
	for _, size := range []int{100, 200, 100} {
		base, err := k.Allocate(pid, size)
		if err != nil {
			t.Fatalf("Allocate(%d) error = %v", size, err)
		}
		bases = append(bases, base)
	}
	if err := k.Free(pid, bases[1]); err != nil {
		t.Fatalf("Free() error = %v", err)
	}

	base, err := k.Allocate(pid, 150)
	if err != nil {
		t.Fatalf("Allocate(150) error = %v", err)
	}
	if base != bases[1] {
		t.Errorf("Allocate(150) = %d, want %d", base, bases[1])
	}
	if base+150 > bases[2] {
		t.Errorf("block [%d,%d) overlaps the block at %d", base, base+150, bases[2])
	}
	if err := k.Allocator().Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

// TestReceiveScenario blocks A on receive and wakes it with a send.
func TestReceiveScenario(t *testing.T) {
	k, _ := newKernel(t, testConfig())
	a := mustCreate(t, k, "A", 0)
	b := mustCreate(t, k, "B", 0)

	if got := k.Tick(); got != ref(a) {
		t.Fatalf("Tick() = %v, want %v", got, ref(a))
	}

	_, blocked, err := k.Receive(a)
	if err != nil || !blocked {
		t.Fatalf("Receive() = blocked %v, err %v, want blocked", blocked, err)
	}
	p, _ := k.Processes().Get(a)
	if p.State != process.StateBlocked || queued(k, a) {
		t.Fatalf("after Receive: state %v queued %v, want BLOCKED and not queued", p.State, queued(k, a))
	}

	if err := k.Send(b, a, []byte("ping")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if p.State != process.StateReady {
		t.Errorf("after Send: state %v, want READY", p.State)
	}
	if q := k.Scheduler().Queue(); q[len(q)-1] != ref(a) {
		t.Errorf("Queue() = %v, want %v at the tail", q, ref(a))
	}

	for i := 0; i < 10 && k.CPU().Current() != ref(a); i++ {
		k.Tick()
	}
	if k.CPU().Current() != ref(a) {
		t.Fatal("A was never scheduled again")
	}

	msg, blocked, err := k.Receive(a)
	if err != nil || blocked {
		t.Fatalf("Receive() = blocked %v, err %v", blocked, err)
	}
	if string(msg.Payload) != "ping" || msg.From != b {
		t.Errorf("Receive() = %+v, want ping from %d", msg, b)
	}
}

// TestSharedRegionScenario checks the region block is freed only after
// the second detach.
func TestSharedRegionScenario(t *testing.T) {
	k, _ := newKernel(t, testConfig())
	a := mustCreate(t, k, "A", 0)
	b := mustCreate(t, k, "B", 0)
	used := k.Allocator().Stats().UsedBytes

	key, err := k.ShmCreate(64)
	if err != nil {
		t.Fatalf("ShmCreate() error = %v", err)
	}
	for _, pid := range []int{a, b} {
		if err := k.ShmAttach(key, pid); err != nil {
			t.Fatalf("ShmAttach(%d) error = %v", pid, err)
		}
	}

	if err := k.ShmWrite(key, a, 0, []byte("shared")); err != nil {
		t.Fatalf("ShmWrite() error = %v", err)
	}
	if data, _ := k.ShmRead(key, b, 0, 6); string(data) != "shared" {
		t.Errorf("ShmRead() = %q, want shared", data)
	}

	if err := k.ShmDetach(key, a); err != nil {
		t.Fatalf("ShmDetach(A) error = %v", err)
	}
	if got := k.Allocator().Stats().UsedBytes; got != used+64 {
		t.Errorf("UsedBytes after first detach = %d, want %d", got, used+64)
	}
	if err := k.ShmDetach(key, b); err != nil {
		t.Fatalf("ShmDetach(B) error = %v", err)
	}
	if got := k.Allocator().Stats().UsedBytes; got != used {
		t.Errorf("UsedBytes after second detach = %d, want %d", got, used)
	}
	if err := k.Allocator().Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

// TestTerminateRunningScenario terminates the running process
// mid-quantum.
func TestTerminateRunningScenario(t *testing.T) {
	k, _ := newKernel(t, testConfig())
	a := mustCreate(t, k, "A", 0)
	b := mustCreate(t, k, "B", 0)

	k.Tick()
	k.Tick()
	if k.CPU().Current() != ref(a) || k.Scheduler().Remaining() != 2 {
		t.Fatalf("running %v remaining %d, want %v mid-quantum", k.CPU().Current(), k.Scheduler().Remaining(), ref(a))
	}

	if err := k.TerminateProcess(a); err != nil {
		t.Fatalf("TerminateProcess() error = %v", err)
	}
	if got := k.Tick(); got != ref(b) {
		t.Errorf("Tick() = %v, want %v", got, ref(b))
	}
	for _, row := range k.Snapshot() {
		if row.PID == a {
			t.Errorf("terminated PID %d still in Snapshot()", a)
		}
	}
	if queued(k, a) {
		t.Errorf("terminated PID %d still queued", a)
	}

	if err := k.TerminateProcess(b); err != nil {
		t.Fatalf("TerminateProcess() error = %v", err)
	}
	if got := k.Tick(); !got.IsZero() {
		t.Errorf("Tick() = %v, want idle", got)
	}
	if got := k.Stats().Memory.UsedBytes; got != 0 {
		t.Errorf("UsedBytes = %d, want 0", got)
	}
}

// TestTerminationCleanup checks termination detaches regions, drops swap
// copies and releases owned blocks.
func TestTerminationCleanup(t *testing.T) {
	k, _ := newKernel(t, testConfig())
	a := mustCreate(t, k, "A", 0)
	b := mustCreate(t, k, "B", 0)

	solo, _ := k.ShmCreate(32)
	shared, _ := k.ShmCreate(32)
	k.ShmAttach(solo, a)
	k.ShmAttach(shared, a)
	k.ShmAttach(shared, b)
	k.Allocate(a, 100)
	k.CreateThread(a, 0)
	if err := k.ResolveFault(a, 0); err != nil {
		t.Fatalf("ResolveFault() error = %v", err)
	}
	if err := k.Evict(a, 0); err != nil {
		t.Fatalf("Evict() error = %v", err)
	}

	if err := k.TerminateProcess(a); err != nil {
		t.Fatalf("TerminateProcess() error = %v", err)
	}

	stats := k.Stats()
	if stats.SwapInUse != 0 {
		t.Errorf("SwapInUse = %d, want 0", stats.SwapInUse)
	}
	if k.SharedMemory().Exists(solo) {
		t.Error("region attached only to A survived")
	}
	info, err := k.SharedMemory().Get(shared)
	if err != nil || !slices.Equal(info.Attached, []int{b}) {
		t.Errorf("shared region = %+v, %v, want attached [%d]", info, err, b)
	}
	if want := 256 + 32; stats.Memory.UsedBytes != want {
		t.Errorf("UsedBytes = %d, want %d", stats.Memory.UsedBytes, want)
	}
	if queued(k, a) {
		t.Error("A still queued")
	}
}

// TestFailedSyscallsLeaveStateUnchanged checks rejected syscalls mutate
// nothing.
func TestFailedSyscallsLeaveStateUnchanged(t *testing.T) {
	cfg := testConfig()
	cfg.MailboxCapacity = 1
	k, hook := newKernel(t, cfg)
	a := mustCreate(t, k, "A", 0)
	b := mustCreate(t, k, "B", 0)
	key, _ := k.ShmCreate(16)
	k.ShmAttach(key, a)
	k.Send(b, a, []byte("first"))
	k.Tick()

	snapshot := k.Snapshot()
	blocks := k.Allocator().Blocks()
	queue := k.Scheduler().Queue()
	regions := k.SharedMemory().Regions()

	calls := []struct {
		name string
		call func() error
		want error
	}{
		{"create too large", func() error { _, err := k.CreateProcess("big", 1<<20, process.DefaultPriority); return err }, memory.ErrOutOfMemory},
		{"terminate unknown", func() error { return k.TerminateProcess(99) }, process.ErrInvalidPID},
		{"thread unknown", func() error { _, err := k.CreateThread(99, 0); return err }, process.ErrInvalidPID},
		{"tkill unknown", func() error { return k.TerminateThread(a, 7) }, process.ErrInvalidTID},
		{"nice invalid", func() error { return k.SetPriority(a, 42) }, process.ErrInvalidPriority},
		{"allocate too large", func() error { _, err := k.Allocate(a, 1<<20); return err }, memory.ErrOutOfMemory},
		{"allocate zero", func() error { _, err := k.Allocate(a, 0); return err }, memory.ErrInvalidSize},
		{"free foreign", func() error { return k.Free(a, 0) }, memory.ErrInvalidAddress},
		{"translate out of range", func() error { _, err := k.Translate(a, 4096); return err }, vm.ErrOutOfBounds},
		{"translate fault", func() error { _, err := k.Translate(a, 0); return err }, vm.ErrPageFault},
		{"evict not resident", func() error { return k.Evict(a, 0) }, vm.ErrNotResident},
		{"shm attach twice", func() error { return k.ShmAttach(key, a) }, ipc.ErrAlreadyAttached},
		{"shm attach dead pid", func() error { return k.ShmAttach(key, 99) }, process.ErrInvalidPID},
		{"shm remove busy", func() error { return k.ShmRemove(key) }, ipc.ErrRegionBusy},
		{"shm detach stranger", func() error { return k.ShmDetach(key, b) }, ipc.ErrNotAttached},
		{"send full", func() error { return k.Send(b, a, []byte("second")) }, ipc.ErrMailboxFull},
		{"send from dead pid", func() error { return k.Send(99, a, nil) }, process.ErrInvalidPID},
		{"receive unknown", func() error { _, _, err := k.Receive(99); return err }, process.ErrInvalidPID},
	}

	for _, tt := range calls {
		t.Run(tt.name, func(t *testing.T) {
			hook.Reset()
			if err := tt.call(); !errors.Is(err, tt.want) {
				t.Fatalf("error = %v, want %v", err, tt.want)
			}
			if !slices.Equal(k.Snapshot(), snapshot) {
				t.Errorf("Snapshot() = %+v, want %+v", k.Snapshot(), snapshot)
			}
			if !slices.Equal(k.Allocator().Blocks(), blocks) {
				t.Errorf("Blocks() = %v, want %v", k.Allocator().Blocks(), blocks)
			}
			if !slices.Equal(k.Scheduler().Queue(), queue) {
				t.Errorf("Queue() = %v, want %v", k.Scheduler().Queue(), queue)
			}
			if len(k.SharedMemory().Regions()) != len(regions) {
				t.Errorf("Regions() = %+v, want %+v", k.SharedMemory().Regions(), regions)
			}
			if entry := hook.LastEntry(); entry == nil || entry.Level > logrus.InfoLevel {
				t.Errorf("last log entry = %v, want the rejection", entry)
			}
		})
	}
}

// TestAllocateWait checks a blocked allocation is served on free.
func TestAllocateWait(t *testing.T) {
	cfg := testConfig()
	cfg.RAMSize = 1024
	k, _ := newKernel(t, cfg)
	a := mustCreate(t, k, "A", 256)
	b := mustCreate(t, k, "B", 256)

	hog, err := k.Allocate(a, 512)
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}

	_, blocked, err := k.AllocateWait(b, 300)
	if err != nil || !blocked {
		t.Fatalf("AllocateWait() = blocked %v, err %v, want blocked", blocked, err)
	}
	p, _ := k.Processes().Get(b)
	if p.State != process.StateBlocked || p.Wait != process.WaitMemory || queued(k, b) {
		t.Fatalf("state %v wait %q, want BLOCKED on memory", p.State, p.Wait)
	}

	// A message must not wake a process waiting for memory.
	if err := k.Send(a, b, []byte("hi")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if p.State != process.StateBlocked {
		t.Errorf("Send() woke a memory waiter")
	}

	if err := k.Free(a, hog); err != nil {
		t.Fatalf("Free() error = %v", err)
	}
	if p.State != process.StateReady || p.Wait != process.WaitNone {
		t.Errorf("state %v wait %q, want READY", p.State, p.Wait)
	}
	if p.LastAlloc < 0 || !slices.Contains(p.Allocations(), p.LastAlloc) {
		t.Errorf("LastAlloc = %d, allocations %v", p.LastAlloc, p.Allocations())
	}
	if k.Stats().MemoryWaiters != 0 {
		t.Errorf("MemoryWaiters = %d, want 0", k.Stats().MemoryWaiters)
	}
}

// TestAllocateWaitFIFO checks later requests never overtake earlier ones.
func TestAllocateWaitFIFO(t *testing.T) {
	cfg := testConfig()
	cfg.RAMSize = 1024
	k, _ := newKernel(t, cfg)
	a := mustCreate(t, k, "A", 128)
	b := mustCreate(t, k, "B", 128)
	c := mustCreate(t, k, "C", 128)
	hog, _ := k.Allocate(a, 576)

	if _, blocked, _ := k.AllocateWait(b, 500); !blocked {
		t.Fatal("AllocateWait(B) did not block")
	}
	// 64 bytes are free, but C queues behind B.
	if _, blocked, _ := k.AllocateWait(c, 32); !blocked {
		t.Fatal("AllocateWait(C) overtook B")
	}

	if err := k.TerminateProcess(b); err != nil {
		t.Fatalf("TerminateProcess() error = %v", err)
	}
	pc, _ := k.Processes().Get(c)
	if pc.State != process.StateReady || pc.AllocatedBytes() != 32 {
		t.Errorf("C state %v allocated %d, want READY with 32 bytes", pc.State, pc.AllocatedBytes())
	}
	if err := k.Free(a, hog); err != nil {
		t.Fatalf("Free() error = %v", err)
	}
}

// TestSwapRoundTripOnFileDisk evicts a page to a file-backed disk and
// brings it back.
func TestSwapRoundTripOnFileDisk(t *testing.T) {
	cfg := testConfig()
	disk, err := storage.NewFileDisk(filepath.Join(t.TempDir(), "disco.bin"), cfg.DiskBlocks, cfg.DiskBlockSize)
	if err != nil {
		t.Fatalf("NewFileDisk() error = %v", err)
	}
	defer disk.Close()

	logger, _ := test.NewNullLogger()
	k, err := New(cfg, Deps{Disk: disk, Log: logger})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	a := mustCreate(t, k, "A", 0)
	payload := bytes.Repeat([]byte("kernsim!"), 16)

	if err := k.ResolveFault(a, 0); err != nil {
		t.Fatalf("ResolveFault() error = %v", err)
	}
	if err := k.WriteMem(a, 0, payload); err != nil {
		t.Fatalf("WriteMem() error = %v", err)
	}
	if err := k.Evict(a, 0); err != nil {
		t.Fatalf("Evict() error = %v", err)
	}
	if _, err := k.ReadMem(a, 0, 1); !errors.Is(err, vm.ErrPageFault) {
		t.Fatalf("ReadMem() error = %v, want page fault", err)
	}
	var fault *vm.PageFault
	if _, err := k.Translate(a, 5); !errors.As(err, &fault) || fault.Page != 0 {
		t.Errorf("Translate() error = %v, want fault on page 0", err)
	}

	if err := k.ResolveFault(a, 5); err != nil {
		t.Fatalf("ResolveFault() error = %v", err)
	}
	got, err := k.ReadMem(a, 0, len(payload))
	if err != nil {
		t.Fatalf("ReadMem() error = %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("ReadMem() = %q, want %q", got, payload)
	}
	if k.Stats().SwapInUse != 0 {
		t.Errorf("SwapInUse = %d, want 0", k.Stats().SwapInUse)
	}
}

// TestNewProcessMemoryIsZeroed checks an address space does not leak the
// data of a terminated process.
func TestNewProcessMemoryIsZeroed(t *testing.T) {
	k, _ := newKernel(t, testConfig())
	a := mustCreate(t, k, "A", 0)
	k.ResolveFault(a, 0)
	k.WriteMem(a, 0, []byte("secret"))
	k.TerminateProcess(a)

	b := mustCreate(t, k, "B", 0)
	k.ResolveFault(b, 0)
	got, err := k.ReadMem(b, 0, 6)
	if err != nil {
		t.Fatalf("ReadMem() error = %v", err)
	}
	if !bytes.Equal(got, make([]byte, 6)) {
		t.Errorf("ReadMem() = %q, want zeroes", got)
	}
}

// TestRunAndHalt tests the tick driver.
func TestRunAndHalt(t *testing.T) {
	k, _ := newKernel(t, testConfig())
	mustCreate(t, k, "A", 0)

	if err := k.Run(context.Background(), 5); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if k.Ticks() != 5 || k.CPU().Steps() != 5 {
		t.Errorf("Ticks() = %d, Steps() = %d, want 5, 5", k.Ticks(), k.CPU().Steps())
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := k.Run(ctx, 0); !errors.Is(err, context.Canceled) {
		t.Errorf("Run(cancelled) error = %v, want %v", err, context.Canceled)
	}

	k.Halt()
	k.Halt()
	if !k.Halted() {
		t.Error("Halted() = false after Halt()")
	}
	if err := k.Run(context.Background(), 0); !errors.Is(err, ErrHalted) {
		t.Errorf("Run() after Halt() error = %v, want %v", err, ErrHalted)
	}
	if k.Ticks() != 5 {
		t.Errorf("Ticks() = %d, want 5", k.Ticks())
	}
}

// TestNewRejectsInvalidConfig tests configuration validation on boot.
func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Quantum = 0
	if _, err := New(cfg, Deps{}); !errors.Is(err, config.ErrInvalidConfig) {
		t.Errorf("New() error = %v, want %v", err, config.ErrInvalidConfig)
	}

	small, _ := storage.NewMemoryDisk(8, 128)
	cfg = testConfig()
	if _, err := New(cfg, Deps{Disk: small}); err == nil {
		t.Error("New() with a disk smaller than the swap area succeeded")
	}
}
