package kernel

import (
	"errors"
	"fmt"
	"slices"

	"github.com/sirupsen/logrus"

	"kernsim/pkg/memory"
	"kernsim/pkg/process"
	"kernsim/pkg/process/ipc"
	"kernsim/pkg/vm"
)

// ConsolePID is the sender of messages that do not come from a process.
const ConsolePID = 0

// reject logs a failed syscall and returns err unchanged.
func (k *Kernel) reject(op string, err error, fields logrus.Fields) error {
	entry := k.log.WithFields(fields).WithField("tick", k.ticks)
	if errors.Is(err, vm.ErrPageFault) {
		entry.WithError(err).Info(op + ": page fault")
		return err
	}
	entry.WithError(err).Warn(op + " rejected")
	return err
}

// CreateProcess creates a process with an address space of size bytes,
// or of the default process size when size is 0. The address space is
// zeroed.
func (k *Kernel) CreateProcess(name string, size int, prio process.Priority) (int, error) {
	if size == 0 {
		size = k.cfg.DefaultProcessSize
	}
	pid, err := k.procs.CreateProcess(name, size, prio)
	if err != nil {
		return 0, k.reject("create process", err, logrus.Fields{"name": name, "size": size})
	}

	space, _ := k.procs.AddressSpace(pid)
	if err := k.ram.Zero(space.Base, space.Size); err != nil {
		panic(fmt.Sprintf("kernel: address space of %d outside RAM: %v", pid, err))
	}
	return pid, nil
}

// TerminateProcess terminates pid and hands the memory it released to
// waiting allocations.
func (k *Kernel) TerminateProcess(pid int) error {
	if err := k.procs.TerminateProcess(pid); err != nil {
		return k.reject("terminate process", err, logrus.Fields{"pid": pid})
	}
	k.serveWaiters()
	return nil
}

// CreateThread starts a thread of pid at entry.
func (k *Kernel) CreateThread(pid, entry int) (int, error) {
	tid, err := k.procs.CreateThread(pid, entry)
	if err != nil {
		return 0, k.reject("create thread", err, logrus.Fields{"pid": pid})
	}
	return tid, nil
}

// TerminateThread terminates one thread of pid.
func (k *Kernel) TerminateThread(pid, tid int) error {
	if err := k.procs.TerminateThread(pid, tid); err != nil {
		return k.reject("terminate thread", err, logrus.Fields{"pid": pid, "tid": tid})
	}
	return nil
}

// SetPriority changes the priority of pid.
func (k *Kernel) SetPriority(pid int, prio process.Priority) error {
	if err := k.procs.SetPriority(pid, prio); err != nil {
		return k.reject("set priority", err, logrus.Fields{"pid": pid})
	}
	return nil
}

// Allocate reserves size bytes owned by pid.
func (k *Kernel) Allocate(pid, size int) (int, error) {
	base, err := k.procs.Allocate(pid, size)
	if err != nil {
		return 0, k.reject("allocate", err, logrus.Fields{"pid": pid, "size": size})
	}
	return base, nil
}

// AllocateWait is Allocate that blocks pid instead of failing when memory
// is short. Blocked requests are served in arrival order as memory is
// freed; the base address is then found in the process's LastAlloc. A
// request never overtakes earlier blocked ones.
func (k *Kernel) AllocateWait(pid, size int) (base int, blocked bool, err error) {
	fields := logrus.Fields{"pid": pid, "size": size}
	if err := k.procs.CheckAllocate(pid, size); err != nil {
		return 0, false, k.reject("allocate", err, fields)
	}
	if size > k.alloc.Size() {
		return 0, false, k.reject("allocate", fmt.Errorf("%w: %d bytes exceed RAM", memory.ErrOutOfMemory, size), fields)
	}

	if len(k.waiters) == 0 {
		base, err := k.procs.Allocate(pid, size)
		if err == nil {
			return base, false, nil
		}
		if !errors.Is(err, memory.ErrOutOfMemory) {
			return 0, false, k.reject("allocate", err, fields)
		}
	}

	if err := k.procs.Block(pid, process.WaitMemory); err != nil {
		return 0, false, k.reject("allocate", err, fields)
	}
	k.waiters = append(k.waiters, memoryWaiter{pid: pid, size: size})
	k.log.WithFields(fields).Info("waiting for memory")
	return 0, true, nil
}

// serveWaiters satisfies blocked allocations in FIFO order until the
// head no longer fits.
func (k *Kernel) serveWaiters() {
	for len(k.waiters) > 0 {
		w := k.waiters[0]
		base, err := k.procs.Allocate(w.pid, w.size)
		if errors.Is(err, memory.ErrOutOfMemory) {
			return
		}
		k.waiters = k.waiters[1:]

		if err != nil {
			k.log.WithFields(logrus.Fields{"pid": w.pid, "size": w.size}).WithError(err).Warn("waiting allocation dropped")
			if p, perr := k.procs.Get(w.pid); perr == nil {
				p.LastAlloc = -1
			}
		} else {
			k.log.WithFields(logrus.Fields{"pid": w.pid, "addr": base, "size": w.size}).Info("waiting allocation served")
		}
		if _, err := k.procs.Wake(w.pid, process.WaitMemory); err != nil {
			panic(fmt.Sprintf("kernel: memory waiter %d: %v", w.pid, err))
		}
	}
}

func (k *Kernel) dropWaiter(pid int) {
	k.waiters = slices.DeleteFunc(k.waiters, func(w memoryWaiter) bool { return w.pid == pid })
}

// Free releases a block allocated for pid.
func (k *Kernel) Free(pid, base int) error {
	if err := k.procs.Free(pid, base); err != nil {
		return k.reject("free", err, logrus.Fields{"pid": pid, "addr": base})
	}
	k.serveWaiters()
	return nil
}

// Translate maps a logical address of pid to a physical one. A page that
// is not resident yields a *vm.PageFault.
func (k *Kernel) Translate(pid, addr int) (int, error) {
	paddr, err := k.vm.Translate(pid, addr)
	if err != nil {
		return 0, k.reject("translate", err, logrus.Fields{"pid": pid, "addr": addr})
	}
	return paddr, nil
}

// ResolveFault makes the page holding addr resident.
func (k *Kernel) ResolveFault(pid, addr int) error {
	if err := k.vm.Resolve(pid, addr); err != nil {
		return k.reject("resolve fault", err, logrus.Fields{"pid": pid, "addr": addr})
	}
	return nil
}

// Evict moves a resident page of pid to swap.
func (k *Kernel) Evict(pid, page int) error {
	if err := k.vm.Evict(pid, page); err != nil {
		return k.reject("evict", err, logrus.Fields{"pid": pid, "page": page})
	}
	return nil
}

// ReadMem reads length bytes of pid's memory at a logical address.
func (k *Kernel) ReadMem(pid, addr, length int) ([]byte, error) {
	data, err := k.vm.Read(pid, addr, length)
	if err != nil {
		return nil, k.reject("read memory", err, logrus.Fields{"pid": pid, "addr": addr, "size": length})
	}
	return data, nil
}

// WriteMem writes data into pid's memory at a logical address.
func (k *Kernel) WriteMem(pid, addr int, data []byte) error {
	if err := k.vm.Write(pid, addr, data); err != nil {
		return k.reject("write memory", err, logrus.Fields{"pid": pid, "addr": addr, "size": len(data)})
	}
	return nil
}

// ShmCreate creates a shared memory region of size bytes.
func (k *Kernel) ShmCreate(size int) (int, error) {
	key, err := k.shm.Create(size)
	if err != nil {
		return 0, k.reject("shm create", err, logrus.Fields{"size": size})
	}
	return key, nil
}

// ShmAttach attaches pid to a region.
func (k *Kernel) ShmAttach(key, pid int) error {
	if _, err := k.procs.Get(pid); err != nil {
		return k.reject("shm attach", err, logrus.Fields{"key": key, "pid": pid})
	}
	if err := k.shm.Attach(key, pid); err != nil {
		return k.reject("shm attach", err, logrus.Fields{"key": key, "pid": pid})
	}
	return nil
}

// ShmDetach detaches pid from a region, releasing it after the last
// detach.
func (k *Kernel) ShmDetach(key, pid int) error {
	if err := k.shm.Detach(key, pid); err != nil {
		return k.reject("shm detach", err, logrus.Fields{"key": key, "pid": pid})
	}
	k.serveWaiters()
	return nil
}

// ShmRemove destroys a region nobody is attached to.
func (k *Kernel) ShmRemove(key int) error {
	if err := k.shm.Remove(key); err != nil {
		return k.reject("shm remove", err, logrus.Fields{"key": key})
	}
	k.serveWaiters()
	return nil
}

// ShmRead reads length bytes of a region at offset on behalf of pid.
func (k *Kernel) ShmRead(key, pid, offset, length int) ([]byte, error) {
	data, err := k.shm.ReadAt(key, pid, offset, length)
	if err != nil {
		return nil, k.reject("shm read", err, logrus.Fields{"key": key, "pid": pid})
	}
	return data, nil
}

// ShmWrite writes data into a region at offset on behalf of pid.
func (k *Kernel) ShmWrite(key, pid, offset int, data []byte) error {
	if err := k.shm.WriteAt(key, pid, offset, data); err != nil {
		return k.reject("shm write", err, logrus.Fields{"key": key, "pid": pid})
	}
	return nil
}

// Send delivers payload to the mailbox of to. from is a live PID or
// ConsolePID.
func (k *Kernel) Send(from, to int, payload []byte) error {
	if from != ConsolePID {
		if _, err := k.procs.Get(from); err != nil {
			return k.reject("send", err, logrus.Fields{"from": from, "pid": to})
		}
	}
	if err := k.messenger.Send(from, to, payload, k.ticks); err != nil {
		return k.reject("send", err, logrus.Fields{"from": from, "pid": to})
	}
	return nil
}

// Receive pops the oldest message of pid, or blocks pid when its mailbox
// is empty.
func (k *Kernel) Receive(pid int) (ipc.Message, bool, error) {
	msg, blocked, err := k.messenger.Receive(pid)
	if err != nil {
		return ipc.Message{}, false, k.reject("receive", err, logrus.Fields{"pid": pid})
	}
	return msg, blocked, nil
}
