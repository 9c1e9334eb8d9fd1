package ipc

import (
	"errors"
	"fmt"
	"slices"

	"github.com/sirupsen/logrus"
)

// Shared memory errors.
var (
	ErrRegionNotFound  = errors.New("shared memory region not found")
	ErrInvalidSize     = errors.New("invalid region size")
	ErrInvalidOffset   = errors.New("invalid offset")
	ErrNotAttached     = errors.New("not attached to region")
	ErrAlreadyAttached = errors.New("already attached to region")
	ErrRegionBusy      = errors.New("region still has attached processes")
)

// Allocator hands out physical blocks for region backing store.
type Allocator interface {
	Allocate(size int) (int, error)
	Free(base int) error
}

// Memory is the RAM that backs regions.
type Memory interface {
	Read(addr, length int) ([]byte, error)
	Write(addr int, data []byte) error
}

// Region describes a shared memory region.
type Region struct {
	// Key is the region identifier.
	Key int
	// Base is the physical address of the backing block.
	Base int
	// Size is the region size in bytes.
	Size int
	// Attached lists the attached PIDs in ascending order.
	Attached []int
}

type region struct {
	key      int
	base     int
	size     int
	attached map[int]struct{}
}

func (r *region) info() Region {
	pids := make([]int, 0, len(r.attached))
	for pid := range r.attached {
		pids = append(pids, pid)
	}
	slices.Sort(pids)
	return Region{Key: r.key, Base: r.base, Size: r.size, Attached: pids}
}

// SharedMemoryRegistry manages shared memory regions and their attachments.
type SharedMemoryRegistry struct {
	regions map[int]*region
	// attachments indexes the region keys each PID is attached to.
	attachments map[int]map[int]struct{}
	nextKey     int
	alloc       Allocator
	ram         Memory
	log         logrus.FieldLogger
}

// NewSharedMemoryRegistry creates an empty registry.
func NewSharedMemoryRegistry(alloc Allocator, ram Memory, log logrus.FieldLogger) *SharedMemoryRegistry {
	return &SharedMemoryRegistry{
		regions:     make(map[int]*region),
		attachments: make(map[int]map[int]struct{}),
		nextKey:     1,
		alloc:       alloc,
		ram:         ram,
		log:         log.WithField("component", "ipc"),
	}
}

// Create allocates a zeroed region of size bytes with no attachments.
func (r *SharedMemoryRegistry) Create(size int) (int, error) {
	if size <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}

	base, err := r.alloc.Allocate(size)
	if err != nil {
		return 0, err
	}
	if err := r.ram.Write(base, make([]byte, size)); err != nil {
		r.alloc.Free(base)
		return 0, err
	}

	key := r.nextKey
	r.nextKey++
	r.regions[key] = &region{key: key, base: base, size: size, attached: make(map[int]struct{})}
	r.log.WithFields(logrus.Fields{"key": key, "addr": base, "size": size}).Info("region created")
	return key, nil
}

func (r *SharedMemoryRegistry) get(key int) (*region, error) {
	reg, ok := r.regions[key]
	if !ok {
		return nil, fmt.Errorf("%w: key %d", ErrRegionNotFound, key)
	}
	return reg, nil
}

// Get returns a description of the region.
func (r *SharedMemoryRegistry) Get(key int) (Region, error) {
	reg, err := r.get(key)
	if err != nil {
		return Region{}, err
	}
	return reg.info(), nil
}

// Exists checks if a region exists.
func (r *SharedMemoryRegistry) Exists(key int) bool {
	_, ok := r.regions[key]
	return ok
}

// Regions returns all regions ordered by key.
func (r *SharedMemoryRegistry) Regions() []Region {
	out := make([]Region, 0, len(r.regions))
	for _, reg := range r.regions {
		out = append(out, reg.info())
	}
	slices.SortFunc(out, func(a, b Region) int { return a.Key - b.Key })
	return out
}

// Attach adds pid to the attachment set of the region.
func (r *SharedMemoryRegistry) Attach(key, pid int) error {
	reg, err := r.get(key)
	if err != nil {
		return err
	}
	if _, ok := reg.attached[pid]; ok {
		return fmt.Errorf("%w: pid %d key %d", ErrAlreadyAttached, pid, key)
	}

	reg.attached[pid] = struct{}{}
	if r.attachments[pid] == nil {
		r.attachments[pid] = make(map[int]struct{})
	}
	r.attachments[pid][key] = struct{}{}
	r.log.WithFields(logrus.Fields{"key": key, "pid": pid}).Info("attached")
	return nil
}

// Detach removes pid from the attachment set. The backing block is freed
// when the set becomes empty.
func (r *SharedMemoryRegistry) Detach(key, pid int) error {
	reg, err := r.get(key)
	if err != nil {
		return err
	}
	if _, ok := reg.attached[pid]; !ok {
		return fmt.Errorf("%w: pid %d key %d", ErrNotAttached, pid, key)
	}

	delete(reg.attached, pid)
	delete(r.attachments[pid], key)
	if len(r.attachments[pid]) == 0 {
		delete(r.attachments, pid)
	}
	r.log.WithFields(logrus.Fields{"key": key, "pid": pid}).Info("detached")

	if len(reg.attached) == 0 {
		r.release(reg)
	}
	return nil
}

// DetachAll detaches pid from every region it is attached to and returns
// the affected keys.
func (r *SharedMemoryRegistry) DetachAll(pid int) []int {
	keys := r.AttachedTo(pid)
	for _, key := range keys {
		if err := r.Detach(key, pid); err != nil {
			panic(fmt.Sprintf("shared memory index out of sync: %v", err))
		}
	}
	return keys
}

// Remove destroys a region nobody is attached to.
func (r *SharedMemoryRegistry) Remove(key int) error {
	reg, err := r.get(key)
	if err != nil {
		return err
	}
	if len(reg.attached) > 0 {
		return fmt.Errorf("%w: key %d", ErrRegionBusy, key)
	}
	r.release(reg)
	return nil
}

func (r *SharedMemoryRegistry) release(reg *region) {
	if err := r.alloc.Free(reg.base); err != nil {
		panic(fmt.Sprintf("shared region %d backing block lost: %v", reg.key, err))
	}
	delete(r.regions, reg.key)
	r.log.WithFields(logrus.Fields{"key": reg.key, "addr": reg.base}).Info("region released")
}

// AttachedTo returns the keys pid is attached to in ascending order.
func (r *SharedMemoryRegistry) AttachedTo(pid int) []int {
	keys := make([]int, 0, len(r.attachments[pid]))
	for key := range r.attachments[pid] {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

// IsAttached checks if a process is attached to a region.
func (r *SharedMemoryRegistry) IsAttached(key, pid int) bool {
	_, ok := r.attachments[pid][key]
	return ok
}

// ReadAt reads length bytes of the region at offset on behalf of pid.
func (r *SharedMemoryRegistry) ReadAt(key, pid, offset, length int) ([]byte, error) {
	reg, err := r.access(key, pid, offset, length)
	if err != nil {
		return nil, err
	}
	return r.ram.Read(reg.base+offset, length)
}

// WriteAt writes data into the region at offset on behalf of pid.
func (r *SharedMemoryRegistry) WriteAt(key, pid, offset int, data []byte) error {
	reg, err := r.access(key, pid, offset, len(data))
	if err != nil {
		return err
	}
	return r.ram.Write(reg.base+offset, data)
}

func (r *SharedMemoryRegistry) access(key, pid, offset, length int) (*region, error) {
	reg, err := r.get(key)
	if err != nil {
		return nil, err
	}
	if !r.IsAttached(key, pid) {
		return nil, fmt.Errorf("%w: pid %d key %d", ErrNotAttached, pid, key)
	}
	if offset < 0 || length < 0 || offset+length > reg.size {
		return nil, fmt.Errorf("%w: %d+%d in region of %d bytes", ErrInvalidOffset, offset, length, reg.size)
	}
	return reg, nil
}
