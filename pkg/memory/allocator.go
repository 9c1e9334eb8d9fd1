package memory

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Allocator errors.
var (
	ErrOutOfMemory     = errors.New("out of memory")
	ErrInvalidAddress  = errors.New("invalid address")
	ErrInvalidSize     = errors.New("invalid allocation size")
	ErrUnknownPolicy   = errors.New("unknown allocation policy")
	errBrokenPartition = errors.New("block list does not partition the arena")
)

// Policy selects which free block satisfies a request.
type Policy string

const (
	// FirstFit picks the lowest-addressed sufficient block.
	FirstFit Policy = "first-fit"
	// BestFit picks the smallest sufficient block.
	BestFit Policy = "best-fit"
)

// ParsePolicy converts a configuration value into a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case FirstFit, BestFit:
		return Policy(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
}

// Block is one entry of the block list.
type Block struct {
	Base int
	Size int
	Free bool
}

// End returns the first address past the block.
func (b Block) End() int {
	return b.Base + b.Size
}

// Stats summarizes the arena.
type Stats struct {
	ArenaSize     int
	UsedBytes     int
	FreeBytes     int
	FreeBlocks    int
	UsedBlocks    int
	LargestFree   int
	Fragmentation float64
}

// Allocator manages the blocks of a RAM arena.
type Allocator struct {
	blocks []Block
	size   int
	policy Policy
	log    logrus.FieldLogger
}

// NewAllocator creates an allocator whose arena is one free block of size bytes.
func NewAllocator(size int, policy Policy, log logrus.FieldLogger) (*Allocator, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: arena of %d bytes", ErrInvalidSize, size)
	}
	if _, err := ParsePolicy(string(policy)); err != nil {
		return nil, err
	}
	return &Allocator{
		blocks: []Block{{Base: 0, Size: size, Free: true}},
		size:   size,
		policy: policy,
		log:    log.WithField("component", "allocator"),
	}, nil
}

// Policy returns the selection policy.
func (a *Allocator) Policy() Policy {
	return a.policy
}

// Size returns the arena size.
func (a *Allocator) Size() int {
	return a.size
}

// Allocate reserves size contiguous bytes and returns their base address.
func (a *Allocator) Allocate(size int) (int, error) {
	if size <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}

	idx := a.choose(size)
	if idx < 0 {
		a.log.WithField("size", size).Warn("allocation failed")
		return 0, fmt.Errorf("%w: %d bytes requested, largest free block is %d", ErrOutOfMemory, size, a.largestFree())
	}

	chosen := a.blocks[idx]
	a.blocks[idx] = Block{Base: chosen.Base, Size: size}
	if chosen.Size > size {
		rest := Block{Base: chosen.Base + size, Size: chosen.Size - size, Free: true}
		a.blocks = append(a.blocks, Block{})
		copy(a.blocks[idx+2:], a.blocks[idx+1:])
		a.blocks[idx+1] = rest
	}

	a.log.WithFields(logrus.Fields{"addr": chosen.Base, "size": size}).Debug("allocated")
	return chosen.Base, nil
}

// choose returns the index of the block selected by the policy, or -1.
func (a *Allocator) choose(size int) int {
	best := -1
	for i, b := range a.blocks {
		if !b.Free || b.Size < size {
			continue
		}
		if a.policy == FirstFit {
			return i
		}
		if best < 0 || b.Size < a.blocks[best].Size {
			best = i
		}
	}
	return best
}

// Free releases the allocated block starting at base and merges it with
// free neighbours.
func (a *Allocator) Free(base int) error {
	idx := a.find(base)
	if idx < 0 || a.blocks[idx].Free {
		return fmt.Errorf("%w: no allocated block at %d", ErrInvalidAddress, base)
	}

	a.blocks[idx].Free = true
	size := a.blocks[idx].Size

	// Merge with the following block first so idx stays valid.
	if idx+1 < len(a.blocks) && a.blocks[idx+1].Free {
		a.blocks[idx].Size += a.blocks[idx+1].Size
		a.blocks = append(a.blocks[:idx+1], a.blocks[idx+2:]...)
	}
	if idx > 0 && a.blocks[idx-1].Free {
		a.blocks[idx-1].Size += a.blocks[idx].Size
		a.blocks = append(a.blocks[:idx], a.blocks[idx+1:]...)
	}

	a.log.WithFields(logrus.Fields{"addr": base, "size": size}).Debug("freed")
	return nil
}

// find returns the index of the block starting exactly at base, or -1.
func (a *Allocator) find(base int) int {
	for i, b := range a.blocks {
		if b.Base == base {
			return i
		}
		if b.Base > base {
			break
		}
	}
	return -1
}

// SizeOf returns the size of the allocated block at base.
func (a *Allocator) SizeOf(base int) (int, error) {
	idx := a.find(base)
	if idx < 0 || a.blocks[idx].Free {
		return 0, fmt.Errorf("%w: no allocated block at %d", ErrInvalidAddress, base)
	}
	return a.blocks[idx].Size, nil
}

// Blocks returns a copy of the block list in address order.
func (a *Allocator) Blocks() []Block {
	out := make([]Block, len(a.blocks))
	copy(out, a.blocks)
	return out
}

func (a *Allocator) largestFree() int {
	largest := 0
	for _, b := range a.blocks {
		if b.Free && b.Size > largest {
			largest = b.Size
		}
	}
	return largest
}

// Stats returns usage figures. Fragmentation is 1 - largest/total free.
func (a *Allocator) Stats() Stats {
	s := Stats{ArenaSize: a.size}
	for _, b := range a.blocks {
		if b.Free {
			s.FreeBytes += b.Size
			s.FreeBlocks++
			if b.Size > s.LargestFree {
				s.LargestFree = b.Size
			}
		} else {
			s.UsedBytes += b.Size
			s.UsedBlocks++
		}
	}
	if s.FreeBytes > 0 {
		s.Fragmentation = 1 - float64(s.LargestFree)/float64(s.FreeBytes)
	}
	return s
}

// Validate checks the partition invariant and returns a description of the
// first violation found.
func (a *Allocator) Validate() error {
	next := 0
	for i, b := range a.blocks {
		if b.Size <= 0 {
			return fmt.Errorf("%w: block %d has size %d", errBrokenPartition, i, b.Size)
		}
		if b.Base != next {
			return fmt.Errorf("%w: block %d starts at %d, want %d", errBrokenPartition, i, b.Base, next)
		}
		if b.Free && i > 0 && a.blocks[i-1].Free {
			return fmt.Errorf("%w: free blocks %d and %d are adjacent", errBrokenPartition, i-1, i)
		}
		next = b.End()
	}
	if next != a.size {
		return fmt.Errorf("%w: blocks cover %d of %d bytes", errBrokenPartition, next, a.size)
	}
	return nil
}

// Check panics when the partition invariant is broken. A broken partition
// is a kernel bug, never a caller error.
func (a *Allocator) Check() {
	if err := a.Validate(); err != nil {
		a.log.WithError(err).Error("allocator invariant violated")
		panic(err)
	}
}
