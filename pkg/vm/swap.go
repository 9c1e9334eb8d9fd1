package vm

import (
	"errors"
	"fmt"

	"kernsim/pkg/storage"
)

// ErrSwapFull is returned when no swap block is free.
var ErrSwapFull = errors.New("swap space exhausted")

// Swap hands out blocks from a contiguous range of a block device.
type Swap struct {
	dev   storage.BlockDevice
	first int
	used  []bool
}

// NewSwap reserves count blocks of dev starting at first.
func NewSwap(dev storage.BlockDevice, first, count int) (*Swap, error) {
	if first < 0 || count <= 0 || first+count > dev.BlockCount() {
		return nil, fmt.Errorf("swap range [%d,%d) outside device of %d blocks", first, first+count, dev.BlockCount())
	}
	return &Swap{dev: dev, first: first, used: make([]bool, count)}, nil
}

// BlockSize returns the device block size.
func (s *Swap) BlockSize() int {
	return s.dev.BlockSize()
}

// Store writes data to a free block and returns the block number.
func (s *Swap) Store(data []byte) (int, error) {
	for i, used := range s.used {
		if used {
			continue
		}
		block := s.first + i
		if err := s.dev.WriteBlock(block, data); err != nil {
			return 0, err
		}
		s.used[i] = true
		return block, nil
	}
	return 0, ErrSwapFull
}

// Load reads a stored block.
func (s *Swap) Load(block int) ([]byte, error) {
	return s.dev.ReadBlock(block)
}

// Release returns block to the free pool.
func (s *Swap) Release(block int) {
	if i := block - s.first; i >= 0 && i < len(s.used) {
		s.used[i] = false
	}
}

// InUse returns the number of occupied swap blocks.
func (s *Swap) InUse() int {
	n := 0
	for _, used := range s.used {
		if used {
			n++
		}
	}
	return n
}

// Capacity returns the number of swap blocks.
func (s *Swap) Capacity() int {
	return len(s.used)
}
