package hw

import (
	"errors"
	"fmt"
)

// ErrOutOfBounds is returned for any RAM access outside the arena.
var ErrOutOfBounds = errors.New("ram access out of bounds")

// RAM is a fixed-size byte-addressable memory arena.
type RAM struct {
	data []byte
}

// NewRAM creates a zeroed RAM arena of size bytes.
func NewRAM(size int) *RAM {
	if size < 0 {
		size = 0
	}
	return &RAM{data: make([]byte, size)}
}

// Size returns the arena size in bytes.
func (r *RAM) Size() int {
	return len(r.data)
}

// Contains reports whether [addr, addr+length) lies inside the arena.
func (r *RAM) Contains(addr, length int) bool {
	return addr >= 0 && length >= 0 && addr+length <= len(r.data)
}

// Read returns a copy of length bytes starting at addr.
func (r *RAM) Read(addr, length int) ([]byte, error) {
	if !r.Contains(addr, length) {
		return nil, fmt.Errorf("%w: read %d bytes at %d", ErrOutOfBounds, length, addr)
	}
	out := make([]byte, length)
	copy(out, r.data[addr:addr+length])
	return out, nil
}

// Write copies data into the arena starting at addr.
func (r *RAM) Write(addr int, data []byte) error {
	if !r.Contains(addr, len(data)) {
		return fmt.Errorf("%w: write %d bytes at %d", ErrOutOfBounds, len(data), addr)
	}
	copy(r.data[addr:], data)
	return nil
}

// Zero clears length bytes starting at addr.
func (r *RAM) Zero(addr, length int) error {
	if !r.Contains(addr, length) {
		return fmt.Errorf("%w: zero %d bytes at %d", ErrOutOfBounds, length, addr)
	}
	clear(r.data[addr : addr+length])
	return nil
}
