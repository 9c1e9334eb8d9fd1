/*
Package storage provides the block-addressed disk the kernel swaps pages to.

A device has a fixed number of fixed-size blocks. Reads always return one
full block; writes shorter than a block are zero-padded. Out-of-range block
numbers and oversized writes fail with an *IOError that matches ErrIO.

Example Usage:

	// Create (or reopen) the file-backed disk
	disk, err := storage.NewFileDisk("disco.bin", 256, 128)
	if err != nil {
		log.Fatal(err)
	}
	defer disk.Close()

	if err := disk.WriteBlock(3, []byte("page data")); err != nil {
		log.Fatal(err)
	}
	data, err := disk.ReadBlock(3)
*/
package storage

import (
	"errors"
	"fmt"
	"os"
	"sync"
)

// Common errors
var (
	ErrIO                 = errors.New("i/o error")
	ErrInvalidBlockNumber = errors.New("invalid block number")
	ErrBlockTooLarge      = errors.New("block data exceeds device block size")
	ErrDeviceClosed       = errors.New("device is closed")
)

// IOError describes a failed block operation.
type IOError struct {
	Op    string
	Block int
	Err   error
}

// Error returns the error message.
func (e *IOError) Error() string {
	return fmt.Sprintf("%s block %d: %v", e.Op, e.Block, e.Err)
}

// Unwrap returns the underlying cause.
func (e *IOError) Unwrap() error {
	return e.Err
}

// Is makes every IOError match ErrIO.
func (e *IOError) Is(target error) bool {
	return target == ErrIO
}

// BlockDevice interface defines the operations for a block storage device.
type BlockDevice interface {
	// ReadBlock returns a copy of the block, exactly BlockSize() bytes long.
	ReadBlock(block int) ([]byte, error)

	// WriteBlock stores data in the block, zero-padding short writes.
	WriteBlock(block int, data []byte) error

	// BlockSize returns the size of each block in bytes.
	BlockSize() int

	// BlockCount returns the total number of blocks on the device.
	BlockCount() int

	// Close releases any resources held by the device.
	Close() error
}

// checkAccess validates a block number and, for writes, the payload size.
func checkAccess(op string, block, blockCount, blockSize, dataLen int, closed bool) error {
	if closed {
		return &IOError{Op: op, Block: block, Err: ErrDeviceClosed}
	}
	if block < 0 || block >= blockCount {
		return &IOError{Op: op, Block: block, Err: ErrInvalidBlockNumber}
	}
	if dataLen > blockSize {
		return &IOError{Op: op, Block: block, Err: ErrBlockTooLarge}
	}
	return nil
}

// pad returns data extended with zeros to size bytes.
func pad(data []byte, size int) []byte {
	buf := make([]byte, size)
	copy(buf, data)
	return buf
}

// MemoryDisk is an in-memory block device.
type MemoryDisk struct {
	data       [][]byte
	blockSize  int
	blockCount int
	closed     bool
	mu         sync.RWMutex
}

// NewMemoryDisk creates a new memory-backed block device.
func NewMemoryDisk(blockCount, blockSize int) (*MemoryDisk, error) {
	if blockCount <= 0 {
		return nil, ErrInvalidBlockNumber
	}
	if blockSize <= 0 {
		return nil, fmt.Errorf("invalid block size: %d", blockSize)
	}

	data := make([][]byte, blockCount)
	for i := range data {
		data[i] = make([]byte, blockSize)
	}

	return &MemoryDisk{
		data:       data,
		blockSize:  blockSize,
		blockCount: blockCount,
	}, nil
}

// ReadBlock reads a block from memory.
func (d *MemoryDisk) ReadBlock(block int) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if err := checkAccess("read", block, d.blockCount, d.blockSize, 0, d.closed); err != nil {
		return nil, err
	}
	return pad(d.data[block], d.blockSize), nil
}

// WriteBlock writes a block to memory.
func (d *MemoryDisk) WriteBlock(block int, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := checkAccess("write", block, d.blockCount, d.blockSize, len(data), d.closed); err != nil {
		return err
	}
	d.data[block] = pad(data, d.blockSize)
	return nil
}

// BlockSize returns the configured block size.
func (d *MemoryDisk) BlockSize() int {
	return d.blockSize
}

// BlockCount returns the total number of blocks.
func (d *MemoryDisk) BlockCount() int {
	return d.blockCount
}

// Close marks the device as closed.
func (d *MemoryDisk) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closed = true
	d.data = nil
	return nil
}

// FileDisk is a block device backed by a file.
type FileDisk struct {
	file       *os.File
	blockSize  int
	blockCount int
	closed     bool
	mu         sync.RWMutex
}

// NewFileDisk opens path as a block device, creating it zero-filled when
// it does not exist and growing it when it is too small.
func NewFileDisk(path string, blockCount, blockSize int) (*FileDisk, error) {
	if blockCount <= 0 {
		return nil, ErrInvalidBlockNumber
	}
	if blockSize <= 0 {
		return nil, fmt.Errorf("invalid block size: %d", blockSize)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}

	// Ensure file is large enough
	totalSize := int64(blockCount) * int64(blockSize)
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	if stat.Size() < totalSize {
		if err := file.Truncate(totalSize); err != nil {
			file.Close()
			return nil, err
		}
	}

	return &FileDisk{
		file:       file,
		blockSize:  blockSize,
		blockCount: blockCount,
	}, nil
}

// ReadBlock reads a block from the file.
func (d *FileDisk) ReadBlock(block int) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if err := checkAccess("read", block, d.blockCount, d.blockSize, 0, d.closed); err != nil {
		return nil, err
	}

	data := make([]byte, d.blockSize)
	offset := int64(block) * int64(d.blockSize)
	if _, err := d.file.ReadAt(data, offset); err != nil {
		return nil, &IOError{Op: "read", Block: block, Err: err}
	}
	return data, nil
}

// WriteBlock writes a block to the file and syncs it.
func (d *FileDisk) WriteBlock(block int, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := checkAccess("write", block, d.blockCount, d.blockSize, len(data), d.closed); err != nil {
		return err
	}

	offset := int64(block) * int64(d.blockSize)
	if _, err := d.file.WriteAt(pad(data, d.blockSize), offset); err != nil {
		return &IOError{Op: "write", Block: block, Err: err}
	}
	if err := d.file.Sync(); err != nil {
		return &IOError{Op: "sync", Block: block, Err: err}
	}
	return nil
}

// BlockSize returns the configured block size.
func (d *FileDisk) BlockSize() int {
	return d.blockSize
}

// BlockCount returns the total number of blocks.
func (d *FileDisk) BlockCount() int {
	return d.blockCount
}

// Close closes the file.
func (d *FileDisk) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	return d.file.Close()
}
