package process

import (
	"errors"
	"fmt"
)

// Limit errors.
var (
	ErrLimitExceeded = errors.New("resource limit exceeded")
	ErrInvalidLimit  = errors.New("invalid resource limit value")
)

// ResourceType represents the type of resource being limited.
type ResourceType string

const (
	// ResourceThreads is the number of live threads of a process.
	ResourceThreads ResourceType = "threads"
	// ResourceMemory is the memory a process holds through Allocate,
	// not counting its address space.
	ResourceMemory ResourceType = "memory"
)

// Limits holds per-process resource limits. Zero means unlimited.
type Limits struct {
	MaxThreads int
	MaxMemory  int
}

// Validate rejects negative limits.
func (l Limits) Validate() error {
	if l.MaxThreads < 0 {
		return fmt.Errorf("%w: max threads %d", ErrInvalidLimit, l.MaxThreads)
	}
	if l.MaxMemory < 0 {
		return fmt.Errorf("%w: max memory %d", ErrInvalidLimit, l.MaxMemory)
	}
	return nil
}

// CheckThreads checks that one more thread fits next to live.
func (l Limits) CheckThreads(live int) error {
	if l.MaxThreads > 0 && live+1 > l.MaxThreads {
		return &LimitError{Type: ResourceThreads, Limit: l.MaxThreads, Used: live, Requested: 1}
	}
	return nil
}

// CheckMemory checks that size more bytes fit next to used.
func (l Limits) CheckMemory(used, size int) error {
	if l.MaxMemory > 0 && used+size > l.MaxMemory {
		return &LimitError{Type: ResourceMemory, Limit: l.MaxMemory, Used: used, Requested: size}
	}
	return nil
}

// LimitError represents a resource limit violation.
type LimitError struct {
	Type      ResourceType
	Limit     int
	Used      int
	Requested int
}

// Error returns the error message.
func (e *LimitError) Error() string {
	return fmt.Sprintf("%s limit exceeded: %d used + %d requested > %d", e.Type, e.Used, e.Requested, e.Limit)
}

// Unwrap returns ErrLimitExceeded.
func (e *LimitError) Unwrap() error {
	return ErrLimitExceeded
}

// IsLimitError checks if an error is a limit error.
func IsLimitError(err error) bool {
	var le *LimitError
	return errors.As(err, &le)
}
