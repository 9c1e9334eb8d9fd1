package vm

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Translation errors.
var (
	ErrPageFault   = errors.New("page fault")
	ErrOutOfBounds = errors.New("address outside process memory")
	ErrNotResident = errors.New("page not resident")
	ErrNoSwap      = errors.New("no swap device configured")
	ErrPageSize    = errors.New("page size exceeds swap block size")
)

// PageFault reports an access to a page without a resident frame. It is
// recoverable: resolve the page and retry the access.
type PageFault struct {
	PID  int
	Page int
	Addr int
}

// Error returns the error message.
func (f *PageFault) Error() string {
	return fmt.Sprintf("page fault: pid %d page %d (addr %d)", f.PID, f.Page, f.Addr)
}

// Is matches ErrPageFault.
func (f *PageFault) Is(target error) bool {
	return target == ErrPageFault
}

// Spaces looks up the address space of a live process.
type Spaces interface {
	AddressSpace(pid int) (*AddressSpace, error)
}

// Memory is the RAM the translator moves page contents through.
type Memory interface {
	Read(addr, length int) ([]byte, error)
	Write(addr int, data []byte) error
}

// Translator performs logical to physical translation.
type Translator struct {
	spaces   Spaces
	ram      Memory
	swap     *Swap
	pageSize int
	log      logrus.FieldLogger
}

// NewTranslator creates a translator. swap may be nil, which disables Evict.
func NewTranslator(spaces Spaces, ram Memory, swap *Swap, pageSize int, log logrus.FieldLogger) (*Translator, error) {
	if pageSize <= 0 {
		return nil, fmt.Errorf("invalid page size %d", pageSize)
	}
	if swap != nil && pageSize > swap.BlockSize() {
		return nil, fmt.Errorf("%w: %d > %d", ErrPageSize, pageSize, swap.BlockSize())
	}
	return &Translator{
		spaces:   spaces,
		ram:      ram,
		swap:     swap,
		pageSize: pageSize,
		log:      log.WithField("component", "vm"),
	}, nil
}

// PageSize returns the page size in bytes.
func (t *Translator) PageSize() int {
	return t.pageSize
}

// Swap returns the swap area, or nil.
func (t *Translator) Swap() *Swap {
	return t.swap
}

// lookup returns the space of pid and checks addr against its size.
func (t *Translator) lookup(pid, addr int) (*AddressSpace, int, int, error) {
	space, err := t.spaces.AddressSpace(pid)
	if err != nil {
		return nil, 0, 0, err
	}
	if addr < 0 || addr >= space.Size {
		return nil, 0, 0, fmt.Errorf("%w: pid %d addr %d size %d", ErrOutOfBounds, pid, addr, space.Size)
	}
	return space, addr / t.pageSize, addr % t.pageSize, nil
}

// frame returns the frame backing page of space.
func (t *Translator) frame(space *AddressSpace, page int) (int, int) {
	start := page * t.pageSize
	length := min(t.pageSize, space.Size-start)
	return space.Base + start, length
}

// Translate maps a logical address of pid to a physical address.
func (t *Translator) Translate(pid, addr int) (int, error) {
	space, page, offset, err := t.lookup(pid, addr)
	if err != nil {
		return 0, err
	}

	pte, ok := space.Pages.Lookup(page)
	if !ok || !pte.Resident {
		return 0, &PageFault{PID: pid, Page: page, Addr: addr}
	}
	return pte.Frame + offset, nil
}

// Resolve makes the page containing addr resident, reading it back from
// swap when it was evicted. Resolving a resident page is a no-op.
func (t *Translator) Resolve(pid, addr int) error {
	space, page, _, err := t.lookup(pid, addr)
	if err != nil {
		return err
	}

	pte, ok := space.Pages.Lookup(page)
	if ok && pte.Resident {
		return nil
	}

	frame, length := t.frame(space, page)
	swapBlock := NoSwap
	if ok && pte.SwapBlock != NoSwap {
		data, err := t.swap.Load(pte.SwapBlock)
		if err != nil {
			return err
		}
		if err := t.ram.Write(frame, data[:length]); err != nil {
			return err
		}
		t.swap.Release(pte.SwapBlock)
		swapBlock = pte.SwapBlock
	}

	space.Pages.Set(PTE{Page: page, Frame: frame, Length: length, Resident: true, SwapBlock: NoSwap})
	t.log.WithFields(logrus.Fields{"pid": pid, "page": page, "frame": frame, "swap": swapBlock}).Debug("page resolved")
	return nil
}

// Evict writes a resident page to swap and unmaps it.
func (t *Translator) Evict(pid, page int) error {
	space, err := t.spaces.AddressSpace(pid)
	if err != nil {
		return err
	}
	if page < 0 || page >= space.PageCount(t.pageSize) {
		return fmt.Errorf("%w: pid %d page %d", ErrOutOfBounds, pid, page)
	}

	pte, ok := space.Pages.Lookup(page)
	if !ok || !pte.Resident {
		return fmt.Errorf("%w: pid %d page %d", ErrNotResident, pid, page)
	}
	if t.swap == nil {
		return ErrNoSwap
	}

	data, err := t.ram.Read(pte.Frame, pte.Length)
	if err != nil {
		return err
	}
	block, err := t.swap.Store(data)
	if err != nil {
		return err
	}
	if err := t.ram.Write(pte.Frame, make([]byte, pte.Length)); err != nil {
		t.swap.Release(block)
		return err
	}

	pte.Resident = false
	pte.SwapBlock = block
	space.Pages.Set(pte)
	t.log.WithFields(logrus.Fields{"pid": pid, "page": page, "swap": block}).Debug("page evicted")
	return nil
}

// Release drops the swap copies held by space. Called when its process
// terminates.
func (t *Translator) Release(space *AddressSpace) {
	if t.swap == nil {
		return
	}
	for _, pte := range space.Pages.Entries() {
		if pte.SwapBlock != NoSwap {
			t.swap.Release(pte.SwapBlock)
		}
	}
}

// Read copies length bytes of pid's memory starting at addr. Every page
// touched must be resident.
func (t *Translator) Read(pid, addr, length int) ([]byte, error) {
	out := make([]byte, 0, length)
	err := t.walk(pid, addr, length, func(paddr, n, _ int) error {
		chunk, err := t.ram.Read(paddr, n)
		if err != nil {
			return err
		}
		out = append(out, chunk...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Write stores data into pid's memory starting at addr. Nothing is written
// unless every page touched is resident.
func (t *Translator) Write(pid, addr int, data []byte) error {
	if err := t.walk(pid, addr, len(data), func(int, int, int) error { return nil }); err != nil {
		return err
	}
	return t.walk(pid, addr, len(data), func(paddr, n, done int) error {
		return t.ram.Write(paddr, data[done:done+n])
	})
}

// walk translates [addr, addr+length) one page piece at a time.
func (t *Translator) walk(pid, addr, length int, fn func(paddr, n, done int) error) error {
	if length < 0 {
		return fmt.Errorf("%w: negative length %d", ErrOutOfBounds, length)
	}
	if length > 0 {
		if _, _, _, err := t.lookup(pid, addr+length-1); err != nil {
			return err
		}
	}
	for done := 0; done < length; {
		cur := addr + done
		paddr, err := t.Translate(pid, cur)
		if err != nil {
			return err
		}
		n := min(t.pageSize-cur%t.pageSize, length-done)
		if err := fn(paddr, n, done); err != nil {
			return err
		}
		done += n
	}
	return nil
}
