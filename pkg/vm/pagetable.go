package vm

import "sort"

// NoSwap marks a page table entry without a copy on disk.
const NoSwap = -1

// PTE is a page table entry.
type PTE struct {
	Page      int
	Frame     int
	Length    int
	Resident  bool
	SwapBlock int
}

// PageTable maps logical page numbers to frames.
type PageTable struct {
	entries map[int]PTE
}

// NewPageTable returns an empty page table.
func NewPageTable() *PageTable {
	return &PageTable{entries: make(map[int]PTE)}
}

// Lookup returns the entry for page.
func (pt *PageTable) Lookup(page int) (PTE, bool) {
	e, ok := pt.entries[page]
	return e, ok
}

// Set stores the entry under e.Page.
func (pt *PageTable) Set(e PTE) {
	pt.entries[e.Page] = e
}

// Entries returns all entries ordered by page number.
func (pt *PageTable) Entries() []PTE {
	out := make([]PTE, 0, len(pt.entries))
	for _, e := range pt.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Page < out[j].Page })
	return out
}

// Resident returns the number of resident pages.
func (pt *PageTable) Resident() int {
	n := 0
	for _, e := range pt.entries {
		if e.Resident {
			n++
		}
	}
	return n
}

// AddressSpace is the memory descriptor stored in a process control block.
type AddressSpace struct {
	Base  int
	Size  int
	Pages *PageTable
}

// NewAddressSpace describes size bytes of physical memory starting at base.
func NewAddressSpace(base, size int) *AddressSpace {
	return &AddressSpace{Base: base, Size: size, Pages: NewPageTable()}
}

// PageCount returns how many pages of pageSize cover the space.
func (s *AddressSpace) PageCount(pageSize int) int {
	return (s.Size + pageSize - 1) / pageSize
}
