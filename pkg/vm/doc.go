// Package vm translates process-logical addresses into physical RAM
// addresses through per-process page tables.
//
// Each process owns one contiguous physical block (its AddressSpace). Page n
// of the process is always backed by the frame at Base + n*pageSize, but a
// page is only usable once it is resident. Page tables start empty, so the
// first access to every page raises a *PageFault that the caller resolves
// with Resolve and then retries. Resident pages can be evicted to the swap
// area of the disk and are read back by the next Resolve.
package vm
