/*
Package memory implements the physical memory allocator.

The allocator keeps an address-ordered list of blocks that partitions the
RAM arena exactly: no gaps, no overlaps, and after every Free no two free
blocks are adjacent. Two selection policies exist:

  - FirstFit: the lowest-addressed free block that is large enough.
  - BestFit: the smallest free block that is large enough; ties go to the
    lower address.

The policy is fixed when the allocator is created. A chosen block larger
than the request is split and the remainder stays free, directly after the
allocated part.

The allocator only deals with address ranges. It never reads or writes RAM.
*/
package memory
