// Package ringmem provides the CMD, REPLY, and COMP descriptor rings and
// the DMA-coherent memory they live in. Ring layout (entry size, depth,
// base address) is dictated by BAR0's cbase/cshift, rbase/rshift, and
// cpbase/cpshift fields; ringmem only knows how to index into memory it
// is handed, not where that memory comes from.
package ringmem

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Segment is one (address, length) pair as written into a CmdDesc or
// ReplyDesc's segment fields.
type Segment struct {
	Addr uint64
	Len  uint32
}

// Allocator provides DMA-coherent memory for a descriptor ring.
// AnonAllocator is the only implementation; Open and vkeytest both
// use it.
type Allocator interface {
	// Allocate returns size bytes of memory and the bus address the
	// device should use to reach it (as would be programmed into
	// cbase/rbase/cpbase by the attach-time collaborator).
	Allocate(size int) (mem []byte, busAddr uint64, err error)
	// Free releases memory returned by a prior Allocate.
	Free(mem []byte) error
}

// AnonAllocator satisfies Allocator with anonymous mmap'd memory and a
// bus address equal to the host virtual address. It has no real IOMMU
// translation behind it; it exists so the engine and its tests can run
// without a physical device.
type AnonAllocator struct{}

// Allocate maps size bytes (page-rounded) of anonymous, zeroed memory and
// mlocks it so it behaves like the non-swappable, IOMMU-mapped region a
// real DMA allocator would hand back. The returned bus address is the
// host virtual address of the mapping, since this allocator never talks
// to real silicon.
func (AnonAllocator) Allocate(size int) ([]byte, uint64, error) {
	if size <= 0 {
		return nil, 0, fmt.Errorf("ringmem: invalid allocation size %d", size)
	}
	pageSize := os.Getpagesize()
	if rem := size % pageSize; rem != 0 {
		size += pageSize - rem
	}

	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, 0, fmt.Errorf("ringmem: mmap failed: %w", err)
	}
	if err := unix.Mlock(mem); err != nil {
		_ = unix.Munmap(mem)
		return nil, 0, fmt.Errorf("ringmem: mlock failed: %w", err)
	}

	addr := uint64(uintptr(unsafe.Pointer(&mem[0])))
	return mem, addr, nil
}

// Free unlocks and unmaps memory returned by Allocate.
func (AnonAllocator) Free(mem []byte) error {
	if len(mem) == 0 {
		return nil
	}
	_ = unix.Munlock(mem)
	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("ringmem: munmap failed: %w", err)
	}
	return nil
}
