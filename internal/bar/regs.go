// Package bar provides typed, ordered access to the vkey BAR0 register
// window and to the owner byte that guards every descriptor. All reads
// of fields other than the owner byte must be preceded by an Mfence
// after observing the owner flip; all writes that hand a descriptor back
// to the device must be followed by an Sfence before the owner write.
package bar

import (
	"sync/atomic"
	"unsafe"

	"github.com/vkeyhost/vkey/internal/uapi"
)

// Regs is a live view over the mmap'd BAR0 window. base must point at a
// byte slice of at least uapi.BAR0Size bytes backed by the device's
// memory-mapped register file (or, in tests, a plain byte slice standing
// in for one).
type Regs struct {
	base unsafe.Pointer
}

// NewRegs wraps raw mapped at base. The caller owns the lifetime of
// mapped; Regs holds no reference to the slice header, only its pointer.
func NewRegs(mapped []byte) *Regs {
	if len(mapped) < uapi.BAR0Size {
		panic("bar: mapped region smaller than BAR0Size")
	}
	return &Regs{base: unsafe.Pointer(&mapped[0])}
}

func (r *Regs) at(offset uintptr) unsafe.Pointer {
	return unsafe.Add(r.base, offset)
}

// Vmaj returns the device's major protocol version.
func (r *Regs) Vmaj() uint32 { return atomic.LoadUint32((*uint32)(r.at(0x00))) }

// Vmin returns the device's minor protocol version.
func (r *Regs) Vmin() uint32 { return atomic.LoadUint32((*uint32)(r.at(0x04))) }

// Flags reads the current fault/status flags word (§6.4).
func (r *Regs) Flags() uint32 { return atomic.LoadUint32((*uint32)(r.at(0x0c))) }

// WriteFlags writes the flags register, used only to set FlagRst.
func (r *Regs) WriteFlags(v uint32) { atomic.StoreUint32((*uint32)(r.at(0x0c)), v) }

// Cbase returns the CMD ring's base DMA address as seen by the host.
func (r *Regs) Cbase() uint64 { return atomic.LoadUint64((*uint64)(r.at(0x10))) }

// WriteCbase programs the CMD ring's base DMA address at attach time.
func (r *Regs) WriteCbase(v uint64) { atomic.StoreUint64((*uint64)(r.at(0x10)), v) }

// Cshift returns the CMD ring's depth shift (depth == 1<<Cshift).
func (r *Regs) Cshift() uint32 { return atomic.LoadUint32((*uint32)(r.at(0x1c))) }

// WriteCshift advertises the CMD ring's depth shift to the device.
func (r *Regs) WriteCshift(v uint32) { atomic.StoreUint32((*uint32)(r.at(0x1c)), v) }

// Rbase returns the REPLY ring's base DMA address.
func (r *Regs) Rbase() uint64 { return atomic.LoadUint64((*uint64)(r.at(0x20))) }

// WriteRbase programs the REPLY ring's base DMA address.
func (r *Regs) WriteRbase(v uint64) { atomic.StoreUint64((*uint64)(r.at(0x20)), v) }

// Rshift returns the REPLY ring's depth shift.
func (r *Regs) Rshift() uint32 { return atomic.LoadUint32((*uint32)(r.at(0x2c))) }

// WriteRshift advertises the REPLY ring's depth shift to the device.
func (r *Regs) WriteRshift(v uint32) { atomic.StoreUint32((*uint32)(r.at(0x2c)), v) }

// Cpbase returns the COMP ring's base DMA address.
func (r *Regs) Cpbase() uint64 { return atomic.LoadUint64((*uint64)(r.at(0x30))) }

// WriteCpbase programs the COMP ring's base DMA address.
func (r *Regs) WriteCpbase(v uint64) { atomic.StoreUint64((*uint64)(r.at(0x30)), v) }

// Cpshift returns the COMP ring's depth shift.
func (r *Regs) Cpshift() uint32 { return atomic.LoadUint32((*uint32)(r.at(0x3c))) }

// WriteCpshift advertises the COMP ring's depth shift to the device.
func (r *Regs) WriteCpshift(v uint32) { atomic.StoreUint32((*uint32)(r.at(0x3c)), v) }

// RingDepth converts a shift register value to an entry count.
func RingDepth(shift uint32) uint32 { return 1 << shift }

// RingDbell returns the CMD/REPLY doorbell register value.
func (r *Regs) RingDbell() uint32 { return atomic.LoadUint32((*uint32)(r.at(0x40))) }

// WriteDbell rings the CMD/REPLY doorbell at the given ring index. The
// register is effectively write-only from the host's perspective once
// rung; readers only use RingDbell in tests.
func (r *Regs) WriteDbell(v uint32) { atomic.StoreUint32((*uint32)(r.at(0x40)), v) }

// CpDbell returns the COMP ring doorbell register value.
func (r *Regs) CpDbell() uint32 { return atomic.LoadUint32((*uint32)(r.at(0x44))) }

// WriteCpDbell rings the COMP doorbell at the given completion index.
func (r *Regs) WriteCpDbell(v uint32) { atomic.StoreUint32((*uint32)(r.at(0x44)), v) }

// LoadOwner reads a descriptor's owner byte. Single-byte loads are
// already atomic on every architecture Go supports; callers pair this
// with Mfence before trusting any other field once ownership flips to
// them. This is the synchronization point: callers must not read any
// other field of the descriptor until LoadOwner reports the side they
// expect.
func LoadOwner(descBase unsafe.Pointer) uint8 {
	return *(*uint8)(descBase)
}

// StoreOwner hands a descriptor to the other side. Callers must finish
// writing every other field and issue Sfence before calling StoreOwner,
// so the new owner never observes a partially written descriptor.
func StoreOwner(descBase unsafe.Pointer, owner uint8) {
	*(*uint8)(descBase) = owner
}
