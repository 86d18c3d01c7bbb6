// Package uapi defines the on-the-wire structures shared with the vkey
// device: BAR0 register file and the three descriptor kinds (CMD, REPLY,
// COMP). Field layout and sizes are fixed by the device protocol, not
// negotiable at build time.
package uapi

import "unsafe"

// Owner byte values. The owner is the synchronization primitive for every
// descriptor kind: a descriptor's non-owner fields are only valid to read
// when owner equals the reader's side.
const (
	OwnerHost   uint8 = 0x55
	OwnerDevice uint8 = 0xAA
)

// PCI identity. See vkey_match in the original driver for the superseded
// product value; 0x0200 is the value from the more complete snapshot.
const (
	PCIVendorID  = 0x3301
	PCIProductID = 0x0200
)

// FlagTruncOK is the single submit() flag defined by the protocol: accept
// a truncated reply rather than bouncing.
const FlagTruncOK uint32 = 1 << 0

// BAR0Size is the exact, mandatory size of BAR 0.
const BAR0Size = 0x80

// BAR0 mirrors the device register file at BAR 0, offsets 0x00-0x47.
// Reserved fields exist only to pad offsets to match the wire layout;
// they carry no meaning and are never read.
type BAR0 struct {
	Vmaj uint32 // 0x00
	Vmin uint32 // 0x04

	reserved0 uint32 // 0x08
	Flags     uint32 // 0x0c

	Cbase     uint64 // 0x10
	reserved1 uint32 // 0x18
	Cshift    uint32 // 0x1c

	Rbase     uint64 // 0x20
	reserved2 uint32 // 0x28
	Rshift    uint32 // 0x2c

	Cpbase    uint64 // 0x30
	reserved3 uint32 // 0x38
	Cpshift   uint32 // 0x3c

	Dbell   uint32 // 0x40
	Cpdbell uint32 // 0x44
}

var _ [0x48]byte = [unsafe.Sizeof(BAR0{})]byte{}

// CmdDesc and ReplyDesc share an identical 64-byte layout. Command
// descriptors describe input data; reply descriptors describe pre-posted
// buffers the device will later fill.
type CmdDesc struct {
	Owner    uint8
	Type     uint8
	reserved [3]uint8 // compiler-inserted alignment pad brings Len1 to offset 8

	Len1 uint32
	Len2 uint32
	Len3 uint32
	Len4 uint32

	Cookie uint64

	Ptr1 uint64
	Ptr2 uint64
	Ptr3 uint64
	Ptr4 uint64
}

var _ [64]byte = [unsafe.Sizeof(CmdDesc{})]byte{}

// ReplyDesc is byte-for-byte identical to CmdDesc; kept as a distinct Go
// type so the two rings cannot be confused at the type level even though
// their wire shape is the same.
type ReplyDesc struct {
	Owner    uint8
	Type     uint8
	reserved [3]uint8

	Len1 uint32
	Len2 uint32
	Len3 uint32
	Len4 uint32

	Cookie uint64

	Ptr1 uint64
	Ptr2 uint64
	Ptr3 uint64
	Ptr4 uint64
}

var _ [64]byte = [unsafe.Sizeof(ReplyDesc{})]byte{}

// CompDesc is the 32-byte completion descriptor.
type CompDesc struct {
	Owner    uint8
	Type     uint8
	reserved [2]uint8

	reserved1 uint32
	Msglen    uint32

	CmdCookie   uint64
	ReplyCookie uint64
}

var _ [32]byte = [unsafe.Sizeof(CompDesc{})]byte{}
