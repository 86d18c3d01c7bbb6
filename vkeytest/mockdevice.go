// Package vkeytest provides a software-only mock vkey device: a BAR0
// register window backed by plain heap memory, rings in
// ringmem.AnonAllocator memory, and a goroutine playing the device side
// of the CMD/REPLY/COMP ring protocol, with no UIO file and no device
// BAR mapping. It mirrors the teacher's
// testing.go MockBackend and queue.NewStubRunner: a drop-in stand-in
// good enough to drive internal/engine end-to-end from outside this
// module's internal packages.
package vkeytest

import (
	"context"
	"encoding/binary"
	"time"
	"unsafe"

	"github.com/vkeyhost/vkey/internal/bar"
	"github.com/vkeyhost/vkey/internal/engine"
	"github.com/vkeyhost/vkey/internal/logging"
	"github.com/vkeyhost/vkey/internal/ringmem"
	"github.com/vkeyhost/vkey/internal/uapi"
)

// ReplyFunc produces a reply for one command, standing in for whatever
// opaque payload processing the real device performs (spec.md §1: the
// driver is opaque to payload semantics, and so is this mock).
type ReplyFunc func(cmdType uint8, input []byte) (msglen uint32, data []byte)

// Echo is a ReplyFunc that returns the input unchanged, used by the
// round-trip tests (L1, S1).
func Echo(_ uint8, input []byte) (uint32, []byte) {
	return uint32(len(input)), input
}

// MockDevice owns a BAR0 window and a set of DMA rings, and plays the
// device side of the protocol once Start is called: consuming CMD
// descriptors, applying a ReplyFunc, filling pre-posted REPLY buffers,
// and posting COMP descriptors — all via plain ownership-byte flips,
// no real doorbell or MSI-X delivery.
type MockDevice struct {
	Regs  *bar.Regs
	Rings *ringmem.Rings
	Alloc ringmem.Allocator

	CmdDepth, ReplyDepth, CompDepth uint32

	mapped []byte

	cmdConsume, replyConsume, compPost uint32

	replyFn ReplyFunc

	stop chan struct{}
	done chan struct{}
}

// NewMockDevice builds a mock device with the given ring depths
// (entry counts, not shifts) and reply-production function. The
// returned device reports protocol version 1.0, matching
// RequiredProtocolMajor, and no fault flags set.
func NewMockDevice(cmdDepth, replyDepth, compDepth uint32, replyFn ReplyFunc) (*MockDevice, error) {
	mapped := make([]byte, uapi.BAR0Size)
	binary.LittleEndian.PutUint32(mapped[0x00:], 1) // vmaj
	binary.LittleEndian.PutUint32(mapped[0x04:], 0) // vmin
	regs := bar.NewRegs(mapped)

	alloc := ringmem.AnonAllocator{}
	rings, cmdAddr, replyAddr, compAddr, err := ringmem.Allocate(alloc, cmdDepth, replyDepth, compDepth)
	if err != nil {
		return nil, err
	}
	regs.WriteCbase(cmdAddr)
	regs.WriteCshift(shiftOf(cmdDepth))
	regs.WriteRbase(replyAddr)
	regs.WriteRshift(shiftOf(replyDepth))
	regs.WriteCpbase(compAddr)
	regs.WriteCpshift(shiftOf(compDepth))

	return &MockDevice{
		Regs: regs, Rings: rings, Alloc: alloc,
		CmdDepth: cmdDepth, ReplyDepth: replyDepth, CompDepth: compDepth,
		mapped:  mapped,
		replyFn: replyFn,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

func shiftOf(depth uint32) uint32 {
	var shift uint32
	for (uint32(1) << shift) < depth {
		shift++
	}
	return shift
}

// SetFault sets one or more device-fault bits in the BAR flags
// register (spec.md §6.4), for testing S5-style hwerr scenarios.
func (d *MockDevice) SetFault(bits uint32) {
	d.Regs.WriteFlags(d.Regs.Flags() | bits)
}

// EngineConfig builds an engine.Config wired to this mock device's
// regs, rings, and allocator, ready for engine.New.
func (d *MockDevice) EngineConfig(log *logging.Logger) engine.Config {
	return engine.Config{
		Regs: d.Regs, Rings: d.Rings, Alloc: d.Alloc,
		Log:        log,
		CmdDepth:   d.CmdDepth,
		ReplyDepth: d.ReplyDepth,
		CompDepth:  d.CompDepth,
	}
}

// Start launches the device-side goroutine. Call Close to stop it.
func (d *MockDevice) Start() {
	go func() {
		defer close(d.done)
		type pending struct {
			cookie  uint64
			cmdType uint8
			input   []byte
		}
		var queue []pending

		for {
			select {
			case <-d.stop:
				return
			default:
			}

			cmdSlot := d.Rings.Cmd.Slot(d.cmdConsume % d.CmdDepth)
			if bar.LoadOwner(unsafe.Pointer(cmdSlot)) == uapi.OwnerDevice {
				input := readSegment(cmdSlot.Ptr1, cmdSlot.Len1)
				queue = append(queue, pending{cookie: cmdSlot.Cookie, cmdType: cmdSlot.Type, input: input})
				bar.Sfence()
				cmdSlot.Owner = uapi.OwnerHost
				bar.Mfence()
				d.cmdConsume++
			}

			for len(queue) > 0 {
				replySlot := d.Rings.Reply.Slot(d.replyConsume % d.ReplyDepth)
				if bar.LoadOwner(unsafe.Pointer(replySlot)) != uapi.OwnerDevice {
					break
				}
				job := queue[0]
				queue = queue[1:]
				d.replyConsume++

				msglen, data := d.replyFn(job.cmdType, job.input)
				dst := readSegment(replySlot.Ptr1, replySlot.Len1)
				copy(dst, data)

				bar.Sfence()
				replySlot.Owner = uapi.OwnerHost
				bar.Mfence()

				compSlot := d.Rings.Comp.Slot(d.compPost % d.CompDepth)
				compSlot.Msglen = msglen
				compSlot.Type = job.cmdType
				compSlot.CmdCookie = job.cookie
				compSlot.ReplyCookie = replySlot.Cookie
				bar.Sfence()
				compSlot.Owner = uapi.OwnerHost
				bar.Mfence()
				d.compPost++
			}

			time.Sleep(time.Millisecond)
		}
	}()
}

// Close stops the device-side goroutine and frees ring memory.
func (d *MockDevice) Close() error {
	close(d.stop)
	<-d.done
	return d.Rings.Close()
}

func readSegment(addr uint64, length uint32) []byte {
	if length == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), int(length))
}

// PumpCompletions drives eng.HandleInterrupt on a polling timer until
// ctx is cancelled, standing in for the blocking UIO interrupt-read
// loop (internal/intr.Loop) production uses.
func PumpCompletions(ctx context.Context, eng *engine.Engine) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
				eng.HandleInterrupt()
				time.Sleep(time.Millisecond)
			}
		}
	}()
}
