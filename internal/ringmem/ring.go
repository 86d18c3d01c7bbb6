package ringmem

import (
	"fmt"
	"unsafe"

	"github.com/vkeyhost/vkey/internal/uapi"
)

// CmdRing is the fixed-size array of CmdDesc entries the host writes
// commands into and the device drains via owner handoff.
type CmdRing struct {
	mem   []byte
	depth uint32
}

// NewCmdRing wraps mem as a ring of depth CmdDesc entries. mem must be
// at least depth*sizeof(CmdDesc) bytes.
func NewCmdRing(mem []byte, depth uint32) (*CmdRing, error) {
	need := uintptr(depth) * unsafe.Sizeof(uapi.CmdDesc{})
	if uintptr(len(mem)) < need {
		return nil, fmt.Errorf("ringmem: CMD ring needs %d bytes, got %d", need, len(mem))
	}
	return &CmdRing{mem: mem, depth: depth}, nil
}

// Depth returns the number of entries in the ring.
func (r *CmdRing) Depth() uint32 { return r.depth }

// Slot returns the live descriptor at index idx (idx must be < Depth()).
// Mutations through the returned pointer are visible to the device once
// the owner byte is flipped.
func (r *CmdRing) Slot(idx uint32) *uapi.CmdDesc {
	off := uintptr(idx) * unsafe.Sizeof(uapi.CmdDesc{})
	return (*uapi.CmdDesc)(unsafe.Pointer(&r.mem[off]))
}

// ReplyRing is the fixed-size array of ReplyDesc entries the host
// pre-posts reply buffers into.
type ReplyRing struct {
	mem   []byte
	depth uint32
}

// NewReplyRing wraps mem as a ring of depth ReplyDesc entries.
func NewReplyRing(mem []byte, depth uint32) (*ReplyRing, error) {
	need := uintptr(depth) * unsafe.Sizeof(uapi.ReplyDesc{})
	if uintptr(len(mem)) < need {
		return nil, fmt.Errorf("ringmem: REPLY ring needs %d bytes, got %d", need, len(mem))
	}
	return &ReplyRing{mem: mem, depth: depth}, nil
}

// Depth returns the number of entries in the ring.
func (r *ReplyRing) Depth() uint32 { return r.depth }

// Slot returns the live descriptor at index idx.
func (r *ReplyRing) Slot(idx uint32) *uapi.ReplyDesc {
	off := uintptr(idx) * unsafe.Sizeof(uapi.ReplyDesc{})
	return (*uapi.ReplyDesc)(unsafe.Pointer(&r.mem[off]))
}

// CompRing is the fixed-size array of CompDesc entries the device
// writes completions into.
type CompRing struct {
	mem   []byte
	depth uint32
}

// NewCompRing wraps mem as a ring of depth CompDesc entries.
func NewCompRing(mem []byte, depth uint32) (*CompRing, error) {
	need := uintptr(depth) * unsafe.Sizeof(uapi.CompDesc{})
	if uintptr(len(mem)) < need {
		return nil, fmt.Errorf("ringmem: COMP ring needs %d bytes, got %d", need, len(mem))
	}
	return &CompRing{mem: mem, depth: depth}, nil
}

// Depth returns the number of entries in the ring.
func (r *CompRing) Depth() uint32 { return r.depth }

// Slot returns the live descriptor at index idx.
func (r *CompRing) Slot(idx uint32) *uapi.CompDesc {
	off := uintptr(idx) * unsafe.Sizeof(uapi.CompDesc{})
	return (*uapi.CompDesc)(unsafe.Pointer(&r.mem[off]))
}

// Rings bundles the three ring kinds plus the allocator they came from,
// so attach-time setup and detach-time teardown have one object to
// carry around.
type Rings struct {
	Cmd   *CmdRing
	Reply *ReplyRing
	Comp  *CompRing

	alloc    Allocator
	cmdMem   []byte
	replyMem []byte
	compMem  []byte
}

// Allocate builds all three rings from alloc, sized by the given
// depths, and returns the bus addresses to program into BAR0's
// cbase/rbase/cpbase registers.
func Allocate(alloc Allocator, cmdDepth, replyDepth, compDepth uint32) (*Rings, uint64, uint64, uint64, error) {
	cmdMem, cmdAddr, err := alloc.Allocate(int(uintptr(cmdDepth) * unsafe.Sizeof(uapi.CmdDesc{})))
	if err != nil {
		return nil, 0, 0, 0, fmt.Errorf("ringmem: allocate CMD ring: %w", err)
	}
	replyMem, replyAddr, err := alloc.Allocate(int(uintptr(replyDepth) * unsafe.Sizeof(uapi.ReplyDesc{})))
	if err != nil {
		_ = alloc.Free(cmdMem)
		return nil, 0, 0, 0, fmt.Errorf("ringmem: allocate REPLY ring: %w", err)
	}
	compMem, compAddr, err := alloc.Allocate(int(uintptr(compDepth) * unsafe.Sizeof(uapi.CompDesc{})))
	if err != nil {
		_ = alloc.Free(cmdMem)
		_ = alloc.Free(replyMem)
		return nil, 0, 0, 0, fmt.Errorf("ringmem: allocate COMP ring: %w", err)
	}

	cmdRing, err := NewCmdRing(cmdMem, cmdDepth)
	if err != nil {
		return nil, 0, 0, 0, err
	}
	replyRing, err := NewReplyRing(replyMem, replyDepth)
	if err != nil {
		return nil, 0, 0, 0, err
	}
	compRing, err := NewCompRing(compMem, compDepth)
	if err != nil {
		return nil, 0, 0, 0, err
	}

	return &Rings{
		Cmd: cmdRing, Reply: replyRing, Comp: compRing,
		alloc: alloc, cmdMem: cmdMem, replyMem: replyMem, compMem: compMem,
	}, cmdAddr, replyAddr, compAddr, nil
}

// Close frees the memory backing all three rings.
func (r *Rings) Close() error {
	var firstErr error
	for _, mem := range [][]byte{r.cmdMem, r.replyMem, r.compMem} {
		if err := r.alloc.Free(mem); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
