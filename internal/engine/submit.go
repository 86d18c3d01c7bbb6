package engine

import (
	"context"
	"unsafe"

	"github.com/vkeyhost/vkey/internal/bar"
	"github.com/vkeyhost/vkey/internal/pool"
	"github.com/vkeyhost/vkey/internal/ringmem"
	"github.com/vkeyhost/vkey/internal/uapi"
)

// Request is the caller's view of one submit() call (§4.4, §6.3).
type Request struct {
	CmdType uint8
	In      [][]byte // up to 4 input segments
	Out     [][]byte // up to 4 destination segments for the reply
	TruncOK bool

	// ReplyBufSize is the size to post for a freshly allocated REPLY
	// buffer when one must be created (step 5a). Zero means the
	// default reply size. A retrying caller (C7's bouncing loop) sets
	// this to the prior attempt's Result.BounceSize.
	ReplyBufSize int
}

// Result is what submit() reports back to the ioctl caller.
type Result struct {
	ReplyType  uint8
	Rlen       uint32 // device-reported reply length, regardless of truncation
	BounceSize uint32 // set alongside ErrBufferTooSmall: retry with this size
}

// Submit runs the full submit() algorithm of §4.4. The caller (C7) is
// responsible for the bouncing retry loop: on ErrBufferTooSmall, retry
// with a Result.BounceSize-sized destination and the same request
// otherwise unchanged, up to the bounce retry ceiling.
func (e *Engine) Submit(ctx context.Context, req Request) (*Result, error) {
	// Step 1: prepare input DMA. No lock held.
	inSegs, err := segmentsOf(req.In)
	if err != nil {
		return nil, err
	}

	bounceSize := req.ReplyBufSize

	// Step 2: acquire mutex.
	e.mu.Lock()

	if err := e.checkFlagsLocked(); err != nil {
		e.mu.Unlock()
		return nil, err
	}

	// Step 3: assign cookie.
	cookieVal, err := e.nextCookieLocked()
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}

	// Steps 4-5 repeat ("restart from step 4") whenever a reply slot
	// must be allocated outside the lock; the cookie from step 3 is
	// not reassigned across restarts.
	for {
		// Step 4: wait for a CMD slot.
		for e.counts.Ncmd == int(e.cmdDepth) {
			if !e.waitCmdAvailLocked(ctx) {
				e.mu.Unlock()
				return nil, ErrInterrupted
			}
			if err := e.checkFlagsLocked(); err != nil {
				e.mu.Unlock()
				return nil, err
			}
		}

		// Step 5: ensure a reply slot.
		if e.counts.Nfree == 0 {
			if bounceSize == 0 {
				bounceSize = pool.DefaultReplySize
			}
			e.mu.Unlock()

			buf, busAddr, allocErr := e.alloc.Allocate(bounceSize)
			if allocErr != nil {
				return nil, allocErr
			}

			e.mu.Lock()
			if err := e.checkFlagsLocked(); err != nil {
				e.mu.Unlock()
				_ = e.alloc.Free(buf)
				return nil, err
			}
			// Re-verify under this fresh, unbroken locked epoch: other
			// submitters may have posted buffers while we were unlocked.
			// If the REPLY ring has no room left, free this buffer and
			// restart from step 4; otherwise the freshly allocated
			// buffer is posted rather than wasted, even if a reply slot
			// was freed in the meantime.
			if e.counts.Ncmd+e.counts.Nfree >= int(e.replyDepth) {
				_ = e.alloc.Free(buf)
				continue
			}
			if postErr := e.postReplyLocked(buf, busAddr); postErr != nil {
				e.mu.Unlock()
				_ = e.alloc.Free(buf)
				return nil, postErr
			}
			continue
		}

		break
	}

	// Step 6: claim slots.
	e.counts.ClaimForSubmit()
	cmdIdx := e.allocCmdRecord(cookieVal)
	e.cmdCookies.Insert(cookieVal, cmdIdx)

	// Step 7: write the CMD descriptor and ring the doorbell.
	slot := e.cmdHead % e.cmdDepth
	e.cmdHead++
	e.cmdArena[cmdIdx].slot = slot
	if err := e.writeCmdDescriptorLocked(slot, req.CmdType, inSegs, cookieVal); err != nil {
		// Protocol violation: the slot we claimed wasn't HOST-owned.
		// Abort this operation and detach the whole instance rather
		// than trust the ring further (spec.md §7 taxonomy item 4).
		// Undo the step-6 claim so N_cmd/N_free stay consistent for
		// Close's drain-to-zero wait.
		e.log.Errorf("vkey: protocol violation writing CMD slot %d: %v", slot, err)
		e.cmdCookies.Delete(cookieVal)
		e.freeCmdRecord(cmdIdx)
		e.counts.Ncmd--
		e.counts.Nfree++
		e.detachLocked(err)
		e.mu.Unlock()
		return nil, err
	}

	doneCh := e.cmdArena[cmdIdx].done
	e.mu.Unlock()

	// Step 8: sleep until done, interruptibly.
	select {
	case <-doneCh:
	case <-ctx.Done():
		// CANCELLED: the device-posted descriptor stays in flight; the
		// ring slot is still owned by DEVICE and cannot be reclaimed
		// here. Drop the CMD cookie now so the completion handler finds
		// no CMD match when the reply eventually lands and reclaims it
		// as an orphan instead (§5 cancellation, §7 propagation, S4).
		// N_cmd/N_free are left untouched: the orphan path in C6 is what
		// restores them, per P1/P2/B5.
		e.abandonCmdLocked(cookieVal, cmdIdx)
		return nil, ErrInterrupted
	}

	// Step 9 happened implicitly: the completion handler released the
	// mutex after updating this record under its own locked epoch.
	e.mu.Lock()
	rec := e.cmdArena[cmdIdx]
	ioErr := rec.ioErr
	hasReply := rec.hasReply
	replyCookieVal := rec.replyCookie
	replyLen := rec.replyLen
	replyType := rec.replyType
	e.mu.Unlock()

	if ioErr != nil {
		e.epilogue(cookieVal, cmdIdx, hasReply, replyCookieVal, false)
		return nil, ioErr
	}

	result := &Result{ReplyType: replyType, Rlen: replyLen}

	if !hasReply {
		e.epilogue(cookieVal, cmdIdx, false, 0, false)
		return result, nil
	}

	// Step 10: copy reply out. No lock held.
	e.mu.Lock()
	replyIdx, ok := e.replyCookies.Get(replyCookieVal)
	e.mu.Unlock()
	if !ok {
		e.epilogue(cookieVal, cmdIdx, true, replyCookieVal, false)
		return nil, ErrProtocolOrphan
	}
	replyBuf := e.replyArena[replyIdx].buf

	oversize := replyLen > uint32(len(replyBuf))
	if oversize {
		result.BounceSize = replyLen
		if !req.TruncOK {
			e.epilogue(cookieVal, cmdIdx, true, replyCookieVal, true)
			return result, ErrBufferTooSmall
		}
	}

	copyLen := replyLen
	if copyLen > uint32(len(replyBuf)) {
		copyLen = uint32(len(replyBuf))
	}
	writeOutSegments(req.Out, replyBuf[:copyLen])

	// Step 11: epilogue cleanup. An oversize reply reaching this point
	// was accepted truncated (TruncOK), so its buffer is recycled; only
	// a rejected truncation (above) destroys it.
	e.epilogue(cookieVal, cmdIdx, true, replyCookieVal, false)

	return result, nil
}

// waitCmdAvailLocked blocks on the cmd-available condition, honoring
// ctx cancellation. Returns false if ctx was cancelled first.
func (e *Engine) waitCmdAvailLocked(ctx context.Context) bool {
	woken := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			e.mu.Lock()
			e.cmdAvail.Broadcast()
			e.mu.Unlock()
		case <-woken:
		}
	}()
	e.cmdAvail.Wait()
	close(woken)
	select {
	case <-ctx.Done():
		return false
	default:
		return true
	}
}

// postReplyLocked posts a freshly allocated REPLY descriptor and
// increments N_free (§4.4 step 5b run against a just-allocated map).
func (e *Engine) postReplyLocked(buf []byte, busAddr uint64) error {
	cookieVal, err := e.nextCookieLocked()
	if err != nil {
		return err
	}
	replyCookieVal := cookieVal + replyCookieOffset

	idx := e.allocReplyRecord(replyCookieVal, buf, len(buf) != pool.DefaultReplySize)
	e.replyCookies.Insert(replyCookieVal, idx)

	slot := e.replyHead % e.replyDepth
	e.replyHead++
	e.replyArena[idx].slot = slot
	if err := e.writeReplyDescriptorLocked(slot, busAddr, uint32(len(buf)), replyCookieVal); err != nil {
		// Protocol violation: abort and detach (spec.md §7 taxonomy
		// item 4), same as the CMD-descriptor case above.
		e.log.Errorf("vkey: protocol violation writing REPLY slot %d: %v", slot, err)
		e.replyCookies.Delete(replyCookieVal)
		e.freeReplyRecord(idx)
		e.detachLocked(err)
		return err
	}

	e.counts.PostFreshReply()
	return nil
}

// abandonCmdLocked drops a CMD cookie's bookkeeping after a cancelled
// wait (§5), without touching N_cmd/N_free: the slot is still owned by
// DEVICE, so those counts stay exactly as they were until the
// completion handler's orphan path (handleOneCompletion's default
// case) recycles the eventual reply and restores them.
func (e *Engine) abandonCmdLocked(cmdCookieVal uint64, cmdIdx int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cmdCookies.Delete(cmdCookieVal)
	e.freeCmdRecord(cmdIdx)
}

// epilogue implements §4.4 step 11 under a fresh locked epoch.
func (e *Engine) epilogue(cmdCookieVal uint64, cmdIdx int, hasReply bool, replyCookieVal uint64, oversize bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if hasReply {
		if replyIdx, ok := e.replyCookies.Get(replyCookieVal); ok {
			if oversize {
				e.replyCookies.Delete(replyCookieVal)
				buf := e.replyArena[replyIdx].buf
				e.freeReplyRecord(replyIdx)
				_ = e.alloc.Free(buf)
				e.counts.DestroyOnOversize()
			} else {
				e.recycleReplyLocked(replyIdx)
			}
		}
	} else {
		// No reply consumed the REPLY buffer claimed for this command;
		// it is still posted, so it returns to the free count.
		e.counts.Ncmd--
		e.counts.Nfree++
	}

	e.cmdCookies.Delete(cmdCookieVal)
	e.freeCmdRecord(cmdIdx)
	e.cmdAvail.Broadcast()
}

// recycleReplyLocked re-posts a REPLY descriptor's buffer under a new
// cookie, keeping it in the free pool (§3 REPLY cookie lifecycle).
func (e *Engine) recycleReplyLocked(oldIdx int) {
	old := e.replyArena[oldIdx]
	buf := old.buf
	e.replyCookies.Delete(old.cookie)
	e.freeReplyRecord(oldIdx)

	cookieVal, err := e.nextCookieLocked()
	if err != nil {
		// Cookie space exhausted: the buffer is dropped rather than
		// recycled. Exceedingly unlikely in practice (would require
		// ~10^19 prior requests) but must not panic.
		e.counts.DestroyOnOversize()
		_ = e.alloc.Free(buf)
		return
	}
	replyCookieVal := cookieVal + replyCookieOffset

	idx := e.allocReplyRecord(replyCookieVal, buf, false)
	e.replyCookies.Insert(replyCookieVal, idx)

	slot := e.replyHead % e.replyDepth
	e.replyHead++
	e.replyArena[idx].slot = slot
	// The new slot is the ring head, not the slot this buffer was last
	// posted in, so it may carry another buffer's address (or none): the
	// whole descriptor is rewritten. The buffer's host address serves as
	// its bus address, the same binding segmentsOf uses for input data.
	busAddr := uint64(uintptr(unsafe.Pointer(&buf[0])))
	if err := e.writeReplyDescriptorLocked(slot, busAddr, uint32(len(buf)), replyCookieVal); err != nil {
		// Protocol violation: abort the recycle and detach (spec.md §7
		// taxonomy item 4). The buffer is abandoned, not recycled, so
		// only N_cmd is restored, matching DestroyOnOversize's arithmetic.
		e.log.Errorf("vkey: protocol violation recycling REPLY slot %d: %v", slot, err)
		e.replyCookies.Delete(replyCookieVal)
		e.freeReplyRecord(idx)
		e.counts.DestroyOnOversize()
		e.detachLocked(err)
		return
	}

	e.counts.RecycleOnFit()
}

// writeCmdDescriptorLocked writes a CMD descriptor and rings its
// doorbell. Returns ErrProtocolOwner if the slot wasn't HOST-owned,
// which the caller must treat as a protocol violation: abort this
// operation and detach the instance (spec.md §7 taxonomy item 4), not
// a process-ending panic.
func (e *Engine) writeCmdDescriptorLocked(slot uint32, cmdType uint8, segs [4]ringmem.Segment, cookieVal uint64) error {
	desc := e.rings.Cmd.Slot(slot)
	if desc.Owner != uapi.OwnerHost {
		return ErrProtocolOwner
	}

	desc.Type = cmdType
	desc.Cookie = cookieVal
	desc.Len1, desc.Ptr1 = segs[0].Len, segs[0].Addr
	desc.Len2, desc.Ptr2 = segs[1].Len, segs[1].Addr
	desc.Len3, desc.Ptr3 = segs[2].Len, segs[2].Addr
	desc.Len4, desc.Ptr4 = segs[3].Len, segs[3].Addr

	bar.Sfence()
	bar.StoreOwner(unsafe.Pointer(desc), uapi.OwnerDevice)
	bar.Mfence()
	e.regs.WriteDbell(uapi.DoorbellIndex(slot, false))
	bar.Mfence()
	return nil
}

// writeReplyDescriptorLocked writes a freshly posted REPLY descriptor
// and rings its doorbell. Returns ErrProtocolOwner on an owner
// violation; see writeCmdDescriptorLocked.
func (e *Engine) writeReplyDescriptorLocked(slot uint32, busAddr uint64, size uint32, cookieVal uint64) error {
	desc := e.rings.Reply.Slot(slot)
	if desc.Owner != uapi.OwnerHost {
		return ErrProtocolOwner
	}

	desc.Type = 0
	desc.Cookie = cookieVal
	desc.Len1, desc.Ptr1 = size, busAddr
	desc.Len2, desc.Ptr2 = 0, 0
	desc.Len3, desc.Ptr3 = 0, 0
	desc.Len4, desc.Ptr4 = 0, 0

	bar.Sfence()
	bar.StoreOwner(unsafe.Pointer(desc), uapi.OwnerDevice)
	bar.Mfence()
	e.regs.WriteDbell(uapi.DoorbellIndex(slot, true))
	bar.Mfence()
	return nil
}

// writeReplyDescriptorRecycleLocked re-posts a REPLY descriptor that
// already carries its buffer's address and length from a prior post;
// only the cookie and owner transition need repeating. Returns
// ErrProtocolOwner on an owner violation; see writeCmdDescriptorLocked.
func (e *Engine) writeReplyDescriptorRecycleLocked(slot uint32, size uint32, cookieVal uint64) error {
	desc := e.rings.Reply.Slot(slot)
	if desc.Owner != uapi.OwnerHost {
		return ErrProtocolOwner
	}
	desc.Cookie = cookieVal
	desc.Len1 = size

	bar.Sfence()
	bar.StoreOwner(unsafe.Pointer(desc), uapi.OwnerDevice)
	bar.Mfence()
	e.regs.WriteDbell(uapi.DoorbellIndex(slot, true))
	bar.Mfence()
	return nil
}

// segmentsOf builds the (addr, len) pairs for up to 4 input segments.
// The host's own memory stands in for a DMA-mapped guest-physical
// address, matching the allocator binding described for ring memory.
func segmentsOf(bufs [][]byte) ([4]ringmem.Segment, error) {
	var segs [4]ringmem.Segment
	if len(bufs) > 4 {
		return segs, ErrRingCapacity
	}
	for i, b := range bufs {
		if len(b) == 0 {
			continue
		}
		segs[i] = ringmem.Segment{Addr: uint64(uintptr(unsafe.Pointer(&b[0]))), Len: uint32(len(b))}
	}
	return segs, nil
}

// writeOutSegments copies src into the caller's output iovecs in order,
// stopping once src or the destination capacity is exhausted.
func writeOutSegments(out [][]byte, src []byte) {
	for _, dst := range out {
		if len(src) == 0 {
			return
		}
		n := copy(dst, src)
		src = src[n:]
	}
}
