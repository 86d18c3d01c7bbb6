package engine

import (
	"unsafe"

	"github.com/vkeyhost/vkey/internal/bar"
	"github.com/vkeyhost/vkey/internal/uapi"
)

// HandleInterrupt runs the completion handler (C6, §4.5): a single-shot
// consumer of the COMP ring invoked once per MSI-X delivery. It drains
// every completion currently owned by HOST, then returns.
func (e *Engine) HandleInterrupt() {
	for {
		if !e.handleOneCompletion() {
			return
		}
	}
}

// handleOneCompletion processes the COMP slot at head, if any is ready.
// Returns false once owner != HOST (nothing more to consume this shot).
func (e *Engine) handleOneCompletion() bool {
	// Step 1: read the COMP slot at head; a post-read memory fence
	// stands in for the DMA sync before trusting non-owner fields.
	e.mu.Lock()
	slot := e.compHead % e.compDepth
	desc := e.rings.Comp.Slot(slot)

	owner := bar.LoadOwner(unsafe.Pointer(desc))
	if owner != uapi.OwnerHost {
		// Step 2: nothing ready; stop.
		e.mu.Unlock()
		return false
	}
	bar.Mfence()

	cmdCookieVal := desc.CmdCookie
	replyCookieVal := desc.ReplyCookie
	msglen := desc.Msglen
	replyType := desc.Type

	// Step 3: advance head.
	e.compHead++

	// Step 4: look up CMD and REPLY cookies under the mutex (already held).
	cmdIdx, cmdOK := e.cmdCookies.Get(cmdCookieVal)

	switch {
	case replyCookieVal == 0 && msglen == 0:
		// Step 5: no reply carried; mark CMD done if present.
		if cmdOK {
			rec := e.cmdArena[cmdIdx]
			rec.hasReply = false
			e.signalDone(rec)
		}

	case cmdOK:
		// Step 6: transfer reply metadata into the CMD record and signal.
		rec := e.cmdArena[cmdIdx]
		rec.hasReply = true
		rec.replyCookie = replyCookieVal
		rec.replyLen = msglen
		rec.replyType = replyType
		e.signalDone(rec)

	default:
		// Step 7: completion matches a REPLY but no outstanding CMD —
		// the command was abandoned (e.g. by a cancelled wait, S4).
		// Recycle the REPLY immediately and restore N_cmd/N_free per
		// P1/P2, re-derived from scratch per §9's guidance rather than
		// mirroring the source's counter updates.
		if replyIdx, ok := e.replyCookies.Get(replyCookieVal); ok {
			e.log.Warnf("vkey: orphaned completion for cmd cookie %d, recycling reply cookie %d", cmdCookieVal, replyCookieVal)
			// recycleReplyLocked's RecycleOnFit bookkeeping (N_cmd--,
			// N_free++) already matches the orphan-restore arithmetic
			// S4 and P1/P2 call for; no separate decrement is needed.
			e.recycleReplyLocked(replyIdx)
			e.cmdAvail.Broadcast()
			e.observer.ObserveDroppedCompletion()
		}
	}

	// Step 8: release the mutex.
	e.mu.Unlock()

	// Step 9: return the COMP slot to the device. Must happen after the
	// host has finished reading the completion's contents (above) but
	// before anything depends on the device freeing this slot.
	desc.Owner = uapi.OwnerDevice
	bar.Sfence()
	e.regs.WriteCpDbell(slot)
	bar.Mfence()

	return true
}
