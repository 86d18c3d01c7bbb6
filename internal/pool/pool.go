// Package pool implements the reply-buffer pool (C4): the N_cmd/N_free
// bookkeeping described in the request engine's submit() algorithm.
// Buffer recycling itself (§3 invariant 5: default-sized buffers are
// recycled, oversize ones destroyed) happens in-place by re-posting the
// same backing memory under a new cookie (see engine.recycleReplyLocked);
// there is no separate free-list of detached buffers to manage here,
// since a REPLY buffer is never without a ring slot to its name.
//
// Pool itself is not safe for concurrent use: N_cmd and N_free are
// mutated only by the engine while it holds the driver mutex, mirroring
// how the submit() algorithm accounts for them under one unbroken
// locked epoch.
package pool

// DefaultReplySize is the buffer size posted for a fresh REPLY cookie
// absent any prior bounce request.
const DefaultReplySize = 16 * 1024

// Counts tracks N_cmd and N_free from §4.3: the number of REPLY
// cookies currently backing an in-flight command, and the number
// sitting idle in the pool waiting to be claimed.
type Counts struct {
	Ncmd  int
	Nfree int
}

// ClaimForSubmit applies the "claim slots" step of submit(): a CMD
// cookie is created and a REPLY cookie is consumed from the free pool.
// Callers must have already ensured Nfree > 0.
func (c *Counts) ClaimForSubmit() {
	c.Ncmd++
	c.Nfree--
}

// PostFreshReply applies the "ensure a reply slot" step when a new
// REPLY cookie is posted from a pending DMA map.
func (c *Counts) PostFreshReply() {
	c.Nfree++
}

// RecycleOnFit applies the completion-time bookkeeping when a reply
// fit in its posted buffer: the slot is re-posted with a new cookie
// and returns to the free pool.
func (c *Counts) RecycleOnFit() {
	c.Ncmd--
	c.Nfree++
}

// DestroyOnOversize applies the completion-time bookkeeping when the
// caller rejected a truncated reply: the buffer is destroyed, not
// recycled, so Nfree is left unchanged.
func (c *Counts) DestroyOnOversize() {
	c.Ncmd--
}
