// Package engine implements the request engine (C5): the submit()
// state machine that orchestrates a CMD/REPLY round trip, and the
// completion-handler side of the cookie table and reply-buffer pool
// bookkeeping it shares a lock with (C6 calls back into this package
// rather than duplicating the locking).
package engine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/vkeyhost/vkey/internal/bar"
	"github.com/vkeyhost/vkey/internal/cookie"
	"github.com/vkeyhost/vkey/internal/logging"
	"github.com/vkeyhost/vkey/internal/pool"
	"github.com/vkeyhost/vkey/internal/ringmem"
	"github.com/vkeyhost/vkey/internal/uapi"
)

// replyCookieOffset separates the CMD and REPLY cookie namespaces so a
// single generator and a single overflow check serve both (spec.md §3,
// §4.4 step 3).
const replyCookieOffset = 10_000_000_000_000_000_000

// cookieBase is the first value the generator produces.
const cookieBase = 1000

// Sentinel errors. The root package wraps these into its own
// structured Error with the matching ErrorCode.
var (
	ErrCookieOverflow  = errors.New("engine: cookie generator reached the REPLY offset")
	ErrInterrupted     = errors.New("engine: wait interrupted before completion")
	ErrBufferTooSmall  = errors.New("engine: reply did not fit the posted buffer")
	ErrTooManyRetries  = errors.New("engine: exceeded bounce retry ceiling")
	ErrDetached        = errors.New("engine: instance detached by a device fault")
	ErrProtocolOwner   = errors.New("engine: descriptor owner was not HOST at write time")
	ErrProtocolOrphan  = errors.New("engine: cookie lookup found no record for a supposedly-inserted cookie")
	ErrRingCapacity    = errors.New("engine: allocation exceeded ring capacity")
)

// Observer receives metrics callbacks for events the engine itself
// cannot usefully report a return value for: an orphaned completion
// recycled by the completion handler, and a device fault detaching the
// instance. Mirrors the internal/interfaces.Observer split the teacher
// draws between its queue.Runner and the root Metrics type.
type Observer interface {
	ObserveDroppedCompletion()
	ObserveHardwareErrorReset()
}

type noopObserver struct{}

func (noopObserver) ObserveDroppedCompletion()  {}
func (noopObserver) ObserveHardwareErrorReset() {}

type cmdRecord struct {
	cookie uint64
	slot   uint32
	done   chan struct{}

	replyCookie uint64
	replyLen    uint32
	replyType   uint8
	hasReply    bool

	ioErr error // set by the completion handler on detach/hwerr (§9)
}

type replyRecord struct {
	cookie   uint64
	slot     uint32
	buf      []byte
	oversize bool // transient bounce buffer; destroyed, never recycled
}

// Engine owns the driver-wide mutex (§5): the cookie table, N_cmd/N_free,
// the ring head pointers, and any mutation of a HOST-owned descriptor.
type Engine struct {
	mu       sync.Mutex
	cmdAvail *sync.Cond

	regs     *bar.Regs
	rings    *ringmem.Rings
	alloc    ringmem.Allocator
	log      *logging.Logger
	observer Observer

	cmdDepth, replyDepth, compDepth uint32
	cmdHead, replyHead, compHead    uint32

	nextCookie uint64

	cmdCookies  *cookie.Table
	cmdArena    []*cmdRecord
	cmdFree     []int

	replyCookies *cookie.Table
	replyArena   []*replyRecord
	replyFree    []int

	counts pool.Counts

	maxBounceRetries int

	detached  bool
	detachErr error
}

// Config configures a new Engine. Depths are entry counts (1<<shift),
// already resolved from BAR0's cshift/rshift/cpshift by the caller.
type Config struct {
	Regs             *bar.Regs
	Rings            *ringmem.Rings
	Alloc            ringmem.Allocator
	Log              *logging.Logger
	Observer         Observer
	CmdDepth         uint32
	ReplyDepth       uint32
	CompDepth        uint32
	MaxBounceRetries int
}

// New builds an Engine over an already-allocated set of rings. The CMD
// and REPLY rings start with every slot owned by HOST; COMP starts
// owned by DEVICE (spec.md §4.1).
func New(cfg Config) *Engine {
	if cfg.MaxBounceRetries <= 0 {
		cfg.MaxBounceRetries = 5
	}
	if cfg.Log == nil {
		cfg.Log = logging.Default()
	}
	if cfg.Observer == nil {
		cfg.Observer = noopObserver{}
	}

	e := &Engine{
		regs:             cfg.Regs,
		rings:            cfg.Rings,
		alloc:            cfg.Alloc,
		log:              cfg.Log,
		observer:         cfg.Observer,
		cmdDepth:         cfg.CmdDepth,
		replyDepth:       cfg.ReplyDepth,
		compDepth:        cfg.CompDepth,
		nextCookie:       cookieBase,
		cmdCookies:       cookie.New(),
		replyCookies:     cookie.New(),
		maxBounceRetries: cfg.MaxBounceRetries,
	}
	e.cmdAvail = sync.NewCond(&e.mu)

	for i := uint32(0); i < cfg.CmdDepth; i++ {
		cfg.Rings.Cmd.Slot(i).Owner = uapi.OwnerHost
	}
	for i := uint32(0); i < cfg.ReplyDepth; i++ {
		cfg.Rings.Reply.Slot(i).Owner = uapi.OwnerHost
	}
	for i := uint32(0); i < cfg.CompDepth; i++ {
		cfg.Rings.Comp.Slot(i).Owner = uapi.OwnerDevice
	}

	return e
}

// Detached reports whether a device fault has taken this instance
// offline (§7 device-reported faults).
func (e *Engine) Detached() (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.detached, e.detachErr
}

// Detach marks the instance detached, waking every in-flight waiter
// with err (§9's recommendation for hwerr-with-in-flight-requests).
// Safe to call more than once; only the first call has an effect.
func (e *Engine) Detach(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.detachLocked(err)
}

// detachLocked is Detach's body, for call sites that already hold e.mu
// (checkFlagsLocked, and the protocol-violation abort paths in
// submit.go). Safe to call more than once; only the first call has an
// effect.
func (e *Engine) detachLocked(err error) {
	if e.detached {
		return
	}
	e.detached = true
	e.detachErr = err
	for _, rec := range e.cmdArena {
		if rec == nil {
			continue
		}
		rec.ioErr = err
		e.signalDone(rec)
	}
	e.cmdAvail.Broadcast()
}

func (e *Engine) signalDone(rec *cmdRecord) {
	select {
	case <-rec.done:
		// already closed
	default:
		close(rec.done)
	}
}

// MaxBounceRetries returns the configured bounce-retry ceiling (§4.4's
// "up to the bounce retry ceiling", enforced by the caller's retry loop
// around Submit rather than inside it).
func (e *Engine) MaxBounceRetries() int {
	return e.maxBounceRetries
}

// Counts returns a snapshot of N_cmd/N_free for metrics/testing.
func (e *Engine) Counts() (ncmd, nfree int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counts.Ncmd, e.counts.Nfree
}

func (e *Engine) allocCmdRecord(cookieVal uint64) int {
	rec := &cmdRecord{cookie: cookieVal, done: make(chan struct{})}
	if n := len(e.cmdFree); n > 0 {
		idx := e.cmdFree[n-1]
		e.cmdFree = e.cmdFree[:n-1]
		e.cmdArena[idx] = rec
		return idx
	}
	e.cmdArena = append(e.cmdArena, rec)
	return len(e.cmdArena) - 1
}

func (e *Engine) freeCmdRecord(idx int) {
	e.cmdArena[idx] = nil
	e.cmdFree = append(e.cmdFree, idx)
}

func (e *Engine) allocReplyRecord(cookieVal uint64, buf []byte, oversize bool) int {
	rec := &replyRecord{cookie: cookieVal, buf: buf, oversize: oversize}
	if n := len(e.replyFree); n > 0 {
		idx := e.replyFree[n-1]
		e.replyFree = e.replyFree[:n-1]
		e.replyArena[idx] = rec
		return idx
	}
	e.replyArena = append(e.replyArena, rec)
	return len(e.replyArena) - 1
}

func (e *Engine) freeReplyRecord(idx int) {
	e.replyArena[idx] = nil
	e.replyFree = append(e.replyFree, idx)
}

func (e *Engine) nextCookieLocked() (uint64, error) {
	if e.nextCookie >= replyCookieOffset {
		return 0, ErrCookieOverflow
	}
	v := e.nextCookie
	e.nextCookie++
	return v, nil
}

func (e *Engine) checkFlagsLocked() error {
	flags := e.regs.Flags()
	if flags&uapi.FaultMask != 0 {
		names := uapi.FlagNames(flags)
		err := fmt.Errorf("%w: device flags %v", ErrDetached, names)
		if !e.detached {
			e.log.Errorf("vkey: device-reported fault %v, detaching instance", names)
			e.detachLocked(err)
			e.observer.ObserveHardwareErrorReset()
		}
		return err
	}
	return nil
}
