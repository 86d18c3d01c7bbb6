// Package vkey implements the host-side driver for the vkey virtual
// cryptographic-key coprocessor: a ring-based producer/consumer DMA
// protocol with cookie-tagged request/reply correlation, bounded
// reply-buffer pooling, and MSI-X-driven completion delivery.
//
// Device is the public entry point. Open binds to a UIO device file
// standing in for the character-device/BAR-mapping/MSI-X machinery
// spec.md declares out of scope; Submit drives one command/reply round
// trip, including the bouncing retry loop for oversize replies that
// the request engine leaves to its caller.
package vkey

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/vkeyhost/vkey/internal/bar"
	"github.com/vkeyhost/vkey/internal/engine"
	"github.com/vkeyhost/vkey/internal/intr"
	"github.com/vkeyhost/vkey/internal/logging"
	"github.com/vkeyhost/vkey/internal/ringmem"
	"github.com/vkeyhost/vkey/internal/uapi"

	"golang.org/x/sys/unix"
)

// DeviceParams configures Open. Zero-valued fields fall back to the
// defaults in constants.go, mirroring backend.DefaultParams's shape.
type DeviceParams struct {
	// UIOPath is the path to the bound UIO device file (e.g.
	// "/dev/uio0"). Required.
	UIOPath string
	// UIOMapIndex selects which of the UIO device's mmap-able regions
	// carries BAR0 (standard UIO convention: mapping N is reached by
	// mmap'ing at offset N*pagesize).
	UIOMapIndex int

	// Ring sizing: each ring holds 2^shift entries, chosen by the
	// driver and advertised to the device at attach (spec.md §3).
	CmdShift   uint32
	ReplyShift uint32
	CompShift  uint32

	// DefaultReplySize is not passed to the engine: a freshly
	// allocated REPLY cookie always gets pool.DefaultReplySize (16 KiB).
	DefaultReplySize int
	// MaxBounceRetries caps the oversize-reply retry loop in Submit.
	MaxBounceRetries int
	// CPUAffinity pins the interrupt-handling goroutine's OS thread.
	// 0 is treated as unset, so both 0 and -1 disable pinning and CPU 0
	// cannot be selected.
	CPUAffinity int

	// Alloc overrides the DMA allocator; nil selects ringmem.AnonAllocator.
	// The vkeytest mock device uses ringmem.AnonAllocator as well.
	Alloc ringmem.Allocator

	Log      *logging.Logger
	Observer Observer
}

// DefaultParams returns default device parameters for the UIO device
// at path.
func DefaultParams(uioPath string) DeviceParams {
	return DeviceParams{
		UIOPath:          uioPath,
		UIOMapIndex:      0,
		CmdShift:         DefaultCmdShift,
		ReplyShift:       DefaultReplyShift,
		CompShift:        DefaultCompShift,
		DefaultReplySize: DefaultReplySize,
		MaxBounceRetries: DefaultMaxBounceRetries,
		CPUAffinity:      -1,
	}
}

// DeviceState mirrors the teacher's DeviceState enum, re-scoped to one
// vkey instance's attach lifecycle.
type DeviceState string

const (
	DeviceStateCreated DeviceState = "created"
	DeviceStateRunning DeviceState = "running"
	DeviceStateStopped DeviceState = "stopped"
)

// Device is one attached vkey instance: the BAR register window, its
// DMA rings, the request engine driving them, and the goroutine
// reading MSI-X-equivalent interrupts off the UIO fd.
type Device struct {
	uioPath string

	// usesUIO is false for devices built directly from parts (by
	// vkeytest-backed unit tests), which own no real UIO fd or mmap to
	// tear down on Close.
	usesUIO bool
	uioFile *os.File
	barMem  []byte
	regs    *bar.Regs
	rings   *ringmem.Rings
	alloc   ringmem.Allocator

	eng *engine.Engine
	log *logging.Logger

	loop       *intr.Loop
	loopCtx    context.Context
	loopCancel context.CancelFunc
	loopDone   chan struct{}

	metrics  *Metrics
	observer Observer

	mu      sync.Mutex
	running bool
}

// Open attaches to the UIO device at params.UIOPath: maps BAR0,
// validates the protocol version, allocates and programs the three
// DMA rings, and starts the completion-handler interrupt loop.
func Open(ctx context.Context, params DeviceParams) (*Device, error) {
	if params.UIOPath == "" {
		return nil, NewError("attach", ErrCodeSetupFailed, "UIOPath is required")
	}
	if params.CmdShift == 0 {
		params.CmdShift = DefaultCmdShift
	}
	if params.ReplyShift == 0 {
		params.ReplyShift = DefaultReplyShift
	}
	if params.CompShift == 0 {
		params.CompShift = DefaultCompShift
	}
	if params.DefaultReplySize == 0 {
		params.DefaultReplySize = DefaultReplySize
	}
	if params.MaxBounceRetries <= 0 {
		params.MaxBounceRetries = DefaultMaxBounceRetries
	}
	if params.CPUAffinity == 0 {
		params.CPUAffinity = -1
	}
	if params.Log == nil {
		params.Log = logging.Default()
	}
	if params.Alloc == nil {
		params.Alloc = ringmem.AnonAllocator{}
	}
	observer := params.Observer
	metrics := NewMetrics()
	if observer == nil {
		observer = NewMetricsObserver(metrics)
	}

	f, err := os.OpenFile(params.UIOPath, os.O_RDWR, 0)
	if err != nil {
		return nil, WrapError("attach", NewDeviceError("attach", 0, ErrCodeNoSuchDevice, err.Error()))
	}

	pageSize := os.Getpagesize()
	mapLen := uapi.BAR0Size
	if rem := mapLen % pageSize; rem != 0 {
		mapLen += pageSize - rem
	}
	mapOffset := int64(params.UIOMapIndex) * int64(pageSize)

	mapped, err := unix.Mmap(int(f.Fd()), mapOffset, mapLen, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, WrapError("attach", NewDeviceError("attach", 0, ErrCodeSetupFailed, fmt.Sprintf("mmap BAR0: %v", err)))
	}

	regs := bar.NewRegs(mapped)

	if vmaj := regs.Vmaj(); vmaj != RequiredProtocolMajor {
		unix.Munmap(mapped)
		f.Close()
		return nil, NewError("attach", ErrCodeBadVersion, fmt.Sprintf("device vmaj=%d, driver requires %d", vmaj, RequiredProtocolMajor))
	}

	if flags := regs.Flags(); flags&uapi.FaultMask != 0 {
		unix.Munmap(mapped)
		f.Close()
		return nil, NewError("attach", ErrCodeSetupFailed, fmt.Sprintf("device reports fault flags at attach: %v", uapi.FlagNames(flags)))
	}

	cmdDepth := bar.RingDepth(params.CmdShift)
	replyDepth := bar.RingDepth(params.ReplyShift)
	compDepth := bar.RingDepth(params.CompShift)

	rings, cmdAddr, replyAddr, compAddr, err := ringmem.Allocate(params.Alloc, cmdDepth, replyDepth, compDepth)
	if err != nil {
		unix.Munmap(mapped)
		f.Close()
		return nil, WrapError("attach", NewDeviceError("attach", 0, ErrCodeDMAMapFailed, err.Error()))
	}

	regs.WriteCbase(cmdAddr)
	regs.WriteCshift(params.CmdShift)
	regs.WriteRbase(replyAddr)
	regs.WriteRshift(params.ReplyShift)
	regs.WriteCpbase(compAddr)
	regs.WriteCpshift(params.CompShift)
	bar.Sfence()

	eng := engine.New(engine.Config{
		Regs:             regs,
		Rings:            rings,
		Alloc:            params.Alloc,
		Log:              params.Log,
		Observer:         engineObserverAdapter{observer},
		CmdDepth:         cmdDepth,
		ReplyDepth:       replyDepth,
		CompDepth:        compDepth,
		MaxBounceRetries: params.MaxBounceRetries,
	})

	d := &Device{
		uioPath:  params.UIOPath,
		usesUIO:  true,
		uioFile:  f,
		barMem:   mapped,
		regs:     regs,
		rings:    rings,
		alloc:    params.Alloc,
		eng:      eng,
		log:      params.Log,
		metrics:  metrics,
		observer: observer,
		running:  true,
	}

	d.loopCtx, d.loopCancel = context.WithCancel(ctx)
	d.loop = intr.New(intr.Config{
		UIOFile:     f,
		Handler:     d.eng.HandleInterrupt,
		Log:         params.Log,
		CPUAffinity: params.CPUAffinity,
	})
	d.loopDone = make(chan struct{})
	go func() {
		defer close(d.loopDone)
		if err := d.loop.Run(d.loopCtx); err != nil {
			d.log.Errorf("vkey: interrupt loop for %s exited: %v", params.UIOPath, err)
		}
	}()

	return d, nil
}

// Close blocks until no command is in flight, then tears down the
// interrupt loop, the DMA rings, and the BAR mapping. Close never
// surfaces internal teardown failures (spec.md §7: "close must never
// surface an error externally"); they are logged and swallowed.
func (d *Device) Close() error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.mu.Unlock()

	for {
		ncmd, _ := d.eng.Counts()
		if ncmd == 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	d.loopCancel()
	if d.usesUIO {
		if err := d.uioFile.Close(); err != nil {
			d.log.Errorf("vkey: closing %s: %v", d.uioPath, err)
		}
	}
	<-d.loopDone

	if err := d.rings.Close(); err != nil {
		d.log.Errorf("vkey: freeing rings for %s: %v", d.uioPath, err)
	}
	if d.usesUIO {
		if err := unix.Munmap(d.barMem); err != nil {
			d.log.Errorf("vkey: unmapping BAR0 for %s: %v", d.uioPath, err)
		}
	}

	d.metrics.Stop()
	return nil
}

// engineObserverAdapter narrows the public Observer interface to the
// subset internal/engine can usefully report: events with no return
// value to surface through Submit's own error path.
type engineObserverAdapter struct {
	o Observer
}

func (a engineObserverAdapter) ObserveDroppedCompletion()  { a.o.ObserveDroppedCompletion() }
func (a engineObserverAdapter) ObserveHardwareErrorReset() { a.o.ObserveHardwareErrorReset() }

// Request and Result are re-exported so callers never need to import
// internal/engine directly.
type Request = engine.Request
type Result = engine.Result

// Submit drives one full command/reply round trip, implementing the
// C7 bouncing retry loop around engine.Submit: on ErrBufferTooSmall it
// retries with a freshly sized destination, up to the configured
// bounce-retry ceiling (spec.md §4.4 step 10).
func (d *Device) Submit(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	if detached, derr := d.eng.Detached(); detached {
		err := NewError("submit", ErrCodeDeviceFault, derr.Error())
		d.observer.ObserveSubmit(time.Since(start), err)
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= d.eng.MaxBounceRetries(); attempt++ {
		result, err := d.eng.Submit(ctx, req)
		if err == nil {
			ncmd, _ := d.eng.Counts()
			d.observer.ObserveInFlight(ncmd)
			d.observer.ObserveSubmit(time.Since(start), nil)
			return result, nil
		}

		if errors.Is(err, engine.ErrBufferTooSmall) && result != nil {
			d.observer.ObserveBounce()
			req.ReplyBufSize = int(result.BounceSize)
			lastErr = wrapEngineErr("submit", err)
			continue
		}

		wrapped := wrapEngineErr("submit", err)
		d.observer.ObserveSubmit(time.Since(start), wrapped)
		return nil, wrapped
	}

	d.observer.ObserveSubmit(time.Since(start), lastErr)
	return nil, WrapError("submit", NewError("submit", ErrCodeTooManyRetries, "exceeded bounce retry ceiling"))
}

// wrapEngineErr classifies a sentinel error from internal/engine into
// the public error taxonomy (spec.md §7).
func wrapEngineErr(op string, err error) error {
	switch {
	case errors.Is(err, engine.ErrCookieOverflow):
		return NewError(op, ErrCodeCookieOverflow, err.Error())
	case errors.Is(err, engine.ErrInterrupted):
		return NewError(op, ErrCodeInterrupted, err.Error())
	case errors.Is(err, engine.ErrBufferTooSmall):
		return NewError(op, ErrCodeBufferTooSmall, err.Error())
	case errors.Is(err, engine.ErrTooManyRetries):
		return NewError(op, ErrCodeTooManyRetries, err.Error())
	case errors.Is(err, engine.ErrRingCapacity):
		return NewError(op, ErrCodeInvalidRequest, err.Error())
	case errors.Is(err, engine.ErrProtocolOwner), errors.Is(err, engine.ErrProtocolOrphan):
		return NewError(op, ErrCodeProtocolViolation, err.Error())
	case errors.Is(err, engine.ErrDetached):
		return NewError(op, ErrCodeDeviceFault, err.Error())
	default:
		return WrapError(op, err)
	}
}

// Info reports the device's protocol version, read directly from the
// BAR (spec.md §4.6's get-info operation).
type Info struct {
	Vmaj uint32
	Vmin uint32
}

// GetInfo implements the get-info ioctl: `(vmaj, vmin)` read directly
// from the BAR.
func (d *Device) GetInfo() Info {
	return Info{Vmaj: d.regs.Vmaj(), Vmin: d.regs.Vmin()}
}

// State reports whether the device is still attached and running.
func (d *Device) State() DeviceState {
	if d == nil {
		return DeviceStateStopped
	}
	d.mu.Lock()
	running := d.running
	d.mu.Unlock()
	if !running {
		return DeviceStateStopped
	}
	if detached, _ := d.eng.Detached(); detached {
		return DeviceStateStopped
	}
	return DeviceStateRunning
}

// Metrics returns the device's built-in metrics counters.
func (d *Device) Metrics() *Metrics {
	if d == nil {
		return nil
	}
	return d.metrics
}

// MetricsSnapshot returns a point-in-time snapshot of device metrics.
func (d *Device) MetricsSnapshot() MetricsSnapshot {
	if d == nil || d.metrics == nil {
		return MetricsSnapshot{}
	}
	return d.metrics.Snapshot()
}
