// Package intr drives the UIO interrupt-read loop that stands in for
// MSI-X delivery (spec.md §4.5's trigger). A UIO device reports an
// interrupt as a blocking read() of a uint32 count on the device file
// also used to mmap BAR0; each wakeup invokes the completion handler
// once, consuming as many COMP entries as are ready before returning.
package intr

import (
	"context"
	"os"
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/vkeyhost/vkey/internal/logging"
)

// Handler is the completion-handler callback (engine.Engine.HandleInterrupt).
type Handler func()

// Config configures the interrupt loop.
type Config struct {
	// UIOFile is the open /dev/uioN file whose blocking reads deliver
	// interrupt counts. Required.
	UIOFile *os.File
	Handler Handler
	Log     *logging.Logger
	// CPUAffinity pins the loop's OS thread, matching the single
	// command-stream-per-device non-goal (spec.md §1): one thread,
	// one CPU, no multi-queue fan-out.
	CPUAffinity int // -1 or 0 disables pinning; CPU 0 cannot be selected
}

// Loop blocks reading interrupt counts from a UIO device until ctx is
// cancelled, invoking Handler once per wakeup.
type Loop struct {
	cfg Config
}

// New builds a Loop. Call Run in its own goroutine.
func New(cfg Config) *Loop {
	if cfg.CPUAffinity == 0 {
		cfg.CPUAffinity = -1
	}
	if cfg.Log == nil {
		cfg.Log = logging.Default()
	}
	return &Loop{cfg: cfg}
}

// Run pins the calling goroutine's OS thread (if affinity is
// configured) and loops until ctx is done or the UIO file read fails.
// A blocking read on a real UIO fd cannot observe ctx cancellation
// directly; callers stop the loop by closing UIOFile, which unblocks
// the read with an error that Run then treats as a clean shutdown if
// ctx was already cancelled.
func (l *Loop) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if l.cfg.CPUAffinity >= 0 {
		var mask unix.CPUSet
		mask.Set(l.cfg.CPUAffinity)
		if err := unix.SchedSetaffinity(0, &mask); err != nil {
			l.cfg.Log.Printf("intr: failed to set CPU affinity to %d: %v", l.cfg.CPUAffinity, err)
		} else {
			l.cfg.Log.Debugf("intr: pinned to CPU %d", l.cfg.CPUAffinity)
		}
	}

	count := make([]byte, 4)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := l.cfg.UIOFile.Read(count)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if n != 4 {
			continue
		}

		l.cfg.Handler()
	}
}
