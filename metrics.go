package vkey

import (
	"sync/atomic"
	"time"
)

// Metrics tracks counters for one Device's lifetime. All fields are
// accessed via sync/atomic so the completion handler and submitting
// goroutines never contend on a lock just to bump a counter.
type Metrics struct {
	SubmitOps    uint64
	SubmitErrors uint64

	BouncedReplies uint64 // ErrBufferTooSmall retries taken (§4.4 step 10)
	DroppedCompletions uint64 // orphaned completions recycled with no matching CMD (§4.5 step 7)
	HardwareErrorResets uint64 // times a device-reported fault bit detached the instance (§6.4)

	InFlight int64 // N_cmd as sampled after each successful Submit

	TotalLatencyNs uint64
	OpCount        uint64

	StartTime time.Time
	StopTime  time.Time
	stopped   uint32
}

// NewMetrics creates a fresh, running Metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{StartTime: time.Now()}
}

// RecordSubmit records the outcome and latency of one Submit call.
func (m *Metrics) RecordSubmit(d time.Duration, err error) {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.SubmitOps, 1)
	if err != nil {
		atomic.AddUint64(&m.SubmitErrors, 1)
	}
	atomic.AddUint64(&m.TotalLatencyNs, uint64(d.Nanoseconds()))
	atomic.AddUint64(&m.OpCount, 1)
}

// RecordBounce records one oversize-reply retry.
func (m *Metrics) RecordBounce() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.BouncedReplies, 1)
}

// RecordDroppedCompletion records one orphaned completion recycled by
// the completion handler.
func (m *Metrics) RecordDroppedCompletion() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.DroppedCompletions, 1)
}

// RecordHardwareErrorReset records one device-fault detach.
func (m *Metrics) RecordHardwareErrorReset() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.HardwareErrorResets, 1)
}

// SetInFlight updates the live N_cmd gauge.
func (m *Metrics) SetInFlight(n int) {
	if m == nil {
		return
	}
	atomic.StoreInt64(&m.InFlight, int64(n))
}

// Stop marks the metrics instance as no longer accumulating new
// activity, recording the time a device was closed.
func (m *Metrics) Stop() {
	if m == nil {
		return
	}
	if atomic.CompareAndSwapUint32(&m.stopped, 0, 1) {
		m.StopTime = time.Now()
	}
}

// MetricsSnapshot is a point-in-time, race-free copy of Metrics.
type MetricsSnapshot struct {
	SubmitOps           uint64
	SubmitErrors        uint64
	BouncedReplies      uint64
	DroppedCompletions  uint64
	HardwareErrorResets uint64
	InFlight            int64
	AvgLatencyNs        float64
	Uptime              time.Duration
}

// Snapshot computes a MetricsSnapshot from the current counter state.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}

	opCount := atomic.LoadUint64(&m.OpCount)
	var avgLatency float64
	if opCount > 0 {
		avgLatency = float64(atomic.LoadUint64(&m.TotalLatencyNs)) / float64(opCount)
	}

	end := time.Now()
	if atomic.LoadUint32(&m.stopped) == 1 {
		end = m.StopTime
	}

	return MetricsSnapshot{
		SubmitOps:           atomic.LoadUint64(&m.SubmitOps),
		SubmitErrors:        atomic.LoadUint64(&m.SubmitErrors),
		BouncedReplies:      atomic.LoadUint64(&m.BouncedReplies),
		DroppedCompletions:  atomic.LoadUint64(&m.DroppedCompletions),
		HardwareErrorResets: atomic.LoadUint64(&m.HardwareErrorResets),
		InFlight:            atomic.LoadInt64(&m.InFlight),
		AvgLatencyNs:        avgLatency,
		Uptime:              end.Sub(m.StartTime),
	}
}

// Reset zeroes every counter without disturbing StartTime.
func (m *Metrics) Reset() {
	if m == nil {
		return
	}
	atomic.StoreUint64(&m.SubmitOps, 0)
	atomic.StoreUint64(&m.SubmitErrors, 0)
	atomic.StoreUint64(&m.BouncedReplies, 0)
	atomic.StoreUint64(&m.DroppedCompletions, 0)
	atomic.StoreUint64(&m.HardwareErrorResets, 0)
	atomic.StoreInt64(&m.InFlight, 0)
	atomic.StoreUint64(&m.TotalLatencyNs, 0)
	atomic.StoreUint64(&m.OpCount, 0)
}

// Observer receives per-event callbacks as a Device runs, independent
// of the coarser counter snapshot above — the same split the teacher
// draws between its Metrics struct and its Observer interface.
type Observer interface {
	ObserveSubmit(d time.Duration, err error)
	ObserveBounce()
	ObserveDroppedCompletion()
	ObserveHardwareErrorReset()
	ObserveInFlight(n int)
}

// NoOpObserver discards every event; the default when a caller
// supplies no Observer.
type NoOpObserver struct{}

func (NoOpObserver) ObserveSubmit(time.Duration, error) {}
func (NoOpObserver) ObserveBounce()                     {}
func (NoOpObserver) ObserveDroppedCompletion()          {}
func (NoOpObserver) ObserveHardwareErrorReset()         {}
func (NoOpObserver) ObserveInFlight(int)                {}

// MetricsObserver adapts a *Metrics to the Observer interface, so a
// Device can drive its own built-in metrics through the same callback
// path a caller's custom Observer would use.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver wraps m as an Observer.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveSubmit(d time.Duration, err error) { o.metrics.RecordSubmit(d, err) }
func (o *MetricsObserver) ObserveBounce()                           { o.metrics.RecordBounce() }
func (o *MetricsObserver) ObserveDroppedCompletion()                { o.metrics.RecordDroppedCompletion() }
func (o *MetricsObserver) ObserveHardwareErrorReset()               { o.metrics.RecordHardwareErrorReset() }
func (o *MetricsObserver) ObserveInFlight(n int)                    { o.metrics.SetInFlight(n) }

// Compile-time interface checks.
var (
	_ Observer = (*NoOpObserver)(nil)
	_ Observer = (*MetricsObserver)(nil)
)
