package vkey

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vkeyhost/vkey/internal/engine"
	"github.com/vkeyhost/vkey/internal/logging"
	"github.com/vkeyhost/vkey/vkeytest"
)

// newTestDevice builds a *Device directly from a vkeytest.MockDevice,
// bypassing Open/UIO entirely: this package's own tests run in the
// same package as Device, so they may set its unexported fields the
// way Open itself would, minus the real mmap/UIO file.
func newTestDevice(t *testing.T, cmdDepth, replyDepth, compDepth uint32, replyFn vkeytest.ReplyFunc) (*Device, *vkeytest.MockDevice) {
	t.Helper()

	mock, err := vkeytest.NewMockDevice(cmdDepth, replyDepth, compDepth, replyFn)
	require.NoError(t, err)
	mock.Start()
	t.Cleanup(func() { _ = mock.Close() })

	log := logging.Default()
	eng := engine.New(mock.EngineConfig(log))

	d := &Device{
		regs:     mock.Regs,
		rings:    mock.Rings,
		alloc:    mock.Alloc,
		eng:      eng,
		log:      log,
		metrics:  NewMetrics(),
		observer: NoOpObserver{},
		running:  true,
	}
	d.loopCtx, d.loopCancel = context.WithCancel(context.Background())
	d.loopDone = make(chan struct{})
	go func() {
		defer close(d.loopDone)
		vkeytest.PumpCompletions(d.loopCtx, d.eng)
		<-d.loopCtx.Done()
	}()

	t.Cleanup(func() { _ = d.Close() })
	return d, mock
}

func TestSubmitEchoRoundTrip(t *testing.T) {
	d, _ := newTestDevice(t, 4, 4, 4, vkeytest.Echo)

	in := []byte{0x01}
	out := make([]byte, 64)
	res, err := d.Submit(context.Background(), Request{CmdType: 0x0B, In: [][]byte{in}, Out: [][]byte{out}})
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Rlen)
	assert.Equal(t, byte(0x01), out[0])
}

func TestSubmitConcurrentBurstFillsRing(t *testing.T) {
	d, _ := newTestDevice(t, 2, 2, 2, vkeytest.Echo)

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out := make([]byte, 100)
			_, err := d.Submit(context.Background(), Request{CmdType: 1, In: [][]byte{make([]byte, 100)}, Out: [][]byte{out}})
			errs[i] = err
		}(i)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for concurrent submitters")
	}

	for i, err := range errs {
		assert.NoError(t, err, "submitter %d", i)
	}

	ncmd, nfree := d.eng.Counts()
	assert.Equal(t, 0, ncmd)
	assert.Equal(t, 2, nfree)
}

func TestSubmitOversizeWithTruncOKSucceeds(t *testing.T) {
	oversize := func(_ uint8, input []byte) (uint32, []byte) { return uint32(len(input)), input }
	d, _ := newTestDevice(t, 4, 4, 4, oversize)

	in := make([]byte, DefaultReplySize+1)
	out := make([]byte, DefaultReplySize+1)
	res, err := d.Submit(context.Background(), Request{CmdType: 2, In: [][]byte{in}, Out: [][]byte{out}, TruncOK: true})
	require.NoError(t, err)
	assert.EqualValues(t, len(in), res.Rlen)

	ncmd, nfree := d.eng.Counts()
	assert.Equal(t, 0, ncmd)
	assert.Equal(t, 1, nfree)
}

// TestSubmitRetriesBounceWithoutCallerTruncOK exercises the bouncing
// retry loop Device.Submit owns internally (spec.md §4.4 step 10): the
// caller never sets TruncOK, but the driver still retries with a
// larger posted buffer and succeeds once it fits, no second call to
// Submit required.
func TestSubmitRetriesBounceWithoutCallerTruncOK(t *testing.T) {
	oversize := func(_ uint8, input []byte) (uint32, []byte) { return uint32(len(input)), input }
	d, _ := newTestDevice(t, 4, 4, 4, oversize)

	in := make([]byte, DefaultReplySize+1)
	out := make([]byte, DefaultReplySize+1)
	res, err := d.Submit(context.Background(), Request{CmdType: 2, In: [][]byte{in}, Out: [][]byte{out}})
	require.NoError(t, err)
	assert.EqualValues(t, len(in), res.Rlen)

	snap := d.MetricsSnapshot()
	assert.GreaterOrEqual(t, snap.BouncedReplies, uint64(1))
}

// TestSubmitExceedsBounceRetryCeiling forces ErrBufferTooSmall on
// every attempt (each reply is one page longer than the previous one,
// so it never fits the page-rounded buffer posted for the retry), so
// the retry loop never converges and Device.Submit gives up at the
// configured ceiling.
func TestSubmitExceedsBounceRetryCeiling(t *testing.T) {
	var lastReply uint32 = DefaultReplySize
	growing := func(_ uint8, input []byte) (uint32, []byte) {
		lastReply += uint32(os.Getpagesize())
		return lastReply, input
	}
	d, _ := newTestDevice(t, 4, 4, 4, growing)

	in := make([]byte, DefaultReplySize+1)
	out := make([]byte, 4*DefaultReplySize)
	_, err := d.Submit(context.Background(), Request{CmdType: 2, In: [][]byte{in}, Out: [][]byte{out}})

	var verr *Error
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, ErrCodeTooManyRetries, verr.Code)
}

func TestSubmitCancelledWaitIsReclaimedAsOrphan(t *testing.T) {
	release := make(chan struct{})
	slow := func(_ uint8, input []byte) (uint32, []byte) {
		<-release
		return uint32(len(input)), input
	}
	d, _ := newTestDevice(t, 2, 2, 2, slow)

	ctx, cancel := context.WithCancel(context.Background())
	out := make([]byte, 16)
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := d.Submit(ctx, Request{CmdType: 3, In: [][]byte{{0x01}}, Out: [][]byte{out}})
	var verr *Error
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, ErrCodeInterrupted, verr.Code)

	close(release)
	require.Eventually(t, func() bool {
		ncmd, nfree := d.eng.Counts()
		return ncmd == 0 && nfree == 1
	}, time.Second, time.Millisecond, "orphaned completion was never reclaimed")
}

func TestCloseBlocksUntilInFlightCompletes(t *testing.T) {
	release := make(chan struct{})
	slow := func(_ uint8, input []byte) (uint32, []byte) {
		<-release
		return uint32(len(input)), input
	}
	d, _ := newTestDevice(t, 2, 2, 2, slow)

	closeDone := make(chan struct{})
	go func() {
		out := make([]byte, 16)
		_, _ = d.Submit(context.Background(), Request{CmdType: 4, In: [][]byte{{0x01}}, Out: [][]byte{out}})
	}()
	time.Sleep(10 * time.Millisecond)

	go func() {
		_ = d.Close()
		close(closeDone)
	}()

	select {
	case <-closeDone:
		t.Fatal("Close returned before the in-flight request completed")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-closeDone:
	case <-time.After(time.Second):
		t.Fatal("Close never returned after completion")
	}
}

func TestGetInfoReadsProtocolVersion(t *testing.T) {
	d, _ := newTestDevice(t, 2, 2, 2, vkeytest.Echo)
	info := d.GetInfo()
	assert.EqualValues(t, RequiredProtocolMajor, info.Vmaj)
}

func TestDeviceFaultDetachesInstance(t *testing.T) {
	d, mock := newTestDevice(t, 2, 2, 2, vkeytest.Echo)

	out := make([]byte, 16)
	_, err := d.Submit(context.Background(), Request{CmdType: 6, In: [][]byte{{0x01}}, Out: [][]byte{out}})
	require.NoError(t, err)

	mock.SetFault(1 << 16) // hwerr

	_, err = d.Submit(context.Background(), Request{CmdType: 6, In: [][]byte{{0x02}}, Out: [][]byte{out}})
	var verr *Error
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, ErrCodeDeviceFault, verr.Code)
	assert.Equal(t, DeviceStateStopped, d.State())
}

func TestMetricsSnapshotTracksSubmits(t *testing.T) {
	d, _ := newTestDevice(t, 4, 4, 4, vkeytest.Echo)
	d.metrics = NewMetrics()
	d.observer = NewMetricsObserver(d.metrics)

	out := make([]byte, 16)
	_, err := d.Submit(context.Background(), Request{CmdType: 5, In: [][]byte{{0x01}}, Out: [][]byte{out}})
	require.NoError(t, err)

	snap := d.MetricsSnapshot()
	assert.EqualValues(t, 1, snap.SubmitOps)
	assert.EqualValues(t, 0, snap.SubmitErrors)
}
