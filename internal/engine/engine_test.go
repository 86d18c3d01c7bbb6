package engine

import (
	"context"
	"sync"
	"testing"
	"time"
	"unsafe"

	"github.com/vkeyhost/vkey/internal/bar"
	"github.com/vkeyhost/vkey/internal/ringmem"
	"github.com/vkeyhost/vkey/internal/uapi"
)

// fakeDevice simulates the device side of the protocol for tests: it
// polls the CMD and REPLY rings (no real doorbell/MSI-X), applies
// replyFn to produce a reply for each command, and writes COMP
// descriptors back. It never holds the engine's mutex.
type fakeDevice struct {
	rings *ringmem.Rings
	regs  *bar.Regs

	cmdDepth, replyDepth, compDepth uint32

	cmdConsume   uint32
	replyConsume uint32
	compPost     uint32

	replyFn func(cmdType uint8, input []byte) (msglen uint32, data []byte)

	stop chan struct{}
	done chan struct{}
}

func newFakeDevice(rings *ringmem.Rings, regs *bar.Regs, cmdDepth, replyDepth, compDepth uint32, replyFn func(uint8, []byte) (uint32, []byte)) *fakeDevice {
	return &fakeDevice{
		rings: rings, regs: regs,
		cmdDepth: cmdDepth, replyDepth: replyDepth, compDepth: compDepth,
		replyFn: replyFn,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (d *fakeDevice) start() {
	go func() {
		defer close(d.done)
		// Pending commands awaiting a free REPLY slot, FIFO.
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

			cmdSlot := d.rings.Cmd.Slot(d.cmdConsume % d.cmdDepth)
			if bar.LoadOwner(unsafe.Pointer(cmdSlot)) == uapi.OwnerDevice {
				input := readSegment(cmdSlot.Ptr1, cmdSlot.Len1)
				queue = append(queue, pending{cookie: cmdSlot.Cookie, cmdType: cmdSlot.Type, input: input})
				// The device releases the CMD slot back to the host as soon as
				// it has consumed the input, independently of when the
				// (possibly much later) completion posts.
				bar.Sfence()
				cmdSlot.Owner = uapi.OwnerHost
				bar.Mfence()
				d.cmdConsume++
			}

			for len(queue) > 0 {
				replySlot := d.rings.Reply.Slot(d.replyConsume % d.replyDepth)
				if bar.LoadOwner(unsafe.Pointer(replySlot)) != uapi.OwnerDevice {
					break
				}
				job := queue[0]
				queue = queue[1:]
				d.replyConsume++

				msglen, data := d.replyFn(job.cmdType, job.input)
				dst := readSegment(replySlot.Ptr1, replySlot.Len1)
				n := copy(dst, data)
				_ = n

				// The device releases the REPLY slot back to the host once it
				// has filled the buffer; the driver may recycle it into a new
				// ring slot once the matching completion is processed.
				bar.Sfence()
				replySlot.Owner = uapi.OwnerHost
				bar.Mfence()

				compSlot := d.rings.Comp.Slot(d.compPost % d.compDepth)
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

func (d *fakeDevice) close() {
	close(d.stop)
	<-d.done
}

func readSegment(addr uint64, length uint32) []byte {
	if length == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), int(length))
}

func newTestEngine(t *testing.T, cmdDepth, replyDepth, compDepth uint32) (*Engine, *fakeDevice) {
	t.Helper()
	mapped := make([]byte, uapi.BAR0Size)
	regs := bar.NewRegs(mapped)

	rings, _, _, _, err := ringmem.Allocate(ringmem.AnonAllocator{}, cmdDepth, replyDepth, compDepth)
	if err != nil {
		t.Fatalf("ringmem.Allocate: %v", err)
	}
	t.Cleanup(func() { _ = rings.Close() })

	e := New(Config{
		Regs: regs, Rings: rings, Alloc: ringmem.AnonAllocator{},
		CmdDepth: cmdDepth, ReplyDepth: replyDepth, CompDepth: compDepth,
	})

	echo := func(_ uint8, input []byte) (uint32, []byte) { return uint32(len(input)), input }
	dev := newFakeDevice(rings, regs, cmdDepth, replyDepth, compDepth, echo)
	return e, dev
}

// pumpCompletions drives HandleInterrupt until ctx is cancelled,
// standing in for the UIO interrupt-read loop in production.
func pumpCompletions(ctx context.Context, e *Engine) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
				e.HandleInterrupt()
				time.Sleep(time.Millisecond)
			}
		}
	}()
}

func TestSingleRequestEchoRoundTrip(t *testing.T) {
	e, dev := newTestEngine(t, 4, 4, 4)
	dev.start()
	defer dev.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pumpCompletions(ctx, e)

	in := []byte{0x01}
	out := make([]byte, 64)
	res, err := e.Submit(context.Background(), Request{CmdType: 0x0B, In: [][]byte{in}, Out: [][]byte{out}})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if res.Rlen != 1 || out[0] != 0x01 {
		t.Fatalf("got rlen=%d out[0]=%#x, want rlen=1 out[0]=0x01", res.Rlen, out[0])
	}

	ncmd, nfree := e.Counts()
	if ncmd != 0 || nfree != 1 {
		t.Fatalf("Counts() = (%d, %d), want (0, 1)", ncmd, nfree)
	}
}

func TestExactFitDoesNotBounce(t *testing.T) {
	e, dev := newTestEngine(t, 4, 4, 4)
	dev.start()
	defer dev.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pumpCompletions(ctx, e)

	in := make([]byte, 16*1024)
	out := make([]byte, 16*1024)
	res, err := e.Submit(context.Background(), Request{CmdType: 1, In: [][]byte{in}, Out: [][]byte{out}})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if res.Rlen != uint32(len(in)) || res.BounceSize != 0 {
		t.Fatalf("got rlen=%d bounce=%d, want rlen=%d bounce=0", res.Rlen, res.BounceSize, len(in))
	}
}

func TestOversizeWithoutTruncOKBouncesThenSucceeds(t *testing.T) {
	e, dev := newTestEngine(t, 4, 4, 4)
	dev.start()
	defer dev.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pumpCompletions(ctx, e)

	in := make([]byte, 16*1024+1)
	out := make([]byte, 16*1024)

	firstRes, err := e.Submit(context.Background(), Request{CmdType: 2, In: [][]byte{in}, Out: [][]byte{out}})
	if err != ErrBufferTooSmall {
		t.Fatalf("first attempt err = %v, want ErrBufferTooSmall", err)
	}
	if firstRes.BounceSize != uint32(len(in)) {
		t.Fatalf("BounceSize = %d, want %d", firstRes.BounceSize, len(in))
	}

	bigOut := make([]byte, 16*1024+1)
	res, err := e.Submit(context.Background(), Request{
		CmdType: 2, In: [][]byte{in}, Out: [][]byte{bigOut}, TruncOK: true,
		ReplyBufSize: int(firstRes.BounceSize),
	})
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if res.Rlen != uint32(len(in)) {
		t.Fatalf("retry rlen = %d, want %d", res.Rlen, len(in))
	}

	ncmd, nfree := e.Counts()
	if ncmd != 0 || nfree != 1 {
		t.Fatalf("Counts() = (%d, %d), want (0, 1) after transient buffer destroyed", ncmd, nfree)
	}
}

func TestRingFillBlocksUntilCompletion(t *testing.T) {
	e, dev := newTestEngine(t, 2, 2, 2)
	dev.start()
	defer dev.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pumpCompletions(ctx, e)

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out := make([]byte, 16)
			_, err := e.Submit(context.Background(), Request{CmdType: 3, In: [][]byte{{byte(i)}}, Out: [][]byte{out}})
			errs[i] = err
		}(i)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for all submitters to complete")
	}

	for i, err := range errs {
		if err != nil {
			t.Errorf("submitter %d: %v", i, err)
		}
	}

	ncmd, nfree := e.Counts()
	if ncmd != 0 || nfree != 2 {
		t.Fatalf("Counts() = (%d, %d), want (0, 2)", ncmd, nfree)
	}
}
