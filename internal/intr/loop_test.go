package intr

import (
	"context"
	"encoding/binary"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

func TestLoopInvokesHandlerPerWakeup(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer r.Close()

	var calls int32
	l := New(Config{
		UIOFile: r,
		Handler: func() { atomic.AddInt32(&calls, 1) },
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, 1)
	for i := 0; i < 3; i++ {
		if _, err := w.Write(buf); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	deadline := time.After(2 * time.Second)
	for {
		if atomic.LoadInt32(&calls) >= 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("handler called %d times, want >= 3", atomic.LoadInt32(&calls))
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	w.Close()
	<-done
}
