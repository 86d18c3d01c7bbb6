package bar

import (
	"testing"
	"unsafe"

	"github.com/vkeyhost/vkey/internal/uapi"
)

func TestRegsFieldOffsets(t *testing.T) {
	mapped := make([]byte, uapi.BAR0Size)
	r := NewRegs(mapped)

	r.WriteFlags(0xdeadbeef)
	if got := r.Flags(); got != 0xdeadbeef {
		t.Errorf("Flags() = %#x, want %#x", got, 0xdeadbeef)
	}

	r.WriteDbell(7)
	if got := r.RingDbell(); got != 7 {
		t.Errorf("RingDbell() = %d, want 7", got)
	}

	r.WriteCpDbell(9)
	if got := r.CpDbell(); got != 9 {
		t.Errorf("CpDbell() = %d, want 9", got)
	}
}

func TestNewRegsPanicsOnShortBuffer(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for undersized mapping")
		}
	}()
	NewRegs(make([]byte, 4))
}

func TestRingDepth(t *testing.T) {
	if got := RingDepth(8); got != 256 {
		t.Errorf("RingDepth(8) = %d, want 256", got)
	}
}

func TestOwnerRoundTrip(t *testing.T) {
	buf := make([]byte, 64)
	p := unsafe.Pointer(&buf[0])

	StoreOwner(p, uapi.OwnerDevice)
	if got := LoadOwner(p); got != uapi.OwnerDevice {
		t.Errorf("LoadOwner() = %#x, want %#x", got, uapi.OwnerDevice)
	}

	StoreOwner(p, uapi.OwnerHost)
	if got := LoadOwner(p); got != uapi.OwnerHost {
		t.Errorf("LoadOwner() = %#x, want %#x", got, uapi.OwnerHost)
	}
}
