//go:build !cgo || !linux

package bar

// Sfence is a no-op on builds without cgo/linux. The owner byte is read
// and written with plain single-byte loads/stores (regs.go); the fence
// only matters on real x86 hardware talking to an actual device.
func Sfence() {}

// Mfence is a no-op on builds without cgo/linux.
func Mfence() {}
