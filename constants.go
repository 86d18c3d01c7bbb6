package vkey

import "github.com/vkeyhost/vkey/internal/pool"

// Re-exported tunables, so callers building DeviceParams by hand don't
// need to import the internal packages directly.
const (
	// DefaultReplySize is the buffer size posted for a fresh REPLY
	// cookie absent any prior bounce request (spec.md §3 invariant 5).
	DefaultReplySize = pool.DefaultReplySize

	// DefaultCmdShift/DefaultReplyShift/DefaultCompShift size each ring
	// at 2^shift entries when DeviceParams leaves the corresponding
	// field at zero.
	DefaultCmdShift   = 6 // 64 entries
	DefaultReplyShift = 6
	DefaultCompShift  = 6

	// DefaultMaxBounceRetries caps the C7 bouncing retry loop (spec.md
	// §4.4 step 10, "a small, fixed cap... prevents pathological loops").
	DefaultMaxBounceRetries = 5

	// RequiredProtocolMajor is the only vmaj value this driver accepts.
	RequiredProtocolMajor = 1
)
