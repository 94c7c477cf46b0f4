package history

import "errors"

// Sentinel errors for history stores.
var (
	// ErrWrongSSRC indicates an attempt to store a packet into a buffer
	// serving a different SSRC.
	ErrWrongSSRC = errors.New("packet SSRC does not match buffer SSRC")
)
