package packet

import "errors"

// Sentinel errors for packet parsing and arithmetic.
// These errors enable reliable error classification using errors.Is().
var (
	// ErrMalformedHeader indicates a buffer too short for the fixed RTP
	// header, or extension/padding lengths exceeding the buffer.
	ErrMalformedHeader = errors.New("malformed packet header")
)
