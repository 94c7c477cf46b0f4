package rtx

import "errors"

// Sentinel errors for the retransmission engine.
var (
	// ErrRtxNotConfigured indicates an RTX SSRC was set without the history
	// buffer or sequence source it requires.
	ErrRtxNotConfigured = errors.New("RTX companion stream incompletely configured")

	// ErrMalformedEnvelope indicates an RTX payload too short to carry the
	// original sequence number.
	ErrMalformedEnvelope = errors.New("malformed RTX envelope")
)
