package rtpcore

import "errors"

// Sentinel errors for session operations.
// These errors enable reliable error classification using errors.Is().
var (
	// ErrUnknownSSRC indicates feedback or media referencing a stream that
	// is not configured.
	ErrUnknownSSRC = errors.New("unknown SSRC")

	// ErrNotStarted indicates a send attempt before Start or after Stop.
	ErrNotStarted = errors.New("session is not started")

	// ErrSessionClosed indicates an operation on a closed session.
	ErrSessionClosed = errors.New("session is closed")

	// ErrNoMediaStream indicates a configuration with no media SSRC.
	ErrNoMediaStream = errors.New("configuration has no media stream")
)
