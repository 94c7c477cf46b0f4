package fec

import "errors"

// Sentinel errors for the FEC engine.
var (
	// ErrInvalidWindow indicates a protection-set size outside 1..MaxWindow.
	ErrInvalidWindow = errors.New("invalid FEC window size")

	// ErrWrongSSRC indicates a packet from a stream this encoder does not
	// protect.
	ErrWrongSSRC = errors.New("packet SSRC does not match protected SSRC")

	// ErrMalformedFec indicates an FEC payload too short or inconsistent
	// with its recovery header.
	ErrMalformedFec = errors.New("malformed FEC payload")
)
