package report

import "errors"

// Sentinel errors for report framing and scheduling.
var (
	// ErrInvalidReport indicates a structurally broken RTCP datagram; the
	// whole datagram is discarded.
	ErrInvalidReport = errors.New("invalid RTCP report")

	// ErrInvalidMode indicates an unknown scheduler mode value.
	ErrInvalidMode = errors.New("invalid RTCP mode")
)
