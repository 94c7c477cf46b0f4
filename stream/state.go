// Package stream owns the mapping from logical media streams to their SSRCs
// and guarantees sequence and timestamp continuity across start, stop, and
// reconfiguration.
//
// Every configured SSRC has a State carrying its role (media, RTX companion,
// or FEC companion), its sequence counter, and its timestamp offset. The
// counters live for as long as the SSRC stays configured: pausing a stream
// or resizing a simulcast set never resets a surviving SSRC's counters. Only
// removing the SSRC from the configuration destroys its state.
package stream

import (
	"sync"
)

// Role classifies what a configured SSRC carries.
type Role int

const (
	// RoleMedia is a primary media stream.
	RoleMedia Role = iota
	// RoleRtx is a retransmission companion stream.
	RoleRtx
	// RoleFec is a forward-error-correction companion stream.
	RoleFec
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleMedia:
		return "media"
	case RoleRtx:
		return "rtx"
	case RoleFec:
		return "fec"
	default:
		return "unknown"
	}
}

// State is the per-SSRC counter state. It is created when the SSRC is first
// configured and destroyed only when the SSRC is removed from configuration.
type State struct {
	mu        sync.Mutex
	ssrc      uint32
	role      Role
	companion uint32
	seq       uint16
	timestamp uint32
}

// SSRC returns the stream identifier.
func (s *State) SSRC() uint32 { return s.ssrc }

// Role returns what this SSRC carries.
func (s *State) Role() Role { return s.role }

// Companion returns the media SSRC this stream serves; zero for media roles.
func (s *State) Companion() uint32 { return s.companion }

// NextSequence consumes and returns the next sequence number. Within one
// SSRC, sequence numbers are assigned consecutively at send time; gaps only
// ever arise from network loss, never from this layer.
func (s *State) NextSequence() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.seq
	s.seq++
	return seq
}

// PeekSequence returns the sequence number the next send would consume.
func (s *State) PeekSequence() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// AdvanceTimestamp moves the media clock forward by delta and returns the
// resulting timestamp for the packet being assembled.
func (s *State) AdvanceTimestamp(delta uint32) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timestamp += delta
	return s.timestamp
}

// Timestamp returns the current media-clock timestamp.
func (s *State) Timestamp() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timestamp
}
