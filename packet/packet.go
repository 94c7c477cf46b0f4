// Package packet provides the wire-level view of a single RTP media packet
// together with wraparound-aware sequence number and timestamp arithmetic.
//
// A Packet is an immutable snapshot of one packet's header fields and payload
// bytes. It is built either by parsing raw wire bytes received from a
// transport, or by assembling locally produced media with Build. Once a
// Packet has been handed to a history buffer it must not be mutated; every
// accessor returns either a value or a defensive view.
//
// The package uses pion/rtp for standards-compliant header handling.
package packet

import (
	"fmt"

	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"
)

// Packet is an immutable view of one RTP packet.
//
// The raw bytes are retained so a packet can be retransmitted verbatim
// without a re-marshal round trip.
type Packet struct {
	raw     []byte
	header  rtp.Header
	payload []byte
	padding byte
}

// Parse constructs a Packet from raw wire bytes.
//
// The input buffer is copied; the caller may reuse it after Parse returns.
//
// Returns ErrMalformedHeader (wrapped) when the buffer is shorter than the
// fixed RTP header, or when the header-extension or padding lengths exceed
// the buffer.
func Parse(raw []byte) (*Packet, error) {
	buf := make([]byte, len(raw))
	copy(buf, raw)

	var p rtp.Packet
	if err := p.Unmarshal(buf); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "packet.Parse",
			"size":     len(raw),
			"error":    err.Error(),
		}).Debug("Rejected malformed RTP packet")
		return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}

	return &Packet{
		raw:     buf,
		header:  p.Header,
		payload: p.Payload,
		padding: p.PaddingSize,
	}, nil
}

// Build assembles a Packet from locally produced media.
//
// Parameters:
//   - ssrc: stream identifier the packet belongs to
//   - seq: sequence number assigned by the owning stream state
//   - timestamp: media-clock timestamp
//   - payloadType: RTP payload type
//   - marker: true on the last packet of a frame
//   - payload: opaque encoded media bytes (copied)
//
// Returns the assembled packet, or an error if marshaling fails.
func Build(ssrc uint32, seq uint16, timestamp uint32, payloadType uint8, marker bool, payload []byte) (*Packet, error) {
	p := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    payloadType,
			SequenceNumber: seq,
			Timestamp:      timestamp,
			SSRC:           ssrc,
		},
		Payload: payload,
	}

	raw, err := p.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal RTP packet: %w", err)
	}
	// Reparse so the stored payload aliases the retained raw buffer, not the
	// caller's slice.
	return Parse(raw)
}

// SSRC returns the stream identifier.
func (p *Packet) SSRC() uint32 { return p.header.SSRC }

// SequenceNumber returns the 16-bit sequence number.
func (p *Packet) SequenceNumber() uint16 { return p.header.SequenceNumber }

// Timestamp returns the 32-bit media-clock timestamp.
func (p *Packet) Timestamp() uint32 { return p.header.Timestamp }

// PayloadType returns the RTP payload type.
func (p *Packet) PayloadType() uint8 { return p.header.PayloadType }

// Marker reports whether the marker bit is set.
func (p *Packet) Marker() bool { return p.header.Marker }

// HeaderLength returns the serialized header length in bytes.
func (p *Packet) HeaderLength() int { return p.header.MarshalSize() }

// PaddingLength returns the trailing padding length in bytes.
func (p *Packet) PaddingLength() int { return int(p.padding) }

// TotalLength returns the full wire length of the packet.
func (p *Packet) TotalLength() int { return len(p.raw) }

// Payload returns the payload bytes. The returned slice must be treated as
// read-only; it aliases the packet's retained buffer.
func (p *Packet) Payload() []byte { return p.payload }

// Raw returns the full wire bytes of the packet, read-only.
func (p *Packet) Raw() []byte { return p.raw }

// IsRedundant reports whether payload bytes remain after header and padding,
// i.e. the packet carries media rather than being a padding-only envelope
// such as RTX padding.
func (p *Packet) IsRedundant() bool {
	return p.HeaderLength()+p.PaddingLength() < p.TotalLength()
}
