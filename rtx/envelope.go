package rtx

import (
	"encoding/binary"
	"fmt"

	"github.com/opd-ai/rtpcore/packet"
)

// osnLength is the size of the original-sequence-number prefix carried by an
// RTX payload (RFC 4588 section 4).
const osnLength = 2

// WrapRTX builds the RTX envelope for a packet: the original payload is
// prefixed with the original sequence number and re-sent under the RTX
// stream's SSRC, sequence counter, and payload type. The timestamp is
// carried over unchanged.
func WrapRTX(orig *packet.Packet, rtxSSRC uint32, rtxSeq uint16, rtxPayloadType uint8) (*packet.Packet, error) {
	if orig == nil {
		return nil, fmt.Errorf("original packet cannot be nil")
	}

	payload := make([]byte, osnLength+len(orig.Payload()))
	binary.BigEndian.PutUint16(payload, orig.SequenceNumber())
	copy(payload[osnLength:], orig.Payload())

	return packet.Build(rtxSSRC, rtxSeq, orig.Timestamp(), rtxPayloadType, orig.Marker(), payload)
}

// UnwrapRTX restores the original media packet from an RTX envelope.
//
// Parameters:
//   - p: the received RTX packet
//   - mediaSSRC: the media stream the envelope repairs
//   - mediaPayloadType: the payload type to restore
//
// Returns ErrMalformedEnvelope when the payload is too short to carry the
// original sequence number.
func UnwrapRTX(p *packet.Packet, mediaSSRC uint32, mediaPayloadType uint8) (*packet.Packet, error) {
	if p == nil {
		return nil, fmt.Errorf("packet cannot be nil")
	}
	payload := p.Payload()
	if len(payload) < osnLength {
		return nil, fmt.Errorf("%w: payload %d bytes", ErrMalformedEnvelope, len(payload))
	}

	origSeq := binary.BigEndian.Uint16(payload)
	return packet.Build(mediaSSRC, origSeq, p.Timestamp(), mediaPayloadType, p.Marker(), payload[osnLength:])
}
