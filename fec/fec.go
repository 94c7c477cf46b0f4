// Package fec implements XOR forward error correction over contiguous
// windows of media packets.
//
// The sender groups W consecutive packets of one SSRC into a protection set
// and emits a single FEC packet whose payload carries a redundancy envelope
// (one byte naming the encapsulated FEC payload type), a recovery header,
// and an XOR parity block. The receiver can rebuild exactly one missing
// packet per set; when zero or two-or-more packets are missing, recovery is
// not attempted, since the result would not be uniquely determined.
//
// Recovery header layout, after the one-byte envelope:
//
//	byte  0     marker/payload-type recovery: bit 7 = XOR of marker bits,
//	            bits 6..0 = XOR of payload types
//	bytes 1-2   base sequence number of the protected set
//	bytes 3-4   protection mask: bit i set means base+i is protected
//	bytes 5-8   timestamp recovery: XOR of protected timestamps
//	bytes 9-10  length recovery: XOR of protected payload lengths
//	bytes 11-   parity: XOR of protected payloads, zero padded to the longest
package fec

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/rtpcore/packet"
)

// MaxWindow is the largest protection-set size; the protection mask is a
// single uint16 with bit zero naming the base sequence number.
const MaxWindow = 16

const (
	envelopeLength = 1
	headerLength   = 11
)

// SequenceSource supplies the next sequence number for the FEC companion
// stream.
type SequenceSource interface {
	NextSequence() uint16
}

// Config carries the immutable FEC settings for one media stream.
type Config struct {
	// MediaSSRC is the protected stream.
	MediaSSRC uint32
	// FecSSRC is the companion stream FEC packets are sent on.
	FecSSRC uint32
	// EnvelopePayloadType tags the outer redundancy envelope.
	EnvelopePayloadType uint8
	// FecPayloadType names the encapsulated recovery payload.
	FecPayloadType uint8
	// Window is the protection-set size W, 1..MaxWindow.
	Window int
}

func (c Config) validate() error {
	if c.Window < 1 || c.Window > MaxWindow {
		return fmt.Errorf("%w: window %d not in 1..%d", ErrInvalidWindow, c.Window, MaxWindow)
	}
	return nil
}

// Encoder accumulates consecutive media packets of one SSRC and emits one
// FEC packet per full protection set.
type Encoder struct {
	mu      sync.Mutex
	cfg     Config
	seq     SequenceSource
	pending []*packet.Packet
}

// NewEncoder creates a protection encoder.
//
// Parameters:
//   - cfg: immutable FEC settings
//   - seq: sequence source for the FEC companion stream
func NewEncoder(cfg Config, seq SequenceSource) (*Encoder, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if seq == nil {
		return nil, fmt.Errorf("sequence source cannot be nil")
	}

	logrus.WithFields(logrus.Fields{
		"function":   "NewEncoder",
		"media_ssrc": cfg.MediaSSRC,
		"fec_ssrc":   cfg.FecSSRC,
		"window":     cfg.Window,
	}).Info("Creating FEC encoder")

	return &Encoder{
		cfg:     cfg,
		seq:     seq,
		pending: make([]*packet.Packet, 0, cfg.Window),
	}, nil
}

// Protect adds one sent media packet to the current protection set.
//
// When the set reaches the configured window size, the FEC packet for it is
// returned and a new set begins. A non-consecutive sequence number restarts
// the set; the local sender does not skip sequence numbers, so this is
// purely defensive.
//
// Returns:
//   - *packet.Packet: the emitted FEC packet, or nil while the set is open
//   - error: when the packet is nil or from a foreign SSRC
func (e *Encoder) Protect(pkt *packet.Packet) (*packet.Packet, error) {
	if pkt == nil {
		return nil, fmt.Errorf("packet cannot be nil")
	}
	if pkt.SSRC() != e.cfg.MediaSSRC {
		return nil, fmt.Errorf("%w: encoder protects %d, packet has %d", ErrWrongSSRC, e.cfg.MediaSSRC, pkt.SSRC())
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if n := len(e.pending); n > 0 {
		expect := e.pending[n-1].SequenceNumber() + 1
		if pkt.SequenceNumber() != expect {
			logrus.WithFields(logrus.Fields{
				"function":   "Encoder.Protect",
				"media_ssrc": e.cfg.MediaSSRC,
				"expected":   expect,
				"got":        pkt.SequenceNumber(),
			}).Warn("Non-consecutive packet, restarting protection set")
			e.pending = e.pending[:0]
		}
	}

	e.pending = append(e.pending, pkt)
	if len(e.pending) < e.cfg.Window {
		return nil, nil
	}

	fecPkt, err := buildFecPacket(e.cfg, e.seq.NextSequence(), e.pending)
	e.pending = e.pending[:0]
	return fecPkt, err
}

// buildFecPacket computes the recovery payload over one full protection set.
func buildFecPacket(cfg Config, fecSeq uint16, set []*packet.Packet) (*packet.Packet, error) {
	maxLen := 0
	for _, p := range set {
		if len(p.Payload()) > maxLen {
			maxLen = len(p.Payload())
		}
	}

	payload := make([]byte, envelopeLength+headerLength+maxLen)
	payload[0] = cfg.FecPayloadType
	hdr := payload[envelopeLength:]
	parity := payload[envelopeLength+headerLength:]

	base := set[0].SequenceNumber()
	var mask uint16
	var tsXor uint32
	var lenXor uint16
	for _, p := range set {
		mask |= 1 << uint(p.SequenceNumber()-base)
		tsXor ^= p.Timestamp()
		lenXor ^= uint16(len(p.Payload()))
		if p.Marker() {
			hdr[0] ^= 0x80
		}
		hdr[0] ^= p.PayloadType() & 0x7f
		for i, b := range p.Payload() {
			parity[i] ^= b
		}
	}

	binary.BigEndian.PutUint16(hdr[1:3], base)
	binary.BigEndian.PutUint16(hdr[3:5], mask)
	binary.BigEndian.PutUint32(hdr[5:9], tsXor)
	binary.BigEndian.PutUint16(hdr[9:11], lenXor)

	// The FEC packet carries the timestamp of the newest protected packet.
	return packet.Build(cfg.FecSSRC, fecSeq, set[len(set)-1].Timestamp(), cfg.EnvelopePayloadType, false, payload)
}

// Flush discards the open protection set, used when the protected stream is
// reconfigured away.
func (e *Encoder) Flush() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = e.pending[:0]
}

// Decoder recovers lost media packets from received FEC packets.
type Decoder struct {
	cfg Config
}

// NewDecoder creates a recovery decoder for one protected stream.
func NewDecoder(cfg Config) (*Decoder, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Decoder{cfg: cfg}, nil
}

// Recover attempts single-loss recovery from one FEC packet.
//
// Parameters:
//   - fecPkt: the received FEC packet
//   - lookup: resolves a protected sequence number to the received packet,
//     typically backed by the receive log
//
// Returns:
//   - *packet.Packet: the reconstructed packet, nil when no recovery ran
//   - bool: true when a packet was reconstructed
//   - error: when the FEC payload itself is malformed
//
// Zero missing packets means nothing to do; two or more missing packets make
// recovery ambiguous and none is attempted.
func (d *Decoder) Recover(fecPkt *packet.Packet, lookup func(seq uint16) (*packet.Packet, bool)) (*packet.Packet, bool, error) {
	if fecPkt == nil {
		return nil, false, fmt.Errorf("packet cannot be nil")
	}
	payload := fecPkt.Payload()
	if len(payload) < envelopeLength+headerLength {
		return nil, false, fmt.Errorf("%w: payload %d bytes", ErrMalformedFec, len(payload))
	}
	if payload[0] != d.cfg.FecPayloadType {
		return nil, false, fmt.Errorf("%w: encapsulated payload type %d, want %d", ErrMalformedFec, payload[0], d.cfg.FecPayloadType)
	}

	hdr := payload[envelopeLength:]
	parity := payload[envelopeLength+headerLength:]
	base := binary.BigEndian.Uint16(hdr[1:3])
	mask := binary.BigEndian.Uint16(hdr[3:5])
	tsXor := binary.BigEndian.Uint32(hdr[5:9])
	lenXor := binary.BigEndian.Uint16(hdr[9:11])
	mpXor := hdr[0]

	var missingSeq uint16
	missing := 0
	present := make([]*packet.Packet, 0, MaxWindow)
	for i := 0; i < MaxWindow; i++ {
		if mask&(1<<uint(i)) == 0 {
			continue
		}
		seq := base + uint16(i)
		p, ok := lookup(seq)
		if !ok {
			missing++
			missingSeq = seq
			continue
		}
		present = append(present, p)
	}

	if missing == 0 {
		return nil, false, nil
	}
	if missing > 1 {
		// Ambiguous: reconstructing any packet would fabricate data.
		logrus.WithFields(logrus.Fields{
			"function":   "Decoder.Recover",
			"media_ssrc": d.cfg.MediaSSRC,
			"base_seq":   base,
			"missing":    missing,
		}).Debug("Protection set has multiple losses, skipping recovery")
		return nil, false, nil
	}

	ts := tsXor
	length := lenXor
	mp := mpXor
	buf := make([]byte, len(parity))
	copy(buf, parity)
	for _, p := range present {
		ts ^= p.Timestamp()
		length ^= uint16(len(p.Payload()))
		if p.Marker() {
			mp ^= 0x80
		}
		mp ^= p.PayloadType() & 0x7f
		for i, b := range p.Payload() {
			buf[i] ^= b
		}
	}

	if int(length) > len(buf) {
		return nil, false, fmt.Errorf("%w: recovered length %d exceeds parity %d", ErrMalformedFec, length, len(buf))
	}

	recovered, err := packet.Build(d.cfg.MediaSSRC, missingSeq, ts, mp&0x7f, mp&0x80 != 0, buf[:length])
	if err != nil {
		return nil, false, err
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Decoder.Recover",
		"media_ssrc": d.cfg.MediaSSRC,
		"seq":        missingSeq,
		"timestamp":  ts,
	}).Debug("Recovered packet from FEC parity")

	return recovered, true, nil
}
