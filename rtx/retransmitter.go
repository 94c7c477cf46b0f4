// Package rtx implements NACK-driven retransmission of recently sent media
// packets, either verbatim on the original SSRC or wrapped in an RTX
// envelope on a companion SSRC.
//
// The RTX envelope follows RFC 4588: the retransmitted payload is prefixed
// with the two-byte original sequence number, the packet is sent with the
// RTX stream's own monotonically increasing sequence counter, the configured
// RTX payload type, and the original packet's timestamp.
package rtx

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/rtpcore/history"
	"github.com/opd-ai/rtpcore/packet"
	"github.com/opd-ai/rtpcore/transport"
)

// DefaultCoalesceWindow is the dedupe window applied to repeated NACKs for
// the same sequence number when none is configured. Overlapping NACK reports
// inside this window produce a single retransmission.
const DefaultCoalesceWindow = 100 * time.Millisecond

// SequenceSource supplies the next sequence number for the RTX companion
// stream. The stream state manager provides an implementation so the RTX
// counter survives reconfiguration.
type SequenceSource interface {
	NextSequence() uint16
}

// Config carries the immutable retransmission settings for one media stream.
type Config struct {
	// MediaSSRC is the stream whose losses this engine answers.
	MediaSSRC uint32
	// RtxSSRC is the companion retransmission stream; zero disables the RTX
	// envelope and losses are answered verbatim on the media SSRC.
	RtxSSRC uint32
	// RtxPayloadType is the payload type used on the RTX stream.
	RtxPayloadType uint8
	// CoalesceWindow bounds how soon a sequence number may be retransmitted
	// again; DefaultCoalesceWindow when zero.
	CoalesceWindow time.Duration
}

// Retransmitter answers NACK feedback for a single media SSRC.
//
// Lookups are synchronous and bounded: a request either finds the packet in
// the send history and retransmits it, or is dropped silently. Severe loss
// beyond the history window is expected to surface via PLI, never here.
type Retransmitter struct {
	mu         sync.Mutex
	cfg        Config
	media      *history.SendBuffer
	rtxHistory *history.SendBuffer
	rtxSeq     SequenceSource
	tr         transport.Transport
	lastSent   map[uint16]time.Time
	closed     bool
}

// NewRetransmitter creates a retransmission engine for one media stream.
//
// Parameters:
//   - cfg: immutable retransmission settings
//   - media: send history of the media SSRC
//   - rtxHistory: send history of the RTX SSRC; required when cfg.RtxSSRC
//     is nonzero so retransmissions can themselves be re-requested
//   - rtxSeq: sequence source for the RTX stream; required with cfg.RtxSSRC
//   - tr: transport the retransmissions are written to
func NewRetransmitter(cfg Config, media *history.SendBuffer, rtxHistory *history.SendBuffer, rtxSeq SequenceSource, tr transport.Transport) (*Retransmitter, error) {
	if media == nil {
		return nil, fmt.Errorf("media history cannot be nil")
	}
	if tr == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if cfg.RtxSSRC != 0 && (rtxHistory == nil || rtxSeq == nil) {
		return nil, fmt.Errorf("%w: RTX configured without history or sequence source", ErrRtxNotConfigured)
	}
	if cfg.CoalesceWindow <= 0 {
		cfg.CoalesceWindow = DefaultCoalesceWindow
	}

	logrus.WithFields(logrus.Fields{
		"function":        "NewRetransmitter",
		"media_ssrc":      cfg.MediaSSRC,
		"rtx_ssrc":        cfg.RtxSSRC,
		"coalesce_window": cfg.CoalesceWindow.String(),
	}).Info("Creating retransmitter")

	return &Retransmitter{
		cfg:        cfg,
		media:      media,
		rtxHistory: rtxHistory,
		rtxSeq:     rtxSeq,
		tr:         tr,
		lastSent:   make(map[uint16]time.Time),
	}, nil
}

// HandleNack processes one NACK report naming lost sequence numbers.
//
// Requests are handled in order. Sequence numbers outside the history window
// are dropped silently; sequence numbers retransmitted within the coalescing
// window are skipped to suppress duplicates from overlapping reports.
//
// Returns the number of packets retransmitted.
func (r *Retransmitter) HandleNack(seqs []uint16, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, nil
	}

	sent := 0
	for _, seq := range seqs {
		if last, ok := r.lastSent[seq]; ok && now.Sub(last) < r.cfg.CoalesceWindow {
			continue
		}

		orig, ok := r.media.Lookup(seq)
		if !ok {
			// History miss: expected under severe loss, never an error.
			logrus.WithFields(logrus.Fields{
				"function":   "Retransmitter.HandleNack",
				"media_ssrc": r.cfg.MediaSSRC,
				"seq":        seq,
			}).Debug("NACKed sequence outside history window")
			continue
		}

		if err := r.resendLocked(orig, now); err != nil {
			return sent, err
		}
		r.lastSent[seq] = now
		sent++
	}

	r.pruneLocked(now)
	return sent, nil
}

// Close cancels further retransmission processing. Requests already holding
// the lock finish; requests arriving afterward are dropped at entry.
func (r *Retransmitter) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

// resendLocked retransmits one packet, via the RTX envelope when configured.
func (r *Retransmitter) resendLocked(orig *packet.Packet, now time.Time) error {
	if r.cfg.RtxSSRC == 0 {
		// Verbatim resend on the original SSRC and sequence number; no new
		// counter consumption.
		if err := r.tr.Send(orig.Raw()); err != nil {
			return fmt.Errorf("failed to retransmit packet: %w", err)
		}
		// Refresh retention so the packet can be re-requested.
		return r.media.Insert(orig, now)
	}

	wrapped, err := WrapRTX(orig, r.cfg.RtxSSRC, r.rtxSeq.NextSequence(), r.cfg.RtxPayloadType)
	if err != nil {
		return err
	}
	if err := r.tr.Send(wrapped.Raw()); err != nil {
		return fmt.Errorf("failed to retransmit packet: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Retransmitter.resendLocked",
		"media_ssrc": r.cfg.MediaSSRC,
		"orig_seq":   orig.SequenceNumber(),
		"rtx_seq":    wrapped.SequenceNumber(),
	}).Debug("Retransmitted packet on RTX stream")

	return r.rtxHistory.Insert(wrapped, now)
}

// pruneLocked drops dedupe entries older than the coalescing window so the
// map stays bounded by the NACK rate.
func (r *Retransmitter) pruneLocked(now time.Time) {
	for seq, at := range r.lastSent {
		if now.Sub(at) >= r.cfg.CoalesceWindow {
			delete(r.lastSent, seq)
		}
	}
}
