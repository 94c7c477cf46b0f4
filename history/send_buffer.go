// Package history provides the bounded per-SSRC packet stores used by the
// retransmission and FEC engines.
//
// Two stores live here:
//
//   - SendBuffer keeps recently sent packets on the sender side so NACKed
//     sequence numbers can be answered and FEC protection sets can be formed.
//   - ReceiveLog keeps recently received packets on the receiver side so FEC
//     recovery has its protected-set source and loss gaps can be detected.
//
// Both stores are bounded by a duration window: entries older than the window
// are never returned, so a lookup can yield "not found" but never a stale or
// wrong packet.
package history

import (
	"fmt"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/rtpcore/packet"
)

// DefaultWindow is the retention window applied when none is configured.
const DefaultWindow = 1000 * time.Millisecond

type sentEntry struct {
	pkt    *packet.Packet
	sentAt time.Time
}

// SendBuffer is a bounded map from sequence number to sent packet for one
// SSRC. Entries are evicted once they fall outside the retention window.
//
// All methods are safe for concurrent use; the buffer is written by the
// production path and read by the feedback path.
type SendBuffer struct {
	mu      sync.Mutex
	ssrc    uint32
	window  time.Duration
	entries map[uint16]sentEntry
	order   deque.Deque[uint16]
	now     func() time.Time
}

// NewSendBuffer creates a send history buffer for a single SSRC.
//
// Parameters:
//   - ssrc: the stream whose packets this buffer holds
//   - window: retention duration; DefaultWindow when zero or negative
//
// Returns:
//   - *SendBuffer: the new buffer
func NewSendBuffer(ssrc uint32, window time.Duration) *SendBuffer {
	if window <= 0 {
		window = DefaultWindow
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewSendBuffer",
		"ssrc":     ssrc,
		"window":   window.String(),
	}).Debug("Creating send history buffer")

	return &SendBuffer{
		ssrc:    ssrc,
		window:  window,
		entries: make(map[uint16]sentEntry),
		now:     time.Now,
	}
}

// SetClock overrides the wall clock used for window checks. Intended for
// tests; the default is time.Now.
func (b *SendBuffer) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// SSRC returns the stream identifier this buffer serves.
func (b *SendBuffer) SSRC() uint32 { return b.ssrc }

// Insert stores a sent packet, evicting entries that have fallen outside the
// retention window. Re-inserting an already stored sequence number refreshes
// its retention time, which happens when a packet is retransmitted verbatim.
//
// Returns an error if the packet is nil or belongs to a different SSRC.
func (b *SendBuffer) Insert(pkt *packet.Packet, sentAt time.Time) error {
	if pkt == nil {
		return fmt.Errorf("packet cannot be nil")
	}
	if pkt.SSRC() != b.ssrc {
		logrus.WithFields(logrus.Fields{
			"function":    "SendBuffer.Insert",
			"buffer_ssrc": b.ssrc,
			"packet_ssrc": pkt.SSRC(),
		}).Error("Rejected packet from foreign SSRC")
		return fmt.Errorf("%w: buffer serves %d, packet has %d", ErrWrongSSRC, b.ssrc, pkt.SSRC())
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	seq := pkt.SequenceNumber()
	b.entries[seq] = sentEntry{pkt: pkt, sentAt: sentAt}
	b.order.PushBack(seq)
	b.evictLocked(sentAt)
	return nil
}

// Lookup returns the packet stored for seq, or false when the sequence number
// was never stored or has aged out of the retention window.
func (b *SendBuffer) Lookup(seq uint16) (*packet.Packet, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[seq]
	if !ok {
		return nil, false
	}
	if b.now().Sub(e.sentAt) > b.window {
		delete(b.entries, seq)
		return nil, false
	}
	return e.pkt, true
}

// Window returns up to count consecutive packets starting at startSeq,
// skipping sequence numbers with no retained entry. Used by FEC grouping.
func (b *SendBuffer) Window(startSeq uint16, count int) []*packet.Packet {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := b.now()
	pkts := make([]*packet.Packet, 0, count)
	for i := 0; i < count; i++ {
		seq := startSeq + uint16(i)
		e, ok := b.entries[seq]
		if !ok || cutoff.Sub(e.sentAt) > b.window {
			continue
		}
		pkts = append(pkts, e.pkt)
	}
	return pkts
}

// Len returns the number of retained entries, including any that would age
// out at the next insert.
func (b *SendBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// evictLocked drops entries older than the window relative to ref. Sequence
// numbers re-inserted after their first appearance are skipped here and
// evicted when their refreshed deque entry surfaces.
func (b *SendBuffer) evictLocked(ref time.Time) {
	for b.order.Len() > 0 {
		seq := b.order.Front()
		e, ok := b.entries[seq]
		if ok && ref.Sub(e.sentAt) <= b.window {
			break
		}
		b.order.PopFront()
		if ok {
			delete(b.entries, seq)
		}
	}
}
