package history

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/rtpcore/packet"
)

// maxGapRun bounds how many missing sequence numbers a single arrival may
// report. A gap larger than this is treated as a stream discontinuity and the
// log re-anchors instead of flooding the NACK queue.
const maxGapRun = 128

// ReceptionSummary is a snapshot of receive-side counters in the shape a
// receiver report block needs.
type ReceptionSummary struct {
	// HighestExtSeq is the extended highest sequence number received.
	HighestExtSeq uint32
	// CumulativeLost is the total number of packets lost since the log was
	// created, clamped at zero when recovery outpaces loss.
	CumulativeLost uint32
	// FractionLost is the loss fraction (fixed point /256) since the
	// previous call to Summary.
	FractionLost uint8
	// Jitter is the RFC 3550 interarrival jitter estimate in media-clock
	// units.
	Jitter uint32
	// PacketsReceived counts packets accepted into the log.
	PacketsReceived uint64
}

// ReceiveLog records received packets for one SSRC so the FEC decoder can
// source its protected sets and the loss tracker can detect gaps.
//
// Add reports newly missing extended sequence numbers; the caller feeds those
// into its NACK queue and removes them again when late packets arrive.
type ReceiveLog struct {
	mu        sync.Mutex
	ssrc      uint32
	window    time.Duration
	clockRate uint32
	entries   map[uint16]sentEntry
	order     deque.Deque[uint16]
	ext       packet.Extender
	started   bool
	baseExt   uint32
	received  uint64

	// Interval state for FractionLost.
	expectedPrior uint32
	receivedPrior uint64

	// RFC 3550 jitter state.
	lastTransit int64
	jitter      float64

	now func() time.Time
}

// NewReceiveLog creates a receive log for one SSRC.
//
// Parameters:
//   - ssrc: the inbound stream identifier
//   - window: retention duration; DefaultWindow when zero or negative
//   - clockRate: media clock rate used for the jitter estimate
func NewReceiveLog(ssrc uint32, window time.Duration, clockRate uint32) *ReceiveLog {
	if window <= 0 {
		window = DefaultWindow
	}

	logrus.WithFields(logrus.Fields{
		"function":   "NewReceiveLog",
		"ssrc":       ssrc,
		"window":     window.String(),
		"clock_rate": clockRate,
	}).Debug("Creating receive log")

	return &ReceiveLog{
		ssrc:      ssrc,
		window:    window,
		clockRate: clockRate,
		entries:   make(map[uint16]sentEntry),
		now:       time.Now,
	}
}

// SetClock overrides the wall clock used for retention checks. Intended for
// tests.
func (l *ReceiveLog) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// SSRC returns the stream identifier this log serves.
func (l *ReceiveLog) SSRC() uint32 { return l.ssrc }

// Add records a received packet.
//
// Returns:
//   - extSeq: the packet's extended sequence number
//   - missing: extended sequence numbers newly detected as lost (the gap
//     between the previous highest sequence and this arrival)
//   - duplicate: true when the sequence number was already present
//   - error: when the packet is nil or from a foreign SSRC
func (l *ReceiveLog) Add(pkt *packet.Packet, at time.Time) (extSeq uint32, missing []uint32, duplicate bool, err error) {
	if pkt == nil {
		return 0, nil, false, fmt.Errorf("packet cannot be nil")
	}
	if pkt.SSRC() != l.ssrc {
		return 0, nil, false, fmt.Errorf("%w: log serves %d, packet has %d", ErrWrongSSRC, l.ssrc, pkt.SSRC())
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	seq := pkt.SequenceNumber()
	if _, ok := l.entries[seq]; ok {
		return l.ext.Highest(), nil, true, nil
	}

	prevHighest := l.ext.Highest()
	extSeq = l.ext.Extend(seq)
	if !l.started {
		l.started = true
		l.baseExt = extSeq
	} else if extSeq > prevHighest {
		gap := extSeq - prevHighest - 1
		if gap > maxGapRun {
			logrus.WithFields(logrus.Fields{
				"function": "ReceiveLog.Add",
				"ssrc":     l.ssrc,
				"gap":      gap,
			}).Warn("Sequence discontinuity, re-anchoring receive log")
			l.baseExt = extSeq
			l.expectedPrior = 0
			l.receivedPrior = l.received
		} else {
			for m := prevHighest + 1; m < extSeq; m++ {
				missing = append(missing, m)
			}
		}
	}

	l.entries[seq] = sentEntry{pkt: pkt, sentAt: at}
	l.order.PushBack(seq)
	l.received++
	l.updateJitterLocked(pkt, at)
	l.evictLocked(at)
	return extSeq, missing, false, nil
}

// HighestExt returns the extended highest sequence number received so far.
func (l *ReceiveLog) HighestExt() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ext.Highest()
}

// Get returns the retained packet for seq, or false when it was never
// received or has aged out of the window.
func (l *ReceiveLog) Get(seq uint16) (*packet.Packet, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[seq]
	if !ok {
		return nil, false
	}
	if l.now().Sub(e.sentAt) > l.window {
		delete(l.entries, seq)
		return nil, false
	}
	return e.pkt, true
}

// Summary returns receive counters and resets the interval state used for
// the loss fraction. Call once per receiver-report round.
func (l *ReceiveLog) Summary() ReceptionSummary {
	l.mu.Lock()
	defer l.mu.Unlock()

	highest := l.ext.Highest()
	var expected uint32
	if l.started {
		expected = highest - l.baseExt + 1
	}

	var cumLost uint32
	if uint64(expected) > l.received {
		cumLost = expected - uint32(l.received)
	}

	expectedInterval := expected - l.expectedPrior
	receivedInterval := l.received - l.receivedPrior
	l.expectedPrior = expected
	l.receivedPrior = l.received

	var fraction uint8
	if expectedInterval > 0 && uint64(expectedInterval) > receivedInterval {
		lost := uint64(expectedInterval) - receivedInterval
		fraction = uint8(lost * 256 / uint64(expectedInterval))
	}

	return ReceptionSummary{
		HighestExtSeq:   highest,
		CumulativeLost:  cumLost,
		FractionLost:    fraction,
		Jitter:          uint32(l.jitter),
		PacketsReceived: l.received,
	}
}

// updateJitterLocked maintains the RFC 3550 interarrival jitter estimate.
// Arrival is converted to clock units with the seconds and sub-second parts
// scaled separately; the naive nanoseconds*clockRate product overflows int64
// for any realistic wall-clock time.
func (l *ReceiveLog) updateJitterLocked(pkt *packet.Packet, at time.Time) {
	if l.clockRate == 0 {
		return
	}
	arrival := at.Unix()*int64(l.clockRate) +
		int64(at.Nanosecond())*int64(l.clockRate)/int64(time.Second)
	transit := arrival - int64(pkt.Timestamp())
	if l.lastTransit != 0 {
		d := math.Abs(float64(transit - l.lastTransit))
		l.jitter += (d - l.jitter) / 16
	}
	l.lastTransit = transit
}

func (l *ReceiveLog) evictLocked(ref time.Time) {
	for l.order.Len() > 0 {
		seq := l.order.Front()
		e, ok := l.entries[seq]
		if ok && ref.Sub(e.sentAt) <= l.window {
			break
		}
		l.order.PopFront()
		if ok {
			delete(l.entries, seq)
		}
	}
}
