package report

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Mode selects the RTCP transmission policy.
type Mode int

const (
	// ModeCompound requires every round to carry a full sender or receiver
	// report block.
	ModeCompound Mode = iota
	// ModeReducedSize allows feedback-only rounds to omit the report block
	// once the bootstrap rounds have been sent.
	ModeReducedSize
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case ModeCompound:
		return "compound"
	case ModeReducedSize:
		return "reduced-size"
	default:
		return "unknown"
	}
}

// Default scheduler cadences.
const (
	// DefaultInterval is the report-round interval.
	DefaultInterval = 500 * time.Millisecond
	// DefaultRembInterval is the bandwidth-report cadence.
	DefaultRembInterval = time.Second
	// DefaultRrtrInterval is the round-trip reference block cadence.
	DefaultRrtrInterval = time.Second
	// DefaultBootstrapReports is the number of initial rounds that are
	// always compound, regardless of mode. RFC 5506 requires at least the
	// first round of a session to be compound.
	DefaultBootstrapReports = 1
)

// SchedulerConfig carries the immutable per-session report policy.
type SchedulerConfig struct {
	// Mode selects compound or reduced-size policy.
	Mode Mode
	// Interval between report rounds; DefaultInterval when zero.
	Interval time.Duration
	// BootstrapReports is the count of initial rounds forced to compound;
	// DefaultBootstrapReports when zero.
	BootstrapReports int
	// RembInterval is the bandwidth-report cadence; DefaultRembInterval
	// when zero.
	RembInterval time.Duration
	// RrtrInterval is the round-trip reference cadence; DefaultRrtrInterval
	// when zero.
	RrtrInterval time.Duration
}

func (c SchedulerConfig) withDefaults() (SchedulerConfig, error) {
	if c.Mode != ModeCompound && c.Mode != ModeReducedSize {
		return c, fmt.Errorf("%w: %d", ErrInvalidMode, c.Mode)
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.BootstrapReports <= 0 {
		c.BootstrapReports = DefaultBootstrapReports
	}
	if c.RembInterval <= 0 {
		c.RembInterval = DefaultRembInterval
	}
	if c.RrtrInterval <= 0 {
		c.RrtrInterval = DefaultRrtrInterval
	}
	return c, nil
}

// SenderInfo supplies the clock mapping and counters a sender report needs.
type SenderInfo struct {
	SSRC        uint32
	NTPTime     uint64
	RTPTime     uint32
	PacketCount uint32
	OctetCount  uint32
}

// ReceiverInfo supplies the identity and reception blocks a receiver report
// needs.
type ReceiverInfo struct {
	SSRC   uint32
	Blocks []ReceptionBlock
}

// pendingRrtr is an Rrtr timestamp waiting to be echoed as a Dlrr.
type pendingRrtr struct {
	ntpMid     uint32
	receivedAt time.Time
}

// Scheduler is the per-session report state machine.
//
// It is shared by the timer task (planning outbound rounds) and the feedback
// parsing path (recording received Rrtr blocks); both serialize on the
// scheduler's lock. A Scheduler plans either sender rounds or receiver
// rounds depending on which Plan method the session drives; Rrtr blocks only
// ever leave via PlanReceiver and Dlrr blocks only via PlanSender, keeping
// the two directions disjoint.
type Scheduler struct {
	mu  sync.Mutex
	cfg SchedulerConfig

	roundsSent int
	sentSr     uint32
	sentRr     uint32

	pending  *pendingRrtr
	lastRemb time.Time
	lastRrtr time.Time
}

// NewScheduler creates the report scheduler for one session.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":  "NewScheduler",
		"mode":      cfg.Mode.String(),
		"interval":  cfg.Interval.String(),
		"bootstrap": cfg.BootstrapReports,
	}).Info("Creating report scheduler")

	return &Scheduler{cfg: cfg}, nil
}

// Interval returns the configured round interval.
func (s *Scheduler) Interval() time.Duration {
	return s.cfg.Interval
}

// PlanSender assembles one sender-side report round from due feedback.
//
// In compound mode, and during the bootstrap rounds, a sender report is
// always included ahead of the feedback. In reduced-size mode after
// bootstrap, rounds carrying feedback omit the report block; an empty
// feedback list still produces the periodic sender report.
//
// A pending Rrtr received from the peer is echoed as a Dlrr block whenever a
// sender report is included.
func (s *Scheduler) PlanSender(now time.Time, info SenderInfo, feedback []Feedback) []Feedback {
	s.mu.Lock()
	defer s.mu.Unlock()

	var round []Feedback
	includeReport := s.mustIncludeReportLocked(len(feedback) > 0)
	if includeReport {
		round = append(round, SenderReport{
			SSRC:        info.SSRC,
			NTPTime:     info.NTPTime,
			RTPTime:     info.RTPTime,
			PacketCount: info.PacketCount,
			OctetCount:  info.OctetCount,
		})
		s.sentSr++

		if s.pending != nil {
			round = append(round, Dlrr{
				SenderSSRC: info.SSRC,
				Entries: []DlrrEntry{{
					SSRC:               info.SSRC,
					LastRrtr:           s.pending.ntpMid,
					DelaySinceLastRrtr: DurationToNtpUnits(now.Sub(s.pending.receivedAt)),
				}},
			})
			s.pending = nil
		}
	}

	round = append(round, feedback...)
	if len(round) == 0 {
		return nil
	}
	s.roundsSent++
	return round
}

// PlanReceiver assembles one receiver-side report round.
//
// Parameters:
//   - now: the planning time
//   - info: receiver identity and reception blocks
//   - feedback: due feedback items (NACK, PLI)
//   - remb: the current bandwidth estimate, nil when none is available; it
//     is attached at the configured cadence
//
// A standing estimate counts as feedback only on rounds where the REMB
// cadence is due; off-cadence rounds fall back to the periodic report, so a
// long-lived estimate never starves reception-quality blocks.
//
// An Rrtr block is attached to receiver-report rounds at the configured
// cadence so the peer can echo it back for round-trip measurement.
func (s *Scheduler) PlanReceiver(now time.Time, info ReceiverInfo, feedback []Feedback, remb *Remb) []Feedback {
	s.mu.Lock()
	defer s.mu.Unlock()

	rembDue := remb != nil && now.Sub(s.lastRemb) >= s.cfg.RembInterval

	var round []Feedback
	includeReport := s.mustIncludeReportLocked(len(feedback) > 0 || rembDue)
	if includeReport {
		round = append(round, ReceiverReport{
			SSRC:   info.SSRC,
			Blocks: info.Blocks,
		})
		s.sentRr++

		if now.Sub(s.lastRrtr) >= s.cfg.RrtrInterval {
			round = append(round, Rrtr{
				SenderSSRC:   info.SSRC,
				NTPTimestamp: NtpTime(now),
			})
			s.lastRrtr = now
		}
	}

	if rembDue {
		round = append(round, *remb)
		s.lastRemb = now
	}

	round = append(round, feedback...)
	if len(round) == 0 {
		return nil
	}
	s.roundsSent++
	return round
}

// OnRrtr records a received receiver reference time block for echoing in the
// next sender report. Called from the feedback parsing path.
func (s *Scheduler) OnRrtr(ntpTimestamp uint64, receivedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = &pendingRrtr{
		ntpMid:     NtpMid(ntpTimestamp),
		receivedAt: receivedAt,
	}
}

// Counters returns the number of sender and receiver reports emitted.
func (s *Scheduler) Counters() (sentSr, sentRr uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sentSr, s.sentRr
}

// mustIncludeReportLocked applies the compound policy: compound mode and the
// bootstrap rounds always carry a report block; reduced-size rounds carry
// one only when there is no feedback to send (the periodic report round).
func (s *Scheduler) mustIncludeReportLocked(hasFeedback bool) bool {
	if s.cfg.Mode == ModeCompound {
		return true
	}
	if s.roundsSent < s.cfg.BootstrapReports {
		return true
	}
	return !hasFeedback
}
