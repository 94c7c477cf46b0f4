package rtpcore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/rtpcore/fec"
	"github.com/opd-ai/rtpcore/history"
	"github.com/opd-ai/rtpcore/packet"
	"github.com/opd-ai/rtpcore/report"
	"github.com/opd-ai/rtpcore/rtx"
	"github.com/opd-ai/rtpcore/stats"
	"github.com/opd-ai/rtpcore/stream"
	"github.com/opd-ai/rtpcore/transport"
)

// KeyframeRequestFunc is invoked when the peer signals unrecoverable loss
// via PLI. The encoder collaborator should produce a keyframe promptly.
// Duplicate invocations for the same loss event must be tolerated.
type KeyframeRequestFunc func(mediaSSRC uint32)

// BandwidthFunc is invoked with the peer's available-bitrate estimate
// carried in REMB feedback.
type BandwidthFunc func(bitrateBps uint64, ssrcs []uint32)

// senderStream bundles the per-media-SSRC machinery. Each media stream owns
// its own locks inside these components; cross-SSRC operations never block
// on each other.
type senderStream struct {
	state      *stream.State
	hist       *history.SendBuffer
	sent       *stats.Aggregator
	rtxState   *stream.State
	rtxHist    *history.SendBuffer
	retransmit *rtx.Retransmitter
	fecState   *stream.State
	fecHist    *history.SendBuffer
	fecEnc     *fec.Encoder
}

// Session is the sending side of the reliability layer for one peer.
//
// Three paths touch a Session concurrently: the media-production path
// (SendFrame), the inbound-feedback path (HandleFeedback), and the report
// timer task. Per-SSRC state is serialized per stream; only the report
// scheduler is session-level shared state.
type Session struct {
	cfg SessionConfig
	tr  transport.Transport

	streams    *stream.Manager
	sched      *report.Scheduler
	aggregator *stats.Aggregator

	mu          sync.RWMutex
	senders     map[uint32]*senderStream
	reportSSRC  uint32
	onKeyframe  KeyframeRequestFunc
	onBandwidth BandwidthFunc

	// Last sender report sent, for RTT from receiver report echoes.
	lastSrMid uint32
	lastSrAt  time.Time

	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	loopStarted bool
	closed      bool
}

// NewSession creates a sending session over the given transport.
//
// The configuration is validated synchronously; a role-inconsistent SSRC
// set is the only hard error this layer produces.
func NewSession(cfg SessionConfig, tr transport.Transport) (*Session, error) {
	if tr == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}

	sched, err := report.NewScheduler(cfg.Scheduler)
	if err != nil {
		return nil, err
	}

	mgr := stream.NewManager(stream.ManagerConfig{ClockRate: cfg.ClockRate})
	if err := mgr.Configure(cfg.Streams); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:        cfg,
		tr:         tr,
		streams:    mgr,
		sched:      sched,
		aggregator: stats.NewAggregator(),
		senders:    make(map[uint32]*senderStream),
		ctx:        ctx,
		cancel:     cancel,
	}

	if err := s.rebuildSenders(); err != nil {
		cancel()
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":    "NewSession",
		"streams":     len(cfg.Streams),
		"report_ssrc": s.reportSSRC,
		"mode":        cfg.Scheduler.Mode.String(),
	}).Info("Created sending session")

	return s, nil
}

// rebuildSenders assembles per-media-SSRC machinery for the configured set.
// Existing machinery for surviving SSRCs is retained so history buffers and
// dedupe state survive reconfiguration; a surviving SSRC whose RTX or FEC
// companion set changed gets its retransmission and FEC wiring rebuilt
// around the retained media history.
func (s *Session) rebuildSenders() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	media := s.streams.MediaSSRCs()
	if len(media) == 0 {
		return ErrNoMediaStream
	}

	if s.reportSSRC == 0 {
		s.reportSSRC = s.cfg.ReportSSRC
		if s.reportSSRC == 0 {
			for _, e := range s.cfg.Streams {
				if e.Role == stream.RoleMedia {
					s.reportSSRC = e.SSRC
					break
				}
			}
		}
	}

	keep := make(map[uint32]bool, len(media))
	for _, ssrc := range media {
		keep[ssrc] = true

		rtxSt, _ := s.streams.CompanionFor(ssrc, stream.RoleRtx)
		fecSt, _ := s.streams.CompanionFor(ssrc, stream.RoleFec)

		prev := s.senders[ssrc]
		if prev != nil && prev.rtxState == rtxSt && prev.fecState == fecSt {
			continue
		}

		st, _ := s.streams.Lookup(ssrc)
		ss := &senderStream{
			state: st,
			hist:  history.NewSendBuffer(ssrc, s.cfg.HistoryWindow),
			sent:  stats.NewAggregator(),
		}

		if prev != nil {
			// Companion wiring changed for a surviving media SSRC: the old
			// retransmitter answers with the stale wiring, so it is torn down
			// here. Media history and send counters carry over so recent
			// packets stay retransmittable.
			prev.retransmit.Close()
			ss.hist = prev.hist
			ss.sent = prev.sent
			if prev.rtxState == rtxSt {
				ss.rtxHist = prev.rtxHist
			}
			if prev.fecState == fecSt {
				ss.fecHist = prev.fecHist
				ss.fecEnc = prev.fecEnc
			} else if prev.fecEnc != nil {
				prev.fecEnc.Flush()
			}
			logrus.WithFields(logrus.Fields{
				"function": "Session.rebuildSenders",
				"ssrc":     ssrc,
				"rtx_ssrc": companionSSRC(rtxSt),
				"fec_ssrc": companionSSRC(fecSt),
			}).Info("Rewired sender stream companions")
		}

		if rtxSt != nil {
			ss.rtxState = rtxSt
			if ss.rtxHist == nil {
				ss.rtxHist = history.NewSendBuffer(rtxSt.SSRC(), s.cfg.HistoryWindow)
			}
		}
		rt, err := rtx.NewRetransmitter(rtx.Config{
			MediaSSRC:      ssrc,
			RtxSSRC:        companionSSRC(ss.rtxState),
			RtxPayloadType: s.cfg.RtxPayloadType,
			CoalesceWindow: s.cfg.NackCoalesceWindow,
		}, ss.hist, ss.rtxHist, ss.rtxState, s.tr)
		if err != nil {
			return err
		}
		ss.retransmit = rt

		if fecSt != nil && ss.fecEnc == nil {
			ss.fecHist = history.NewSendBuffer(fecSt.SSRC(), s.cfg.HistoryWindow)
			enc, err := fec.NewEncoder(fec.Config{
				MediaSSRC:           ssrc,
				FecSSRC:             fecSt.SSRC(),
				EnvelopePayloadType: s.cfg.FecEnvelopePayloadType,
				FecPayloadType:      s.cfg.FecPayloadType,
				Window:              s.cfg.FecWindow,
			}, fecSt)
			if err != nil {
				return err
			}
			ss.fecEnc = enc
		}
		ss.fecState = fecSt

		s.senders[ssrc] = ss
	}

	// Tear down machinery for SSRCs removed from the configuration; their
	// retransmitters drop requests arriving after the close.
	for ssrc, ss := range s.senders {
		if !keep[ssrc] {
			ss.retransmit.Close()
			if ss.fecEnc != nil {
				ss.fecEnc.Flush()
			}
			delete(s.senders, ssrc)
			logrus.WithFields(logrus.Fields{
				"function": "Session.rebuildSenders",
				"ssrc":     ssrc,
			}).Info("Tore down sender stream")
		}
	}
	return nil
}

// companionSSRC returns the SSRC of an optional companion state.
func companionSSRC(st *stream.State) uint32 {
	if st == nil {
		return 0
	}
	return st.SSRC()
}

// OnKeyframeRequest registers the encoder collaborator invoked when PLI
// feedback arrives.
func (s *Session) OnKeyframeRequest(fn KeyframeRequestFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onKeyframe = fn
}

// OnBandwidthEstimate registers the callback invoked with REMB feedback.
func (s *Session) OnBandwidthEstimate(fn BandwidthFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onBandwidth = fn
}

// Start activates the session and launches the report scheduler task.
// Counters are untouched; Start after Stop resumes exactly where the
// sequence and timestamp counters left off.
func (s *Session) Start() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	launch := !s.loopStarted
	s.loopStarted = true
	s.mu.Unlock()

	s.streams.Start()
	if launch {
		s.wg.Add(1)
		go s.reportLoop()
	}

	logrus.WithFields(logrus.Fields{
		"function": "Session.Start",
	}).Info("Session started")
	return nil
}

// Stop pauses the session. Pure activity toggle: no counter is reset.
func (s *Session) Stop() {
	s.streams.Stop()
	logrus.WithFields(logrus.Fields{
		"function": "Session.Stop",
	}).Info("Session stopped")
}

// Reconfigure replaces the active SSRC set. SSRCs present before and after
// keep their sequence and timestamp counters; removed SSRCs are torn down
// and their pending retransmissions cancelled; added SSRCs start fresh.
// Re-entry with an identical set is a no-op on all counters.
func (s *Session) Reconfigure(entries []stream.Config) error {
	if err := s.streams.Reconfigure(entries); err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg.Streams = entries
	s.mu.Unlock()
	return s.rebuildSenders()
}

// SendFrame packetizes one encoded payload on the given media SSRC.
//
// Parameters:
//   - ssrc: the media stream to send on
//   - payload: opaque encoded media bytes
//   - marker: true on the last packet of a frame
//   - timestampDelta: media-clock advance for this packet; zero for
//     continuation packets of the same frame
//
// The packet is retained in the send history for retransmission, folded
// into the open FEC protection set when one is configured, and written to
// the transport. This path never blocks on network conditions.
func (s *Session) SendFrame(ssrc uint32, payload []byte, marker bool, timestampDelta uint32) error {
	if !s.streams.Started() {
		return ErrNotStarted
	}

	s.mu.RLock()
	ss, ok := s.senders[ssrc]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownSSRC, ssrc)
	}

	seq := ss.state.NextSequence()
	ts := ss.state.AdvanceTimestamp(timestampDelta)

	pkt, err := packet.Build(ssrc, seq, ts, s.cfg.MediaPayloadType, marker, payload)
	if err != nil {
		return err
	}

	now := time.Now()
	if err := ss.hist.Insert(pkt, now); err != nil {
		return err
	}
	if err := s.tr.Send(pkt.Raw()); err != nil {
		return fmt.Errorf("failed to send packet: %w", err)
	}
	s.aggregator.AddSent(1, uint64(pkt.TotalLength()))
	ss.sent.AddSent(1, uint64(pkt.TotalLength()))

	if ss.fecEnc != nil {
		fecPkt, err := ss.fecEnc.Protect(pkt)
		if err != nil {
			return err
		}
		if fecPkt != nil {
			if err := ss.fecHist.Insert(fecPkt, now); err != nil {
				return err
			}
			if err := s.tr.Send(fecPkt.Raw()); err != nil {
				return fmt.Errorf("failed to send FEC packet: %w", err)
			}
			s.aggregator.AddSent(1, uint64(fecPkt.TotalLength()))
		}
	}
	return nil
}

// HandleFeedback processes one inbound RTCP datagram.
//
// Structurally invalid datagrams fail with report.ErrInvalidReport and are
// discarded whole; individual malformed or unknown blocks inside a valid
// datagram were already skipped by the parser. Feedback for unconfigured
// SSRCs is ignored with a log entry.
func (s *Session) HandleFeedback(raw []byte) error {
	items, err := report.Parse(raw)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, item := range items {
		switch f := item.(type) {
		case report.Nack:
			s.handleNack(f, now)
		case report.Pli:
			s.handlePli(f)
		case report.Remb:
			s.mu.RLock()
			fn := s.onBandwidth
			s.mu.RUnlock()
			if fn != nil {
				fn(f.BitrateBps, f.SSRCs)
			}
		case report.Rrtr:
			s.sched.OnRrtr(f.NTPTimestamp, now)
		case report.ReceiverReport:
			s.handleReceiverReport(f, now)
		case report.SenderReport, report.Dlrr:
			// Sender-direction blocks mirrored back are not meaningful
			// here; the receiving side consumes them.
			logrus.WithFields(logrus.Fields{
				"function": "Session.HandleFeedback",
				"kind":     report.Kind(item),
			}).Debug("Ignoring sender-direction block")
		}
	}
	return nil
}

// handleNack routes a NACK to the owning retransmitter. Requests are
// processed in arrival order; retransmissions may be reordered relative to
// live packets on the wire.
func (s *Session) handleNack(f report.Nack, now time.Time) {
	s.mu.RLock()
	ss, ok := s.senders[f.MediaSSRC]
	s.mu.RUnlock()
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": "Session.handleNack",
			"ssrc":     f.MediaSSRC,
		}).Debug("NACK for unknown SSRC ignored")
		return
	}

	sent, err := ss.retransmit.HandleNack(f.Seqs, now)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Session.handleNack",
			"ssrc":     f.MediaSSRC,
			"error":    err.Error(),
		}).Warn("Retransmission failed")
		return
	}
	if sent > 0 {
		s.aggregator.AddRetransmitted(uint64(sent))
	}
}

// handlePli routes a keyframe request to the encoder collaborator.
func (s *Session) handlePli(f report.Pli) {
	if _, ok := s.streams.Lookup(f.MediaSSRC); !ok {
		logrus.WithFields(logrus.Fields{
			"function": "Session.handlePli",
			"ssrc":     f.MediaSSRC,
		}).Debug("PLI for unknown SSRC ignored")
		return
	}

	s.mu.RLock()
	fn := s.onKeyframe
	s.mu.RUnlock()
	if fn != nil {
		fn(f.MediaSSRC)
	}
}

// handleReceiverReport folds reception blocks into the stats aggregator and
// derives round-trip time from the sender-report echo.
func (s *Session) handleReceiverReport(f report.ReceiverReport, now time.Time) {
	var lost uint32
	for _, b := range f.Blocks {
		lost += b.TotalLost

		s.mu.RLock()
		mid, at := s.lastSrMid, s.lastSrAt
		s.mu.RUnlock()
		if mid != 0 && b.LastSenderNTP == mid {
			rtt := now.Sub(at) - report.NtpUnitsToDuration(b.DelaySinceLast)
			if rtt > 0 {
				s.aggregator.SetLastRTT(rtt)
			}
		}
	}
	s.aggregator.SetCumulativeLost(lost)
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() stats.Snapshot {
	return s.aggregator.Snapshot()
}

// Close stops all session tasks and cancels pending retransmission
// processing. The session cannot be restarted.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, ss := range s.senders {
		ss.retransmit.Close()
	}
	s.mu.Unlock()

	s.streams.Stop()
	s.cancel()
	s.wg.Wait()

	logrus.WithFields(logrus.Fields{
		"function": "Session.Close",
	}).Info("Session closed")
	return nil
}

// reportLoop is the periodic timer task emitting scheduled report rounds.
func (s *Session) reportLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.sched.Interval())
	defer ticker.Stop()

	logrus.WithFields(logrus.Fields{
		"function": "Session.reportLoop",
		"interval": s.sched.Interval().String(),
	}).Debug("Starting report loop")

	for {
		select {
		case <-s.ctx.Done():
			logrus.WithFields(logrus.Fields{
				"function": "Session.reportLoop",
			}).Debug("Report loop stopped")
			return
		case <-ticker.C:
			if s.streams.Started() {
				s.emitReportRound(time.Now())
			}
		}
	}
}

// emitReportRound plans and sends one sender report round. The sender report
// names the report SSRC, so its packet and octet counts come from that
// stream's own counters, not the session-wide aggregate.
func (s *Session) emitReportRound(now time.Time) {
	s.mu.RLock()
	reportSSRC := s.reportSSRC
	ss := s.senders[reportSSRC]
	s.mu.RUnlock()

	var rtpTime, pktCount, octetCount uint32
	if ss != nil {
		rtpTime = ss.state.Timestamp()
		snap := ss.sent.Snapshot()
		pktCount = uint32(snap.PacketsSent)
		octetCount = uint32(snap.BytesSent)
	}

	ntp := report.NtpTime(now)
	info := report.SenderInfo{
		SSRC:        reportSSRC,
		NTPTime:     ntp,
		RTPTime:     rtpTime,
		PacketCount: pktCount,
		OctetCount:  octetCount,
	}

	round := s.sched.PlanSender(now, info, nil)
	if len(round) == 0 {
		return
	}

	raw, err := report.Build(round)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Session.emitReportRound",
			"error":    err.Error(),
		}).Warn("Failed to build report round")
		return
	}
	if err := s.tr.Send(raw); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Session.emitReportRound",
			"error":    err.Error(),
		}).Warn("Failed to send report round")
		return
	}

	s.mu.Lock()
	s.lastSrMid = report.NtpMid(ntp)
	s.lastSrAt = now
	s.mu.Unlock()
}
