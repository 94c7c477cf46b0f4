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

// PacketFunc is invoked for every media packet accepted in order of
// arrival: live packets, unwrapped retransmissions, and FEC-recovered
// packets alike. Playout ordering is the jitter buffer's job, outside this
// layer.
type PacketFunc func(pkt *packet.Packet)

// Receiver is the receiving side of the reliability layer for one media
// stream and its RTX/FEC companions.
//
// It detects loss from sequence gaps, requests retransmission via NACK,
// recovers single losses from FEC parity, escalates to PLI when the NACK
// retry budget runs out, and schedules receiver report rounds carrying
// reception quality, round-trip reference blocks, and bandwidth estimates.
type Receiver struct {
	cfg ReceiverConfig
	tr  transport.Transport

	log        *history.ReceiveLog
	dec        *fec.Decoder
	nackQ      *report.NackQueue
	sched      *report.Scheduler
	aggregator *stats.Aggregator

	mu        sync.RWMutex
	onPacket  PacketFunc
	bitrate   uint64
	lastSrMid uint32
	lastSrAt  time.Time
	started   bool
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReceiver creates a receiving session over the given feedback
// transport.
func NewReceiver(cfg ReceiverConfig, tr transport.Transport) (*Receiver, error) {
	if tr == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if cfg.MediaSSRC == 0 {
		return nil, ErrNoMediaStream
	}

	sched, err := report.NewScheduler(cfg.Scheduler)
	if err != nil {
		return nil, err
	}

	var dec *fec.Decoder
	if cfg.FecSSRC != 0 {
		dec, err = fec.NewDecoder(fec.Config{
			MediaSSRC:           cfg.MediaSSRC,
			FecSSRC:             cfg.FecSSRC,
			EnvelopePayloadType: cfg.FecEnvelopePayloadType,
			FecPayloadType:      cfg.FecPayloadType,
			Window:              cfg.FecWindow,
		})
		if err != nil {
			return nil, err
		}
	}

	clockRate := cfg.ClockRate
	if clockRate == 0 {
		clockRate = stream.DefaultClockRate
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Receiver{
		cfg:        cfg,
		tr:         tr,
		log:        history.NewReceiveLog(cfg.MediaSSRC, cfg.HistoryWindow, clockRate),
		dec:        dec,
		nackQ:      report.NewNackQueue(),
		sched:      sched,
		aggregator: stats.NewAggregator(),
		ctx:        ctx,
		cancel:     cancel,
	}

	logrus.WithFields(logrus.Fields{
		"function":   "NewReceiver",
		"media_ssrc": cfg.MediaSSRC,
		"rtx_ssrc":   cfg.RtxSSRC,
		"fec_ssrc":   cfg.FecSSRC,
	}).Info("Created receiving session")

	return r, nil
}

// OnPacket registers the consumer invoked for each accepted media packet.
func (r *Receiver) OnPacket(fn PacketFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onPacket = fn
}

// SetBandwidthEstimate records the external estimator's current available
// bitrate; it is framed into REMB feedback at the scheduler's cadence.
func (r *Receiver) SetBandwidthEstimate(bitrateBps uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bitrate = bitrateBps
}

// Start launches the receiver report task.
func (r *Receiver) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrSessionClosed
	}
	if r.started {
		return nil
	}
	r.started = true
	r.wg.Add(1)
	go r.reportLoop()
	return nil
}

// HandleMedia processes one inbound packet: live media, an RTX envelope, or
// a FEC packet, dispatched by SSRC.
//
// Packets for unconfigured SSRCs are ignored with a log entry; a malformed
// packet is rejected alone with packet.ErrMalformedHeader and has no
// session impact.
func (r *Receiver) HandleMedia(raw []byte) error {
	pkt, err := packet.Parse(raw)
	if err != nil {
		return err
	}

	now := time.Now()
	switch pkt.SSRC() {
	case r.cfg.MediaSSRC:
		return r.acceptMedia(pkt, now)
	case r.cfg.RtxSSRC:
		return r.acceptRtx(pkt, now)
	case r.cfg.FecSSRC:
		return r.acceptFec(pkt, now)
	default:
		logrus.WithFields(logrus.Fields{
			"function": "Receiver.HandleMedia",
			"ssrc":     pkt.SSRC(),
		}).Debug("Packet for unknown SSRC ignored")
		return nil
	}
}

// acceptMedia logs a live media packet and updates loss tracking.
func (r *Receiver) acceptMedia(pkt *packet.Packet, now time.Time) error {
	extSeq, missing, duplicate, err := r.log.Add(pkt, now)
	if err != nil {
		return err
	}
	if duplicate {
		return nil
	}

	r.aggregator.AddReceived(1, uint64(pkt.TotalLength()))
	for _, m := range missing {
		r.nackQ.Push(m)
	}
	r.nackQ.Remove(extSeq)

	r.deliver(pkt)
	return nil
}

// acceptRtx unwraps a retransmission and feeds it back through the media
// path. RTX padding-only packets carry no media and are dropped.
func (r *Receiver) acceptRtx(pkt *packet.Packet, now time.Time) error {
	if !pkt.IsRedundant() {
		// Padding-only RTX, used by senders for bandwidth probing.
		return nil
	}

	orig, err := rtx.UnwrapRTX(pkt, r.cfg.MediaSSRC, r.cfg.MediaPayloadType)
	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function": "Receiver.acceptRtx",
		"orig_seq": orig.SequenceNumber(),
		"rtx_seq":  pkt.SequenceNumber(),
	}).Debug("Unwrapped retransmitted packet")

	return r.acceptMedia(orig, now)
}

// acceptFec attempts single-loss recovery with the received parity packet.
func (r *Receiver) acceptFec(pkt *packet.Packet, now time.Time) error {
	if r.dec == nil {
		return nil
	}

	recovered, ok, err := r.dec.Recover(pkt, r.log.Get)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	r.aggregator.AddFecRecovered(1)
	return r.acceptMedia(recovered, now)
}

// HandleFeedback processes inbound RTCP from the sending peer: sender
// reports anchor the reception blocks, and DLRR echoes complete round-trip
// measurements started by our RRTR blocks.
func (r *Receiver) HandleFeedback(raw []byte) error {
	items, err := report.Parse(raw)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, item := range items {
		switch f := item.(type) {
		case report.SenderReport:
			r.mu.Lock()
			r.lastSrMid = report.NtpMid(f.NTPTime)
			r.lastSrAt = now
			r.mu.Unlock()
		case report.Dlrr:
			r.handleDlrr(f, now)
		default:
			logrus.WithFields(logrus.Fields{
				"function": "Receiver.HandleFeedback",
				"kind":     report.Kind(item),
			}).Debug("Ignoring receiver-direction block")
		}
	}
	return nil
}

// handleDlrr computes round-trip time from a DLRR echo of our RRTR.
func (r *Receiver) handleDlrr(f report.Dlrr, now time.Time) {
	nowMid := report.NtpMid(report.NtpTime(now))
	for _, e := range f.Entries {
		if e.LastRrtr == 0 {
			continue
		}
		elapsed := nowMid - e.LastRrtr - e.DelaySinceLastRrtr
		rtt := report.NtpUnitsToDuration(elapsed)
		if rtt > 0 && rtt < time.Minute {
			r.aggregator.SetLastRTT(rtt)
			logrus.WithFields(logrus.Fields{
				"function": "Receiver.handleDlrr",
				"rtt":      rtt.String(),
			}).Debug("Round-trip time measured")
		}
	}
}

// Stats returns a snapshot of the receiver counters.
func (r *Receiver) Stats() stats.Snapshot {
	return r.aggregator.Snapshot()
}

// Close stops the report task. The receiver cannot be restarted.
func (r *Receiver) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.started = false
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
	return nil
}

// deliver hands an accepted packet to the registered consumer.
func (r *Receiver) deliver(pkt *packet.Packet) {
	r.mu.RLock()
	fn := r.onPacket
	r.mu.RUnlock()
	if fn != nil {
		fn(pkt)
	}
}

// reportLoop is the periodic timer task emitting receiver report rounds.
func (r *Receiver) reportLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.sched.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.emitReportRound(time.Now())
		}
	}
}

// emitReportRound plans and sends one receiver round: reception block,
// due NACKs, PLI escalation, RRTR, and REMB.
func (r *Receiver) emitReportRound(now time.Time) {
	seqs, keyframe := r.nackQ.Collect(r.log.HighestExt())

	var feedback []report.Feedback
	if len(seqs) > 0 {
		feedback = append(feedback, report.Nack{
			SenderSSRC: r.cfg.ReceiverSSRC,
			MediaSSRC:  r.cfg.MediaSSRC,
			Seqs:       seqs,
		})
	}
	if keyframe {
		// Loss the NACK/FEC machinery could not repair: signal the sender
		// to produce a keyframe. At-least-once; duplicates are tolerated.
		feedback = append(feedback, report.Pli{
			SenderSSRC: r.cfg.ReceiverSSRC,
			MediaSSRC:  r.cfg.MediaSSRC,
		})
	}

	summary := r.log.Summary()
	r.aggregator.SetCumulativeLost(summary.CumulativeLost)

	r.mu.RLock()
	lastSrMid, lastSrAt := r.lastSrMid, r.lastSrAt
	bitrate := r.bitrate
	r.mu.RUnlock()

	var delay uint32
	if lastSrMid != 0 {
		delay = report.DurationToNtpUnits(now.Sub(lastSrAt))
	}
	info := report.ReceiverInfo{
		SSRC: r.cfg.ReceiverSSRC,
		Blocks: []report.ReceptionBlock{{
			SSRC:           r.cfg.MediaSSRC,
			FractionLost:   summary.FractionLost,
			TotalLost:      summary.CumulativeLost,
			HighestSeq:     summary.HighestExtSeq,
			Jitter:         summary.Jitter,
			LastSenderNTP:  lastSrMid,
			DelaySinceLast: delay,
		}},
	}

	var remb *report.Remb
	if bitrate > 0 {
		remb = &report.Remb{
			SenderSSRC: r.cfg.ReceiverSSRC,
			BitrateBps: bitrate,
			SSRCs:      []uint32{r.cfg.MediaSSRC},
		}
	}

	round := r.sched.PlanReceiver(now, info, feedback, remb)
	if len(round) == 0 {
		return
	}

	raw, err := report.Build(round)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Receiver.emitReportRound",
			"error":    err.Error(),
		}).Warn("Failed to build report round")
		return
	}
	if err := r.tr.Send(raw); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Receiver.emitReportRound",
			"error":    err.Error(),
		}).Warn("Failed to send report round")
	}
}
