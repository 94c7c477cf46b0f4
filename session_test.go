package rtpcore

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/rtpcore/packet"
	"github.com/opd-ai/rtpcore/report"
	"github.com/opd-ai/rtpcore/rtx"
	"github.com/opd-ai/rtpcore/stream"
)

// captureTransport records every datagram written to it.
type captureTransport struct {
	mu   sync.Mutex
	sent [][]byte
}

func (c *captureTransport) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	c.sent = append(c.sent, buf)
	return nil
}

func (c *captureTransport) Close() error { return nil }

func (c *captureTransport) snapshot() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.sent))
	copy(out, c.sent)
	return out
}

// rtpBySSRC parses the captured datagrams and groups RTP packets by SSRC,
// skipping RTCP rounds.
func rtpBySSRC(t *testing.T, captured [][]byte) map[uint32][]*packet.Packet {
	t.Helper()
	out := make(map[uint32][]*packet.Packet)
	for _, raw := range captured {
		if len(raw) >= 2 && raw[1] >= 200 && raw[1] <= 207 {
			continue
		}
		pkt, err := packet.Parse(raw)
		require.NoError(t, err)
		out[pkt.SSRC()] = append(out[pkt.SSRC()], pkt)
	}
	return out
}

func quietScheduler() report.SchedulerConfig {
	return report.SchedulerConfig{Mode: report.ModeCompound, Interval: time.Hour}
}

func newTestSession(t *testing.T, tr *captureTransport, streams []stream.Config) *Session {
	t.Helper()
	s, err := NewSession(SessionConfig{
		Streams:          streams,
		MediaPayloadType: 96,
		RtxPayloadType:   97,
		Scheduler:        quietScheduler(),
	}, tr)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func buildNack(t *testing.T, mediaSSRC uint32, seqs ...uint16) []byte {
	t.Helper()
	raw, err := report.Build([]report.Feedback{report.Nack{
		SenderSSRC: 0xfeed,
		MediaSSRC:  mediaSSRC,
		Seqs:       seqs,
	}})
	require.NoError(t, err)
	return raw
}

func TestNewSessionValidation(t *testing.T) {
	_, err := NewSession(SessionConfig{Scheduler: quietScheduler()}, nil)
	require.Error(t, err)

	_, err = NewSession(SessionConfig{Scheduler: quietScheduler()}, &captureTransport{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoMediaStream)

	_, err = NewSession(SessionConfig{
		Streams:   []stream.Config{{SSRC: 1, Role: stream.RoleMedia, Companion: 2}},
		Scheduler: quietScheduler(),
	}, &captureTransport{})
	require.Error(t, err)
	assert.ErrorIs(t, err, stream.ErrRoleInconsistent)
}

func TestSendFrameRequiresStart(t *testing.T) {
	tr := &captureTransport{}
	s := newTestSession(t, tr, []stream.Config{{SSRC: 1, Role: stream.RoleMedia}})

	err := s.SendFrame(1, []byte{0x01}, true, 3000)
	assert.ErrorIs(t, err, ErrNotStarted)

	require.NoError(t, s.Start())
	require.NoError(t, s.SendFrame(1, []byte{0x01}, true, 3000))

	err = s.SendFrame(99, []byte{0x01}, true, 3000)
	assert.ErrorIs(t, err, ErrUnknownSSRC)
}

func TestNackProducesExactlyOneRetransmission(t *testing.T) {
	tr := &captureTransport{}
	s := newTestSession(t, tr, []stream.Config{
		{SSRC: 1, Role: stream.RoleMedia},
		{SSRC: 2, Role: stream.RoleMedia},
		{SSRC: 3, Role: stream.RoleMedia},
	})
	require.NoError(t, s.Start())

	for _, ssrc := range []uint32{1, 2, 3} {
		for i := 0; i < 90; i++ {
			payload := []byte{byte(ssrc), byte(i)}
			require.NoError(t, s.SendFrame(ssrc, payload, true, 3000))
		}
	}

	byssrc := rtpBySSRC(t, tr.snapshot())
	require.Len(t, byssrc[1], 90)
	require.Len(t, byssrc[2], 90)
	require.Len(t, byssrc[3], 90)

	// The receiver never saw packet 45 of SSRC 1 and NACKs its sequence
	// number.
	lost := byssrc[1][45]
	require.NoError(t, s.HandleFeedback(buildNack(t, 1, lost.SequenceNumber())))

	byssrc = rtpBySSRC(t, tr.snapshot())
	require.Len(t, byssrc[1], 91, "expected exactly one retransmission")
	assert.Equal(t, lost.Raw(), byssrc[1][90].Raw())
	assert.Len(t, byssrc[2], 90)
	assert.Len(t, byssrc[3], 90)

	// An overlapping NACK inside the coalescing window adds nothing.
	require.NoError(t, s.HandleFeedback(buildNack(t, 1, lost.SequenceNumber())))
	byssrc = rtpBySSRC(t, tr.snapshot())
	assert.Len(t, byssrc[1], 91, "expected zero duplicate retransmissions")

	assert.Equal(t, uint64(1), s.Stats().Retransmitted)
}

func TestNackOutsideHistoryIsSilent(t *testing.T) {
	tr := &captureTransport{}
	s := newTestSession(t, tr, []stream.Config{{SSRC: 1, Role: stream.RoleMedia}})
	require.NoError(t, s.Start())
	require.NoError(t, s.SendFrame(1, []byte{0x01}, true, 3000))

	onlySent := rtpBySSRC(t, tr.snapshot())[1][0]
	sent := len(tr.snapshot())
	require.NoError(t, s.HandleFeedback(buildNack(t, 1, onlySent.SequenceNumber()+1000)))
	assert.Equal(t, sent, len(tr.snapshot()))
	assert.Equal(t, uint64(0), s.Stats().Retransmitted)
}

func TestNackWithRtxCompanion(t *testing.T) {
	tr := &captureTransport{}
	s := newTestSession(t, tr, []stream.Config{
		{SSRC: 1, Role: stream.RoleMedia},
		{SSRC: 2, Role: stream.RoleRtx, Companion: 1},
	})
	require.NoError(t, s.Start())

	require.NoError(t, s.SendFrame(1, []byte{0xaa, 0xbb}, true, 3000))
	byssrc := rtpBySSRC(t, tr.snapshot())
	orig := byssrc[1][0]

	require.NoError(t, s.HandleFeedback(buildNack(t, 1, orig.SequenceNumber())))

	byssrc = rtpBySSRC(t, tr.snapshot())
	require.Len(t, byssrc[1], 1, "media stream must not carry the resend")
	require.Len(t, byssrc[2], 1)

	wrapped := byssrc[2][0]
	assert.Equal(t, uint8(97), wrapped.PayloadType())
	assert.Equal(t, orig.Timestamp(), wrapped.Timestamp())

	restored, err := rtx.UnwrapRTX(wrapped, 1, 96)
	require.NoError(t, err)
	assert.Equal(t, orig.Raw(), restored.Raw())
}

func TestSendFrameEmitsFecPerWindow(t *testing.T) {
	tr := &captureTransport{}
	s, err := NewSession(SessionConfig{
		Streams: []stream.Config{
			{SSRC: 1, Role: stream.RoleMedia},
			{SSRC: 3, Role: stream.RoleFec, Companion: 1},
		},
		MediaPayloadType:       96,
		FecEnvelopePayloadType: 116,
		FecPayloadType:         117,
		FecWindow:              5,
		Scheduler:              quietScheduler(),
	}, tr)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Start())

	for i := 0; i < 10; i++ {
		require.NoError(t, s.SendFrame(1, []byte{byte(i)}, true, 3000))
	}

	byssrc := rtpBySSRC(t, tr.snapshot())
	assert.Len(t, byssrc[1], 10)
	require.Len(t, byssrc[3], 2, "one FEC packet per full protection window")
	assert.Equal(t, uint8(116), byssrc[3][0].PayloadType())
}

func TestReconfigurePreservesSequenceContinuity(t *testing.T) {
	tr := &captureTransport{}
	s := newTestSession(t, tr, []stream.Config{
		{SSRC: 1, Role: stream.RoleMedia},
		{SSRC: 2, Role: stream.RoleMedia},
	})
	require.NoError(t, s.Start())

	for i := 0; i < 5; i++ {
		require.NoError(t, s.SendFrame(1, []byte{byte(i)}, true, 3000))
	}
	before := rtpBySSRC(t, tr.snapshot())[1]
	lastSeq := before[len(before)-1].SequenceNumber()
	lastTs := before[len(before)-1].Timestamp()

	// Drop SSRC 2, add SSRC 4; SSRC 1 survives.
	require.NoError(t, s.Reconfigure([]stream.Config{
		{SSRC: 1, Role: stream.RoleMedia},
		{SSRC: 4, Role: stream.RoleMedia},
	}))

	require.NoError(t, s.SendFrame(1, []byte{0xff}, true, 3000))
	after := rtpBySSRC(t, tr.snapshot())[1]
	next := after[len(after)-1]
	assert.Equal(t, lastSeq+1, next.SequenceNumber())
	assert.Equal(t, lastTs+3000, next.Timestamp())

	err := s.SendFrame(2, []byte{0x01}, true, 3000)
	assert.ErrorIs(t, err, ErrUnknownSSRC)
	require.NoError(t, s.SendFrame(4, []byte{0x01}, true, 3000))
}

func TestReconfigureAddsRtxCompanion(t *testing.T) {
	tr := &captureTransport{}
	s := newTestSession(t, tr, []stream.Config{{SSRC: 1, Role: stream.RoleMedia}})
	require.NoError(t, s.Start())

	require.NoError(t, s.SendFrame(1, []byte{0xaa}, true, 3000))
	pre := rtpBySSRC(t, tr.snapshot())[1][0]

	// The surviving media SSRC gains a retransmission companion.
	require.NoError(t, s.Reconfigure([]stream.Config{
		{SSRC: 1, Role: stream.RoleMedia},
		{SSRC: 2, Role: stream.RoleRtx, Companion: 1},
	}))

	require.NoError(t, s.SendFrame(1, []byte{0xbb}, true, 3000))
	post := rtpBySSRC(t, tr.snapshot())[1][1]

	require.NoError(t, s.HandleFeedback(buildNack(t, 1, post.SequenceNumber())))

	byssrc := rtpBySSRC(t, tr.snapshot())
	require.Len(t, byssrc[1], 2, "media stream must not carry the resend")
	require.Len(t, byssrc[2], 1, "resend must travel the new companion")

	restored, err := rtx.UnwrapRTX(byssrc[2][0], 1, 96)
	require.NoError(t, err)
	assert.Equal(t, post.Raw(), restored.Raw())

	// Packets sent before the rewire stay retransmittable too.
	require.NoError(t, s.HandleFeedback(buildNack(t, 1, pre.SequenceNumber())))
	byssrc = rtpBySSRC(t, tr.snapshot())
	require.Len(t, byssrc[2], 2)
	restored, err = rtx.UnwrapRTX(byssrc[2][1], 1, 96)
	require.NoError(t, err)
	assert.Equal(t, pre.Raw(), restored.Raw())
}

func TestReconfigureDropsRtxCompanion(t *testing.T) {
	tr := &captureTransport{}
	s := newTestSession(t, tr, []stream.Config{
		{SSRC: 1, Role: stream.RoleMedia},
		{SSRC: 2, Role: stream.RoleRtx, Companion: 1},
	})
	require.NoError(t, s.Start())

	require.NoError(t, s.Reconfigure([]stream.Config{{SSRC: 1, Role: stream.RoleMedia}}))
	require.NoError(t, s.SendFrame(1, []byte{0xcc}, true, 3000))
	sent := rtpBySSRC(t, tr.snapshot())[1][0]

	require.NoError(t, s.HandleFeedback(buildNack(t, 1, sent.SequenceNumber())))
	byssrc := rtpBySSRC(t, tr.snapshot())
	require.Len(t, byssrc[1], 2, "resend returns to the media SSRC verbatim")
	assert.Equal(t, sent.Raw(), byssrc[1][1].Raw())
	assert.Empty(t, byssrc[2])
}

func TestStopStartKeepsCounters(t *testing.T) {
	tr := &captureTransport{}
	s := newTestSession(t, tr, []stream.Config{{SSRC: 1, Role: stream.RoleMedia}})
	require.NoError(t, s.Start())

	require.NoError(t, s.SendFrame(1, []byte{0x01}, true, 3000))
	first := rtpBySSRC(t, tr.snapshot())[1][0]

	s.Stop()
	assert.ErrorIs(t, s.SendFrame(1, []byte{0x02}, true, 3000), ErrNotStarted)

	require.NoError(t, s.Start())
	require.NoError(t, s.SendFrame(1, []byte{0x02}, true, 3000))

	pkts := rtpBySSRC(t, tr.snapshot())[1]
	require.Len(t, pkts, 2)
	assert.Equal(t, first.SequenceNumber()+1, pkts[1].SequenceNumber())
}

func TestHandleFeedbackRejectsInvalidDatagram(t *testing.T) {
	tr := &captureTransport{}
	s := newTestSession(t, tr, []stream.Config{{SSRC: 1, Role: stream.RoleMedia}})

	err := s.HandleFeedback([]byte{0x00, 0xc8, 0x00, 0x01, 0, 0, 0, 0})
	require.Error(t, err)
	assert.ErrorIs(t, err, report.ErrInvalidReport)
}

func TestPliInvokesKeyframeCallback(t *testing.T) {
	tr := &captureTransport{}
	s := newTestSession(t, tr, []stream.Config{{SSRC: 1, Role: stream.RoleMedia}})

	var requested []uint32
	s.OnKeyframeRequest(func(ssrc uint32) { requested = append(requested, ssrc) })

	raw, err := report.Build([]report.Feedback{report.Pli{SenderSSRC: 0xfeed, MediaSSRC: 1}})
	require.NoError(t, err)
	require.NoError(t, s.HandleFeedback(raw))
	assert.Equal(t, []uint32{1}, requested)

	// PLI for an unconfigured SSRC is ignored.
	raw, err = report.Build([]report.Feedback{report.Pli{SenderSSRC: 0xfeed, MediaSSRC: 42}})
	require.NoError(t, err)
	require.NoError(t, s.HandleFeedback(raw))
	assert.Equal(t, []uint32{1}, requested)
}

func TestRembInvokesBandwidthCallback(t *testing.T) {
	tr := &captureTransport{}
	s := newTestSession(t, tr, []stream.Config{{SSRC: 1, Role: stream.RoleMedia}})

	var gotBps uint64
	s.OnBandwidthEstimate(func(bps uint64, _ []uint32) { gotBps = bps })

	raw, err := report.Build([]report.Feedback{report.Remb{
		SenderSSRC: 0xfeed,
		BitrateBps: 1_000_000,
		SSRCs:      []uint32{1},
	}})
	require.NoError(t, err)
	require.NoError(t, s.HandleFeedback(raw))
	assert.Equal(t, uint64(1_000_000), gotBps)
}

func TestReceiverReportUpdatesLossAndRtt(t *testing.T) {
	tr := &captureTransport{}
	s := newTestSession(t, tr, []stream.Config{{SSRC: 1, Role: stream.RoleMedia}})
	require.NoError(t, s.Start())
	require.NoError(t, s.SendFrame(1, []byte{0x01}, true, 3000))

	// Emit a sender report so the RR echo can be matched.
	s.emitReportRound(time.Now().Add(-50 * time.Millisecond))
	s.mu.RLock()
	mid := s.lastSrMid
	s.mu.RUnlock()
	require.NotZero(t, mid)

	raw, err := report.Build([]report.Feedback{report.ReceiverReport{
		SSRC: 0xfeed,
		Blocks: []report.ReceptionBlock{{
			SSRC:          1,
			TotalLost:     7,
			LastSenderNTP: mid,
		}},
	}})
	require.NoError(t, err)
	require.NoError(t, s.HandleFeedback(raw))

	snap := s.Stats()
	assert.Equal(t, uint32(7), snap.CumulativeLost)
	assert.Greater(t, snap.LastRTT, time.Duration(0))
}

func TestSenderReportCountsOnlyReportStream(t *testing.T) {
	tr := &captureTransport{}
	s, err := NewSession(SessionConfig{
		Streams: []stream.Config{
			{SSRC: 1, Role: stream.RoleMedia},
			{SSRC: 2, Role: stream.RoleMedia},
			{SSRC: 3, Role: stream.RoleFec, Companion: 1},
		},
		ReportSSRC:             1,
		MediaPayloadType:       96,
		FecEnvelopePayloadType: 116,
		FecPayloadType:         117,
		FecWindow:              1,
		Scheduler:              quietScheduler(),
	}, tr)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Start())

	for i := 0; i < 3; i++ {
		require.NoError(t, s.SendFrame(1, []byte{byte(i)}, true, 3000))
	}
	for i := 0; i < 5; i++ {
		require.NoError(t, s.SendFrame(2, []byte{byte(i)}, true, 3000))
	}

	byssrc := rtpBySSRC(t, tr.snapshot())
	require.Len(t, byssrc[3], 3, "window of one emits FEC per media packet")
	var octets uint32
	for _, pkt := range byssrc[1] {
		octets += uint32(pkt.TotalLength())
	}

	s.emitReportRound(time.Now())
	captured := tr.snapshot()
	items, err := report.Parse(captured[len(captured)-1])
	require.NoError(t, err)

	var sr *report.SenderReport
	for _, item := range items {
		if r, ok := item.(report.SenderReport); ok {
			sr = &r
		}
	}
	require.NotNil(t, sr)
	assert.Equal(t, uint32(1), sr.SSRC)
	assert.Equal(t, uint32(3), sr.PacketCount, "count names the report stream only")
	assert.Equal(t, octets, sr.OctetCount)
}

func TestEmitReportRoundEchoesRrtr(t *testing.T) {
	tr := &captureTransport{}
	s := newTestSession(t, tr, []stream.Config{{SSRC: 1, Role: stream.RoleMedia}})
	require.NoError(t, s.Start())

	ntp := report.NtpTime(time.Now())
	raw, err := report.Build([]report.Feedback{report.Rrtr{SenderSSRC: 0xfeed, NTPTimestamp: ntp}})
	require.NoError(t, err)
	require.NoError(t, s.HandleFeedback(raw))

	before := len(tr.snapshot())
	s.emitReportRound(time.Now())
	captured := tr.snapshot()
	require.Greater(t, len(captured), before)

	items, err := report.Parse(captured[len(captured)-1])
	require.NoError(t, err)

	var dlrr *report.Dlrr
	for _, item := range items {
		if d, ok := item.(report.Dlrr); ok {
			dlrr = &d
		}
	}
	require.NotNil(t, dlrr, "sender round must echo the received Rrtr")
	require.Len(t, dlrr.Entries, 1)
	assert.Equal(t, report.NtpMid(ntp), dlrr.Entries[0].LastRrtr)
}

func TestCloseIsIdempotentAndFinal(t *testing.T) {
	tr := &captureTransport{}
	s := newTestSession(t, tr, []stream.Config{{SSRC: 1, Role: stream.RoleMedia}})
	require.NoError(t, s.Start())

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Start(), ErrSessionClosed)
}
