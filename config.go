package rtpcore

import (
	"time"

	"github.com/opd-ai/rtpcore/report"
	"github.com/opd-ai/rtpcore/stream"
)

// SessionConfig is the immutable sending-side configuration, supplied once
// at construction. There is no dynamic reconfiguration surface beyond
// Session.Reconfigure, which replaces the SSRC set.
type SessionConfig struct {
	// Streams is the configured SSRC set: media streams plus their RTX and
	// FEC companions.
	Streams []stream.Config

	// ReportSSRC identifies this endpoint in sender reports; the first
	// configured media SSRC when zero.
	ReportSSRC uint32

	// ClockRate is the media clock rate in Hz; stream.DefaultClockRate
	// when zero.
	ClockRate uint32

	// HistoryWindow is the send-history retention duration;
	// history.DefaultWindow when zero.
	HistoryWindow time.Duration

	// NackCoalesceWindow suppresses duplicate retransmissions from
	// overlapping NACK reports; rtx.DefaultCoalesceWindow when zero.
	NackCoalesceWindow time.Duration

	// MediaPayloadType is the payload type stamped on outbound media
	// packets. The engine never inspects codec bitstreams; the payload
	// type is pure configuration.
	MediaPayloadType uint8

	// RtxPayloadType is the payload type used on RTX companion streams.
	RtxPayloadType uint8

	// FecEnvelopePayloadType tags the redundancy envelope on FEC packets.
	FecEnvelopePayloadType uint8

	// FecPayloadType names the encapsulated FEC recovery payload.
	FecPayloadType uint8

	// FecWindow is the protection-set size; FEC is produced only for media
	// streams with a configured FEC companion.
	FecWindow int

	// Scheduler is the report policy.
	Scheduler report.SchedulerConfig
}

// ReceiverConfig is the immutable receiving-side configuration for one media
// stream and its companions.
type ReceiverConfig struct {
	// MediaSSRC is the inbound media stream.
	MediaSSRC uint32

	// MediaPayloadType restores the payload type when unwrapping RTX.
	MediaPayloadType uint8

	// RtxSSRC is the companion carrying retransmissions; zero when the
	// sender retransmits verbatim.
	RtxSSRC uint32

	// FecSSRC is the companion carrying FEC packets; zero disables
	// recovery.
	FecSSRC uint32

	// FecEnvelopePayloadType and FecPayloadType mirror the sender's FEC
	// framing.
	FecEnvelopePayloadType uint8
	FecPayloadType         uint8

	// FecWindow mirrors the sender's protection-set size.
	FecWindow int

	// ReceiverSSRC identifies this endpoint in receiver reports.
	ReceiverSSRC uint32

	// ClockRate is the media clock rate in Hz, used for the jitter
	// estimate; stream.DefaultClockRate when zero.
	ClockRate uint32

	// HistoryWindow is the receive-log retention duration;
	// history.DefaultWindow when zero.
	HistoryWindow time.Duration

	// Scheduler is the report policy.
	Scheduler report.SchedulerConfig
}
