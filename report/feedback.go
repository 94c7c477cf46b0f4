// Package report builds, parses, and schedules RTCP feedback rounds.
//
// Feedback items are modeled as a closed sum type: every report kind the
// engine understands is a struct implementing the unexported feedbackKind
// method, and both the builder and the parser switch exhaustively over the
// variants. Adding a report kind means adding a variant arm in both places;
// the compiler flags any omission in the builder.
//
// Wire framing is delegated to pion/rtcp. The scheduler on top enforces the
// compound versus reduced-size policy and the RRTR/DLRR round-trip pairing.
package report

// Feedback is one report item inside an RTCP round. It is a closed sum type;
// only the variants declared in this package implement it.
type Feedback interface {
	feedbackKind() string
}

// ReceptionBlock mirrors one reception report block inside a sender or
// receiver report.
type ReceptionBlock struct {
	SSRC           uint32
	FractionLost   uint8
	TotalLost      uint32
	HighestSeq     uint32
	Jitter         uint32
	LastSenderNTP  uint32
	DelaySinceLast uint32
}

// SenderReport carries the sender's clock mapping and send counters.
type SenderReport struct {
	SSRC        uint32
	NTPTime     uint64
	RTPTime     uint32
	PacketCount uint32
	OctetCount  uint32
	Blocks      []ReceptionBlock
}

// ReceiverReport carries reception quality blocks for observed streams.
type ReceiverReport struct {
	SSRC   uint32
	Blocks []ReceptionBlock
}

// Nack names lost sequence numbers on one media stream.
type Nack struct {
	SenderSSRC uint32
	MediaSSRC  uint32
	Seqs       []uint16
}

// Pli requests a keyframe for one media stream after unrecoverable loss.
type Pli struct {
	SenderSSRC uint32
	MediaSSRC  uint32
}

// Remb carries the receiver's available-bitrate estimate for a set of
// streams. The estimate itself is computed by an external collaborator.
type Remb struct {
	SenderSSRC uint32
	BitrateBps uint64
	SSRCs      []uint32
}

// Rrtr is the receiver reference time block: the receiver's NTP-format
// timestamp, later echoed back by the sender inside a Dlrr.
type Rrtr struct {
	SenderSSRC   uint32
	NTPTimestamp uint64
}

// DlrrEntry is one delay-since-last-RRTR echo.
type DlrrEntry struct {
	SSRC               uint32
	LastRrtr           uint32
	DelaySinceLastRrtr uint32
}

// Dlrr echoes previously received Rrtr timestamps so the receiver can
// compute round-trip time.
type Dlrr struct {
	SenderSSRC uint32
	Entries    []DlrrEntry
}

func (SenderReport) feedbackKind() string   { return "sender-report" }
func (ReceiverReport) feedbackKind() string { return "receiver-report" }
func (Nack) feedbackKind() string           { return "nack" }
func (Pli) feedbackKind() string            { return "pli" }
func (Remb) feedbackKind() string           { return "remb" }
func (Rrtr) feedbackKind() string           { return "rrtr" }
func (Dlrr) feedbackKind() string           { return "dlrr" }

// Kind returns a short stable name for a feedback variant, for logging.
func Kind(f Feedback) string {
	if f == nil {
		return "nil"
	}
	return f.feedbackKind()
}

// hasReportBlock reports whether the item is a full sender or receiver
// report, the blocks the compound policy is concerned with.
func hasReportBlock(f Feedback) bool {
	switch f.(type) {
	case SenderReport, ReceiverReport:
		return true
	default:
		return false
	}
}
