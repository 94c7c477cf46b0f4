package report

import (
	"fmt"

	"github.com/pion/rtcp"
	"github.com/sirupsen/logrus"
)

// Build serializes one feedback round into a single RTCP datagram.
//
// The items are framed in the order given; the scheduler is responsible for
// ordering the report block first in compound rounds.
func Build(items []Feedback) ([]byte, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("round cannot be empty")
	}

	pkts := make([]rtcp.Packet, 0, len(items))
	for _, item := range items {
		switch f := item.(type) {
		case SenderReport:
			pkts = append(pkts, &rtcp.SenderReport{
				SSRC:        f.SSRC,
				NTPTime:     f.NTPTime,
				RTPTime:     f.RTPTime,
				PacketCount: f.PacketCount,
				OctetCount:  f.OctetCount,
				Reports:     toReceptionReports(f.Blocks),
			})
		case ReceiverReport:
			pkts = append(pkts, &rtcp.ReceiverReport{
				SSRC:    f.SSRC,
				Reports: toReceptionReports(f.Blocks),
			})
		case Nack:
			pkts = append(pkts, &rtcp.TransportLayerNack{
				SenderSSRC: f.SenderSSRC,
				MediaSSRC:  f.MediaSSRC,
				Nacks:      packNackPairs(f.Seqs),
			})
		case Pli:
			pkts = append(pkts, &rtcp.PictureLossIndication{
				SenderSSRC: f.SenderSSRC,
				MediaSSRC:  f.MediaSSRC,
			})
		case Remb:
			pkts = append(pkts, &rtcp.ReceiverEstimatedMaximumBitrate{
				SenderSSRC: f.SenderSSRC,
				Bitrate:    float32(f.BitrateBps),
				SSRCs:      f.SSRCs,
			})
		case Rrtr:
			pkts = append(pkts, &rtcp.ExtendedReport{
				SenderSSRC: f.SenderSSRC,
				Reports: []rtcp.ReportBlock{
					&rtcp.ReceiverReferenceTimeReportBlock{NTPTimestamp: f.NTPTimestamp},
				},
			})
		case Dlrr:
			reports := make([]rtcp.DLRRReport, 0, len(f.Entries))
			for _, e := range f.Entries {
				reports = append(reports, rtcp.DLRRReport{
					SSRC:   e.SSRC,
					LastRR: e.LastRrtr,
					DLRR:   e.DelaySinceLastRrtr,
				})
			}
			pkts = append(pkts, &rtcp.ExtendedReport{
				SenderSSRC: f.SenderSSRC,
				Reports: []rtcp.ReportBlock{
					&rtcp.DLRRReportBlock{Reports: reports},
				},
			})
		default:
			return nil, fmt.Errorf("unhandled feedback variant %q", Kind(item))
		}
	}

	raw, err := rtcp.Marshal(pkts)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal RTCP round: %w", err)
	}
	return raw, nil
}

// Parse decodes one RTCP datagram into feedback items.
//
// Individual packets that are malformed or of an unknown type are skipped
// with a log entry; parsing continues with the next packet. A structurally
// invalid datagram (bad version or length prefix) fails the whole parse with
// ErrInvalidReport.
func Parse(raw []byte) ([]Feedback, error) {
	var items []Feedback

	for offset := 0; offset < len(raw); {
		var h rtcp.Header
		if err := h.Unmarshal(raw[offset:]); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidReport, err)
		}

		size := (int(h.Length) + 1) * 4
		if offset+size > len(raw) {
			return nil, fmt.Errorf("%w: declared length %d exceeds datagram", ErrInvalidReport, size)
		}

		parsed, err := rtcp.Unmarshal(raw[offset : offset+size])
		offset += size
		if err != nil {
			// Per-packet soft failure: skip and continue.
			logrus.WithFields(logrus.Fields{
				"function": "report.Parse",
				"type":     h.Type,
				"error":    err.Error(),
			}).Debug("Skipping malformed report block")
			continue
		}

		for _, pkt := range parsed {
			if f, ok := fromRtcp(pkt); ok {
				items = append(items, f...)
			}
		}
	}

	return items, nil
}

// fromRtcp maps one pion packet to feedback variants. Unknown packet kinds
// return ok=false and are skipped.
func fromRtcp(pkt rtcp.Packet) ([]Feedback, bool) {
	switch p := pkt.(type) {
	case *rtcp.SenderReport:
		return []Feedback{SenderReport{
			SSRC:        p.SSRC,
			NTPTime:     p.NTPTime,
			RTPTime:     p.RTPTime,
			PacketCount: p.PacketCount,
			OctetCount:  p.OctetCount,
			Blocks:      fromReceptionReports(p.Reports),
		}}, true
	case *rtcp.ReceiverReport:
		return []Feedback{ReceiverReport{
			SSRC:   p.SSRC,
			Blocks: fromReceptionReports(p.Reports),
		}}, true
	case *rtcp.TransportLayerNack:
		var seqs []uint16
		for _, pair := range p.Nacks {
			seqs = append(seqs, pair.PacketList()...)
		}
		return []Feedback{Nack{
			SenderSSRC: p.SenderSSRC,
			MediaSSRC:  p.MediaSSRC,
			Seqs:       seqs,
		}}, true
	case *rtcp.PictureLossIndication:
		return []Feedback{Pli{
			SenderSSRC: p.SenderSSRC,
			MediaSSRC:  p.MediaSSRC,
		}}, true
	case *rtcp.ReceiverEstimatedMaximumBitrate:
		return []Feedback{Remb{
			SenderSSRC: p.SenderSSRC,
			BitrateBps: uint64(p.Bitrate),
			SSRCs:      p.SSRCs,
		}}, true
	case *rtcp.ExtendedReport:
		var items []Feedback
		for _, block := range p.Reports {
			switch b := block.(type) {
			case *rtcp.ReceiverReferenceTimeReportBlock:
				items = append(items, Rrtr{
					SenderSSRC:   p.SenderSSRC,
					NTPTimestamp: b.NTPTimestamp,
				})
			case *rtcp.DLRRReportBlock:
				entries := make([]DlrrEntry, 0, len(b.Reports))
				for _, r := range b.Reports {
					entries = append(entries, DlrrEntry{
						SSRC:               r.SSRC,
						LastRrtr:           r.LastRR,
						DelaySinceLastRrtr: r.DLRR,
					})
				}
				items = append(items, Dlrr{SenderSSRC: p.SenderSSRC, Entries: entries})
			}
		}
		return items, len(items) > 0
	default:
		return nil, false
	}
}

// packNackPairs compresses sorted-or-not sequence numbers into NACK pairs:
// a base packet ID plus a 16-wide loss bitmask, the RFC 4585 format.
func packNackPairs(seqs []uint16) []rtcp.NackPair {
	var pairs []rtcp.NackPair
	for _, seq := range seqs {
		placed := false
		for i := range pairs {
			delta := seq - pairs[i].PacketID
			if seq != pairs[i].PacketID && delta >= 1 && delta <= 16 {
				pairs[i].LostPackets |= 1 << (delta - 1)
				placed = true
				break
			}
			if seq == pairs[i].PacketID {
				placed = true
				break
			}
		}
		if !placed {
			pairs = append(pairs, rtcp.NackPair{PacketID: seq})
		}
	}
	return pairs
}

func toReceptionReports(blocks []ReceptionBlock) []rtcp.ReceptionReport {
	reports := make([]rtcp.ReceptionReport, 0, len(blocks))
	for _, b := range blocks {
		reports = append(reports, rtcp.ReceptionReport{
			SSRC:               b.SSRC,
			FractionLost:       b.FractionLost,
			TotalLost:          b.TotalLost,
			LastSequenceNumber: b.HighestSeq,
			Jitter:             b.Jitter,
			LastSenderReport:   b.LastSenderNTP,
			Delay:              b.DelaySinceLast,
		})
	}
	return reports
}

func fromReceptionReports(reports []rtcp.ReceptionReport) []ReceptionBlock {
	if len(reports) == 0 {
		return nil
	}
	blocks := make([]ReceptionBlock, 0, len(reports))
	for _, r := range reports {
		blocks = append(blocks, ReceptionBlock{
			SSRC:           r.SSRC,
			FractionLost:   r.FractionLost,
			TotalLost:      r.TotalLost,
			HighestSeq:     r.LastSequenceNumber,
			Jitter:         r.Jitter,
			LastSenderNTP:  r.LastSenderReport,
			DelaySinceLast: r.Delay,
		})
	}
	return blocks
}
