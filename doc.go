// Package rtpcore is a real-time media transport reliability layer: it turns
// encoded frames into loss-resilient RTP packet streams and recovers from
// loss, reordering, and bandwidth constraints over an unreliable path.
//
// The package wires the engine components together:
//
//   - Session is the sending side: it assigns sequence numbers and
//     timestamps per SSRC, retains sent packets, answers NACK feedback with
//     retransmissions (RTX or verbatim), emits FEC protection packets, and
//     schedules sender reports.
//   - Receiver is the receiving side for one media stream: it logs inbound
//     packets, detects gaps, requests retransmission, recovers single losses
//     from FEC parity, escalates to keyframe requests, and schedules
//     receiver reports with round-trip and bandwidth blocks.
//
// Everything below the packet boundary is an external collaborator: media
// encoding, sockets, encryption, bandwidth estimation, and playout buffering
// all live outside this module. The engine only consumes and produces opaque
// packet buffers through the transport.Transport interface.
//
// Design principles:
// - Per-SSRC state is serialized per stream, never behind a session lock
// - No blocking waits on the packet-send path
// - All failures are packet- or report-scoped; nothing is fatal to a session
// - Configuration is immutable and passed at construction
package rtpcore
