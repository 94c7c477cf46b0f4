// Package transport defines the abstract packet-transport surface the
// reliability engine writes to and reads from.
//
// The engine never opens sockets and never touches encryption; a concrete
// Transport is supplied by the embedding application (for example an SRTP
// session or a datagram tunnel). This abstraction keeps every engine
// component testable against in-memory transports.
package transport

// Handler is a function that processes inbound packet bytes.
type Handler func(data []byte)

// Transport carries opaque packet buffers to the remote peer.
//
// Implementations must be safe for concurrent use: the media-production path
// and the feedback scheduler both write to the same transport.
type Transport interface {
	// Send writes one packet to the peer.
	Send(data []byte) error

	// Close shuts down the transport.
	Close() error
}
