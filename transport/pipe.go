package transport

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Pipe is an in-memory Transport that delivers sent packets synchronously to
// the handler registered on its peer. It backs the package examples and the
// integration tests; production deployments supply their own Transport.
type Pipe struct {
	mu      sync.Mutex
	peer    *Pipe
	handler Handler
	closed  bool
}

// NewPipe returns two connected in-memory transports. Packets sent on one
// end are delivered to the handler registered on the other.
func NewPipe() (*Pipe, *Pipe) {
	a := &Pipe{}
	b := &Pipe{}
	a.peer = b
	b.peer = a

	logrus.WithFields(logrus.Fields{
		"function": "NewPipe",
	}).Debug("Created in-memory transport pair")

	return a, b
}

// SetHandler registers the function invoked for packets arriving from the
// peer end.
func (p *Pipe) SetHandler(h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = h
}

// Send delivers data to the peer's handler. The buffer is copied before
// delivery so the caller may reuse it.
func (p *Pipe) Send(data []byte) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("pipe is closed")
	}
	peer := p.peer
	p.mu.Unlock()

	peer.mu.Lock()
	h := peer.handler
	closed := peer.closed
	peer.mu.Unlock()

	if closed || h == nil {
		return nil
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	h(buf)
	return nil
}

// Close shuts down this end of the pipe.
func (p *Pipe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
