// Package stats accumulates the per-session transport counters consumed by
// external monitoring. The aggregator is a passive sink: engine components
// record events, monitors poll Snapshot.
package stats

import (
	"sync"
	"time"
)

// Snapshot is a read-only copy of the session counters.
type Snapshot struct {
	// PacketsSent and BytesSent count outbound media, RTX, and FEC packets.
	PacketsSent uint64
	BytesSent   uint64

	// PacketsReceived and BytesReceived count inbound media packets.
	PacketsReceived uint64
	BytesReceived   uint64

	// CumulativeLost is the total loss reported by or observed on the
	// inbound path.
	CumulativeLost uint32

	// Retransmitted counts packets resent in response to NACK feedback.
	Retransmitted uint64

	// FecRecovered counts packets reconstructed from FEC parity.
	FecRecovered uint64

	// LastRTT is the most recent round-trip time measurement; zero until
	// the first RRTR/DLRR exchange completes.
	LastRTT time.Duration
}

// Aggregator accumulates session counters. All methods are safe for
// concurrent use.
type Aggregator struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// AddSent records outbound packets.
func (a *Aggregator) AddSent(packets, bytes uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.snap.PacketsSent += packets
	a.snap.BytesSent += bytes
}

// AddReceived records inbound packets.
func (a *Aggregator) AddReceived(packets, bytes uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.snap.PacketsReceived += packets
	a.snap.BytesReceived += bytes
}

// SetCumulativeLost records the running loss total.
func (a *Aggregator) SetCumulativeLost(lost uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.snap.CumulativeLost = lost
}

// AddRetransmitted records NACK-driven resends.
func (a *Aggregator) AddRetransmitted(packets uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.snap.Retransmitted += packets
}

// AddFecRecovered records packets reconstructed from parity.
func (a *Aggregator) AddFecRecovered(packets uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.snap.FecRecovered += packets
}

// SetLastRTT records a completed round-trip measurement.
func (a *Aggregator) SetLastRTT(rtt time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.snap.LastRTT = rtt
}

// Snapshot returns a copy of the current counters.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.snap
}
