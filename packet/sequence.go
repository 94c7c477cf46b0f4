package packet

// Wraparound arithmetic for 16-bit sequence numbers and 32-bit timestamps.
//
// All comparisons treat a single wrap as the most plausible interpretation:
// the signed gap with the smallest absolute value wins. A sender that is
// 32768 packets ahead is indistinguishable from one that is 32768 behind,
// which is why history windows must stay well below half the sequence space.

const seqCycle = 1 << 16

// SeqDelta returns the signed gap a-b between two sequence numbers, choosing
// the interpretation that minimizes the absolute delta.
func SeqDelta(a, b uint16) int {
	return int(int16(a - b))
}

// SeqNewer reports whether sequence number a was assigned after b.
func SeqNewer(a, b uint16) bool {
	return a != b && SeqDelta(a, b) > 0
}

// TimestampDelta returns the signed gap a-b between two media timestamps,
// choosing the interpretation that minimizes the absolute delta.
func TimestampDelta(a, b uint32) int64 {
	return int64(int32(a - b))
}

// Extender maps 16-bit sequence numbers onto a monotonically growing 32-bit
// extended sequence space by counting wrap cycles.
//
// The zero value is ready to use; the first sequence number observed anchors
// the space at cycle zero.
type Extender struct {
	initialized bool
	highest     uint16
	cycles      uint32
}

// Extend returns the extended representation of seq and updates the tracked
// highest sequence number. Reordered packets that arrive behind the highest
// observed sequence are mapped into the cycle they belong to.
func (e *Extender) Extend(seq uint16) uint32 {
	if !e.initialized {
		e.initialized = true
		e.highest = seq
		return uint32(seq)
	}

	delta := SeqDelta(seq, e.highest)
	cycles := e.cycles
	switch {
	case delta > 0:
		// Moving forward; detect wrap.
		if seq < e.highest {
			cycles++
			e.cycles = cycles
		}
		e.highest = seq
	case delta < 0 && seq > e.highest:
		// Late packet from the previous cycle.
		if cycles == 0 {
			return uint32(seq)
		}
		cycles--
	}
	return cycles*seqCycle + uint32(seq)
}

// Highest returns the extended value of the highest sequence number seen.
func (e *Extender) Highest() uint32 {
	return e.cycles*seqCycle + uint32(e.highest)
}
