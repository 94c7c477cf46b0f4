package report

import (
	"sort"
	"sync"
)

const (
	// maxNackTimes is how often one sequence number is requested before the
	// queue escalates to a keyframe request.
	maxNackTimes = 3
	// maxNackCache bounds how many lost sequence numbers are tracked.
	maxNackCache = 100
)

type nackEntry struct {
	extSeq uint32
	tries  uint8
}

// NackQueue tracks lost extended sequence numbers on the receive side and
// produces the NACK feedback for each report round. Sequence numbers that
// stay missing after maxNackTimes requests are dropped and escalate to a
// keyframe request instead.
//
// The queue is kept sorted by extended sequence number so insertion and
// removal use binary search.
type NackQueue struct {
	mu      sync.Mutex
	entries []nackEntry
	kfSeq   uint32
}

// NewNackQueue creates an empty loss tracker.
func NewNackQueue() *NackQueue {
	return &NackQueue{
		entries: make([]nackEntry, 0, maxNackCache+1),
	}
}

// Push records a newly detected missing extended sequence number.
func (q *NackQueue) Push(extSeq uint32) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := sort.Search(len(q.entries), func(i int) bool { return q.entries[i].extSeq >= extSeq })
	if i < len(q.entries) && q.entries[i].extSeq == extSeq {
		return
	}

	e := nackEntry{extSeq: extSeq}
	if i == len(q.entries) {
		q.entries = append(q.entries, e)
	} else {
		q.entries = append(q.entries[:i+1], q.entries[i:]...)
		q.entries[i] = e
	}

	if len(q.entries) >= maxNackCache {
		copy(q.entries, q.entries[1:])
		q.entries = q.entries[:len(q.entries)-1]
	}
}

// Remove drops a sequence number that has since arrived, either late or via
// retransmission or FEC recovery.
func (q *NackQueue) Remove(extSeq uint32) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := sort.Search(len(q.entries), func(i int) bool { return q.entries[i].extSeq >= extSeq })
	if i >= len(q.entries) || q.entries[i].extSeq != extSeq {
		return
	}
	copy(q.entries[i:], q.entries[i+1:])
	q.entries = q.entries[:len(q.entries)-1]
}

// Collect returns the sequence numbers to request this round and whether the
// retry budget of any entry ran out, in which case the caller should emit a
// keyframe request.
//
// Sequence numbers at or above headExt-2 are held back one round to give
// reordered packets a chance to arrive.
func (q *NackQueue) Collect(headExt uint32) (seqs []uint16, keyframe bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := 0
	for _, e := range q.entries {
		if e.tries >= maxNackTimes {
			if e.extSeq > q.kfSeq {
				q.kfSeq = e.extSeq
				keyframe = true
			}
			continue
		}
		if headExt >= 2 && e.extSeq >= headExt-2 {
			q.entries[i] = e
			i++
			continue
		}
		e.tries++
		q.entries[i] = e
		i++
		seqs = append(seqs, uint16(e.extSeq))
	}
	q.entries = q.entries[:i]
	return seqs, keyframe
}

// Len returns the number of tracked missing sequence numbers.
func (q *NackQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
