package history

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/rtpcore/packet"
)

func mustBuild(t *testing.T, ssrc uint32, seq uint16, ts uint32, payload []byte) *packet.Packet {
	t.Helper()
	pkt, err := packet.Build(ssrc, seq, ts, 96, false, payload)
	require.NoError(t, err)
	return pkt
}

func TestSendBufferInsertAndLookup(t *testing.T) {
	buf := NewSendBuffer(1, time.Second)
	base := time.Now()
	buf.SetClock(func() time.Time { return base })

	pkt := mustBuild(t, 1, 100, 9000, []byte{0x01})
	require.NoError(t, buf.Insert(pkt, base))

	got, ok := buf.Lookup(100)
	require.True(t, ok)
	assert.Equal(t, pkt.Raw(), got.Raw())

	_, ok = buf.Lookup(101)
	assert.False(t, ok)
}

func TestSendBufferRejectsForeignSSRC(t *testing.T) {
	buf := NewSendBuffer(1, time.Second)
	err := buf.Insert(mustBuild(t, 2, 100, 0, nil), time.Now())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWrongSSRC)
}

func TestSendBufferWindowEviction(t *testing.T) {
	buf := NewSendBuffer(1, time.Second)
	base := time.Now()
	now := base
	buf.SetClock(func() time.Time { return now })

	require.NoError(t, buf.Insert(mustBuild(t, 1, 10, 0, nil), base))
	require.NoError(t, buf.Insert(mustBuild(t, 1, 11, 0, nil), base.Add(500*time.Millisecond)))

	// Seq 10 is now older than the window; seq 11 is still inside it.
	now = base.Add(1100 * time.Millisecond)
	_, ok := buf.Lookup(10)
	assert.False(t, ok)
	_, ok = buf.Lookup(11)
	assert.True(t, ok)

	// A later insert evicts the aged entry from the order queue too.
	require.NoError(t, buf.Insert(mustBuild(t, 1, 12, 0, nil), now))
	assert.Equal(t, 2, buf.Len())
}

func TestSendBufferReinsertRefreshesRetention(t *testing.T) {
	buf := NewSendBuffer(1, time.Second)
	base := time.Now()
	now := base
	buf.SetClock(func() time.Time { return now })

	pkt := mustBuild(t, 1, 50, 0, []byte{0xaa})
	require.NoError(t, buf.Insert(pkt, base))

	// Retransmission refreshes the entry just before it would age out.
	require.NoError(t, buf.Insert(pkt, base.Add(900*time.Millisecond)))

	now = base.Add(1500 * time.Millisecond)
	_, ok := buf.Lookup(50)
	assert.True(t, ok)
}

func TestSendBufferWindowSkipsHoles(t *testing.T) {
	buf := NewSendBuffer(1, time.Second)
	base := time.Now()
	buf.SetClock(func() time.Time { return base })

	for _, seq := range []uint16{100, 101, 103, 104} {
		require.NoError(t, buf.Insert(mustBuild(t, 1, seq, 0, nil), base))
	}

	pkts := buf.Window(100, 5)
	require.Len(t, pkts, 4)
	assert.Equal(t, uint16(100), pkts[0].SequenceNumber())
	assert.Equal(t, uint16(104), pkts[3].SequenceNumber())
}
