package history

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReceiveLogDetectsGaps(t *testing.T) {
	log := NewReceiveLog(1, time.Second, 90000)
	at := time.Now()

	_, missing, dup, err := log.Add(mustBuild(t, 1, 100, 0, nil), at)
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Empty(t, missing)

	// Jump over 101 and 102.
	_, missing, dup, err = log.Add(mustBuild(t, 1, 103, 270, nil), at)
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, []uint32{101, 102}, missing)

	// The late packet fills one hole and reports nothing new.
	extSeq, missing, dup, err := log.Add(mustBuild(t, 1, 101, 90, nil), at)
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Empty(t, missing)
	assert.Equal(t, uint32(101), extSeq)
}

func TestReceiveLogDuplicateDetection(t *testing.T) {
	log := NewReceiveLog(1, time.Second, 90000)
	at := time.Now()

	_, _, dup, err := log.Add(mustBuild(t, 1, 5, 0, nil), at)
	require.NoError(t, err)
	assert.False(t, dup)

	_, _, dup, err = log.Add(mustBuild(t, 1, 5, 0, nil), at)
	require.NoError(t, err)
	assert.True(t, dup)
}

func TestReceiveLogRejectsForeignSSRC(t *testing.T) {
	log := NewReceiveLog(1, time.Second, 90000)
	_, _, _, err := log.Add(mustBuild(t, 9, 5, 0, nil), time.Now())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWrongSSRC)
}

func TestReceiveLogReanchorsOnDiscontinuity(t *testing.T) {
	log := NewReceiveLog(1, time.Second, 90000)
	at := time.Now()

	_, _, _, err := log.Add(mustBuild(t, 1, 100, 0, nil), at)
	require.NoError(t, err)

	// A gap beyond the run limit is a discontinuity, not packet loss.
	_, missing, _, err := log.Add(mustBuild(t, 1, 100+maxGapRun+10, 0, nil), at)
	require.NoError(t, err)
	assert.Empty(t, missing)

	summary := log.Summary()
	assert.Equal(t, uint8(0), summary.FractionLost)
}

func TestReceiveLogSummaryCountsLoss(t *testing.T) {
	log := NewReceiveLog(1, time.Second, 0)
	at := time.Now()

	for _, seq := range []uint16{10, 11, 13, 14} {
		_, _, _, err := log.Add(mustBuild(t, 1, seq, 0, nil), at)
		require.NoError(t, err)
	}

	summary := log.Summary()
	assert.Equal(t, uint32(14), summary.HighestExtSeq)
	assert.Equal(t, uint32(1), summary.CumulativeLost)
	assert.Equal(t, uint64(4), summary.PacketsReceived)
	// 1 lost of 5 expected in the interval: 256/5 = 51.
	assert.Equal(t, uint8(51), summary.FractionLost)

	// No traffic since the last summary means a clean interval.
	summary = log.Summary()
	assert.Equal(t, uint8(0), summary.FractionLost)
	assert.Equal(t, uint32(1), summary.CumulativeLost)
}

func TestReceiveLogJitterAtWallClockScale(t *testing.T) {
	log := NewReceiveLog(1, time.Minute, 90000)
	base := time.Unix(1_700_000_000, 0)

	add := func(seq uint16, ts uint32, at time.Time) {
		_, _, _, err := log.Add(mustBuild(t, 1, seq, ts, nil), at)
		require.NoError(t, err)
	}

	// Perfectly paced packets accumulate no jitter.
	add(1, 0, base)
	add(2, 90000, base.Add(time.Second))
	assert.Zero(t, log.Summary().Jitter)

	// One packet 10ms late shifts transit by 900 clock units, smoothed /16.
	add(3, 180000, base.Add(2*time.Second+10*time.Millisecond))
	assert.Equal(t, uint32(56), log.Summary().Jitter)
}

func TestReceiveLogGetRespectsWindow(t *testing.T) {
	log := NewReceiveLog(1, time.Second, 90000)
	base := time.Now()
	now := base
	log.SetClock(func() time.Time { return now })

	_, _, _, err := log.Add(mustBuild(t, 1, 7, 0, []byte{0x07}), base)
	require.NoError(t, err)

	_, ok := log.Get(7)
	assert.True(t, ok)

	now = base.Add(2 * time.Second)
	_, ok = log.Get(7)
	assert.False(t, ok)
}
