package packet

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSeqDeltaWraparound(t *testing.T) {
	tests := []struct {
		name string
		a, b uint16
		want int
	}{
		{name: "Equal", a: 100, b: 100, want: 0},
		{name: "Forward", a: 105, b: 100, want: 5},
		{name: "Backward", a: 100, b: 105, want: -5},
		{name: "Forward across wrap", a: 2, b: 65534, want: 4},
		{name: "Backward across wrap", a: 65534, b: 2, want: -4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SeqDelta(tt.a, tt.b))
		})
	}
}

func TestSeqNewer(t *testing.T) {
	assert.True(t, SeqNewer(101, 100))
	assert.True(t, SeqNewer(0, 65535))
	assert.False(t, SeqNewer(100, 100))
	assert.False(t, SeqNewer(65535, 0))
}

func TestTimestampDeltaWraparound(t *testing.T) {
	assert.Equal(t, int64(90000), TimestampDelta(90000, 0))
	assert.Equal(t, int64(-90000), TimestampDelta(0, 90000))
	assert.Equal(t, int64(200), TimestampDelta(100, 4294967196))
}

func TestExtenderCountsCycles(t *testing.T) {
	var e Extender

	assert.Equal(t, uint32(65534), e.Extend(65534))
	assert.Equal(t, uint32(65535), e.Extend(65535))

	// Wrap into the second cycle.
	assert.Equal(t, uint32(65536), e.Extend(0))
	assert.Equal(t, uint32(65537), e.Extend(1))

	// A late packet from before the wrap stays in the first cycle.
	assert.Equal(t, uint32(65533), e.Extend(65533))

	// Highest is unchanged by the late arrival.
	assert.Equal(t, uint32(65537), e.Highest())
}
