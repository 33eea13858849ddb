package transfer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTrackerComputesInstantaneousSpeed(t *testing.T) {
	clock := newFakeClock()
	tracker := NewTracker(clock)

	clock.Advance(time.Second)
	tracker.Add(1000)
	assert.Equal(t, int64(1000), tracker.Bytes())
	assert.InDelta(t, 1000.0, tracker.Speed(), 0.001)

	// No elapsed time: bytes count but the sample point holds.
	tracker.Add(500)
	assert.Equal(t, int64(1500), tracker.Bytes())
	assert.InDelta(t, 1000.0, tracker.Speed(), 0.001)

	clock.Advance(500 * time.Millisecond)
	tracker.Add(500)
	assert.InDelta(t, 2000.0, tracker.Speed(), 0.001)
}

func TestTrackerThrottlesRefreshes(t *testing.T) {
	clock := newFakeClock()
	tracker := NewTracker(clock)

	assert.True(t, tracker.ShouldRefresh())
	assert.False(t, tracker.ShouldRefresh())

	clock.Advance(100 * time.Millisecond)
	assert.False(t, tracker.ShouldRefresh())

	clock.Advance(70 * time.Millisecond)
	assert.True(t, tracker.ShouldRefresh())

	granted := 0
	for i := 0; i < 100; i++ {
		clock.Advance(10 * time.Millisecond)
		if tracker.ShouldRefresh() {
			granted++
		}
	}
	// One second of 100 Hz chunk arrivals yields about six refreshes.
	assert.InDelta(t, 6, granted, 1)
}

func TestTrackerReset(t *testing.T) {
	clock := newFakeClock()
	tracker := NewTracker(clock)
	clock.Advance(time.Second)
	tracker.Add(42)
	assert.True(t, tracker.ShouldRefresh())

	tracker.Reset()
	assert.Zero(t, tracker.Bytes())
	assert.Zero(t, tracker.Speed())
	assert.True(t, tracker.ShouldRefresh())
}
