package transfer

import "time"

// RefreshInterval caps presentation refreshes at about six per second.
const RefreshInterval = time.Second / 6

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }

// Tracker counts bytes for one transfer, estimates instantaneous speed and
// throttles progress refreshes independently of chunk arrival rate.
type Tracker struct {
	clock    Clock
	interval time.Duration

	bytesSoFar      int64
	lastSampleBytes int64
	lastSampleTime  time.Time
	speed           float64

	lastRefresh time.Time
	refreshed   bool
}

// NewTracker creates a tracker. A nil clock uses the wall clock.
func NewTracker(clock Clock) *Tracker {
	if clock == nil {
		clock = SystemClock{}
	}
	t := &Tracker{clock: clock, interval: RefreshInterval}
	t.Reset()
	return t
}

// Add records n more bytes and recomputes speed when time has advanced
// since the last sample.
func (t *Tracker) Add(n int64) {
	now := t.clock.Now()
	t.bytesSoFar += n

	elapsed := now.Sub(t.lastSampleTime).Seconds()
	if elapsed <= 0 {
		return
	}
	t.speed = float64(t.bytesSoFar-t.lastSampleBytes) / elapsed
	t.lastSampleBytes = t.bytesSoFar
	t.lastSampleTime = now
}

// Bytes returns the bytes counted so far.
func (t *Tracker) Bytes() int64 { return t.bytesSoFar }

// Speed returns the last computed rate in bytes per second.
func (t *Tracker) Speed() float64 { return t.speed }

// ShouldRefresh grants a refresh at most once per RefreshInterval.
func (t *Tracker) ShouldRefresh() bool {
	now := t.clock.Now()
	if t.refreshed && now.Sub(t.lastRefresh) < t.interval {
		return false
	}
	t.lastRefresh = now
	t.refreshed = true
	return true
}

// Reset clears all counters for reuse.
func (t *Tracker) Reset() {
	t.bytesSoFar = 0
	t.lastSampleBytes = 0
	t.lastSampleTime = t.clock.Now()
	t.speed = 0
	t.lastRefresh = time.Time{}
	t.refreshed = false
}

func (t *Tracker) clone() *Tracker {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
