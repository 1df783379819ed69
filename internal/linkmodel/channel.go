package linkmodel

import (
	"fmt"
	"sync"
	"time"
)

// Channel is a frequency plus its rolling statistics. Channels are
// created once when a ChannelSet is built and are never destroyed. They
// are mutated by MetricsIngest (new measurements), RadioTuner (switch
// time, history trimming) and the orchestrator (score history, stats
// reset), each from its own goroutine; the mutex serializes those
// writers and the readers.
type Channel struct {
	mu sync.Mutex

	Freq Frequency

	windows map[StreamID][]Measurement

	// scoreHistory holds past Score snapshots, newest last. Only the
	// last element is authoritative; older entries exist for
	// diagnostics/warm-start continuity.
	scoreHistory []int

	switchedAt     time.Time
	lastPacketTime time.Time
}

// NewChannel constructs a Channel with an initial score of 100, per
// spec's "initial score = 100" invariant.
func NewChannel(freq Frequency) *Channel {
	return &Channel{
		Freq:         freq,
		windows:      make(map[StreamID][]Measurement),
		scoreHistory: []int{100},
	}
}

// maxWindowFrames bounds how many samples a stream's window retains
// outside of a retune-triggered trim; comfortably above SCORE_FRAMES so
// ChannelMetrics always has enough history to recompute a score.
const maxWindowFrames = 32

// AddMeasurement appends m to its stream's window, trimming from the
// front once the window exceeds maxWindowFrames, and refreshes
// lastPacketTime when the measurement carries traffic.
func (c *Channel) AddMeasurement(m Measurement) {
	c.mu.Lock()
	defer c.mu.Unlock()

	w := append(c.windows[m.Stream], m)
	if len(w) > maxWindowFrames {
		w = w[len(w)-maxWindowFrames:]
	}
	c.windows[m.Stream] = w

	if m.PacketsTotal > 0 && m.At.After(c.lastPacketTime) {
		c.lastPacketTime = m.At
	}
}

// Window returns a copy of the last n measurements for stream s (fewer
// if the window holds less).
func (c *Channel) Window(s StreamID, n int) []Measurement {
	c.mu.Lock()
	defer c.mu.Unlock()

	w := c.windows[s]
	if len(w) > n {
		w = w[len(w)-n:]
	}
	out := make([]Measurement, len(w))
	copy(out, w)
	return out
}

// TrimHistory keeps only the last keep samples per stream. Called on a
// successful retune onto this channel.
func (c *Channel) TrimHistory(keep int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for s, w := range c.windows {
		if len(w) > keep {
			c.windows[s] = append([]Measurement(nil), w[len(w)-keep:]...)
		}
	}
}

// ResetStats clears all measurement windows and the score history back
// to the initial score. Used on entry into the recovery state.
func (c *Channel) ResetStats() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.windows = make(map[StreamID][]Measurement)
	c.scoreHistory = []int{100}
}

// MarkSwitchedAt refreshes switchedAt to t. Called by RadioTuner on a
// successful retune onto this channel.
func (c *Channel) MarkSwitchedAt(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.switchedAt = t
}

// SwitchedAt returns the last successful-retune timestamp.
func (c *Channel) SwitchedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.switchedAt
}

// LastPacketTime returns the timestamp of the most recent measurement
// with PacketsTotal > 0.
func (c *Channel) LastPacketTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPacketTime
}

// PushScore appends a new authoritative score snapshot.
func (c *Channel) PushScore(score int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scoreHistory = append(c.scoreHistory, score)
	if len(c.scoreHistory) > maxWindowFrames {
		c.scoreHistory = c.scoreHistory[len(c.scoreHistory)-maxWindowFrames:]
	}
}

// Score returns the newest (authoritative) score.
func (c *Channel) Score() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scoreHistory[len(c.scoreHistory)-1]
}

func (c *Channel) String() string {
	return fmt.Sprintf("Channel(%s)", c.Freq)
}
