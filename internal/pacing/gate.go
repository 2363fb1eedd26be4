// Package pacing contains the admission gate placed in front of the video encoder.
package pacing

import (
	"sync"
	"time"
)

// DefaultWarmup is the warm-up period applied by the configuration when none is set.
// With a zero Warmup only the first frame is rejected.
const DefaultWarmup = 500 * time.Millisecond

// Gate admits frames into the encoder.
// The first frame opens a warm-up window during which every frame is rejected;
// after that, only frames with strictly increasing timestamps are admitted.
type Gate struct {
	Warmup time.Duration

	mutex        sync.Mutex
	started      bool
	deadline     int64
	hasAdmitted  bool
	lastAdmitted int64
	admitted     uint64
	rejected     uint64
}

// Admit checks whether the frame with the given timestamp (in nanoseconds)
// can be queued into the encoder.
func (g *Gate) Admit(timestamp int64) bool {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if !g.started {
		g.started = true
		g.deadline = timestamp + int64(g.Warmup)
		g.rejected++
		return false
	}

	if timestamp < g.deadline || (g.hasAdmitted && timestamp <= g.lastAdmitted) {
		g.rejected++
		return false
	}

	g.hasAdmitted = true
	g.lastAdmitted = timestamp
	g.admitted++
	return true
}

// LastAdmitted returns the timestamp of the last admitted frame, or zero.
func (g *Gate) LastAdmitted() int64 {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	return g.lastAdmitted
}

// Reset restores the initial state, so that the next frame opens a new warm-up window.
func (g *Gate) Reset() {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	g.started = false
	g.deadline = 0
	g.hasAdmitted = false
	g.lastAdmitted = 0
}

// Stats returns the number of admitted and rejected frames.
func (g *Gate) Stats() (uint64, uint64) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	return g.admitted, g.rejected
}
