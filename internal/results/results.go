// Package results keeps the latest results received from the server.
package results

import (
	"sync"
	"time"

	"github.com/the5gs/arstreamer/internal/defs"
	"github.com/the5gs/arstreamer/internal/packet"
)

// Tracker keeps the latest value of every kind of result.
type Tracker struct {
	mutex  sync.RWMutex
	latest defs.APIResults
	count  uint64
}

// Update applies a server message.
// Fields absent from the message keep their previous value.
func (t *Tracker) Update(msg *packet.ServerMessage) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if msg.StatusMessage != "" {
		t.latest.StatusMessage = msg.StatusMessage
	}

	if msg.TranslationResult != nil {
		v := *msg.TranslationResult
		t.latest.TranslationResult = &v
	}

	if msg.HandLandmarks != nil {
		t.latest.HandLandmarks = append([]packet.Landmark(nil), msg.HandLandmarks...)

		// no hands in frame, the previous gesture no longer applies.
		if len(msg.HandLandmarks) == 0 {
			empty := ""
			t.latest.TranslationResult = &empty
		}
	}

	now := time.Now()
	t.latest.Updated = &now
	t.count++
}

// Latest returns the latest results.
func (t *Tracker) Latest() defs.APIResults {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	ret := t.latest
	ret.HandLandmarks = append([]packet.Landmark(nil), t.latest.HandLandmarks...)
	return ret
}

// Count returns the number of messages applied.
func (t *Tracker) Count() uint64 {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.count
}
