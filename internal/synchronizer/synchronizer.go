// Package synchronizer contains the rendezvous point between pose samples and encoded video.
package synchronizer

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/the5gs/arstreamer/internal/logger"
	"github.com/the5gs/arstreamer/internal/packet"
)

// DefaultMaxPending is the default maximum number of unmatched entries per kind.
const DefaultMaxPending = 100

// share of pending entries removed when the bound is reached, in percent.
const evictPercent = 30

// ParameterSets are the codec parameter sets prepended to key frames.
type ParameterSets struct {
	A []byte
	B []byte
}

// Stats are statistics of a Synchronizer.
type Stats struct {
	PendingPoses  int    `json:"pendingPoses"`
	PendingVideos int    `json:"pendingVideos"`
	Emitted       uint64 `json:"emitted"`
	EvictedPoses  uint64 `json:"evictedPoses"`
	EvictedVideos uint64 `json:"evictedVideos"`
	Reordered     uint64 `json:"reordered"`
	Late          uint64 `json:"late"`
}

// Synchronizer pairs pose samples and video units that share a timestamp
// and emits a packet for every pair.
// Entries that never find their counterpart are evicted, oldest first,
// once MaxPending entries of the same kind are waiting.
type Synchronizer struct {
	MaxPending int

	// when greater than zero, packets are emitted in timestamp order
	// after waiting for ReorderWindow other packets.
	ReorderWindow int

	OnPacket func(*packet.ArFramePacket)
	Parent   logger.Writer

	mutex  sync.Mutex
	poses  map[int64]packet.PoseSample
	videos map[int64]packet.VideoUnit

	paramSets         atomic.Pointer[ParameterSets]
	missingSetsLogger logger.Writer
	reorder           *reorderBuffer

	emitted       atomic.Uint64
	evictedPoses  atomic.Uint64
	evictedVideos atomic.Uint64
}

// Initialize initializes a Synchronizer.
func (s *Synchronizer) Initialize() {
	if s.MaxPending <= 0 {
		s.MaxPending = DefaultMaxPending
	}

	s.poses = make(map[int64]packet.PoseSample)
	s.videos = make(map[int64]packet.VideoUnit)
	s.missingSetsLogger = logger.NewLimitedLogger(s)

	if s.ReorderWindow > 0 {
		s.reorder = &reorderBuffer{
			window: s.ReorderWindow,
			emit:   s.OnPacket,
		}
	}
}

// Log implements logger.Writer.
func (s *Synchronizer) Log(level logger.Level, format string, args ...any) {
	if s.Parent != nil {
		s.Parent.Log(level, "[sync] "+format, args...)
	}
}

// SetParameterSets replaces the parameter sets prepended to key frames.
func (s *Synchronizer) SetParameterSets(a []byte, b []byte) {
	s.paramSets.Store(&ParameterSets{
		A: a,
		B: b,
	})
	s.Log(logger.Info, "parameter sets received (%d+%d bytes)", len(a), len(b))
}

// SubmitPose submits a pose sample.
func (s *Synchronizer) SubmitPose(sample packet.PoseSample) {
	s.mutex.Lock()

	video, ok := s.videos[sample.Timestamp]
	if ok {
		delete(s.videos, sample.Timestamp)
		s.mutex.Unlock()
		s.emit(sample, video)
		return
	}

	var evicted []int64
	if len(s.poses) >= s.MaxPending {
		evicted = evictOldest(s.poses, s.MaxPending)
		s.evictedPoses.Add(uint64(len(evicted)))
	}
	s.poses[sample.Timestamp] = sample

	s.mutex.Unlock()

	if evicted != nil {
		s.Log(logger.Warn, "too many unmatched poses, evicted %d (timestamps %d to %d)",
			len(evicted), evicted[0], evicted[len(evicted)-1])
	}
}

// SubmitVideo submits an encoded video unit.
// Key frames are prefixed with the current parameter sets.
func (s *Synchronizer) SubmitVideo(timestamp int64, payload []byte, isKeyFrame bool) {
	if isKeyFrame {
		if ps := s.paramSets.Load(); ps != nil {
			buf := make([]byte, 0, len(ps.A)+len(ps.B)+len(payload))
			buf = append(buf, ps.A...)
			buf = append(buf, ps.B...)
			payload = append(buf, payload...)
		} else {
			s.missingSetsLogger.Log(logger.Warn,
				"key frame received before parameter sets, forwarding it without them")
		}
	}

	video := packet.VideoUnit{
		Timestamp:  timestamp,
		Payload:    payload,
		IsKeyFrame: isKeyFrame,
	}

	s.mutex.Lock()

	pose, ok := s.poses[timestamp]
	if ok {
		delete(s.poses, timestamp)
		s.mutex.Unlock()
		s.emit(pose, video)
		return
	}

	var evicted []int64
	if len(s.videos) >= s.MaxPending {
		evicted = evictOldest(s.videos, s.MaxPending)
		s.evictedVideos.Add(uint64(len(evicted)))
	}
	s.videos[timestamp] = video

	s.mutex.Unlock()

	if evicted != nil {
		s.Log(logger.Warn, "too many unmatched video units, evicted %d (timestamps %d to %d)",
			len(evicted), evicted[0], evicted[len(evicted)-1])
	}
}

func (s *Synchronizer) emit(pose packet.PoseSample, video packet.VideoUnit) {
	pkt := packet.Build(video.Timestamp, pose, video.Payload, video.IsKeyFrame)
	s.emitted.Add(1)

	if s.reorder != nil {
		s.reorder.push(pkt)
		return
	}

	if s.OnPacket != nil {
		s.OnPacket(pkt)
	}
}

// Clear discards every pending entry and resets counters.
// Packets held for reordering are discarded too.
func (s *Synchronizer) Clear() {
	s.mutex.Lock()
	pendingPoses := len(s.poses)
	pendingVideos := len(s.videos)
	clear(s.poses)
	clear(s.videos)
	s.mutex.Unlock()

	if s.reorder != nil {
		s.reorder.reset()
	}

	emitted := s.emitted.Swap(0)
	s.evictedPoses.Store(0)
	s.evictedVideos.Store(0)

	s.Log(logger.Info, "cleared %d poses and %d video units, %d packets were emitted",
		pendingPoses, pendingVideos, emitted)
}

// Stats returns statistics.
func (s *Synchronizer) Stats() Stats {
	s.mutex.Lock()
	st := Stats{
		PendingPoses:  len(s.poses),
		PendingVideos: len(s.videos),
	}
	s.mutex.Unlock()

	st.Emitted = s.emitted.Load()
	st.EvictedPoses = s.evictedPoses.Load()
	st.EvictedVideos = s.evictedVideos.Load()

	if s.reorder != nil {
		st.Reordered, st.Late = s.reorder.stats()
	}

	return st
}

// evictOldest removes the smallest timestamps from m and returns them in ascending order.
func evictOldest[V any](m map[int64]V, maxPending int) []int64 {
	count := maxPending * evictPercent / 100
	if count < 1 {
		count = 1
	}

	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	if count > len(keys) {
		count = len(keys)
	}

	keys = keys[:count]
	for _, k := range keys {
		delete(m, k)
	}

	return keys
}
