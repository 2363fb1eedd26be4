package synchronizer

import (
	"container/heap"
	"sync"

	"github.com/the5gs/arstreamer/internal/packet"
)

type packetHeap []*packet.ArFramePacket

func (h packetHeap) Len() int           { return len(h) }
func (h packetHeap) Less(i, j int) bool { return h[i].TimestampNS < h[j].TimestampNS }
func (h packetHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *packetHeap) Push(x any)        { *h = append(*h, x.(*packet.ArFramePacket)) }

func (h *packetHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}

// reorderBuffer holds up to window packets and releases them in timestamp order.
// Packets older than the last released one are dropped.
type reorderBuffer struct {
	window int
	emit   func(*packet.ArFramePacket)

	mutex        sync.Mutex
	h            packetHeap
	hasReleased  bool
	lastReleased int64
	lastPushed   int64
	reordered    uint64
	late         uint64
}

func (b *reorderBuffer) push(pkt *packet.ArFramePacket) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.hasReleased && pkt.TimestampNS <= b.lastReleased {
		b.late++
		return
	}

	if len(b.h) != 0 && pkt.TimestampNS < b.lastPushed {
		b.reordered++
	}
	b.lastPushed = pkt.TimestampNS

	heap.Push(&b.h, pkt)

	for len(b.h) > b.window {
		out := heap.Pop(&b.h).(*packet.ArFramePacket)
		b.hasReleased = true
		b.lastReleased = out.TimestampNS

		if b.emit != nil {
			b.emit(out)
		}
	}
}

func (b *reorderBuffer) reset() {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.h = nil
	b.hasReleased = false
	b.lastReleased = 0
	b.lastPushed = 0
	b.reordered = 0
	b.late = 0
}

func (b *reorderBuffer) stats() (uint64, uint64) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.reordered, b.late
}
