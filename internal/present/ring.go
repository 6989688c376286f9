package present

import "github.com/gogpu/vgpu/internal/compositor"

// DefaultRingCapacity is the number of cached render targets.
const DefaultRingCapacity = 128

type ringEntry struct {
	handle uint32
	target *compositor.RenderTarget
	used   bool
}

// targetRing caches render targets by owning resource handle in a fixed
// arena. Insertion overwrites the oldest slot; lookups never reorder, so a
// frequently used target is still evicted when its turn comes.
type targetRing struct {
	entries []ringEntry
	index   map[uint32]int
	next    int
}

func newTargetRing(capacity int) *targetRing {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &targetRing{
		entries: make([]ringEntry, capacity),
		index:   make(map[uint32]int, capacity),
	}
}

func (r *targetRing) get(handle uint32) (*compositor.RenderTarget, bool) {
	i, ok := r.index[handle]
	if !ok {
		return nil, false
	}
	return r.entries[i].target, true
}

// put stores target for handle in the next arena slot and returns the
// handle that slot held before, if any.
func (r *targetRing) put(handle uint32, target *compositor.RenderTarget) (evicted uint32, ok bool) {
	if i, exists := r.index[handle]; exists {
		r.entries[i].target = target
		return 0, false
	}
	slot := &r.entries[r.next]
	if slot.used {
		evicted, ok = slot.handle, true
		delete(r.index, slot.handle)
	}
	*slot = ringEntry{handle: handle, target: target, used: true}
	r.index[handle] = r.next
	r.next = (r.next + 1) % len(r.entries)
	return evicted, ok
}

// invalidate drops the back-reference for handle. Its arena slot stays
// where it is in the eviction order.
func (r *targetRing) invalidate(handle uint32) bool {
	i, ok := r.index[handle]
	if !ok {
		return false
	}
	delete(r.index, handle)
	r.entries[i] = ringEntry{}
	return true
}

func (r *targetRing) reset() {
	clear(r.entries)
	clear(r.index)
	r.next = 0
}

func (r *targetRing) len() int { return len(r.index) }
