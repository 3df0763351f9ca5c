package writecache

import (
	"fmt"
	"sync"
)

// BufferPool hands out segment buffers. *bpool.BytePool satisfies it.
// Buffers shorter than the requested segment capacity are discarded and
// replaced by a fresh allocation.
type BufferPool interface {
	Get() []byte
	Put(b []byte)
}

// location points at the bytes of one entry inside a segment.
type location struct {
	segment int
	offset  int
	length  int
}

type segment struct {
	id  int
	buf []byte // len(buf) is the capacity of the segment

	// used is the write cursor; bytes before it are reserved or written.
	used int
}

func (s *segment) remaining() int {
	return len(s.buf) - s.used
}

// segmentAllocator owns the segments of a cache and hands out append
// offsets. The last segment in the table is the current one; every other
// segment is sealed.
type segmentAllocator struct {
	mu          sync.RWMutex
	pool        BufferPool
	segmentSize int
	budget      int64
	allocated   int64
	segments    []*segment
}

func newSegmentAllocator(pool BufferPool, segmentSize int, budget int64) *segmentAllocator {
	return &segmentAllocator{
		pool:        pool,
		segmentSize: segmentSize,
		budget:      budget,
	}
}

// reserve finds room for n bytes. The returned location is exclusively
// owned by the caller until it publishes it in the index. ok is false
// when n does not fit in an empty segment or the byte budget is spent.
func (a *segmentAllocator) reserve(n int) (loc location, ok bool) {
	if n > a.segmentSize {
		return location{}, false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	cur := a.current()
	if cur == nil || cur.remaining() < n {
		// seal the current segment and open a new one
		left := a.budget - a.allocated
		if left < int64(n) {
			return location{}, false
		}
		capacity := a.segmentSize
		if int64(capacity) > left {
			capacity = int(left)
		}
		cur = a.allocate(capacity)
	}

	loc = location{segment: cur.id, offset: cur.used, length: n}
	cur.used += n
	return loc, true
}

func (a *segmentAllocator) current() *segment {
	if len(a.segments) == 0 {
		return nil
	}
	return a.segments[len(a.segments)-1]
}

func (a *segmentAllocator) allocate(capacity int) *segment {
	buf := a.pool.Get()
	if cap(buf) < capacity {
		buf = make([]byte, capacity)
	}
	s := &segment{
		id:  len(a.segments),
		buf: buf[:capacity],
	}
	a.segments = append(a.segments, s)
	a.allocated += int64(capacity)
	return s
}

// bytes returns the slice backing loc. Segment buffers never move, so the
// slice stays valid until reset.
func (a *segmentAllocator) bytes(loc location) []byte {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if loc.segment < 0 || loc.segment >= len(a.segments) {
		panic(fmt.Sprintf("writecache: location %+v refers to unknown segment (have %d)",
			loc, len(a.segments)))
	}
	s := a.segments[loc.segment]
	if loc.offset < 0 || loc.length < 0 || loc.offset+loc.length > s.used {
		panic(fmt.Sprintf("writecache: location %+v outside segment bounds (used %d, capacity %d)",
			loc, s.used, len(s.buf)))
	}
	return s.buf[loc.offset : loc.offset+loc.length : loc.offset+loc.length]
}

// reset retires every segment and gives the buffers back to the pool.
func (a *segmentAllocator) reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i, s := range a.segments {
		a.pool.Put(s.buf)
		a.segments[i] = nil
	}
	a.segments = a.segments[:0]
	a.allocated = 0
}

func (a *segmentAllocator) numSegments() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.segments)
}
