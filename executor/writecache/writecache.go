// Package writecache holds recently added entries in memory until they are
// flushed to the entry log.
//
// Payloads are appended into large fixed-size segments; a sorted index maps
// each (group, member) key to the location of its latest payload. Entries
// are never evicted one by one: a full cache rejects new entries and the
// owner is expected to drain it with ForEach and then Clear it.
//
//	segments  [ seg 0 (sealed) | seg 1 (sealed) | seg 2 (current) ... ]
//	index     (g,m) -> (segment, offset, length), ascending by key
//	last      g     -> location of the latest put for g
package writecache

import (
	"sync"
	"sync/atomic"

	"github.com/oxtoacart/bpool"
	"github.com/pkg/errors"
)

// EntryConsumer receives entries during ForEach. The entry slice points
// into the cache and is only valid until the consumer returns.
type EntryConsumer func(groupID, memberID int64, entry []byte) error

// WriteCache is a bounded, sorted write-back cache of entries.
// All methods are safe for concurrent use.
type WriteCache struct {
	maxCacheSize int64
	segmentSize  int

	// lifecycle is held shared by every operation touching segment bytes
	// and exclusively by Clear, so segments are never retired under a reader.
	lifecycle sync.RWMutex
	closed    int32

	alloc *segmentAllocator
	index *keyIndex
}

type options struct {
	pool BufferPool
}

// Option configures a WriteCache.
type Option func(*options)

// WithBufferPool makes the cache take its segment buffers from p.
func WithBufferPool(p BufferPool) Option {
	return func(o *options) {
		o.pool = p
	}
}

// New creates a cache holding at most maxCacheSize payload bytes in
// segments of maxSegmentSize bytes. The segment size is clamped to the
// cache size.
func New(maxCacheSize, maxSegmentSize int64, opts ...Option) (*WriteCache, error) {
	if maxCacheSize <= 0 {
		return nil, errors.Wrapf(ErrInvalidArgument, "max cache size must be positive, got %d", maxCacheSize)
	}
	if maxSegmentSize <= 0 {
		return nil, errors.Wrapf(ErrInvalidArgument, "max segment size must be positive, got %d", maxSegmentSize)
	}
	segmentSize := maxSegmentSize
	if segmentSize > maxCacheSize {
		segmentSize = maxCacheSize
	}
	const maxInt = int64(^uint(0) >> 1)
	if segmentSize > maxInt {
		return nil, errors.Wrapf(ErrInvalidArgument, "segment size %d does not fit in memory", segmentSize)
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.pool == nil {
		o.pool = bpool.NewBytePool(segmentsFor(maxCacheSize, segmentSize), int(segmentSize))
	}

	return &WriteCache{
		maxCacheSize: maxCacheSize,
		segmentSize:  int(segmentSize),
		alloc:        newSegmentAllocator(o.pool, int(segmentSize), maxCacheSize),
		index:        newKeyIndex(),
	}, nil
}

func segmentsFor(maxCacheSize, segmentSize int64) int {
	n := maxCacheSize / segmentSize
	if maxCacheSize%segmentSize != 0 {
		n++
	}
	return int(n)
}

// Put stores entry under (groupID, memberID), replacing any previous
// payload for the same key. The replaced bytes stay allocated until Clear.
//
// It returns false without changing anything when the entry is larger than
// a segment or the cache has no budget left; callers are expected to drain
// the cache or write the entry elsewhere. Negative ids and a nil entry are
// rejected with ErrInvalidArgument.
func (c *WriteCache) Put(groupID, memberID int64, entry []byte) (bool, error) {
	if groupID < 0 {
		return false, errors.Wrapf(ErrInvalidArgument, "negative group id %d", groupID)
	}
	if memberID < 0 {
		return false, errors.Wrapf(ErrInvalidArgument, "negative member id %d", memberID)
	}
	if entry == nil {
		return false, errors.Wrap(ErrInvalidArgument, "nil entry")
	}

	c.lifecycle.RLock()
	defer c.lifecycle.RUnlock()
	if atomic.LoadInt32(&c.closed) == 1 {
		return false, ErrClosed
	}

	loc, ok := c.alloc.reserve(len(entry))
	if !ok {
		return false, nil
	}
	// the reserved range belongs to this call only, copy without the allocator lock
	copy(c.alloc.bytes(loc), entry)

	c.index.upsert(Key{GroupID: groupID, MemberID: memberID}, loc)
	return true, nil
}

// Get returns a copy of the latest payload stored for the key.
func (c *WriteCache) Get(groupID, memberID int64) ([]byte, bool) {
	c.lifecycle.RLock()
	defer c.lifecycle.RUnlock()

	loc, ok := c.index.get(Key{GroupID: groupID, MemberID: memberID})
	if !ok {
		return nil, false
	}
	return c.copyOf(loc), true
}

// GetLastEntry returns a copy of the payload of the most recent successful
// Put for the group, whatever its member id.
func (c *WriteCache) GetLastEntry(groupID int64) ([]byte, bool) {
	c.lifecycle.RLock()
	defer c.lifecycle.RUnlock()

	loc, ok := c.index.lastOf(groupID)
	if !ok {
		return nil, false
	}
	return c.copyOf(loc), true
}

// HasEntry reports whether the key is currently cached.
func (c *WriteCache) HasEntry(groupID, memberID int64) bool {
	_, ok := c.index.get(Key{GroupID: groupID, MemberID: memberID})
	return ok
}

func (c *WriteCache) copyOf(loc location) []byte {
	src := c.alloc.bytes(loc)
	out := make([]byte, len(src))
	copy(out, src)
	return out
}

// ForEach calls fn for every cached key in ascending (group, member) order
// with the key's latest payload. Keys added while ForEach runs may or may
// not be visited. The first error returned by fn stops the iteration and is
// returned. entry is a view that is only valid until fn returns. The cache
// stays read locked while fn runs, so fn must not call any method of the
// same cache: a Clear or Close waiting for the lock blocks the nested call.
func (c *WriteCache) ForEach(fn EntryConsumer) error {
	c.lifecycle.RLock()
	defer c.lifecycle.RUnlock()

	for _, e := range c.index.snapshot() {
		if err := fn(e.key.GroupID, e.key.MemberID, c.alloc.bytes(e.loc)); err != nil {
			return err
		}
	}
	return nil
}

// Size returns the sum of the lengths of all accepted payloads since the
// last Clear, overwritten ones included.
func (c *WriteCache) Size() int64 {
	return c.index.loadSize()
}

// Count returns the number of distinct cached keys.
func (c *WriteCache) Count() int64 {
	return c.index.loadCount()
}

func (c *WriteCache) IsEmpty() bool {
	return c.Count() == 0
}

// MaxSize returns the byte budget of the cache.
func (c *WriteCache) MaxSize() int64 {
	return c.maxCacheSize
}

// SegmentSize returns the capacity of a single segment, which is also the
// largest entry the cache accepts.
func (c *WriteCache) SegmentSize() int {
	return c.segmentSize
}

// Clear drops every entry, resets the counters and releases all segments.
func (c *WriteCache) Clear() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.index.reset()
	c.alloc.reset()
}

// Close clears the cache; later puts fail with ErrClosed.
func (c *WriteCache) Close() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	atomic.StoreInt32(&c.closed, 1)
	c.index.reset()
	c.alloc.reset()
}
