package writecache

import (
	"sync"
	"sync/atomic"

	"github.com/ryszard/goskiplist/skiplist"
)

// Key identifies an entry: the group (ledger) and the member (entry) in it.
type Key struct {
	GroupID  int64
	MemberID int64
}

// Less orders keys by group, then by member.
func (k Key) Less(other Key) bool {
	if k.GroupID != other.GroupID {
		return k.GroupID < other.GroupID
	}
	return k.MemberID < other.MemberID
}

type indexedEntry struct {
	key Key
	loc location
}

// keyIndex maps keys to the location of their latest payload and keeps,
// per group, the location of the most recent put. The counters live here
// so that they change together with the index under one lock.
type keyIndex struct {
	mu      sync.RWMutex
	entries *skiplist.SkipList
	last    map[int64]location

	count int64
	size  int64
}

func newKeyIndex() *keyIndex {
	return &keyIndex{
		entries: newSkipList(),
		last:    make(map[int64]location),
	}
}

func newSkipList() *skiplist.SkipList {
	return skiplist.NewCustomMap(func(l, r interface{}) bool {
		return l.(Key).Less(r.(Key))
	})
}

// upsert publishes loc for k and makes it the last write of its group.
// It reports whether k was not indexed before.
func (i *keyIndex) upsert(k Key, loc location) bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	_, exists := i.entries.Get(k)
	i.entries.Set(k, loc)
	i.last[k.GroupID] = loc
	if !exists {
		atomic.AddInt64(&i.count, 1)
	}
	atomic.AddInt64(&i.size, int64(loc.length))
	return !exists
}

func (i *keyIndex) get(k Key) (location, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	v, ok := i.entries.Get(k)
	if !ok {
		return location{}, false
	}
	return v.(location), true
}

func (i *keyIndex) lastOf(groupID int64) (location, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	loc, ok := i.last[groupID]
	return loc, ok
}

// snapshot returns the indexed entries in ascending key order.
func (i *keyIndex) snapshot() []indexedEntry {
	i.mu.RLock()
	defer i.mu.RUnlock()

	out := make([]indexedEntry, 0, i.entries.Len())
	it := i.entries.Iterator()
	defer it.Close()
	for it.Next() {
		out = append(out, indexedEntry{
			key: it.Key().(Key),
			loc: it.Value().(location),
		})
	}
	return out
}

func (i *keyIndex) reset() {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.entries = newSkipList()
	i.last = make(map[int64]location)
	atomic.StoreInt64(&i.count, 0)
	atomic.StoreInt64(&i.size, 0)
}

func (i *keyIndex) loadCount() int64 {
	return atomic.LoadInt64(&i.count)
}

func (i *keyIndex) loadSize() int64 {
	return atomic.LoadInt64(&i.size)
}
