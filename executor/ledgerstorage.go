package executor

import (
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/alpacahq/bookie/executor/wal"
	"github.com/alpacahq/bookie/executor/writecache"
	"github.com/alpacahq/bookie/metrics"
	"github.com/alpacahq/bookie/utils/log"
)

const (
	// JournalDirName and LedgerDirName are the sub-directories of the root
	// directory holding the journals and the entry log.
	JournalDirName = "journal"
	LedgerDirName  = "ledgers"
)

// read sources reported by metrics.ReadEntryTotal
const (
	sourceWriteCache    = "write_cache"
	sourceFlushingCache = "flushing_cache"
	sourceEntryLog      = "entry_log"
)

/*
	Write path: AddEntry journals the entry, then puts it in the active
	write cache. Flush swaps the active cache with the (empty) flushing
	one and rotates the journal in the same critical section, so every
	entry of the swapped-out cache lives in a journal file older than the
	rotation mark. Once the swapped-out cache is in the entry log and the
	entry log is synced, those journal files are removed.

	Read path: active cache, flushing cache, entry log. An entry leaves a
	cache only after it reached the entry log.
*/

// LedgerStorage stores entries keyed by (group, member).
type LedgerStorage struct {
	journal  *Journal
	entryLog *EntryLog

	// swapMu is held shared by writers across journal append and cache
	// put, and exclusively by the cache swap.
	swapMu   sync.RWMutex
	active   *writecache.WriteCache
	flushing *writecache.WriteCache

	// flushMu serializes flushes. flushMark is the journal id every entry
	// of the flushing cache was journaled before.
	flushMu   sync.Mutex
	flushMark int64

	closed int32
}

// NewLedgerStorage assembles a storage from its parts. The two caches
// must be empty and are owned by the storage from now on.
func NewLedgerStorage(j *Journal, el *EntryLog, active, flushing *writecache.WriteCache) (*LedgerStorage, error) {
	if j == nil || el == nil || active == nil || flushing == nil {
		return nil, errors.New("ledger storage needs a journal, an entry log and two write caches")
	}
	if active == flushing {
		return nil, errors.New("ledger storage needs two distinct write caches")
	}
	if !active.IsEmpty() || !flushing.IsEmpty() {
		return nil, errors.New("write caches must be empty")
	}
	return &LedgerStorage{
		journal:  j,
		entryLog: el,
		active:   active,
		flushing: flushing,
	}, nil
}

// RecoverJournals replays the journals left under dir into the entry log,
// syncs it and removes the replayed files. It must run before a Journal is
// opened on dir. It returns the number of journal files recovered.
func RecoverJournals(dir string, el *EntryLog) (int, error) {
	files, err := ReplayJournals(dir, func(rec wal.Record) error {
		_, err := el.AddEntry(rec.GroupID, rec.MemberID, rec.Payload)
		return err
	})
	if err != nil {
		return 0, err
	}
	if len(files) == 0 {
		return 0, nil
	}
	if err := el.Sync(); err != nil {
		return 0, errors.Wrap(err, "sync entry log after journal replay")
	}
	for _, f := range files {
		if err := os.Remove(f.Path); err != nil {
			return 0, errors.Wrapf(err, "remove replayed journal %s", f.Path)
		}
	}
	log.Info("recovered %d journal files into the entry log", len(files))
	return len(files), nil
}

func validEntry(groupID, memberID int64, entry []byte) error {
	if groupID < 0 || memberID < 0 {
		return errors.Wrapf(writecache.ErrInvalidArgument, "negative key (%d, %d)", groupID, memberID)
	}
	if entry == nil {
		return errors.Wrap(writecache.ErrInvalidArgument, "nil entry")
	}
	return nil
}

// AddEntry journals the entry and makes it readable. It is durable once
// the journal has been synced, see SyncJournal.
func (s *LedgerStorage) AddEntry(groupID, memberID int64, entry []byte) error {
	if atomic.LoadInt32(&s.closed) == 1 {
		return ErrClosed
	}
	if err := validEntry(groupID, memberID, entry); err != nil {
		return err
	}
	start := time.Now()
	defer func() { metrics.AddEntryDuration.Observe(time.Since(start).Seconds()) }()

	ok, err := s.add(groupID, memberID, entry, false)
	if err != nil || ok {
		return err
	}

	metrics.WriteCacheRejectedTotal.Inc()
	log.Debug("write cache rejected entry %d@%d (%d bytes), flushing", memberID, groupID, len(entry))
	if err := s.Flush(); err != nil {
		return errors.Wrap(err, "flush full write cache")
	}
	if ok, err = s.add(groupID, memberID, entry, false); err != nil || ok {
		return err
	}

	// larger than a segment: straight to the entry log
	_, err = s.add(groupID, memberID, entry, true)
	return err
}

// add journals the entry again on every attempt: a flush between two
// attempts may have removed the journal file of the previous one.
func (s *LedgerStorage) add(groupID, memberID int64, entry []byte, direct bool) (bool, error) {
	s.swapMu.RLock()
	defer s.swapMu.RUnlock()

	if _, err := s.journal.Append(groupID, memberID, entry); err != nil {
		return false, err
	}
	if direct {
		if _, err := s.entryLog.AddEntry(groupID, memberID, entry); err != nil {
			return false, err
		}
		return true, nil
	}
	ok, err := s.active.Put(groupID, memberID, entry)
	if ok {
		metrics.WriteCacheSize.Set(float64(s.active.Size()))
		metrics.WriteCacheCount.Set(float64(s.active.Count()))
	}
	return ok, err
}

func (s *LedgerStorage) caches() (active, flushing *writecache.WriteCache) {
	s.swapMu.RLock()
	defer s.swapMu.RUnlock()
	return s.active, s.flushing
}

// ReadEntry returns a copy of the latest payload added for the key.
func (s *LedgerStorage) ReadEntry(groupID, memberID int64) ([]byte, error) {
	if atomic.LoadInt32(&s.closed) == 1 {
		return nil, ErrClosed
	}
	active, flushing := s.caches()
	if entry, ok := active.Get(groupID, memberID); ok {
		metrics.ReadEntryTotal.WithLabelValues(sourceWriteCache).Inc()
		return entry, nil
	}
	if entry, ok := flushing.Get(groupID, memberID); ok {
		metrics.ReadEntryTotal.WithLabelValues(sourceFlushingCache).Inc()
		return entry, nil
	}
	entry, err := s.entryLog.ReadEntry(groupID, memberID)
	if err != nil {
		return nil, err
	}
	metrics.ReadEntryTotal.WithLabelValues(sourceEntryLog).Inc()
	return entry, nil
}

// GetLastEntry returns the last entry written to the group: the latest put
// while the group is cached, the highest member id once it is only in the
// entry log.
func (s *LedgerStorage) GetLastEntry(groupID int64) ([]byte, error) {
	if atomic.LoadInt32(&s.closed) == 1 {
		return nil, ErrClosed
	}
	active, flushing := s.caches()
	if entry, ok := active.GetLastEntry(groupID); ok {
		metrics.ReadEntryTotal.WithLabelValues(sourceWriteCache).Inc()
		return entry, nil
	}
	if entry, ok := flushing.GetLastEntry(groupID); ok {
		metrics.ReadEntryTotal.WithLabelValues(sourceFlushingCache).Inc()
		return entry, nil
	}
	entry, err := s.entryLog.GetLastEntry(groupID)
	if err != nil {
		return nil, err
	}
	metrics.ReadEntryTotal.WithLabelValues(sourceEntryLog).Inc()
	return entry, nil
}

func (s *LedgerStorage) HasEntry(groupID, memberID int64) bool {
	active, flushing := s.caches()
	return active.HasEntry(groupID, memberID) ||
		flushing.HasEntry(groupID, memberID) ||
		s.entryLog.HasEntry(groupID, memberID)
}

// SyncJournal makes every added entry durable.
func (s *LedgerStorage) SyncJournal() error {
	if atomic.LoadInt32(&s.closed) == 1 {
		return ErrClosed
	}
	return s.journal.Sync()
}

// NeedsFlush reports whether the active cache holds at least ratio of its
// capacity.
func (s *LedgerStorage) NeedsFlush(ratio float64) bool {
	active, _ := s.caches()
	return float64(active.Size()) >= ratio*float64(active.MaxSize())
}

// CacheSize returns the payload bytes held by the active cache.
func (s *LedgerStorage) CacheSize() int64 {
	active, _ := s.caches()
	return active.Size()
}

// Flush moves every cached entry to the entry log. Failures worth retrying
// satisfy errors.Is(err, ErrRetryable); the entries stay readable and the
// next Flush picks them up again.
func (s *LedgerStorage) Flush() error {
	if atomic.LoadInt32(&s.closed) == 1 {
		return ErrClosed
	}
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	return s.flush()
}

func (s *LedgerStorage) flush() error {
	start := time.Now()

	// left over by a failed flush
	if !s.flushing.IsEmpty() {
		if err := s.drain(s.flushing, s.flushMark); err != nil {
			return err
		}
	}

	s.swapMu.Lock()
	if s.active.IsEmpty() {
		s.swapMu.Unlock()
		return nil
	}
	mark, err := s.journal.Rotate()
	if err != nil {
		s.swapMu.Unlock()
		return Retryable(errors.Wrap(err, "rotate journal before flush"))
	}
	s.active, s.flushing = s.flushing, s.active
	s.flushMark = mark
	s.swapMu.Unlock()

	metrics.WriteCacheSize.Set(0)
	metrics.WriteCacheCount.Set(0)

	if err := s.drain(s.flushing, mark); err != nil {
		return err
	}
	metrics.FlushDuration.Observe(time.Since(start).Seconds())
	return nil
}

func (s *LedgerStorage) drain(wc *writecache.WriteCache, mark int64) error {
	n := 0
	err := wc.ForEach(func(groupID, memberID int64, entry []byte) error {
		if _, err := s.entryLog.AddEntry(groupID, memberID, entry); err != nil {
			return err
		}
		n++
		return nil
	})
	if err != nil {
		return Retryable(errors.Wrap(err, "drain write cache into the entry log"))
	}
	if err := s.entryLog.Sync(); err != nil {
		return Retryable(errors.Wrap(err, "sync entry log"))
	}
	wc.Clear()
	metrics.FlushedEntriesTotal.Add(float64(n))
	log.Debug("flushed %d entries into the entry log", n)

	// leftovers are replayed idempotently on the next start
	if err := s.journal.RemoveBefore(mark); err != nil {
		log.Warn("failed to remove flushed journals: %v", err)
	}
	return nil
}

// Close flushes the caches and closes the journal and the entry log. The
// journal is kept when the final flush fails, so a restart replays it.
func (s *LedgerStorage) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	flushErr := s.flush()
	if flushErr != nil {
		log.Error("failed to flush write cache on close: %v", flushErr)
	}
	s.active.Close()
	s.flushing.Close()

	var firstErr error
	if err := s.journal.Close(); err != nil {
		firstErr = err
	}
	if err := s.entryLog.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if flushErr != nil {
		return flushErr
	}
	return firstErr
}
