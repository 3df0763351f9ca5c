package executor

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/snappy"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack"

	"github.com/alpacahq/bookie/executor/bufchan"
	"github.com/alpacahq/bookie/executor/wal"
	"github.com/alpacahq/bookie/executor/writecache"
	"github.com/alpacahq/bookie/utils"
	"github.com/alpacahq/bookie/utils/log"
)

// EntryLogFileName is the name of the entry log under the ledger directory.
const EntryLogFileName = "entries.log"

// entryLogRecord is the msgpack body of an entry log frame.
type entryLogRecord struct {
	GroupID    int64  `msgpack:"g"`
	MemberID   int64  `msgpack:"m"`
	Compressed bool   `msgpack:"c"`
	Payload    []byte `msgpack:"p"`
}

// EntryLog is the long-term store write caches are flushed into: a single
// append-only file of framed records with an in-memory offset index that
// is rebuilt by scanning the file on open.
type EntryLog struct {
	mu       sync.RWMutex
	path     string
	compress bool
	ch       *bufchan.BufferedChannel
	index    map[writecache.Key]int64

	// last holds the key with the highest member id of each group
	last   map[int64]writecache.Key
	failed error
}

// OpenEntryLog opens or creates the entry log under dir. A partially
// written tail, left by a crash before the last sync, is cut off; the
// journals still hold those entries.
func OpenEntryLog(dir string, cfg utils.EntryLogConfig) (*EntryLog, error) {
	const ownerGroupAll = 0o770
	if err := os.MkdirAll(dir, ownerGroupAll); err != nil {
		return nil, errors.Wrapf(err, "create entry log directory %s", dir)
	}
	path := filepath.Join(dir, EntryLogFileName)
	fp, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, errors.Wrapf(err, "open entry log %s", path)
	}

	el := &EntryLog{
		path:     path,
		compress: cfg.Compress,
		index:    make(map[writecache.Key]int64),
		last:     make(map[int64]writecache.Key),
	}
	end, err := el.recover(fp)
	if err != nil {
		_ = fp.Close()
		return nil, err
	}
	if _, err := fp.Seek(end, io.SeekStart); err != nil {
		_ = fp.Close()
		return nil, errors.Wrap(err, "seek to the end of the entry log")
	}

	el.ch, err = bufchan.New(fp, cfg.WriteBufferSize, 0, bufchan.WithName("entrylog"))
	if err != nil {
		_ = fp.Close()
		return nil, err
	}
	log.Info("opened entry log %s with %d entries (%d bytes)", path, len(el.index), end)
	return el, nil
}

// recover rebuilds the index from the file and returns the offset right
// after the last intact record.
func (el *EntryLog) recover(fp *os.File) (int64, error) {
	fi, err := fp.Stat()
	if err != nil {
		return 0, errors.Wrap(err, "stat entry log")
	}
	size := fi.Size()

	r := bufio.NewReader(io.NewSectionReader(fp, 0, size))
	var off int64
	for off < size {
		body, err := wal.ReadFrame(r)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Warn("entry log %s: dropping %d bytes after offset %d: %v", el.path, size-off, off, err)
			}
			break
		}
		rec, err := decodeEntryLogRecord(body)
		if err != nil {
			log.Warn("entry log %s: dropping %d bytes after offset %d: %v", el.path, size-off, off, err)
			break
		}
		el.indexRecord(writecache.Key{GroupID: rec.GroupID, MemberID: rec.MemberID}, off)
		off += int64(wal.FrameHeaderSize + len(body))
	}

	if off < size {
		if err := fp.Truncate(off); err != nil {
			return 0, errors.Wrap(err, "truncate entry log tail")
		}
	}
	return off, nil
}

func (el *EntryLog) indexRecord(k writecache.Key, off int64) {
	el.index[k] = off
	if cur, ok := el.last[k.GroupID]; !ok || cur.MemberID <= k.MemberID {
		el.last[k.GroupID] = k
	}
}

func decodeEntryLogRecord(body []byte) (entryLogRecord, error) {
	var rec entryLogRecord
	if err := msgpack.Unmarshal(body, &rec); err != nil {
		return rec, errors.Wrap(err, "decode entry log record")
	}
	return rec, nil
}

// AddEntry appends an entry and returns its offset. A later add of the same
// key shadows the earlier one.
func (el *EntryLog) AddEntry(groupID, memberID int64, entry []byte) (int64, error) {
	rec := entryLogRecord{GroupID: groupID, MemberID: memberID, Payload: entry}
	if el.compress {
		rec.Payload = snappy.Encode(nil, entry)
		rec.Compressed = true
	}
	body, err := msgpack.Marshal(&rec)
	if err != nil {
		return 0, errors.Wrap(err, "encode entry log record")
	}
	frame := wal.AppendFrame(make([]byte, 0, wal.FrameHeaderSize+len(body)), body)

	el.mu.Lock()
	defer el.mu.Unlock()

	if el.failed != nil {
		return 0, errors.Wrap(el.failed, "entry log is unusable after a partial write")
	}
	off := el.ch.Position()
	if n, err := el.ch.Write(frame); err != nil {
		if n > 0 && n < len(frame) {
			el.failed = err
		}
		if n < len(frame) {
			return 0, errors.Wrapf(err, "append entry %d@%d", memberID, groupID)
		}
	}
	el.indexRecord(writecache.Key{GroupID: groupID, MemberID: memberID}, off)
	return off, nil
}

// ReadEntry returns the payload of the latest record of the key.
func (el *EntryLog) ReadEntry(groupID, memberID int64) ([]byte, error) {
	el.mu.RLock()
	off, ok := el.index[writecache.Key{GroupID: groupID, MemberID: memberID}]
	el.mu.RUnlock()
	if !ok {
		return nil, ErrEntryNotFound
	}
	return el.readAt(off)
}

// GetLastEntry returns the payload of the entry with the highest member id
// of the group.
func (el *EntryLog) GetLastEntry(groupID int64) ([]byte, error) {
	el.mu.RLock()
	k, ok := el.last[groupID]
	var off int64
	if ok {
		off = el.index[k]
	}
	el.mu.RUnlock()
	if !ok {
		return nil, ErrEntryNotFound
	}
	return el.readAt(off)
}

func (el *EntryLog) HasEntry(groupID, memberID int64) bool {
	el.mu.RLock()
	defer el.mu.RUnlock()
	_, ok := el.index[writecache.Key{GroupID: groupID, MemberID: memberID}]
	return ok
}

func (el *EntryLog) readAt(off int64) ([]byte, error) {
	var hdr [wal.FrameHeaderSize]byte
	if _, err := el.ch.ReadAt(hdr[:], off); err != nil {
		return nil, ShortReadError(errors.Wrapf(err, "entry log header at %d", off).Error())
	}
	n, sum, err := wal.ParseFrameHeader(hdr[:])
	if err != nil {
		return nil, EntryLogCorruptedError(errors.Wrapf(err, "offset %d", off).Error())
	}
	body := make([]byte, n)
	if _, err := el.ch.ReadAt(body, off+wal.FrameHeaderSize); err != nil {
		return nil, ShortReadError(errors.Wrapf(err, "entry log body at %d", off).Error())
	}
	if err := wal.VerifyFrame(body, sum); err != nil {
		return nil, EntryLogCorruptedError(errors.Wrapf(err, "offset %d", off).Error())
	}
	rec, err := decodeEntryLogRecord(body)
	if err != nil {
		return nil, EntryLogCorruptedError(errors.Wrapf(err, "offset %d", off).Error())
	}
	if !rec.Compressed {
		return rec.Payload, nil
	}
	payload, err := snappy.Decode(nil, rec.Payload)
	if err != nil {
		return nil, EntryLogCorruptedError(errors.Wrapf(err, "decompress entry at %d", off).Error())
	}
	return payload, nil
}

// Flush hands buffered records to the OS.
func (el *EntryLog) Flush() error {
	return el.ch.Flush()
}

// Sync makes every added entry durable.
func (el *EntryLog) Sync() error {
	return el.ch.ForceSync()
}

// Size returns the length of the log, buffered records included.
func (el *EntryLog) Size() int64 {
	return el.ch.Position()
}

// Count returns the number of distinct indexed keys.
func (el *EntryLog) Count() int {
	el.mu.RLock()
	defer el.mu.RUnlock()
	return len(el.index)
}

func (el *EntryLog) Close() error {
	if err := el.ch.ForceSync(); err != nil {
		log.Error("failed to sync entry log %s before closing: %v", el.path, err)
	}
	return el.ch.Close()
}
