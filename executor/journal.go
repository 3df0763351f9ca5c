package executor

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/alpacahq/bookie/executor/bufchan"
	"github.com/alpacahq/bookie/executor/wal"
	"github.com/alpacahq/bookie/metrics"
	"github.com/alpacahq/bookie/utils"
	"github.com/alpacahq/bookie/utils/log"
)

/*
	NOTE: Entries are journaled before they are put in the write cache. A
	journal file can be removed once every entry it holds has been flushed
	to the entry log and the entry log has been synced.
*/

// Journal appends entry records to rotating files under a directory
// through a BufferedChannel.
type Journal struct {
	mu      sync.Mutex
	dir     string
	cfg     utils.JournalConfig
	id      int64
	ch      *bufchan.BufferedChannel
	scratch []byte
	closed  bool

	// failed is set when a record may have been written partially; the
	// file can no longer be appended to.
	failed error
}

// OpenJournal starts a new journal file after the newest one found in dir.
// Existing files are left alone; replay them with ReplayJournals first.
func OpenJournal(dir string, cfg utils.JournalConfig) (*Journal, error) {
	const ownerGroupAll = 0o770
	if err := os.MkdirAll(dir, ownerGroupAll); err != nil {
		return nil, JournalCreateError(err.Error())
	}
	files, err := wal.NewFinder(os.ReadDir).Find(dir)
	if err != nil {
		return nil, errors.Wrap(err, "find journals")
	}
	var next int64
	if len(files) > 0 {
		next = files[len(files)-1].ID + 1
	}

	j := &Journal{dir: dir, cfg: cfg, id: next}
	if j.ch, err = j.create(next); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) create(id int64) (*bufchan.BufferedChannel, error) {
	path := filepath.Join(j.dir, wal.FileName(id))
	fp, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		return nil, JournalCreateError(err.Error())
	}
	ch, err := bufchan.New(fp, j.cfg.WriteBufferSize, j.cfg.UnpersistedBytesBound, bufchan.WithName("journal"))
	if err != nil {
		_ = fp.Close()
		return nil, errors.Wrap(err, "wrap journal file")
	}
	log.Debug("opened journal %s", path)
	return ch, nil
}

// Append journals one entry and returns the offset of its record in the
// current journal file. The record is durable only after the next Sync.
func (j *Journal) Append(groupID, memberID int64, entry []byte) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return 0, ErrClosed
	}
	if j.failed != nil {
		return 0, JournalWriteError(j.failed.Error())
	}

	j.scratch = wal.AppendRecord(j.scratch[:0], wal.Record{GroupID: groupID, MemberID: memberID, Payload: entry})
	offset := j.ch.Position()
	if n, err := j.ch.Write(j.scratch); err != nil {
		switch {
		case n == len(j.scratch):
			// the record is complete, only the threshold sync failed
			log.Warn("journal %d: %v", j.id, err)
		case n > 0:
			j.failed = err
			return 0, JournalWriteError(err.Error())
		default:
			return 0, JournalWriteError(err.Error())
		}
	}

	if j.ch.Position() >= j.cfg.RotateSize {
		if _, err := j.rotate(); err != nil {
			// the record is in the old file already
			log.Error("failed to rotate journal %d: %v", j.id, err)
		}
	}
	return offset, nil
}

// Sync makes every appended record durable.
func (j *Journal) Sync() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}
	if err := j.ch.ForceSync(); err != nil {
		return JournalWriteError(err.Error())
	}
	return nil
}

// Rotate syncs and closes the current file and starts the next one. It
// returns the id of the new file: every record appended before the call
// lives in a file with a smaller id.
func (j *Journal) Rotate() (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return 0, ErrClosed
	}
	return j.rotate()
}

func (j *Journal) rotate() (int64, error) {
	if err := j.ch.ForceSync(); err != nil {
		return 0, JournalWriteError(err.Error())
	}
	next, err := j.create(j.id + 1)
	if err != nil {
		return 0, err
	}
	if err := j.ch.Close(); err != nil {
		log.Error("failed to close journal %d: %v", j.id, err)
	}
	j.ch = next
	j.id++
	metrics.JournalRotationsTotal.Inc()
	return j.id, nil
}

// RemoveBefore deletes the journal files with an id smaller than id.
func (j *Journal) RemoveBefore(id int64) error {
	files, err := wal.NewFinder(os.ReadDir).Find(j.dir)
	if err != nil {
		return errors.Wrap(err, "find journals")
	}
	for _, f := range files {
		if f.ID >= id {
			break
		}
		if err := os.Remove(f.Path); err != nil {
			return errors.Wrapf(err, "remove journal %s", f.Path)
		}
		log.Debug("removed journal %s", f.Path)
	}
	return nil
}

// CurrentID returns the id of the file records are appended to.
func (j *Journal) CurrentID() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.id
}

// State returns the counters of the current file's channel.
func (j *Journal) State() bufchan.State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.ch.State()
}

func (j *Journal) Dir() string {
	return j.dir
}

// Close syncs and closes the current file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true
	if err := j.ch.ForceSync(); err != nil {
		_ = j.ch.Close()
		return JournalWriteError(err.Error())
	}
	return j.ch.Close()
}
