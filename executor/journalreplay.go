package executor

import (
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/alpacahq/bookie/executor/wal"
	"github.com/alpacahq/bookie/utils/log"
)

// ReplayFunc receives journaled records in append order. The payload is
// only valid during the call.
type ReplayFunc func(rec wal.Record) error

// ReplayJournals replays every journal file under dir in id order and
// returns the files it went through. A file whose records stop matching
// their checksums is moved aside and the replay continues with the next
// file.
func ReplayJournals(dir string, fn ReplayFunc) ([]wal.File, error) {
	files, err := wal.NewFinder(os.ReadDir).Find(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "find journals")
	}

	var replayed []wal.File
	for _, f := range files {
		log.Info("Found a journal: %s, entering replay...", f.Path)
		n, err := ReplayJournal(f.Path, fn)
		if err != nil {
			var replayErr wal.ReplayError
			if !errors.As(err, &replayErr) || !replayErr.Cont {
				return replayed, errors.Wrapf(err, "unable to replay %s", f.Path)
			}
			dst, err2 := wal.Quarantine(f.Path)
			if err2 != nil {
				return replayed, err2
			}
			log.Warn("Unable to replay %s after %d records. moved it to %s", f.Path, n, dst)
			continue
		}
		log.Info("replayed %d records from %s", n, f.Path)
		replayed = append(replayed, f)
	}
	return replayed, nil
}

// ReplayJournal calls fn for every complete record of one journal file and
// returns how many it replayed. A record cut short by the end of the file
// ends the replay without an error.
func ReplayJournal(path string, fn ReplayFunc) (int, error) {
	fp, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrapf(err, "open journal %s", path)
	}
	defer fp.Close()

	rd := wal.NewReader(fp)
	n := 0
	for {
		rec, off, err := rd.Next()
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			return n, nil
		default:
			var short wal.ShortReadError
			if errors.As(err, &short) {
				log.Warn("journal %s ends with a partial record at offset %d", path, off)
				return n, nil
			}
			var sumErr wal.ChecksumError
			if errors.As(err, &sumErr) {
				return n, wal.ReplayError{Msg: err.Error(), Cont: true}
			}
			return n, errors.Wrapf(err, "read journal %s", path)
		}

		if err := fn(rec); err != nil {
			return n, wal.ReplayError{Msg: err.Error(), Cont: false}
		}
		n++
	}
}
