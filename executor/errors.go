package executor

import (
	"fmt"
	"runtime"

	"github.com/pkg/errors"

	"github.com/alpacahq/bookie/utils/log"
)

var (
	// ErrEntryNotFound is returned by reads of entries that were never
	// added or whose group was never written.
	ErrEntryNotFound = errors.New("entry not found")
	ErrClosed        = errors.New("ledger storage closed")
)

type JournalCreateError string

func (msg JournalCreateError) Error() string {
	return errReport("%s: Error Creating journal file", string(msg))
}

type JournalWriteError string

func (msg JournalWriteError) Error() string {
	return errReport("%s: Error Writing to journal", string(msg))
}

type EntryLogCorruptedError string

func (msg EntryLogCorruptedError) Error() string {
	return errReport("%s: Entry log corrupted", string(msg))
}

type ShortReadError string

func (msg ShortReadError) Error() string {
	return errReport("%s: Unexpectedly short read", string(msg))
}

func errReport(base string, msg string) string {
	if _, file, line, ok := runtime.Caller(2); ok {
		base = fmt.Sprintf("%s:%d:", file, line) + base
	}
	log.Error(base, msg)
	return fmt.Sprintf(base, msg)
}
