package wal

import (
	"fmt"
	"runtime"
	"strconv"

	"github.com/alpacahq/bookie/utils/log"
)

// ShortReadError is returned when a frame is cut off by the end of the
// file, which is what a crash in the middle of an append leaves behind.
type ShortReadError string

func (msg ShortReadError) Error() string {
	return errReport("%s: Unexpectedly short read", string(msg))
}

// ChecksumError is returned when a complete frame does not match its checksum.
type ChecksumError string

func (msg ChecksumError) Error() string {
	return errReport("%s: Checksum mismatch", string(msg))
}

// ReplayError is used when a journal replay fails.
// If Cont:true, the journal is moved aside and the replay continues with
// the next journal file.
type ReplayError struct {
	Msg  string
	Cont bool
}

func (e ReplayError) Error() string {
	return errReport("%s: Error Replaying journal. Cont="+strconv.FormatBool(e.Cont), e.Msg)
}

func errReport(base string, msg string) string {
	if _, file, line, ok := runtime.Caller(2); ok {
		base = fmt.Sprintf("%s:%d:", file, line) + base
	}
	log.Debug(base, msg)
	return fmt.Sprintf(base, msg)
}
