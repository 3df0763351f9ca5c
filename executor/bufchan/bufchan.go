// Package bufchan batches sequential appends to a file in an in-memory
// buffer and keeps exact accounting of what is buffered, what was handed to
// the OS and what is not yet durable.
//
//	0                fileChannelPosition           position
//	|---- in file ----|---- write buffer ----------|
//	          |------------ unpersisted -----------|
//	          ^ last sync
package bufchan

import (
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/alpacahq/bookie/metrics"
	"github.com/alpacahq/bookie/utils/log"
)

// File is the part of *os.File a BufferedChannel needs.
type File interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
	Sync() error
}

// State is a consistent snapshot of the channel counters.
type State struct {
	Position              int64
	FileChannelPosition   int64
	NumBytesInWriteBuffer int64
	UnpersistedBytes      int64
}

// BufferedChannel appends to a file through a write buffer of a fixed
// capacity. With a positive unpersisted bytes bound it also flushes and
// syncs the file every time that many bytes have been written since the
// last sync. A zero capacity writes every call straight through.
//
// All methods are safe for concurrent use.
type BufferedChannel struct {
	mu sync.Mutex

	name                  string
	fp                    File
	writeCapacity         int
	unpersistedBytesBound int64

	buffer              []byte
	fileChannelPosition int64
	unpersistedBytes    int64
	closed              bool
}

// Option configures a BufferedChannel.
type Option func(*BufferedChannel)

// WithName labels the channel in logs and metrics.
func WithName(name string) Option {
	return func(c *BufferedChannel) {
		c.name = name
	}
}

// New wraps fp. Writes start at the current offset of fp when it is an
// io.Seeker, at 0 otherwise.
func New(fp File, writeCapacity int, unpersistedBytesBound int64, opts ...Option) (*BufferedChannel, error) {
	if fp == nil {
		return nil, errors.Wrap(ErrInvalidArgument, "nil file")
	}
	if writeCapacity < 0 {
		return nil, errors.Wrapf(ErrInvalidArgument, "negative write capacity %d", writeCapacity)
	}
	if unpersistedBytesBound < 0 {
		return nil, errors.Wrapf(ErrInvalidArgument, "negative unpersisted bytes bound %d", unpersistedBytesBound)
	}

	var start int64
	if s, ok := fp.(io.Seeker); ok {
		pos, err := s.Seek(0, io.SeekCurrent)
		if err != nil {
			return nil, errors.Wrap(err, "get current file offset")
		}
		start = pos
	}

	c := &BufferedChannel{
		name:                  "default",
		fp:                    fp,
		writeCapacity:         writeCapacity,
		unpersistedBytesBound: unpersistedBytesBound,
		buffer:                make([]byte, 0, writeCapacity),
		fileChannelPosition:   start,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// threshold returns the number of unpersisted bytes that triggers a flush
// and sync, 0 when only a full buffer triggers a flush.
func (c *BufferedChannel) threshold() int64 {
	if c.unpersistedBytesBound == 0 {
		return 0
	}
	if int64(c.writeCapacity) < c.unpersistedBytesBound {
		return int64(c.writeCapacity)
	}
	return c.unpersistedBytesBound
}

// Write appends all of src. The returned count is the number of bytes
// accepted into the channel; Position always grows by exactly that amount.
// On a flush or sync failure the bytes accepted so far stay buffered and
// the error is returned.
func (c *BufferedChannel) Write(src []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, ErrClosed
	}
	if c.writeCapacity == 0 {
		return c.writeThrough(src)
	}

	threshold := c.threshold()
	// a write that does not fit in the free space also writes out the last
	// buffer it fills, one that fits stays buffered
	overflow := len(src) > c.writeCapacity-len(c.buffer)
	written := 0
	for written < len(src) {
		// a previous failure may have left the buffer full or the bound reached
		if threshold > 0 && c.unpersistedBytes >= threshold {
			if err := c.flushAndSync(); err != nil {
				return written, err
			}
		}
		if len(c.buffer) == c.writeCapacity {
			if err := c.flush(); err != nil {
				return written, err
			}
		}

		n := len(src) - written
		if room := c.writeCapacity - len(c.buffer); n > room {
			n = room
		}
		if threshold > 0 {
			if left := threshold - c.unpersistedBytes; int64(n) > left {
				n = int(left)
			}
		}
		c.buffer = append(c.buffer, src[written:written+n]...)
		c.unpersistedBytes += int64(n)
		written += n

		if threshold > 0 && c.unpersistedBytes >= threshold {
			if err := c.flushAndSync(); err != nil {
				return written, err
			}
		} else if threshold == 0 && overflow && len(c.buffer) == c.writeCapacity {
			if err := c.flush(); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

// writeThrough handles the unbuffered mode: src goes to the file in one call.
func (c *BufferedChannel) writeThrough(src []byte) (int, error) {
	if len(src) == 0 {
		return 0, nil
	}
	if _, err := c.fp.WriteAt(src, c.fileChannelPosition); err != nil {
		return 0, errors.Wrapf(err, "%s: write %d bytes at offset %d", c.name, len(src), c.fileChannelPosition)
	}
	c.fileChannelPosition += int64(len(src))
	c.unpersistedBytes += int64(len(src))
	metrics.ChannelFlushedBytesTotal.WithLabelValues(c.name).Add(float64(len(src)))

	if c.unpersistedBytesBound > 0 {
		if err := c.sync(); err != nil {
			return len(src), err
		}
	}
	return len(src), nil
}

// flush hands the buffer to the file. Nothing changes on failure.
func (c *BufferedChannel) flush() error {
	if len(c.buffer) == 0 {
		return nil
	}
	if _, err := c.fp.WriteAt(c.buffer, c.fileChannelPosition); err != nil {
		return errors.Wrapf(err, "%s: flush %d bytes at offset %d", c.name, len(c.buffer), c.fileChannelPosition)
	}
	c.fileChannelPosition += int64(len(c.buffer))
	metrics.ChannelFlushedBytesTotal.WithLabelValues(c.name).Add(float64(len(c.buffer)))
	c.buffer = c.buffer[:0]
	return nil
}

func (c *BufferedChannel) sync() error {
	start := time.Now()
	if err := c.fp.Sync(); err != nil {
		return errors.Wrapf(err, "%s: sync", c.name)
	}
	metrics.ChannelSyncDuration.WithLabelValues(c.name).Observe(time.Since(start).Seconds())
	c.unpersistedBytes = 0
	return nil
}

func (c *BufferedChannel) flushAndSync() error {
	if err := c.flush(); err != nil {
		return err
	}
	return c.sync()
}

// Flush writes the buffered bytes to the file without syncing it.
func (c *BufferedChannel) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	return c.flush()
}

// ForceSync flushes the buffer and syncs the file; every byte written so
// far is durable once it returns nil.
func (c *BufferedChannel) ForceSync() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	return c.flushAndSync()
}

// ReadAt reads len(p) bytes starting at pos, from the file for the flushed
// range and from the write buffer for the rest. It returns io.EOF when the
// range goes past Position.
func (c *BufferedChannel) ReadAt(p []byte, pos int64) (int, error) {
	if pos < 0 {
		return 0, errors.Wrapf(ErrInvalidArgument, "negative offset %d", pos)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	read := 0
	for read < len(p) {
		cur := pos + int64(read)
		if cur < c.fileChannelPosition {
			want := len(p) - read
			if inFile := c.fileChannelPosition - cur; int64(want) > inFile {
				want = int(inFile)
			}
			n, err := c.fp.ReadAt(p[read:read+want], cur)
			read += n
			if n < want {
				if err == nil {
					err = io.ErrUnexpectedEOF
				}
				return read, errors.Wrapf(err, "%s: read %d bytes at offset %d", c.name, want, cur)
			}
			continue
		}

		off := cur - c.fileChannelPosition
		if off >= int64(len(c.buffer)) {
			return read, io.EOF
		}
		read += copy(p[read:], c.buffer[off:])
	}
	return read, nil
}

// Close flushes the buffer and closes the file. The file is closed even
// when the flush fails.
func (c *BufferedChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	flushErr := c.flush()
	if flushErr != nil {
		log.Error("%s: failed to write buffer before closing. err=%v", c.name, flushErr)
	}
	if err := c.fp.Close(); err != nil {
		if flushErr != nil {
			return flushErr
		}
		return errors.Wrapf(err, "%s: close", c.name)
	}
	return flushErr
}

// Position is the offset the next written byte will land at.
func (c *BufferedChannel) Position() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fileChannelPosition + int64(len(c.buffer))
}

// FileChannelPosition is the number of bytes handed to the file so far.
func (c *BufferedChannel) FileChannelPosition() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fileChannelPosition
}

// NumBytesInWriteBuffer is the number of bytes not yet handed to the file.
func (c *BufferedChannel) NumBytesInWriteBuffer() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(len(c.buffer))
}

// UnpersistedBytes is the number of bytes written since the last sync.
func (c *BufferedChannel) UnpersistedBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unpersistedBytes
}

// State returns all position counters in one consistent snapshot.
func (c *BufferedChannel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		Position:              c.fileChannelPosition + int64(len(c.buffer)),
		FileChannelPosition:   c.fileChannelPosition,
		NumBytesInWriteBuffer: int64(len(c.buffer)),
		UnpersistedBytes:      c.unpersistedBytes,
	}
}

// WriteCapacity is the size of the write buffer, 0 when unbuffered.
func (c *BufferedChannel) WriteCapacity() int {
	return c.writeCapacity
}

// Name is the label used in logs and metrics.
func (c *BufferedChannel) Name() string {
	return c.name
}
