package wal

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

/*
	Frame layout, little endian:

	| body length uint32 | xxhash64 of body uint64 | body ... |

	A journal record is a frame whose body is

	| group id int64 | member id int64 | payload ... |
*/

const (
	FrameHeaderSize  = 4 + 8
	recordHeaderSize = 8 + 8
	// MaxFrameSize bounds the body length accepted by readers so that a
	// corrupted length does not turn into a huge allocation.
	MaxFrameSize = 1 << 30
)

var byteOrder = binary.LittleEndian

// AppendFrame appends body framed with its length and checksum to dst.
func AppendFrame(dst, body []byte) []byte {
	var hdr [FrameHeaderSize]byte
	byteOrder.PutUint32(hdr[0:4], uint32(len(body)))
	byteOrder.PutUint64(hdr[4:12], xxhash.Sum64(body))
	dst = append(dst, hdr[:]...)
	return append(dst, body...)
}

// ParseFrameHeader returns the body length and checksum stored in hdr.
func ParseFrameHeader(hdr []byte) (bodyLen int, sum uint64, err error) {
	if len(hdr) < FrameHeaderSize {
		return 0, 0, ShortReadError("frame header")
	}
	n := byteOrder.Uint32(hdr[0:4])
	if n > MaxFrameSize {
		return 0, 0, ChecksumError("frame length out of range")
	}
	return int(n), byteOrder.Uint64(hdr[4:12]), nil
}

// VerifyFrame checks body against the checksum from its header.
func VerifyFrame(body []byte, sum uint64) error {
	if xxhash.Sum64(body) != sum {
		return ChecksumError("frame body")
	}
	return nil
}

// ReadFrame reads one frame from r. It returns io.EOF when r ends exactly
// at a frame boundary and ShortReadError when it ends inside a frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ShortReadError("frame header")
		}
		return nil, errors.Wrap(err, "read frame header")
	}
	n, sum, err := ParseFrameHeader(hdr[:])
	if err != nil {
		return nil, err
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ShortReadError("frame body")
		}
		return nil, errors.Wrap(err, "read frame body")
	}
	if err := VerifyFrame(body, sum); err != nil {
		return nil, err
	}
	return body, nil
}

// Record is one journaled entry.
type Record struct {
	GroupID  int64
	MemberID int64
	Payload  []byte
}

// AppendRecord appends the framed record to dst.
func AppendRecord(dst []byte, r Record) []byte {
	start := len(dst)
	bodyLen := recordHeaderSize + len(r.Payload)
	dst = append(dst, make([]byte, FrameHeaderSize+recordHeaderSize)...)
	dst = append(dst, r.Payload...)

	body := dst[start+FrameHeaderSize:]
	byteOrder.PutUint64(body[0:8], uint64(r.GroupID))
	byteOrder.PutUint64(body[8:16], uint64(r.MemberID))

	hdr := dst[start : start+FrameHeaderSize]
	byteOrder.PutUint32(hdr[0:4], uint32(bodyLen))
	byteOrder.PutUint64(hdr[4:12], xxhash.Sum64(body))
	return dst
}

// RecordSize returns the number of bytes AppendRecord adds for a payload of n bytes.
func RecordSize(n int) int {
	return FrameHeaderSize + recordHeaderSize + n
}

// DecodeRecord parses a frame body written by AppendRecord. The payload
// aliases body.
func DecodeRecord(body []byte) (Record, error) {
	if len(body) < recordHeaderSize {
		return Record{}, ChecksumError("record shorter than its header")
	}
	return Record{
		GroupID:  int64(byteOrder.Uint64(body[0:8])),
		MemberID: int64(byteOrder.Uint64(body[8:16])),
		Payload:  body[recordHeaderSize:],
	}, nil
}

// Reader reads journal records sequentially.
type Reader struct {
	r      *bufio.Reader
	offset int64
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Next returns the next record and the offset it starts at. Errors are
// those of ReadFrame.
func (rd *Reader) Next() (Record, int64, error) {
	body, err := ReadFrame(rd.r)
	if err != nil {
		return Record{}, rd.offset, err
	}
	rec, err := DecodeRecord(body)
	if err != nil {
		return Record{}, rd.offset, err
	}
	off := rd.offset
	rd.offset += int64(FrameHeaderSize + len(body))
	return rec, off, nil
}

// Offset returns the offset right after the last record returned by Next.
func (rd *Reader) Offset() int64 {
	return rd.offset
}
