package writecache

import "github.com/pkg/errors"

var (
	// ErrInvalidArgument is returned for negative keys, nil entries and
	// non-positive sizes. Capacity rejections are not errors, see Put.
	ErrInvalidArgument = errors.New("writecache: invalid argument")

	// ErrClosed is returned by Put once the cache has been closed.
	ErrClosed = errors.New("writecache: closed")
)
