package bufchan

import "github.com/pkg/errors"

var (
	ErrInvalidArgument = errors.New("bufchan: invalid argument")
	ErrClosed          = errors.New("bufchan: channel closed")
)
