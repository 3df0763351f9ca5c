package executor

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"

	"github.com/alpacahq/bookie/utils/log"
)

// ErrRetryable marks an error after which the Retryer tries again.
var ErrRetryable = errors.New("retryable storage error")

type retryableError struct {
	err error
}

func (e retryableError) Error() string        { return e.err.Error() }
func (e retryableError) Unwrap() error        { return e.err }
func (e retryableError) Is(target error) bool { return target == ErrRetryable }

// Retryable wraps err so that errors.Is(err, ErrRetryable) holds. nil stays nil.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return retryableError{err: err}
}

type Retryer struct {
	retryFunc    func(ctx context.Context) error
	interval     time.Duration
	backoffCoeff int
	maxInterval  time.Duration
}

func NewRetryer(retryFunc func(ctx context.Context) error, interval time.Duration, backoffCoeff int) *Retryer {
	const maxIntervalFactor = 100
	return &Retryer{
		retryFunc:    retryFunc,
		interval:     interval,
		backoffCoeff: backoffCoeff,
		maxInterval:  interval * maxIntervalFactor,
	}
}

// Run tries the Retryer until it succeeds, it returns unretriable error, or the context is canceled.
func (r *Retryer) Run(ctx context.Context) error {
	cnt := -1
	for {
		cnt++
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "retry canceled")
		default:
		}

		err := r.retryFunc(ctx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrRetryable) {
			log.Warn("caught a non-retryable error: %v", err)
			return err
		}

		interval := retryInterval(r.interval, r.backoffCoeff, cnt)
		if interval > r.maxInterval {
			interval = r.maxInterval
		}
		log.Warn("caught a retryable error. It will be retried after an interval:%d[ms], err=%v",
			interval.Milliseconds(), err)
		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return errors.Wrapf(ctx.Err(), "retry canceled, last error: %v", err)
		case <-t.C:
		}
	}
}

func retryInterval(interval time.Duration, backoffCoeff, retryCount int) time.Duration {
	coeff := math.Pow(float64(backoffCoeff), float64(retryCount))
	intervalMilliSec := float64(interval.Milliseconds())
	return time.Duration(intervalMilliSec*coeff) * time.Millisecond
}
