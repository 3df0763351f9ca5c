package executor

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/alpacahq/bookie/utils"
	"github.com/alpacahq/bookie/utils/log"
)

// ErrSyncerStopped is returned by RequestFlush once Run has returned.
var ErrSyncerStopped = errors.New("syncer stopped")

// FlushSyncer is the storage a Syncer drives.
type FlushSyncer interface {
	SyncJournal() error
	Flush() error
	NeedsFlush(ratio float64) bool
}

// Syncer group-commits the journal and drains the write cache into the
// entry log in the background.
type Syncer struct {
	storage             FlushSyncer
	journalSyncInterval time.Duration
	cfg                 utils.FlushConfig
	requests            chan chan error
	done                chan struct{}
}

func NewSyncer(storage FlushSyncer, journalSyncInterval time.Duration, cfg utils.FlushConfig) *Syncer {
	return &Syncer{
		storage:             storage,
		journalSyncInterval: journalSyncInterval,
		cfg:                 cfg,
		requests:            make(chan chan error),
		done:                make(chan struct{}),
	}
}

func newTicker(d time.Duration) (*time.Ticker, <-chan time.Time) {
	if d <= 0 {
		return nil, nil
	}
	t := time.NewTicker(d)
	return t, t.C
}

// Run syncs the journal every journal sync interval, flushes every flush
// interval and whenever the active cache crosses the flush threshold, and
// serves RequestFlush. When ctx is done it syncs and flushes one last time
// and returns the error of that final flush.
func (s *Syncer) Run(ctx context.Context) error {
	const (
		numTickerCheckPerFlush = 100
		minCheckInterval       = time.Millisecond
	)
	defer close(s.done)

	checkInterval := s.cfg.Interval / numTickerCheckPerFlush
	if checkInterval < minCheckInterval {
		checkInterval = minCheckInterval
	}
	tickerJournal, journalC := newTicker(s.journalSyncInterval)
	tickerFlush, flushC := newTicker(s.cfg.Interval)
	tickerCheck, checkC := newTicker(checkInterval)
	defer func() {
		for _, t := range []*time.Ticker{tickerJournal, tickerFlush, tickerCheck} {
			if t != nil {
				t.Stop()
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info("Syncing journal and flushing write cache before shutdown...")
			if err := s.storage.SyncJournal(); err != nil {
				log.Error("[shutdown] failed to sync journal: %v", err)
			}
			if err := s.storage.Flush(); err != nil {
				log.Error("[shutdown] failed to flush write cache: %v", err)
				return err
			}
			return nil
		case <-journalC:
			if err := s.storage.SyncJournal(); err != nil {
				log.Error("[tickerJournal] failed to sync journal: %v", err)
			}
		case <-flushC:
			if err := s.flush(ctx); err != nil {
				log.Error("[tickerFlush] failed to flush write cache: %v", err)
			}
		case <-checkC:
			if s.storage.NeedsFlush(s.cfg.ThresholdRatio) {
				if err := s.flush(ctx); err != nil {
					log.Error("[tickerCheck] failed to flush write cache: %v", err)
				}
			}
		case res := <-s.requests:
			res <- s.flush(ctx)
		}
	}
}

func (s *Syncer) flush(ctx context.Context) error {
	r := NewRetryer(func(context.Context) error {
		return s.storage.Flush()
	}, s.cfg.RetryInterval, s.cfg.RetryBackoff)
	return r.Run(ctx)
}

// RequestFlush asks Run to flush now and waits for the result.
func (s *Syncer) RequestFlush(ctx context.Context) error {
	res := make(chan error, 1)
	select {
	case s.requests <- res:
	case <-s.done:
		return ErrSyncerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
