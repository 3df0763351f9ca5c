package pool

import (
	"sync"
	"sync/atomic"

	"github.com/alpacahq/bookie/utils/log"
)

// Task is one entry to be written by a pool worker.
type Task struct {
	GroupID  int64
	MemberID int64
	Payload  []byte
}

// Pool runs a job on incoming tasks with a bounded number of goroutines.
type Pool struct {
	workerQ chan struct{}
	f       func(t Task) error
	wg      sync.WaitGroup

	done   int64
	failed int64

	errOnce  sync.Once
	firstErr error
}

// NewPool creates a new worker pool with a goroutine limit
// and a job function to execute on the incoming tasks.
func NewPool(routines int, job func(t Task) error) *Pool {
	if routines < 1 {
		routines = 1
	}
	q := make(chan struct{}, routines)
	for i := 0; i < routines; i++ {
		q <- struct{}{}
	}
	return &Pool{
		workerQ: q,
		f:       job,
	}
}

// Work is a blocking call that starts the
// pool working on a task channel until it is closed.
func (p *Pool) Work(c <-chan Task) {
	for t := range c {
		<-p.workerQ
		p.wg.Add(1)
		go func(t Task) {
			defer p.wg.Done()
			if err := p.f(t); err != nil {
				atomic.AddInt64(&p.failed, 1)
				p.errOnce.Do(func() { p.firstErr = err })
				log.Debug("task %d@%d failed: %v", t.MemberID, t.GroupID, err)
			} else {
				atomic.AddInt64(&p.done, 1)
			}
			p.workerQ <- struct{}{}
		}(t)
	}
}

// Wait waits until the pool is finished and returns the first job error.
func (p *Pool) Wait() error {
	p.wg.Wait()
	return p.firstErr
}

// Done returns the number of tasks whose job succeeded.
func (p *Pool) Done() int64 {
	return atomic.LoadInt64(&p.done)
}

// Failed returns the number of tasks whose job returned an error.
func (p *Pool) Failed() int64 {
	return atomic.LoadInt64(&p.failed)
}
