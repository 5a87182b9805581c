// Package dispatch provides the per-room ordered task queue. Every
// state-changing call and every scheduled job for a room runs on the
// same single goroutine, so commands, token refreshes and watchdog
// ticks never overlap for the same room.
package dispatch

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrClosed = errors.New("dispatch: queue is closed")

	// ErrDrainTimeout is returned by Close when pending tasks did not
	// finish within the allotted wait.
	ErrDrainTimeout = errors.New("dispatch: queue did not drain in time")
)

type Queue struct {
	tasks chan func()
	quit  chan struct{}
	done  chan struct{}

	mu     sync.RWMutex
	closed bool

	tickers sync.WaitGroup
}

func NewQueue() *Queue {
	q := &Queue{
		tasks: make(chan func(), 128),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go q.run()
	return q
}

// Submit enqueues fn for execution after all previously submitted
// tasks. It blocks only until the task is enqueued, never until it
// runs.
func (q *Queue) Submit(fn func()) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	q.tasks <- fn
	return nil
}

// Every runs fn on the queue at the given interval until the queue is
// closed. The first run happens one interval after the call.
func (q *Queue) Every(interval time.Duration, fn func()) {
	q.tickers.Add(1)
	go func() {
		defer q.tickers.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				if err := q.Submit(fn); err != nil {
					return
				}
			case <-q.quit:
				return
			}
		}
	}()
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		select {
		case fn := <-q.tasks:
			fn()
		case <-q.quit:
			// No new tasks can be enqueued once quit is closed, so a
			// single drain pass empties the queue.
			for {
				select {
				case fn := <-q.tasks:
					fn()
				default:
					return
				}
			}
		}
	}
}

// Close stops the queue, runs the tasks already enqueued and waits up
// to wait for them to finish. It is safe to call more than once.
func (q *Queue) Close(wait time.Duration) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.quit)
	}
	q.mu.Unlock()

	q.tickers.Wait()
	select {
	case <-q.done:
		return nil
	case <-time.After(wait):
		return ErrDrainTimeout
	}
}
