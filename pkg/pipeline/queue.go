package pipeline

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/itohio/capgrid/pkg/sample"
)

// Queue is a bounded FIFO of samples between the reader and the writer.
// Push never blocks longer than its timeout; samples that do not fit are
// dropped and counted as lost.
type Queue struct {
	ch        chan sample.Sample
	lost      atomic.Uint64
	closeOnce sync.Once
}

// NewQueue creates a queue holding at most capacity samples.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{ch: make(chan sample.Sample, capacity)}
}

// Push enqueues s, waiting at most timeout for room. It reports whether the
// sample was accepted. Push must not be called after Close.
func (q *Queue) Push(s sample.Sample, timeout time.Duration) bool {
	select {
	case q.ch <- s:
		return true
	default:
	}
	if timeout <= 0 {
		q.lost.Add(1)
		return false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case q.ch <- s:
		return true
	case <-timer.C:
		q.lost.Add(1)
		return false
	}
}

// C returns the receive side. It is closed by Close once the producer is done.
func (q *Queue) C() <-chan sample.Sample {
	return q.ch
}

// Len returns the number of queued samples.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return cap(q.ch)
}

// Lost returns the number of samples dropped by Push.
func (q *Queue) Lost() uint64 {
	return q.lost.Load()
}

// Close marks the end of the stream. Only the producer may call it.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.ch) })
}
