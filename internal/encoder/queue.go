package encoder

import (
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// outputQueue is the bounded output side shared by the replay encoders.
type outputQueue struct {
	mu       sync.Mutex
	items    []Output
	capacity int
	eos      bool
	eosSent  bool
	ready    chan struct{}
	clk      clock.Clock
}

func newOutputQueue(capacity int, clk clock.Clock) *outputQueue {
	if capacity <= 0 {
		capacity = 8
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &outputQueue{
		capacity: capacity,
		ready:    make(chan struct{}, 1),
		clk:      clk,
	}
}

// full reports whether another data unit would exceed the capacity.
func (q *outputQueue) full() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) >= q.capacity
}

func (q *outputQueue) push(out Output) {
	q.mu.Lock()
	q.items = append(q.items, out)
	q.mu.Unlock()
	q.wake()
}

func (q *outputQueue) endOfInput() {
	q.mu.Lock()
	q.eos = true
	q.mu.Unlock()
	q.wake()
}

func (q *outputQueue) wake() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *outputQueue) take() (Output, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) > 0 {
		out := q.items[0]
		q.items[0] = Output{}
		q.items = q.items[1:]
		return out, true
	}
	if q.eos && !q.eosSent {
		q.eosSent = true
		return Output{Kind: OutputEndOfStream}, true
	}
	return Output{Kind: OutputNone}, false
}

// drain returns the next output, waiting at most timeout for one.
func (q *outputQueue) drain(timeout time.Duration) Output {
	if out, ok := q.take(); ok || timeout <= 0 {
		return out
	}
	select {
	case <-q.ready:
	case <-q.clk.After(timeout):
	}
	out, _ := q.take()
	return out
}

func (q *outputQueue) reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
	q.eos = false
	q.eosSent = false
}
