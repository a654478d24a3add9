package monitor

import "sync"

// effectQueue runs queued functions in order on a single goroutine. Pushing
// never blocks, so a slow store only delays the queue, never the caller.
type effectQueue struct {
	mu      sync.Mutex
	pending []func()
	closed  bool
	wake    chan struct{}
	done    chan struct{}
}

func newEffectQueue() *effectQueue {
	q := &effectQueue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

// push appends fns to the queue. It reports false once the queue is closed.
func (q *effectQueue) push(fns ...func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.pending = append(q.pending, fns...)
	q.mu.Unlock()

	q.signal()
	return true
}

// close stops accepting work. Already queued functions still run.
func (q *effectQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// flush waits until everything queued before the call has run.
func (q *effectQueue) flush() {
	ran := make(chan struct{})
	if !q.push(func() { close(ran) }) {
		<-q.done
		return
	}
	select {
	case <-ran:
	case <-q.done:
	}
}

func (q *effectQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *effectQueue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		batch := q.pending
		q.pending = nil
		closed := q.closed
		q.mu.Unlock()

		if len(batch) == 0 {
			if closed {
				return
			}
			<-q.wake
			continue
		}
		for _, fn := range batch {
			fn()
		}
	}
}
