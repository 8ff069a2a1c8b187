// ABOUTME: Unbounded FIFO with a single delivery goroutine, shared by in-memory ports.
// ABOUTME: Push never blocks; envelopes buffer until the queue is started and has a listener.

package transport

import (
	"sort"
	"sync"
)

// Queue delivers pushed envelopes to its listeners in order, one at a time.
type Queue struct {
	mu       sync.Mutex
	items    []Envelope
	handlers map[int]Handler
	nextID   int
	started  bool
	closed   bool

	wake chan struct{}
	done chan struct{}
}

// NewQueue creates a queue. With startNow false, delivery begins on the
// first Listen call, matching channels that buffer until someone listens.
func NewQueue(startNow bool) *Queue {
	q := &Queue{
		handlers: make(map[int]Handler),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	if startNow {
		q.start()
	}
	return q
}

// Push appends env for delivery.
func (q *Queue) Push(env Envelope) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.items = append(q.items, env)
	q.mu.Unlock()

	q.signal()
	return nil
}

// Listen registers h and starts delivery if it has not started yet.
// The returned stop function is safe to call more than once.
func (q *Queue) Listen(h Handler) (stop func()) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return func() {}
	}
	id := q.nextID
	q.nextID++
	q.handlers[id] = h
	q.mu.Unlock()

	q.start()
	q.signal()

	var once sync.Once
	return func() {
		once.Do(func() {
			q.mu.Lock()
			delete(q.handlers, id)
			q.mu.Unlock()
		})
	}
}

// Len reports how many envelopes are waiting for delivery.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops delivery and drops anything still buffered.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.items = nil
	q.handlers = map[int]Handler{}
	q.mu.Unlock()

	close(q.done)
}

func (q *Queue) start() {
	q.mu.Lock()
	if q.started || q.closed {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()

	go q.run()
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) run() {
	for {
		env, handlers, ok := q.next()
		if !ok {
			select {
			case <-q.wake:
				continue
			case <-q.done:
				return
			}
		}
		for _, h := range handlers {
			h(env)
		}
	}
}

// next pops the head envelope when there is someone to deliver it to.
// Handlers are returned in registration order.
func (q *Queue) next() (Envelope, []Handler, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || len(q.items) == 0 || len(q.handlers) == 0 {
		return Envelope{}, nil, false
	}

	env := q.items[0]
	q.items[0] = Envelope{}
	q.items = q.items[1:]

	ids := make([]int, 0, len(q.handlers))
	for id := range q.handlers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, q.handlers[id])
	}
	return env, handlers, true
}
