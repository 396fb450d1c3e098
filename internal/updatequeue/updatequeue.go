// Package updatequeue provides an unbounded FIFO between a producer that
// must never block and a consumer of unpredictable speed. Messages are
// buffered in memory while the consumer lags.
package updatequeue

// Queue relays values from In to Out in order, growing an internal buffer
// as needed. Closing In drains the buffer to Out, then closes Out.
type Queue[T any] struct {
	in  chan T
	out chan T
}

// New creates a Queue and starts its relay goroutine.
func New[T any]() *Queue[T] {
	q := &Queue[T]{
		in:  make(chan T),
		out: make(chan T),
	}
	go q.run()
	return q
}

// In returns the send side. It never blocks for long: sends only wait for
// the relay goroutine to buffer the value.
func (q *Queue[T]) In() chan<- T { return q.in }

// Out returns the receive side.
func (q *Queue[T]) Out() <-chan T { return q.out }

func (q *Queue[T]) run() {
	var buf []T
	head := 0
	for {
		if head == len(buf) {
			v, ok := <-q.in
			if !ok {
				close(q.out)
				return
			}
			buf = buf[:0]
			head = 0
			buf = append(buf, v)
			continue
		}
		select {
		case q.out <- buf[head]:
			buf[head] = *new(T) // allow GC of delivered values
			head++
		case v, ok := <-q.in:
			if !ok {
				for _, pending := range buf[head:] {
					q.out <- pending
				}
				close(q.out)
				return
			}
			buf = append(buf, v)
		}
	}
}
