package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// pending is one in-flight correlation.
type pending struct {
	id     string
	action string
	events *eventQueue // nil for unary calls

	once   sync.Once
	done   chan struct{}
	result json.RawMessage
	err    error
}

func newPending(id, action string, streaming bool) *pending {
	p := &pending{id: id, action: action, done: make(chan struct{})}
	if streaming {
		p.events = newEventQueue()
	}
	return p
}

// settle records the terminal outcome. The event queue is closed after the
// outcome is visible, so a consumer that sees the end of Events can always
// read the result.
func (p *pending) settle(result json.RawMessage, err error) bool {
	settled := false
	p.once.Do(func() {
		p.result, p.err = result, err
		close(p.done)
		if p.events != nil {
			p.events.close()
		}
		settled = true
	})
	return settled
}

func (p *pending) detach() {
	if p.events != nil {
		p.events.detach()
	}
}

// eventQueue is an unbounded FIFO drained into out by a pump goroutine, so a
// slow consumer never stalls the shared reader.
type eventQueue struct {
	mu     sync.Mutex
	items  []json.RawMessage
	closed bool

	signal   chan struct{}
	out      chan json.RawMessage
	stop     chan struct{}
	stopOnce sync.Once
}

func newEventQueue() *eventQueue {
	q := &eventQueue{
		signal: make(chan struct{}, 1),
		out:    make(chan json.RawMessage),
		stop:   make(chan struct{}),
	}
	go q.pump()
	return q
}

func (q *eventQueue) push(ev json.RawMessage) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, ev)
	q.mu.Unlock()
	q.notify()
}

func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notify()
}

func (q *eventQueue) detach() {
	q.stopOnce.Do(func() { close(q.stop) })
}

func (q *eventQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *eventQueue) pump() {
	defer close(q.out)
	for {
		q.mu.Lock()
		items := q.items
		q.items = nil
		closed := q.closed
		q.mu.Unlock()

		for _, it := range items {
			select {
			case q.out <- it:
			case <-q.stop:
				return
			}
		}
		if closed {
			return
		}
		select {
		case <-q.signal:
		case <-q.stop:
			return
		}
	}
}

// Stream is a streaming call: interim events plus one terminal result.
type Stream struct {
	conn *Conn
	p    *pending
}

// ID returns the correlation identifier of the call.
func (s *Stream) ID() string { return s.p.id }

// Events yields interim event payloads in arrival order. The channel is
// closed exactly once, after the terminal outcome has settled.
func (s *Stream) Events() <-chan json.RawMessage { return s.p.events.out }

// Done is closed when the terminal outcome is known.
func (s *Stream) Done() <-chan struct{} { return s.p.done }

// Wait blocks for the terminal result. Cancelling ctx detaches the call.
func (s *Stream) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-s.p.done:
	case <-ctx.Done():
		s.conn.cancel(s.p.id, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err()))
		<-s.p.done
	}
	return s.p.result, s.p.err
}

// Close detaches from the call. Pending events are dropped and Events is
// closed; the worker-side operation keeps running.
func (s *Stream) Close() {
	s.conn.cancel(s.p.id, ErrCancelled)
	s.p.detach()
}
