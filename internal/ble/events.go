package ble

import "sync"

// stream delivers events to a single consumer in emission order without ever
// blocking the emitter. A pump goroutine moves events from an unbounded
// backlog to the output channel; close ends the stream after the backlog is
// drained, discard ends it at once.
type stream[T any] struct {
	out   chan T
	abort chan struct{}

	mu        sync.Mutex
	backlog   []T
	closed    bool
	discarded bool
	wake      chan struct{}
}

func newStream[T any]() *stream[T] {
	s := &stream[T]{
		out:   make(chan T),
		abort: make(chan struct{}),
		wake:  make(chan struct{}, 1),
	}
	go s.pump()
	return s
}

// C returns the receive side of the stream.
func (s *stream[T]) C() <-chan T { return s.out }

// emit queues ev. Events emitted after close are dropped.
func (s *stream[T]) emit(ev T) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.backlog = append(s.backlog, ev)
	s.mu.Unlock()
	s.signal()
}

// close marks the stream finished. Queued events are still delivered.
func (s *stream[T]) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.signal()
}

// discard drops everything still queued and closes the output, so a consumer
// that stopped reading does not pin the pump goroutine.
func (s *stream[T]) discard() {
	s.mu.Lock()
	s.closed = true
	s.backlog = nil
	if s.discarded {
		s.mu.Unlock()
		return
	}
	s.discarded = true
	s.mu.Unlock()
	close(s.abort)
}

func (s *stream[T]) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *stream[T]) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		batch := s.backlog
		s.backlog = nil
		closed := s.closed
		s.mu.Unlock()

		for _, ev := range batch {
			select {
			case s.out <- ev:
			case <-s.abort:
				return
			}
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		select {
		case <-s.wake:
		case <-s.abort:
			return
		}
	}
}
