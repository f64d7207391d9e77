package remote

import (
	"context"
	"sync"
)

// Stream is a channel-backed Watch that backends feed from their own goroutines.
type Stream struct {
	events chan Event
	errs   chan error
	done   chan struct{}
	ended  chan struct{}

	mu      sync.Mutex
	stopped bool
	onStop  func() error
	stopErr error
	wg      sync.WaitGroup
}

// NewStream returns a stream with the given event buffer. onStop, if non-nil, runs once
// when the stream is stopped, before the channels close.
func NewStream(buffer int, onStop func() error) *Stream {
	return &Stream{
		events: make(chan Event, buffer),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
		ended:  make(chan struct{}),
		onStop: onStop,
	}
}

func (s *Stream) Events() <-chan Event { return s.events }
func (s *Stream) Errors() <-chan error { return s.errs }

// Done is closed when Stop is called. Producers select on it.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Go runs a producer goroutine that Stop waits for before closing the channels.
func (s *Stream) Go(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// Emit delivers an event, blocking until the consumer takes it or the stream stops.
// It reports whether the event was delivered.
func (s *Stream) Emit(ev Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// Fail reports a subscription failure. Only the first pending failure is kept.
func (s *Stream) Fail(err error) {
	if err == nil {
		return
	}
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.errs <- err:
	default:
	}
}

// Stop ends the stream. It is safe to call more than once; later calls wait for the
// first and return its result. Producers started with Go must not call Stop.
func (s *Stream) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		<-s.ended
		return s.stopErr
	}
	s.stopped = true
	close(s.done)
	s.mu.Unlock()

	var err error
	if s.onStop != nil {
		err = s.onStop()
	}
	s.wg.Wait()
	close(s.events)

	s.stopErr = err
	close(s.ended)
	return err
}

// StopOnDone stops the stream when ctx is cancelled.
func (s *Stream) StopOnDone(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Stop()
		case <-s.done:
		}
	}()
}
