package llm

import (
	"context"
	"io"
	"sync"
)

// Stream yields canonical events until io.EOF. Streams are finite and
// non-restartable; the consumer controls pacing by iteration.
type Stream interface {
	Recv() (Event, error)
	Close() error
}

// eventStream runs a producer function in a goroutine and exposes its events
// through Recv. The producer returning nil ends the stream with io.EOF; a
// non-nil return surfaces as the Recv error. Closing cancels the producer.
type eventStream struct {
	events <-chan Event
	errc   <-chan error
	cancel context.CancelFunc

	mu   sync.Mutex
	err  error
	done bool
}

// NewEventStream starts producer and returns a Stream over its output.
// The producer must return promptly once its context is cancelled.
func NewEventStream(ctx context.Context, producer func(ctx context.Context, events chan<- Event) error) Stream {
	ctx, cancel := context.WithCancel(ctx)
	events := make(chan Event)
	errc := make(chan error, 1)

	go func() {
		defer close(events)
		errc <- producer(ctx, events)
	}()

	return &eventStream{events: events, errc: errc, cancel: cancel}
}

func (s *eventStream) Recv() (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		if s.err != nil {
			return Event{}, s.err
		}
		return Event{}, io.EOF
	}

	event, ok := <-s.events
	if !ok {
		s.done = true
		if err := <-s.errc; err != nil {
			s.err = err
			return Event{}, err
		}
		return Event{}, io.EOF
	}
	return event, nil
}

func (s *eventStream) Close() error {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.done {
		// Drain so the producer goroutine can exit.
		for range s.events {
		}
		<-s.errc
		s.done = true
		s.err = io.EOF
	}
	return nil
}
