package stream

import (
	"context"
	"sync"

	"careledger.org/internal/consent"
)

// Stream fan-outs committed ledger events to all active subscribers
// (SSE clients, background archivers). It satisfies consent.EventSink.
type Stream struct {
	mu     sync.RWMutex
	subs   map[int]chan consent.Event
	next   int
	closed bool
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan consent.Event)}
}

var _ consent.EventSink = (*Stream)(nil)

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends or the stream
// shuts down.
func (s *Stream) Subscribe(ctx context.Context) <-chan consent.Event {
	ch := make(chan consent.Event, 16)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch
	}
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers. The ledger calls this under
// its lock, so delivery never blocks.
func (s *Stream) Publish(evt consent.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

// Close disconnects every subscriber. Further publishes are dropped.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}
