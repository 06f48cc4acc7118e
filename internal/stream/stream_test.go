package stream

import (
	"context"
	"testing"
	"time"

	"careledger.org/internal/consent"
)

func TestSubscribeReceivesPublished(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := s.Subscribe(ctx)
	evt := consent.Event{Sequence: 1, Type: consent.EventGrantCreated, RecordID: "r1"}
	s.Publish(evt)

	select {
	case got := <-ch:
		if got.Sequence != 1 || got.Type != consent.EventGrantCreated {
			t.Fatalf("unexpected event: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_ = s.Subscribe(ctx)

	done := make(chan struct{})
	go func() {
		// Well past the channel buffer; must never block the publisher.
		for i := 0; i < 100; i++ {
			s.Publish(consent.Event{Sequence: uint64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
}

func TestCloseDisconnectsSubscribers(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := s.Subscribe(ctx)
	s.Close()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel after Close")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after Close")
	}

	// Further publishes and subscriptions are inert.
	s.Publish(consent.Event{Sequence: 9})
	if _, ok := <-s.Subscribe(ctx); ok {
		t.Fatal("subscription on a closed stream should be closed immediately")
	}
	s.Close()
}

func TestUnsubscribeOnContextCancel(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())

	ch := s.Subscribe(ctx)
	cancel()

	// The channel closes once the context ends.
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel not closed after cancel")
		}
	}
}
