package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_SubscribeAtReturnsLastSeq(t *testing.T) {
	bus := NewBus()
	bus.Publish(NoteEvent(Note{Message: "one"}), NoteEvent(Note{Message: "two"}))

	sub, seq, err := bus.SubscribeAt("feed")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)

	bus.Publish(NoteEvent(Note{Message: "three"}))
	got := drain(sub)
	require.Len(t, got, 1)
	assert.Equal(t, seq+1, got[0].Seq)
}

func TestBus_ConsumeResubscribesAfterOverflow(t *testing.T) {
	bus := NewBus(WithQueueSize(1))
	release := make(chan struct{})
	received := make(chan Event, 16)
	var calls atomic.Int32

	consumer := func(ctx context.Context, sub *Subscription) error {
		if calls.Add(1) == 1 {
			<-release
			for range sub.C() {
			}
			return sub.Err()
		}
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-sub.C():
				if !ok {
					return sub.Err()
				}
				received <- ev
			}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bus.Consume(ctx, "audit", time.Millisecond, consumer) }()

	require.Eventually(t, func() bool { return bus.Subscribers() == 1 }, time.Second, time.Millisecond)
	for i := 0; i < 3; i++ {
		bus.Publish(NoteEvent(Note{Message: "burst"}))
	}
	assert.Equal(t, 0, bus.Subscribers())
	close(release)

	require.Eventually(t, func() bool { return calls.Load() == 2 && bus.Subscribers() == 1 }, time.Second, time.Millisecond)
	bus.Publish(NoteEvent(Note{Message: "after"}))
	select {
	case ev := <-received:
		assert.Equal(t, "after", ev.Note.Message)
	case <-time.After(time.Second):
		t.Fatal("resubscribed consumer got nothing")
	}

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 0, bus.Subscribers())
}

func TestBus_ConsumeStopsWhenBusCloses(t *testing.T) {
	bus := NewBus()
	consumer := func(ctx context.Context, sub *Subscription) error {
		for range sub.C() {
		}
		return sub.Err()
	}
	done := make(chan error, 1)
	go func() { done <- bus.Consume(context.Background(), "nats", 0, consumer) }()

	require.Eventually(t, func() bool { return bus.Subscribers() == 1 }, time.Second, time.Millisecond)
	bus.Close()
	require.NoError(t, <-done)
}

func TestBus_ConsumeReturnsOtherErrors(t *testing.T) {
	bus := NewBus()
	boom := errors.New("boom")
	err := bus.Consume(context.Background(), "audit", 0, func(context.Context, *Subscription) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, bus.Subscribers())
}
