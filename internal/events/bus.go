package events

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/zoobzio/clockz"

	"github.com/ukydev/ambulance-dispatch/internal/models"
)

// DefaultQueueSize is the per-subscriber buffer when none is configured.
const DefaultQueueSize = 256

// ErrBusClosed is returned by Subscribe after Close.
var ErrBusClosed = errors.New("event bus closed")

// QueueOverflowError is recorded on a subscriber that fell behind.
type QueueOverflowError struct {
	SubscriberID string
	Name         string
	Capacity     int
}

func (e *QueueOverflowError) Error() string {
	return fmt.Sprintf("subscriber %s (%s) overflowed its queue of %d events", e.Name, e.SubscriberID, e.Capacity)
}

// Subscription is one consumer of the bus.
type Subscription struct {
	id   string
	name string
	ch   chan Event
	bus  *Bus

	mu  sync.Mutex
	err error
}

// ID returns the subscriber id.
func (s *Subscription) ID() string { return s.id }

// Name returns the label given at subscribe time.
func (s *Subscription) Name() string { return s.name }

// C returns the event channel. It is closed when the subscriber is dropped,
// unsubscribes, or the bus closes.
func (s *Subscription) C() <-chan Event { return s.ch }

// Err reports why the channel was closed, if it was dropped.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Unsubscribe detaches the subscriber and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.bus.remove(s.id, nil)
}

// Bus assigns a sequence number to every event and delivers it to each
// subscriber's bounded queue. Publishing never blocks.
type Bus struct {
	mu        sync.Mutex
	seq       uint64
	subs      []*Subscription
	closed    bool
	queueSize int

	clock  clockz.Clock
	logger *log.Entry
	onDrop func(name string)
}

// Option configures a Bus.
type Option func(*Bus)

// WithQueueSize sets the per-subscriber queue capacity.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithClock sets the clock used to stamp events.
func WithClock(c clockz.Clock) Option {
	return func(b *Bus) { b.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *log.Entry) Option {
	return func(b *Bus) { b.logger = l }
}

// WithDropHook registers a callback invoked for each dropped subscriber.
func WithDropHook(fn func(name string)) Option {
	return func(b *Bus) { b.onDrop = fn }
}

// NewBus creates a bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		queueSize: DefaultQueueSize,
		clock:     clockz.RealClock,
		logger:    log.WithField("component", "events"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe adds a subscriber that receives every event published from now on.
func (b *Bus) Subscribe(name string) (*Subscription, error) {
	sub, _, err := b.SubscribeAt(name)
	return sub, err
}

// SubscribeAt is Subscribe that also returns the sequence number of the last
// event published before the subscriber was attached. Every event with a
// higher sequence number reaches the subscriber unless it is dropped.
func (b *Bus) SubscribeAt(name string) (*Subscription, uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, 0, ErrBusClosed
	}
	sub := &Subscription{
		id:   uuid.NewString(),
		name: name,
		ch:   make(chan Event, b.queueSize),
		bus:  b,
	}
	b.subs = append(b.subs, sub)
	b.logger.WithFields(log.Fields{"subscriber": name, "id": sub.id}).Debug("Subscriber added")
	return sub, b.seq, nil
}

// Subscribers returns the number of attached subscribers.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Seq returns the sequence number of the last published event.
func (b *Bus) Seq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// Publish delivers events in order and returns the last sequence number used.
func (b *Bus) Publish(evs ...Event) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ev := range evs {
		b.deliver(ev)
	}
	return b.seq
}

// PublishDeltas implements store.Publisher.
func (b *Bus) PublishDeltas(deltas []models.StateDelta) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, d := range deltas {
		b.deliver(DeltaEvent(d))
	}
}

// deliver stamps ev and offers it to every subscriber. Subscribers whose
// queue is full are dropped and the rest are told about it.
func (b *Bus) deliver(ev Event) {
	if b.closed {
		return
	}
	pending := []Event{ev}
	for len(pending) > 0 {
		ev, pending = pending[0], pending[1:]
		b.seq++
		ev.Seq = b.seq
		if ev.Timestamp.IsZero() {
			ev.Timestamp = b.clock.Now()
		}
		kept := b.subs[:0]
		var dropped []*Subscription
		for _, sub := range b.subs {
			select {
			case sub.ch <- ev:
				kept = append(kept, sub)
			default:
				dropped = append(dropped, sub)
			}
		}
		for i := len(kept); i < len(b.subs); i++ {
			b.subs[i] = nil
		}
		b.subs = kept
		for _, sub := range dropped {
			err := &QueueOverflowError{SubscriberID: sub.id, Name: sub.name, Capacity: cap(sub.ch)}
			b.closeSub(sub, err)
			b.logger.WithError(err).Warn("Dropped slow subscriber")
			if b.onDrop != nil {
				b.onDrop(sub.name)
			}
			pending = append(pending, Event{
				Type:    TypeSubscriberDropped,
				Dropped: &Dropped{SubscriberID: sub.id, Name: sub.name, Reason: err.Error()},
			})
		}
	}
}

func (b *Bus) closeSub(sub *Subscription, err error) {
	sub.mu.Lock()
	sub.err = err
	sub.mu.Unlock()
	close(sub.ch)
}

func (b *Bus) remove(id string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			b.closeSub(sub, err)
			return
		}
	}
}

// Close detaches every subscriber. Later publishes are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		b.closeSub(sub, nil)
	}
	b.subs = nil
}
