// Package store owns the authoritative state of ambulances, emergencies and
// hospitals. Writers are serialized and version checked; readers take
// immutable snapshots and never block.
package store

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/zoobzio/clockz"

	"github.com/ukydev/ambulance-dispatch/internal/models"
)

// Publisher receives the deltas of each commit in store-version order.
// It is called with the writer lock held and must not block.
type Publisher interface {
	PublishDeltas(deltas []models.StateDelta)
}

// Observer is notified after a commit has been published. Observers run
// outside the writer lock but on the writer's goroutine.
type Observer func(snap *Snapshot, deltas []models.StateDelta)

// Store is the single owner of dispatch state.
type Store struct {
	mu        sync.Mutex
	current   atomic.Pointer[Snapshot]
	observers []Observer

	clock     clockz.Clock
	publisher Publisher
	logger    *log.Entry
	newID     func() string
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for timestamps.
func WithClock(c clockz.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithPublisher sets the delta publisher.
func WithPublisher(p Publisher) Option {
	return func(s *Store) { s.publisher = p }
}

// WithLogger sets the logger.
func WithLogger(l *log.Entry) Option {
	return func(s *Store) { s.logger = l }
}

// WithIDGenerator replaces the emergency id generator.
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) { s.newID = fn }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		clock:  clockz.RealClock,
		logger: log.WithField("component", "store"),
		newID:  func() string { return "E-" + uuid.NewString() },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.current.Store(emptySnapshot(s.clock.Now()))
	return s
}

// Snapshot returns the latest committed state.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// Version returns the latest store version.
func (s *Store) Version() uint64 {
	return s.current.Load().Version
}

// Subscribe registers an observer for future commits.
func (s *Store) Subscribe(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

// apply runs fn against a staged transaction and commits it when fn
// succeeds. Nothing is visible to readers unless the whole commit is.
func (s *Store) apply(cause string, fn func(tx *txn) error) (*Snapshot, error) {
	s.mu.Lock()
	base := s.current.Load()
	tx := newTxn(base, s.clock.Now())
	if err := fn(tx); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	snap, deltas := tx.finish(cause)
	if snap == nil {
		s.mu.Unlock()
		return base, nil
	}
	s.current.Store(snap)
	if s.publisher != nil {
		s.publisher.PublishDeltas(deltas)
	}
	observers := s.observers
	s.mu.Unlock()

	s.logger.WithFields(log.Fields{
		"version": snap.Version,
		"deltas":  len(deltas),
		"cause":   cause,
	}).Debug("Committed")
	for _, o := range observers {
		o(snap, deltas)
	}
	return snap, nil
}
