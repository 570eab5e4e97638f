// Package broker mirrors the dispatch event stream onto NATS subjects for
// downstream consumers.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/ukydev/ambulance-dispatch/internal/events"
)

// Subject names. State deltas are suffixed with the entity kind.
const (
	SubjectDeltaPrefix = "dispatch.delta."
	SubjectAlert       = "dispatch.alert"
	SubjectAssignment  = "dispatch.assignment"
	SubjectNote        = "dispatch.note"
	SubjectSystem      = "dispatch.system"
)

// Publisher sends a payload on a subject. *nats.Conn satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Config holds NATS connection settings
type Config struct {
	URL            string
	Name           string
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
}

// Connect opens a NATS connection with reconnect logging.
func Connect(cfg Config) (*nats.Conn, error) {
	if cfg.Name == "" {
		cfg.Name = "dispatch-core"
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1
	}
	logger := log.WithFields(log.Fields{"component": "broker", "url": cfg.URL})
	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.WithError(err).Warn("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return conn, nil
}

// Subject returns the subject an event is mirrored on.
func Subject(ev events.Event) string {
	switch ev.Type {
	case events.TypeStateDelta:
		if ev.Delta != nil {
			return SubjectDeltaPrefix + string(ev.Delta.EntityKind)
		}
	case events.TypeAlertRaised, events.TypeAlertCleared:
		return SubjectAlert
	case events.TypeAssignmentCommitted:
		return SubjectAssignment
	case events.TypeDispatchNote:
		return SubjectNote
	}
	return SubjectSystem
}

// Bridge forwards bus events to a Publisher as JSON.
type Bridge struct {
	pub    Publisher
	logger *log.Entry
}

// NewBridge returns a Bridge publishing through pub.
func NewBridge(pub Publisher) *Bridge {
	return &Bridge{pub: pub, logger: log.WithField("component", "broker")}
}

// Forward publishes one event.
func (b *Bridge) Forward(ev events.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event %d: %w", ev.Seq, err)
	}
	subject := Subject(ev)
	if err := b.pub.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Run forwards sub until it closes or ctx is done. Publish failures are
// logged and skipped.
func (b *Bridge) Run(ctx context.Context, sub *events.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C():
			if !ok {
				if err := sub.Err(); err != nil {
					return fmt.Errorf("broker subscription dropped: %w", err)
				}
				return nil
			}
			if err := b.Forward(ev); err != nil {
				b.logger.WithError(err).WithField("seq", ev.Seq).Warn("Failed to forward event")
			}
		}
	}
}
