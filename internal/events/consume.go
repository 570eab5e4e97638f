package events

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	// DefaultResubscribeBackoff is the first wait before replacing a dropped subscription.
	DefaultResubscribeBackoff = 100 * time.Millisecond
	maxResubscribeBackoff     = 30 * time.Second
)

// Consumer reads one subscription until it closes or ctx is done.
type Consumer func(ctx context.Context, sub *Subscription) error

// Consume hands successive subscriptions named name to fn until ctx is done
// or the bus closes. When fn returns a QueueOverflowError the subscriber is
// replaced after a backoff that doubles up to 30s; events published while it
// was detached are not replayed. Any other error from fn is returned.
func (b *Bus) Consume(ctx context.Context, name string, backoff time.Duration, fn Consumer) error {
	if backoff <= 0 {
		backoff = DefaultResubscribeBackoff
	}
	wait := backoff
	for {
		sub, err := b.Subscribe(name)
		if errors.Is(err, ErrBusClosed) {
			return nil
		}
		if err != nil {
			return err
		}
		err = fn(ctx, sub)
		var overflow *QueueOverflowError
		if !errors.As(err, &overflow) {
			sub.Unsubscribe()
			return err
		}
		b.logger.WithError(err).WithFields(log.Fields{
			"subscriber": name,
			"backoff":    wait,
		}).Warn("Resubscribing after overflow")
		select {
		case <-ctx.Done():
			return nil
		case <-b.clock.After(wait):
		}
		wait *= 2
		if wait > maxResubscribeBackoff {
			wait = maxResubscribeBackoff
		}
	}
}
