package db

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ukydev/ambulance-dispatch/internal/events"
)

// EventCollection persists the bus history
type EventCollection interface {
	InsertEvents(ctx context.Context, evs []events.Event) error
	FindEvents(ctx context.Context, afterSeq uint64, limit int64) ([]events.Event, error)
}

// MongoEventCollection implements EventCollection for MongoDB
type MongoEventCollection struct {
	Collection *mongo.Collection
}

// InsertEvents appends events in bus order
func (c *MongoEventCollection) InsertEvents(ctx context.Context, evs []events.Event) error {
	if c.Collection == nil {
		return fmt.Errorf("mongo collection is nil")
	}
	if len(evs) == 0 {
		return nil
	}
	docs := make([]interface{}, len(evs))
	for i, ev := range evs {
		docs[i] = ev
	}
	_, err := c.Collection.InsertMany(ctx, docs, options.InsertMany().SetOrdered(true))
	return err
}

// FindEvents returns events with a sequence number above afterSeq
func (c *MongoEventCollection) FindEvents(ctx context.Context, afterSeq uint64, limit int64) ([]events.Event, error) {
	if c.Collection == nil {
		return nil, fmt.Errorf("mongo collection is nil")
	}
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}
	cursor, err := c.Collection.Find(ctx, bson.M{"seq": bson.M{"$gt": int64(afterSeq)}}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []events.Event
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Auditor copies every bus event into an EventCollection in batches.
type Auditor struct {
	Collection    EventCollection
	BatchSize     int
	FlushInterval time.Duration
	Logger        *log.Entry
}

// Run consumes sub until it closes or ctx is done, flushing what it holds.
func (a *Auditor) Run(ctx context.Context, sub *events.Subscription) error {
	batchSize := a.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	interval := a.FlushInterval
	if interval <= 0 {
		interval = time.Second
	}
	logger := a.Logger
	if logger == nil {
		logger = log.WithField("component", "audit")
	}

	batch := make([]events.Event, 0, batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.Collection.InsertEvents(writeCtx, batch); err != nil {
			logger.WithError(err).WithField("events", len(batch)).Error("Failed to persist events")
		}
		batch = batch[:0]
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flush()
			return nil
		case ev, ok := <-sub.C():
			if !ok {
				flush()
				if err := sub.Err(); err != nil {
					return fmt.Errorf("audit subscription dropped: %w", err)
				}
				return nil
			}
			batch = append(batch, ev)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
