// Package mongoevents implements store.EventStore on MongoDB, grounded in
// internal/platform/common/domain_event.go's PersistedEvent shape and
// append-only stream design.
package mongoevents

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"go.flowmediator.dev/store"
)

type persistedEvent struct {
	StreamId  string    `bson:"streamId"`
	Sequence  int64     `bson:"sequence"`
	Type      string    `bson:"type"`
	Payload   []byte    `bson:"payload"`
	Timestamp time.Time `bson:"timestamp"`
}

// Store is a MongoDB-backed store.EventStore: one document per event,
// ordered by a per-stream monotonic sequence number.
type Store struct {
	collection *mongo.Collection
}

func New(collection *mongo.Collection) *Store {
	return &Store{collection: collection}
}

// Append writes events to streamId, assigning each the next sequence
// number after the stream's current highest. Not transactional across a
// concurrent Append to the same stream from another process; callers
// needing strict ordering under concurrent writers should serialize
// Append calls per stream (the outbox/mediator boundary this store serves
// does so by construction — one handler invocation per messageId).
func (s *Store) Append(ctx context.Context, streamId string, events []store.StoredEvent) error {
	if len(events) == 0 {
		return nil
	}
	next, err := s.nextSequence(ctx, streamId)
	if err != nil {
		return fmt.Errorf("mongoevents: append to %s: %w", streamId, err)
	}
	docs := make([]any, 0, len(events))
	for i, e := range events {
		ts := e.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		docs = append(docs, persistedEvent{
			StreamId:  streamId,
			Sequence:  next + int64(i),
			Type:      e.Type,
			Payload:   e.Payload,
			Timestamp: ts,
		})
	}
	if _, err := s.collection.InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("mongoevents: append to %s: %w", streamId, err)
	}
	return nil
}

func (s *Store) nextSequence(ctx context.Context, streamId string) (int64, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "sequence", Value: -1}})
	var last persistedEvent
	err := s.collection.FindOne(ctx, bson.M{"streamId": streamId}, opts).Decode(&last)
	if err == mongo.ErrNoDocuments {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return last.Sequence + 1, nil
}

// Read returns a lazy, cursor-backed EventStream over streamId in sequence
// order, per spec.md §3/§6.
func (s *Store) Read(ctx context.Context, streamId string) (store.EventStream, error) {
	opts := options.Find().SetSort(bson.D{{Key: "sequence", Value: 1}})
	cursor, err := s.collection.Find(ctx, bson.M{"streamId": streamId}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongoevents: read %s: %w", streamId, err)
	}
	return &cursorStream{cursor: cursor}, nil
}

type cursorStream struct {
	cursor *mongo.Cursor
}

func (c *cursorStream) Next(ctx context.Context) (store.StoredEvent, bool, error) {
	if !c.cursor.Next(ctx) {
		if err := c.cursor.Err(); err != nil {
			return store.StoredEvent{}, false, fmt.Errorf("mongoevents: cursor: %w", err)
		}
		return store.StoredEvent{}, false, nil
	}
	var pe persistedEvent
	if err := c.cursor.Decode(&pe); err != nil {
		return store.StoredEvent{}, false, fmt.Errorf("mongoevents: decode: %w", err)
	}
	return store.StoredEvent{
		StreamId:  pe.StreamId,
		Sequence:  pe.Sequence,
		Type:      pe.Type,
		Payload:   pe.Payload,
		Timestamp: pe.Timestamp,
	}, true, nil
}

func (c *cursorStream) Close() error {
	return c.cursor.Close(context.Background())
}

// EnsureIndexes creates the compound (streamId, sequence) index this
// store's Append/Read queries rely on.
func EnsureIndexes(ctx context.Context, collection *mongo.Collection) error {
	_, err := collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "streamId", Value: 1}, {Key: "sequence", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("mongoevents: ensure indexes: %w", err)
	}
	return nil
}
