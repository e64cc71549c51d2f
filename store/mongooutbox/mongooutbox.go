// Package mongooutbox implements store.OutboxStore on MongoDB, grounded in
// the teacher's internal/outbox/entity.go (bson-tagged row, status
// lifecycle) and repository_mongo.go (simple find/updateMany, no
// findOneAndUpdate loop — safe because the outbox processor guarantees at
// most one in-flight scan per instance).
package mongooutbox

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"go.flowmediator.dev/store"
)

// row is the bson-tagged persisted shape of a store.OutboxRow, mirroring
// the teacher's OutboxItem field tagging style.
type row struct {
	Id           int64     `bson:"_id"`
	Type         string    `bson:"type"`
	Payload      []byte    `bson:"payload"`
	Status       string    `bson:"status"`
	CreatedAt    time.Time `bson:"createdAt"`
	LastError    string    `bson:"lastError,omitempty"`
	AttemptCount int       `bson:"attemptCount"`
}

func toRow(r store.OutboxRow) row {
	return row{
		Id:           r.Id,
		Type:         r.Type,
		Payload:      r.Payload,
		Status:       string(r.Status),
		CreatedAt:    r.CreatedAt,
		LastError:    r.LastError,
		AttemptCount: r.AttemptCount,
	}
}

func fromRow(r row) store.OutboxRow {
	return store.OutboxRow{
		Id:           r.Id,
		Type:         r.Type,
		Payload:      r.Payload,
		Status:       store.OutboxStatus(r.Status),
		CreatedAt:    r.CreatedAt,
		LastError:    r.LastError,
		AttemptCount: r.AttemptCount,
	}
}

// Store is a MongoDB-backed store.OutboxStore.
type Store struct {
	collection *mongo.Collection
}

// New wraps collection as a store.OutboxStore.
func New(collection *mongo.Collection) *Store {
	return &Store{collection: collection}
}

func (s *Store) Add(ctx context.Context, r store.OutboxRow) error {
	if r.Status == "" {
		r.Status = store.OutboxPending
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.collection.InsertOne(ctx, toRow(r))
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("mongooutbox: add %d: %w", r.Id, store.ErrDuplicateKey)
	}
	if err != nil {
		return fmt.Errorf("mongooutbox: add %d: %w", r.Id, err)
	}
	return nil
}

// MarkInProgress claims ids by transitioning them to OutboxPublishing,
// implementing store.OutboxInflightStore — grounded in
// internal/outbox/repository_mongo.go's MarkAsInProgress (simple
// UpdateMany, no findOneAndUpdate loop, safe because the outbox processor
// guarantees a single in-flight scan).
func (s *Store) MarkInProgress(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.collection.UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": ids}},
		bson.M{"$set": bson.M{"status": string(store.OutboxPublishing)}})
	if err != nil {
		return fmt.Errorf("mongooutbox: mark in progress: %w", err)
	}
	return nil
}

// FetchStuck finds claimed (OutboxPublishing) rows whose createdAt is more
// than olderThan ago — typically left by a poller that crashed mid-batch
// before marking them terminal. The claim time itself is not stored, so
// age is measured from row creation.
func (s *Store) FetchStuck(ctx context.Context, olderThan time.Duration) ([]store.OutboxRow, error) {
	cutoff := time.Now().Add(-olderThan)
	filter := bson.M{"status": string(store.OutboxPublishing), "createdAt": bson.M{"$lt": cutoff}}
	cursor, err := s.collection.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("mongooutbox: fetch stuck: %w", err)
	}
	defer cursor.Close(ctx)
	var rows []row
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("mongooutbox: decode stuck: %w", err)
	}
	out := make([]store.OutboxRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, fromRow(r))
	}
	return out, nil
}

// ResetStuck resets claimed rows back to Pending so the next scan retries
// them (Processor.doCrashRecovery's reset-to-pending behavior).
func (s *Store) ResetStuck(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.collection.UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": ids}},
		bson.M{"$set": bson.M{"status": string(store.OutboxPending)}})
	if err != nil {
		return fmt.Errorf("mongooutbox: reset stuck: %w", err)
	}
	return nil
}

// GetPending fetches Pending rows ordered by createdAt, preserving FIFO
// order for one scan batch (spec.md §5: "preserves getPending store order
// for one batch").
func (s *Store) GetPending(ctx context.Context, maxCount int) ([]store.OutboxRow, error) {
	filter := bson.M{"status": string(store.OutboxPending)}
	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: 1}}).
		SetLimit(int64(maxCount))

	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("mongooutbox: get pending: %w", err)
	}
	defer cursor.Close(ctx)

	var rows []row
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("mongooutbox: decode pending: %w", err)
	}
	out := make([]store.OutboxRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, fromRow(r))
	}
	return out, nil
}

func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	return s.setStatus(ctx, id, store.OutboxPublished, "")
}

func (s *Store) MarkFailed(ctx context.Context, id int64, lastErr error) error {
	msg := ""
	if lastErr != nil {
		msg = lastErr.Error()
	}
	return s.setStatus(ctx, id, store.OutboxFailed, msg)
}

func (s *Store) setStatus(ctx context.Context, id int64, status store.OutboxStatus, lastError string) error {
	update := bson.M{
		"$set": bson.M{
			"status": string(status),
		},
		"$inc": bson.M{"attemptCount": 1},
	}
	if lastError != "" {
		update["$set"].(bson.M)["lastError"] = lastError
	}
	res, err := s.collection.UpdateByID(ctx, id, update)
	if err != nil {
		return fmt.Errorf("mongooutbox: set status %s for %d: %w", status, id, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("mongooutbox: set status %s for %d: %w", status, id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) DeletePublished(ctx context.Context, retention time.Duration) error {
	cutoff := time.Now().Add(-retention)
	filter := bson.M{
		"status":    string(store.OutboxPublished),
		"createdAt": bson.M{"$lt": cutoff},
	}
	_, err := s.collection.DeleteMany(ctx, filter)
	if err != nil {
		return fmt.Errorf("mongooutbox: delete published older than %s: %w", retention, err)
	}
	return nil
}

// EnsureIndexes creates the one index this store's queries rely on: a
// compound status+createdAt index serving GetPending's filtered, sorted
// scan, FetchStuck, and the DeletePublished housekeeping query.
func EnsureIndexes(ctx context.Context, collection *mongo.Collection) error {
	_, err := collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "createdAt", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("mongooutbox: ensure indexes: %w", err)
	}
	return nil
}
