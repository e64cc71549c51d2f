// Package store defines the persistence interfaces the core depends on but
// does not implement itself (spec.md C4 / §6): InboxStore, OutboxStore, and
// EventStore. Concrete backends live in store/redisinbox, store/mongooutbox,
// and store/mongoevents.
package store

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors concrete stores should wrap with fmt.Errorf("...: %w", ...)
// rather than redefine, mirroring internal/common/repository/errors.go.
var (
	ErrNotFound      = errors.New("store: not found")
	ErrDuplicateKey  = errors.New("store: duplicate key")
	ErrOptimisticLock = errors.New("store: optimistic lock conflict")
)

// InboxStore is the idempotent-receive log: "have I processed this
// messageId before?" (spec.md §3 Inbox entry, §6 InboxStore).
type InboxStore interface {
	// Contains reports whether messageId has already been recorded and has
	// not yet expired.
	Contains(ctx context.Context, messageId int64) (bool, error)
	// Record marks messageId as processed, to expire after ttl. If result
	// is non-nil it is the serialized Result to replay on a cache hit
	// (spec.md §9 Open Question: this module picks "typed marker with
	// replay" — see DESIGN.md).
	Record(ctx context.Context, messageId int64, ttl time.Duration, cachedResult []byte) error
	// CachedResult returns the bytes passed to Record for messageId, if
	// any were stored (nil, false if the entry has no cached payload).
	CachedResult(ctx context.Context, messageId int64) ([]byte, bool, error)
}

// OutboxStatus is the lifecycle state of an OutboxRow (spec.md §3).
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "Pending"
	OutboxPublished  OutboxStatus = "Published"
	OutboxFailed     OutboxStatus = "Failed"
	// OutboxPublishing is the transient in-flight state an
	// OutboxInflightStore uses to mark rows claimed by a poller, so a
	// crashed poller's claims can be detected and reset (FetchStuck).
	OutboxPublishing OutboxStatus = "Publishing"
)

// OutboxRow is a durable, pending-or-terminal outbound message (spec.md §3).
type OutboxRow struct {
	Id            int64
	Type          string
	Payload       []byte
	Status        OutboxStatus
	CreatedAt     time.Time
	LastError     string
	AttemptCount  int
}

// OutboxStore is the durable queue of outbound messages awaiting publish
// (spec.md §3 Outbox row, §6 OutboxStore).
type OutboxStore interface {
	Add(ctx context.Context, row OutboxRow) error
	GetPending(ctx context.Context, maxCount int) ([]OutboxRow, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, lastErr error) error
	// DeletePublished removes Published rows older than retention, a
	// best-effort housekeeping operation.
	DeletePublished(ctx context.Context, retention time.Duration) error
}

// OutboxInflightStore is an optional OutboxStore extension a concrete
// backend may additionally implement to support outboxproc's crash
// recovery (SPEC_FULL.md §3, grounded in Processor.doCrashRecovery):
// rows claimed by MarkInProgress are excluded from GetPending until
// terminal, and FetchStuck finds rows claimed by a poller that crashed
// before marking them terminal.
type OutboxInflightStore interface {
	OutboxStore
	MarkInProgress(ctx context.Context, ids []int64) error
	FetchStuck(ctx context.Context, olderThan time.Duration) ([]OutboxRow, error)
	ResetStuck(ctx context.Context, ids []int64) error
}

// StoredEvent is one entry in an EventStore stream.
type StoredEvent struct {
	StreamId  string
	Sequence  int64
	Type      string
	Payload   []byte
	Timestamp time.Time
}

// EventStream is the lazy sequence spec.md §3/§6 describes for EventStore
// reads: Next advances one event at a time without materializing the whole
// stream, and must be closed when the caller is done.
type EventStream interface {
	Next(ctx context.Context) (StoredEvent, bool, error)
	Close() error
}

// EventStore is an append-only ordered list of events per streamId
// (spec.md §3 EventStore stream, §6 EventStore).
type EventStore interface {
	Append(ctx context.Context, streamId string, events []StoredEvent) error
	Read(ctx context.Context, streamId string) (EventStream, error)
}
