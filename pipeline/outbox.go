package pipeline

import (
	"context"
	"time"

	"go.flowmediator.dev/result"
	"go.flowmediator.dev/serializer"
	"go.flowmediator.dev/store"
)

// IdSource generates the MessageId for a new outbox row; satisfied by
// *idgen.Generator.
type IdSource interface {
	NextId() (int64, error)
}

// Outbox is the priority-400 standard behavior implementing spec.md §4.3's
// reliable-publish contract: given an outbound message, it writes an
// outbox row synchronously (in the caller's persistence scope — the
// caller is responsible for including this write in the same local
// transaction as its own state change, per spec.md §3's invariant) and
// returns success immediately, *without* invoking next. The outbox
// processor (package outboxproc) performs the actual transport publish
// asynchronously later.
type Outbox struct {
	Store      store.OutboxStore
	Serializer serializer.Serializer
	Ids        IdSource
}

func NewOutbox(s store.OutboxStore, ser serializer.Serializer, ids IdSource) *Outbox {
	return &Outbox{Store: s, Serializer: ser, Ids: ids}
}

func (o *Outbox) Name() string  { return "Outbox" }
func (o *Outbox) Priority() int { return PriorityOutbox }

func (o *Outbox) Handle(ctx context.Context, inv *Invocation, next Next) result.Result[any] {
	if o.Store == nil {
		// No outbox configured: fall through to direct publish.
		return next(ctx, inv)
	}

	payload, err := o.Serializer.Serialize(inv.Request)
	if err != nil {
		return result.FailFrom[any](result.SerializationFailed, "failed to serialize outbound message", err)
	}

	id := inv.MessageId
	if id == 0 {
		id, err = o.Ids.NextId()
		if err != nil {
			return result.FailFrom[any](result.InternalError, "failed to assign outbox row id", err)
		}
	}

	row := store.OutboxRow{
		Id:        id,
		Type:      inv.RequestType,
		Payload:   payload,
		Status:    store.OutboxPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := o.Store.Add(ctx, row); err != nil {
		return result.FailFrom[any](result.PersistenceFailed, "failed to write outbox row", err)
	}
	return result.Ok[any](nil)
}
