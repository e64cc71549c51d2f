package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"go.flowmediator.dev/result"
	"go.flowmediator.dev/store"
)

// Idempotency is the priority-600 standard behavior implementing spec.md
// §4.3's Inbox contract: before invoking next, a hit on inbox.Contains
// short-circuits with the previously-recorded outcome; after a successful
// next, the outcome is recorded for Retention. Missing inbox dependency
// (Store == nil) makes the behavior inert, per spec.md §4.3's
// "missing inbox dependency -> pass-through".
//
// The cached-success semantics resolve spec.md §9's open question as
// "typed marker with replay": the original Result is serialized at
// first-success time and replayed verbatim on a duplicate, rather than
// returning a bare already-processed marker (see DESIGN.md).
//
// A replayed success value comes back out of Handle as the raw
// json.RawMessage it was stored as, not decoded into a bare any: this
// layer has no knowledge of the handler's concrete response type T, so
// decoding here would always land on map[string]interface{} for any
// struct response. The caller that does know T (mediator.Send) is
// responsible for deserializing the raw bytes into T via its own
// serializer.Registry lookup.
type Idempotency struct {
	Store     store.InboxStore
	Retention time.Duration
}

func NewIdempotency(inbox store.InboxStore, retention time.Duration) *Idempotency {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &Idempotency{Store: inbox, Retention: retention}
}

func (i *Idempotency) Name() string  { return "Idempotency" }
func (i *Idempotency) Priority() int { return PriorityIdempotency }

// cachedOutcome is the JSON-serializable projection of a Result[any]
// stored in the inbox entry.
type cachedOutcome struct {
	Ok           bool              `json:"ok"`
	Value        json.RawMessage   `json:"value,omitempty"`
	ErrorCode    string            `json:"errorCode,omitempty"`
	ErrorMessage string            `json:"errorMessage,omitempty"`
	Retryable    bool              `json:"retryable,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

func (i *Idempotency) Handle(ctx context.Context, inv *Invocation, next Next) result.Result[any] {
	if i.Store == nil {
		return next(ctx, inv)
	}

	if found, err := i.Store.Contains(ctx, inv.MessageId); err == nil && found {
		if cached, ok, err := i.Store.CachedResult(ctx, inv.MessageId); err == nil && ok {
			if r, ok := decodeOutcome(cached); ok {
				return r.WithMetadata("idempotent_replay", "true")
			}
		}
		// Entry present but no decodable payload: fall back to a bare
		// already-processed success marker.
		return result.Ok[any](nil).WithMetadata("idempotent_replay", "true")
	}

	r := next(ctx, inv)
	if r.IsOk() {
		payload, encodeErr := encodeOutcome(r)
		if encodeErr == nil {
			_ = i.Store.Record(ctx, inv.MessageId, i.Retention, payload)
		}
	}
	return r
}

func encodeOutcome(r result.Result[any]) ([]byte, error) {
	var raw json.RawMessage
	if r.Value() != nil {
		b, err := json.Marshal(r.Value())
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(cachedOutcome{
		Ok:           r.IsOk(),
		Value:        raw,
		ErrorCode:    string(r.ErrorCode()),
		ErrorMessage: r.ErrorMessage(),
		Retryable:    r.Retryable(),
		Metadata:     r.Metadata(),
	})
}

func decodeOutcome(data []byte) (result.Result[any], bool) {
	var co cachedOutcome
	if err := json.Unmarshal(data, &co); err != nil {
		return result.Result[any]{}, false
	}
	if co.Ok {
		var v any
		if len(co.Value) > 0 {
			// Pass the original bytes through unchanged; decoding into a
			// concrete type happens at the mediator, where the response
			// type is statically known.
			v = co.Value
		}
		r := result.Ok[any](v)
		for k, val := range co.Metadata {
			r = r.WithMetadata(k, val)
		}
		return r, true
	}
	r := result.Fail[any](result.ErrorCode(co.ErrorCode), co.ErrorMessage).WithRetryable(co.Retryable)
	for k, val := range co.Metadata {
		r = r.WithMetadata(k, val)
	}
	return r, true
}
