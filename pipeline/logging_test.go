package pipeline

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"go.flowmediator.dev/result"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoggingPassesThroughSuccess(t *testing.T) {
	l := NewLogging(discardLogger())
	next := func(ctx context.Context, inv *Invocation) result.Result[any] {
		return result.Ok[any]("value")
	}

	r := l.Handle(context.Background(), &Invocation{RequestType: "t", MessageId: 1}, next)
	if !r.IsOk() || r.Value() != "value" {
		t.Errorf("expected success to pass through unchanged, got ok=%v value=%v", r.IsOk(), r.Value())
	}
}

func TestLoggingPassesThroughFailure(t *testing.T) {
	l := NewLogging(discardLogger())
	next := func(ctx context.Context, inv *Invocation) result.Result[any] {
		return result.Fail[any](result.InternalError, "boom")
	}

	r := l.Handle(context.Background(), &Invocation{RequestType: "t", MessageId: 1}, next)
	if r.IsOk() {
		t.Error("expected failure to pass through unchanged")
	}
	if r.ErrorCode() != result.InternalError {
		t.Errorf("expected InternalError, got %s", r.ErrorCode())
	}
}

func TestLoggingDefaultsLoggerWhenNil(t *testing.T) {
	l := NewLogging(nil)
	if l.Logger == nil {
		t.Error("expected NewLogging(nil) to install a default logger")
	}
}

func TestLoggingPriority(t *testing.T) {
	if NewLogging(nil).Priority() != PriorityLogging {
		t.Errorf("expected priority %d", PriorityLogging)
	}
}
