package pipeline

import (
	"context"
	"log/slog"
	"time"

	"go.flowmediator.dev/result"
)

// Logging is the outermost standard behavior (priority 1000): it logs
// entry/exit and duration for every invocation, in the teacher's direct
// slog.Info/slog.Error key/value style.
type Logging struct {
	Logger *slog.Logger
}

func NewLogging(logger *slog.Logger) *Logging {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logging{Logger: logger}
}

func (l *Logging) Name() string  { return "Logging" }
func (l *Logging) Priority() int { return PriorityLogging }

func (l *Logging) Handle(ctx context.Context, inv *Invocation, next Next) result.Result[any] {
	start := time.Now()
	l.Logger.Info("mediator request started", "type", inv.RequestType, "messageId", inv.MessageId)

	r := next(ctx, inv)

	duration := time.Since(start)
	if r.IsOk() {
		l.Logger.Info("mediator request completed", "type", inv.RequestType, "messageId", inv.MessageId, "duration", duration)
	} else {
		l.Logger.Error("mediator request failed", "type", inv.RequestType, "messageId", inv.MessageId,
			"duration", duration, "errorCode", r.ErrorCode(), "errorMessage", r.ErrorMessage())
	}
	return r
}
