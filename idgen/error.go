package idgen

import (
	"fmt"

	"go.flowmediator.dev/result"
)

// Error is the error type NextId/NextIds return for generator-level
// failures (New reports configuration errors as plain errors). Callers crossing into the mediator boundary convert it to a
// Result via result.FailFrom(err.Code, err.Message, err) — this keeps the
// generator itself free of any dependency on the mediator's pipeline.
type Error struct {
	Code     result.ErrorCode
	Message  string
	Metadata map[string]string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newError(code result.ErrorCode, message string, metaKey, metaValue string) *Error {
	return &Error{Code: code, Message: message, Metadata: map[string]string{metaKey: metaValue}}
}
