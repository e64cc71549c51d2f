package result

import (
	"errors"
	"strings"
	"testing"
)

func TestOk(t *testing.T) {
	r := Ok(42)

	if !r.IsOk() {
		t.Error("expected IsOk to be true")
	}
	if r.IsFailure() {
		t.Error("expected IsFailure to be false")
	}
	if r.Value() != 42 {
		t.Errorf("expected value 42, got %d", r.Value())
	}
	if r.ErrorCode() != "" {
		t.Errorf("expected empty error code, got %q", r.ErrorCode())
	}
}

func TestFail(t *testing.T) {
	r := Fail[int](ValidationFailed, "bad input")

	if r.IsOk() {
		t.Error("expected IsOk to be false")
	}
	if !r.IsFailure() {
		t.Error("expected IsFailure to be true")
	}
	if r.Value() != 0 {
		t.Errorf("expected zero value, got %d", r.Value())
	}
	if r.ErrorCode() != ValidationFailed {
		t.Errorf("expected ValidationFailed, got %s", r.ErrorCode())
	}
	if r.ErrorMessage() != "bad input" {
		t.Errorf("expected message %q, got %q", "bad input", r.ErrorMessage())
	}
	if r.Retryable() {
		t.Error("expected ValidationFailed to not be retryable by default")
	}
}

func TestFailRetryableDefaults(t *testing.T) {
	cases := []struct {
		code      ErrorCode
		retryable bool
	}{
		{LockFailed, true},
		{PersistenceFailed, true},
		{TransportFailed, true},
		{Timeout, true},
		{ValidationFailed, false},
		{HandlerFailed, false},
		{PipelineFailed, false},
		{SerializationFailed, false},
		{Cancelled, false},
		{InternalError, false},
	}
	for _, c := range cases {
		r := Fail[string](c.code, "x")
		if r.Retryable() != c.retryable {
			t.Errorf("%s: expected retryable=%v, got %v", c.code, c.retryable, r.Retryable())
		}
	}
}

func TestFailFromUsesCauseMessageWhenEmpty(t *testing.T) {
	cause := errors.New("connection reset")
	r := FailFrom[int](TransportFailed, "", cause)

	if r.ErrorMessage() != "connection reset" {
		t.Errorf("expected message from cause, got %q", r.ErrorMessage())
	}
	if r.Cause() != cause {
		t.Error("expected cause to be preserved")
	}
}

func TestFailFromKeepsExplicitMessage(t *testing.T) {
	cause := errors.New("low level")
	r := FailFrom[int](TransportFailed, "send failed", cause)

	if r.ErrorMessage() != "send failed" {
		t.Errorf("expected explicit message to win, got %q", r.ErrorMessage())
	}
}

func TestWithRetryableOverride(t *testing.T) {
	r := Fail[int](ValidationFailed, "x").WithRetryable(true)
	if !r.Retryable() {
		t.Error("expected override to take effect")
	}
}

func TestWithMetadataAccumulates(t *testing.T) {
	r := Ok(1).WithMetadata("a", "1").WithMetadata("b", "2")

	md := r.Metadata()
	if md["a"] != "1" || md["b"] != "2" {
		t.Errorf("expected both keys present, got %v", md)
	}
}

func TestWithMetadataDoesNotMutateOriginal(t *testing.T) {
	base := Ok(1).WithMetadata("a", "1")
	derived := base.WithMetadata("b", "2")

	if _, ok := base.Metadata()["b"]; ok {
		t.Error("expected original Result to be unaffected by derived metadata")
	}
	if derived.Metadata()["b"] != "2" {
		t.Errorf("expected derived Result to carry the new key, got %v", derived.Metadata())
	}
}

func TestErrorStringIncludesCause(t *testing.T) {
	cause := errors.New("boom")
	r := FailFrom[int](InternalError, "failed", cause)

	msg := r.Error()
	if msg == "" {
		t.Fatal("expected non-empty error string")
	}
	if r.IsOk() {
		t.Fatal("sanity: expected failure")
	}
	if !strings.Contains(msg, "boom") {
		t.Errorf("expected error string to include the cause, got %q", msg)
	}
}

func TestErrorStringEmptyForOk(t *testing.T) {
	r := Ok(1)
	if r.Error() != "" {
		t.Errorf("expected empty error string for success, got %q", r.Error())
	}
}

func TestMapTransformsOk(t *testing.T) {
	r := Ok(2)
	s := Map(r, func(v int) string {
		if v == 2 {
			return "two"
		}
		return "other"
	})

	if !s.IsOk() || s.Value() != "two" {
		t.Errorf("expected mapped value %q, got %q (ok=%v)", "two", s.Value(), s.IsOk())
	}
}

func TestMapPassesThroughFailure(t *testing.T) {
	r := Fail[int](ValidationFailed, "bad")
	s := Map(r, func(v int) string { return "unreachable" })

	if s.IsOk() {
		t.Error("expected failure to pass through Map unchanged")
	}
	if s.ErrorCode() != ValidationFailed {
		t.Errorf("expected ValidationFailed preserved, got %s", s.ErrorCode())
	}
}

func TestMatchDispatchesByOutcome(t *testing.T) {
	ok := Match(Ok(5), func(v int) string { return "ok" }, func(r Result[int]) string { return "fail" })
	if ok != "ok" {
		t.Errorf("expected ok branch, got %q", ok)
	}

	fail := Match(Fail[int](InternalError, "x"), func(v int) string { return "ok" }, func(r Result[int]) string { return "fail" })
	if fail != "fail" {
		t.Errorf("expected fail branch, got %q", fail)
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(Timeout) {
		t.Error("expected Timeout to be retryable")
	}
	if IsRetryable(ValidationFailed) {
		t.Error("expected ValidationFailed to not be retryable")
	}
}
