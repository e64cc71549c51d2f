package pipeline

import (
	"context"
	"testing"

	"go.flowmediator.dev/result"
)

func recordingBehavior(name string, priority int, order *[]string) Behavior {
	return Func{
		FuncName:     name,
		FuncPriority: priority,
		Fn: func(ctx context.Context, inv *Invocation, next Next) result.Result[any] {
			*order = append(*order, name+":enter")
			r := next(ctx, inv)
			*order = append(*order, name+":exit")
			return r
		},
	}
}

func TestComposeOrdersByDescendingPriority(t *testing.T) {
	var order []string
	behaviors := []Behavior{
		recordingBehavior("low", 100, &order),
		recordingBehavior("high", 900, &order),
		recordingBehavior("mid", 500, &order),
	}

	chain := Compose(behaviors, func(ctx context.Context, inv *Invocation) result.Result[any] {
		order = append(order, "handler")
		return result.Ok[any](nil)
	})

	chain.Invoke(context.Background(), &Invocation{RequestType: "t"})

	want := []string{"high:enter", "mid:enter", "low:enter", "handler", "low:exit", "mid:exit", "high:exit"}
	if len(order) != len(want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("expected order[%d]=%q, got %q (full: %v)", i, want[i], order[i], order)
		}
	}
}

func TestComposeRecoversBehaviorPanic(t *testing.T) {
	panicking := Func{
		FuncName:     "boom",
		FuncPriority: 100,
		Fn: func(ctx context.Context, inv *Invocation, next Next) result.Result[any] {
			panic("kaboom")
		},
	}
	chain := Compose([]Behavior{panicking}, func(ctx context.Context, inv *Invocation) result.Result[any] {
		return result.Ok[any](nil)
	})

	r := chain.Invoke(context.Background(), &Invocation{RequestType: "t"})
	if r.IsOk() {
		t.Fatal("expected panic to surface as a failure")
	}
	if r.ErrorCode() != result.PipelineFailed {
		t.Errorf("expected PipelineFailed, got %s", r.ErrorCode())
	}
}

func TestComposeWithNoBehaviorsCallsHandlerDirectly(t *testing.T) {
	called := false
	chain := Compose(nil, func(ctx context.Context, inv *Invocation) result.Result[any] {
		called = true
		return result.Ok[any]("done")
	})

	r := chain.Invoke(context.Background(), &Invocation{})
	if !called {
		t.Error("expected handler to be called")
	}
	if r.Value() != "done" {
		t.Errorf("expected handler result to pass through, got %v", r.Value())
	}
}

func TestCacheGetOrComposeReturnsSameChainOnSecondCall(t *testing.T) {
	var cache Cache
	calls := 0
	handler := func(ctx context.Context, inv *Invocation) result.Result[any] {
		calls++
		return result.Ok[any](nil)
	}

	first := cache.GetOrCompose("demo.Type", nil, handler)
	second := cache.GetOrCompose("demo.Type", nil, handler)

	if first != second {
		t.Error("expected the same cached Chain instance on the second call")
	}
}

func TestCacheInvalidateForcesRecompose(t *testing.T) {
	var cache Cache
	handler := func(ctx context.Context, inv *Invocation) result.Result[any] {
		return result.Ok[any](nil)
	}

	first := cache.GetOrCompose("demo.Type", nil, handler)
	cache.Invalidate("demo.Type")
	second := cache.GetOrCompose("demo.Type", nil, handler)

	if first == second {
		t.Error("expected Invalidate to force a new Chain on next GetOrCompose")
	}
}
