package pipeline

import (
	"context"

	"go.flowmediator.dev/result"
)

// Validator is implemented by a request that can check its own invariants
// before the handler runs. Requests that don't implement it skip
// validation entirely (inert pass-through).
type Validator interface {
	Validate() error
}

// Validation is the priority-900 standard behavior: requests implementing
// Validator are checked before next is invoked; a validation failure
// short-circuits with ValidationFailed and never reaches the handler.
type Validation struct{}

func NewValidation() *Validation { return &Validation{} }

func (v *Validation) Name() string  { return "Validation" }
func (v *Validation) Priority() int { return PriorityValidation }

func (v *Validation) Handle(ctx context.Context, inv *Invocation, next Next) result.Result[any] {
	if validator, ok := inv.Request.(Validator); ok {
		if err := validator.Validate(); err != nil {
			return result.FailFrom[any](result.ValidationFailed, err.Error(), err)
		}
	}
	return next(ctx, inv)
}
