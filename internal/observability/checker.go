package observability

import "context"

// Checker reports the health of one dependency in the readiness probe.
// Check must honour ctx: the probe enforces the configured timeout through it.
type Checker interface {
	Name() string
	Check(ctx context.Context) error
}

// CheckFunc adapts a function into a Checker.
type CheckFunc struct {
	name string
	fn   func(ctx context.Context) error
}

// NewCheckFunc names fn as a readiness component.
func NewCheckFunc(name string, fn func(ctx context.Context) error) CheckFunc {
	return CheckFunc{name: name, fn: fn}
}

// Name returns the component name.
func (c CheckFunc) Name() string { return c.name }

// Check runs the function.
func (c CheckFunc) Check(ctx context.Context) error { return c.fn(ctx) }
