// Package validation holds wiring-time contract checks for constructors.
package validation

import (
	"fmt"
	"time"
)

// AssertNotNil panics when a mandatory dependency is missing.
// A nil dependency is a wiring mistake, so it must fail at startup rather than on first use.
//
//	validation.AssertNotNil(pool, "database pool")
func AssertNotNil[T any](ptr *T, name string) {
	if ptr == nil {
		panic(fmt.Sprintf("critical error: %s cannot be nil", name))
	}
}

// AssertPositive panics when an interval that drives a ticker or timer is not positive.
func AssertPositive(d time.Duration, name string) {
	if d <= 0 {
		panic(fmt.Sprintf("critical error: %s must be positive, got %s", name, d))
	}
}
