// Package pointer builds the pointers used for the optional fields of wire types.
package pointer

import (
	"time"

	"k8s.io/utils/clock"
)

func Pointer[T any](v T) *T {
	return &v
}

// Now returns a pointer to the current UTC time of the given clock.
func Now(c clock.PassiveClock) *time.Time {
	t := c.Now().UTC()
	return &t
}
