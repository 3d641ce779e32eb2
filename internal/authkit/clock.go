package authkit

import "time"

// Clock provides the current time. Injected so token expiry can be tested.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

// Now returns the current UTC timestamp.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// NewSystemClock constructs the production clock.
func NewSystemClock() SystemClock {
	return SystemClock{}
}
