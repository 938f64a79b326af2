package domain

import "time"

// Clock abstracts wall-clock reads so interest accrual and scheduling can be
// driven deterministically in tests.  Production code uses SystemClock.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real wall clock in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }
