package util

import "time"

// Clock abstracts the time source so rate-limit windows are testable.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
