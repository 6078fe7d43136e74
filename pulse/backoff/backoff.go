// Package backoff maps a retry attempt to the delay before the job becomes
// eligible again. Policies are stateless and safe for concurrent use.
package backoff

import (
	"math"
	"time"
)

// Policy is an exponential backoff capped at MaxDelay:
//
//	Delay(n) = min(Base^n, MaxDelay) units
//
// With Base=2, Unit=1m and MaxDelay=8m: 2m, 4m, 8m, 8m, ...
type Policy struct {
	Base     float64
	MaxDelay time.Duration
	// Unit scales Base^n; zero means one minute.
	Unit time.Duration
}

// DefaultPolicy is base 2, capped at 8 minutes.
func DefaultPolicy() Policy {
	return Policy{Base: 2, MaxDelay: 8 * time.Minute, Unit: time.Minute}
}

// New creates a policy measured in minutes.
func New(base float64, maxDelay time.Duration) Policy {
	return Policy{Base: base, MaxDelay: maxDelay, Unit: time.Minute}
}

// Delay returns the wait before retry attempt n (1 is the first retry).
// Attempts below 1 yield zero.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}

	unit := p.Unit
	if unit <= 0 {
		unit = time.Minute
	}

	units := math.Pow(p.Base, float64(attempt))
	// Anything past MaxInt64 nanoseconds is capped below
	if math.IsInf(units, 0) || math.IsNaN(units) || units*float64(unit) >= math.MaxInt64 {
		return p.cap(time.Duration(math.MaxInt64))
	}
	return p.cap(time.Duration(units * float64(unit)))
}

// NextAt returns now + Delay(attempt).
func (p Policy) NextAt(now time.Time, attempt int) time.Time {
	return now.Add(p.Delay(attempt))
}

func (p Policy) cap(d time.Duration) time.Duration {
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}
