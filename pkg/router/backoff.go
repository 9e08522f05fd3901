package router

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// LinearBackOff waits `n * Step` after the n-th failed attempt.
//
// It is not safe for concurrent use; `Client` creates one per fetch.
//
type LinearBackOff struct {
	Step time.Duration

	// Max caps a single delay. Zero means no cap.
	//
	Max time.Duration

	attempt int64
}

var _ backoff.BackOff = (*LinearBackOff)(nil)

// NewLinearBackOff waits `step` longer on every attempt, up to `maxDelay` (zero for no cap).
//
func NewLinearBackOff(step, maxDelay time.Duration) *LinearBackOff {
	return &LinearBackOff{
		Step: step,
		Max:  maxDelay,
	}
}

// NextBackOff implements backoff.BackOff.
//
func (b *LinearBackOff) NextBackOff() time.Duration {
	b.attempt++

	d := time.Duration(b.attempt) * b.Step
	if b.Max > 0 && d > b.Max {
		return b.Max
	}

	return d
}

// Reset implements backoff.BackOff.
//
func (b *LinearBackOff) Reset() {
	b.attempt = 0
}
