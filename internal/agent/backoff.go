package agent

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Backoff configures the reconnect delay: exponential from Base, capped at
// Max, each delay randomized by half its value either way.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// schedule builds a fresh delay sequence. It never gives up on its own;
// Run counts attempts against MaxAttempts.
func (b Backoff) schedule() *backoff.ExponentialBackOff {
	s := backoff.NewExponentialBackOff()
	s.InitialInterval = b.Base
	s.MaxInterval = b.Max
	s.Multiplier = 2
	s.RandomizationFactor = backoff.DefaultRandomizationFactor
	s.MaxElapsedTime = 0
	s.Reset()
	return s
}
