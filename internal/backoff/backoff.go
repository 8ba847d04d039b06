// Package backoff computes exponential retry delays with jitter and
// retries fallible operations.
package backoff

import (
	"errors"
	"fmt"
	"iter"
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

var ErrInvalid = errors.New("invalid backoff")

// RandReader provides https://pkg.go.dev/math/rand/v2#Float64.
type RandReader interface{ Float64() float64 }

// Backoff computes the delay of a given attempt. It holds no state and
// is safe to copy.
type Backoff struct {
	Min    time.Duration // Delay of the first retry, >0 and <=Max.
	Max    time.Duration // Upper bound of the exponential growth.
	Factor float64       // Growth per attempt, >1.
	Jitter float64       // Relative spread in [0, 1].
	Rand   RandReader
}

// New validates the parameters. A PCG source is created if randSource is nil.
func New(
	min, max time.Duration, factor, jitter float64, randSource RandReader,
) (Backoff, error) {
	switch {
	case min <= 0:
		return Backoff{}, fmt.Errorf("%w: min(%d) must be >0", ErrInvalid, min)
	case min > max:
		return Backoff{}, fmt.Errorf("%w: min(%s) > max(%s)", ErrInvalid, min, max)
	case factor <= 1:
		return Backoff{}, fmt.Errorf("%w: factor(%g) must be >1", ErrInvalid, factor)
	case jitter < 0 || jitter > 1:
		return Backoff{}, fmt.Errorf("%w: jitter(%g) not in [0,1]", ErrInvalid, jitter)
	}
	if randSource == nil {
		randSource = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return Backoff{Min: min, Max: max, Factor: factor, Jitter: jitter, Rand: randSource}, nil
}

// Delay returns the delay before attempt, 0 for the initial attempt 0.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	d := b.Max
	if e := float64(b.Min) * math.Pow(b.Factor, float64(attempt-1)); e < float64(b.Max) {
		d = time.Duration(e)
	}
	if b.Jitter == 0 {
		return d
	}
	spread := float64(d) * b.Jitter * (b.Rand.Float64()*2 - 1)
	return max(d+time.Duration(spread), b.Min)
}

// Sequence is a Backoff with an attempt counter shared between goroutines.
// Time spent between two calls to Next counts towards the delay.
type Sequence struct {
	lock    sync.Mutex
	backoff Backoff
	now     func() time.Time
	attempt int
	last    time.Time
}

func NewSequence(b Backoff) *Sequence {
	return &Sequence{backoff: b, now: time.Now}
}

// Next returns the remaining delay before the next attempt.
func (s *Sequence) Next() time.Duration {
	s.lock.Lock()
	defer s.lock.Unlock()

	now := s.now()
	d := s.backoff.Delay(s.attempt)
	s.attempt++
	last := s.last
	s.last = now
	if last.IsZero() {
		return d
	}
	return max(d-now.Sub(last), 0)
}

// Reset starts the sequence over.
func (s *Sequence) Reset() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.attempt, s.last = 0, time.Time{}
}

// All yields attempt indexes and their delays until the consumer stops.
func (s *Sequence) All() iter.Seq2[int, time.Duration] {
	return func(yield func(int, time.Duration) bool) {
		for i := 0; yield(i, s.Next()); i++ {
		}
	}
}
