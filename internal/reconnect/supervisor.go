// Package reconnect decides what happens after a peer transport fails:
// retry after a backoff delay, or stop and ask the user.
package reconnect

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy configures automatic retries.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	Multiplier      float64
}

// DefaultPolicy is 3 attempts at 1s, 1.5s, 2.25s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: time.Second,
		Multiplier:      1.5,
	}
}

// Action is the supervisor's verdict on a failure.
type Action int

const (
	ActionRetry Action = iota
	ActionAskUser
)

func (a Action) String() string {
	if a == ActionRetry {
		return "retry"
	}
	return "ask-user"
}

// Decision is returned by OnFailure.
type Decision struct {
	Action  Action
	Delay   time.Duration
	Attempt int // 1-based attempt number when Action is ActionRetry
}

// Supervisor hands out one Tracker per peer session.
type Supervisor struct {
	policy Policy
}

func NewSupervisor(p Policy) *Supervisor {
	if p.MaxAttempts < 0 {
		p.MaxAttempts = 0
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = DefaultPolicy().InitialInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultPolicy().Multiplier
	}
	return &Supervisor{policy: p}
}

func (s *Supervisor) Policy() Policy { return s.policy }

// Track creates the retry state for a new peer session.
func (s *Supervisor) Track() *Tracker {
	t := &Tracker{policy: s.policy}
	t.Reset()
	return t
}

// OnFailure consumes one attempt from t, or asks for a user decision once
// the automatic attempts are used up.
func (s *Supervisor) OnFailure(t *Tracker) Decision {
	delay, ok := t.next()
	if !ok {
		return Decision{Action: ActionAskUser}
	}
	return Decision{Action: ActionRetry, Delay: delay, Attempt: t.attempts}
}

// Tracker counts reconnect attempts for one peer session.
type Tracker struct {
	policy   Policy
	b        backoff.BackOff
	attempts int
}

// Reset zeroes the attempt counter, after a successful connection or when the
// user asks for a manual retry.
func (t *Tracker) Reset() {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = t.policy.InitialInterval
	eb.Multiplier = t.policy.Multiplier
	eb.RandomizationFactor = 0
	eb.MaxInterval = time.Hour
	eb.MaxElapsedTime = 0
	eb.Reset()
	t.b = backoff.WithMaxRetries(eb, uint64(t.policy.MaxAttempts))
	t.attempts = 0
}

// Attempts returns how many automatic retries have been scheduled since the
// last reset.
func (t *Tracker) Attempts() int { return t.attempts }

// Exhausted reports whether no automatic attempts remain.
func (t *Tracker) Exhausted() bool { return t.attempts >= t.policy.MaxAttempts }

func (t *Tracker) next() (time.Duration, bool) {
	d := t.b.NextBackOff()
	if d == backoff.Stop {
		return 0, false
	}
	t.attempts++
	return d, true
}
