// Package poll drives bounded status polling against asynchronous platform
// jobs.
package poll

import (
	"context"
	"time"

	"github.com/blacktop/xpost/internal/xpost"
)

// Status is what a single poll observed.
type Status struct {
	// Done ends the loop successfully.
	Done bool
	// Err ends the loop with a failure (typically xpost.ProcessingError).
	Err error
	// Wait is the platform's advisory delay before the next poll. Zero means
	// use the policy interval.
	Wait time.Duration
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Policy bounds a polling loop by attempt count.
type Policy struct {
	Provider    string
	Step        string
	MaxAttempts int
	Interval    time.Duration
	Sleep       Sleeper
	// OnAttempt, when set, observes every attempt (1-based).
	OnAttempt func(attempt int)
}

// Run calls check until it reports Done or Err, sleeping between attempts.
// Exhausting MaxAttempts returns xpost.TimeoutError. Errors returned by check
// itself abort the loop unchanged.
func (p Policy) Run(ctx context.Context, check func(ctx context.Context, attempt int) (Status, error)) error {
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if p.OnAttempt != nil {
			p.OnAttempt(attempt)
		}
		st, err := check(ctx, attempt)
		if err != nil {
			return err
		}
		if st.Err != nil {
			return st.Err
		}
		if st.Done {
			return nil
		}
		if attempt == p.MaxAttempts {
			break
		}
		wait := st.Wait
		if wait <= 0 {
			wait = p.Interval
		}
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
	return xpost.TimeoutError{Provider: p.Provider, Step: p.Step, Attempts: p.MaxAttempts}
}

// Sleep is the real-time Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
