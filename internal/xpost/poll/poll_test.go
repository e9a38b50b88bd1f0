package poll

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/blacktop/xpost/internal/xpost"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSleeper struct {
	waits []time.Duration
}

func (r *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	r.waits = append(r.waits, d)
	return nil
}

func TestPolicyTimesOutAtCap(t *testing.T) {
	sleeper := &recordingSleeper{}
	p := Policy{Provider: "twitter", Step: "status", MaxAttempts: 60, Interval: 5 * time.Second, Sleep: sleeper.Sleep}

	calls := 0
	err := p.Run(context.Background(), func(ctx context.Context, attempt int) (Status, error) {
		calls++
		return Status{}, nil
	})

	var timeoutErr xpost.TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, 60, timeoutErr.Attempts)
	assert.Equal(t, 60, calls)
	assert.Len(t, sleeper.waits, 59)
	for _, w := range sleeper.waits {
		assert.Equal(t, 5*time.Second, w)
	}
}

func TestPolicyHonoursWaitHint(t *testing.T) {
	sleeper := &recordingSleeper{}
	p := Policy{MaxAttempts: 5, Interval: 5 * time.Second, Sleep: sleeper.Sleep}

	err := p.Run(context.Background(), func(ctx context.Context, attempt int) (Status, error) {
		if attempt == 3 {
			return Status{Done: true}, nil
		}
		return Status{Wait: time.Duration(attempt) * time.Second}, nil
	})

	require.NoError(t, err)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeper.waits)
}

func TestPolicyStopsOnReportedFailure(t *testing.T) {
	sleeper := &recordingSleeper{}
	p := Policy{MaxAttempts: 10, Interval: time.Second, Sleep: sleeper.Sleep}
	failure := xpost.ProcessingError{Provider: "bluesky", Message: "Video is too long"}

	var attempts []int
	err := p.Run(context.Background(), func(ctx context.Context, attempt int) (Status, error) {
		attempts = append(attempts, attempt)
		if attempt == 2 {
			return Status{Err: failure}, nil
		}
		return Status{}, nil
	})

	assert.Equal(t, failure, err)
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestPolicyPropagatesCheckError(t *testing.T) {
	p := Policy{MaxAttempts: 10, Interval: time.Second, Sleep: (&recordingSleeper{}).Sleep}
	boom := errors.New("status 502")

	err := p.Run(context.Background(), func(ctx context.Context, attempt int) (Status, error) {
		return Status{}, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestPolicyOnAttempt(t *testing.T) {
	var seen []int
	p := Policy{MaxAttempts: 3, Sleep: (&recordingSleeper{}).Sleep, OnAttempt: func(a int) { seen = append(seen, a) }}
	_ = p.Run(context.Background(), func(ctx context.Context, attempt int) (Status, error) {
		return Status{}, nil
	})
	assert.Equal(t, []int{1, 2, 3}, seen)
}

func TestSleepHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Sleep(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
}
