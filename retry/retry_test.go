package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := fastPolicy(5).Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("503 service unavailable")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	sentinel := errors.New("bad request")
	calls := 0
	err := fastPolicy(5).Do(context.Background(), func(context.Context) error {
		calls++
		return Permanent(sentinel)
	})

	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, calls)
}

func TestDoGivesUpAfterMaxAttempts(t *testing.T) {
	retries := 0
	policy := fastPolicy(4)
	policy.OnRetry = func(error, time.Duration) { retries++ }

	calls := 0
	err := policy.Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("429 too many requests")
	})

	assert.ErrorContains(t, err, "429")
	assert.Equal(t, 4, calls)
	assert.Equal(t, 3, retries)
}

func TestDoHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Policy{MaxAttempts: 10, BaseDelay: time.Hour, MaxDelay: time.Hour}.Do(ctx, func(context.Context) error {
		calls++
		cancel()
		return errors.New("timeout")
	})

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoWaitsForServerHint(t *testing.T) {
	var waits []time.Duration
	policy := fastPolicy(2)
	policy.OnRetry = func(_ error, wait time.Duration) { waits = append(waits, wait) }

	calls := 0
	err := policy.Do(context.Background(), func(context.Context) error {
		calls++
		if calls == 1 {
			return After(errors.New("quota exceeded"), 20*time.Millisecond)
		}
		return nil
	})

	require.NoError(t, err)
	require.Len(t, waits, 1)
	assert.GreaterOrEqual(t, waits[0], 20*time.Millisecond)
}

func TestHintFromMessage(t *testing.T) {
	wait, ok := HintFromMessage(errors.New("RESOURCE_EXHAUSTED: Please retry in 10.150251921s."))
	require.True(t, ok)
	assert.InDelta(t, 10.15, wait.Seconds(), 0.001)

	_, ok = HintFromMessage(errors.New("connection reset"))
	assert.False(t, ok)

	_, ok = HintFromMessage(nil)
	assert.False(t, ok)
}

func TestIsPermanent(t *testing.T) {
	assert.True(t, IsPermanent(Permanent(errors.New("x"))))
	assert.False(t, IsPermanent(errors.New("x")))
	assert.NoError(t, Permanent(nil))
}
