// Package retry holds the retry-with-backoff policy shared by every remote call
// (embedding batches, answer generation).
package retry

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy describes how often and how long a remote call is retried.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64

	// OnRetry, when set, is called before each wait.
	OnRetry func(err error, wait time.Duration)
}

// Default returns the policy used when no configuration is supplied.
func Default() Policy {
	return Policy{
		MaxAttempts: 6,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Jitter:      0.2,
	}
}

// Permanent marks err as not worth retrying. Do returns the unwrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var permanent *backoff.PermanentError
	return errors.As(err, &permanent)
}

type afterError struct {
	err  error
	wait time.Duration
}

func (e *afterError) Error() string { return e.err.Error() }
func (e *afterError) Unwrap() error { return e.err }

// After attaches a server-provided minimum wait to err.
func After(err error, wait time.Duration) error {
	if err == nil {
		return nil
	}
	return &afterError{err: err, wait: wait}
}

// Do runs fn until it succeeds, returns a permanent error, the attempts are used up,
// or ctx is done. The last error from fn is returned on failure.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.BaseDelay
	if exp.InitialInterval <= 0 {
		exp.InitialInterval = backoff.DefaultInitialInterval
	}
	exp.MaxInterval = p.MaxDelay
	if exp.MaxInterval <= 0 {
		exp.MaxInterval = backoff.DefaultMaxInterval
	}
	exp.RandomizationFactor = p.Jitter
	exp.MaxElapsedTime = 0

	hinted := &hintedBackOff{BackOff: exp}
	var b backoff.BackOff = backoff.WithMaxRetries(hinted, uint64(attempts-1))
	b = backoff.WithContext(b, ctx)

	operation := func() error {
		err := fn(ctx)
		var after *afterError
		if errors.As(err, &after) {
			hinted.hint = after.wait
		} else if wait, ok := HintFromMessage(err); ok {
			hinted.hint = wait
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		if p.OnRetry != nil {
			p.OnRetry(err, wait)
		}
	}

	return backoff.RetryNotify(operation, b, notify)
}

// hintedBackOff waits at least as long as the last server hint.
type hintedBackOff struct {
	backoff.BackOff
	hint time.Duration
}

func (h *hintedBackOff) NextBackOff() time.Duration {
	next := h.BackOff.NextBackOff()
	if next == backoff.Stop {
		return next
	}
	if h.hint > next {
		next = h.hint
	}
	h.hint = 0
	return next
}

// HintFromMessage extracts a "retry in 10.15s" style wait from an error message.
func HintFromMessage(err error) (time.Duration, bool) {
	if err == nil {
		return 0, false
	}
	msg := strings.ToLower(err.Error())
	idx := strings.Index(msg, "retry in ")
	if idx < 0 {
		return 0, false
	}
	tail := msg[idx+len("retry in "):]

	end := 0
	for end < len(tail) && (tail[end] == '.' || (tail[end] >= '0' && tail[end] <= '9')) {
		end++
	}
	if end == 0 {
		return 0, false
	}
	seconds, err := strconv.ParseFloat(tail[:end], 64)
	if err != nil || seconds <= 0 {
		return 0, false
	}
	return time.Duration(seconds * float64(time.Second)), true
}
