package engine

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrDisabled    = errors.New("task engine disabled")
	ErrStopped     = errors.New("task engine stopped")
	ErrStopping    = errors.New("task engine stopping")
	ErrQueueFull   = errors.New("task engine queue full")
	ErrOverlapSkip = errors.New("task skipped: previous run still active")
)

// RetryAfterError carries the delay a task asked for before its next try.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

// hinted wraps a task error with a retry policy override.
type hinted struct {
	err     error
	noRetry bool
	after   time.Duration
}

func (e *hinted) Error() string {
	if e.noRetry {
		return "permanent: " + e.err.Error()
	}
	return fmt.Sprintf("%v (retry in %s)", e.err, e.after)
}

func (e *hinted) Unwrap() error { return e.err }

// NoRetry makes the engine give up on err immediately. Scan failures use it;
// the next trigger tick is their retry.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return &hinted{err: err, noRetry: true}
}

func IsNoRetry(err error) bool {
	var h *hinted
	return errors.As(err, &h) && h.noRetry
}

// RetryAfter asks for a specific delay, still capped by RetryMaxDelay and jittered.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return &retryHint{hinted{err: err, after: max(after, 0)}}
}

// retryHint is the only shape that satisfies RetryAfterError, so NoRetry
// errors are never mistaken for a delay hint.
type retryHint struct{ hinted }

func (e *retryHint) RetryAfter() time.Duration { return e.after }
