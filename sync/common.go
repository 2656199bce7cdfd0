package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xcall-tracker/xtracker/log"
)

var ErrMaxAttemptsReached = errors.New("max retry attempts reached")

// RetryHandler bounds the retries of a failing remote call
type RetryHandler struct {
	RetryAfterErrorPeriod      time.Duration
	MaxRetryAttemptsAfterError int
}

// Handle waits before the next attempt. It returns ErrMaxAttemptsReached once attempts
// reaches the configured maximum (a negative maximum retries forever) and the context
// error if ctx is done while waiting.
func (h *RetryHandler) Handle(ctx context.Context, funcName string, attempts int) error {
	if h.MaxRetryAttemptsAfterError > -1 && attempts >= h.MaxRetryAttemptsAfterError {
		return fmt.Errorf("%s failed too many times (%d): %w", funcName, attempts, ErrMaxAttemptsReached)
	}
	if h.RetryAfterErrorPeriod <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(h.RetryAfterErrorPeriod)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do runs fn until it succeeds, fails with a permanent error or the attempts are
// exhausted. The last error of fn is returned wrapped.
func (h *RetryHandler) Do(ctx context.Context, logger *log.Logger, funcName string, fn func() error) error {
	attempts := 0
	for {
		err := fn()
		if err == nil {
			return nil
		}
		var permanent *permanentError
		if errors.As(err, &permanent) {
			return permanent.err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		attempts++
		logger.Warnf("%s failed (attempt %d): %v", funcName, attempts, err)
		if errHandle := h.Handle(ctx, funcName, attempts); errHandle != nil {
			if errors.Is(errHandle, ErrMaxAttemptsReached) {
				return fmt.Errorf("%w: %w", errHandle, err)
			}
			return errHandle
		}
	}
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent stops Do from retrying err
func Permanent(err error) error {
	return &permanentError{err: err}
}
