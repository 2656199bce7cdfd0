package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xcall-tracker/xtracker/log"
)

func TestRetryHandlerDo(t *testing.T) {
	rh := &RetryHandler{RetryAfterErrorPeriod: time.Millisecond, MaxRetryAttemptsAfterError: 3}
	logger := log.WithFields("test", "retry")
	errBoom := errors.New("boom")

	t.Run("succeeds after transient errors", func(t *testing.T) {
		calls := 0
		err := rh.Do(context.Background(), logger, "fetch", func() error {
			calls++
			if calls < 3 {
				return errBoom
			}
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 3, calls)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		calls := 0
		err := rh.Do(context.Background(), logger, "fetch", func() error {
			calls++
			return errBoom
		})
		require.ErrorIs(t, err, ErrMaxAttemptsReached)
		require.ErrorIs(t, err, errBoom)
		require.Equal(t, 3, calls)
	})

	t.Run("permanent errors are not retried", func(t *testing.T) {
		calls := 0
		err := rh.Do(context.Background(), logger, "fetch", func() error {
			calls++
			return Permanent(errBoom)
		})
		require.ErrorIs(t, err, errBoom)
		require.Equal(t, 1, calls)
	})

	t.Run("cancelled context stops waiting", func(t *testing.T) {
		slow := &RetryHandler{RetryAfterErrorPeriod: time.Hour, MaxRetryAttemptsAfterError: -1}
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()
		err := slow.Do(ctx, logger, "fetch", func() error { return errBoom })
		require.ErrorIs(t, err, context.Canceled)
	})
}
