package sync

import "github.com/xcall-tracker/xtracker/config/types"

type Config struct {
	// SyncInterval is the period between two scans of a chain
	SyncInterval types.Duration `mapstructure:"SyncInterval"`
	// SyncBlockChunkSize is the maximum number of heights fetched per scan
	SyncBlockChunkSize uint64 `mapstructure:"SyncBlockChunkSize"`
	// MaxConsecutiveFailures flags the active messages of a chain as stalled after this
	// many failed scans in a row
	MaxConsecutiveFailures int `mapstructure:"MaxConsecutiveFailures"`
	// InitialLookback is how far behind the current height a chain without persisted
	// progress nor active messages starts scanning
	InitialLookback uint64 `mapstructure:"InitialLookback"`
	// RetryAfterErrorPeriod is the wait between retries of a remote call
	RetryAfterErrorPeriod types.Duration `mapstructure:"RetryAfterErrorPeriod"`
	// MaxRetryAttemptsAfterError bounds the retries of a remote call, -1 retries forever
	MaxRetryAttemptsAfterError int `mapstructure:"MaxRetryAttemptsAfterError"`
}

// RetryHandler builds the retry policy shared by the chain adapters
func (c Config) RetryHandler() *RetryHandler {
	return &RetryHandler{
		RetryAfterErrorPeriod:      c.RetryAfterErrorPeriod.Duration,
		MaxRetryAttemptsAfterError: c.MaxRetryAttemptsAfterError,
	}
}
