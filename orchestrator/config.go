package orchestrator

import "github.com/xcall-tracker/xtracker/config/types"

type Config struct {
	// HopTimeout flags a hop without progress for this long as stalled. 0 disables it.
	HopTimeout types.Duration `mapstructure:"HopTimeout"`
	// HopTimeoutCheckInterval is the period of the hop timeout check
	HopTimeoutCheckInterval types.Duration `mapstructure:"HopTimeoutCheckInterval"`
	// SubmitTimeout bounds submission and fee estimation calls
	SubmitTimeout types.Duration `mapstructure:"SubmitTimeout"`
	// VerifySourceTx enables the receipt check of initiating transactions not yet seen
	// emitting MessageSent
	VerifySourceTx bool `mapstructure:"VerifySourceTx"`
}
