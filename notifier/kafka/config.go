package kafka

import "github.com/xcall-tracker/xtracker/config/types"

type Config struct {
	// Enabled turns on the status change stream
	Enabled bool `mapstructure:"Enabled"`
	// Brokers is the bootstrap.servers list
	Brokers string `mapstructure:"Brokers"`
	// Topic receives one record per status change keyed by transaction id
	Topic string `mapstructure:"Topic"`
	// DeliveryTimeout bounds the wait for the broker acknowledgement
	DeliveryTimeout types.Duration `mapstructure:"DeliveryTimeout"`
	// MaxDeliveryAttempts is the number of tries per record before it is dropped
	MaxDeliveryAttempts int `mapstructure:"MaxDeliveryAttempts"`
}
