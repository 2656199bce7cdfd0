package tracker

import "github.com/xcall-tracker/xtracker/config/types"

type Config struct {
	// DBPath is the sqlite file holding transactions, messages, events and watermarks
	DBPath string `mapstructure:"DBPath"`
	// RetentionPeriod is how long final transactions stay visible before being archived.
	// Orphan events older than this are deleted. 0 disables the job.
	RetentionPeriod types.Duration `mapstructure:"RetentionPeriod"`
	// RetentionSchedule is the cron spec of the retention job ("@every 1h", "0 3 * * *")
	RetentionSchedule string `mapstructure:"RetentionSchedule"`
	// NotificationBuffer is the per subscriber buffer of status changes
	NotificationBuffer int `mapstructure:"NotificationBuffer"`
}
