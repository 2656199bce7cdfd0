package tracker

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/xcall-tracker/xtracker/log"
	"github.com/xcall-tracker/xtracker/tracker/storage"
)

const defaultRetentionSchedule = "@every 1h"

// Retention archives final transactions and prunes orphan events on a cron schedule
type Retention struct {
	storage  storage.Storage
	period   time.Duration
	schedule string
	log      *log.Logger
	now      func() time.Time
}

func NewRetention(st storage.Storage, cfg Config, logger *log.Logger) *Retention {
	schedule := cfg.RetentionSchedule
	if schedule == "" {
		schedule = defaultRetentionSchedule
	}
	return &Retention{
		storage:  st,
		period:   cfg.RetentionPeriod.Duration,
		schedule: schedule,
		log:      logger,
		now:      time.Now,
	}
}

// Start runs the job until ctx is done. A zero period disables it.
func (r *Retention) Start(ctx context.Context) error {
	if r.period <= 0 {
		r.log.Info("retention disabled")
		<-ctx.Done()
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(r.schedule, func() {
		if _, _, err := r.RunOnce(ctx); err != nil {
			r.log.Errorf("retention run failed: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", r.schedule, err)
	}
	r.log.Infof("retention of %s scheduled %q", r.period, r.schedule)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// RunOnce archives and prunes everything older than the retention period
func (r *Retention) RunOnce(ctx context.Context) (archived, pruned int64, err error) {
	now := r.now().UTC()
	cutoff := now.Add(-r.period)
	archived, err = r.storage.ArchiveTransactions(ctx, cutoff, now)
	if err != nil {
		return 0, 0, fmt.Errorf("archive transactions: %w", err)
	}
	pruned, err = r.storage.PruneOrphanEvents(ctx, cutoff)
	if err != nil {
		return archived, 0, fmt.Errorf("prune events: %w", err)
	}
	if archived > 0 || pruned > 0 {
		r.log.Infof("retention: archived %d transactions, pruned %d orphan events", archived, pruned)
	}
	return archived, pruned, nil
}
