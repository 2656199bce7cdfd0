package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/xcall-tracker/xtracker/log"
	"golang.org/x/sync/errgroup"
)

// ErrNoScanners is returned by a scheduler without chains nor jobs
var ErrNoScanners = errors.New("nothing to schedule")

// Job is a long running background task, it returns when ctx is done
type Job func(ctx context.Context) error

// Scheduler runs one scanner per chain plus the background jobs. A failing chain never
// stops the others: scanners only return once ctx is done.
type Scheduler struct {
	scanners []*ChainScanner
	jobs     map[string]Job
	log      *log.Logger
}

func NewScheduler(scanners []*ChainScanner, logger *log.Logger) *Scheduler {
	return &Scheduler{
		scanners: scanners,
		jobs:     make(map[string]Job),
		log:      logger,
	}
}

// AddJob registers a background job. Jobs are started by Run.
func (s *Scheduler) AddJob(name string, job Job) {
	s.jobs[name] = job
}

// Run blocks until ctx is done or a job fails
func (s *Scheduler) Run(ctx context.Context) error {
	if len(s.scanners) == 0 && len(s.jobs) == 0 {
		return ErrNoScanners
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, scanner := range s.scanners {
		scanner := scanner
		g.Go(func() error {
			return scanner.Run(ctx)
		})
	}
	for name, job := range s.jobs {
		name, job := name, job
		g.Go(func() error {
			if err := job(ctx); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		})
	}
	s.log.Infof("scheduler started: %d chains, %d jobs", len(s.scanners), len(s.jobs))
	err := g.Wait()
	s.log.Info("scheduler stopped")
	return err
}
