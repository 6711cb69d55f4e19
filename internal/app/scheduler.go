/**
 * @description
 * Cron scheduler for the periodic anchoring job.
 */
package app

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler runs the anchor batcher on a fixed cron schedule.
type Scheduler struct {
	cron       *cron.Cron
	batcher    *Batcher
	schedule   string
	batchLimit int
}

// NewScheduler creates a scheduler that anchors unanchored records on the
// given cron schedule.
func NewScheduler(batcher *Batcher, schedule string, batchLimit int) *Scheduler {
	cronLogger := cron.PrintfLogger(log.Default())
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:       c,
		batcher:    batcher,
		schedule:   schedule,
		batchLimit: batchLimit,
	}
}

// Start registers the anchoring job and starts the cron scheduler.
func (s *Scheduler) Start() {
	if _, err := s.cron.AddFunc(s.schedule, s.runAnchorJob); err != nil {
		log.Printf("level=error component=scheduler msg=\"failed to schedule anchoring job\" schedule=%q err=%v", s.schedule, err)
		return
	}
	log.Printf("level=info component=scheduler msg=\"scheduled anchoring job\" schedule=%q", s.schedule)
	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) runAnchorJob() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	result, err := s.batcher.BatchAndAnchor(ctx, s.batchLimit)
	if err != nil {
		log.Printf("level=error component=scheduler msg=\"anchoring job failed\" err=%v", err)
		return
	}
	if result.RecordCount == 0 {
		return
	}
	log.Printf("level=info component=scheduler msg=\"anchoring job finished\" records=%d", result.RecordCount)
}
