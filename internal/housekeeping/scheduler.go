// Package housekeeping runs periodic cleanup jobs on a cron schedule.
package housekeeping

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/supportpanel/server/internal/repo"
)

// Job is one scheduled task. Schedule accepts standard cron expressions and
// descriptors such as "@every 1m".
type Job struct {
	Name     string
	Schedule string
	Timeout  time.Duration
	Run      func(ctx context.Context) error
}

// Sweeper is an in-memory structure that drops its own expired entries.
type Sweeper interface {
	Sweep() int
}

// Scheduler owns the cron engine and the registered jobs.
type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// New registers jobs on a UTC cron engine. It fails on an invalid schedule.
func New(jobs ...Job) (*Scheduler, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:   cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, j := range jobs {
		j := j
		if _, err := s.cron.AddFunc(j.Schedule, func() { s.run(j) }); err != nil {
			cancel()
			return nil, fmt.Errorf("schedule %s (%q): %w", j.Name, j.Schedule, err)
		}
	}
	return s, nil
}

func (s *Scheduler) run(j Job) {
	ctx := s.ctx
	if j.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.Timeout)
		defer cancel()
	}
	m := globalMetrics()
	if err := j.Run(ctx); err != nil {
		m.runs.WithLabelValues(j.Name, "error").Inc()
		log.Printf("housekeeping: %s failed: %v", j.Name, err)
		return
	}
	m.runs.WithLabelValues(j.Name, "ok").Inc()
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	log.Printf("housekeeping: scheduler started with %d job(s)", len(s.cron.Entries()))
}

// Stop cancels running jobs and waits for them to return or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		log.Printf("housekeeping: stop timed out")
	}
}

// PurgePendingLogins deletes pending logins that expired before now.
func PurgePendingLogins(pending repo.PendingLoginRepo, now func() time.Time) func(context.Context) error {
	return func(ctx context.Context) error {
		n, err := pending.DeleteExpired(ctx, now().UTC())
		if err != nil {
			return err
		}
		if n > 0 {
			log.Printf("housekeeping: purged %d expired pending login(s)", n)
		}
		return nil
	}
}

// Sweep wraps an in-memory sweeper as a job body.
func Sweep(name string, s Sweeper) func(context.Context) error {
	return func(context.Context) error {
		if n := s.Sweep(); n > 0 {
			log.Printf("housekeeping: %s dropped %d expired entr(ies)", name, n)
		}
		return nil
	}
}

// SweepFunc adapts a plain function to Sweeper.
type SweepFunc func() int

func (f SweepFunc) Sweep() int { return f() }
