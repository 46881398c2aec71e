package approval

import (
	"time"

	"github.com/robfig/cron/v3"
)

// Reaper periodically drives ProcessTimeouts, keeping the sweep interval
// much smaller than the smallest timeout_seconds any contract may grant
// (§5 "Cancellation and timeouts").
type Reaper struct {
	cron *cron.Cron
	svc  *Service
}

// NewReaper builds a reaper that calls svc.ProcessTimeouts every interval.
// interval should comfortably undercut the smallest approval timeout in use;
// a 5s default matches the granularity of the teacher's own reaper.
func NewReaper(svc *Service, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	c := cron.New(cron.WithSeconds())
	spec := cronSpecForInterval(interval)
	r := &Reaper{cron: c, svc: svc}
	c.AddFunc(spec, func() { svc.ProcessTimeouts(time.Now().UTC()) })
	return r
}

// cronSpecForInterval renders a @every-style cron spec for interval.
func cronSpecForInterval(d time.Duration) string {
	return "@every " + d.String()
}

// Start begins the sweep in the background. Stop (or letting the process
// exit) halts it.
func (r *Reaper) Start() { r.cron.Start() }

// Stop halts the sweep, blocking until the running job (if any) finishes.
func (r *Reaper) Stop() { r.cron.Stop() }
