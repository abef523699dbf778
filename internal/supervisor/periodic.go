package supervisor

import (
	"context"
	"time"
)

// Periodic runs fn on a fixed interval until its context is canceled. It
// implements suture.Service; a panic in fn restarts the loop.
type Periodic struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context)
}

// NewPeriodic creates a periodic task.
func NewPeriodic(name string, interval time.Duration, fn func(ctx context.Context)) *Periodic {
	return &Periodic{name: name, interval: interval, fn: fn}
}

// Serve implements suture.Service.
func (p *Periodic) Serve(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.fn(ctx)
		}
	}
}

// String implements fmt.Stringer for the supervisor's log lines.
func (p *Periodic) String() string {
	return p.name
}
