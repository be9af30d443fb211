package worker

import (
	"context"
	"time"

	"pinehill/internal/pkg/logger"
)

// Poller repeatedly asks the driver for work. When a tick claimed a job it
// polls again immediately; otherwise it sleeps one interval.
type Poller struct {
	driver   *Driver
	interval time.Duration
	log      *logger.Logger
}

func NewPoller(driver *Driver, interval time.Duration, log *logger.Logger) *Poller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if log == nil {
		log = logger.NewDefault()
	}
	return &Poller{driver: driver, interval: interval, log: log.WithComponent("poller")}
}

// Run blocks until ctx is cancelled. Claim errors are logged and retried on
// the next tick; a flaky database must not kill the worker.
func (p *Poller) Run(ctx context.Context) error {
	p.log.Info("poller started", "interval", p.interval.String())

	for {
		worked, err := p.driver.Tick(ctx)
		if err != nil {
			p.log.WithError(err).Warn("tick failed")
		}

		if worked && ctx.Err() == nil {
			continue
		}

		select {
		case <-ctx.Done():
			p.log.Info("poller stopped")
			return ctx.Err()
		case <-time.After(p.interval):
		}
	}
}
