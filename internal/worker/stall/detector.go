// Package stall rescues jobs abandoned by crashed or hung workers. A job
// that sits in a claimed state past its threshold is pushed back to the
// matching queue state, where any live poller can claim it again.
package stall

import (
	"context"
	"time"

	"pinehill/internal/config"
	"pinehill/internal/model"
	"pinehill/internal/pkg/logger"
)

// Store is the one persistence call the detector needs.
type Store interface {
	ResetStale(ctx context.Context, from, to model.Status, olderThan time.Duration) (int64, error)
}

type Detector struct {
	store Store
	cfg   config.StallConfig
	log   *logger.Logger
}

func New(store Store, cfg config.StallConfig, log *logger.Logger) *Detector {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Minute
	}
	if cfg.GeneratingAfter <= 0 {
		cfg.GeneratingAfter = 5 * time.Minute
	}
	if cfg.RenderPendingAfter <= 0 {
		cfg.RenderPendingAfter = 2 * time.Minute
	}
	if log == nil {
		log = logger.NewDefault()
	}
	return &Detector{store: store, cfg: cfg, log: log.WithComponent("stall-detector")}
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (d *Detector) Run(ctx context.Context) error {
	d.log.Info("stall detector started",
		"check_interval", d.cfg.CheckInterval.String(),
		"generating_after", d.cfg.GeneratingAfter.String(),
		"render_pending_after", d.cfg.RenderPendingAfter.String(),
	)

	ticker := time.NewTicker(d.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.log.Info("stall detector stopped")
			return ctx.Err()
		case <-ticker.C:
			d.Sweep(ctx)
		}
	}
}

// Sweep runs one pass over every claimed state. Generation work restarts
// from queued; render work keeps its chunk results and goes back to
// render_queued, where recovery-style resume applies.
func (d *Detector) Sweep(ctx context.Context) {
	d.reset(ctx, model.StatusGenerating, model.StatusQueued, d.cfg.GeneratingAfter)
	d.reset(ctx, model.StatusLambdaPending, model.StatusRenderQueued, d.cfg.RenderPendingAfter)
	d.reset(ctx, model.StatusRendering, model.StatusRenderQueued, d.cfg.RenderPendingAfter)
}

func (d *Detector) reset(ctx context.Context, from, to model.Status, after time.Duration) {
	n, err := d.store.ResetStale(ctx, from, to, after)
	if err != nil {
		d.log.WithError(err).Error("stale reset failed", "from", string(from))
		return
	}
	if n > 0 {
		d.log.Warn("reset stalled jobs",
			"count", n,
			"from", string(from),
			"to", string(to),
			"older_than", after.String(),
		)
	}
}
