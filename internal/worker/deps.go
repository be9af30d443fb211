// Package worker contains the poller that drives video jobs through the
// generation and rendering pipeline. One worker process runs one poller; the
// job store's conditional claims make multiple processes safe.
package worker

import (
	"context"
	"time"

	"pinehill/internal/config"
	"pinehill/internal/model"
	"pinehill/internal/pkg/logger"
	"pinehill/internal/ports"
	"pinehill/internal/worker/assetgen"
	"pinehill/internal/worker/quality"
	"pinehill/internal/worker/renderer"
)

// Store is the persistence surface the poller needs. *postgres.JobStore
// satisfies it.
type Store interface {
	Claim(ctx context.Context, from, to model.Status) (*model.Job, error)
	Get(ctx context.Context, id string) (*model.Job, error)
	Update(ctx context.Context, job *model.Job) error
	SaveProgress(ctx context.Context, id string, p model.Progress) error
	SetStatusIf(ctx context.Context, id string, from, to model.Status) (bool, error)
	ScanByStatus(ctx context.Context, statuses ...model.Status) ([]model.Job, error)
	ResetStale(ctx context.Context, from, to model.Status, olderThan time.Duration) (int64, error)
}

// StatusPublisher mirrors render-status projections somewhere cheap to read.
// Publishing is best-effort and never fails a job.
type StatusPublisher interface {
	Publish(ctx context.Context, jobID string, st *model.RenderStatus) error
}

// Deps carries everything the poller needs. All fields are required except
// Publisher, which may be nil when no status mirror is configured.
type Deps struct {
	Store     Store
	Executor  renderer.Client
	AssetGen  assetgen.Client
	Quality   quality.Client
	Storage   ports.StorageProvider
	Publisher StatusPublisher
	Cfg       *config.Config
	Log       *logger.Logger
}
