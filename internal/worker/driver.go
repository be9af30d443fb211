package worker

import (
	"context"
	"fmt"
	"time"

	"pinehill/internal/config"
	"pinehill/internal/model"
	"pinehill/internal/pkg/errors"
	"pinehill/internal/pkg/logger"
	"pinehill/internal/worker/assetgen"
	"pinehill/internal/worker/gate"
	"pinehill/internal/worker/quality"
	"pinehill/internal/worker/render"
)

// Driver executes one claimed job at a time. Render claims take priority
// over generation claims so finished assets reach users before new work
// starts.
type Driver struct {
	store     Store
	assets    assetgen.Client
	quality   quality.Client
	orch      *render.Orchestrator
	finalizer *render.Finalizer
	publisher StatusPublisher

	maxChunkSeconds float64
	minScore        float64
	log             *logger.Logger
}

func NewDriver(d Deps) *Driver {
	cfg := d.Cfg
	if cfg == nil {
		cfg = &config.Config{}
	}
	orchCfg := render.Config{
		MaxChunkSeconds: cfg.Executor.MaxChunkSeconds,
		PollInterval:    cfg.Executor.PollInterval,
		PollTimeout:     cfg.Executor.PollTimeout,
	}
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	return &Driver{
		store:           d.Store,
		assets:          d.AssetGen,
		quality:         d.Quality,
		orch:            render.New(d.Executor, orchCfg, log),
		finalizer:       render.NewFinalizer(d.Storage),
		publisher:       d.Publisher,
		maxChunkSeconds: orchCfg.MaxChunkSeconds,
		minScore:        cfg.Gate.MinAggregateScore,
		log:             log.WithComponent("worker"),
	}
}

// Tick claims at most one job and drives it as far as it can go. Returns
// true when a job was claimed, so the caller knows whether to poll again
// immediately or sleep.
func (dr *Driver) Tick(ctx context.Context) (bool, error) {
	job, err := dr.store.Claim(ctx, model.StatusRenderQueued, model.StatusLambdaPending)
	if err != nil {
		return false, errors.Wrap(err, "worker.Tick", "claim render job")
	}
	if job != nil {
		dr.driveRender(ctx, job, false)
		return true, nil
	}

	job, err = dr.store.Claim(ctx, model.StatusQueued, model.StatusGenerating)
	if err != nil {
		return false, errors.Wrap(err, "worker.Tick", "claim generation job")
	}
	if job != nil {
		dr.driveGeneration(ctx, job)
		return true, nil
	}

	return false, nil
}

// driveGeneration builds assets for every scene, persisting after each one so
// a crash or stall reset repeats at most one scene. Per-scene failures are
// recorded and skipped; the job still advances so partial results surface.
func (dr *Driver) driveGeneration(ctx context.Context, job *model.Job) {
	log := dr.log.WithJobID(job.ID)
	log.Info("generation started", "scenes", len(job.Scenes))

	job.Progress.Version = model.ProgressVersion
	job.Progress.Stage = "generating"

	for i := range job.Scenes {
		if ctx.Err() != nil {
			// Shutdown mid-generation: leave the job in generating,
			// the stall detector will requeue it.
			return
		}
		if job.Scenes[i].GeneratedAssets() {
			continue
		}

		scene, err := dr.assets.GenerateScene(ctx, job.ID, job.Scenes[i])
		if err != nil {
			log.WithError(err).Warn("scene generation failed", "scene", i)
			job.Progress.Errors = append(job.Progress.Errors,
				fmt.Sprintf("scene %d: %v", i, err))
			job.Progress.RecordFailure("asset-generation", err.Error())
			if err := dr.store.Update(ctx, job); err != nil {
				log.WithError(err).Error("persist scene failure")
			}
			continue
		}

		job.Scenes[i] = scene
		job.Progress.ScenesGenerated++
		if err := dr.store.Update(ctx, job); err != nil {
			log.WithError(err).Error("persist generated scene", "scene", i)
			return
		}
	}

	dr.analyzeScenes(ctx, job, log)

	job.Status = model.StatusAssetsReady
	job.Progress.Stage = "assets_ready"
	if err := dr.store.Update(ctx, job); err != nil {
		log.WithError(err).Error("persist assets_ready")
		return
	}
	log.Info("generation finished",
		"generated", job.Progress.ScenesGenerated,
		"failed", len(job.Progress.Errors),
	)
}

// analyzeScenes runs quality evaluation over generated scenes. Evaluation is
// best-effort: an unreachable evaluator leaves scenes unanalyzed, which the
// render gate treats as passing.
func (dr *Driver) analyzeScenes(ctx context.Context, job *model.Job, log *logger.Logger) {
	for i := range job.Scenes {
		if ctx.Err() != nil {
			return
		}
		if !job.Scenes[i].GeneratedAssets() || job.Scenes[i].Analysis != nil {
			continue
		}
		analysis, err := dr.quality.AnalyzeScene(ctx, job.ID, job.Scenes[i])
		if err != nil {
			log.WithError(err).Warn("scene analysis failed", "scene", i)
			job.Progress.RecordFailure("quality-evaluation", err.Error())
			continue
		}
		job.Scenes[i].Analysis = analysis
	}
}

// driveRender takes a claimed render job through the gate, the chunked
// remote render, and final artifact storage. bypassGate is true on crash
// recovery, where the gate already passed once.
func (dr *Driver) driveRender(ctx context.Context, job *model.Job, bypassGate bool) {
	log := dr.log.WithJobID(job.ID)

	if job.Progress.AdminOverride != nil {
		bypassGate = true
		log.Info("render gate bypassed by operator",
			"actor", job.Progress.AdminOverride.Actor,
			"reason", job.Progress.AdminOverride.Reason,
		)
	}

	if !bypassGate {
		verdict := gate.Evaluate(job, dr.minScore)
		if !verdict.Allowed {
			log.Info("render blocked by quality gate", "reasons", verdict.BlockingReasons)
			job.Status = model.StatusAssetsReady
			job.Progress.Stage = "assets_ready"
			job.Progress.BlockingReasons = verdict.BlockingReasons
			if err := dr.store.Update(ctx, job); err != nil {
				log.WithError(err).Error("persist gate block")
			}
			return
		}
	}
	job.Progress.BlockingReasons = nil
	job.Progress.Stage = "rendering"

	out, err := dr.orch.RenderLongVideo(ctx, job, dr.renderHooks(job))
	if err != nil {
		dr.handleRenderError(ctx, job, err, log)
		return
	}

	stored, err := dr.finalizer.StoreFinal(ctx, job.ID, out)
	if err != nil {
		dr.handleRenderError(ctx, job, errors.Wrap(err, "worker.driveRender", "store final artifact"), log)
		return
	}

	dr.completeJob(ctx, job, stored, log)
}

func (dr *Driver) completeJob(ctx context.Context, job *model.Job, outputLocation string, log *logger.Logger) {
	total := render.ChunkCount(job.TotalDurationSeconds(), dr.maxChunkSeconds)

	job.Status = model.StatusComplete
	job.OutputLocation = outputLocation
	job.ExternalRenderID = ""
	job.ExternalStorageLocation = ""
	job.Progress.Stage = "complete"
	job.Progress.ChunkState = nil
	job.Progress.RenderStatus = model.BuildRenderStatus(
		&job.Progress, total, job.UpdatedAt, model.PhaseComplete, "render complete", 0)

	if err := dr.store.Update(ctx, job); err != nil {
		log.WithError(err).Error("persist completion")
		return
	}
	dr.publish(ctx, job.ID, job.Progress.RenderStatus)
	log.Info("job complete", "output", outputLocation)
}

// handleRenderError decides between requeue and terminal failure. Retryable
// errors (chunk failures, executor unavailability) return the job to
// render_queued with its completed chunks intact; anything else is terminal.
func (dr *Driver) handleRenderError(ctx context.Context, job *model.Job, err error, log *logger.Logger) {
	if ctx.Err() != nil {
		// Shutdown: leave status and chunk state as persisted, startup
		// recovery picks the render back up.
		log.Info("render interrupted by shutdown")
		return
	}

	var chunkErr *render.ChunkError
	if errors.As(err, &chunkErr) || errors.IsRetryable(err) {
		log.WithError(err).Warn("render failed, requeueing")
		job.Status = model.StatusRenderQueued
		job.ExternalRenderID = ""
		job.ExternalStorageLocation = ""
		job.Progress.ChunkState = nil
		job.Progress.RecordFailure("render-executor", err.Error())
		if uerr := dr.store.Update(ctx, job); uerr != nil {
			log.WithError(uerr).Error("persist render requeue")
		}
		return
	}

	log.WithError(err).Error("render failed terminally")
	job.Status = model.StatusError
	job.Progress.Stage = "error"
	job.Progress.Errors = append(job.Progress.Errors, err.Error())
	total := render.ChunkCount(job.TotalDurationSeconds(), dr.maxChunkSeconds)
	st := model.BuildRenderStatus(&job.Progress, total, job.UpdatedAt, model.PhaseFailed, "", 0)
	st.Error = err.Error()
	job.Progress.RenderStatus = st
	if uerr := dr.store.Update(ctx, job); uerr != nil {
		log.WithError(uerr).Error("persist render error")
	}
	dr.publish(ctx, job.ID, st)
}

// renderHooks wires orchestrator callbacks to the store. Dispatch and
// completion writes must land before the orchestrator continues; progress
// writes are best-effort.
func (dr *Driver) renderHooks(job *model.Job) render.Hooks {
	log := dr.log.WithJobID(job.ID)
	return render.Hooks{
		OnChunkDispatched: func(ctx context.Context, state model.ChunkRenderState) error {
			job.Status = model.StatusRendering
			job.ExternalRenderID = state.ExternalRenderID
			job.ExternalStorageLocation = state.ExternalStorageLocation
			job.Progress.ChunkState = &state
			return dr.store.Update(ctx, job)
		},
		OnChunkComplete: func(ctx context.Context, result model.ChunkResult) error {
			job.ExternalRenderID = ""
			job.ExternalStorageLocation = ""
			return dr.store.Update(ctx, job)
		},
		OnProgress: func(ctx context.Context, st *model.RenderStatus) {
			job.Progress.RenderStatus = st
			if err := dr.store.SaveProgress(ctx, job.ID, job.Progress); err != nil {
				log.WithError(err).Warn("persist render progress")
			}
			dr.publish(ctx, job.ID, st)
		},
	}
}

func (dr *Driver) publish(ctx context.Context, jobID string, st *model.RenderStatus) {
	if dr.publisher == nil || st == nil {
		return
	}
	if err := dr.publisher.Publish(ctx, jobID, st); err != nil {
		dr.log.WithJobID(jobID).WithError(err).Warn("publish render status")
	}
}

// ForceRenderQueued is the operator path around the quality gate. It records
// who overrode and why, then queues the render; the next render claim skips
// gate evaluation because the override is present.
func (dr *Driver) ForceRenderQueued(ctx context.Context, jobID, actor, reason string) error {
	if actor == "" || reason == "" {
		return errors.New(errors.CodeValidation, "override requires actor and reason")
	}

	job, err := dr.store.Get(ctx, jobID)
	if err != nil {
		return errors.Wrap(err, "worker.ForceRenderQueued", "load job")
	}
	if job.Status != model.StatusAssetsReady {
		return errors.Newf(errors.CodeFailedPrecond, "job %s is %s, only assets_ready jobs can be force-queued", jobID, job.Status)
	}

	job.Status = model.StatusRenderQueued
	job.Progress.AdminOverride = &model.AdminOverride{
		Actor:  actor,
		Reason: reason,
		At:     time.Now().UTC(),
	}
	if err := dr.store.Update(ctx, job); err != nil {
		return errors.Wrap(err, "worker.ForceRenderQueued", "persist override")
	}

	dr.log.WithJobID(jobID).Info("render force-queued past quality gate",
		"actor", actor,
		"reason", reason,
		"blocking_reasons", job.Progress.BlockingReasons,
	)
	return nil
}
