// Package render drives a long video through the remote executor in bounded
// chunks, persisting enough state after every step that a process crash
// resumes from the last completed chunk instead of starting over.
package render

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"pinehill/internal/model"
	"pinehill/internal/pkg/errors"
	"pinehill/internal/pkg/logger"
	"pinehill/internal/worker/renderer"
)

// Hooks let the caller persist chunk state transitions. OnChunkDispatched
// and OnChunkComplete must write through to the job store before returning;
// OnProgress is best-effort.
type Hooks struct {
	OnProgress        func(ctx context.Context, status *model.RenderStatus)
	OnChunkDispatched func(ctx context.Context, state model.ChunkRenderState) error
	OnChunkComplete   func(ctx context.Context, result model.ChunkResult) error
}

// ChunkError reports that one chunk could not be completed. The poller
// answers it by returning the job to render_queued for a clean re-dispatch.
type ChunkError struct {
	ChunkIndex int
	Err        error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("chunk %d render failed: %v", e.ChunkIndex, e.Err)
}

func (e *ChunkError) Unwrap() error { return e.Err }

type Config struct {
	MaxChunkSeconds float64
	PollInterval    time.Duration
	PollTimeout     time.Duration
}

type Orchestrator struct {
	exec renderer.Client
	cfg  Config
	log  *logger.Logger
}

func New(exec renderer.Client, cfg Config, log *logger.Logger) *Orchestrator {
	if cfg.MaxChunkSeconds <= 0 {
		cfg.MaxChunkSeconds = 120
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 15 * time.Minute
	}
	if log == nil {
		log = logger.NewDefault()
	}
	return &Orchestrator{exec: exec, cfg: cfg, log: log.WithComponent("render")}
}

// ChunkCount partitions a timeline into bounded chunks.
func ChunkCount(totalSeconds, maxChunkSeconds float64) int {
	if totalSeconds <= 0 {
		return 0
	}
	return int(math.Ceil(totalSeconds / maxChunkSeconds))
}

// RenderLongVideo renders every chunk the job does not already have a result
// for, then asks the executor to concatenate them. An in-flight
// ChunkRenderState carried in from a previous process is polled, never
// re-dispatched. Returns the executor-side location of the merged artifact.
func (o *Orchestrator) RenderLongVideo(ctx context.Context, job *model.Job, hooks Hooks) (string, error) {
	total := job.TotalDurationSeconds()
	if total <= 0 {
		return "", errors.New(errors.CodeValidation, "job has no renderable duration")
	}

	totalChunks := ChunkCount(total, o.cfg.MaxChunkSeconds)
	startedAt := time.Now().UTC()
	log := o.log.WithJobID(job.ID)

	log.Info("render started",
		"total_seconds", total,
		"total_chunks", totalChunks,
		"already_complete", len(job.Progress.CompletedChunks()),
	)

	for i := 0; i < totalChunks; i++ {
		if job.Progress.CompletedChunks()[i] {
			continue
		}

		state, resumed, err := o.ensureDispatched(ctx, job, i, totalChunks, total, hooks)
		if err != nil {
			return "", err
		}
		if resumed {
			log.WithChunk(i).Info("resuming in-flight chunk", "render_id", state.ExternalRenderID)
		}

		if err := o.waitForChunk(ctx, job, state, totalChunks, startedAt, hooks); err != nil {
			return "", err
		}
	}

	return o.finalize(ctx, job, totalChunks, startedAt, hooks)
}

// ensureDispatched dispatches chunk i unless a ChunkRenderState for it
// already exists (crash recovery: the previous process dispatched it and
// died before resolving it).
func (o *Orchestrator) ensureDispatched(ctx context.Context, job *model.Job, i, totalChunks int, total float64, hooks Hooks) (model.ChunkRenderState, bool, error) {
	if cs := job.Progress.ChunkState; cs != nil && cs.ChunkIndex == i {
		return *cs, true, nil
	}

	spec := o.buildChunkSpec(job, i, totalChunks, total)

	res, err := o.exec.Dispatch(ctx, spec)
	if err != nil {
		return model.ChunkRenderState{}, false, &ChunkError{
			ChunkIndex: i,
			Err:        errors.WrapWithCode(err, errors.CodeRetryable, "render.dispatch", "chunk dispatch failed"),
		}
	}

	state := model.ChunkRenderState{
		ChunkIndex:              i,
		ExternalRenderID:        res.ExternalRenderID,
		ExternalStorageLocation: res.ExternalStorageLocation,
		StartedAt:               time.Now().UTC(),
	}
	job.Progress.ChunkState = &state

	// Persist before waiting: a crash from here on leaves a recoverable
	// marker instead of an orphaned remote render.
	if err := hooks.OnChunkDispatched(ctx, state); err != nil {
		return model.ChunkRenderState{}, false, errors.Wrap(err, "render.dispatch", "failed to persist chunk state")
	}

	o.log.WithJobID(job.ID).WithChunk(i).Info("chunk dispatched", "render_id", res.ExternalRenderID)
	return state, false, nil
}

// waitForChunk polls the executor at a fixed interval until the chunk
// resolves. The first check happens immediately so a chunk that finished
// while the worker was down is recorded without waiting a full interval.
func (o *Orchestrator) waitForChunk(ctx context.Context, job *model.Job, state model.ChunkRenderState, totalChunks int, startedAt time.Time, hooks Hooks) error {
	log := o.log.WithJobID(job.ID).WithChunk(state.ChunkIndex)
	deadline := time.Now().Add(o.cfg.PollTimeout)

	for {
		res, err := o.exec.CheckStatus(ctx, state.ExternalRenderID, state.ExternalStorageLocation)
		if err != nil {
			// Transient poll failure; the deadline bounds how long we
			// keep trying.
			log.Warn("status poll failed", "error", err.Error())
		} else {
			switch res.Status {
			case renderer.StateComplete:
				return o.recordChunkComplete(ctx, job, state, res.OutputLocation, totalChunks, startedAt, hooks)

			case renderer.StateFailed, renderer.StateNotFound:
				job.Progress.ChunkState = nil
				return &ChunkError{
					ChunkIndex: state.ChunkIndex,
					Err:        errors.Retryablef("executor reported %s: %s", res.Status, res.Error),
				}

			case renderer.StateInProgress:
				if hooks.OnProgress != nil {
					hooks.OnProgress(ctx, model.BuildRenderStatus(
						&job.Progress, totalChunks, startedAt,
						model.PhaseRendering,
						fmt.Sprintf("rendering chunk %d of %d", state.ChunkIndex+1, totalChunks),
						res.Percent,
					))
				}
			}
		}

		if time.Now().After(deadline) {
			job.Progress.ChunkState = nil
			return &ChunkError{
				ChunkIndex: state.ChunkIndex,
				Err:        errors.Timeout("chunk render"),
			}
		}

		select {
		case <-ctx.Done():
			// Process is stopping: the ChunkRenderState stays persisted
			// for the next startup-recovery pass.
			return ctx.Err()
		case <-time.After(o.cfg.PollInterval):
		}
	}
}

// ProbeChunk asks the executor for a one-shot verdict on a chunk left in
// flight by another process. Used by startup recovery to decide between
// resuming the poll loop and requeueing.
func (o *Orchestrator) ProbeChunk(ctx context.Context, state model.ChunkRenderState) (renderer.StatusResult, error) {
	return o.exec.CheckStatus(ctx, state.ExternalRenderID, state.ExternalStorageLocation)
}

func (o *Orchestrator) recordChunkComplete(ctx context.Context, job *model.Job, state model.ChunkRenderState, outputLocation string, totalChunks int, startedAt time.Time, hooks Hooks) error {
	result := model.ChunkResult{
		ChunkIndex:     state.ChunkIndex,
		OutputLocation: outputLocation,
		Success:        true,
	}

	job.Progress.ChunkResults = append(job.Progress.ChunkResults, result)
	job.Progress.ChunkState = nil

	if err := hooks.OnChunkComplete(ctx, result); err != nil {
		return errors.Wrap(err, "render.complete", "failed to persist chunk result")
	}

	if hooks.OnProgress != nil {
		hooks.OnProgress(ctx, model.BuildRenderStatus(
			&job.Progress, totalChunks, startedAt,
			model.PhaseRendering,
			fmt.Sprintf("chunk %d of %d complete", state.ChunkIndex+1, totalChunks),
			0,
		))
	}

	o.log.WithJobID(job.ID).WithChunk(state.ChunkIndex).Info("chunk complete", "output", outputLocation)
	return nil
}

func (o *Orchestrator) finalize(ctx context.Context, job *model.Job, totalChunks int, startedAt time.Time, hooks Hooks) (string, error) {
	if hooks.OnProgress != nil {
		hooks.OnProgress(ctx, model.BuildRenderStatus(
			&job.Progress, totalChunks, startedAt,
			model.PhaseFinalizing, "concatenating chunks", 0,
		))
	}

	locations := make([]string, totalChunks)
	for _, r := range job.Progress.ChunkResults {
		if r.Success && r.ChunkIndex < totalChunks {
			locations[r.ChunkIndex] = r.OutputLocation
		}
	}

	res, err := o.exec.Finalize(ctx, renderer.FinalizeSpec{
		JobID:          job.ID,
		ChunkLocations: locations,
	})
	if err != nil {
		return "", errors.WrapWithCode(err, errors.CodeRetryable, "render.finalize", "finalize failed")
	}

	if hooks.OnProgress != nil {
		hooks.OnProgress(ctx, model.BuildRenderStatus(
			&job.Progress, totalChunks, startedAt,
			model.PhaseComplete, "render complete", 0,
		))
	}

	o.log.WithJobID(job.ID).Info("render finalized", "output", res.OutputLocation, "chunks", totalChunks)
	return res.OutputLocation, nil
}

func (o *Orchestrator) buildChunkSpec(job *model.Job, i, totalChunks int, total float64) renderer.ChunkSpec {
	start := float64(i) * o.cfg.MaxChunkSeconds
	end := start + o.cfg.MaxChunkSeconds
	if end > total {
		end = total
	}

	// Only scenes overlapping the chunk window travel with the dispatch.
	var scenes []renderer.SceneInput
	var cursor float64
	for _, s := range job.Scenes {
		sceneStart := cursor
		sceneEnd := cursor + s.DurationSeconds
		cursor = sceneEnd

		if sceneEnd <= start || sceneStart >= end {
			continue
		}
		scenes = append(scenes, renderer.SceneInput{
			Index:    s.Index,
			ImageURL: s.ImageURL,
			AudioURL: s.AudioURL,
			Duration: s.DurationSeconds,
		})
	}

	return renderer.ChunkSpec{
		JobID:          job.ID,
		ChunkIndex:     i,
		StartSeconds:   start,
		EndSeconds:     end,
		Scenes:         scenes,
		IdempotencyKey: uuid.NewString(),
	}
}
