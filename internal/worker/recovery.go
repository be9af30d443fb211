package worker

import (
	"context"

	"pinehill/internal/model"
	"pinehill/internal/worker/render"
	"pinehill/internal/worker/renderer"
)

// RecoverInFlight sweeps jobs a previous process left mid-render and decides,
// per job, whether to resume polling the dispatched chunk, finish a render
// whose chunks are all done, or requeue for a clean claim. Runs once at
// startup, before the poller begins claiming.
func (dr *Driver) RecoverInFlight(ctx context.Context) error {
	jobs, err := dr.store.ScanByStatus(ctx, model.ActiveRenderStatuses...)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return nil
	}
	dr.log.Info("recovering in-flight renders", "count", len(jobs))

	for i := range jobs {
		job := jobs[i]
		dr.recoverJob(ctx, &job)
	}
	return nil
}

func (dr *Driver) recoverJob(ctx context.Context, job *model.Job) {
	log := dr.log.WithJobID(job.ID)
	state := job.Progress.ChunkState

	if state == nil {
		total := render.ChunkCount(job.TotalDurationSeconds(), dr.maxChunkSeconds)
		if total > 0 && len(job.Progress.CompletedChunks()) >= total {
			// Every chunk resolved before the crash; only finalize and
			// storage remain.
			log.Info("recovery: all chunks done, finalizing")
			go dr.driveRender(ctx, job, true)
			return
		}
		// Claimed but nothing dispatched. Requeue for a normal claim.
		log.Info("recovery: no chunk in flight, requeueing")
		if _, err := dr.store.SetStatusIf(ctx, job.ID, job.Status, model.StatusRenderQueued); err != nil {
			log.WithError(err).Error("recovery requeue")
		}
		return
	}

	// A chunk was in flight. Ask the executor what became of it before
	// deciding; dispatching it again would double-render the chunk.
	res, err := dr.orch.ProbeChunk(ctx, *state)
	if err != nil {
		// Executor unreachable. Resume anyway: the orchestrator's poll
		// loop tolerates transient errors until its deadline.
		log.WithError(err).Warn("recovery: probe failed, resuming poll loop")
		go dr.driveRender(ctx, job, true)
		return
	}

	switch res.Status {
	case renderer.StateFailed, renderer.StateNotFound:
		log.Info("recovery: in-flight chunk lost, requeueing",
			"chunk", state.ChunkIndex, "verdict", res.Status)
		job.Status = model.StatusRenderQueued
		job.Progress.ChunkState = nil
		job.ExternalRenderID = ""
		job.ExternalStorageLocation = ""
		job.Progress.RecordFailure("render-executor", "chunk lost across restart: "+res.Error)
		if err := dr.store.Update(ctx, job); err != nil {
			log.WithError(err).Error("recovery persist requeue")
		}
	default:
		// Still running or already complete: the render loop picks the
		// chunk state up and polls, never re-dispatches.
		log.Info("recovery: resuming render",
			"chunk", state.ChunkIndex, "verdict", res.Status)
		go dr.driveRender(ctx, job, true)
	}
}
