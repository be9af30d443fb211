// Package ops exposes the worker's small operational HTTP surface: health,
// job status reads, and the operator override for gate-blocked renders.
package ops

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"pinehill/internal/httpkit"
	"pinehill/internal/model"
	"pinehill/internal/pkg/errors"
	"pinehill/internal/pkg/logger"
	"pinehill/internal/ports"
	"pinehill/internal/worker/gate"
)

// JobReader loads a job for status fallback.
type JobReader interface {
	Get(ctx context.Context, id string) (*model.Job, error)
}

// StatusReader serves the cheap mirrored render status.
type StatusReader interface {
	Fetch(ctx context.Context, jobID string) (*model.RenderStatus, error)
}

// Overrider queues a gate-blocked render on an operator's authority.
type Overrider interface {
	ForceRenderQueued(ctx context.Context, jobID, actor, reason string) error
}

type Server struct {
	pool     *pgxpool.Pool
	rdb      *redis.Client
	sp       ports.StorageProvider
	jobs     JobReader
	status   StatusReader
	override Overrider
	minScore float64
	log      *logger.Logger
}

func NewServer(pool *pgxpool.Pool, rdb *redis.Client, sp ports.StorageProvider, jobs JobReader, status StatusReader, override Overrider, minScore float64, log *logger.Logger) *Server {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Server{
		pool:     pool,
		rdb:      rdb,
		sp:       sp,
		jobs:     jobs,
		status:   status,
		override: override,
		minScore: minScore,
		log:      log.WithComponent("ops"),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(httpkit.RequestID(s.log))
	r.Use(httpkit.RequestLogger)
	r.Use(httpkit.Recover)

	r.Get("/healthz", s.handleHealth)
	r.Get("/jobs/{jobID}/status", s.handleJobStatus)
	r.Get("/jobs/{jobID}/quality", s.handleJobQuality)
	r.Post("/jobs/{jobID}/force-render", s.handleForceRender)

	return r
}

// Start serves the ops router until ctx is cancelled, then drains.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("ops server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

type healthResponse struct {
	Status  string            `json:"status"`
	Checks  map[string]string `json:"checks"`
	Storage string            `json:"storage"`
	Pool    *poolStats        `json:"pool,omitempty"`
}

type poolStats struct {
	TotalConns    int32 `json:"totalConns"`
	AcquiredConns int32 `json:"acquiredConns"`
	IdleConns     int32 `json:"idleConns"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := healthResponse{
		Status: "ok",
		Checks: map[string]string{},
	}
	if s.sp != nil {
		resp.Storage = s.sp.Provider()
	}

	if s.pool != nil {
		if err := s.pool.Ping(ctx); err != nil {
			resp.Checks["postgres"] = err.Error()
			resp.Status = "degraded"
		} else {
			resp.Checks["postgres"] = "ok"
		}
		st := s.pool.Stat()
		resp.Pool = &poolStats{
			TotalConns:    st.TotalConns(),
			AcquiredConns: st.AcquiredConns(),
			IdleConns:     st.IdleConns(),
		}
	}
	if s.rdb != nil {
		if err := s.rdb.Ping(ctx).Err(); err != nil {
			resp.Checks["redis"] = err.Error()
			resp.Status = "degraded"
		} else {
			resp.Checks["redis"] = "ok"
		}
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	httpkit.WriteJSON(w, r, status, resp)
}

// handleJobStatus prefers the Redis mirror and falls back to the job row.
func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	if s.status != nil {
		if st, err := s.status.Fetch(r.Context(), jobID); err == nil && st != nil {
			httpkit.WriteJSON(w, r, http.StatusOK, st)
			return
		}
	}

	job, err := s.jobs.Get(r.Context(), jobID)
	if err != nil {
		httpkit.WriteError(w, r, err)
		return
	}

	if st := job.Progress.RenderStatus; st != nil {
		httpkit.WriteJSON(w, r, http.StatusOK, st)
		return
	}

	// No render has produced a projection yet; report the lifecycle state.
	httpkit.WriteJSON(w, r, http.StatusOK, map[string]any{
		"phase":           phaseForStatus(job.Status),
		"jobStatus":       job.Status,
		"scenesGenerated": job.Progress.ScenesGenerated,
		"blockingReasons": job.Progress.BlockingReasons,
	})
}

func phaseForStatus(st model.Status) string {
	switch st {
	case model.StatusComplete:
		return model.PhaseComplete
	case model.StatusError:
		return model.PhaseFailed
	case model.StatusRendering, model.StatusLambdaPending:
		return model.PhaseRendering
	default:
		return model.PhasePending
	}
}

// handleJobQuality recomputes the quality report on demand; it is never
// persisted.
func (s *Server) handleJobQuality(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	job, err := s.jobs.Get(r.Context(), jobID)
	if err != nil {
		httpkit.WriteError(w, r, err)
		return
	}
	httpkit.WriteJSON(w, r, http.StatusOK, gate.Report(job, s.minScore))
}

type forceRenderRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

func (s *Server) handleForceRender(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	var req forceRenderRequest
	if err := httpkit.DecodeJSON(r, &req); err != nil {
		httpkit.WriteError(w, r, err)
		return
	}
	if req.Actor == "" || req.Reason == "" {
		httpkit.WriteError(w, r, errors.Validation("actor and reason are required"))
		return
	}

	if err := s.override.ForceRenderQueued(r.Context(), jobID, req.Actor, req.Reason); err != nil {
		httpkit.WriteError(w, r, err)
		return
	}
	httpkit.WriteJSON(w, r, http.StatusAccepted, map[string]string{"status": "render_queued"})
}
