package worker

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"pinehill/internal/config"
	"pinehill/internal/model"
	"pinehill/internal/pkg/errors"
	"pinehill/internal/pkg/logger"
	"pinehill/internal/ports"
	"pinehill/internal/worker/renderer"
)

// memStore is an in-memory Store with the same claim semantics as the
// Postgres implementation: a claim moves exactly one job from one status to
// another, or returns nil.
type memStore struct {
	mu   sync.Mutex
	jobs map[string]*model.Job
}

func newMemStore(jobs ...*model.Job) *memStore {
	s := &memStore{jobs: make(map[string]*model.Job)}
	for _, j := range jobs {
		cp := *j
		s.jobs[j.ID] = &cp
	}
	return s
}

func (s *memStore) Claim(ctx context.Context, from, to model.Status) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.Status == from {
			j.Status = to
			j.UpdatedAt = time.Now().UTC()
			cp := *j
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memStore) Get(ctx context.Context, id string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, errors.NotFound("job", id)
	}
	cp := *j
	return &cp, nil
}

func (s *memStore) Update(ctx context.Context, job *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	cp.UpdatedAt = time.Now().UTC()
	s.jobs[job.ID] = &cp
	return nil
}

func (s *memStore) SaveProgress(ctx context.Context, id string, p model.Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		j.Progress = p
	}
	return nil
}

func (s *memStore) SetStatusIf(ctx context.Context, id string, from, to model.Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != from {
		return false, nil
	}
	j.Status = to
	return true, nil
}

func (s *memStore) ScanByStatus(ctx context.Context, statuses ...model.Status) ([]model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Job
	for _, j := range s.jobs {
		for _, st := range statuses {
			if j.Status == st {
				out = append(out, *j)
				break
			}
		}
	}
	return out, nil
}

func (s *memStore) ResetStale(ctx context.Context, from, to model.Status, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	var n int64
	for _, j := range s.jobs {
		if j.Status == from && j.UpdatedAt.Before(cutoff) {
			j.Status = to
			n++
		}
	}
	return n, nil
}

func (s *memStore) status(t *testing.T, id string) model.Status {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		t.Fatalf("job %s missing from store", id)
	}
	return j.Status
}

func (s *memStore) job(t *testing.T, id string) model.Job {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		t.Fatalf("job %s missing from store", id)
	}
	return *j
}

type fakeAssetGen struct {
	mu    sync.Mutex
	calls int
	// failScenes marks scene indexes whose generation fails.
	failScenes map[int]bool
}

func (f *fakeAssetGen) GenerateScene(ctx context.Context, jobID string, scene model.Scene) (model.Scene, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failScenes[scene.Index] {
		return scene, errors.Unavailable("asset-generation")
	}
	scene.ImageURL = "img"
	scene.AudioURL = "aud"
	scene.DurationSeconds = 60
	return scene, nil
}

type fakeQuality struct {
	analysis *model.SceneAnalysis
	err      error
}

func (f *fakeQuality) AnalyzeScene(ctx context.Context, jobID string, scene model.Scene) (*model.SceneAnalysis, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.analysis != nil {
		cp := *f.analysis
		return &cp, nil
	}
	return &model.SceneAnalysis{Recommendation: model.RecommendApprove, OverallScore: 9}, nil
}

// fakeRenderer resolves every chunk on the first status poll. finalizeURL
// lets tests point the finalizer at an httptest server.
type fakeRenderer struct {
	mu          sync.Mutex
	dispatched  []renderer.ChunkSpec
	statusFn    func(renderID string) (renderer.StatusResult, error)
	finalizeURL string
	finalizeErr error
}

func (f *fakeRenderer) Dispatch(ctx context.Context, spec renderer.ChunkSpec) (renderer.DispatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatched = append(f.dispatched, spec)
	return renderer.DispatchResult{
		ExternalRenderID:        "render_" + spec.JobID,
		ExternalStorageLocation: "remote/" + spec.JobID,
	}, nil
}

func (f *fakeRenderer) CheckStatus(ctx context.Context, renderID, storageLocation string) (renderer.StatusResult, error) {
	if f.statusFn != nil {
		return f.statusFn(renderID)
	}
	return renderer.StatusResult{Status: renderer.StateComplete, OutputLocation: "chunk-out"}, nil
}

func (f *fakeRenderer) Finalize(ctx context.Context, spec renderer.FinalizeSpec) (renderer.FinalizeResult, error) {
	if f.finalizeErr != nil {
		return renderer.FinalizeResult{}, f.finalizeErr
	}
	return renderer.FinalizeResult{OutputLocation: f.finalizeURL}, nil
}

type fakeStorage struct {
	mu   sync.Mutex
	keys []string
}

func (f *fakeStorage) Provider() string { return "fake" }

func (f *fakeStorage) PutObject(ctx context.Context, in ports.PutObjectInput) (ports.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, _ := io.Copy(io.Discard, in.Reader)
	f.keys = append(f.keys, in.ObjectKey)
	return ports.PutObjectOutput{ObjectKey: in.ObjectKey, Size: n}, nil
}

func (f *fakeStorage) GetObject(ctx context.Context, objectKey string) (io.ReadCloser, string, int64, error) {
	return io.NopCloser(strings.NewReader("video")), "video/mp4", 5, nil
}

func (f *fakeStorage) DeleteObject(ctx context.Context, objectKey string) error { return nil }

type capturedStatus struct {
	mu     sync.Mutex
	states []*model.RenderStatus
}

func (c *capturedStatus) Publish(ctx context.Context, jobID string, st *model.RenderStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states = append(c.states, st)
	return nil
}

func testDeps(store Store, exec renderer.Client) Deps {
	cfg := &config.Config{}
	cfg.Executor.MaxChunkSeconds = 60
	cfg.Executor.PollInterval = time.Millisecond
	cfg.Executor.PollTimeout = time.Second
	cfg.Gate.MinAggregateScore = 6.0

	return Deps{
		Store:    store,
		Executor: exec,
		AssetGen: &fakeAssetGen{},
		Quality:  &fakeQuality{},
		Storage:  &fakeStorage{},
		Cfg:      cfg,
		Log:      logger.New(logger.Config{Level: "error", Format: "json"}),
	}
}

func queuedJob(id string, scenes int) *model.Job {
	j := &model.Job{ID: id, Status: model.StatusQueued, UpdatedAt: time.Now().UTC()}
	for i := 0; i < scenes; i++ {
		j.Scenes = append(j.Scenes, model.Scene{Index: i, Narration: "n"})
	}
	return j
}

func readyJob(id string, scenes int) *model.Job {
	j := queuedJob(id, scenes)
	j.Status = model.StatusRenderQueued
	for i := range j.Scenes {
		j.Scenes[i].ImageURL = "img"
		j.Scenes[i].AudioURL = "aud"
		j.Scenes[i].DurationSeconds = 60
		j.Scenes[i].Analysis = &model.SceneAnalysis{
			Recommendation: model.RecommendApprove,
			OverallScore:   9,
		}
	}
	return j
}

// artifactServer serves a fake merged video for the finalizer to download.
func artifactServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		io.WriteString(w, "merged-video-bytes")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTickClaimsNothingWhenIdle(t *testing.T) {
	store := newMemStore()
	dr := NewDriver(testDeps(store, &fakeRenderer{}))

	worked, err := dr.Tick(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if worked {
		t.Error("expected no work on an empty store")
	}
}

func TestTickPrefersRenderOverGeneration(t *testing.T) {
	srv := artifactServer(t)
	store := newMemStore(queuedJob("gen", 1), readyJob("rend", 1))
	deps := testDeps(store, &fakeRenderer{finalizeURL: srv.URL})
	dr := NewDriver(deps)

	worked, err := dr.Tick(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !worked {
		t.Fatal("expected a claim")
	}

	if got := store.status(t, "rend"); got != model.StatusComplete {
		t.Errorf("render job status = %s, want complete", got)
	}
	if got := store.status(t, "gen"); got != model.StatusQueued {
		t.Errorf("generation job was claimed out of order, status = %s", got)
	}
}

func TestGenerationHappyPath(t *testing.T) {
	store := newMemStore(queuedJob("j1", 3))
	dr := NewDriver(testDeps(store, &fakeRenderer{}))

	if _, err := dr.Tick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	job := store.job(t, "j1")
	if job.Status != model.StatusAssetsReady {
		t.Fatalf("status = %s, want assets_ready", job.Status)
	}
	if job.Progress.ScenesGenerated != 3 {
		t.Errorf("scenesGenerated = %d, want 3", job.Progress.ScenesGenerated)
	}
	for i, s := range job.Scenes {
		if !s.GeneratedAssets() {
			t.Errorf("scene %d missing assets", i)
		}
		if s.Analysis == nil {
			t.Errorf("scene %d missing analysis", i)
		}
	}
}

// A scene failure is recorded per scene and never stops the remaining scenes.
func TestGenerationContinuesPastSceneFailure(t *testing.T) {
	store := newMemStore(queuedJob("j1", 3))
	deps := testDeps(store, &fakeRenderer{})
	deps.AssetGen = &fakeAssetGen{failScenes: map[int]bool{1: true}}
	dr := NewDriver(deps)

	if _, err := dr.Tick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	job := store.job(t, "j1")
	if job.Status != model.StatusAssetsReady {
		t.Fatalf("status = %s, want assets_ready", job.Status)
	}
	if job.Progress.ScenesGenerated != 2 {
		t.Errorf("scenesGenerated = %d, want 2", job.Progress.ScenesGenerated)
	}
	if len(job.Progress.Errors) != 1 {
		t.Fatalf("expected 1 recorded error, got %v", job.Progress.Errors)
	}
	if !strings.Contains(job.Progress.Errors[0], "scene 1") {
		t.Errorf("error does not identify the scene: %q", job.Progress.Errors[0])
	}
	if len(job.Progress.ServiceFailures) != 1 {
		t.Errorf("expected 1 service failure, got %d", len(job.Progress.ServiceFailures))
	}
	if job.Scenes[0].GeneratedAssets() != true || job.Scenes[2].GeneratedAssets() != true {
		t.Error("surviving scenes should have assets")
	}
}

func TestGenerationSkipsAlreadyGeneratedScenes(t *testing.T) {
	job := queuedJob("j1", 3)
	// Scene 0 survived a stall reset with its assets intact.
	job.Scenes[0].ImageURL = "img"
	job.Scenes[0].AudioURL = "aud"
	job.Scenes[0].DurationSeconds = 60

	store := newMemStore(job)
	gen := &fakeAssetGen{}
	deps := testDeps(store, &fakeRenderer{})
	deps.AssetGen = gen
	dr := NewDriver(deps)

	if _, err := dr.Tick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gen.calls != 2 {
		t.Errorf("generator called %d times, want 2", gen.calls)
	}
}

func TestQualityOutageDoesNotBlockGeneration(t *testing.T) {
	store := newMemStore(queuedJob("j1", 2))
	deps := testDeps(store, &fakeRenderer{})
	deps.Quality = &fakeQuality{err: errors.Unavailable("quality-evaluation")}
	dr := NewDriver(deps)

	if _, err := dr.Tick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	job := store.job(t, "j1")
	if job.Status != model.StatusAssetsReady {
		t.Fatalf("status = %s, want assets_ready", job.Status)
	}
	for i, s := range job.Scenes {
		if s.Analysis != nil {
			t.Errorf("scene %d has analysis despite evaluator outage", i)
		}
	}
	if len(job.Progress.ServiceFailures) != 2 {
		t.Errorf("expected 2 service failures, got %d", len(job.Progress.ServiceFailures))
	}
}

func TestRenderBlockedByGate(t *testing.T) {
	job := readyJob("j1", 1)
	job.Scenes[0].Analysis = &model.SceneAnalysis{
		Recommendation: model.RecommendReject,
		OverallScore:   2,
	}
	store := newMemStore(job)
	exec := &fakeRenderer{}
	dr := NewDriver(testDeps(store, exec))

	if _, err := dr.Tick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := store.job(t, "j1")
	if got.Status != model.StatusAssetsReady {
		t.Fatalf("status = %s, want assets_ready", got.Status)
	}
	if len(got.Progress.BlockingReasons) == 0 {
		t.Error("expected blocking reasons to be persisted")
	}
	if len(exec.dispatched) != 0 {
		t.Error("blocked job must not reach the executor")
	}
}

func TestRenderHappyPath(t *testing.T) {
	srv := artifactServer(t)
	store := newMemStore(readyJob("j1", 2))
	exec := &fakeRenderer{finalizeURL: srv.URL}
	deps := testDeps(store, exec)
	pub := &capturedStatus{}
	deps.Publisher = pub
	dr := NewDriver(deps)

	if _, err := dr.Tick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	job := store.job(t, "j1")
	if job.Status != model.StatusComplete {
		t.Fatalf("status = %s, want complete", job.Status)
	}
	if job.OutputLocation != "renders/j1/final.mp4" {
		t.Errorf("outputLocation = %q", job.OutputLocation)
	}
	if job.ExternalRenderID != "" || job.ExternalStorageLocation != "" {
		t.Error("correlation handles must be cleared on completion")
	}
	if job.Progress.ChunkState != nil {
		t.Error("chunk state must be cleared on completion")
	}
	// 120s of scenes at 60s per chunk.
	if len(job.Progress.ChunkResults) != 2 {
		t.Errorf("chunkResults = %d, want 2", len(job.Progress.ChunkResults))
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.states) == 0 {
		t.Fatal("expected published statuses")
	}
	if last := pub.states[len(pub.states)-1]; last.Phase != model.PhaseComplete || last.Percent != 100 {
		t.Errorf("final published status = %+v", last)
	}
}

// An executor-side chunk failure requeues the job with its chunk results
// intact instead of failing it.
func TestRenderChunkFailureRequeues(t *testing.T) {
	store := newMemStore(readyJob("j1", 2))
	exec := &fakeRenderer{
		statusFn: func(renderID string) (renderer.StatusResult, error) {
			return renderer.StatusResult{Status: renderer.StateFailed, Error: "boom"}, nil
		},
	}
	dr := NewDriver(testDeps(store, exec))

	if _, err := dr.Tick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	job := store.job(t, "j1")
	if job.Status != model.StatusRenderQueued {
		t.Fatalf("status = %s, want render_queued", job.Status)
	}
	if job.Progress.ChunkState != nil {
		t.Error("chunk state must be cleared before requeue")
	}
	if job.ExternalRenderID != "" {
		t.Error("correlation handle must be cleared before requeue")
	}
	if len(job.Progress.ServiceFailures) == 0 {
		t.Error("expected the failure to be recorded")
	}
}

func TestRenderEmptyJobFailsTerminally(t *testing.T) {
	job := readyJob("j1", 1)
	job.Scenes = nil
	store := newMemStore(job)
	dr := NewDriver(testDeps(store, &fakeRenderer{}))

	if _, err := dr.Tick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := store.job(t, "j1")
	if got.Status != model.StatusError {
		t.Fatalf("status = %s, want error", got.Status)
	}
	if len(got.Progress.Errors) == 0 {
		t.Error("expected the terminal error to be recorded")
	}
}

func TestForceRenderQueuedRecordsOverride(t *testing.T) {
	job := readyJob("j1", 1)
	job.Status = model.StatusAssetsReady
	job.Progress.BlockingReasons = []string{"1 scene(s) rejected"}
	store := newMemStore(job)
	dr := NewDriver(testDeps(store, &fakeRenderer{}))

	if err := dr.ForceRenderQueued(context.Background(), "j1", "ops@example.com", "reviewed manually"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := store.job(t, "j1")
	if got.Status != model.StatusRenderQueued {
		t.Fatalf("status = %s, want render_queued", got.Status)
	}
	if got.Progress.AdminOverride == nil {
		t.Fatal("expected override record")
	}
	if got.Progress.AdminOverride.Actor != "ops@example.com" {
		t.Errorf("actor = %q", got.Progress.AdminOverride.Actor)
	}
}

func TestForceRenderQueuedRequiresActorAndReason(t *testing.T) {
	store := newMemStore(readyJob("j1", 1))
	dr := NewDriver(testDeps(store, &fakeRenderer{}))

	err := dr.ForceRenderQueued(context.Background(), "j1", "", "")
	if !errors.IsCode(err, errors.CodeValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestForceRenderQueuedRejectsWrongState(t *testing.T) {
	job := readyJob("j1", 1)
	job.Status = model.StatusRendering
	store := newMemStore(job)
	dr := NewDriver(testDeps(store, &fakeRenderer{}))

	err := dr.ForceRenderQueued(context.Background(), "j1", "ops", "because")
	if !errors.IsCode(err, errors.CodeFailedPrecond) {
		t.Errorf("expected failed-precondition error, got %v", err)
	}
}

// Override jobs skip the gate even when the gate would still block.
func TestOverrideBypassesGate(t *testing.T) {
	srv := artifactServer(t)
	job := readyJob("j1", 1)
	job.Scenes[0].Analysis = &model.SceneAnalysis{
		Recommendation: model.RecommendReject,
		OverallScore:   1,
	}
	job.Progress.AdminOverride = &model.AdminOverride{
		Actor: "ops", Reason: "approved offline", At: time.Now().UTC(),
	}
	store := newMemStore(job)
	exec := &fakeRenderer{finalizeURL: srv.URL}
	dr := NewDriver(testDeps(store, exec))

	if _, err := dr.Tick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := store.status(t, "j1"); got != model.StatusComplete {
		t.Errorf("status = %s, want complete", got)
	}
	if len(exec.dispatched) == 0 {
		t.Error("override job never reached the executor")
	}
}
