package stall

import (
	"context"
	"sync"
	"testing"
	"time"

	"pinehill/internal/config"
	"pinehill/internal/model"
	"pinehill/internal/pkg/logger"
)

type fakeJob struct {
	status    model.Status
	updatedAt time.Time
}

// fakeStore mimics the SQL reset: move jobs in `from` whose updatedAt is
// older than the threshold to `to`.
type fakeStore struct {
	mu   sync.Mutex
	jobs map[string]*fakeJob
}

func (f *fakeStore) ResetStale(ctx context.Context, from, to model.Status, olderThan time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	var n int64
	for _, j := range f.jobs {
		if j.status == from && j.updatedAt.Before(cutoff) {
			j.status = to
			n++
		}
	}
	return n, nil
}

func testDetector(store Store) *Detector {
	return New(store, config.StallConfig{
		CheckInterval:      time.Minute,
		GeneratingAfter:    5 * time.Minute,
		RenderPendingAfter: 2 * time.Minute,
	}, logger.New(logger.Config{Level: "error", Format: "json"}))
}

func TestSweepResetsOnlyStaleJobs(t *testing.T) {
	now := time.Now()
	store := &fakeStore{jobs: map[string]*fakeJob{
		"gen_stale":    {status: model.StatusGenerating, updatedAt: now.Add(-5*time.Minute - time.Second)},
		"gen_fresh":    {status: model.StatusGenerating, updatedAt: now.Add(-5*time.Minute + 5*time.Second)},
		"render_stale": {status: model.StatusRendering, updatedAt: now.Add(-2*time.Minute - time.Second)},
		"render_fresh": {status: model.StatusRendering, updatedAt: now.Add(-2*time.Minute + 5*time.Second)},
		"pend_stale":   {status: model.StatusLambdaPending, updatedAt: now.Add(-3 * time.Minute)},
		"done":         {status: model.StatusComplete, updatedAt: now.Add(-time.Hour)},
	}}

	testDetector(store).Sweep(context.Background())

	want := map[string]model.Status{
		"gen_stale":    model.StatusQueued,
		"gen_fresh":    model.StatusGenerating,
		"render_stale": model.StatusRenderQueued,
		"render_fresh": model.StatusRendering,
		"pend_stale":   model.StatusRenderQueued,
		"done":         model.StatusComplete,
	}
	for id, status := range want {
		if got := store.jobs[id].status; got != status {
			t.Errorf("job %s: status = %s, want %s", id, got, status)
		}
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	store := &fakeStore{jobs: map[string]*fakeJob{
		"stale": {status: model.StatusGenerating, updatedAt: time.Now().Add(-time.Hour)},
	}}
	d := testDetector(store)

	d.Sweep(context.Background())
	if store.jobs["stale"].status != model.StatusQueued {
		t.Fatalf("first sweep: status = %s, want queued", store.jobs["stale"].status)
	}

	// A second sweep finds nothing in generating and changes nothing.
	d.Sweep(context.Background())
	if store.jobs["stale"].status != model.StatusQueued {
		t.Errorf("second sweep moved the job to %s", store.jobs["stale"].status)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	store := &fakeStore{jobs: map[string]*fakeJob{}}
	d := New(store, config.StallConfig{CheckInterval: time.Millisecond}, logger.New(logger.Config{Level: "error", Format: "json"}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
