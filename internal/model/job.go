// Package model holds the persisted shapes of a video-assembly job and the
// typed progress record the pipeline writes as it advances.
package model

import "time"

// Status is the lifecycle state of a Job.
type Status string

const (
	// StatusQueued: submitted, waiting for a worker to claim asset generation.
	StatusQueued Status = "queued"
	// StatusGenerating: a worker is building per-scene assets.
	StatusGenerating Status = "generating"
	// StatusAssetsReady: assets built, waiting for someone to request a render.
	StatusAssetsReady Status = "assets_ready"
	// StatusRenderQueued: a render was requested, waiting for a worker to claim it.
	StatusRenderQueued Status = "render_queued"
	// StatusLambdaPending: claimed for render, first chunk not yet dispatched.
	StatusLambdaPending Status = "lambda_pending"
	// StatusRendering: at least one chunk dispatched to the remote executor.
	StatusRendering Status = "rendering"
	// StatusComplete / StatusError are terminal.
	StatusComplete Status = "complete"
	StatusError    Status = "error"
)

// ActiveRenderStatuses are the states a crashed worker can leave a render in.
var ActiveRenderStatuses = []Status{StatusLambdaPending, StatusRendering}

// Job is one video-assembly unit of work.
type Job struct {
	ID      string `json:"id"`
	OwnerID string `json:"ownerId"`
	Status  Status `json:"status"`

	// Scenes render in slice order. Immutable once rendering starts,
	// except for the Analysis field.
	Scenes []Scene `json:"scenes"`

	Progress Progress `json:"progress"`

	// Correlation handles for the in-flight remote render, empty otherwise.
	ExternalRenderID        string `json:"externalRenderId,omitempty"`
	ExternalStorageLocation string `json:"externalStorageLocation,omitempty"`

	// OutputLocation is set only on successful completion.
	OutputLocation string `json:"outputLocation,omitempty"`

	// ReviewOverride is set by a human to let needs_review scenes through
	// the render gate.
	ReviewOverride bool `json:"reviewOverride,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Scene is one narrated segment of the assembled video.
type Scene struct {
	Index           int            `json:"index"`
	Narration       string         `json:"narration"`
	VisualDirection string         `json:"visualDirection"`
	ImageURL        string         `json:"imageUrl,omitempty"`
	AudioURL        string         `json:"audioUrl,omitempty"`
	DurationSeconds float64        `json:"durationSeconds"`
	Analysis        *SceneAnalysis `json:"analysis,omitempty"`
}

// GeneratedAssets reports whether asset generation already produced output
// for this scene. Used to skip scenes on resume.
func (s Scene) GeneratedAssets() bool {
	return s.ImageURL != "" && s.AudioURL != ""
}

// Recommendation is the quality verdict for one scene.
type Recommendation string

const (
	RecommendApprove     Recommendation = "approve"
	RecommendNeedsReview Recommendation = "needs_review"
	RecommendReject      Recommendation = "reject"
	RecommendPending     Recommendation = "pending"
)

// SceneAnalysis is attached to a scene by the quality-evaluation service.
type SceneAnalysis struct {
	Recommendation Recommendation `json:"recommendation"`
	OverallScore   float64        `json:"overallScore"`
	Issues         []SceneIssue   `json:"issues,omitempty"`
}

// SceneIssue is a single defect spotted by the evaluator.
type SceneIssue struct {
	Severity    string `json:"severity"` // info | warning | critical
	Description string `json:"description"`
}

// SeverityCritical blocks rendering regardless of scores.
const SeverityCritical = "critical"

// ProgressVersion tags the persisted Progress shape so readers can detect
// rows written by an older worker.
const ProgressVersion = 2

// Progress is the versioned, append-friendly pipeline record. It is the only
// part of a Job the pipeline mutates while a stage is running.
type Progress struct {
	Version int    `json:"version"`
	Stage   string `json:"stage,omitempty"`

	// ScenesGenerated counts scenes with completed assets, persisted after
	// every scene so a crash loses at most one scene of work.
	ScenesGenerated int `json:"scenesGenerated"`

	// Errors holds non-fatal, per-scene failures.
	Errors []string `json:"errors,omitempty"`

	// ServiceFailures records every collaborator call that failed.
	ServiceFailures []ServiceFailure `json:"serviceFailures,omitempty"`

	// ChunkState is present only while one chunk is rendering remotely.
	ChunkState *ChunkRenderState `json:"chunkState,omitempty"`

	// ChunkResults accumulates completed chunks; a restart reconstructs the
	// remaining work from this list alone.
	ChunkResults []ChunkResult `json:"chunkResults,omitempty"`

	// RenderStatus is a derived projection for UI consumption. Never
	// authoritative: always reconstructible from ChunkResults + ChunkState.
	RenderStatus *RenderStatus `json:"renderStatus,omitempty"`

	// BlockingReasons from the last render-gate evaluation, if it blocked.
	BlockingReasons []string `json:"blockingReasons,omitempty"`

	// AdminOverride is set when an operator force-queues a render past the
	// quality gate. The gate is skipped while it is present.
	AdminOverride *AdminOverride `json:"adminOverride,omitempty"`
}

// AdminOverride records who forced a blocked job into rendering and why.
type AdminOverride struct {
	Actor  string    `json:"actor"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// ServiceFailure is one failed call to an external collaborator.
type ServiceFailure struct {
	Service string    `json:"service"`
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// RecordFailure appends a service-failure entry.
func (p *Progress) RecordFailure(service, message string) {
	p.ServiceFailures = append(p.ServiceFailures, ServiceFailure{
		Service: service,
		At:      time.Now().UTC(),
		Message: message,
	})
}

// ChunkRenderState marks one chunk as in flight on the remote executor.
// Cleared the moment the chunk resolves, success or failure.
type ChunkRenderState struct {
	ChunkIndex              int       `json:"chunkIndex"`
	ExternalRenderID        string    `json:"externalRenderId"`
	ExternalStorageLocation string    `json:"externalStorageLocation"`
	StartedAt               time.Time `json:"startedAt"`
}

// ChunkResult is one resolved chunk.
type ChunkResult struct {
	ChunkIndex     int    `json:"chunkIndex"`
	OutputLocation string `json:"outputLocation"`
	Success        bool   `json:"success"`
}

// CompletedChunks returns the set of chunk indexes that already succeeded.
func (p *Progress) CompletedChunks() map[int]bool {
	done := make(map[int]bool, len(p.ChunkResults))
	for _, r := range p.ChunkResults {
		if r.Success {
			done[r.ChunkIndex] = true
		}
	}
	return done
}

// QualityReport is the render gate's on-demand aggregate over scene analyses.
// Not persisted; recomputed whenever someone asks.
type QualityReport struct {
	Recommendation  Recommendation `json:"recommendation"`
	AggregateScore  float64        `json:"aggregateScore"`
	AnalyzedScenes  int            `json:"analyzedScenes"`
	SceneScores     []SceneScore   `json:"sceneScores"`
	BlockingReasons []string       `json:"blockingReasons"`
}

// SceneScore is one scene's entry in a QualityReport.
type SceneScore struct {
	Index          int            `json:"index"`
	Recommendation Recommendation `json:"recommendation"`
	Score          float64        `json:"score"`
}

// TotalDurationSeconds sums scene durations; this is the render timeline
// the orchestrator partitions into chunks.
func (j *Job) TotalDurationSeconds() float64 {
	var total float64
	for _, s := range j.Scenes {
		total += s.DurationSeconds
	}
	return total
}
