package model

import "time"

// Render phases surfaced to the UI.
const (
	PhasePending    = "pending"
	PhaseRendering  = "rendering"
	PhaseFinalizing = "finalizing"
	PhaseComplete   = "complete"
	PhaseFailed     = "failed"
)

// RenderStatus is the denormalized progress projection shown to users.
type RenderStatus struct {
	Phase           string    `json:"phase"`
	TotalChunks     int       `json:"totalChunks"`
	CompletedChunks int       `json:"completedChunks"`
	CurrentChunk    int       `json:"currentChunk"`
	Percent         int       `json:"percent"`
	Message         string    `json:"message,omitempty"`
	StartedAt       time.Time `json:"startedAt"`
	LastUpdateAt    time.Time `json:"lastUpdateAt"`
	ElapsedMs       int64     `json:"elapsedMs"`
	Error           string    `json:"error,omitempty"`
}

// BuildRenderStatus derives the projection from the authoritative chunk
// records. currentPercent is the remote executor's percent for the chunk in
// flight, 0 when nothing is in flight.
func BuildRenderStatus(p *Progress, totalChunks int, startedAt time.Time, phase, message string, currentPercent int) *RenderStatus {
	now := time.Now().UTC()

	completed := len(p.CompletedChunks())
	current := completed
	if p.ChunkState != nil {
		current = p.ChunkState.ChunkIndex
	}

	percent := 0
	if totalChunks > 0 {
		// Each chunk contributes an equal slice; the in-flight chunk
		// contributes its own partial percent.
		perChunk := 100.0 / float64(totalChunks)
		percent = int(float64(completed)*perChunk + float64(currentPercent)/100.0*perChunk)
	}
	if phase == PhaseComplete {
		percent = 100
	}
	if percent > 100 {
		percent = 100
	}

	return &RenderStatus{
		Phase:           phase,
		TotalChunks:     totalChunks,
		CompletedChunks: completed,
		CurrentChunk:    current,
		Percent:         percent,
		Message:         message,
		StartedAt:       startedAt,
		LastUpdateAt:    now,
		ElapsedMs:       now.Sub(startedAt).Milliseconds(),
	}
}
