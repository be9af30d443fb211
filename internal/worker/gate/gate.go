// Package gate decides whether a job's generated assets are good enough to
// render. Evaluate is a pure function over scene analyses; the admin
// override lives elsewhere (worker.ForceRenderQueued) and never weakens it.
package gate

import (
	"fmt"

	"pinehill/internal/model"
)

// Verdict is the gate's answer. Allowed is true only when zero blocking
// reasons were collected.
type Verdict struct {
	Allowed         bool
	BlockingReasons []string
}

// Evaluate collects every blocking condition; conditions are additive and
// never short-circuit, so callers can show the complete list.
func Evaluate(job *model.Job, minAggregateScore float64) Verdict {
	var reasons []string

	rejected := 0
	needsReview := 0
	critical := 0
	var scoreSum float64
	analyzed := 0

	for _, scene := range job.Scenes {
		a := scene.Analysis
		if a == nil {
			continue
		}
		analyzed++
		scoreSum += a.OverallScore

		switch a.Recommendation {
		case model.RecommendReject:
			rejected++
		case model.RecommendNeedsReview:
			needsReview++
		}

		for _, issue := range a.Issues {
			if issue.Severity == model.SeverityCritical {
				critical++
			}
		}
	}

	if rejected > 0 {
		reasons = append(reasons, fmt.Sprintf("%d scene(s) rejected by quality evaluation", rejected))
	}
	if needsReview > 0 && !job.ReviewOverride {
		reasons = append(reasons, fmt.Sprintf("%d scene(s) flagged needs_review without a review override", needsReview))
	}
	if critical > 0 {
		reasons = append(reasons, fmt.Sprintf("%d critical issue(s) reported across scenes", critical))
	}
	if analyzed > 0 {
		aggregate := scoreSum / float64(analyzed)
		if aggregate < minAggregateScore {
			reasons = append(reasons, fmt.Sprintf("aggregate quality score %.1f below threshold %.1f", aggregate, minAggregateScore))
		}
	}

	return Verdict{
		Allowed:         len(reasons) == 0,
		BlockingReasons: reasons,
	}
}

// Report recomputes the on-demand quality summary from scene analyses.
func Report(job *model.Job, minAggregateScore float64) model.QualityReport {
	verdict := Evaluate(job, minAggregateScore)

	var scoreSum float64
	analyzed := 0
	pending := false
	worst := model.RecommendApprove
	scores := make([]model.SceneScore, 0, len(job.Scenes))

	for _, scene := range job.Scenes {
		a := scene.Analysis
		if a == nil {
			pending = true
			scores = append(scores, model.SceneScore{
				Index:          scene.Index,
				Recommendation: model.RecommendPending,
			})
			continue
		}
		analyzed++
		scoreSum += a.OverallScore
		scores = append(scores, model.SceneScore{
			Index:          scene.Index,
			Recommendation: a.Recommendation,
			Score:          a.OverallScore,
		})

		switch a.Recommendation {
		case model.RecommendReject:
			worst = model.RecommendReject
		case model.RecommendNeedsReview:
			if worst != model.RecommendReject {
				worst = model.RecommendNeedsReview
			}
		case model.RecommendPending:
			pending = true
		}
	}

	rec := worst
	if pending && worst == model.RecommendApprove {
		rec = model.RecommendPending
	}

	var aggregate float64
	if analyzed > 0 {
		aggregate = scoreSum / float64(analyzed)
	}

	return model.QualityReport{
		Recommendation:  rec,
		AggregateScore:  aggregate,
		AnalyzedScenes:  analyzed,
		SceneScores:     scores,
		BlockingReasons: verdict.BlockingReasons,
	}
}
