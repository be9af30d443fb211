// Package quality is the HTTP client for the quality-evaluation service.
// Analysis is best-effort: a failed call leaves scene.Analysis unset and the
// job keeps moving.
package quality

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"pinehill/internal/model"
)

type Client interface {
	AnalyzeScene(ctx context.Context, jobID string, scene model.Scene) (*model.SceneAnalysis, error)
}

type HTTPClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout == 0 {
		timeout = 2 * time.Minute
	}
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type analyzeRequest struct {
	JobID      string `json:"job_id"`
	SceneIndex int    `json:"scene_index"`
	ImageURL   string `json:"image_url"`
	AudioURL   string `json:"audio_url"`
	Narration  string `json:"narration"`
}

func (c *HTTPClient) AnalyzeScene(ctx context.Context, jobID string, scene model.Scene) (*model.SceneAnalysis, error) {
	body, err := json.Marshal(analyzeRequest{
		JobID:      jobID,
		SceneIndex: scene.Index,
		ImageURL:   scene.ImageURL,
		AudioURL:   scene.AudioURL,
		Narration:  scene.Narration,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/analyze/scene", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, fmt.Errorf("quality evaluation http %d", res.StatusCode)
	}

	var out model.SceneAnalysis
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}
