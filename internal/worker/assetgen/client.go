// Package assetgen is the HTTP client for the asset-generation service,
// which turns a scene's narration and visual direction into image and audio
// assets. Calls are long-running; failures are per-scene and non-fatal.
package assetgen

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
	GenerateScene(ctx context.Context, jobID string, scene model.Scene) (model.Scene, error)
}

type HTTPClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout == 0 {
		timeout = 10 * time.Minute
	}
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type generateRequest struct {
	JobID           string `json:"job_id"`
	SceneIndex      int    `json:"scene_index"`
	Narration       string `json:"narration"`
	VisualDirection string `json:"visual_direction"`
}

type generateResponse struct {
	ImageURL        string  `json:"image_url"`
	AudioURL        string  `json:"audio_url"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// GenerateScene builds assets for one scene and returns the enriched copy.
func (c *HTTPClient) GenerateScene(ctx context.Context, jobID string, scene model.Scene) (model.Scene, error) {
	body, err := json.Marshal(generateRequest{
		JobID:           jobID,
		SceneIndex:      scene.Index,
		Narration:       scene.Narration,
		VisualDirection: scene.VisualDirection,
	})
	if err != nil {
		return scene, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/assets/generate", bytes.NewReader(body))
	if err != nil {
		return scene, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return scene, err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return scene, fmt.Errorf("asset generation http %d", res.StatusCode)
	}

	var out generateResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return scene, err
	}

	scene.ImageURL = out.ImageURL
	scene.AudioURL = out.AudioURL
	if out.DurationSeconds > 0 {
		scene.DurationSeconds = out.DurationSeconds
	}
	return scene, nil
}
