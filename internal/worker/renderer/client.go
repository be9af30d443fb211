// Package renderer is the HTTP client for the remote render executor. The
// executor renders one bounded-duration chunk per dispatch and is polled for
// completion; it also concatenates finished chunks into the final cut.
package renderer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	neturl "net/url"
	"time"
)

// ChunkState is the executor's view of one render job.
type ChunkState string

const (
	StateInProgress ChunkState = "in_progress"
	StateComplete   ChunkState = "complete"
	StateFailed     ChunkState = "failed"
	StateNotFound   ChunkState = "not_found"
)

// ChunkSpec describes one chunk dispatch.
type ChunkSpec struct {
	JobID          string       `json:"job_id"`
	ChunkIndex     int          `json:"chunk_index"`
	StartSeconds   float64      `json:"start_seconds"`
	EndSeconds     float64      `json:"end_seconds"`
	Scenes         []SceneInput `json:"scenes"`
	IdempotencyKey string       `json:"idempotency_key"`
}

// SceneInput is the subset of a scene the executor needs.
type SceneInput struct {
	Index    int     `json:"index"`
	ImageURL string  `json:"image_url"`
	AudioURL string  `json:"audio_url"`
	Duration float64 `json:"duration_seconds"`
}

// DispatchResult carries the correlation handles for an accepted chunk.
type DispatchResult struct {
	ExternalRenderID        string `json:"render_id"`
	ExternalStorageLocation string `json:"storage_location"`
}

// StatusResult is one poll of an in-flight chunk.
type StatusResult struct {
	Status         ChunkState `json:"status"`
	Percent        int        `json:"percent"`
	OutputLocation string     `json:"output_location,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// FinalizeSpec asks the executor to concatenate completed chunk outputs.
type FinalizeSpec struct {
	JobID          string   `json:"job_id"`
	ChunkLocations []string `json:"chunk_locations"`
}

// FinalizeResult points at the merged artifact.
type FinalizeResult struct {
	OutputLocation string `json:"output_location"`
}

type Client interface {
	Dispatch(ctx context.Context, spec ChunkSpec) (DispatchResult, error)
	CheckStatus(ctx context.Context, renderID, storageLocation string) (StatusResult, error)
	Finalize(ctx context.Context, spec FinalizeSpec) (FinalizeResult, error)
}

type HTTPClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 2 * time.Minute},
	}
}

func (c *HTTPClient) Dispatch(ctx context.Context, spec ChunkSpec) (DispatchResult, error) {
	var out DispatchResult
	if err := c.post(ctx, "/render/chunk", spec, &out); err != nil {
		return DispatchResult{}, err
	}
	return out, nil
}

func (c *HTTPClient) CheckStatus(ctx context.Context, renderID, storageLocation string) (StatusResult, error) {
	url := fmt.Sprintf("%s/render/chunk/%s/status?storage=%s",
		c.baseURL, renderID, neturl.QueryEscape(storageLocation))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return StatusResult{}, err
	}

	res, err := c.client.Do(req)
	if err != nil {
		return StatusResult{}, err
	}
	defer res.Body.Close()

	// The executor answers 404 for expired/unknown render ids; that is a
	// regular verdict, not a transport failure.
	if res.StatusCode == http.StatusNotFound {
		return StatusResult{Status: StateNotFound}, nil
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return StatusResult{}, fmt.Errorf("render executor http %d", res.StatusCode)
	}

	var out StatusResult
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return StatusResult{}, err
	}
	return out, nil
}

func (c *HTTPClient) Finalize(ctx context.Context, spec FinalizeSpec) (FinalizeResult, error) {
	var out FinalizeResult
	if err := c.post(ctx, "/render/finalize", spec, &out); err != nil {
		return FinalizeResult{}, err
	}
	return out, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("render executor http %d", res.StatusCode)
	}

	if out != nil {
		return json.NewDecoder(res.Body).Decode(out)
	}
	return nil
}
