package render

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"pinehill/internal/pkg/errors"
	"pinehill/internal/ports"
)

// Finalizer copies the executor's merged artifact into our own storage
// provider so the final cut outlives the executor's retention window.
type Finalizer struct {
	sp     ports.StorageProvider
	client *http.Client
}

func NewFinalizer(sp ports.StorageProvider) *Finalizer {
	return &Finalizer{
		sp:     sp,
		client: &http.Client{Timeout: 10 * time.Minute},
	}
}

// StoreFinal downloads the merged artifact and re-uploads it, returning the
// stored object key.
func (f *Finalizer) StoreFinal(ctx context.Context, jobID, sourceURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return "", errors.Wrap(err, "output.fetch", "invalid artifact url")
	}

	res, err := f.client.Do(req)
	if err != nil {
		return "", errors.WrapWithCode(err, errors.CodeRetryable, "output.fetch", "failed to download final artifact")
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", errors.Retryablef("artifact download http %d", res.StatusCode)
	}

	key := fmt.Sprintf("renders/%s/final.mp4", jobID)
	out, err := f.sp.PutObject(ctx, ports.PutObjectInput{
		ObjectKey:   key,
		ContentType: "video/mp4",
		Reader:      res.Body,
		Size:        res.ContentLength,
	})
	if err != nil {
		return "", errors.WrapWithCode(err, errors.CodeRetryable, "output.store", "failed to store final artifact")
	}

	return out.ObjectKey, nil
}
