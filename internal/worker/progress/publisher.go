// Package progress mirrors render-status projections into Redis so status
// reads never touch the jobs table. The database copy stays authoritative;
// the mirror expires on its own.
package progress

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"pinehill/internal/model"
	"pinehill/internal/pkg/errors"
)

const keyPrefix = "video:render:status:"

type Publisher struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewPublisher(rdb *redis.Client, ttl time.Duration) *Publisher {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Publisher{rdb: rdb, ttl: ttl}
}

func statusKey(jobID string) string { return keyPrefix + jobID }

// Publish overwrites the mirrored status for a job.
func (p *Publisher) Publish(ctx context.Context, jobID string, st *model.RenderStatus) error {
	if st == nil {
		return nil
	}
	payload, err := json.Marshal(st)
	if err != nil {
		return errors.Wrap(err, "progress.Publish", "marshal render status")
	}
	if err := p.rdb.Set(ctx, statusKey(jobID), payload, p.ttl).Err(); err != nil {
		return errors.WrapWithCode(err, errors.CodeUnavailable, "progress.Publish", "write render status")
	}
	return nil
}

// Fetch returns the mirrored status, or (nil, nil) when none exists.
func (p *Publisher) Fetch(ctx context.Context, jobID string) (*model.RenderStatus, error) {
	payload, err := p.rdb.Get(ctx, statusKey(jobID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeUnavailable, "progress.Fetch", "read render status")
	}
	var st model.RenderStatus
	if err := json.Unmarshal(payload, &st); err != nil {
		return nil, errors.Wrap(err, "progress.Fetch", "decode render status")
	}
	return &st, nil
}

// Clear drops the mirror, typically after a job is deleted.
func (p *Publisher) Clear(ctx context.Context, jobID string) error {
	return p.rdb.Del(ctx, statusKey(jobID)).Err()
}
