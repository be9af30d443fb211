// Package postgres persists jobs in a single table. Every coordination
// invariant is a per-row conditional write; there are no cross-row
// transactions and no advisory locks.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"pinehill/internal/model"
	apperrors "pinehill/internal/pkg/errors"
)

// ErrNotFound carries the NOT_FOUND code so HTTP surfaces map it to 404.
var ErrNotFound error = apperrors.New(apperrors.CodeNotFound, "job not found")

const jobColumns = `id, owner_id, status, scenes, progress,
	COALESCE(external_render_id, ''), COALESCE(external_storage_location, ''),
	COALESCE(output_location, ''), review_override, created_at, updated_at`

type JobStore struct {
	pool *pgxpool.Pool
}

func NewJobStore(pool *pgxpool.Pool) *JobStore {
	return &JobStore{pool: pool}
}

// Claim atomically moves the oldest job out of `from` into `to` and returns
// it. SKIP LOCKED keeps concurrent workers from ever picking the same row;
// (nil, nil) means nothing was eligible.
func (s *JobStore) Claim(ctx context.Context, from, to model.Status) (*model.Job, error) {
	q := fmt.Sprintf(`
UPDATE jobs SET status=$1, updated_at=NOW()
WHERE id = (
	SELECT id FROM jobs
	WHERE status=$2
	ORDER BY created_at
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING %s;`, jobColumns)

	job, err := s.scanJob(s.pool.QueryRow(ctx, q, string(to), string(from)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return job, nil
}

// Get returns one job by id.
func (s *JobStore) Get(ctx context.Context, id string) (*model.Job, error) {
	q := fmt.Sprintf(`SELECT %s FROM jobs WHERE id=$1;`, jobColumns)

	job, err := s.scanJob(s.pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

// Update writes the mutable fields of a job in one statement. Last writer
// wins on progress/status; the loser's next read self-corrects.
func (s *JobStore) Update(ctx context.Context, job *model.Job) error {
	scenes, progress, err := marshalJob(job)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
UPDATE jobs SET
	status=$2,
	scenes=$3,
	progress=$4,
	external_render_id=NULLIF($5, ''),
	external_storage_location=NULLIF($6, ''),
	output_location=NULLIF($7, ''),
	updated_at=NOW()
WHERE id=$1;`,
		job.ID,
		string(job.Status),
		scenes,
		progress,
		job.ExternalRenderID,
		job.ExternalStorageLocation,
		job.OutputLocation,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveProgress persists only the progress record. Called after every scene
// and every chunk event, so updated_at keeps moving while work is alive;
// the stall detector reads nothing else.
func (s *JobStore) SaveProgress(ctx context.Context, id string, progress model.Progress) error {
	raw, err := json.Marshal(progress)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET progress=$2, updated_at=NOW() WHERE id=$1;`,
		id, raw,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetStatusIf transitions id from `from` to `to`. Returns false when another
// writer already moved the row, without error.
func (s *JobStore) SetStatusIf(ctx context.Context, id string, from, to model.Status) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status=$2, updated_at=NOW() WHERE id=$1 AND status=$3;`,
		id, string(to), string(from),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ScanByStatus returns all jobs in any of the given states, oldest first.
func (s *JobStore) ScanByStatus(ctx context.Context, statuses ...model.Status) ([]model.Job, error) {
	states := make([]string, len(statuses))
	for i, st := range statuses {
		states[i] = string(st)
	}

	q := fmt.Sprintf(`SELECT %s FROM jobs WHERE status = ANY($1) ORDER BY created_at;`, jobColumns)

	rows, err := s.pool.Query(ctx, q, states)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		job, err := s.scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// ResetStale moves every job stuck in `from` for longer than olderThan back
// to `to`. Pure status write; no remote side effects.
func (s *JobStore) ResetStale(ctx context.Context, from, to model.Status, olderThan time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE jobs SET status=$2, updated_at=NOW()
WHERE status=$1 AND updated_at < NOW() - $3::interval;`,
		string(from), string(to), fmt.Sprintf("%d seconds", int64(olderThan.Seconds())),
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func marshalJob(job *model.Job) (scenes, progress []byte, err error) {
	scenes, err = json.Marshal(job.Scenes)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal scenes: %w", err)
	}
	progress, err = json.Marshal(job.Progress)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal progress: %w", err)
	}
	return scenes, progress, nil
}

func (s *JobStore) scanJob(row pgx.Row) (*model.Job, error) {
	var (
		job           model.Job
		statusText    string
		scenesBytes   []byte
		progressBytes []byte
	)

	if err := row.Scan(
		&job.ID,
		&job.OwnerID,
		&statusText,
		&scenesBytes,
		&progressBytes,
		&job.ExternalRenderID,
		&job.ExternalStorageLocation,
		&job.OutputLocation,
		&job.ReviewOverride,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}

	job.Status = model.Status(statusText)
	if len(scenesBytes) > 0 {
		if err := json.Unmarshal(scenesBytes, &job.Scenes); err != nil {
			return nil, fmt.Errorf("unmarshal scenes: %w", err)
		}
	}
	if len(progressBytes) > 0 {
		if err := json.Unmarshal(progressBytes, &job.Progress); err != nil {
			return nil, fmt.Errorf("unmarshal progress: %w", err)
		}
	}

	return &job, nil
}
