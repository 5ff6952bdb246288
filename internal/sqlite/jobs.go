package sqlite

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/jobhound/jobhound/internal/jobhound"
)

const jobNamespace = "-job"

// SaveJobs persists the given jobs in one statement. A fingerprint that is
// already present is ignored rather than erroring, so re-saving across
// runs stays idempotent.
func (r *Repo) SaveJobs(ctx context.Context, jobs []jobhound.Job) error {
	if len(jobs) == 0 {
		return nil
	}

	now := time.Now().UTC()
	for i := range jobs {
		jobs[i].ID = fmt.Sprintf("%s%s", uuid.NewString(), jobNamespace)
		jobs[i].CreatedAt = now
	}

	const q = `INSERT INTO jobs (id, feed_id, fingerprint, title, link, description, source, published_at, created_at)
	VALUES (:id, :feed_id, :fingerprint, :title, :link, :description, :source, :published_at, :created_at)
	ON CONFLICT(fingerprint) DO NOTHING;`
	if _, err := r.db.NamedExecContext(ctx, q, jobs); err != nil {
		return fmt.Errorf("error inserting jobs: %s", err)
	}

	return nil
}

// RecentJobs returns the newest persisted jobs, optionally limited to one
// feed.
func (r *Repo) RecentJobs(ctx context.Context, feedID string, limit int) ([]jobhound.Job, error) {
	q := sq.Select("*").From("jobs").OrderBy("created_at DESC", "id").Limit(uint64(limit))
	if feedID != "" {
		q = q.Where(sq.Eq{"feed_id": feedID})
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("error constructing sql: %s", err)
	}

	var jobs []jobhound.Job
	if err := r.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("error fetching jobs: %s", err)
	}

	return jobs, nil
}

// CountJobs returns the total number of persisted jobs.
func (r *Repo) CountJobs(ctx context.Context) (int, error) {
	const q = `SELECT COUNT(*) FROM jobs;`

	var count int
	if err := r.db.GetContext(ctx, &count, q); err != nil {
		return 0, fmt.Errorf("error counting jobs: %s", err)
	}

	return count, nil
}
