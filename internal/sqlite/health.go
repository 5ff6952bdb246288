package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/jobhound/jobhound/internal/jobhound"
)

// Health returns the feed's health state, or a zero state for a feed that
// has never been attempted.
func (r *Repo) Health(ctx context.Context, feedID string) (jobhound.FeedHealth, error) {
	const q = `SELECT * FROM feed_health WHERE feed_id = ?;`

	var h jobhound.FeedHealth
	err := r.db.GetContext(ctx, &h, q, feedID)
	if errors.Is(err, sql.ErrNoRows) {
		return jobhound.FeedHealth{FeedID: feedID}, nil
	}
	if err != nil {
		return jobhound.FeedHealth{}, fmt.Errorf("error fetching feed health: %s", err)
	}

	return h, nil
}

// SaveHealth upserts the feed's health state.
func (r *Repo) SaveHealth(ctx context.Context, h jobhound.FeedHealth) error {
	const q = `INSERT INTO feed_health
	(feed_id, consecutive_failures, disabled, last_status_code, last_success_at, last_failure_at, total_attempts, total_successes)
	VALUES (:feed_id, :consecutive_failures, :disabled, :last_status_code, :last_success_at, :last_failure_at, :total_attempts, :total_successes)
	ON CONFLICT(feed_id) DO UPDATE SET
		consecutive_failures = excluded.consecutive_failures,
		disabled = excluded.disabled,
		last_status_code = excluded.last_status_code,
		last_success_at = excluded.last_success_at,
		last_failure_at = excluded.last_failure_at,
		total_attempts = excluded.total_attempts,
		total_successes = excluded.total_successes;`
	if _, err := r.db.NamedExecContext(ctx, q, h); err != nil {
		return fmt.Errorf("error saving feed health: %s", err)
	}

	return nil
}

// AllHealth returns every feed's health state.
func (r *Repo) AllHealth(ctx context.Context) ([]jobhound.FeedHealth, error) {
	const q = `SELECT * FROM feed_health ORDER BY feed_id;`

	var hs []jobhound.FeedHealth
	if err := r.db.SelectContext(ctx, &hs, q); err != nil {
		return nil, fmt.Errorf("error fetching feed health: %s", err)
	}

	return hs, nil
}

// ResetHealth clears the feed's failure count and re-enables it. This is
// the explicit operator action that exits the disabled state.
func (r *Repo) ResetHealth(ctx context.Context, feedID string) error {
	const q = `UPDATE feed_health SET consecutive_failures = 0, disabled = 0 WHERE feed_id = ?;`

	if _, err := r.db.ExecContext(ctx, q, feedID); err != nil {
		return fmt.Errorf("error resetting feed health: %s", err)
	}

	return nil
}

// SetDisabled flips only the disabled flag, keeping the failure history.
func (r *Repo) SetDisabled(ctx context.Context, feedID string, disabled bool) error {
	h, err := r.Health(ctx, feedID)
	if err != nil {
		return err
	}
	h.Disabled = disabled

	return r.SaveHealth(ctx, h)
}

// PruneHealth drops health rows with no recorded activity since the
// cutoff, typically feeds long removed from the definition file.
func (r *Repo) PruneHealth(ctx context.Context, inactiveSince time.Time) (int64, error) {
	cutoff := inactiveSince.UTC()
	query, args, err := sq.Delete("feed_health").Where(sq.And{
		sq.Or{sq.Eq{"last_success_at": nil}, sq.Lt{"last_success_at": cutoff}},
		sq.Or{sq.Eq{"last_failure_at": nil}, sq.Lt{"last_failure_at": cutoff}},
	}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("error constructing sql: %s", err)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("error pruning feed health: %s", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("error counting pruned rows: %s", err)
	}

	return n, nil
}
