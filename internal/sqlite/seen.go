package sqlite

import (
	"context"
	"fmt"
	"time"
)

// HasSeen reports whether the fingerprint is in the seen ledger. Hits are
// cached in memory; misses always go to the database so a fingerprint
// marked by another process is still found.
func (r *Repo) HasSeen(ctx context.Context, fingerprint string) (bool, error) {
	if _, ok := r.seen.Get(fingerprint); ok {
		return true, nil
	}

	const q = `SELECT COUNT(*) FROM seen_jobs WHERE fingerprint = ?;`
	var count int
	if err := r.db.GetContext(ctx, &count, q, fingerprint); err != nil {
		return false, fmt.Errorf("error checking seen ledger: %s", err)
	}

	if count > 0 {
		r.seen.Add(fingerprint, struct{}{})
		return true, nil
	}

	return false, nil
}

// MarkSeen records the fingerprint's first sighting. The ledger is
// write-once: marking an already-seen fingerprint keeps the original
// timestamp.
func (r *Repo) MarkSeen(ctx context.Context, fingerprint string, at time.Time) error {
	const q = `INSERT INTO seen_jobs (fingerprint, first_seen_at) VALUES (?, ?)
	ON CONFLICT(fingerprint) DO NOTHING;`
	if _, err := r.db.ExecContext(ctx, q, fingerprint, at.UTC()); err != nil {
		return fmt.Errorf("error marking fingerprint seen: %s", err)
	}

	r.seen.Add(fingerprint, struct{}{})

	return nil
}

// CountSeen returns the size of the seen ledger.
func (r *Repo) CountSeen(ctx context.Context) (int, error) {
	const q = `SELECT COUNT(*) FROM seen_jobs;`

	var count int
	if err := r.db.GetContext(ctx, &count, q); err != nil {
		return 0, fmt.Errorf("error counting seen ledger: %s", err)
	}

	return count, nil
}

// PruneSeen drops seen records first sighted before the cutoff. This is
// operator-run retention tooling; the pipeline itself never deletes.
func (r *Repo) PruneSeen(ctx context.Context, olderThan time.Time) (int64, error) {
	const q = `DELETE FROM seen_jobs WHERE first_seen_at < ?;`

	res, err := r.db.ExecContext(ctx, q, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("error pruning seen ledger: %s", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("error counting pruned rows: %s", err)
	}

	// The cache may hold fingerprints that just lost their ledger row.
	r.seen.Purge()

	return n, nil
}
