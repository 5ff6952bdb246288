// Package jobhound holds the domain types shared across the ingestion
// pipeline, along with the ports that bind it to storage and feed
// configuration.
package jobhound

import (
	"context"
	"time"
)

type (
	// Feed is the configuration for one RSS/Atom source. It is owned by
	// whatever configures the daemon; the pipeline only reads it.
	Feed struct {
		ID       string            `json:"id"`
		Name     string            `json:"name"`
		URL      string            `json:"url"`
		Params   map[string]string `json:"params,omitempty"`
		Source   string            `json:"source"`
		Category string            `json:"category,omitempty"`
		Enabled  bool              `json:"enabled"`
	}

	// Posting is one entry extracted from a parsed feed. It lives only
	// within a single fetch cycle until it is either discarded as a
	// duplicate or promoted to a Job.
	Posting struct {
		Title       string    `json:"title"`
		Link        string    `json:"link"`
		Description string    `json:"description"`
		PublishedAt time.Time `json:"published_at"`
		Source      string    `json:"source"`
		Fingerprint string    `json:"fingerprint"`
	}

	// Job is a posting that survived deduplication and was persisted.
	// Rows are immutable once written; cleanup is an operator action.
	Job struct {
		ID          string    `db:"id"`
		FeedID      string    `db:"feed_id"`
		Fingerprint string    `db:"fingerprint"`
		Title       string    `db:"title"`
		Link        string    `db:"link"`
		Description string    `db:"description"`
		Source      string    `db:"source"`
		PublishedAt time.Time `db:"published_at"`
		CreatedAt   time.Time `db:"created_at"`
	}

	// FeedHealth tracks consecutive fetch failures for one feed. The
	// pipeline disables a feed after too many failures in a row; only an
	// operator action re-enables it.
	FeedHealth struct {
		FeedID              string     `db:"feed_id" json:"feed_id"`
		ConsecutiveFailures int        `db:"consecutive_failures" json:"consecutive_failures"`
		Disabled            bool       `db:"disabled" json:"disabled"`
		LastStatusCode      int        `db:"last_status_code" json:"last_status_code,omitempty"`
		LastSuccessAt       *time.Time `db:"last_success_at" json:"last_success_at,omitempty"`
		LastFailureAt       *time.Time `db:"last_failure_at" json:"last_failure_at,omitempty"`
		TotalAttempts       int        `db:"total_attempts" json:"total_attempts"`
		TotalSuccesses      int        `db:"total_successes" json:"total_successes"`
	}

	// FeedSource lists the feeds a run should process.
	FeedSource interface {
		EnabledFeeds(ctx context.Context) ([]Feed, error)
	}

	// Store is the persistence port for the pipeline: the seen-fingerprint
	// ledger, the persisted jobs, and per-feed health state.
	Store interface {
		HasSeen(ctx context.Context, fingerprint string) (bool, error)
		MarkSeen(ctx context.Context, fingerprint string, at time.Time) error
		SaveJobs(ctx context.Context, jobs []Job) error
		Health(ctx context.Context, feedID string) (FeedHealth, error)
		SaveHealth(ctx context.Context, h FeedHealth) error
	}
)

// Notification states reported in a run summary.
const (
	NotificationSent    = "sent"
	NotificationNotSent = "not_sent"
	NotificationError   = "error"
)

type (
	// RunSummary is the structured result of one pipeline run, handed back
	// to whatever triggered it.
	RunSummary struct {
		StartedAt      time.Time          `json:"started_at"`
		Duration       time.Duration      `json:"duration"`
		FeedsProcessed int                `json:"feeds_processed"`
		FeedsSkipped   int                `json:"feeds_skipped"`
		FailedFeeds    []string           `json:"failed_feeds"`
		NewJobs        int                `json:"new_jobs"`
		Preview        []Posting          `json:"preview,omitempty"`
		Notification   NotificationResult `json:"notification"`
	}

	// NotificationResult distinguishes "nothing to send" from "send
	// attempted and failed" so operators can tell silence from breakage.
	NotificationResult struct {
		State   string `json:"state"`
		Batches int    `json:"batches"`
		Reason  string `json:"reason,omitempty"`
	}
)
