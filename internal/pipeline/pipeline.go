// Package pipeline drives one ingestion run: fan-out fetch across feeds,
// fan-in the results, drop already-seen postings, persist the survivors,
// and hand them to the notifier.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jobhound/jobhound/internal/fetch"
	"github.com/jobhound/jobhound/internal/health"
	"github.com/jobhound/jobhound/internal/jobhound"
	"github.com/jobhound/jobhound/internal/logger"
	"github.com/jobhound/jobhound/internal/notify"
)

const (
	defaultMaxConcurrentFetches = 8
	defaultMaxJobsPerRun        = 50
	previewSize                 = 5
)

// PreconditionError means the run could not start at all; nothing was
// fetched or written.
type PreconditionError struct {
	Reason string
}

func (e *PreconditionError) Error() string {
	return "precondition failed: " + e.Reason
}

type (
	// Fetcher retrieves one feed's postings.
	Fetcher interface {
		Fetch(ctx context.Context, feed jobhound.Feed) ([]jobhound.Posting, error)
	}

	// Notifier delivers persisted jobs in batches.
	Notifier interface {
		Configured() bool
		Deliver(ctx context.Context, jobs []jobhound.Job) (int, error)
	}

	Config struct {
		// How many feeds are fetched at once.
		MaxConcurrentFetches int
		// Cap on new jobs persisted in one run; the rest surface on the
		// next scheduled run.
		MaxJobsPerRun int
		// When set, a run refuses to start if the notifier is not
		// configured, instead of silently ingesting without notifying.
		RequireNotifications bool
	}

	// Pipeline is the orchestrator for ingestion runs.
	Pipeline struct {
		fetcher  Fetcher
		store    jobhound.Store
		tracker  *health.Tracker
		notifier Notifier
		cfg      Config
	}
)

func New(fetcher Fetcher, store jobhound.Store, tracker *health.Tracker, notifier Notifier, cfg Config) *Pipeline {
	if cfg.MaxConcurrentFetches <= 0 {
		cfg.MaxConcurrentFetches = defaultMaxConcurrentFetches
	}
	if cfg.MaxJobsPerRun <= 0 {
		cfg.MaxJobsPerRun = defaultMaxJobsPerRun
	}
	return &Pipeline{
		fetcher:  fetcher,
		store:    store,
		tracker:  tracker,
		notifier: notifier,
		cfg:      cfg,
	}
}

// One feed's fetch outcome, fanned in over the results channel.
type fetchResult struct {
	feed     jobhound.Feed
	postings []jobhound.Posting
	err      error
}

// Run executes one complete pass over the given feeds.
//
// Individual feed failures are recorded in the summary and never abort the
// run; delivery failures are reported but do not roll back persisted jobs.
// Only a failed precondition returns an error.
func (p *Pipeline) Run(ctx context.Context, feeds []jobhound.Feed) (jobhound.RunSummary, error) {
	if len(feeds) == 0 {
		return jobhound.RunSummary{}, &PreconditionError{Reason: "no feeds configured"}
	}
	if p.cfg.RequireNotifications && !p.notifier.Configured() {
		return jobhound.RunSummary{}, &PreconditionError{Reason: "notifications required but not configured"}
	}

	summary := jobhound.RunSummary{
		StartedAt:   time.Now().UTC(),
		FailedFeeds: []string{},
	}

	var attempt []jobhound.Feed
	for _, feed := range feeds {
		if !feed.Enabled || !p.tracker.ShouldAttempt(ctx, feed.ID) {
			summary.FeedsSkipped++
			continue
		}
		attempt = append(attempt, feed)
	}

	slog.InfoContext(ctx, "run starting", "feeds", len(attempt), "skipped", summary.FeedsSkipped)

	results := make(chan fetchResult, len(attempt))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.MaxConcurrentFetches)
	for _, feed := range attempt {
		feed := feed
		g.Go(func() error {
			if gCtx.Err() != nil {
				// Run cancelled; don't start another fetch.
				return nil
			}

			fCtx := logger.Ctx(gCtx, slog.String("feed", feed.Name))
			postings, err := p.fetcher.Fetch(fCtx, feed)
			results <- fetchResult{feed: feed, postings: postings, err: err}

			return nil
		})
	}
	go func() {
		// Fetch units never return errors; Wait is just the barrier
		// before closing the channel.
		g.Wait()
		close(results)
	}()

	// Fan-in: this loop is the single writer against the store, so two
	// feeds carrying the same posting cannot race each other into it.
	var (
		newJobs     []jobhound.Job
		seenThisRun = map[string]struct{}{}
	)
	for res := range results {
		fCtx := logger.Ctx(ctx, slog.String("feed", res.feed.Name))
		summary.FeedsProcessed++

		if res.err != nil {
			slog.ErrorContext(fCtx, "feed fetch failed", "error", res.err)
			summary.FailedFeeds = append(summary.FailedFeeds, res.feed.Name)
			if err := p.tracker.RecordFailure(fCtx, res.feed.ID, fetchStatus(res.err)); err != nil {
				slog.ErrorContext(fCtx, "error recording feed failure", "error", err)
			}
			continue
		}
		if err := p.tracker.RecordSuccess(fCtx, res.feed.ID); err != nil {
			slog.ErrorContext(fCtx, "error recording feed success", "error", err)
		}

		kept, err := p.ingest(fCtx, res, seenThisRun, p.cfg.MaxJobsPerRun-len(newJobs))
		if err != nil {
			slog.ErrorContext(fCtx, "error persisting feed postings", "error", err)
			summary.FailedFeeds = append(summary.FailedFeeds, res.feed.Name)
			continue
		}

		newJobs = append(newJobs, kept...)
		slog.InfoContext(fCtx, "feed processed", "postings", len(res.postings), "new", len(kept))
	}

	summary.NewJobs = len(newJobs)
	for _, job := range newJobs[:min(previewSize, len(newJobs))] {
		summary.Preview = append(summary.Preview, jobhound.Posting{
			Title:       job.Title,
			Link:        job.Link,
			Description: job.Description,
			PublishedAt: job.PublishedAt,
			Source:      job.Source,
			Fingerprint: job.Fingerprint,
		})
	}

	summary.Notification = p.deliver(ctx, newJobs)
	summary.Duration = time.Since(summary.StartedAt)

	slog.InfoContext(ctx, "run complete",
		"new_jobs", summary.NewJobs,
		"failed_feeds", len(summary.FailedFeeds),
		"notification", summary.Notification.State,
		"duration", summary.Duration,
	)

	return summary, nil
}

// ingest filters one feed's postings against the seen ledger and persists
// the survivors, keeping at most budget of them. Fingerprints are marked
// seen only after the save succeeded, so a storage fault can cost us a
// duplicate notification later but never a silently lost posting.
func (p *Pipeline) ingest(ctx context.Context, res fetchResult, seenThisRun map[string]struct{}, budget int) ([]jobhound.Job, error) {
	var (
		kept []jobhound.Job
		// Feeds sometimes repeat an item within one document; keep each
		// fingerprint once. Kept fingerprints are promoted to seenThisRun
		// only after the save succeeds.
		keptFPs = map[string]struct{}{}
	)
	for _, posting := range res.postings {
		if len(kept) >= budget {
			break
		}
		if _, ok := seenThisRun[posting.Fingerprint]; ok {
			continue
		}
		if _, ok := keptFPs[posting.Fingerprint]; ok {
			continue
		}

		seen, err := p.store.HasSeen(ctx, posting.Fingerprint)
		if err != nil {
			return nil, fmt.Errorf("error checking seen ledger: %w", err)
		}
		if seen {
			continue
		}

		keptFPs[posting.Fingerprint] = struct{}{}
		kept = append(kept, jobhound.Job{
			FeedID:      res.feed.ID,
			Fingerprint: posting.Fingerprint,
			Title:       posting.Title,
			Link:        posting.Link,
			Description: posting.Description,
			Source:      posting.Source,
			PublishedAt: posting.PublishedAt,
		})
	}
	if len(kept) == 0 {
		return nil, nil
	}

	if err := p.store.SaveJobs(ctx, kept); err != nil {
		return nil, fmt.Errorf("error saving jobs: %w", err)
	}

	now := time.Now().UTC()
	for _, job := range kept {
		seenThisRun[job.Fingerprint] = struct{}{}
		if err := p.store.MarkSeen(ctx, job.Fingerprint, now); err != nil {
			slog.ErrorContext(ctx, "error marking fingerprint seen", "fingerprint", job.Fingerprint, "error", err)
		}
	}

	return kept, nil
}

// deliver hands the run's new jobs to the notifier and folds the outcome
// into the summary's notification result.
func (p *Pipeline) deliver(ctx context.Context, jobs []jobhound.Job) jobhound.NotificationResult {
	if len(jobs) == 0 {
		return jobhound.NotificationResult{State: jobhound.NotificationNotSent, Reason: "no new postings"}
	}

	sent, err := p.notifier.Deliver(ctx, jobs)
	switch {
	case errors.Is(err, notify.ErrNotConfigured):
		return jobhound.NotificationResult{
			State:  jobhound.NotificationNotSent,
			Reason: err.Error(),
		}
	case err != nil:
		return jobhound.NotificationResult{
			State:   jobhound.NotificationError,
			Batches: sent,
			Reason:  err.Error(),
		}
	default:
		return jobhound.NotificationResult{State: jobhound.NotificationSent, Batches: sent}
	}
}

// fetchStatus pulls the HTTP status out of a transport failure for the
// health record; other failures have no status.
func fetchStatus(err error) int {
	tErr := &fetch.TransportError{}
	if errors.As(err, &tErr) {
		return tErr.Status
	}
	return 0
}
