// Package health tracks consecutive fetch failures per feed and circuit-
// breaks sources that keep failing across runs.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jobhound/jobhound/internal/jobhound"
)

// DefaultThreshold is how many consecutive failures a feed gets before it
// is disabled.
const DefaultThreshold = 5

// Tracker records fetch outcomes against the store and decides whether a
// feed is worth attempting. A disabled feed stays disabled until an
// operator resets it; the tracker never re-enables on its own.
type Tracker struct {
	store     jobhound.Store
	threshold int
}

// New creates a Tracker. A threshold of zero or less falls back to
// DefaultThreshold.
func New(store jobhound.Store, threshold int) *Tracker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Tracker{store: store, threshold: threshold}
}

// ShouldAttempt reports whether the feed should be fetched this run.
//
// A failed health read fails open: skipping would silently mute a feed on
// a storage blip, and the fetch itself is already failure-isolated.
func (t *Tracker) ShouldAttempt(ctx context.Context, feedID string) bool {
	h, err := t.store.Health(ctx, feedID)
	if err != nil {
		slog.WarnContext(ctx, "error loading feed health, attempting anyway", "feed_id", feedID, "error", err)
		return true
	}

	return !h.Disabled
}

// RecordSuccess resets the feed's consecutive-failure counter.
func (t *Tracker) RecordSuccess(ctx context.Context, feedID string) error {
	h, err := t.store.Health(ctx, feedID)
	if err != nil {
		return fmt.Errorf("error loading feed health: %w", err)
	}

	now := time.Now().UTC()
	h.FeedID = feedID
	h.ConsecutiveFailures = 0
	h.LastStatusCode = 0
	h.LastSuccessAt = &now
	h.TotalAttempts++
	h.TotalSuccesses++

	if err := t.store.SaveHealth(ctx, h); err != nil {
		return fmt.Errorf("error saving feed health: %w", err)
	}

	return nil
}

// RecordFailure bumps the feed's consecutive-failure counter and disables
// the feed once the counter exceeds the threshold. statusCode may be zero
// when the failure was not an HTTP status.
func (t *Tracker) RecordFailure(ctx context.Context, feedID string, statusCode int) error {
	h, err := t.store.Health(ctx, feedID)
	if err != nil {
		return fmt.Errorf("error loading feed health: %w", err)
	}

	now := time.Now().UTC()
	h.FeedID = feedID
	h.ConsecutiveFailures++
	h.LastStatusCode = statusCode
	h.LastFailureAt = &now
	h.TotalAttempts++

	if h.ConsecutiveFailures > t.threshold {
		if !h.Disabled {
			slog.WarnContext(ctx, "disabling feed after repeated failures",
				"feed_id", feedID,
				"consecutive_failures", h.ConsecutiveFailures,
			)
		}
		h.Disabled = true
	}

	if err := t.store.SaveHealth(ctx, h); err != nil {
		return fmt.Errorf("error saving feed health: %w", err)
	}

	return nil
}
