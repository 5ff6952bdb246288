package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobhound/jobhound/internal/fetch"
	"github.com/jobhound/jobhound/internal/fingerprint"
	"github.com/jobhound/jobhound/internal/health"
	"github.com/jobhound/jobhound/internal/jobhound"
	"github.com/jobhound/jobhound/internal/notify"
)

// fakeFetcher serves canned postings or errors per feed ID.
type fakeFetcher struct {
	postings map[string][]jobhound.Posting
	errs     map[string]error
}

func (f *fakeFetcher) Fetch(_ context.Context, feed jobhound.Feed) ([]jobhound.Posting, error) {
	if err := f.errs[feed.ID]; err != nil {
		return nil, err
	}
	return f.postings[feed.ID], nil
}

// fakeStore is an in-memory jobhound.Store with injectable faults.
type fakeStore struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	jobs   []jobhound.Job
	health map[string]jobhound.FeedHealth

	saveJobsErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		seen:   map[string]time.Time{},
		health: map[string]jobhound.FeedHealth{},
	}
}

func (s *fakeStore) HasSeen(_ context.Context, fp string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[fp]
	return ok, nil
}

func (s *fakeStore) MarkSeen(_ context.Context, fp string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[fp]; !ok {
		s.seen[fp] = at
	}
	return nil
}

func (s *fakeStore) SaveJobs(_ context.Context, jobs []jobhound.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveJobsErr != nil {
		return s.saveJobsErr
	}
	s.jobs = append(s.jobs, jobs...)
	return nil
}

func (s *fakeStore) Health(_ context.Context, feedID string) (jobhound.FeedHealth, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.health[feedID]
	h.FeedID = feedID
	return h, nil
}

func (s *fakeStore) SaveHealth(_ context.Context, h jobhound.FeedHealth) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health[h.FeedID] = h
	return nil
}

// fakeNotifier records what it was asked to deliver.
type fakeNotifier struct {
	configured bool
	deliverErr error
	batchSize  int

	delivered []jobhound.Job
	batches   int
}

func (n *fakeNotifier) Configured() bool { return n.configured }

func (n *fakeNotifier) Deliver(_ context.Context, jobs []jobhound.Job) (int, error) {
	if len(jobs) == 0 {
		return 0, nil
	}
	if !n.configured {
		return 0, notify.ErrNotConfigured
	}
	if n.deliverErr != nil {
		return 0, n.deliverErr
	}
	n.delivered = append(n.delivered, jobs...)
	size := n.batchSize
	if size <= 0 {
		size = 10
	}
	n.batches = (len(jobs) + size - 1) / size
	return n.batches, nil
}

func posting(link, title string) jobhound.Posting {
	return jobhound.Posting{
		Title:       title,
		Link:        link,
		PublishedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Fingerprint: fingerprint.Sum(link, title),
	}
}

func feed(id string) jobhound.Feed {
	return jobhound.Feed{ID: id, Name: "Feed " + id, URL: "https://example.com/" + id, Enabled: true}
}

func newTestPipeline(fetcher Fetcher, store *fakeStore, notifier Notifier, cfg Config) *Pipeline {
	return New(fetcher, store, health.New(store, 3), notifier, cfg)
}

func TestRunIdempotent(t *testing.T) {
	store := newFakeStore()
	fetcher := &fakeFetcher{postings: map[string][]jobhound.Posting{
		"a": {posting("https://x/1", "Engineer"), posting("https://x/2", "Designer")},
	}}
	notifier := &fakeNotifier{configured: true}
	p := newTestPipeline(fetcher, store, notifier, Config{})
	feeds := []jobhound.Feed{feed("a")}

	first, err := p.Run(context.Background(), feeds)
	require.NoError(t, err)
	assert.Equal(t, 2, first.NewJobs)
	assert.Equal(t, jobhound.NotificationSent, first.Notification.State)

	// Same feed content again: everything is already in the ledger.
	second, err := p.Run(context.Background(), feeds)
	require.NoError(t, err)
	assert.Equal(t, 0, second.NewJobs)
	assert.Equal(t, jobhound.NotificationNotSent, second.Notification.State)
	assert.Equal(t, "no new postings", second.Notification.Reason)
	assert.Len(t, store.jobs, 2)
}

func TestRunIsolatesFeedFailures(t *testing.T) {
	store := newFakeStore()
	fetcher := &fakeFetcher{
		postings: map[string][]jobhound.Posting{
			"good": {posting("https://x/1", "Engineer")},
		},
		errs: map[string]error{
			"bad": &fetch.TransportError{URL: "https://bad", Status: http.StatusBadGateway},
		},
	}
	notifier := &fakeNotifier{configured: true}
	p := newTestPipeline(fetcher, store, notifier, Config{})

	summary, err := p.Run(context.Background(), []jobhound.Feed{feed("good"), feed("bad")})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.NewJobs)
	assert.Equal(t, []string{"Feed bad"}, summary.FailedFeeds)
	assert.Len(t, notifier.delivered, 1)

	// The failure landed in the health record, with its status code.
	assert.Equal(t, 1, store.health["bad"].ConsecutiveFailures)
	assert.Equal(t, http.StatusBadGateway, store.health["bad"].LastStatusCode)
	assert.Equal(t, 0, store.health["good"].ConsecutiveFailures)
}

func TestRunSuppressesCrossFeedDuplicates(t *testing.T) {
	store := newFakeStore()
	fetcher := &fakeFetcher{postings: map[string][]jobhound.Posting{
		"a": {posting("https://x/1", "Engineer"), posting("https://x/2", "Engineer")},
		"b": {posting("https://x/1", "Engineer")},
	}}
	notifier := &fakeNotifier{configured: true}
	p := newTestPipeline(fetcher, store, notifier, Config{MaxConcurrentFetches: 1})

	summary, err := p.Run(context.Background(), []jobhound.Feed{feed("a"), feed("b")})
	require.NoError(t, err)

	// Feed b's posting is identical in link+title to feed a's first one:
	// same fingerprint, notified once.
	assert.Equal(t, 2, summary.NewJobs)
	assert.Len(t, store.jobs, 2)
	assert.Len(t, notifier.delivered, 2)
	assert.Empty(t, summary.FailedFeeds)
}

func TestRunSuppressesWithinFeedDuplicates(t *testing.T) {
	store := newFakeStore()
	fetcher := &fakeFetcher{postings: map[string][]jobhound.Posting{
		"a": {
			posting("https://x/1", "Engineer"),
			posting("https://x/1", "Engineer"),
			posting("https://x/2", "Designer"),
		},
	}}
	notifier := &fakeNotifier{configured: true}
	p := newTestPipeline(fetcher, store, notifier, Config{})

	summary, err := p.Run(context.Background(), []jobhound.Feed{feed("a")})
	require.NoError(t, err)

	// The repeated item carries the same fingerprint: the summary, the
	// store, and the notifier all agree on two postings.
	assert.Equal(t, 2, summary.NewJobs)
	require.Len(t, store.jobs, 2)
	require.Len(t, notifier.delivered, 2)
	assert.NotEqual(t, notifier.delivered[0].Fingerprint, notifier.delivered[1].Fingerprint)
}

func TestRunWriteThenMarkOrdering(t *testing.T) {
	store := newFakeStore()
	store.saveJobsErr = errors.New("disk full")
	fetcher := &fakeFetcher{postings: map[string][]jobhound.Posting{
		"a": {posting("https://x/1", "Engineer")},
	}}
	notifier := &fakeNotifier{configured: true}
	p := newTestPipeline(fetcher, store, notifier, Config{})

	summary, err := p.Run(context.Background(), []jobhound.Feed{feed("a")})
	require.NoError(t, err)

	// Save failed, so nothing may be marked seen: the posting must
	// surface again on the next run instead of being silently lost.
	assert.Equal(t, 0, summary.NewJobs)
	assert.Equal(t, []string{"Feed a"}, summary.FailedFeeds)
	assert.Empty(t, store.seen)

	store.saveJobsErr = nil
	retry, err := p.Run(context.Background(), []jobhound.Feed{feed("a")})
	require.NoError(t, err)
	assert.Equal(t, 1, retry.NewJobs)
	assert.Len(t, store.seen, 1)
}

func TestRunPreconditions(t *testing.T) {
	store := newFakeStore()
	fetcher := &fakeFetcher{}

	t.Run("no feeds", func(t *testing.T) {
		p := newTestPipeline(fetcher, store, &fakeNotifier{configured: true}, Config{})
		_, err := p.Run(context.Background(), nil)
		pErr := &PreconditionError{}
		require.ErrorAs(t, err, &pErr)
	})

	t.Run("notifications required but not configured", func(t *testing.T) {
		p := newTestPipeline(fetcher, store, &fakeNotifier{configured: false}, Config{RequireNotifications: true})
		_, err := p.Run(context.Background(), []jobhound.Feed{feed("a")})
		pErr := &PreconditionError{}
		require.ErrorAs(t, err, &pErr)

		// Fail-fast means no attempts were counted either.
		assert.Empty(t, store.health)
	})
}

func TestRunDeliveryFailureKeepsJobs(t *testing.T) {
	store := newFakeStore()
	fetcher := &fakeFetcher{postings: map[string][]jobhound.Posting{
		"a": {posting("https://x/1", "Engineer")},
	}}
	notifier := &fakeNotifier{
		configured: true,
		deliverErr: &notify.DeliveryError{Status: http.StatusInternalServerError, Body: "boom"},
	}
	p := newTestPipeline(fetcher, store, notifier, Config{})

	summary, err := p.Run(context.Background(), []jobhound.Feed{feed("a")})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.NewJobs)
	assert.Len(t, store.jobs, 1)
	assert.Equal(t, jobhound.NotificationError, summary.Notification.State)
	assert.Contains(t, summary.Notification.Reason, "500")
	assert.Empty(t, summary.FailedFeeds)
}

func TestRunNotifierDisabledSurfaces(t *testing.T) {
	store := newFakeStore()
	fetcher := &fakeFetcher{postings: map[string][]jobhound.Posting{
		"a": {posting("https://x/1", "Engineer")},
	}}
	p := newTestPipeline(fetcher, store, &fakeNotifier{configured: false}, Config{})

	summary, err := p.Run(context.Background(), []jobhound.Feed{feed("a")})
	require.NoError(t, err)

	// Jobs are still ingested, but the summary says they were not sent.
	assert.Equal(t, 1, summary.NewJobs)
	assert.Equal(t, jobhound.NotificationNotSent, summary.Notification.State)
	assert.Contains(t, summary.Notification.Reason, "not configured")
}

func TestRunSkipsDisabledFeeds(t *testing.T) {
	store := newFakeStore()
	store.health["sick"] = jobhound.FeedHealth{FeedID: "sick", Disabled: true}
	fetcher := &fakeFetcher{postings: map[string][]jobhound.Posting{
		"a": {posting("https://x/1", "Engineer")},
	}}
	notifier := &fakeNotifier{configured: true}
	p := newTestPipeline(fetcher, store, notifier, Config{})

	off := feed("off")
	off.Enabled = false

	summary, err := p.Run(context.Background(), []jobhound.Feed{feed("a"), off, feed("sick")})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.FeedsProcessed)
	assert.Equal(t, 2, summary.FeedsSkipped)

	// A skip is not an attempt.
	assert.Equal(t, 0, store.health["sick"].TotalAttempts)
}

func TestRunCapsJobsPerRun(t *testing.T) {
	store := newFakeStore()
	var postings []jobhound.Posting
	for i := 0; i < 5; i++ {
		link := fmt.Sprintf("https://x/%d", i)
		postings = append(postings, posting(link, "Engineer"))
	}
	fetcher := &fakeFetcher{postings: map[string][]jobhound.Posting{"a": postings}}
	notifier := &fakeNotifier{configured: true}
	p := newTestPipeline(fetcher, store, notifier, Config{MaxJobsPerRun: 3})

	first, err := p.Run(context.Background(), []jobhound.Feed{feed("a")})
	require.NoError(t, err)
	assert.Equal(t, 3, first.NewJobs)
	assert.Len(t, store.seen, 3)

	// The overflow was neither persisted nor marked, so the next run
	// picks it up.
	second, err := p.Run(context.Background(), []jobhound.Feed{feed("a")})
	require.NoError(t, err)
	assert.Equal(t, 2, second.NewJobs)
	assert.Len(t, store.jobs, 5)
}

func TestRunPreviewBounded(t *testing.T) {
	store := newFakeStore()
	var postings []jobhound.Posting
	for i := 0; i < 8; i++ {
		postings = append(postings, posting(fmt.Sprintf("https://x/%d", i), "Engineer"))
	}
	fetcher := &fakeFetcher{postings: map[string][]jobhound.Posting{"a": postings}}
	p := newTestPipeline(fetcher, store, &fakeNotifier{configured: true}, Config{})

	summary, err := p.Run(context.Background(), []jobhound.Feed{feed("a")})
	require.NoError(t, err)

	assert.Equal(t, 8, summary.NewJobs)
	require.Len(t, summary.Preview, 5)
	assert.Equal(t, "https://x/0", summary.Preview[0].Link)
}

func TestRunKeepsSourceOrderWithinFeed(t *testing.T) {
	store := newFakeStore()
	fetcher := &fakeFetcher{postings: map[string][]jobhound.Posting{
		"a": {
			posting("https://x/first", "First"),
			posting("https://x/second", "Second"),
			posting("https://x/third", "Third"),
		},
	}}
	notifier := &fakeNotifier{configured: true, batchSize: 1}
	p := newTestPipeline(fetcher, store, notifier, Config{})

	_, err := p.Run(context.Background(), []jobhound.Feed{feed("a")})
	require.NoError(t, err)

	require.Len(t, notifier.delivered, 3)
	assert.Equal(t, "https://x/first", notifier.delivered[0].Link)
	assert.Equal(t, "https://x/second", notifier.delivered[1].Link)
	assert.Equal(t, "https://x/third", notifier.delivered[2].Link)
}
