package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobhound/jobhound/internal/jobhound"
)

func testJobs(n int) []jobhound.Job {
	jobs := make([]jobhound.Job, 0, n)
	for i := 0; i < n; i++ {
		jobs = append(jobs, jobhound.Job{
			Title:       fmt.Sprintf("Job %d", i),
			Link:        fmt.Sprintf("https://example.com/job/%d", i),
			Description: fmt.Sprintf("Description %d", i),
			Source:      "Example Board",
			PublishedAt: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Hour),
		})
	}
	return jobs
}

// captureWebhook records every message body posted to it.
func captureWebhook(t *testing.T, status int) (*httptest.Server, *[]message) {
	t.Helper()
	var got []message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg message
		require.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		got = append(got, msg)
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &got
}

func TestDeliverBatchesInOrder(t *testing.T) {
	srv, got := captureWebhook(t, http.StatusNoContent)

	n := New(nil, Config{WebhookURL: srv.URL, MaxPerMessage: 1, Enabled: true})
	sent, err := n.Deliver(context.Background(), testJobs(3))
	require.NoError(t, err)
	assert.Equal(t, 3, sent)

	require.Len(t, *got, 3)
	for i, msg := range *got {
		require.Len(t, msg.Embeds, 1)
		assert.Equal(t, fmt.Sprintf("Job %d", i), msg.Embeds[0].Title)
		assert.Equal(t, "**Found 1 new job postings!**", msg.Content)
	}
}

func TestDeliverBatchBound(t *testing.T) {
	srv, got := captureWebhook(t, http.StatusOK)

	n := New(nil, Config{WebhookURL: srv.URL, MaxPerMessage: 10, Enabled: true})
	sent, err := n.Deliver(context.Background(), testJobs(25))
	require.NoError(t, err)
	assert.Equal(t, 3, sent)

	require.Len(t, *got, 3)
	assert.Len(t, (*got)[0].Embeds, 10)
	assert.Len(t, (*got)[1].Embeds, 10)
	assert.Len(t, (*got)[2].Embeds, 5)

	// Union of all batches covers every posting exactly once.
	seen := map[string]bool{}
	for _, msg := range *got {
		for _, e := range msg.Embeds {
			assert.False(t, seen[e.URL], "duplicate %s", e.URL)
			seen[e.URL] = true
		}
	}
	assert.Len(t, seen, 25)
}

func TestDeliverEmbedFields(t *testing.T) {
	srv, got := captureWebhook(t, http.StatusOK)

	n := New(nil, Config{WebhookURL: srv.URL, Enabled: true})
	_, err := n.Deliver(context.Background(), testJobs(1))
	require.NoError(t, err)

	require.Len(t, *got, 1)
	e := (*got)[0].Embeds[0]
	assert.Equal(t, "Job 0", e.Title)
	assert.Equal(t, "https://example.com/job/0", e.URL)
	assert.Equal(t, "Description 0", e.Description)
	assert.Equal(t, embedColor, e.Color)
	assert.Equal(t, "2024-01-01T12:00:00Z", e.Timestamp)
	assert.Equal(t, "Source: Example Board", e.Footer.Text)
}

func TestDeliverCapsFieldLengths(t *testing.T) {
	srv, got := captureWebhook(t, http.StatusOK)

	n := New(nil, Config{WebhookURL: srv.URL, Enabled: true})
	_, err := n.Deliver(context.Background(), []jobhound.Job{{
		Title:       strings.Repeat("t", 300),
		Link:        "https://example.com/long",
		Description: strings.Repeat("d", 5000),
	}})
	require.NoError(t, err)

	e := (*got)[0].Embeds[0]
	assert.Len(t, []rune(e.Title), embedTitleMaxChars)
	assert.Len(t, []rune(e.Description), embedDescMaxChars)
}

func TestDeliverFailedBatchDoesNotStopSiblings(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 2 {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte("rate limited"))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(nil, Config{WebhookURL: srv.URL, MaxPerMessage: 1, Enabled: true})
	sent, err := n.Deliver(context.Background(), testJobs(3))

	assert.Equal(t, 2, sent)
	assert.Equal(t, 3, calls)

	dErr := &DeliveryError{}
	require.ErrorAs(t, err, &dErr)
	assert.Equal(t, http.StatusInternalServerError, dErr.Status)
	assert.Equal(t, "rate limited", dErr.Body)
}

func TestDeliverNotConfigured(t *testing.T) {
	n := New(nil, Config{Enabled: false})

	// Nothing to send: fine either way.
	sent, err := n.Deliver(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, sent)

	// Postings exist but cannot go anywhere: the caller must know.
	sent, err = n.Deliver(context.Background(), testJobs(2))
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.Zero(t, sent)
}

func TestVerify(t *testing.T) {
	t.Run("reachable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodGet, r.Method)
			w.Write([]byte(`{"id":"123"}`))
		}))
		defer srv.Close()

		n := New(nil, Config{WebhookURL: srv.URL, Enabled: true})
		assert.NoError(t, n.Verify(context.Background()))
	})

	t.Run("rejected", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer srv.Close()

		n := New(nil, Config{WebhookURL: srv.URL, Enabled: true})
		dErr := &DeliveryError{}
		assert.ErrorAs(t, n.Verify(context.Background()), &dErr)
	})

	t.Run("not configured", func(t *testing.T) {
		n := New(nil, Config{})
		assert.ErrorIs(t, n.Verify(context.Background()), ErrNotConfigured)
	})
}

func TestNewClampsMaxPerMessage(t *testing.T) {
	assert.Equal(t, 10, New(nil, Config{MaxPerMessage: 0}).cfg.MaxPerMessage)
	assert.Equal(t, 10, New(nil, Config{MaxPerMessage: 50}).cfg.MaxPerMessage)
	assert.Equal(t, 1, New(nil, Config{MaxPerMessage: 1}).cfg.MaxPerMessage)
}
