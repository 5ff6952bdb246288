// Package notify delivers newly found postings to a Discord webhook in
// size-bounded batches.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jobhound/jobhound/internal/jobhound"
)

const (
	// Discord allows at most 10 embeds per message.
	maxEmbedsPerMessage = 10

	// Discord's per-field character limits.
	embedTitleMaxChars = 256
	embedDescMaxChars  = 4096

	embedColor = 0x5865F2
)

// ErrNotConfigured is returned when postings exist but delivery is turned
// off, so the caller knows notifications did not go out.
var ErrNotConfigured = errors.New("notifications not configured")

// DeliveryError is a webhook response with a non-success status.
type DeliveryError struct {
	Status int
	Body   string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("webhook rejected delivery: status %d: %s", e.Status, e.Body)
}

type (
	// Config holds the delivery settings.
	Config struct {
		WebhookURL    string
		MaxPerMessage int
		Enabled       bool
	}

	// Notifier posts notification batches to a Discord webhook.
	Notifier struct {
		client *http.Client
		cfg    Config
	}
)

// New creates a Notifier. A nil client gets a default with a bounded
// timeout. MaxPerMessage is clamped to Discord's 1..10 embed range.
func New(client *http.Client, cfg Config) *Notifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.MaxPerMessage < 1 || cfg.MaxPerMessage > maxEmbedsPerMessage {
		cfg.MaxPerMessage = maxEmbedsPerMessage
	}
	return &Notifier{client: client, cfg: cfg}
}

// Configured reports whether deliveries can actually be made.
func (n *Notifier) Configured() bool {
	return n.cfg.Enabled && n.cfg.WebhookURL != ""
}

// Deliver splits the jobs into batches in the given order and posts one
// message per batch. It returns how many batches were delivered.
//
// A failed batch does not stop its siblings; all failures come back joined
// into one error. With delivery unconfigured, an empty job list is a no-op
// and a non-empty one returns ErrNotConfigured.
func (n *Notifier) Deliver(ctx context.Context, jobs []jobhound.Job) (int, error) {
	if len(jobs) == 0 {
		return 0, nil
	}
	if !n.Configured() {
		return 0, ErrNotConfigured
	}

	var (
		sent int
		errs []error
	)
	for start := 0; start < len(jobs); start += n.cfg.MaxPerMessage {
		end := min(start+n.cfg.MaxPerMessage, len(jobs))

		if err := n.post(ctx, jobs[start:end]); err != nil {
			errs = append(errs, err)
			continue
		}
		sent++
	}

	return sent, errors.Join(errs...)
}

// Verify checks that the webhook is reachable. Discord answers a GET on a
// webhook URL with the webhook object, so a success here means the URL is
// real without posting anything to the channel.
func (n *Notifier) Verify(ctx context.Context) error {
	if !n.Configured() {
		return ErrNotConfigured
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.cfg.WebhookURL, nil)
	if err != nil {
		return fmt.Errorf("error building webhook request: %w", err)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("error reaching webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &DeliveryError{Status: resp.StatusCode, Body: string(body)}
	}

	return nil
}

type (
	message struct {
		Content string  `json:"content"`
		Embeds  []embed `json:"embeds"`
	}

	embed struct {
		Title       string      `json:"title"`
		URL         string      `json:"url"`
		Description string      `json:"description,omitempty"`
		Color       int         `json:"color"`
		Timestamp   string      `json:"timestamp"`
		Footer      embedFooter `json:"footer"`
	}

	embedFooter struct {
		Text string `json:"text"`
	}
)

func (n *Notifier) post(ctx context.Context, batch []jobhound.Job) error {
	msg := message{
		Content: fmt.Sprintf("**Found %d new job postings!**", len(batch)),
		Embeds:  make([]embed, 0, len(batch)),
	}
	for _, job := range batch {
		msg.Embeds = append(msg.Embeds, embed{
			Title:       clamp(job.Title, embedTitleMaxChars),
			URL:         job.Link,
			Description: clamp(job.Description, embedDescMaxChars),
			Color:       embedColor,
			Timestamp:   job.PublishedAt.UTC().Format(time.RFC3339),
			Footer:      embedFooter{Text: "Source: " + job.Source},
		})
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("error encoding webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("error building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("error posting to webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &DeliveryError{Status: resp.StatusCode, Body: string(body)}
	}

	return nil
}

// clamp truncates to at most max characters, measured in runes to match
// how Discord counts its field limits.
func clamp(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
