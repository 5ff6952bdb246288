// Package fetch retrieves one feed's document over HTTP and normalizes it
// into candidate postings, regardless of whether the source speaks RSS 2.0
// or Atom.
package fetch

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/microcosm-cc/bluemonday"

	"github.com/jobhound/jobhound/internal/fingerprint"
	"github.com/jobhound/jobhound/internal/jobhound"
)

const (
	userAgent = "jobhound/1.0 (+https://github.com/jobhound/jobhound)"

	// Feeds occasionally serve enormous documents; cap what we read.
	maxBodyBytes = 5 * 1024 * 1024

	titleMaxChars       = 200
	descriptionMaxChars = 500
)

// TransportError is a network fault, timeout, or non-success status while
// retrieving a feed document.
type TransportError struct {
	URL    string
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetching %s: unexpected status code: %d", e.URL, e.Status)
	}
	return fmt.Sprintf("fetching %s: %s", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ParseError is a feed body that is not well-formed RSS or Atom markup.
type ParseError struct {
	URL string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing feed %s: %s", e.URL, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Fetcher retrieves and parses feed documents.
type Fetcher struct {
	client *http.Client
}

// New creates a Fetcher. A nil client gets a default with a bounded timeout.
func New(client *http.Client) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Fetcher{client: client}
}

// Fetch retrieves the feed's document and returns its entries as candidate
// postings in document order. Errors are either *TransportError or
// *ParseError, so the caller can attribute the failure.
func (f *Fetcher) Fetch(ctx context.Context, feed jobhound.Feed) ([]jobhound.Posting, error) {
	reqURL := buildURL(feed)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, &TransportError{URL: reqURL, Err: err}
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &TransportError{URL: reqURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &TransportError{URL: reqURL, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &TransportError{URL: reqURL, Err: err}
	}

	entries, err := parseDocument(body)
	if err != nil {
		return nil, &ParseError{URL: reqURL, Err: err}
	}

	postings := make([]jobhound.Posting, 0, len(entries))
	for _, e := range entries {
		if e.link == "" {
			// Nothing to link to and nothing to fingerprint on.
			continue
		}

		title := clamp(sanitize(e.title), titleMaxChars)
		desc := clamp(sanitize(e.description), descriptionMaxChars)

		postings = append(postings, jobhound.Posting{
			Title:       title,
			Link:        e.link,
			Description: desc,
			PublishedAt: parsePublished(e.published),
			Source:      feed.Source,
			Fingerprint: fingerprint.Sum(e.link, title),
		})
	}

	return postings, nil
}

// buildURL appends the feed's configured query parameters to its base URL.
func buildURL(feed jobhound.Feed) string {
	if len(feed.Params) == 0 {
		return feed.URL
	}

	vals := url.Values{}
	for k, v := range feed.Params {
		vals.Set(k, v)
	}

	sep := "?"
	if strings.Contains(feed.URL, "?") {
		sep = "&"
	}
	return feed.URL + sep + vals.Encode()
}

// entry is the format-neutral shape both parsers normalize into.
type entry struct {
	title       string
	link        string
	description string
	published   string
}

// parseDocument detects the feed variant by scanning for the root element,
// then hands off to the matching parser. RDF documents are close enough to
// RSS that the item parser handles them, though RSS 1.0 places its items
// beside the channel rather than inside it.
func parseDocument(body []byte) ([]entry, error) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch se.Name.Local {
		case "rss", "RDF":
			return parseRSS(body)
		case "feed":
			return parseAtom(body)
		default:
			return nil, fmt.Errorf("unsupported root element %q", se.Name.Local)
		}
	}

	return nil, errors.New("no root element found")
}

type rssDocument struct {
	Channel struct {
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
	// RSS 1.0 (RDF) items live at the top level, as siblings of the channel.
	Items []rssItem `xml:"item"`
}

type rssItem struct {
	Title       string `xml:"title"`
	Link        string `xml:"link"`
	GUID        string `xml:"guid"`
	Description string `xml:"description"`
	Content     string `xml:"encoded"`
	PubDate     string `xml:"pubDate"`
	Date        string `xml:"date"`
}

func parseRSS(body []byte) ([]entry, error) {
	var doc rssDocument
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, err
	}

	items := append(doc.Channel.Items, doc.Items...)
	entries := make([]entry, 0, len(items))
	for _, item := range items {
		entries = append(entries, entry{
			title:       item.Title,
			link:        firstNonEmpty(item.Link, item.GUID),
			description: firstNonEmpty(item.Description, item.Content),
			published:   firstNonEmpty(item.PubDate, item.Date),
		})
	}

	return entries, nil
}

type atomDocument struct {
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	ID        string     `xml:"id"`
	Title     string     `xml:"title"`
	Links     []atomLink `xml:"link"`
	Summary   string     `xml:"summary"`
	Content   string     `xml:"content"`
	Published string     `xml:"published"`
	Updated   string     `xml:"updated"`
}

type atomLink struct {
	Rel  string `xml:"rel,attr"`
	Href string `xml:"href,attr"`
}

func parseAtom(body []byte) ([]entry, error) {
	var doc atomDocument
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, err
	}

	entries := make([]entry, 0, len(doc.Entries))
	for _, ae := range doc.Entries {
		entries = append(entries, entry{
			title:       ae.Title,
			link:        firstNonEmpty(atomAlternate(ae.Links), ae.ID),
			description: firstNonEmpty(ae.Summary, ae.Content),
			published:   firstNonEmpty(ae.Published, ae.Updated),
		})
	}

	return entries, nil
}

// atomAlternate picks the alternate link, falling back to the first link
// carrying an href at all.
func atomAlternate(links []atomLink) string {
	for _, l := range links {
		if l.Rel == "alternate" || l.Rel == "" {
			return l.Href
		}
	}
	for _, l := range links {
		if l.Href != "" {
			return l.Href
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// parsePublished accepts whatever date format the feed uses. An absent or
// unparseable date defaults to now rather than dropping the entry.
func parsePublished(value string) time.Time {
	if value == "" {
		return time.Now().UTC()
	}
	t, err := dateparse.ParseAny(value)
	if err != nil {
		return time.Now().UTC()
	}
	return t.UTC()
}

var stripPolicy = bluemonday.StrictPolicy()

// sanitize removes all html tags from the string and collapses the
// whitespace that stripping leaves behind.
func sanitize(s string) string {
	s = stripPolicy.Sanitize(s)
	return strings.Join(strings.Fields(s), " ")
}

// clamp truncates to at most max characters, measured in runes so a
// multibyte title is never cut mid-character. Truncation happens before
// fingerprinting, so it is part of the identity of a posting.
func clamp(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
