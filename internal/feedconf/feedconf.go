// Package feedconf reads feed definitions from a JSON file. The file is
// owned by whoever curates the feed list; the daemon only ever reads it.
package feedconf

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/jobhound/jobhound/internal/jobhound"
)

// File is a jobhound.FeedSource backed by a JSON definition file. The file
// is re-read on every call, so edits show up on the next run without a
// restart.
type File struct {
	path string
}

func New(path string) *File {
	return &File{path: path}
}

// Matches jobhound.Feed but lets "enabled" default to true when omitted.
type feedDef struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	URL      string            `json:"url"`
	Params   map[string]string `json:"params"`
	Source   string            `json:"source"`
	Category string            `json:"category"`
	Enabled  *bool             `json:"enabled"`
}

type feedsFile struct {
	Feeds []feedDef `json:"feeds"`
}

// EnabledFeeds loads the definition file and returns the feeds that are
// not switched off.
func (f *File) EnabledFeeds(_ context.Context) ([]jobhound.Feed, error) {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("error reading feeds file: %w", err)
	}

	var parsed feedsFile
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("error parsing feeds file %s: %w", f.path, err)
	}

	feeds := make([]jobhound.Feed, 0, len(parsed.Feeds))
	for i, def := range parsed.Feeds {
		if def.ID == "" || def.Name == "" || def.URL == "" {
			return nil, fmt.Errorf("feed %d in %s: id, name, and url are required", i, f.path)
		}
		if def.Enabled != nil && !*def.Enabled {
			continue
		}

		source := def.Source
		if source == "" {
			source = def.Name
		}

		feeds = append(feeds, jobhound.Feed{
			ID:       def.ID,
			Name:     def.Name,
			URL:      def.URL,
			Params:   def.Params,
			Source:   source,
			Category: def.Category,
			Enabled:  true,
		})
	}

	return feeds, nil
}
