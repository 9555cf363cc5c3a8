package ports

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/kbforge/kbforge/pkg/models"
)

// inboxDocument is the on-disk schema of one bookmark drop: a single JSON
// file per item, written by the browser extension or an export script.
type inboxDocument struct {
	ID        string                 `json:"id"`
	URL       string                 `json:"url"`
	IsThread  bool                   `json:"is_thread"`
	Thread    []models.ThreadSegment `json:"thread,omitempty"`
	MediaURLs []string               `json:"media_urls,omitempty"`
	FullText  string                 `json:"full_text"`
}

// DirFetcher reads bookmarked items from a local inbox directory, one
// <id>.json document per item. Files are never deleted by the fetcher;
// deduplication against already-ingested items is the caller's job.
type DirFetcher struct {
	dir    string
	logger *slog.Logger
}

// NewDirFetcher creates a fetcher rooted at dir.
func NewDirFetcher(dir string, logger *slog.Logger) *DirFetcher {
	return &DirFetcher{
		dir:    dir,
		logger: logger.With("component", "dir_fetcher"),
	}
}

// ListNewItems implements Fetcher. A missing inbox directory is not an
// error: it means nothing has been dropped yet.
func (f *DirFetcher) ListNewItems(_ context.Context) ([]ExternalRef, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, Transient("fetch.list", err)
	}

	var refs []ExternalRef
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		refs = append(refs, ExternalRef{
			ID: strings.TrimSuffix(entry.Name(), ".json"),
		})
	}
	f.logger.Debug("Inbox scanned", "dir", f.dir, "refs", len(refs))
	return refs, nil
}

// FetchItem implements Fetcher.
func (f *DirFetcher) FetchItem(_ context.Context, ref ExternalRef) (*FetchedItem, error) {
	path := filepath.Join(f.dir, ref.ID+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, Permanent("fetch.item", fmt.Errorf("no inbox document for %q", ref.ID))
		}
		return nil, Transient("fetch.item", err)
	}

	var doc inboxDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, Validation("fetch.item", fmt.Errorf("malformed inbox document %q: %w", ref.ID, err))
	}

	item := &FetchedItem{
		SourceItemID:   ref.ID,
		IsThread:       doc.IsThread || len(doc.Thread) > 1,
		ThreadSegments: doc.Thread,
		MediaURLs:      doc.MediaURLs,
		FullText:       doc.FullText,
		SourceURL:      doc.URL,
		RawPayload:     data,
	}
	if item.SourceURL == "" {
		item.SourceURL = ref.URL
	}
	if item.FullText == "" {
		item.FullText = joinSegments(doc.Thread)
	}
	if item.FullText == "" {
		return nil, Validation("fetch.item", fmt.Errorf("inbox document %q has no text", ref.ID))
	}
	return item, nil
}

// joinSegments flattens thread segments into the canonical full text.
func joinSegments(segments []models.ThreadSegment) string {
	parts := make([]string, 0, len(segments))
	for _, seg := range segments {
		if text := strings.TrimSpace(seg.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n")
}
