// Package ports defines the narrow interfaces to external capabilities the
// pipeline depends on: the bookmark source, media downloads, image
// interpretation, the LLM, rendering, embeddings, and publishing.
//
// Implementations live in their own packages (pkg/llm, pkg/render,
// pkg/vector); the pipeline only ever sees these interfaces plus the typed
// errors in this package.
package ports

import (
	"context"

	"github.com/kbforge/kbforge/pkg/models"
)

// ExternalRef identifies one bookmarked item at the source.
type ExternalRef struct {
	ID  string `json:"id"`
	URL string `json:"url,omitempty"`
}

// FetchedItem is the raw content pulled for one ref.
type FetchedItem struct {
	SourceItemID   string
	IsThread       bool
	ThreadSegments models.ThreadSegments
	MediaURLs      []string
	FullText       string
	SourceURL      string
	RawPayload     []byte
}

// Fetcher pulls bookmarked items from the source platform.
type Fetcher interface {
	// ListNewItems returns refs not yet known to the caller. The fetcher may
	// over-report; the caller deduplicates against the item store.
	ListNewItems(ctx context.Context) ([]ExternalRef, error)

	// FetchItem retrieves the full content for one ref.
	FetchItem(ctx context.Context, ref ExternalRef) (*FetchedItem, error)
}

// MediaStore downloads media to local content-addressed paths. Download is
// idempotent: the same URL always yields the same path and is fetched at
// most once.
type MediaStore interface {
	Download(ctx context.Context, url string) (string, error)
}

// Vision produces a textual description of an image file.
type Vision interface {
	DescribeImage(ctx context.Context, path string) (string, error)
}

// Categorization is the LLM's verdict for one item.
type Categorization struct {
	Main        string `json:"main_category"`
	Sub         string `json:"sub_category"`
	Name        string `json:"item_name"`
	Description string `json:"description"`

	// Raw is the unparsed LLM response, persisted for audit.
	Raw []byte `json:"-"`
}

// LLM is the language-model port used for categorization and synthesis.
type LLM interface {
	Categorize(ctx context.Context, fullText string, imageDescriptions []string) (*Categorization, error)
	Synthesize(ctx context.Context, items []*models.Item) (string, error)
}

// Embedder converts text into a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// VectorIndex persists item embeddings for semantic search.
type VectorIndex interface {
	EnsureCollection(ctx context.Context) error
	Upsert(ctx context.Context, itemID string, vector []float32, payload map[string]string) error
	Delete(ctx context.Context, itemID string) error
}

// IndexStats feeds the root index renderer.
type IndexStats struct {
	TotalItems      int
	CompletedItems  int
	Categories      []*models.Category
	GeneratedAtUTC  string
	CollectionsNote string
}

// Renderer turns records into publishable markdown.
type Renderer interface {
	// RenderItem produces the per-item README. The output must mention the
	// item's id so the validator's filesystem check can verify provenance.
	RenderItem(item *models.Item) (string, error)

	// RenderIndex produces the root README with navigation and counts.
	RenderIndex(items []*models.Item, stats IndexStats) (string, error)

	// RenderIndexHTML produces the static index.html for docs hosting.
	RenderIndexHTML(items []*models.Item, stats IndexStats) (string, error)
}

// Publisher pushes artifact paths to the external target (VCS remote,
// object store). Publish is idempotent.
type Publisher interface {
	Publish(ctx context.Context, paths []string) error
}
