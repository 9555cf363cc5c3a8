// Package models defines the persistent domain records shared by the stores,
// the pipeline, and the API layer.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// FailureClass classifies the last failure recorded for an item.
type FailureClass string

// Failure classes.
const (
	FailureTransient  FailureClass = "transient"
	FailurePermanent  FailureClass = "permanent"
	FailureValidation FailureClass = "validation"
)

// ErrorKind identifies which pipeline concern produced an item error.
type ErrorKind string

// Error kinds tracked per item (last message wins).
const (
	ErrorKindFetch ErrorKind = "fetch"
	ErrorKindMedia ErrorKind = "media"
	ErrorKindLLM   ErrorKind = "llm"
	ErrorKindKB    ErrorKind = "kb"
)

// ThreadSegment is one post of a (possibly single-segment) thread.
type ThreadSegment struct {
	Text         string   `json:"text"`
	MediaRefs    []string `json:"media_refs,omitempty"`
	ExpandedURLs []string `json:"expanded_urls,omitempty"`
}

// ThreadSegments is the ordered JSON column type for thread segments.
type ThreadSegments []ThreadSegment

// StringSlice is a JSON-encoded []string column.
type StringSlice []string

// ErrorMap maps error kind to the last recorded message for that kind.
type ErrorMap map[ErrorKind]string

// RawJSON stores an opaque JSON blob (fetcher payload, raw LLM response).
type RawJSON []byte

// Item is the unified per-item record: identity, thread content, processing
// flags, categorization, KB artifact paths, and retry metadata.
//
// Collections are stored as JSON columns so the record works identically on
// the SQLite and Postgres profiles.
type Item struct {
	ItemID       string `db:"item_id" json:"item_id"`
	SourceItemID string `db:"source_item_id" json:"source_item_id,omitempty"`
	Source       string `db:"source" json:"source"`

	IsThread       bool           `db:"is_thread" json:"is_thread"`
	ThreadSegments ThreadSegments `db:"thread_segments" json:"thread_segments,omitempty"`
	MediaRefs      StringSlice    `db:"media_refs" json:"media_refs,omitempty"`
	FullText       string         `db:"full_text" json:"full_text"`
	RawPayload     RawJSON        `db:"raw_payload" json:"raw_payload,omitempty"`

	// Processing flags — logical progression enforced by the orchestrator and
	// repaired by the validator.
	URLsExpanded        bool `db:"urls_expanded" json:"urls_expanded"`
	CacheComplete       bool `db:"cache_complete" json:"cache_complete"`
	MediaProcessed      bool `db:"media_processed" json:"media_processed"`
	CategoriesProcessed bool `db:"categories_processed" json:"categories_processed"`
	KBItemCreated       bool `db:"kb_item_created" json:"kb_item_created"`
	KBItemWritten       bool `db:"kb_item_written" json:"kb_item_written"`
	ProcessingComplete  bool `db:"processing_complete" json:"processing_complete"`
	DBSynced            bool `db:"db_synced" json:"db_synced"`

	// Reprocessing controls.
	ForceReprocessPipeline bool       `db:"force_reprocess_pipeline" json:"force_reprocess_pipeline"`
	ForceRecache           bool       `db:"force_recache" json:"force_recache"`
	ReprocessRequestedAt   *time.Time `db:"reprocess_requested_at" json:"reprocess_requested_at,omitempty"`
	ReprocessRequestedBy   *string    `db:"reprocess_requested_by" json:"reprocess_requested_by,omitempty"`

	// Categorization.
	MainCategory            *string `db:"main_category" json:"main_category,omitempty"`
	SubCategory             *string `db:"sub_category" json:"sub_category,omitempty"`
	ItemNameSuggestion      *string `db:"item_name_suggestion" json:"item_name_suggestion,omitempty"`
	CategoriesRaw           RawJSON `db:"categories_raw" json:"categories_raw,omitempty"`
	RecategorizationAttempt int     `db:"recategorization_attempts" json:"recategorization_attempts"`

	// KB artifact.
	KBTitle        string      `db:"kb_title" json:"kb_title,omitempty"`
	KBDisplayTitle string      `db:"kb_display_title" json:"kb_display_title,omitempty"`
	KBDescription  string      `db:"kb_description" json:"kb_description,omitempty"`
	KBContent      string      `db:"kb_content" json:"kb_content,omitempty"`
	KBFilePath     string      `db:"kb_file_path" json:"kb_file_path,omitempty"`
	KBMediaPaths   StringSlice `db:"kb_media_paths" json:"kb_media_paths,omitempty"`
	SourceURL      string      `db:"source_url" json:"source_url,omitempty"`

	// Vision output, 1-to-1 with image media refs.
	ImageDescriptions StringSlice `db:"image_descriptions" json:"image_descriptions,omitempty"`

	// Errors and retries.
	Errors         ErrorMap      `db:"errors" json:"errors,omitempty"`
	RetryCount     int           `db:"retry_count" json:"retry_count"`
	LastRetryAt    *time.Time    `db:"last_retry_at" json:"last_retry_at,omitempty"`
	NextRetryAfter *time.Time    `db:"next_retry_after" json:"next_retry_after,omitempty"`
	FailureClass   *FailureClass `db:"failure_class" json:"failure_class,omitempty"`

	// Per-run ephemeral flags, reset at the start of each run.
	CacheSucceededThisRun bool `db:"cache_succeeded_this_run" json:"cache_succeeded_this_run"`
	MediaSucceededThisRun bool `db:"media_succeeded_this_run" json:"media_succeeded_this_run"`
	LLMSucceededThisRun   bool `db:"llm_succeeded_this_run" json:"llm_succeeded_this_run"`
	KBSucceededThisRun    bool `db:"kb_succeeded_this_run" json:"kb_succeeded_this_run"`

	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`
	CachedAt      *time.Time `db:"cached_at" json:"cached_at,omitempty"`
	ProcessedAt   *time.Time `db:"processed_at" json:"processed_at,omitempty"`
	KBGeneratedAt *time.Time `db:"kb_generated_at" json:"kb_generated_at,omitempty"`
}

// ItemState is the observable per-item state derived from the processing flags.
type ItemState string

// Observable item states.
const (
	StateUncached    ItemState = "uncached"
	StateCached      ItemState = "cached"
	StateMediaDone   ItemState = "media_done"
	StateCategorized ItemState = "categorized"
	StateKBCreated   ItemState = "kb_created"
	StateSynced      ItemState = "synced"
	StateFailed      ItemState = "failed"
)

// State derives the observable state from the flags. A permanent failure class
// dominates unless the item already completed.
func (i *Item) State() ItemState {
	if i.ProcessingComplete {
		return StateSynced
	}
	if i.FailureClass != nil && *i.FailureClass == FailurePermanent {
		return StateFailed
	}
	switch {
	case i.KBItemCreated:
		return StateKBCreated
	case i.CategoriesProcessed:
		return StateCategorized
	case i.MediaProcessed:
		return StateMediaDone
	case i.CacheComplete:
		return StateCached
	}
	return StateUncached
}

// AllFlagsComplete reports whether every processing flag preceding
// processing_complete is set.
func (i *Item) AllFlagsComplete() bool {
	return i.CacheComplete && i.MediaProcessed && i.CategoriesProcessed &&
		i.KBItemCreated && i.KBItemWritten && i.DBSynced
}

// CategoryPair returns the normalized (main, sub) pair, empty strings when unset.
func (i *Item) CategoryPair() (string, string) {
	var main, sub string
	if i.MainCategory != nil {
		main = *i.MainCategory
	}
	if i.SubCategory != nil {
		sub = *i.SubCategory
	}
	return main, sub
}

// --- JSON column plumbing ---

func jsonValue(v any) (driver.Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func jsonScan(dest any, src any) error {
	switch s := src.(type) {
	case nil:
		return nil
	case []byte:
		if len(s) == 0 {
			return nil
		}
		return json.Unmarshal(s, dest)
	case string:
		if s == "" {
			return nil
		}
		return json.Unmarshal([]byte(s), dest)
	default:
		return fmt.Errorf("cannot scan %T into JSON column", src)
	}
}

// Value implements driver.Valuer.
func (t ThreadSegments) Value() (driver.Value, error) {
	if t == nil {
		return "[]", nil
	}
	return jsonValue([]ThreadSegment(t))
}

// Scan implements sql.Scanner.
func (t *ThreadSegments) Scan(src any) error { return jsonScan(t, src) }

// Value implements driver.Valuer.
func (s StringSlice) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	return jsonValue([]string(s))
}

// Scan implements sql.Scanner.
func (s *StringSlice) Scan(src any) error { return jsonScan(s, src) }

// Value implements driver.Valuer.
func (m ErrorMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	return jsonValue(map[ErrorKind]string(m))
}

// Scan implements sql.Scanner.
func (m *ErrorMap) Scan(src any) error { return jsonScan(m, src) }

// Value implements driver.Valuer.
func (r RawJSON) Value() (driver.Value, error) {
	if len(r) == 0 {
		return nil, nil
	}
	return string(r), nil
}

// Scan implements sql.Scanner.
func (r *RawJSON) Scan(src any) error {
	switch s := src.(type) {
	case nil:
		*r = nil
	case []byte:
		*r = append(RawJSON(nil), s...)
	case string:
		*r = RawJSON(s)
	default:
		return fmt.Errorf("cannot scan %T into RawJSON", src)
	}
	return nil
}

// MarshalJSON renders the blob as-is so API responses carry the original JSON.
func (r RawJSON) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}

// UnmarshalJSON stores the blob verbatim.
func (r *RawJSON) UnmarshalJSON(data []byte) error {
	*r = append(RawJSON(nil), data...)
	return nil
}
