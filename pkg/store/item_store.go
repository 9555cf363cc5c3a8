package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kbforge/kbforge/pkg/database"
	"github.com/kbforge/kbforge/pkg/models"
)

// ItemStore manages the unified item records.
type ItemStore struct {
	client *database.Client
}

// NewItemStore creates a new ItemStore.
func NewItemStore(client *database.Client) *ItemStore {
	return &ItemStore{client: client}
}

const itemInsertSQL = `
INSERT INTO items (
	item_id, source_item_id, source,
	is_thread, thread_segments, media_refs, full_text, raw_payload,
	urls_expanded, cache_complete, media_processed, categories_processed,
	kb_item_created, kb_item_written, processing_complete, db_synced,
	force_reprocess_pipeline, force_recache, reprocess_requested_at, reprocess_requested_by,
	main_category, sub_category, item_name_suggestion, categories_raw, recategorization_attempts,
	kb_title, kb_display_title, kb_description, kb_content, kb_file_path, kb_media_paths, source_url,
	image_descriptions,
	errors, retry_count, last_retry_at, next_retry_after, failure_class,
	cache_succeeded_this_run, media_succeeded_this_run, llm_succeeded_this_run, kb_succeeded_this_run,
	created_at, updated_at, cached_at, processed_at, kb_generated_at
) VALUES (
	:item_id, :source_item_id, :source,
	:is_thread, :thread_segments, :media_refs, :full_text, :raw_payload,
	:urls_expanded, :cache_complete, :media_processed, :categories_processed,
	:kb_item_created, :kb_item_written, :processing_complete, :db_synced,
	:force_reprocess_pipeline, :force_recache, :reprocess_requested_at, :reprocess_requested_by,
	:main_category, :sub_category, :item_name_suggestion, :categories_raw, :recategorization_attempts,
	:kb_title, :kb_display_title, :kb_description, :kb_content, :kb_file_path, :kb_media_paths, :source_url,
	:image_descriptions,
	:errors, :retry_count, :last_retry_at, :next_retry_after, :failure_class,
	:cache_succeeded_this_run, :media_succeeded_this_run, :llm_succeeded_this_run, :kb_succeeded_this_run,
	:created_at, :updated_at, :cached_at, :processed_at, :kb_generated_at
)`

// Create inserts a new item. CreatedAt/UpdatedAt are stamped store-side.
func (s *ItemStore) Create(ctx context.Context, item *models.Item) error {
	if item.ItemID == "" {
		return NewValidationError("item_id", "required")
	}
	if item.Source == "" {
		item.Source = "twitter"
	}
	now := database.Now()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now

	if _, err := s.client.DB().NamedExecContext(ctx, itemInsertSQL, item); err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to create item: %w", err)
	}
	return nil
}

// Get fetches a single item by id.
func (s *ItemStore) Get(ctx context.Context, itemID string) (*models.Item, error) {
	var item models.Item
	q := s.client.DB().Rebind(`SELECT * FROM items WHERE item_id = ?`)
	if err := s.client.DB().GetContext(ctx, &item, q, itemID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	return &item, nil
}

// GetMany fetches a set of items by id; missing ids are silently skipped.
func (s *ItemStore) GetMany(ctx context.Context, ids []string) ([]*models.Item, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT * FROM items WHERE item_id IN (?)`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to expand query: %w", err)
	}
	var items []*models.Item
	if err := s.client.DB().SelectContext(ctx, &items, s.client.DB().Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to get items: %w", err)
	}
	return items, nil
}

// List returns items matching the filter with the total (unpaginated) count.
func (s *ItemStore) List(ctx context.Context, filter models.ItemFilter) (*models.ItemListResult, error) {
	where, args := buildItemFilter(filter)

	countQuery := "SELECT COUNT(*) FROM items" + where
	var total int
	if err := s.client.DB().GetContext(ctx, &total, s.client.DB().Rebind(countQuery), args...); err != nil {
		return nil, fmt.Errorf("failed to count items: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := "SELECT * FROM items" + where +
		" ORDER BY " + sortClause(filter) +
		fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)

	var items []*models.Item
	if err := s.client.DB().SelectContext(ctx, &items, s.client.DB().Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}

	return &models.ItemListResult{
		Items:      items,
		TotalCount: total,
		Limit:      limit,
		Offset:     offset,
	}, nil
}

// itemSortFields whitelists sortable columns.
var itemSortFields = map[string]bool{
	"created_at":    true,
	"updated_at":    true,
	"processed_at":  true,
	"cached_at":     true,
	"item_id":       true,
	"main_category": true,
	"retry_count":   true,
}

func sortClause(filter models.ItemFilter) string {
	field := filter.SortField
	if !itemSortFields[field] {
		field = "created_at"
	}
	dir := "DESC"
	if filter.SortDirection == models.SortAsc {
		dir = "ASC"
	}
	return field + " " + dir
}

func buildItemFilter(filter models.ItemFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if filter.SearchText != "" {
		conds = append(conds, "(full_text LIKE ? OR kb_title LIKE ? OR kb_description LIKE ?)")
		pattern := "%" + filter.SearchText + "%"
		args = append(args, pattern, pattern, pattern)
	}
	if filter.MainCategory != "" {
		conds = append(conds, "main_category = ?")
		args = append(args, filter.MainCategory)
	}
	if filter.SubCategory != "" {
		conds = append(conds, "sub_category = ?")
		args = append(args, filter.SubCategory)
	}
	if filter.Source != "" {
		conds = append(conds, "source = ?")
		args = append(args, filter.Source)
	}
	if filter.ProcessingComplete != nil {
		conds = append(conds, "processing_complete = ?")
		args = append(args, *filter.ProcessingComplete)
	}
	if filter.NeedsReprocessing != nil {
		if *filter.NeedsReprocessing {
			conds = append(conds, "(force_reprocess_pipeline = ? OR force_recache = ?)")
			args = append(args, true, true)
		} else {
			conds = append(conds, "force_reprocess_pipeline = ? AND force_recache = ?")
			args = append(args, false, false)
		}
	}
	if filter.DateRangeStart != nil {
		conds = append(conds, "created_at >= ?")
		args = append(args, *filter.DateRangeStart)
	}
	if filter.DateRangeEnd != nil {
		conds = append(conds, "created_at < ?")
		args = append(args, *filter.DateRangeEnd)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// ItemPatch carries the mutable fields of an item; nil pointers are left
// untouched. updated_at is always stamped.
type ItemPatch struct {
	Source         *string
	IsThread       *bool
	ThreadSegments *models.ThreadSegments
	MediaRefs      *models.StringSlice
	FullText       *string
	RawPayload     *models.RawJSON

	URLsExpanded        *bool
	CacheComplete       *bool
	MediaProcessed      *bool
	CategoriesProcessed *bool
	KBItemCreated       *bool
	KBItemWritten       *bool
	ProcessingComplete  *bool
	DBSynced            *bool

	ForceReprocessPipeline *bool
	ForceRecache           *bool
	ReprocessRequestedAt   **time.Time
	ReprocessRequestedBy   **string

	MainCategory            **string
	SubCategory             **string
	ItemNameSuggestion      **string
	CategoriesRaw           *models.RawJSON
	RecategorizationAttempt *int

	KBTitle        *string
	KBDisplayTitle *string
	KBDescription  *string
	KBContent      *string
	KBFilePath     *string
	KBMediaPaths   *models.StringSlice
	SourceURL      *string

	ImageDescriptions *models.StringSlice

	Errors         *models.ErrorMap
	RetryCount     *int
	LastRetryAt    **time.Time
	NextRetryAfter **time.Time
	FailureClass   **models.FailureClass

	CacheSucceededThisRun *bool
	MediaSucceededThisRun *bool
	LLMSucceededThisRun   *bool
	KBSucceededThisRun    *bool

	CreatedAt     *time.Time
	CachedAt      **time.Time
	ProcessedAt   **time.Time
	KBGeneratedAt **time.Time
}

func (p *ItemPatch) assignments() ([]string, []any) {
	var (
		sets []string
		args []any
	)
	set := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	setOpt := func(col string, v any, ok bool) {
		if ok {
			set(col, v)
		}
	}
	deref := func(pp **time.Time) any {
		if *pp == nil {
			return nil
		}
		return **pp
	}

	if p.Source != nil {
		set("source", *p.Source)
	}
	setOpt("is_thread", boolOf(p.IsThread), p.IsThread != nil)
	if p.ThreadSegments != nil {
		set("thread_segments", *p.ThreadSegments)
	}
	if p.MediaRefs != nil {
		set("media_refs", *p.MediaRefs)
	}
	if p.FullText != nil {
		set("full_text", *p.FullText)
	}
	if p.RawPayload != nil {
		set("raw_payload", *p.RawPayload)
	}

	setOpt("urls_expanded", boolOf(p.URLsExpanded), p.URLsExpanded != nil)
	setOpt("cache_complete", boolOf(p.CacheComplete), p.CacheComplete != nil)
	setOpt("media_processed", boolOf(p.MediaProcessed), p.MediaProcessed != nil)
	setOpt("categories_processed", boolOf(p.CategoriesProcessed), p.CategoriesProcessed != nil)
	setOpt("kb_item_created", boolOf(p.KBItemCreated), p.KBItemCreated != nil)
	setOpt("kb_item_written", boolOf(p.KBItemWritten), p.KBItemWritten != nil)
	setOpt("processing_complete", boolOf(p.ProcessingComplete), p.ProcessingComplete != nil)
	setOpt("db_synced", boolOf(p.DBSynced), p.DBSynced != nil)

	setOpt("force_reprocess_pipeline", boolOf(p.ForceReprocessPipeline), p.ForceReprocessPipeline != nil)
	setOpt("force_recache", boolOf(p.ForceRecache), p.ForceRecache != nil)
	if p.ReprocessRequestedAt != nil {
		set("reprocess_requested_at", deref(p.ReprocessRequestedAt))
	}
	if p.ReprocessRequestedBy != nil {
		if *p.ReprocessRequestedBy == nil {
			set("reprocess_requested_by", nil)
		} else {
			set("reprocess_requested_by", **p.ReprocessRequestedBy)
		}
	}

	if p.MainCategory != nil {
		set("main_category", strOrNil(*p.MainCategory))
	}
	if p.SubCategory != nil {
		set("sub_category", strOrNil(*p.SubCategory))
	}
	if p.ItemNameSuggestion != nil {
		set("item_name_suggestion", strOrNil(*p.ItemNameSuggestion))
	}
	if p.CategoriesRaw != nil {
		set("categories_raw", *p.CategoriesRaw)
	}
	if p.RecategorizationAttempt != nil {
		set("recategorization_attempts", *p.RecategorizationAttempt)
	}

	if p.KBTitle != nil {
		set("kb_title", *p.KBTitle)
	}
	if p.KBDisplayTitle != nil {
		set("kb_display_title", *p.KBDisplayTitle)
	}
	if p.KBDescription != nil {
		set("kb_description", *p.KBDescription)
	}
	if p.KBContent != nil {
		set("kb_content", *p.KBContent)
	}
	if p.KBFilePath != nil {
		set("kb_file_path", *p.KBFilePath)
	}
	if p.KBMediaPaths != nil {
		set("kb_media_paths", *p.KBMediaPaths)
	}
	if p.SourceURL != nil {
		set("source_url", *p.SourceURL)
	}

	if p.ImageDescriptions != nil {
		set("image_descriptions", *p.ImageDescriptions)
	}

	if p.Errors != nil {
		set("errors", *p.Errors)
	}
	if p.RetryCount != nil {
		set("retry_count", *p.RetryCount)
	}
	if p.LastRetryAt != nil {
		set("last_retry_at", deref(p.LastRetryAt))
	}
	if p.NextRetryAfter != nil {
		set("next_retry_after", deref(p.NextRetryAfter))
	}
	if p.FailureClass != nil {
		if *p.FailureClass == nil {
			set("failure_class", nil)
		} else {
			set("failure_class", string(**p.FailureClass))
		}
	}

	setOpt("cache_succeeded_this_run", boolOf(p.CacheSucceededThisRun), p.CacheSucceededThisRun != nil)
	setOpt("media_succeeded_this_run", boolOf(p.MediaSucceededThisRun), p.MediaSucceededThisRun != nil)
	setOpt("llm_succeeded_this_run", boolOf(p.LLMSucceededThisRun), p.LLMSucceededThisRun != nil)
	setOpt("kb_succeeded_this_run", boolOf(p.KBSucceededThisRun), p.KBSucceededThisRun != nil)

	if p.CreatedAt != nil {
		set("created_at", *p.CreatedAt)
	}
	if p.CachedAt != nil {
		set("cached_at", deref(p.CachedAt))
	}
	if p.ProcessedAt != nil {
		set("processed_at", deref(p.ProcessedAt))
	}
	if p.KBGeneratedAt != nil {
		set("kb_generated_at", deref(p.KBGeneratedAt))
	}

	return sets, args
}

func boolOf(p *bool) any {
	if p == nil {
		return nil
	}
	return *p
}

func strOrNil(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

// Update applies a patch to one item transactionally, stamping updated_at.
func (s *ItemStore) Update(ctx context.Context, itemID string, patch ItemPatch) error {
	sets, args := patch.assignments()
	sets = append(sets, "updated_at = ?")
	args = append(args, database.Now())
	args = append(args, itemID)

	query := "UPDATE items SET " + strings.Join(sets, ", ") + " WHERE item_id = ?"
	res, err := s.client.DB().ExecContext(ctx, s.client.DB().Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to update item: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// FlagUpdate is one entry of a bulk flag update.
type FlagUpdate struct {
	ItemID string
	Patch  ItemPatch
}

// BulkUpdateFlags applies many patches in a single transaction.
func (s *ItemStore) BulkUpdateFlags(ctx context.Context, updates []FlagUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	tx, err := s.client.DB().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := database.Now()
	for _, u := range updates {
		sets, args := u.Patch.assignments()
		sets = append(sets, "updated_at = ?")
		args = append(args, now, u.ItemID)
		query := "UPDATE items SET " + strings.Join(sets, ", ") + " WHERE item_id = ?"
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return fmt.Errorf("failed to update item %s: %w", u.ItemID, err)
		}
	}
	return tx.Commit()
}

// BulkSetReprocess flags a set of items for reprocessing (or clears the flag)
// in one transaction, recording who asked and when.
func (s *ItemStore) BulkSetReprocess(ctx context.Context, ids []string, flag bool, requestedBy string) error {
	if len(ids) == 0 {
		return nil
	}
	var (
		at any
		by any
	)
	if flag {
		at = database.Now()
		by = requestedBy
	}
	query, args, err := sqlx.In(
		`UPDATE items SET force_reprocess_pipeline = ?, reprocess_requested_at = ?, reprocess_requested_by = ?, updated_at = ? WHERE item_id IN (?)`,
		flag, at, by, database.Now(), ids)
	if err != nil {
		return fmt.Errorf("failed to expand query: %w", err)
	}
	if _, err := s.client.DB().ExecContext(ctx, s.client.DB().Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to set reprocess flags: %w", err)
	}
	return nil
}

// FullTextSearch matches the term against full_text, kb_title, and
// kb_description.
func (s *ItemStore) FullTextSearch(ctx context.Context, term string, limit, offset int) (*models.ItemListResult, error) {
	return s.List(ctx, models.ItemFilter{
		SearchText: term,
		Limit:      limit,
		Offset:     offset,
	})
}

// Stats returns aggregate counts for dashboards and the root README.
func (s *ItemStore) Stats(ctx context.Context) (*models.ItemAggregates, error) {
	db := s.client.DB()
	agg := &models.ItemAggregates{}

	row := db.QueryRowxContext(ctx, db.Rebind(`
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN cache_complete THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN media_processed THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN categories_processed THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN kb_item_created THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN processing_complete THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN failure_class = 'permanent' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN force_reprocess_pipeline OR force_recache THEN 1 ELSE 0 END), 0)
		FROM items`))
	if err := row.Scan(&agg.Total, &agg.Cached, &agg.MediaProcessed, &agg.Categorized,
		&agg.KBCreated, &agg.Completed, &agg.Failed, &agg.PendingReprocess); err != nil {
		return nil, fmt.Errorf("failed to aggregate items: %w", err)
	}

	row = db.QueryRowxContext(ctx, db.Rebind(`
		SELECT COUNT(DISTINCT main_category),
		       COUNT(DISTINCT main_category || '/' || sub_category)
		FROM items WHERE main_category IS NOT NULL AND sub_category IS NOT NULL`))
	if err := row.Scan(&agg.DistinctMainCats, &agg.DistinctCatPairs); err != nil {
		return nil, fmt.Errorf("failed to aggregate categories: %w", err)
	}

	var oldest sql.NullTime
	err := db.GetContext(ctx, &oldest, db.Rebind(
		`SELECT MIN(created_at) FROM items WHERE processing_complete = ?`), false)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to find oldest unprocessed: %w", err)
	}
	if oldest.Valid {
		agg.OldestUnprocessed = &oldest.Time
	}
	return agg, nil
}

// CleanupOld deletes completed items older than the cutoff, together with
// their queue rows. Returns the number of items removed.
func (s *ItemStore) CleanupOld(ctx context.Context, onlyComplete bool, olderThan time.Time) (int, error) {
	tx, err := s.client.DB().BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cond := "created_at < ?"
	args := []any{olderThan}
	if onlyComplete {
		cond += " AND processing_complete = ?"
		args = append(args, true)
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(
		"DELETE FROM item_queue WHERE item_id IN (SELECT item_id FROM items WHERE "+cond+")"), args...); err != nil {
		return 0, fmt.Errorf("failed to delete queue rows: %w", err)
	}

	res, err := tx.ExecContext(ctx, tx.Rebind("DELETE FROM items WHERE "+cond), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete items: %w", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit cleanup: %w", err)
	}
	return int(n), nil
}

// CategoryPairCounts returns the number of items per (main, sub) pair,
// counting only categorized items. Used by synthesis and the validator's
// cross-reference repair.
func (s *ItemStore) CategoryPairCounts(ctx context.Context) (map[[2]string]int, error) {
	rows, err := s.client.DB().QueryxContext(ctx, `
		SELECT main_category, sub_category, COUNT(*)
		FROM items
		WHERE main_category IS NOT NULL AND sub_category IS NOT NULL
		GROUP BY main_category, sub_category`)
	if err != nil {
		return nil, fmt.Errorf("failed to count category pairs: %w", err)
	}
	defer rows.Close()

	counts := make(map[[2]string]int)
	for rows.Next() {
		var main, sub string
		var n int
		if err := rows.Scan(&main, &sub, &n); err != nil {
			return nil, fmt.Errorf("failed to scan pair count: %w", err)
		}
		counts[[2]string{main, sub}] = n
	}
	return counts, rows.Err()
}

// ListByCategory returns all items for one (main, sub) pair ordered by
// creation time. Used by the synthesis phase.
func (s *ItemStore) ListByCategory(ctx context.Context, main, sub string) ([]*models.Item, error) {
	var items []*models.Item
	q := s.client.DB().Rebind(
		`SELECT * FROM items WHERE main_category = ? AND sub_category = ? ORDER BY created_at ASC`)
	if err := s.client.DB().SelectContext(ctx, &items, q, main, sub); err != nil {
		return nil, fmt.Errorf("failed to list items by category: %w", err)
	}
	return items, nil
}

// ResetRunFlags clears the per-run ephemeral success flags on every item.
// Called by the orchestrator at the start of each run.
func (s *ItemStore) ResetRunFlags(ctx context.Context) error {
	q := s.client.DB().Rebind(`
		UPDATE items SET
			cache_succeeded_this_run = ?,
			media_succeeded_this_run = ?,
			llm_succeeded_this_run = ?,
			kb_succeeded_this_run = ?`)
	if _, err := s.client.DB().ExecContext(ctx, q, false, false, false, false); err != nil {
		return fmt.Errorf("failed to reset run flags: %w", err)
	}
	return nil
}

// isUniqueViolation detects duplicate-key failures across both drivers.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || // sqlite
		strings.Contains(msg, "duplicate key") // postgres
}
