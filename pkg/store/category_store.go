package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/kbforge/kbforge/pkg/database"
	"github.com/kbforge/kbforge/pkg/models"
)

// CategoryStore manages the hierarchical (main, sub) category registry.
type CategoryStore struct {
	client *database.Client
}

// NewCategoryStore creates a new CategoryStore.
func NewCategoryStore(client *database.Client) *CategoryStore {
	return &CategoryStore{client: client}
}

// normalizeCategory trims whitespace and collapses internal runs of spaces.
func normalizeCategory(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// InsertIfMissing registers a category pair, normalizing both parts.
// Inserting an existing pair is a no-op; returns true when a row was created.
func (s *CategoryStore) InsertIfMissing(ctx context.Context, main, sub string) (bool, error) {
	return s.insertIfMissing(ctx, main, sub, "")
}

// InsertWithDescription registers a pair carrying a description, used by the
// repair path to mark auto-created rows.
func (s *CategoryStore) InsertWithDescription(ctx context.Context, main, sub, description string) (bool, error) {
	return s.insertIfMissing(ctx, main, sub, description)
}

func (s *CategoryStore) insertIfMissing(ctx context.Context, main, sub, description string) (bool, error) {
	main = normalizeCategory(main)
	sub = normalizeCategory(sub)
	if main == "" || sub == "" {
		return false, NewValidationError("category", "main and sub must be non-empty")
	}

	cat := &models.Category{
		Main:        main,
		Sub:         sub,
		DisplayName: fmt.Sprintf("%s / %s", main, sub),
		IsActive:    true,
		Description: description,
		LastUpdated: database.Now(),
	}
	_, err := s.client.DB().NamedExecContext(ctx, `
		INSERT INTO categories (main_category, sub_category, display_name, sort_order,
			is_active, item_count, description, last_updated)
		VALUES (:main_category, :sub_category, :display_name, :sort_order,
			:is_active, :item_count, :description, :last_updated)`, cat)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to insert category: %w", err)
	}
	return true, nil
}

// Get fetches one category pair.
func (s *CategoryStore) Get(ctx context.Context, main, sub string) (*models.Category, error) {
	var cat models.Category
	q := s.client.DB().Rebind(
		`SELECT * FROM categories WHERE main_category = ? AND sub_category = ?`)
	if err := s.client.DB().GetContext(ctx, &cat, q, normalizeCategory(main), normalizeCategory(sub)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get category: %w", err)
	}
	return &cat, nil
}

// List returns all categories ordered by main then sub. activeOnly filters
// to active rows.
func (s *CategoryStore) List(ctx context.Context, activeOnly bool) ([]*models.Category, error) {
	query := `SELECT * FROM categories`
	if activeOnly {
		query += ` WHERE is_active = ?`
	}
	query += ` ORDER BY main_category ASC, sort_order ASC, sub_category ASC`

	var cats []*models.Category
	var err error
	if activeOnly {
		err = s.client.DB().SelectContext(ctx, &cats, s.client.DB().Rebind(query), true)
	} else {
		err = s.client.DB().SelectContext(ctx, &cats, query)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list categories: %w", err)
	}
	return cats, nil
}

// UpdateItemCount sets the cached count for one pair.
func (s *CategoryStore) UpdateItemCount(ctx context.Context, main, sub string, count int) error {
	res, err := s.client.DB().ExecContext(ctx, s.client.DB().Rebind(`
		UPDATE categories SET item_count = ?, last_updated = ?
		WHERE main_category = ? AND sub_category = ?`),
		count, database.Now(), normalizeCategory(main), normalizeCategory(sub))
	if err != nil {
		return fmt.Errorf("failed to update item count: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetActive flips a category's active flag.
func (s *CategoryStore) SetActive(ctx context.Context, main, sub string, active bool) error {
	res, err := s.client.DB().ExecContext(ctx, s.client.DB().Rebind(`
		UPDATE categories SET is_active = ?, last_updated = ?
		WHERE main_category = ? AND sub_category = ?`),
		active, database.Now(), normalizeCategory(main), normalizeCategory(sub))
	if err != nil {
		return fmt.Errorf("failed to set active: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a category pair. Rows referenced by categorized items should
// be repaired by the validator rather than deleted here.
func (s *CategoryStore) Delete(ctx context.Context, main, sub string) error {
	res, err := s.client.DB().ExecContext(ctx, s.client.DB().Rebind(
		`DELETE FROM categories WHERE main_category = ? AND sub_category = ?`),
		normalizeCategory(main), normalizeCategory(sub))
	if err != nil {
		return fmt.Errorf("failed to delete category: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// SyncItemCounts recomputes item_count for every category from the items
// table and registers any pair present on items but missing from the
// registry. Returns the number of rows whose count changed plus rows created.
func (s *CategoryStore) SyncItemCounts(ctx context.Context, counts map[[2]string]int) (int, error) {
	changed := 0
	for pair, count := range counts {
		created, err := s.InsertIfMissing(ctx, pair[0], pair[1])
		if err != nil {
			return changed, err
		}
		if created {
			changed++
		}
		err = s.UpdateItemCount(ctx, pair[0], pair[1], count)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return changed, err
		}
	}

	// Zero out registry rows with no remaining items.
	cats, err := s.List(ctx, false)
	if err != nil {
		return changed, err
	}
	for _, cat := range cats {
		if _, ok := counts[[2]string{cat.Main, cat.Sub}]; !ok && cat.ItemCount != 0 {
			if err := s.UpdateItemCount(ctx, cat.Main, cat.Sub, 0); err != nil {
				return changed, err
			}
			changed++
		}
	}
	return changed, nil
}
