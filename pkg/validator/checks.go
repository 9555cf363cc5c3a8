package validator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kbforge/kbforge/pkg/database"
	"github.com/kbforge/kbforge/pkg/models"
	"github.com/kbforge/kbforge/pkg/store"
)

const snapshotPageSize = 500

// snapshot is a point-in-time read of the three stores. Checks evaluate the
// snapshot, never the live tables, so repairs by one check do not hide issues
// from a later check within the same sweep.
type snapshot struct {
	items      []*models.Item
	queue      map[string]*models.QueueRow
	queueRows  []*models.QueueRow
	categories map[[2]string]*models.Category
	catRows    []*models.Category
}

func (v *Validator) loadSnapshot(ctx context.Context) (*snapshot, error) {
	snap := &snapshot{
		queue:      make(map[string]*models.QueueRow),
		categories: make(map[[2]string]*models.Category),
	}

	for offset := 0; ; offset += snapshotPageSize {
		page, err := v.items.List(ctx, models.ItemFilter{
			SortField:     "item_id",
			SortDirection: models.SortAsc,
			Limit:         snapshotPageSize,
			Offset:        offset,
		})
		if err != nil {
			return nil, err
		}
		snap.items = append(snap.items, page.Items...)
		if offset+snapshotPageSize >= page.TotalCount {
			break
		}
	}

	rows, err := v.queue.All(ctx)
	if err != nil {
		return nil, err
	}
	snap.queueRows = rows
	for _, row := range rows {
		snap.queue[row.ItemID] = row
	}

	cats, err := v.categories.List(ctx, false)
	if err != nil {
		return nil, err
	}
	snap.catRows = cats
	for _, cat := range cats {
		snap.categories[[2]string{cat.Main, cat.Sub}] = cat
	}
	return snap, nil
}

// checkDatabaseIntegrity verifies required identity fields are present.
// Collections are JSON columns with non-null defaults, so a nil slice after
// scan means the stored value was null.
func (v *Validator) checkDatabaseIntegrity(ctx context.Context, snap *snapshot, autoFix bool) (*CheckResult, error) {
	result := &CheckResult{Metadata: map[string]any{"items_checked": len(snap.items)}}

	for _, item := range snap.items {
		if item.ItemID == "" {
			result.addIssue("item with empty item_id")
			continue
		}
		if item.Source == "" {
			result.addIssue(fmt.Sprintf("item %s: empty source", item.ItemID))
			if autoFix {
				src := "twitter"
				if err := v.items.Update(ctx, item.ItemID, store.ItemPatch{Source: &src}); err != nil {
					return nil, err
				}
				result.FixesApplied++
			}
		}
		if item.MediaRefs == nil || item.ThreadSegments == nil || item.ImageDescriptions == nil {
			result.addIssue(fmt.Sprintf("item %s: null JSON collection", item.ItemID))
			if autoFix {
				patch := store.ItemPatch{}
				if item.MediaRefs == nil {
					empty := models.StringSlice{}
					patch.MediaRefs = &empty
				}
				if item.ThreadSegments == nil {
					empty := models.ThreadSegments{}
					patch.ThreadSegments = &empty
				}
				if item.ImageDescriptions == nil {
					empty := models.StringSlice{}
					patch.ImageDescriptions = &empty
				}
				if err := v.items.Update(ctx, item.ItemID, patch); err != nil {
					return nil, err
				}
				result.FixesApplied++
			}
		}
	}
	return result, nil
}

// checkFlagConsistency verifies the logical flag progression: each flag
// implies its antecedents, and processing_complete holds exactly when every
// flag does. Where the data needed by an antecedent exists the antecedent is
// set; where it does not (categories absent), the offending flag is cleared
// instead.
func (v *Validator) checkFlagConsistency(ctx context.Context, snap *snapshot, autoFix bool) (*CheckResult, error) {
	result := &CheckResult{}

	for _, item := range snap.items {
		patch := store.ItemPatch{}
		dirty := false
		flag := func(msg string) {
			result.addIssue(fmt.Sprintf("item %s: %s", item.ItemID, msg))
			dirty = true
			if autoFix {
				result.FixesApplied++
			}
		}

		hasCategories := item.MainCategory != nil && *item.MainCategory != "" &&
			item.SubCategory != nil && *item.SubCategory != "" &&
			item.ItemNameSuggestion != nil && *item.ItemNameSuggestion != ""

		if item.CategoriesProcessed && !hasCategories {
			flag("categories_processed without category data")
			f := false
			patch.CategoriesProcessed = &f
		}
		if item.KBItemCreated && !item.CategoriesProcessed {
			flag("kb_item_created without categories_processed")
			if hasCategories {
				tr := true
				patch.CategoriesProcessed = &tr
			} else {
				f := false
				patch.KBItemCreated = &f
			}
		}
		if (item.KBItemCreated || item.MediaProcessed || item.CategoriesProcessed) && !item.CacheComplete {
			flag("downstream flag set without cache_complete")
			tr := true
			patch.CacheComplete = &tr
		}
		if item.KBItemCreated && !item.MediaProcessed {
			flag("kb_item_created without media_processed")
			if patch.KBItemCreated == nil {
				tr := true
				patch.MediaProcessed = &tr
			}
		}
		if item.ProcessingComplete && !item.AllFlagsComplete() {
			flag("processing_complete with incomplete flags")
			f := false
			patch.ProcessingComplete = &f
		}
		if !item.ProcessingComplete && item.AllFlagsComplete() {
			flag("all flags set but processing_complete false")
			tr := true
			patch.ProcessingComplete = &tr
		}

		if dirty && autoFix {
			if err := v.items.Update(ctx, item.ItemID, patch); err != nil {
				return nil, err
			}
		}
	}
	return result, nil
}

// checkQueueConsistency verifies status=processed tracks processing_complete,
// that every item has exactly one queue row, and that no row is orphaned.
func (v *Validator) checkQueueConsistency(ctx context.Context, snap *snapshot, autoFix bool) (*CheckResult, error) {
	result := &CheckResult{}
	itemIDs := make(map[string]*models.Item, len(snap.items))
	for _, item := range snap.items {
		itemIDs[item.ItemID] = item
	}

	for _, item := range snap.items {
		row, ok := snap.queue[item.ItemID]
		if !ok {
			result.addIssue(fmt.Sprintf("item %s: missing queue row", item.ItemID))
			if autoFix {
				status := models.QueueStatusUnprocessed
				if item.ProcessingComplete {
					status = models.QueueStatusProcessed
				}
				if err := v.queue.Create(ctx, &models.QueueRow{ItemID: item.ItemID, Status: status}); err != nil {
					return nil, err
				}
				result.FixesApplied++
			}
			continue
		}

		processed := row.Status == models.QueueStatusProcessed
		if processed != item.ProcessingComplete {
			result.addIssue(fmt.Sprintf("item %s: queue status %s disagrees with processing_complete=%t",
				item.ItemID, row.Status, item.ProcessingComplete))
			if autoFix {
				target := models.QueueStatusUnprocessed
				if item.ProcessingComplete {
					target = models.QueueStatusProcessed
				}
				if err := v.queue.UpdateStatus(ctx, item.ItemID, target, "", "", false); err != nil {
					return nil, err
				}
				result.FixesApplied++
			}
		}
	}

	orphans := 0
	for _, row := range snap.queueRows {
		if _, ok := itemIDs[row.ItemID]; !ok {
			orphans++
			result.addIssue(fmt.Sprintf("queue row %s: item does not exist", row.ItemID))
		}
	}
	if orphans > 0 && autoFix {
		n, err := v.queue.DeleteOrphanRows(ctx)
		if err != nil {
			return nil, err
		}
		result.FixesApplied += n
	}
	return result, nil
}

// checkCategoryIntegrity verifies every categorized item's pair is registered.
func (v *Validator) checkCategoryIntegrity(ctx context.Context, snap *snapshot, autoFix bool) (*CheckResult, error) {
	result := &CheckResult{}
	seen := make(map[[2]string]bool)

	for _, item := range snap.items {
		main, sub := item.CategoryPair()
		if main == "" || sub == "" {
			continue
		}
		pair := [2]string{main, sub}
		if _, ok := snap.categories[pair]; ok || seen[pair] {
			continue
		}
		seen[pair] = true
		result.addIssue(fmt.Sprintf("category (%s, %s) used by items but not registered", main, sub))
		if autoFix {
			desc := fmt.Sprintf("Auto-created during validation on %s", database.Now().Format("2006-01-02"))
			if _, err := v.categories.InsertWithDescription(ctx, main, sub, desc); err != nil {
				return nil, err
			}
			result.FixesApplied++
		}
	}
	return result, nil
}

// checkFilesystemConsistency verifies every created KB item has a file on
// disk that references its item_id.
func (v *Validator) checkFilesystemConsistency(ctx context.Context, snap *snapshot, autoFix bool) (*CheckResult, error) {
	result := &CheckResult{}

	for _, item := range snap.items {
		if !item.KBItemCreated {
			continue
		}

		reason := ""
		switch {
		case item.KBFilePath == "":
			reason = "empty kb_file_path"
		default:
			path := filepath.Join(v.kbRoot, item.KBFilePath)
			data, err := os.ReadFile(path)
			switch {
			case os.IsNotExist(err):
				reason = "kb file missing"
			case err != nil:
				return nil, fmt.Errorf("failed to read %s: %w", path, err)
			case !strings.Contains(string(data), item.ItemID):
				reason = "kb file does not reference item"
			}
		}
		if reason == "" {
			continue
		}

		result.addIssue(fmt.Sprintf("item %s: %s", item.ItemID, reason))
		if autoFix {
			f := false
			patch := store.ItemPatch{KBItemCreated: &f, KBItemWritten: &f}
			if item.ProcessingComplete {
				patch.ProcessingComplete = &f
			}
			if err := v.items.Update(ctx, item.ItemID, patch); err != nil {
				return nil, err
			}
			result.FixesApplied++
		}
	}
	return result, nil
}

// checkContentCompleteness verifies cached items carry text and categorized
// items carry a name suggestion.
func (v *Validator) checkContentCompleteness(ctx context.Context, snap *snapshot, autoFix bool) (*CheckResult, error) {
	result := &CheckResult{}

	for _, item := range snap.items {
		if item.CacheComplete && item.FullText == "" && len(item.ThreadSegments) == 0 {
			result.addIssue(fmt.Sprintf("item %s: cache_complete with no content", item.ItemID))
			if autoFix {
				f := false
				if err := v.items.Update(ctx, item.ItemID, store.ItemPatch{CacheComplete: &f}); err != nil {
					return nil, err
				}
				result.FixesApplied++
			}
		}

		if item.CategoriesProcessed && (item.ItemNameSuggestion == nil || *item.ItemNameSuggestion == "") {
			result.addIssue(fmt.Sprintf("item %s: categories_processed with no name suggestion", item.ItemID))
			if autoFix {
				main, _ := item.CategoryPair()
				name := fmt.Sprintf("%s - %s", main, item.ItemID)
				p := &name
				if err := v.items.Update(ctx, item.ItemID, store.ItemPatch{ItemNameSuggestion: &p}); err != nil {
					return nil, err
				}
				result.FixesApplied++
			}
		}
	}
	return result, nil
}

// retryScheduleMaxAge bounds how long a retry schedule stays actionable.
const retryScheduleMaxAge = 7 * 24 * time.Hour

// checkRetryMetadata verifies retried items carry a failure class and
// discards retry schedules older than a week.
func (v *Validator) checkRetryMetadata(ctx context.Context, snap *snapshot, autoFix bool) (*CheckResult, error) {
	result := &CheckResult{}
	cutoff := database.Now().Add(-retryScheduleMaxAge)

	for _, item := range snap.items {
		if item.RetryCount > 0 && item.FailureClass == nil {
			result.addIssue(fmt.Sprintf("item %s: retries without failure_class", item.ItemID))
			if autoFix {
				fc := models.FailureTransient
				p := &fc
				if err := v.items.Update(ctx, item.ItemID, store.ItemPatch{FailureClass: &p}); err != nil {
					return nil, err
				}
				result.FixesApplied++
			}
		}

		if item.NextRetryAfter != nil && item.NextRetryAfter.Before(cutoff) {
			result.addIssue(fmt.Sprintf("item %s: stale retry schedule", item.ItemID))
			if autoFix {
				var cleared *time.Time
				if err := v.items.Update(ctx, item.ItemID, store.ItemPatch{NextRetryAfter: &cleared}); err != nil {
					return nil, err
				}
				result.FixesApplied++
			}
		}
	}
	return result, nil
}

// checkTemporalConsistency verifies timestamp ordering and presence.
func (v *Validator) checkTemporalConsistency(ctx context.Context, snap *snapshot, autoFix bool) (*CheckResult, error) {
	result := &CheckResult{}

	for _, item := range snap.items {
		if item.CreatedAt.IsZero() || item.UpdatedAt.IsZero() {
			result.addIssue(fmt.Sprintf("item %s: missing timestamps", item.ItemID))
			if autoFix {
				patch := store.ItemPatch{}
				if item.CreatedAt.IsZero() {
					now := database.Now()
					patch.CreatedAt = &now
				}
				// updated_at is stamped on every update.
				if err := v.items.Update(ctx, item.ItemID, patch); err != nil {
					return nil, err
				}
				result.FixesApplied++
			}
			continue
		}
		if item.UpdatedAt.Before(item.CreatedAt) {
			result.addIssue(fmt.Sprintf("item %s: updated_at precedes created_at", item.ItemID))
			if autoFix {
				if err := v.items.Update(ctx, item.ItemID, store.ItemPatch{}); err != nil {
					return nil, err
				}
				result.FixesApplied++
			}
		}
	}
	return result, nil
}

// checkCrossReferences recomputes per-pair item counts and corrects registry
// rows that drifted.
func (v *Validator) checkCrossReferences(ctx context.Context, snap *snapshot, autoFix bool) (*CheckResult, error) {
	result := &CheckResult{}

	counts := make(map[[2]string]int)
	for _, item := range snap.items {
		main, sub := item.CategoryPair()
		if main != "" && sub != "" {
			counts[[2]string{main, sub}]++
		}
	}

	for _, cat := range snap.catRows {
		want := counts[[2]string{cat.Main, cat.Sub}]
		if cat.ItemCount == want {
			continue
		}
		result.addIssue(fmt.Sprintf("category (%s, %s): item_count %d, actual %d",
			cat.Main, cat.Sub, cat.ItemCount, want))
		if autoFix {
			if err := v.categories.UpdateItemCount(ctx, cat.Main, cat.Sub, want); err != nil {
				return nil, err
			}
			result.FixesApplied++
		}
	}
	return result, nil
}

func (r *CheckResult) addIssue(msg string) {
	r.IssueCount++
	r.Issues = append(r.Issues, msg)
}
