package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/kbforge/kbforge/pkg/models"
	"github.com/kbforge/kbforge/pkg/store"
)

// resetForReprocess rewinds an item flagged with force_reprocess_pipeline.
// Cached content is kept (the fetch is expensive) unless force_recache is
// also set; everything downstream of the cache is cleared together with the
// failure and retry state. With resetQueue the row also returns to
// unprocessed; a worker that already claimed the row keeps its claim and
// passes false. The reprocess request audit fields are preserved.
func resetForReprocess(ctx context.Context, stores Stores, item *models.Item, resetQueue bool) error {
	off := false
	zero := 0
	var noFC *models.FailureClass
	var noTime *time.Time

	patch := store.ItemPatch{
		MediaProcessed:      &off,
		CategoriesProcessed: &off,
		KBItemCreated:       &off,
		KBItemWritten:       &off,
		ProcessingComplete:  &off,
		DBSynced:            &off,

		ForceReprocessPipeline: &off,
		ForceRecache:           &item.ForceRecache,

		FailureClass:   &noFC,
		NextRetryAfter: &noTime,
		RetryCount:     &zero,
	}
	if item.ForceRecache {
		patch.CacheComplete = &off
		patch.URLsExpanded = &off
		patch.CachedAt = &noTime
	}

	if err := stores.Items.Update(ctx, item.ItemID, patch); err != nil {
		return fmt.Errorf("failed to reset item for reprocessing: %w", err)
	}
	if resetQueue {
		if err := stores.Queue.ResetForRetry(ctx, []string{item.ItemID}); err != nil {
			return fmt.Errorf("failed to requeue item for reprocessing: %w", err)
		}
	}
	return nil
}
