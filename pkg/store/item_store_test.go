package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbforge/kbforge/pkg/models"
)

func TestItemStore_CreateAndGet(t *testing.T) {
	client := newTestClient(t)
	store := NewItemStore(client)
	ctx := context.Background()

	item := newTestItem("item-1")
	item.ThreadSegments = models.ThreadSegments{{Text: "first"}}
	item.MediaRefs = models.StringSlice{"https://example.com/a.jpg"}
	require.NoError(t, store.Create(ctx, item))

	assert.False(t, item.CreatedAt.IsZero(), "created_at should be stamped")
	assert.False(t, item.UpdatedAt.IsZero(), "updated_at should be stamped")

	got, err := store.Get(ctx, "item-1")
	require.NoError(t, err)
	assert.Equal(t, "item-1", got.ItemID)
	assert.Equal(t, "twitter", got.Source)
	assert.Equal(t, "hello from item-1", got.FullText)
	require.Len(t, got.ThreadSegments, 1)
	assert.Equal(t, "first", got.ThreadSegments[0].Text)
	assert.Equal(t, models.StringSlice{"https://example.com/a.jpg"}, got.MediaRefs)
}

func TestItemStore_CreateDuplicate(t *testing.T) {
	client := newTestClient(t)
	store := NewItemStore(client)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, newTestItem("dup")))
	err := store.Create(ctx, newTestItem("dup"))
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestItemStore_CreateRequiresID(t *testing.T) {
	client := newTestClient(t)
	store := NewItemStore(client)

	err := store.Create(context.Background(), &models.Item{})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "item_id", verr.Field)
}

func TestItemStore_GetNotFound(t *testing.T) {
	client := newTestClient(t)
	store := NewItemStore(client)

	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestItemStore_GetMany(t *testing.T) {
	client := newTestClient(t)
	store := NewItemStore(client)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.Create(ctx, newTestItem(id)))
	}

	items, err := store.GetMany(ctx, []string{"a", "c", "missing"})
	require.NoError(t, err)
	assert.Len(t, items, 2, "missing ids are skipped")

	items, err = store.GetMany(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestItemStore_Update(t *testing.T) {
	client := newTestClient(t)
	store := NewItemStore(client)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, newTestItem("u1")))

	require.NoError(t, store.Update(ctx, "u1", ItemPatch{
		CacheComplete: boolPtr(true),
		MainCategory:  nullableStr("machine_learning"),
		SubCategory:   nullableStr("transformers"),
		KBTitle:       strPtr("attention-notes"),
	}))

	got, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, got.CacheComplete)
	require.NotNil(t, got.MainCategory)
	assert.Equal(t, "machine_learning", *got.MainCategory)
	require.NotNil(t, got.SubCategory)
	assert.Equal(t, "transformers", *got.SubCategory)
	assert.Equal(t, "attention-notes", got.KBTitle)
}

func TestItemStore_UpdateClearsNullable(t *testing.T) {
	client := newTestClient(t)
	store := NewItemStore(client)
	ctx := context.Background()

	item := newTestItem("u2")
	main := "ml"
	item.MainCategory = &main
	require.NoError(t, store.Create(ctx, item))

	var cleared *string
	require.NoError(t, store.Update(ctx, "u2", ItemPatch{MainCategory: &cleared}))

	got, err := store.Get(ctx, "u2")
	require.NoError(t, err)
	assert.Nil(t, got.MainCategory)
}

func TestItemStore_UpdateNotFound(t *testing.T) {
	client := newTestClient(t)
	store := NewItemStore(client)

	err := store.Update(context.Background(), "ghost", ItemPatch{CacheComplete: boolPtr(true)})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestItemStore_ListFilterAndPagination(t *testing.T) {
	client := newTestClient(t)
	store := NewItemStore(client)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		item := newTestItem(string(rune('a' + i)))
		if i < 2 {
			item.ProcessingComplete = true
		}
		require.NoError(t, store.Create(ctx, item))
	}

	complete := true
	result, err := store.List(ctx, models.ItemFilter{ProcessingComplete: &complete})
	require.NoError(t, err)
	assert.Equal(t, 2, result.TotalCount)
	assert.Len(t, result.Items, 2)

	result, err = store.List(ctx, models.ItemFilter{Limit: 2, Offset: 0, SortField: "item_id", SortDirection: models.SortAsc})
	require.NoError(t, err)
	assert.Equal(t, 5, result.TotalCount)
	require.Len(t, result.Items, 2)
	assert.Equal(t, "a", result.Items[0].ItemID)
	assert.Equal(t, "b", result.Items[1].ItemID)

	result, err = store.List(ctx, models.ItemFilter{Limit: 2, Offset: 4, SortField: "item_id", SortDirection: models.SortAsc})
	require.NoError(t, err)
	require.Len(t, result.Items, 1)
	assert.Equal(t, "e", result.Items[0].ItemID)
}

func TestItemStore_FullTextSearch(t *testing.T) {
	client := newTestClient(t)
	store := NewItemStore(client)
	ctx := context.Background()

	a := newTestItem("fts-1")
	a.FullText = "deep dive into goroutine scheduling"
	require.NoError(t, store.Create(ctx, a))

	b := newTestItem("fts-2")
	b.KBTitle = "scheduling-basics"
	require.NoError(t, store.Create(ctx, b))

	c := newTestItem("fts-3")
	c.FullText = "unrelated"
	require.NoError(t, store.Create(ctx, c))

	result, err := store.FullTextSearch(ctx, "scheduling", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, result.TotalCount)
}

func TestItemStore_BulkSetReprocess(t *testing.T) {
	client := newTestClient(t)
	store := NewItemStore(client)
	ctx := context.Background()

	for _, id := range []string{"r1", "r2", "r3"} {
		require.NoError(t, store.Create(ctx, newTestItem(id)))
	}

	require.NoError(t, store.BulkSetReprocess(ctx, []string{"r1", "r2"}, true, "operator"))

	got, err := store.Get(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, got.ForceReprocessPipeline)
	require.NotNil(t, got.ReprocessRequestedBy)
	assert.Equal(t, "operator", *got.ReprocessRequestedBy)
	assert.NotNil(t, got.ReprocessRequestedAt)

	got, err = store.Get(ctx, "r3")
	require.NoError(t, err)
	assert.False(t, got.ForceReprocessPipeline)

	require.NoError(t, store.BulkSetReprocess(ctx, []string{"r1"}, false, ""))
	got, err = store.Get(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, got.ForceReprocessPipeline)
	assert.Nil(t, got.ReprocessRequestedAt)
}

func TestItemStore_BulkUpdateFlags(t *testing.T) {
	client := newTestClient(t)
	store := NewItemStore(client)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, newTestItem("f1")))
	require.NoError(t, store.Create(ctx, newTestItem("f2")))

	err := store.BulkUpdateFlags(ctx, []FlagUpdate{
		{ItemID: "f1", Patch: ItemPatch{CacheComplete: boolPtr(true)}},
		{ItemID: "f2", Patch: ItemPatch{MediaProcessed: boolPtr(true)}},
	})
	require.NoError(t, err)

	got, err := store.Get(ctx, "f1")
	require.NoError(t, err)
	assert.True(t, got.CacheComplete)

	got, err = store.Get(ctx, "f2")
	require.NoError(t, err)
	assert.True(t, got.MediaProcessed)
}

func TestItemStore_Stats(t *testing.T) {
	client := newTestClient(t)
	store := NewItemStore(client)
	ctx := context.Background()

	cached := newTestItem("s1")
	cached.CacheComplete = true
	require.NoError(t, store.Create(ctx, cached))

	done := newTestItem("s2")
	done.CacheComplete = true
	done.MediaProcessed = true
	done.ProcessingComplete = true
	main, sub := "ml", "transformers"
	done.MainCategory = &main
	done.SubCategory = &sub
	require.NoError(t, store.Create(ctx, done))

	failed := newTestItem("s3")
	fc := models.FailurePermanent
	failed.FailureClass = &fc
	require.NoError(t, store.Create(ctx, failed))

	agg, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, agg.Total)
	assert.Equal(t, 2, agg.Cached)
	assert.Equal(t, 1, agg.MediaProcessed)
	assert.Equal(t, 1, agg.Completed)
	assert.Equal(t, 1, agg.Failed)
	assert.Equal(t, 1, agg.DistinctCatPairs)
	require.NotNil(t, agg.OldestUnprocessed)
}

func TestItemStore_CleanupOld(t *testing.T) {
	client := newTestClient(t)
	items := NewItemStore(client)
	queue := NewQueueStore(client)
	ctx := context.Background()

	old := newTestItem("old")
	old.ProcessingComplete = true
	old.CreatedAt = time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, items.Create(ctx, old))
	require.NoError(t, queue.Create(ctx, &models.QueueRow{ItemID: "old"}))

	fresh := newTestItem("fresh")
	fresh.ProcessingComplete = true
	require.NoError(t, items.Create(ctx, fresh))

	incomplete := newTestItem("incomplete")
	incomplete.CreatedAt = time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, items.Create(ctx, incomplete))

	n, err := items.CleanupOld(ctx, true, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = items.Get(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = queue.Get(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = items.Get(ctx, "fresh")
	assert.NoError(t, err)
	_, err = items.Get(ctx, "incomplete")
	assert.NoError(t, err, "incomplete items survive onlyComplete cleanup")
}

func TestItemStore_CategoryPairCounts(t *testing.T) {
	client := newTestClient(t)
	store := NewItemStore(client)
	ctx := context.Background()

	add := func(id, main, sub string) {
		item := newTestItem(id)
		item.MainCategory = &main
		item.SubCategory = &sub
		require.NoError(t, store.Create(ctx, item))
	}
	add("c1", "ml", "transformers")
	add("c2", "ml", "transformers")
	add("c3", "ml", "diffusion")
	require.NoError(t, store.Create(ctx, newTestItem("uncat")))

	counts, err := store.CategoryPairCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[[2]string{"ml", "transformers"}])
	assert.Equal(t, 1, counts[[2]string{"ml", "diffusion"}])
	assert.Len(t, counts, 2)
}

func TestItemStore_ResetRunFlags(t *testing.T) {
	client := newTestClient(t)
	store := NewItemStore(client)
	ctx := context.Background()

	item := newTestItem("run1")
	item.CacheSucceededThisRun = true
	item.LLMSucceededThisRun = true
	require.NoError(t, store.Create(ctx, item))

	require.NoError(t, store.ResetRunFlags(ctx))

	got, err := store.Get(ctx, "run1")
	require.NoError(t, err)
	assert.False(t, got.CacheSucceededThisRun)
	assert.False(t, got.LLMSucceededThisRun)
}
