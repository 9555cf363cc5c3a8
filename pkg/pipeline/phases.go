package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kbforge/kbforge/pkg/events"
	"github.com/kbforge/kbforge/pkg/models"
	"github.com/kbforge/kbforge/pkg/ports"
	"github.com/kbforge/kbforge/pkg/store"
)

// runUserInputParsing validates the run descriptor and applies pending
// reprocess requests so flagged items re-enter the queue before
// content_processing starts.
func (o *Orchestrator) runUserInputParsing(ctx context.Context, rc *Context) (*PhaseResult, error) {
	result := &PhaseResult{ItemErrors: map[string]string{}}

	switch rc.Descriptor.RunMode {
	case models.RunModeFull, models.RunModePhaseOnly, models.RunModeReprocess, "":
	default:
		return result, ports.NewError(ports.KindFatal, "run.descriptor",
			fmt.Errorf("unknown run mode %q", rc.Descriptor.RunMode))
	}

	needs := true
	for {
		page, err := o.stores.Items.List(ctx, models.ItemFilter{
			NeedsReprocessing: &needs,
			Limit:             200,
		})
		if err != nil {
			return result, ports.NewError(ports.KindFatal, "run.reprocess", err)
		}
		resets := 0
		for _, item := range page.Items {
			if err := resetForReprocess(ctx, o.stores, item, true); err != nil {
				result.Errored++
				result.ItemErrors[item.ItemID] = err.Error()
				continue
			}
			resets++
			result.Processed++
		}
		// Reset items drop out of the filter, so each page re-queries from
		// the start. A page with no successful resets means we are done.
		if resets == 0 || page.TotalCount <= len(page.Items) {
			break
		}
	}

	if result.Processed > 0 {
		rc.Logger.Info("reprocess requests applied", "items", result.Processed)
	}
	return result, nil
}

// runFetchBookmarks pulls new refs from the source and registers unknown
// items with a queue row each.
func (o *Orchestrator) runFetchBookmarks(ctx context.Context, rc *Context) (*PhaseResult, error) {
	result := &PhaseResult{ItemErrors: map[string]string{}}

	fctx, cancel := context.WithTimeout(ctx, o.cfg.Pipeline.FetchTimeout)
	defer cancel()
	refs, err := o.ports.Fetcher.ListNewItems(fctx)
	if err != nil {
		if ports.KindOf(err) == ports.KindTransientIO || ports.KindOf(err) == ports.KindRateLimited {
			result.NetworkErrors++
		}
		result.Errored++
		return result, err
	}

	for _, ref := range refs {
		if ref.ID == "" {
			result.Skipped++
			continue
		}
		_, err := o.stores.Items.Get(ctx, ref.ID)
		if err == nil {
			result.Skipped++
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return result, ports.NewError(ports.KindFatal, "fetch.register", err)
		}

		item := &models.Item{ItemID: ref.ID, SourceURL: ref.URL}
		if err := o.stores.Items.Create(ctx, item); err != nil {
			result.Errored++
			result.ItemErrors[ref.ID] = err.Error()
			continue
		}
		if err := o.stores.Queue.Create(ctx, &models.QueueRow{ItemID: ref.ID}); err != nil &&
			!errors.Is(err, store.ErrAlreadyExists) {
			result.Errored++
			result.ItemErrors[ref.ID] = err.Error()
			continue
		}
		result.Processed++
	}

	rc.Logger.Info("bookmarks fetched", "new", result.Processed, "known", result.Skipped)
	return result, nil
}

// runContentProcessing drains the queue through the item processor with
// bounded concurrency. Items whose retry schedule falls inside the run are
// waited for up to a bounded idle budget.
func (o *Orchestrator) runContentProcessing(ctx context.Context, rc *Context) (*PhaseResult, error) {
	result := &PhaseResult{ItemErrors: map[string]string{}}

	claimer := "orchestrator:" + rc.TaskID
	maxInFlight := o.cfg.Queue.MaxConcurrentItems
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	sem := make(chan struct{}, maxInFlight)
	var mu sync.Mutex
	var wg sync.WaitGroup

	retriesPending := false
	idleBudget := 2 * o.cfg.Pipeline.RetryMaxBackoff
	idleSince := time.Time{}

	for ctx.Err() == nil {
		rows, err := o.stores.Queue.NextForProcessing(ctx, o.cfg.Queue.BatchSize, "")
		if err != nil {
			wg.Wait()
			return result, ports.NewError(ports.KindFatal, "queue.poll", err)
		}
		if len(rows) == 0 {
			wg.Wait()
			counts, err := o.stores.Queue.CountByStatus(ctx)
			if err != nil {
				return result, ports.NewError(ports.KindFatal, "queue.poll", err)
			}
			// Nothing claimable now. Wait only while scheduled retries are
			// still outstanding and the idle budget holds.
			if retriesPending && counts[models.QueueStatusUnprocessed] > 0 {
				if idleSince.IsZero() {
					idleSince = rc.Now()
				}
				if rc.Now().Sub(idleSince) < idleBudget {
					select {
					case <-ctx.Done():
					case <-time.After(time.Second):
					}
					continue
				}
			}
			break
		}
		idleSince = time.Time{}

		ids := make([]string, 0, len(rows))
		for _, row := range rows {
			ids = append(ids, row.ItemID)
		}
		claimed, err := o.stores.Queue.MarkProcessing(ctx, ids, models.PhaseContentProcessing, claimer)
		if err != nil {
			wg.Wait()
			return result, ports.NewError(ports.KindFatal, "queue.claim", err)
		}

		for _, itemID := range claimed {
			sem <- struct{}{}
			wg.Add(1)
			go func(itemID string) {
				defer wg.Done()
				defer func() { <-sem }()

				outcome, perr := o.processor.ProcessItem(ctx, rc.TaskID, itemID)
				mu.Lock()
				defer mu.Unlock()
				if perr != nil {
					result.Errored++
					result.ItemErrors[itemID] = perr.Error()
					return
				}
				switch outcome.Status {
				case OutcomeSuccess:
					result.Processed++
				case OutcomeSkipped:
					result.Skipped++
				case OutcomeRetry:
					retriesPending = true
					result.Retries++
					result.NetworkErrors++
				case OutcomeFailed:
					result.Errored++
					if outcome.Err != nil {
						result.ItemErrors[itemID] = outcome.Err.Error()
					}
				case OutcomeInterrupted:
					result.Skipped++
				}
				if outcome.CacheHit {
					result.CacheHits++
				} else {
					result.CacheMisses++
				}
				result.MediaProcessed += outcome.ImagesDescribed
			}(itemID)
		}
		wg.Wait()

		done := result.Processed + result.Errored
		total := done + result.Skipped
		_ = rc.Emitter.EmitProgress(ctx, events.ProgressEvent{
			TaskID:    rc.TaskID,
			Operation: models.PhaseContentProcessing,
			Current:   done,
			Total:     total,
		})
	}

	wg.Wait()

	// Keep registry counts in step with what this phase categorized.
	if counts, err := o.stores.Items.CategoryPairCounts(ctx); err == nil {
		if _, err := o.stores.Categories.SyncItemCounts(ctx, counts); err != nil {
			rc.Logger.Warn("failed to sync category counts", "error", err)
		}
	} else {
		rc.Logger.Warn("failed to read category counts", "error", err)
	}

	return result, nil
}

// runSynthesisGeneration writes a synthesis document for every category pair
// with enough items.
func (o *Orchestrator) runSynthesisGeneration(ctx context.Context, rc *Context) (*PhaseResult, error) {
	result := &PhaseResult{ItemErrors: map[string]string{}}

	minItems := o.cfg.Pipeline.SynthesisMinItems
	if rc.Descriptor.Preferences.SynthesisMinItems > 0 {
		minItems = rc.Descriptor.Preferences.SynthesisMinItems
	}

	counts, err := o.stores.Items.CategoryPairCounts(ctx)
	if err != nil {
		return result, ports.NewError(ports.KindFatal, "synthesis.pairs", err)
	}

	for pair, n := range counts {
		if n < minItems {
			result.Skipped++
			continue
		}
		main, sub := pair[0], pair[1]
		items, err := o.stores.Items.ListByCategory(ctx, main, sub)
		if err != nil {
			return result, ports.NewError(ports.KindFatal, "synthesis.items", err)
		}

		lctx, cancel := context.WithTimeout(ctx, o.cfg.Pipeline.LLMTimeout)
		markdown, err := o.ports.LLM.Synthesize(lctx, items)
		cancel()
		if err != nil {
			result.Errored++
			result.ItemErrors[main+"/"+sub] = err.Error()
			continue
		}

		dest := filepath.Join(o.cfg.KnowledgeBase.Dir, main, sub, "SYNTHESIS.md")
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			result.Errored++
			result.ItemErrors[main+"/"+sub] = err.Error()
			continue
		}
		if err := os.WriteFile(dest, []byte(markdown), 0o644); err != nil {
			result.Errored++
			result.ItemErrors[main+"/"+sub] = err.Error()
			continue
		}
		result.Processed++
	}
	return result, nil
}

// runEmbeddingGeneration embeds every KB item into the vector collection.
// Upserts are idempotent, so reprocessed items simply overwrite their point.
func (o *Orchestrator) runEmbeddingGeneration(ctx context.Context, rc *Context) (*PhaseResult, error) {
	result := &PhaseResult{ItemErrors: map[string]string{}}

	if o.ports.Vector == nil || o.ports.Embedder == nil || o.cfg.Vector == nil || !o.cfg.Vector.Enabled {
		rc.Logger.Debug("embedding generation disabled")
		result.Skipped++
		return result, nil
	}
	if err := o.ports.Vector.EnsureCollection(ctx); err != nil {
		return result, err
	}

	items, err := o.listAllItems(ctx)
	if err != nil {
		return result, ports.NewError(ports.KindFatal, "embedding.items", err)
	}
	for _, item := range items {
		if !item.KBItemCreated {
			result.Skipped++
			continue
		}
		text := item.KBContent
		if text == "" {
			text = item.FullText
		}
		vec, err := o.ports.Embedder.Embed(ctx, text)
		if err != nil {
			result.Errored++
			result.ItemErrors[item.ItemID] = err.Error()
			continue
		}
		main, sub := item.CategoryPair()
		payload := map[string]string{
			"main_category": main,
			"sub_category":  sub,
			"title":         item.KBDisplayTitle,
		}
		if err := o.ports.Vector.Upsert(ctx, item.ItemID, vec, payload); err != nil {
			result.Errored++
			result.ItemErrors[item.ItemID] = err.Error()
			continue
		}
		result.Processed++
	}
	return result, nil
}

// runReadmeGeneration renders the root README and the static index.html.
func (o *Orchestrator) runReadmeGeneration(ctx context.Context, rc *Context) (*PhaseResult, error) {
	result := &PhaseResult{ItemErrors: map[string]string{}}

	items, err := o.listAllItems(ctx)
	if err != nil {
		return result, ports.NewError(ports.KindFatal, "readme.items", err)
	}
	categories, err := o.stores.Categories.List(ctx, false)
	if err != nil {
		return result, ports.NewError(ports.KindFatal, "readme.categories", err)
	}
	agg, err := o.stores.Items.Stats(ctx)
	if err != nil {
		return result, ports.NewError(ports.KindFatal, "readme.stats", err)
	}

	stats := ports.IndexStats{
		TotalItems:     agg.Total,
		CompletedItems: agg.Completed,
		Categories:     categories,
		GeneratedAtUTC: rc.Now().Format(time.RFC3339),
	}

	markdown, err := o.ports.Renderer.RenderIndex(items, stats)
	if err != nil {
		return result, err
	}
	if err := os.WriteFile(filepath.Join(o.cfg.KnowledgeBase.Dir, "README.md"), []byte(markdown), 0o644); err != nil {
		return result, ports.Transient("readme.write", err)
	}

	html, err := o.ports.Renderer.RenderIndexHTML(items, stats)
	if err != nil {
		return result, err
	}
	if err := os.WriteFile(filepath.Join(o.cfg.KnowledgeBase.Dir, "index.html"), []byte(html), 0o644); err != nil {
		return result, ports.Transient("readme.write", err)
	}

	result.Processed = 1
	return result, nil
}

// runGitSync publishes the knowledge-base tree.
func (o *Orchestrator) runGitSync(ctx context.Context, rc *Context) (*PhaseResult, error) {
	result := &PhaseResult{}

	pctx, cancel := context.WithTimeout(ctx, o.cfg.Pipeline.PublisherTimeout)
	defer cancel()
	if err := o.ports.Publisher.Publish(pctx, []string{o.cfg.KnowledgeBase.Dir}); err != nil {
		result.Errored++
		return result, err
	}
	result.Processed = 1
	return result, nil
}

// listAllItems pages through the whole item table.
func (o *Orchestrator) listAllItems(ctx context.Context) ([]*models.Item, error) {
	var all []*models.Item
	offset := 0
	for {
		page, err := o.stores.Items.List(ctx, models.ItemFilter{
			Limit:         500,
			Offset:        offset,
			SortField:     "created_at",
			SortDirection: models.SortAsc,
		})
		if err != nil {
			return nil, err
		}
		all = append(all, page.Items...)
		offset += len(page.Items)
		if len(page.Items) == 0 || offset >= page.TotalCount {
			return all, nil
		}
	}
}
