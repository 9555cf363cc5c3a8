package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/kbforge/kbforge/pkg/config"
	"github.com/kbforge/kbforge/pkg/events"
	"github.com/kbforge/kbforge/pkg/models"
	"github.com/kbforge/kbforge/pkg/ports"
	"github.com/kbforge/kbforge/pkg/store"
)

// OutcomeStatus is the result of processing one item through the sub-phases.
type OutcomeStatus string

// Outcome statuses.
const (
	OutcomeSuccess     OutcomeStatus = "success"
	OutcomeRetry       OutcomeStatus = "retry_scheduled"
	OutcomeFailed      OutcomeStatus = "failed"
	OutcomeSkipped     OutcomeStatus = "skipped"
	OutcomeInterrupted OutcomeStatus = "interrupted"
)

// Outcome is the per-item processing result.
type Outcome struct {
	ItemID   string
	Status   OutcomeStatus
	SubPhase string
	Err      error

	CacheHit        bool
	ImagesDescribed int
	Retried         bool
}

// ItemProcessor runs one item through the five content sub-phases:
// cp_cache, cp_media, cp_llm, cp_kb_item, cp_db_sync. It is shared by the
// orchestrator's content_processing phase and the queue worker pool.
type ItemProcessor struct {
	cfg     *config.Config
	stores  Stores
	ports   Ports
	emitter *events.Emitter
	kbRoot  string
	logger  *slog.Logger
}

// NewItemProcessor creates a processor writing KB artifacts under the
// configured knowledge-base root.
func NewItemProcessor(cfg *config.Config, stores Stores, pts Ports, emitter *events.Emitter, logger *slog.Logger) *ItemProcessor {
	return &ItemProcessor{
		cfg:     cfg,
		stores:  stores,
		ports:   pts,
		emitter: emitter,
		kbRoot:  cfg.KnowledgeBase.Dir,
		logger:  logger.With("component", "item_processor"),
	}
}

type subPhase struct {
	name string
	kind models.ErrorKind
	fn   func(ctx context.Context, item *models.Item, out *Outcome) (bool, error)
}

// ProcessItem advances one claimed item through the sub-phases sequentially.
// Per-item errors are absorbed into the outcome; a returned error means the
// store itself failed.
func (p *ItemProcessor) ProcessItem(ctx context.Context, taskID, itemID string) (*Outcome, error) {
	out := &Outcome{ItemID: itemID}
	logger := p.logger.With("item_id", itemID, "task_id", taskID)

	item, err := p.stores.Items.Get(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to load item: %w", err)
	}

	if item.ForceReprocessPipeline {
		if err := resetForReprocess(ctx, p.stores, item, false); err != nil {
			return nil, err
		}
		if item, err = p.stores.Items.Get(ctx, itemID); err != nil {
			return nil, fmt.Errorf("failed to reload item: %w", err)
		}
	}

	if item.ProcessingComplete {
		out.Status = OutcomeSkipped
		if err := p.stores.Queue.UpdateStatus(ctx, itemID, models.QueueStatusProcessed, "", "", false); err != nil {
			logger.Warn("failed to mark skipped item processed", "error", err)
		}
		return out, nil
	}

	subPhases := []subPhase{
		{models.SubPhaseCache, models.ErrorKindFetch, p.runCache},
		{models.SubPhaseMedia, models.ErrorKindMedia, p.runMedia},
		{models.SubPhaseLLM, models.ErrorKindLLM, p.runLLM},
		{models.SubPhaseKBItem, models.ErrorKindKB, p.runKBItem},
		{models.SubPhaseDBSync, models.ErrorKindKB, p.runDBSync},
	}

	for _, sp := range subPhases {
		if ctx.Err() != nil {
			// Abandoned mid-item: the row stays in processing and orphan
			// recovery returns it to the queue.
			out.Status = OutcomeInterrupted
			out.SubPhase = sp.name
			return out, nil
		}

		p.emitSubPhase(ctx, taskID, itemID, sp.name, events.PhaseKindStart, "", nil)
		skipped, err := sp.fn(ctx, item, out)
		if err != nil {
			out.SubPhase = sp.name
			out.Err = err
			if ferr := p.handleFailure(ctx, taskID, item, sp, err, out); ferr != nil {
				return nil, ferr
			}
			return out, nil
		}
		if !skipped {
			item, err = p.stores.Items.Get(ctx, itemID)
			if err != nil {
				return nil, fmt.Errorf("failed to reload item: %w", err)
			}
		}
		p.emitSubPhase(ctx, taskID, itemID, sp.name, events.PhaseKindComplete, "", nil)
	}

	out.Status = OutcomeSuccess
	logger.Info("item processed", "cache_hit", out.CacheHit, "images_described", out.ImagesDescribed)
	return out, nil
}

// handleFailure classifies a sub-phase error, records it on the item, and
// moves the queue row. Transient errors under the retry budget schedule a
// retry; everything else fails the item.
func (p *ItemProcessor) handleFailure(ctx context.Context, taskID string, item *models.Item, sp subPhase, cause error, out *Outcome) error {
	logger := p.logger.With("item_id", item.ItemID, "sub_phase", sp.name)

	errs := item.Errors
	if errs == nil {
		errs = models.ErrorMap{}
	}
	errs[sp.kind] = cause.Error()

	retryable := ports.Retryable(cause) && item.RetryCount < p.cfg.Pipeline.RetryMaxAttempts
	if retryable {
		retry := item.RetryCount + 1
		now := time.Now().UTC()
		next := now.Add(retryDelay(p.cfg.Pipeline, retry, cause))
		fc := models.FailureTransient

		pNow, pNext, pFC := &now, &next, &fc
		patch := &store.ItemPatch{}
		patch.Errors = &errs
		patch.RetryCount = &retry
		patch.LastRetryAt = &pNow
		patch.NextRetryAfter = &pNext
		patch.FailureClass = &pFC
		if err := p.stores.Items.Update(ctx, item.ItemID, *patch); err != nil {
			return fmt.Errorf("failed to record transient failure: %w", err)
		}
		if err := p.stores.Queue.UpdateStatus(ctx, item.ItemID,
			models.QueueStatusUnprocessed, sp.name, cause.Error(), true); err != nil {
			return fmt.Errorf("failed to requeue item: %w", err)
		}

		p.emitSubPhase(ctx, taskID, item.ItemID, sp.name, events.PhaseKindError,
			fmt.Sprintf("retry %d/%d scheduled", retry, p.cfg.Pipeline.RetryMaxAttempts), cause)
		logger.Warn("sub-phase failed, retry scheduled",
			"retry", retry, "next_retry_after", next, "error", cause)
		out.Status = OutcomeRetry
		out.Retried = true
		return nil
	}

	fc := failureClassFor(cause)
	if fc == models.FailureTransient {
		// Retry budget exhausted.
		fc = models.FailurePermanent
	}
	pFC := &fc
	patch := &store.ItemPatch{}
	patch.Errors = &errs
	patch.FailureClass = &pFC
	if err := p.stores.Items.Update(ctx, item.ItemID, *patch); err != nil {
		return fmt.Errorf("failed to record failure: %w", err)
	}
	if err := p.stores.Queue.UpdateStatus(ctx, item.ItemID,
		models.QueueStatusFailed, sp.name, cause.Error(), false); err != nil {
		return fmt.Errorf("failed to fail queue row: %w", err)
	}

	p.emitSubPhase(ctx, taskID, item.ItemID, sp.name, events.PhaseKindError,
		"item failed", cause)
	logger.Error("sub-phase failed permanently", "failure_class", fc, "error", cause)
	out.Status = OutcomeFailed
	return nil
}

// runCache fetches the raw content and media for an item and marks it cached.
func (p *ItemProcessor) runCache(ctx context.Context, item *models.Item, out *Outcome) (bool, error) {
	if item.CacheComplete && !item.ForceRecache {
		out.CacheHit = true
		return true, nil
	}

	fctx, cancel := context.WithTimeout(ctx, p.cfg.Pipeline.FetchTimeout)
	defer cancel()
	fetched, err := p.ports.Fetcher.FetchItem(fctx, ports.ExternalRef{ID: item.ItemID, URL: item.SourceURL})
	if err != nil {
		return false, err
	}

	refs := make(models.StringSlice, 0, len(fetched.MediaURLs))
	for _, url := range fetched.MediaURLs {
		mctx, mcancel := context.WithTimeout(ctx, p.cfg.Pipeline.MediaTimeout)
		local, err := p.ports.Media.Download(mctx, url)
		mcancel()
		if err != nil {
			return false, err
		}
		refs = append(refs, local)
	}

	fullText := fetched.FullText
	if fullText == "" {
		var parts []string
		for _, seg := range fetched.ThreadSegments {
			parts = append(parts, seg.Text)
		}
		fullText = strings.Join(parts, "\n\n")
	}

	now := time.Now().UTC()
	pNow := &now
	isThread := fetched.IsThread
	segments := fetched.ThreadSegments
	raw := models.RawJSON(fetched.RawPayload)
	flag := true
	noRecache := false

	patch := &store.ItemPatch{}
	patch.IsThread = &isThread
	patch.ThreadSegments = &segments
	patch.MediaRefs = &refs
	patch.FullText = &fullText
	patch.RawPayload = &raw
	patch.URLsExpanded = &flag
	patch.CacheComplete = &flag
	patch.CachedAt = &pNow
	patch.CacheSucceededThisRun = &flag
	patch.ForceRecache = &noRecache
	if fetched.SourceURL != "" {
		patch.SourceURL = &fetched.SourceURL
	}
	if err := p.stores.Items.Update(ctx, item.ItemID, *patch); err != nil {
		return false, fmt.Errorf("failed to persist cached content: %w", err)
	}
	return false, nil
}

// runMedia describes every image via the vision port. Videos are skipped.
func (p *ItemProcessor) runMedia(ctx context.Context, item *models.Item, out *Outcome) (bool, error) {
	if item.MediaProcessed {
		return true, nil
	}

	descs := make(models.StringSlice, 0, len(item.MediaRefs))
	for _, ref := range item.MediaRefs {
		if !isImagePath(ref) {
			continue
		}
		vctx, cancel := context.WithTimeout(ctx, p.cfg.Pipeline.MediaTimeout)
		desc, err := p.ports.Vision.DescribeImage(vctx, ref)
		cancel()
		if err != nil {
			return false, err
		}
		descs = append(descs, desc)
		out.ImagesDescribed++
	}

	flag := true
	patch := &store.ItemPatch{}
	patch.ImageDescriptions = &descs
	patch.MediaProcessed = &flag
	patch.MediaSucceededThisRun = &flag
	if err := p.stores.Items.Update(ctx, item.ItemID, *patch); err != nil {
		return false, fmt.Errorf("failed to persist image descriptions: %w", err)
	}
	return false, nil
}

// runLLM categorizes the item and registers its category pair.
func (p *ItemProcessor) runLLM(ctx context.Context, item *models.Item, out *Outcome) (bool, error) {
	if item.CategoriesProcessed {
		return true, nil
	}

	lctx, cancel := context.WithTimeout(ctx, p.cfg.Pipeline.LLMTimeout)
	defer cancel()
	cat, err := p.ports.LLM.Categorize(lctx, item.FullText, item.ImageDescriptions)
	if err != nil {
		return false, err
	}

	main := normalizeSlug(cat.Main)
	sub := normalizeSlug(cat.Sub)
	name := normalizeSlug(cat.Name)
	if main == "" || sub == "" || name == "" {
		return false, ports.Validation("llm.categorize",
			fmt.Errorf("incomplete categorization: main=%q sub=%q name=%q", cat.Main, cat.Sub, cat.Name))
	}

	if _, err := p.stores.Categories.InsertIfMissing(ctx, main, sub); err != nil {
		return false, fmt.Errorf("failed to register category: %w", err)
	}

	attempts := item.RecategorizationAttempt
	if item.MainCategory != nil {
		attempts++
	}

	flag := true
	pMain, pSub, pName := &main, &sub, &name
	raw := models.RawJSON(cat.Raw)
	patch := &store.ItemPatch{}
	patch.MainCategory = &pMain
	patch.SubCategory = &pSub
	patch.ItemNameSuggestion = &pName
	patch.CategoriesRaw = &raw
	patch.RecategorizationAttempt = &attempts
	patch.KBDescription = &cat.Description
	patch.CategoriesProcessed = &flag
	patch.LLMSucceededThisRun = &flag
	if err := p.stores.Items.Update(ctx, item.ItemID, *patch); err != nil {
		return false, fmt.Errorf("failed to persist categorization: %w", err)
	}
	return false, nil
}

// runKBItem renders and writes the per-item README plus media siblings.
func (p *ItemProcessor) runKBItem(ctx context.Context, item *models.Item, out *Outcome) (bool, error) {
	if item.KBItemCreated && item.KBItemWritten {
		return true, nil
	}

	main, sub := item.CategoryPair()
	if main == "" || sub == "" || item.ItemNameSuggestion == nil {
		return false, ports.Validation("render.item",
			fmt.Errorf("item %s has no categorization to render", item.ItemID))
	}
	name := *item.ItemNameSuggestion

	markdown, err := p.ports.Renderer.RenderItem(item)
	if err != nil {
		return false, err
	}
	if !strings.Contains(markdown, item.ItemID) {
		return false, ports.Validation("render.item",
			fmt.Errorf("rendered item does not reference %s", item.ItemID))
	}

	rel := filepath.Join(main, sub, name, "README.md")
	abs := filepath.Join(p.kbRoot, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return false, ports.Transient("kb.write", err)
	}
	if err := os.WriteFile(abs, []byte(markdown), 0o644); err != nil {
		return false, ports.Transient("kb.write", err)
	}

	mediaPaths := make(models.StringSlice, 0, len(item.MediaRefs))
	for _, ref := range item.MediaRefs {
		base := filepath.Base(ref)
		if err := copyFile(ref, filepath.Join(filepath.Dir(abs), base)); err != nil {
			return false, ports.Transient("kb.write", err)
		}
		mediaPaths = append(mediaPaths, filepath.Join(main, sub, name, base))
	}

	now := time.Now().UTC()
	pNow := &now
	flag := true
	display := displayTitle(name)
	patch := &store.ItemPatch{}
	patch.KBContent = &markdown
	patch.KBFilePath = &rel
	patch.KBMediaPaths = &mediaPaths
	patch.KBTitle = &name
	patch.KBDisplayTitle = &display
	patch.KBItemCreated = &flag
	patch.KBItemWritten = &flag
	patch.KBGeneratedAt = &pNow
	patch.KBSucceededThisRun = &flag
	if err := p.stores.Items.Update(ctx, item.ItemID, *patch); err != nil {
		return false, fmt.Errorf("failed to persist kb artifact: %w", err)
	}
	return false, nil
}

// runDBSync finalizes the item: processing_complete is set only when every
// prior flag holds, and the queue row mirrors it.
func (p *ItemProcessor) runDBSync(ctx context.Context, item *models.Item, out *Outcome) (bool, error) {
	if item.DBSynced && item.ProcessingComplete {
		return true, nil
	}

	complete := item.CacheComplete && item.MediaProcessed &&
		item.CategoriesProcessed && item.KBItemCreated && item.KBItemWritten

	now := time.Now().UTC()
	pNow := &now
	flag := true
	var noFC *models.FailureClass
	var noRetry *time.Time

	patch := &store.ItemPatch{}
	patch.DBSynced = &flag
	patch.ProcessingComplete = &complete
	patch.FailureClass = &noFC
	patch.NextRetryAfter = &noRetry
	if complete {
		patch.ProcessedAt = &pNow
	}
	if err := p.stores.Items.Update(ctx, item.ItemID, *patch); err != nil {
		return false, fmt.Errorf("failed to finalize item: %w", err)
	}

	status := models.QueueStatusProcessed
	if !complete {
		status = models.QueueStatusUnprocessed
	}
	if err := p.stores.Queue.UpdateStatus(ctx, item.ItemID, status, models.SubPhaseDBSync, "", false); err != nil {
		return false, fmt.Errorf("failed to finalize queue row: %w", err)
	}
	return false, nil
}

func (p *ItemProcessor) emitSubPhase(ctx context.Context, taskID, itemID, phase, kind, message string, cause error) {
	evt := events.PhaseEvent{
		TaskID:  taskID,
		PhaseID: phase,
		Kind:    kind,
		Message: message,
	}
	if evt.Message == "" {
		evt.Message = "item " + itemID
	}
	if cause != nil {
		evt.ErrorType = string(ports.KindOf(cause))
		evt.ErrorMessage = cause.Error()
	}
	_ = p.emitter.EmitPhase(ctx, evt)
}


var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
}

func isImagePath(p string) bool {
	return imageExtensions[strings.ToLower(path.Ext(p))]
}

// normalizeSlug lowercases and collapses a label to [a-z0-9_].
func normalizeSlug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.Trim(b.String(), "_")
}

// displayTitle turns a slug into a human-readable title.
func displayTitle(slug string) string {
	words := strings.Split(slug, "_")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
