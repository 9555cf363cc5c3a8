// Package pipeline implements the phase orchestrator: a run sweeps the main
// phases in a fixed order, and each queued item progresses through the five
// content sub-phases. Per-item failures are classified, retried with backoff,
// and never stop the run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kbforge/kbforge/pkg/config"
	"github.com/kbforge/kbforge/pkg/events"
	"github.com/kbforge/kbforge/pkg/models"
	"github.com/kbforge/kbforge/pkg/ports"
	"github.com/kbforge/kbforge/pkg/store"
)

// ErrRunInProgress is returned when a run is requested while another is active.
var ErrRunInProgress = errors.New("a pipeline run is already in progress")

// ErrUnknownTask is returned when cancelling a task id that is not running.
var ErrUnknownTask = errors.New("unknown task id")

// Stores bundles the persistence layers a run mutates.
type Stores struct {
	Items      *store.ItemStore
	Queue      *store.QueueStore
	Categories *store.CategoryStore
	Stats      *store.StatsStore
}

// Ports bundles the capability ports a run calls.
type Ports struct {
	Fetcher   ports.Fetcher
	Media     ports.MediaStore
	Vision    ports.Vision
	LLM       ports.LLM
	Embedder  ports.Embedder
	Vector    ports.VectorIndex
	Renderer  ports.Renderer
	Publisher ports.Publisher
}

// Context carries everything a phase operation needs. It is built once per
// run and threaded through every phase.
type Context struct {
	RunID      string
	TaskID     string
	Descriptor models.RunDescriptor

	Stores  Stores
	Ports   Ports
	Emitter *events.Emitter
	Logger  *slog.Logger

	// Now is the run's clock; tests may substitute it.
	Now func() time.Time
}

// PhaseResult is the outcome of one main phase.
type PhaseResult struct {
	Processed int
	Errored   int
	Skipped   int
	Duration  time.Duration

	// ItemErrors maps item_id to the error that stopped it this phase.
	ItemErrors map[string]string

	// Counters feeding run statistics.
	CacheHits      int
	CacheMisses    int
	MediaProcessed int
	NetworkErrors  int
	Retries        int
}

// RunSummary is the final accounting of a run.
type RunSummary struct {
	RunID     string    `json:"run_id"`
	TaskID    string    `json:"task_id"`
	Processed int       `json:"processed"`
	Success   int       `json:"success"`
	Errored   int       `json:"error"`
	Skipped   int       `json:"skipped"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Failed    bool      `json:"failed"`
}

// Orchestrator drives pipeline runs. One run is active at a time; the queue
// worker pool handles continuous background processing independently.
type Orchestrator struct {
	cfg       *config.Config
	stores    Stores
	ports     Ports
	emitter   *events.Emitter
	processor *ItemProcessor
	logger    *slog.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
	active  bool
}

// NewOrchestrator creates an orchestrator. The processor is shared with the
// queue worker pool so both paths run identical sub-phase logic.
func NewOrchestrator(cfg *config.Config, stores Stores, pts Ports, emitter *events.Emitter, processor *ItemProcessor, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		stores:    stores,
		ports:     pts,
		emitter:   emitter,
		processor: processor,
		logger:    logger.With("component", "orchestrator"),
		running:   make(map[string]context.CancelFunc),
	}
}

// StartRun launches a run in the background and returns its task id for
// event correlation. Only one run may be active per process.
func (o *Orchestrator) StartRun(descriptor models.RunDescriptor) (string, error) {
	o.mu.Lock()
	if o.active {
		o.mu.Unlock()
		return "", ErrRunInProgress
	}
	taskID := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	o.active = true
	o.running[taskID] = cancel
	o.mu.Unlock()

	go func() {
		defer func() {
			o.mu.Lock()
			delete(o.running, taskID)
			o.active = false
			o.mu.Unlock()
			cancel()
		}()
		o.Run(ctx, taskID, descriptor)
	}()

	return taskID, nil
}

// Cancel signals a running task to stop. Workers abandon the current
// sub-phase at the next suspension point; abandoned items are returned to
// the queue by orphan recovery.
func (o *Orchestrator) Cancel(taskID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	cancel, ok := o.running[taskID]
	if !ok {
		return ErrUnknownTask
	}
	cancel()
	return nil
}

// ActiveTask returns the running task id, empty when idle.
func (o *Orchestrator) ActiveTask() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	for id := range o.running {
		return id
	}
	return ""
}

type phaseFunc func(ctx context.Context, rc *Context) (*PhaseResult, error)

// Run executes one full sweep of the main phases. Blocks until the run
// finishes or the context is cancelled.
func (o *Orchestrator) Run(ctx context.Context, taskID string, descriptor models.RunDescriptor) *RunSummary {
	runID := uuid.NewString()
	rc := &Context{
		RunID:      runID,
		TaskID:     taskID,
		Descriptor: descriptor,
		Stores:     o.stores,
		Ports:      o.ports,
		Emitter:    o.emitter,
		Logger:     o.logger.With("run_id", runID, "task_id", taskID),
		Now:        func() time.Time { return time.Now().UTC() },
	}

	summary := &RunSummary{RunID: runID, TaskID: taskID, StartTime: rc.Now()}
	stats := &models.RunStats{RunID: runID, StartTime: summary.StartTime}

	rc.Logger.Info("pipeline run starting", "run_mode", descriptor.RunMode)
	o.emitStatus(ctx, rc, true, "run starting", "")

	if err := o.stores.Items.ResetRunFlags(ctx); err != nil {
		rc.Logger.Error("failed to reset run flags", "error", err)
		summary.Failed = true
		o.finishRun(ctx, rc, summary, stats)
		return summary
	}

	phases := []struct {
		name string
		fn   phaseFunc
	}{
		{models.PhaseUserInputParsing, o.runUserInputParsing},
		{models.PhaseFetchBookmarks, o.runFetchBookmarks},
		{models.PhaseContentProcessing, o.runContentProcessing},
		{models.PhaseSynthesisGeneration, o.runSynthesisGeneration},
		{models.PhaseEmbeddingGeneration, o.runEmbeddingGeneration},
		{models.PhaseReadmeGeneration, o.runReadmeGeneration},
		{models.PhaseGitSync, o.runGitSync},
	}

	for _, phase := range phases {
		if ctx.Err() != nil {
			rc.Logger.Info("run cancelled", "at_phase", phase.name)
			summary.Failed = true
			break
		}
		if !descriptor.PhaseEnabled(phase.name) {
			rc.Logger.Debug("phase disabled by descriptor", "phase", phase.name)
			summary.Skipped++
			continue
		}

		result, err := o.runPhase(ctx, rc, phase.name, phase.fn)
		if result != nil {
			summary.Processed += result.Processed
			summary.Success += result.Processed - result.Errored
			summary.Errored += result.Errored
			summary.Skipped += result.Skipped
			accumulateStats(stats, result)
		}
		if err != nil {
			// Fatal errors abort the run; phase-level errors were already
			// accounted and the run continues.
			if ports.KindOf(err) == ports.KindFatal {
				rc.Logger.Error("fatal phase error, aborting run",
					"phase", phase.name, "error", err)
				summary.Failed = true
				break
			}
		}
	}

	o.finishRun(ctx, rc, summary, stats)
	return summary
}

// runPhase wraps one phase with lifecycle events and statistics.
func (o *Orchestrator) runPhase(ctx context.Context, rc *Context, name string, fn phaseFunc) (*PhaseResult, error) {
	started := rc.Now()
	o.emitStatus(ctx, rc, true, "running "+name, name)
	_ = rc.Emitter.EmitPhase(ctx, events.PhaseEvent{
		TaskID:  rc.TaskID,
		PhaseID: name,
		Kind:    events.PhaseKindStart,
		Status:  "running",
		Message: "phase started",
	})

	result, err := fn(ctx, rc)
	if result == nil {
		result = &PhaseResult{}
	}
	result.Duration = rc.Now().Sub(started)

	if err != nil {
		_ = rc.Emitter.EmitPhase(ctx, events.PhaseEvent{
			TaskID:          rc.TaskID,
			PhaseID:         name,
			Kind:            events.PhaseKindError,
			Status:          "error",
			Message:         "phase failed",
			ErrorType:       string(ports.KindOf(err)),
			ErrorMessage:    err.Error(),
			DurationSeconds: result.Duration.Seconds(),
		})
		rc.Logger.Error("phase failed", "phase", name, "error", err)
	} else {
		processed := result.Processed
		errored := result.Errored
		_ = rc.Emitter.EmitPhase(ctx, events.PhaseEvent{
			TaskID:          rc.TaskID,
			PhaseID:         name,
			Kind:            events.PhaseKindComplete,
			Status:          "completed",
			Message:         fmt.Sprintf("phase completed: %d processed, %d errored, %d skipped", processed, errored, result.Skipped),
			ProcessedCount:  &processed,
			ErrorCount:      &errored,
			DurationSeconds: result.Duration.Seconds(),
		})
		rc.Logger.Info("phase completed", "phase", name,
			"processed", result.Processed, "errored", result.Errored,
			"skipped", result.Skipped, "duration", result.Duration)
	}

	o.recordPhaseStats(ctx, rc, name, result)
	return result, err
}

func (o *Orchestrator) recordPhaseStats(ctx context.Context, rc *Context, phase string, result *PhaseResult) {
	avg := 0.0
	if result.Processed > 0 {
		avg = result.Duration.Seconds() / float64(result.Processed)
	}
	stat := &models.PhaseStat{
		RunID:              rc.RunID,
		Phase:              phase,
		MetricName:         "items_processed",
		MetricValue:        float64(result.Processed),
		Unit:               "items",
		TotalItems:         result.Processed + result.Errored + result.Skipped,
		TotalDurationSecs:  result.Duration.Seconds(),
		AvgTimePerItemSecs: avg,
	}
	if err := o.stores.Stats.AppendPhaseStat(ctx, stat); err != nil {
		rc.Logger.Warn("failed to record phase stats", "phase", phase, "error", err)
	}
}

func (o *Orchestrator) finishRun(ctx context.Context, rc *Context, summary *RunSummary, stats *models.RunStats) {
	summary.EndTime = rc.Now()

	stats.Processed = summary.Processed
	stats.Success = summary.Success
	stats.Errors = summary.Errored
	stats.Skipped = summary.Skipped
	end := summary.EndTime
	stats.EndTime = &end
	if err := o.stores.Stats.WriteRunStats(ctx, stats); err != nil {
		rc.Logger.Warn("failed to write run stats", "error", err)
	}

	message := "run completed"
	if summary.Failed {
		message = "run failed"
	}
	o.emitStatus(ctx, rc, false, message, "")
	rc.Logger.Info("pipeline run finished",
		"processed", summary.Processed, "success", summary.Success,
		"errored", summary.Errored, "skipped", summary.Skipped,
		"failed", summary.Failed, "duration", summary.EndTime.Sub(summary.StartTime))
}

func (o *Orchestrator) emitStatus(ctx context.Context, rc *Context, running bool, message, phase string) {
	_ = rc.Emitter.EmitStatus(ctx, events.StatusEvent{
		TaskID:              rc.TaskID,
		IsRunning:           running,
		CurrentPhaseMessage: message,
		CurrentPhase:        phase,
		StartedAt:           rc.Now().Format(time.RFC3339Nano),
	})
}

func accumulateStats(stats *models.RunStats, result *PhaseResult) {
	stats.CacheHits += result.CacheHits
	stats.CacheMisses += result.CacheMisses
	stats.MediaProcessed += result.MediaProcessed
	stats.NetworkErrors += result.NetworkErrors
	stats.RetryCount += result.Retries
}
