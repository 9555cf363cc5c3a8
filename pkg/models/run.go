package models

// RunMode selects which portions of the pipeline a run executes.
type RunMode string

// Run modes.
const (
	RunModeFull      RunMode = "full"
	RunModePhaseOnly RunMode = "phase_only"
	RunModeReprocess RunMode = "reprocess"
)

// Phase names, in execution order.
const (
	PhaseUserInputParsing    = "user_input_parsing"
	PhaseFetchBookmarks      = "fetch_bookmarks"
	PhaseContentProcessing   = "content_processing"
	PhaseSynthesisGeneration = "synthesis_generation"
	PhaseEmbeddingGeneration = "embedding_generation"
	PhaseReadmeGeneration    = "readme_generation"
	PhaseGitSync             = "git_sync"
)

// Content sub-phase names, executed per item inside content_processing.
const (
	SubPhaseCache  = "cp_cache"
	SubPhaseMedia  = "cp_media"
	SubPhaseLLM    = "cp_llm"
	SubPhaseKBItem = "cp_kb_item"
	SubPhaseDBSync = "cp_db_sync"
)

// MainPhases lists the orchestrator's main phases in order.
func MainPhases() []string {
	return []string{
		PhaseUserInputParsing,
		PhaseFetchBookmarks,
		PhaseContentProcessing,
		PhaseSynthesisGeneration,
		PhaseEmbeddingGeneration,
		PhaseReadmeGeneration,
		PhaseGitSync,
	}
}

// RunDescriptor is the operator-facing request that starts a run.
type RunDescriptor struct {
	RunMode       RunMode        `json:"run_mode"`
	EnabledPhases []string       `json:"enabled_phases,omitempty"`
	Preferences   RunPreferences `json:"preferences"`
}

// RunPreferences carries per-run operator toggles.
type RunPreferences struct {
	ForceReprocessPipeline bool   `json:"force_reprocess_pipeline"`
	ForceRecache           bool   `json:"force_recache"`
	RequestedBy            string `json:"requested_by,omitempty"`
	SynthesisMinItems      int    `json:"synthesis_min_items,omitempty"`
	RegenerateEmbeddings   bool   `json:"regenerate_embeddings,omitempty"`
}

// PhaseEnabled reports whether a phase should execute under this descriptor.
// An empty EnabledPhases list enables everything.
func (d *RunDescriptor) PhaseEnabled(phase string) bool {
	if len(d.EnabledPhases) == 0 {
		return true
	}
	for _, p := range d.EnabledPhases {
		if p == phase {
			return true
		}
	}
	return false
}
