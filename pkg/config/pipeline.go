package config

import "time"

// PipelineConfig controls orchestrator retry policy and port timeouts.
type PipelineConfig struct {
	// RetryBaseBackoff is the first retry delay; doubles per attempt.
	RetryBaseBackoff time.Duration `yaml:"retry_base_backoff"`

	// RetryMaxBackoff caps the exponential backoff.
	RetryMaxBackoff time.Duration `yaml:"retry_max_backoff"`

	// RetryMaxAttempts is the give-up threshold for transient failures.
	RetryMaxAttempts int `yaml:"retry_max_attempts"`

	// SynthesisMinItems is the minimum items per (main, sub) pair before a
	// synthesis document is produced.
	SynthesisMinItems int `yaml:"synthesis_min_items"`

	// Per-port call timeouts. A timeout classifies as a transient error.
	FetchTimeout     time.Duration `yaml:"fetch_timeout"`
	MediaTimeout     time.Duration `yaml:"media_timeout"`
	LLMTimeout       time.Duration `yaml:"llm_timeout"`
	RendererTimeout  time.Duration `yaml:"renderer_timeout"`
	PublisherTimeout time.Duration `yaml:"publisher_timeout"`
}

// DefaultPipelineConfig returns the built-in pipeline defaults.
func DefaultPipelineConfig() *PipelineConfig {
	return &PipelineConfig{
		RetryBaseBackoff:  1 * time.Second,
		RetryMaxBackoff:   60 * time.Second,
		RetryMaxAttempts:  10,
		SynthesisMinItems: 3,
		FetchTimeout:      180 * time.Second,
		MediaTimeout:      120 * time.Second,
		LLMTimeout:        300 * time.Second,
		RendererTimeout:   60 * time.Second,
		PublisherTimeout:  120 * time.Second,
	}
}
