// Package config loads, validates, and exposes kbforge configuration.
package config

// Config is the umbrella configuration object returned by Initialize()
// and threaded through the application.
type Config struct {
	configDir string

	Database      *DatabaseConfig      `yaml:"database"`
	Queue         *QueueConfig         `yaml:"queue"`
	Pipeline      *PipelineConfig      `yaml:"pipeline"`
	Events        *EventsConfig        `yaml:"events"`
	KnowledgeBase *KnowledgeBaseConfig `yaml:"knowledge_base"`
	LLM           *LLMConfig           `yaml:"llm"`
	Vector        *VectorConfig        `yaml:"vector"`
}

// ConfigDir returns the configuration directory path.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// LLMConfig selects the LLM provider used by the categorization and
// synthesis ports.
type LLMConfig struct {
	// Model is the model identifier passed to the provider.
	Model string `yaml:"model"`

	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `yaml:"api_key_env"`

	// MaxConcurrentRequests bounds in-flight LLM calls per model.
	MaxConcurrentRequests int `yaml:"max_concurrent_requests"`

	// MaxTokens caps the completion size per request.
	MaxTokens int `yaml:"max_tokens"`
}

// VectorConfig configures the Qdrant-backed embedding store.
type VectorConfig struct {
	// Enabled toggles the embedding_generation phase.
	Enabled bool `yaml:"enabled"`

	// Addr is the Qdrant gRPC address.
	Addr string `yaml:"addr"`

	// Collection is the vector collection name.
	Collection string `yaml:"collection"`

	// Dimensions is the embedding vector size.
	Dimensions int `yaml:"dimensions"`
}

// KnowledgeBaseConfig locates the generated artifact tree.
type KnowledgeBaseConfig struct {
	// Dir is the knowledge-base root; items render to
	// <dir>/<main>/<sub>/<item>/README.md.
	Dir string `yaml:"dir"`

	// MediaCacheDir is the content-addressed media download cache.
	MediaCacheDir string `yaml:"media_cache_dir"`

	// InboxDir is the bookmark drop directory scanned by the fetcher: one
	// JSON document per bookmarked item.
	InboxDir string `yaml:"inbox_dir"`

	// GitPush pushes after each git_sync commit when true. Commits are made
	// regardless as long as Dir is a git work tree.
	GitPush bool `yaml:"git_push"`

	// GitRemote and GitBranch select the push target.
	GitRemote string `yaml:"git_remote"`
	GitBranch string `yaml:"git_branch"`
}

// DefaultKnowledgeBaseConfig returns the built-in artifact-tree layout.
func DefaultKnowledgeBaseConfig() *KnowledgeBaseConfig {
	return &KnowledgeBaseConfig{
		Dir:           "./knowledge_base",
		MediaCacheDir: "./media_cache",
		InboxDir:      "./inbox",
		GitRemote:     "origin",
		GitBranch:     "main",
	}
}

// DefaultLLMConfig returns the built-in LLM provider settings.
func DefaultLLMConfig() *LLMConfig {
	return &LLMConfig{
		Model:                 "claude-sonnet-4-5",
		APIKeyEnv:             "ANTHROPIC_API_KEY",
		MaxConcurrentRequests: 1,
		MaxTokens:             4096,
	}
}

// DefaultVectorConfig returns the built-in Qdrant settings. Embedding
// generation stays disabled until enabled explicitly.
func DefaultVectorConfig() *VectorConfig {
	return &VectorConfig{
		Addr:       "localhost:6334",
		Collection: "kb_items",
		Dimensions: 1536,
	}
}
