package config

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"text/template"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// configFileName is the primary configuration file inside configDir.
const configFileName = "kbforge.yaml"

// Initialize loads, validates, and returns ready-to-use configuration.
//
// Steps performed:
//  1. Load kbforge.yaml from configDir (missing file → pure defaults)
//  2. Expand environment variables ({{.VAR}} template syntax)
//  3. Parse YAML into sections
//  4. Merge user-provided sections over the built-in defaults
//  5. Validate the result
func Initialize(_ context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := applyDefaults(cfg); err != nil {
		return nil, fmt.Errorf("failed to merge configuration defaults: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	log.Info("Configuration initialized",
		"driver", cfg.Database.Driver,
		"workers", cfg.Queue.WorkerCount,
		"kb_dir", cfg.KnowledgeBase.Dir)
	return cfg, nil
}

func load(configDir string) (*Config, error) {
	cfg := &Config{configDir: configDir}

	path := filepath.Join(configDir, configFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("No configuration file found, using defaults", "path", path)
			return cfg, nil
		}
		return nil, NewLoadError(configFileName, err)
	}

	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, NewLoadError(configFileName, err)
	}
	cfg.configDir = configDir
	return cfg, nil
}

// ExpandEnv expands environment variables in YAML content using Go templates
// with {{.VAR_NAME}} syntax, so literal $ in values (regexes, passwords) is
// preserved. Missing variables expand to the empty string.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	envMap := make(map[string]string)
	for _, env := range os.Environ() {
		if idx := bytes.IndexByte([]byte(env), '='); idx > 0 {
			envMap[env[:idx]] = env[idx+1:]
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, envMap); err != nil {
		return data
	}
	return buf.Bytes()
}

// applyDefaults merges each user-provided section into the built-in defaults;
// non-zero user values override.
func applyDefaults(cfg *Config) error {
	database := DefaultDatabaseConfig()
	if cfg.Database != nil {
		if err := mergo.Merge(database, cfg.Database, mergo.WithOverride); err != nil {
			return fmt.Errorf("failed to merge database config: %w", err)
		}
	}
	cfg.Database = database

	queue := DefaultQueueConfig()
	if cfg.Queue != nil {
		if err := mergo.Merge(queue, cfg.Queue, mergo.WithOverride); err != nil {
			return fmt.Errorf("failed to merge queue config: %w", err)
		}
	}
	cfg.Queue = queue

	pipeline := DefaultPipelineConfig()
	if cfg.Pipeline != nil {
		if err := mergo.Merge(pipeline, cfg.Pipeline, mergo.WithOverride); err != nil {
			return fmt.Errorf("failed to merge pipeline config: %w", err)
		}
	}
	cfg.Pipeline = pipeline

	events := DefaultEventsConfig()
	if cfg.Events != nil {
		if err := mergo.Merge(events, cfg.Events, mergo.WithOverride); err != nil {
			return fmt.Errorf("failed to merge events config: %w", err)
		}
	}
	cfg.Events = events

	kb := DefaultKnowledgeBaseConfig()
	if cfg.KnowledgeBase != nil {
		if err := mergo.Merge(kb, cfg.KnowledgeBase, mergo.WithOverride); err != nil {
			return fmt.Errorf("failed to merge knowledge_base config: %w", err)
		}
	}
	cfg.KnowledgeBase = kb

	llm := DefaultLLMConfig()
	if cfg.LLM != nil {
		if err := mergo.Merge(llm, cfg.LLM, mergo.WithOverride); err != nil {
			return fmt.Errorf("failed to merge llm config: %w", err)
		}
	}
	cfg.LLM = llm

	vector := DefaultVectorConfig()
	if cfg.Vector != nil {
		if err := mergo.Merge(vector, cfg.Vector, mergo.WithOverride); err != nil {
			return fmt.Errorf("failed to merge vector config: %w", err)
		}
	}
	cfg.Vector = vector

	return nil
}
