package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/conveyor-ai/conveyor/pkg/llm"
)

// yamlConfig is the conveyor.yaml file structure. Durations are strings
// ("30s", "2m") parsed during resolution.
type yamlConfig struct {
	PipelineTimeout   string             `yaml:"pipeline_timeout,omitempty"`
	StepTimeout       string             `yaml:"step_timeout,omitempty"`
	LLMStepTimeout    string             `yaml:"llm_step_timeout,omitempty"`
	MaxRetries        *int               `yaml:"max_retries,omitempty"`
	RetryDelay        string             `yaml:"retry_delay,omitempty"`
	MaxToolIterations *int               `yaml:"max_tool_iterations,omitempty"`
	EventBufferSize   *int               `yaml:"event_buffer_size,omitempty"`
	MaxHistoryTokens  *int               `yaml:"max_history_tokens,omitempty"`
	KeepFirstN        *int               `yaml:"keep_first_n,omitempty"`
	Sampling          llm.SamplingParams `yaml:"sampling,omitempty"`
}

// Load reads conveyor.yaml from configDir, expands environment variables,
// merges the result over the built-in defaults, validates, and returns the
// resolved Config. A missing file yields plain defaults. A .env file next
// to the YAML is loaded first when present.
func Load(configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)

	if envPath := filepath.Join(configDir, ".env"); fileExists(envPath) {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", envPath, err)
		}
		log.Debug("Loaded environment file", "path", envPath)
	}

	cfg := Defaults()

	path := filepath.Join(configDir, "conveyor.yaml")
	if fileExists(path) {
		loaded, raw, err := loadYAML(path)
		if err != nil {
			return nil, err
		}
		if err := mergo.Merge(cfg, loaded, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge configuration: %w", err)
		}
		// Integer fields are pointers in the YAML shape so an explicit zero
		// (e.g. max_tool_iterations: 0) survives the merge.
		raw.applyInts(cfg)
	} else {
		log.Debug("No conveyor.yaml found, using built-in defaults")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized",
		"pipeline_timeout", cfg.PipelineTimeout,
		"step_timeout", cfg.StepTimeout,
		"llm_step_timeout", cfg.LLMStepTimeout,
		"max_retries", cfg.MaxRetries,
		"max_tool_iterations", cfg.MaxToolIterations)
	return cfg, nil
}

// loadYAML parses one config file into a partial Config holding only the
// fields the file sets, ready for merging over defaults.
func loadYAML(path string) (*Config, *yamlConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	data = ExpandEnv(data)

	var raw yamlConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	cfg, err := raw.resolve(path)
	if err != nil {
		return nil, nil, err
	}
	return cfg, &raw, nil
}

func (y *yamlConfig) resolve(path string) (*Config, error) {
	cfg := &Config{Sampling: y.Sampling}

	for _, f := range []struct {
		name string
		src  string
		dst  *time.Duration
	}{
		{"pipeline_timeout", y.PipelineTimeout, &cfg.PipelineTimeout},
		{"step_timeout", y.StepTimeout, &cfg.StepTimeout},
		{"llm_step_timeout", y.LLMStepTimeout, &cfg.LLMStepTimeout},
		{"retry_delay", y.RetryDelay, &cfg.RetryDelay},
	} {
		if f.src == "" {
			continue
		}
		d, err := time.ParseDuration(f.src)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid %s %q: %w", path, f.name, f.src, err)
		}
		*f.dst = d
	}

	return cfg, nil
}

// applyInts writes the pointer-typed integer fields onto cfg after the
// merge, so explicit zeros set in YAML are not mistaken for unset fields.
func (y *yamlConfig) applyInts(cfg *Config) {
	if y.MaxRetries != nil {
		cfg.MaxRetries = *y.MaxRetries
	}
	if y.MaxToolIterations != nil {
		cfg.MaxToolIterations = *y.MaxToolIterations
	}
	if y.EventBufferSize != nil {
		cfg.EventBufferSize = *y.EventBufferSize
	}
	if y.MaxHistoryTokens != nil {
		cfg.MaxHistoryTokens = *y.MaxHistoryTokens
	}
	if y.KeepFirstN != nil {
		cfg.KeepFirstN = *y.KeepFirstN
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
