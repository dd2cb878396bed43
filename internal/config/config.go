// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Generation GenerationConfig `mapstructure:"generation"`
	RAG        RAGConfig        `mapstructure:"rag"`
	Cleanup    CleanupConfig    `mapstructure:"cleanup"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// GenerationConfig governs the pipeline: model selection, revision range,
// and artifact locations.
type GenerationConfig struct {
	Model          string `mapstructure:"model"`
	OllamaURL      string `mapstructure:"ollama_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	BaseRevision   string `mapstructure:"base_revision"`
	TemplatePath   string `mapstructure:"template_path"`
	PromptPath     string `mapstructure:"prompt_path"`
	GuidancePath   string `mapstructure:"guidance_path"`
	OutputDir      string `mapstructure:"output_dir"`
}

// RAGConfig configures the analysis chunk store.
type RAGConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	DBPath       string `mapstructure:"db_path"`
	ChunkSize    int    `mapstructure:"chunk_size"`
	ChunkOverlap int    `mapstructure:"chunk_overlap"`
	TopK         int    `mapstructure:"top_k"`
}

// CleanupConfig controls the stale-client sweep.
type CleanupConfig struct {
	IntervalMinutes int  `mapstructure:"interval_minutes"`
	TTLHours        int  `mapstructure:"ttl_hours"`
	EvictBusy       bool `mapstructure:"evict_busy"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCENARIO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("generation.model", "qwen3:8b")
	v.SetDefault("generation.ollama_url", "http://localhost:11434")
	v.SetDefault("generation.timeout_seconds", 600)
	v.SetDefault("generation.base_revision", "origin/develop")
	v.SetDefault("generation.template_path", "templates/test_scenario_template.xlsx")
	v.SetDefault("generation.prompt_path", "prompts/final_prompt.txt")
	v.SetDefault("generation.guidance_path", "")
	v.SetDefault("generation.output_dir", "outputs")
	v.SetDefault("rag.enabled", true)
	v.SetDefault("rag.db_path", "vector_db/chunks.db")
	v.SetDefault("rag.chunk_size", 1000)
	v.SetDefault("rag.chunk_overlap", 200)
	v.SetDefault("rag.top_k", 3)
	v.SetDefault("cleanup.interval_minutes", 60)
	v.SetDefault("cleanup.ttl_hours", 24)
	v.SetDefault("cleanup.evict_busy", true)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Generation.Model == "" {
		return fmt.Errorf("generation.model must be set")
	}
	if c.Generation.OllamaURL == "" {
		return fmt.Errorf("generation.ollama_url must be set")
	}
	if c.Generation.TimeoutSeconds <= 0 {
		return fmt.Errorf("generation.timeout_seconds must be > 0")
	}
	if c.RAG.Enabled {
		if c.RAG.ChunkSize <= 0 {
			return fmt.Errorf("rag.chunk_size must be > 0")
		}
		if c.RAG.ChunkOverlap < 0 || c.RAG.ChunkOverlap >= c.RAG.ChunkSize {
			return fmt.Errorf("rag.chunk_overlap must be in [0, chunk_size)")
		}
	}
	if c.Cleanup.IntervalMinutes <= 0 {
		return fmt.Errorf("cleanup.interval_minutes must be > 0")
	}
	if c.Cleanup.TTLHours <= 0 {
		return fmt.Errorf("cleanup.ttl_hours must be > 0")
	}
	return nil
}

// ModelTimeout converts the generation timeout into a duration.
func (c Config) ModelTimeout() time.Duration {
	return time.Duration(c.Generation.TimeoutSeconds) * time.Second
}

// CleanupInterval converts the sweep cadence into a duration.
func (c Config) CleanupInterval() time.Duration {
	return time.Duration(c.Cleanup.IntervalMinutes) * time.Minute
}

// ClientTTL converts the eviction age into a duration.
func (c Config) ClientTTL() time.Duration {
	return time.Duration(c.Cleanup.TTLHours) * time.Hour
}
