// Package config holds process-wide docsense configuration, loaded from
// YAML with environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all docsense configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Storage
	Store StoreConfig `yaml:"store"`

	// External collaborators
	Parser    ParserConfig    `yaml:"parser"`
	LLM       LLMConfig       `yaml:"llm"`
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Pipeline thresholds and sizing
	Matching  MatchingConfig  `yaml:"matching"`
	Audit     AuditConfig     `yaml:"audit"`
	Query     QueryConfig     `yaml:"query"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Retrieval RetrievalConfig `yaml:"retrieval"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// StoreConfig configures the SQLite store.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path"`
	FileRoot     string `yaml:"file_root"` // where uploaded bytes land, organized by template folder
}

// ParserConfig configures the external parser service.
type ParserConfig struct {
	BaseURL  string `yaml:"base_url"`
	APIKey   string `yaml:"api_key"`
	Deadline string `yaml:"deadline"` // per-call deadline, duration string
}

// LLMConfig configures the LLM completion client.
type LLMConfig struct {
	Provider     string `yaml:"provider"` // anthropic, openai
	APIKey       string `yaml:"api_key"`
	Model        string `yaml:"model"`
	BaseURL      string `yaml:"base_url"`
	Timeout      string `yaml:"timeout"`
	CacheTTL     string `yaml:"cache_ttl"`
	CacheEntries int    `yaml:"cache_entries"`
}

// EmbeddingConfig configures the embedder. Semantic indexing is optional
// and off unless Enabled is set.
type EmbeddingConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Provider   string `yaml:"provider"` // genai
	APIKey     string `yaml:"api_key"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
}

// MatchingConfig holds the template matcher thresholds.
type MatchingConfig struct {
	FastMatchThreshold float64 `yaml:"fast_match_threshold"`
	CreateNewThreshold float64 `yaml:"create_new_threshold"`
	EnableLLMFallback  bool    `yaml:"enable_llm_fallback"`
}

// AuditConfig holds the review thresholds shared by extractor, validator,
// and citation tracker.
type AuditConfig struct {
	ReviewThreshold float64 `yaml:"review_threshold"`
	HighConfidence  float64 `yaml:"high_confidence"`
}

// QueryConfig holds planner thresholds.
type QueryConfig struct {
	FastPathThreshold float64 `yaml:"fast_path_threshold"`
	MaxExpansions     int     `yaml:"max_expansions"`
	Deadline          string  `yaml:"deadline"`
	CacheTTL          string  `yaml:"cache_ttl"`
	CacheEntries      int     `yaml:"cache_entries"`
}

// PipelineConfig sizes the ingestion worker pool and per-step deadlines.
type PipelineConfig struct {
	WorkerPoolSize  int    `yaml:"worker_pool_size"`
	ParseDeadline   string `yaml:"parse_deadline"`
	ExtractDeadline string `yaml:"extract_deadline"`
}

// RetrievalConfig holds ranking parameters.
type RetrievalConfig struct {
	WeightA              int     `yaml:"weight_a"` // filename, identifiers
	WeightB              int     `yaml:"weight_b"` // primary template fields
	WeightC              int     `yaml:"weight_c"` // body text
	TopK                 int     `yaml:"top_k"`
	AnswerK              int     `yaml:"answer_k"`
	RRFK                 int     `yaml:"rrf_k"`
	RRFAlpha             float64 `yaml:"rrf_alpha"`
	TrigramThreshold     float64 `yaml:"trigram_threshold"`
	EnableSemanticRerank bool    `yaml:"enable_semantic_rerank"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Verbose            bool     `yaml:"verbose"`
	DisabledCategories []string `yaml:"disabled_categories"`
}

// DefaultConfig returns the default configuration with the documented
// threshold defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "docsense",
		Version: "0.9.0",

		Store: StoreConfig{
			DatabasePath: "data/docsense.db",
			FileRoot:     "data/files",
		},

		Parser: ParserConfig{
			BaseURL:  "http://localhost:8090",
			Deadline: "60s",
		},

		LLM: LLMConfig{
			Provider:     "anthropic",
			Model:        "claude-sonnet-4-20250514",
			BaseURL:      "https://api.anthropic.com/v1",
			Timeout:      "120s",
			CacheTTL:     "300s",
			CacheEntries: 256,
		},

		Embedding: EmbeddingConfig{
			Enabled:    false,
			Provider:   "genai",
			Model:      "gemini-embedding-001",
			Dimensions: 768,
		},

		Matching: MatchingConfig{
			FastMatchThreshold: 0.70,
			CreateNewThreshold: 0.60,
			EnableLLMFallback:  true,
		},

		Audit: AuditConfig{
			ReviewThreshold: 0.60,
			HighConfidence:  0.85,
		},

		Query: QueryConfig{
			FastPathThreshold: 0.70,
			MaxExpansions:     3,
			Deadline:          "5s",
			CacheTTL:          "300s",
			CacheEntries:      512,
		},

		Pipeline: PipelineConfig{
			WorkerPoolSize:  8,
			ParseDeadline:   "60s",
			ExtractDeadline: "60s",
		},

		Retrieval: RetrievalConfig{
			WeightA:              3,
			WeightB:              2,
			WeightC:              1,
			TopK:                 50,
			AnswerK:              10,
			RRFK:                 60,
			RRFAlpha:             0.5,
			TrigramThreshold:     0.3,
			EnableSemanticRerank: false,
		},

		Logging: LoggingConfig{
			Verbose: false,
		},
	}
}

// Load loads configuration from a YAML file, falling back to defaults when
// the file does not exist.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		c.LLM.APIKey = key
		c.LLM.Provider = "anthropic"
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && c.LLM.APIKey == "" {
		c.LLM.APIKey = key
		c.LLM.Provider = "openai"
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Embedding.APIKey = key
	}
	if key := os.Getenv("DOCSENSE_PARSER_KEY"); key != "" {
		c.Parser.APIKey = key
	}
	if url := os.Getenv("DOCSENSE_PARSER_URL"); url != "" {
		c.Parser.BaseURL = url
	}
	if path := os.Getenv("DOCSENSE_DB"); path != "" {
		c.Store.DatabasePath = path
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Matching.FastMatchThreshold < 0 || c.Matching.FastMatchThreshold > 1 {
		return fmt.Errorf("fast_match_threshold out of range: %v", c.Matching.FastMatchThreshold)
	}
	if c.Audit.ReviewThreshold < 0 || c.Audit.ReviewThreshold > 1 {
		return fmt.Errorf("review_threshold out of range: %v", c.Audit.ReviewThreshold)
	}
	if c.Audit.HighConfidence < c.Audit.ReviewThreshold {
		return fmt.Errorf("high_confidence (%v) below review_threshold (%v)", c.Audit.HighConfidence, c.Audit.ReviewThreshold)
	}
	if c.Pipeline.WorkerPoolSize <= 0 {
		return fmt.Errorf("worker_pool_size must be positive: %d", c.Pipeline.WorkerPoolSize)
	}
	if c.Retrieval.TopK <= 0 || c.Retrieval.AnswerK <= 0 {
		return fmt.Errorf("top_k and answer_k must be positive")
	}
	if c.Matching.EnableLLMFallback && c.LLM.APIKey == "" {
		return fmt.Errorf("LLM fallback enabled but no API key configured (set ANTHROPIC_API_KEY or OPENAI_API_KEY)")
	}
	return nil
}

func duration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// GetParseDeadline returns the per-file parse deadline.
func (c *Config) GetParseDeadline() time.Duration {
	return duration(c.Pipeline.ParseDeadline, 60*time.Second)
}

// GetExtractDeadline returns the per-file extraction deadline.
func (c *Config) GetExtractDeadline() time.Duration {
	return duration(c.Pipeline.ExtractDeadline, 60*time.Second)
}

// GetQueryDeadline returns the per-query deadline.
func (c *Config) GetQueryDeadline() time.Duration {
	return duration(c.Query.Deadline, 5*time.Second)
}

// GetQueryCacheTTL returns the query cache TTL.
func (c *Config) GetQueryCacheTTL() time.Duration {
	return duration(c.Query.CacheTTL, 5*time.Minute)
}

// GetLLMTimeout returns the LLM call timeout.
func (c *Config) GetLLMTimeout() time.Duration {
	return duration(c.LLM.Timeout, 120*time.Second)
}

// GetLLMCacheTTL returns the prompt cache TTL.
func (c *Config) GetLLMCacheTTL() time.Duration {
	return duration(c.LLM.CacheTTL, 5*time.Minute)
}
