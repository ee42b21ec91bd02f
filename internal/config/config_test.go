package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Matching.FastMatchThreshold != 0.70 {
		t.Errorf("fast_match_threshold = %v, want 0.70", cfg.Matching.FastMatchThreshold)
	}
	if cfg.Matching.CreateNewThreshold != 0.60 {
		t.Errorf("create_new_threshold = %v, want 0.60", cfg.Matching.CreateNewThreshold)
	}
	if !cfg.Matching.EnableLLMFallback {
		t.Error("llm fallback should default on")
	}
	if cfg.Audit.ReviewThreshold != 0.60 || cfg.Audit.HighConfidence != 0.85 {
		t.Errorf("audit thresholds = %+v", cfg.Audit)
	}
	if cfg.Pipeline.WorkerPoolSize != 8 {
		t.Errorf("worker_pool_size = %d, want 8", cfg.Pipeline.WorkerPoolSize)
	}
	if cfg.Retrieval.WeightA != 3 || cfg.Retrieval.WeightB != 2 || cfg.Retrieval.WeightC != 1 {
		t.Errorf("weight bands = %d/%d/%d, want 3/2/1", cfg.Retrieval.WeightA, cfg.Retrieval.WeightB, cfg.Retrieval.WeightC)
	}
	if cfg.Retrieval.RRFK != 60 || cfg.Retrieval.RRFAlpha != 0.5 {
		t.Errorf("rrf params = %d/%v", cfg.Retrieval.RRFK, cfg.Retrieval.RRFAlpha)
	}
	if cfg.GetQueryDeadline() != 5*time.Second {
		t.Errorf("query deadline = %v, want 5s", cfg.GetQueryDeadline())
	}
	if cfg.GetQueryCacheTTL() != 5*time.Minute {
		t.Errorf("query cache ttl = %v, want 5m", cfg.GetQueryCacheTTL())
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pipeline.WorkerPoolSize != 8 {
		t.Errorf("expected defaults, got %+v", cfg.Pipeline)
	}
}

func TestLoadOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := []byte("matching:\n  fast_match_threshold: 0.8\npipeline:\n  worker_pool_size: 2\n")
	if err := os.WriteFile(path, body, 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Matching.FastMatchThreshold != 0.8 {
		t.Errorf("fast_match_threshold = %v, want 0.8", cfg.Matching.FastMatchThreshold)
	}
	if cfg.Pipeline.WorkerPoolSize != 2 {
		t.Errorf("worker_pool_size = %d, want 2", cfg.Pipeline.WorkerPoolSize)
	}
	// Untouched values keep defaults.
	if cfg.Audit.ReviewThreshold != 0.60 {
		t.Errorf("review_threshold = %v, want default", cfg.Audit.ReviewThreshold)
	}
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LLM.APIKey = "k"
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}

	bad := DefaultConfig()
	bad.LLM.APIKey = "k"
	bad.Audit.HighConfidence = 0.4
	if err := bad.Validate(); err == nil {
		t.Error("expected error for high_confidence < review_threshold")
	}

	noKey := DefaultConfig()
	if err := noKey.Validate(); err == nil {
		t.Error("expected error for missing API key with fallback enabled")
	}
	noKey.Matching.EnableLLMFallback = false
	if err := noKey.Validate(); err != nil {
		t.Errorf("fallback disabled should not require a key: %v", err)
	}
}
