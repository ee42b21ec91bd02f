// Package embedding generates vector embeddings for the optional semantic
// rerank path. The production backend is Google GenAI; tests use a
// deterministic local engine.
package embedding

import (
	"context"
	"fmt"
	"math"
	"sort"

	"docsense/internal/logging"
)

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of embeddings.
	Dimensions() int

	// Name returns the engine name.
	Name() string
}

// Config holds embedding engine settings.
type Config struct {
	Provider   string `json:"provider"` // "genai"
	APIKey     string `json:"api_key"`
	Model      string `json:"model"`
	Dimensions int    `json:"dimensions"`
}

// NewEngine creates an engine from configuration.
func NewEngine(cfg Config) (Engine, error) {
	logging.Embedding("Creating embedding engine: provider=%s model=%s", cfg.Provider, cfg.Model)

	switch cfg.Provider {
	case "genai", "":
		inner, err := NewGenAIEngine(cfg.APIKey, cfg.Model)
		if err != nil {
			return nil, err
		}
		return NewRetryEngine(inner), nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.Provider)
	}
}

// CosineSimilarity computes the cosine similarity of two vectors. A zero
// magnitude on either side yields 0 rather than an error.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vector dimension mismatch: %d != %d", len(a), len(b))
	}

	var dot, aMag, bMag float64
	for i := 0; i < len(a); i++ {
		dot += float64(a[i]) * float64(b[i])
		aMag += float64(a[i]) * float64(a[i])
		bMag += float64(b[i]) * float64(b[i])
	}
	if aMag == 0 || bMag == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(aMag) * math.Sqrt(bMag)), nil
}

// SimilarityResult is one hit of a brute-force similarity scan.
type SimilarityResult struct {
	Index      int
	Similarity float64
}

// FindTopK scans the corpus and returns the k most similar vectors to the
// query, best first. Vectors with mismatched dimensions are skipped.
func FindTopK(query []float32, corpus [][]float32, k int) []SimilarityResult {
	if k <= 0 {
		k = 10
	}

	results := make([]SimilarityResult, 0, len(corpus))
	for i, vec := range corpus {
		sim, err := CosineSimilarity(query, vec)
		if err != nil {
			continue
		}
		results = append(results, SimilarityResult{Index: i, Similarity: sim})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Similarity > results[j].Similarity })
	if len(results) > k {
		results = results[:k]
	}
	return results
}
