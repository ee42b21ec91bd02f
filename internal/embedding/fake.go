package embedding

import (
	"context"
	"crypto/sha256"
	"math"
)

// FakeEngine produces deterministic embeddings derived from token hashes.
// Texts sharing words get correlated vectors, which is enough structure for
// similarity tests without any network dependency.
type FakeEngine struct {
	Dim      int
	FailWith error
}

// NewFakeEngine returns a fake engine with the given dimensionality.
func NewFakeEngine(dim int) *FakeEngine {
	if dim <= 0 {
		dim = 64
	}
	return &FakeEngine{Dim: dim}
}

// Embed hashes each word into the vector and normalizes.
func (f *FakeEngine) Embed(_ context.Context, text string) ([]float32, error) {
	if f.FailWith != nil {
		return nil, f.FailWith
	}

	vec := make([]float32, f.Dim)
	word := make([]byte, 0, 16)
	flush := func() {
		if len(word) == 0 {
			return
		}
		h := sha256.Sum256(word)
		for i := 0; i < f.Dim; i++ {
			vec[i] += float32(int8(h[i%len(h)])) / 128
		}
		word = word[:0]
	}
	for i := 0; i < len(text); i++ {
		c := text[i]
		if c == ' ' || c == '\n' || c == '\t' {
			flush()
			continue
		}
		word = append(word, c|0x20)
	}
	flush()

	var mag float64
	for _, v := range vec {
		mag += float64(v) * float64(v)
	}
	if mag > 0 {
		norm := float32(math.Sqrt(mag))
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec, nil
}

// EmbedBatch embeds each text independently.
func (f *FakeEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// Dimensions returns the configured dimensionality.
func (f *FakeEngine) Dimensions() int { return f.Dim }

// Name identifies the fake in logs.
func (f *FakeEngine) Name() string { return "fake" }
