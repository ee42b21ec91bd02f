package embedding

import (
	"context"
	"errors"
	"testing"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name    string
		a, b    []float32
		want    float64
		wantErr bool
	}{
		{"identical", []float32{1, 0, 0}, []float32{1, 0, 0}, 1, false},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0, false},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1, false},
		{"zero vector", []float32{0, 0}, []float32{1, 1}, 0, false},
		{"dim mismatch", []float32{1}, []float32{1, 2}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CosineSimilarity(tt.a, tt.b)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && (got < tt.want-1e-6 || got > tt.want+1e-6) {
				t.Errorf("similarity = %f, want %f", got, tt.want)
			}
		})
	}
}

func TestFindTopK(t *testing.T) {
	corpus := [][]float32{
		{1, 0},
		{0.9, 0.1},
		{0, 1},
		{1}, // skipped: wrong dimensions
	}
	results := FindTopK([]float32{1, 0}, corpus, 2)
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if results[0].Index != 0 || results[1].Index != 1 {
		t.Errorf("order = [%d %d], want [0 1]", results[0].Index, results[1].Index)
	}
}

func TestFakeEngineIsDeterministicAndCorrelated(t *testing.T) {
	eng := NewFakeEngine(64)
	ctx := context.Background()

	a1, err := eng.Embed(ctx, "invoice total amount")
	if err != nil {
		t.Fatal(err)
	}
	a2, _ := eng.Embed(ctx, "invoice total amount")
	same, _ := CosineSimilarity(a1, a2)
	if same < 0.9999 {
		t.Errorf("same text should embed identically, got %f", same)
	}

	b, _ := eng.Embed(ctx, "invoice amount due")
	c, _ := eng.Embed(ctx, "employment contract parties")
	near, _ := CosineSimilarity(a1, b)
	far, _ := CosineSimilarity(a1, c)
	if near <= far {
		t.Errorf("overlapping text should score higher: near=%f far=%f", near, far)
	}
}

type flakyEngine struct {
	*FakeEngine
	failures int
	calls    int
}

func (f *flakyEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("503 service unavailable")
	}
	return f.FakeEngine.Embed(ctx, text)
}

func TestRetryEngineRecoversFromTransientErrors(t *testing.T) {
	flaky := &flakyEngine{FakeEngine: NewFakeEngine(16), failures: 2}
	eng := NewRetryEngine(flaky)

	vec, err := eng.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 16 {
		t.Errorf("dim = %d", len(vec))
	}
	if flaky.calls != 3 {
		t.Errorf("calls = %d, want 3", flaky.calls)
	}
}

func TestRetryEnginePermanentErrorFailsFast(t *testing.T) {
	inner := NewFakeEngine(16)
	inner.FailWith = errors.New("401 invalid api key")
	eng := NewRetryEngine(inner)

	if _, err := eng.Embed(context.Background(), "x"); err == nil {
		t.Fatal("expected error")
	}
}
