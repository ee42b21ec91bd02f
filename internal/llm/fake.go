package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Fake is a scripted Client for tests. Responses are consumed in order; when
// the script runs dry, Err (or a default error) is returned.
type Fake struct {
	mu        sync.Mutex
	Responses []string
	Err       error
	Calls     []string // prompts received, in order
}

// NewFake builds a fake that returns the given responses in order.
func NewFake(responses ...string) *Fake {
	return &Fake{Responses: responses}
}

// Complete pops the next scripted response.
func (f *Fake) Complete(_ context.Context, system, prompt string) (string, Usage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Calls = append(f.Calls, prompt)
	if f.Err != nil {
		return "", Usage{}, f.Err
	}
	if len(f.Responses) == 0 {
		return "", Usage{}, fmt.Errorf("fake llm: script exhausted (call %d)", len(f.Calls))
	}
	resp := f.Responses[0]
	f.Responses = f.Responses[1:]
	return resp, Usage{InputTokens: len(system) + len(prompt), OutputTokens: len(resp)}, nil
}

// CompleteJSON pops the next response and unmarshals it.
func (f *Fake) CompleteJSON(ctx context.Context, system, prompt string, out interface{}) (Usage, error) {
	text, usage, err := f.Complete(ctx, system, prompt)
	if err != nil {
		return usage, err
	}
	if err := json.Unmarshal([]byte(ExtractJSON(text)), out); err != nil {
		return usage, fmt.Errorf("fake llm: response is not valid JSON: %w", err)
	}
	return usage, nil
}

// Model identifies the fake in logs.
func (f *Fake) Model() string { return "fake-model" }

// CallCount returns how many completions were requested.
func (f *Fake) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Calls)
}
