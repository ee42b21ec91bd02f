package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare object", `{"a":1}`, `{"a":1}`},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"prose around", "Here you go:\n{\"a\":1}\nHope that helps!", `{"a":1}`},
		{"array", `[1,2,3]`, `[1,2,3]`},
		{"nested braces", `result: {"a":{"b":2}}`, `{"a":{"b":2}}`},
		{"no json", "sorry, cannot", "sorry, cannot"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractJSON(tt.in); got != tt.want {
				t.Errorf("ExtractJSON(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func newMessagesServer(t *testing.T, reply func(n int32) string) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if r.Header.Get("x-api-key") == "" {
			t.Error("missing api key header")
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"content": []map[string]string{{"type": "text", "text": reply(n)}},
			"usage":   map[string]int{"input_tokens": 10, "output_tokens": 5, "cache_read_input_tokens": 3},
		})
	}))
	return srv, &calls
}

func TestCompleteReportsUsage(t *testing.T) {
	srv, _ := newMessagesServer(t, func(int32) string { return "hello there" })
	defer srv.Close()

	c := NewHTTPClient(Config{APIKey: "k", BaseURL: srv.URL, Timeout: 5 * time.Second})
	text, usage, err := c.Complete(context.Background(), "sys", "hi")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if text != "hello there" {
		t.Errorf("text = %q", text)
	}
	if usage.Total() != 15 || usage.CachedTokens != 3 {
		t.Errorf("usage = %+v", usage)
	}
	if c.TotalUsage().Total() != 15 {
		t.Errorf("total usage = %+v", c.TotalUsage())
	}
}

func TestCompleteJSONRetriesOnceOnMalformed(t *testing.T) {
	srv, calls := newMessagesServer(t, func(n int32) string {
		if n == 1 {
			return "I think the answer is probably forty-two"
		}
		return `{"answer":42}`
	})
	defer srv.Close()

	c := NewHTTPClient(Config{APIKey: "k", BaseURL: srv.URL, Timeout: 5 * time.Second})
	var out struct {
		Answer int `json:"answer"`
	}
	if _, err := c.CompleteJSON(context.Background(), "sys", "answer?", &out); err != nil {
		t.Fatalf("CompleteJSON: %v", err)
	}
	if out.Answer != 42 {
		t.Errorf("answer = %d", out.Answer)
	}
	if *calls != 2 {
		t.Errorf("calls = %d, want 2", *calls)
	}
}

func TestCompleteNoAPIKey(t *testing.T) {
	c := NewHTTPClient(Config{BaseURL: "http://unused.invalid"})
	if _, _, err := c.Complete(context.Background(), "", "hi"); err == nil {
		t.Fatal("expected error without api key")
	}
}

func TestPromptCacheTTLAndEviction(t *testing.T) {
	cache := NewPromptCache(2, 50*time.Millisecond)

	cache.Set("a", "1")
	if v, ok := cache.Get("a"); !ok || v != "1" {
		t.Fatalf("miss after set: %q %v", v, ok)
	}

	time.Sleep(60 * time.Millisecond)
	if _, ok := cache.Get("a"); ok {
		t.Error("entry should have expired")
	}

	cache.Set("b", "2")
	cache.Set("c", "3")
	cache.Set("d", "4") // evicts the oldest
	live := 0
	for _, k := range []string{"b", "c", "d"} {
		if _, ok := cache.Get(k); ok {
			live++
		}
	}
	if live != 2 {
		t.Errorf("live entries = %d, want 2", live)
	}
}

func TestCachingClientServesRepeatsLocally(t *testing.T) {
	fake := NewFake("first answer", "should not be reached")
	c := NewCachingClient(fake, 16, time.Minute)

	a, _, err := c.Complete(context.Background(), "s", "q")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	b, usage, err := c.Complete(context.Background(), "s", "q")
	if err != nil {
		t.Fatalf("Complete (cached): %v", err)
	}
	if a != b {
		t.Errorf("cached answer differs: %q vs %q", a, b)
	}
	if usage.Total() != 0 {
		t.Errorf("cache hit should report zero usage, got %+v", usage)
	}
	if fake.CallCount() != 1 {
		t.Errorf("inner calls = %d, want 1", fake.CallCount())
	}
}
