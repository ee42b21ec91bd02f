// Package llm wraps the completion API used for template matching fallback,
// query-plan refinement, and answer generation. The client keeps a stable
// system prefix per call site so provider-side prompt caching can reuse it.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"docsense/internal/logging"
)

// Usage carries the token accounting of one completion.
type Usage struct {
	InputTokens  int
	OutputTokens int
	CachedTokens int
}

// Total returns all tokens billed for the call.
func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }

// Client is the completion surface the rest of the system depends on.
type Client interface {
	// Complete sends a prompt under a system prefix and returns the text.
	Complete(ctx context.Context, system, prompt string) (string, Usage, error)

	// CompleteJSON is Complete plus JSON enforcement: the response must
	// unmarshal into out. On malformed output it retries once with a
	// stricter instruction before failing.
	CompleteJSON(ctx context.Context, system, prompt string, out interface{}) (Usage, error)

	// Model returns the configured model name.
	Model() string
}

// HTTPClient talks to an Anthropic-compatible messages endpoint.
type HTTPClient struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client

	mu          sync.Mutex
	lastRequest time.Time
	totalUsage  Usage
}

// Config holds the connection settings for an HTTPClient.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// NewHTTPClient builds a client; zero-value config fields get defaults.
func NewHTTPClient(cfg Config) *HTTPClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.anthropic.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-5-20250514"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &HTTPClient{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		model:      cfg.Model,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Model returns the configured model name.
func (c *HTTPClient) Model() string { return c.model }

// TotalUsage returns cumulative token accounting since construction.
func (c *HTTPClient) TotalUsage() Usage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalUsage
}

type apiRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	System      []systemBlock `json:"system,omitempty"`
	Messages    []apiMessage  `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type systemBlock struct {
	Type         string        `json:"type"`
	Text         string        `json:"text"`
	CacheControl *cacheControl `json:"cache_control,omitempty"`
}

type cacheControl struct {
	Type string `json:"type"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens          int `json:"input_tokens"`
		OutputTokens         int `json:"output_tokens"`
		CacheReadInputTokens int `json:"cache_read_input_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete sends one prompt. The system prefix is marked cacheable so
// repeated calls with the same prefix hit the provider's prompt cache.
func (c *HTTPClient) Complete(ctx context.Context, system, prompt string) (string, Usage, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.httpClient.Timeout)
		defer cancel()
	}

	if c.apiKey == "" {
		return "", Usage{}, fmt.Errorf("API key not configured")
	}

	startTime := time.Now()
	logging.LLM("Complete: model=%s system_len=%d prompt_len=%d", c.model, len(system), len(prompt))

	// Rate limiting.
	c.mu.Lock()
	elapsed := time.Since(c.lastRequest)
	if elapsed < 100*time.Millisecond {
		time.Sleep(100*time.Millisecond - elapsed)
	}
	c.lastRequest = time.Now()
	c.mu.Unlock()

	reqBody := apiRequest{
		Model:       c.model,
		MaxTokens:   4096,
		Messages:    []apiMessage{{Role: "user", Content: prompt}},
		Temperature: 0.1,
	}
	if system != "" {
		reqBody.System = []systemBlock{{
			Type:         "text",
			Text:         system,
			CacheControl: &cacheControl{Type: "ephemeral"},
		}}
	}

	maxRetries := 3
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if i > 0 {
			select {
			case <-time.After(time.Duration(1<<uint(i-1)) * time.Second):
			case <-ctx.Done():
				return "", Usage{}, ctx.Err()
			}
		}

		jsonData, err := json.Marshal(reqBody)
		if err != nil {
			return "", Usage{}, fmt.Errorf("marshal request: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/messages", bytes.NewReader(jsonData))
		if err != nil {
			return "", Usage{}, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-api-key", c.apiKey)
		req.Header.Set("anthropic-version", "2023-06-01")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("API status %d", resp.StatusCode)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return "", Usage{}, fmt.Errorf("API status %d: %s", resp.StatusCode, string(body))
		}

		var apiResp apiResponse
		if err := json.Unmarshal(body, &apiResp); err != nil {
			return "", Usage{}, fmt.Errorf("parse response: %w", err)
		}
		if apiResp.Error != nil {
			return "", Usage{}, fmt.Errorf("API error: %s", apiResp.Error.Message)
		}

		var sb strings.Builder
		for _, block := range apiResp.Content {
			if block.Type == "text" {
				sb.WriteString(block.Text)
			}
		}
		text := strings.TrimSpace(sb.String())
		if text == "" {
			return "", Usage{}, fmt.Errorf("no completion returned")
		}

		usage := Usage{
			InputTokens:  apiResp.Usage.InputTokens,
			OutputTokens: apiResp.Usage.OutputTokens,
			CachedTokens: apiResp.Usage.CacheReadInputTokens,
		}
		c.mu.Lock()
		c.totalUsage.InputTokens += usage.InputTokens
		c.totalUsage.OutputTokens += usage.OutputTokens
		c.totalUsage.CachedTokens += usage.CachedTokens
		c.mu.Unlock()

		logging.LLM("Complete: done in %v tokens=%d cached=%d", time.Since(startTime), usage.Total(), usage.CachedTokens)
		return text, usage, nil
	}

	logging.Get(logging.CategoryLLM).Error("Complete: max retries exceeded: %v", lastErr)
	return "", Usage{}, fmt.Errorf("max retries exceeded: %w", lastErr)
}

const strictJSONRetry = "\n\nYour previous response was not valid JSON. Respond with ONLY a single JSON object, no markdown fences, no commentary."

// CompleteJSON completes and unmarshals into out, retrying once with a
// stricter instruction when the first response does not parse.
func (c *HTTPClient) CompleteJSON(ctx context.Context, system, prompt string, out interface{}) (Usage, error) {
	text, usage, err := c.Complete(ctx, system, prompt)
	if err != nil {
		return usage, err
	}
	if err := json.Unmarshal([]byte(ExtractJSON(text)), out); err == nil {
		return usage, nil
	}

	logging.Get(logging.CategoryLLM).Warn("CompleteJSON: malformed JSON, retrying with strict instruction")
	text2, usage2, err := c.Complete(ctx, system, prompt+strictJSONRetry)
	total := Usage{
		InputTokens:  usage.InputTokens + usage2.InputTokens,
		OutputTokens: usage.OutputTokens + usage2.OutputTokens,
		CachedTokens: usage.CachedTokens + usage2.CachedTokens,
	}
	if err != nil {
		return total, err
	}
	if err := json.Unmarshal([]byte(ExtractJSON(text2)), out); err != nil {
		return total, fmt.Errorf("response is not valid JSON after retry: %w", err)
	}
	return total, nil
}

// ExtractJSON strips markdown fences and surrounding prose from a model
// response, returning the outermost JSON object or array.
func ExtractJSON(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		if idx := strings.Index(text, "\n"); idx >= 0 {
			text = text[idx+1:]
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}

	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return text
	}
	closer := byte('}')
	if text[start] == '[' {
		closer = ']'
	}
	if end := strings.LastIndexByte(text, closer); end > start {
		return text[start : end+1]
	}
	return text[start:]
}
