// Package parser talks to the external document parsing service. Uploading a
// document yields a job id and a chunked parse result; follow-up structured
// extraction against the same document reuses the job id so the bytes are
// never uploaded twice.
package parser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"docsense/internal/logging"
	"docsense/internal/types"
)

// Client is the parse-service surface the pipeline depends on.
type Client interface {
	// Parse uploads document bytes and returns the service job id plus the
	// layout-chunked parse result.
	Parse(ctx context.Context, filename string, data []byte) (string, *types.ParseResult, error)

	// ExtractStructured runs schema-guided extraction against an already
	// parsed document. sourceRef must be a jobid:// reference; raw bytes are
	// rejected so a document is never parsed twice.
	ExtractStructured(ctx context.Context, sourceRef string, specs []types.FieldSpec) (map[string]json.RawMessage, error)
}

const jobRefPrefix = "jobid://"

// HTTPClient is the production implementation over the parse service's REST
// API.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPClient builds a client for the parse service at baseURL.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type parseResponse struct {
	JobID  string `json:"job_id"`
	Chunks []struct {
		Page int     `json:"page"`
		Text string  `json:"text"`
		BBox *bboxDT `json:"bbox,omitempty"`
	} `json:"chunks"`
	FullText string `json:"full_text"`
	Error    string `json:"error,omitempty"`
}

type bboxDT struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Parse uploads the document and waits for the chunked result.
func (c *HTTPClient) Parse(ctx context.Context, filename string, data []byte) (string, *types.ParseResult, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.httpClient.Timeout)
		defer cancel()
	}

	startTime := time.Now()
	logging.Get(logging.CategoryParser).Debug("Parse: filename=%s size=%d", filename, len(data))

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return "", nil, fmt.Errorf("build upload form: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", nil, fmt.Errorf("write upload form: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", nil, fmt.Errorf("close upload form: %w", err)
	}

	body, err := c.doWithRetry(ctx, "POST", "/v1/parse", buf.Bytes(), w.FormDataContentType())
	if err != nil {
		return "", nil, err
	}

	var resp parseResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", nil, fmt.Errorf("malformed parse response: %w", err)
	}
	if resp.Error != "" {
		return "", nil, fmt.Errorf("parse service error: %s", resp.Error)
	}
	if resp.JobID == "" {
		return "", nil, fmt.Errorf("parse service returned no job id")
	}

	result := &types.ParseResult{FullText: resp.FullText}
	for _, ch := range resp.Chunks {
		chunk := types.ParseChunk{Page: ch.Page, Text: ch.Text}
		if ch.BBox != nil {
			chunk.BBox = types.SanitizeBBox(&types.BoundingBox{X: ch.BBox.X, Y: ch.BBox.Y, W: ch.BBox.W, H: ch.BBox.H})
		}
		result.Chunks = append(result.Chunks, chunk)
	}
	if !result.Valid() {
		return "", nil, fmt.Errorf("parse service returned empty result for %s", filename)
	}

	logging.Get(logging.CategoryParser).Info("Parse: job=%s chunks=%d in %v", resp.JobID, len(result.Chunks), time.Since(startTime))
	return resp.JobID, result, nil
}

type extractRequest struct {
	JobID  string          `json:"job_id"`
	Schema []extractField `json:"schema"`
}

type extractField struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Required    bool     `json:"required"`
	Description string   `json:"description,omitempty"`
	Hints       []string `json:"hints,omitempty"`
}

type extractResponse struct {
	Fields map[string]json.RawMessage `json:"fields"`
	Error  string                     `json:"error,omitempty"`
}

// ExtractStructured runs schema-guided extraction on a parsed document.
func (c *HTTPClient) ExtractStructured(ctx context.Context, sourceRef string, specs []types.FieldSpec) (map[string]json.RawMessage, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.httpClient.Timeout)
		defer cancel()
	}

	jobID, err := JobID(sourceRef)
	if err != nil {
		return nil, err
	}

	startTime := time.Now()
	logging.Get(logging.CategoryParser).Debug("ExtractStructured: job=%s fields=%d", jobID, len(specs))

	req := extractRequest{JobID: jobID}
	for _, spec := range specs {
		req.Schema = append(req.Schema, extractField{
			Name:        spec.Name,
			Type:        string(spec.Type),
			Required:    spec.Required,
			Description: spec.Description,
			Hints:       spec.ExtractionHints,
		})
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal extract request: %w", err)
	}

	body, err := c.doWithRetry(ctx, "POST", "/v1/extract", payload, "application/json")
	if err != nil {
		return nil, err
	}

	var resp extractResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("malformed extract response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("extract service error: %s", resp.Error)
	}

	logging.Get(logging.CategoryParser).Info("ExtractStructured: job=%s returned %d fields in %v",
		jobID, len(resp.Fields), time.Since(startTime))
	return resp.Fields, nil
}

// doWithRetry posts a payload with exponential backoff on transient failures.
func (c *HTTPClient) doWithRetry(ctx context.Context, method, path string, payload []byte, contentType string) ([]byte, error) {
	maxRetries := 3
	var lastErr error

	for i := 0; i <= maxRetries; i++ {
		if i > 0 {
			select {
			case <-time.After(time.Duration(1<<uint(i-1)) * time.Second):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", contentType)
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

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
			lastErr = fmt.Errorf("parse service status %d: %s", resp.StatusCode, string(body))
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("parse service status %d: %s", resp.StatusCode, string(body))
		}
		return body, nil
	}

	logging.Get(logging.CategoryParser).Error("%s %s: max retries exceeded: %v", method, path, lastErr)
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// JobID extracts the raw job id from a jobid:// reference. Anything else is
// rejected: callers must not be able to trigger a re-parse by passing bytes
// or file paths here.
func JobID(sourceRef string) (string, error) {
	if !strings.HasPrefix(sourceRef, jobRefPrefix) {
		return "", fmt.Errorf("source ref %q is not a jobid:// reference", sourceRef)
	}
	id := strings.TrimPrefix(sourceRef, jobRefPrefix)
	if id == "" {
		return "", fmt.Errorf("empty job id in source ref")
	}
	return id, nil
}
