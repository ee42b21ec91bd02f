package parser

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"docsense/internal/types"
)

func TestJobID(t *testing.T) {
	tests := []struct {
		name    string
		ref     string
		want    string
		wantErr bool
	}{
		{"valid", "jobid://abc-123", "abc-123", false},
		{"empty id", "jobid://", "", true},
		{"raw path", "/tmp/doc.pdf", "", true},
		{"bare id", "abc-123", "", true},
		{"empty", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := JobID(tt.ref)
			if (err != nil) != tt.wantErr {
				t.Fatalf("JobID(%q) error = %v, wantErr %v", tt.ref, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("JobID(%q) = %q, want %q", tt.ref, got, tt.want)
			}
		})
	}
}

func TestParseRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/parse" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("multipart parse: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"job_id": "J42",
			"chunks": []map[string]interface{}{
				{"page": 1, "text": "INVOICE #7", "bbox": map[string]float64{"x": 5, "y": 5, "w": 100, "h": 12}},
				{"page": 1, "text": "Total: $99.00", "bbox": map[string]float64{"x": 5, "y": 99999, "w": 100, "h": 12}},
			},
			"full_text": "INVOICE #7\nTotal: $99.00",
		})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "test-key", 5*time.Second)
	jobID, result, err := c.Parse(context.Background(), "inv.pdf", []byte("%PDF-1.4"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if jobID != "J42" {
		t.Errorf("job id = %q, want J42", jobID)
	}
	if len(result.Chunks) != 2 {
		t.Fatalf("chunks = %d, want 2", len(result.Chunks))
	}
	if result.Chunks[0].BBox == nil {
		t.Error("first chunk should keep its bbox")
	}
	// Out-of-range coordinates are dropped, not passed through.
	if result.Chunks[1].BBox != nil {
		t.Error("second chunk bbox should be sanitized away")
	}
}

func TestParseMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>gateway error</html>"))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", 5*time.Second)
	if _, _, err := c.Parse(context.Background(), "a.pdf", []byte("x")); err == nil {
		t.Fatal("expected error on malformed response")
	}
}

func TestParseRetriesTransientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"job_id":    "J1",
			"chunks":    []map[string]interface{}{{"page": 1, "text": "hello"}},
			"full_text": "hello",
		})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", 10*time.Second)
	jobID, _, err := c.Parse(context.Background(), "a.pdf", []byte("x"))
	if err != nil {
		t.Fatalf("Parse after retry: %v", err)
	}
	if jobID != "J1" {
		t.Errorf("job id = %q", jobID)
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Errorf("calls = %d, want 2", n)
	}
}

func TestParseDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":"unsupported file type"}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", 5*time.Second)
	if _, _, err := c.Parse(context.Background(), "a.bin", []byte("x")); err == nil {
		t.Fatal("expected error")
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("calls = %d, want 1 (4xx must not retry)", n)
	}
}

func TestExtractStructuredUsesJobRef(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/extract" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req struct {
			JobID  string `json:"job_id"`
			Schema []struct {
				Name string `json:"name"`
			} `json:"schema"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.JobID != "J42" {
			t.Errorf("job id = %q, want J42", req.JobID)
		}
		if len(req.Schema) != 2 {
			t.Errorf("schema len = %d, want 2", len(req.Schema))
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"fields": map[string]interface{}{
				"vendor_name":   map[string]interface{}{"value": "Acme Corp", "confidence": 0.93},
				"invoice_total": map[string]interface{}{"value": 99.0, "confidence": 0.88},
			},
		})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", 5*time.Second)
	specs := []types.FieldSpec{
		{Name: "vendor_name", Type: types.FieldText, Required: true},
		{Name: "invoice_total", Type: types.FieldNumber},
	}

	fields, err := c.ExtractStructured(context.Background(), "jobid://J42", specs)
	if err != nil {
		t.Fatalf("ExtractStructured: %v", err)
	}
	if len(fields) != 2 {
		t.Errorf("fields = %d, want 2", len(fields))
	}

	// Raw bytes or paths must be rejected without touching the network.
	if _, err := c.ExtractStructured(context.Background(), "/tmp/doc.pdf", specs); err == nil {
		t.Fatal("expected rejection of non-jobid source ref")
	}
}
