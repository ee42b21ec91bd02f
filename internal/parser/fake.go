package parser

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"docsense/internal/types"
)

// Fake is an in-memory parser client for tests. It tracks how the pipeline
// talks to it: byte uploads and job-referenced extractions are counted
// separately so callers can assert the parse-once behavior.
type Fake struct {
	mu sync.Mutex

	ParseResults  map[string]*types.ParseResult         // filename -> result
	ExtractFields map[string]map[string]json.RawMessage // jobID -> field payloads
	ParseErr      error
	ExtractErr    error

	nextJob      int
	ByteUploads  int
	JobExtracts  []string          // job ids seen by ExtractStructured
	ParsedJobIDs map[string]string // filename -> assigned job id
}

// NewFake builds an empty fake.
func NewFake() *Fake {
	return &Fake{
		ParseResults:  make(map[string]*types.ParseResult),
		ExtractFields: make(map[string]map[string]json.RawMessage),
		ParsedJobIDs:  make(map[string]string),
	}
}

// Parse returns the scripted result for the filename and assigns a job id.
func (f *Fake) Parse(_ context.Context, filename string, _ []byte) (string, *types.ParseResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.ByteUploads++
	if f.ParseErr != nil {
		return "", nil, f.ParseErr
	}
	result, ok := f.ParseResults[filename]
	if !ok {
		return "", nil, fmt.Errorf("fake parser: no scripted result for %s", filename)
	}
	f.nextJob++
	jobID := fmt.Sprintf("J%d", f.nextJob)
	f.ParsedJobIDs[filename] = jobID
	return jobID, result, nil
}

// ExtractStructured returns the scripted fields for the referenced job.
func (f *Fake) ExtractStructured(_ context.Context, sourceRef string, _ []types.FieldSpec) (map[string]json.RawMessage, error) {
	jobID, err := JobID(sourceRef)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.JobExtracts = append(f.JobExtracts, jobID)
	if f.ExtractErr != nil {
		return nil, f.ExtractErr
	}
	fields, ok := f.ExtractFields[jobID]
	if !ok {
		return nil, fmt.Errorf("fake parser: unknown job %s", jobID)
	}
	return fields, nil
}

// ScriptExtract registers the extraction payload for a job id, with values
// given as plain Go data.
func (f *Fake) ScriptExtract(jobID string, fields map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make(map[string]json.RawMessage, len(fields))
	for name, payload := range fields {
		b, err := json.Marshal(payload)
		if err != nil {
			panic(err)
		}
		out[name] = b
	}
	f.ExtractFields[jobID] = out
}
