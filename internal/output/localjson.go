package output

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"pii-ledger/internal/domain"
	"pii-ledger/internal/repository"
)

// LocalJSONSink keeps a JSON array of output records on disk. Records are
// keyed by conversation and message id, so reprocessing a message replaces its earlier
// record instead of adding a second one.
type LocalJSONSink struct {
	path string

	mu      sync.Mutex
	order   []string
	records map[string]domain.OutputRecord
}

// OpenLocalJSON loads path if it exists.
func OpenLocalJSON(path string) (*LocalJSONSink, error) {
	if path == "" {
		return nil, errors.New("output: path must not be empty")
	}
	s := &LocalJSONSink{path: path, records: map[string]domain.OutputRecord{}}

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("output: read %s: %w", path, err)
	}
	if len(raw) == 0 {
		return s, nil
	}
	var existing []domain.OutputRecord
	if err := json.Unmarshal(raw, &existing); err != nil {
		return nil, fmt.Errorf("output: decode %s: %w", path, err)
	}
	for _, rec := range existing {
		s.put(rec)
	}
	return s, nil
}

func (s *LocalJSONSink) put(rec domain.OutputRecord) {
	ref := rec.Ref()
	if _, ok := s.records[ref]; !ok {
		s.order = append(s.order, ref)
	}
	s.records[ref] = rec
}

func (*LocalJSONSink) Stage(domain.OutputRecord) []repository.Write {
	return nil
}

// Flush merges recs and rewrites the file atomically.
func (s *LocalJSONSink) Flush(_ context.Context, recs []domain.OutputRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range recs {
		s.put(rec)
	}
	out := make([]domain.OutputRecord, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.records[id])
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("output: encode: %w", err)
	}
	return writeFileAtomic(s.path, data)
}

// Len returns the number of distinct records held.
func (s *LocalJSONSink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}
