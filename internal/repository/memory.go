package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is a thread-safe in-memory Store. Used in tests and dry runs.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
}

// NewMemory returns an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{data: make(map[string]map[string][]byte)}
}

func (s *MemoryStore) Get(_ context.Context, key Key, out any) error {
	if err := key.validate(); err != nil {
		return err
	}
	s.mu.RLock()
	v, ok := s.data[key.Collection][compositeKey(key.PK, key.SK)]
	s.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	return json.Unmarshal(v, out)
}

func (s *MemoryStore) Write(ctx context.Context, w Write) error {
	return s.Transact(ctx, w)
}

func (s *MemoryStore) Transact(_ context.Context, writes ...Write) error {
	encoded := make([][]byte, len(writes))
	for i, w := range writes {
		data, err := encodeWrite(w)
		if err != nil {
			return err
		}
		encoded[i] = data
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range writes {
		existing := s.data[w.Key.Collection][compositeKey(w.Key.PK, w.Key.SK)]
		if err := checkCondition(existing, w); err != nil {
			return err
		}
	}
	for i, w := range writes {
		k := compositeKey(w.Key.PK, w.Key.SK)
		if w.Delete {
			delete(s.bucket(w.Key.Collection), k)
			continue
		}
		s.bucket(w.Key.Collection)[k] = encoded[i]
	}
	return nil
}

func (s *MemoryStore) Increment(_ context.Context, key Key, field string) (int64, error) {
	if err := key.validate(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bucket(key.Collection)
	k := compositeKey(key.PK, key.SK)
	doc, n, err := incrementDoc(b[k], field)
	if err != nil {
		return 0, err
	}
	b[k] = doc
	return n, nil
}

func (s *MemoryStore) Query(_ context.Context, q Query) ([]Record, error) {
	if q.PK == "" {
		return nil, fmt.Errorf("repository: Query: PK is required")
	}
	prefix := compositeKey(q.PK, q.SKPrefix)

	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0)
	for k := range s.data[q.Collection] {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var records []Record
	for _, k := range keys {
		v := s.data[q.Collection][k]
		ok, err := matchesEquals(v, q.Equals)
		if err != nil {
			return nil, err
		}
		if ok {
			records = append(records, newJSONRecord(k, v))
		}
	}
	return records, nil
}

func (s *MemoryStore) Scan(_ context.Context, collection string, fn func([]Record) error) error {
	s.mu.RLock()
	keys := make([]string, 0, len(s.data[collection]))
	for k := range s.data[collection] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	records := make([]Record, 0, len(keys))
	for _, k := range keys {
		records = append(records, newJSONRecord(k, s.data[collection][k]))
	}
	s.mu.RUnlock()

	for start := 0; start < len(records); start += scanPageSize {
		end := min(start+scanPageSize, len(records))
		if err := fn(records[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key Key) error {
	if err := key.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.data[key.Collection], compositeKey(key.PK, key.SK))
	s.mu.Unlock()
	return nil
}

// bucket must be called with mu held for writing.
func (s *MemoryStore) bucket(collection string) map[string][]byte {
	b, ok := s.data[collection]
	if !ok {
		b = make(map[string][]byte)
		s.data[collection] = b
	}
	return b
}
