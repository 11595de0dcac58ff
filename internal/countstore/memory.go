package countstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Memory keeps logical stores in process memory.
type Memory struct {
	mu     sync.RWMutex
	stores map[string]map[string]Record
}

// NewMemory constructs an empty in-memory accessor.
func NewMemory() *Memory {
	return &Memory{stores: make(map[string]map[string]Record)}
}

// Store implements Accessor.
func (m *Memory) Store(key Key, kind Kind) Store {
	return &memoryStore{parent: m, name: key.Name(kind)}
}

type memoryStore struct {
	parent *Memory
	name   string
}

func (s *memoryStore) Name() string {
	return s.name
}

func (s *memoryStore) Exists(_ context.Context) (bool, error) {
	s.parent.mu.RLock()
	defer s.parent.mu.RUnlock()
	_, ok := s.parent.stores[s.name]
	return ok, nil
}

func (s *memoryStore) Count(_ context.Context) (int, error) {
	s.parent.mu.RLock()
	defer s.parent.mu.RUnlock()
	return len(s.parent.stores[s.name]), nil
}

func (s *memoryStore) FindAll(_ context.Context) ([]Record, error) {
	s.parent.mu.RLock()
	defer s.parent.mu.RUnlock()
	rows := s.parent.stores[s.name]
	out := make([]Record, 0, len(rows))
	for _, rec := range rows {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ProductCode < out[j].ProductCode
	})
	return out, nil
}

func (s *memoryStore) FindByCode(_ context.Context, code string) (Record, error) {
	s.parent.mu.RLock()
	defer s.parent.mu.RUnlock()
	rec, ok := s.parent.stores[s.name][code]
	if !ok {
		return Record{}, fmt.Errorf("%s/%s: %w", s.name, code, ErrNotFound)
	}
	return rec, nil
}

func (s *memoryStore) InsertMany(_ context.Context, records []Record) error {
	s.parent.mu.Lock()
	defer s.parent.mu.Unlock()
	rows := s.ensure()
	seen := make(map[string]struct{}, len(records))
	for _, rec := range records {
		if _, ok := rows[rec.ProductCode]; ok {
			return fmt.Errorf("%s/%s: %w", s.name, rec.ProductCode, ErrDuplicate)
		}
		if _, ok := seen[rec.ProductCode]; ok {
			return fmt.Errorf("%s/%s: %w", s.name, rec.ProductCode, ErrDuplicate)
		}
		seen[rec.ProductCode] = struct{}{}
	}
	for _, rec := range records {
		rows[rec.ProductCode] = withVersion(rec)
	}
	return nil
}

func (s *memoryStore) UpdateOne(_ context.Context, code string, patch Patch) (Record, error) {
	s.parent.mu.Lock()
	defer s.parent.mu.Unlock()
	rec, ok := s.parent.stores[s.name][code]
	if !ok {
		return Record{}, fmt.Errorf("%s/%s: %w", s.name, code, ErrNotFound)
	}
	patch.Apply(&rec)
	s.parent.stores[s.name][code] = rec
	return rec, nil
}

func (s *memoryStore) BulkWrite(_ context.Context, ops []WriteOp) error {
	s.parent.mu.Lock()
	defer s.parent.mu.Unlock()
	rows := s.parent.stores[s.name]
	for _, op := range ops {
		if _, ok := rows[op.ProductCode]; !ok {
			return fmt.Errorf("%s/%s: %w", s.name, op.ProductCode, ErrNotFound)
		}
	}
	for _, op := range ops {
		rec := rows[op.ProductCode]
		op.Patch.Apply(&rec)
		rows[op.ProductCode] = rec
	}
	return nil
}

func (s *memoryStore) ReplaceAll(_ context.Context, records []Record) error {
	s.parent.mu.Lock()
	defer s.parent.mu.Unlock()
	next := make(map[string]Record, len(records))
	for _, rec := range records {
		if _, ok := next[rec.ProductCode]; ok {
			return fmt.Errorf("%s/%s: %w", s.name, rec.ProductCode, ErrDuplicate)
		}
		next[rec.ProductCode] = withVersion(rec)
	}
	s.parent.stores[s.name] = next
	return nil
}

func (s *memoryStore) DeleteAll(_ context.Context) error {
	s.parent.mu.Lock()
	defer s.parent.mu.Unlock()
	if _, ok := s.parent.stores[s.name]; ok {
		s.parent.stores[s.name] = make(map[string]Record)
	}
	return nil
}

func (s *memoryStore) DropIfExists(_ context.Context) error {
	s.parent.mu.Lock()
	defer s.parent.mu.Unlock()
	delete(s.parent.stores, s.name)
	return nil
}

// ensure must be called with the write lock held.
func (s *memoryStore) ensure() map[string]Record {
	rows, ok := s.parent.stores[s.name]
	if !ok {
		rows = make(map[string]Record)
		s.parent.stores[s.name] = rows
	}
	return rows
}

func withVersion(rec Record) Record {
	if rec.SchemaVersion == 0 {
		rec.SchemaVersion = RecordSchemaVersion
	}
	return rec
}
