package localstore

import (
	"context"
	"sync"
)

// MemoryStore keeps everything in process memory. Nothing survives a restart.
type MemoryStore struct {
	mu     sync.RWMutex
	tables map[Table]*memTable
}

type memTable struct {
	order  []string
	values map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tables: make(map[Table]*memTable)}
}

func (s *MemoryStore) Open(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range Tables {
		if _, ok := s.tables[t]; !ok {
			s.tables[t] = &memTable{values: make(map[string][]byte)}
		}
	}
	return nil
}

func (s *MemoryStore) GetAll(_ context.Context, table Table) ([]Record, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[table]
	if !ok {
		return nil, nil
	}
	out := make([]Record, 0, len(t.order))
	for _, key := range t.order {
		out = append(out, Record{Key: key, Value: append([]byte(nil), t.values[key]...)})
	}
	return out, nil
}

func (s *MemoryStore) Put(_ context.Context, table Table, key string, value []byte) error {
	if err := checkTable(table); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.table(table)
	if _, exists := t.values[key]; !exists {
		t.order = append(t.order, key)
	}
	t.values[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, table Table, key string) error {
	if err := checkTable(table); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.table(table)
	if _, exists := t.values[key]; !exists {
		return nil
	}
	delete(t.values, key)
	for i, k := range t.order {
		if k == key {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// table must be called with mu held for writing.
func (s *MemoryStore) table(name Table) *memTable {
	t, ok := s.tables[name]
	if !ok {
		t = &memTable{values: make(map[string][]byte)}
		s.tables[name] = t
	}
	return t
}
