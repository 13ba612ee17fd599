package storage

import (
	"context"
	"strings"
	"sync"
	"time"
)

type memoryStore struct {
	mu    sync.RWMutex
	docs  map[Collection]map[string]Document
	dedup map[string]DedupEntry
}

// NewMemory returns a process-local store.
func NewMemory() Store {
	return &memoryStore{docs: map[Collection]map[string]Document{}, dedup: map[string]DedupEntry{}}
}

func (s *memoryStore) Put(_ context.Context, c Collection, d Document) error {
	if d.ID == "" {
		return ErrEmptyID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.docs[c]
	if m == nil {
		m = map[string]Document{}
		s.docs[c] = m
	}
	m[d.ID] = cloneDoc(d)
	return nil
}

func (s *memoryStore) Get(_ context.Context, c Collection, id string) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.docs[c][id]
	if !ok {
		return Document{}, ErrNotFound
	}
	return cloneDoc(d), nil
}

func (s *memoryStore) Delete(_ context.Context, c Collection, id string) error {
	s.mu.Lock()
	delete(s.docs[c], id)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) List(_ context.Context, c Collection, f Filter) ([]Document, error) {
	s.mu.RLock()
	out := make([]Document, 0, len(s.docs[c]))
	for _, d := range s.docs[c] {
		if f.match(d) {
			out = append(out, cloneDoc(d))
		}
	}
	s.mu.RUnlock()
	sortDocs(out, f.Desc)
	return limit(out, f.Limit), nil
}

func (s *memoryStore) PruneBefore(_ context.Context, c Collection, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, d := range s.docs[c] {
		if expired(d, before) {
			delete(s.docs[c], id)
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) PutDedup(_ context.Context, key string, e DedupEntry) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	s.dedup[key] = e
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) GetDedup(_ context.Context, key string) (DedupEntry, bool, error) {
	s.mu.RLock()
	e, ok := s.dedup[strings.TrimSpace(key)]
	s.mu.RUnlock()
	return e, ok, nil
}

func (s *memoryStore) Close() error { return nil }
