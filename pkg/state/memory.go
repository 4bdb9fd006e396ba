package state

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
)

// MemoryStore keeps state for the life of the process.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string][]byte)}
}

func (s *MemoryStore) Get(_ context.Context, key string, dest any) (bool, error) {
	s.mu.Lock()
	b, ok := s.values[key]
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(b, dest)
}

func (s *MemoryStore) Set(_ context.Context, key string, value any) error {
	if err := validateKey(key); err != nil {
		return err
	}
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.values[key] = b
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) SetNX(_ context.Context, key string, value any) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	b, err := json.Marshal(value)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[key]; ok {
		return false, nil
	}
	s.values[key] = b
	return true, nil
}

func (s *MemoryStore) CompareAndSet(_ context.Context, key string, old, value any) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	want, err := json.Marshal(old)
	if err != nil {
		return false, err
	}
	b, err := json.Marshal(value)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.values[key]; !ok || !bytes.Equal(cur, want) {
		return false, nil
	}
	s.values[key] = b
	return true, nil
}

func (s *MemoryStore) CompareAndDelete(_ context.Context, key string, old any) (bool, error) {
	want, err := json.Marshal(old)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.values[key]; !ok || !bytes.Equal(cur, want) {
		return false, nil
	}
	delete(s.values, key)
	return true, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.values, key)
	s.mu.Unlock()
	return nil
}
