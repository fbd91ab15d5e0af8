// SPDX-License-Identifier: Apache-2.0

// Package kv provides the key/value backing store used for remediation
// history, metrics and error patterns.
package kv

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/kusari-oss/remedy/internal/core/models"
)

// Store is a minimal key/value store with append-only lists.
// Get returns an error wrapping models.ErrNotFound for missing keys.
type Store interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	// Append adds value to the end of the list stored at key.
	Append(ctx context.Context, key string, value []byte) error
	// List returns the list stored at key in insertion order. A missing
	// list is empty, not an error.
	List(ctx context.Context, key string) ([][]byte, error)
	// Keys returns the sorted keys that start with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

func notFound(key string) error {
	return fmt.Errorf("%w: key %q", models.ErrNotFound, key)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string][]byte
	lists  map[string][][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values: make(map[string][]byte),
		lists:  make(map[string][][]byte),
	}
}

func (s *MemoryStore) Put(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = clone(value)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	if !ok {
		return nil, notFound(key)
	}
	return clone(v), nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	delete(s.lists, key)
	return nil
}

func (s *MemoryStore) Append(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists[key] = append(s.lists[key], clone(value))
	return nil
}

func (s *MemoryStore) List(ctx context.Context, key string) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := s.lists[key]
	out := make([][]byte, len(items))
	for i, item := range items {
		out[i] = clone(item)
	}
	return out, nil
}

func (s *MemoryStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	for k := range s.values {
		if strings.HasPrefix(k, prefix) {
			seen[k] = true
		}
	}
	for k := range s.lists {
		if strings.HasPrefix(k, prefix) {
			seen[k] = true
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStore) Close() error { return nil }

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
