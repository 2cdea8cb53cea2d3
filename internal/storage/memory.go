package storage

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is the in-memory ObjectStore used in tests. Prefixes can be
// primed to fail to exercise the scanner's partial-failure path.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string]memoryObject
	failing map[string]error
}

type memoryObject struct {
	data         []byte
	lastModified time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string]memoryObject),
		failing: make(map[string]error),
	}
}

func (s *MemoryStore) Put(key string, data []byte, lastModified time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = memoryObject{data: data, lastModified: lastModified.UTC()}
}

// FailPrefix makes every ListPrefix under prefix return err.
func (s *MemoryStore) FailPrefix(prefix string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing[prefix] = err
}

func (s *MemoryStore) ListPrefix(_ context.Context, prefix string) ([]ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for p, err := range s.failing {
		if strings.HasPrefix(prefix, p) {
			return nil, err
		}
	}
	out := make([]ObjectInfo, 0)
	for k, o := range s.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, ObjectInfo{Key: k, SizeBytes: int64(len(o.data)), LastModified: o.lastModified})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *MemoryStore) Stat(_ context.Context, key string) (ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.objects[key]
	if !ok {
		return ObjectInfo{}, ErrNotFound
	}
	return ObjectInfo{Key: key, SizeBytes: int64(len(o.data)), LastModified: o.lastModified}, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(o.data)), nil
}
