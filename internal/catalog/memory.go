// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package catalog

import (
	"context"
	"sync"
	"time"

	"flow-platform/internal/playbook"
	apperrors "flow-platform/pkg/errors"
)

// MemoryStore 内存目录存储，开发与测试用
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]map[string]*Entry // path → version → entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]map[string]*Entry)}
}

func (s *MemoryStore) Register(_ context.Context, path, version, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions, ok := s.entries[path]
	if !ok {
		versions = make(map[string]*Entry)
		s.entries[path] = versions
	}
	if _, exists := versions[version]; exists {
		return apperrors.Wrapf(apperrors.ErrDuplicate, "catalog: %s@%s already registered", path, version)
	}
	versions[version] = &Entry{
		Path:      path,
		Version:   version,
		Content:   content,
		CreatedAt: time.Now(),
	}
	return nil
}

func (s *MemoryStore) Fetch(ctx context.Context, path, version string) (*Entry, error) {
	if version == "" {
		latest, err := s.LatestVersion(ctx, path)
		if err != nil {
			return nil, err
		}
		version = latest
	}

	s.mu.RLock()
	stored, ok := s.entries[path][version]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	parsed, err := playbook.Parse([]byte(stored.Content))
	if err != nil {
		return nil, err
	}
	e := *stored
	e.Parsed = parsed
	return &e, nil
}

func (s *MemoryStore) LatestVersion(_ context.Context, path string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.entries[path]
	if len(versions) == 0 {
		return "", ErrNotFound
	}
	names := make([]string, 0, len(versions))
	for v := range versions {
		names = append(names, v)
	}
	return latestOf(names), nil
}
