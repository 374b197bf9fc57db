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
	"errors"
	"sync/atomic"
	"testing"
	"time"

	apperrors "flow-platform/pkg/errors"
)

const docA = `
path: flows/a
workflow:
  - step: start
`

const docB = `
path: flows/a
workflow:
  - step: start
    next:
      - step: done
  - step: done
`

func TestCompareVersions(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"1.0.0", "1.0.0", 0},
		{"0.9.1", "0.10.0", -1},
		{"2.0", "1.9.9", 1},
		{"1.0", "1.0.0", 0},
		{"v1.2.0", "1.1.9", 1},
		{"1.0.0-beta", "1.0.0-alpha", 1},
		{"", "0.1", -1},
	}
	for _, c := range cases {
		if got := CompareVersions(c.a, c.b); got != c.want {
			t.Errorf("CompareVersions(%q, %q) = %d, want %d", c.a, c.b, got, c.want)
		}
	}
}

func TestMemoryStore_RegisterFetch(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.Register(ctx, "flows/a", "1.0.0", docA); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := s.Register(ctx, "flows/a", "1.0.0", docA); !errors.Is(err, apperrors.ErrDuplicate) {
		t.Fatalf("duplicate register: expected ErrDuplicate, got %v", err)
	}

	e, err := s.Fetch(ctx, "flows/a", "1.0.0")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if e.Content != docA || e.Parsed == nil || len(e.Parsed.Workflow) != 1 {
		t.Errorf("entry mismatch: %+v", e)
	}

	if _, err := s.Fetch(ctx, "flows/a", "9.9.9"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing version: expected ErrNotFound, got %v", err)
	}
	if _, err := s.Fetch(ctx, "flows/missing", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing path: expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_LatestResolution(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, v := range []string{"0.9.0", "0.10.0", "0.2.1"} {
		if err := s.Register(ctx, "flows/a", v, docA); err != nil {
			t.Fatalf("Register %s: %v", v, err)
		}
	}

	latest, err := s.LatestVersion(ctx, "flows/a")
	if err != nil {
		t.Fatalf("LatestVersion: %v", err)
	}
	if latest != "0.10.0" {
		t.Errorf("expected latest 0.10.0, got %s", latest)
	}

	// version 为空走 latest
	e, err := s.Fetch(ctx, "flows/a", "")
	if err != nil {
		t.Fatalf("Fetch latest: %v", err)
	}
	if e.Version != "0.10.0" {
		t.Errorf("expected fetched version 0.10.0, got %s", e.Version)
	}
}

// countingStore 统计底层 Fetch 次数，验证缓存命中
type countingStore struct {
	*MemoryStore
	fetches int32
}

func (s *countingStore) Fetch(ctx context.Context, path, version string) (*Entry, error) {
	atomic.AddInt32(&s.fetches, 1)
	return s.MemoryStore.Fetch(ctx, path, version)
}

func TestCachedStore_FetchHitsCache(t *testing.T) {
	ctx := context.Background()
	inner := &countingStore{MemoryStore: NewMemoryStore()}
	if err := inner.Register(ctx, "flows/a", "1.0.0", docA); err != nil {
		t.Fatalf("Register: %v", err)
	}
	cached := NewCachedStore(inner, NewMemoryCache(), time.Minute)

	for i := 0; i < 3; i++ {
		e, err := cached.Fetch(ctx, "flows/a", "1.0.0")
		if err != nil {
			t.Fatalf("Fetch #%d: %v", i, err)
		}
		if e.Parsed == nil || e.Content != docA {
			t.Fatalf("Fetch #%d entry mismatch: %+v", i, e)
		}
	}
	if n := atomic.LoadInt32(&inner.fetches); n != 1 {
		t.Errorf("expected 1 inner fetch after repeated reads, got %d", n)
	}
}

func TestCachedStore_LatestSeesNewVersions(t *testing.T) {
	ctx := context.Background()
	inner := &countingStore{MemoryStore: NewMemoryStore()}
	cached := NewCachedStore(inner, NewMemoryCache(), time.Minute)

	if err := cached.Register(ctx, "flows/a", "1.0.0", docA); err != nil {
		t.Fatalf("Register 1.0.0: %v", err)
	}
	if _, err := cached.Fetch(ctx, "flows/a", ""); err != nil {
		t.Fatalf("Fetch latest: %v", err)
	}

	// latest 解析不走缓存：注册新版本后立即可见
	if err := cached.Register(ctx, "flows/a", "1.1.0", docB); err != nil {
		t.Fatalf("Register 1.1.0: %v", err)
	}
	e, err := cached.Fetch(ctx, "flows/a", "")
	if err != nil {
		t.Fatalf("Fetch latest after register: %v", err)
	}
	if e.Version != "1.1.0" || len(e.Parsed.Workflow) != 2 {
		t.Errorf("expected latest 1.1.0 with 2 steps, got %s (%d steps)", e.Version, len(e.Parsed.Workflow))
	}
}

func TestMemoryCache_TTL(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()

	c.Set(ctx, "k", "v", 20*time.Millisecond)
	if v, ok := c.Get(ctx, "k"); !ok || v != "v" {
		t.Fatalf("expected hit before expiry, got %q %v", v, ok)
	}
	time.Sleep(30 * time.Millisecond)
	if _, ok := c.Get(ctx, "k"); ok {
		t.Error("expected miss after expiry")
	}

	// ttl<=0 不过期
	c.Set(ctx, "p", "v", 0)
	time.Sleep(10 * time.Millisecond)
	if _, ok := c.Get(ctx, "p"); !ok {
		t.Error("expected zero-ttl entry to persist")
	}
}
