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
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"flow-platform/internal/playbook"
	"flow-platform/pkg/config"
)

// Cache 目录内容缓存；条目不可变，失效只靠 TTL
type Cache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string, ttl time.Duration)
}

// NewCache 根据配置创建缓存，缺省 memory
func NewCache(ctx context.Context, cfg config.CacheConfig) (Cache, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryCache(), nil
	case "redis":
		return NewRedisCache(ctx, cfg)
	default:
		return nil, fmt.Errorf("catalog: unknown cache type %q", cfg.Type)
	}
}

// MemoryCache 进程内 TTL 缓存
type MemoryCache struct {
	mu    sync.RWMutex
	items map[string]memoryCacheItem
}

type memoryCacheItem struct {
	value     string
	expiresAt time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{items: make(map[string]memoryCacheItem)}
}

func (c *MemoryCache) Get(_ context.Context, key string) (string, bool) {
	c.mu.RLock()
	item, ok := c.items[key]
	c.mu.RUnlock()
	if !ok {
		return "", false
	}
	if !item.expiresAt.IsZero() && time.Now().After(item.expiresAt) {
		c.mu.Lock()
		delete(c.items, key)
		c.mu.Unlock()
		return "", false
	}
	return item.value, true
}

func (c *MemoryCache) Set(_ context.Context, key, value string, ttl time.Duration) {
	item := memoryCacheItem{value: value}
	if ttl > 0 {
		item.expiresAt = time.Now().Add(ttl)
	}
	c.mu.Lock()
	c.items[key] = item
	c.mu.Unlock()
}

// RedisCache 基于 Redis 的共享缓存
type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(ctx context.Context, cfg config.CacheConfig) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		DB:       cfg.DB,
		Password: cfg.Password,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisCache{client: client}, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, bool) {
	v, err := c.client.Get(ctx, key).Result()
	if err != nil {
		return "", false
	}
	return v, true
}

func (c *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) {
	// 缓存写失败只影响命中率，不影响正确性
	_ = c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

// CachedStore 带缓存的目录读取；Register 直写底层存储
type CachedStore struct {
	inner Store
	cache Cache
	ttl   time.Duration
}

func NewCachedStore(inner Store, cache Cache, ttl time.Duration) *CachedStore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedStore{inner: inner, cache: cache, ttl: ttl}
}

func (s *CachedStore) Register(ctx context.Context, path, version, content string) error {
	return s.inner.Register(ctx, path, version, content)
}

func (s *CachedStore) Fetch(ctx context.Context, path, version string) (*Entry, error) {
	// latest 解析不走缓存，保证新版本立即可见
	if version == "" {
		latest, err := s.inner.LatestVersion(ctx, path)
		if err != nil {
			return nil, err
		}
		version = latest
	}

	key := cacheKey(path, version)
	if content, ok := s.cache.Get(ctx, key); ok {
		parsed, err := playbook.Parse([]byte(content))
		if err != nil {
			return nil, fmt.Errorf("catalog: parse %s@%s: %w", path, version, err)
		}
		return &Entry{Path: path, Version: version, Content: content, Parsed: parsed}, nil
	}

	e, err := s.inner.Fetch(ctx, path, version)
	if err != nil {
		return nil, err
	}
	s.cache.Set(ctx, key, e.Content, s.ttl)
	return e, nil
}

func (s *CachedStore) LatestVersion(ctx context.Context, path string) (string, error) {
	return s.inner.LatestVersion(ctx, path)
}

func cacheKey(path, version string) string {
	return "catalog:" + path + "@" + version
}
