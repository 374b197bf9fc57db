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

package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"flow-platform/internal/broker"
	"flow-platform/internal/catalog"
	"flow-platform/internal/event"
	"flow-platform/internal/queue"
	"flow-platform/pkg/config"
	"flow-platform/pkg/log"
	"flow-platform/pkg/secrets"
)

// Bootstrap 统一初始化：供 api 与 worker 复用，避免在 cmd 内装配存储
type Bootstrap struct {
	Config  *config.Config
	Logger  *log.Logger
	Events  event.Store
	Queue   queue.Queue
	Catalog catalog.Store
	Index   broker.Index
	Secrets secrets.Store

	pools map[string]*pgxpool.Pool
}

// NewBootstrap 根据配置创建 Bootstrap（事件日志/队列/目录/索引/secrets）
func NewBootstrap(cfg *config.Config) (*Bootstrap, error) {
	logCfg := &log.Config{}
	if cfg != nil {
		logCfg.Level = cfg.Log.Level
		logCfg.Format = cfg.Log.Format
		logCfg.File = cfg.Log.File
	}
	logger, err := log.NewLogger(logCfg)
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}

	b := &Bootstrap{Config: cfg, Logger: logger, pools: map[string]*pgxpool.Pool{}}
	ctx := context.Background()

	if cfg == nil {
		b.Events = event.NewMemoryStore()
		b.Queue = queue.NewMemoryQueue()
		b.Catalog = catalog.NewMemoryStore()
		b.Index = broker.NewMemoryIndex()
		b.Secrets, _ = secrets.NewStore(secrets.Config{})
		return b, nil
	}

	// 事件日志
	switch cfg.EventStore.Type {
	case "postgres":
		if cfg.EventStore.DSN == "" {
			return nil, fmt.Errorf("eventstore.type=postgres 需要 eventstore.dsn")
		}
		pool, err := b.pgPool(ctx, cfg.EventStore.DSN)
		if err != nil {
			return nil, fmt.Errorf("连接事件库失败: %w", err)
		}
		b.Events, err = event.NewPostgresStore(ctx, pool, cfg.EventStore.Node)
		if err != nil {
			return nil, fmt.Errorf("初始化事件日志失败: %w", err)
		}
	default:
		b.Events = event.NewMemoryStore()
	}

	// 工作队列；DSN 缺省复用事件库
	switch cfg.Queue.Type {
	case "postgres":
		dsn := cfg.Queue.DSN
		if dsn == "" {
			dsn = cfg.EventStore.DSN
		}
		if dsn == "" {
			return nil, fmt.Errorf("queue.type=postgres 需要 queue.dsn 或 eventstore.dsn")
		}
		pool, err := b.pgPool(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("连接队列库失败: %w", err)
		}
		lease := time.Duration(cfg.Queue.LeaseSeconds) * time.Second
		b.Queue, err = queue.NewPostgresQueue(ctx, pool, lease, cfg.Queue.MaxAttempts)
		if err != nil {
			return nil, fmt.Errorf("初始化工作队列失败: %w", err)
		}
	default:
		b.Queue = queue.NewMemoryQueue()
	}

	// Playbook 目录，统一包读穿缓存
	var inner catalog.Store
	switch cfg.Catalog.Type {
	case "postgres":
		dsn := cfg.Catalog.DSN
		if dsn == "" {
			dsn = cfg.EventStore.DSN
		}
		if dsn == "" {
			return nil, fmt.Errorf("catalog.type=postgres 需要 catalog.dsn 或 eventstore.dsn")
		}
		pool, err := b.pgPool(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("连接目录库失败: %w", err)
		}
		inner, err = catalog.NewPostgresStore(ctx, pool)
		if err != nil {
			return nil, fmt.Errorf("初始化目录失败: %w", err)
		}
	default:
		inner = catalog.NewMemoryStore()
	}
	cache, err := catalog.NewCache(ctx, cfg.Catalog.Cache)
	if err != nil {
		return nil, fmt.Errorf("初始化目录缓存失败: %w", err)
	}
	b.Catalog = catalog.NewCachedStore(inner, cache, ParseDuration(cfg.Catalog.Cache.TTL, 5*time.Minute))

	// 调度索引与事件日志同型同库
	if cfg.EventStore.Type == "postgres" {
		pool, err := b.pgPool(ctx, cfg.EventStore.DSN)
		if err != nil {
			return nil, fmt.Errorf("连接索引库失败: %w", err)
		}
		b.Index, err = broker.NewPostgresIndex(ctx, pool)
		if err != nil {
			return nil, fmt.Errorf("初始化调度索引失败: %w", err)
		}
	} else {
		b.Index = broker.NewMemoryIndex()
	}

	// Secret 解析（keychain 注入与 secrets 执行器共用）
	b.Secrets, err = secrets.NewStore(secrets.Config{Provider: cfg.Secrets.Provider, Config: cfg.Secrets.Config})
	if err != nil {
		return nil, fmt.Errorf("初始化 secret 存储失败: %w", err)
	}

	return b, nil
}

// pgPool 同 DSN 共享一个连接池
func (b *Bootstrap) pgPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	if pool, ok := b.pools[dsn]; ok {
		return pool, nil
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	b.pools[dsn] = pool
	return pool, nil
}

// Close 释放全部连接池
func (b *Bootstrap) Close() {
	for _, pool := range b.pools {
		pool.Close()
	}
}

// ParseDuration 解析时长字符串，空串或无效时返回 defaultVal
func ParseDuration(s string, defaultVal time.Duration) time.Duration {
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}
