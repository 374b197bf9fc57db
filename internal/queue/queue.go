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

package queue

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// 队列项状态
const (
	StatusQueued = "queued"
	StatusLeased = "leased"
	StatusDone   = "done"
	StatusDead   = "dead"
)

var (
	// ErrEmpty 当前没有可租约的队列项
	ErrEmpty = errors.New("queue: no item available")
	// ErrNotFound 队列项不存在
	ErrNotFound = errors.New("queue: item not found")
	// ErrWorkerMismatch 操作方不持有该项的租约
	ErrWorkerMismatch = errors.New("queue: lease held by another worker")
)

// Item 一条待执行的工作项。Payload 为不透明的作业载荷（步骤定义与渲染上下文），
// 调度字段单列成列。
type Item struct {
	ID             int64          `json:"id,string"`
	NodeID         string         `json:"node_id"`
	ExecutionID    int64          `json:"execution_id,string"`
	Payload        map[string]any `json:"payload"`
	Status         string         `json:"status"`
	Priority       int            `json:"priority"`
	Attempts       int            `json:"attempts"`
	MaxAttempts    int            `json:"max_attempts"`
	WorkerID       string         `json:"worker_id,omitempty"`
	LeaseExpiresAt time.Time      `json:"lease_expires_at,omitempty"`
	AvailableAt    time.Time      `json:"available_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at,omitempty"`
}

// NodeID 生成去重键：同一执行内同名步骤只允许一个活跃队列项，
// 循环迭代追加下标区分。
func NodeID(executionID int64, step string, index *int) string {
	if index != nil {
		return fmt.Sprintf("%d:%s:%d", executionID, step, *index)
	}
	return fmt.Sprintf("%d:%s", executionID, step)
}

// Queue 工作队列。Lease 取最高优先级且 available_at 已到的项并计一次 attempt；
// Fail 由调用方给定重试延迟，attempts 达到上限或 terminal 时落 dead。
type Queue interface {
	// Enqueue 新建队列项；node_id 已有活跃项时返回 pkg/errors.ErrDuplicate
	Enqueue(ctx context.Context, item *Item) (int64, error)
	Lease(ctx context.Context, workerID string, leaseFor time.Duration) (*Item, error)
	Complete(ctx context.Context, id int64, workerID string) error
	Fail(ctx context.Context, id int64, workerID string, retryAfter time.Duration, terminal bool) error
	Heartbeat(ctx context.Context, id int64, workerID string, extendBy time.Duration) error
	// ReapExpired 把租约过期的项收回重排，返回处理条数；dead 只在 Fail 路径落
	ReapExpired(ctx context.Context) (int, error)
	// Size 按状态统计队列深度
	Size(ctx context.Context) (map[string]int, error)
	Get(ctx context.Context, id int64) (*Item, error)
	// ActiveForExecution 统计该执行的 queued/leased 项数（broker 判定执行态用）
	ActiveForExecution(ctx context.Context, executionID int64) (int, error)
}
