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
	"maps"
	"sync"
	"time"

	apperrors "flow-platform/pkg/errors"
)

// MemoryQueue 内存工作队列，开发与测试用；语义与 PostgresQueue 对齐
type MemoryQueue struct {
	mu           sync.Mutex
	nextID       int64
	items        map[int64]*Item
	active       map[string]int64 // node_id → 活跃项 id
	defaultLease time.Duration
	defaultMax   int
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		items:        make(map[int64]*Item),
		active:       make(map[string]int64),
		defaultLease: 60 * time.Second,
		defaultMax:   3,
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, item *Item) (int64, error) {
	if item.NodeID == "" {
		return 0, apperrors.Wrap(apperrors.ErrInvalidArg, "queue: node_id is required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.active[item.NodeID]; ok {
		return 0, apperrors.Wrapf(apperrors.ErrDuplicate, "queue: node %s already active", item.NodeID)
	}

	q.nextID++
	now := nowFunc()
	stored := &Item{
		ID:          q.nextID,
		NodeID:      item.NodeID,
		ExecutionID: item.ExecutionID,
		Payload:     maps.Clone(item.Payload),
		Status:      StatusQueued,
		Priority:    item.Priority,
		MaxAttempts: item.MaxAttempts,
		AvailableAt: item.AvailableAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if stored.MaxAttempts <= 0 {
		stored.MaxAttempts = q.defaultMax
	}
	if stored.AvailableAt.IsZero() {
		stored.AvailableAt = now
	}
	q.items[stored.ID] = stored
	q.active[stored.NodeID] = stored.ID
	return stored.ID, nil
}

func (q *MemoryQueue) Lease(_ context.Context, workerID string, leaseFor time.Duration) (*Item, error) {
	if leaseFor <= 0 {
		leaseFor = q.defaultLease
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := nowFunc()
	var best *Item
	for _, it := range q.items {
		if it.Status != StatusQueued || it.AvailableAt.After(now) {
			continue
		}
		if best == nil || it.Priority > best.Priority || (it.Priority == best.Priority && it.ID < best.ID) {
			best = it
		}
	}
	if best == nil {
		return nil, ErrEmpty
	}
	best.Status = StatusLeased
	best.WorkerID = workerID
	best.Attempts++
	best.LeaseExpiresAt = now.Add(leaseFor)
	best.UpdatedAt = now
	return cloneItem(best), nil
}

func (q *MemoryQueue) Complete(_ context.Context, id int64, workerID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.items[id]
	if !ok {
		return ErrNotFound
	}
	if it.Status == StatusDone && it.WorkerID == workerID {
		return nil
	}
	if it.Status != StatusLeased || it.WorkerID != workerID {
		return ErrWorkerMismatch
	}
	it.Status = StatusDone
	it.UpdatedAt = nowFunc()
	delete(q.active, it.NodeID)
	return nil
}

func (q *MemoryQueue) Fail(_ context.Context, id int64, workerID string, retryAfter time.Duration, terminal bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.items[id]
	if !ok {
		return ErrNotFound
	}
	if it.Status != StatusLeased || it.WorkerID != workerID {
		return ErrWorkerMismatch
	}
	now := nowFunc()
	if terminal || it.Attempts >= it.MaxAttempts {
		it.Status = StatusDead
		it.LeaseExpiresAt = time.Time{}
		delete(q.active, it.NodeID)
	} else {
		it.Status = StatusQueued
		it.WorkerID = ""
		it.LeaseExpiresAt = time.Time{}
		it.AvailableAt = now.Add(retryAfter)
	}
	it.UpdatedAt = now
	return nil
}

func (q *MemoryQueue) Heartbeat(_ context.Context, id int64, workerID string, extendBy time.Duration) error {
	if extendBy <= 0 {
		extendBy = q.defaultLease
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.items[id]
	if !ok {
		return ErrNotFound
	}
	if it.Status != StatusLeased || it.WorkerID != workerID {
		return ErrWorkerMismatch
	}
	now := nowFunc()
	it.LeaseExpiresAt = now.Add(extendBy)
	it.UpdatedAt = now
	return nil
}

// ReapExpired 过期租约一律收回重排；attempts 上限只在 Fail 路径落 dead
func (q *MemoryQueue) ReapExpired(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := nowFunc()
	n := 0
	for _, it := range q.items {
		if it.Status != StatusLeased || it.LeaseExpiresAt.After(now) {
			continue
		}
		it.Status = StatusQueued
		it.WorkerID = ""
		it.LeaseExpiresAt = time.Time{}
		it.UpdatedAt = now
		n++
	}
	return n, nil
}

func (q *MemoryQueue) Size(_ context.Context) (map[string]int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make(map[string]int)
	for _, it := range q.items {
		out[it.Status]++
	}
	return out, nil
}

func (q *MemoryQueue) Get(_ context.Context, id int64) (*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneItem(it), nil
}

func (q *MemoryQueue) ActiveForExecution(_ context.Context, executionID int64) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, it := range q.items {
		if it.ExecutionID == executionID && (it.Status == StatusQueued || it.Status == StatusLeased) {
			n++
		}
	}
	return n, nil
}

var nowFunc = time.Now

func cloneItem(it *Item) *Item {
	c := *it
	c.Payload = maps.Clone(it.Payload)
	return &c
}
