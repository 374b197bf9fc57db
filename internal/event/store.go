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

package event

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound 事件或 workload 不存在
	ErrNotFound = errors.New("event: not found")
)

var nowFunc = time.Now

// Filter CountWhere 的筛选条件；零值字段不参与过滤
type Filter struct {
	Type            Type
	NodeID          string
	NodeName        string
	LoopName        string
	Status          string
	CurrentIndex    *int
	ContextContains map[string]any // context 需包含的键值（幂等守卫用，如 {"loop_completed": true}）
}

// Store 事件日志存储：append-only 事件 + workload + error_log。
// Append 负责补全缺省字段（event_id、parent_event_id、节点推断、循环元数据、服务端时间戳），
// 幂等键 (execution_id, event_id) 冲突时静默丢弃并返回已存事件。
type Store interface {
	Append(ctx context.Context, e *Event) (*Event, error)
	// ListByExecution 返回该执行的全部事件（created_at, event_id 升序）
	ListByExecution(ctx context.Context, executionID int64) ([]Event, error)
	// GetByEventID 按全局唯一 event_id 取事件
	GetByEventID(ctx context.Context, eventID int64) (*Event, error)
	CountWhere(ctx context.Context, executionID int64, f Filter) (int, error)
	// ListStatuses 返回该执行全部事件的 status（升序，空 status 跳过）
	ListStatuses(ctx context.Context, executionID int64) ([]string, error)
	// LatestNonEmptyResult 返回最近一条有意义的 result（无则 ErrNotFound）
	LatestNonEmptyResult(ctx context.Context, executionID int64) (any, error)
	// IterationEvents 返回该执行中指定循环的 loop_iteration 事件（按 current_index 升序）
	IterationEvents(ctx context.Context, executionID int64, loopName string) ([]Event, error)
	// ChildCompletions 返回 parent_execution_id 指向该执行的 execution_complete 事件
	ChildCompletions(ctx context.Context, parentExecutionID int64) ([]Event, error)
	// Workload 返回 execution_start 时落库的初始上下文
	Workload(ctx context.Context, executionID int64) (map[string]any, error)
}

// prepare 在插入前补全事件缺省字段；latest 为该执行当前最新事件（无则 nil）
func prepare(e *Event, gen *IDGen, latest *Event) {
	e.Type = NormalizeType(e.Type)
	if e.EventID == 0 {
		e.EventID = gen.Next()
	}
	if e.ParentEventID == 0 && latest != nil {
		e.ParentEventID = latest.EventID
	}
	if e.NodeName == "" {
		e.NodeName = stepNameFromContext(e.Context)
	}
	if e.NodeType == "" {
		e.NodeType = inferNodeType(e.Type, e.Context)
	}
	if e.LoopID == "" && e.LoopName == "" {
		loopID, loopName, iterator, index, item := loopMetaFromContext(e.Context)
		e.LoopID = loopID
		e.LoopName = loopName
		if e.Iterator == "" {
			e.Iterator = iterator
		}
		if e.CurrentIndex == nil {
			e.CurrentIndex = index
		}
		if e.CurrentItem == nil {
			e.CurrentItem = item
		}
	}
	// 时间戳一律由服务端赋值
	e.CreatedAt = nowFunc()
}
