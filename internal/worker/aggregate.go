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

package worker

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"flow-platform/internal/event"
	"flow-platform/internal/executor"
	"flow-platform/internal/playbook"
	"flow-platform/internal/queue"
)

// EventSource 聚合执行器的事件读取口，由 Client 实现
type EventSource interface {
	GetEvent(ctx context.Context, eventID int64) (*event.Event, error)
	ExecutionEvents(ctx context.Context, executionID int64) ([]event.Event, error)
}

var _ EventSource = (*Client)(nil)

// AggregationExecutor result_aggregation 任务执行器：循环收口后把各
// 迭代结果规整为按下标升序的列表，作为聚合节点的最终结果落库。
// 放在 worker 侧执行，聚合对事件日志的读压力受队列容量约束。
type AggregationExecutor struct {
	events EventSource
}

// NewAggregationExecutor 创建聚合执行器
func NewAggregationExecutor(events EventSource) *AggregationExecutor {
	return &AggregationExecutor{events: events}
}

// Kind 实现 executor.Executor
func (e *AggregationExecutor) Kind() string { return playbook.TypeAggregation }

// Execute 实现 executor.Executor。任务上下文携带
// loop_step 与 iteration_event_ids；迭代事件给出下标与节点身份，
// 结果从父执行事件流按节点取，子执行迭代追到子流的最终结果。
func (e *AggregationExecutor) Execute(ctx context.Context, t *executor.Task) executor.Result {
	loopStep, _ := t.Context["loop_step"].(string)
	if loopStep == "" {
		return executor.Errorf("result_aggregation: 缺少 loop_step")
	}
	rawIDs, _ := t.Context["iteration_event_ids"].([]any)

	type iterRef struct {
		index  int
		nodeID string
	}
	refs := make([]iterRef, 0, len(rawIDs))
	for _, raw := range rawIDs {
		id, err := coerceEventID(raw)
		if err != nil {
			return executor.Errorf("result_aggregation: 迭代事件 id %v: %v", raw, err)
		}
		ev, err := e.events.GetEvent(ctx, id)
		if err != nil {
			return executor.Errorf("result_aggregation: 读迭代事件 %d: %v", id, err)
		}
		if ev.CurrentIndex == nil {
			continue
		}
		refs = append(refs, iterRef{
			index:  *ev.CurrentIndex,
			nodeID: queue.NodeID(t.ExecutionID, loopStep, ev.CurrentIndex),
		})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].index < refs[j].index })

	all, err := e.events.ExecutionEvents(ctx, t.ExecutionID)
	if err != nil {
		return executor.Errorf("result_aggregation: 读执行事件: %v", err)
	}
	// 每个迭代节点取最后一条非空 action_completed
	byNode := make(map[string]any, len(refs))
	for i := range all {
		ev := &all[i]
		if ev.Type != event.ActionCompleted || ev.Result == nil {
			continue
		}
		byNode[ev.NodeID] = ev.Result
	}

	results := make([]any, 0, len(refs))
	for _, ref := range refs {
		results = append(results, e.resolve(ctx, byNode[ref.nodeID]))
	}
	return executor.Success(map[string]any{
		"loop_step": loopStep,
		"count":     len(results),
		"results":   results,
	})
}

// resolve 子执行迭代的 action_completed 只是启动回执
// （{execution_id, path}），追到子执行流里的最终结果
func (e *AggregationExecutor) resolve(ctx context.Context, res any) any {
	m, ok := res.(map[string]any)
	if !ok {
		return res
	}
	idStr, ok := m["execution_id"].(string)
	if !ok || len(m) > 2 {
		return res
	}
	if _, hasPath := m["path"]; !hasPath && len(m) == 2 {
		return res
	}
	childID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return res
	}
	childEvents, err := e.events.ExecutionEvents(ctx, childID)
	if err != nil {
		return res
	}
	for i := len(childEvents) - 1; i >= 0; i-- {
		ev := &childEvents[i]
		if ev.Type == event.ExecutionComplete && ev.Result != nil {
			return ev.Result
		}
	}
	return res
}

func coerceEventID(v any) (int64, error) {
	switch n := v.(type) {
	case string:
		return strconv.ParseInt(n, 10, 64)
	case float64:
		return int64(n), nil
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("无法解析 %T", v)
	}
}
