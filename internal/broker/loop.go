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

package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"flow-platform/internal/event"
	"flow-platform/internal/playbook"
	"flow-platform/internal/queue"
	"flow-platform/internal/render"
	apperrors "flow-platform/pkg/errors"
	"flow-platform/pkg/log"
)

// FinalizedLoop 一个刚收口的循环：聚合结果与迭代事件 id，
// broker 据此排聚合任务并推进后继转移
type FinalizedLoop struct {
	StepName          string
	Aggregate         map[string]any
	IterationEventIDs []int64
}

// LoopCoordinator 循环协调器：把带 loop 块的步骤展开成逐项迭代任务，
// 跟踪迭代完成度，全部完成后恰好一次地发射收口事件序列。
// 迭代事件与收口事件都用确定性 event_id，并发 broker 重复发射时
// 靠 (execution_id, event_id) 幂等键去重。
type LoopCoordinator struct {
	events             event.Store
	queue              queue.Queue
	renderer           *render.Renderer
	logger             *log.Logger
	defaultMaxAttempts int
}

// NewLoopCoordinator 创建循环协调器
func NewLoopCoordinator(events event.Store, q queue.Queue, renderer *render.Renderer, logger *log.Logger, defaultMaxAttempts int) *LoopCoordinator {
	if defaultMaxAttempts <= 0 {
		defaultMaxAttempts = 3
	}
	return &LoopCoordinator{events: events, queue: q, renderer: renderer, logger: logger, defaultMaxAttempts: defaultMaxAttempts}
}

// Expand 渲染 loop.in 并为每个 (index, item) 发射 loop_iteration 事件、
// 排出迭代任务。async 模式全量同优先级入队；sequential 只入队第 0 项，
// 后续由 Check 在前一项完成后接续，优先级随下标递减。
func (c *LoopCoordinator) Expand(ctx context.Context, execID int64, step *playbook.Step, baseCtx map[string]any) error {
	rendered, err := c.renderer.Eval(step.Loop.In, baseCtx)
	if err != nil {
		return fmt.Errorf("渲染 loop.in: %w", err)
	}
	items, ok := rendered.([]any)
	if !ok {
		return fmt.Errorf("loop.in 渲染结果不是列表: %T", rendered)
	}

	execStr := strconv.FormatInt(execID, 10)
	loopID := fmt.Sprintf("%d:%s", execID, step.Name)
	mode := step.Loop.ModeOrDefault()

	if len(items) == 0 {
		// 空列表：直接以空聚合收口
		c.finalize(ctx, execID, step.Name, loopID, map[string]any{
			"results": []any{}, "count": 0, "data": []any{},
		})
		return nil
	}

	total := len(items)
	for idx, item := range items {
		nodeID := queue.NodeID(execID, step.Name, &idx)
		iterCtx := cloneCtx(baseCtx)
		iterCtx[step.Loop.Iterator] = item
		iterCtx["_loop"] = map[string]any{
			"loop_id":       loopID,
			"loop_name":     step.Name,
			"iterator":      step.Loop.Iterator,
			"current_index": idx,
			"current_item":  item,
			"items_count":   total,
			"mode":          mode,
		}
		iterCtx["work"] = map[string]any{
			"step_name":    step.Name,
			"step_type":    step.Type,
			"execution_id": execStr,
			"node_id":      nodeID,
		}

		index := idx
		ev := &event.Event{
			ExecutionID:  execID,
			EventID:      stableEventID(execStr, step.Name, "loop_iteration", strconv.Itoa(idx)),
			Type:         event.LoopIteration,
			NodeID:       nodeID,
			NodeName:     step.Name,
			NodeType:     event.NodeLoop,
			Status:       event.StatusRunning,
			LoopID:       loopID,
			LoopName:     step.Name,
			Iterator:     step.Loop.Iterator,
			CurrentIndex: &index,
			CurrentItem:  item,
			Context:      iterCtx,
		}
		if _, err := c.events.Append(ctx, ev); err != nil {
			return fmt.Errorf("发射 loop_iteration[%d]: %w", idx, err)
		}

		if mode == playbook.ModeSequential && idx > 0 {
			continue
		}
		if err := c.enqueueIteration(ctx, execID, step, nodeID, iterCtx, iterationPriority(mode, total, idx)); err != nil {
			return err
		}
	}
	return nil
}

// iterationPriority async 全量同优先级；sequential 随下标严格递减
func iterationPriority(mode string, total, idx int) int {
	if mode == playbook.ModeSequential {
		return total - idx
	}
	return 0
}

func (c *LoopCoordinator) enqueueIteration(ctx context.Context, execID int64, step *playbook.Step, nodeID string, iterCtx map[string]any, priority int) error {
	maxAttempts := c.defaultMaxAttempts
	if step.Retry != nil {
		if step.Retry.Disabled {
			maxAttempts = 1
		} else {
			maxAttempts = step.Retry.Defaults().MaxAttempts
		}
	}
	item := &queue.Item{
		NodeID:      nodeID,
		ExecutionID: execID,
		Priority:    priority,
		MaxAttempts: maxAttempts,
		Payload: map[string]any{
			"action":  stepToMap(step),
			"context": iterCtx,
		},
	}
	if _, err := c.queue.Enqueue(ctx, item); err != nil {
		if errors.Is(err, apperrors.ErrDuplicate) {
			return nil
		}
		return fmt.Errorf("入队迭代 %s: %w", nodeID, err)
	}
	return nil
}

// Check 巡检该执行的全部循环步骤：接续 sequential 下一项、
// 刷新 end_loop 跟踪记录、全部完成时收口。返回已收口的循环，
// 含先前轮次收口过的（下游入队与推进自带幂等守卫）。
func (c *LoopCoordinator) Check(ctx context.Context, execID int64, pb *playbook.Playbook) ([]FinalizedLoop, error) {
	events, err := c.events.ListByExecution(ctx, execID)
	if err != nil {
		return nil, err
	}
	children, err := c.events.ChildCompletions(ctx, execID)
	if err != nil {
		return nil, err
	}

	var finalized []FinalizedLoop
	for i := range pb.Workflow {
		step := &pb.Workflow[i]
		if step.Loop == nil {
			continue
		}
		f, err := c.checkLoop(ctx, execID, step, events, children)
		if err != nil {
			return nil, err
		}
		if f != nil {
			finalized = append(finalized, *f)
		}
	}
	return finalized, nil
}

// loopIteration 单个迭代的跟踪状态
type loopIteration struct {
	index   int
	nodeID  string
	eventID int64
	context map[string]any
	done    bool
	result  any
}

func (c *LoopCoordinator) checkLoop(ctx context.Context, execID int64, step *playbook.Step, events, children []event.Event) (*FinalizedLoop, error) {
	iters := collectIterations(execID, step.Name, events, children)

	// 已收口（含空列表在 Expand 内直接收口的情形）：原样返回收口结果，
	// 下游的聚合任务入队与推进各有自己的幂等守卫
	n, err := c.events.CountWhere(ctx, execID, event.Filter{
		Type:            event.ActionCompleted,
		NodeName:        step.Name,
		ContextContains: map[string]any{"loop_completed": true},
	})
	if err != nil {
		return nil, err
	}
	if n > 0 {
		return &FinalizedLoop{
			StepName:          step.Name,
			Aggregate:         aggregateResults(iters),
			IterationEventIDs: iterationEventIDs(iters),
		}, nil
	}
	if len(iters) == 0 {
		// 尚未展开
		return nil, nil
	}

	total := len(iters)
	mode := step.Loop.ModeOrDefault()
	completed := 0
	for _, it := range iters {
		if it.done {
			completed++
		}
	}

	// sequential：前序全部完成后接续第一个未入队项
	if mode == playbook.ModeSequential && completed < total {
		next := iters[completed]
		if !next.done && completed == next.index {
			if err := c.enqueueIteration(ctx, execID, step, next.nodeID, next.context, iterationPriority(mode, total, next.index)); err != nil {
				return nil, err
			}
		}
	}

	c.trackProgress(ctx, execID, step.Name, iters, completed, total)

	if completed < total {
		return nil, nil
	}

	loopID := fmt.Sprintf("%d:%s", execID, step.Name)
	aggregate := aggregateResults(iters)
	c.finalize(ctx, execID, step.Name, loopID, aggregate)
	return &FinalizedLoop{StepName: step.Name, Aggregate: aggregate, IterationEventIDs: iterationEventIDs(iters)}, nil
}

func iterationEventIDs(iters []loopIteration) []int64 {
	ids := make([]int64, 0, len(iters))
	for _, it := range iters {
		ids = append(ids, it.eventID)
	}
	return ids
}

// collectIterations 汇总迭代事件与各自的最优结果。
// 结果偏好序：子执行 execution_complete.result > 最后一条非空
// action_completed.result > 任意非空 result 兜底。
func collectIterations(execID int64, stepName string, events, children []event.Event) []loopIteration {
	var iters []loopIteration
	seen := map[int]bool{}
	for _, e := range events {
		if e.Type != event.LoopIteration || e.NodeName != stepName || e.CurrentIndex == nil {
			continue
		}
		if seen[*e.CurrentIndex] {
			continue
		}
		seen[*e.CurrentIndex] = true
		iters = append(iters, loopIteration{
			index:   *e.CurrentIndex,
			nodeID:  queue.NodeID(execID, stepName, e.CurrentIndex),
			eventID: e.EventID,
			context: e.Context,
		})
	}
	sort.Slice(iters, func(i, j int) bool { return iters[i].index < iters[j].index })

	for i := range iters {
		it := &iters[i]
		var fallback any
		for _, e := range events {
			if e.NodeID != it.nodeID {
				continue
			}
			switch e.Type {
			case event.ActionCompleted:
				if childID, ok := childMarker(e.Result); ok {
					if child := findChild(children, childID); child != nil {
						it.done = true
						it.result = child.Result
					} else {
						it.done = false
					}
					continue
				}
				it.done = true
				if e.HasResult() {
					it.result = e.Result
				}
			case event.Result, event.StepResult:
				if e.HasResult() {
					fallback = e.Result
				}
			}
		}
		if it.result == nil && fallback != nil {
			it.result = fallback
		}
	}
	return iters
}

// childMarker 识别 playbook 执行器的子执行标记 {"execution_id": "<十进制>", "path": ...}
func childMarker(result any) (int64, bool) {
	m, ok := result.(map[string]any)
	if !ok {
		return 0, false
	}
	idStr, ok := m["execution_id"].(string)
	if !ok {
		return 0, false
	}
	if _, hasPath := m["path"]; !hasPath {
		return 0, false
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func findChild(children []event.Event, childID int64) *event.Event {
	for i := range children {
		if children[i].ExecutionID == childID {
			return &children[i]
		}
	}
	return nil
}

// trackProgress 刷新 end_loop 跟踪记录；event_id 由完成数派生，
// 同一进度只落一条
func (c *LoopCoordinator) trackProgress(ctx context.Context, execID int64, stepName string, iters []loopIteration, completed, total int) {
	execStr := strconv.FormatInt(execID, 10)
	expected := make([]any, 0, len(iters))
	done := make([]any, 0, completed)
	for _, it := range iters {
		expected = append(expected, it.nodeID)
		if it.done {
			done = append(done, it.nodeID)
		}
	}
	e := &event.Event{
		ExecutionID: execID,
		EventID:     stableEventID(execStr, stepName, "end_loop", strconv.Itoa(completed)),
		Type:        event.EndLoop,
		NodeID:      fmt.Sprintf("%d:%s", execID, stepName),
		NodeName:    stepName,
		NodeType:    event.NodeLoopTracker,
		Status:      event.StatusTracking,
		LoopID:      fmt.Sprintf("%d:%s", execID, stepName),
		LoopName:    stepName,
		Context: map[string]any{
			"work":            map[string]any{"step_name": stepName},
			"expected":        expected,
			"completed":       done,
			"completed_count": completed,
			"total":           total,
		},
	}
	if _, err := c.events.Append(ctx, e); err != nil {
		c.logger.Warn("刷新 end_loop 跟踪失败", "execution_id", execID, "step", stepName, "error", err)
	}
}

// aggregateResults 按迭代下标排好序的聚合载荷
func aggregateResults(iters []loopIteration) map[string]any {
	results := make([]any, 0, len(iters))
	for _, it := range iters {
		results = append(results, it.result)
	}
	return map[string]any{
		"results": results,
		"count":   len(iters),
		"data":    results,
	}
}

// finalize 发射收口事件序列：聚合 action_completed（context 带
// loop_completed 标记）、伴随 result、step_completed、loop_completed。
// 全部用确定性 event_id，多 broker 并发收口时最多落一份。
func (c *LoopCoordinator) finalize(ctx context.Context, execID int64, stepName, loopID string, aggregate map[string]any) {
	execStr := strconv.FormatInt(execID, 10)
	nodeID := fmt.Sprintf("%d:%s", execID, stepName)
	finalCtx := map[string]any{
		"work":           map[string]any{"step_name": stepName},
		"loop_completed": true,
		"loop_id":        loopID,
		"loop_name":      stepName,
	}
	seq := []*event.Event{
		{
			ExecutionID: execID,
			EventID:     stableEventID(execStr, stepName, "loop_final"),
			Type:        event.ActionCompleted,
			NodeID:      nodeID,
			NodeName:    stepName,
			NodeType:    event.NodeLoop,
			Status:      event.StatusCompleted,
			LoopID:      loopID,
			LoopName:    stepName,
			Result:      aggregate,
			Context:     finalCtx,
		},
		{
			ExecutionID: execID,
			EventID:     stableEventID(execStr, stepName, "loop_final_result"),
			Type:        event.Result,
			NodeID:      nodeID,
			NodeName:    stepName,
			NodeType:    event.NodeLoop,
			Status:      event.StatusCompleted,
			LoopID:      loopID,
			LoopName:    stepName,
			Result:      aggregate,
		},
		{
			ExecutionID: execID,
			EventID:     stableEventID(execStr, stepName, "loop_step_completed"),
			Type:        event.StepCompleted,
			NodeID:      nodeID,
			NodeName:    stepName,
			NodeType:    event.NodeStep,
			Status:      event.StatusCompleted,
		},
		{
			ExecutionID: execID,
			EventID:     stableEventID(execStr, stepName, "loop_completed"),
			Type:        event.LoopCompleted,
			NodeID:      nodeID,
			NodeName:    stepName,
			NodeType:    event.NodeControl,
			Status:      event.StatusCompleted,
			LoopID:      loopID,
			LoopName:    stepName,
		},
	}
	for _, e := range seq {
		if _, err := c.events.Append(ctx, e); err != nil {
			c.logger.Error("发射循环收口事件失败", "execution_id", execID, "step", stepName, "type", e.Type, "error", err)
		}
	}
}
