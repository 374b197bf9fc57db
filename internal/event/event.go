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
	"strings"
	"time"
)

// Type 事件类型（闭集；见 dispatcher 路由表）
type Type string

const (
	ExecutionStart     Type = "execution_start"
	ExecutionComplete  Type = "execution_complete"
	StepStarted        Type = "step_started"
	StepCompleted      Type = "step_completed"
	StepRetry          Type = "step_retry"
	StepRetryExhausted Type = "step_retry_exhausted"
	StepFailedTerminal Type = "step_failed_terminal"
	ActionStarted      Type = "action_started"
	ActionCompleted    Type = "action_completed"
	ActionError        Type = "action_error"
	Result             Type = "result"
	StepResult         Type = "step_result"
	LoopIteration      Type = "loop_iteration"
	EndLoop            Type = "end_loop"
	LoopCompleted      Type = "loop_completed"
)

// 节点类型
const (
	NodePlaybook    = "playbook"
	NodeStep        = "step"
	NodeTask        = "task"
	NodeLoop        = "loop"
	NodeIterator    = "iterator"
	NodeLoopTracker = "loop_tracker"
	NodeControl     = "control"
)

// 事件状态
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusTracking  = "tracking"
)

// Event 单条执行事件。事件集合即执行的权威状态：追加写入，不更新历史行。
// (execution_id, event_id) 为幂等键，重复插入被静默丢弃。
type Event struct {
	ExecutionID       int64          `json:"execution_id,string"`
	EventID           int64          `json:"event_id,string"`
	ParentEventID     int64          `json:"parent_event_id,string,omitempty"`
	ParentExecutionID int64          `json:"parent_execution_id,string,omitempty"`
	Type              Type           `json:"event_type"`
	NodeID            string         `json:"node_id,omitempty"`
	NodeName          string         `json:"node_name,omitempty"`
	NodeType          string         `json:"node_type,omitempty"`
	Status            string         `json:"status,omitempty"`
	Duration          float64        `json:"duration,omitempty"`
	Context           map[string]any `json:"context,omitempty"`
	Result            any            `json:"result,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	Error             string         `json:"error,omitempty"`
	LoopID            string         `json:"loop_id,omitempty"`
	LoopName          string         `json:"loop_name,omitempty"`
	Iterator          string         `json:"iterator,omitempty"`
	CurrentIndex      *int           `json:"current_index,omitempty"`
	CurrentItem       any            `json:"current_item,omitempty"`
	CreatedAt         time.Time      `json:"timestamp"`
}

// NormalizeType 归一历史别名（execution_started / execution_completed），其余原样返回
func NormalizeType(t Type) Type {
	switch t {
	case "execution_started":
		return ExecutionStart
	case "execution_completed":
		return ExecutionComplete
	}
	return t
}

// IsFailure 该事件是否携带失败（status 含 failed/error，或 error 非空）
func (e *Event) IsFailure() bool {
	if e.Error != "" {
		return true
	}
	s := strings.ToLower(e.Status)
	return strings.Contains(s, "failed") || strings.Contains(s, "error")
}

// HasResult 结果非空且非占位（跳过标记 / 控制步占位不算）
func (e *Event) HasResult() bool {
	return MeaningfulResult(e.Result)
}

// MeaningfulResult 判断 result 是否为有意义的产出：
// nil、空 map、{"skipped":true}、{"reason":"control_step"} 均视为占位
func MeaningfulResult(r any) bool {
	if r == nil {
		return false
	}
	m, ok := r.(map[string]any)
	if !ok {
		return true
	}
	if len(m) == 0 {
		return false
	}
	if v, ok := m["skipped"]; ok && v == true && len(m) == 1 {
		return false
	}
	if v, ok := m["reason"]; ok && v == "control_step" {
		return false
	}
	return true
}

// inferNodeType 依据事件类型与上下文推断 node_type
// execution_* → playbook；action_* → task；loop_* → loop；result → task
func inferNodeType(t Type, ctx map[string]any) string {
	name := string(t)
	switch {
	case strings.HasPrefix(name, "execution_"):
		return NodePlaybook
	case strings.HasPrefix(name, "action_"):
		return NodeTask
	case strings.HasPrefix(name, "loop_") || name == "end_loop":
		return NodeLoop
	case t == Result:
		return NodeTask
	case strings.HasPrefix(name, "step_"):
		return NodeStep
	}
	if ctx != nil {
		if _, ok := ctx["_loop"]; ok {
			return NodeLoop
		}
	}
	return NodeStep
}

// stepNameFromContext 从 context.work.step_name 取步骤名
func stepNameFromContext(ctx map[string]any) string {
	if ctx == nil {
		return ""
	}
	work, ok := ctx["work"].(map[string]any)
	if !ok {
		return ""
	}
	name, _ := work["step_name"].(string)
	return name
}

// loopMetaFromContext 从 context._loop 提取循环元数据；无则全部零值
func loopMetaFromContext(ctx map[string]any) (loopID, loopName, iterator string, index *int, item any) {
	if ctx == nil {
		return
	}
	lm, ok := ctx["_loop"].(map[string]any)
	if !ok {
		return
	}
	loopID, _ = lm["loop_id"].(string)
	loopName, _ = lm["loop_name"].(string)
	iterator, _ = lm["iterator"].(string)
	if v, ok := lm["current_index"]; ok {
		if idx, ok := asInt(v); ok {
			index = &idx
		}
	}
	item = lm["current_item"]
	return
}

// asInt 宽松取整（JSON 解码后数字是 float64）
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
