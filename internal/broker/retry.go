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
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"time"

	"flow-platform/internal/event"
	"flow-platform/internal/playbook"
	"flow-platform/internal/queue"
	"flow-platform/internal/render"
	"flow-platform/pkg/log"
	"flow-platform/pkg/metrics"
)

// jitterFunc 返回 [0.5, 1.5) 的随机系数；测试替换成定值
var jitterFunc = func() float64 { return 0.5 + rand.Float64() }

// retryNow 重试控制器时钟，测试替换
var retryNow = time.Now

// FailOverride 失败上报里的调用方覆盖；两个字段都为空时由控制器决策
type FailOverride struct {
	Retry        *bool    `json:"retry,omitempty"`
	DelaySeconds *float64 `json:"retry_delay_seconds,omitempty"`
}

// Decision 一次失败的处置结果
type Decision struct {
	Retry     bool          `json:"retry"`
	Delay     time.Duration `json:"-"`
	Exhausted bool          `json:"exhausted"` // 因次数打满而终止
	Reason    string        `json:"reason"`
	Attempt   int           `json:"attempt"`
}

// RetryController 服务端重试控制器。worker 上报失败后在这里决定
// 重新排队还是终止：次数上限 → stop_when → retry_when → 缺省规则
// （仅 action_error/action_failed 重试）。延迟为指数退避加抖动。
type RetryController struct {
	events   event.Store
	queue    queue.Queue
	renderer *render.Renderer
	logger   *log.Logger
}

// NewRetryController 创建重试控制器
func NewRetryController(events event.Store, q queue.Queue, renderer *render.Renderer, logger *log.Logger) *RetryController {
	return &RetryController{events: events, queue: q, renderer: renderer, logger: logger}
}

// HandleFailure 处理一次失败上报：决策、落队列状态、发射重试相关事件
func (rc *RetryController) HandleFailure(ctx context.Context, id int64, override FailOverride) (*Decision, error) {
	item, err := rc.queue.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	retryCfg, disabled := retryConfig(item.Payload)
	failure := rc.latestFailure(ctx, item)
	decision := rc.decide(item, retryCfg, disabled, failure, override)

	stepName := stepNameFromPayload(item.Payload)
	if decision.Retry {
		if err := rc.queue.Fail(ctx, id, item.WorkerID, decision.Delay, false); err != nil {
			return nil, err
		}
		metrics.JobRetryTotal.Inc()
		rc.emitRetry(ctx, item, stepName, decision, retryCfg)
		return &decision, nil
	}

	if err := rc.queue.Fail(ctx, id, item.WorkerID, 0, true); err != nil {
		return nil, err
	}
	metrics.JobDeadTotal.Inc()
	rc.emitTerminal(ctx, item, stepName, decision, failure)
	return &decision, nil
}

// decide 重试决策；优先级：调用方覆盖 > 次数上限 > stop_when > retry_when > 缺省规则
func (rc *RetryController) decide(item *queue.Item, cfg playbook.Retry, disabled bool, failure *event.Event, override FailOverride) Decision {
	attempt := item.Attempts
	d := Decision{Attempt: attempt}

	if override.Retry != nil || override.DelaySeconds != nil {
		if override.Retry != nil && !*override.Retry {
			d.Reason = "caller_stop"
			return d
		}
		d.Retry = true
		d.Reason = "caller_retry"
		d.Delay = rc.backoff(cfg, attempt)
		if override.DelaySeconds != nil {
			d.Delay = time.Duration(*override.DelaySeconds * float64(time.Second))
		}
		return d
	}

	if disabled {
		d.Reason = "retry_disabled"
		return d
	}

	maxAttempts := cfg.MaxAttempts
	if item.MaxAttempts > 0 && item.MaxAttempts < maxAttempts {
		maxAttempts = item.MaxAttempts
	}
	if attempt >= maxAttempts {
		d.Exhausted = true
		d.Reason = "max_attempts"
		return d
	}

	failCtx := failureContext(failure, attempt)
	if cfg.StopWhen != "" && rc.renderer.Truthy(cfg.StopWhen, failCtx) {
		d.Reason = "stop_when"
		return d
	}
	if cfg.RetryWhen != "" {
		if rc.renderer.Truthy(cfg.RetryWhen, failCtx) {
			d.Retry = true
			d.Reason = "retry_when"
			d.Delay = rc.backoff(cfg, attempt)
		} else {
			d.Reason = "retry_when_false"
		}
		return d
	}

	// 缺省规则：只有执行器层失败（action_error/action_failed）才重试
	if failure != nil {
		t := event.NormalizeType(failure.Type)
		if t == event.ActionError || t == "action_failed" {
			d.Retry = true
			d.Reason = "default_policy"
			d.Delay = rc.backoff(cfg, attempt)
			return d
		}
	}
	d.Reason = "not_retryable"
	return d
}

// backoff delay = initial × multiplier^(attempt-1)，封顶 max_delay，可选抖动
func (rc *RetryController) backoff(cfg playbook.Retry, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	seconds := cfg.InitialDelay * math.Pow(cfg.BackoffMultiplier, float64(attempt-1))
	if seconds > cfg.MaxDelay {
		seconds = cfg.MaxDelay
	}
	if cfg.Jitter != nil && *cfg.Jitter {
		seconds *= jitterFunc()
	}
	return time.Duration(seconds * float64(time.Second))
}

// latestFailure 该节点最近一条失败事件（无则 nil）
func (rc *RetryController) latestFailure(ctx context.Context, item *queue.Item) *event.Event {
	events, err := rc.events.ListByExecution(ctx, item.ExecutionID)
	if err != nil {
		rc.logger.Warn("读取失败事件失败", "execution_id", item.ExecutionID, "error", err)
		return nil
	}
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		if e.NodeID == item.NodeID && e.IsFailure() {
			return &e
		}
	}
	return nil
}

func (rc *RetryController) emitRetry(ctx context.Context, item *queue.Item, stepName string, d Decision, cfg playbook.Retry) {
	next := retryNow().Add(d.Delay)
	e := &event.Event{
		ExecutionID: item.ExecutionID,
		EventID:     stableEventID(strconv.FormatInt(item.ExecutionID, 10), item.NodeID, "step_retry", strconv.Itoa(d.Attempt)),
		Type:        event.StepRetry,
		NodeID:      item.NodeID,
		NodeName:    stepName,
		NodeType:    event.NodeStep,
		Status:      event.StatusPending,
		Context: map[string]any{
			"work":          map[string]any{"step_name": stepName},
			"attempt":       d.Attempt,
			"max_attempts":  cfg.MaxAttempts,
			"delay_seconds": d.Delay.Seconds(),
			"next_time":     next.Format(time.RFC3339),
			"reason":        d.Reason,
		},
	}
	if _, err := rc.events.Append(ctx, e); err != nil {
		rc.logger.Error("发射 step_retry 失败", "node_id", item.NodeID, "error", err)
	}
}

func (rc *RetryController) emitTerminal(ctx context.Context, item *queue.Item, stepName string, d Decision, failure *event.Event) {
	base := map[string]any{
		"work":    map[string]any{"step_name": stepName},
		"attempt": d.Attempt,
		"reason":  d.Reason,
	}
	if d.Exhausted {
		e := &event.Event{
			ExecutionID: item.ExecutionID,
			EventID:     stableEventID(strconv.FormatInt(item.ExecutionID, 10), item.NodeID, "step_retry_exhausted"),
			Type:        event.StepRetryExhausted,
			NodeID:      item.NodeID,
			NodeName:    stepName,
			NodeType:    event.NodeStep,
			Status:      event.StatusFailed,
			Error:       fmt.Sprintf("重试次数打满（%d 次）", d.Attempt),
			Context:     base,
		}
		if _, err := rc.events.Append(ctx, e); err != nil {
			rc.logger.Error("发射 step_retry_exhausted 失败", "node_id", item.NodeID, "error", err)
		}
	}
	errText := "步骤终止"
	if failure != nil && failure.Error != "" {
		errText = failure.Error
	}
	e := &event.Event{
		ExecutionID: item.ExecutionID,
		EventID:     stableEventID(strconv.FormatInt(item.ExecutionID, 10), item.NodeID, "step_failed_terminal"),
		Type:        event.StepFailedTerminal,
		NodeID:      item.NodeID,
		NodeName:    stepName,
		NodeType:    event.NodeStep,
		Status:      event.StatusFailed,
		Error:       errText,
		Context:     base,
	}
	if _, err := rc.events.Append(ctx, e); err != nil {
		rc.logger.Error("发射 step_failed_terminal 失败", "node_id", item.NodeID, "error", err)
	}
}

// retryConfig 从作业载荷解析步骤的重试配置；返回（补全缺省后的配置, 是否显式禁用）
func retryConfig(payload map[string]any) (playbook.Retry, bool) {
	action, _ := payload["action"].(map[string]any)
	raw, ok := action["retry"]
	if !ok || raw == nil {
		return playbook.Retry{}.Defaults(), false
	}
	switch v := raw.(type) {
	case bool:
		if !v {
			return playbook.Retry{}, true
		}
		return playbook.Retry{}.Defaults(), false
	case float64:
		return playbook.Retry{MaxAttempts: int(v)}.Defaults(), false
	case map[string]any:
		cfg := playbook.Retry{
			RetryWhen: asString(v["retry_when"]),
			StopWhen:  asString(v["stop_when"]),
		}
		cfg.MaxAttempts = asIntValue(v["max_attempts"])
		cfg.InitialDelay = asFloat(v["initial_delay"])
		cfg.BackoffMultiplier = asFloat(v["backoff_multiplier"])
		cfg.MaxDelay = asFloat(v["max_delay"])
		if j, ok := v["jitter"].(bool); ok {
			cfg.Jitter = &j
		}
		return cfg.Defaults(), false
	default:
		return playbook.Retry{}.Defaults(), false
	}
}

// failureContext stop_when/retry_when 的渲染上下文。失败事件上下文打底，
// 固定键集铺满：result/error/status_code/success/data/attempt/
// execution_id/node_id/event_type/status；status_code、data、success
// 从失败结果信封里提出来，条件表达式不必逐层解包。
func failureContext(failure *event.Event, attempt int) map[string]any {
	out := map[string]any{
		"attempt":      attempt,
		"result":       nil,
		"error":        "",
		"status_code":  nil,
		"success":      false,
		"data":         nil,
		"execution_id": "",
		"node_id":      "",
		"event_type":   "",
		"status":       "",
	}
	if failure == nil {
		return out
	}
	for k, v := range failure.Context {
		out[k] = v
	}
	out["error"] = failure.Error
	out["result"] = failure.Result
	out["attempt"] = attempt
	out["execution_id"] = strconv.FormatInt(failure.ExecutionID, 10)
	out["node_id"] = failure.NodeID
	out["event_type"] = string(event.NormalizeType(failure.Type))
	out["status"] = failure.Status
	out["success"] = !failure.IsFailure()
	if m, ok := failure.Result.(map[string]any); ok {
		if sc, ok := m["status_code"]; ok {
			out["status_code"] = sc
		}
		if d, ok := m["data"]; ok {
			out["data"] = d
		} else {
			out["data"] = failure.Result
		}
		if s, ok := m["success"].(bool); ok {
			out["success"] = s
		}
	} else if failure.Result != nil {
		out["data"] = failure.Result
	}
	return out
}

func stepNameFromPayload(payload map[string]any) string {
	c, _ := payload["context"].(map[string]any)
	work, _ := c["work"].(map[string]any)
	name, _ := work["step_name"].(string)
	return name
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	}
	return 0
}

func asIntValue(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	}
	return 0
}
