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

// Package worker 实现 worker 进程：按租约协议从服务端拉取任务、
// 分发执行器、回写结果事件并心跳续约。并发由自适应闸门控制，
// 以服务端的 503 与池压力探针为收缩信号。
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"flow-platform/internal/event"
	"flow-platform/internal/executor"
	"flow-platform/internal/queue"
)

// 租约协议的哨兵错误
var (
	// ErrNoWork 队列为空（204），调用方按轮询间隔退避
	ErrNoWork = errors.New("worker: 队列为空")
	// ErrOverloaded 服务端过载（503），调用方收缩并发并指数退避
	ErrOverloaded = errors.New("worker: 服务端过载")
)

// FailDecision 服务端对失败上报的处置结果
type FailDecision struct {
	Retry        bool    `json:"retry"`
	Reason       string  `json:"reason"`
	Attempt      int     `json:"attempt"`
	Exhausted    bool    `json:"exhausted"`
	DelaySeconds float64 `json:"delay_seconds"`
}

// FailOverride 失败上报时的调用方覆盖；nil 字段交由服务端按策略决定
type FailOverride struct {
	Retry        *bool
	DelaySeconds *float64
}

// PoolStatus 服务端 worker 池压力探针的回包
type PoolStatus struct {
	Utilization     float64 `json:"utilization"`
	SlotsAvailable  int64   `json:"slots_available"`
	RequestsWaiting int64   `json:"requests_waiting"`
	PoolMax         int64   `json:"pool_max"`
}

// Client 编排器 API 的 worker 侧客户端
type Client struct {
	http *resty.Client
}

// 子 playbook 执行经由服务端 API 启动
var _ executor.Launcher = (*Client)(nil)

// NewClient 创建客户端，baseURL 形如 http://localhost:8080
func NewClient(baseURL string) *Client {
	return &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(30 * time.Second).
			SetHeader("Content-Type", "application/json"),
	}
}

// Lease 申请一条任务租约。队列为空返回 ErrNoWork，过载返回 ErrOverloaded。
func (c *Client) Lease(ctx context.Context, workerID string, leaseFor time.Duration) (*queue.Item, error) {
	var item queue.Item
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{"worker_id": workerID, "lease_seconds": leaseFor.Seconds()}).
		SetResult(&item).
		Post("/api/queue/lease")
	if err != nil {
		return nil, err
	}
	switch resp.StatusCode() {
	case http.StatusOK:
		return &item, nil
	case http.StatusNoContent:
		return nil, ErrNoWork
	case http.StatusServiceUnavailable:
		return nil, ErrOverloaded
	default:
		return nil, fmt.Errorf("POST /api/queue/lease: %s", resp.String())
	}
}

// Complete 确认任务完成。done 项的重复确认由服务端幂等吸收。
func (c *Client) Complete(ctx context.Context, id int64, workerID string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{"worker_id": workerID}).
		Post(fmt.Sprintf("/api/queue/%d/complete", id))
	if err != nil {
		return err
	}
	if resp.StatusCode() == http.StatusServiceUnavailable {
		return ErrOverloaded
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("POST /api/queue/%d/complete: %s", id, resp.String())
	}
	return nil
}

// Fail 上报任务失败并取回服务端的重试裁决。override 缺省时由
// 服务端按 playbook 的重试策略决定。
func (c *Client) Fail(ctx context.Context, id int64, workerID string, override *FailOverride) (*FailDecision, error) {
	body := map[string]any{"worker_id": workerID}
	if override != nil {
		if override.Retry != nil {
			body["retry"] = *override.Retry
		}
		if override.DelaySeconds != nil {
			body["retry_delay_seconds"] = *override.DelaySeconds
		}
	}
	var d FailDecision
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&d).
		Post(fmt.Sprintf("/api/queue/%d/fail", id))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() == http.StatusServiceUnavailable {
		return nil, ErrOverloaded
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("POST /api/queue/%d/fail: %s", id, resp.String())
	}
	return &d, nil
}

// Heartbeat 为执行中的任务续约
func (c *Client) Heartbeat(ctx context.Context, id int64, workerID string, extendBy time.Duration) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{"worker_id": workerID, "extend_seconds": extendBy.Seconds()}).
		Post(fmt.Sprintf("/api/queue/%d/heartbeat", id))
	if err != nil {
		return err
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("POST /api/queue/%d/heartbeat: %s", id, resp.String())
	}
	return nil
}

// AppendEvent 写入一条事件，返回存储后的完整事件。
// 重复 (execution_id, event_id) 由服务端幂等吸收。
func (c *Client) AppendEvent(ctx context.Context, e *event.Event) (*event.Event, error) {
	var stored event.Event
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(e).
		SetResult(&stored).
		Post("/api/events")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() == http.StatusServiceUnavailable {
		return nil, ErrOverloaded
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("POST /api/events: %s", resp.String())
	}
	return &stored, nil
}

// GetEvent 按全局 event_id 取单条事件
func (c *Client) GetEvent(ctx context.Context, eventID int64) (*event.Event, error) {
	var e event.Event
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&e).
		Get(fmt.Sprintf("/api/events/%d", eventID))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("GET /api/events/%d: %s", eventID, resp.String())
	}
	return &e, nil
}

// ExecutionEvents 取一次执行的全量事件（升序）
func (c *Client) ExecutionEvents(ctx context.Context, executionID int64) ([]event.Event, error) {
	var out struct {
		Events []event.Event `json:"events"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get(fmt.Sprintf("/api/executions/%d/events", executionID))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("GET /api/executions/%d/events: %s", executionID, resp.String())
	}
	return out.Events, nil
}

// FetchResource 取目录里的 playbook 原文；version 为空取最新版
func (c *Client) FetchResource(ctx context.Context, path, version string) (string, error) {
	body := map[string]any{"path": path}
	if version != "" {
		body["version"] = version
	}
	var out struct {
		Content string `json:"content"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		Post("/api/catalog/resource")
	if err != nil {
		return "", err
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("POST /api/catalog/resource: %s", resp.String())
	}
	return out.Content, nil
}

// PoolStatus 读服务端 worker 池压力探针
func (c *Client) PoolStatus(ctx context.Context) (*PoolStatus, error) {
	var st PoolStatus
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&st).
		Get("/api/pool/status")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("GET /api/pool/status: %s", resp.String())
	}
	return &st, nil
}

// LaunchExecution 实现 executor.Launcher：通过服务端 API 启动子执行。
// id 以十进制字符串传输，避免 JSON 数字在 2^53 以上丢精度。
func (c *Client) LaunchExecution(ctx context.Context, path, version string, workload map[string]any, parentExecutionID int64) (int64, error) {
	body := map[string]any{"path": path}
	if version != "" {
		body["version"] = version
	}
	if workload != nil {
		body["workload"] = workload
	}
	if parentExecutionID != 0 {
		body["parent_execution_id"] = strconv.FormatInt(parentExecutionID, 10)
	}
	var out struct {
		ExecutionID string `json:"execution_id"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		Post("/api/executions")
	if err != nil {
		return 0, err
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("POST /api/executions: %s", resp.String())
	}
	id, err := strconv.ParseInt(out.ExecutionID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("解析 execution_id %q: %w", out.ExecutionID, err)
	}
	return id, nil
}
