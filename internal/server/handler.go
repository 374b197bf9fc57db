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

// Package server 暴露编排器的 HTTP 面：事件提交、队列租约协议、
// playbook 目录与运维探针。worker 协议走 JSON，错误一律
// {"error": "..."}，幂等端点重复调用返回与首次相同的结果。
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"flow-platform/internal/broker"
	"flow-platform/internal/catalog"
	"flow-platform/internal/event"
	"flow-platform/internal/playbook"
	"flow-platform/internal/queue"
	apperrors "flow-platform/pkg/errors"
	"flow-platform/pkg/metrics"
)

// defaultLeaseSeconds 请求未带 lease_seconds 时的租约时长
const defaultLeaseSeconds = 60

// Handler 编排器 API 的 HTTP 处理器。events/queue/catalog 为核心依赖，
// dispatcher/retry/gate 按部署形态可选（未配置时相应端点降级或 503）。
type Handler struct {
	events     event.Store
	queue      queue.Queue
	catalog    catalog.Store
	dispatcher *broker.Dispatcher
	retry      *broker.RetryController
	gate       *OverloadGate
	idgen      *event.IDGen
}

// NewHandler 创建 HTTP 处理器
func NewHandler(events event.Store, q queue.Queue, cat catalog.Store) *Handler {
	return &Handler{
		events:  events,
		queue:   q,
		catalog: cat,
		idgen:   event.NewIDGen(0),
	}
}

// SetDispatcher 接入事件派发器；设置后写入的事件会触发 broker 评估
func (h *Handler) SetDispatcher(d *broker.Dispatcher) { h.dispatcher = d }

// SetRetryController 接入失败处置控制器（/api/queue/:id/fail 依赖）
func (h *Handler) SetRetryController(rc *broker.RetryController) { h.retry = rc }

// SetOverloadGate 接入过载闸门，/api/pool/status 从这里取利用率
func (h *Handler) SetOverloadGate(g *OverloadGate) { h.gate = g }

// SetIDGen 替换执行 ID 发号器（多节点部署时注入带节点号的实例）
func (h *Handler) SetIDGen(g *event.IDGen) { h.idgen = g }

// HealthCheck 健康检查
// GET /api/health
func (h *Handler) HealthCheck(c context.Context, ctx *app.RequestContext) {
	ctx.JSON(consts.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
		"service":   "flow-api",
	})
}

// AppendEvent 写入一条执行事件并触发评估。重复 (execution_id, event_id)
// 幂等返回已存事件。
// POST /api/events
func (h *Handler) AppendEvent(c context.Context, ctx *app.RequestContext) {
	if h.events == nil {
		ctx.JSON(consts.StatusServiceUnavailable, map[string]string{"error": "event store is not configured"})
		return
	}
	var raw map[string]any
	if err := ctx.BindJSON(&raw); err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "invalid json body"})
		return
	}
	e, err := event.FromWire(raw)
	if err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	stored, err := h.events.Append(c, e)
	if err != nil {
		hlog.CtxErrorf(c, "append event failed: execution_id=%d type=%s: %v", e.ExecutionID, e.Type, err)
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": "append event failed"})
		return
	}
	if h.dispatcher != nil {
		h.dispatcher.Dispatch(stored)
	}
	ctx.JSON(consts.StatusOK, stored)
}

type startExecutionRequest struct {
	Path              string         `json:"path"`
	Version           string         `json:"version"`
	Workload          map[string]any `json:"workload"`
	ParentExecutionID any            `json:"parent_execution_id"`
}

// StartExecution 按目录里的 playbook 启动一次执行：发号、落
// execution_start、触发初始派发。子执行带 parent_execution_id。
// POST /api/executions
func (h *Handler) StartExecution(c context.Context, ctx *app.RequestContext) {
	if h.events == nil || h.catalog == nil {
		ctx.JSON(consts.StatusServiceUnavailable, map[string]string{"error": "store is not configured"})
		return
	}
	var req startExecutionRequest
	if err := ctx.BindJSON(&req); err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "invalid json body"})
		return
	}
	req.Path = strings.TrimSpace(req.Path)
	if req.Path == "" {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "path is required"})
		return
	}
	parentID, err := coerceID(req.ParentExecutionID)
	if err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "parent_execution_id must be an integer id"})
		return
	}

	entry, err := h.catalog.Fetch(c, req.Path, req.Version)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			ctx.JSON(consts.StatusNotFound, map[string]string{"error": fmt.Sprintf("playbook %s not found", req.Path)})
			return
		}
		hlog.CtxErrorf(c, "fetch playbook %s failed: %v", req.Path, err)
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": "fetch playbook failed"})
		return
	}

	execID := h.idgen.Next()
	evCtx := map[string]any{
		"path":    entry.Path,
		"version": entry.Version,
	}
	if req.Workload != nil {
		evCtx["workload"] = req.Workload
	}
	stored, err := h.events.Append(c, &event.Event{
		ExecutionID:       execID,
		ParentExecutionID: parentID,
		Type:              event.ExecutionStart,
		NodeType:          event.NodePlaybook,
		Status:            event.StatusRunning,
		Context:           evCtx,
	})
	if err != nil {
		hlog.CtxErrorf(c, "append execution_start failed: execution_id=%d: %v", execID, err)
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": "start execution failed"})
		return
	}
	if h.dispatcher != nil {
		h.dispatcher.Dispatch(stored)
	}
	ctx.JSON(consts.StatusOK, map[string]any{
		"execution_id": strconv.FormatInt(execID, 10),
		"path":         entry.Path,
		"version":      entry.Version,
	})
}

// ExecutionEvents 按写入顺序返回一次执行的完整事件日志
// GET /api/executions/:id/events
func (h *Handler) ExecutionEvents(c context.Context, ctx *app.RequestContext) {
	if h.events == nil {
		ctx.JSON(consts.StatusServiceUnavailable, map[string]string{"error": "event store is not configured"})
		return
	}
	execID, ok := pathID(ctx, "id")
	if !ok {
		return
	}
	list, err := h.events.ListByExecution(c, execID)
	if err != nil {
		hlog.CtxErrorf(c, "list events failed: execution_id=%d: %v", execID, err)
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": "list events failed"})
		return
	}
	ctx.JSON(consts.StatusOK, map[string]any{
		"execution_id": strconv.FormatInt(execID, 10),
		"count":        len(list),
		"events":       list,
	})
}

// GetEvent 按全局 event_id 取单条事件
// GET /api/events/:event_id
func (h *Handler) GetEvent(c context.Context, ctx *app.RequestContext) {
	if h.events == nil {
		ctx.JSON(consts.StatusServiceUnavailable, map[string]string{"error": "event store is not configured"})
		return
	}
	eventID, ok := pathID(ctx, "event_id")
	if !ok {
		return
	}
	e, err := h.events.GetByEventID(c, eventID)
	if err != nil {
		if errors.Is(err, event.ErrNotFound) {
			ctx.JSON(consts.StatusNotFound, map[string]string{"error": "event not found"})
			return
		}
		hlog.CtxErrorf(c, "get event failed: event_id=%d: %v", eventID, err)
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": "get event failed"})
		return
	}
	ctx.JSON(consts.StatusOK, e)
}

type leaseRequest struct {
	WorkerID     string  `json:"worker_id"`
	LeaseSeconds float64 `json:"lease_seconds"`
}

// LeaseJob 租约一条待执行任务。队列为空返回 204，worker 据此退避。
// POST /api/queue/lease
func (h *Handler) LeaseJob(c context.Context, ctx *app.RequestContext) {
	if h.queue == nil {
		ctx.JSON(consts.StatusServiceUnavailable, map[string]string{"error": "queue is not configured"})
		return
	}
	var req leaseRequest
	if err := ctx.BindJSON(&req); err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "invalid json body"})
		return
	}
	if strings.TrimSpace(req.WorkerID) == "" {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "worker_id is required"})
		return
	}
	leaseFor := time.Duration(defaultLeaseSeconds * float64(time.Second))
	if req.LeaseSeconds > 0 {
		leaseFor = time.Duration(req.LeaseSeconds * float64(time.Second))
	}

	item, err := h.queue.Lease(c, req.WorkerID, leaseFor)
	if err != nil {
		if errors.Is(err, queue.ErrEmpty) {
			metrics.LeaseTotal.WithLabelValues("empty").Inc()
			ctx.SetStatusCode(consts.StatusNoContent)
			return
		}
		metrics.LeaseTotal.WithLabelValues("error").Inc()
		hlog.CtxErrorf(c, "lease failed: worker_id=%s: %v", req.WorkerID, err)
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": "lease failed"})
		return
	}
	metrics.LeaseTotal.WithLabelValues("acquired").Inc()
	ctx.JSON(consts.StatusOK, item)
}

type ackRequest struct {
	WorkerID      string  `json:"worker_id"`
	ExtendSeconds float64 `json:"extend_seconds"`
}

// CompleteJob 确认任务完成。结果事件由 worker 先行通过 /api/events 写入，
// 这里只消账；done 项由同一 worker 重复确认幂等返回成功。
// POST /api/queue/:id/complete
func (h *Handler) CompleteJob(c context.Context, ctx *app.RequestContext) {
	if h.queue == nil {
		ctx.JSON(consts.StatusServiceUnavailable, map[string]string{"error": "queue is not configured"})
		return
	}
	id, ok := pathID(ctx, "id")
	if !ok {
		return
	}
	var req ackRequest
	if err := ctx.BindJSON(&req); err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "invalid json body"})
		return
	}
	if strings.TrimSpace(req.WorkerID) == "" {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "worker_id is required"})
		return
	}
	if err := h.queue.Complete(c, id, req.WorkerID); err != nil {
		writeQueueError(c, ctx, "complete", id, err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]any{
		"id":     strconv.FormatInt(id, 10),
		"status": queue.StatusDone,
	})
}

type failRequest struct {
	WorkerID          string   `json:"worker_id"`
	Retry             *bool    `json:"retry"`
	RetryDelaySeconds *float64 `json:"retry_delay_seconds"`
}

// FailJob 上报任务失败并取回处置结果：重新排队（含延迟）或终止。
// retry / retry_delay_seconds 为调用方覆盖，缺省时由服务端按
// playbook 重试策略决定。
// POST /api/queue/:id/fail
func (h *Handler) FailJob(c context.Context, ctx *app.RequestContext) {
	if h.queue == nil || h.retry == nil {
		ctx.JSON(consts.StatusServiceUnavailable, map[string]string{"error": "retry controller is not configured"})
		return
	}
	id, ok := pathID(ctx, "id")
	if !ok {
		return
	}
	var req failRequest
	if err := ctx.BindJSON(&req); err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "invalid json body"})
		return
	}
	if strings.TrimSpace(req.WorkerID) == "" {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "worker_id is required"})
		return
	}
	// 归属校验在入口做：HandleFailure 内部以持有者身份消账
	item, err := h.queue.Get(c, id)
	if err != nil {
		writeQueueError(c, ctx, "fail", id, err)
		return
	}
	if item.WorkerID != req.WorkerID {
		ctx.JSON(consts.StatusConflict, map[string]string{"error": queue.ErrWorkerMismatch.Error()})
		return
	}

	d, err := h.retry.HandleFailure(c, id, broker.FailOverride{
		Retry:        req.Retry,
		DelaySeconds: req.RetryDelaySeconds,
	})
	if err != nil {
		writeQueueError(c, ctx, "fail", id, err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]any{
		"id":            strconv.FormatInt(id, 10),
		"retry":         d.Retry,
		"reason":        d.Reason,
		"attempt":       d.Attempt,
		"exhausted":     d.Exhausted,
		"delay_seconds": d.Delay.Seconds(),
	})
}

// HeartbeatJob 续租一条已租约的任务
// POST /api/queue/:id/heartbeat
func (h *Handler) HeartbeatJob(c context.Context, ctx *app.RequestContext) {
	if h.queue == nil {
		ctx.JSON(consts.StatusServiceUnavailable, map[string]string{"error": "queue is not configured"})
		return
	}
	id, ok := pathID(ctx, "id")
	if !ok {
		return
	}
	var req ackRequest
	if err := ctx.BindJSON(&req); err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "invalid json body"})
		return
	}
	if strings.TrimSpace(req.WorkerID) == "" {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "worker_id is required"})
		return
	}
	extendBy := time.Duration(defaultLeaseSeconds * float64(time.Second))
	if req.ExtendSeconds > 0 {
		extendBy = time.Duration(req.ExtendSeconds * float64(time.Second))
	}
	if err := h.queue.Heartbeat(c, id, req.WorkerID, extendBy); err != nil {
		writeQueueError(c, ctx, "heartbeat", id, err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]any{
		"id":     strconv.FormatInt(id, 10),
		"status": "extended",
	})
}

// ReapExpired 回收租约过期的任务：重新排队或按次数落 dead。
// 由定时器周期触发，也可手工调用。
// POST /api/queue/reap-expired
func (h *Handler) ReapExpired(c context.Context, ctx *app.RequestContext) {
	if h.queue == nil {
		ctx.JSON(consts.StatusServiceUnavailable, map[string]string{"error": "queue is not configured"})
		return
	}
	n, err := h.queue.ReapExpired(c)
	if err != nil {
		hlog.CtxErrorf(c, "reap expired failed: %v", err)
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": "reap expired failed"})
		return
	}
	ctx.JSON(consts.StatusOK, map[string]any{"reaped": n})
}

// QueueSize 按状态统计队列深度；?status= 只取单个状态
// GET /api/queue/size
func (h *Handler) QueueSize(c context.Context, ctx *app.RequestContext) {
	if h.queue == nil {
		ctx.JSON(consts.StatusServiceUnavailable, map[string]string{"error": "queue is not configured"})
		return
	}
	sizes, err := h.queue.Size(c)
	if err != nil {
		hlog.CtxErrorf(c, "queue size failed: %v", err)
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": "queue size failed"})
		return
	}
	if status := strings.TrimSpace(ctx.Query("status")); status != "" {
		ctx.JSON(consts.StatusOK, map[string]any{"status": status, "count": sizes[status]})
		return
	}
	ctx.JSON(consts.StatusOK, map[string]any{"sizes": sizes})
}

// PoolStatus 返回过载闸门的利用率，worker 的自适应并发以此为信号。
// 未配置闸门时返回零值，永不失败。
// GET /api/pool/status
func (h *Handler) PoolStatus(c context.Context, ctx *app.RequestContext) {
	if h.gate == nil {
		ctx.JSON(consts.StatusOK, PoolStatus{})
		return
	}
	ctx.JSON(consts.StatusOK, h.gate.Status())
}

type resourceRequest struct {
	Path    string `json:"path"`
	Version string `json:"version"`
}

// FetchResource 取目录里的 playbook 原文；version 为空取最新版
// POST /api/catalog/resource
func (h *Handler) FetchResource(c context.Context, ctx *app.RequestContext) {
	if h.catalog == nil {
		ctx.JSON(consts.StatusServiceUnavailable, map[string]string{"error": "catalog is not configured"})
		return
	}
	var req resourceRequest
	if err := ctx.BindJSON(&req); err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "invalid json body"})
		return
	}
	req.Path = strings.TrimSpace(req.Path)
	if req.Path == "" {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "path is required"})
		return
	}
	entry, err := h.catalog.Fetch(c, req.Path, req.Version)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			ctx.JSON(consts.StatusNotFound, map[string]string{"error": fmt.Sprintf("resource %s not found", req.Path)})
			return
		}
		hlog.CtxErrorf(c, "fetch resource %s failed: %v", req.Path, err)
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": "fetch resource failed"})
		return
	}
	ctx.JSON(consts.StatusOK, map[string]any{
		"path":    entry.Path,
		"version": entry.Version,
		"content": entry.Content,
	})
}

type registerRequest struct {
	Path    string `json:"path"`
	Version string `json:"version"`
	Content string `json:"content"`
}

// RegisterPlaybook 登记一个 playbook 版本。内容先过结构校验；
// 版本取请求 > 文档声明 > "1.0"，(path, version) 已存在返回 409。
// POST /api/catalog/register
func (h *Handler) RegisterPlaybook(c context.Context, ctx *app.RequestContext) {
	if h.catalog == nil {
		ctx.JSON(consts.StatusServiceUnavailable, map[string]string{"error": "catalog is not configured"})
		return
	}
	var req registerRequest
	if err := ctx.BindJSON(&req); err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "invalid json body"})
		return
	}
	req.Path = strings.TrimSpace(req.Path)
	if req.Path == "" {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "path is required"})
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "content is required"})
		return
	}
	pb, err := playbook.Parse([]byte(req.Content))
	if err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	version := req.Version
	if version == "" {
		version = pb.Version
	}
	if version == "" {
		version = "1.0"
	}
	if err := h.catalog.Register(c, req.Path, version, req.Content); err != nil {
		if errors.Is(err, apperrors.ErrDuplicate) {
			ctx.JSON(consts.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
		hlog.CtxErrorf(c, "register playbook %s@%s failed: %v", req.Path, version, err)
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": "register playbook failed"})
		return
	}
	ctx.JSON(consts.StatusOK, map[string]any{
		"path":    req.Path,
		"version": version,
		"steps":   len(pb.Workflow),
	})
}

// Metrics 暴露 Prometheus 文本格式指标
// GET /metrics
func (h *Handler) Metrics(c context.Context, ctx *app.RequestContext) {
	var buf bytes.Buffer
	if err := metrics.WritePrometheus(&buf); err != nil {
		hlog.CtxErrorf(c, "gather metrics failed: %v", err)
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": "gather metrics failed"})
		return
	}
	ctx.Data(consts.StatusOK, "text/plain; version=0.0.4; charset=utf-8", buf.Bytes())
}

// pathID 解析路径参数里的十进制 id；非法时已写好 400 响应
func pathID(ctx *app.RequestContext, name string) (int64, bool) {
	raw := strings.TrimSpace(ctx.Param(name))
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": fmt.Sprintf("%s must be a positive integer", name)})
		return 0, false
	}
	return id, true
}

// writeQueueError 队列操作错误 → HTTP 状态码
func writeQueueError(c context.Context, ctx *app.RequestContext, op string, id int64, err error) {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		ctx.JSON(consts.StatusNotFound, map[string]string{"error": fmt.Sprintf("queue item %d not found", id)})
	case errors.Is(err, queue.ErrWorkerMismatch):
		ctx.JSON(consts.StatusConflict, map[string]string{"error": queue.ErrWorkerMismatch.Error()})
	default:
		hlog.CtxErrorf(c, "queue %s failed: id=%d: %v", op, id, err)
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": fmt.Sprintf("queue %s failed", op)})
	}
}

// coerceID 宽容解析 JSON 里的 id：字符串、数字或 json.Number
func coerceID(v any) (int64, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case string:
		if strings.TrimSpace(n) == "" {
			return 0, nil
		}
		return strconv.ParseInt(strings.TrimSpace(n), 10, 64)
	case json.Number:
		return n.Int64()
	case float64:
		return int64(n), nil
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	}
	return 0, fmt.Errorf("unsupported id type %T", v)
}
