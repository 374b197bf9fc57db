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
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"flow-platform/internal/event"
	"flow-platform/internal/executor"
	"flow-platform/internal/queue"
	"flow-platform/internal/render"
	"flow-platform/pkg/log"
	"flow-platform/pkg/metrics"
	"flow-platform/pkg/tracing"
)

// 执行前渲染的动作参数键。python 的 code 不在其列：
// 源代码里的花括号不是模板。
var renderKeys = []string{
	"url", "endpoint", "method", "headers", "params", "data", "payload",
	"sql", "command", "commands", "dsn", "db_url",
	"save", "path", "resource_path", "version", "workload", "content",
}

// Options Pool 构造参数；零值字段取默认
type Options struct {
	WorkerID          string
	PoolName          string
	Runtime           string
	Concurrency       int           // 硬并发上限，<=0 默认 4
	LeaseFor          time.Duration // 租约时长，<=0 默认 60s
	PollInterval      time.Duration // 空队列轮询间隔，<=0 默认 2s
	PollQPS           float64       // 租约轮询限速，<=0 不限
	HeartbeatInterval time.Duration // 心跳间隔，<=0 默认租约一半
	ProbeInterval     time.Duration // 池压力探针周期，<=0 默认 10s
	GateMax           float64       // 闸门上限，截断到 Concurrency
}

// Pool worker 进程的任务泵：租约 → 渲染参数 → 分发执行器 →
// 回写结果事件 → 消账，执行期间由心跳协程续约。
// 并发受两层控制：limiter 为硬容量，闸门在其下自适应调节。
type Pool struct {
	workerID string
	poolName string
	runtime  string
	hostname string
	pid      int

	client   *Client
	registry *executor.Registry
	renderer *render.Renderer
	gate     *Gate
	logger   *log.Logger

	leaseFor          time.Duration
	pollInterval      time.Duration
	heartbeatInterval time.Duration
	probeInterval     time.Duration
	poller            *rate.Limiter

	limiter chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New 创建 Pool
func New(client *Client, registry *executor.Registry, renderer *render.Renderer, logger *log.Logger, opts Options) *Pool {
	if opts.WorkerID == "" {
		opts.WorkerID = DefaultWorkerID()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.LeaseFor <= 0 {
		opts.LeaseFor = 60 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = 10 * time.Second
	}
	gateMax := opts.GateMax
	if gateMax <= 0 || gateMax > float64(opts.Concurrency) {
		gateMax = float64(opts.Concurrency)
	}

	hostname, _ := os.Hostname()
	p := &Pool{
		workerID:          opts.WorkerID,
		poolName:          opts.PoolName,
		runtime:           opts.Runtime,
		hostname:          hostname,
		pid:               os.Getpid(),
		client:            client,
		registry:          registry,
		renderer:          renderer,
		gate:              NewGate(opts.WorkerID, gateMax),
		logger:            logger,
		leaseFor:          opts.LeaseFor,
		pollInterval:      opts.PollInterval,
		heartbeatInterval: opts.HeartbeatInterval,
		probeInterval:     opts.ProbeInterval,
		limiter:           make(chan struct{}, opts.Concurrency),
		stopCh:            make(chan struct{}),
	}
	if opts.PollQPS > 0 {
		p.poller = rate.NewLimiter(rate.Limit(opts.PollQPS), 1)
	}
	return p
}

// DefaultWorkerID 取 worker 标识：WORKER_ID 环境变量 → 主机名 → 兜底
func DefaultWorkerID() string {
	if id := os.Getenv("WORKER_ID"); id != "" {
		return id
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	// 无主机名时保证 worker 身份唯一，否则消账的归属校验会互相打架
	return "worker-" + uuid.New().String()
}

// Gate 暴露闸门（测试与状态上报用）
func (p *Pool) Gate() *Gate { return p.gate }

// Run 主循环：轮询租约并发执行，直到 ctx 取消或 Stop。
// 阻塞运行，通常放在独立 goroutine 里。
func (p *Pool) Run(ctx context.Context) {
	p.logger.Info("worker 启动",
		"worker_id", p.workerID,
		"pool", p.poolName,
		"concurrency", cap(p.limiter),
		"gate_max", p.gate.Limit(),
		"kinds", p.registry.Kinds(),
	)

	p.wg.Add(1)
	go p.probeLoop(ctx)

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if err := p.gate.Wait(ctx); err != nil {
			return
		}
		// 闸门软上限：硬容量之下进一步压住在途任务数
		if len(p.limiter) >= p.gate.Limit() {
			if !p.sleepPoll(ctx) {
				return
			}
			continue
		}
		if p.poller != nil {
			if err := p.poller.Wait(ctx); err != nil {
				return
			}
		}

		// 先占槽再租约，租不到立即放槽
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case p.limiter <- struct{}{}:
		}

		leaseCtx, leaseSpan := tracing.StartLeaseSpan(ctx, p.workerID)
		item, err := p.client.Lease(leaseCtx, p.workerID, p.leaseFor)
		leaseSpan.End()
		if err != nil {
			<-p.limiter
			switch {
			case errors.Is(err, ErrNoWork):
				// 空队列不动闸门，按轮询间隔退避
			case errors.Is(err, ErrOverloaded):
				p.gate.OnOverload()
				p.logger.Debug("服务端过载，收缩并发", "limit", p.gate.Limit())
				continue
			case ctx.Err() != nil:
				return
			default:
				p.logger.Warn("租约失败", "error", err)
			}
			if !p.sleepPoll(ctx) {
				return
			}
			continue
		}

		p.gate.OnSuccess()
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer func() { <-p.limiter }()
			p.runJob(ctx, item)
		}()
	}
}

// Stop 停止主循环并等待在途任务收尾
func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

func (p *Pool) sleepPoll(ctx context.Context) bool {
	select {
	case <-p.stopCh:
		return false
	case <-ctx.Done():
		return false
	case <-time.After(p.pollInterval):
		return true
	}
}

// probeLoop 周期读服务端池压力，反馈给闸门
func (p *Pool) probeLoop(ctx context.Context) {
	defer p.wg.Done()
	t := time.NewTicker(p.probeInterval)
	defer t.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-t.C:
			st, err := p.client.PoolStatus(ctx)
			if err != nil {
				p.logger.Debug("池压力探针失败", "error", err)
				continue
			}
			p.gate.OnProbe(st)
		}
	}
}

// runJob 执行单个任务，执行期间心跳协程持续续约
func (p *Pool) runJob(ctx context.Context, item *queue.Item) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	heartbeatDone := make(chan struct{})
	go p.heartbeatLoop(runCtx, item, heartbeatDone)

	p.execute(runCtx, item)

	cancel()
	<-heartbeatDone
}

// heartbeatLoop 按间隔续约；默认取租约时长的一半
func (p *Pool) heartbeatLoop(ctx context.Context, item *queue.Item, done chan<- struct{}) {
	defer close(done)
	interval := p.heartbeatInterval
	if interval <= 0 {
		interval = p.leaseFor / 2
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := p.client.Heartbeat(ctx, item.ID, p.workerID, p.leaseFor); err != nil {
				p.logger.Warn("心跳失败", "id", item.ID, "node_id", item.NodeID, "error", err)
			}
		}
	}
}

// execute 一次任务的完整生命周期：action_started → 执行 →
// 结果事件 → 消账。结果事件先于消账落库：崩溃窗口里最多留下
// 一条待过期重租的队列项，重复结果事件对推进无害（转移入队有守卫）。
func (p *Pool) execute(ctx context.Context, item *queue.Item) {
	stepName := stepNameOf(item)
	lf := loopFieldsOf(item)
	task, renderErr := p.buildTask(item)

	started := &event.Event{
		ExecutionID: item.ExecutionID,
		Type:        event.ActionStarted,
		NodeID:      item.NodeID,
		NodeName:    stepName,
		NodeType:    event.NodeTask,
		Status:      event.StatusRunning,
		Metadata:    p.eventMeta(nil),
	}
	lf.apply(started)
	if _, err := p.client.AppendEvent(ctx, started); err != nil {
		p.logger.Warn("写 action_started 失败", "node_id", item.NodeID, "error", err)
	}

	start := time.Now()
	taskCtx, span := tracing.StartTaskSpan(ctx, item.NodeID, task.Type)
	var res executor.Result
	if renderErr != nil {
		res = executor.Errorf("渲染任务参数: %v", renderErr)
	} else {
		res = p.registry.Execute(taskCtx, task)
	}
	span.End()
	elapsed := time.Since(start)
	metrics.TaskDuration.WithLabelValues(task.Type).Observe(elapsed.Seconds())

	if res.OK() {
		p.reportSuccess(ctx, item, stepName, lf, res, elapsed)
	} else {
		p.reportFailure(ctx, item, stepName, lf, res, elapsed)
	}
}

// reportSuccess 落 action_completed 与伴随的 step_result，然后消账。
// 任一事件写失败则不消账，等租约过期重试。
func (p *Pool) reportSuccess(ctx context.Context, item *queue.Item, stepName string, lf *loopFields, res executor.Result, elapsed time.Duration) {
	meta := p.eventMeta(res.Meta)
	for _, typ := range []event.Type{event.ActionCompleted, event.StepResult} {
		ev := &event.Event{
			ExecutionID: item.ExecutionID,
			Type:        typ,
			NodeID:      item.NodeID,
			NodeName:    stepName,
			NodeType:    event.NodeTask,
			Status:      event.StatusCompleted,
			Duration:    elapsed.Seconds(),
			Result:      res.Data,
			Metadata:    meta,
		}
		lf.apply(ev)
		if _, err := p.client.AppendEvent(ctx, ev); err != nil {
			p.logger.Error("写结果事件失败，放弃消账", "type", typ, "node_id", item.NodeID, "error", err)
			return
		}
	}
	if err := p.client.Complete(ctx, item.ID, p.workerID); err != nil {
		p.logger.Warn("确认完成失败", "id", item.ID, "node_id", item.NodeID, "error", err)
		return
	}
	p.logger.Info("任务完成", "node_id", item.NodeID, "step", stepName, "duration", elapsed.Seconds())
}

// reportFailure 落 action_error 并上报失败，日志里带上服务端裁决。
// 失败信封的 data（如 http 的 status_code）随事件落库，
// 重试控制器的 stop_when/retry_when 要在上面做条件判断。
func (p *Pool) reportFailure(ctx context.Context, item *queue.Item, stepName string, lf *loopFields, res executor.Result, elapsed time.Duration) {
	meta := p.eventMeta(res.Meta)
	if res.Traceback != "" {
		meta["traceback"] = res.Traceback
	}
	failed := &event.Event{
		ExecutionID: item.ExecutionID,
		Type:        event.ActionError,
		NodeID:      item.NodeID,
		NodeName:    stepName,
		NodeType:    event.NodeTask,
		Status:      event.StatusFailed,
		Duration:    elapsed.Seconds(),
		Result:      res.Data,
		Error:       res.Error,
		Metadata:    meta,
	}
	lf.apply(failed)
	if _, err := p.client.AppendEvent(ctx, failed); err != nil {
		p.logger.Error("写 action_error 失败，放弃上报", "node_id", item.NodeID, "error", err)
		return
	}
	d, err := p.client.Fail(ctx, item.ID, p.workerID, overrideFromMeta(res.Meta))
	if err != nil {
		p.logger.Warn("失败上报失败", "id", item.ID, "node_id", item.NodeID, "error", err)
		return
	}
	if d.Retry {
		p.logger.Info("任务将重试",
			"node_id", item.NodeID, "attempt", d.Attempt,
			"delay_seconds", d.DelaySeconds, "reason", d.Reason)
	} else {
		p.logger.Warn("任务终止",
			"node_id", item.NodeID, "reason", d.Reason, "error", res.Error)
	}
}

// buildTask 从队列载荷组装执行任务并渲染参数。渲染失败时任务
// 仍返回（用于失败上报里的类型与节点信息）。
func (p *Pool) buildTask(item *queue.Item) (*executor.Task, error) {
	action, _ := item.Payload["action"].(map[string]any)
	if action == nil {
		action = map[string]any{}
	}
	jobCtx, _ := item.Payload["context"].(map[string]any)
	if jobCtx == nil {
		jobCtx = map[string]any{}
	}
	typ, _ := action["type"].(string)
	t := &executor.Task{
		Type:        typ,
		Name:        stepNameOf(item),
		ExecutionID: item.ExecutionID,
		NodeID:      item.NodeID,
		Config:      action,
		Context:     jobCtx,
	}

	args := make(map[string]any)
	for _, key := range renderKeys {
		raw, ok := action[key]
		if !ok || raw == nil {
			continue
		}
		v, err := p.renderer.EvalAny(raw, jobCtx)
		if err != nil {
			return t, fmt.Errorf("参数 %s: %w", key, err)
		}
		args[key] = v
	}
	// 命名动作的缺省参数同样渲染（workbook 执行器从 config 读取）
	if wa, ok := action["workbook_action"].(map[string]any); ok {
		if raw, ok := wa["args"]; ok && raw != nil {
			v, err := p.renderer.EvalAny(raw, jobCtx)
			if err != nil {
				return t, fmt.Errorf("命名动作参数: %w", err)
			}
			action["workbook_action"] = map[string]any{"tool": wa["tool"], "args": v}
		}
	}
	t.Args = args
	return t, nil
}

// eventMeta worker 执行环境，富化到动作事件的 metadata。
// extra 来自执行器信封的 meta，同键覆盖。
func (p *Pool) eventMeta(extra map[string]any) map[string]any {
	meta := map[string]any{
		"worker_id": p.workerID,
		"pool":      p.poolName,
		"runtime":   p.runtime,
		"hostname":  p.hostname,
		"pid":       p.pid,
	}
	for k, v := range extra {
		meta[k] = v
	}
	return meta
}

// overrideFromMeta 执行器信封里的调用方重试意见
// （meta.retry / meta.retry_delay_seconds），没有则 nil
func overrideFromMeta(meta map[string]any) *FailOverride {
	if meta == nil {
		return nil
	}
	var o FailOverride
	if v, ok := meta["retry"].(bool); ok {
		o.Retry = &v
	}
	switch v := meta["retry_delay_seconds"].(type) {
	case float64:
		o.DelaySeconds = &v
	case int:
		f := float64(v)
		o.DelaySeconds = &f
	}
	if o.Retry == nil && o.DelaySeconds == nil {
		return nil
	}
	return &o
}

// loopFields 迭代项的循环身份，落到该项的全部动作事件上
type loopFields struct {
	loopID   string
	loopName string
	iterator string
	index    *int
	item     any
}

// loopFieldsOf 从载荷 context._loop 取循环身份；非迭代项返回 nil
func loopFieldsOf(item *queue.Item) *loopFields {
	c, _ := item.Payload["context"].(map[string]any)
	l, _ := c["_loop"].(map[string]any)
	if l == nil {
		return nil
	}
	f := &loopFields{item: l["current_item"]}
	f.loopID, _ = l["loop_id"].(string)
	f.loopName, _ = l["loop_name"].(string)
	f.iterator, _ = l["iterator"].(string)
	switch n := l["current_index"].(type) {
	case float64:
		i := int(n)
		f.index = &i
	case int:
		i := n
		f.index = &i
	}
	return f
}

func (f *loopFields) apply(e *event.Event) {
	if f == nil {
		return
	}
	e.LoopID = f.loopID
	e.LoopName = f.loopName
	e.Iterator = f.iterator
	e.CurrentIndex = f.index
	e.CurrentItem = f.item
}

// stepNameOf 从载荷取步骤名；循环迭代项回退到 NodeID 的中段
// （形如 execID:step:index）。
func stepNameOf(item *queue.Item) string {
	if c, ok := item.Payload["context"].(map[string]any); ok {
		if w, ok := c["work"].(map[string]any); ok {
			if s, _ := w["step_name"].(string); s != "" {
				return s
			}
		}
	}
	if a, ok := item.Payload["action"].(map[string]any); ok {
		if s, _ := a["step"].(string); s != "" {
			return s
		}
	}
	parts := strings.SplitN(item.NodeID, ":", 3)
	if len(parts) >= 2 {
		return parts[1]
	}
	return item.NodeID
}
