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

// Package broker 是编排核心：从事件日志读出执行的当前状态，
// 决定下一步动作（入队、展开循环、落结果、封完执行）。broker 无内存状态，
// 同一份日志重复评估收敛到同一结论；结构性事件用确定性 event_id，
// 多实例并发评估时在幂等键上物理去重。
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"os"
	"strconv"
	"strings"

	"flow-platform/internal/catalog"
	"flow-platform/internal/event"
	"flow-platform/internal/playbook"
	"flow-platform/internal/queue"
	"flow-platform/internal/render"
	apperrors "flow-platform/pkg/errors"
	"flow-platform/pkg/log"
	"flow-platform/pkg/secrets"
)

// 执行状态分类
const (
	StateInitial    = "initial"
	StateInProgress = "in_progress"
	StateCompleted  = "completed"
	StateFailed     = "failed"
)

// Config broker 行为参数
type Config struct {
	// DefaultMaxAttempts 步骤未声明 retry 时的队列尝试上限
	DefaultMaxAttempts int
}

// Broker 编排评估器
type Broker struct {
	events             event.Store
	queue              queue.Queue
	catalog            catalog.Store
	index              Index
	renderer           *render.Renderer
	secrets            secrets.Store
	loops              *LoopCoordinator
	logger             *log.Logger
	defaultMaxAttempts int

	// onChildComplete 子执行封完时回唤父执行评估（dispatcher 挂载）
	onChildComplete func(parentID int64)
}

// New 创建 broker；idx 为 nil 时退化到内存索引，sec 可为 nil（keychain
// 的 vault 引用将保留原样）
func New(events event.Store, q queue.Queue, cat catalog.Store, idx Index, renderer *render.Renderer, sec secrets.Store, logger *log.Logger, cfg Config) *Broker {
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = 3
	}
	if idx == nil {
		idx = NewMemoryIndex()
	}
	return &Broker{
		events:             events,
		queue:              q,
		catalog:            cat,
		index:              idx,
		renderer:           renderer,
		secrets:            sec,
		loops:              NewLoopCoordinator(events, q, renderer, logger, cfg.DefaultMaxAttempts),
		logger:             logger,
		defaultMaxAttempts: cfg.DefaultMaxAttempts,
	}
}

// Retry 构建与 broker 共享依赖的重试控制器
func (b *Broker) Retry() *RetryController {
	return NewRetryController(b.events, b.queue, b.renderer, b.logger)
}

// stableEventID 由语义要素派生确定性事件 id（fnv-64a 压到非负区间）。
// broker 侧的结构性事件一律用它：并发评估产生的重复发射
// 在 (execution_id, event_id) 幂等键上去重，代价是 event_id 不再单调。
func stableEventID(parts ...string) int64 {
	h := fnv.New64a()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(p))
	}
	return int64(h.Sum64() & math.MaxInt64)
}

// maxEvalRounds 单次评估的轮次上限；每轮都有新事件落库才会继续，
// 守卫与确定性 event_id 保证轮次必然收敛
const maxEvalRounds = 64

// EvaluateExecution 评估一个执行直到不再产生新事件：
// 每轮做 分类 → 初始派发 / 循环巡检收口 / 转移推进。broker 内部落的
// 事件（result-only 完成、空循环收口）不会经过 dispatcher 回唤，
// 所以在这里就地迭代到不动点。对同一份日志幂等。
func (b *Broker) EvaluateExecution(ctx context.Context, execID int64) error {
	prev := -1
	for range maxEvalRounds {
		events, err := b.events.ListByExecution(ctx, execID)
		if err != nil {
			return err
		}
		if len(events) == 0 || len(events) == prev {
			return nil
		}
		prev = len(events)
		if err := b.evaluateRound(ctx, execID, events); err != nil {
			return err
		}
	}
	return nil
}

// evaluateRound 单轮评估
func (b *Broker) evaluateRound(ctx context.Context, execID int64, events []event.Event) error {
	active, err := b.queue.ActiveForExecution(ctx, execID)
	if err != nil {
		return err
	}
	state := classify(events, active)
	if state == StateCompleted || state == StateFailed {
		b.logger.Debug("执行已终态，跳过评估", "execution_id", execID, "state", state)
		return nil
	}

	pb, err := b.loadPlaybook(ctx, execID)
	if err != nil {
		b.failExecution(ctx, execID, fmt.Sprintf("加载 playbook: %v", err))
		return err
	}

	children, err := b.events.ChildCompletions(ctx, execID)
	if err != nil {
		return err
	}

	if state == StateInitial {
		return b.initialDispatch(ctx, execID, pb, events, children)
	}

	finalized, err := b.loops.Check(ctx, execID, pb)
	if err != nil {
		return err
	}
	for _, f := range finalized {
		if err := b.enqueueAggregation(ctx, execID, f); err != nil {
			b.logger.Warn("聚合任务入队失败", "execution_id", execID, "step", f.StepName, "error", err)
		}
	}
	if len(finalized) > 0 {
		// 收口可能落了新事件，重取后再推进
		if events, err = b.events.ListByExecution(ctx, execID); err != nil {
			return err
		}
	}
	return b.scanTransitions(ctx, execID, pb, events, children)
}

// classify 从事件日志与活跃队列项数推断执行状态。
// 终态标记（execution_complete / step_failed_terminal / step_retry_exhausted）
// 直接定调；其余失败事件只有在未被同节点后续成功覆盖、
// 且队列中已没有该执行的活跃项时才判失败——重试排队期间执行仍在进行。
func classify(events []event.Event, active int) string {
	progressed := false
	for i := range events {
		switch events[i].Type {
		case event.ExecutionComplete:
			return StateCompleted
		case event.StepFailedTerminal, event.StepRetryExhausted:
			return StateFailed
		case event.ActionCompleted:
			progressed = true
		}
	}
	if active == 0 && hasUnrecoveredFailure(events) {
		return StateFailed
	}
	if progressed || active > 0 {
		return StateInProgress
	}
	return StateInitial
}

// hasUnrecoveredFailure 是否存在未被同节点后续成功事件覆盖的失败
func hasUnrecoveredFailure(events []event.Event) bool {
	for i := range events {
		e := &events[i]
		if !e.IsFailure() {
			continue
		}
		recovered := false
		for j := i + 1; j < len(events) && !recovered; j++ {
			n := &events[j]
			if e.NodeID == "" || n.NodeID != e.NodeID || n.IsFailure() {
				continue
			}
			switch n.Type {
			case event.ActionCompleted, event.Result, event.StepResult, event.StepCompleted:
				recovered = true
			}
		}
		if !recovered {
			return true
		}
	}
	return false
}

// loadPlaybook 从 workload 取 (path, version) 并在目录中解析文档
func (b *Broker) loadPlaybook(ctx context.Context, execID int64) (*playbook.Playbook, error) {
	row, err := b.events.Workload(ctx, execID)
	if err != nil {
		return nil, err
	}
	path, _ := row["path"].(string)
	version, _ := row["version"].(string)
	if path == "" {
		return nil, fmt.Errorf("执行 %d 的 workload 缺少 path", execID)
	}
	entry, err := b.catalog.Fetch(ctx, path, version)
	if err != nil {
		return nil, err
	}
	if entry.Parsed == nil {
		return nil, fmt.Errorf("playbook %s@%s 未解析", path, version)
	}
	return entry.Parsed, nil
}

// failExecution 以终态失败事件封存执行（playbook 加载失败等无法推进的场合）
func (b *Broker) failExecution(ctx context.Context, execID int64, reason string) {
	execStr := strconv.FormatInt(execID, 10)
	e := &event.Event{
		ExecutionID: execID,
		EventID:     stableEventID(execStr, "execution_failed", reason),
		Type:        event.StepFailedTerminal,
		NodeID:      fmt.Sprintf("%d:playbook", execID),
		NodeName:    "playbook",
		NodeType:    event.NodePlaybook,
		Status:      event.StatusFailed,
		Error:       reason,
	}
	if _, err := b.events.Append(ctx, e); err != nil {
		b.logger.Error("封存失败执行失败", "execution_id", execID, "error", err)
	}
}

// initialDispatch 建立工作流结构索引并派发入口步骤：
// 有名为 start 的步骤从它进入，否则从工作流首项开始
func (b *Broker) initialDispatch(ctx context.Context, execID int64, pb *playbook.Playbook, events, children []event.Event) error {
	b.indexWorkflow(ctx, execID, pb)
	entry := pb.Find(playbook.StartStep)
	if entry == nil {
		entry = &pb.Workflow[0]
	}
	return b.dispatchStep(ctx, execID, pb, events, children, entry, nil, nil, true)
}

// indexWorkflow 把工作流结构镜像进索引（监控与排障用，失败不阻塞派发）
func (b *Broker) indexWorkflow(ctx context.Context, execID int64, pb *playbook.Playbook) {
	for i := range pb.Workflow {
		s := &pb.Workflow[i]
		if err := b.index.UpsertStep(ctx, execID, s.Name, s.Type, stepToMap(s)); err != nil {
			b.logger.Warn("索引步骤失败", "execution_id", execID, "step", s.Name, "error", err)
			return
		}
		for _, tr := range s.Next {
			if tr.Step != "" {
				_ = b.index.UpsertTransition(ctx, execID, IndexTransition{From: s.Name, To: tr.Step, Condition: tr.When, With: tr.With})
			}
			if tr.Else != "" {
				cond := ""
				if tr.When != "" {
					cond = fmt.Sprintf("not (%s)", tr.When)
				}
				_ = b.index.UpsertTransition(ctx, execID, IndexTransition{From: s.Name, To: tr.Else, Condition: cond, With: tr.With})
			}
		}
	}
}

// dispatchStep 按步骤形态派发：循环展开、入队执行、或 result-only 直接落结果。
// with 为转移边携带的参数覆盖，渲染后顶层合并进上下文并挂到 input 下；
// srcResult 为来路步骤的结果，模板里以 result 引用；initial 标记初始派发路径。
func (b *Broker) dispatchStep(ctx context.Context, execID int64, pb *playbook.Playbook, events, children []event.Event, step *playbook.Step, with map[string]any, srcResult any, initial bool) error {
	baseCtx, err := b.buildContext(ctx, execID, pb, events, children)
	if err != nil {
		return err
	}
	if srcResult != nil {
		baseCtx["result"] = srcResult
	}

	eff := make(map[string]any, len(step.With)+len(with))
	for k, v := range step.With {
		eff[k] = v
	}
	for k, v := range with {
		eff[k] = v
	}
	if len(eff) > 0 {
		rendered, err := b.renderer.EvalMap(eff, baseCtx)
		if err != nil {
			b.failExecution(ctx, execID, fmt.Sprintf("渲染步骤 %q 的 with: %v", step.Name, err))
			return err
		}
		for k, v := range rendered {
			baseCtx[k] = v
		}
		baseCtx["input"] = rendered
	}

	switch {
	case step.Loop != nil:
		return b.expandLoopOnce(ctx, execID, step, baseCtx, events)
	case step.Actionable():
		return b.enqueueStep(ctx, execID, pb, step, baseCtx)
	default:
		return b.dispatchResultOnly(ctx, execID, step, baseCtx, events, initial)
	}
}

// expandLoopOnce 循环只展开一次；已有迭代或已收口则交由 Check 接续
func (b *Broker) expandLoopOnce(ctx context.Context, execID int64, step *playbook.Step, baseCtx map[string]any, events []event.Event) error {
	for i := range events {
		if events[i].Type == event.LoopIteration && events[i].NodeName == step.Name {
			return nil
		}
	}
	n, err := b.events.CountWhere(ctx, execID, event.Filter{Type: event.LoopCompleted, NodeName: step.Name})
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if err := b.loops.Expand(ctx, execID, step, baseCtx); err != nil {
		b.failExecution(ctx, execID, fmt.Sprintf("展开循环 %q: %v", step.Name, err))
		return err
	}
	return nil
}

// enqueueStep 守卫 → 入队 → 落 step_started。该顺序保证崩溃可恢复：
// 先标记后入队的窗口会永久丢任务，反过来最多多一次被去重的入队。
func (b *Broker) enqueueStep(ctx context.Context, execID int64, pb *playbook.Playbook, step *playbook.Step, jobCtx map[string]any) error {
	n, err := b.events.CountWhere(ctx, execID, event.Filter{Type: event.StepStarted, NodeName: step.Name})
	if err != nil {
		return err
	}
	if n > 0 {
		b.logger.Debug("步骤已派发，跳过", "execution_id", execID, "step", step.Name)
		return nil
	}

	execStr := strconv.FormatInt(execID, 10)
	nodeID := queue.NodeID(execID, step.Name, nil)
	jobCtx["work"] = map[string]any{
		"step_name":    step.Name,
		"step_type":    step.Type,
		"execution_id": execStr,
		"node_id":      nodeID,
	}

	action := stepToMap(step)
	if name := step.Action; name != "" || step.Type == playbook.TypeWorkbook {
		if name == "" {
			name = step.Name
		}
		wa := pb.Action(name)
		if wa == nil {
			reason := fmt.Sprintf("步骤 %q 引用的命名动作 %q 不存在", step.Name, name)
			b.failExecution(ctx, execID, reason)
			return errors.New(reason)
		}
		action["workbook_action"] = map[string]any{"tool": wa.Tool, "args": wa.Args}
		if err := b.index.UpsertWorkbookAction(ctx, execID, wa.Name, wa.Tool, wa.Args); err != nil {
			b.logger.Warn("索引命名动作失败", "execution_id", execID, "action", wa.Name, "error", err)
		}
	}

	item := &queue.Item{
		NodeID:      nodeID,
		ExecutionID: execID,
		MaxAttempts: b.maxAttemptsFor(step),
		Payload:     map[string]any{"action": action, "context": jobCtx},
	}
	if _, err := b.queue.Enqueue(ctx, item); err != nil {
		if !errors.Is(err, apperrors.ErrDuplicate) {
			return fmt.Errorf("入队 %s: %w", nodeID, err)
		}
		b.logger.Debug("队列项已存在", "node_id", nodeID)
	}

	_, err = b.events.Append(ctx, &event.Event{
		ExecutionID: execID,
		EventID:     stableEventID(execStr, step.Name, "step_started"),
		Type:        event.StepStarted,
		NodeID:      nodeID,
		NodeName:    step.Name,
		NodeType:    event.NodeStep,
		Status:      event.StatusRunning,
		Context:     map[string]any{"work": jobCtx["work"]},
	})
	return err
}

func (b *Broker) maxAttemptsFor(step *playbook.Step) int {
	if step.Retry != nil {
		if step.Retry.Disabled {
			return 1
		}
		return step.Retry.Defaults().MaxAttempts
	}
	return b.defaultMaxAttempts
}

// dispatchResultOnly 无法入队的步骤直接在 broker 侧落结果。
// 有 result 映射时渲染映射；初始派发且无映射无后继只落 step_completed
// 标记；其余无映射场合回退到最近一条有意义结果。无后继（或落在这里的
// 步骤本身就是终点）时直接封完执行。
func (b *Broker) dispatchResultOnly(ctx context.Context, execID int64, step *playbook.Step, baseCtx map[string]any, events []event.Event, initial bool) error {
	n, err := b.events.CountWhere(ctx, execID, event.Filter{Type: event.StepCompleted, NodeName: step.Name})
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	execStr := strconv.FormatInt(execID, 10)
	nodeID := queue.NodeID(execID, step.Name, nil)

	var result any
	switch {
	case len(step.Result) > 0:
		rendered, err := b.renderer.EvalMap(step.Result, baseCtx)
		if err != nil {
			b.failExecution(ctx, execID, fmt.Sprintf("渲染步骤 %q 的 result: %v", step.Name, err))
			return err
		}
		result = rendered
	case initial && len(step.Next) == 0:
		_, err := b.events.Append(ctx, &event.Event{
			ExecutionID: execID,
			EventID:     stableEventID(execStr, step.Name, "step_completed"),
			Type:        event.StepCompleted,
			NodeID:      nodeID,
			NodeName:    step.Name,
			NodeType:    event.NodeStep,
			Status:      event.StatusCompleted,
		})
		return err
	default:
		r, err := b.events.LatestNonEmptyResult(ctx, execID)
		if err != nil && !errors.Is(err, event.ErrNotFound) {
			return err
		}
		result = r
	}

	if len(step.Next) == 0 {
		return b.complete(ctx, execID, events, result)
	}

	// 有后继：以稳定 id 落完成事件，交给转移扫描推进
	seq := []*event.Event{
		{
			ExecutionID: execID,
			EventID:     stableEventID(execStr, step.Name, "result_only"),
			Type:        event.ActionCompleted,
			NodeID:      nodeID,
			NodeName:    step.Name,
			NodeType:    event.NodeControl,
			Status:      event.StatusCompleted,
			Result:      result,
		},
		{
			ExecutionID: execID,
			EventID:     stableEventID(execStr, step.Name, "step_completed"),
			Type:        event.StepCompleted,
			NodeID:      nodeID,
			NodeName:    step.Name,
			NodeType:    event.NodeStep,
			Status:      event.StatusCompleted,
		},
	}
	for _, e := range seq {
		if _, err := b.events.Append(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// complete 封完执行：最多一条 execution_complete；父执行存在时带上回指，
// 供 dispatcher 唤醒父执行的评估
func (b *Broker) complete(ctx context.Context, execID int64, events []event.Event, result any) error {
	for i := range events {
		if events[i].Type == event.ExecutionComplete {
			return nil
		}
	}
	execStr := strconv.FormatInt(execID, 10)
	parent := executionParent(events)
	_, err := b.events.Append(ctx, &event.Event{
		ExecutionID:       execID,
		EventID:           stableEventID(execStr, "execution_complete"),
		Type:              event.ExecutionComplete,
		NodeID:            fmt.Sprintf("%d:playbook", execID),
		NodeName:          "playbook",
		NodeType:          event.NodePlaybook,
		Status:            event.StatusCompleted,
		Result:            result,
		ParentExecutionID: parent,
	})
	if err == nil {
		b.logger.Info("执行完成", "execution_id", execID)
		if parent != 0 && b.onChildComplete != nil {
			b.onChildComplete(parent)
		}
	}
	return err
}

// executionParent 从 execution_start 取父执行 id（无则 0）
func executionParent(events []event.Event) int64 {
	for i := range events {
		if events[i].Type == event.ExecutionStart {
			return events[i].ParentExecutionID
		}
	}
	return 0
}

// scanTransitions 推进所有已完成而后继未派发的步骤。
// 完成步骤无出边、或所有转移都未命中时，以该步结果封完执行。
func (b *Broker) scanTransitions(ctx context.Context, execID int64, pb *playbook.Playbook, events, children []event.Event) error {
	states := stepStates(execID, pb, events, children)
	evalCtx, err := b.buildContext(ctx, execID, pb, events, children)
	if err != nil {
		return err
	}

	for i := range pb.Workflow {
		step := &pb.Workflow[i]
		st := states[step.Name]
		if st == nil || !st.completed {
			continue
		}
		if len(step.Next) == 0 {
			return b.complete(ctx, execID, events, st.result)
		}
		target, with := b.chooseTransition(step, st.result, evalCtx)
		if target == "" {
			return b.complete(ctx, execID, events, st.result)
		}
		next := pb.Find(target)
		if next == nil {
			continue
		}
		if ts := states[target]; ts != nil && ts.dispatched {
			continue
		}
		if err := b.dispatchStep(ctx, execID, pb, events, children, next, with, st.result, false); err != nil {
			return err
		}
	}
	return nil
}

// chooseTransition 单赢家首命中：when 为空或为真取 step；为假且有 else
// 取 else；都不中看下一条。选中转移的 with 随目标一起返回。
func (b *Broker) chooseTransition(step *playbook.Step, result any, evalCtx map[string]any) (string, map[string]any) {
	condCtx := cloneCtx(evalCtx)
	condCtx["result"] = result
	condCtx["work"] = map[string]any{"step_name": step.Name, "result": result}
	for _, tr := range step.Next {
		if tr.When == "" {
			return tr.Step, tr.With
		}
		if b.renderer.Truthy(tr.When, condCtx) {
			return tr.Step, tr.With
		}
		if tr.Else != "" {
			return tr.Else, tr.With
		}
	}
	return "", nil
}

// stepState 单个步骤的派发/完成状态与结果
type stepState struct {
	dispatched bool
	completed  bool
	result     any
}

// stepStates 从事件日志推导逐步骤状态。非循环步骤看基准 node_id 上的
// action_completed；结果是子执行标记时要等子执行收口，子结果即步骤结果。
// 循环迭代事件的 node_id 带下标后缀，天然不会被误计；循环步骤的完成
// 即收口时落的聚合 action_completed。
func stepStates(execID int64, pb *playbook.Playbook, events, children []event.Event) map[string]*stepState {
	states := make(map[string]*stepState, len(pb.Workflow))
	for i := range pb.Workflow {
		states[pb.Workflow[i].Name] = &stepState{}
	}
	for i := range events {
		e := &events[i]
		st := states[e.NodeName]
		if st == nil {
			continue
		}
		base := queue.NodeID(execID, e.NodeName, nil)
		switch e.Type {
		case event.StepStarted, event.LoopIteration, event.StepCompleted:
			st.dispatched = true
		case event.ActionCompleted:
			st.dispatched = true
			if e.NodeID != base {
				continue
			}
			if childID, ok := childMarker(e.Result); ok {
				if child := findChild(children, childID); child != nil {
					st.completed = true
					st.result = child.Result
				}
				continue
			}
			st.completed = true
			if e.HasResult() {
				st.result = e.Result
			}
		case event.Result, event.StepResult:
			if e.NodeID == base && st.result == nil && e.HasResult() {
				st.result = e.Result
			}
		}
	}
	return states
}

// buildContext 组装渲染上下文：workload、环境变量、job 元数据、
// keychain 凭据、已完成步骤的结果（按步骤名挂载）
func (b *Broker) buildContext(ctx context.Context, execID int64, pb *playbook.Playbook, events, children []event.Event) (map[string]any, error) {
	out := map[string]any{
		"job": map[string]any{"execution_id": strconv.FormatInt(execID, 10)},
	}
	row, err := b.events.Workload(ctx, execID)
	if err != nil && !errors.Is(err, event.ErrNotFound) {
		return nil, err
	}
	workload := map[string]any{}
	if w, ok := row["workload"].(map[string]any); ok {
		workload = w
	} else if len(row) > 0 {
		workload = row
	}
	out["workload"] = workload

	env := envMap()
	out["env"] = env

	for _, kc := range pb.Keychain {
		out[kc.Name] = b.keychainContext(ctx, kc, env)
	}
	for name, st := range stepStates(execID, pb, events, children) {
		if st.completed && st.result != nil {
			out[name] = st.result
		}
	}
	return out, nil
}

// envMap 环境变量快照
func envMap() map[string]any {
	m := map[string]any{}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			m[k] = v
		}
	}
	return m
}

// keychainContext 展开一个凭据集：${VAR} 从环境取，vault: 前缀从
// secret 后端取；取不到时保留原值并告警
func (b *Broker) keychainContext(ctx context.Context, kc playbook.KeychainEntry, env map[string]any) map[string]any {
	out := make(map[string]any, len(kc.Keys))
	for k, v := range kc.Keys {
		val := os.Expand(v, func(name string) string {
			if s, ok := env[name].(string); ok {
				return s
			}
			return ""
		})
		if strings.HasPrefix(val, "vault:") && b.secrets != nil {
			if s, err := b.secrets.Get(ctx, strings.TrimPrefix(val, "vault:")); err == nil {
				val = s
			} else {
				b.logger.Warn("读取 secret 失败", "keychain", kc.Name, "key", k, "error", err)
			}
		}
		out[k] = val
	}
	return out
}

// enqueueAggregation 为收口的循环排横向汇总任务（worker 侧
// result_aggregation 执行器消费迭代事件 id）。以 step_started 标记守卫。
func (b *Broker) enqueueAggregation(ctx context.Context, execID int64, f FinalizedLoop) error {
	aggName := f.StepName + ":aggregate"
	n, err := b.events.CountWhere(ctx, execID, event.Filter{Type: event.StepStarted, NodeName: aggName})
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	execStr := strconv.FormatInt(execID, 10)
	nodeID := fmt.Sprintf("%d:%s", execID, aggName)
	ids := make([]any, 0, len(f.IterationEventIDs))
	for _, id := range f.IterationEventIDs {
		ids = append(ids, strconv.FormatInt(id, 10))
	}
	item := &queue.Item{
		NodeID:      nodeID,
		ExecutionID: execID,
		MaxAttempts: b.defaultMaxAttempts,
		Payload: map[string]any{
			"action": map[string]any{"step": aggName, "type": playbook.TypeAggregation},
			"context": map[string]any{
				"parent_execution_id": execStr,
				"loop_step":           f.StepName,
				"iteration_event_ids": ids,
				"work":                map[string]any{"step_name": aggName},
			},
		},
	}
	if _, err := b.queue.Enqueue(ctx, item); err != nil && !errors.Is(err, apperrors.ErrDuplicate) {
		return err
	}
	_, err = b.events.Append(ctx, &event.Event{
		ExecutionID: execID,
		EventID:     stableEventID(execStr, aggName, "step_started"),
		Type:        event.StepStarted,
		NodeID:      nodeID,
		NodeName:    aggName,
		NodeType:    event.NodeTask,
		Status:      event.StatusRunning,
		Context:     map[string]any{"work": map[string]any{"step_name": aggName}},
	})
	return err
}

// cloneCtx 顶层浅拷贝；调用方按整键覆盖，不深改嵌套值
func cloneCtx(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+4)
	for k, v := range m {
		out[k] = v
	}
	return out
}

// stepToMap 经 json 往返得到步骤的载荷形态，数值统一为 float64，
// 与走过 pg 存储的载荷形态一致
func stepToMap(s *playbook.Step) map[string]any {
	data, err := json.Marshal(s)
	if err != nil {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{}
	}
	return m
}
