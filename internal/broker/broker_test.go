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
	"testing"
	"time"

	"flow-platform/internal/catalog"
	"flow-platform/internal/event"
	"flow-platform/internal/queue"
	"flow-platform/internal/render"
	"flow-platform/pkg/log"
)

type testEnv struct {
	broker  *Broker
	events  *event.MemoryStore
	queue   *queue.MemoryQueue
	catalog *catalog.MemoryStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger, err := log.NewLogger(&log.Config{Level: "error"})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	events := event.NewMemoryStore()
	q := queue.NewMemoryQueue()
	cat := catalog.NewMemoryStore()
	b := New(events, q, cat, nil, render.New(), nil, logger, Config{})
	return &testEnv{broker: b, events: events, queue: q, catalog: cat}
}

func (te *testEnv) register(t *testing.T, path, version, doc string) {
	t.Helper()
	if err := te.catalog.Register(context.Background(), path, version, doc); err != nil {
		t.Fatalf("Register(%s@%s): %v", path, version, err)
	}
}

// startExecution 落 execution_start，workload 随之入库
func (te *testEnv) startExecution(t *testing.T, execID int64, path string, workload map[string]any) {
	t.Helper()
	_, err := te.events.Append(context.Background(), &event.Event{
		ExecutionID: execID,
		Type:        event.ExecutionStart,
		NodeType:    event.NodePlaybook,
		Status:      event.StatusRunning,
		Context: map[string]any{
			"path":     path,
			"version":  "1.0",
			"workload": workload,
		},
	})
	if err != nil {
		t.Fatalf("append execution_start: %v", err)
	}
}

func (te *testEnv) evaluate(t *testing.T, execID int64) {
	t.Helper()
	if err := te.broker.EvaluateExecution(context.Background(), execID); err != nil {
		t.Fatalf("EvaluateExecution(%d): %v", execID, err)
	}
}

// completeJob 模拟 worker：租约 → action_completed + step_result → Complete
func (te *testEnv) completeJob(t *testing.T, result any) *queue.Item {
	t.Helper()
	ctx := context.Background()
	item, err := te.queue.Lease(ctx, "w1", time.Minute)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	te.finishItem(t, item, result)
	return item
}

// finishItem 为已租约的项补发完成事件并 Complete
func (te *testEnv) finishItem(t *testing.T, item *queue.Item, result any) {
	t.Helper()
	ctx := context.Background()
	stepName := payloadStepName(item)
	_, err := te.events.Append(ctx, &event.Event{
		ExecutionID: item.ExecutionID,
		Type:        event.ActionCompleted,
		NodeID:      item.NodeID,
		NodeName:    stepName,
		NodeType:    event.NodeTask,
		Status:      event.StatusCompleted,
		Result:      result,
	})
	if err != nil {
		t.Fatalf("append action_completed: %v", err)
	}
	_, err = te.events.Append(ctx, &event.Event{
		ExecutionID: item.ExecutionID,
		Type:        event.StepResult,
		NodeID:      item.NodeID,
		NodeName:    stepName,
		NodeType:    event.NodeTask,
		Status:      event.StatusCompleted,
		Result:      result,
	})
	if err != nil {
		t.Fatalf("append step_result: %v", err)
	}
	if err := te.queue.Complete(ctx, item.ID, item.WorkerID); err != nil {
		t.Fatalf("Complete: %v", err)
	}
}

func payloadStepName(item *queue.Item) string {
	c, _ := item.Payload["context"].(map[string]any)
	work, _ := c["work"].(map[string]any)
	name, _ := work["step_name"].(string)
	return name
}

func (te *testEnv) queuedCount(t *testing.T, status string) int {
	t.Helper()
	sizes, err := te.queue.Size(context.Background())
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	return sizes[status]
}

func (te *testEnv) listEvents(t *testing.T, execID int64) []event.Event {
	t.Helper()
	events, err := te.events.ListByExecution(context.Background(), execID)
	if err != nil {
		t.Fatalf("ListByExecution: %v", err)
	}
	return events
}

func countType(events []event.Event, typ event.Type) int {
	n := 0
	for i := range events {
		if events[i].Type == typ {
			n++
		}
	}
	return n
}

func findType(events []event.Event, typ event.Type) *event.Event {
	for i := range events {
		if events[i].Type == typ {
			return &events[i]
		}
	}
	return nil
}

const linearDoc = `
path: flows/linear.yml
workflow:
  - step: fetch
    type: http
    url: "{{ workload.base }}/users"
    next:
      - step: publish
  - step: publish
    type: http
    url: "{{ workload.base }}/publish"
`

func TestBroker_LinearFlow(t *testing.T) {
	te := newTestEnv(t)
	te.register(t, "flows/linear.yml", "1.0", linearDoc)
	te.startExecution(t, 1, "flows/linear.yml", map[string]any{"base": "https://api.internal"})

	te.evaluate(t, 1)

	if got := te.queuedCount(t, queue.StatusQueued); got != 1 {
		t.Fatalf("expected 1 queued job after initial dispatch, got %d", got)
	}
	events := te.listEvents(t, 1)
	if countType(events, event.StepStarted) != 1 {
		t.Fatalf("expected exactly one step_started, got %d", countType(events, event.StepStarted))
	}

	item := te.completeJob(t, map[string]any{"status_code": float64(200), "data": "users"})
	if item.NodeID != "1:fetch" {
		t.Fatalf("expected first job 1:fetch, got %s", item.NodeID)
	}

	te.evaluate(t, 1)
	item = te.completeJob(t, map[string]any{"published": true})
	if item.NodeID != "1:publish" {
		t.Fatalf("expected second job 1:publish, got %s", item.NodeID)
	}

	te.evaluate(t, 1)
	events = te.listEvents(t, 1)
	done := findType(events, event.ExecutionComplete)
	if done == nil {
		t.Fatal("expected execution_complete after terminal step")
	}
	result, ok := done.Result.(map[string]any)
	if !ok || result["published"] != true {
		t.Fatalf("expected terminal step result on execution_complete, got %#v", done.Result)
	}

	// 终态后评估是 no-op
	before := len(events)
	te.evaluate(t, 1)
	if after := len(te.listEvents(t, 1)); after != before {
		t.Errorf("evaluation after completion appended events: %d -> %d", before, after)
	}
}

func TestBroker_EvaluateIdempotent(t *testing.T) {
	te := newTestEnv(t)
	te.register(t, "flows/linear.yml", "1.0", linearDoc)
	te.startExecution(t, 7, "flows/linear.yml", map[string]any{"base": "https://api.internal"})

	for range 3 {
		te.evaluate(t, 7)
	}

	if got := te.queuedCount(t, queue.StatusQueued); got != 1 {
		t.Fatalf("repeated evaluation duplicated jobs: %d queued", got)
	}
	events := te.listEvents(t, 7)
	if got := countType(events, event.StepStarted); got != 1 {
		t.Fatalf("repeated evaluation duplicated step_started: %d", got)
	}
}

const branchDoc = `
path: flows/branch.yml
workflow:
  - step: check
    type: http
    url: "https://api.internal/health"
    next:
      - when: "{{ result.ok }}"
        step: notify
        else: cleanup
  - step: notify
    type: http
    url: "https://api.internal/notify"
  - step: cleanup
    type: http
    url: "https://api.internal/cleanup"
`

func TestBroker_BranchTransitions(t *testing.T) {
	cases := []struct {
		name     string
		result   map[string]any
		wantNode string
	}{
		{"when true takes primary", map[string]any{"ok": true}, "3:notify"},
		{"when false takes else", map[string]any{"ok": false}, "3:cleanup"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			te := newTestEnv(t)
			te.register(t, "flows/branch.yml", "1.0", branchDoc)
			te.startExecution(t, 3, "flows/branch.yml", nil)

			te.evaluate(t, 3)
			te.completeJob(t, tc.result)
			te.evaluate(t, 3)

			item, err := te.queue.Lease(context.Background(), "w2", time.Minute)
			if err != nil {
				t.Fatalf("Lease after branch: %v", err)
			}
			if item.NodeID != tc.wantNode {
				t.Errorf("expected %s dispatched, got %s", tc.wantNode, item.NodeID)
			}
			if got := te.queuedCount(t, queue.StatusQueued); got != 0 {
				t.Errorf("expected single branch dispatched, %d still queued", got)
			}
		})
	}
}

const withDoc = `
path: flows/with.yml
workflow:
  - step: lookup
    type: http
    url: "https://api.internal/lookup"
    next:
      - step: greet
        with:
          user: "{{ result.user }}"
  - step: greet
    type: http
    url: "https://api.internal/greet"
    with:
      greeting: "hello"
      user: "nobody"
`

func TestBroker_TransitionWithOverridesStepWith(t *testing.T) {
	te := newTestEnv(t)
	te.register(t, "flows/with.yml", "1.0", withDoc)
	te.startExecution(t, 4, "flows/with.yml", nil)

	te.evaluate(t, 4)
	te.completeJob(t, map[string]any{"user": "alice"})
	te.evaluate(t, 4)

	item, err := te.queue.Lease(context.Background(), "w1", time.Minute)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	jobCtx, _ := item.Payload["context"].(map[string]any)
	input, _ := jobCtx["input"].(map[string]any)
	if input["user"] != "alice" {
		t.Errorf("transition with should override step with: input.user=%v", input["user"])
	}
	if input["greeting"] != "hello" {
		t.Errorf("step with should survive for non-overridden keys: input.greeting=%v", input["greeting"])
	}
	if jobCtx["user"] != "alice" {
		t.Errorf("rendered with should also merge top-level: user=%v", jobCtx["user"])
	}
}

const resultOnlyDoc = `
path: flows/result.yml
workflow:
  - step: summarize
    result:
      message: "done for {{ workload.tenant }}"
      count: "{{ workload.count }}"
`

func TestBroker_ResultOnlyTerminalMapping(t *testing.T) {
	te := newTestEnv(t)
	te.register(t, "flows/result.yml", "1.0", resultOnlyDoc)
	te.startExecution(t, 5, "flows/result.yml", map[string]any{"tenant": "acme", "count": 2})

	te.evaluate(t, 5)

	if got := te.queuedCount(t, queue.StatusQueued); got != 0 {
		t.Fatalf("result-only step should not enqueue, got %d queued", got)
	}
	done := findType(te.listEvents(t, 5), event.ExecutionComplete)
	if done == nil {
		t.Fatal("expected immediate execution_complete")
	}
	result, _ := done.Result.(map[string]any)
	if result["message"] != "done for acme" {
		t.Errorf("rendered result mapping wrong: %#v", result)
	}
}

const markerDoc = `
path: flows/marker.yml
workflow:
  - step: noop_step
`

func TestBroker_ResultOnlyMarkerWithoutMapping(t *testing.T) {
	te := newTestEnv(t)
	te.register(t, "flows/marker.yml", "1.0", markerDoc)
	te.startExecution(t, 6, "flows/marker.yml", nil)

	te.evaluate(t, 6)

	events := te.listEvents(t, 6)
	if countType(events, event.StepCompleted) != 1 {
		t.Fatalf("expected step_completed marker, got %v events", len(events))
	}
	if findType(events, event.ExecutionComplete) != nil {
		t.Error("mapping-less marker step should not complete the execution")
	}
}

const routerDoc = `
path: flows/router.yml
workflow:
  - step: route
    next:
      - when: "{{ workload.mode == 'fast' }}"
        step: fast
        else: slow
  - step: fast
    type: http
    url: "https://api.internal/fast"
  - step: slow
    type: http
    url: "https://api.internal/slow"
`

func TestBroker_RouterFirstStep(t *testing.T) {
	te := newTestEnv(t)
	te.register(t, "flows/router.yml", "1.0", routerDoc)
	te.startExecution(t, 8, "flows/router.yml", map[string]any{"mode": "fast"})

	// 单次评估内迭代到不动点：路由步完成并派发目标
	te.evaluate(t, 8)

	item, err := te.queue.Lease(context.Background(), "w1", time.Minute)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if item.NodeID != "8:fast" {
		t.Errorf("router should dispatch fast branch, got %s", item.NodeID)
	}
}

const deadEndDoc = `
path: flows/deadend.yml
workflow:
  - step: probe
    type: http
    url: "https://api.internal/probe"
    next:
      - when: "{{ result.escalate }}"
        step: escalate
  - step: escalate
    type: http
    url: "https://api.internal/escalate"
`

func TestBroker_DeadEndTransitionCompletesExecution(t *testing.T) {
	te := newTestEnv(t)
	te.register(t, "flows/deadend.yml", "1.0", deadEndDoc)
	te.startExecution(t, 9, "flows/deadend.yml", nil)

	te.evaluate(t, 9)
	te.completeJob(t, map[string]any{"escalate": false, "checked": true})
	te.evaluate(t, 9)

	done := findType(te.listEvents(t, 9), event.ExecutionComplete)
	if done == nil {
		t.Fatal("unmatched transitions should close the execution")
	}
	result, _ := done.Result.(map[string]any)
	if result["checked"] != true {
		t.Errorf("expected probe result carried onto execution_complete, got %#v", done.Result)
	}
	if got := te.queuedCount(t, queue.StatusQueued); got != 0 {
		t.Errorf("no job should be dispatched past a dead end, %d queued", got)
	}
}

func TestBroker_CatalogMissFailsExecution(t *testing.T) {
	te := newTestEnv(t)
	te.startExecution(t, 10, "flows/ghost.yml", nil)

	if err := te.broker.EvaluateExecution(context.Background(), 10); err == nil {
		t.Fatal("expected error for unknown playbook")
	}
	events := te.listEvents(t, 10)
	if findType(events, event.StepFailedTerminal) == nil {
		t.Fatal("expected terminal failure event on catalog miss")
	}
	// 终态后评估恢复为 no-op
	te.evaluate(t, 10)
}

const parentDoc = `
path: flows/parent.yml
workflow:
  - step: sub
    type: playbook
    resource_path: flows/child.yml
    next:
      - step: after
  - step: after
    type: http
    url: "https://api.internal/after"
`

func TestBroker_ChildExecutionGatesParentStep(t *testing.T) {
	te := newTestEnv(t)
	te.register(t, "flows/parent.yml", "1.0", parentDoc)
	te.startExecution(t, 11, "flows/parent.yml", nil)

	te.evaluate(t, 11)
	// worker 启动了子执行，交回子执行标记
	te.completeJob(t, map[string]any{"execution_id": "12", "path": "flows/child.yml"})
	te.evaluate(t, 11)

	if got := te.queuedCount(t, queue.StatusQueued); got != 0 {
		t.Fatalf("parent must wait for child completion, %d queued", got)
	}

	// 子执行收口（带父回指），父步骤以子结果完成
	_, err := te.events.Append(context.Background(), &event.Event{
		ExecutionID:       12,
		ParentExecutionID: 11,
		Type:              event.ExecutionComplete,
		NodeType:          event.NodePlaybook,
		Status:            event.StatusCompleted,
		Result:            map[string]any{"child_ok": true},
	})
	if err != nil {
		t.Fatalf("append child execution_complete: %v", err)
	}
	te.evaluate(t, 11)

	item, err := te.queue.Lease(context.Background(), "w1", time.Minute)
	if err != nil {
		t.Fatalf("Lease after child completion: %v", err)
	}
	if item.NodeID != "11:after" {
		t.Errorf("expected downstream step after child completion, got %s", item.NodeID)
	}
	jobCtx, _ := item.Payload["context"].(map[string]any)
	sub, _ := jobCtx["sub"].(map[string]any)
	if sub["child_ok"] != true {
		t.Errorf("child result should become parent step result in context: %#v", jobCtx["sub"])
	}
}

func TestClassify(t *testing.T) {
	mk := func(typ event.Type, nodeID, status, errText string) event.Event {
		return event.Event{Type: typ, NodeID: nodeID, Status: status, Error: errText}
	}
	cases := []struct {
		name   string
		events []event.Event
		active int
		want   string
	}{
		{"no progress", []event.Event{mk(event.ExecutionStart, "", "running", "")}, 0, StateInitial},
		{"leased job", []event.Event{mk(event.ExecutionStart, "", "running", "")}, 1, StateInProgress},
		{"action completed", []event.Event{
			mk(event.ExecutionStart, "", "running", ""),
			mk(event.ActionCompleted, "1:a", "completed", ""),
		}, 0, StateInProgress},
		{"execution complete wins", []event.Event{
			mk(event.ActionCompleted, "1:a", "completed", ""),
			mk(event.ExecutionComplete, "", "completed", ""),
		}, 0, StateCompleted},
		{"terminal marker fails", []event.Event{
			mk(event.ActionCompleted, "1:a", "completed", ""),
			mk(event.StepFailedTerminal, "1:b", "failed", "boom"),
		}, 3, StateFailed},
		{"exhausted marker fails", []event.Event{
			mk(event.StepRetryExhausted, "1:b", "failed", "max"),
		}, 0, StateFailed},
		{"unrecovered error no active job", []event.Event{
			mk(event.ExecutionStart, "", "running", ""),
			mk(event.ActionError, "1:a", "failed", "boom"),
		}, 0, StateFailed},
		{"error with retry still queued", []event.Event{
			mk(event.ExecutionStart, "", "running", ""),
			mk(event.ActionError, "1:a", "failed", "boom"),
		}, 1, StateInProgress},
		{"error recovered by later success", []event.Event{
			mk(event.ActionError, "1:a", "failed", "boom"),
			mk(event.ActionCompleted, "1:a", "completed", ""),
		}, 0, StateInProgress},
		{"pending retry marker is not failure", []event.Event{
			mk(event.ActionError, "1:a", "failed", "boom"),
			mk(event.StepRetry, "1:a", "pending", ""),
			mk(event.ActionCompleted, "1:a", "completed", ""),
		}, 0, StateInProgress},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := classify(tc.events, tc.active); got != tc.want {
				t.Errorf("classify = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestStableEventID(t *testing.T) {
	a := stableEventID("1", "fetch", "step_started")
	b := stableEventID("1", "fetch", "step_started")
	c := stableEventID("1", "fetch", "step_completed")
	if a != b {
		t.Errorf("same parts must derive same id: %d vs %d", a, b)
	}
	if a == c {
		t.Error("different parts must derive different ids")
	}
	if a < 0 || c < 0 {
		t.Errorf("ids must be non-negative: %d %d", a, c)
	}
	// 分隔符防拼接歧义
	if stableEventID("ab", "c") == stableEventID("a", "bc") {
		t.Error("part boundaries must be significant")
	}
}
