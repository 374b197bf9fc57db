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

	"flow-platform/internal/event"
	"flow-platform/internal/queue"
	"flow-platform/pkg/log"
)

func newDispatcher(t *testing.T, te *testEnv) *Dispatcher {
	t.Helper()
	logger, err := log.NewLogger(&log.Config{Level: "error"})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	return NewDispatcher(te.broker, logger)
}

func TestDispatcher_ExecutionStartTriggersEvaluation(t *testing.T) {
	te := newTestEnv(t)
	d := newDispatcher(t, te)
	te.register(t, "flows/linear.yml", "1.0", linearDoc)
	te.startExecution(t, 1, "flows/linear.yml", map[string]any{"base": "https://api.internal"})

	d.Dispatch(&event.Event{ExecutionID: 1, Type: event.ExecutionStart})
	d.Wait()

	if got := te.queuedCount(t, queue.StatusQueued); got != 1 {
		t.Fatalf("expected first step queued after dispatch, got %d", got)
	}
	item, err := te.queue.Lease(context.Background(), "w1", time.Minute)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if item.NodeID != "1:fetch" {
		t.Errorf("queued node = %s, want 1:fetch", item.NodeID)
	}
}

// 吸收窗口内同一执行的重复触发合并为一次评估
func TestDispatcher_AbsorbsPokeStorm(t *testing.T) {
	te := newTestEnv(t)
	d := newDispatcher(t, te)
	d.EvalDelay = 150 * time.Millisecond

	te.register(t, "flows/linear.yml", "1.0", linearDoc)
	te.startExecution(t, 5, "flows/linear.yml", map[string]any{"base": "https://api.internal"})

	for i := 0; i < 20; i++ {
		d.Poke(5, "loop_iteration")
	}
	d.mu.Lock()
	pending := len(d.pending)
	d.mu.Unlock()
	if pending != 1 {
		t.Fatalf("expected one merged pending evaluation, got %d", pending)
	}

	d.Wait()
	d.mu.Lock()
	pending = len(d.pending)
	d.mu.Unlock()
	if pending != 0 {
		t.Errorf("pending window should drain after evaluation, got %d", pending)
	}
	if got := te.queuedCount(t, queue.StatusQueued); got != 1 {
		t.Fatalf("merged evaluation should still advance the execution, got %d queued", got)
	}
}

func TestDispatcher_IgnoresNonTriggerEvents(t *testing.T) {
	te := newTestEnv(t)
	d := newDispatcher(t, te)
	te.register(t, "flows/linear.yml", "1.0", linearDoc)
	te.startExecution(t, 2, "flows/linear.yml", map[string]any{"base": "https://api.internal"})

	d.Dispatch(nil)
	for _, typ := range []event.Type{event.StepStarted, event.ActionStarted, event.ActionError} {
		d.Dispatch(&event.Event{ExecutionID: 2, Type: typ})
	}
	d.Wait()

	if got := te.queuedCount(t, queue.StatusQueued); got != 0 {
		t.Errorf("progress-neutral events must not trigger evaluation, %d queued", got)
	}
}

func TestDispatcher_ChildCompletionWakesParent(t *testing.T) {
	te := newTestEnv(t)
	d := newDispatcher(t, te)
	te.register(t, "flows/parent.yml", "1.0", parentDoc)
	te.startExecution(t, 31, "flows/parent.yml", nil)

	te.evaluate(t, 31)
	te.completeJob(t, map[string]any{"execution_id": "32", "path": "flows/child.yml"})
	te.evaluate(t, 31)
	if got := te.queuedCount(t, queue.StatusQueued); got != 0 {
		t.Fatalf("parent must wait for child, %d queued", got)
	}

	// 子执行收口事件进入派发器：回唤父执行的评估
	child := &event.Event{
		ExecutionID:       32,
		ParentExecutionID: 31,
		Type:              event.ExecutionComplete,
		NodeType:          event.NodePlaybook,
		Status:            event.StatusCompleted,
		Result:            map[string]any{"ok": true},
	}
	if _, err := te.events.Append(context.Background(), child); err != nil {
		t.Fatalf("append child execution_complete: %v", err)
	}
	d.Dispatch(child)
	d.Wait()

	item, err := te.queue.Lease(context.Background(), "w1", time.Minute)
	if err != nil {
		t.Fatalf("Lease after child completion: %v", err)
	}
	if item.NodeID != "31:after" {
		t.Errorf("expected parent to advance past child step, got %s", item.NodeID)
	}
}

// 子执行经 broker 评估自行收口时，complete 钩子要把父执行唤起来，
// 不依赖调用方再发一次 execution_complete 派发。
func TestDispatcher_CompleteHookWakesParent(t *testing.T) {
	te := newTestEnv(t)
	d := newDispatcher(t, te)
	te.register(t, "flows/parent.yml", "1.0", parentDoc)
	te.register(t, "flows/child.yml", "1.0", resultOnlyDoc)

	te.startExecution(t, 41, "flows/parent.yml", nil)
	te.evaluate(t, 41)
	te.completeJob(t, map[string]any{"execution_id": "42", "path": "flows/child.yml"})
	te.evaluate(t, 41)

	// 子执行带父回指启动
	_, err := te.events.Append(context.Background(), &event.Event{
		ExecutionID:       42,
		ParentExecutionID: 41,
		Type:              event.ExecutionStart,
		NodeType:          event.NodePlaybook,
		Status:            event.StatusRunning,
		Context: map[string]any{
			"path":     "flows/child.yml",
			"version":  "1.0",
			"workload": map[string]any{"tenant": "acme", "count": 2},
		},
	})
	if err != nil {
		t.Fatalf("append child execution_start: %v", err)
	}

	te.evaluate(t, 42)
	d.Wait()

	childEvents := te.listEvents(t, 42)
	done := findType(childEvents, event.ExecutionComplete)
	if done == nil {
		t.Fatal("child execution should complete on its own")
	}
	if done.ParentExecutionID != 41 {
		t.Errorf("child completion should carry parent back-pointer, got %d", done.ParentExecutionID)
	}

	item, err := te.queue.Lease(context.Background(), "w1", time.Minute)
	if err != nil {
		t.Fatalf("Lease after child completion: %v", err)
	}
	if item.NodeID != "41:after" {
		t.Fatalf("expected parent downstream step, got %s", item.NodeID)
	}
	jobCtx, _ := item.Payload["context"].(map[string]any)
	sub, _ := jobCtx["sub"].(map[string]any)
	if sub["message"] != "done for acme" {
		t.Errorf("child result should flow into parent context, got %#v", jobCtx["sub"])
	}
}
