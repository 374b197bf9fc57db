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
)

func TestMemoryIndex_StepFirstWriteWins(t *testing.T) {
	idx := NewMemoryIndex()
	ctx := context.Background()

	if err := idx.UpsertStep(ctx, 1, "fetch", "http", map[string]any{"url": "https://a"}); err != nil {
		t.Fatalf("UpsertStep: %v", err)
	}
	// 并发评估会重写同一行，后写必须被丢弃
	if err := idx.UpsertStep(ctx, 1, "fetch", "python", map[string]any{"code": "x"}); err != nil {
		t.Fatalf("UpsertStep rewrite: %v", err)
	}

	def, err := idx.Step(ctx, 1, "fetch")
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if def["type"] != "http" || def["url"] != "https://a" {
		t.Errorf("rewrite must not replace the first definition: %#v", def)
	}
	if _, ok := def["code"]; ok {
		t.Error("second write leaked into the stored definition")
	}
}

func TestMemoryIndex_StepNilWhenAbsent(t *testing.T) {
	idx := NewMemoryIndex()
	def, err := idx.Step(context.Background(), 1, "missing")
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if def != nil {
		t.Errorf("absent step should be nil, got %#v", def)
	}
}

func TestMemoryIndex_StepReturnsCopy(t *testing.T) {
	idx := NewMemoryIndex()
	ctx := context.Background()
	if err := idx.UpsertStep(ctx, 1, "fetch", "http", map[string]any{"url": "https://a"}); err != nil {
		t.Fatalf("UpsertStep: %v", err)
	}

	def, _ := idx.Step(ctx, 1, "fetch")
	def["url"] = "mutated"

	again, _ := idx.Step(ctx, 1, "fetch")
	if again["url"] != "https://a" {
		t.Errorf("caller mutation leaked into the index: %#v", again)
	}
}

func TestMemoryIndex_TransitionsScopedByExecutionAndFrom(t *testing.T) {
	idx := NewMemoryIndex()
	ctx := context.Background()

	edges := []IndexTransition{
		{From: "check", To: "notify", Condition: "{{ result.ok }}"},
		{From: "check", To: "cleanup", Condition: "not ({{ result.ok }})"},
		{From: "notify", To: "archive"},
	}
	for _, tr := range edges {
		if err := idx.UpsertTransition(ctx, 1, tr); err != nil {
			t.Fatalf("UpsertTransition: %v", err)
		}
	}
	// 另一执行的同名边互不可见
	if err := idx.UpsertTransition(ctx, 2, IndexTransition{From: "check", To: "escalate"}); err != nil {
		t.Fatalf("UpsertTransition: %v", err)
	}
	// 同键重写应被丢弃而非复制
	if err := idx.UpsertTransition(ctx, 1, IndexTransition{From: "check", To: "notify", Condition: "{{ result.ok }}", With: map[string]any{"x": 1}}); err != nil {
		t.Fatalf("UpsertTransition rewrite: %v", err)
	}

	out, err := idx.Transitions(ctx, 1, "check")
	if err != nil {
		t.Fatalf("Transitions: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("Transitions(1, check) = %d edges, want 2", len(out))
	}
	targets := map[string]IndexTransition{}
	for _, tr := range out {
		targets[tr.To] = tr
	}
	if _, ok := targets["notify"]; !ok {
		t.Error("missing notify edge")
	}
	if _, ok := targets["cleanup"]; !ok {
		t.Error("missing cleanup edge")
	}
	if targets["notify"].With != nil {
		t.Error("rewrite must not replace the first edge")
	}

	other, err := idx.Transitions(ctx, 1, "nowhere")
	if err != nil {
		t.Fatalf("Transitions: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("unexpected edges for unknown step: %#v", other)
	}
}

func TestMemoryIndex_WorkbookActionFirstWriteWins(t *testing.T) {
	idx := NewMemoryIndex()
	ctx := context.Background()

	if err := idx.UpsertWorkbookAction(ctx, 1, "sync", "http", map[string]any{"url": "https://a"}); err != nil {
		t.Fatalf("UpsertWorkbookAction: %v", err)
	}
	if err := idx.UpsertWorkbookAction(ctx, 1, "sync", "python", nil); err != nil {
		t.Fatalf("UpsertWorkbookAction rewrite: %v", err)
	}

	idx.mu.RLock()
	stored := idx.workbook[stepKey{1, "sync"}]
	idx.mu.RUnlock()
	if stored == nil || stored["tool"] != "http" {
		t.Errorf("rewrite must not replace the first action: %#v", stored)
	}
}
