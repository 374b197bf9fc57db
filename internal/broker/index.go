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
	"sync"
)

// IndexTransition 工作流索引中的一条出边
type IndexTransition struct {
	From      string         `json:"from"`
	To        string         `json:"to"`
	Condition string         `json:"condition,omitempty"`
	With      map[string]any `json:"with,omitempty"`
}

// Index 按执行去规格化的工作流索引：步骤定义、出边与 workbook 动作缓存。
// 纯缓存，事件日志才是权威状态；写入全部走冲突即弃的 upsert，
// 任意次重写都安全。
type Index interface {
	UpsertStep(ctx context.Context, executionID int64, name, stepType string, definition map[string]any) error
	UpsertTransition(ctx context.Context, executionID int64, t IndexTransition) error
	UpsertWorkbookAction(ctx context.Context, executionID int64, name, tool string, args map[string]any) error
	// Step 返回步骤定义，未写入时返回 nil
	Step(ctx context.Context, executionID int64, name string) (map[string]any, error)
	Transitions(ctx context.Context, executionID int64, from string) ([]IndexTransition, error)
}

type stepKey struct {
	executionID int64
	name        string
}

type transitionKey struct {
	executionID int64
	from, to    string
	condition   string
}

// MemoryIndex 进程内索引，单机与测试用
type MemoryIndex struct {
	mu          sync.RWMutex
	steps       map[stepKey]map[string]any
	transitions map[transitionKey]IndexTransition
	workbook    map[stepKey]map[string]any
}

// NewMemoryIndex 创建内存索引
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		steps:       make(map[stepKey]map[string]any),
		transitions: make(map[transitionKey]IndexTransition),
		workbook:    make(map[stepKey]map[string]any),
	}
}

func (m *MemoryIndex) UpsertStep(_ context.Context, executionID int64, name, stepType string, definition map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := stepKey{executionID, name}
	if _, ok := m.steps[key]; ok {
		return nil
	}
	def := make(map[string]any, len(definition)+1)
	for k, v := range definition {
		def[k] = v
	}
	def["type"] = stepType
	m.steps[key] = def
	return nil
}

func (m *MemoryIndex) UpsertTransition(_ context.Context, executionID int64, t IndexTransition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := transitionKey{executionID, t.From, t.To, t.Condition}
	if _, ok := m.transitions[key]; ok {
		return nil
	}
	m.transitions[key] = t
	return nil
}

func (m *MemoryIndex) UpsertWorkbookAction(_ context.Context, executionID int64, name, tool string, args map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := stepKey{executionID, name}
	if _, ok := m.workbook[key]; ok {
		return nil
	}
	m.workbook[key] = map[string]any{"name": name, "tool": tool, "args": args}
	return nil
}

func (m *MemoryIndex) Step(_ context.Context, executionID int64, name string) (map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	def, ok := m.steps[stepKey{executionID, name}]
	if !ok {
		return nil, nil
	}
	out := make(map[string]any, len(def))
	for k, v := range def {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryIndex) Transitions(_ context.Context, executionID int64, from string) ([]IndexTransition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []IndexTransition
	for key, t := range m.transitions {
		if key.executionID == executionID && key.from == from {
			out = append(out, t)
		}
	}
	return out, nil
}
