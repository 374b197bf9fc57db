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

package executor

import (
	"context"

	"flow-platform/internal/playbook"
)

// WorkbookExecutor workbook 任务执行器：命名动作的间接层。
// broker 入队时把解析好的动作放进 config.workbook_action，
// 这里合并动作缺省参数与任务参数后按动作的 tool 类型再分发。
type WorkbookExecutor struct {
	registry *Registry
}

// NewWorkbookExecutor 创建 workbook 执行器
func NewWorkbookExecutor(registry *Registry) *WorkbookExecutor {
	return &WorkbookExecutor{registry: registry}
}

// Kind 实现 Executor
func (e *WorkbookExecutor) Kind() string { return playbook.TypeWorkbook }

// Execute 实现 Executor
func (e *WorkbookExecutor) Execute(ctx context.Context, t *Task) Result {
	action, ok := t.Config["workbook_action"].(map[string]any)
	if !ok {
		return Errorf("workbook: 步骤 %s 未解析到命名动作", t.Name)
	}
	tool, _ := action["tool"].(string)
	if tool == "" {
		return Errorf("workbook: 动作缺少 tool 类型")
	}
	if tool == playbook.TypeWorkbook {
		return Errorf("workbook: 动作不能再指向 workbook")
	}

	// 动作缺省参数打底，任务渲染参数覆盖
	merged := make(map[string]any)
	if args, ok := action["args"].(map[string]any); ok {
		for k, v := range args {
			merged[k] = v
		}
	}
	for k, v := range t.Args {
		merged[k] = v
	}

	delegate := &Task{
		Type:        tool,
		Name:        t.Name,
		ExecutionID: t.ExecutionID,
		NodeID:      t.NodeID,
		Config:      merged,
		Args:        merged,
		Context:     t.Context,
	}
	return e.registry.Execute(ctx, delegate)
}
