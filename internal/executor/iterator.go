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

// IteratorExecutor iterator 类型的占位执行器。循环展开由 broker 完成，
// 该类型任务到达 worker 说明只是控制节点，返回占位信封即可
// （reason=control_step 不计入有效结果）。
type IteratorExecutor struct{}

// NewIteratorExecutor 创建 iterator 占位执行器
func NewIteratorExecutor() *IteratorExecutor { return &IteratorExecutor{} }

// Kind 实现 Executor
func (e *IteratorExecutor) Kind() string { return playbook.TypeIterator }

// Execute 实现 Executor
func (e *IteratorExecutor) Execute(ctx context.Context, t *Task) Result {
	return Success(map[string]any{"reason": "control_step"})
}
