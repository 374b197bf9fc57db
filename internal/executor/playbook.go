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
	"strconv"

	"flow-platform/internal/playbook"
)

// Launcher 启动子执行的回调，由 worker 进程注入（回指服务端 API）
type Launcher interface {
	LaunchExecution(ctx context.Context, path, version string, workload map[string]any, parentExecutionID int64) (int64, error)
}

// PlaybookExecutor playbook 任务执行器：启动子执行并立即返回子执行 id。
// 子执行的最终结果由 broker 在父执行侧通过 execution_complete 事件回灌。
type PlaybookExecutor struct {
	launcher Launcher
}

// NewPlaybookExecutor 创建 playbook 执行器
func NewPlaybookExecutor(launcher Launcher) *PlaybookExecutor {
	return &PlaybookExecutor{launcher: launcher}
}

// Kind 实现 Executor
func (e *PlaybookExecutor) Kind() string { return playbook.TypePlaybook }

// Execute 实现 Executor
func (e *PlaybookExecutor) Execute(ctx context.Context, t *Task) Result {
	if e.launcher == nil {
		return Errorf("playbook: 未配置子执行回调")
	}
	path := t.StringArg("resource_path")
	if path == "" {
		path = t.StringArg("path")
	}
	if path == "" {
		return Errorf("playbook: resource_path 不能为空")
	}
	version := t.StringArg("version")

	// 子执行 workload：显式 workload/payload 优先，否则用转移时渲染的 input
	workload := t.MapArg("workload")
	if workload == nil {
		workload = t.MapArg("payload")
	}
	if workload == nil {
		if input, ok := t.Context["input"].(map[string]any); ok {
			workload = input
		}
	}

	childID, err := e.launcher.LaunchExecution(ctx, path, version, workload, t.ExecutionID)
	if err != nil {
		return Errorf("playbook: 启动子执行 %s: %v", path, err)
	}
	// id 以十进制字符串返回，避免 JSON 数字在 2^53 以上丢精度
	return Success(map[string]any{
		"execution_id": strconv.FormatInt(childID, 10),
		"path":         path,
	})
}
