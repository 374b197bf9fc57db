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
	"encoding/json"
	"os"

	"flow-platform/internal/playbook"
)

// SaveExecutor save 任务执行器。渲染后的载荷随结果事件持久化到事件日志；
// 给了 path 时额外落一份 JSON 文件。
type SaveExecutor struct{}

// NewSaveExecutor 创建 save 执行器
func NewSaveExecutor() *SaveExecutor { return &SaveExecutor{} }

// Kind 实现 Executor
func (e *SaveExecutor) Kind() string { return playbook.TypeSave }

// Execute 实现 Executor
func (e *SaveExecutor) Execute(ctx context.Context, t *Task) Result {
	payload := t.AnyArg("save")
	if payload == nil {
		payload = t.AnyArg("data")
	}
	if payload == nil {
		payload = t.AnyArg("payload")
	}
	if payload == nil {
		return Errorf("save: 没有可保存的数据（save/data/payload 均为空）")
	}

	out := map[string]any{"saved": true, "data": payload}
	if path := t.StringArg("path"); path != "" {
		raw, err := json.MarshalIndent(payload, "", "  ")
		if err != nil {
			return Errorf("save: 序列化: %v", err)
		}
		if err := os.WriteFile(path, raw, 0644); err != nil {
			return Errorf("save: 写入 %s: %v", path, err)
		}
		out["path"] = path
	}
	return Success(out)
}
