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
	"flow-platform/pkg/secrets"
)

// SecretsExecutor secrets 任务执行器：按名称从 secret 后端取值。
// name 取单个，names 批量；值只进结果信封，不落日志。
type SecretsExecutor struct {
	store secrets.Store
}

// NewSecretsExecutor 创建 secrets 执行器
func NewSecretsExecutor(store secrets.Store) *SecretsExecutor {
	return &SecretsExecutor{store: store}
}

// Kind 实现 Executor
func (e *SecretsExecutor) Kind() string { return playbook.TypeSecrets }

// Execute 实现 Executor
func (e *SecretsExecutor) Execute(ctx context.Context, t *Task) Result {
	if e.store == nil {
		return Errorf("secrets: 未配置 secret 后端")
	}
	name := t.StringArg("name")
	if name == "" {
		name = t.StringArg("key")
	}
	if name != "" {
		value, err := e.store.Get(ctx, name)
		if err != nil {
			return Errorf("secrets: 读取 %s: %v", name, err)
		}
		return Success(map[string]any{"name": name, "value": value})
	}

	raw, ok := t.AnyArg("names").([]any)
	if !ok || len(raw) == 0 {
		return Errorf("secrets: 需要 name 或 names 参数")
	}
	values := make(map[string]any, len(raw))
	for _, n := range raw {
		key, ok := n.(string)
		if !ok || key == "" {
			continue
		}
		value, err := e.store.Get(ctx, key)
		if err != nil {
			return Errorf("secrets: 读取 %s: %v", key, err)
		}
		values[key] = value
	}
	return Success(map[string]any{"values": values})
}
