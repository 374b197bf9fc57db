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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// workbook 步骤按解析好的动作再分发，动作缺省参数被任务参数覆盖
func TestWorkbookExecutor_Delegates(t *testing.T) {
	registry := NewRegistry()
	var got *Task
	registry.Register(&stubExecutor{kind: "python", fn: func(ctx context.Context, task *Task) Result {
		got = task
		return Success(map[string]any{"ok": true})
	}})
	registry.Register(NewWorkbookExecutor(registry))

	res := registry.Execute(context.Background(), &Task{
		Type: "workbook",
		Name: "fetch",
		Config: map[string]any{
			"workbook_action": map[string]any{
				"tool": "python",
				"args": map[string]any{"code": "print(1)", "mode": "default"},
			},
		},
		Args: map[string]any{"mode": "override"},
	})
	require.Equal(t, StatusSuccess, res.Status)
	require.NotNil(t, got)
	assert.Equal(t, "python", got.Type)
	assert.Equal(t, "print(1)", got.Args["code"])
	assert.Equal(t, "override", got.Args["mode"])
}

func TestWorkbookExecutor_MissingAction(t *testing.T) {
	registry := NewRegistry()
	registry.Register(NewWorkbookExecutor(registry))
	res := registry.Execute(context.Background(), &Task{Type: "workbook", Name: "ghost"})
	assert.Equal(t, StatusError, res.Status)
	assert.Contains(t, res.Error, "命名动作")
}

func TestWorkbookExecutor_RejectsNestedWorkbook(t *testing.T) {
	registry := NewRegistry()
	registry.Register(NewWorkbookExecutor(registry))
	res := registry.Execute(context.Background(), &Task{
		Type:   "workbook",
		Config: map[string]any{"workbook_action": map[string]any{"tool": "workbook"}},
	})
	assert.Equal(t, StatusError, res.Status)
}

func TestSaveExecutor_FileAndPassthrough(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.json")
	res := NewSaveExecutor().Execute(context.Background(), &Task{
		Type: "save",
		Args: map[string]any{
			"data": map[string]any{"city": "LDN"},
			"path": path,
		},
	})
	require.Equal(t, StatusSuccess, res.Status)
	data := res.Data.(map[string]any)
	assert.Equal(t, true, data["saved"])
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "LDN")
}

func TestSaveExecutor_NothingToSave(t *testing.T) {
	res := NewSaveExecutor().Execute(context.Background(), &Task{Type: "save"})
	assert.Equal(t, StatusError, res.Status)
}

type stubLauncher struct {
	childID int64
	path    string
}

func (s *stubLauncher) LaunchExecution(ctx context.Context, path, version string, workload map[string]any, parentExecutionID int64) (int64, error) {
	s.path = path
	return s.childID, nil
}

// 子执行 id 以十进制字符串返回（超过 2^53 的 id 不能走 JSON 数字）
func TestPlaybookExecutor_ChildMarker(t *testing.T) {
	launcher := &stubLauncher{childID: 9007199254740999}
	res := NewPlaybookExecutor(launcher).Execute(context.Background(), &Task{
		Type:        "playbook",
		ExecutionID: 7,
		Config:      map[string]any{"resource_path": "flows/child"},
	})
	require.Equal(t, StatusSuccess, res.Status)
	data := res.Data.(map[string]any)
	assert.Equal(t, "9007199254740999", data["execution_id"])
	assert.Equal(t, "flows/child", launcher.path)
}
