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
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strings"

	"flow-platform/internal/playbook"
)

// PythonExecutor python 任务执行器。子进程协议：
// stdin 收 {"args": ..., "context": ...} JSON，stdout 回结果信封 JSON；
// stdout 不是信封时宽松处理（任意 JSON 视为 data，纯文本包进 stdout 字段），
// 退出码非零时 stderr 作为 traceback。
type PythonExecutor struct {
	bin string
}

// NewPythonExecutor 创建 python 执行器；bin 为空时用 python3
func NewPythonExecutor(bin string) *PythonExecutor {
	if bin == "" {
		bin = "python3"
	}
	return &PythonExecutor{bin: bin}
}

// Kind 实现 Executor
func (e *PythonExecutor) Kind() string { return playbook.TypePython }

// Execute 实现 Executor
func (e *PythonExecutor) Execute(ctx context.Context, t *Task) Result {
	code := t.StringArg("code")
	if code == "" {
		return Errorf("python: code 不能为空")
	}

	input, err := json.Marshal(map[string]any{
		"args":    t.Args,
		"context": t.Context,
	})
	if err != nil {
		return Errorf("python: 序列化输入: %v", err)
	}

	cmd := exec.CommandContext(ctx, e.bin, "-c", code)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return Result{
			Status:    StatusError,
			Error:     "python: " + err.Error(),
			Traceback: stderr.String(),
		}
	}
	return decodeEnvelope(stdout.String())
}

// decodeEnvelope 解析子进程 stdout：完整信封 → 任意 JSON → 纯文本
func decodeEnvelope(out string) Result {
	trimmed := strings.TrimSpace(out)
	if trimmed == "" {
		return Success(nil)
	}
	var envelope Result
	if err := json.Unmarshal([]byte(trimmed), &envelope); err == nil && envelope.Status != "" {
		return envelope
	}
	var data any
	if err := json.Unmarshal([]byte(trimmed), &data); err == nil {
		return Success(data)
	}
	return Success(map[string]any{"stdout": trimmed})
}
