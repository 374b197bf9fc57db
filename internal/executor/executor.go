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

// Package executor 定义任务执行器：按任务类型分发到具体实现，
// 统一返回 Result 信封。执行器内部的任何失败（包括 panic）都收敛为
// status=error 的信封，不向调用方抛出。
package executor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
)

// 信封状态
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Result 执行结果信封。所有执行器以此为唯一出口，
// Data 为任务产出，Error/Traceback 仅在失败时填充。
type Result struct {
	Status    string         `json:"status"`
	Data      any            `json:"data,omitempty"`
	Error     string         `json:"error,omitempty"`
	Traceback string         `json:"traceback,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// OK 是否执行成功
func (r Result) OK() bool { return r.Status == StatusSuccess }

// Success 构造成功信封
func Success(data any) Result {
	return Result{Status: StatusSuccess, Data: data}
}

// Errorf 构造失败信封
func Errorf(format string, args ...any) Result {
	return Result{Status: StatusError, Error: fmt.Sprintf(format, args...)}
}

// Task 一次待执行的动作。Config 为原始步骤定义，Args 为渲染后的参数，
// Context 为渲染上下文树（workload、work、既有步骤结果等）。
type Task struct {
	Type        string
	Name        string
	ExecutionID int64
	NodeID      string
	Config      map[string]any
	Args        map[string]any
	Context     map[string]any
}

// StringArg 取字符串参数：渲染后的 Args 优先，回退原始 Config
func (t *Task) StringArg(key string) string {
	if v, ok := t.Args[key].(string); ok && v != "" {
		return v
	}
	v, _ := t.Config[key].(string)
	return v
}

// MapArg 取映射参数：Args 优先，回退 Config
func (t *Task) MapArg(key string) map[string]any {
	if v, ok := t.Args[key].(map[string]any); ok {
		return v
	}
	v, _ := t.Config[key].(map[string]any)
	return v
}

// AnyArg 取任意参数：Args 优先，回退 Config
func (t *Task) AnyArg(key string) any {
	if v, ok := t.Args[key]; ok && v != nil {
		return v
	}
	return t.Config[key]
}

// Executor 单一任务类型的执行器
type Executor interface {
	Kind() string
	Execute(ctx context.Context, t *Task) Result
}

// Registry 执行器注册表。未注册的类型（含 duckdb/snowflake/transfer
// 等仅声明的类型）统一返回「未注册执行器」信封。
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register 注册执行器，同类型后注册者覆盖
func (r *Registry) Register(e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[e.Kind()] = e
}

// Get 按类型取执行器
func (r *Registry) Get(kind string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[kind]
	return e, ok
}

// Kinds 返回已注册的任务类型（升序）
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.executors))
	for k := range r.executors {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Execute 分发执行。执行器 panic 在此处收敛为失败信封，
// 保证进程边界上只有 Result 一种形态。
func (r *Registry) Execute(ctx context.Context, t *Task) (res Result) {
	e, ok := r.Get(t.Type)
	if !ok {
		return Errorf("任务类型 %q 未注册执行器", t.Type)
	}
	defer func() {
		if p := recover(); p != nil {
			res = Result{
				Status:    StatusError,
				Error:     fmt.Sprintf("执行器 %s panic: %v", t.Type, p),
				Traceback: string(debug.Stack()),
			}
		}
	}()
	return e.Execute(ctx, t)
}
