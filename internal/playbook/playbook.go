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

// Package playbook 定义声明式工作流文档的模型与解析。
// 文档为 YAML：workflow（或 steps）步骤列表 + 可选 workbook 动作库 + keychain 凭据。
package playbook

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// 可执行步骤类型（broker 据此判定是否入队）
const (
	TypeHTTP        = "http"
	TypePython      = "python"
	TypePostgres    = "postgres"
	TypeDuckDB      = "duckdb"
	TypeSnowflake   = "snowflake"
	TypeTransfer    = "transfer"
	TypeSecrets     = "secrets"
	TypePlaybook    = "playbook"
	TypeWorkbook    = "workbook"
	TypeIterator    = "iterator"
	TypeSave        = "save"
	TypeAggregation = "result_aggregation"
)

// 循环模式
const (
	ModeAsync      = "async"
	ModeSequential = "sequential"
)

// Playbook 一份声明式工作流文档，(path, version) 定位
type Playbook struct {
	Path     string           `yaml:"path" json:"path"`
	Name     string           `yaml:"name" json:"name,omitempty"`
	Version  string           `yaml:"version" json:"version,omitempty"`
	Workload map[string]any   `yaml:"workload" json:"workload,omitempty"`
	Keychain []KeychainEntry  `yaml:"keychain" json:"keychain,omitempty"`
	Workflow []Step           `json:"workflow"`
	Workbook []WorkbookAction `yaml:"workbook" json:"workbook,omitempty"`
}

// KeychainEntry 命名凭据集；keys 里的值允许 ${VAR} 占位
type KeychainEntry struct {
	Name string            `yaml:"name" json:"name"`
	Kind string            `yaml:"kind" json:"kind,omitempty"`
	Keys map[string]string `yaml:"keys" json:"keys,omitempty"`
}

// WorkbookAction 可复用的命名动作
type WorkbookAction struct {
	Name string         `yaml:"name" json:"name"`
	Tool string         `yaml:"tool" json:"tool"`
	Args map[string]any `yaml:"args" json:"args,omitempty"`
}

// Step 工作流中的一个节点
type Step struct {
	Name         string         `json:"step"`
	Action       string         `json:"name,omitempty"` // workbook 步骤引用的命名动作
	Type         string         `json:"type,omitempty"`
	Code         string         `json:"code,omitempty"`
	Command      string         `json:"command,omitempty"`
	Commands     []string       `json:"commands,omitempty"`
	SQL          string         `json:"sql,omitempty"`
	URL          string         `json:"url,omitempty"`
	Endpoint     string         `json:"endpoint,omitempty"`
	Method       string         `json:"method,omitempty"`
	Headers      map[string]any `json:"headers,omitempty"`
	Params       map[string]any `json:"params,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
	Payload      any            `json:"payload,omitempty"`
	With         map[string]any `json:"with,omitempty"`
	ResourcePath string         `json:"resource_path,omitempty"`
	Content      string         `json:"content,omitempty"`
	Loop         *Loop          `json:"loop,omitempty"`
	Save         map[string]any `json:"save,omitempty"`
	Result       map[string]any `json:"result,omitempty"`
	Retry        *Retry         `json:"retry,omitempty"`
	Next         []Transition   `json:"next,omitempty"`
}

// Loop 迭代块：in 渲染出有限列表，iterator 为迭代变量名
type Loop struct {
	In       string `yaml:"in" json:"in"`
	Iterator string `yaml:"iterator" json:"iterator"`
	Mode     string `yaml:"mode" json:"mode,omitempty"`
}

// Transition 步骤出边；Step 与 then 同义，else 为条件不满足时的回退目标
type Transition struct {
	When string         `json:"when,omitempty"`
	Step string         `json:"step"`
	Else string         `json:"else,omitempty"`
	With map[string]any `json:"with,omitempty"`
}

// Retry 重试策略；布尔/整数简写在解析时展开。
// retry: false 与缺省 retry 块等价（不重试）。
type Retry struct {
	MaxAttempts       int     `yaml:"max_attempts" json:"max_attempts,omitempty"`
	InitialDelay      float64 `yaml:"initial_delay" json:"initial_delay,omitempty"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier" json:"backoff_multiplier,omitempty"`
	MaxDelay          float64 `yaml:"max_delay" json:"max_delay,omitempty"`
	Jitter            *bool   `yaml:"jitter" json:"jitter,omitempty"`
	RetryWhen         string  `yaml:"retry_when" json:"retry_when,omitempty"`
	StopWhen          string  `yaml:"stop_when" json:"stop_when,omitempty"`
	Disabled          bool    `yaml:"-" json:"-"`
}

func (s *Step) UnmarshalYAML(node *yaml.Node) error {
	type rawStep struct {
		Step         string         `yaml:"step"`
		Name         string         `yaml:"name"`
		Type         string         `yaml:"type"`
		Code         string         `yaml:"code"`
		Command      string         `yaml:"command"`
		Commands     []string       `yaml:"commands"`
		SQL          string         `yaml:"sql"`
		URL          string         `yaml:"url"`
		Endpoint     string         `yaml:"endpoint"`
		Method       string         `yaml:"method"`
		Headers      map[string]any `yaml:"headers"`
		Params       map[string]any `yaml:"params"`
		Data         map[string]any `yaml:"data"`
		Payload      any            `yaml:"payload"`
		With         map[string]any `yaml:"with"`
		ResourcePath string         `yaml:"resource_path"`
		Content      string         `yaml:"content"`
		Loop         *Loop          `yaml:"loop"`
		Save         map[string]any `yaml:"save"`
		Result       map[string]any `yaml:"result"`
		Retry        *Retry         `yaml:"retry"`
		Next         []Transition   `yaml:"next"`
	}
	var raw rawStep
	if err := node.Decode(&raw); err != nil {
		return err
	}
	// step 与 name 同时出现时，name 是 workbook 动作引用而非步骤名
	s.Name = raw.Step
	if s.Name == "" {
		s.Name = raw.Name
	} else {
		s.Action = raw.Name
	}
	s.Type = raw.Type
	s.Code = raw.Code
	s.Command = raw.Command
	s.Commands = raw.Commands
	s.SQL = raw.SQL
	s.URL = raw.URL
	s.Endpoint = raw.Endpoint
	s.Method = raw.Method
	s.Headers = raw.Headers
	s.Params = raw.Params
	s.Data = raw.Data
	s.Payload = raw.Payload
	s.With = raw.With
	s.ResourcePath = raw.ResourcePath
	s.Content = raw.Content
	s.Loop = raw.Loop
	s.Save = raw.Save
	s.Result = raw.Result
	s.Retry = raw.Retry
	s.Next = raw.Next
	return nil
}

func (t *Transition) UnmarshalYAML(node *yaml.Node) error {
	// 纯字符串条目视为无条件跳转
	if node.Kind == yaml.ScalarNode {
		var target string
		if err := node.Decode(&target); err != nil {
			return err
		}
		t.Step = target
		return nil
	}
	type rawTransition struct {
		When string         `yaml:"when"`
		Step string         `yaml:"step"`
		Then string         `yaml:"then"`
		Else string         `yaml:"else"`
		With map[string]any `yaml:"with"`
	}
	var raw rawTransition
	if err := node.Decode(&raw); err != nil {
		return err
	}
	t.When = raw.When
	t.Step = raw.Step
	if t.Step == "" {
		t.Step = raw.Then
	}
	t.Else = raw.Else
	t.With = raw.With
	return nil
}

// UnmarshalYAML 支持三种写法：true（全默认）、整数（max_attempts）、完整对象
func (r *Retry) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var enabled bool
		if err := node.Decode(&enabled); err == nil {
			r.Disabled = !enabled
			return nil
		}
		var attempts int
		if err := node.Decode(&attempts); err == nil {
			r.MaxAttempts = attempts
			return nil
		}
		return fmt.Errorf("playbook: retry must be bool, int or object, got %q", node.Value)
	}
	type rawRetry Retry
	var raw rawRetry
	if err := node.Decode(&raw); err != nil {
		return err
	}
	*r = Retry(raw)
	return nil
}

// Defaults 补全缺省重试参数
func (r Retry) Defaults() Retry {
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = 3
	}
	if r.InitialDelay <= 0 {
		r.InitialDelay = 1.0
	}
	if r.BackoffMultiplier <= 0 {
		r.BackoffMultiplier = 2.0
	}
	if r.MaxDelay <= 0 {
		r.MaxDelay = 60.0
	}
	if r.Jitter == nil {
		j := true
		r.Jitter = &j
	}
	return r
}
