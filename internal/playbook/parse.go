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

package playbook

import (
	"fmt"

	"gopkg.in/yaml.v3"

	apperrors "flow-platform/pkg/errors"
)

// StartStep 工作流入口步骤名
const StartStep = "start"

func (p *Playbook) UnmarshalYAML(node *yaml.Node) error {
	type rawPlaybook struct {
		Path     string           `yaml:"path"`
		Name     string           `yaml:"name"`
		Version  any              `yaml:"version"`
		Workload map[string]any   `yaml:"workload"`
		Keychain []KeychainEntry  `yaml:"keychain"`
		Workflow []Step           `yaml:"workflow"`
		Steps    []Step           `yaml:"steps"`
		Workbook []WorkbookAction `yaml:"workbook"`
	}
	var raw rawPlaybook
	if err := node.Decode(&raw); err != nil {
		return err
	}
	p.Path = raw.Path
	p.Name = raw.Name
	if raw.Version != nil {
		p.Version = fmt.Sprint(raw.Version)
	}
	p.Workload = raw.Workload
	p.Keychain = raw.Keychain
	p.Workbook = raw.Workbook
	// workflow 与 steps 互为别名，workflow 优先
	p.Workflow = raw.Workflow
	if len(p.Workflow) == 0 {
		p.Workflow = raw.Steps
	}
	return nil
}

// Parse 解析并校验一份 playbook 文档
func Parse(data []byte) (*Playbook, error) {
	var p Playbook
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrInvalidArg, "playbook: parse yaml: %v", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate 结构校验：步骤必须有名且唯一，出边目标必须存在，循环块必须完整
func (p *Playbook) Validate() error {
	if len(p.Workflow) == 0 {
		return apperrors.Wrap(apperrors.ErrInvalidArg, "playbook: no workflow steps")
	}
	names := make(map[string]bool, len(p.Workflow))
	for i, s := range p.Workflow {
		if s.Name == "" {
			return apperrors.Wrapf(apperrors.ErrInvalidArg, "playbook: step %d has no name", i)
		}
		if names[s.Name] {
			return apperrors.Wrapf(apperrors.ErrInvalidArg, "playbook: duplicate step %q", s.Name)
		}
		names[s.Name] = true
		if s.Loop != nil {
			if s.Loop.In == "" || s.Loop.Iterator == "" {
				return apperrors.Wrapf(apperrors.ErrInvalidArg, "playbook: step %q loop needs in and iterator", s.Name)
			}
			if m := s.Loop.Mode; m != "" && m != ModeAsync && m != ModeSequential {
				return apperrors.Wrapf(apperrors.ErrInvalidArg, "playbook: step %q loop mode %q", s.Name, m)
			}
		}
	}
	for _, s := range p.Workflow {
		for _, tr := range s.Next {
			if tr.Step == "" && tr.Else == "" {
				return apperrors.Wrapf(apperrors.ErrInvalidArg, "playbook: step %q has transition without target", s.Name)
			}
			if tr.Step != "" && !names[tr.Step] {
				return apperrors.Wrapf(apperrors.ErrInvalidArg, "playbook: step %q points to unknown step %q", s.Name, tr.Step)
			}
			if tr.Else != "" && !names[tr.Else] {
				return apperrors.Wrapf(apperrors.ErrInvalidArg, "playbook: step %q else points to unknown step %q", s.Name, tr.Else)
			}
		}
	}
	return nil
}

// Find 按名取步骤，不存在时返回 nil
func (p *Playbook) Find(name string) *Step {
	for i := range p.Workflow {
		if p.Workflow[i].Name == name {
			return &p.Workflow[i]
		}
	}
	return nil
}

// Action 按名取 workbook 动作
func (p *Playbook) Action(name string) *WorkbookAction {
	for i := range p.Workbook {
		if p.Workbook[i].Name == name {
			return &p.Workbook[i]
		}
	}
	return nil
}

// 可直接入队执行的步骤类型
var actionableTypes = map[string]bool{
	TypeHTTP:     true,
	TypePython:   true,
	TypeDuckDB:   true,
	TypePostgres: true,
	TypeSecrets:  true,
	TypeWorkbook: true,
	TypePlaybook: true,
	TypeSave:     true,
}

// Actionable 该步骤是否可入队执行；python 步骤还需携带 code，
// 其余类型（以及无类型的控制步）走 result-only 路径
func (s *Step) Actionable() bool {
	if s == nil || !actionableTypes[s.Type] {
		return false
	}
	if s.Type == TypePython && s.Code == "" {
		return false
	}
	return true
}

// ModeOrDefault 返回循环模式，缺省 async
func (l *Loop) ModeOrDefault() string {
	if l == nil || l.Mode == "" {
		return ModeAsync
	}
	return l.Mode
}
