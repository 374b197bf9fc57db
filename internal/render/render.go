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

// Package render 在上下文树上求值模板表达式。
// 模板语法走 gonja（jinja 方言，strict-undefined）；单表达式的纯路径
// 引用直接在树上取值以保留原生类型，其余渲染为字符串后做类型还原。
package render

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/nikolalohinski/gonja"
	"github.com/nikolalohinski/gonja/config"
	"github.com/nikolalohinski/gonja/loaders"
)

// Renderer 模板求值器；并发安全，进程内共享一个即可
type Renderer struct {
	env *gonja.Environment
}

func New() *Renderer {
	cfg := config.NewConfig()
	cfg.StrictUndefined = true
	return &Renderer{env: gonja.NewEnvironment(cfg, loaders.MustNewFileSystemLoader(""))}
}

var (
	// 整串恰好是一个 {{ ... }} 表达式
	singleExprRe = regexp.MustCompile(`^\s*\{\{\s*(.+?)\s*\}\}\s*$`)
	// 纯路径：标识符加 . 与 [n] 下标
	pathRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*|\[[0-9]+\])*$`)
)

// Render 把模板渲染为字符串
func (r *Renderer) Render(expr string, ctx map[string]any) (string, error) {
	tpl, err := r.env.FromString(expr)
	if err != nil {
		return "", fmt.Errorf("render: parse %q: %w", expr, err)
	}
	out, err := tpl.Execute(gonja.Context(ctx))
	if err != nil {
		return "", fmt.Errorf("render: execute %q: %w", expr, err)
	}
	return out, nil
}

// Eval 求值并尽量保留原生类型。
// 无模板语法的字符串原样返回；单表达式纯路径直接在上下文树上取值；
// 其余渲染后做类型还原（bool/数字/列表/字典）。
func (r *Renderer) Eval(expr string, ctx map[string]any) (any, error) {
	if !strings.Contains(expr, "{{") && !strings.Contains(expr, "{%") {
		return expr, nil
	}
	if m := singleExprRe.FindStringSubmatch(expr); m != nil && pathRe.MatchString(m[1]) {
		v, ok := lookupPath(ctx, m[1])
		if !ok {
			return nil, fmt.Errorf("render: undefined path %q", m[1])
		}
		return v, nil
	}
	s, err := r.Render(expr, ctx)
	if err != nil {
		return nil, err
	}
	return recoverValue(s), nil
}

// Truthy 求值 when 条件；任何求值错误按「条件不成立」处理
func (r *Renderer) Truthy(expr string, ctx map[string]any) bool {
	if strings.TrimSpace(expr) == "" {
		return false
	}
	v, err := r.Eval(expr, ctx)
	if err != nil {
		return false
	}
	return Truthiness(v)
}

// EvalMap 逐值渲染映射（with / result 映射用）；错误向上传播
func (r *Renderer) EvalMap(m map[string]any, ctx map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		rendered, err := r.EvalAny(v, ctx)
		if err != nil {
			return nil, err
		}
		out[k] = rendered
	}
	return out, nil
}

// EvalAny 深度渲染任意值：字符串求值，映射与列表递归，其余原样
func (r *Renderer) EvalAny(v any, ctx map[string]any) (any, error) {
	switch t := v.(type) {
	case string:
		return r.Eval(t, ctx)
	case map[string]any:
		return r.EvalMap(t, ctx)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			rendered, err := r.EvalAny(e, ctx)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return v, nil
	}
}

// Truthiness 宽松真值：nil/false/0/空串/空集合以及 "false"/"none"/"null"/"0" 为假
func Truthiness(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "", "false", "none", "null", "0":
			return false
		}
		return true
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

// lookupPath 在上下文树上按 a.b[0].c 路径取值
func lookupPath(ctx map[string]any, path string) (any, bool) {
	var cur any = ctx
	for _, tok := range splitPath(path) {
		if tok.index >= 0 {
			list, ok := cur.([]any)
			if !ok || tok.index >= len(list) {
				return nil, false
			}
			cur = list[tok.index]
			continue
		}
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[tok.key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

type pathToken struct {
	key   string
	index int
}

func splitPath(path string) []pathToken {
	var toks []pathToken
	for _, part := range strings.Split(path, ".") {
		for {
			open := strings.IndexByte(part, '[')
			if open < 0 {
				if part != "" {
					toks = append(toks, pathToken{key: part, index: -1})
				}
				break
			}
			if open > 0 {
				toks = append(toks, pathToken{key: part[:open], index: -1})
			}
			end := strings.IndexByte(part, ']')
			if end < open {
				return nil
			}
			idx, err := strconv.Atoi(part[open+1 : end])
			if err != nil {
				return nil
			}
			toks = append(toks, pathToken{index: idx})
			part = part[end+1:]
		}
	}
	return toks
}

// recoverValue 把渲染产出的字符串还原为原生值：
// 布尔字面量、整数、浮点、jinja 打印风格的列表/字典；还原失败保留字符串
func recoverValue(s string) any {
	trimmed := strings.TrimSpace(s)
	switch trimmed {
	case "True", "true":
		return true
	case "False", "false":
		return false
	case "None", "null":
		return nil
	}
	if n, err := strconv.Atoi(trimmed); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return f
	}
	if strings.HasPrefix(trimmed, "[") || strings.HasPrefix(trimmed, "{") {
		if v, ok := decodeJSONish(trimmed); ok {
			return v
		}
	}
	return s
}

// decodeJSONish 兼容 python repr 风格（单引号、True/False/None）的集合字面量
func decodeJSONish(s string) (any, bool) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v, true
	}
	normalized := strings.NewReplacer(
		"'", `"`,
		"True", "true",
		"False", "false",
		"None", "null",
	).Replace(s)
	if err := json.Unmarshal([]byte(normalized), &v); err == nil {
		return v, true
	}
	return nil, false
}
