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

// Package catalog 管理 playbook 目录：(path, version) → 文档内容。
// 条目不可变更，版本只增不改；latest 按版本号语义比较取最大。
package catalog

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"flow-platform/internal/playbook"
)

var (
	// ErrNotFound playbook 或版本不存在
	ErrNotFound = errors.New("catalog: entry not found")
)

// Entry 目录条目；Parsed 在读取时解析
type Entry struct {
	Path      string             `json:"path"`
	Version   string             `json:"version"`
	Content   string             `json:"content"`
	Parsed    *playbook.Playbook `json:"-"`
	CreatedAt time.Time          `json:"created_at,omitempty"`
}

// Store playbook 目录存储
type Store interface {
	// Register 登记新版本；(path, version) 已存在时返回 pkg/errors.ErrDuplicate
	Register(ctx context.Context, path, version, content string) error
	// Fetch 取指定版本；version 为空时取最新版
	Fetch(ctx context.Context, path, version string) (*Entry, error)
	// LatestVersion 返回该 path 的最新版本号
	LatestVersion(ctx context.Context, path string) (string, error)
}

// CompareVersions 按点分数值段比较版本号（"0.10.0" > "0.9.1"），
// 非数值段退化为字符串比较，长度不足视为 0
func CompareVersions(a, b string) int {
	as := strings.Split(strings.TrimPrefix(a, "v"), ".")
	bs := strings.Split(strings.TrimPrefix(b, "v"), ".")
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		av, bv := "0", "0"
		if i < len(as) {
			av = as[i]
		}
		if i < len(bs) {
			bv = bs[i]
		}
		an, aerr := strconv.Atoi(av)
		bn, berr := strconv.Atoi(bv)
		switch {
		case aerr == nil && berr == nil:
			if an != bn {
				if an < bn {
					return -1
				}
				return 1
			}
		default:
			if av != bv {
				if av < bv {
					return -1
				}
				return 1
			}
		}
	}
	return 0
}

func latestOf(versions []string) string {
	latest := ""
	for _, v := range versions {
		if latest == "" || CompareVersions(v, latest) > 0 {
			latest = v
		}
	}
	return latest
}
