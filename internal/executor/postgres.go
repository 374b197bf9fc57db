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
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"flow-platform/internal/playbook"
)

// PostgresExecutor postgres 任务执行器。dsn 来自任务参数（每个任务
// 可指向不同库），sql/command/commands 依次取第一个非空来源；
// 查询语句返回行集合，其余返回受影响行数。
type PostgresExecutor struct{}

// NewPostgresExecutor 创建 postgres 执行器
func NewPostgresExecutor() *PostgresExecutor { return &PostgresExecutor{} }

// Kind 实现 Executor
func (e *PostgresExecutor) Kind() string { return playbook.TypePostgres }

// Execute 实现 Executor
func (e *PostgresExecutor) Execute(ctx context.Context, t *Task) Result {
	dsn := t.StringArg("dsn")
	if dsn == "" {
		dsn = t.StringArg("db_url")
	}
	if dsn == "" {
		return Errorf("postgres: dsn 不能为空")
	}
	statements := sqlStatements(t)
	if len(statements) == 0 {
		return Errorf("postgres: sql 不能为空")
	}

	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return Errorf("postgres: 连接失败: %v", err)
	}
	defer conn.Close(ctx)

	results := make([]map[string]any, 0, len(statements))
	for _, stmt := range statements {
		r, err := runStatement(ctx, conn, stmt)
		if err != nil {
			return Errorf("postgres: %v", err)
		}
		results = append(results, r)
	}
	if len(results) == 1 {
		return Success(results[0])
	}
	return Success(map[string]any{"results": results})
}

// sqlStatements 汇总 sql/command/commands 三种写法；空白串视同缺省
func sqlStatements(t *Task) []string {
	var out []string
	if s := strings.TrimSpace(t.StringArg("sql")); s != "" {
		out = append(out, s)
	}
	if s := strings.TrimSpace(t.StringArg("command")); s != "" {
		out = append(out, s)
	}
	if raw, ok := t.AnyArg("commands").([]any); ok {
		for _, c := range raw {
			if s, ok := c.(string); ok {
				if s = strings.TrimSpace(s); s != "" {
					out = append(out, s)
				}
			}
		}
	}
	return out
}

// runStatement 执行单条语句；select/with/show 走查询路径
func runStatement(ctx context.Context, conn *pgx.Conn, stmt string) (map[string]any, error) {
	fields := strings.Fields(stmt)
	if len(fields) == 0 {
		return nil, fmt.Errorf("空语句")
	}
	head := strings.ToLower(fields[0])
	if head == "select" || head == "with" || head == "show" {
		rows, err := conn.Query(ctx, stmt)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		out, err := rowsToMaps(rows)
		if err != nil {
			return nil, err
		}
		return map[string]any{"rows": out, "row_count": len(out)}, nil
	}
	tag, err := conn.Exec(ctx, stmt)
	if err != nil {
		return nil, err
	}
	return map[string]any{"rows_affected": tag.RowsAffected()}, nil
}

// rowsToMaps 把结果集转为 列名→值 的映射列表
func rowsToMaps(rows pgx.Rows) ([]map[string]any, error) {
	fields := rows.FieldDescriptions()
	var out []map[string]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(map[string]any, len(fields))
		for i, f := range fields {
			row[string(f.Name)] = normalizeValue(values[i])
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// normalizeValue pgx 原生类型收敛为 JSON 友好类型
func normalizeValue(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case fmt.Stringer:
		return t.String()
	default:
		return v
	}
}
