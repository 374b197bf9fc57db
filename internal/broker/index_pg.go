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

package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const indexSchema = `
CREATE TABLE IF NOT EXISTS workflow (
	execution_id BIGINT NOT NULL,
	step_name    TEXT   NOT NULL,
	step_type    TEXT,
	definition   JSONB,
	PRIMARY KEY (execution_id, step_name)
);
CREATE TABLE IF NOT EXISTS transition (
	execution_id BIGINT NOT NULL,
	from_step    TEXT   NOT NULL,
	to_step      TEXT   NOT NULL,
	condition    TEXT   NOT NULL DEFAULT '',
	with_params  JSONB,
	PRIMARY KEY (execution_id, from_step, to_step, condition)
);
CREATE TABLE IF NOT EXISTS workbook (
	execution_id BIGINT NOT NULL,
	name         TEXT   NOT NULL,
	tool         TEXT,
	args         JSONB,
	PRIMARY KEY (execution_id, name)
);
`

// PostgresIndex 工作流索引的 Postgres 实现；所有写操作 ON CONFLICT DO NOTHING
type PostgresIndex struct {
	pool *pgxpool.Pool
}

// NewPostgresIndex 建表并创建索引存储
func NewPostgresIndex(ctx context.Context, pool *pgxpool.Pool) (*PostgresIndex, error) {
	if _, err := pool.Exec(ctx, indexSchema); err != nil {
		return nil, fmt.Errorf("broker: create index schema: %w", err)
	}
	return &PostgresIndex{pool: pool}, nil
}

func (p *PostgresIndex) UpsertStep(ctx context.Context, executionID int64, name, stepType string, definition map[string]any) error {
	def, err := json.Marshal(definition)
	if err != nil {
		return fmt.Errorf("broker: marshal step definition: %w", err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO workflow (execution_id, step_name, step_type, definition)
		 VALUES ($1, $2, NULLIF($3, ''), $4)
		 ON CONFLICT (execution_id, step_name) DO NOTHING`,
		executionID, name, stepType, def)
	return err
}

func (p *PostgresIndex) UpsertTransition(ctx context.Context, executionID int64, t IndexTransition) error {
	var with []byte
	if t.With != nil {
		raw, err := json.Marshal(t.With)
		if err != nil {
			return fmt.Errorf("broker: marshal transition with: %w", err)
		}
		with = raw
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO transition (execution_id, from_step, to_step, condition, with_params)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (execution_id, from_step, to_step, condition) DO NOTHING`,
		executionID, t.From, t.To, t.Condition, with)
	return err
}

func (p *PostgresIndex) UpsertWorkbookAction(ctx context.Context, executionID int64, name, tool string, args map[string]any) error {
	var raw []byte
	if args != nil {
		b, err := json.Marshal(args)
		if err != nil {
			return fmt.Errorf("broker: marshal workbook args: %w", err)
		}
		raw = b
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO workbook (execution_id, name, tool, args)
		 VALUES ($1, $2, NULLIF($3, ''), $4)
		 ON CONFLICT (execution_id, name) DO NOTHING`,
		executionID, name, tool, raw)
	return err
}

func (p *PostgresIndex) Step(ctx context.Context, executionID int64, name string) (map[string]any, error) {
	var raw []byte
	err := p.pool.QueryRow(ctx,
		`SELECT definition FROM workflow WHERE execution_id = $1 AND step_name = $2`,
		executionID, name).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	var def map[string]any
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("broker: decode step definition: %w", err)
	}
	return def, nil
}

func (p *PostgresIndex) Transitions(ctx context.Context, executionID int64, from string) ([]IndexTransition, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT from_step, to_step, condition, with_params
		 FROM transition WHERE execution_id = $1 AND from_step = $2`,
		executionID, from)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []IndexTransition
	for rows.Next() {
		var t IndexTransition
		var with []byte
		if err := rows.Scan(&t.From, &t.To, &t.Condition, &with); err != nil {
			return nil, err
		}
		if len(with) > 0 {
			if err := json.Unmarshal(with, &t.With); err != nil {
				return nil, fmt.Errorf("broker: decode transition with: %w", err)
			}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
