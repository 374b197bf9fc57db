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

package event

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"flow-platform/pkg/metrics"
)

const eventSchema = `
CREATE TABLE IF NOT EXISTS event (
	execution_id        BIGINT NOT NULL,
	event_id            BIGINT NOT NULL,
	parent_event_id     BIGINT,
	parent_execution_id BIGINT,
	event_type          TEXT NOT NULL,
	node_id             TEXT,
	node_name           TEXT,
	node_type           TEXT,
	status              TEXT,
	duration            DOUBLE PRECISION,
	context             JSONB,
	result              JSONB,
	metadata            JSONB,
	error               TEXT,
	loop_id             TEXT,
	loop_name           TEXT,
	iterator            TEXT,
	current_index       INT,
	current_item        JSONB,
	created_at          TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (execution_id, event_id)
);
CREATE INDEX IF NOT EXISTS idx_event_execution ON event (execution_id, created_at);
CREATE INDEX IF NOT EXISTS idx_event_id ON event (event_id);
CREATE INDEX IF NOT EXISTS idx_event_parent_execution ON event (parent_execution_id);

CREATE TABLE IF NOT EXISTS workload (
	execution_id BIGINT PRIMARY KEY,
	data         JSONB NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS error_log (
	execution_id BIGINT NOT NULL,
	event_id     BIGINT NOT NULL,
	node_name    TEXT,
	error        TEXT NOT NULL,
	context      JSONB,
	created_at   TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (execution_id, event_id)
);
`

const eventColumns = `execution_id, event_id, COALESCE(parent_event_id, 0), COALESCE(parent_execution_id, 0),
	event_type, COALESCE(node_id, ''), COALESCE(node_name, ''), COALESCE(node_type, ''),
	COALESCE(status, ''), COALESCE(duration, 0), context, result, metadata, COALESCE(error, ''),
	COALESCE(loop_id, ''), COALESCE(loop_name, ''), COALESCE(iterator, ''),
	current_index, current_item, created_at`

// PostgresStore 基于 PostgreSQL 的事件日志，表结构在构造时自动建好
type PostgresStore struct {
	pool *pgxpool.Pool
	gen  *IDGen
}

func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool, node int) (*PostgresStore, error) {
	s := &PostgresStore{pool: pool, gen: NewIDGen(node)}
	if _, err := pool.Exec(ctx, eventSchema); err != nil {
		return nil, fmt.Errorf("ensure event schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) Append(ctx context.Context, e *Event) (*Event, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback(ctx)

	if e.ParentEventID == 0 {
		var latestID int64
		err := tx.QueryRow(ctx,
			`SELECT event_id FROM event WHERE execution_id = $1 ORDER BY created_at DESC, event_id DESC LIMIT 1`,
			e.ExecutionID).Scan(&latestID)
		switch {
		case err == nil:
			prepare(e, s.gen, &Event{EventID: latestID})
		case errors.Is(err, pgx.ErrNoRows):
			prepare(e, s.gen, nil)
		default:
			return nil, fmt.Errorf("query latest event: %w", err)
		}
	} else {
		prepare(e, s.gen, nil)
	}

	ctxB, err := jsonbOrNil(e.Context)
	if err != nil {
		return nil, fmt.Errorf("marshal context: %w", err)
	}
	resB, err := jsonbOrNil(e.Result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	metaB, err := jsonbOrNil(e.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	itemB, err := jsonbOrNil(e.CurrentItem)
	if err != nil {
		return nil, fmt.Errorf("marshal current_item: %w", err)
	}

	ct, err := tx.Exec(ctx, `
		INSERT INTO event (execution_id, event_id, parent_event_id, parent_execution_id,
			event_type, node_id, node_name, node_type, status, duration,
			context, result, metadata, error, loop_id, loop_name, iterator,
			current_index, current_item, created_at)
		VALUES ($1, $2, NULLIF($3, 0), NULLIF($4, 0), $5, NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''),
			NULLIF($9, ''), $10, $11, $12, $13, NULLIF($14, ''), NULLIF($15, ''), NULLIF($16, ''),
			NULLIF($17, ''), $18, $19, $20)
		ON CONFLICT (execution_id, event_id) DO NOTHING`,
		e.ExecutionID, e.EventID, e.ParentEventID, e.ParentExecutionID,
		string(e.Type), e.NodeID, e.NodeName, e.NodeType, e.Status, e.Duration,
		ctxB, resB, metaB, e.Error, e.LoopID, e.LoopName, e.Iterator,
		e.CurrentIndex, itemB, e.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	if ct.RowsAffected() == 0 {
		// 幂等键冲突：返回已存事件，不改写历史
		stored, err := s.getByKey(ctx, tx, e.ExecutionID, e.EventID)
		if err != nil {
			return nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("commit append: %w", err)
		}
		metrics.EventAppendDuplicates.Inc()
		return stored, nil
	}

	if e.Type == ExecutionStart && len(e.Context) > 0 {
		if _, err := tx.Exec(ctx,
			`INSERT INTO workload (execution_id, data) VALUES ($1, $2) ON CONFLICT (execution_id) DO NOTHING`,
			e.ExecutionID, ctxB); err != nil {
			return nil, fmt.Errorf("insert workload: %w", err)
		}
	}
	if e.IsFailure() {
		if _, err := tx.Exec(ctx,
			`INSERT INTO error_log (execution_id, event_id, node_name, error, context, created_at)
			 VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6) ON CONFLICT (execution_id, event_id) DO NOTHING`,
			e.ExecutionID, e.EventID, e.NodeName, failureText(e), ctxB, e.CreatedAt); err != nil {
			return nil, fmt.Errorf("insert error_log: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}
	metrics.EventAppendTotal.WithLabelValues(string(e.Type)).Inc()
	return e, nil
}

func (s *PostgresStore) getByKey(ctx context.Context, tx pgx.Tx, executionID, eventID int64) (*Event, error) {
	row := tx.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM event WHERE execution_id = $1 AND event_id = $2`,
		executionID, eventID)
	e, err := scanEvent(row)
	if err != nil {
		return nil, fmt.Errorf("query stored event: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) ListByExecution(ctx context.Context, executionID int64) ([]Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM event WHERE execution_id = $1 ORDER BY created_at, event_id`,
		executionID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

func (s *PostgresStore) GetByEventID(ctx context.Context, eventID int64) (*Event, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM event WHERE event_id = $1 LIMIT 1`, eventID)
	e, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) CountWhere(ctx context.Context, executionID int64, f Filter) (int, error) {
	q := `SELECT COUNT(*) FROM event WHERE execution_id = $1`
	args := []any{executionID}
	add := func(cond string, v any) {
		args = append(args, v)
		q += fmt.Sprintf(" AND %s $%d", cond, len(args))
	}
	if f.Type != "" {
		add("event_type =", string(f.Type))
	}
	if f.NodeID != "" {
		add("node_id =", f.NodeID)
	}
	if f.NodeName != "" {
		add("node_name =", f.NodeName)
	}
	if f.LoopName != "" {
		add("loop_name =", f.LoopName)
	}
	if f.Status != "" {
		add("status =", f.Status)
	}
	if f.CurrentIndex != nil {
		add("current_index =", *f.CurrentIndex)
	}
	if len(f.ContextContains) > 0 {
		b, err := json.Marshal(f.ContextContains)
		if err != nil {
			return 0, fmt.Errorf("marshal context filter: %w", err)
		}
		args = append(args, string(b))
		q += fmt.Sprintf(" AND context @> $%d::jsonb", len(args))
	}
	var n int
	if err := s.pool.QueryRow(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) ListStatuses(ctx context.Context, executionID int64) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status FROM event WHERE execution_id = $1 AND status IS NOT NULL AND status <> ''
		 ORDER BY created_at, event_id`, executionID)
	if err != nil {
		return nil, fmt.Errorf("list statuses: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var st string
		if err := rows.Scan(&st); err != nil {
			return nil, fmt.Errorf("scan status: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *PostgresStore) LatestNonEmptyResult(ctx context.Context, executionID int64) (any, error) {
	// 失败事件也带 result（重试条件判断用），不算有效产出
	rows, err := s.pool.Query(ctx,
		`SELECT result, COALESCE(error, ''), COALESCE(status, '') FROM event
		 WHERE execution_id = $1 AND result IS NOT NULL
		 ORDER BY created_at DESC, event_id DESC`, executionID)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var b []byte
		var errText, status string
		if err := rows.Scan(&b, &errText, &status); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		if (&Event{Error: errText, Status: status}).IsFailure() {
			continue
		}
		var r any
		if err := json.Unmarshal(b, &r); err != nil {
			continue
		}
		if MeaningfulResult(r) {
			return r, nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return nil, ErrNotFound
}

func (s *PostgresStore) IterationEvents(ctx context.Context, executionID int64, loopName string) ([]Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM event
		 WHERE execution_id = $1 AND event_type = $2 AND loop_name = $3
		 ORDER BY COALESCE(current_index, 0), event_id`,
		executionID, string(LoopIteration), loopName)
	if err != nil {
		return nil, fmt.Errorf("list iterations: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

func (s *PostgresStore) ChildCompletions(ctx context.Context, parentExecutionID int64) ([]Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM event
		 WHERE parent_execution_id = $1 AND event_type = $2
		 ORDER BY created_at, event_id`,
		parentExecutionID, string(ExecutionComplete))
	if err != nil {
		return nil, fmt.Errorf("list child completions: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

func (s *PostgresStore) Workload(ctx context.Context, executionID int64) (map[string]any, error) {
	var b []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM workload WHERE execution_id = $1`, executionID).Scan(&b)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get workload: %w", err)
	}
	var data map[string]any
	if err := json.Unmarshal(b, &data); err != nil {
		return nil, fmt.Errorf("unmarshal workload: %w", err)
	}
	return data, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*Event, error) {
	var (
		e     Event
		typ   string
		ctxB  []byte
		resB  []byte
		metaB []byte
		itemB []byte
	)
	err := row.Scan(&e.ExecutionID, &e.EventID, &e.ParentEventID, &e.ParentExecutionID,
		&typ, &e.NodeID, &e.NodeName, &e.NodeType, &e.Status, &e.Duration,
		&ctxB, &resB, &metaB, &e.Error, &e.LoopID, &e.LoopName, &e.Iterator,
		&e.CurrentIndex, &itemB, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.Type = Type(typ)
	if len(ctxB) > 0 {
		_ = json.Unmarshal(ctxB, &e.Context)
	}
	if len(resB) > 0 {
		_ = json.Unmarshal(resB, &e.Result)
	}
	if len(metaB) > 0 {
		_ = json.Unmarshal(metaB, &e.Metadata)
	}
	if len(itemB) > 0 {
		_ = json.Unmarshal(itemB, &e.CurrentItem)
	}
	return &e, nil
}

func collectEvents(rows pgx.Rows) ([]Event, error) {
	var out []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func jsonbOrNil(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	if m, ok := v.(map[string]any); ok && m == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// failureText 提炼 error_log 用的错误文本；status 标记失败但 error 为空时退化为 status
func failureText(e *Event) string {
	if e.Error != "" {
		return e.Error
	}
	return e.Status
}
