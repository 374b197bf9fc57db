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

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "flow-platform/pkg/errors"
)

const queueSchema = `
CREATE TABLE IF NOT EXISTS queue (
	id               BIGSERIAL PRIMARY KEY,
	node_id          TEXT NOT NULL,
	execution_id     BIGINT NOT NULL,
	payload          JSONB NOT NULL,
	status           TEXT NOT NULL DEFAULT 'queued',
	priority         INT NOT NULL DEFAULT 0,
	attempts         INT NOT NULL DEFAULT 0,
	max_attempts     INT NOT NULL DEFAULT 3,
	worker_id        TEXT,
	lease_expires_at TIMESTAMPTZ,
	available_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_node_active ON queue (node_id) WHERE status IN ('queued', 'leased');
CREATE INDEX IF NOT EXISTS idx_queue_lease ON queue (status, available_at, priority);
CREATE INDEX IF NOT EXISTS idx_queue_execution ON queue (execution_id, status);
`

// PostgresQueue 基于 PostgreSQL 的工作队列；租约通过 FOR UPDATE SKIP LOCKED 抢占
type PostgresQueue struct {
	pool         *pgxpool.Pool
	defaultLease time.Duration
	defaultMax   int
}

func NewPostgresQueue(ctx context.Context, pool *pgxpool.Pool, defaultLease time.Duration, defaultMaxAttempts int) (*PostgresQueue, error) {
	if defaultLease <= 0 {
		defaultLease = 60 * time.Second
	}
	if defaultMaxAttempts <= 0 {
		defaultMaxAttempts = 3
	}
	q := &PostgresQueue{pool: pool, defaultLease: defaultLease, defaultMax: defaultMaxAttempts}
	if _, err := pool.Exec(ctx, queueSchema); err != nil {
		return nil, fmt.Errorf("ensure queue schema: %w", err)
	}
	return q, nil
}

func (q *PostgresQueue) Enqueue(ctx context.Context, item *Item) (int64, error) {
	if item.NodeID == "" {
		return 0, apperrors.Wrap(apperrors.ErrInvalidArg, "queue: node_id is required")
	}
	maxAttempts := item.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.defaultMax
	}
	payload, err := json.Marshal(item.Payload)
	if err != nil {
		return 0, fmt.Errorf("marshal payload: %w", err)
	}

	var availableAt any
	if !item.AvailableAt.IsZero() {
		availableAt = item.AvailableAt
	}
	var id int64
	err = q.pool.QueryRow(ctx, `
		INSERT INTO queue (node_id, execution_id, payload, status, priority, max_attempts, available_at)
		VALUES ($1, $2, $3, 'queued', $4, $5, COALESCE($6::timestamptz, now()))
		ON CONFLICT (node_id) WHERE status IN ('queued', 'leased') DO NOTHING
		RETURNING id`,
		item.NodeID, item.ExecutionID, payload, item.Priority, maxAttempts, availableAt).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, apperrors.Wrapf(apperrors.ErrDuplicate, "queue: node %s already active", item.NodeID)
	}
	if err != nil {
		return 0, fmt.Errorf("enqueue: %w", err)
	}
	return id, nil
}

func (q *PostgresQueue) Lease(ctx context.Context, workerID string, leaseFor time.Duration) (*Item, error) {
	if leaseFor <= 0 {
		leaseFor = q.defaultLease
	}
	row := q.pool.QueryRow(ctx, `
		WITH next AS (
			SELECT id FROM queue
			WHERE status = 'queued' AND available_at <= now()
			ORDER BY priority DESC, id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE queue q SET
			status = 'leased',
			worker_id = $1,
			attempts = q.attempts + 1,
			lease_expires_at = now() + make_interval(secs => $2),
			updated_at = now()
		FROM next
		WHERE q.id = next.id
		RETURNING `+prefixColumns("q."),
		workerID, leaseFor.Seconds())
	item, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("lease: %w", err)
	}
	return item, nil
}

func (q *PostgresQueue) Complete(ctx context.Context, id int64, workerID string) error {
	ct, err := q.pool.Exec(ctx, `
		UPDATE queue SET status = 'done', updated_at = now()
		WHERE id = $1 AND worker_id = $2 AND status = 'leased'`,
		id, workerID)
	if err != nil {
		return fmt.Errorf("complete: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return q.explainMiss(ctx, id, workerID)
	}
	return nil
}

func (q *PostgresQueue) Fail(ctx context.Context, id int64, workerID string, retryAfter time.Duration, terminal bool) error {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin fail: %w", err)
	}
	defer tx.Rollback(ctx)

	var attempts, maxAttempts int
	err = tx.QueryRow(ctx, `
		SELECT attempts, max_attempts FROM queue
		WHERE id = $1 AND worker_id = $2 AND status = 'leased'
		FOR UPDATE`,
		id, workerID).Scan(&attempts, &maxAttempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return q.explainMiss(ctx, id, workerID)
	}
	if err != nil {
		return fmt.Errorf("fail: %w", err)
	}

	if terminal || attempts >= maxAttempts {
		_, err = tx.Exec(ctx, `
			UPDATE queue SET status = 'dead', lease_expires_at = NULL, updated_at = now()
			WHERE id = $1`, id)
	} else {
		_, err = tx.Exec(ctx, `
			UPDATE queue SET status = 'queued', worker_id = NULL, lease_expires_at = NULL,
				available_at = now() + make_interval(secs => $2), updated_at = now()
			WHERE id = $1`, id, retryAfter.Seconds())
	}
	if err != nil {
		return fmt.Errorf("fail update: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit fail: %w", err)
	}
	return nil
}

func (q *PostgresQueue) Heartbeat(ctx context.Context, id int64, workerID string, extendBy time.Duration) error {
	if extendBy <= 0 {
		extendBy = q.defaultLease
	}
	ct, err := q.pool.Exec(ctx, `
		UPDATE queue SET lease_expires_at = now() + make_interval(secs => $3), updated_at = now()
		WHERE id = $1 AND worker_id = $2 AND status = 'leased'`,
		id, workerID, extendBy.Seconds())
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return q.explainMiss(ctx, id, workerID)
	}
	return nil
}

// ReapExpired 过期租约一律收回重排；attempts 上限只在 Fail 路径落 dead
func (q *PostgresQueue) ReapExpired(ctx context.Context) (int, error) {
	ct, err := q.pool.Exec(ctx, `
		UPDATE queue SET status = 'queued', worker_id = NULL, lease_expires_at = NULL, updated_at = now()
		WHERE status = 'leased' AND lease_expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("reap expired: %w", err)
	}
	return int(ct.RowsAffected()), nil
}

func (q *PostgresQueue) Size(ctx context.Context) (map[string]int, error) {
	rows, err := q.pool.Query(ctx, `SELECT status, COUNT(*) FROM queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("size: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan size: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}

func (q *PostgresQueue) Get(ctx context.Context, id int64) (*Item, error) {
	row := q.pool.QueryRow(ctx, `SELECT `+prefixColumns("")+` FROM queue WHERE id = $1`, id)
	item, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	return item, nil
}

func (q *PostgresQueue) ActiveForExecution(ctx context.Context, executionID int64) (int, error) {
	var n int
	err := q.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM queue
		WHERE execution_id = $1 AND status IN ('queued', 'leased')`,
		executionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("active count: %w", err)
	}
	return n, nil
}

// explainMiss 区分更新未命中的原因：项不存在 / 租约归属他人（或已结束）
func (q *PostgresQueue) explainMiss(ctx context.Context, id int64, workerID string) error {
	var status, holder string
	err := q.pool.QueryRow(ctx,
		`SELECT status, COALESCE(worker_id, '') FROM queue WHERE id = $1`, id).
		Scan(&status, &holder)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("inspect item: %w", err)
	}
	if status == StatusDone && holder == workerID {
		// 重复 ack，视为成功
		return nil
	}
	return ErrWorkerMismatch
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*Item, error) {
	var (
		it      Item
		payload []byte
	)
	err := row.Scan(&it.ID, &it.NodeID, &it.ExecutionID, &payload, &it.Status, &it.Priority,
		&it.Attempts, &it.MaxAttempts, &it.WorkerID, &it.LeaseExpiresAt,
		&it.AvailableAt, &it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		_ = json.Unmarshal(payload, &it.Payload)
	}
	return &it, nil
}

func prefixColumns(prefix string) string {
	return prefix + `id, ` + prefix + `node_id, ` + prefix + `execution_id, ` + prefix + `payload, ` +
		prefix + `status, ` + prefix + `priority, ` + prefix + `attempts, ` + prefix + `max_attempts, ` +
		`COALESCE(` + prefix + `worker_id, ''), COALESCE(` + prefix + `lease_expires_at, 'epoch'::timestamptz), ` +
		prefix + `available_at, ` + prefix + `created_at, ` + prefix + `updated_at`
}
