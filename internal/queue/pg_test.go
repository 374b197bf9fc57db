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
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "flow-platform/pkg/errors"
)

func testDSN(t *testing.T) string {
	dsn := os.Getenv("COFLOW_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("COFLOW_TEST_PG_DSN not set, skipping Postgres queue tests")
	}
	return dsn
}

func newTestPgQueue(t *testing.T, ctx context.Context) (*PostgresQueue, func()) {
	pool, err := pgxpool.New(ctx, testDSN(t))
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	q, err := NewPostgresQueue(ctx, pool, time.Minute, 3)
	if err != nil {
		t.Fatalf("NewPostgresQueue: %v", err)
	}
	// 清空表以便测试独立
	_, _ = pool.Exec(ctx, `DELETE FROM queue`)
	return q, func() { pool.Close() }
}

func TestPostgresQueue_EnqueueLease(t *testing.T) {
	ctx := context.Background()
	q, cleanup := newTestPgQueue(t, ctx)
	defer cleanup()

	_, err := q.Enqueue(ctx, &Item{NodeID: "1:low", ExecutionID: 1, Priority: 1, Payload: map[string]any{"step": "low"}})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	_, err = q.Enqueue(ctx, &Item{NodeID: "1:high", ExecutionID: 1, Priority: 9, Payload: map[string]any{"step": "high"}})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	_, err = q.Enqueue(ctx, &Item{NodeID: "1:high", ExecutionID: 1})
	if !errors.Is(err, apperrors.ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}

	it, err := q.Lease(ctx, "w1", time.Minute)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if it.NodeID != "1:high" || it.Attempts != 1 || it.WorkerID != "w1" {
		t.Errorf("lease mismatch: %+v", it)
	}
	if it.Payload["step"] != "high" {
		t.Errorf("payload mismatch: %+v", it.Payload)
	}

	it2, _ := q.Lease(ctx, "w2", time.Minute)
	if it2.NodeID != "1:low" {
		t.Errorf("expected 1:low, got %s", it2.NodeID)
	}
	if _, err := q.Lease(ctx, "w3", time.Minute); err != ErrEmpty {
		t.Errorf("expected ErrEmpty, got %v", err)
	}
}

func TestPostgresQueue_CompleteAndRequeue(t *testing.T) {
	ctx := context.Background()
	q, cleanup := newTestPgQueue(t, ctx)
	defer cleanup()

	_, _ = q.Enqueue(ctx, &Item{NodeID: "1:a", ExecutionID: 1})
	it, _ := q.Lease(ctx, "w1", time.Minute)

	if err := q.Complete(ctx, it.ID, "w2"); err != ErrWorkerMismatch {
		t.Errorf("expected ErrWorkerMismatch, got %v", err)
	}
	if err := q.Complete(ctx, it.ID, "w1"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := q.Complete(ctx, it.ID, "w1"); err != nil {
		t.Errorf("duplicate Complete should be nil, got %v", err)
	}

	// done 之后同名 node 可再次入队
	if _, err := q.Enqueue(ctx, &Item{NodeID: "1:a", ExecutionID: 1}); err != nil {
		t.Errorf("re-enqueue after done: %v", err)
	}
}

func TestPostgresQueue_FailRetryThenDead(t *testing.T) {
	ctx := context.Background()
	q, cleanup := newTestPgQueue(t, ctx)
	defer cleanup()

	id, _ := q.Enqueue(ctx, &Item{NodeID: "1:a", ExecutionID: 1, MaxAttempts: 2})

	it, _ := q.Lease(ctx, "w1", time.Minute)
	if err := q.Fail(ctx, it.ID, "w1", 0, false); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	got, _ := q.Get(ctx, id)
	if got.Status != StatusQueued {
		t.Errorf("expected queued, got %s", got.Status)
	}

	it, err := q.Lease(ctx, "w1", time.Minute)
	if err != nil {
		t.Fatalf("second Lease: %v", err)
	}
	if err := q.Fail(ctx, it.ID, "w1", 0, false); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	got, _ = q.Get(ctx, id)
	if got.Status != StatusDead {
		t.Errorf("expected dead, got %s", got.Status)
	}
}

func TestPostgresQueue_ReapExpired(t *testing.T) {
	ctx := context.Background()
	q, cleanup := newTestPgQueue(t, ctx)
	defer cleanup()

	id, _ := q.Enqueue(ctx, &Item{NodeID: "1:a", ExecutionID: 1})
	_, _ = q.Lease(ctx, "w1", 100*time.Millisecond)

	time.Sleep(200 * time.Millisecond)
	n, err := q.ReapExpired(ctx)
	if err != nil {
		t.Fatalf("ReapExpired: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 reaped, got %d", n)
	}
	got, _ := q.Get(ctx, id)
	if got.Status != StatusQueued || got.WorkerID != "" {
		t.Errorf("expected requeued item, got %+v", got)
	}
}

func TestPostgresQueue_SizeAndActive(t *testing.T) {
	ctx := context.Background()
	q, cleanup := newTestPgQueue(t, ctx)
	defer cleanup()

	_, _ = q.Enqueue(ctx, &Item{NodeID: "1:a", ExecutionID: 1})
	_, _ = q.Enqueue(ctx, &Item{NodeID: "2:a", ExecutionID: 2})

	size, err := q.Size(ctx)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size[StatusQueued] != 2 {
		t.Errorf("expected 2 queued, got %v", size)
	}
	n, err := q.ActiveForExecution(ctx, 1)
	if err != nil {
		t.Fatalf("ActiveForExecution: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 active, got %d", n)
	}
}
