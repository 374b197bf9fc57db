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

package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"flow-platform/internal/playbook"
	apperrors "flow-platform/pkg/errors"
)

const catalogSchema = `
CREATE TABLE IF NOT EXISTS catalog (
	path       TEXT NOT NULL,
	version    TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (path, version)
);
`

// PostgresStore 基于 PostgreSQL 的目录存储
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	s := &PostgresStore{pool: pool}
	if _, err := pool.Exec(ctx, catalogSchema); err != nil {
		return nil, fmt.Errorf("ensure catalog schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) Register(ctx context.Context, path, version, content string) error {
	ct, err := s.pool.Exec(ctx, `
		INSERT INTO catalog (path, version, content) VALUES ($1, $2, $3)
		ON CONFLICT (path, version) DO NOTHING`,
		path, version, content)
	if err != nil {
		return fmt.Errorf("register entry: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return apperrors.Wrapf(apperrors.ErrDuplicate, "catalog: %s@%s already registered", path, version)
	}
	return nil
}

func (s *PostgresStore) Fetch(ctx context.Context, path, version string) (*Entry, error) {
	if version == "" {
		latest, err := s.LatestVersion(ctx, path)
		if err != nil {
			return nil, err
		}
		version = latest
	}
	e := &Entry{Path: path, Version: version}
	err := s.pool.QueryRow(ctx,
		`SELECT content, created_at FROM catalog WHERE path = $1 AND version = $2`,
		path, version).Scan(&e.Content, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch entry: %w", err)
	}
	parsed, err := playbook.Parse([]byte(e.Content))
	if err != nil {
		return nil, fmt.Errorf("catalog: parse %s@%s: %w", path, version, err)
	}
	e.Parsed = parsed
	return e, nil
}

func (s *PostgresStore) LatestVersion(ctx context.Context, path string) (string, error) {
	rows, err := s.pool.Query(ctx, `SELECT version FROM catalog WHERE path = $1`, path)
	if err != nil {
		return "", fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()
	var versions []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return "", fmt.Errorf("scan version: %w", err)
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	if len(versions) == 0 {
		return "", ErrNotFound
	}
	return latestOf(versions), nil
}
