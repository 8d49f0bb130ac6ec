/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"bubblechat/internal/domain"
	applog "bubblechat/internal/log"

	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore keeps conversation states in a shared PostgreSQL database.
type PostgresStore struct {
	db  *sql.DB
	log *slog.Logger
}

// OpenPostgres connects via the pgx stdlib driver and applies pending migrations.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	s := &PostgresStore{db: db, log: applog.WithComponent("storage").With(slog.String("store", "postgres"))}
	if err := s.applyMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) applyMigrations(ctx context.Context) error {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(strings.ToLower(e.Name()), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	// dialect=PostgreSQL
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version BIGINT PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}

	applied := map[int64]bool{}
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("select schema_migrations: %w", err)
	}
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			_ = rows.Close()
			return err
		}
		applied[v] = true
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	for _, fname := range files {
		version, err := parseVersion(fname)
		if err != nil {
			return err
		}
		if applied[version] {
			continue
		}
		b, err := migrationsFS.ReadFile(path.Join("migrations", fname))
		if err != nil {
			return err
		}
		if err := s.applyOne(ctx, version, fname, string(b)); err != nil {
			return err
		}
		s.log.Info("applied migration", slog.String("name", fname))
	}
	return nil
}

func (s *PostgresStore) applyOne(ctx context.Context, version int64, name, sqlText string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s: %w", name, err)
	}
	if strings.TrimSpace(sqlText) != "" {
		if _, err := tx.ExecContext(ctx, sqlText); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply %s: %w", name, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, name) VALUES ($1, $2) ON CONFLICT (version) DO NOTHING`, version, name); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record %s: %w", name, err)
	}
	return tx.Commit()
}

func parseVersion(name string) (int64, error) {
	base := path.Base(name)
	parts := strings.SplitN(base, "_", 2)
	if len(parts) < 2 {
		return 0, errors.New("invalid migration filename: " + name)
	}
	v, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse version from %s: %w", name, err)
	}
	return v, nil
}

func (s *PostgresStore) SaveConversationState(ctx context.Context, st *domain.ConversationState) error {
	if st == nil || st.ConversationID == "" {
		return ErrInvalidState
	}
	b, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO conversation_states (id, version, character_name, chapter_index, node_name, state_json, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, now())
		ON CONFLICT (id) DO UPDATE SET
			version = EXCLUDED.version,
			character_name = EXCLUDED.character_name,
			chapter_index = EXCLUDED.chapter_index,
			node_name = EXCLUDED.node_name,
			state_json = EXCLUDED.state_json,
			updated_at = now()`,
		st.ConversationID, st.Version, st.CharacterName, st.CurrentChapterIndex, st.CurrentNodeName, string(b))
	if err != nil {
		return fmt.Errorf("upsert state %s: %w", st.ConversationID, err)
	}
	return nil
}

func (s *PostgresStore) LoadConversationState(ctx context.Context, id string) (*domain.ConversationState, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT state_json::text FROM conversation_states WHERE id = $1`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select state %s: %w", id, err)
	}
	return decodeState([]byte(raw))
}

func (s *PostgresStore) DeleteConversationState(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversation_states WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete state %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) ListConversationIDs(ctx context.Context) ([]string, error) {
	return queryIDs(ctx, s.db, `SELECT id FROM conversation_states ORDER BY id`)
}

func (s *PostgresStore) Close() error { return s.db.Close() }
