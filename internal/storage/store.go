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
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"bubblechat/internal/config"
	"bubblechat/internal/session"
)

// Store is a session.Storage that can enumerate its contents and must be closed.
type Store interface {
	session.Storage
	ListConversationIDs(ctx context.Context) ([]string, error)
	Close() error
}

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Open builds the store selected by cfg. secret is the Postgres password kept
// in the keyring; it is applied only when the DSN carries none.
func Open(ctx context.Context, cfg config.StorageConfig, secret string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendFile, "":
		dir, err := dataDir(cfg.Dir)
		if err != nil {
			return nil, err
		}
		return NewFileStore(dir)
	case BackendSQLite:
		path := cfg.SQLitePath
		if path == "" {
			dir, err := dataDir(cfg.Dir)
			if err != nil {
				return nil, err
			}
			path = filepath.Join(dir, SQLiteFileName)
		}
		return OpenSQLite(ctx, path)
	case BackendPostgres:
		if strings.TrimSpace(cfg.PostgresDSN) == "" {
			return nil, fmt.Errorf("storage: postgres backend needs a DSN")
		}
		return OpenPostgres(ctx, withPassword(cfg.PostgresDSN, secret))
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", cfg.Backend)
	}
}

func dataDir(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	base, err := config.ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "saves"), nil
}

// withPassword injects secret into a URL or key/value DSN that has no password.
func withPassword(dsn, secret string) string {
	if secret == "" {
		return dsn
	}
	if u, err := url.Parse(dsn); err == nil && (u.Scheme == "postgres" || u.Scheme == "postgresql") {
		if u.User == nil {
			return dsn
		}
		if _, has := u.User.Password(); has {
			return dsn
		}
		u.User = url.UserPassword(u.User.Username(), secret)
		return u.String()
	}
	if strings.Contains(dsn, "password=") {
		return dsn
	}
	return dsn + " password='" + strings.ReplaceAll(secret, "'", `\'`) + "'"
}
