// Copyright 2025 Kadir Pekel
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

package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/kadirpekel/strata/pkg/config"
	"github.com/kadirpekel/strata/pkg/session"
)

// SQLStore implements Store on database/sql. Supported dialects:
// sqlite3 (default), postgres, mysql.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

const createCheckpointsTableSQL = `
CREATE TABLE IF NOT EXISTS checkpoints (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id VARCHAR(255) NOT NULL,
    step INTEGER NOT NULL,
    kind VARCHAR(32) NOT NULL,
    state_blob TEXT NOT NULL,
    label TEXT,
    created_at TIMESTAMP NOT NULL,
    UNIQUE (session_id, step, kind)
);

CREATE INDEX IF NOT EXISTS idx_checkpoints_session ON checkpoints(session_id, step);
`

const createCheckpointsTablePostgresSQL = `
CREATE TABLE IF NOT EXISTS checkpoints (
    id SERIAL PRIMARY KEY,
    session_id VARCHAR(255) NOT NULL,
    step INTEGER NOT NULL,
    kind VARCHAR(32) NOT NULL,
    state_blob TEXT NOT NULL,
    label TEXT,
    created_at TIMESTAMP NOT NULL,
    UNIQUE (session_id, step, kind)
);

CREATE INDEX IF NOT EXISTS idx_checkpoints_session ON checkpoints(session_id, step);
`

const createCheckpointsTableMySQL = `
CREATE TABLE IF NOT EXISTS checkpoints (
    id BIGINT PRIMARY KEY AUTO_INCREMENT,
    session_id VARCHAR(255) NOT NULL,
    step INTEGER NOT NULL,
    kind VARCHAR(32) NOT NULL,
    state_blob TEXT NOT NULL,
    label TEXT,
    created_at TIMESTAMP NOT NULL,
    UNIQUE KEY uniq_checkpoint (session_id, step, kind),
    INDEX idx_checkpoints_session (session_id, step)
);
`

// NewSQLStore opens the database, verifies connectivity, and initializes
// the schema.
func NewSQLStore(cfg *config.CheckpointConfig) (*SQLStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("checkpoint configuration is required")
	}

	dialect := cfg.Driver
	driverName := dialect
	switch dialect {
	case "sqlite3":
	case "postgres", "mysql":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: sqlite3, postgres, mysql)", dialect)
	}

	db, err := sql.Open(driverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s database: %w", dialect, err)
	}

	s := &SQLStore{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	schema := createCheckpointsTableSQL
	switch s.dialect {
	case "postgres":
		schema = createCheckpointsTablePostgresSQL
	case "mysql":
		schema = createCheckpointsTableMySQL
	}

	// MySQL cannot run multiple statements in one Exec by default.
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create checkpoints table: %w", err)
		}
	}
	return nil
}

// rebind converts ? placeholders to $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// execRetry runs a mutating statement, retrying once with backoff on I/O
// failure.
func (s *SQLStore) execRetry(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err == nil {
		return res, nil
	}
	slog.Warn("checkpoint write failed, retrying", "error", err)
	select {
	case <-time.After(100 * time.Millisecond):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	res, err = s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("checkpoint write failed after retry: %w", err)
	}
	return res, nil
}

func (s *SQLStore) upsertQuery() string {
	switch s.dialect {
	case "postgres":
		return s.rebind(`
INSERT INTO checkpoints (session_id, step, kind, state_blob, label, created_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (session_id, step, kind)
DO UPDATE SET state_blob = EXCLUDED.state_blob, label = EXCLUDED.label, created_at = EXCLUDED.created_at
`)
	case "mysql":
		return `
INSERT INTO checkpoints (session_id, step, kind, state_blob, label, created_at)
VALUES (?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE state_blob = VALUES(state_blob), label = VALUES(label), created_at = VALUES(created_at)
`
	default:
		return `
INSERT OR REPLACE INTO checkpoints (session_id, step, kind, state_blob, label, created_at)
VALUES (?, ?, ?, ?, ?, ?)
`
	}
}

// Save serializes the state and upserts it. Serialization failures are
// fatal and surfaced unretried.
func (s *SQLStore) Save(ctx context.Context, state *session.State, kind Kind, label string) (int64, error) {
	if state == nil {
		return 0, fmt.Errorf("state is required")
	}
	blob, err := state.Serialize()
	if err != nil {
		return 0, err
	}

	res, err := s.execRetry(ctx, s.upsertQuery(),
		state.SessionID, state.Step, string(kind), string(blob), label, time.Now().UTC())
	if err != nil {
		return 0, err
	}

	id, err := res.LastInsertId()
	if err != nil {
		// postgres does not support LastInsertId; the row is written.
		id = 0
	}
	slog.Debug("checkpoint saved",
		"session_id", state.SessionID, "step", state.Step, "kind", kind, "label", label)
	return id, nil
}

func (s *SQLStore) scanRow(row *sql.Row) (*Checkpoint, error) {
	var cp Checkpoint
	var kind string
	var label sql.NullString
	err := row.Scan(&cp.ID, &cp.SessionID, &cp.Step, &kind, &cp.State, &label, &cp.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	cp.Kind = Kind(kind)
	cp.Label = label.String
	return &cp, nil
}

const selectColumns = "id, session_id, step, kind, state_blob, label, created_at"

// Load returns the checkpoint at the given step.
func (s *SQLStore) Load(ctx context.Context, sessionID string, step int) (*Checkpoint, error) {
	query := s.rebind(`
SELECT ` + selectColumns + ` FROM checkpoints
WHERE session_id = ? AND step = ?
ORDER BY id DESC LIMIT 1
`)
	return s.scanRow(s.db.QueryRowContext(ctx, query, sessionID, step))
}

// LoadLatest returns the highest-step checkpoint for the session.
func (s *SQLStore) LoadLatest(ctx context.Context, sessionID string) (*Checkpoint, error) {
	query := s.rebind(`
SELECT ` + selectColumns + ` FROM checkpoints
WHERE session_id = ?
ORDER BY step DESC, id DESC LIMIT 1
`)
	return s.scanRow(s.db.QueryRowContext(ctx, query, sessionID))
}

// List returns all checkpoints for the session, step ascending.
func (s *SQLStore) List(ctx context.Context, sessionID string) ([]*Checkpoint, error) {
	query := s.rebind(`
SELECT ` + selectColumns + ` FROM checkpoints
WHERE session_id = ?
ORDER BY step ASC, id ASC
`)
	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*Checkpoint
	for rows.Next() {
		var cp Checkpoint
		var kind string
		var label sql.NullString
		if err := rows.Scan(&cp.ID, &cp.SessionID, &cp.Step, &kind, &cp.State, &label, &cp.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to read checkpoint: %w", err)
		}
		cp.Kind = Kind(kind)
		cp.Label = label.String
		out = append(out, &cp)
	}
	return out, rows.Err()
}

// Rollback restores the state at step and deletes everything above it in
// one transaction.
func (s *SQLStore) Rollback(ctx context.Context, sessionID string, step int) (*session.State, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin rollback: %w", err)
	}
	defer tx.Rollback()

	var blob []byte
	query := s.rebind(`
SELECT state_blob FROM checkpoints
WHERE session_id = ? AND step = ?
ORDER BY id DESC LIMIT 1
`)
	if err := tx.QueryRowContext(ctx, query, sessionID, step).Scan(&blob); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load rollback target: %w", err)
	}

	deleteQuery := s.rebind(`DELETE FROM checkpoints WHERE session_id = ? AND step > ?`)
	if _, err := tx.ExecContext(ctx, deleteQuery, sessionID, step); err != nil {
		return nil, fmt.Errorf("failed to delete checkpoints past step %d: %w", step, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit rollback: %w", err)
	}

	state, err := session.Deserialize(blob)
	if err != nil {
		return nil, err
	}
	slog.Info("session rolled back", "session_id", sessionID, "step", step)
	return state, nil
}

// DeleteSession removes all checkpoints for the session.
func (s *SQLStore) DeleteSession(ctx context.Context, sessionID string) error {
	query := s.rebind(`DELETE FROM checkpoints WHERE session_id = ?`)
	if _, err := s.execRetry(ctx, query, sessionID); err != nil {
		return err
	}
	return nil
}

// Sessions lists distinct session ids present in the store.
func (s *SQLStore) Sessions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT session_id FROM checkpoints ORDER BY session_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close releases the database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
