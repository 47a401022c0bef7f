// Package store implements SQLite persistence for all chat entities. Each
// background task opens its own Store session over a shared *sql.DB; write
// statements on one session are serialized by database/sql.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// Store wraps the database handle with entity repositories.
type Store struct {
	db *sql.DB
}

// Open opens (and migrates) the database at path. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	} else {
		dsn = "file::memory:?mode=memory&cache=shared&_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite tolerates one writer at a time; a single connection avoids
	// SQLITE_BUSY churn under concurrent background tasks.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	path TEXT NOT NULL,
	sort_order INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS chats (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	title TEXT NOT NULL DEFAULT '',
	pinned INTEGER NOT NULL DEFAULT 0,
	sort_order INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	chat_id TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
	role TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	checkpoint_id TEXT,
	attachments TEXT,
	tool_calls TEXT,
	tool_results TEXT,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, created_at);

CREATE TABLE IF NOT EXISTS checkpoints (
	id TEXT PRIMARY KEY,
	chat_id TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
	message_id TEXT NOT NULL,
	label TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_chat ON checkpoints(chat_id, created_at);

CREATE TABLE IF NOT EXISTS tool_calls (
	id TEXT PRIMARY KEY,
	chat_id TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
	checkpoint_id TEXT,
	name TEXT NOT NULL,
	status TEXT NOT NULL,
	input TEXT,
	output TEXT NOT NULL DEFAULT '',
	parallel_group_id TEXT,
	created_at INTEGER NOT NULL,
	completed_at INTEGER,
	duration_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_tool_calls_chat ON tool_calls(chat_id, created_at);

CREATE TABLE IF NOT EXISTS file_edits (
	id TEXT PRIMARY KEY,
	chat_id TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
	checkpoint_id TEXT,
	tool_call_id TEXT,
	path TEXT NOT NULL,
	action TEXT NOT NULL,
	diff TEXT NOT NULL DEFAULT '',
	snapshot_id TEXT,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_file_edits_chat ON file_edits(chat_id, created_at);

CREATE TABLE IF NOT EXISTS file_snapshots (
	id TEXT PRIMARY KEY,
	chat_id TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
	checkpoint_id TEXT,
	file_edit_id TEXT,
	path TEXT NOT NULL,
	content TEXT,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS reasoning_blocks (
	id TEXT PRIMARY KEY,
	chat_id TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
	checkpoint_id TEXT,
	content TEXT NOT NULL DEFAULT '',
	duration_ms INTEGER NOT NULL DEFAULT 0,
	token_count INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS tool_artifacts (
	id TEXT PRIMARY KEY,
	tool_call_id TEXT NOT NULL,
	chat_id TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
	project_id TEXT NOT NULL,
	kind TEXT NOT NULL DEFAULT '',
	path TEXT NOT NULL,
	line_count INTEGER NOT NULL DEFAULT 0,
	preview_lines INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tool_artifacts_project ON tool_artifacts(project_id);

CREATE TABLE IF NOT EXISTS todos (
	id TEXT PRIMARY KEY,
	chat_id TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
	checkpoint_id TEXT,
	content TEXT NOT NULL,
	status TEXT NOT NULL,
	sort_order INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS observations (
	id TEXT PRIMARY KEY,
	chat_id TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
	generation INTEGER NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	token_count INTEGER NOT NULL DEFAULT 0,
	trigger_token_count INTEGER NOT NULL DEFAULT 0,
	observed_up_to_message_id TEXT,
	current_task TEXT NOT NULL DEFAULT '',
	suggested_response TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	UNIQUE(chat_id, generation)
);

CREATE TABLE IF NOT EXISTS memory_states (
	id TEXT PRIMARY KEY,
	chat_id TEXT NOT NULL UNIQUE REFERENCES chats(id) ON DELETE CASCADE,
	strategy TEXT NOT NULL,
	state TEXT,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sub_agent_runs (
	id TEXT PRIMARY KEY,
	chat_id TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
	parent_tool_call_id TEXT NOT NULL,
	task TEXT NOT NULL,
	model TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	output TEXT NOT NULL DEFAULT '',
	duration_ms INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS project_plans (
	id TEXT PRIMARY KEY,
	chat_id TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
	project_id TEXT NOT NULL,
	checkpoint_id TEXT,
	title TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'draft',
	file_path TEXT NOT NULL DEFAULT '',
	revision INTEGER NOT NULL DEFAULT 0,
	content_sha256 TEXT NOT NULL DEFAULT '',
	last_editor TEXT NOT NULL DEFAULT '',
	approved_action TEXT NOT NULL DEFAULT '',
	implementation_chat_id TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS project_plan_revisions (
	id TEXT PRIMARY KEY,
	plan_id TEXT NOT NULL REFERENCES project_plans(id) ON DELETE CASCADE,
	revision INTEGER NOT NULL,
	content_sha256 TEXT NOT NULL DEFAULT '',
	editor TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
`

// nanos converts a time to the stored integer form.
func nanos(t time.Time) int64 {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UnixNano()
}

// fromNanos converts a stored integer back to a time.
func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func scanNull(v sql.NullString) string {
	if v.Valid {
		return v.String
	}
	return ""
}

// execContext is a small helper that wraps Exec errors with an operation name.
func (s *Store) exec(ctx context.Context, op, query string, args ...any) error {
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
