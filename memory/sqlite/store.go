// Package sqlite provides a durable ThreadStore backed by a local SQLite
// file. It suits single-process deployments that need conversation memory to
// survive restarts without running a database server.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/taskmesh/taskmesh/core"
)

//go:embed schema.sql
var schemaSQL string

// Store is a SQLite-backed core.ThreadStore.
// SQLite allows one writer at a time; the connection pool is capped at a
// single connection so concurrent callers serialize here instead of hitting
// SQLITE_BUSY.
type Store struct {
	db *sql.DB
}

var _ core.ThreadStore = (*Store)(nil)

// Open creates or opens the database at path, applying pragmas and the
// schema. Idempotent; safe to call on an existing database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Create inserts a thread, returning the existing one unchanged when the id
// is already taken.
func (s *Store) Create(ctx context.Context, threadID, userID string) (*core.Thread, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (id, user_id, created) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		threadID, userID, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create thread: %w", err)
	}
	return s.Get(ctx, threadID)
}

// Get loads a thread with its full message history.
func (s *Store) Get(ctx context.Context, threadID string) (*core.Thread, error) {
	var userID string
	var created time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, created FROM threads WHERE id = ?`, threadID,
	).Scan(&userID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &core.NotFoundError{Kind: "thread", ID: threadID}
	}
	if err != nil {
		return nil, fmt.Errorf("load thread: %w", err)
	}

	t := core.NewThread(threadID, userID)
	t.Created = created
	msgs, err := s.Load(ctx, threadID, 0)
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		t.Append(m)
	}
	return t, nil
}

// Append adds one message at the tail of the thread.
func (s *Store) Append(ctx context.Context, threadID string, msg core.Message) error {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM threads WHERE id = ?`, threadID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return &core.NotFoundError{Kind: "thread", ID: threadID}
	}
	if err != nil {
		return fmt.Errorf("check thread: %w", err)
	}

	var toolCall any
	if msg.ToolCall != nil {
		encoded, err := json.Marshal(msg.ToolCall)
		if err != nil {
			return fmt.Errorf("encode tool call: %w", err)
		}
		toolCall = string(encoded)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, thread_id, seq, role, content, tool_call, created)
		 VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE thread_id = ?), ?, ?, ?, ?)`,
		msg.ID, threadID, threadID, string(msg.Role), msg.Content, toolCall, msg.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// Load returns the most recent window messages oldest first. A window of
// zero or less returns the full history.
func (s *Store) Load(ctx context.Context, threadID string, window int) ([]core.Message, error) {
	query := `SELECT id, role, content, tool_call, created FROM messages
	          WHERE thread_id = ? ORDER BY seq`
	args := []any{threadID}
	if window > 0 {
		// Take the newest N, then flip back to chronological order.
		query = `SELECT id, role, content, tool_call, created FROM (
		           SELECT id, seq, role, content, tool_call, created FROM messages
		           WHERE thread_id = ? ORDER BY seq DESC LIMIT ?
		         ) ORDER BY seq`
		args = append(args, window)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	var out []core.Message
	for rows.Next() {
		var msg core.Message
		var role string
		var toolCall sql.NullString
		if err := rows.Scan(&msg.ID, &role, &msg.Content, &toolCall, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Role = core.Role(role)
		if toolCall.Valid {
			var rec core.ToolCallRecord
			if err := json.Unmarshal([]byte(toolCall.String), &rec); err != nil {
				return nil, fmt.Errorf("decode tool call: %w", err)
			}
			msg.ToolCall = &rec
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// SaveCheckpoint persists one workflow checkpoint.
func (s *Store) SaveCheckpoint(ctx context.Context, cp core.Checkpoint) error {
	state, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (id, thread_id, workflow_id, node, step, terminal, state, created)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.ThreadID, cp.WorkflowID, cp.Node, cp.Step, cp.Terminal, string(state), cp.Created.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// LatestCheckpoint returns the most recently saved checkpoint for a thread.
// Ordering is by step then insertion order, so rapid successive steps within
// one clock tick still resolve correctly.
func (s *Store) LatestCheckpoint(ctx context.Context, threadID string) (*core.Checkpoint, error) {
	var cp core.Checkpoint
	var state string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, node, step, terminal, state, created FROM checkpoints
		 WHERE thread_id = ? ORDER BY step DESC, rowid DESC LIMIT 1`, threadID,
	).Scan(&cp.ID, &cp.WorkflowID, &cp.Node, &cp.Step, &cp.Terminal, &state, &cp.Created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &core.NotFoundError{Kind: "checkpoint", ID: threadID}
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}

	cp.ThreadID = threadID
	cp.State = &core.WorkflowState{}
	if err := json.Unmarshal([]byte(state), cp.State); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &cp, nil
}

// ThreadCount reports the number of stored threads.
func (s *Store) ThreadCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM threads`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count threads: %w", err)
	}
	return n, nil
}
