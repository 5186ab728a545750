// Package postgres provides a PostgreSQL-backed ThreadStore for deployments
// where multiple processes share conversation memory.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskmesh/taskmesh/core"
)

// Store is a PostgreSQL implementation of core.ThreadStore over a pgx pool.
// Message ordering uses a bigserial seq column, so appends from several
// processes interleave without coordination.
type Store struct {
	db *pgxpool.Pool
}

var _ core.ThreadStore = (*Store)(nil)

// NewStore wraps an existing connection pool. The caller owns the pool's
// lifecycle unless Close is used.
func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Close releases the underlying pool.
func (s *Store) Close() error {
	s.db.Close()
	return nil
}

// EnsureSchema creates the tables if they do not exist. Idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS threads (
			id      TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			created TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS messages (
			id        TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL REFERENCES threads(id),
			seq       BIGSERIAL,
			role      TEXT NOT NULL,
			content   TEXT NOT NULL,
			tool_call JSONB,
			created   TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id, seq);
		CREATE TABLE IF NOT EXISTS checkpoints (
			id          TEXT PRIMARY KEY,
			thread_id   TEXT NOT NULL,
			workflow_id TEXT NOT NULL,
			node        TEXT NOT NULL,
			step        INTEGER NOT NULL,
			terminal    BOOLEAN NOT NULL DEFAULT FALSE,
			state       JSONB NOT NULL,
			seq         BIGSERIAL,
			created     TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_checkpoints_thread ON checkpoints(thread_id, seq);
	`)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Create inserts a thread, returning the existing one unchanged when the id
// is already taken.
func (s *Store) Create(ctx context.Context, threadID, userID string) (*core.Thread, error) {
	_, err := s.db.Exec(ctx,
		`INSERT INTO threads (id, user_id, created) VALUES ($1, $2, NOW())
		 ON CONFLICT (id) DO NOTHING`,
		threadID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("create thread: %w", err)
	}
	return s.Get(ctx, threadID)
}

// Get loads a thread with its full message history.
func (s *Store) Get(ctx context.Context, threadID string) (*core.Thread, error) {
	var t core.Thread
	err := s.db.QueryRow(ctx,
		`SELECT id, user_id, created FROM threads WHERE id = $1`, threadID,
	).Scan(&t.ID, &t.UserID, &t.Created)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &core.NotFoundError{Kind: "thread", ID: threadID}
	}
	if err != nil {
		return nil, fmt.Errorf("load thread: %w", err)
	}

	thread := core.NewThread(t.ID, t.UserID)
	thread.Created = t.Created
	msgs, err := s.Load(ctx, threadID, 0)
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		thread.Append(m)
	}
	return thread, nil
}

// Append adds one message at the tail of the thread.
func (s *Store) Append(ctx context.Context, threadID string, msg core.Message) error {
	var toolCall []byte
	if msg.ToolCall != nil {
		encoded, err := json.Marshal(msg.ToolCall)
		if err != nil {
			return fmt.Errorf("encode tool call: %w", err)
		}
		toolCall = encoded
	}

	tag, err := s.db.Exec(ctx,
		`INSERT INTO messages (id, thread_id, role, content, tool_call, created)
		 SELECT $1, $2, $3, $4, $5, $6 WHERE EXISTS (SELECT 1 FROM threads WHERE id = $2)`,
		msg.ID, threadID, string(msg.Role), msg.Content, toolCall, msg.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &core.NotFoundError{Kind: "thread", ID: threadID}
	}
	return nil
}

// Load returns the most recent window messages oldest first. A window of
// zero or less returns the full history.
func (s *Store) Load(ctx context.Context, threadID string, window int) ([]core.Message, error) {
	query := `SELECT id, role, content, tool_call, created FROM messages
	          WHERE thread_id = $1 ORDER BY seq`
	args := []any{threadID}
	if window > 0 {
		query = `SELECT id, role, content, tool_call, created FROM (
		           SELECT id, seq, role, content, tool_call, created FROM messages
		           WHERE thread_id = $1 ORDER BY seq DESC LIMIT $2
		         ) recent ORDER BY seq`
		args = append(args, window)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	var out []core.Message
	for rows.Next() {
		var msg core.Message
		var role string
		var toolCall []byte
		if err := rows.Scan(&msg.ID, &role, &msg.Content, &toolCall, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Role = core.Role(role)
		if len(toolCall) > 0 {
			var rec core.ToolCallRecord
			if err := json.Unmarshal(toolCall, &rec); err != nil {
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
	_, err = s.db.Exec(ctx,
		`INSERT INTO checkpoints (id, thread_id, workflow_id, node, step, terminal, state, created)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		cp.ID, cp.ThreadID, cp.WorkflowID, cp.Node, cp.Step, cp.Terminal, state, cp.Created.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// LatestCheckpoint returns the most recently saved checkpoint for a thread.
func (s *Store) LatestCheckpoint(ctx context.Context, threadID string) (*core.Checkpoint, error) {
	var cp core.Checkpoint
	var state []byte
	err := s.db.QueryRow(ctx,
		`SELECT id, workflow_id, node, step, terminal, state, created FROM checkpoints
		 WHERE thread_id = $1 ORDER BY seq DESC LIMIT 1`, threadID,
	).Scan(&cp.ID, &cp.WorkflowID, &cp.Node, &cp.Step, &cp.Terminal, &state, &cp.Created)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &core.NotFoundError{Kind: "checkpoint", ID: threadID}
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}

	cp.ThreadID = threadID
	cp.State = &core.WorkflowState{}
	if err := json.Unmarshal(state, cp.State); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &cp, nil
}

// ThreadCount reports the number of stored threads.
func (s *Store) ThreadCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM threads`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count threads: %w", err)
	}
	return n, nil
}
