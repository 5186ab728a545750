package core

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author category of a Message.
type Role string

const (
	// RoleUser marks a message authored by the end user.
	RoleUser Role = "user"
	// RoleAgent marks a reply produced by an agent.
	RoleAgent Role = "agent"
	// RoleSystem marks an internally generated status message.
	RoleSystem Role = "system"
	// RoleToolResult marks the recorded outcome of a capability invocation.
	RoleToolResult Role = "tool_result"
)

// ToolCallRecord is the structured metadata attached to a tool-result
// message: which capability ran, with which arguments, and what came back.
type ToolCallRecord struct {
	ID         string         `json:"id"`
	Capability string         `json:"capability"`
	Arguments  map[string]any `json:"arguments,omitempty"`
	Result     any            `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Message is one immutable entry in a thread's history. After append it is
// never mutated; corrections are expressed as new messages.
type Message struct {
	ID        string          `json:"id"`
	Role      Role            `json:"role"`
	Content   string          `json:"content"`
	ToolCall  *ToolCallRecord `json:"tool_call,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage constructs a message with a fresh id and UTC timestamp.
func NewMessage(role Role, content string) Message {
	return Message{ID: NewID(), Role: role, Content: content, Timestamp: time.Now().UTC()}
}

// NewToolResultMessage records the outcome of a capability invocation as a
// thread message carrying structured call metadata.
func NewToolResultMessage(rec ToolCallRecord, content string) Message {
	m := NewMessage(RoleToolResult, content)
	m.ToolCall = &rec
	return m
}

// Thread is one persistent conversation: a stable id, an owning user and an
// ordered append-only message history. Ownership is immutable once created.
// It is safe for concurrent access.
type Thread struct {
	ID       string    `json:"id"`
	UserID   string    `json:"user_id"`
	Messages []Message `json:"messages"`
	Created  time.Time `json:"created"`
	mu       sync.RWMutex
}

// NewThread creates an empty thread owned by userID.
func NewThread(id, userID string) *Thread {
	return &Thread{ID: id, UserID: userID, Messages: []Message{}, Created: time.Now().UTC()}
}

// Append adds a message to the end of the history.
func (t *Thread) Append(msg Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Messages = append(t.Messages, msg)
}

// Window returns the most recent n messages, oldest-first within the slice.
// Messages beyond the boundary stay stored but are excluded from the result.
// n <= 0 returns the full history.
func (t *Thread) Window(n int) []Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	start := 0
	if n > 0 && len(t.Messages) > n {
		start = len(t.Messages) - n
	}
	out := make([]Message, len(t.Messages)-start)
	copy(out, t.Messages[start:])
	return out
}

// Len returns the number of stored messages.
func (t *Thread) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.Messages)
}

// Clone returns a deep copy safe for independent mutation.
func (t *Thread) Clone() *Thread {
	t.mu.RLock()
	defer t.mu.RUnlock()
	clone := &Thread{ID: t.ID, UserID: t.UserID, Created: t.Created, Messages: make([]Message, len(t.Messages))}
	copy(clone.Messages, t.Messages)
	return clone
}

// ThreadStore is the persistence contract consumed by the router and the
// workflow engine: append-message, load-window, write-checkpoint and
// read-latest-checkpoint keyed by thread id. The storage engine behind it is
// external to the core; in-memory, SQLite and Postgres implementations live
// under the memory package tree.
type ThreadStore interface {
	// Create resolves an existing thread or creates it owned by userID.
	// The owner of an existing thread is never changed.
	Create(ctx context.Context, threadID, userID string) (*Thread, error)

	// Get returns the thread or a NotFoundError.
	Get(ctx context.Context, threadID string) (*Thread, error)

	// Append adds a message to the thread history, strictly ordered by
	// arrival.
	Append(ctx context.Context, threadID string, msg Message) error

	// Load returns the most recent window messages oldest-first. window <= 0
	// loads the full history.
	Load(ctx context.Context, threadID string, window int) ([]Message, error)

	// SaveCheckpoint persists a workflow checkpoint for its thread.
	// Checkpoints accumulate; the latest one is authoritative for resumption.
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error

	// LatestCheckpoint returns the most recently saved checkpoint for the
	// thread or a NotFoundError when none exists.
	LatestCheckpoint(ctx context.Context, threadID string) (*Checkpoint, error)

	// ThreadCount reports the number of threads known to the store.
	ThreadCount(ctx context.Context) (int, error)
}

// NewID generates a unique identifier for threads, messages and checkpoints.
func NewID() string { return uuid.NewString() }
