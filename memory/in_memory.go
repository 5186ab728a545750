// Package memory provides thread store implementations. The in-memory store
// here is the default; durable SQLite and Postgres backed stores live in the
// subpackages.
package memory

import (
	"context"
	"sync"

	"github.com/taskmesh/taskmesh/core"
)

// InMemoryStore is a volatile ThreadStore keeping threads and checkpoints in
// process local maps. It is safe for concurrent access and best suited for
// tests or ephemeral demo deployments. Every returned thread, message slice
// and checkpoint is a clone so callers can never mutate internal state.
type InMemoryStore struct {
	mu          sync.RWMutex
	threads     map[string]*core.Thread
	checkpoints map[string][]core.Checkpoint
}

var _ core.ThreadStore = (*InMemoryStore)(nil)

// NewInMemoryStore constructs an empty in-memory thread store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		threads:     make(map[string]*core.Thread),
		checkpoints: make(map[string][]core.Checkpoint),
	}
}

// Create stores a new thread with the given id and owner. Creating an id
// that already exists returns the existing thread unchanged.
func (s *InMemoryStore) Create(ctx context.Context, threadID, userID string) (*core.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.threads[threadID]; ok {
		return t.Clone(), nil
	}
	t := core.NewThread(threadID, userID)
	s.threads[threadID] = t
	return t.Clone(), nil
}

// Get returns a clone of an existing thread.
func (s *InMemoryStore) Get(ctx context.Context, threadID string) (*core.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[threadID]
	if !ok {
		return nil, &core.NotFoundError{Kind: "thread", ID: threadID}
	}
	return t.Clone(), nil
}

// Append adds a message to an existing thread.
func (s *InMemoryStore) Append(ctx context.Context, threadID string, msg core.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[threadID]
	if !ok {
		return &core.NotFoundError{Kind: "thread", ID: threadID}
	}
	t.Append(msg)
	return nil
}

// Load returns the most recent window messages of a thread in chronological
// order. A window of zero or less returns the full history.
func (s *InMemoryStore) Load(ctx context.Context, threadID string, window int) ([]core.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[threadID]
	if !ok {
		return nil, &core.NotFoundError{Kind: "thread", ID: threadID}
	}
	return t.Window(window), nil
}

// SaveCheckpoint appends a checkpoint to the thread's checkpoint history.
// Checkpoints for unknown threads are accepted so workflow progress survives
// even when message persistence and checkpointing race.
func (s *InMemoryStore) SaveCheckpoint(ctx context.Context, cp core.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[cp.ThreadID] = append(s.checkpoints[cp.ThreadID], cloneCheckpoint(cp))
	return nil
}

// LatestCheckpoint returns the most recently saved checkpoint for a thread.
func (s *InMemoryStore) LatestCheckpoint(ctx context.Context, threadID string) (*core.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cps := s.checkpoints[threadID]
	if len(cps) == 0 {
		return nil, &core.NotFoundError{Kind: "checkpoint", ID: threadID}
	}
	cp := cloneCheckpoint(cps[len(cps)-1])
	return &cp, nil
}

// Checkpoints returns the full checkpoint history of a thread, oldest first.
func (s *InMemoryStore) Checkpoints(ctx context.Context, threadID string) ([]core.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cps := s.checkpoints[threadID]
	out := make([]core.Checkpoint, len(cps))
	for i, cp := range cps {
		out[i] = cloneCheckpoint(cp)
	}
	return out, nil
}

// ThreadCount reports the number of threads held.
func (s *InMemoryStore) ThreadCount(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.threads), nil
}

func cloneCheckpoint(cp core.Checkpoint) core.Checkpoint {
	clone := cp
	if cp.State != nil {
		clone.State = cp.State.Clone()
	}
	return clone
}
