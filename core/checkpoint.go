package core

import (
	"fmt"
	"time"
)

// ErrorSlot is the conventional workflow state slot under which the engine
// records a node action failure. Error edges predicate on it.
const ErrorSlot = "error"

// WorkflowState is the shared mutable state of one workflow execution: keyed
// slots merged last-writer-wins, the current node, a step counter and the
// transition history. It exists only for the lifetime of one execution and is
// owned exclusively by the engine driving it, so it carries no locking.
type WorkflowState struct {
	Slots map[string]any `json:"slots"`
	Node  string         `json:"node"`
	Step  int            `json:"step"`
	Trail []string       `json:"trail"`
}

// NewWorkflowState seeds a state from caller-supplied context slots.
func NewWorkflowState(seed map[string]any) *WorkflowState {
	s := &WorkflowState{Slots: make(map[string]any, len(seed))}
	for k, v := range seed {
		s.Slots[k] = v
	}
	return s
}

// Get returns a slot value and an existence flag.
func (s *WorkflowState) Get(key string) (any, bool) {
	v, ok := s.Slots[key]
	return v, ok
}

// GetString returns a slot as a string, or fallback when absent or not a
// string.
func (s *WorkflowState) GetString(key, fallback string) string {
	if v, ok := s.Slots[key]; ok {
		if str, ok := v.(string); ok {
			return str
		}
		return fmt.Sprintf("%v", v)
	}
	return fallback
}

// Set writes a single slot.
func (s *WorkflowState) Set(key string, value any) {
	if s.Slots == nil {
		s.Slots = map[string]any{}
	}
	s.Slots[key] = value
}

// Merge applies a delta last-writer-wins. Within one execution there are no
// concurrent writers, so ordering is the node execution order.
func (s *WorkflowState) Merge(delta map[string]any) {
	for k, v := range delta {
		s.Set(k, v)
	}
}

// Failed reports whether the error slot is populated.
func (s *WorkflowState) Failed() bool {
	_, ok := s.Slots[ErrorSlot]
	return ok
}

// ClearError removes the error slot, used after an error edge has routed the
// execution into compensating logic.
func (s *WorkflowState) ClearError() { delete(s.Slots, ErrorSlot) }

// Clone returns a deep-enough copy (slot map and trail are copied; slot
// values are shared) for checkpointing without freezing the live state.
func (s *WorkflowState) Clone() *WorkflowState {
	clone := &WorkflowState{
		Slots: make(map[string]any, len(s.Slots)),
		Node:  s.Node,
		Step:  s.Step,
		Trail: make([]string, len(s.Trail)),
	}
	for k, v := range s.Slots {
		clone.Slots[k] = v
	}
	copy(clone.Trail, s.Trail)
	return clone
}

// Checkpoint is the persisted snapshot of workflow progress written after
// every step: the unit of resumability and audit. The latest checkpoint for a
// thread is authoritative; a terminal checkpoint supersedes the live state at
// END or abort.
type Checkpoint struct {
	ID         string         `json:"id"`
	ThreadID   string         `json:"thread_id"`
	WorkflowID string         `json:"workflow_id"`
	Node       string         `json:"node"`
	State      *WorkflowState `json:"state"`
	Step       int            `json:"step"`
	Terminal   bool           `json:"terminal"`
	Created    time.Time      `json:"created"`
}

// NewCheckpoint snapshots the given state for persistence.
func NewCheckpoint(threadID, workflowID string, state *WorkflowState, terminal bool) Checkpoint {
	return Checkpoint{
		ID:         NewID(),
		ThreadID:   threadID,
		WorkflowID: workflowID,
		Node:       state.Node,
		State:      state.Clone(),
		Step:       state.Step,
		Terminal:   terminal,
		Created:    time.Now().UTC(),
	}
}
