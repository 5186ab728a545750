package core

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThreadWindow(t *testing.T) {
	th := NewThread("t1", "u1")
	for i := 1; i <= 50; i++ {
		th.Append(NewMessage(RoleUser, fmt.Sprintf("msg %d", i)))
	}

	window := th.Window(10)
	require.Len(t, window, 10)
	assert.Equal(t, "msg 41", window[0].Content)
	assert.Equal(t, "msg 50", window[9].Content)

	// Excluded tail is retained, not deleted.
	assert.Equal(t, 50, th.Len())

	full := th.Window(0)
	assert.Len(t, full, 50)

	wide := th.Window(100)
	assert.Len(t, wide, 50)
}

func TestThreadCloneIsIndependent(t *testing.T) {
	th := NewThread("t1", "u1")
	th.Append(NewMessage(RoleUser, "hello"))

	clone := th.Clone()
	clone.Append(NewMessage(RoleAgent, "hi"))

	assert.Equal(t, 1, th.Len())
	assert.Equal(t, 2, clone.Len())
	assert.Equal(t, "u1", clone.UserID)
}

func TestWorkflowStateMergeLastWriterWins(t *testing.T) {
	s := NewWorkflowState(map[string]any{"a": 1})
	s.Merge(map[string]any{"a": 2, "b": "x"})
	s.Merge(map[string]any{"b": "y"})

	v, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, 2, v)
	assert.Equal(t, "y", s.GetString("b", ""))
	assert.Equal(t, "fallback", s.GetString("missing", "fallback"))
}

func TestWorkflowStateErrorSlot(t *testing.T) {
	s := NewWorkflowState(nil)
	assert.False(t, s.Failed())

	s.Set(ErrorSlot, "boom")
	assert.True(t, s.Failed())

	s.ClearError()
	assert.False(t, s.Failed())
}

func TestCheckpointSnapshotsState(t *testing.T) {
	s := NewWorkflowState(map[string]any{"k": "v"})
	s.Node = "validate"
	s.Step = 2

	cp := NewCheckpoint("t1", "task_creation", s, false)

	// Later mutation of the live state must not leak into the snapshot.
	s.Set("k", "changed")
	s.Node = "create"

	assert.Equal(t, "validate", cp.Node)
	assert.Equal(t, 2, cp.Step)
	assert.Equal(t, "v", cp.State.GetString("k", ""))
	assert.False(t, cp.Terminal)
	assert.NotEmpty(t, cp.ID)
}
