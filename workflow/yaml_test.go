package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/core"
	"github.com/taskmesh/taskmesh/memory"
)

const recordCreationYAML = `
id: record_creation
description: Creates a record after validation.
entry: validate
terminals: [done]
nodes:
  - name: validate
    capability: check_fields
    output_slot: valid
    args:
      - name: title
        slot: title
    edges:
      - to: create
        when: {slot: valid, equals: true}
      - to: reject
  - name: create
    capability: persist_record
    output_slot: record_id
    edges:
      - to: done
      - to: notify_failure
        on_error: true
  - name: reject
    agent: support
    prompt: rejection_reason
    output_slot: reply
    edges:
      - to: done
  - name: notify_failure
    agent: support
    edges:
      - to: done
`

func TestParseDefinition(t *testing.T) {
	def, err := ParseDefinition([]byte(recordCreationYAML))
	require.NoError(t, err)

	assert.Equal(t, "record_creation", def.ID)
	assert.Equal(t, "validate", def.Entry())
	assert.True(t, def.IsTerminal("done"))
	assert.Equal(t, []string{"validate", "create", "reject", "notify_failure"}, def.Steps())

	edge, ok := def.errorEdge("create")
	require.True(t, ok)
	assert.Equal(t, "notify_failure", edge.To)
}

func TestParsedDefinitionExecutes(t *testing.T) {
	def, err := ParseDefinition([]byte(recordCreationYAML))
	require.NoError(t, err)

	store := memory.NewInMemoryStore()
	engine := NewEngine(testRegistry(t), store, func(o *EngineOptions) {
		o.Agents = &stubCaller{reply: "noted"}
	})

	state, err := engine.Execute(context.Background(), def, "t1", "u1", map[string]any{"title": "Fix sink"})
	require.NoError(t, err)
	record, _ := state.Get("record_id")
	assert.Equal(t, "record-1", record)
}

func TestParsedConditionForms(t *testing.T) {
	state := core.NewWorkflowState(map[string]any{"status": "approved", "count": 3})
	state.Set(core.ErrorSlot, "boom")

	equals := &yamlCondition{Slot: "status", Equals: "approved"}
	pred, err := equals.predicate()
	require.NoError(t, err)
	assert.True(t, pred(state))

	// YAML decodes numbers as int; slot values written by handlers may be
	// other numeric kinds, so comparison is loose.
	numeric := &yamlCondition{Slot: "count", Equals: 3}
	pred, err = numeric.predicate()
	require.NoError(t, err)
	assert.True(t, pred(state))

	exists := true
	present := &yamlCondition{Slot: "status", Exists: &exists}
	pred, err = present.predicate()
	require.NoError(t, err)
	assert.True(t, pred(state))

	hasErr := &yamlCondition{HasError: true}
	pred, err = hasErr.predicate()
	require.NoError(t, err)
	assert.True(t, pred(state))

	_, err = (&yamlCondition{}).predicate()
	require.Error(t, err)
}

func TestParseDefinitionRejectsInvalidGraph(t *testing.T) {
	_, err := ParseDefinition([]byte(`
id: broken
entry: ghost
terminals: [done]
nodes:
  - name: a
    capability: x
    edges:
      - to: done
`))
	var fault *core.IntegrityFault
	require.ErrorAs(t, err, &fault)
}

func TestParseDefinitionRejectsBadYAML(t *testing.T) {
	_, err := ParseDefinition([]byte("nodes: [unclosed"))
	var cfgErr *core.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
}
