package capability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskmesh/taskmesh/core"
)

func taskSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"title": map[string]any{"type": "string"},
			"rate":  map[string]any{"type": "number"},
			"zip":   map[string]any{"type": "string"},
		},
		"required": []string{"title", "rate", "zip"},
	}
}

func TestRegisterDuplicateWithoutOverride(t *testing.T) {
	r := NewRegistry()
	d := Descriptor{
		ID:          "create_task",
		InputSchema: taskSchema(),
		Handler: func(ctx context.Context, call *CallContext, args map[string]any) (any, error) {
			return nil, nil
		},
	}
	require.NoError(t, r.Register(d))

	err := r.Register(d)
	var cfgErr *core.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)

	d.Override = true
	assert.NoError(t, r.Register(d))
	assert.Equal(t, 1, r.Count())
}

func TestRegisterMalformedSchema(t *testing.T) {
	r := NewRegistry()
	err := r.Register(Descriptor{
		ID:          "broken",
		InputSchema: map[string]any{"type": "array"},
		Handler: func(ctx context.Context, call *CallContext, args map[string]any) (any, error) {
			return nil, nil
		},
	})
	var cfgErr *core.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)

	// Required entry naming an undeclared property is also a config error.
	err = r.Register(Descriptor{
		ID: "broken2",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
			"required":   []string{"ghost"},
		},
		Handler: func(ctx context.Context, call *CallContext, args map[string]any) (any, error) {
			return nil, nil
		},
	})
	assert.ErrorAs(t, err, &cfgErr)
}

func TestInvokeValidatesBeforeDispatch(t *testing.T) {
	r := NewRegistry()
	invoked := 0
	require.NoError(t, r.Register(Descriptor{
		ID:          "create_task",
		InputSchema: taskSchema(),
		Handler: func(ctx context.Context, call *CallContext, args map[string]any) (any, error) {
			invoked++
			return map[string]any{"task_id": "task-1"}, nil
		},
	}))

	// Missing required "rate": rejected before the handler runs.
	_, err := r.Invoke(context.Background(), "create_task", map[string]any{"title": "x", "zip": "02139"}, nil)
	var valErr *ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.Equal(t, "rate", valErr.Field)
	assert.Zero(t, invoked, "handler must not run on validation failure")

	// Wrong type for a declared field.
	_, err = r.Invoke(context.Background(), "create_task", map[string]any{"title": "x", "rate": "fifty", "zip": "02139"}, nil)
	require.ErrorAs(t, err, &valErr)
	assert.Zero(t, invoked)

	// Valid arguments reach the handler.
	res, err := r.Invoke(context.Background(), "create_task", map[string]any{"title": "x", "rate": 50.0, "zip": "02139"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, invoked)
	assert.Equal(t, "task-1", res.(map[string]any)["task_id"])
}

func TestInvokeWrapsHandlerFailure(t *testing.T) {
	r := NewRegistry()
	cause := errors.New("duplicate task")
	require.NoError(t, r.Register(Descriptor{
		ID: "create_task",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: func(ctx context.Context, call *CallContext, args map[string]any) (any, error) {
			return nil, cause
		},
	}))

	_, err := r.Invoke(context.Background(), "create_task", map[string]any{}, nil)
	var execErr *core.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "create_task", execErr.Capability)
	assert.ErrorIs(t, err, cause)
}

func TestLookupUnknown(t *testing.T) {
	r := NewRegistry()
	_, err := r.Lookup("ghost")
	var nfErr *core.NotFoundError
	require.ErrorAs(t, err, &nfErr)
	assert.Equal(t, "capability", nfErr.Kind)

	_, err = r.Invoke(context.Background(), "ghost", nil, nil)
	assert.ErrorAs(t, err, &nfErr)
}

func TestDescribeSkipsUnknown(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Descriptor{
		ID:          "send_notification",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
		Handler: func(ctx context.Context, call *CallContext, args map[string]any) (any, error) {
			return nil, nil
		},
	}))

	ds := r.Describe([]string{"send_notification", "ghost"})
	require.Len(t, ds, 1)
	assert.Equal(t, "send_notification", ds[0].ID)
	assert.Equal(t, []string{"send_notification"}, r.IDs())
}
