package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rendis/chainflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTool is a minimal Tool for registry tests.
type fakeTool struct {
	name string
}

func (f *fakeTool) Name() string { return f.name }
func (f *fakeTool) Schema() ToolSchema {
	return ToolSchema{Description: "fake tool " + f.name}
}
func (f *fakeTool) Validate(input map[string]any) error { return nil }
func (f *fakeTool) Execute(ctx context.Context, input ToolInput) (*ToolOutput, error) {
	return &ToolOutput{Data: json.RawMessage(`{"ok":true}`)}, nil
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&fakeTool{name: "echo"}))

	tool, err := r.Get("echo")
	require.NoError(t, err)
	assert.Equal(t, "echo", tool.Name())
	assert.True(t, r.Has("echo"))
	assert.Equal(t, 1, r.Count())
}

func TestRegistry_DuplicateName(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&fakeTool{name: "echo"}))

	err := r.Register(&fakeTool{name: "echo"})
	require.Error(t, err)

	var cfErr *schema.ChainflowError
	require.ErrorAs(t, err, &cfErr)
	assert.Equal(t, schema.ErrCodeConflict, cfErr.Code)
}

func TestRegistry_NilAndEmptyName(t *testing.T) {
	r := NewRegistry()

	err := r.Register(nil)
	require.Error(t, err)

	err = r.Register(&fakeTool{name: ""})
	require.Error(t, err)
	var cfErr *schema.ChainflowError
	require.ErrorAs(t, err, &cfErr)
	assert.Equal(t, schema.ErrCodeValidation, cfErr.Code)
}

func TestRegistry_GetUnknown(t *testing.T) {
	r := NewRegistry()

	_, err := r.Get("ghost")
	require.Error(t, err)

	var cfErr *schema.ChainflowError
	require.True(t, errors.As(err, &cfErr))
	assert.Equal(t, schema.ErrCodeNotFound, cfErr.Code)
}

func TestRegistry_ListSorted(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&fakeTool{name: "zeta"}))
	require.NoError(t, r.Register(&fakeTool{name: "alpha"}))
	require.NoError(t, r.Register(&fakeTool{name: "mid"}))

	infos := r.List()
	require.Len(t, infos, 3)
	assert.Equal(t, "alpha", infos[0].Name)
	assert.Equal(t, "mid", infos[1].Name)
	assert.Equal(t, "zeta", infos[2].Name)
	assert.Equal(t, "fake tool alpha", infos[0].Description)
}
