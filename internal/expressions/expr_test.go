package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/rendis/chainflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewExprEngine(t *testing.T) {
	e := NewExprEngine()
	assert.NotNil(t, e)
	assert.Equal(t, "expr", e.Name())
}

// --- Basic evaluation ---

func TestExpr_Literals(t *testing.T) {
	e := NewExprEngine()

	t.Run("integer", func(t *testing.T) {
		out, err := e.Evaluate(context.Background(), "42", map[string]any{})
		require.NoError(t, err)
		assert.Equal(t, 42, out)
	})

	t.Run("string", func(t *testing.T) {
		out, err := e.Evaluate(context.Background(), `"hello"`, map[string]any{})
		require.NoError(t, err)
		assert.Equal(t, "hello", out)
	})

	t.Run("boolean", func(t *testing.T) {
		out, err := e.Evaluate(context.Background(), "true", map[string]any{})
		require.NoError(t, err)
		assert.Equal(t, true, out)
	})
}

// --- Working-variable access ---

func TestExpr_WorkingVariables(t *testing.T) {
	e := NewExprEngine()
	data := map[string]any{
		"x":         float64(5),
		"sentiment": "positive",
		"approved":  true,
	}

	t.Run("numeric guard", func(t *testing.T) {
		out, err := e.Evaluate(context.Background(), "x > 0", data)
		require.NoError(t, err)
		assert.Equal(t, true, out)
	})

	t.Run("string comparison", func(t *testing.T) {
		out, err := e.Evaluate(context.Background(), `sentiment == "positive"`, data)
		require.NoError(t, err)
		assert.Equal(t, true, out)
	})

	t.Run("compound guard", func(t *testing.T) {
		out, err := e.Evaluate(context.Background(), `approved && x >= 5`, data)
		require.NoError(t, err)
		assert.Equal(t, true, out)
	})
}

func TestExpr_NestedAccess(t *testing.T) {
	e := NewExprEngine()
	data := map[string]any{
		"nodes": map[string]any{
			"classify": map[string]any{
				"output": map[string]any{"label": "spam", "score": 0.97},
			},
		},
	}

	out, err := e.Evaluate(context.Background(), `nodes.classify.output.label == "spam"`, data)
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

// --- Missing variables ---

func TestExpr_UndefinedVariableIsNil(t *testing.T) {
	e := NewExprEngine()

	out, err := e.Evaluate(context.Background(), `missing`, map[string]any{"present": 1})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestExpr_NilCoalescing(t *testing.T) {
	e := NewExprEngine()

	out, err := e.Evaluate(context.Background(), `retries ?? 0`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, 0, out)
}

// --- Error handling ---

func TestExpr_EmptyExpression(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), "", map[string]any{})
	require.Error(t, err)

	cfErr, ok := err.(*schema.ChainflowError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, cfErr.Code)
}

func TestExpr_CompileError(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), `][invalid`, map[string]any{})
	require.Error(t, err)

	cfErr, ok := err.(*schema.ChainflowError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, cfErr.Code)
	assert.Contains(t, cfErr.Message, "compile")
}

func TestExpr_RuntimeError(t *testing.T) {
	e := NewExprEngine()
	data := map[string]any{"items": []any{1, 2, 3}}

	_, err := e.Evaluate(context.Background(), `items[100]`, data)
	require.Error(t, err)

	cfErr, ok := err.(*schema.ChainflowError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeDispatch, cfErr.Code)
}

// --- Program caching ---

func TestExpr_Caching(t *testing.T) {
	e := NewExprEngine()
	data := map[string]any{"x": 1}

	_, err := e.Evaluate(context.Background(), `x + 1`, data)
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), `x + 1`, data)
	require.NoError(t, err)

	e.mu.RLock()
	cacheLen := len(e.cache)
	e.mu.RUnlock()
	assert.Equal(t, 1, cacheLen, "same expression compiles once")
}

// --- Thread safety ---

func TestExpr_Concurrent(t *testing.T) {
	e := NewExprEngine()

	var wg sync.WaitGroup
	errs := make([]error, 100)
	results := make([]any, 100)

	for i := range 100 {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			data := map[string]any{"val": idx}
			results[idx], errs[idx] = e.Evaluate(context.Background(), `val >= 0`, data)
		}(i)
	}
	wg.Wait()

	for i := range 100 {
		assert.NoError(t, errs[i], "goroutine %d should not error", i)
		assert.Equal(t, true, results[i], "goroutine %d should return true", i)
	}
}
