package tools

import (
	"testing"
	"time"

	"github.com/rendis/chainflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreaker_StartsClosedAllowsRequests(t *testing.T) {
	br := NewBreakerRegistry(DefaultBreakerConfig())
	err := br.AllowRequest("test_tool")
	assert.NoError(t, err)
	assert.Equal(t, CircuitClosed, br.GetState("test_tool"))
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	cfg := BreakerConfig{
		FailureThreshold: 3,
		Cooldown:         10 * time.Second,
		HalfOpenMax:      1,
	}
	br := NewBreakerRegistry(cfg)

	// Record 2 failures — still closed.
	br.RecordFailure("tool_x")
	br.RecordFailure("tool_x")
	assert.Equal(t, CircuitClosed, br.GetState("tool_x"))

	// 3rd failure — opens the circuit.
	state := br.RecordFailure("tool_x")
	assert.Equal(t, CircuitOpen, state)

	// Requests should now be rejected.
	err := br.AllowRequest("tool_x")
	require.Error(t, err)
	var cfErr *schema.ChainflowError
	require.ErrorAs(t, err, &cfErr)
	assert.Equal(t, schema.ErrCodeBreakerOpen, cfErr.Code)
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	cfg := BreakerConfig{
		FailureThreshold: 3,
		Cooldown:         10 * time.Second,
		HalfOpenMax:      1,
	}
	br := NewBreakerRegistry(cfg)

	br.RecordFailure("tool_y")
	br.RecordFailure("tool_y")
	// 2 failures, then success resets.
	br.RecordSuccess("tool_y")
	assert.Equal(t, CircuitClosed, br.GetState("tool_y"))

	// Need 3 more failures to open.
	br.RecordFailure("tool_y")
	br.RecordFailure("tool_y")
	assert.Equal(t, CircuitClosed, br.GetState("tool_y"))

	br.RecordFailure("tool_y")
	assert.Equal(t, CircuitOpen, br.GetState("tool_y"))
}

func TestBreaker_HalfOpenAfterCooldown(t *testing.T) {
	cfg := BreakerConfig{
		FailureThreshold: 2,
		Cooldown:         50 * time.Millisecond,
		HalfOpenMax:      1,
	}
	br := NewBreakerRegistry(cfg)

	br.RecordFailure("tool_z")
	br.RecordFailure("tool_z")
	assert.Equal(t, CircuitOpen, br.GetState("tool_z"))

	// Wait for cooldown.
	time.Sleep(60 * time.Millisecond)

	// Should transition to half-open.
	assert.Equal(t, CircuitHalfOpen, br.GetState("tool_z"))

	// Allow one test request.
	err := br.AllowRequest("tool_z")
	assert.NoError(t, err)
}

func TestBreaker_HalfOpenToClosedOnSuccess(t *testing.T) {
	cfg := BreakerConfig{
		FailureThreshold: 2,
		Cooldown:         50 * time.Millisecond,
		HalfOpenMax:      1,
	}
	br := NewBreakerRegistry(cfg)

	br.RecordFailure("tool_hoc")
	br.RecordFailure("tool_hoc")

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, CircuitHalfOpen, br.GetState("tool_hoc"))

	err := br.AllowRequest("tool_hoc")
	assert.NoError(t, err)
	br.RecordSuccess("tool_hoc")

	assert.Equal(t, CircuitClosed, br.GetState("tool_hoc"))
}

func TestBreaker_HalfOpenToOpenOnFailure(t *testing.T) {
	cfg := BreakerConfig{
		FailureThreshold: 2,
		Cooldown:         50 * time.Millisecond,
		HalfOpenMax:      1,
	}
	br := NewBreakerRegistry(cfg)

	br.RecordFailure("tool_hof")
	br.RecordFailure("tool_hof")

	time.Sleep(60 * time.Millisecond)
	err := br.AllowRequest("tool_hof")
	assert.NoError(t, err)

	// Failure in half-open reopens.
	state := br.RecordFailure("tool_hof")
	assert.Equal(t, CircuitOpen, state)
}

func TestBreaker_HalfOpenMaxRequests(t *testing.T) {
	cfg := BreakerConfig{
		FailureThreshold: 2,
		Cooldown:         50 * time.Millisecond,
		HalfOpenMax:      1,
	}
	br := NewBreakerRegistry(cfg)

	br.RecordFailure("tool_max")
	br.RecordFailure("tool_max")

	time.Sleep(60 * time.Millisecond)

	// First request in half-open is allowed.
	err := br.AllowRequest("tool_max")
	assert.NoError(t, err)

	// Second request in half-open is rejected (max reached).
	err = br.AllowRequest("tool_max")
	assert.Error(t, err)
}

func TestBreaker_PerToolIsolation(t *testing.T) {
	cfg := BreakerConfig{
		FailureThreshold: 2,
		Cooldown:         10 * time.Second,
		HalfOpenMax:      1,
	}
	br := NewBreakerRegistry(cfg)

	br.RecordFailure("tool_a")
	br.RecordFailure("tool_a")
	assert.Equal(t, CircuitOpen, br.GetState("tool_a"))

	// Other tools keep their own circuits.
	assert.Equal(t, CircuitClosed, br.GetState("tool_b"))
	err := br.AllowRequest("tool_b")
	assert.NoError(t, err)
}

func TestBreaker_GetStats(t *testing.T) {
	br := NewBreakerRegistry(DefaultBreakerConfig())
	br.RecordFailure("stats_tool")
	br.RecordFailure("stats_tool")

	stats := br.GetStats("stats_tool")
	assert.Equal(t, "stats_tool", stats["tool"])
	assert.Equal(t, "closed", stats["state"])
	assert.Equal(t, 2, stats["consecutive_failures"])
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half_open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(99).String())
}
