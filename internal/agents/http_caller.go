package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rendis/chainflow/pkg/schema"
)

const maxCallerResponseBody = 10 * 1024 * 1024 // 10MB

// HTTPCaller invokes agents over HTTP. The target endpoint comes from the
// agent's config ("endpoint" key) and falls back to the deployment-wide base
// endpoint. Params are POSTed as JSON and the response body is returned
// verbatim as the agent output.
type HTTPCaller struct {
	baseEndpoint string
	client       *http.Client
}

// NewHTTPCaller creates an HTTPCaller. baseEndpoint may be empty if every
// agent declares its own endpoint.
func NewHTTPCaller(baseEndpoint string, timeout time.Duration) *HTTPCaller {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &HTTPCaller{
		baseEndpoint: baseEndpoint,
		client:       &http.Client{Timeout: timeout},
	}
}

// Invoke implements ModelCaller.
func (c *HTTPCaller) Invoke(ctx context.Context, agent *schema.AgentSpec, params json.RawMessage) (json.RawMessage, error) {
	endpoint, err := c.endpointFor(agent)
	if err != nil {
		return nil, err
	}

	body := params
	if len(body) == 0 {
		body = json.RawMessage(`{}`)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDispatch, "build request for agent %s", agent.ID).WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Agent-ID", agent.ID)
	if agent.Model != "" {
		req.Header.Set("X-Agent-Model", agent.Model)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDispatch, "call endpoint for agent %s", agent.ID).WithCause(err)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(io.LimitReader(resp.Body, maxCallerResponseBody))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDispatch, "read response for agent %s", agent.ID).WithCause(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, schema.NewErrorf(schema.ErrCodeDispatch, "agent %s endpoint returned %d: %s",
			agent.ID, resp.StatusCode, truncate(string(out), 200))
	}
	return out, nil
}

// endpointFor resolves the endpoint for an agent from its config, falling
// back to the caller's base endpoint.
func (c *HTTPCaller) endpointFor(agent *schema.AgentSpec) (string, error) {
	if len(agent.Config) > 0 {
		var cfg struct {
			Endpoint string `json:"endpoint"`
		}
		if err := json.Unmarshal(agent.Config, &cfg); err == nil && cfg.Endpoint != "" {
			return cfg.Endpoint, nil
		}
	}
	if c.baseEndpoint != "" {
		return c.baseEndpoint, nil
	}
	return "", schema.NewError(schema.ErrCodeValidation,
		fmt.Sprintf("agent %s has no endpoint and no base endpoint is configured", agent.ID))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
