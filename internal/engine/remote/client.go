// Package remote provides the HTTP client for the external simulation
// engine. The engine is the source of truth for node identifiers and tree
// shape; callers re-fetch the canonical graph after any successful mutation.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mirrorstage/simdeck/internal/domain"
	"github.com/mirrorstage/simdeck/internal/engine"
)

// Client is an HTTP client for the remote engine's control API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the engine at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type advanceRequest struct {
	Steps int `json:"steps"`
}

type branchRequest struct {
	Label string `json:"label,omitempty"`
}

type childResponse struct {
	ChildID string `json:"child_id"`
}

type createExperimentRequest struct {
	Name       string           `json:"name"`
	BaseNodeID string           `json:"base_node_id"`
	Variants   []domain.Variant `json:"variants"`
}

type createExperimentResponse struct {
	ExperimentID string `json:"experiment_id"`
}

type runExperimentRequest struct {
	Turns int `json:"turns"`
}

type experimentResponse struct {
	Variants []domain.Variant `json:"variants"`
}

// Advance asks the engine to extend nodeID by steps rounds.
func (c *Client) Advance(ctx context.Context, simID, nodeID string, steps int) (string, error) {
	var resp childResponse
	path := fmt.Sprintf("/v1/simulations/%s/nodes/%s/advance", simID, nodeID)
	if err := c.do(ctx, http.MethodPost, path, advanceRequest{Steps: steps}, &resp); err != nil {
		return "", fmt.Errorf("advance failed: %w", err)
	}
	return resp.ChildID, nil
}

// Branch forks a sibling timeline from nodeID.
func (c *Client) Branch(ctx context.Context, simID, nodeID, label string) (string, error) {
	var resp childResponse
	path := fmt.Sprintf("/v1/simulations/%s/nodes/%s/branch", simID, nodeID)
	if err := c.do(ctx, http.MethodPost, path, branchRequest{Label: label}, &resp); err != nil {
		return "", fmt.Errorf("branch failed: %w", err)
	}
	return resp.ChildID, nil
}

// DeleteSubtree removes nodeID and its descendants server-side.
func (c *Client) DeleteSubtree(ctx context.Context, simID, nodeID string) error {
	path := fmt.Sprintf("/v1/simulations/%s/nodes/%s", simID, nodeID)
	if err := c.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("delete subtree failed: %w", err)
	}
	return nil
}

// GetGraph fetches the canonical graph for a simulation.
func (c *Client) GetGraph(ctx context.Context, simID string) (*engine.Graph, error) {
	var g engine.Graph
	path := fmt.Sprintf("/v1/simulations/%s/graph", simID)
	if err := c.do(ctx, http.MethodGet, path, nil, &g); err != nil {
		return nil, fmt.Errorf("get graph failed: %w", err)
	}
	return &g, nil
}

// GetEvents fetches the raw event stream for one node.
func (c *Client) GetEvents(ctx context.Context, simID, nodeID string) ([]json.RawMessage, error) {
	var events []json.RawMessage
	path := fmt.Sprintf("/v1/simulations/%s/nodes/%s/events", simID, nodeID)
	if err := c.do(ctx, http.MethodGet, path, nil, &events); err != nil {
		return nil, fmt.Errorf("get events failed: %w", err)
	}
	return events, nil
}

// GetState fetches the per-agent state snapshot for one node.
func (c *Client) GetState(ctx context.Context, simID, nodeID string) (*engine.State, error) {
	var st engine.State
	path := fmt.Sprintf("/v1/simulations/%s/nodes/%s/state", simID, nodeID)
	if err := c.do(ctx, http.MethodGet, path, nil, &st); err != nil {
		return nil, fmt.Errorf("get state failed: %w", err)
	}
	return &st, nil
}

// CreateExperiment registers a variant batch under baseNodeID.
func (c *Client) CreateExperiment(ctx context.Context, simID, name, baseNodeID string, variants []domain.Variant) (string, error) {
	var resp createExperimentResponse
	path := fmt.Sprintf("/v1/simulations/%s/experiments", simID)
	req := createExperimentRequest{Name: name, BaseNodeID: baseNodeID, Variants: variants}
	if err := c.do(ctx, http.MethodPost, path, req, &resp); err != nil {
		return "", fmt.Errorf("create experiment failed: %w", err)
	}
	return resp.ExperimentID, nil
}

// RunExperiment starts a created experiment. The mapping in the response is
// best-effort; engines may return node ids only via later GetExperiment polls.
func (c *Client) RunExperiment(ctx context.Context, simID, experimentID string, turns int) (*engine.RunResult, error) {
	var resp engine.RunResult
	path := fmt.Sprintf("/v1/simulations/%s/experiments/%s/run", simID, experimentID)
	if err := c.do(ctx, http.MethodPost, path, runExperimentRequest{Turns: turns}, &resp); err != nil {
		return nil, fmt.Errorf("run experiment failed: %w", err)
	}
	return &resp, nil
}

// GetExperiment fetches the engine's current view of an experiment's
// variants, including any node ids assigned so far.
func (c *Client) GetExperiment(ctx context.Context, simID, experimentID string) ([]domain.Variant, error) {
	var resp experimentResponse
	path := fmt.Sprintf("/v1/simulations/%s/experiments/%s", simID, experimentID)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("get experiment failed: %w", err)
	}
	return resp.Variants, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("engine request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("engine returned status %d: %s", resp.StatusCode, string(raw))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
