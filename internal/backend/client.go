// Package backend is the HTTP client for the interpretation and tool
// execution service.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// APIError is returned for non-2xx responses.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend error: status=%d body=%s", e.Status, e.Body)
}

type Client struct {
	HTTPClient *http.Client
	BaseURL    string
	Token      string
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		HTTPClient: &http.Client{Timeout: timeout},
		BaseURL:    strings.TrimRight(baseURL, "/"),
	}
}

type interpretRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"sessionId"`
	Turn      int    `json:"turn"`
}

type executeRequest struct {
	ToolID    string         `json:"tool_id"`
	Params    map[string]any `json:"params"`
	SessionID string         `json:"sessionId"`
	UserID    int            `json:"userId"`
}

type classifyRequest struct {
	Text string `json:"text"`
}

// Interpret sends the serialized conversation and returns the classified decision.
func (c *Client) Interpret(ctx context.Context, conversation, sessionID string, turn int) (Decision, error) {
	body, err := c.do(ctx, http.MethodPost, "/interpret", interpretRequest{Query: conversation, SessionID: sessionID, Turn: turn})
	if err != nil {
		return Decision{}, fmt.Errorf("interpret: %w", err)
	}
	return ParseDecision(body)
}

// Execute runs one tool call. A decoded success=false result is returned
// without error; transport and status failures are errors.
func (c *Client) Execute(ctx context.Context, toolID string, params map[string]any, sessionID string, userID int) (Execution, error) {
	if params == nil {
		params = map[string]any{}
	}
	body, err := c.do(ctx, http.MethodPost, "/execute", executeRequest{ToolID: toolID, Params: params, SessionID: sessionID, UserID: userID})
	if err != nil {
		return Execution{}, fmt.Errorf("execute %s: %w", toolID, err)
	}
	var ex Execution
	if err := json.Unmarshal(body, &ex); err != nil {
		return Execution{}, fmt.Errorf("execute %s: decode: %w", toolID, err)
	}
	return ex, nil
}

// ClassifyIntent asks the backend which intent a free-text utterance carries.
func (c *Client) ClassifyIntent(ctx context.Context, text string) (Intent, error) {
	body, err := c.do(ctx, http.MethodPost, "/intent/classify", classifyRequest{Text: text})
	if err != nil {
		return Intent{}, fmt.Errorf("classify intent: %w", err)
	}
	var in Intent
	if err := json.Unmarshal(body, &in); err != nil {
		return Intent{}, fmt.Errorf("classify intent: decode: %w", err)
	}
	in.Raw = json.RawMessage(body)
	return in, nil
}

// Health fetches the backend liveness report.
func (c *Client) Health(ctx context.Context) (Health, error) {
	body, err := c.do(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return Health{}, fmt.Errorf("health: %w", err)
	}
	var h Health
	if err := json.Unmarshal(body, &h); err != nil {
		return Health{}, fmt.Errorf("health: decode: %w", err)
	}
	return h, nil
}

// MCPStatus fetches the state of the backend's tool servers.
func (c *Client) MCPStatus(ctx context.Context) (MCPStatus, error) {
	body, err := c.do(ctx, http.MethodGet, "/mcp/status", nil)
	if err != nil {
		return MCPStatus{}, fmt.Errorf("mcp status: %w", err)
	}
	var env struct {
		Data MCPStatus `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return MCPStatus{}, fmt.Errorf("mcp status: decode: %w", err)
	}
	return env.Data, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	if c.BaseURL == "" {
		return nil, errors.New("backend url missing")
	}
	var rd io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return body, nil
}
