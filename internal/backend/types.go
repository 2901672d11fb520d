package backend

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DefaultConfirmText is shown when the backend proposes tool calls without
// describing them.
const DefaultConfirmText = "您确定要执行此操作吗？"

// DecisionKind tags what the interpretation step decided to do.
type DecisionKind int

const (
	// DecisionUnknown means the response matched none of the known shapes.
	DecisionUnknown DecisionKind = iota
	// DecisionToolCalls proposes one or more tool calls that need confirmation.
	DecisionToolCalls
	// DecisionRespond is a direct spoken answer.
	DecisionRespond
	// DecisionConfirm carries confirmation text without tool calls.
	DecisionConfirm
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionToolCalls:
		return "tool_calls"
	case DecisionRespond:
		return "respond"
	case DecisionConfirm:
		return "confirm"
	default:
		return "unknown"
	}
}

// ToolCall names a backend capability and its parameters.
type ToolCall struct {
	ToolID     string         `json:"tool_id"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Decision is the classified result of an interpret call.
type Decision struct {
	Kind        DecisionKind
	SessionID   string
	ToolCalls   []ToolCall
	Content     string // DecisionRespond
	ConfirmText string // DecisionToolCalls, DecisionConfirm
	Raw         json.RawMessage
}

// interpretResponse is the wire shape; fields are optional and the backend
// has shipped both confirm_text and confirmText over time.
type interpretResponse struct {
	SessionID     string     `json:"sessionId,omitempty"`
	ToolCalls     []ToolCall `json:"tool_calls,omitempty"`
	Action        string     `json:"action,omitempty"`
	Content       string     `json:"content,omitempty"`
	ConfirmText   string     `json:"confirm_text,omitempty"`
	ConfirmTextCC string     `json:"confirmText,omitempty"`
}

// ParseDecision classifies a raw interpret response body.
func ParseDecision(body []byte) (Decision, error) {
	var r interpretResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return Decision{}, fmt.Errorf("decode interpret response: %w", err)
	}
	d := Decision{SessionID: r.SessionID, Raw: json.RawMessage(append([]byte(nil), body...))}
	confirm := firstNonEmpty(r.ConfirmText, r.ConfirmTextCC)
	switch {
	case len(r.ToolCalls) > 0:
		d.Kind = DecisionToolCalls
		d.ToolCalls = r.ToolCalls
		d.ConfirmText = firstNonEmpty(confirm, DefaultConfirmText)
	case r.Action == "respond" && r.Content != "":
		d.Kind = DecisionRespond
		d.Content = r.Content
	case firstNonEmpty(confirm, r.Content) != "":
		d.Kind = DecisionConfirm
		d.ConfirmText = firstNonEmpty(confirm, r.Content)
	default:
		d.Kind = DecisionUnknown
	}
	return d, nil
}

// ExecError is the failure detail of an execute call.
type ExecError struct {
	Message string `json:"message"`
}

// Execution is the result of running one tool call.
type Execution struct {
	SessionID string          `json:"sessionId,omitempty"`
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     *ExecError      `json:"error,omitempty"`
}

// HasData reports whether Data holds something other than an empty value.
func (e Execution) HasData() bool {
	switch strings.TrimSpace(string(e.Data)) {
	case "", "null", `""`, "false", "0":
		return false
	}
	return true
}

// ErrorMessage returns the backend-provided failure text, if any.
func (e Execution) ErrorMessage() string {
	if e.Error == nil {
		return ""
	}
	return e.Error.Message
}

// Intent is the output of the free-text intent classifier.
type Intent struct {
	Name       string          `json:"intent"`
	Confidence float64         `json:"confidence"`
	Raw        json.RawMessage `json:"-"`
}

// Health is the backend liveness report.
type Health struct {
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// OK reports whether the backend considers itself healthy.
func (h Health) OK() bool { return h.Status == "ok" }

// MCPServer is one tool server managed by the backend.
type MCPServer struct {
	Status          string `json:"status"`
	RestartCount    int    `json:"restart_count"`
	LastRestartTime string `json:"last_restart_time,omitempty"`
}

// MCPStatus summarises the backend's tool servers.
type MCPStatus struct {
	Servers map[string]MCPServer `json:"servers"`
	Summary struct {
		Running int `json:"running"`
		Total   int `json:"total"`
	} `json:"summary"`
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
