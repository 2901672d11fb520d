package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDecision(t *testing.T) {
	cases := []struct {
		name      string
		body      string
		kind      DecisionKind
		confirm   string
		content   string
		toolCalls int
		sessionID string
	}{
		{
			name:      "tool_calls_with_confirm_text",
			body:      `{"sessionId":"srv-1","tool_calls":[{"tool_id":"light.on","parameters":{"room":"living_room"}}],"confirm_text":"确定要打开客厅的灯吗？"}`,
			kind:      DecisionToolCalls,
			confirm:   "确定要打开客厅的灯吗？",
			toolCalls: 1,
			sessionID: "srv-1",
		},
		{
			name:      "tool_calls_camel_confirm",
			body:      `{"tool_calls":[{"tool_id":"a"},{"tool_id":"b"}],"confirmText":"ok?"}`,
			kind:      DecisionToolCalls,
			confirm:   "ok?",
			toolCalls: 2,
		},
		{
			name:      "tool_calls_default_confirm",
			body:      `{"tool_calls":[{"tool_id":"a"}]}`,
			kind:      DecisionToolCalls,
			confirm:   DefaultConfirmText,
			toolCalls: 1,
		},
		{
			name:    "respond",
			body:    `{"action":"respond","content":"你好"}`,
			kind:    DecisionRespond,
			content: "你好",
		},
		{
			name: "respond_without_content_falls_to_unknown",
			body: `{"action":"respond"}`,
			kind: DecisionUnknown,
		},
		{
			name:    "confirm_only",
			body:    `{"confirm_text":"要继续吗？","tool_calls":[]}`,
			kind:    DecisionConfirm,
			confirm: "要继续吗？",
		},
		{
			name:    "content_without_action_is_confirm",
			body:    `{"content":"请确认"}`,
			kind:    DecisionConfirm,
			confirm: "请确认",
		},
		{
			name: "unknown",
			body: `{"foo":"bar"}`,
			kind: DecisionUnknown,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, err := ParseDecision([]byte(tc.body))
			require.NoError(t, err)
			assert.Equal(t, tc.kind, d.Kind)
			assert.Equal(t, tc.confirm, d.ConfirmText)
			assert.Equal(t, tc.content, d.Content)
			assert.Len(t, d.ToolCalls, tc.toolCalls)
			assert.Equal(t, tc.sessionID, d.SessionID)
			assert.JSONEq(t, tc.body, string(d.Raw))
		})
	}
}

func TestParseDecision_BadJSON(t *testing.T) {
	_, err := ParseDecision([]byte("not-json"))
	require.Error(t, err)
}

func TestExecution_HasData(t *testing.T) {
	for raw, want := range map[string]bool{
		``:                false,
		`null`:            false,
		`""`:              false,
		`false`:           false,
		`0`:               false,
		`"done"`:          true,
		`{"summary":"x"}`: true,
		`[]`:              true,
		`{}`:              true,
	} {
		assert.Equal(t, want, Execution{Data: json.RawMessage(raw)}.HasData(), "data %q", raw)
	}
}

func TestClient_Interpret(t *testing.T) {
	var got interpretRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/interpret", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"action":"respond","content":"hi"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/api/", time.Second)
	d, err := c.Interpret(context.Background(), `[{"user":"hello"}]`, "session-1", 2)
	require.NoError(t, err)
	assert.Equal(t, DecisionRespond, d.Kind)
	assert.Equal(t, "hi", d.Content)
	assert.Equal(t, `[{"user":"hello"}]`, got.Query)
	assert.Equal(t, "session-1", got.SessionID)
	assert.Equal(t, 2, got.Turn)
}

func TestClient_Execute(t *testing.T) {
	var got executeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/execute", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"sessionId":"srv-2","success":true,"data":{"summary":"已打开客厅的灯"}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	ex, err := c.Execute(context.Background(), "light.on", map[string]any{"room": "living_room"}, "session-1", 1)
	require.NoError(t, err)
	assert.True(t, ex.Success)
	assert.Equal(t, "srv-2", ex.SessionID)
	assert.JSONEq(t, `{"summary":"已打开客厅的灯"}`, string(ex.Data))
	assert.Equal(t, "light.on", got.ToolID)
	assert.Equal(t, "living_room", got.Params["room"])
	assert.Equal(t, 1, got.UserID)
}

func TestClient_ExecuteFailureResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"error":{"message":"设备离线"}}`))
	}))
	defer srv.Close()

	ex, err := NewClient(srv.URL, time.Second).Execute(context.Background(), "light.on", nil, "s", 1)
	require.NoError(t, err)
	assert.False(t, ex.Success)
	assert.Equal(t, "设备离线", ex.ErrorMessage())
}

func TestClient_HTTPFailures(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"status_non_2xx", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(500); _, _ = w.Write([]byte("oops")) }},
		{"bad_json", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("not-json")) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()
			c := NewClient(srv.URL, time.Second)
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if _, err := c.Interpret(ctx, "[]", "s", 1); err == nil {
				t.Fatalf("expected error; got nil")
			}
		})
	}
}

func TestClient_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, time.Second).Health(context.Background())
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)
	assert.Equal(t, "upstream down", apiErr.Body)
}

func TestClient_NoBaseURL(t *testing.T) {
	_, err := NewClient("", time.Second).Interpret(context.Background(), "[]", "s", 1)
	require.Error(t, err)
}

func TestClient_HealthAndMCPStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok","timestamp":1700000000}`))
	})
	mux.HandleFunc("/mcp/status", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"servers":{"weather":{"status":"running","restart_count":2}},"summary":{"running":1,"total":2}}}`))
	})
	mux.HandleFunc("/intent/classify", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"intent":"light_control","confidence":0.92}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	c := NewClient(srv.URL, time.Second)
	ctx := context.Background()

	h, err := c.Health(ctx)
	require.NoError(t, err)
	assert.True(t, h.OK())
	assert.EqualValues(t, 1700000000, h.Timestamp)

	st, err := c.MCPStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Summary.Running)
	assert.Equal(t, 2, st.Summary.Total)
	assert.Equal(t, 2, st.Servers["weather"].RestartCount)

	in, err := c.ClassifyIntent(ctx, "打开客厅的灯")
	require.NoError(t, err)
	assert.Equal(t, "light_control", in.Name)
	assert.InDelta(t, 0.92, in.Confidence, 1e-9)
}
