package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chadiek/voice-console/internal/agent"
	"github.com/chadiek/voice-console/internal/backend"
	"github.com/chadiek/voice-console/internal/transcript"
)

type fakeBackend struct {
	mu        sync.Mutex
	decision  backend.Decision
	execution backend.Execution
	executed  []string
}

func (f *fakeBackend) Interpret(context.Context, string, string, int) (backend.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.decision, nil
}

func (f *fakeBackend) Execute(_ context.Context, toolID string, _ map[string]any, _ string, _ int) (backend.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, toolID)
	return f.execution, nil
}

func (f *fakeBackend) tools() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.executed...)
}

type countingMetrics struct {
	mu             sync.Mutex
	opened, closed int
	rounds         []string
}

func (m *countingMetrics) RoundFinished(o string) {
	m.mu.Lock()
	m.rounds = append(m.rounds, o)
	m.mu.Unlock()
}
func (m *countingMetrics) ToolExecuted(string)            {}
func (m *countingMetrics) SpeechError()                   {}
func (m *countingMetrics) InterpretLatency(time.Duration) {}
func (m *countingMetrics) SessionOpened()                 { m.mu.Lock(); m.opened++; m.mu.Unlock() }
func (m *countingMetrics) SessionClosed()                 { m.mu.Lock(); m.closed++; m.mu.Unlock() }

func (m *countingMetrics) counts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opened, m.closed
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func testDeps(be agent.Backend) Deps {
	opts := agent.DefaultOptions()
	opts.Sleep = noSleep
	opts.ResetDelay = 20 * time.Millisecond
	opts.NewSessionID = func() string { return "session-relay" }
	return Deps{Backend: be, Session: opts, Logger: zerolog.Nop()}
}

func startServer(t *testing.T, d Deps) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewHandler(d))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, m Message) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(m))
}

// readUntil skips messages until match accepts one.
func readUntil(t *testing.T, ws *websocket.Conn, match func(Message) bool) Message {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		mt, data, err := ws.ReadMessage()
		require.NoError(t, err)
		if mt != websocket.TextMessage {
			continue
		}
		var m Message
		require.NoError(t, json.Unmarshal(data, &m))
		if match(m) {
			return m
		}
	}
}

func ofType(typ string) func(Message) bool {
	return func(m Message) bool { return m.Type == typ }
}

func inStatus(st agent.Status) func(Message) bool {
	return func(m Message) bool { return m.Type == TypeState && m.State != nil && m.State.Status == st }
}

func TestHandler_DirectResponseRound(t *testing.T) {
	be := &fakeBackend{decision: backend.Decision{Kind: backend.DecisionRespond, Content: "今天天气晴朗"}}
	met := &countingMetrics{}
	d := testDeps(be)
	d.Metrics = met
	ws := dial(t, startServer(t, d))

	first := readUntil(t, ws, ofType(TypeState))
	assert.Equal(t, "session-relay", first.State.SessionID)
	assert.Equal(t, agent.StatusIdle, first.State.Status)

	send(t, ws, Message{Type: TypeTranscript, Text: "今天天气怎么样"})
	speak := readUntil(t, ws, ofType(TypeSpeak))
	assert.Equal(t, "今天天气晴朗", speak.Text)
	assert.Equal(t, "zh-CN", speak.Lang)
	assert.NotZero(t, speak.ID)

	send(t, ws, Message{Type: TypeTTSDone, ID: speak.ID})
	idle := readUntil(t, ws, inStatus(agent.StatusIdle))
	require.Len(t, idle.State.Messages, 2)
	assert.Equal(t, "今天天气怎么样", idle.State.Messages[0].Content)
	assert.Equal(t, "今天天气晴朗", idle.State.Messages[1].Content)

	send(t, ws, Message{Type: TypeBye})
	require.Eventually(t, func() bool {
		opened, closed := met.counts()
		return opened == 1 && closed == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, met.rounds, agent.OutcomeLabelRespond)
}

func TestHandler_ConfirmFromClient(t *testing.T) {
	be := &fakeBackend{
		decision: backend.Decision{
			Kind:        backend.DecisionToolCalls,
			ToolCalls:   []backend.ToolCall{{ToolID: "light.on"}},
			ConfirmText: "确定要开灯吗？",
		},
		execution: backend.Execution{Success: true, Data: json.RawMessage(`{"summary":"灯已打开"}`)},
	}
	ws := dial(t, startServer(t, testDeps(be)))
	readUntil(t, ws, ofType(TypeState))

	send(t, ws, Message{Type: TypeTranscript, Text: "开灯"})
	prompt := readUntil(t, ws, ofType(TypeSpeak))
	assert.Equal(t, "确定要开灯吗？", prompt.Text)
	send(t, ws, Message{Type: TypeTTSDone, ID: prompt.ID})
	readUntil(t, ws, ofType(TypeStartListening))

	send(t, ws, Message{Type: TypeConfirm})
	result := readUntil(t, ws, ofType(TypeSpeak))
	assert.Equal(t, "灯已打开", result.Text)
	assert.Equal(t, []string{"light.on"}, be.tools())
}

func TestHandler_UnknownMessageType(t *testing.T) {
	ws := dial(t, startServer(t, testDeps(&fakeBackend{})))
	readUntil(t, ws, ofType(TypeState))

	send(t, ws, Message{Type: "dance"})
	m := readUntil(t, ws, ofType(TypeError))
	assert.Contains(t, m.Error, "dance")

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{nope")))
	m = readUntil(t, ws, ofType(TypeError))
	assert.Contains(t, m.Error, "invalid message")
}

func TestHandler_SpeechErrorReported(t *testing.T) {
	ws := dial(t, startServer(t, testDeps(&fakeBackend{})))
	readUntil(t, ws, ofType(TypeState))

	send(t, ws, Message{Type: TypeSpeechError, Error: "no-speech"})
	m := readUntil(t, ws, inStatus(agent.StatusError))
	require.NotNil(t, m.State.LastResponse)
	assert.Contains(t, m.State.LastResponse.Message, "no-speech")
	assert.Equal(t, 1, m.State.ErrorCount)
}

func TestHandler_CheckOrigin(t *testing.T) {
	d := testDeps(&fakeBackend{})
	d.AllowedOrigins = []string{"https://console.example.com"}
	srv := startServer(t, d)
	u := "ws" + strings.TrimPrefix(srv.URL, "http")

	hdr := http.Header{"Origin": {"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(u, hdr)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	hdr = http.Header{"Origin": {"https://console.example.com"}}
	ws, _, err := websocket.DefaultDialer.Dial(u, hdr)
	require.NoError(t, err)
	_ = ws.Close()
}

type fakeTranscriber struct {
	mu        sync.Mutex
	h         transcript.Handlers
	listening bool
	fed       int
	closed    bool
}

func (f *fakeTranscriber) Start() error {
	f.mu.Lock()
	f.listening = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTranscriber) Stop() {
	f.mu.Lock()
	f.listening = false
	f.mu.Unlock()
}

func (f *fakeTranscriber) Transcript() string { return "" }
func (f *fakeTranscriber) Err() error         { return nil }

func (f *fakeTranscriber) Listening() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listening
}

func (f *fakeTranscriber) Feed(pcm []byte) {
	f.mu.Lock()
	f.fed += len(pcm)
	f.mu.Unlock()
}

func (f *fakeTranscriber) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func TestHandler_ServerRecognition(t *testing.T) {
	be := &fakeBackend{decision: backend.Decision{Kind: backend.DecisionRespond, Content: "好的"}}
	tr := &fakeTranscriber{}
	d := testDeps(be)
	d.NewTranscriber = func(h transcript.Handlers) Transcriber {
		tr.mu.Lock()
		tr.h = h
		tr.mu.Unlock()
		return tr
	}
	ws := dial(t, startServer(t, d))
	readUntil(t, ws, ofType(TypeState))

	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, make([]byte, 3200)))
	require.Eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return tr.fed == 3200
	}, time.Second, 5*time.Millisecond)

	tr.mu.Lock()
	h := tr.h
	tr.mu.Unlock()
	h.OnPartial("你")
	assert.Equal(t, "你", readUntil(t, ws, ofType(TypePartial)).Text)

	h.OnFinal("你好")
	assert.Equal(t, "好的", readUntil(t, ws, ofType(TypeSpeak)).Text)

	send(t, ws, Message{Type: TypeBye})
	require.Eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return tr.closed
	}, time.Second, 5*time.Millisecond)
}
