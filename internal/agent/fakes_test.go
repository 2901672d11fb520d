package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chadiek/voice-console/internal/backend"
)

type fakeRecognizer struct {
	mu        sync.Mutex
	starts    int
	stops     int
	listening bool
	startErr  error
	err       error
}

func (f *fakeRecognizer) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.startErr != nil {
		return f.startErr
	}
	f.listening = true
	return nil
}

func (f *fakeRecognizer) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.listening = false
}

func (f *fakeRecognizer) Transcript() string { return "" }

func (f *fakeRecognizer) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeRecognizer) Listening() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listening
}

func (f *fakeRecognizer) counts() (starts, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops
}

// fakeSynth finishes every utterance immediately when auto is set. Otherwise
// the current utterance stays in flight until finish is called; a new Speak
// or Cancel drops it without calling its onDone.
type fakeSynth struct {
	mu       sync.Mutex
	auto     bool
	spoken   []string
	current  func()
	speaking bool
	cancels  int
}

func (f *fakeSynth) Speak(text string, onDone func()) {
	f.mu.Lock()
	f.spoken = append(f.spoken, text)
	if f.auto {
		f.mu.Unlock()
		if onDone != nil {
			onDone()
		}
		return
	}
	f.current = onDone
	f.speaking = true
	f.mu.Unlock()
}

func (f *fakeSynth) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	f.current = nil
	f.speaking = false
}

func (f *fakeSynth) Speaking() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.speaking
}

// finish completes the in-flight utterance and reports whether there was one.
func (f *fakeSynth) finish() bool {
	f.mu.Lock()
	done := f.current
	f.current = nil
	f.speaking = false
	f.mu.Unlock()
	if done == nil {
		return false
	}
	done()
	return true
}

func (f *fakeSynth) utterances() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.spoken...)
}

type interpretCall struct {
	conversation string
	sessionID    string
	turn         int
}

type executeCall struct {
	toolID    string
	params    map[string]any
	sessionID string
	userID    int
}

type fakeBackend struct {
	mu         sync.Mutex
	interpret  func(ctx context.Context, conversation, sessionID string, turn int) (backend.Decision, error)
	execute    func(ctx context.Context, toolID string, params map[string]any, sessionID string, userID int) (backend.Execution, error)
	interprets []interpretCall
	executes   []executeCall
}

func (f *fakeBackend) Interpret(ctx context.Context, conversation, sessionID string, turn int) (backend.Decision, error) {
	f.mu.Lock()
	f.interprets = append(f.interprets, interpretCall{conversation, sessionID, turn})
	fn := f.interpret
	f.mu.Unlock()
	if fn == nil {
		return backend.Decision{}, nil
	}
	return fn(ctx, conversation, sessionID, turn)
}

func (f *fakeBackend) Execute(ctx context.Context, toolID string, params map[string]any, sessionID string, userID int) (backend.Execution, error) {
	f.mu.Lock()
	f.executes = append(f.executes, executeCall{toolID, params, sessionID, userID})
	fn := f.execute
	f.mu.Unlock()
	if fn == nil {
		return backend.Execution{}, nil
	}
	return fn(ctx, toolID, params, sessionID, userID)
}

func (f *fakeBackend) interpretCalls() []interpretCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]interpretCall(nil), f.interprets...)
}

func (f *fakeBackend) executeCalls() []executeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]executeCall(nil), f.executes...)
}

func decisionFrom(t *testing.T, body string) backend.Decision {
	t.Helper()
	d, err := backend.ParseDecision([]byte(body))
	require.NoError(t, err)
	return d
}

func respondWith(d backend.Decision) func(context.Context, string, string, int) (backend.Decision, error) {
	return func(context.Context, string, string, int) (backend.Decision, error) { return d, nil }
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

// statusRecorder collects the distinct consecutive statuses a session publishes.
type statusRecorder struct {
	mu       sync.Mutex
	statuses []Status
	last     Snapshot
}

func (r *statusRecorder) observe(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = s
	if n := len(r.statuses); n == 0 || r.statuses[n-1] != s.Status {
		r.statuses = append(r.statuses, s.Status)
	}
}

func (r *statusRecorder) seen() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.statuses...)
}

type harness struct {
	sess *Session
	rec  *fakeRecognizer
	syn  *fakeSynth
	be   *fakeBackend
	obs  *statusRecorder
}

func newHarness(t *testing.T, autoSpeak bool, tweak ...func(*Options)) *harness {
	t.Helper()
	h := &harness{
		rec: &fakeRecognizer{},
		syn: &fakeSynth{auto: autoSpeak},
		be:  &fakeBackend{},
		obs: &statusRecorder{},
	}
	opts := DefaultOptions()
	opts.Sleep = noSleep
	opts.ResetDelay = 50 * time.Millisecond
	opts.NewSessionID = func() string { return "session-test" }
	opts.OnChange = h.obs.observe
	for _, fn := range tweak {
		fn(&opts)
	}
	h.sess = NewSession(h.rec, h.syn, h.be, opts)
	t.Cleanup(h.sess.Close)
	return h
}

func contents(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = string(m.Role) + ":" + m.Content
	}
	return out
}
