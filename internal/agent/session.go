package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chadiek/voice-console/internal/backend"
)

var (
	// ErrRoundInFlight is returned when a transcript arrives while a previous
	// round or tool execution is still running.
	ErrRoundInFlight = errors.New("agent: round already in flight")
	// ErrSessionNotReady is returned when no session id could be assigned.
	ErrSessionNotReady = errors.New("agent: session id not initialized")
	ErrClosed          = errors.New("agent: session closed")
)

// User-facing texts.
const (
	textSessionNotReady = "会话初始化失败，请刷新页面重试。"
	textInterpretFailed = "抱歉，理解您的指令时出错："
	textExecFailed      = "抱歉，执行操作时失败："
	textExecError       = "抱歉，执行操作时出错："
	textUnknownError    = "未知错误"
	textNetworkError    = "网络请求失败"
	textCancelled       = "好的，操作已取消。"
	textSpeechError     = "语音识别错误: "
	textSpeechTrouble   = "语音识别似乎遇到了持续问题，您可能需要检查麦克风权限或刷新页面。"
	textUnknownShown    = "收到未知格式的响应: "
	textUnknownSpoken   = "收到未知格式的响应，请检查控制台"
)

// Round outcomes reported to Metrics.
const (
	OutcomeLabelConfirm   = "confirm"
	OutcomeLabelRespond   = "respond"
	OutcomeLabelUnknown   = "unknown"
	OutcomeLabelFailed    = "interpret_error"
	OutcomeLabelAbandoned = "abandoned"
)

// Notice is the last informational or error line shown to the user.
type Notice struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Result is the outcome of the last tool execution.
type Result struct {
	Status  string          `json:"status"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Snapshot is a consistent copy of everything a UI renders. Version grows
// with every change.
type Snapshot struct {
	Version        uint64    `json:"version"`
	Status         Status    `json:"status"`
	SessionID      string    `json:"sessionId"`
	Messages       []Message `json:"messages"`
	LastTranscript string    `json:"lastTranscript,omitempty"`
	LastResponse   *Notice   `json:"lastResponse,omitempty"`
	Result         *Result   `json:"result,omitempty"`
	ConfirmOpen    bool      `json:"confirmOpen"`
	ConfirmText    string    `json:"confirmText,omitempty"`
	Confirming     bool      `json:"confirming"`
	CaptureEnabled bool      `json:"captureEnabled"`
	ErrorCount     int       `json:"errorCount"`
}

type Options struct {
	Stages         StageDurations
	ResetDelay     time.Duration
	ErrorThreshold int
	UserID         int
	// NewSessionID mints the client-side session id. An empty result leaves
	// the session unable to run rounds.
	NewSessionID func() string
	Sleep        SleepFunc
	Metrics      Metrics
	Logger       zerolog.Logger
	// OnChange receives snapshots in version order; stale ones are dropped.
	OnChange func(Snapshot)
}

func DefaultOptions() Options {
	return Options{
		Stages:         DefaultStageDurations(),
		ResetDelay:     5 * time.Second,
		ErrorThreshold: 3,
		UserID:         1,
		Logger:         zerolog.Nop(),
	}
}

func newSessionID() string { return "session-" + uuid.NewString() }

// Session orchestrates one user's voice conversation: speech in, backend
// interpretation, optional confirmation and tool execution, speech out.
type Session struct {
	rec     Recognizer
	syn     Synthesizer
	backend Backend
	opts    Options
	log     zerolog.Logger
	metrics Metrics
	history *History
	stages  *stageDriver

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	status         *statusMachine
	sessionID      string
	pending        *backend.Decision
	confirmOpen    bool
	confirmText    string
	prompt         *ConfirmPrompt
	confirming     bool
	roundActive    bool
	roundCancel    context.CancelFunc
	executing      bool
	turn           int
	errorCount     int
	lastTranscript string
	lastResponse   *Notice
	result         *Result
	resetTimer     *time.Timer
	resetGen       uint64
	speechGen      uint64
	version        uint64
	closed         bool

	pubMu     sync.Mutex
	published uint64
}

// NewSession constructs a Session and assigns its session id.
func NewSession(rec Recognizer, syn Synthesizer, be Backend, opts Options) *Session {
	def := DefaultOptions()
	if opts.Stages == (StageDurations{}) {
		opts.Stages = def.Stages
	}
	if opts.ResetDelay <= 0 {
		opts.ResetDelay = def.ResetDelay
	}
	if opts.ErrorThreshold <= 0 {
		opts.ErrorThreshold = def.ErrorThreshold
	}
	if opts.UserID == 0 {
		opts.UserID = def.UserID
	}
	if opts.NewSessionID == nil {
		opts.NewSessionID = newSessionID
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		rec:     rec,
		syn:     syn,
		backend: be,
		opts:    opts,
		metrics: opts.Metrics,
		history: NewHistory(),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.sessionID = opts.NewSessionID()
	s.log = opts.Logger.With().Str("session", s.sessionID).Logger()
	s.status = newStatusMachine(s.log)
	s.stages = &stageDriver{durations: opts.Stages, sleep: opts.Sleep, enter: s.transition}
	if s.sessionID == "" {
		s.log.Error().Msg("session id could not be assigned")
	}
	return s
}

// SessionID returns the id currently used for backend calls.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status.current()
}

func (s *Session) Messages() []Message { return s.history.Messages() }

// History exposes the conversation log.
func (s *Session) History() *History { return s.history }

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	s.version++
	st := s.status.current()
	return Snapshot{
		Version:        s.version,
		Status:         st,
		SessionID:      s.sessionID,
		Messages:       s.history.Messages(),
		LastTranscript: s.lastTranscript,
		LastResponse:   s.lastResponse,
		Result:         s.result,
		ConfirmOpen:    s.confirmOpen,
		ConfirmText:    s.confirmText,
		Confirming:     s.confirming,
		CaptureEnabled: st == StatusIdle || st == StatusListening,
		ErrorCount:     s.errorCount,
	}
}

// mutate applies fn under the lock and publishes the resulting snapshot.
func (s *Session) mutate(fn func()) {
	s.mu.Lock()
	fn()
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.publish(snap)
}

func (s *Session) publish(snap Snapshot) {
	if s.opts.OnChange == nil {
		return
	}
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	if snap.Version <= s.published {
		return
	}
	s.published = snap.Version
	s.opts.OnChange(snap)
}

func (s *Session) transition(t trigger) {
	s.mutate(func() { s.status.fire(t) })
}

// roundContext derives a context that also ends when the session closes.
func (s *Session) roundContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// HandleTranscript routes a final transcript to an open confirmation prompt
// if it is listening, and otherwise starts a new round.
func (s *Session) HandleTranscript(ctx context.Context, text string) error {
	s.mu.Lock()
	p := s.prompt
	s.mu.Unlock()
	if p != nil && p.HandleTranscript(text) {
		return nil
	}
	return s.OnVoiceResult(ctx, text)
}

// CaptureStarted marks the recognizer as capturing while the session is at rest.
func (s *Session) CaptureStarted() {
	s.mutate(func() {
		if s.prompt == nil && s.status.current() == StatusIdle {
			s.status.fire(triggerBegin)
		}
	})
}

// CaptureStopped returns an abandoned capture to idle.
func (s *Session) CaptureStopped() {
	s.mutate(func() {
		if !s.roundActive && s.status.current() == StatusListening {
			s.status.fire(triggerReset)
		}
	})
}

// OnVoiceResult runs one round for a final transcript: it records the user
// message, walks the progress stages around the interpret call and then
// either opens a confirmation, speaks a response or reports an error. It
// returns once the round has reached a resting point.
func (s *Session) OnVoiceResult(ctx context.Context, transcript string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.roundActive || s.executing {
		s.mu.Unlock()
		s.log.Warn().Str("transcript", transcript).Msg("round in flight, transcript dropped")
		return ErrRoundInFlight
	}
	s.stopResetTimerLocked()
	if transcript != "" {
		s.history.Append(RoleUser, transcript)
		s.errorCount = 0
	}
	sid := s.sessionID
	if sid == "" {
		s.status.fire(triggerFail)
		s.lastResponse = &Notice{Status: "error", Message: textSessionNotReady}
		snap := s.snapshotLocked()
		s.mu.Unlock()
		s.publish(snap)
		return ErrSessionNotReady
	}
	prompt := s.closeConfirmLocked()
	s.lastTranscript = transcript
	s.lastResponse = nil
	s.result = nil
	s.pending = nil
	s.confirming = false
	s.roundActive = true
	s.turn++
	turn := s.turn
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.publish(snap)

	if prompt != nil {
		prompt.Close()
	}
	if s.syn.Speaking() {
		s.syn.Cancel()
	}

	rctx, done := s.roundContext(ctx)
	s.mu.Lock()
	s.roundCancel = done
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.roundActive = false
		s.roundCancel = nil
		s.mu.Unlock()
		done()
	}()

	s.log.Info().Str("transcript", transcript).Int("turn", turn).Msg("round started")
	outcome := s.runRound(rctx, transcript, sid, turn)
	s.metrics.RoundFinished(outcome)
	return nil
}

func (s *Session) runRound(ctx context.Context, transcript, sid string, turn int) string {
	payload, err := s.history.Payload(transcript)
	if err != nil {
		s.failInterpret(err)
		return OutcomeLabelFailed
	}

	dec, err := s.stages.Decide(ctx, func(ctx context.Context) (backend.Decision, error) {
		start := time.Now()
		defer func() { s.metrics.InterpretLatency(time.Since(start)) }()
		return s.backend.Interpret(ctx, payload, sid, turn)
	})
	if err != nil {
		if ctx.Err() != nil {
			s.log.Debug().Err(err).Msg("round abandoned")
			return OutcomeLabelAbandoned
		}
		s.log.Warn().Err(err).Msg("interpret failed")
		s.failInterpret(err)
		return OutcomeLabelFailed
	}
	s.adoptSessionID(sid, dec.SessionID)
	s.log.Info().Str("decision", dec.Kind.String()).Int("tool_calls", len(dec.ToolCalls)).Msg("interpreted")

	switch dec.Kind {
	case backend.DecisionToolCalls, backend.DecisionConfirm:
		s.mutate(func() {
			d := dec
			s.pending = &d
			s.confirmText = dec.ConfirmText
			s.history.Append(RoleAI, dec.ConfirmText)
		})
		if err := s.stages.Complete(ctx); err != nil {
			return OutcomeLabelAbandoned
		}
		s.openConfirm(dec.ConfirmText)
		return OutcomeLabelConfirm

	case backend.DecisionRespond:
		if err := s.stages.Complete(ctx); err != nil {
			return OutcomeLabelAbandoned
		}
		s.mutate(func() {
			s.lastResponse = &Notice{Status: "info", Message: dec.Content}
			s.history.Append(RoleAI, dec.Content)
			s.status.fire(triggerSpeak)
		})
		s.speak(dec.Content, s.resetUIState)
		return OutcomeLabelRespond

	default:
		if err := s.stages.Complete(ctx); err != nil {
			return OutcomeLabelAbandoned
		}
		shown := textUnknownShown + string(dec.Raw)
		s.log.Warn().RawJSON("response", rawOrNull(dec.Raw)).Msg("unrecognized interpret response")
		s.mutate(func() {
			s.lastResponse = &Notice{Status: "info", Message: shown}
			s.history.Append(RoleAI, shown)
			s.status.fire(triggerSpeak)
		})
		s.speak(textUnknownSpoken, s.resetUIState)
		return OutcomeLabelUnknown
	}
}

func rawOrNull(b json.RawMessage) []byte {
	if len(b) == 0 || !json.Valid(b) {
		return []byte("null")
	}
	return b
}

func (s *Session) failInterpret(err error) {
	msg := textInterpretFailed + errText(err, textNetworkError)
	s.mutate(func() {
		s.lastResponse = &Notice{Status: "error", Message: msg}
		s.history.Append(RoleAI, msg)
		s.status.fire(triggerFail)
		s.scheduleResetLocked()
	})
	s.speak(msg, s.resetUIState)
}

func errText(err error, fallback string) string {
	if err == nil || err.Error() == "" {
		return fallback
	}
	return err.Error()
}

// adoptSessionID switches to the id the backend returned when it differs
// from the one the request used.
func (s *Session) adoptSessionID(used, returned string) {
	if returned == "" || returned == used {
		return
	}
	s.mutate(func() {
		s.log.Info().Str("from", s.sessionID).Str("to", returned).Msg("session id replaced by backend")
		s.sessionID = returned
	})
}

func (s *Session) openConfirm(text string) {
	var p *ConfirmPrompt
	p = newConfirmPrompt(text, s.rec, s.syn,
		func() { s.promptListening(p) },
		func(o Outcome) { s.promptOutcome(o) },
		s.log)
	s.mutate(func() {
		s.status.fire(triggerAwait)
		s.confirmOpen = true
		s.prompt = p
	})
	p.Open()
}

func (s *Session) promptListening(p *ConfirmPrompt) {
	s.mutate(func() {
		if s.prompt == p && s.confirmOpen {
			s.status.fire(triggerConfirmListen)
		}
	})
}

func (s *Session) promptOutcome(o Outcome) {
	switch o {
	case OutcomeConfirm:
		s.OnUserConfirm(s.ctx)
	case OutcomeRetry:
		s.OnUserRetry()
	case OutcomeCancel:
		s.OnUserCancel()
	}
}

func (s *Session) currentPrompt() *ConfirmPrompt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prompt
}

// Confirm answers the open confirmation with "confirm", through the prompt
// if one is active so that a single outcome is reported.
func (s *Session) Confirm(ctx context.Context) {
	if p := s.currentPrompt(); p != nil && p.Resolve(OutcomeConfirm) {
		return
	}
	s.OnUserConfirm(ctx)
}

func (s *Session) Retry() {
	if p := s.currentPrompt(); p != nil && p.Resolve(OutcomeRetry) {
		return
	}
	s.OnUserRetry()
}

func (s *Session) Cancel() {
	if p := s.currentPrompt(); p != nil && p.Resolve(OutcomeCancel) {
		return
	}
	s.OnUserCancel()
}

// OnUserConfirm executes the first pending tool call. Concurrent or repeated
// confirmations are ignored until the execution settles, and a confirm with
// no open confirmation does nothing.
func (s *Session) OnUserConfirm(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.confirming {
		s.mu.Unlock()
		s.log.Info().Msg("confirmation already in progress, ignoring")
		return
	}
	if !s.confirmOpen && s.prompt == nil {
		s.mu.Unlock()
		s.log.Info().Msg("no confirmation open, ignoring confirm")
		return
	}
	s.confirming = true
	prompt := s.closeConfirmLocked()
	pending := s.pending
	s.pending = nil
	sid := s.sessionID

	var call backend.ToolCall
	run := pending != nil && len(pending.ToolCalls) > 0
	if run {
		call = pending.ToolCalls[0]
		if extra := len(pending.ToolCalls) - 1; extra > 0 {
			s.log.Warn().Int("skipped", extra).Msg("only the first tool call is executed")
		}
		s.stopResetTimerLocked()
		s.status.fire(triggerRunTool)
		s.executing = true
	} else {
		s.status.fire(triggerReset)
		s.confirming = false
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.publish(snap)

	if prompt != nil {
		prompt.Close()
	}
	if s.syn.Speaking() {
		s.syn.Cancel()
	}
	if !run {
		if !s.rec.Listening() {
			if err := s.rec.Start(); err != nil {
				s.log.Warn().Err(err).Msg("restart listening")
			}
		}
		return
	}

	ectx, done := s.roundContext(ctx)
	defer done()
	s.executeTool(ectx, call, sid)
}

func (s *Session) executeTool(ctx context.Context, call backend.ToolCall, sid string) {
	defer func() {
		s.mu.Lock()
		s.executing = false
		s.mu.Unlock()
	}()

	s.log.Info().Str("tool", call.ToolID).Msg("executing tool")
	ex, err := s.backend.Execute(ctx, call.ToolID, call.Parameters, sid, s.opts.UserID)
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		s.log.Warn().Err(err).Str("tool", call.ToolID).Msg("execute failed")
		s.metrics.ToolExecuted("error")
		s.failExecution(textExecError + errText(err, textNetworkError))
		return
	}
	s.adoptSessionID(sid, ex.SessionID)

	if !ex.Success || !ex.HasData() {
		s.metrics.ToolExecuted("failure")
		msg := ex.ErrorMessage()
		if msg == "" {
			msg = textUnknownError
		}
		s.failExecution(textExecFailed + msg)
		return
	}

	s.metrics.ToolExecuted("success")
	text := SpokenResult(ex.Data)
	s.mutate(func() {
		s.result = &Result{Status: "success", Data: ex.Data}
		s.history.Append(RoleAI, text)
		s.status.fire(triggerSpeak)
	})
	s.speak(text, s.resetUIState)
}

func (s *Session) failExecution(msg string) {
	s.mutate(func() {
		s.result = &Result{Status: "error", Message: msg}
		s.history.Append(RoleAI, msg)
		s.status.fire(triggerFail)
		s.scheduleResetLocked()
	})
	s.speak(msg, s.resetUIState)
}

// OnUserRetry withdraws the pending action and the exchange that proposed it.
func (s *Session) OnUserRetry() {
	s.syn.Cancel()
	var prompt *ConfirmPrompt
	s.mutate(func() {
		prompt = s.closeConfirmLocked()
		if s.history.RemoveLastExchange(s.confirmText) {
			s.log.Debug().Msg("withdrew last exchange")
		}
		s.confirming = false
		s.pending = nil
		s.lastResponse = nil
		s.stopResetTimerLocked()
		s.status.fire(triggerReset)
	})
	if prompt != nil {
		prompt.Close()
	}
}

// OnUserCancel closes the confirmation, acknowledges aloud and resets.
func (s *Session) OnUserCancel() {
	var prompt *ConfirmPrompt
	s.mutate(func() {
		prompt = s.closeConfirmLocked()
		s.pending = nil
		s.confirming = false
	})
	if prompt != nil {
		prompt.Close()
	}
	s.speak(textCancelled, s.resetUIState)
}

// OnVoiceError reports a recognition failure. Reaching the error threshold
// speaks a single escalation message and starts counting again. A nil err
// falls back to the recognizer's own last error. While a round or tool
// execution is in flight the error is only counted, so the round's stages
// and any confirmation it opens are left alone.
func (s *Session) OnVoiceError(err error) {
	if err == nil {
		err = s.rec.Err()
	}
	s.metrics.SpeechError()
	escalate := false
	busy := false
	s.mutate(func() {
		if s.roundActive || s.executing {
			s.errorCount++
			busy = true
			return
		}
		s.status.fire(triggerFail)
		s.lastResponse = &Notice{Status: "error", Message: textSpeechError + errText(err, textUnknownError)}
		s.errorCount++
		if s.errorCount >= s.opts.ErrorThreshold {
			s.errorCount = 0
			escalate = true
			return
		}
		s.scheduleResetLocked()
	})
	if busy {
		s.log.Warn().Err(err).Msg("speech recognition error during round, counted only")
		return
	}
	s.log.Warn().Err(err).Bool("escalated", escalate).Msg("speech recognition error")
	if escalate {
		s.speak(textSpeechTrouble, nil)
	}
}

// Reset abandons a running round, returns the session to rest and forgets
// accumulated speech errors.
func (s *Session) Reset() {
	var abandon context.CancelFunc
	s.mutate(func() {
		s.errorCount = 0
		abandon = s.roundCancel
	})
	if abandon != nil {
		abandon()
	}
	s.syn.Cancel()
	s.resetUIState()
}

// ClearHistory empties the conversation log.
func (s *Session) ClearHistory() {
	s.mutate(func() {
		s.history.Clear()
		s.lastTranscript = ""
		s.lastResponse = nil
		s.result = nil
	})
}

func (s *Session) resetUIState() {
	var prompt *ConfirmPrompt
	s.mutate(func() {
		s.stopResetTimerLocked()
		s.status.fire(triggerReset)
		s.pending = nil
		prompt = s.closeConfirmLocked()
		s.result = nil
		s.confirming = false
		s.errorCount = 0
	})
	if prompt != nil {
		prompt.Close()
	}
}

// speak plays text. When it finishes on its own, then runs and a speaking or
// error status returns to idle. Superseded utterances do neither.
func (s *Session) speak(text string, then func()) {
	s.mu.Lock()
	s.speechGen++
	gen := s.speechGen
	s.mu.Unlock()

	s.syn.Speak(text, func() {
		s.mu.Lock()
		stale := gen != s.speechGen || s.closed
		s.mu.Unlock()
		if stale {
			return
		}
		if then != nil {
			then()
		}
		s.mutate(func() {
			if st := s.status.current(); st == StatusSpeaking || st == StatusError {
				s.status.fire(triggerReset)
			}
		})
	})
}

func (s *Session) closeConfirmLocked() *ConfirmPrompt {
	p := s.prompt
	s.prompt = nil
	s.confirmOpen = false
	return p
}

// scheduleResetLocked arms the single auto-reset timer.
func (s *Session) scheduleResetLocked() {
	s.stopResetTimerLocked()
	gen := s.resetGen
	s.resetTimer = time.AfterFunc(s.opts.ResetDelay, func() {
		s.mu.Lock()
		stale := gen != s.resetGen || s.closed
		if !stale {
			s.resetTimer = nil
		}
		s.mu.Unlock()
		if !stale {
			s.resetUIState()
		}
	})
}

func (s *Session) stopResetTimerLocked() {
	s.resetGen++
	if s.resetTimer != nil {
		s.resetTimer.Stop()
		s.resetTimer = nil
	}
}

// Close abandons any running round and stops speech and capture.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.stopResetTimerLocked()
	prompt := s.closeConfirmLocked()
	s.mu.Unlock()

	s.cancel()
	if prompt != nil {
		prompt.Close()
	}
	s.syn.Cancel()
	if s.rec.Listening() {
		s.rec.Stop()
	}
	s.log.Debug().Msg("session closed")
}
