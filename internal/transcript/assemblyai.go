// Package transcript streams 16 kHz PCM to AssemblyAI and turns its running
// transcript into final utterances using silence detection.
package transcript

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const DefaultEndpoint = "wss://streaming.assemblyai.com/v3/ws"

// Timing controls end-of-utterance detection.
type Timing struct {
	// Silence is the inactivity window before an utterance is complete.
	Silence time.Duration
	// Continuation is added to Silence when the text ends in a word that
	// usually leads into more speech.
	Continuation time.Duration
	// Grace absorbs late transcript updates after the window elapses.
	Grace time.Duration
}

func DefaultTiming() Timing {
	return Timing{
		Silence:      700 * time.Millisecond,
		Continuation: 1200 * time.Millisecond,
		Grace:        250 * time.Millisecond,
	}
}

// Handlers receive recognition events. They are called from background
// goroutines and must not block for long.
type Handlers struct {
	OnPartial func(text string)
	OnFinal   func(text string)
	OnError   func(err error)
}

type Options struct {
	Endpoint string
	Timing   Timing
	Logger   zerolog.Logger
}

// AssemblyAI is a streaming recognizer. Audio is forwarded only while
// listening; each completed utterance stops listening, the way a
// single-shot browser recognizer does.
type AssemblyAI struct {
	apiKey   string
	endpoint string
	timing   Timing
	handlers Handlers
	log      zerolog.Logger

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
	listening bool
	lastErr   error
	audio     chan []byte
	stopCh    chan struct{}
	writeMu   sync.Mutex

	accMu      sync.Mutex
	latest     string
	committed  string
	lastUpdate time.Time
	lastVoice  time.Time
	silence    *time.Timer
}

type beginMessage struct {
	ID        string `json:"id"`
	ExpiresAt int64  `json:"expires_at"`
}

type turnMessage struct {
	Transcript    string `json:"transcript"`
	TurnFormatted bool   `json:"turn_is_formatted"`
}

type terminationMessage struct {
	AudioDurationSeconds   float64 `json:"audio_duration_seconds"`
	SessionDurationSeconds float64 `json:"session_duration_seconds"`
}

type errorMessage struct {
	Error string `json:"error"`
}

func NewAssemblyAI(apiKey string, h Handlers, opts Options) *AssemblyAI {
	if opts.Endpoint == "" {
		opts.Endpoint = DefaultEndpoint
	}
	if opts.Timing == (Timing{}) {
		opts.Timing = DefaultTiming()
	}
	return &AssemblyAI{
		apiKey:   apiKey,
		endpoint: opts.Endpoint,
		timing:   opts.Timing,
		handlers: h,
		log:      opts.Logger,
	}
}

// Start connects on first use and begins a new utterance.
func (s *AssemblyAI) Start() error {
	if err := s.connect(); err != nil {
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
		return err
	}
	s.accMu.Lock()
	s.committed = s.latest
	s.lastUpdate = time.Now()
	s.accMu.Unlock()

	s.mu.Lock()
	s.listening = true
	s.lastErr = nil
	s.mu.Unlock()
	return nil
}

// Stop ends the current utterance and delivers whatever was heard.
func (s *AssemblyAI) Stop() {
	s.mu.Lock()
	was := s.listening
	s.listening = false
	s.mu.Unlock()
	if was {
		s.flushPending()
	}
}

func (s *AssemblyAI) Listening() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listening
}

func (s *AssemblyAI) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Transcript returns the text of the current utterance heard so far.
func (s *AssemblyAI) Transcript() string {
	s.accMu.Lock()
	defer s.accMu.Unlock()
	return delta(s.latest, s.committed)
}

func (s *AssemblyAI) connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return nil
	}
	if s.apiKey == "" {
		return errors.New("assemblyai: api key is empty")
	}

	params := url.Values{}
	params.Set("sample_rate", "16000")
	params.Set("format_turns", "false")
	params.Set("encoding", "pcm_s16le")
	wsURL := s.endpoint + "?" + params.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.Dial(wsURL, http.Header{"Authorization": {s.apiKey}})
	if err != nil {
		if resp != nil {
			return fmt.Errorf("assemblyai: connect: status %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("assemblyai: connect: %w", err)
	}

	s.conn = conn
	s.connected = true
	s.audio = make(chan []byte, 1000)
	s.stopCh = make(chan struct{})
	s.accMu.Lock()
	s.lastUpdate = time.Now()
	s.lastVoice = time.Now()
	s.accMu.Unlock()

	go s.readLoop(conn, s.stopCh)
	go s.writeLoop(conn, s.audio, s.stopCh)
	s.log.Info().Str("endpoint", s.endpoint).Msg("assemblyai connected")
	return nil
}

// Feed queues 16-bit little-endian mono PCM at 16 kHz. Audio outside an
// utterance is discarded.
func (s *AssemblyAI) Feed(pcm []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.connected || !s.listening {
		return
	}
	s.detectVoiceActivity(pcm)
	select {
	case s.audio <- pcm:
	default:
		s.log.Warn().Msg("assemblyai: audio buffer full, dropping frame")
	}
}

// detectVoiceActivity records the time of the last frame with speech energy.
func (s *AssemblyAI) detectVoiceActivity(pcm []byte) {
	const minSamples = 160 // 10ms
	if len(pcm) < minSamples*2 {
		return
	}
	step := 2
	if len(pcm) > 3200 {
		step = 4
	}
	var sumSquares float64
	count := 0
	for i := 0; i+1 < len(pcm); i += 2 * step {
		v := int16(binary.LittleEndian.Uint16(pcm[i : i+2]))
		sumSquares += float64(v) * float64(v)
		count++
	}
	if count == 0 {
		return
	}
	const voiceRMS = 250.0
	if math.Sqrt(sumSquares/float64(count)) >= voiceRMS {
		s.accMu.Lock()
		s.lastVoice = time.Now()
		s.accMu.Unlock()
	}
}

// RecentlyDetectedVoice reports whether speech energy was seen within window.
func (s *AssemblyAI) RecentlyDetectedVoice(window time.Duration) bool {
	s.accMu.Lock()
	last := s.lastVoice
	s.accMu.Unlock()
	return time.Since(last) <= window
}

// Close terminates the streaming session.
func (s *AssemblyAI) Close() error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return nil
	}
	close(s.stopCh)
	conn := s.conn
	s.conn = nil
	s.connected = false
	s.listening = false
	s.mu.Unlock()

	s.accMu.Lock()
	if s.silence != nil {
		s.silence.Stop()
		s.silence = nil
	}
	s.accMu.Unlock()

	s.writeMu.Lock()
	_ = conn.WriteJSON(map[string]string{"type": "Terminate"})
	s.writeMu.Unlock()
	err := conn.Close()
	s.log.Info().Msg("assemblyai connection closed")
	return err
}

func (s *AssemblyAI) readLoop(conn *websocket.Conn, stop <-chan struct{}) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-stop:
			default:
				s.fail(fmt.Errorf("assemblyai: read: %w", err))
			}
			return
		}
		s.processMessage(msg)
	}
}

func (s *AssemblyAI) writeLoop(conn *websocket.Conn, audio <-chan []byte, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case pcm := <-audio:
			s.writeMu.Lock()
			err := conn.WriteMessage(websocket.BinaryMessage, pcm)
			s.writeMu.Unlock()
			if err != nil {
				s.fail(fmt.Errorf("assemblyai: send audio: %w", err))
				return
			}
		}
	}
}

func (s *AssemblyAI) fail(err error) {
	s.mu.Lock()
	s.lastErr = err
	wasListening := s.listening
	s.listening = false
	s.mu.Unlock()
	s.log.Warn().Err(err).Msg("assemblyai stream failed")
	if wasListening && s.handlers.OnError != nil {
		s.handlers.OnError(err)
	}
}

func (s *AssemblyAI) processMessage(message []byte) {
	var base struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(message, &base); err != nil {
		s.log.Warn().Err(err).Msg("assemblyai: bad message")
		return
	}
	switch base.Type {
	case "Begin":
		var msg beginMessage
		if err := json.Unmarshal(message, &msg); err == nil {
			s.log.Debug().Str("id", msg.ID).Time("expires", time.Unix(msg.ExpiresAt, 0)).Msg("assemblyai session began")
		}
	case "Turn":
		var msg turnMessage
		if err := json.Unmarshal(message, &msg); err != nil || msg.Transcript == "" {
			return
		}
		s.accMu.Lock()
		s.latest = msg.Transcript
		s.lastUpdate = time.Now()
		if s.silence == nil {
			s.silence = time.AfterFunc(s.timing.Silence, s.finalizeOnSilence)
		} else {
			s.silence.Reset(s.timing.Silence)
		}
		partial := delta(s.latest, s.committed)
		s.accMu.Unlock()
		if partial != "" && s.Listening() && s.handlers.OnPartial != nil {
			s.handlers.OnPartial(partial)
		}
	case "Termination":
		var msg terminationMessage
		if err := json.Unmarshal(message, &msg); err == nil {
			s.log.Debug().Float64("audio_s", msg.AudioDurationSeconds).Float64("session_s", msg.SessionDurationSeconds).Msg("assemblyai session terminated")
		}
		s.flushPending()
	case "Error":
		var msg errorMessage
		_ = json.Unmarshal(message, &msg)
		s.fail(fmt.Errorf("assemblyai: %s", msg.Error))
	default:
		s.log.Debug().Str("type", base.Type).Msg("assemblyai: unknown message")
	}
}

// threshold returns the silence window for text.
func (s *AssemblyAI) threshold(text string) time.Duration {
	if isContinuationLikely(text) {
		return s.timing.Silence + s.timing.Continuation
	}
	return s.timing.Silence
}

func (s *AssemblyAI) rearmLocked(wait time.Duration) {
	if wait < 10*time.Millisecond {
		wait = 10 * time.Millisecond
	}
	if s.silence == nil {
		s.silence = time.AfterFunc(wait, s.finalizeOnSilence)
		return
	}
	s.silence.Reset(wait)
}

// finalizeOnSilence completes the utterance once neither text nor voice
// energy has changed for the silence window.
func (s *AssemblyAI) finalizeOnSilence() {
	s.accMu.Lock()
	now := time.Now()
	th := s.threshold(s.latest)
	sinceText, sinceVoice := now.Sub(s.lastUpdate), now.Sub(s.lastVoice)
	if sinceText < th || sinceVoice < th {
		wait := th - sinceText
		if rem := th - sinceVoice; rem > wait {
			wait = rem
		}
		s.rearmLocked(wait)
		s.accMu.Unlock()
		return
	}
	seen := s.lastUpdate
	s.accMu.Unlock()

	time.Sleep(s.timing.Grace)

	s.accMu.Lock()
	if s.lastUpdate.After(seen) {
		s.rearmLocked(s.threshold(s.latest) - time.Since(s.lastUpdate))
		s.accMu.Unlock()
		return
	}
	s.accMu.Unlock()

	if !s.Listening() {
		return
	}
	s.mu.Lock()
	s.listening = false
	s.mu.Unlock()
	s.flushPending()
}

// flushPending delivers the uncommitted part of the transcript, if any.
func (s *AssemblyAI) flushPending() {
	s.accMu.Lock()
	d := delta(s.latest, s.committed)
	s.committed = s.latest
	s.accMu.Unlock()
	if d == "" || s.handlers.OnFinal == nil {
		return
	}
	s.handlers.OnFinal(d)
}

// delta returns the part of latest not already covered by committed.
func delta(latest, committed string) string {
	d := strings.TrimSpace(strings.TrimPrefix(latest, committed))
	if d == "" && committed != "" {
		if idx := strings.LastIndex(latest, committed); idx >= 0 {
			d = strings.TrimSpace(latest[idx+len(committed):])
		}
	}
	return d
}

// isContinuationLikely reports whether text ends in a word that usually
// leads into more speech.
func isContinuationLikely(text string) bool {
	trim := strings.TrimRightFunc(strings.TrimSpace(text), unicode.IsPunct)
	for _, w := range cjkContinuations {
		if strings.HasSuffix(trim, w) {
			return true
		}
	}
	w := lastWord(text)
	if w == "" {
		return false
	}
	_, ok := continuationWords[w]
	return ok
}

func lastWord(text string) string {
	fields := strings.FieldsFunc(strings.TrimSpace(text), func(r rune) bool { return !unicode.IsLetter(r) })
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[len(fields)-1])
}

var continuationWords = map[string]struct{}{
	"and": {}, "or": {}, "but": {}, "nor": {}, "yet": {}, "so": {},
	"if": {}, "when": {}, "while": {}, "though": {}, "although": {},
	"because": {}, "since": {}, "unless": {}, "until": {}, "whereas": {},
	"also": {}, "plus": {}, "um": {}, "uh": {}, "like": {},
	"about": {}, "with": {}, "to": {}, "of": {}, "for": {}, "on": {}, "in": {}, "at": {},
}

var cjkContinuations = []string{"和", "或者", "然后", "还有", "而且", "但是", "因为", "如果", "就是", "那个", "嗯", "把", "给"}
