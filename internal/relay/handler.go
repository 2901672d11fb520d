package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/chadiek/voice-console/internal/agent"
	"github.com/chadiek/voice-console/internal/archive"
	"github.com/chadiek/voice-console/internal/transcript"
	"github.com/chadiek/voice-console/internal/tts"
)

// Transcriber is a server-side recognizer fed with client audio.
type Transcriber interface {
	agent.Recognizer
	Feed(pcm []byte)
	Close() error
}

// Metrics extends the session metrics with connection accounting.
type Metrics interface {
	agent.Metrics
	SessionOpened()
	SessionClosed()
}

// Deps configures a Handler. Zero-valued optional fields fall back to the
// browser's own speech engines and to no-op observers.
type Deps struct {
	Backend agent.Backend
	// Session is the template for per-connection session options. Logger,
	// Metrics and OnChange are set by the handler.
	Session        agent.Options
	AllowedOrigins []string
	ArchiveOnClose bool
	Archiver       *archive.Archiver
	Metrics        Metrics
	Logger         zerolog.Logger

	// Streamer enables server-side synthesis.
	Streamer tts.Streamer
	// NewTranscriber enables server-side recognition.
	NewTranscriber func(h transcript.Handlers) Transcriber
}

// Handler upgrades requests to websockets and runs one session per socket.
type Handler struct {
	deps     Deps
	upgrader websocket.Upgrader
}

func NewHandler(d Deps) *Handler {
	if d.Metrics == nil {
		d.Metrics = nopMetrics{}
	}
	h := &Handler{deps: d}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  65536,
		WriteBufferSize: 65536,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// checkOrigin allows every origin when none are configured.
func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.deps.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range h.deps.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, u.Host) {
			return true
		}
	}
	return false
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.deps.Logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("ws upgrade failed")
		return
	}
	c := h.open(ws)
	c.serve()
}

// client is one connected tab and its session.
type client struct {
	h    *Handler
	conn *Conn
	ws   *websocket.Conn
	log  zerolog.Logger
	sess *agent.Session

	// Exactly one of each pair is set.
	browserRec *browserRecognizer
	tr         Transcriber
	browserSyn *browserSynth
	pacer      *framePacer

	opened time.Time
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

type serverRecognizer struct {
	Transcriber
	conn *Conn
}

// Start also tells the client to stream microphone audio.
func (r *serverRecognizer) Start() error {
	if err := r.Transcriber.Start(); err != nil {
		return err
	}
	return r.conn.Send(Message{Type: TypeStartListening, Lang: speechLang})
}

func (r *serverRecognizer) Stop() {
	r.Transcriber.Stop()
	_ = r.conn.Send(Message{Type: TypeStopListening})
}

type serverSynth struct {
	*tts.Speaker
	conn *Conn
}

// Speak sends the text along for captions; audio follows as binary frames.
func (s *serverSynth) Speak(text string, onDone func()) {
	_ = s.conn.Send(Message{Type: TypeSpeak, Text: text, Lang: speechLang})
	s.Speaker.Speak(text, onDone)
}

func (s *serverSynth) Cancel() {
	if s.Speaker.Speaking() {
		_ = s.conn.Send(Message{Type: TypeCancelSpeech})
	}
	s.Speaker.Cancel()
}

func (h *Handler) open(ws *websocket.Conn) *client {
	conn := newConn(ws)
	c := &client{h: h, conn: conn, ws: ws, opened: time.Now()}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	var rec agent.Recognizer
	if h.deps.NewTranscriber != nil {
		c.tr = h.deps.NewTranscriber(transcript.Handlers{
			OnPartial: func(text string) { _ = conn.Send(Message{Type: TypePartial, Text: text}) },
			OnFinal:   func(text string) { c.handleTranscript(text) },
			OnError:   func(err error) { c.sess.OnVoiceError(err) },
		})
		rec = &serverRecognizer{Transcriber: c.tr, conn: conn}
	} else {
		c.browserRec = &browserRecognizer{conn: conn}
		rec = c.browserRec
	}

	var syn agent.Synthesizer
	if h.deps.Streamer != nil {
		c.pacer = newFramePacer(tts.SampleRate, conn.SendBinary)
		syn = &serverSynth{Speaker: tts.NewSpeaker(h.deps.Streamer, c.pacer, h.deps.Logger), conn: conn}
	} else {
		c.browserSyn = &browserSynth{conn: conn}
		syn = c.browserSyn
	}

	opts := h.deps.Session
	opts.Logger = h.deps.Logger
	opts.Metrics = h.deps.Metrics
	opts.OnChange = func(snap agent.Snapshot) {
		_ = conn.Send(Message{Type: TypeState, State: &snap})
	}
	c.sess = agent.NewSession(rec, syn, h.deps.Backend, opts)
	c.log = h.deps.Logger.With().Str("session", c.sess.SessionID()).Logger()
	return c
}

func (c *client) serve() {
	c.h.deps.Metrics.SessionOpened()
	c.log.Info().Msg("client connected")
	defer c.teardown()

	snap := c.sess.Snapshot()
	_ = c.conn.Send(Message{Type: TypeState, State: &snap})

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug().Err(err).Msg("ws read ended")
			}
			return
		}
		if mt == websocket.BinaryMessage {
			if c.tr != nil {
				c.tr.Feed(data)
			}
			continue
		}
		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			c.conn.sendError(fmt.Errorf("invalid message: %w", err))
			continue
		}
		if !c.dispatch(m) {
			return
		}
	}
}

// dispatch handles one client message and reports whether to keep reading.
// Anything that can block on a round runs on its own goroutine so the read
// loop keeps delivering tts_done acknowledgements.
func (c *client) dispatch(m Message) bool {
	switch m.Type {
	case TypeTranscript:
		if c.browserRec != nil {
			c.browserRec.setTranscript(m.Text, true)
		}
		c.handleTranscript(m.Text)
	case TypePartial:
		if c.browserRec != nil {
			c.browserRec.setTranscript(m.Text, false)
		}
	case TypeSpeechError:
		err := errors.New(m.Error)
		if c.browserRec != nil {
			err = c.browserRec.setError(m.Error)
		}
		c.sess.OnVoiceError(err)
	case TypeListening:
		on := m.Listening != nil && *m.Listening
		if c.browserRec != nil {
			c.browserRec.setListening(on)
		}
		if on {
			c.sess.CaptureStarted()
		} else {
			c.sess.CaptureStopped()
		}
	case TypeTTSDone:
		if c.browserSyn != nil {
			c.browserSyn.done(m.ID)
		}
	case TypeConfirm:
		c.goRound(func(ctx context.Context) error {
			c.sess.Confirm(ctx)
			return nil
		})
	case TypeRetry:
		c.sess.Retry()
	case TypeCancel:
		c.sess.Cancel()
	case TypeReset:
		c.sess.Reset()
	case TypeClearHistory:
		c.archive()
		c.sess.ClearHistory()
	case TypeBye:
		return false
	default:
		c.conn.sendError(fmt.Errorf("unknown message type %q", m.Type))
	}
	return true
}

func (c *client) handleTranscript(text string) {
	c.goRound(func(ctx context.Context) error {
		return c.sess.HandleTranscript(ctx, text)
	})
}

func (c *client) goRound(fn func(ctx context.Context) error) {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()
	go func() {
		defer c.wg.Done()
		if err := fn(c.ctx); err != nil {
			switch {
			case errors.Is(err, agent.ErrClosed), errors.Is(err, context.Canceled):
			default:
				c.log.Debug().Err(err).Msg("round rejected")
				c.conn.sendError(err)
			}
		}
	}()
}

func (c *client) archive() {
	if err := c.h.deps.Archiver.Save(c.sess.SessionID(), c.sess.History()); err != nil {
		c.log.Warn().Err(err).Msg("archive failed")
	}
}

func (c *client) teardown() {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()

	c.sess.Close()
	c.cancel()
	c.wg.Wait()
	if c.h.deps.ArchiveOnClose {
		c.archive()
	}
	if c.tr != nil {
		_ = c.tr.Close()
	}
	if c.pacer != nil {
		c.pacer.Close()
	}
	_ = c.conn.Close()
	c.h.deps.Metrics.SessionClosed()
	c.log.Info().Dur("duration", time.Since(c.opened)).Msg("client disconnected")
}

type nopMetrics struct{}

func (nopMetrics) RoundFinished(string)           {}
func (nopMetrics) ToolExecuted(string)            {}
func (nopMetrics) SpeechError()                   {}
func (nopMetrics) InterpretLatency(time.Duration) {}
func (nopMetrics) SessionOpened()                 {}
func (nopMetrics) SessionClosed()                 {}
