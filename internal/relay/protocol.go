// Package relay hosts voice sessions over a websocket. The browser tab runs
// capture and playback; the server runs the session.
//
// Text frames carry JSON messages. Binary frames carry audio: 16 kHz PCM
// from the client when the server transcribes, 48 kHz PCM to the client when
// the server synthesizes.
package relay

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chadiek/voice-console/internal/agent"
)

// Client to server message types.
const (
	TypeTranscript   = "transcript"
	TypePartial      = "partial"
	TypeSpeechError  = "speech_error"
	TypeListening    = "listening"
	TypeTTSDone      = "tts_done"
	TypeConfirm      = "confirm"
	TypeRetry        = "retry"
	TypeCancel       = "cancel"
	TypeReset        = "reset"
	TypeClearHistory = "clear_history"
	TypeBye          = "bye"
)

// Server to client message types.
const (
	TypeState          = "state"
	TypeSpeak          = "speak"
	TypeCancelSpeech   = "cancel_speech"
	TypeStartListening = "start_listening"
	TypeStopListening  = "stop_listening"
	TypeError          = "error"
)

// Message is one JSON frame in either direction.
type Message struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Error     string          `json:"error,omitempty"`
	ID        uint64          `json:"id,omitempty"`
	Lang      string          `json:"lang,omitempty"`
	Listening *bool           `json:"listening,omitempty"`
	State     *agent.Snapshot `json:"state,omitempty"`
}

const writeWait = 5 * time.Second

var errConnClosed = errors.New("relay: connection closed")

// Conn serializes writes to a websocket; gorilla connections allow only one
// concurrent writer.
type Conn struct {
	ws     *websocket.Conn
	mu     sync.Mutex
	closed bool
}

func newConn(ws *websocket.Conn) *Conn { return &Conn{ws: ws} }

// Send writes m as a text frame.
func (c *Conn) Send(m Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, b)
}

// SendBinary writes an audio frame.
func (c *Conn) SendBinary(p []byte) error {
	return c.write(websocket.BinaryMessage, p)
}

func (c *Conn) write(mt int, p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(mt, p)
}

func (c *Conn) sendError(err error) {
	_ = c.Send(Message{Type: TypeError, Error: err.Error()})
}

// Close sends a close frame and closes the socket.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return c.ws.Close()
}
