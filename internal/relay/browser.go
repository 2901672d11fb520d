package relay

import (
	"errors"
	"sync"
)

// speechLang is the locale the client speaks and listens in.
const speechLang = "zh-CN"

// browserRecognizer drives the Web Speech recognizer in the client tab.
type browserRecognizer struct {
	conn *Conn

	mu         sync.Mutex
	listening  bool
	transcript string
	err        error
}

func (r *browserRecognizer) Start() error {
	r.mu.Lock()
	r.listening = true
	r.transcript = ""
	r.err = nil
	r.mu.Unlock()
	return r.conn.Send(Message{Type: TypeStartListening, Lang: speechLang})
}

func (r *browserRecognizer) Stop() {
	r.mu.Lock()
	r.listening = false
	r.mu.Unlock()
	_ = r.conn.Send(Message{Type: TypeStopListening})
}

func (r *browserRecognizer) Transcript() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transcript
}

func (r *browserRecognizer) Listening() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listening
}

func (r *browserRecognizer) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *browserRecognizer) setListening(on bool) {
	r.mu.Lock()
	r.listening = on
	r.mu.Unlock()
}

func (r *browserRecognizer) setTranscript(text string, final bool) {
	r.mu.Lock()
	r.transcript = text
	if final {
		r.listening = false
	}
	r.mu.Unlock()
}

func (r *browserRecognizer) setError(msg string) error {
	err := errors.New(msg)
	r.mu.Lock()
	r.err = err
	r.listening = false
	r.mu.Unlock()
	return err
}

// browserSynth speaks through speechSynthesis in the client tab. The client
// acknowledges each finished utterance with tts_done and its id.
type browserSynth struct {
	conn *Conn

	mu       sync.Mutex
	seq      uint64
	current  uint64
	onDone   func()
	speaking bool
}

func (s *browserSynth) Speak(text string, onDone func()) {
	s.mu.Lock()
	prev := uint64(0)
	if s.speaking {
		prev = s.current
	}
	s.seq++
	s.current = s.seq
	s.onDone = onDone
	s.speaking = true
	id := s.current
	s.mu.Unlock()

	if prev != 0 {
		_ = s.conn.Send(Message{Type: TypeCancelSpeech, ID: prev})
	}
	_ = s.conn.Send(Message{Type: TypeSpeak, ID: id, Text: text, Lang: speechLang})
}

func (s *browserSynth) Cancel() {
	s.mu.Lock()
	if !s.speaking {
		s.mu.Unlock()
		return
	}
	id := s.current
	s.speaking = false
	s.onDone = nil
	s.mu.Unlock()
	_ = s.conn.Send(Message{Type: TypeCancelSpeech, ID: id})
}

func (s *browserSynth) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

// done handles a client acknowledgement. Acks for superseded or cancelled
// utterances are ignored.
func (s *browserSynth) done(id uint64) {
	s.mu.Lock()
	if !s.speaking || id != s.current {
		s.mu.Unlock()
		return
	}
	cb := s.onDone
	s.onDone = nil
	s.speaking = false
	s.mu.Unlock()
	if cb != nil {
		cb()
	}
}
