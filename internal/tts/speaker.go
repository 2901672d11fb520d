// Package tts synthesizes speech server-side and streams 48 kHz PCM to a sink.
package tts

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SampleRate is the rate of every PCM stream produced by this package.
const SampleRate = 48000

// Streamer turns text into 16-bit mono PCM at SampleRate. Both channels are
// closed when the stream ends.
type Streamer interface {
	StreamPCM(ctx context.Context, text string) (<-chan []byte, <-chan error)
}

// Sink plays PCM. Flush marks the end of an utterance; Reset drops anything
// buffered but not yet played.
type Sink interface {
	WritePCM(p []byte) error
	Flush()
	Reset()
}

// Speaker plays one utterance at a time. A new utterance or Cancel cuts the
// current one off and suppresses its completion callback.
type Speaker struct {
	streamer Streamer
	sink     Sink
	log      zerolog.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	gen      uint64
	speaking bool
}

func NewSpeaker(st Streamer, sink Sink, log zerolog.Logger) *Speaker {
	return &Speaker{streamer: st, sink: sink, log: log}
}

// Speak starts playing text. onDone runs once the audio has been streamed
// and its playback time has elapsed.
func (s *Speaker) Speak(text string, onDone func()) {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.sink.Reset()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.gen++
	gen := s.gen
	s.cancel = cancel
	s.speaking = true
	s.mu.Unlock()

	go s.run(ctx, gen, text, onDone)
}

func (s *Speaker) run(ctx context.Context, gen uint64, text string, onDone func()) {
	start := time.Now()
	var audio time.Duration
	for _, chunk := range chunkReply(text) {
		pcm, errc := s.streamer.StreamPCM(ctx, chunk)
		for b := range pcm {
			if ctx.Err() != nil {
				continue
			}
			if err := s.sink.WritePCM(b); err != nil {
				s.log.Warn().Err(err).Msg("tts: sink write failed")
			}
			audio += pcmDuration(len(b))
		}
		if err := <-errc; err != nil && ctx.Err() == nil {
			s.log.Warn().Err(err).Msg("tts: stream failed")
		}
		if ctx.Err() != nil {
			return
		}
	}
	s.sink.Flush()

	if rem := audio - time.Since(start); rem > 0 {
		t := time.NewTimer(rem)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.cancel = nil
	s.speaking = false
	s.mu.Unlock()
	if onDone != nil {
		onDone()
	}
}

// Cancel stops the current utterance without calling its onDone.
func (s *Speaker) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.cancel = nil
	s.gen++
	s.speaking = false
	s.sink.Reset()
}

func (s *Speaker) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

func pcmDuration(n int) time.Duration {
	return time.Duration(n/2) * time.Second / SampleRate
}

// chunkReply splits a reply into sentence-like chunks so synthesis of the
// first sentence can start before the rest is sent.
func chunkReply(reply string) []string {
	txt := strings.TrimSpace(reply)
	if txt == "" {
		return nil
	}
	var chunks []string
	var b strings.Builder
	flush := func() {
		if c := strings.TrimSpace(b.String()); c != "" {
			chunks = append(chunks, c)
		}
		b.Reset()
	}
	for _, r := range txt {
		switch r {
		case '.', '!', '?', '。', '！', '？', '；':
			b.WriteRune(r)
			flush()
		case '\n', '\r':
			flush()
		default:
			b.WriteRune(r)
		}
	}
	flush()
	return chunks
}
