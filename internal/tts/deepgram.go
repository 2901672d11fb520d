package tts

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/pkg/api/speak/v1/websocket/interfaces"
	clientinterfaces "github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces/v1"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/speak"
	"github.com/rs/zerolog"
)

const (
	deepgramIdleWindow = 400 * time.Millisecond
	deepgramDeadline   = 12 * time.Second
)

// Deepgram streams speech over Deepgram's websocket speak API.
type Deepgram struct {
	apiKey   string
	model    string
	encoding string
	log      zerolog.Logger
}

func NewDeepgram(apiKey, model string, log zerolog.Logger) *Deepgram {
	if model == "" {
		model = "aura-2-thalia-en"
	}
	return &Deepgram{apiKey: apiKey, model: model, encoding: "linear16", log: log}
}

// StreamPCM synthesizes text. Deepgram does not mark the end of an
// utterance, so the stream ends once no audio has arrived for a short idle
// window.
func (d *Deepgram) StreamPCM(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	pcmCh := make(chan []byte, 4096)
	errCh := make(chan error, 1)

	go func() {
		defer close(pcmCh)
		defer close(errCh)

		if d.apiKey == "" {
			errCh <- errors.New("deepgram: api key missing")
			return
		}
		if text == "" {
			return
		}

		var lastRecv int64
		var seenAudio int32
		cb := &speakCallback{
			log: d.log,
			onBinary: func(data []byte) error {
				if len(data) == 0 {
					return nil
				}
				atomic.StoreInt64(&lastRecv, time.Now().UnixNano())
				atomic.StoreInt32(&seenAudio, 1)
				b := make([]byte, len(data))
				copy(b, data)
				select {
				case pcmCh <- b:
				default:
					d.log.Warn().Msg("deepgram: pcm buffer full, dropping audio")
				}
				return nil
			},
		}

		opts := &clientinterfaces.WSSpeakOptions{
			Model:      d.model,
			Encoding:   d.encoding,
			SampleRate: SampleRate,
		}
		dg, err := speak.NewWSUsingCallback(ctx, d.apiKey, &clientinterfaces.ClientOptions{}, opts, cb)
		if err != nil {
			errCh <- fmt.Errorf("deepgram: create ws client: %w", err)
			return
		}
		var stopped int32
		stop := func() {
			if atomic.CompareAndSwapInt32(&stopped, 0, 1) {
				dg.Stop()
			}
		}
		defer stop()

		if ok := dg.Connect(); !ok {
			errCh <- errors.New("deepgram: connect failed")
			return
		}
		if err := dg.SpeakWithText(text); err != nil {
			errCh <- fmt.Errorf("deepgram: speak text: %w", err)
			return
		}
		if err := dg.Flush(); err != nil {
			d.log.Warn().Err(err).Msg("deepgram: flush")
		}

		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		deadline := time.Now().Add(deepgramDeadline)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if atomic.LoadInt32(&seenAudio) == 1 {
					last := time.Unix(0, atomic.LoadInt64(&lastRecv))
					if time.Since(last) > deepgramIdleWindow {
						return
					}
				}
				if time.Now().After(deadline) {
					d.log.Warn().Msg("deepgram: utterance deadline reached")
					return
				}
			}
		}
	}()

	return pcmCh, errCh
}

type speakCallback struct {
	log      zerolog.Logger
	onBinary func([]byte) error
}

func (s *speakCallback) Open(*msginterfaces.OpenResponse) error         { return nil }
func (s *speakCallback) Metadata(*msginterfaces.MetadataResponse) error { return nil }
func (s *speakCallback) Flush(*msginterfaces.FlushedResponse) error     { return nil }
func (s *speakCallback) Clear(*msginterfaces.ClearedResponse) error     { return nil }
func (s *speakCallback) Close(*msginterfaces.CloseResponse) error       { return nil }

func (s *speakCallback) Warning(w *msginterfaces.WarningResponse) error {
	s.log.Warn().Interface("warning", w).Msg("deepgram warning")
	return nil
}

func (s *speakCallback) Error(e *msginterfaces.ErrorResponse) error {
	s.log.Error().Interface("error", e).Msg("deepgram error")
	return nil
}

func (s *speakCallback) UnhandledEvent([]byte) error { return nil }

func (s *speakCallback) Binary(msg []byte) error {
	if s.onBinary != nil {
		return s.onBinary(msg)
	}
	return nil
}
