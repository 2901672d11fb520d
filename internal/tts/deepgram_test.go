package tts

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// StreamPCM without an API key should error quickly.
func TestDeepgram_StreamPCM_NoKey(t *testing.T) {
	d := NewDeepgram("", "", zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	pcmCh, errCh := d.StreamPCM(ctx, "hello")
	select {
	case err := <-errCh:
		if err == nil {
			t.Fatalf("expected error when api key missing")
		}
	case <-pcmCh:
	case <-time.After(300 * time.Millisecond):
		t.Fatalf("timeout waiting for error")
	}
}

func TestDeepgram_DefaultModel(t *testing.T) {
	if got := NewDeepgram("k", "", zerolog.Nop()).model; got != "aura-2-thalia-en" {
		t.Fatalf("model = %q", got)
	}
}
