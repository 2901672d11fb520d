package relay

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type frameRecorder struct {
	mu     sync.Mutex
	frames [][]byte
}

func (r *frameRecorder) send(p []byte) error {
	r.mu.Lock()
	r.frames = append(r.frames, p)
	r.mu.Unlock()
	return nil
}

func (r *frameRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func TestFramePacer_SplitsAndPadsFrames(t *testing.T) {
	rec := &frameRecorder{}
	p := newFramePacer(48000, rec.send)
	defer p.Close()
	assert.Equal(t, 1920, p.frameBytes)

	require.NoError(t, p.WritePCM(make([]byte, 1920+100)))
	p.Flush()

	require.Eventually(t, func() bool { return rec.count() == 2 }, time.Second, 5*time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Len(t, rec.frames[1], 1920)
}

func TestFramePacer_ResetDropsQueued(t *testing.T) {
	rec := &frameRecorder{}
	p := newFramePacer(48000, rec.send)
	defer p.Close()

	require.NoError(t, p.WritePCM(make([]byte, 1920*50)))
	p.Reset()
	time.Sleep(60 * time.Millisecond)
	assert.LessOrEqual(t, rec.count(), 1)
	assert.Empty(t, p.frames)
}

func TestBrowserSynth_IgnoresStaleAcks(t *testing.T) {
	s := &browserSynth{conn: &Conn{closed: true}}
	var done []string

	s.Speak("first", func() { done = append(done, "first") })
	s.Speak("second", func() { done = append(done, "second") })
	s.done(1)
	assert.True(t, s.Speaking())
	s.done(2)
	assert.False(t, s.Speaking())
	s.done(2)
	assert.Equal(t, []string{"second"}, done)

	s.Speak("third", func() { done = append(done, "third") })
	s.Cancel()
	s.done(3)
	assert.Equal(t, []string{"second"}, done)
}
