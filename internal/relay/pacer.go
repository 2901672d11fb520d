package relay

import (
	"sync"
	"time"
)

const (
	frameDuration = 20 * time.Millisecond
	// frameQueue bounds buffered playback to about a minute of audio.
	frameQueue = 3000
)

// framePacer cuts 48 kHz PCM into 20ms frames and sends them at playback
// speed so that cancelling speech takes effect within a frame.
type framePacer struct {
	send       func([]byte) error
	frameBytes int
	frames     chan []byte

	mu      sync.Mutex
	buf     []byte
	stopCh  chan struct{}
	stopped bool
}

func newFramePacer(sampleRate int, send func([]byte) error) *framePacer {
	p := &framePacer{
		send:       send,
		frameBytes: sampleRate / 1000 * int(frameDuration/time.Millisecond) * 2,
		frames:     make(chan []byte, frameQueue),
		stopCh:     make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *framePacer) WritePCM(b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buf = append(p.buf, b...)
	for len(p.buf) >= p.frameBytes {
		frame := make([]byte, p.frameBytes)
		copy(frame, p.buf)
		p.buf = p.buf[p.frameBytes:]
		p.push(frame)
	}
	return nil
}

// Flush pads the remaining samples to a whole frame.
func (p *framePacer) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.buf) == 0 {
		return
	}
	frame := make([]byte, p.frameBytes)
	copy(frame, p.buf)
	p.buf = p.buf[:0]
	p.push(frame)
}

// Reset drops queued frames.
func (p *framePacer) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buf = p.buf[:0]
	for {
		select {
		case <-p.frames:
		default:
			return
		}
	}
}

func (p *framePacer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.stopped {
		p.stopped = true
		close(p.stopCh)
	}
}

// push must not block while p.mu is held; a full queue drops the frame.
func (p *framePacer) push(frame []byte) {
	select {
	case p.frames <- frame:
	default:
	}
}

func (p *framePacer) run() {
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			select {
			case frame := <-p.frames:
				if err := p.send(frame); err != nil {
					return
				}
			default:
			}
		}
	}
}
