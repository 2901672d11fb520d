package agent

import (
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/rs/zerolog"
)

// Outcome is the user's answer to a confirmation prompt.
type Outcome int

const (
	OutcomeConfirm Outcome = iota + 1
	OutcomeRetry
	OutcomeCancel
)

func (o Outcome) String() string {
	switch o {
	case OutcomeConfirm:
		return "confirm"
	case OutcomeRetry:
		return "retry"
	case OutcomeCancel:
		return "cancel"
	default:
		return "none"
	}
}

// Keyword lists are checked in order retry, cancel, confirm so that
// "不确定" or "no, retry" never reads as a confirmation.
var (
	retryPhrases   = []string{"重新", "重试", "再说", "再来", "retry", "again", "repeat"}
	cancelPhrases  = []string{"取消", "算了", "不", "别", "no", "nope", "cancel", "stop"}
	confirmPhrases = []string{"确定", "确认", "是", "好", "对", "可以", "执行", "行", "yes", "yeah", "yep", "ok", "okay", "sure", "confirm"}
)

// ClassifyReply maps a spoken reply to an outcome. Latin keywords match
// whole words; others match as substrings.
func ClassifyReply(text string) (Outcome, bool) {
	text = strings.ToLower(strings.TrimSpace(text))
	if text == "" {
		return 0, false
	}
	words := strings.FieldsFunc(text, func(r rune) bool {
		return !(r <= unicode.MaxASCII && unicode.IsLetter(r))
	})
	match := func(phrases []string) bool {
		for _, p := range phrases {
			if isASCIIWord(p) {
				for _, w := range words {
					if w == p {
						return true
					}
				}
				continue
			}
			if strings.Contains(text, p) {
				return true
			}
		}
		return false
	}
	switch {
	case match(retryPhrases):
		return OutcomeRetry, true
	case match(cancelPhrases):
		return OutcomeCancel, true
	case match(confirmPhrases):
		return OutcomeConfirm, true
	}
	return 0, false
}

func isASCIIWord(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII {
			return false
		}
	}
	return true
}

type promptPhase int

const (
	phaseSpeaking promptPhase = iota
	phaseListening
	phaseDone
)

// speakingPoll is how often a prompt rechecks a synthesizer that reported
// done while still flagged as speaking.
const speakingPoll = 50 * time.Millisecond

// ConfirmPrompt speaks a confirmation question, then listens for a spoken
// answer. It reports at most one outcome.
type ConfirmPrompt struct {
	text        string
	rec         Recognizer
	syn         Synthesizer
	onListening func()
	onOutcome   func(Outcome)
	log         zerolog.Logger

	mu    sync.Mutex
	phase promptPhase
}

func newConfirmPrompt(text string, rec Recognizer, syn Synthesizer, onListening func(), onOutcome func(Outcome), log zerolog.Logger) *ConfirmPrompt {
	return &ConfirmPrompt{
		text:        text,
		rec:         rec,
		syn:         syn,
		onListening: onListening,
		onOutcome:   onOutcome,
		log:         log,
	}
}

// Open speaks the question; listening starts once it has been spoken.
func (p *ConfirmPrompt) Open() {
	p.syn.Speak(p.text, p.listen)
}

func (p *ConfirmPrompt) listen() {
	p.mu.Lock()
	if p.phase != phaseSpeaking {
		p.mu.Unlock()
		return
	}
	if p.syn.Speaking() {
		p.mu.Unlock()
		time.AfterFunc(speakingPoll, p.listen)
		return
	}
	p.phase = phaseListening
	p.mu.Unlock()

	if err := p.rec.Start(); err != nil {
		p.log.Warn().Err(err).Msg("confirm prompt: start listening")
	}
	if p.onListening != nil {
		p.onListening()
	}
}

// Listening reports whether the prompt is waiting for a spoken answer.
func (p *ConfirmPrompt) Listening() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase == phaseListening
}

// HandleTranscript consumes text if the prompt is listening. An answer that
// matches no outcome re-arms the recognizer.
func (p *ConfirmPrompt) HandleTranscript(text string) bool {
	p.mu.Lock()
	if p.phase != phaseListening {
		p.mu.Unlock()
		return false
	}
	p.mu.Unlock()

	o, ok := ClassifyReply(text)
	if !ok {
		p.log.Info().Str("reply", text).Msg("confirm prompt: unrecognized reply")
		if !p.rec.Listening() {
			if err := p.rec.Start(); err != nil {
				p.log.Warn().Err(err).Msg("confirm prompt: restart listening")
			}
		}
		return true
	}
	p.Resolve(o)
	return true
}

// Resolve reports o unless the prompt already finished.
func (p *ConfirmPrompt) Resolve(o Outcome) bool {
	if !p.finish() {
		return false
	}
	p.log.Debug().Str("outcome", o.String()).Msg("confirm prompt resolved")
	if p.onOutcome != nil {
		p.onOutcome(o)
	}
	return true
}

// Close ends the prompt without an outcome.
func (p *ConfirmPrompt) Close() {
	p.finish()
}

func (p *ConfirmPrompt) finish() bool {
	p.mu.Lock()
	prev := p.phase
	p.phase = phaseDone
	p.mu.Unlock()
	switch prev {
	case phaseDone:
		return false
	case phaseSpeaking:
		p.syn.Cancel()
	case phaseListening:
		p.rec.Stop()
	}
	return true
}
