package agent

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Role identifies who produced a message.
type Role string

const (
	RoleUser Role = "user"
	RoleAI   Role = "ai"
)

// Message is one entry of the conversation log.
type Message struct {
	ID      string    `json:"id"`
	Role    Role      `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// Turn pairs a user utterance with the reply it received. The newest user
// utterance of a payload has no assistant text.
type Turn struct {
	User      string `json:"user"`
	Assistant string `json:"assistant,omitempty"`
}

// History is the ordered conversation log. It is safe for concurrent use.
type History struct {
	mu       sync.RWMutex
	messages []Message
	now      func() time.Time
}

func NewHistory() *History {
	return &History{now: time.Now}
}

// Append records a message and returns it.
func (h *History) Append(role Role, content string) Message {
	m := Message{ID: uuid.NewString(), Role: role, Content: content, At: h.now()}
	h.mu.Lock()
	h.messages = append(h.messages, m)
	h.mu.Unlock()
	return m
}

// Messages returns a copy of the log in append order.
func (h *History) Messages() []Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Message, len(h.messages))
	copy(out, h.messages)
	return out
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.messages)
}

// Pairs folds the log into user/assistant turns. A user message followed by
// another user message is superseded; an assistant message with no preceding
// user message is dropped. A trailing unanswered user message is kept last.
func (h *History) Pairs() []Turn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	turns, pending := pairUp(h.messages)
	if pending != nil {
		turns = append(turns, Turn{User: *pending})
	}
	return turns
}

// Payload serializes the answered turns followed by latest as the newest,
// unanswered user utterance.
func (h *History) Payload(latest string) (string, error) {
	h.mu.RLock()
	turns, _ := pairUp(h.messages)
	h.mu.RUnlock()
	turns = append(turns, Turn{User: latest})
	b, err := json.Marshal(turns)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func pairUp(msgs []Message) ([]Turn, *string) {
	turns := make([]Turn, 0, len(msgs)/2+1)
	var pending *string
	for i := range msgs {
		switch msgs[i].Role {
		case RoleUser:
			c := msgs[i].Content
			pending = &c
		case RoleAI:
			if pending == nil {
				continue
			}
			turns = append(turns, Turn{User: *pending, Assistant: msgs[i].Content})
			pending = nil
		}
	}
	return turns, pending
}

// RemoveLastExchange drops the trailing confirmation prompt and the user
// message that led to it. Nothing is removed unless the last message is an
// assistant message whose content equals confirmText.
func (h *History) RemoveLastExchange(confirmText string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := len(h.messages)
	if n == 0 {
		return false
	}
	last := h.messages[n-1]
	if last.Role != RoleAI || last.Content != confirmText {
		return false
	}
	n--
	if n > 0 && h.messages[n-1].Role == RoleUser {
		n--
	}
	h.messages = h.messages[:n]
	return true
}

func (h *History) Clear() {
	h.mu.Lock()
	h.messages = nil
	h.mu.Unlock()
}
