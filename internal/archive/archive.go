// Package archive uploads finished conversation transcripts to object storage.
package archive

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/supabase-community/supabase-go"

	"github.com/chadiek/voice-console/internal/agent"
)

// Uploader stores one object.
type Uploader interface {
	Upload(key, contentType string, data []byte) error
}

// Supabase uploads into a Supabase storage bucket.
type Supabase struct {
	client *supabase.Client
	bucket string
}

func NewSupabase(url, serviceRoleKey, bucket string) (*Supabase, error) {
	client, err := supabase.NewClient(url, serviceRoleKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("create supabase client: %w", err)
	}
	return &Supabase{client: client, bucket: bucket}, nil
}

func (s *Supabase) Upload(key, _ string, data []byte) error {
	if _, err := s.client.Storage.UploadFile(s.bucket, key, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("upload to supabase: %w", err)
	}
	return nil
}

// Transcript is the archived document.
type Transcript struct {
	SessionID  string          `json:"session_id"`
	ArchivedAt time.Time       `json:"archived_at"`
	Messages   []agent.Message `json:"messages"`
	Turns      []agent.Turn    `json:"turns"`
}

// Archiver writes transcripts through an Uploader. A nil *Archiver is a
// valid no-op.
type Archiver struct {
	up       Uploader
	log      zerolog.Logger
	now      func() time.Time
	observed func(error)
}

func New(up Uploader, log zerolog.Logger, observe func(error)) *Archiver {
	return &Archiver{up: up, log: log, now: time.Now, observed: observe}
}

// Key returns the object key for a session's transcript.
func (a *Archiver) Key(sessionID string, at time.Time) string {
	return fmt.Sprintf("transcripts/%s/%s-%d.json", at.UTC().Format("2006-01-02"), sessionID, at.Unix())
}

// Save uploads the conversation in h. Empty histories are skipped.
func (a *Archiver) Save(sessionID string, h *agent.History) error {
	if a == nil || a.up == nil || h == nil {
		return nil
	}
	msgs := h.Messages()
	if len(msgs) == 0 {
		return nil
	}
	if sessionID == "" {
		return errors.New("archive: session id missing")
	}
	at := a.now()
	doc := Transcript{SessionID: sessionID, ArchivedAt: at.UTC(), Messages: msgs, Turns: h.Pairs()}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("archive: encode: %w", err)
	}
	key := a.Key(sessionID, at)
	err = a.up.Upload(key, "application/json", data)
	if a.observed != nil {
		a.observed(err)
	}
	if err != nil {
		a.log.Warn().Err(err).Str("key", key).Msg("transcript archive failed")
		return err
	}
	a.log.Info().Str("key", key).Int("messages", len(msgs)).Msg("transcript archived")
	return nil
}
