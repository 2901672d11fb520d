package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/chadiek/voice-console/internal/agent"
	"github.com/chadiek/voice-console/internal/archive"
	"github.com/chadiek/voice-console/internal/backend"
	"github.com/chadiek/voice-console/internal/config"
	"github.com/chadiek/voice-console/internal/httpserver"
	"github.com/chadiek/voice-console/internal/logging"
	"github.com/chadiek/voice-console/internal/metrics"
	"github.com/chadiek/voice-console/internal/relay"
	"github.com/chadiek/voice-console/internal/transcript"
	"github.com/chadiek/voice-console/internal/tts"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, *configPath)
		},
	}
}

func runServe(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := logging.New(logging.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty, Out: cmd.ErrOrStderr()})
	for _, w := range cfg.Warnings() {
		log.Warn().Msg(w)
	}

	srv, err := buildServer(cfg, log)
	if err != nil {
		return err
	}
	server := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in background
	serverErrors := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTPAddress).Msg("server listening")
		serverErrors <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown failed")
		_ = server.Close()
	}
	return nil
}

// buildServer wires every component from cfg.
func buildServer(cfg config.Config, log zerolog.Logger) (*httpserver.Server, error) {
	met := metrics.New("voice_console")
	be := backend.NewClient(cfg.Backend.URL, cfg.Backend.Timeout)

	var archiver *archive.Archiver
	if cfg.Archive.Enabled() {
		up, err := archive.NewSupabase(cfg.Archive.SupabaseURL, cfg.Archive.SupabaseKey, cfg.Archive.Bucket)
		if err != nil {
			return nil, fmt.Errorf("archive: %w", err)
		}
		archiver = archive.New(up, logging.Component(log, "archive"), met.ArchiveUploaded)
	}

	opts := agent.DefaultOptions()
	opts.Stages = agent.StageDurations{
		Listening:        cfg.Session.ListeningDwell,
		Executing:        cfg.Session.ExecutingDwell,
		Completed:        cfg.Session.CompletedDwell,
		CompletedOnError: cfg.Session.ErrorDwell,
	}
	opts.ResetDelay = cfg.Session.ResetDelay
	opts.ErrorThreshold = cfg.Session.ErrorThreshold
	opts.UserID = cfg.Backend.UserID

	deps := relay.Deps{
		Backend:        be,
		Session:        opts,
		AllowedOrigins: cfg.Session.AllowedOrigins,
		ArchiveOnClose: cfg.Session.ArchiveOnClose,
		Archiver:       archiver,
		Metrics:        met,
		Logger:         logging.Component(log, "relay"),
	}

	ttsLog := logging.Component(log, "tts")
	switch cfg.Speech.TTSProvider {
	case "deepgram":
		deps.Streamer = tts.NewDeepgram(cfg.Speech.DeepgramKey, cfg.Speech.DeepgramModel, ttsLog)
	case "elevenlabs":
		deps.Streamer = tts.NewElevenLabs(cfg.Speech.ElevenLabsKey, cfg.Speech.ElevenLabsVoiceID, ttsLog)
	}
	if cfg.Speech.STTProvider == "assemblyai" {
		sttLog := logging.Component(log, "stt")
		deps.NewTranscriber = func(h transcript.Handlers) relay.Transcriber {
			return transcript.NewAssemblyAI(cfg.Speech.AssemblyAIKey, h, transcript.Options{Logger: sttLog})
		}
	}

	return httpserver.New(httpserver.Deps{
		Backend:   be,
		Relay:     relay.NewHandler(deps),
		Metrics:   met.Handler(),
		AuthToken: cfg.AuthToken,
		Logger:    logging.Component(log, "http"),
	}), nil
}
