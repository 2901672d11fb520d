package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds application configuration.
type Config struct {
	HTTPAddress string        `mapstructure:"http_address"`
	AuthToken   string        `mapstructure:"auth_token"`
	Log         LogConfig     `mapstructure:"log"`
	Backend     BackendConfig `mapstructure:"backend"`
	Speech      SpeechConfig  `mapstructure:"speech"`
	Session     SessionConfig `mapstructure:"session"`
	Archive     ArchiveConfig `mapstructure:"archive"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// BackendConfig points at the interpretation/execution service.
type BackendConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
	UserID  int           `mapstructure:"user_id"`
}

// SpeechConfig selects where recognition and synthesis run.
// "browser" relays to the Web Speech API in the client tab.
type SpeechConfig struct {
	STTProvider       string `mapstructure:"stt_provider"` // browser, assemblyai
	TTSProvider       string `mapstructure:"tts_provider"` // browser, deepgram, elevenlabs
	AssemblyAIKey     string `mapstructure:"assemblyai_key"`
	DeepgramKey       string `mapstructure:"deepgram_key"`
	DeepgramModel     string `mapstructure:"deepgram_model"`
	ElevenLabsKey     string `mapstructure:"elevenlabs_key"`
	ElevenLabsVoiceID string `mapstructure:"elevenlabs_voice_id"`
}

// SessionConfig tunes the perceived-progress stages and recovery timers.
type SessionConfig struct {
	ListeningDwell time.Duration `mapstructure:"listening_dwell"`
	ExecutingDwell time.Duration `mapstructure:"executing_dwell"`
	CompletedDwell time.Duration `mapstructure:"completed_dwell"`
	ErrorDwell     time.Duration `mapstructure:"error_dwell"`
	ResetDelay     time.Duration `mapstructure:"reset_delay"`
	ErrorThreshold int           `mapstructure:"error_threshold"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	ArchiveOnClose bool          `mapstructure:"archive_on_close"`
}

// ArchiveConfig enables transcript upload to Supabase storage.
type ArchiveConfig struct {
	SupabaseURL string `mapstructure:"supabase_url"`
	SupabaseKey string `mapstructure:"supabase_key"`
	Bucket      string `mapstructure:"bucket"`
}

// Enabled reports whether enough is configured to upload transcripts.
func (a ArchiveConfig) Enabled() bool {
	return a.SupabaseURL != "" && a.SupabaseKey != ""
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_address", ":8080")
	v.SetDefault("auth_token", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	v.SetDefault("backend.url", "http://localhost:8000/api")
	v.SetDefault("backend.timeout", 15*time.Second)
	v.SetDefault("backend.user_id", 1)

	v.SetDefault("speech.stt_provider", "browser")
	v.SetDefault("speech.tts_provider", "browser")
	v.SetDefault("speech.assemblyai_key", "")
	v.SetDefault("speech.deepgram_key", "")
	v.SetDefault("speech.deepgram_model", "aura-2-thalia-en")
	v.SetDefault("speech.elevenlabs_key", "")
	v.SetDefault("speech.elevenlabs_voice_id", "")

	v.SetDefault("session.listening_dwell", time.Second)
	v.SetDefault("session.executing_dwell", 1500*time.Millisecond)
	v.SetDefault("session.completed_dwell", 800*time.Millisecond)
	v.SetDefault("session.error_dwell", 500*time.Millisecond)
	v.SetDefault("session.reset_delay", 5*time.Second)
	v.SetDefault("session.error_threshold", 3)
	v.SetDefault("session.allowed_origins", []string{})
	v.SetDefault("session.archive_on_close", true)

	v.SetDefault("archive.supabase_url", "")
	v.SetDefault("archive.supabase_key", "")
	v.SetDefault("archive.bucket", "voice-transcripts")
}

// Load reads .env, an optional YAML file and environment variables, in that
// order of increasing precedence. An empty path skips the file.
func Load(path string) (Config, error) {
	// .env is optional; real environment always wins over it
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// provider keys keep the names their vendors document
	_ = v.BindEnv("auth_token", "VOICE_AUTH_TOKEN")
	_ = v.BindEnv("speech.assemblyai_key", "ASSEMBLYAI_API_KEY")
	_ = v.BindEnv("speech.deepgram_key", "DEEPGRAM_API_KEY")
	_ = v.BindEnv("speech.elevenlabs_key", "ELEVENLABS_API_KEY")
	_ = v.BindEnv("speech.elevenlabs_voice_id", "ELEVENLABS_VOICE_ID")
	_ = v.BindEnv("archive.supabase_url", "SUPABASE_URL")
	_ = v.BindEnv("archive.supabase_key", "SUPABASE_SERVICE_ROLE_KEY")
	_ = v.BindEnv("archive.bucket", "SUPABASE_BUCKET")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) || os.IsNotExist(err) {
				return Config{}, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c Config) Validate() error {
	if c.Backend.URL == "" {
		return errors.New("config: backend.url is required")
	}
	switch c.Speech.STTProvider {
	case "browser", "assemblyai":
	default:
		return fmt.Errorf("config: unknown speech.stt_provider %q", c.Speech.STTProvider)
	}
	switch c.Speech.TTSProvider {
	case "browser", "deepgram", "elevenlabs":
	default:
		return fmt.Errorf("config: unknown speech.tts_provider %q", c.Speech.TTSProvider)
	}
	if c.Session.ErrorThreshold < 1 {
		return errors.New("config: session.error_threshold must be at least 1")
	}
	return nil
}

// Warnings lists degraded-but-runnable settings worth logging at startup.
func (c Config) Warnings() []string {
	var out []string
	if c.Speech.STTProvider == "assemblyai" && c.Speech.AssemblyAIKey == "" {
		out = append(out, "ASSEMBLYAI_API_KEY not set - server-side transcription will not work")
	}
	if c.Speech.TTSProvider == "deepgram" && c.Speech.DeepgramKey == "" {
		out = append(out, "DEEPGRAM_API_KEY not set - server-side speech synthesis will not work")
	}
	if c.Speech.TTSProvider == "elevenlabs" && (c.Speech.ElevenLabsKey == "" || c.Speech.ElevenLabsVoiceID == "") {
		out = append(out, "ELEVENLABS_API_KEY/ELEVENLABS_VOICE_ID not set - server-side speech synthesis will not work")
	}
	if !c.Archive.Enabled() {
		out = append(out, "SUPABASE_URL/SUPABASE_SERVICE_ROLE_KEY not set - transcripts will not be archived")
	}
	return out
}
