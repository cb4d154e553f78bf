// Package config provides the configuration structure for the voice-reply-service.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
	"github.com/dustin/go-humanize"
)

// Provider modes.
const (
	ModeMock = "mock"
	ModeLive = "live"
)

// Scheduler kinds.
const (
	SchedulerInline = "inline"
	SchedulerNATS   = "nats"
)

// Audio storage backends.
const (
	AudioBackendFS   = "fs"
	AudioBackendNATS = "nats"
)

// Secret sources.
const (
	SecretsEnv = "env"
	SecretsSSM = "ssm"
)

const (
	errFmtInvalidEnum = "%w: %s must be one of %v, got %q"
	errFmtInvalidSize = "%w: limits.max_upload_size %q: %w"
	errFmtInvalidCron = "%w: reaper.schedule %q"
	errFmtRequired    = "%w: %s is required"
	errFmtNegative    = "%w: %s must not be negative, got %d"
	errFmtStaleAfter  = "%w: reaper.stale_after_seconds (%s) must exceed the provider timeouts plus %s (%s)"

	defaultDailyVoiceLimit = 50

	// staleMargin covers persistence and finalization around the provider calls.
	staleMargin = time.Minute
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Address                string `toml:"address"`
	ReadTimeoutSeconds     int    `toml:"read_timeout_seconds"`
	WriteTimeoutSeconds    int    `toml:"write_timeout_seconds"`
	ShutdownTimeoutSeconds int    `toml:"shutdown_timeout_seconds"`
	PublicAudioPrefix      string `toml:"public_audio_prefix"`
}

// ProvidersConfig selects and configures the STT, LLM and TTS backends.
type ProvidersConfig struct {
	Mode                string `toml:"mode"`
	OpenAIBaseURL       string `toml:"openai_base_url"`
	ChatModel           string `toml:"chat_model"`
	WhisperModel        string `toml:"whisper_model"`
	TTSBaseURL          string `toml:"tts_base_url"`
	DefaultVoice        string `toml:"default_voice"`
	STTTimeoutSeconds   int    `toml:"stt_timeout_seconds"`
	LLMTimeoutSeconds   int    `toml:"llm_timeout_seconds"`
	TTSTimeoutSeconds   int    `toml:"tts_timeout_seconds"`
	CloneTimeoutSeconds int    `toml:"clone_timeout_seconds"`
}

// SecretsConfig tells where the provider API key comes from.
type SecretsConfig struct {
	Source       string `toml:"source"`
	EnvVar       string `toml:"env_var"`
	SSMParameter string `toml:"ssm_parameter"`
	AWSRegion    string `toml:"aws_region"`
}

// StorageConfig holds the database and audio storage settings.
type StorageConfig struct {
	DatabasePath string `toml:"database_path"`
	AudioBackend string `toml:"audio_backend"`
	AudioDir     string `toml:"audio_dir"`
	AudioBucket  string `toml:"audio_bucket"`
}

// NATSConfig holds the configuration for NATS.
type NATSConfig struct {
	URL            string `toml:"url"`
	StreamName     string `toml:"stream_name"`
	Subject        string `toml:"subject"`
	ConsumerName   string `toml:"consumer_name"`
	AckWaitSeconds int    `toml:"ack_wait_seconds"`
	MaxDeliver     int    `toml:"max_deliver"`
}

// SchedulerConfig selects how pipeline runs are dispatched.
type SchedulerConfig struct {
	Kind           string `toml:"kind"`
	Workers        int    `toml:"workers"`
	PublishRetries int    `toml:"publish_retries"`
}

// LimitsConfig holds the upload limits.
type LimitsConfig struct {
	// DailyVoiceLimit defaults to 50 when unset; 0 disables the quota.
	DailyVoiceLimit         *int    `toml:"daily_voice_limit"`
	MaxAudioDurationSeconds int     `toml:"max_audio_duration_seconds"`
	MaxUploadSize           string  `toml:"max_upload_size"`
	UploadsPerSecond        float64 `toml:"uploads_per_second"`
	UploadBurst             int     `toml:"upload_burst"`

	maxUploadBytes uint64
}

// ReaperConfig controls the stale-run reaper.
type ReaperConfig struct {
	Enabled             bool   `toml:"enabled"`
	Schedule            string `toml:"schedule"`
	StaleAfterSeconds   int    `toml:"stale_after_seconds"`
	RedriveAfterSeconds int    `toml:"redrive_after_seconds"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
}

// Config is the root configuration structure.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Providers ProvidersConfig `toml:"providers"`
	Secrets   SecretsConfig   `toml:"secrets"`
	Storage   StorageConfig   `toml:"storage"`
	NATS      NATSConfig      `toml:"nats"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Limits    LimitsConfig    `toml:"limits"`
	Reaper    ReaperConfig    `toml:"reaper"`
	Paths     PathsConfig     `toml:"paths"`
}

// Load loads and validates the configuration for the voice-reply-service.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	validateErr := cfg.Validate()
	if validateErr != nil {
		return nil, validateErr
	}

	return &cfg, nil
}

func defaultString(value *string, fallback string) {
	if *value == "" {
		*value = fallback
	}
}

func defaultInt(value *int, fallback int) {
	if *value <= 0 {
		*value = fallback
	}
}

func oneOf(field, value string, allowed ...string) error {
	for _, candidate := range allowed {
		if value == candidate {
			return nil
		}
	}

	return fmt.Errorf(errFmtInvalidEnum, ErrInvalidConfig, field, allowed, value)
}

// Validate fills in defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	c.applyDefaults()

	enumErr := errors.Join(
		oneOf("providers.mode", c.Providers.Mode, ModeMock, ModeLive),
		oneOf("scheduler.kind", c.Scheduler.Kind, SchedulerInline, SchedulerNATS),
		oneOf("storage.audio_backend", c.Storage.AudioBackend, AudioBackendFS, AudioBackendNATS),
		oneOf("secrets.source", c.Secrets.Source, SecretsEnv, SecretsSSM),
	)
	if enumErr != nil {
		return enumErr
	}

	maxBytes, sizeErr := humanize.ParseBytes(c.Limits.MaxUploadSize)
	if sizeErr != nil {
		return fmt.Errorf(errFmtInvalidSize, ErrInvalidConfig, c.Limits.MaxUploadSize, sizeErr)
	}

	c.Limits.maxUploadBytes = maxBytes

	if *c.Limits.DailyVoiceLimit < 0 {
		return fmt.Errorf(errFmtNegative, ErrInvalidConfig, "limits.daily_voice_limit", *c.Limits.DailyVoiceLimit)
	}

	if c.Reaper.Enabled {
		if !gronx.IsValid(c.Reaper.Schedule) {
			return fmt.Errorf(errFmtInvalidCron, ErrInvalidConfig, c.Reaper.Schedule)
		}

		runBudget := c.Providers.STTTimeout() + c.Providers.LLMTimeout() + c.Providers.TTSTimeout() + staleMargin
		if c.Reaper.StaleAfter() <= runBudget {
			return fmt.Errorf(errFmtStaleAfter, ErrInvalidConfig, c.Reaper.StaleAfter(), staleMargin, runBudget)
		}
	}

	if c.Providers.Mode == ModeLive && c.Providers.TTSBaseURL == "" {
		return fmt.Errorf(errFmtRequired, ErrInvalidConfig, "providers.tts_base_url")
	}

	if c.Secrets.Source == SecretsSSM && c.Secrets.SSMParameter == "" {
		return fmt.Errorf(errFmtRequired, ErrInvalidConfig, "secrets.ssm_parameter")
	}

	if c.Scheduler.Kind == SchedulerNATS || c.Storage.AudioBackend == AudioBackendNATS {
		if c.NATS.URL == "" {
			return fmt.Errorf(errFmtRequired, ErrInvalidConfig, "nats.url")
		}
	}

	return nil
}

func (c *Config) applyDefaults() {
	defaultString(&c.Server.Address, ":8080")
	defaultInt(&c.Server.ReadTimeoutSeconds, 15)
	defaultInt(&c.Server.WriteTimeoutSeconds, 30)
	defaultInt(&c.Server.ShutdownTimeoutSeconds, 20)
	defaultString(&c.Server.PublicAudioPrefix, "/static/audio")

	defaultString(&c.Providers.Mode, ModeMock)
	defaultString(&c.Providers.OpenAIBaseURL, "https://api.openai.com/v1")
	defaultString(&c.Providers.ChatModel, "gpt-4o-mini")
	defaultString(&c.Providers.WhisperModel, "whisper-1")
	defaultString(&c.Providers.DefaultVoice, "default")
	defaultInt(&c.Providers.STTTimeoutSeconds, 60)
	defaultInt(&c.Providers.LLMTimeoutSeconds, 30)
	defaultInt(&c.Providers.TTSTimeoutSeconds, 60)
	defaultInt(&c.Providers.CloneTimeoutSeconds, 60)

	defaultString(&c.Secrets.Source, SecretsEnv)
	defaultString(&c.Secrets.EnvVar, "OPENAI_API_KEY")

	defaultString(&c.Storage.DatabasePath, "data/voice.db")
	defaultString(&c.Storage.AudioBackend, AudioBackendFS)
	defaultString(&c.Storage.AudioDir, "static/audio")
	defaultString(&c.Storage.AudioBucket, "VOICE_AUDIO")

	defaultString(&c.NATS.StreamName, "VOICE_PIPELINE")
	defaultString(&c.NATS.Subject, "voice.pipeline.run")
	defaultString(&c.NATS.ConsumerName, "voice-pipeline-workers")
	defaultInt(&c.NATS.AckWaitSeconds, 300)
	defaultInt(&c.NATS.MaxDeliver, 5)

	defaultString(&c.Scheduler.Kind, SchedulerInline)
	defaultInt(&c.Scheduler.Workers, 4)
	defaultInt(&c.Scheduler.PublishRetries, 3)

	if c.Limits.DailyVoiceLimit == nil {
		limit := defaultDailyVoiceLimit
		c.Limits.DailyVoiceLimit = &limit
	}

	defaultInt(&c.Limits.MaxAudioDurationSeconds, 60)
	defaultString(&c.Limits.MaxUploadSize, "10MB")

	if c.Limits.UploadsPerSecond <= 0 {
		c.Limits.UploadsPerSecond = 1
	}

	defaultInt(&c.Limits.UploadBurst, 5)

	defaultString(&c.Reaper.Schedule, "*/5 * * * *")
	defaultInt(&c.Reaper.StaleAfterSeconds, 900)
	defaultInt(&c.Reaper.RedriveAfterSeconds, 60)

	defaultString(&c.Paths.BaseLogsDir, "logs")
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// MaxUploadBytes returns the parsed upload size limit. Valid after Validate.
func (l LimitsConfig) MaxUploadBytes() uint64 { return l.maxUploadBytes }

// DailyLimit returns the per-user daily message quota; 0 means unlimited.
// Valid after Validate.
func (l LimitsConfig) DailyLimit() int {
	if l.DailyVoiceLimit == nil {
		return defaultDailyVoiceLimit
	}

	return *l.DailyVoiceLimit
}

// MaxAudioDuration returns the longest accepted clip.
func (l LimitsConfig) MaxAudioDuration() time.Duration { return seconds(l.MaxAudioDurationSeconds) }

// ReadTimeout returns the server read timeout.
func (s ServerConfig) ReadTimeout() time.Duration { return seconds(s.ReadTimeoutSeconds) }

// WriteTimeout returns the server write timeout.
func (s ServerConfig) WriteTimeout() time.Duration { return seconds(s.WriteTimeoutSeconds) }

// ShutdownTimeout bounds graceful shutdown.
func (s ServerConfig) ShutdownTimeout() time.Duration { return seconds(s.ShutdownTimeoutSeconds) }

// STTTimeout bounds one transcription call.
func (p ProvidersConfig) STTTimeout() time.Duration { return seconds(p.STTTimeoutSeconds) }

// LLMTimeout bounds one reply generation call.
func (p ProvidersConfig) LLMTimeout() time.Duration { return seconds(p.LLMTimeoutSeconds) }

// TTSTimeout bounds one synthesis call.
func (p ProvidersConfig) TTSTimeout() time.Duration { return seconds(p.TTSTimeoutSeconds) }

// CloneTimeout bounds one voice upload.
func (p ProvidersConfig) CloneTimeout() time.Duration { return seconds(p.CloneTimeoutSeconds) }

// AckWait returns how long JetStream waits for an ack before redelivery.
func (n NATSConfig) AckWait() time.Duration { return seconds(n.AckWaitSeconds) }

// StaleAfter returns how long an assistant message may stay in processing.
func (r ReaperConfig) StaleAfter() time.Duration { return seconds(r.StaleAfterSeconds) }

// RedriveAfter returns how old an undispatched user message must be before the
// reaper schedules it again.
func (r ReaperConfig) RedriveAfter() time.Duration { return seconds(r.RedriveAfterSeconds) }
