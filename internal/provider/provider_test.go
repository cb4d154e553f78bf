package provider_test

import (
	"testing"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-reply-service/internal/config"
	"github.com/book-expert/voice-reply-service/internal/objectstore"
	"github.com/book-expert/voice-reply-service/internal/openai"
	"github.com/book-expert/voice-reply-service/internal/provider"
	"github.com/book-expert/voice-reply-service/internal/reply"
	"github.com/book-expert/voice-reply-service/internal/secrets"
	"github.com/book-expert/voice-reply-service/internal/stt"
	"github.com/book-expert/voice-reply-service/internal/tts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "provider-test.log")
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = log.Close()
	})

	return log
}

func validated(t *testing.T, mutate func(*config.Config)) config.ProvidersConfig {
	t.Helper()

	var cfg config.Config

	mutate(&cfg)
	require.NoError(t, cfg.Validate())

	return cfg.Providers
}

func TestNew_MockMode(t *testing.T) {
	t.Parallel()

	store, err := objectstore.NewFileStore(t.TempDir())
	require.NoError(t, err)

	set, err := provider.New(validated(t, func(*config.Config) {}), store, nil, newTestLogger(t))
	require.NoError(t, err)

	assert.IsType(t, stt.Mock{}, set.Transcriber)
	assert.IsType(t, reply.Mock{}, set.Generator)
	assert.IsType(t, &tts.MockSpeaker{}, set.Speaker)
	assert.Same(t, set.Speaker, set.Cloner)
	assert.Nil(t, set.TTS)
}

func TestNew_LiveMode(t *testing.T) {
	t.Parallel()

	store, err := objectstore.NewFileStore(t.TempDir())
	require.NoError(t, err)

	cfg := validated(t, func(c *config.Config) {
		c.Providers.Mode = config.ModeLive
		c.Providers.TTSBaseURL = "http://127.0.0.1:7860"
	})

	set, err := provider.New(cfg, store, secrets.StaticKey("sk-test"), newTestLogger(t))
	require.NoError(t, err)

	assert.IsType(t, &stt.Whisper{}, set.Transcriber)
	assert.IsType(t, &reply.LLM{}, set.Generator)
	assert.IsType(t, &tts.HTTPSpeaker{}, set.Speaker)
	assert.NotNil(t, set.TTS)
}

func TestNew_LiveModeRequiresKeys(t *testing.T) {
	t.Parallel()

	cfg := validated(t, func(c *config.Config) {
		c.Providers.Mode = config.ModeLive
		c.Providers.TTSBaseURL = "http://127.0.0.1:7860"
	})

	_, err := provider.New(cfg, nil, nil, newTestLogger(t))
	require.ErrorIs(t, err, openai.ErrNilKeySource)
}

func TestNew_UnknownMode(t *testing.T) {
	t.Parallel()

	_, err := provider.New(config.ProvidersConfig{Mode: "carrier-pigeon"}, nil, nil, newTestLogger(t))
	require.ErrorIs(t, err, provider.ErrUnknownMode)
}
