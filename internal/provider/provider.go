// Package provider assembles the transcription, reply and speech backends for
// the configured mode.
package provider

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-reply-service/internal/config"
	"github.com/book-expert/voice-reply-service/internal/core"
	"github.com/book-expert/voice-reply-service/internal/openai"
	"github.com/book-expert/voice-reply-service/internal/reply"
	"github.com/book-expert/voice-reply-service/internal/secrets"
	"github.com/book-expert/voice-reply-service/internal/stt"
	"github.com/book-expert/voice-reply-service/internal/tts"
)

// ErrUnknownMode is returned for a provider mode other than mock or live.
var ErrUnknownMode = errors.New("unknown provider mode")

// Set bundles the backends consumed by the pipeline and ingress.
type Set struct {
	Transcriber core.Transcriber
	Generator   core.ReplyGenerator
	Speaker     core.Speaker
	Cloner      core.VoiceCloner
	// TTS is the remote synthesis client in live mode and nil otherwise.
	TTS *tts.Client
}

// New builds the provider set. Mock mode needs no network access and no keys.
func New(cfg config.ProvidersConfig, store core.AudioStore, keys secrets.KeySource, log *logger.Logger) (*Set, error) {
	switch cfg.Mode {
	case config.ModeMock:
		speaker := tts.NewMockSpeaker(store, log)

		return &Set{
			Transcriber: stt.Mock{},
			Generator:   reply.Mock{},
			Speaker:     speaker,
			Cloner:      speaker,
		}, nil
	case config.ModeLive:
		return newLive(cfg, store, keys, log)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, cfg.Mode)
	}
}

func newLive(cfg config.ProvidersConfig, store core.AudioStore, keys secrets.KeySource, log *logger.Logger) (*Set, error) {
	httpTimeout := max(cfg.STTTimeout(), cfg.LLMTimeout())

	client, clientErr := openai.NewClient(
		keys,
		openai.WithBaseURL(cfg.OpenAIBaseURL),
		openai.WithHTTPClient(&http.Client{Timeout: httpTimeout + time.Second}),
	)
	if clientErr != nil {
		return nil, fmt.Errorf("failed to create openai client: %w", clientErr)
	}

	chatModel, modelErr := client.ChatModel(cfg.ChatModel)
	if modelErr != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", modelErr)
	}

	ttsClient := tts.NewClient(cfg.TTSBaseURL, max(cfg.TTSTimeout(), cfg.CloneTimeout()))
	speaker := tts.NewHTTPSpeaker(ttsClient, store, log)

	log.Info("Providers: live mode, chat=%s whisper=%s tts=%s", cfg.ChatModel, cfg.WhisperModel, cfg.TTSBaseURL)

	return &Set{
		Transcriber: stt.NewWhisper(client, cfg.WhisperModel, log),
		Generator:   reply.NewLLM(chatModel, log),
		Speaker:     speaker,
		Cloner:      speaker,
		TTS:         ttsClient,
	}, nil
}
