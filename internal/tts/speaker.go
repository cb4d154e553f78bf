package tts

import (
	"context"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-reply-service/internal/audio"
	"github.com/book-expert/voice-reply-service/internal/core"
	"github.com/book-expert/voice-reply-service/internal/tts/text"
	"github.com/dustin/go-humanize"
)

// MockVoiceID is the voice reference returned by the mock cloner.
const MockVoiceID = "mock-voice-id-123"

// placeholderWriteTimeout bounds the placeholder upload, which runs even after
// the synthesis context has expired.
const placeholderWriteTimeout = 10 * time.Second

// speechClient is satisfied by *Client.
type speechClient interface {
	GenerateSpeech(ctx context.Context, req SpeechRequest) ([]byte, error)
	UploadVoice(ctx context.Context, filename string, data []byte) (string, error)
}

// writePlaceholder stores a silent recording under key. It reports whether the
// write succeeded.
func writePlaceholder(ctx context.Context, store core.AudioStore, log *logger.Logger, key string) bool {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), placeholderWriteTimeout)
	defer cancel()

	uploadErr := store.Upload(writeCtx, key, audio.SilentWAV(audio.PlaceholderDuration))
	if uploadErr != nil {
		log.Error("TTS: failed to write placeholder audio %s: %v", key, uploadErr)

		return false
	}

	return true
}

// HTTPSpeaker synthesizes replies through the remote service.
type HTTPSpeaker struct {
	client     speechClient
	store      core.AudioStore
	normalizer *text.Normalizer
	log        *logger.Logger
}

// NewHTTPSpeaker creates a speaker that writes synthesized audio into store.
func NewHTTPSpeaker(client speechClient, store core.AudioStore, log *logger.Logger) *HTTPSpeaker {
	return &HTTPSpeaker{
		client:     client,
		store:      store,
		normalizer: text.NewNormalizer(),
		log:        log,
	}
}

// Synthesize writes the synthesized reply under outputKey and returns true. On
// any failure it writes a placeholder recording under outputKey and returns false.
func (s *HTTPSpeaker) Synthesize(ctx context.Context, replyText, voiceRef, outputKey string) bool {
	audioData, err := s.client.GenerateSpeech(ctx, SpeechRequest{
		Text:            s.normalizer.Normalize(replyText),
		PromptAudioPath: voiceRef,
	})
	if err != nil {
		s.log.Error("TTS: synthesis for %s failed, writing placeholder: %v", outputKey, err)
		writePlaceholder(ctx, s.store, s.log, outputKey)

		return false
	}

	uploadErr := s.store.Upload(ctx, outputKey, audioData)
	if uploadErr != nil {
		s.log.Error("TTS: failed to store %s, writing placeholder: %v", outputKey, uploadErr)
		writePlaceholder(ctx, s.store, s.log, outputKey)

		return false
	}

	s.log.Info("TTS: stored %s (%s)", outputKey, humanize.Bytes(uint64(len(audioData))))

	return true
}

// CloneVoice uploads a sample and returns the server-side path used as its voice reference.
func (s *HTTPSpeaker) CloneVoice(ctx context.Context, sample core.AudioClip, name string) (string, error) {
	path, err := s.client.UploadVoice(ctx, sample.Key, sample.Data)
	if err != nil {
		s.log.Error("TTS: voice upload for %s failed: %v", name, err)

		return "", err
	}

	s.log.Info("TTS: voice for %s registered at %s", name, path)

	return path, nil
}

// MockSpeaker writes a placeholder recording for every request.
type MockSpeaker struct {
	store core.AudioStore
	log   *logger.Logger
}

// NewMockSpeaker creates a mock speaker that writes into store.
func NewMockSpeaker(store core.AudioStore, log *logger.Logger) *MockSpeaker {
	return &MockSpeaker{store: store, log: log}
}

// Synthesize writes a placeholder under outputKey and reports whether it was stored.
func (m *MockSpeaker) Synthesize(ctx context.Context, replyText, voiceRef, outputKey string) bool {
	m.log.Info("MOCK TTS: %d chars with voice %s -> %s", len(replyText), voiceRef, outputKey)

	return writePlaceholder(ctx, m.store, m.log, outputKey)
}

// CloneVoice returns MockVoiceID.
func (m *MockSpeaker) CloneVoice(_ context.Context, sample core.AudioClip, name string) (string, error) {
	m.log.Info("MOCK TTS: cloning voice for %s from %s", name, sample.Key)

	return MockVoiceID, nil
}
