// Package stt implements the speech-to-text providers.
package stt

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-reply-service/internal/core"
	"github.com/dustin/go-humanize"
)

// MockTranscript is the text returned by the mock transcriber.
const MockTranscript = "This is a simulated transcription of your voice message."

const errFmtTranscription = "%w: %w"

var (
	errEmptyAudio      = errors.New("audio clip is empty")
	errEmptyTranscript = errors.New("transcript is empty")
)

// Mock always succeeds with MockTranscript.
type Mock struct{}

// Transcribe returns MockTranscript.
func (Mock) Transcribe(context.Context, core.AudioClip) (string, error) {
	return MockTranscript, nil
}

// transcriptionClient is satisfied by *openai.Client.
type transcriptionClient interface {
	Transcribe(ctx context.Context, model, filename string, audio []byte) (string, error)
}

// Whisper transcribes clips through an OpenAI-compatible Whisper endpoint.
type Whisper struct {
	client transcriptionClient
	model  string
	log    *logger.Logger
}

// NewWhisper creates a Whisper transcriber for the given model.
func NewWhisper(client transcriptionClient, model string, log *logger.Logger) *Whisper {
	return &Whisper{client: client, model: model, log: log}
}

// Transcribe uploads the clip and returns the recognised text. Every error wraps
// core.ErrTranscription; an empty transcript counts as a failure.
func (w *Whisper) Transcribe(ctx context.Context, clip core.AudioClip) (string, error) {
	if len(clip.Data) == 0 {
		return "", fmt.Errorf(errFmtTranscription, core.ErrTranscription, errEmptyAudio)
	}

	w.log.Info("Whisper: transcribing %s (%s)", clip.Key, humanize.Bytes(uint64(len(clip.Data))))

	text, err := w.client.Transcribe(ctx, w.model, clip.Key, clip.Data)
	if err != nil {
		w.log.Error("Whisper: transcription of %s failed: %v", clip.Key, err)

		return "", fmt.Errorf(errFmtTranscription, core.ErrTranscription, err)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf(errFmtTranscription, core.ErrTranscription, errEmptyTranscript)
	}

	return text, nil
}
