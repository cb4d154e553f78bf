package stt_test

import (
	"context"
	"errors"
	"testing"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-reply-service/internal/core"
	"github.com/book-expert/voice-reply-service/internal/stt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockClient is a hand-written stand-in for the OpenAI client.
type mockClient struct {
	text     string
	err      error
	gotModel string
	gotName  string
}

func (m *mockClient) Transcribe(_ context.Context, model, filename string, _ []byte) (string, error) {
	m.gotModel = model
	m.gotName = filename

	return m.text, m.err
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "stt-test.log")
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	return log
}

func TestMock_AlwaysSucceeds(t *testing.T) {
	t.Parallel()

	text, err := stt.Mock{}.Transcribe(context.Background(), core.AudioClip{})
	require.NoError(t, err)
	assert.Equal(t, stt.MockTranscript, text)
}

func TestWhisper_Success(t *testing.T) {
	t.Parallel()

	client := &mockClient{text: "  hello grandma \n"}
	transcriber := stt.NewWhisper(client, "whisper-1", newTestLogger(t))

	text, err := transcriber.Transcribe(context.Background(), core.AudioClip{Key: "msg_1_a.wav", Data: []byte("RIFF")})
	require.NoError(t, err)
	assert.Equal(t, "hello grandma", text)
	assert.Equal(t, "whisper-1", client.gotModel)
	assert.Equal(t, "msg_1_a.wav", client.gotName)
}

func TestWhisper_FailuresWrapTranscriptionError(t *testing.T) {
	t.Parallel()

	log := newTestLogger(t)
	clip := core.AudioClip{Key: "msg_1_a.wav", Data: []byte("RIFF")}

	cases := map[string]struct {
		client *mockClient
		clip   core.AudioClip
	}{
		"network":          {client: &mockClient{err: errors.New("connection refused")}, clip: clip},
		"empty transcript": {client: &mockClient{text: "   "}, clip: clip},
		"empty audio":      {client: &mockClient{text: "never used"}, clip: core.AudioClip{Key: "x.wav"}},
	}

	for name, tc := range cases {
		_, err := stt.NewWhisper(tc.client, "whisper-1", log).Transcribe(context.Background(), tc.clip)
		require.ErrorIs(t, err, core.ErrTranscription, name)
	}
}
