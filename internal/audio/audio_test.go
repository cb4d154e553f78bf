package audio_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/book-expert/voice-reply-service/internal/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSilentWAV_IsPlayable(t *testing.T) {
	t.Parallel()

	data := audio.SilentWAV(0)
	require.NotEmpty(t, data)

	info, err := audio.Inspect(data)
	require.NoError(t, err)

	assert.Equal(t, audio.PlaceholderSampleRate, info.SampleRate)
	assert.Equal(t, audio.PlaceholderChannels, info.Channels)
	assert.Equal(t, audio.PlaceholderBitDepth, info.BitDepth)
	assert.InDelta(t, audio.PlaceholderDuration.Seconds(), info.Duration.Seconds(), 0.01)
}

func TestSilentWAV_DecodesToSilence(t *testing.T) {
	t.Parallel()

	decoder := wav.NewDecoder(bytes.NewReader(audio.SilentWAV(100 * time.Millisecond)))

	buf, err := decoder.FullPCMBuffer()
	require.NoError(t, err)
	require.Len(t, buf.Data, audio.PlaceholderSampleRate/10)

	for _, sample := range buf.Data {
		require.Zero(t, sample)
	}
}

func TestSilentWAV_Deterministic(t *testing.T) {
	t.Parallel()

	assert.Equal(t, audio.SilentWAV(time.Second), audio.SilentWAV(time.Second))
	assert.Len(t, audio.SilentWAV(time.Second), 44+audio.PlaceholderSampleRate*2)
}

func TestInspect_RejectsNonWAV(t *testing.T) {
	t.Parallel()

	_, err := audio.Inspect([]byte(`{"error": "something wrong"}`))
	require.ErrorIs(t, err, audio.ErrInvalidWAV)
}

func TestFormatFromFilename(t *testing.T) {
	t.Parallel()

	tests := []struct {
		filename string
		want     audio.Format
		wantErr  bool
	}{
		{filename: "clip.wav", want: audio.FormatWAV},
		{filename: "CLIP.MP3", want: audio.FormatMP3},
		{filename: "voice.webm", want: audio.FormatWEBM},
		{filename: "notes.txt", wantErr: true},
		{filename: "noext", wantErr: true},
	}

	for _, tc := range tests {
		got, err := audio.FormatFromFilename(tc.filename)
		if tc.wantErr {
			require.ErrorIs(t, err, audio.ErrUnsupportedFormat, tc.filename)

			continue
		}

		require.NoError(t, err, tc.filename)
		assert.Equal(t, tc.want, got)
	}
}

func TestIsAudioContentType(t *testing.T) {
	t.Parallel()

	assert.True(t, audio.IsAudioContentType("audio/wav"))
	assert.True(t, audio.IsAudioContentType("audio/x-wav; charset=binary"))
	assert.False(t, audio.IsAudioContentType("application/octet-stream"))
	assert.False(t, audio.IsAudioContentType("application/json"))
	assert.False(t, audio.IsAudioContentType(""))
}

func TestContentTypeForKey(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "audio/wav", audio.ContentTypeForKey("reply_1_abc.wav"))
	assert.Equal(t, "application/octet-stream", audio.ContentTypeForKey("unknown.bin"))
}

func TestInfo_Validate(t *testing.T) {
	t.Parallel()

	valid := audio.Info{SampleRate: 16000, Channels: 1, BitDepth: 16}
	require.NoError(t, valid.Validate())

	cases := map[string]audio.Info{
		"zero rate":    {SampleRate: 0, Channels: 1, BitDepth: 16},
		"huge rate":    {SampleRate: 400000, Channels: 1, BitDepth: 16},
		"odd depth":    {SampleRate: 16000, Channels: 1, BitDepth: 12},
		"no channels":  {SampleRate: 16000, Channels: 0, BitDepth: 16},
		"many channel": {SampleRate: 16000, Channels: 12, BitDepth: 16},
	}

	for name, info := range cases {
		require.ErrorIs(t, info.Validate(), audio.ErrInvalidStream, name)
	}
}
