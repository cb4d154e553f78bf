package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Placeholder recording parameters.
const (
	PlaceholderSampleRate = 44100
	PlaceholderChannels   = 1
	PlaceholderBitDepth   = 16
	PlaceholderDuration   = 2 * time.Second

	pcmFormat = 1
)

var (
	// ErrInvalidWAV is returned when bytes cannot be decoded as a PCM WAV file.
	ErrInvalidWAV = errors.New("invalid wav data")

	errInvalidWhence = errors.New("invalid seek whence")
	errNegativeSeek  = errors.New("negative seek position")
)

// Info describes a decoded WAV stream.
type Info struct {
	SampleRate int
	Channels   int
	BitDepth   int
	Duration   time.Duration
}

// seekBuffer is an in-memory io.WriteSeeker; the WAV encoder seeks back to
// patch chunk sizes when it closes.
type seekBuffer struct {
	buf []byte
	pos int
}

func (s *seekBuffer) Write(p []byte) (int, error) {
	end := s.pos + len(p)
	if end > len(s.buf) {
		s.buf = append(s.buf, make([]byte, end-len(s.buf))...)
	}

	copy(s.buf[s.pos:], p)
	s.pos = end

	return len(p), nil
}

func (s *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	var base int

	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = s.pos
	case io.SeekEnd:
		base = len(s.buf)
	default:
		return 0, errInvalidWhence
	}

	next := base + int(offset)
	if next < 0 {
		return 0, errNegativeSeek
	}

	s.pos = next

	return int64(next), nil
}

// SilentWAV returns a playable mono 16-bit 44.1 kHz WAV file of silence.
// A non-positive duration yields PlaceholderDuration.
func SilentWAV(duration time.Duration) []byte {
	if duration <= 0 {
		duration = PlaceholderDuration
	}

	frames := int(float64(PlaceholderSampleRate) * duration.Seconds())

	var out seekBuffer

	encoder := wav.NewEncoder(&out, PlaceholderSampleRate, PlaceholderBitDepth, PlaceholderChannels, pcmFormat)

	// seekBuffer never fails, so neither can the encoder.
	_ = encoder.Write(&goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: PlaceholderChannels, SampleRate: PlaceholderSampleRate},
		Data:           make([]int, frames*PlaceholderChannels),
		SourceBitDepth: PlaceholderBitDepth,
	})
	_ = encoder.Close()

	return out.buf
}

// Inspect decodes the WAV header in data and reports its format and duration.
func Inspect(data []byte) (Info, error) {
	decoder := wav.NewDecoder(bytes.NewReader(data))
	if !decoder.IsValidFile() {
		return Info{}, ErrInvalidWAV
	}

	duration, err := decoder.Duration()
	if err != nil {
		return Info{}, fmt.Errorf("%w: %w", ErrInvalidWAV, err)
	}

	return Info{
		SampleRate: int(decoder.SampleRate),
		Channels:   int(decoder.NumChans),
		BitDepth:   int(decoder.BitDepth),
		Duration:   duration,
	}, nil
}

// Limits accepted for uploaded WAV streams.
const (
	MaxSampleRate = 192000
	MaxChannels   = 8
)

const (
	errFmtSampleRateRange = "%w: sample rate must be between 1 and %d Hz"
	errFmtBitDepthValues  = "%w: bit depth must be 8, 16, 24, or 32"
	errFmtChannelsRange   = "%w: channels must be between 1 and %d"
)

// ErrInvalidStream is returned when a decoded WAV stream has implausible parameters.
var ErrInvalidStream = errors.New("invalid audio stream parameters")

// Validate checks that the stream parameters are within reasonable bounds.
func (i Info) Validate() error {
	if i.SampleRate <= 0 || i.SampleRate > MaxSampleRate {
		return fmt.Errorf(errFmtSampleRateRange, ErrInvalidStream, MaxSampleRate)
	}

	switch i.BitDepth {
	case 8, 16, 24, 32:
	default:
		return fmt.Errorf(errFmtBitDepthValues, ErrInvalidStream)
	}

	if i.Channels <= 0 || i.Channels > MaxChannels {
		return fmt.Errorf(errFmtChannelsRange, ErrInvalidStream, MaxChannels)
	}

	return nil
}
