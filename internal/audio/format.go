// Package audio provides upload format detection, WAV probing and the silent
// placeholder recording used when synthesis fails.
package audio

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Format represents supported audio container formats.
type Format string

const (
	FormatWAV  Format = "wav"
	FormatMP3  Format = "mp3"
	FormatFLAC Format = "flac"
	FormatOGG  Format = "ogg"
	FormatM4A  Format = "m4a"
	FormatAAC  Format = "aac"
	FormatWEBM Format = "webm"
)

const errFmtUnsupportedFormat = "%w: %q"

// ErrUnsupportedFormat is returned for file extensions that are not audio containers.
var ErrUnsupportedFormat = errors.New("unsupported audio format")

var contentTypes = map[Format]string{
	FormatWAV:  "audio/wav",
	FormatMP3:  "audio/mpeg",
	FormatFLAC: "audio/flac",
	FormatOGG:  "audio/ogg",
	FormatM4A:  "audio/mp4",
	FormatAAC:  "audio/aac",
	FormatWEBM: "audio/webm",
}

// FormatFromFilename resolves the audio format from a file name's extension.
func FormatFromFilename(filename string) (Format, error) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))

	format := Format(ext)
	if _, ok := contentTypes[format]; !ok {
		return "", fmt.Errorf(errFmtUnsupportedFormat, ErrUnsupportedFormat, filename)
	}

	return format, nil
}

// ContentType returns the MIME type for the format.
func (f Format) ContentType() string {
	if contentType, ok := contentTypes[f]; ok {
		return contentType
	}

	return "application/octet-stream"
}

// ContentTypeForKey returns the MIME type for a stored object key.
func ContentTypeForKey(key string) string {
	format, err := FormatFromFilename(key)
	if err != nil {
		return "application/octet-stream"
	}

	return format.ContentType()
}

// IsAudioContentType reports whether a response Content-Type header denotes audio.
func IsAudioContentType(contentType string) bool {
	mediaType := strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))

	return strings.HasPrefix(mediaType, "audio/")
}
