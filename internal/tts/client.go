// Package tts provides the speech synthesis and voice cloning providers backed by
// an IndexTTS-compatible HTTP service.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/book-expert/voice-reply-service/internal/audio"
)

// API endpoints and paths.
const (
	apiSynthesize  = "/tts"
	apiUploadAudio = "/upload_audio"
	apiHealth      = "/health"
)

// HTTP headers.
const (
	headerContentType = "Content-Type"
	headerAccept      = "Accept"
	contentTypeJSON   = "application/json"
	acceptAudio       = "audio/*"
	formFieldFile     = "file"
)

const (
	maxErrorBodyBytes = 4096
	maxAudioBytes     = 64 << 20
)

// Error messages.
const (
	errFmtUnexpectedContentType = "%w: got %q"
	errFmtServiceStatus         = "TTS service returned %s: %s"
	errFmtSendRequest           = "failed to send request to TTS service at %s: %w"
)

var (
	// ErrEmptyText is returned when there is nothing to synthesize.
	ErrEmptyText = errors.New("text cannot be empty")
	// ErrUnexpectedContentType is returned when a 200 response does not carry audio.
	ErrUnexpectedContentType = errors.New("unexpected content type: expected audio")
	// ErrEmptyAudio is returned when a 200 response has no body.
	ErrEmptyAudio = errors.New("received empty audio data")
	// ErrEmptyVoicePath is returned when an upload response has no server path.
	ErrEmptyVoicePath = errors.New("upload response has no absolute_path")
)

// StatusError is returned for non-200 responses.
type StatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf(errFmtServiceStatus, e.Status, e.Body)
}

// Emotion selects the engine's emotion control mode; mode 0 follows the voice prompt.
type Emotion struct {
	Mode int `json:"mode"`
}

// SpeechRequest is the JSON payload of a synthesis request.
type SpeechRequest struct {
	Text string `json:"text"`
	// PromptAudioPath is the server-side path of the reference voice.
	PromptAudioPath string  `json:"prompt_audio_path"`
	Emotion         Emotion `json:"emotion"`
}

type uploadResponse struct {
	AbsolutePath string `json:"absolute_path"`
}

// Client talks to the synthesis HTTP service.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient configures a client for baseURL (protocol and port included).
// The timeout applies to every request.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// GenerateSpeech requests synthesis and returns the audio bytes. Only a 200
// response with an audio content type and a non-empty body is a success.
func (c *Client) GenerateSpeech(ctx context.Context, req SpeechRequest) ([]byte, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrEmptyText
	}

	requestBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+apiSynthesize, bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set(headerContentType, contentTypeJSON)
	httpReq.Header.Set(headerAccept, acceptAudio)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf(errFmtSendRequest, c.baseURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	contentType := resp.Header.Get(headerContentType)
	if !audio.IsAudioContentType(contentType) {
		return nil, fmt.Errorf(errFmtUnexpectedContentType, ErrUnexpectedContentType, contentType)
	}

	audioData, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read audio data: %w", err)
	}

	if len(audioData) == 0 {
		return nil, ErrEmptyAudio
	}

	return audioData, nil
}

// UploadVoice uploads a reference sample and returns its absolute path on the
// synthesis server, which later serves as the voice reference.
func (c *Client) UploadVoice(ctx context.Context, filename string, data []byte) (string, error) {
	var body bytes.Buffer

	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile(formFieldFile, filename)
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}

	_, err = part.Write(data)
	if err != nil {
		return "", fmt.Errorf("failed to write form file: %w", err)
	}

	err = writer.Close()
	if err != nil {
		return "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+apiUploadAudio, &body)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set(headerContentType, writer.FormDataContentType())

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf(errFmtSendRequest, c.baseURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return "", statusError(resp)
	}

	var payload uploadResponse

	err = json.NewDecoder(resp.Body).Decode(&payload)
	if err != nil {
		return "", fmt.Errorf("failed to decode upload response: %w", err)
	}

	if strings.TrimSpace(payload.AbsolutePath) == "" {
		return "", ErrEmptyVoicePath
	}

	return payload.AbsolutePath, nil
}

// HealthCheck verifies that the synthesis service is reachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+apiHealth, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed for service at %s: %w", c.baseURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}

	return nil
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))

	return &StatusError{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       strings.TrimSpace(string(body)),
	}
}
