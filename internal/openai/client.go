// Package openai talks to OpenAI-compatible APIs: audio transcription over a
// focused HTTP client and chat completion through langchaingo.
package openai

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

	"github.com/book-expert/voice-reply-service/internal/secrets"
)

const (
	defaultBaseURL      = "https://api.openai.com/v1"
	defaultTimeout      = 60 * time.Second
	maxErrorBodyBytes   = 4096
	maxResponseBodySize = 1 << 20

	pathTranscription = "/audio/transcriptions"
	versionSuffix     = "/v1"

	headerAuthorization = "Authorization"
	headerContentType   = "Content-Type"

	formFieldFile  = "file"
	formFieldModel = "model"
)

// Error messages.
const (
	errFmtCreateModel     = "openai: create chat model: %w"
	errFmtGenerate        = "openai: generate content: %w"
	errFmtCreateRequest   = "openai: create request: %w"
	errFmtRequestFailed   = "openai: request failed: %w"
	errFmtDecodeResponse  = "openai: decode response: %w"
	errFmtBuildMultipart  = "openai: build multipart body: %w"
	errFmtResolveKey      = "openai: resolve api key: %w"
	errFmtReadResponse    = "openai: read response body: %w"
	errFmtUnexpectedState = "openai: unexpected status %d from %s: %s"
)

var (
	// ErrNilKeySource is returned when a client is built without a key source.
	ErrNilKeySource = errors.New("openai: key source must not be nil")
	// ErrEmptyModel is returned when no model is given.
	ErrEmptyModel = errors.New("openai: model must not be empty")
)

type transcriptionResponse struct {
	Text string `json:"text"`
}

// HTTPStatusError captures non-2xx upstream responses.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf(errFmtUnexpectedState, e.StatusCode, e.URL, e.Body)
}

// Client talks to an OpenAI-compatible API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	keys       secrets.KeySource
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API base URL.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if trimmed := strings.TrimSpace(baseURL); trimmed != "" {
			c.baseURL = trimmed
		}
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a client that authenticates with keys.
func NewClient(keys secrets.KeySource, opts ...Option) (*Client, error) {
	if keys == nil {
		return nil, ErrNilKeySource
	}

	c := &Client{
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
		keys:       keys,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// apiBase returns baseURL normalized to end in exactly one /v1 segment.
func apiBase(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}

	if strings.HasSuffix(base, versionSuffix) {
		return base
	}

	return base + versionSuffix
}

func endpointURL(baseURL, path string) string {
	return apiBase(baseURL) + path
}

// Transcribe uploads audio to the transcription endpoint and returns the text.
func (c *Client) Transcribe(ctx context.Context, model, filename string, audio []byte) (string, error) {
	if model == "" {
		return "", ErrEmptyModel
	}

	var buf bytes.Buffer

	writer := multipart.NewWriter(&buf)

	part, partErr := writer.CreateFormFile(formFieldFile, filename)
	if partErr != nil {
		return "", fmt.Errorf(errFmtBuildMultipart, partErr)
	}

	_, copyErr := part.Write(audio)
	if copyErr != nil {
		return "", fmt.Errorf(errFmtBuildMultipart, copyErr)
	}

	fieldErr := writer.WriteField(formFieldModel, model)
	if fieldErr != nil {
		return "", fmt.Errorf(errFmtBuildMultipart, fieldErr)
	}

	closeErr := writer.Close()
	if closeErr != nil {
		return "", fmt.Errorf(errFmtBuildMultipart, closeErr)
	}

	raw, doErr := c.post(ctx, pathTranscription, writer.FormDataContentType(), buf.Bytes())
	if doErr != nil {
		return "", doErr
	}

	var payload transcriptionResponse

	decodeErr := json.Unmarshal(raw, &payload)
	if decodeErr != nil {
		return "", fmt.Errorf(errFmtDecodeResponse, decodeErr)
	}

	return payload.Text, nil
}

func (c *Client) post(ctx context.Context, path, contentType string, body []byte) ([]byte, error) {
	apiKey, keyErr := c.keys.APIKey(ctx)
	if keyErr != nil {
		return nil, fmt.Errorf(errFmtResolveKey, keyErr)
	}

	url := endpointURL(c.baseURL, path)

	req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if reqErr != nil {
		return nil, fmt.Errorf(errFmtCreateRequest, reqErr)
	}

	req.Header.Set(headerContentType, contentType)
	req.Header.Set(headerAuthorization, "Bearer "+apiKey)

	res, doErr := c.httpClient.Do(req)
	if doErr != nil {
		return nil, fmt.Errorf(errFmtRequestFailed, doErr)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < http.StatusOK || res.StatusCode >= http.StatusMultipleChoices {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBodyBytes))

		return nil, &HTTPStatusError{StatusCode: res.StatusCode, URL: url, Body: string(buf)}
	}

	buf, readErr := io.ReadAll(io.LimitReader(res.Body, maxResponseBodySize))
	if readErr != nil {
		return nil, fmt.Errorf(errFmtReadResponse, readErr)
	}

	return buf, nil
}
