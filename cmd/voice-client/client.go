package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/book-expert/voice-reply-service/internal/core"
	"github.com/book-expert/voice-reply-service/internal/ingress"
)

const (
	errFmtStatus  = "%s %s: status %d: %s"
	errFmtRequest = "failed to build request: %w"
	errFmtDecode  = "failed to decode response: %w"
)

// apiClient talks to the service's HTTP API on behalf of one user.
type apiClient struct {
	baseURL string
	userID  string
	http    *http.Client
}

func newAPIClient(baseURL, userID string, timeout time.Duration) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		userID:  userID,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *apiClient) health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, "", nil)
}

func (c *apiClient) history(ctx context.Context, personaID uint, limit int) ([]core.Message, error) {
	path := "/api/v1/conversations/" + strconv.FormatUint(uint64(personaID), 10) + "/messages"
	if limit > 0 {
		path += "?" + url.Values{"limit": {strconv.Itoa(limit)}}.Encode()
	}

	var messages []core.Message

	err := c.do(ctx, http.MethodGet, path, nil, "", &messages)

	return messages, err
}

func (c *apiClient) send(ctx context.Context, personaID uint, filename string, data []byte) (core.Message, error) {
	var body bytes.Buffer

	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return core.Message{}, fmt.Errorf(errFmtRequest, err)
	}

	_, err = part.Write(data)
	if err != nil {
		return core.Message{}, fmt.Errorf(errFmtRequest, err)
	}

	err = writer.Close()
	if err != nil {
		return core.Message{}, fmt.Errorf(errFmtRequest, err)
	}

	var msg core.Message

	path := "/api/v1/conversations/" + strconv.FormatUint(uint64(personaID), 10) + "/send"
	err = c.do(ctx, http.MethodPost, path, &body, writer.FormDataContentType(), &msg)

	return msg, err
}

// download fetches an audio URL, relative to the server when it has no host, into target.
func (c *apiClient) download(ctx context.Context, audioURL, target string) error {
	if strings.HasPrefix(audioURL, "/") {
		audioURL = c.baseURL + audioURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, audioURL, nil)
	if err != nil {
		return fmt.Errorf(errFmtRequest, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf(errFmtStatus, http.MethodGet, audioURL, resp.StatusCode, "")
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	return os.WriteFile(target, data, 0o600)
}

func (c *apiClient) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf(errFmtRequest, err)
	}

	if c.userID != "" {
		req.Header.Set(ingress.UserIDHeader, c.userID)
	}

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}

		_ = json.NewDecoder(resp.Body).Decode(&apiErr)

		return fmt.Errorf(errFmtStatus, method, path, resp.StatusCode, strings.TrimSpace(apiErr.Code+" "+apiErr.Error))
	}

	if out == nil {
		return nil
	}

	err = json.NewDecoder(resp.Body).Decode(out)
	if err != nil {
		return fmt.Errorf(errFmtDecode, err)
	}

	return nil
}
