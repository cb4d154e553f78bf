package openai

import (
	"context"
	"fmt"
	"sync"

	"github.com/tmc/langchaingo/llms"
	lcopenai "github.com/tmc/langchaingo/llms/openai"
)

var _ llms.Model = (*ChatModel)(nil)

// ChatModel is a langchaingo chat model that resolves its API key on every
// call, so keys rotated in the parameter store are picked up without a restart.
type ChatModel struct {
	client *Client
	model  string

	mu     sync.Mutex
	apiKey string
	llm    *lcopenai.LLM
}

// ChatModel returns a chat model sharing the client's base URL, HTTP client
// and key source.
func (c *Client) ChatModel(model string) (*ChatModel, error) {
	if model == "" {
		return nil, ErrEmptyModel
	}

	return &ChatModel{client: c, model: model}, nil
}

// GenerateContent sends messages to the chat completion endpoint.
func (m *ChatModel) GenerateContent(
	ctx context.Context,
	messages []llms.MessageContent,
	options ...llms.CallOption,
) (*llms.ContentResponse, error) {
	llm, resolveErr := m.resolve(ctx)
	if resolveErr != nil {
		return nil, resolveErr
	}

	resp, generateErr := llm.GenerateContent(ctx, messages, options...)
	if generateErr != nil {
		return nil, fmt.Errorf(errFmtGenerate, generateErr)
	}

	return resp, nil
}

// Call sends a single human prompt and returns the first choice.
func (m *ChatModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func (m *ChatModel) resolve(ctx context.Context) (*lcopenai.LLM, error) {
	apiKey, keyErr := m.client.keys.APIKey(ctx)
	if keyErr != nil {
		return nil, fmt.Errorf(errFmtResolveKey, keyErr)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.llm != nil && m.apiKey == apiKey {
		return m.llm, nil
	}

	llm, newErr := lcopenai.New(
		lcopenai.WithToken(apiKey),
		lcopenai.WithModel(m.model),
		lcopenai.WithBaseURL(apiBase(m.client.baseURL)),
		lcopenai.WithHTTPClient(m.client.httpClient),
	)
	if newErr != nil {
		return nil, fmt.Errorf(errFmtCreateModel, newErr)
	}

	m.llm = llm
	m.apiKey = apiKey

	return llm, nil
}
