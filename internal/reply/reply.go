// Package reply implements the persona reply generators.
package reply

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-reply-service/internal/core"
	"github.com/tmc/langchaingo/llms"
)

// Fallback reply values.
const (
	FallbackTone    = "neutral"
	FallbackContent = "I'm having trouble thinking right now, but I'm here."

	mockTone       = "gentle"
	mockContentFmt = "Mock reply to: %s. I hope you are doing well!"
)

// Fallback returns the reply used whenever generation cannot produce one.
func Fallback() core.Reply {
	return core.Reply{Tone: FallbackTone, Content: FallbackContent, Degraded: true}
}

// Mock echoes the user's text in a fixed gentle tone.
type Mock struct{}

// Generate returns a deterministic reply derived from userText.
func (Mock) Generate(_ context.Context, _, userText string) core.Reply {
	return core.Reply{Tone: mockTone, Content: fmt.Sprintf(mockContentFmt, userText)}
}

type replyPayload struct {
	Tone    string `json:"tone"`
	Content string `json:"content"`
}

// LLM asks a chat model for a JSON tone/content pair.
type LLM struct {
	model llms.Model
	log   *logger.Logger
}

// NewLLM creates an LLM generator backed by model.
func NewLLM(model llms.Model, log *logger.Logger) *LLM {
	return &LLM{model: model, log: log}
}

// Generate never fails: remote errors, timeouts and unusable payloads all
// yield Fallback().
func (l *LLM) Generate(ctx context.Context, systemPrompt, userText string) core.Reply {
	resp, err := l.model.GenerateContent(ctx, []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, userText),
	}, llms.WithJSONMode())
	if err != nil {
		l.log.Error("LLM: chat completion failed, using fallback reply: %v", err)

		return Fallback()
	}

	if len(resp.Choices) == 0 {
		l.log.Warn("LLM: chat completion returned no choices, using fallback reply")

		return Fallback()
	}

	raw := resp.Choices[0].Content

	reply, ok := parseReply(raw)
	if !ok {
		l.log.Warn("LLM: unusable reply payload, using fallback reply: %q", raw)

		return Fallback()
	}

	return reply
}

// parseReply decodes a tone/content document. A missing tone defaults to
// neutral; missing content makes the payload unusable.
func parseReply(raw string) (core.Reply, bool) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	var payload replyPayload

	unmarshalErr := json.Unmarshal([]byte(strings.TrimSpace(raw)), &payload)
	if unmarshalErr != nil {
		return core.Reply{}, false
	}

	content := strings.TrimSpace(payload.Content)
	if content == "" {
		return core.Reply{}, false
	}

	tone := strings.TrimSpace(payload.Tone)
	if tone == "" {
		tone = FallbackTone
	}

	return core.Reply{Tone: tone, Content: content}, true
}
