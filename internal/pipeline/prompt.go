package pipeline

import (
	"fmt"

	"github.com/book-expert/voice-reply-service/internal/core"
)

// DefaultVoice is the voice reference used when a persona has no cloned voice.
const DefaultVoice = "default"

const systemPromptTemplate = `You are roleplaying as %s.
Your relationship to the user: %s.
The user calls you: %s.
You call the user: %s.

Analyze the user's input for emotion and intent.
Reply in JSON format:
{"tone": "emotion_label", "content": "your_reply_text"}
Keep the reply conversational and concise.`

// BuildSystemPrompt renders the persona instructions handed to the reply generator.
func BuildSystemPrompt(persona core.Persona) string {
	return fmt.Sprintf(systemPromptTemplate,
		persona.Name, persona.Relationship, persona.PersonaCalledBy, persona.UserCalledBy)
}

// ResolveVoice picks the synthesis voice: the cloned voice file, then the named
// voice, then fallback (DefaultVoice when empty).
func ResolveVoice(persona core.Persona, fallback string) string {
	switch {
	case persona.VoiceFilePath != "":
		return persona.VoiceFilePath
	case persona.VoiceID != "":
		return persona.VoiceID
	case fallback != "":
		return fallback
	default:
		return DefaultVoice
	}
}
