package domain

import "strings"

// whisperModelAliases maps hub-style whisper names to the canonical
// faster-whisper artifact names so configuration drift cannot silently
// select a different model size.
var whisperModelAliases = map[string]string{
	"openai/whisper-large-v3-turbo": "large-v3-turbo",
	"openai/whisper-large-v3":       "large-v3",
	"openai/whisper-large-v2":       "large-v2",
	"openai/whisper-large-v1":       "large-v1",
	"openai/whisper-large":          "large",
	"openai/whisper-medium":         "medium",
	"openai/whisper-small":          "small",
	"openai/whisper-base":           "base",
	"openai/whisper-tiny":           "tiny",
}

// ResolveWhisperModel normalizes a configured model name through the alias
// table. Unknown names pass through unchanged.
func ResolveWhisperModel(configured string) string {
	cleaned := strings.TrimSpace(configured)
	if canonical, ok := whisperModelAliases[strings.ToLower(cleaned)]; ok {
		return canonical
	}
	return cleaned
}
