package domain

import "testing"

func TestResolveWhisperModel(t *testing.T) {
	cases := map[string]string{
		"openai/whisper-large-v3":        "large-v3",
		"OpenAI/Whisper-Large-V3-Turbo":  "large-v3-turbo",
		"  openai/whisper-tiny  ":        "tiny",
		"large-v3":                       "large-v3",
		"distil-whisper/distil-large-v3": "distil-whisper/distil-large-v3",
		"":                               "",
	}
	for input, want := range cases {
		if got := ResolveWhisperModel(input); got != want {
			t.Errorf("ResolveWhisperModel(%q) = %q, want %q", input, got, want)
		}
	}
}
