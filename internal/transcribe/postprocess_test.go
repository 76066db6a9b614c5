package transcribe

import (
	"os"
	"path/filepath"
	"testing"

	"whisperx-queue/internal/config"
)

func floatPtr(v float64) *float64 { return &v }

// TestRenderSubtitlesSkipsUnrenderableSegments checks cues require both
// timestamps and non-empty text, and numbering stays contiguous.
func TestRenderSubtitlesSkipsUnrenderableSegments(t *testing.T) {
	segments := []transcriptSegment{
		{Start: floatPtr(0), End: floatPtr(1.5), Text: "hi", Speaker: "A"},
		{Start: floatPtr(1.5), End: floatPtr(2), Text: "   ", Speaker: "B"},
		{Start: nil, End: floatPtr(3), Text: "no start"},
		{Start: floatPtr(3), End: floatPtr(4.25), Text: "bye"},
	}

	got := renderSubtitles(segments)
	want := "1\n00:00:00,000 --> 00:00:01,500\n[A] hi\n\n2\n00:00:03,000 --> 00:00:04,250\nbye\n"
	if got != want {
		t.Fatalf("renderSubtitles() = %q, want %q", got, want)
	}
}

// TestRenderTranscriptText checks speaker prefixes and blank-segment
// filtering.
func TestRenderTranscriptText(t *testing.T) {
	segments := []transcriptSegment{
		{Text: "  hi ", Speaker: "A"},
		{Text: ""},
		{Text: "plain"},
	}

	got := renderTranscriptText(segments)
	if got != "[A] hi\nplain\n" {
		t.Fatalf("renderTranscriptText() = %q", got)
	}
}

func TestFormatSRTTimestamp(t *testing.T) {
	cases := []struct {
		seconds float64
		want    string
	}{
		{0, "00:00:00,000"},
		{1.5, "00:00:01,500"},
		{3661.5, "01:01:01,500"},
		{0.0004, "00:00:00,000"},
		{-1, "00:00:00,000"},
	}
	for _, tc := range cases {
		if got := formatSRTTimestamp(tc.seconds); got != tc.want {
			t.Errorf("formatSRTTimestamp(%v) = %q, want %q", tc.seconds, got, tc.want)
		}
	}
}

// TestPostprocessOutputsWithSegments checks the canonical artifact set is
// derived from the newest JSON output.
func TestPostprocessOutputsWithSegments(t *testing.T) {
	root := t.TempDir()
	cfg := config.Default(root)
	pipeline := NewRunnerForTests(cfg, testLogger(), &fakeRunner{})

	outputDir := filepath.Join(root, "out")
	mustWriteFile(t, filepath.Join(outputDir, "meeting.json"),
		`{"segments":[{"start":0,"end":1.5,"text":"hi","speaker":"A"},{"start":1.5,"end":2,"text":"","speaker":"B"}]}`)

	artifacts, err := pipeline.postprocessOutputs(outputDir)
	if err != nil {
		t.Fatalf("postprocessOutputs() error = %v", err)
	}

	text, err := os.ReadFile(artifacts["txt"])
	if err != nil {
		t.Fatalf("read txt: %v", err)
	}
	if string(text) != "[A] hi\n" {
		t.Fatalf("transcript.txt = %q", string(text))
	}

	srt, err := os.ReadFile(artifacts["srt"])
	if err != nil {
		t.Fatalf("read srt: %v", err)
	}
	want := "1\n00:00:00,000 --> 00:00:01,500\n[A] hi\n"
	if string(srt) != want {
		t.Fatalf("transcript.srt = %q, want %q", string(srt), want)
	}

	if _, err := os.Stat(filepath.Join(outputDir, "transcript.json")); err != nil {
		t.Fatalf("transcript.json missing: %v", err)
	}
}

// TestPostprocessOutputsFallback checks txt/srt synthesis when the JSON
// carries no segments and no external sidecar files exist.
func TestPostprocessOutputsFallback(t *testing.T) {
	root := t.TempDir()
	cfg := config.Default(root)
	pipeline := NewRunnerForTests(cfg, testLogger(), &fakeRunner{})

	outputDir := filepath.Join(root, "out")
	mustWriteFile(t, filepath.Join(outputDir, "meeting.json"), `{"text":"hello there","segments":[]}`)

	artifacts, err := pipeline.postprocessOutputs(outputDir)
	if err != nil {
		t.Fatalf("postprocessOutputs() error = %v", err)
	}

	text, err := os.ReadFile(artifacts["txt"])
	if err != nil {
		t.Fatalf("read txt: %v", err)
	}
	if string(text) != "hello there" {
		t.Fatalf("transcript.txt = %q", string(text))
	}

	srt, err := os.ReadFile(artifacts["srt"])
	if err != nil {
		t.Fatalf("read srt: %v", err)
	}
	if string(srt) != "" {
		t.Fatalf("transcript.srt = %q, want empty", string(srt))
	}
}

// TestPostprocessOutputsWithoutJSON checks the export stage refuses to
// succeed without a machine-readable transcript.
func TestPostprocessOutputsWithoutJSON(t *testing.T) {
	root := t.TempDir()
	cfg := config.Default(root)
	pipeline := NewRunnerForTests(cfg, testLogger(), &fakeRunner{})

	outputDir := filepath.Join(root, "out")
	mustWriteFile(t, filepath.Join(outputDir, "meeting.txt"), "plain")

	if _, err := pipeline.postprocessOutputs(outputDir); err == nil {
		t.Fatal("expected error when no JSON output exists")
	}
}
