package transcribe

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// transcriptSegment is one diarized segment from the whisperx JSON output.
// Start and end are pointers because whisperx omits them for unaligned text.
type transcriptSegment struct {
	Start   *float64 `json:"start"`
	End     *float64 `json:"end"`
	Text    string   `json:"text"`
	Speaker string   `json:"speaker"`
}

// transcriptDocument is the top-level whisperx JSON output shape.
type transcriptDocument struct {
	Text     string              `json:"text"`
	Segments []transcriptSegment `json:"segments"`
}

// postprocessOutputs normalizes whatever whisperx produced into the fixed
// transcript.json / transcript.txt / transcript.srt artifact set.
func (r *Runner) postprocessOutputs(outputDir string) (map[string]string, error) {
	jsonPath, err := latestFile(outputDir, ".json")
	if err != nil || jsonPath == "" {
		return nil, &PipelineError{Stage: "export", Message: "no JSON output generated by whisperx", Err: err}
	}

	data, err := os.ReadFile(jsonPath)
	if err != nil {
		return nil, &PipelineError{Stage: "export", Message: fmt.Sprintf("cannot read transcript JSON: %s", jsonPath), Err: err}
	}
	var doc transcriptDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &PipelineError{Stage: "export", Message: fmt.Sprintf("cannot parse transcript JSON: %s", jsonPath), Err: err}
	}

	transcriptJSON := filepath.Join(outputDir, "transcript.json")
	if !samePath(jsonPath, transcriptJSON) {
		if err := copyFile(jsonPath, transcriptJSON); err != nil {
			return nil, &PipelineError{Stage: "export", Message: "cannot write transcript.json", Err: err}
		}
	}

	transcriptTXT := filepath.Join(outputDir, "transcript.txt")
	transcriptSRT := filepath.Join(outputDir, "transcript.srt")

	if len(doc.Segments) > 0 {
		if err := os.WriteFile(transcriptTXT, []byte(renderTranscriptText(doc.Segments)), 0o644); err != nil {
			return nil, &PipelineError{Stage: "export", Message: "cannot write transcript.txt", Err: err}
		}
		if err := os.WriteFile(transcriptSRT, []byte(renderSubtitles(doc.Segments)), 0o644); err != nil {
			return nil, &PipelineError{Stage: "export", Message: "cannot write transcript.srt", Err: err}
		}
	} else {
		if err := fallbackCopyOrWrite(outputDir, ".txt", transcriptTXT, strings.TrimSpace(doc.Text)); err != nil {
			return nil, &PipelineError{Stage: "export", Message: "cannot write transcript.txt", Err: err}
		}
		if err := fallbackCopyOrWrite(outputDir, ".srt", transcriptSRT, ""); err != nil {
			return nil, &PipelineError{Stage: "export", Message: "cannot write transcript.srt", Err: err}
		}
	}

	return map[string]string{
		"json": transcriptJSON,
		"txt":  transcriptTXT,
		"srt":  transcriptSRT,
	}, nil
}

// renderTranscriptText concatenates non-empty segment text, one line each,
// prefixed with the speaker label when present.
func renderTranscriptText(segments []transcriptSegment) string {
	var lines []string
	for _, segment := range segments {
		text := strings.TrimSpace(segment.Text)
		if text == "" {
			continue
		}
		if speaker := strings.TrimSpace(segment.Speaker); speaker != "" {
			lines = append(lines, "["+speaker+"] "+text)
		} else {
			lines = append(lines, text)
		}
	}
	return strings.TrimSpace(strings.Join(lines, "\n")) + "\n"
}

// renderSubtitles builds SRT cues for segments carrying both timestamps and
// non-empty text, numbered sequentially from 1.
func renderSubtitles(segments []transcriptSegment) string {
	var lines []string
	index := 1
	for _, segment := range segments {
		if segment.Start == nil || segment.End == nil {
			continue
		}
		text := strings.TrimSpace(segment.Text)
		if text == "" {
			continue
		}
		if speaker := strings.TrimSpace(segment.Speaker); speaker != "" {
			text = "[" + speaker + "] " + text
		}
		lines = append(lines,
			strconv.Itoa(index),
			formatSRTTimestamp(*segment.Start)+" --> "+formatSRTTimestamp(*segment.End),
			text,
			"",
		)
		index++
	}
	return strings.TrimSpace(strings.Join(lines, "\n")) + "\n"
}

// formatSRTTimestamp renders seconds as HH:MM:SS,mmm.
func formatSRTTimestamp(seconds float64) string {
	totalMS := int(math.Round(seconds * 1000))
	if totalMS < 0 {
		totalMS = 0
	}
	hours := totalMS / 3_600_000
	rem := totalMS % 3_600_000
	minutes := rem / 60_000
	rem %= 60_000
	secs := rem / 1000
	ms := rem % 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", hours, minutes, secs, ms)
}

// fallbackCopyOrWrite copies the newest external file with the given suffix
// over the target, or writes the synthesized content when none exists.
func fallbackCopyOrWrite(outputDir, suffix, target, synthesized string) error {
	source, err := latestFile(outputDir, suffix)
	if err != nil {
		return err
	}
	if source != "" && !samePath(source, target) {
		return copyFile(source, target)
	}
	if source != "" {
		// The external tool already wrote the canonical file.
		return nil
	}
	return os.WriteFile(target, []byte(synthesized), 0o644)
}

// latestFile returns the most-recently-modified regular file with the given
// suffix, or empty when none exists.
func latestFile(dir, suffix string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}

	var newest string
	var newestTime time.Time
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), suffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(newestTime) {
			newest = filepath.Join(dir, entry.Name())
			newestTime = info.ModTime()
		}
	}
	return newest, nil
}

// samePath reports whether two paths resolve to the same cleaned location.
func samePath(a, b string) bool {
	return filepath.Clean(a) == filepath.Clean(b)
}

// copyFile copies src over dst, truncating any existing content.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
